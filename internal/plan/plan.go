// Package plan owns the benchmark resource lifecycle: it resolves a resource
// request into node groups of machines, provisions them concurrently through
// a provider binding, persists the result so a later invocation can find it,
// and tears everything down idempotently.
package plan

import (
	"context"
	"fmt"
	"path/filepath"

	"benchfleet/internal/batch"
	"benchfleet/internal/config"
	"benchfleet/internal/logging"
	"benchfleet/internal/provider"
	"benchfleet/internal/sshkeys"
	"benchfleet/internal/topology"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SSHPort is the fixed remote-access port opened for every machine.
const SSHPort = 22

// Plan is the aggregate root for one benchmark's resources: its machines
// grouped by node-group name, one network per zone (created lazily), and one
// firewall per project.
type Plan struct {
	benchmark string
	cfg       *config.Config
	reg       provider.Registration
	bindings  provider.Bindings
	ssh       provider.SSHIdentity
	statics   *provider.StaticPool

	providerName string
	project      string

	vms      []provider.VirtualMachine
	groups   map[string][]provider.VirtualMachine
	networks map[string]provider.Network
	firewall provider.Firewall

	zones        []string
	images       []string
	machineTypes []string

	deleted      bool
	snapshotPath string
}

// New resolves the benchmark's resource request into a concrete plan. When the
// config names a topology file the request is heterogeneous (one node group
// per section); otherwise it is a homogeneous flag-driven request with a
// single "default" group. No cloud calls happen here.
func New(ctx context.Context, benchmark string, cfg *config.Config, keyPair *sshkeys.KeyPair) (*Plan, error) {
	providerName := cfg.Provider
	project := cfg.Project

	var desc *topology.Description
	if cfg.TopologyFile != "" {
		var err error
		desc, err = topology.Load(cfg.TopologyFile)
		if err != nil {
			return nil, &ConfigurationError{Err: err}
		}
		if t := desc.Cluster[topology.KeyType]; t != "" {
			providerName = t
		}
		if p := desc.Cluster[topology.KeyProject]; p != "" {
			project = p
		}
	}

	reg, err := provider.Resolve(providerName)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	bindings, err := reg.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect provider %s: %w", providerName, err)
	}

	statics, err := provider.NewStaticPool(cfg.StaticVMs, cfg.SSHUsername)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	p := &Plan{
		benchmark:    benchmark,
		cfg:          cfg,
		reg:          reg,
		bindings:     bindings,
		statics:      statics,
		providerName: providerName,
		project:      project,
		groups:       map[string][]provider.VirtualMachine{},
		networks:     map[string]provider.Network{},
		snapshotPath: filepath.Join(cfg.TempDir, benchmark),
		ssh: provider.SSHIdentity{
			User:       cfg.SSHUsername,
			PrivateKey: keyPair.PrivateKey,
			PublicKey:  keyPair.PublicKey,
		},
	}

	if desc != nil {
		err = p.resolveTopology(desc)
	} else {
		err = p.resolveFlags()
	}
	if err != nil {
		return nil, err
	}

	if leftover := p.statics.Size(); leftover > 0 {
		logging.Logger().Warn("static machines configured but not consumed by any node group",
			zap.Int("unused", leftover))
	}

	p.firewall = bindings.Firewall(project)

	logging.Logger().Info("resolved benchmark resource plan",
		zap.String("benchmark", benchmark),
		zap.String("provider", providerName),
		zap.Int("vms", len(p.vms)),
		zap.Int("groups", len(p.groups)),
		zap.Strings("zones", p.zones))

	return p, nil
}

// createVM builds one machine handle. A pinned static machine bypasses
// provisioning entirely; otherwise the zone's network is created lazily (at
// most one per zone) and the machine is constructed from the spec. Pure
// construction, no cloud calls.
func (p *Plan) createVM(zone, machineType, image string) provider.VirtualMachine {
	if vm := p.statics.Get(); vm != nil {
		return vm
	}

	network, ok := p.networks[zone]
	if !ok {
		network = p.bindings.Network(p.project, zone)
		p.networks[zone] = network
	}

	spec := &provider.VMSpec{
		Name:        fmt.Sprintf("%s-%s", p.benchmark, uuid.NewString()),
		Project:     p.project,
		Zone:        zone,
		MachineType: machineType,
		Image:       image,
		Network:     network,
		SSH:         p.ssh,
	}
	return p.bindings.VirtualMachine(spec)
}

// Prepare provisions the plan: networks first, as a distinct batch, to
// establish the substrate machines attach to; then every machine is prepared
// concurrently. One machine's failure never aborts its siblings.
func (p *Plan) Prepare(ctx context.Context) error {
	if len(p.networks) > 0 {
		networks := make([]provider.Network, 0, len(p.networks))
		for _, network := range p.networks {
			networks = append(networks, network)
		}
		failures := batch.Run(networks,
			func(n provider.Network) string { return "network/" + n.Zone() },
			func(n provider.Network) error { return n.Create(ctx) })
		if err := batch.Error(failures); err != nil {
			return fmt.Errorf("network creation: %w", err)
		}
	}

	if len(p.vms) > 0 {
		failures := batch.Run(p.vms,
			func(vm provider.VirtualMachine) string { return vm.Record().Name },
			func(vm provider.VirtualMachine) error { return p.prepareVM(ctx, vm) })
		return batch.Error(failures)
	}
	return nil
}

// prepareVM runs one machine's fixed preparation sequence: create, open the
// remote-access port, wait for boot, refresh the package index, create the
// scratch disks, then burn CPU so burst credits don't skew measurements.
func (p *Plan) prepareVM(ctx context.Context, vm provider.VirtualMachine) error {
	name := vm.Record().Name

	step := func(stepName string, fn func() error) error {
		if err := fn(); err != nil {
			return &ProvisioningError{VM: name, Step: stepName, Err: err}
		}
		return nil
	}

	if err := step("create", func() error { return vm.Create(ctx) }); err != nil {
		return err
	}
	logging.Logger().Info("machine created",
		zap.String("instance", name),
		zap.String("ip", vm.IPAddress()))

	if err := step("allow-ssh", func() error { return p.firewall.AllowPort(ctx, vm, SSHPort) }); err != nil {
		return err
	}
	if err := step("boot-wait", func() error { return vm.WaitForBootCompletion(ctx) }); err != nil {
		return err
	}
	if err := step("refresh-packages", func() error { return vm.RefreshPackageIndex(ctx) }); err != nil {
		return err
	}
	for _, spec := range vm.DiskSpecs() {
		spec := spec
		if err := step("scratch-disk "+spec.MountPoint, func() error { return vm.CreateScratchDisk(ctx, spec) }); err != nil {
			return err
		}
	}
	return step("cpu-warm-up", func() error { return vm.WarmUpCPU(ctx) })
}

// Delete tears the plan down. It is a no-op when the run stage does not cover
// cleanup or when the plan is already deleted; the deleted flag is set
// permanently even after partial failures, so a second call never touches the
// provider again.
func (p *Plan) Delete(ctx context.Context) error {
	if !p.cfg.RunStage.CleanupEligible() || p.deleted {
		return nil
	}

	var failures []batch.Failure

	if len(p.vms) > 0 {
		failures = batch.Run(p.vms,
			func(vm provider.VirtualMachine) string { return vm.Record().Name },
			func(vm provider.VirtualMachine) error {
				if err := vm.Delete(ctx); err != nil {
					return err
				}
				return vm.DeleteScratchDisks(ctx)
			})
	}

	if err := p.firewall.DisallowAllPorts(ctx); err != nil {
		failures = append(failures, batch.Failure{Label: "firewall/" + p.project, Err: err})
	}

	for zone, network := range p.networks {
		if err := network.Delete(ctx); err != nil {
			failures = append(failures, batch.Failure{Label: "network/" + zone, Err: err})
		}
	}

	p.deleted = true

	logging.Logger().Info("benchmark resource plan deleted",
		zap.String("benchmark", p.benchmark),
		zap.Int("failures", len(failures)))

	return batch.Error(failures)
}

// Benchmark returns the plan's benchmark name.
func (p *Plan) Benchmark() string { return p.benchmark }

// Provider returns the provider identifier the plan is bound to.
func (p *Plan) Provider() string { return p.providerName }

// VMs returns every machine in the plan, across all node groups.
func (p *Plan) VMs() []provider.VirtualMachine {
	return append([]provider.VirtualMachine(nil), p.vms...)
}

// Group returns the machines of one node group.
func (p *Plan) Group(name string) []provider.VirtualMachine {
	return append([]provider.VirtualMachine(nil), p.groups[name]...)
}

// GroupNames returns the node-group names with at least one machine.
func (p *Plan) GroupNames() []string {
	names := make([]string, 0, len(p.groups))
	for name := range p.groups {
		names = append(names, name)
	}
	return names
}

// Zones returns the plan-level zone summary.
func (p *Plan) Zones() []string { return append([]string(nil), p.zones...) }

// Images returns the plan-level image summary.
func (p *Plan) Images() []string { return append([]string(nil), p.images...) }

// MachineTypes returns the plan-level machine-type summary.
func (p *Plan) MachineTypes() []string { return append([]string(nil), p.machineTypes...) }

// NetworkZones returns the zones a network exists for.
func (p *Plan) NetworkZones() []string {
	zones := make([]string, 0, len(p.networks))
	for zone := range p.networks {
		zones = append(zones, zone)
	}
	return zones
}

// Deleted reports whether teardown already ran to completion.
func (p *Plan) Deleted() bool { return p.deleted }

// SnapshotPath returns the deterministic snapshot location for this plan.
func (p *Plan) SnapshotPath() string { return p.snapshotPath }

// appendUnique appends value to list if absent, returning the new list.
func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
