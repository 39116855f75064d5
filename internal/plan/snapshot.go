package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"benchfleet/internal/config"
	"benchfleet/internal/logging"
	"benchfleet/internal/provider"
	"benchfleet/internal/sshkeys"

	"go.uber.org/zap"
)

// snapshotVersion guards against reading a snapshot written by an
// incompatible build.
const snapshotVersion = 1

// snapshot is the persisted form of a plan: the declarative request plus the
// stable identifiers of what was created, never live SDK handles. The cleanup
// invocation reconstructs live handles from these records.
type snapshot struct {
	Version      int                              `json:"version"`
	Benchmark    string                           `json:"benchmark"`
	Provider     string                           `json:"provider"`
	Project      string                           `json:"project"`
	Zones        []string                         `json:"zones,omitempty"`
	Images       []string                         `json:"images,omitempty"`
	MachineTypes []string                         `json:"machine_types,omitempty"`
	Deleted      bool                             `json:"deleted"`
	Groups       map[string][]provider.VMRecord   `json:"groups"`
	Networks     []provider.NetworkRecord         `json:"networks,omitempty"`
	Firewall     provider.FirewallRecord          `json:"firewall"`
}

// Save serializes the plan to its deterministic snapshot path so a later
// process invocation can recover what was created.
func (p *Plan) Save() error {
	snap := snapshot{
		Version:      snapshotVersion,
		Benchmark:    p.benchmark,
		Provider:     p.providerName,
		Project:      p.project,
		Zones:        p.zones,
		Images:       p.images,
		MachineTypes: p.machineTypes,
		Deleted:      p.deleted,
		Groups:       map[string][]provider.VMRecord{},
		Firewall:     p.firewall.Record(),
	}

	for name, vms := range p.groups {
		records := make([]provider.VMRecord, 0, len(vms))
		for _, vm := range vms {
			records = append(records, vm.Record())
		}
		snap.Groups[name] = records
	}

	zones := make([]string, 0, len(p.networks))
	for zone := range p.networks {
		zones = append(zones, zone)
	}
	sort.Strings(zones)
	for _, zone := range zones {
		snap.Networks = append(snap.Networks, p.networks[zone].Record())
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.snapshotPath), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.WriteFile(p.snapshotPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write plan snapshot: %w", err)
	}

	logging.Logger().Info("plan snapshot written",
		zap.String("benchmark", p.benchmark),
		zap.String("path", p.snapshotPath))
	return nil
}

// Load reads the snapshot for the named benchmark and reconstructs a live
// plan from it. A missing or corrupt snapshot is fatal: the cleanup stage
// cannot proceed without knowing what exists.
func Load(ctx context.Context, benchmark string, cfg *config.Config, keyPair *sshkeys.KeyPair) (*Plan, error) {
	path := filepath.Join(cfg.TempDir, benchmark)

	data, err := os.ReadFile(path)
	if err != nil {
		perr := &PersistenceError{Path: path, Err: err}
		logging.Logger().Error("unable to read plan snapshot",
			zap.String("benchmark", benchmark),
			zap.Error(perr))
		return nil, perr
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		perr := &PersistenceError{Path: path, Err: err}
		logging.Logger().Error("unable to decode plan snapshot",
			zap.String("benchmark", benchmark),
			zap.Error(perr))
		return nil, perr
	}
	if snap.Version != snapshotVersion {
		perr := &PersistenceError{
			Path: path,
			Err:  fmt.Errorf("unsupported snapshot version %d (want %d)", snap.Version, snapshotVersion),
		}
		logging.Logger().Error("incompatible plan snapshot", zap.Error(perr))
		return nil, perr
	}

	reg, err := provider.Resolve(snap.Provider)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	bindings, err := reg.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect provider %s: %w", snap.Provider, err)
	}

	ssh := provider.SSHIdentity{
		User:       cfg.SSHUsername,
		PrivateKey: keyPair.PrivateKey,
		PublicKey:  keyPair.PublicKey,
	}

	p := &Plan{
		benchmark:    snap.Benchmark,
		cfg:          cfg,
		reg:          reg,
		bindings:     bindings,
		ssh:          ssh,
		statics:      &provider.StaticPool{},
		providerName: snap.Provider,
		project:      snap.Project,
		groups:       map[string][]provider.VirtualMachine{},
		networks:     map[string]provider.Network{},
		zones:        snap.Zones,
		images:       snap.Images,
		machineTypes: snap.MachineTypes,
		deleted:      snap.Deleted,
		snapshotPath: path,
	}

	for _, rec := range snap.Networks {
		p.networks[rec.Zone] = bindings.RestoreNetwork(rec)
	}
	p.firewall = bindings.RestoreFirewall(snap.Firewall)

	for name, records := range snap.Groups {
		for _, rec := range records {
			var vm provider.VirtualMachine
			if rec.Static {
				static := provider.NewStaticVM(rec.Name, rec.IP, ssh.User, ssh.PrivateKey)
				for _, disk := range rec.Disks {
					static.AddDiskSpec(disk)
				}
				vm = static
			} else {
				vm = bindings.RestoreVirtualMachine(rec, ssh)
			}
			p.vms = append(p.vms, vm)
			p.groups[name] = append(p.groups[name], vm)
		}
	}

	logging.Logger().Info("plan snapshot loaded",
		zap.String("benchmark", benchmark),
		zap.String("provider", snap.Provider),
		zap.Int("vms", len(p.vms)))

	return p, nil
}
