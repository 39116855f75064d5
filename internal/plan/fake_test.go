package plan

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"benchfleet/internal/config"
	"benchfleet/internal/provider"
)

// opLog records provider operations in call order.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *opLog) count(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, op := range l.ops {
		if strings.HasPrefix(op, prefix) {
			n++
		}
	}
	return n
}

var fakeState struct {
	mu sync.Mutex
	// last is the bindings handed out by the most recent Connect call.
	last *fakeBindings
	// failBootNth makes the nth constructed machine (0-based) fail its boot
	// wait; -1 disables.
	failBootNth int
}

func init() {
	fakeState.failBootNth = -1

	provider.Register("fake", provider.Registration{
		Connect: fakeConnect,
		Defaults: provider.Defaults{
			Image:       "fake-image",
			MachineType: "fake-small",
			Zone:        "zone-a",
		},
		DiskAliases: map[provider.DiskType]string{
			provider.DiskStandard: "fake-standard",
			provider.DiskSSD:      "fake-ssd",
		},
	})
	provider.Register("fake-nodisk", provider.Registration{
		Connect: fakeConnect,
		Defaults: provider.Defaults{
			Image:       "fake-image",
			MachineType: "fake-small",
			Zone:        "zone-a",
		},
		DiskAliases: map[provider.DiskType]string{},
	})
}

func fakeConnect(ctx context.Context, cfg *config.Config) (provider.Bindings, error) {
	fakeState.mu.Lock()
	defer fakeState.mu.Unlock()

	b := &fakeBindings{ops: &opLog{}, failBootNth: fakeState.failBootNth}
	fakeState.last = b
	return b, nil
}

// lastFake returns the bindings created by the most recent plan construction
// and resets the failure injection.
func lastFake() *fakeBindings {
	fakeState.mu.Lock()
	defer fakeState.mu.Unlock()
	fakeState.failBootNth = -1
	return fakeState.last
}

func failBootOfNthVM(n int) {
	fakeState.mu.Lock()
	defer fakeState.mu.Unlock()
	fakeState.failBootNth = n
}

type fakeBindings struct {
	ops *opLog

	mu          sync.Mutex
	built       int
	failBootNth int
	vms         []*fakeVM
}

func (b *fakeBindings) VirtualMachine(spec *provider.VMSpec) provider.VirtualMachine {
	b.mu.Lock()
	defer b.mu.Unlock()

	vm := &fakeVM{
		ops:         b.ops,
		name:        spec.Name,
		zone:        spec.Zone,
		machineType: spec.MachineType,
		image:       spec.Image,
		failBoot:    b.built == b.failBootNth,
	}
	vm.ip = fmt.Sprintf("10.0.0.%d", b.built+1)
	b.built++
	b.vms = append(b.vms, vm)
	return vm
}

func (b *fakeBindings) Network(project, zone string) provider.Network {
	return &fakeNetwork{ops: b.ops, zone: zone, name: "fake-net-" + zone}
}

func (b *fakeBindings) Firewall(project string) provider.Firewall {
	return &fakeFirewall{ops: b.ops, project: project}
}

func (b *fakeBindings) RestoreVirtualMachine(rec provider.VMRecord, ssh provider.SSHIdentity) provider.VirtualMachine {
	vm := &fakeVM{
		ops:      b.ops,
		name:     rec.Name,
		zone:     rec.Zone,
		created:  true,
		restored: true,
	}
	vm.ip = rec.IP
	for _, disk := range rec.Disks {
		vm.AddDiskSpec(disk)
	}
	return vm
}

func (b *fakeBindings) RestoreNetwork(rec provider.NetworkRecord) provider.Network {
	return &fakeNetwork{ops: b.ops, zone: rec.Zone, name: rec.Name, restored: true}
}

func (b *fakeBindings) RestoreFirewall(rec provider.FirewallRecord) provider.Firewall {
	return &fakeFirewall{ops: b.ops, project: rec.Project, ports: rec.OpenPorts}
}

// builtCount returns how many machines were constructed through the bindings.
func (b *fakeBindings) builtCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.built
}

type fakeVM struct {
	ops *opLog

	name        string
	zone        string
	machineType string
	image       string
	failBoot    bool
	restored    bool

	mu      sync.Mutex
	ip      string
	created bool
	deleted bool
	disks   []provider.DiskSpec
	diskIDs []string
}

func (v *fakeVM) Create(ctx context.Context) error {
	v.mu.Lock()
	v.created = true
	v.mu.Unlock()
	v.ops.add("vm-create " + v.name)
	return nil
}

func (v *fakeVM) Delete(ctx context.Context) error {
	v.mu.Lock()
	v.deleted = true
	v.mu.Unlock()
	v.ops.add("vm-delete " + v.name)
	return nil
}

func (v *fakeVM) WaitForBootCompletion(ctx context.Context) error {
	v.ops.add("boot-wait " + v.name)
	if v.failBoot {
		return fmt.Errorf("ssh never came up")
	}
	return nil
}

func (v *fakeVM) RefreshPackageIndex(ctx context.Context) error {
	v.ops.add("refresh " + v.name)
	return nil
}

func (v *fakeVM) WarmUpCPU(ctx context.Context) error {
	v.ops.add("warm-up " + v.name)
	return nil
}

func (v *fakeVM) CreateScratchDisk(ctx context.Context, spec provider.DiskSpec) error {
	v.ops.add("disk-create " + v.name + " " + spec.MountPoint)
	v.mu.Lock()
	v.diskIDs = append(v.diskIDs, fmt.Sprintf("%s-disk-%d", v.name, len(v.diskIDs)))
	v.mu.Unlock()
	return nil
}

func (v *fakeVM) DeleteScratchDisks(ctx context.Context) error {
	v.ops.add("disk-delete " + v.name)
	return nil
}

func (v *fakeVM) IPAddress() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ip
}

func (v *fakeVM) DiskSpecs() []provider.DiskSpec {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]provider.DiskSpec(nil), v.disks...)
}

func (v *fakeVM) AddDiskSpec(spec provider.DiskSpec) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disks = append(v.disks, spec)
}

func (v *fakeVM) Record() provider.VMRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	return provider.VMRecord{
		ID:      "fake-" + v.name,
		Name:    v.name,
		Zone:    v.zone,
		IP:      v.ip,
		Disks:   append([]provider.DiskSpec(nil), v.disks...),
		DiskIDs: append([]string(nil), v.diskIDs...),
	}
}

type fakeNetwork struct {
	ops      *opLog
	zone     string
	name     string
	restored bool
}

func (n *fakeNetwork) Create(ctx context.Context) error {
	n.ops.add("network-create " + n.zone)
	return nil
}

func (n *fakeNetwork) Delete(ctx context.Context) error {
	n.ops.add("network-delete " + n.zone)
	return nil
}

func (n *fakeNetwork) Zone() string { return n.zone }

func (n *fakeNetwork) Record() provider.NetworkRecord {
	return provider.NetworkRecord{Zone: n.zone, ID: "fake-net-id-" + n.zone, Name: n.name}
}

type fakeFirewall struct {
	ops     *opLog
	project string

	mu    sync.Mutex
	ports []int
}

func (f *fakeFirewall) AllowPort(ctx context.Context, vm provider.VirtualMachine, port int) error {
	f.ops.add(fmt.Sprintf("allow-port %s %d", vm.Record().Name, port))
	f.mu.Lock()
	f.ports = append(f.ports, port)
	f.mu.Unlock()
	return nil
}

func (f *fakeFirewall) DisallowAllPorts(ctx context.Context) error {
	f.ops.add("disallow-all " + f.project)
	f.mu.Lock()
	f.ports = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeFirewall) Record() provider.FirewallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return provider.FirewallRecord{Project: f.project, OpenPorts: append([]int(nil), f.ports...)}
}
