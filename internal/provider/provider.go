package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"benchfleet/internal/config"
)

// DiskType is a logical storage class, mapped to a provider-specific string
// through the registration's alias table.
type DiskType string

const (
	DiskStandard DiskType = "standard"
	DiskSSD      DiskType = "ssd"
	DiskIOPS     DiskType = "iops"
)

// DiskSpec describes one scratch disk to attach to a machine.
type DiskSpec struct {
	SizeGB     int      `json:"size_gb"`
	Type       DiskType `json:"type"`
	MountPoint string   `json:"mount_point"`
}

// SSHIdentity is the login identity baked into created machines.
type SSHIdentity struct {
	User       string `json:"user"`
	PrivateKey string `json:"-"`
	PublicKey  string `json:"public_key"`
}

// VMSpec is the value object a machine is built from. Network is a non-owning
// reference shared by every machine in the same zone.
type VMSpec struct {
	Name        string
	Project     string
	Zone        string
	MachineType string
	Image       string
	Network     Network
	SSH         SSHIdentity
}

// VMRecord is the stable-identifier form of a machine kept in snapshots.
type VMRecord struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Zone    string     `json:"zone"`
	IP      string     `json:"ip"`
	Disks   []DiskSpec `json:"disks,omitempty"`
	DiskIDs []string   `json:"disk_ids,omitempty"`
	Static  bool       `json:"static,omitempty"`
}

// NetworkRecord is the stable-identifier form of a network kept in snapshots.
type NetworkRecord struct {
	Zone string `json:"zone"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// FirewallRecord is the stable-identifier form of a firewall kept in snapshots.
type FirewallRecord struct {
	Project   string   `json:"project"`
	OpenPorts []int    `json:"open_ports,omitempty"`
	RuleIDs   []string `json:"rule_ids,omitempty"`
}

// VirtualMachine is the capability contract a provider binding implements for
// a single machine. Create is the only call that brings the cloud resource
// into existence; the preparation steps after it assume a running instance.
type VirtualMachine interface {
	Create(ctx context.Context) error
	Delete(ctx context.Context) error
	WaitForBootCompletion(ctx context.Context) error
	RefreshPackageIndex(ctx context.Context) error
	WarmUpCPU(ctx context.Context) error
	CreateScratchDisk(ctx context.Context, spec DiskSpec) error
	DeleteScratchDisks(ctx context.Context) error

	IPAddress() string
	DiskSpecs() []DiskSpec
	AddDiskSpec(spec DiskSpec)
	Record() VMRecord
}

// Network is scoped one-per-zone within a plan.
type Network interface {
	Create(ctx context.Context) error
	Delete(ctx context.Context) error
	Zone() string
	Record() NetworkRecord
}

// Firewall is scoped to a project. AllowPort opens a port toward one machine;
// DisallowAllPorts revokes everything opened through this handle.
type Firewall interface {
	AllowPort(ctx context.Context, vm VirtualMachine, port int) error
	DisallowAllPorts(ctx context.Context) error
	Record() FirewallRecord
}

// Bindings is the connected capability triple for one provider, plus the
// restore constructors that rebuild live handles from snapshot records.
type Bindings interface {
	VirtualMachine(spec *VMSpec) VirtualMachine
	Network(project, zone string) Network
	Firewall(project string) Firewall

	RestoreVirtualMachine(rec VMRecord, ssh SSHIdentity) VirtualMachine
	RestoreNetwork(rec NetworkRecord) Network
	RestoreFirewall(rec FirewallRecord) Firewall
}

// Defaults holds the per-provider fallback values used when the request
// leaves image, machine type or zone unset.
type Defaults struct {
	Image       string
	MachineType string
	Zone        string
}

// Registration is one provider's entry in the registry.
type Registration struct {
	// Connect builds SDK clients from the provider's config block.
	Connect     func(ctx context.Context, cfg *config.Config) (Bindings, error)
	Defaults    Defaults
	DiskAliases map[DiskType]string
}

// DiskAlias resolves a logical disk type to the provider-specific string.
// A missing entry means the provider does not support that class; that is an
// explicit sentinel, not a registration error.
func (r Registration) DiskAlias(t DiskType) (string, bool) {
	alias, ok := r.DiskAliases[t]
	return alias, ok
}

// UnknownProviderError reports a lookup for a provider nobody registered.
type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q (registered: %v)", e.Name, Names())
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)
)

// Register adds a provider registration. Provider packages call this from
// init(); importing a provider package for side effects makes it available.
func Register(name string, reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("provider %q registered twice", name))
	}
	registry[name] = reg
}

// Resolve looks up a provider registration by identifier.
func Resolve(name string) (Registration, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	reg, ok := registry[name]
	if !ok {
		return Registration{}, &UnknownProviderError{Name: name}
	}
	return reg, nil
}

// Names returns the sorted identifiers of all registered providers.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
