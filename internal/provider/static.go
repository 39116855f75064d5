package provider

import (
	"context"
	"fmt"
	"os"
	"sync"

	"benchfleet/internal/config"
	"benchfleet/internal/logging"

	"go.uber.org/zap"
)

// StaticVM is a pre-existing machine supplied by the user. Create and Delete
// are no-ops: the machine's lifetime is not ours to manage. Preparation steps
// still run over SSH.
type StaticVM struct {
	RemoteVM
}

// NewStaticVM builds a static machine handle from its connection parameters.
func NewStaticVM(name, ip, user, privateKey string) *StaticVM {
	return &StaticVM{
		RemoteVM: RemoteVM{
			Name: name,
			IP:   ip,
			SSH: SSHIdentity{
				User:       user,
				PrivateKey: privateKey,
			},
		},
	}
}

func (v *StaticVM) Create(ctx context.Context) error {
	return nil
}

func (v *StaticVM) Delete(ctx context.Context) error {
	v.CloseController()
	return nil
}

// CreateScratchDisk cannot attach block storage to a machine we did not
// provision; the declaration is dropped with a warning.
func (v *StaticVM) CreateScratchDisk(ctx context.Context, spec DiskSpec) error {
	logging.Logger().Warn("skipping scratch disk on static machine",
		zap.String("instance", v.Name),
		zap.String("mount_point", spec.MountPoint))
	return nil
}

func (v *StaticVM) DeleteScratchDisks(ctx context.Context) error {
	return nil
}

func (v *StaticVM) Record() VMRecord {
	return VMRecord{
		Name:   v.Name,
		IP:     v.IP,
		Disks:  v.DiskSpecs(),
		Static: true,
	}
}

// StaticPool hands out user-supplied machines before any cloud creation
// happens. Once drained, normal provisioning takes over.
type StaticPool struct {
	mu  sync.Mutex
	vms []*StaticVM
}

// NewStaticPool reads the configured static machines and their key files.
func NewStaticPool(entries []config.StaticVM, defaultUser string) (*StaticPool, error) {
	pool := &StaticPool{}
	for i, entry := range entries {
		if entry.IP == "" {
			return nil, fmt.Errorf("static VM %d has no IP address", i)
		}
		user := entry.User
		if user == "" {
			user = defaultUser
		}
		var privateKey string
		if entry.KeyPath != "" {
			keyBytes, err := os.ReadFile(entry.KeyPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read key for static VM %s: %w", entry.IP, err)
			}
			privateKey = string(keyBytes)
		}
		name := fmt.Sprintf("static-%d-%s", i, entry.IP)
		pool.vms = append(pool.vms, NewStaticVM(name, entry.IP, user, privateKey))
	}
	return pool, nil
}

// Get pops the next static machine, or nil when the pool is drained.
func (p *StaticPool) Get() VirtualMachine {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.vms) == 0 {
		return nil
	}
	vm := p.vms[0]
	p.vms = p.vms[1:]
	logging.Logger().Info("using static machine instead of provisioning",
		zap.String("instance", vm.Name),
		zap.String("ip", vm.IP))
	return vm
}

// Size returns the number of machines still available.
func (p *StaticPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.vms)
}
