// Package gcp binds the plan's capability contracts to Google Compute Engine
// through the google.golang.org/api compute service.
package gcp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"benchfleet/internal/config"
	"benchfleet/internal/provider"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
)

const operationPollInterval = 5 * time.Second

var diskAliases = map[provider.DiskType]string{
	provider.DiskStandard: "pd-standard",
	provider.DiskSSD:      "pd-ssd",
}

func init() {
	provider.Register(config.ProviderGCP, provider.Registration{
		Connect: connect,
		Defaults: provider.Defaults{
			Image:       "projects/debian-cloud/global/images/family/debian-12",
			MachineType: "n1-standard-1",
			Zone:        "us-central1-a",
		},
		DiskAliases: diskAliases,
	})
}

func connect(ctx context.Context, cfg *config.Config) (provider.Bindings, error) {
	var opts []option.ClientOption
	if cfg.GCP != nil && cfg.GCP.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCP.CredentialsPath))
	}

	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}

	return &bindings{service: service}, nil
}

type bindings struct {
	service *compute.Service
}

func (b *bindings) VirtualMachine(spec *provider.VMSpec) provider.VirtualMachine {
	vm := &virtualMachine{
		bindings:    b,
		project:     spec.Project,
		zone:        spec.Zone,
		machineType: spec.MachineType,
		image:       spec.Image,
	}
	vm.Name = spec.Name
	vm.SSH = spec.SSH
	if spec.Network != nil {
		vm.networkName = spec.Network.Record().Name
	}
	return vm
}

func (b *bindings) Network(project, zone string) provider.Network {
	return &network{bindings: b, project: project, zone: zone, name: networkName(zone)}
}

func (b *bindings) Firewall(project string) provider.Firewall {
	return &firewall{bindings: b, project: project}
}

func (b *bindings) RestoreVirtualMachine(rec provider.VMRecord, ssh provider.SSHIdentity) provider.VirtualMachine {
	vm := &virtualMachine{
		bindings:    b,
		zone:        rec.Zone,
		networkName: networkName(rec.Zone),
		diskNames:   rec.DiskIDs,
	}
	vm.Name = rec.Name
	vm.IP = rec.IP
	vm.SSH = ssh
	vm.project = rec.ID // see Record: project travels in the ID field prefix
	if parts := strings.SplitN(rec.ID, "/", 2); len(parts) == 2 {
		vm.project = parts[0]
	}
	for _, disk := range rec.Disks {
		vm.AddDiskSpec(disk)
	}
	return vm
}

func (b *bindings) RestoreNetwork(rec provider.NetworkRecord) provider.Network {
	return &network{bindings: b, zone: rec.Zone, name: rec.Name, project: rec.ID}
}

func (b *bindings) RestoreFirewall(rec provider.FirewallRecord) provider.Firewall {
	return &firewall{bindings: b, project: rec.Project, ruleNames: rec.RuleIDs, ports: rec.OpenPorts}
}

// networkName derives the deterministic per-zone network name.
func networkName(zone string) string {
	return "benchfleet-" + zone
}

// virtualMachine is one GCE instance plus its scratch disks.
type virtualMachine struct {
	provider.RemoteVM
	bindings *bindings

	project     string
	zone        string
	machineType string
	image       string
	networkName string

	mu        sync.Mutex
	diskNames []string
}

func (vm *virtualMachine) Create(ctx context.Context) error {
	userData, err := provider.GenerateCloudConfig(vm.SSH.User, vm.SSH.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to generate cloud-config: %w", err)
	}
	sshKeys := fmt.Sprintf("%s:%s", vm.SSH.User, vm.SSH.PublicKey)

	instance := &compute.Instance{
		Name:        vm.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", vm.zone, vm.machineType),
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: true,
				Boot:       true,
				Type:       "PERSISTENT",
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: vm.image,
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				Network: "global/networks/" + vm.networkName,
				AccessConfigs: []*compute.AccessConfig{
					{
						Type: "ONE_TO_ONE_NAT",
						Name: "External NAT",
					},
				},
			},
		},
		Metadata: &compute.Metadata{
			Items: []*compute.MetadataItems{
				{Key: "user-data", Value: &userData},
				{Key: "ssh-keys", Value: &sshKeys},
			},
		},
	}

	op, err := vm.bindings.service.Instances.Insert(vm.project, vm.zone, instance).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	if err := vm.bindings.waitZoneOperation(ctx, vm.project, vm.zone, op.Name); err != nil {
		return fmt.Errorf("instance creation failed: %w", err)
	}

	created, err := vm.bindings.service.Instances.Get(vm.project, vm.zone, vm.Name).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to get instance: %w", err)
	}
	if len(created.NetworkInterfaces) > 0 && len(created.NetworkInterfaces[0].AccessConfigs) > 0 {
		vm.IP = created.NetworkInterfaces[0].AccessConfigs[0].NatIP
	}
	return nil
}

func (vm *virtualMachine) Delete(ctx context.Context) error {
	vm.CloseController()

	op, err := vm.bindings.service.Instances.Delete(vm.project, vm.zone, vm.Name).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return vm.bindings.waitZoneOperation(ctx, vm.project, vm.zone, op.Name)
}

func (vm *virtualMachine) CreateScratchDisk(ctx context.Context, spec provider.DiskSpec) error {
	alias, ok := aliasFor(spec.Type)
	if !ok {
		return fmt.Errorf("disk type %q is not supported on gcp", spec.Type)
	}

	vm.mu.Lock()
	index := len(vm.diskNames)
	vm.mu.Unlock()
	diskName := fmt.Sprintf("%s-scratch-%d", vm.Name, index)

	disk := &compute.Disk{
		Name:   diskName,
		SizeGb: int64(spec.SizeGB),
		Type:   fmt.Sprintf("zones/%s/diskTypes/%s", vm.zone, alias),
	}
	op, err := vm.bindings.service.Disks.Insert(vm.project, vm.zone, disk).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to create scratch disk: %w", err)
	}
	if err := vm.bindings.waitZoneOperation(ctx, vm.project, vm.zone, op.Name); err != nil {
		return fmt.Errorf("scratch disk creation failed: %w", err)
	}

	attach := &compute.AttachedDisk{
		Source:     fmt.Sprintf("zones/%s/disks/%s", vm.zone, diskName),
		DeviceName: diskName,
	}
	op, err = vm.bindings.service.Instances.AttachDisk(vm.project, vm.zone, vm.Name, attach).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to attach scratch disk: %w", err)
	}
	if err := vm.bindings.waitZoneOperation(ctx, vm.project, vm.zone, op.Name); err != nil {
		return fmt.Errorf("scratch disk attach failed: %w", err)
	}

	vm.mu.Lock()
	vm.diskNames = append(vm.diskNames, diskName)
	vm.mu.Unlock()

	device := "/dev/disk/by-id/google-" + diskName
	return vm.FormatAndMountDisk(device, spec.MountPoint)
}

func (vm *virtualMachine) DeleteScratchDisks(ctx context.Context) error {
	vm.mu.Lock()
	diskNames := append([]string(nil), vm.diskNames...)
	vm.mu.Unlock()

	for _, diskName := range diskNames {
		op, err := vm.bindings.service.Disks.Delete(vm.project, vm.zone, diskName).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to delete scratch disk %s: %w", diskName, err)
		}
		if err := vm.bindings.waitZoneOperation(ctx, vm.project, vm.zone, op.Name); err != nil {
			return fmt.Errorf("scratch disk %s deletion failed: %w", diskName, err)
		}
	}
	return nil
}

func (vm *virtualMachine) Record() provider.VMRecord {
	vm.mu.Lock()
	diskNames := append([]string(nil), vm.diskNames...)
	vm.mu.Unlock()

	return provider.VMRecord{
		ID:      fmt.Sprintf("%s/%s", vm.project, vm.Name),
		Name:    vm.Name,
		Zone:    vm.zone,
		IP:      vm.IP,
		Disks:   vm.DiskSpecs(),
		DiskIDs: diskNames,
	}
}

// aliasFor resolves the logical disk type against this provider's alias table.
func aliasFor(t provider.DiskType) (string, bool) {
	alias, ok := diskAliases[t]
	return alias, ok
}

func (b *bindings) waitZoneOperation(ctx context.Context, project, zone, name string) error {
	for i := 0; i < 120; i++ {
		op, err := b.service.ZoneOperations.Get(project, zone, name).Context(ctx).Do()
		if err != nil {
			return err
		}
		if op.Status == "DONE" {
			if op.Error != nil {
				return fmt.Errorf("operation error: %v", op.Error.Errors)
			}
			return nil
		}
		time.Sleep(operationPollInterval)
	}
	return fmt.Errorf("timeout waiting for operation %s", name)
}

func (b *bindings) waitGlobalOperation(ctx context.Context, project, name string) error {
	for i := 0; i < 120; i++ {
		op, err := b.service.GlobalOperations.Get(project, name).Context(ctx).Do()
		if err != nil {
			return err
		}
		if op.Status == "DONE" {
			if op.Error != nil {
				return fmt.Errorf("operation error: %v", op.Error.Errors)
			}
			return nil
		}
		time.Sleep(operationPollInterval)
	}
	return fmt.Errorf("timeout waiting for operation %s", name)
}
