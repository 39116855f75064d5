// Package yandex binds the plan's capability contracts to Yandex Cloud
// through the official go-sdk.
package yandex

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	benchconfig "benchfleet/internal/config"
	"benchfleet/internal/provider"

	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	ycsdk "github.com/yandex-cloud/go-sdk"
)

const (
	defaultPlatformID  = "standard-v3"
	bootDiskSizeGB     = 20
	defaultImageFamily = "ubuntu-24-04-lts"

	gib = 1024 * 1024 * 1024
)

var diskAliases = map[provider.DiskType]string{
	provider.DiskStandard: "network-hdd",
	provider.DiskSSD:      "network-ssd",
	provider.DiskIOPS:     "network-ssd-io-m3",
}

func init() {
	provider.Register(benchconfig.ProviderYandexCloud, provider.Registration{
		Connect: connect,
		Defaults: provider.Defaults{
			// Image left empty: the newest image of the default Ubuntu family
			// is looked up at create time.
			MachineType: "2-8",
			Zone:        "ru-central1-a",
		},
		DiskAliases: diskAliases,
	})
}

func connect(ctx context.Context, cfg *benchconfig.Config) (provider.Bindings, error) {
	if cfg.YandexCloud == nil || cfg.YandexCloud.IAMToken == "" {
		return nil, fmt.Errorf("yandex provider requires an IAM token (yandex.iam_token or YC_TOKEN)")
	}

	sdk, err := ycsdk.Build(ctx, ycsdk.Config{
		Credentials: ycsdk.NewIAMTokenCredentials(cfg.YandexCloud.IAMToken),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SDK: %w", err)
	}

	folderID := cfg.YandexCloud.FolderID
	if folderID == "" {
		folderID = cfg.Project
	}
	if folderID == "" {
		return nil, fmt.Errorf("yandex provider requires a folder id (yandex.folder_id or project)")
	}

	return &bindings{sdk: sdk, folderID: folderID}, nil
}

type bindings struct {
	sdk      *ycsdk.SDK
	folderID string
}

func (b *bindings) VirtualMachine(spec *provider.VMSpec) provider.VirtualMachine {
	vm := &virtualMachine{
		bindings:    b,
		zone:        spec.Zone,
		machineType: spec.MachineType,
		image:       spec.Image,
	}
	vm.Name = spec.Name
	vm.SSH = spec.SSH
	if net, ok := spec.Network.(*network); ok {
		vm.network = net
	}
	return vm
}

func (b *bindings) Network(project, zone string) provider.Network {
	return &network{bindings: b, zone: zone, name: "benchfleet-" + zone}
}

func (b *bindings) Firewall(project string) provider.Firewall {
	return &firewall{bindings: b, project: project}
}

func (b *bindings) RestoreVirtualMachine(rec provider.VMRecord, ssh provider.SSHIdentity) provider.VirtualMachine {
	vm := &virtualMachine{
		bindings:   b,
		zone:       rec.Zone,
		instanceID: rec.ID,
		diskIDs:    rec.DiskIDs,
	}
	vm.Name = rec.Name
	vm.IP = rec.IP
	vm.SSH = ssh
	for _, disk := range rec.Disks {
		vm.AddDiskSpec(disk)
	}
	return vm
}

func (b *bindings) RestoreNetwork(rec provider.NetworkRecord) provider.Network {
	return &network{bindings: b, zone: rec.Zone, name: rec.Name, networkID: rec.ID}
}

func (b *bindings) RestoreFirewall(rec provider.FirewallRecord) provider.Firewall {
	return &firewall{bindings: b, project: rec.Project, ruleIDs: rec.RuleIDs, ports: rec.OpenPorts}
}

// virtualMachine is one Yandex Cloud compute instance plus its scratch disks.
// The machine type is a "<cores>-<memoryGB>" pair; Yandex sizes instances by
// resources, not by named types.
type virtualMachine struct {
	provider.RemoteVM
	bindings *bindings

	zone        string
	machineType string
	image       string
	network     *network

	mu         sync.Mutex
	instanceID string
	diskIDs    []string
}

func (vm *virtualMachine) Create(ctx context.Context) error {
	cores, memoryGB, err := parseMachineType(vm.machineType)
	if err != nil {
		return err
	}

	imageID := vm.image
	if imageID == "" {
		image, err := vm.bindings.sdk.Compute().Image().GetLatestByFamily(ctx, &compute.GetImageLatestByFamilyRequest{
			FolderId: "standard-images",
			Family:   defaultImageFamily,
		})
		if err != nil {
			return fmt.Errorf("failed to resolve image family %s: %w", defaultImageFamily, err)
		}
		imageID = image.Id
	}

	userData, err := provider.GenerateCloudConfig(vm.SSH.User, vm.SSH.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to generate cloud-config: %w", err)
	}

	var subnetID string
	if vm.network != nil {
		subnetID = vm.network.subnetID
	}
	if subnetID == "" {
		return fmt.Errorf("no subnet available in zone %s", vm.zone)
	}

	request := &compute.CreateInstanceRequest{
		FolderId:   vm.bindings.folderID,
		Name:       vm.Name,
		ZoneId:     vm.zone,
		PlatformId: defaultPlatformID,
		ResourcesSpec: &compute.ResourcesSpec{
			Cores:  int64(cores),
			Memory: int64(memoryGB) * gib,
		},
		BootDiskSpec: &compute.AttachedDiskSpec{
			AutoDelete: true,
			Disk: &compute.AttachedDiskSpec_DiskSpec_{
				DiskSpec: &compute.AttachedDiskSpec_DiskSpec{
					TypeId: diskAliases[provider.DiskStandard],
					Size:   bootDiskSizeGB * gib,
					Source: &compute.AttachedDiskSpec_DiskSpec_ImageId{
						ImageId: imageID,
					},
				},
			},
		},
		NetworkInterfaceSpecs: []*compute.NetworkInterfaceSpec{
			{
				SubnetId: subnetID,
				PrimaryV4AddressSpec: &compute.PrimaryAddressSpec{
					OneToOneNatSpec: &compute.OneToOneNatSpec{
						IpVersion: compute.IpVersion_IPV4,
					},
				},
			},
		},
		Metadata: map[string]string{
			"user-data": userData,
		},
	}

	pop, err := vm.bindings.sdk.Compute().Instance().Create(ctx, request)
	if err != nil {
		return fmt.Errorf("failed to create VM: %w", err)
	}
	op, err := vm.bindings.sdk.WrapOperation(pop, nil)
	if err != nil {
		return fmt.Errorf("failed to wrap operation: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for operation: %w", err)
	}

	resp, err := op.Response()
	if err != nil {
		return fmt.Errorf("failed to get response: %w", err)
	}
	instance := resp.(*compute.Instance)

	vm.mu.Lock()
	vm.instanceID = instance.Id
	vm.mu.Unlock()

	if len(instance.NetworkInterfaces) > 0 {
		if nat := instance.NetworkInterfaces[0].PrimaryV4Address.OneToOneNat; nat != nil {
			vm.IP = nat.Address
		}
	}
	return nil
}

func (vm *virtualMachine) Delete(ctx context.Context) error {
	vm.CloseController()

	vm.mu.Lock()
	instanceID := vm.instanceID
	vm.mu.Unlock()
	if instanceID == "" {
		return nil
	}

	pop, err := vm.bindings.sdk.Compute().Instance().Delete(ctx, &compute.DeleteInstanceRequest{
		InstanceId: instanceID,
	})
	if err != nil {
		return fmt.Errorf("failed to delete VM: %w", err)
	}
	op, err := vm.bindings.sdk.WrapOperation(pop, nil)
	if err != nil {
		return fmt.Errorf("failed to wrap operation: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for operation: %w", err)
	}
	return nil
}

func (vm *virtualMachine) CreateScratchDisk(ctx context.Context, spec provider.DiskSpec) error {
	typeID, ok := diskAliases[spec.Type]
	if !ok {
		return fmt.Errorf("disk type %q is not supported on yandex", spec.Type)
	}

	vm.mu.Lock()
	instanceID := vm.instanceID
	index := len(vm.diskIDs)
	vm.mu.Unlock()
	deviceName := fmt.Sprintf("scratch%d", index)

	pop, err := vm.bindings.sdk.Compute().Disk().Create(ctx, &compute.CreateDiskRequest{
		FolderId: vm.bindings.folderID,
		Name:     fmt.Sprintf("%s-%s", vm.Name, deviceName),
		ZoneId:   vm.zone,
		TypeId:   typeID,
		Size:     int64(spec.SizeGB) * gib,
	})
	if err != nil {
		return fmt.Errorf("failed to create scratch disk: %w", err)
	}
	op, err := vm.bindings.sdk.WrapOperation(pop, nil)
	if err != nil {
		return fmt.Errorf("failed to wrap operation: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("scratch disk creation failed: %w", err)
	}
	resp, err := op.Response()
	if err != nil {
		return fmt.Errorf("failed to get response: %w", err)
	}
	disk := resp.(*compute.Disk)

	pop, err = vm.bindings.sdk.Compute().Instance().AttachDisk(ctx, &compute.AttachInstanceDiskRequest{
		InstanceId: instanceID,
		AttachedDiskSpec: &compute.AttachedDiskSpec{
			DeviceName: deviceName,
			Disk: &compute.AttachedDiskSpec_DiskId{
				DiskId: disk.Id,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to attach scratch disk: %w", err)
	}
	op, err = vm.bindings.sdk.WrapOperation(pop, nil)
	if err != nil {
		return fmt.Errorf("failed to wrap operation: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("scratch disk attach failed: %w", err)
	}

	vm.mu.Lock()
	vm.diskIDs = append(vm.diskIDs, disk.Id)
	vm.mu.Unlock()

	device := "/dev/disk/by-id/virtio-" + deviceName
	return vm.FormatAndMountDisk(device, spec.MountPoint)
}

func (vm *virtualMachine) DeleteScratchDisks(ctx context.Context) error {
	vm.mu.Lock()
	diskIDs := append([]string(nil), vm.diskIDs...)
	vm.mu.Unlock()

	for _, diskID := range diskIDs {
		pop, err := vm.bindings.sdk.Compute().Disk().Delete(ctx, &compute.DeleteDiskRequest{
			DiskId: diskID,
		})
		if err != nil {
			return fmt.Errorf("failed to delete scratch disk %s: %w", diskID, err)
		}
		op, err := vm.bindings.sdk.WrapOperation(pop, nil)
		if err != nil {
			return fmt.Errorf("failed to wrap operation: %w", err)
		}
		if err := op.Wait(ctx); err != nil {
			return fmt.Errorf("scratch disk %s deletion failed: %w", diskID, err)
		}
	}
	return nil
}

func (vm *virtualMachine) Record() provider.VMRecord {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	return provider.VMRecord{
		ID:      vm.instanceID,
		Name:    vm.Name,
		Zone:    vm.zone,
		IP:      vm.IP,
		Disks:   vm.DiskSpecs(),
		DiskIDs: append([]string(nil), vm.diskIDs...),
	}
}

// parseMachineType splits a "<cores>-<memoryGB>" machine type.
func parseMachineType(machineType string) (cores, memoryGB int, err error) {
	coresText, memoryText, ok := strings.Cut(machineType, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid machine type %q (want \"<cores>-<memoryGB>\")", machineType)
	}
	cores, err = strconv.Atoi(coresText)
	if err != nil || cores < 1 {
		return 0, 0, fmt.Errorf("invalid cores in machine type %q", machineType)
	}
	memoryGB, err = strconv.Atoi(memoryText)
	if err != nil || memoryGB < 1 {
		return 0, 0, fmt.Errorf("invalid memory in machine type %q", machineType)
	}
	return cores, memoryGB, nil
}
