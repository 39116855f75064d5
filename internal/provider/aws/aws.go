// Package aws binds the plan's capability contracts to EC2 through
// aws-sdk-go-v2.
package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	benchconfig "benchfleet/internal/config"
	"benchfleet/internal/provider"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	statePollInterval = 5 * time.Second
	statePollAttempts = 60

	// Canonical's AWS account, owner of the official Ubuntu AMIs.
	ubuntuOwnerID     = "099720109477"
	ubuntuNamePattern = "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*"
)

var diskAliases = map[provider.DiskType]string{
	provider.DiskStandard: "standard",
	provider.DiskSSD:      "gp2",
	provider.DiskIOPS:     "io1",
}

func init() {
	provider.Register(benchconfig.ProviderAWS, provider.Registration{
		Connect: connect,
		Defaults: provider.Defaults{
			// Image left empty: the newest official Ubuntu AMI is looked up
			// at create time, AMI IDs being region-specific.
			MachineType: "t3.medium",
			Zone:        "us-east-1a",
		},
		DiskAliases: diskAliases,
	})
}

func connect(ctx context.Context, cfg *benchconfig.Config) (provider.Bindings, error) {
	region := "us-east-1"
	var opts []func(*config.LoadOptions) error
	if cfg.AWS != nil {
		if cfg.AWS.Region != "" {
			region = cfg.AWS.Region
		}
		if cfg.AWS.AccessKeyID != "" {
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, "")))
		}
	}
	opts = append(opts, config.WithRegion(region))

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &bindings{client: ec2.NewFromConfig(awsCfg)}, nil
}

type bindings struct {
	client *ec2.Client
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
		volumeIDs:  rec.DiskIDs,
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
	return &network{bindings: b, zone: rec.Zone, name: rec.Name, vpcID: rec.ID}
}

func (b *bindings) RestoreFirewall(rec provider.FirewallRecord) provider.Firewall {
	return &firewall{bindings: b, project: rec.Project, ruleIDs: rec.RuleIDs, ports: rec.OpenPorts}
}

// virtualMachine is one EC2 instance plus its EBS scratch volumes.
type virtualMachine struct {
	provider.RemoteVM
	bindings *bindings

	zone        string
	machineType string
	image       string
	network     *network

	mu         sync.Mutex
	instanceID string
	volumeIDs  []string
}

func (vm *virtualMachine) Create(ctx context.Context) error {
	imageID := vm.image
	if imageID == "" {
		resolved, err := vm.bindings.latestUbuntuImage(ctx)
		if err != nil {
			return err
		}
		imageID = resolved
	}

	userData, err := provider.GenerateCloudConfig(vm.SSH.User, vm.SSH.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to generate cloud-config: %w", err)
	}
	encodedUserData := base64.StdEncoding.EncodeToString([]byte(userData))

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(imageID),
		InstanceType: types.InstanceType(vm.machineType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(encodedUserData),
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(vm.Name)},
				},
			},
		},
	}
	if vm.network != nil {
		input.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{
			{
				DeviceIndex:              aws.Int32(0),
				SubnetId:                 aws.String(vm.network.subnetID),
				AssociatePublicIpAddress: aws.Bool(true),
				Groups:                   []string{vm.network.securityGroupID},
			},
		}
	}

	output, err := vm.bindings.client.RunInstances(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to run instance: %w", err)
	}
	instanceID := aws.ToString(output.Instances[0].InstanceId)

	vm.mu.Lock()
	vm.instanceID = instanceID
	vm.mu.Unlock()

	// Wait for instance to be running
	for i := 0; i < statePollAttempts; i++ {
		desc, err := vm.bindings.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			return fmt.Errorf("failed to describe instance: %w", err)
		}

		inst := desc.Reservations[0].Instances[0]
		if inst.State.Name == types.InstanceStateNameRunning {
			vm.IP = aws.ToString(inst.PublicIpAddress)
			return nil
		}
		time.Sleep(statePollInterval)
	}
	return fmt.Errorf("timed out waiting for instance %s to be running", instanceID)
}

func (vm *virtualMachine) Delete(ctx context.Context) error {
	vm.CloseController()

	vm.mu.Lock()
	instanceID := vm.instanceID
	vm.mu.Unlock()
	if instanceID == "" {
		return nil
	}

	if _, err := vm.bindings.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	}); err != nil {
		return fmt.Errorf("failed to terminate instance: %w", err)
	}

	// Volumes stay attached until termination completes, so wait here rather
	// than in DeleteScratchDisks.
	for i := 0; i < statePollAttempts; i++ {
		desc, err := vm.bindings.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			return fmt.Errorf("failed to describe instance: %w", err)
		}
		if desc.Reservations[0].Instances[0].State.Name == types.InstanceStateNameTerminated {
			return nil
		}
		time.Sleep(statePollInterval)
	}
	return fmt.Errorf("timed out waiting for instance %s to terminate", instanceID)
}

func (vm *virtualMachine) CreateScratchDisk(ctx context.Context, spec provider.DiskSpec) error {
	alias, ok := diskAliases[spec.Type]
	if !ok {
		return fmt.Errorf("disk type %q is not supported on aws", spec.Type)
	}

	vm.mu.Lock()
	instanceID := vm.instanceID
	index := len(vm.volumeIDs)
	vm.mu.Unlock()

	volume, err := vm.bindings.client.CreateVolume(ctx, &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(vm.zone),
		Size:             aws.Int32(int32(spec.SizeGB)),
		VolumeType:       types.VolumeType(alias),
	})
	if err != nil {
		return fmt.Errorf("failed to create scratch volume: %w", err)
	}
	volumeID := aws.ToString(volume.VolumeId)

	if err := vm.bindings.waitVolumeState(ctx, volumeID, types.VolumeStateAvailable); err != nil {
		return err
	}

	device := fmt.Sprintf("/dev/xvd%c", 'f'+index)
	if _, err := vm.bindings.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
	}); err != nil {
		return fmt.Errorf("failed to attach scratch volume %s: %w", volumeID, err)
	}
	if err := vm.bindings.waitVolumeState(ctx, volumeID, types.VolumeStateInUse); err != nil {
		return err
	}

	vm.mu.Lock()
	vm.volumeIDs = append(vm.volumeIDs, volumeID)
	vm.mu.Unlock()

	return vm.FormatAndMountDisk(device, spec.MountPoint)
}

func (vm *virtualMachine) DeleteScratchDisks(ctx context.Context) error {
	vm.mu.Lock()
	volumeIDs := append([]string(nil), vm.volumeIDs...)
	vm.mu.Unlock()

	for _, volumeID := range volumeIDs {
		if _, err := vm.bindings.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{
			VolumeId: aws.String(volumeID),
		}); err != nil {
			return fmt.Errorf("failed to delete scratch volume %s: %w", volumeID, err)
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
		DiskIDs: append([]string(nil), vm.volumeIDs...),
	}
}

// latestUbuntuImage resolves the newest official Ubuntu AMI in the connected
// region.
func (b *bindings) latestUbuntuImage(ctx context.Context) (string, error) {
	output, err := b.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{ubuntuOwnerID},
		Filters: []types.Filter{
			{Name: aws.String("name"), Values: []string{ubuntuNamePattern}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe images: %w", err)
	}
	if len(output.Images) == 0 {
		return "", fmt.Errorf("no ubuntu image found matching %q", ubuntuNamePattern)
	}

	images := output.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}

func (b *bindings) waitVolumeState(ctx context.Context, volumeID string, want types.VolumeState) error {
	for i := 0; i < statePollAttempts; i++ {
		desc, err := b.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
			VolumeIds: []string{volumeID},
		})
		if err != nil {
			return fmt.Errorf("failed to describe volume %s: %w", volumeID, err)
		}
		if len(desc.Volumes) > 0 && desc.Volumes[0].State == want {
			return nil
		}
		time.Sleep(statePollInterval)
	}
	return fmt.Errorf("timed out waiting for volume %s to become %s", volumeID, want)
}
