// Package digitalocean binds the plan's capability contracts to DigitalOcean
// through godo. Scratch disks are not offered here: the alias table is empty,
// so any disk request fails at resolution time.
package digitalocean

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	benchconfig "benchfleet/internal/config"
	"benchfleet/internal/provider"

	"github.com/digitalocean/godo"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	statePollInterval = 5 * time.Second
	statePollAttempts = 60
)

func init() {
	provider.Register(benchconfig.ProviderDigitalOcean, provider.Registration{
		Connect: connect,
		Defaults: provider.Defaults{
			Image:       "ubuntu-24-04-x64",
			MachineType: "s-2vcpu-4gb",
			Zone:        "nyc3",
		},
		DiskAliases: map[provider.DiskType]string{},
	})
}

func connect(ctx context.Context, cfg *benchconfig.Config) (provider.Bindings, error) {
	if cfg.DigitalOcean == nil || cfg.DigitalOcean.Token == "" {
		return nil, fmt.Errorf("digitalocean provider requires a token (digitalocean.token or DIGITALOCEAN_TOKEN)")
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 4
	retryClient.Logger = nil

	client, err := godo.New(retryClient.StandardClient(),
		godo.SetRequestHeaders(map[string]string{
			"Authorization": "Bearer " + cfg.DigitalOcean.Token,
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to create godo client: %w", err)
	}

	return &bindings{client: client}, nil
}

type bindings struct {
	client *godo.Client
}

func (b *bindings) VirtualMachine(spec *provider.VMSpec) provider.VirtualMachine {
	vm := &virtualMachine{
		bindings: b,
		zone:     spec.Zone,
		size:     spec.MachineType,
		image:    spec.Image,
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
	return &firewall{service: b.client.Firewalls, project: project}
}

func (b *bindings) RestoreVirtualMachine(rec provider.VMRecord, ssh provider.SSHIdentity) provider.VirtualMachine {
	vm := &virtualMachine{bindings: b, zone: rec.Zone}
	vm.Name = rec.Name
	vm.IP = rec.IP
	vm.SSH = ssh
	vm.dropletID, _ = strconv.Atoi(rec.ID)
	for _, disk := range rec.Disks {
		vm.AddDiskSpec(disk)
	}
	return vm
}

func (b *bindings) RestoreNetwork(rec provider.NetworkRecord) provider.Network {
	return &network{bindings: b, zone: rec.Zone, name: rec.Name, vpcID: rec.ID}
}

func (b *bindings) RestoreFirewall(rec provider.FirewallRecord) provider.Firewall {
	return &firewall{service: b.client.Firewalls, project: rec.Project, firewallIDs: rec.RuleIDs, ports: rec.OpenPorts}
}

// virtualMachine is one droplet.
type virtualMachine struct {
	provider.RemoteVM
	bindings *bindings

	zone    string
	size    string
	image   string
	network *network

	mu        sync.Mutex
	dropletID int
}

func (vm *virtualMachine) Create(ctx context.Context) error {
	userData, err := provider.GenerateCloudConfig(vm.SSH.User, vm.SSH.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to generate cloud-config: %w", err)
	}

	createRequest := &godo.DropletCreateRequest{
		Name:   vm.Name,
		Region: vm.zone,
		Size:   vm.size,
		Image: godo.DropletCreateImage{
			Slug: vm.image,
		},
		UserData: userData,
	}
	if vm.network != nil {
		createRequest.VPCUUID = vm.network.vpcID
	}

	droplet, _, err := vm.bindings.client.Droplets.Create(ctx, createRequest)
	if err != nil {
		return fmt.Errorf("failed to create droplet: %w", err)
	}

	vm.mu.Lock()
	vm.dropletID = droplet.ID
	vm.mu.Unlock()

	// Wait for droplet to be active
	for i := 0; i < statePollAttempts; i++ {
		d, _, err := vm.bindings.client.Droplets.Get(ctx, droplet.ID)
		if err != nil {
			return fmt.Errorf("failed to get droplet: %w", err)
		}
		if d.Status == "active" {
			ip, err := d.PublicIPv4()
			if err != nil {
				return fmt.Errorf("failed to get droplet IP: %w", err)
			}
			vm.IP = ip
			return nil
		}
		time.Sleep(statePollInterval)
	}
	return fmt.Errorf("timed out waiting for droplet %d to be active", droplet.ID)
}

func (vm *virtualMachine) Delete(ctx context.Context) error {
	vm.CloseController()

	vm.mu.Lock()
	dropletID := vm.dropletID
	vm.mu.Unlock()
	if dropletID == 0 {
		return nil
	}

	if _, err := vm.bindings.client.Droplets.Delete(ctx, dropletID); err != nil {
		return fmt.Errorf("failed to delete droplet %d: %w", dropletID, err)
	}
	return nil
}

func (vm *virtualMachine) CreateScratchDisk(ctx context.Context, spec provider.DiskSpec) error {
	return fmt.Errorf("disk type %q is not supported on digitalocean", spec.Type)
}

func (vm *virtualMachine) DeleteScratchDisks(ctx context.Context) error {
	return nil
}

func (vm *virtualMachine) Record() provider.VMRecord {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	return provider.VMRecord{
		ID:    strconv.Itoa(vm.dropletID),
		Name:  vm.Name,
		Zone:  vm.zone,
		IP:    vm.IP,
		Disks: vm.DiskSpecs(),
	}
}
