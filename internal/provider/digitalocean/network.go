package digitalocean

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"benchfleet/internal/logging"
	"benchfleet/internal/provider"

	"github.com/digitalocean/godo"
	"go.uber.org/zap"
)

// network is one VPC in the droplet's region.
type network struct {
	bindings *bindings
	zone     string
	name     string

	vpcID string
}

func (n *network) Create(ctx context.Context) error {
	vpc, _, err := n.bindings.client.VPCs.Create(ctx, &godo.VPCCreateRequest{
		Name:       n.name,
		RegionSlug: n.zone,
	})
	if err != nil {
		return fmt.Errorf("failed to create vpc %s: %w", n.name, err)
	}
	n.vpcID = vpc.ID

	logging.Logger().Info("network created",
		zap.String("vpc", n.vpcID),
		zap.String("region", n.zone))
	return nil
}

func (n *network) Delete(ctx context.Context) error {
	if n.vpcID == "" {
		return nil
	}
	if _, err := n.bindings.client.VPCs.Delete(ctx, n.vpcID); err != nil {
		return fmt.Errorf("failed to delete vpc %s: %w", n.vpcID, err)
	}
	return nil
}

func (n *network) Zone() string { return n.zone }

func (n *network) Record() provider.NetworkRecord {
	return provider.NetworkRecord{Zone: n.zone, ID: n.vpcID, Name: n.name}
}

// firewallService is the slice of godo.FirewallsService the firewall needs.
type firewallService interface {
	Create(ctx context.Context, request *godo.FirewallRequest) (*godo.Firewall, *godo.Response, error)
	AddDroplets(ctx context.Context, firewallID string, dropletIDs ...int) (*godo.Response, error)
	Delete(ctx context.Context, firewallID string) (*godo.Response, error)
}

// portFirewall is the reservation for one port. The first machine to reserve
// the port creates the cloud firewall; later machines block on the Once until
// the ID (or the creation error) is available, then join by droplet ID.
type portFirewall struct {
	once sync.Once
	id   string
	err  error
}

// firewall maintains one cloud firewall per port; machines needing the same
// port join the existing firewall instead of creating another.
type firewall struct {
	service firewallService
	project string

	mu          sync.Mutex
	byPort      map[int]*portFirewall
	firewallIDs []string
	ports       []int
}

func (f *firewall) AllowPort(ctx context.Context, vm provider.VirtualMachine, port int) error {
	rec := vm.Record()
	if rec.Static {
		return nil
	}
	dropletID, err := strconv.Atoi(rec.ID)
	if err != nil {
		return fmt.Errorf("invalid droplet id %q: %w", rec.ID, err)
	}

	// Reserve the port before any API call; concurrent machines for the same
	// port must converge on a single firewall.
	f.mu.Lock()
	if f.byPort == nil {
		f.byPort = make(map[int]*portFirewall)
	}
	entry, reserved := f.byPort[port]
	if !reserved {
		entry = &portFirewall{}
		f.byPort[port] = entry
	}
	f.mu.Unlock()

	creator := false
	entry.once.Do(func() {
		creator = true
		entry.id, entry.err = f.createPortFirewall(ctx, port, dropletID)
	})

	if creator {
		if entry.err != nil {
			// Release the reservation so a later machine can retry.
			f.mu.Lock()
			delete(f.byPort, port)
			f.mu.Unlock()
			return entry.err
		}
		f.mu.Lock()
		f.firewallIDs = append(f.firewallIDs, entry.id)
		f.ports = appendUniqueInt(f.ports, port)
		f.mu.Unlock()

		logging.Logger().Info("firewall created",
			zap.String("firewall", entry.id),
			zap.Int("port", port))
		return nil
	}

	if entry.err != nil {
		return fmt.Errorf("firewall for port %d was not created: %w", port, entry.err)
	}
	if _, err := f.service.AddDroplets(ctx, entry.id, dropletID); err != nil {
		return fmt.Errorf("failed to add droplet %d to firewall %s: %w", dropletID, entry.id, err)
	}
	return nil
}

func (f *firewall) createPortFirewall(ctx context.Context, port, dropletID int) (string, error) {
	request := &godo.FirewallRequest{
		Name: fmt.Sprintf("benchfleet-allow-%d", port),
		InboundRules: []godo.InboundRule{
			{
				Protocol:  "tcp",
				PortRange: strconv.Itoa(port),
				Sources: &godo.Sources{
					Addresses: []string{"0.0.0.0/0", "::/0"},
				},
			},
		},
		OutboundRules: []godo.OutboundRule{
			{
				Protocol:  "tcp",
				PortRange: "all",
				Destinations: &godo.Destinations{
					Addresses: []string{"0.0.0.0/0", "::/0"},
				},
			},
			{
				Protocol:  "udp",
				PortRange: "all",
				Destinations: &godo.Destinations{
					Addresses: []string{"0.0.0.0/0", "::/0"},
				},
			},
		},
		DropletIDs: []int{dropletID},
	}

	created, _, err := f.service.Create(ctx, request)
	if err != nil {
		return "", fmt.Errorf("failed to create firewall for port %d: %w", port, err)
	}
	return created.ID, nil
}

func (f *firewall) DisallowAllPorts(ctx context.Context) error {
	f.mu.Lock()
	firewallIDs := append([]string(nil), f.firewallIDs...)
	f.mu.Unlock()

	for _, firewallID := range firewallIDs {
		if _, err := f.service.Delete(ctx, firewallID); err != nil {
			return fmt.Errorf("failed to delete firewall %s: %w", firewallID, err)
		}
	}

	f.mu.Lock()
	f.firewallIDs = nil
	f.byPort = nil
	f.ports = nil
	f.mu.Unlock()
	return nil
}

func (f *firewall) Record() provider.FirewallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	ports := append([]int(nil), f.ports...)
	sort.Ints(ports)
	return provider.FirewallRecord{
		Project:   f.project,
		OpenPorts: ports,
		RuleIDs:   append([]string(nil), f.firewallIDs...),
	}
}

func appendUniqueInt(list []int, value int) []int {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
