package yandex

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"benchfleet/internal/logging"
	"benchfleet/internal/provider"

	"github.com/yandex-cloud/go-genproto/yandex/cloud/vpc/v1"
	"go.uber.org/zap"
)

const subnetCIDR = "10.10.0.0/24"

// network is one VPC network with a single subnet in its zone.
type network struct {
	bindings *bindings
	zone     string
	name     string

	networkID string
	subnetID  string
}

func (n *network) Create(ctx context.Context) error {
	pop, err := n.bindings.sdk.VPC().Network().Create(ctx, &vpc.CreateNetworkRequest{
		FolderId: n.bindings.folderID,
		Name:     n.name,
	})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", n.name, err)
	}
	op, err := n.bindings.sdk.WrapOperation(pop, nil)
	if err != nil {
		return fmt.Errorf("failed to wrap operation: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("network %s creation failed: %w", n.name, err)
	}
	resp, err := op.Response()
	if err != nil {
		return fmt.Errorf("failed to get response: %w", err)
	}
	n.networkID = resp.(*vpc.Network).Id

	pop, err = n.bindings.sdk.VPC().Subnet().Create(ctx, &vpc.CreateSubnetRequest{
		FolderId:     n.bindings.folderID,
		Name:         n.name,
		NetworkId:    n.networkID,
		ZoneId:       n.zone,
		V4CidrBlocks: []string{subnetCIDR},
	})
	if err != nil {
		return fmt.Errorf("failed to create subnet: %w", err)
	}
	op, err = n.bindings.sdk.WrapOperation(pop, nil)
	if err != nil {
		return fmt.Errorf("failed to wrap operation: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("subnet creation failed: %w", err)
	}
	resp, err = op.Response()
	if err != nil {
		return fmt.Errorf("failed to get response: %w", err)
	}
	n.subnetID = resp.(*vpc.Subnet).Id

	logging.Logger().Info("network created",
		zap.String("network", n.networkID),
		zap.String("subnet", n.subnetID),
		zap.String("zone", n.zone))
	return nil
}

func (n *network) Delete(ctx context.Context) error {
	if n.networkID == "" {
		return nil
	}

	// A restored handle knows only the network; rediscover the subnet.
	if n.subnetID == "" {
		subnetID, err := n.bindings.findSubnet(ctx, n.networkID, n.zone)
		if err != nil {
			return err
		}
		n.subnetID = subnetID
	}

	if n.subnetID != "" {
		pop, err := n.bindings.sdk.VPC().Subnet().Delete(ctx, &vpc.DeleteSubnetRequest{
			SubnetId: n.subnetID,
		})
		if err != nil {
			return fmt.Errorf("failed to delete subnet %s: %w", n.subnetID, err)
		}
		op, err := n.bindings.sdk.WrapOperation(pop, nil)
		if err != nil {
			return fmt.Errorf("failed to wrap operation: %w", err)
		}
		if err := op.Wait(ctx); err != nil {
			return fmt.Errorf("subnet %s deletion failed: %w", n.subnetID, err)
		}
	}

	pop, err := n.bindings.sdk.VPC().Network().Delete(ctx, &vpc.DeleteNetworkRequest{
		NetworkId: n.networkID,
	})
	if err != nil {
		return fmt.Errorf("failed to delete network %s: %w", n.networkID, err)
	}
	op, err := n.bindings.sdk.WrapOperation(pop, nil)
	if err != nil {
		return fmt.Errorf("failed to wrap operation: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("network %s deletion failed: %w", n.networkID, err)
	}
	return nil
}

func (n *network) Zone() string { return n.zone }

func (n *network) Record() provider.NetworkRecord {
	return provider.NetworkRecord{Zone: n.zone, ID: n.networkID, Name: n.name}
}

// findSubnet locates the subnet of a network in a zone.
func (b *bindings) findSubnet(ctx context.Context, networkID, zone string) (string, error) {
	resp, err := b.sdk.VPC().Subnet().List(ctx, &vpc.ListSubnetsRequest{
		FolderId: b.folderID,
		PageSize: 100,
	})
	if err != nil {
		return "", fmt.Errorf("failed to list subnets: %w", err)
	}
	for _, subnet := range resp.Subnets {
		if subnet.NetworkId == networkID && subnet.ZoneId == zone {
			return subnet.Id, nil
		}
	}
	return "", nil
}

// firewall opens ports by adding ingress rules to the default security group
// of the machine's zone network. Rules are deduplicated by (group, port).
type firewall struct {
	bindings *bindings
	project  string

	mu      sync.Mutex
	seen    map[string]bool
	ruleIDs []string
	ports   []int
}

func (f *firewall) AllowPort(ctx context.Context, vm provider.VirtualMachine, port int) error {
	rec := vm.Record()
	if rec.Static {
		return nil
	}

	groupID, err := f.groupForZone(ctx, rec.Zone)
	if err != nil {
		return err
	}
	dedupKey := fmt.Sprintf("%s/%d", groupID, port)

	f.mu.Lock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[dedupKey] {
		f.mu.Unlock()
		return nil
	}
	f.seen[dedupKey] = true
	f.mu.Unlock()

	pop, err := f.bindings.sdk.VPC().SecurityGroup().UpdateRules(ctx, &vpc.UpdateSecurityGroupRulesRequest{
		SecurityGroupId: groupID,
		AdditionRuleSpecs: []*vpc.SecurityGroupRuleSpec{
			{
				Description: fmt.Sprintf("benchfleet allow tcp %d", port),
				Direction:   vpc.SecurityGroupRule_INGRESS,
				Ports: &vpc.PortRange{
					FromPort: int64(port),
					ToPort:   int64(port),
				},
				Protocol: &vpc.SecurityGroupRuleSpec_ProtocolName{
					ProtocolName: "tcp",
				},
				Target: &vpc.SecurityGroupRuleSpec_CidrBlocks{
					CidrBlocks: &vpc.CidrBlocks{V4CidrBlocks: []string{"0.0.0.0/0"}},
				},
			},
		},
	})
	if err != nil {
		f.mu.Lock()
		delete(f.seen, dedupKey)
		f.mu.Unlock()
		return fmt.Errorf("failed to add ingress rule on %s: %w", groupID, err)
	}
	op, err := f.bindings.sdk.WrapOperation(pop, nil)
	if err != nil {
		return fmt.Errorf("failed to wrap operation: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("ingress rule creation on %s failed: %w", groupID, err)
	}

	meta, err := op.Metadata()
	if err != nil {
		return fmt.Errorf("failed to get operation metadata: %w", err)
	}
	added := meta.(*vpc.UpdateSecurityGroupMetadata).AddedRuleIds

	f.mu.Lock()
	for _, ruleID := range added {
		f.ruleIDs = append(f.ruleIDs, fmt.Sprintf("%s/%s", groupID, ruleID))
	}
	f.ports = appendUniqueInt(f.ports, port)
	f.mu.Unlock()

	logging.Logger().Info("ingress rule created",
		zap.String("security_group", groupID),
		zap.Int("port", port))
	return nil
}

func (f *firewall) DisallowAllPorts(ctx context.Context) error {
	f.mu.Lock()
	ruleIDs := append([]string(nil), f.ruleIDs...)
	f.mu.Unlock()

	// Group deletions per security group into one rule update each.
	byGroup := make(map[string][]string)
	for _, ruleID := range ruleIDs {
		groupID, rule, ok := strings.Cut(ruleID, "/")
		if !ok {
			continue
		}
		byGroup[groupID] = append(byGroup[groupID], rule)
	}

	for groupID, rules := range byGroup {
		pop, err := f.bindings.sdk.VPC().SecurityGroup().UpdateRules(ctx, &vpc.UpdateSecurityGroupRulesRequest{
			SecurityGroupId: groupID,
			DeletionRuleIds: rules,
		})
		if err != nil {
			return fmt.Errorf("failed to remove ingress rules on %s: %w", groupID, err)
		}
		op, err := f.bindings.sdk.WrapOperation(pop, nil)
		if err != nil {
			return fmt.Errorf("failed to wrap operation: %w", err)
		}
		if err := op.Wait(ctx); err != nil {
			return fmt.Errorf("ingress rule removal on %s failed: %w", groupID, err)
		}
	}

	f.mu.Lock()
	f.ruleIDs = nil
	f.seen = nil
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
		RuleIDs:   append([]string(nil), f.ruleIDs...),
	}
}

// groupForZone resolves the default security group of the zone's network.
func (f *firewall) groupForZone(ctx context.Context, zone string) (string, error) {
	name := "benchfleet-" + zone
	resp, err := f.bindings.sdk.VPC().Network().List(ctx, &vpc.ListNetworksRequest{
		FolderId: f.bindings.folderID,
		PageSize: 100,
	})
	if err != nil {
		return "", fmt.Errorf("failed to list networks: %w", err)
	}
	for _, net := range resp.Networks {
		if net.Name == name {
			if net.DefaultSecurityGroupId == "" {
				return "", fmt.Errorf("network %s has no default security group", name)
			}
			return net.DefaultSecurityGroupId, nil
		}
	}
	return "", fmt.Errorf("no network named %s", name)
}

func appendUniqueInt(list []int, value int) []int {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
