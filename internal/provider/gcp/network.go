package gcp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"benchfleet/internal/logging"
	"benchfleet/internal/provider"

	"go.uber.org/zap"
	"google.golang.org/api/compute/v1"
)

// network is one auto-mode VPC, scoped per zone so machines in different
// zones never share a network substrate.
type network struct {
	bindings *bindings
	project  string
	zone     string
	name     string
}

func (n *network) Create(ctx context.Context) error {
	net := &compute.Network{
		Name:                  n.name,
		AutoCreateSubnetworks: true,
	}

	op, err := n.bindings.service.Networks.Insert(n.project, net).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", n.name, err)
	}
	if err := n.bindings.waitGlobalOperation(ctx, n.project, op.Name); err != nil {
		return fmt.Errorf("network %s creation failed: %w", n.name, err)
	}

	logging.Logger().Info("network created",
		zap.String("network", n.name),
		zap.String("zone", n.zone))
	return nil
}

func (n *network) Delete(ctx context.Context) error {
	op, err := n.bindings.service.Networks.Delete(n.project, n.name).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to delete network %s: %w", n.name, err)
	}
	return n.bindings.waitGlobalOperation(ctx, n.project, op.Name)
}

func (n *network) Zone() string { return n.zone }

func (n *network) Record() provider.NetworkRecord {
	return provider.NetworkRecord{Zone: n.zone, ID: n.project, Name: n.name}
}

// firewall manages ingress rules for one project. Rules are deduplicated by
// (network, port): opening the same port toward two machines on one network
// creates a single rule.
type firewall struct {
	bindings *bindings
	project  string

	mu        sync.Mutex
	rules     map[string]bool
	ruleNames []string
	ports     []int
}

func (f *firewall) AllowPort(ctx context.Context, vm provider.VirtualMachine, port int) error {
	rec := vm.Record()
	if rec.Static {
		// Pinned machines sit outside the project; their reachability is
		// someone else's configuration.
		return nil
	}

	netName := networkName(rec.Zone)
	ruleName := fmt.Sprintf("%s-allow-%d", netName, port)

	f.mu.Lock()
	if f.rules == nil {
		f.rules = make(map[string]bool)
	}
	if f.rules[ruleName] {
		f.mu.Unlock()
		return nil
	}
	f.rules[ruleName] = true
	f.mu.Unlock()

	rule := &compute.Firewall{
		Name:    ruleName,
		Network: "global/networks/" + netName,
		Allowed: []*compute.FirewallAllowed{
			{
				IPProtocol: "tcp",
				Ports:      []string{fmt.Sprintf("%d", port)},
			},
		},
		SourceRanges: []string{"0.0.0.0/0"},
	}

	op, err := f.bindings.service.Firewalls.Insert(f.project, rule).Context(ctx).Do()
	if err != nil {
		f.mu.Lock()
		delete(f.rules, ruleName)
		f.mu.Unlock()
		return fmt.Errorf("failed to create firewall rule %s: %w", ruleName, err)
	}
	if err := f.bindings.waitGlobalOperation(ctx, f.project, op.Name); err != nil {
		return fmt.Errorf("firewall rule %s creation failed: %w", ruleName, err)
	}

	f.mu.Lock()
	f.ruleNames = append(f.ruleNames, ruleName)
	f.ports = appendUniqueInt(f.ports, port)
	f.mu.Unlock()

	logging.Logger().Info("firewall rule created",
		zap.String("rule", ruleName),
		zap.Int("port", port))
	return nil
}

func (f *firewall) DisallowAllPorts(ctx context.Context) error {
	f.mu.Lock()
	ruleNames := append([]string(nil), f.ruleNames...)
	f.mu.Unlock()

	for _, ruleName := range ruleNames {
		op, err := f.bindings.service.Firewalls.Delete(f.project, ruleName).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("failed to delete firewall rule %s: %w", ruleName, err)
		}
		if err := f.bindings.waitGlobalOperation(ctx, f.project, op.Name); err != nil {
			return fmt.Errorf("firewall rule %s deletion failed: %w", ruleName, err)
		}
	}

	f.mu.Lock()
	f.ruleNames = nil
	f.rules = nil
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
		RuleIDs:   append([]string(nil), f.ruleNames...),
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
