package digitalocean

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"benchfleet/internal/provider"

	"github.com/digitalocean/godo"
)

// fakeFirewallService records every call so tests can assert on the number of
// cloud firewalls that would really exist.
type fakeFirewallService struct {
	mu         sync.Mutex
	creates    []*godo.FirewallRequest
	added      map[string][]int
	deleted    []string
	failCreate bool
}

func (s *fakeFirewallService) Create(ctx context.Context, request *godo.FirewallRequest) (*godo.Firewall, *godo.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		s.failCreate = false
		return nil, nil, errors.New("create rejected")
	}
	s.creates = append(s.creates, request)
	return &godo.Firewall{ID: fmt.Sprintf("fw-%d", len(s.creates))}, nil, nil
}

func (s *fakeFirewallService) AddDroplets(ctx context.Context, firewallID string, dropletIDs ...int) (*godo.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.added == nil {
		s.added = map[string][]int{}
	}
	s.added[firewallID] = append(s.added[firewallID], dropletIDs...)
	return nil, nil
}

func (s *fakeFirewallService) Delete(ctx context.Context, firewallID string) (*godo.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, firewallID)
	return nil, nil
}

// stubDroplet satisfies the machine contract with just enough state for
// firewall calls, which only read the record.
type stubDroplet struct {
	id int
}

func (d stubDroplet) Create(ctx context.Context) error                { return nil }
func (d stubDroplet) Delete(ctx context.Context) error                { return nil }
func (d stubDroplet) WaitForBootCompletion(ctx context.Context) error { return nil }
func (d stubDroplet) RefreshPackageIndex(ctx context.Context) error   { return nil }
func (d stubDroplet) WarmUpCPU(ctx context.Context) error             { return nil }
func (d stubDroplet) CreateScratchDisk(ctx context.Context, spec provider.DiskSpec) error {
	return nil
}
func (d stubDroplet) DeleteScratchDisks(ctx context.Context) error { return nil }
func (d stubDroplet) IPAddress() string                            { return "" }
func (d stubDroplet) DiskSpecs() []provider.DiskSpec               { return nil }
func (d stubDroplet) AddDiskSpec(spec provider.DiskSpec)           {}
func (d stubDroplet) Record() provider.VMRecord {
	return provider.VMRecord{ID: strconv.Itoa(d.id)}
}

func TestAllowPortConcurrentMachinesShareOneFirewall(t *testing.T) {
	service := &fakeFirewallService{}
	fw := &firewall{service: service, project: "test"}

	const machines = 8
	var wg sync.WaitGroup
	errs := make([]error, machines)
	for i := 0; i < machines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fw.AllowPort(context.Background(), stubDroplet{id: 100 + i}, 22)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("AllowPort for machine %d: %v", i, err)
		}
	}
	if len(service.creates) != 1 {
		t.Fatalf("created %d firewalls for one port, want 1", len(service.creates))
	}

	// Every droplet must be attached, either through creation or by joining.
	attached := len(service.creates[0].DropletIDs)
	for _, ids := range service.added {
		attached += len(ids)
	}
	if attached != machines {
		t.Errorf("attached %d droplets, want %d", attached, machines)
	}

	rec := fw.Record()
	if len(rec.OpenPorts) != 1 || rec.OpenPorts[0] != 22 {
		t.Errorf("open ports = %v, want [22]", rec.OpenPorts)
	}
	if len(rec.RuleIDs) != 1 {
		t.Errorf("rule ids = %v, want one firewall", rec.RuleIDs)
	}
}

func TestAllowPortCreateFailureReleasesReservation(t *testing.T) {
	service := &fakeFirewallService{failCreate: true}
	fw := &firewall{service: service, project: "test"}

	if err := fw.AllowPort(context.Background(), stubDroplet{id: 1}, 80); err == nil {
		t.Fatal("expected the first create to fail")
	}
	if err := fw.AllowPort(context.Background(), stubDroplet{id: 2}, 80); err != nil {
		t.Fatalf("retry after failed create: %v", err)
	}
	if len(service.creates) != 1 {
		t.Fatalf("created %d firewalls after retry, want 1", len(service.creates))
	}
}

func TestDisallowAllPortsDeletesEveryFirewall(t *testing.T) {
	service := &fakeFirewallService{}
	fw := &firewall{service: service, project: "test"}

	if err := fw.AllowPort(context.Background(), stubDroplet{id: 1}, 22); err != nil {
		t.Fatal(err)
	}
	if err := fw.AllowPort(context.Background(), stubDroplet{id: 1}, 8080); err != nil {
		t.Fatal(err)
	}

	if err := fw.DisallowAllPorts(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(service.deleted) != 2 {
		t.Errorf("deleted %d firewalls, want 2", len(service.deleted))
	}
	if ports := fw.Record().OpenPorts; len(ports) != 0 {
		t.Errorf("open ports after disallow = %v, want none", ports)
	}
}
