package plan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"benchfleet/internal/config"
)

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := testConfig("fake")
	cfg.TempDir = t.TempDir()
	cfg.NumVMs = 3
	cfg.Zones = []string{"zone-a", "zone-b"}
	cfg.ScratchDisks = 1

	p, err := New(context.Background(), "roundtrip", cfg, testKeyPair())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := p.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cfg.TempDir, "roundtrip")); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	loaded, err := Load(context.Background(), "roundtrip", cfg, testKeyPair())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Benchmark() != "roundtrip" {
		t.Errorf("benchmark = %q", loaded.Benchmark())
	}
	if loaded.Provider() != "fake" {
		t.Errorf("provider = %q", loaded.Provider())
	}
	if loaded.Deleted() {
		t.Error("restored plan marked deleted")
	}
	if got := len(loaded.VMs()); got != 3 {
		t.Fatalf("restored %d machines, want 3", got)
	}

	wantNames := recordNames(p)
	gotNames := recordNames(loaded)
	sort.Strings(wantNames)
	sort.Strings(gotNames)
	for i := range wantNames {
		if wantNames[i] != gotNames[i] {
			t.Fatalf("restored names %v, want %v", gotNames, wantNames)
		}
	}

	gotZones := loaded.Zones()
	sort.Strings(gotZones)
	if len(gotZones) != 2 || gotZones[0] != "zone-a" || gotZones[1] != "zone-b" {
		t.Errorf("restored zones = %v", gotZones)
	}

	networkZones := loaded.NetworkZones()
	sort.Strings(networkZones)
	if len(networkZones) != 2 {
		t.Errorf("restored network zones = %v, want 2", networkZones)
	}

	// Scratch-disk declarations survive the round trip.
	for _, vm := range loaded.VMs() {
		if got := len(vm.DiskSpecs()); got != 1 {
			t.Errorf("restored machine has %d disk specs, want 1", got)
		}
	}
}

func TestSnapshotRestoredPlanDeletes(t *testing.T) {
	cfg := testConfig("fake")
	cfg.TempDir = t.TempDir()
	cfg.NumVMs = 2

	p, err := New(context.Background(), "restore-delete", cfg, testKeyPair())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := p.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(context.Background(), "restore-delete", cfg, testKeyPair())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	fake := lastFake()

	if err := loaded.Delete(context.Background()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := fake.ops.count("vm-delete"); got != 2 {
		t.Errorf("%d machines deleted through restored handles, want 2", got)
	}
	if got := fake.ops.count("network-delete"); got != 1 {
		t.Errorf("%d networks deleted, want 1", got)
	}
}

func TestSnapshotStaticMachineRestored(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_rsa")
	if err := os.WriteFile(keyPath, []byte("test-key-material"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig("fake")
	cfg.TempDir = t.TempDir()
	cfg.NumVMs = 1
	cfg.StaticVMs = []config.StaticVM{{IP: "192.0.2.20", KeyPath: keyPath}}

	p, err := New(context.Background(), "static-snap", cfg, testKeyPair())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(context.Background(), "static-snap", cfg, testKeyPair())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	vms := loaded.VMs()
	if len(vms) != 1 {
		t.Fatalf("restored %d machines, want 1", len(vms))
	}
	rec := vms[0].Record()
	if !rec.Static {
		t.Error("restored machine lost its static flag")
	}
	if rec.IP != "192.0.2.20" {
		t.Errorf("restored static IP = %q", rec.IP)
	}
}

func TestLoadRejectsMissingSnapshot(t *testing.T) {
	cfg := testConfig("fake")
	cfg.TempDir = t.TempDir()

	_, err := Load(context.Background(), "nope", cfg, testKeyPair())
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %T (%v), want *PersistenceError", err, err)
	}
}

func TestLoadRejectsIncompatibleVersion(t *testing.T) {
	cfg := testConfig("fake")
	cfg.TempDir = t.TempDir()

	path := filepath.Join(cfg.TempDir, "oldsnap")
	if err := os.WriteFile(path, []byte(`{"version": 99, "benchmark": "oldsnap", "provider": "fake", "groups": {}}`), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(context.Background(), "oldsnap", cfg, testKeyPair())
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %T (%v), want *PersistenceError", err, err)
	}
}

func recordNames(p *Plan) []string {
	names := make([]string, 0, len(p.VMs()))
	for _, vm := range p.VMs() {
		names = append(names, vm.Record().Name)
	}
	return names
}
