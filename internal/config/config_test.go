package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "benchfleet.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != ProviderGCP {
		t.Errorf("default provider = %q, want gcp", cfg.Provider)
	}
	if cfg.NumVMs != 1 {
		t.Errorf("default num_vms = %d, want 1", cfg.NumVMs)
	}
	if cfg.RunStage != StageAll {
		t.Errorf("default run_stage = %q, want all", cfg.RunStage)
	}
	if cfg.ScratchDiskSizeGB != 500 {
		t.Errorf("default scratch disk size = %d, want 500", cfg.ScratchDiskSizeGB)
	}
	if cfg.SSHUsername == "" || cfg.TempDir == "" {
		t.Error("SSH username and temp dir must have defaults")
	}
}

func TestLoadExpandsEnvironmentInCredentials(t *testing.T) {
	t.Setenv("TEST_BENCH_PROJECT", "expanded-project")
	t.Setenv("TEST_BENCH_DO_TOKEN", "expanded-token")
	writeConfig(t, `
provider: digitalocean
project: $TEST_BENCH_PROJECT
digitalocean:
  token: $TEST_BENCH_DO_TOKEN
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Project != "expanded-project" {
		t.Errorf("project = %q", cfg.Project)
	}
	if cfg.DigitalOcean == nil || cfg.DigitalOcean.Token != "expanded-token" {
		t.Errorf("digitalocean token not expanded: %+v", cfg.DigitalOcean)
	}
}

func TestLoadEnvironmentOverridesWin(t *testing.T) {
	writeConfig(t, `
provider: yandex
yandex:
  iam_token: from-file
  folder_id: folder-from-file
`)
	t.Setenv("YC_TOKEN", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.YandexCloud.IAMToken != "from-env" {
		t.Errorf("iam token = %q, want env value", cfg.YandexCloud.IAMToken)
	}
	if cfg.YandexCloud.FolderID != "folder-from-file" {
		t.Errorf("folder id = %q, want file value", cfg.YandexCloud.FolderID)
	}
}

func TestLoadRejectsInvalidRunStage(t *testing.T) {
	writeConfig(t, `
provider: gcp
run_stage: sideways
`)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid run_stage")
	}
}

func TestLoadRejectsZeroMachines(t *testing.T) {
	writeConfig(t, `
provider: gcp
num_vms: 0
`)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for num_vms below 1")
	}
}

func TestLoadAllowsZeroMachinesWithTopology(t *testing.T) {
	writeConfig(t, `
provider: gcp
num_vms: 0
topology_file: cluster.yaml
`)

	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestCleanupEligible(t *testing.T) {
	cases := []struct {
		stage Stage
		want  bool
	}{
		{StageAll, true},
		{StageCleanup, true},
		{StagePrepare, false},
		{StageRun, false},
	}
	for _, tc := range cases {
		if got := tc.stage.CleanupEligible(); got != tc.want {
			t.Errorf("CleanupEligible(%q) = %v, want %v", tc.stage, got, tc.want)
		}
	}
}
