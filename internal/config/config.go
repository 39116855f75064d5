package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// Provider identifiers from the closed provider set. Each one must have a
// matching registration in internal/provider.
const (
	ProviderGCP          = "gcp"
	ProviderAWS          = "aws"
	ProviderYandexCloud  = "yandex"
	ProviderDigitalOcean = "digitalocean"
)

// Stage is the portion of the benchmark lifecycle this invocation covers.
type Stage string

const (
	StageAll     Stage = "all"
	StagePrepare Stage = "prepare"
	StageRun     Stage = "run"
	StageCleanup Stage = "cleanup"
)

// CleanupEligible reports whether resource teardown is allowed in this stage.
func (s Stage) CleanupEligible() bool {
	return s == StageAll || s == StageCleanup
}

// GCPConfig contains Google Cloud connection parameters
type GCPConfig struct {
	CredentialsPath string `yaml:"credentials_path"`
}

// AWSConfig contains AWS connection parameters
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// YandexCloudConfig contains Yandex Cloud connection parameters
type YandexCloudConfig struct {
	IAMToken string `yaml:"iam_token"`
	FolderID string `yaml:"folder_id"`
}

// DigitalOceanConfig contains DigitalOcean connection parameters
type DigitalOceanConfig struct {
	Token string `yaml:"token"`
}

// StaticVM describes a pre-existing machine that bypasses provisioning.
type StaticVM struct {
	IP      string `yaml:"ip"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
}

// Config contains application configuration
type Config struct {
	// Target provider and project scope
	Provider string `yaml:"provider"`
	Project  string `yaml:"project"`

	// Flag-driven resource request (ignored when TopologyFile is set)
	Zones             []string `yaml:"zones"`
	Image             string   `yaml:"image"`
	MachineType       string   `yaml:"machine_type"`
	NumVMs            int      `yaml:"num_vms"`
	ScratchDisks      int      `yaml:"scratch_disks"`
	ScratchDiskSizeGB int      `yaml:"scratch_disk_size_gb"`

	// Declarative multi-node topology description (optional)
	TopologyFile string `yaml:"topology_file"`

	// Lifecycle stage covered by this invocation
	RunStage Stage `yaml:"run_stage"`

	// Snapshot location; defaults to a shared temp-directory convention
	TempDir string `yaml:"temp_dir"`

	// SSH identity for prepared machines
	SSHUsername   string   `yaml:"ssh_username"`
	SSHKeyDir     string   `yaml:"ssh_key_dir"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`

	// Pre-existing machines consumed before any cloud creation
	StaticVMs []StaticVM `yaml:"static_vms"`

	// Per-provider connection parameters
	GCP          *GCPConfig          `yaml:"gcp"`
	AWS          *AWSConfig          `yaml:"aws"`
	YandexCloud  *YandexCloudConfig  `yaml:"yandex"`
	DigitalOcean *DigitalOceanConfig `yaml:"digitalocean"`
}

// Load loads configuration from YAML file
func Load() (*Config, error) {
	config := &Config{
		Provider:          ProviderGCP,
		NumVMs:            1,
		ScratchDiskSizeGB: 500,
		RunStage:          StageAll,
		TempDir:           filepath.Join(os.TempDir(), "benchfleet"),
		SSHUsername:       "benchfleet",
		SSHKeyDir:         filepath.Join(os.TempDir(), "benchfleet", "keys"),
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "benchfleet.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %v", err)
		}
	}

	// Expand environment variables in credential fields
	config.Project = os.ExpandEnv(config.Project)
	if config.GCP != nil {
		config.GCP.CredentialsPath = os.ExpandEnv(config.GCP.CredentialsPath)
	}
	if config.AWS != nil {
		config.AWS.AccessKeyID = os.ExpandEnv(config.AWS.AccessKeyID)
		config.AWS.SecretAccessKey = os.ExpandEnv(config.AWS.SecretAccessKey)
	}
	if config.YandexCloud != nil {
		config.YandexCloud.IAMToken = os.ExpandEnv(config.YandexCloud.IAMToken)
		config.YandexCloud.FolderID = os.ExpandEnv(config.YandexCloud.FolderID)
	}
	if config.DigitalOcean != nil {
		config.DigitalOcean.Token = os.ExpandEnv(config.DigitalOcean.Token)
	}

	// Override with environment variables if set
	if token := os.Getenv("YC_TOKEN"); token != "" {
		if config.YandexCloud == nil {
			config.YandexCloud = &YandexCloudConfig{}
		}
		config.YandexCloud.IAMToken = token
	}
	if folderID := os.Getenv("YC_FOLDER_ID"); folderID != "" {
		if config.YandexCloud == nil {
			config.YandexCloud = &YandexCloudConfig{}
		}
		config.YandexCloud.FolderID = folderID
	}
	if token := os.Getenv("DIGITALOCEAN_TOKEN"); token != "" {
		if config.DigitalOcean == nil {
			config.DigitalOcean = &DigitalOceanConfig{}
		}
		config.DigitalOcean.Token = token
	}

	// Validate required parameters
	if config.Provider == "" {
		return nil, fmt.Errorf("provider is required (set provider in config file)")
	}

	switch config.RunStage {
	case StageAll, StagePrepare, StageRun, StageCleanup:
	default:
		return nil, fmt.Errorf("invalid run_stage %q (must be one of all, prepare, run, cleanup)", config.RunStage)
	}

	if config.TopologyFile == "" && config.NumVMs < 1 {
		return nil, fmt.Errorf("num_vms must be at least 1 when no topology file is given")
	}

	return config, nil
}
