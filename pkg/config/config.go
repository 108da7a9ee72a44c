package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the duplikit server configuration, loaded from a YAML file
type Config struct {
	// APIAddr is the listen address for the HTTP API (agents + operators)
	APIAddr string `yaml:"api_addr"`

	// DataDir holds the BoltDB session database
	DataDir string `yaml:"data_dir"`

	// RegistryAddr is the base URL of the external node registry.
	// Empty means node references are not resolved (single-box setups).
	RegistryAddr string `yaml:"registry_addr"`

	Log      LogConfig       `yaml:"log"`
	Progress ProgressConfig  `yaml:"progress"`
	Sweep    SweepConfig     `yaml:"sweep"`
	Staging  []StagingConfig `yaml:"staging"`
}

// LogConfig controls log output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ProgressConfig tunes telemetry rate derivation
type ProgressConfig struct {
	// Window is the sliding window over which the instantaneous
	// transfer rate is averaged.
	Window time.Duration `yaml:"window"`

	// Staleness is how long after the last sample the rate is reported
	// as zero instead of the last computed value.
	Staleness time.Duration `yaml:"staleness"`
}

// SweepConfig tunes the background deadline sweep
type SweepConfig struct {
	// Interval between sweep cycles
	Interval time.Duration `yaml:"interval"`

	// WaitDeadline is how long a live session may go without an accepted
	// agent event before it is failed with a timeout reason. It covers
	// sessions stuck waiting for an agent and transfers that stopped
	// reporting progress.
	WaitDeadline time.Duration `yaml:"wait_deadline"`
}

// StagingConfig declares one staging backend available to staged sessions
type StagingConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"` // "filesystem"
	Root string `yaml:"root"` // filesystem: mount point of the share
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		APIAddr: ":8700",
		DataDir: "/var/lib/duplikit",
		Log:     LogConfig{Level: "info"},
		Progress: ProgressConfig{
			Window:    30 * time.Second,
			Staleness: 15 * time.Second,
		},
		Sweep: SweepConfig{
			Interval:     10 * time.Second,
			WaitDeadline: 15 * time.Minute,
		},
	}
}

// Load reads a YAML config file, applying defaults for absent fields
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for contradictions
func (c *Config) Validate() error {
	if c.APIAddr == "" {
		return fmt.Errorf("api_addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Progress.Window <= 0 {
		return fmt.Errorf("progress.window must be positive")
	}
	if c.Progress.Staleness <= 0 {
		return fmt.Errorf("progress.staleness must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	if c.Sweep.WaitDeadline <= 0 {
		return fmt.Errorf("sweep.wait_deadline must be positive")
	}

	seen := make(map[string]bool)
	for _, s := range c.Staging {
		if s.ID == "" {
			return fmt.Errorf("staging backend missing id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate staging backend id: %s", s.ID)
		}
		seen[s.ID] = true

		switch s.Type {
		case "filesystem":
			if s.Root == "" {
				return fmt.Errorf("staging backend %s: filesystem type requires root", s.ID)
			}
		default:
			return fmt.Errorf("staging backend %s: unknown type %q", s.ID, s.Type)
		}
	}

	return nil
}
