package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel     string                       `yaml:"log_level"`
	BinDir       string                       `yaml:"bin_dir"`
	Superuser    string                       `yaml:"superuser"`
	Port         int                          `yaml:"port"`
	PortRange    PortRange                    `yaml:"port_range"`
	Timeouts     Timeouts                     `yaml:"timeouts"`
	ServerParams map[string]string            `yaml:"server_params"`
	Profiles     map[string]map[string]string `yaml:"profiles"`
}

// PortRange bounds the candidate ports tried after the preferred port.
type PortRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Timeouts holds the lifecycle timing knobs, in whole seconds.
type Timeouts struct {
	StartupSecs int `yaml:"startup_secs"`
	LockSecs    int `yaml:"lock_secs"`
	StopSecs    int `yaml:"stop_secs"`
	StaleSecs   int `yaml:"stale_secs"`
}

// Startup is how long to wait for a started server to accept connections.
func (t Timeouts) Startup() time.Duration { return time.Duration(t.StartupSecs) * time.Second }

// Lock is how long to wait for the coordination lock. The holder may be
// running initdb or waiting for readiness, so this default is generous.
func (t Timeouts) Lock() time.Duration { return time.Duration(t.LockSecs) * time.Second }

// Stop is the budget for a graceful shutdown before escalation.
func (t Timeouts) Stop() time.Duration { return time.Duration(t.StopSecs) * time.Second }

// Stale is how old a holder's heartbeat may be before an entry with
// indeterminate liveness is reclaimed.
func (t Timeouts) Stale() time.Duration { return time.Duration(t.StaleSecs) * time.Second }

func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		Superuser: "postgres",
		Port:      5432,
		PortRange: PortRange{Start: 5433, End: 5532},
		Timeouts: Timeouts{
			StartupSecs: 30,
			LockSecs:    60,
			StopSecs:    30,
			StaleSecs:   30,
		},
		Profiles: map[string]map[string]string{
			// Durability off, for throwaway test clusters.
			"test": {
				"fsync":              "off",
				"synchronous_commit": "off",
				"full_page_writes":   "off",
			},
		},
	}
}

func Load() (Config, error) {
	return LoadFrom(getConfigPath())
}

// LoadFromDir loads config.yaml from the given directory.
func LoadFromDir(dir string) (Config, error) {
	return LoadFrom(filepath.Join(dir, "config.yaml"))
}

func LoadFrom(configPath string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), err
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Superuser == "" {
		cfg.Superuser = "postgres"
	}

	return cfg, nil
}

// Validate checks the port settings for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.PortRange.Start < 1 || c.PortRange.End > 65535 {
		return fmt.Errorf("port range %d-%d out of range", c.PortRange.Start, c.PortRange.End)
	}
	if c.PortRange.Start > c.PortRange.End {
		return fmt.Errorf("port range start %d exceeds end %d", c.PortRange.Start, c.PortRange.End)
	}
	return nil
}

// Profile returns the named server parameter set.
func (c *Config) Profile(name string) (map[string]string, bool) {
	params, ok := c.Profiles[name]
	return params, ok
}

func getConfigPath() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pgembed", "config.yaml")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "pgembed", "config.yaml")
	}

	return filepath.Join(home, ".config", "pgembed", "config.yaml")
}
