// Package config loads the data-layer configuration used by the CLI and the
// status daemon from a TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the on-disk configuration, stored by default at
// ~/.tallyup/offline.toml.
type Config struct {
	Backend BackendConfig `toml:"backend"`
	Storage StorageConfig `toml:"storage"`
	Sync    SyncConfig    `toml:"sync"`
}

// BackendConfig points at the hosted backend.
type BackendConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// StorageConfig selects and locates the persistent store.
type StorageConfig struct {
	// Driver is "sqlite" (default), "file", or "memory".
	Driver  string `toml:"driver"`
	DataDir string `toml:"data_dir"`
}

// SyncConfig tunes connectivity probing.
type SyncConfig struct {
	ProbeIntervalSeconds int `toml:"probe_interval_seconds"`
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	return filepath.Join(home, ".tallyup", "offline.toml"), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{BaseURL: "https://api.tallyup.app"},
		Storage: StorageConfig{Driver: "sqlite", DataDir: defaultDataDir()},
		Sync:    SyncConfig{ProbeIntervalSeconds: 30},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tallyup"
	}
	return filepath.Join(home, ".tallyup")
}

// Load reads the config at path, filling omitted fields with defaults. A
// missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file: %w", err)
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = defaultDataDir()
	}
	if cfg.Sync.ProbeIntervalSeconds <= 0 {
		cfg.Sync.ProbeIntervalSeconds = 30
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("cannot write config file: %w", err)
	}
	return nil
}

// ProbeInterval returns the probe cadence as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Sync.ProbeIntervalSeconds) * time.Second
}
