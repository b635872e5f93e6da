package app

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"sharedtab/go-backend/internal/coord"
	"sharedtab/go-backend/internal/transport"
)

// Config is the daemon's full configuration. Values come from the YAML file
// first, then TAB_* environment variables override individual fields.
type Config struct {
	DataDir     string           `yaml:"dataDir"`
	LogLevel    string           `yaml:"logLevel"`
	Transport   transport.Config `yaml:"transport"`
	Coordinator coord.Config     `yaml:"coordinator"`
}

func DefaultConfig() Config {
	return Config{
		DataDir:     defaultDataDir(),
		LogLevel:    "info",
		Transport:   transport.DefaultConfig(),
		Coordinator: coord.DefaultConfig(),
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".sharedtab")
	}
	return ".sharedtab"
}

// LoadConfig reads the YAML file at path (when non-empty) on top of defaults
// and applies environment overrides last. A missing file at an explicit path
// is an error; an empty path just means defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := transport.ValidateBootstrapNodes(cfg.Transport.BootstrapNodes); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := envString("TAB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := envString("TAB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := envString("TAB_TRANSPORT"); v != "" {
		cfg.Transport.Backend = v
	}
	if v := envString("TAB_ADVERTISE_ADDRESS"); v != "" {
		cfg.Transport.AdvertiseAddress = v
	}
	if nodes := envCSV("TAB_BOOTSTRAP_NODES"); len(nodes) > 0 {
		cfg.Transport.BootstrapNodes = nodes
	}
	cfg.Transport.Port = envIntWithFallback("TAB_TRANSPORT_PORT", cfg.Transport.Port)
	cfg.Coordinator.PeerRateLimit = float64(envIntWithFallback("TAB_PEER_RATE_LIMIT", int(cfg.Coordinator.PeerRateLimit)))
	cfg.Coordinator.PeerRateBurst = envIntWithFallback("TAB_PEER_RATE_BURST", cfg.Coordinator.PeerRateBurst)
}
