// Package config handles proxyd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/proxyd/config.yaml, /config/config.yaml,
// /etc/proxyd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "proxyd", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/proxyd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all proxyd configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Browse    BrowseConfig    `yaml:"browse"`
	Wire      WireConfig      `yaml:"wire"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// TransportConfig selects and configures the control-plane transport.
type TransportConfig struct {
	// Kind selects the transport adapter: "mqtt" or "ws".
	Kind     string `yaml:"kind"`
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// DeviceName is the MQTT methods-topic prefix (mqtt transport only).
	DeviceName string `yaml:"device_name"`

	// HeartbeatIntervalSec is the "alive" ping cadence (default 10s).
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
	// TelemetryIntervalSec is passed to the mqtt transport as its
	// TelemetryInterval (default 2s); the transport publishes no telemetry
	// on it.
	TelemetryIntervalSec int `yaml:"telemetry_interval_sec"`
}

// HeartbeatInterval returns the configured heartbeat cadence as a
// time.Duration.
func (t TransportConfig) HeartbeatInterval() time.Duration {
	return time.Duration(t.HeartbeatIntervalSec) * time.Second
}

// TelemetryInterval returns the configured telemetry cadence as a
// time.Duration.
func (t TransportConfig) TelemetryInterval() time.Duration {
	return time.Duration(t.TelemetryIntervalSec) * time.Second
}

// BrowseConfig toggles the browse server's capabilities (spec.md §4.6,
// §7 "not_supported" surfacing when a capability is off).
type BrowseConfig struct {
	// FSBrowseEnabled allows dirpath browsing of the local filesystem.
	FSBrowseEnabled bool `yaml:"fs_browse_enabled"`
	// ScanEnabled allows ipscan/portscan requests.
	ScanEnabled bool `yaml:"scan_enabled"`
	// SDEnabled allows DNS-SD/mDNS service-type and service-name browsing.
	SDEnabled bool `yaml:"sd_enabled"`
	// FSRoot is the directory an "fs:"-prefixed dirpath item resolves
	// under; items without that prefix are read as literal paths.
	FSRoot string `yaml:"fs_root"`
	// ScanWorkers bounds concurrent ipscan/portscan probes.
	ScanWorkers int `yaml:"scan_workers"`
	// StreamTimeoutMS is the browse-stream idle debounce (default 3000ms,
	// §8 property 7).
	StreamTimeoutMS int `yaml:"stream_timeout_ms"`
}

// StreamTimeout returns the configured browse-stream debounce as a
// time.Duration.
func (b BrowseConfig) StreamTimeout() time.Duration {
	return time.Duration(b.StreamTimeoutMS) * time.Millisecond
}

// WireConfig configures the message codec and factory.
type WireConfig struct {
	// FactorySoftCap is the per-connection inflight message ceiling
	// (default 100, spec.md §4.2). It is defaulted and validated, but no
	// wire.Factory is built from it.
	FactorySoftCap int `yaml:"factory_soft_cap"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${_HUB_CS}) — a convenience for
	// container deployments; the recommended approach is to put values
	// directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Transport.Kind == "" {
		c.Transport.Kind = "mqtt"
	}
	if c.Transport.HeartbeatIntervalSec == 0 {
		c.Transport.HeartbeatIntervalSec = 10
	}
	if c.Transport.TelemetryIntervalSec == 0 {
		c.Transport.TelemetryIntervalSec = 2
	}
	if c.Transport.DeviceName == "" {
		c.Transport.DeviceName = "proxyd"
	}
	if c.Browse.FSRoot == "" {
		c.Browse.FSRoot = "/"
	}
	if c.Browse.ScanWorkers == 0 {
		c.Browse.ScanWorkers = 32
	}
	if c.Browse.StreamTimeoutMS == 0 {
		c.Browse.StreamTimeoutMS = 3000
	}
	if c.Wire.FactorySoftCap == 0 {
		c.Wire.FactorySoftCap = 100
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "mqtt", "ws":
	default:
		return fmt.Errorf("transport.kind %q must be \"mqtt\" or \"ws\"", c.Transport.Kind)
	}
	if c.Transport.Broker == "" {
		return fmt.Errorf("transport.broker must not be empty")
	}
	if c.Wire.FactorySoftCap < 1 {
		return fmt.Errorf("wire.factory_soft_cap %d must be >= 1", c.Wire.FactorySoftCap)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration pointed at a local MQTT broker.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		Transport: TransportConfig{
			Kind:   "mqtt",
			Broker: "mqtts://localhost:8883",
		},
		Browse: BrowseConfig{
			FSBrowseEnabled: true,
			ScanEnabled:     true,
			SDEnabled:       true,
		},
	}
	cfg.applyDefaults()
	return cfg
}
