// Package config loads, validates, and saves the gateway's YAML
// configuration: the Bluetooth/Sensor/Agent/Logging/Metrics document the
// rest of the module is tuned from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default config file search locations, tried in order when no explicit
// path is given.
var configPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./blegatewayd.yaml",
	"~/.config/blegatewayd/config.yaml",
	"/etc/blegatewayd/config.yaml",
}

// Config is the top-level configuration document.
type Config struct {
	Bluetooth BluetoothConfig `yaml:"bluetooth" validate:"required"`
	Sensor    SensorConfig    `yaml:"sensor" validate:"required"`
	Agent     AgentConfig     `yaml:"agent"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// BluetoothConfig configures the adapter and discovery behavior.
type BluetoothConfig struct {
	AdapterName          string        `yaml:"adapter_name"`
	DiscoveryTimeout     time.Duration `yaml:"discovery_timeout" validate:"required"`
	ConnectionTimeout    time.Duration `yaml:"connection_timeout" validate:"required"`
	MaxRetries           int           `yaml:"max_retries" validate:"min=1"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	DeviceNamePrefixes   []string      `yaml:"device_name_prefixes"`
	ServiceUUIDAllowlist []string      `yaml:"service_uuid_allowlist"`
	MinRSSI              int           `yaml:"min_rssi"`
	PoolSize             int           `yaml:"pool_size" validate:"min=1"`
	TokenLifetime        time.Duration `yaml:"token_lifetime"`
}

// SensorConfig configures collection cadence and the BT510 JSON-RPC
// transport tuning.
type SensorConfig struct {
	DefaultCollectionInterval time.Duration `yaml:"default_collection_interval"`
	MaxLogEntriesPerRequest   int           `yaml:"max_log_entries_per_request" validate:"min=1"`
	PollingTimeout            time.Duration `yaml:"polling_timeout"`
	BT510                     BT510Config   `yaml:"bt510"`
}

// BT510Config tunes the per-request JSON-RPC protocol.
type BT510Config struct {
	JSONRPCTimeout    time.Duration `yaml:"jsonrpc_timeout"`
	MaxCommandRetries int           `yaml:"max_command_retries" validate:"min=1"`
	MTU               int           `yaml:"mtu" validate:"min=20"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
}

// AgentConfig configures the D-Bus pairing agent used for fixed-PIN
// bonding acknowledgement.
type AgentConfig struct {
	PIN                    string        `yaml:"pin"`
	DBusAgentPath          string        `yaml:"dbus_agent_path"`
	CapabilityToken        string        `yaml:"capability_token"`
	AutoAuthorize          bool          `yaml:"auto_authorize"`
	ReregistrationInterval time.Duration `yaml:"reregistration_interval"`
}

// LoggingConfig mirrors the logger package's own Config shape.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// MetricsConfig toggles the Prometheus metrics surface.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Load tries an explicit path first, then the default search locations,
// finally falling back to Default().
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range configPaths {
		if len(p) > 0 && p[0] == '~' {
			if home, err := os.UserHomeDir(); err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	return Default(), nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks struct tags with go-playground/validator.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save round-trips cfg back to YAML at path, creating parent directories
// as needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("config: mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Default returns a fully-populated configuration with the stock tuning:
// MTU 244, 5 command retries, 300ms retry delay, 128 max log entries per
// request, 120s token lifetime, 3 connect retries.
func Default() *Config {
	return &Config{
		Bluetooth: BluetoothConfig{
			AdapterName:       "hci0",
			DiscoveryTimeout:  10 * time.Second,
			ConnectionTimeout: 10 * time.Second,
			MaxRetries:        3,
			RetryDelay:        1 * time.Second,
			PoolSize:          4,
			TokenLifetime:     120 * time.Second,
		},
		Sensor: SensorConfig{
			DefaultCollectionInterval: 5 * time.Minute,
			MaxLogEntriesPerRequest:   128,
			PollingTimeout:            30 * time.Second,
			BT510: BT510Config{
				JSONRPCTimeout:    5 * time.Second,
				MaxCommandRetries: 5,
				MTU:               244,
				RetryDelay:        300 * time.Millisecond,
			},
		},
		Agent: AgentConfig{
			DBusAgentPath: "/org/bluez/agent/blegatewayd",
			AutoAuthorize: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
