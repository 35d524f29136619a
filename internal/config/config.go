// Package config holds the thingy-mon configuration file handling.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/thingy-mon/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	// Address is the peer's Bluetooth device address.
	Address string `yaml:"address"`
	// Sensor selects the channel to subscribe to: temperature, pressure,
	// humidity, or gas.
	Sensor string `yaml:"sensor"`
	// MTU is the requested ATT MTU; 0 negotiates the default.
	MTU uint16 `yaml:"mtu"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string     `yaml:"log_level"`
	Scan     ScanConfig `yaml:"scan"`
}

// ScanConfig holds the discovery-scan settings used by the -scan flag.
type ScanConfig struct {
	// NamePrefix filters advertisements by local name.
	NamePrefix string `yaml:"name_prefix"`
	// TimeoutSeconds bounds how long a scan runs.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "thingy-mon")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Sensor:   "temperature",
		MTU:      0,
		LogLevel: "info",
		Scan: ScanConfig{
			NamePrefix:     "Thingy",
			TimeoutSeconds: 10,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values. The address may be empty;
// the CLI requires it only when connecting, not when scanning.
func (c *Config) Validate() error {
	if _, err := protocol.ParseChannel(c.Sensor); err != nil {
		return fmt.Errorf("sensor must be temperature, pressure, humidity, or gas, got %q", c.Sensor)
	}

	// Valid ATT MTU range; 0 means negotiate the default.
	if c.MTU != 0 && (c.MTU < 23 || c.MTU > 517) {
		return fmt.Errorf("mtu must be 0 or between 23 and 517, got %d", c.MTU)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Scan.NamePrefix == "" {
		return fmt.Errorf("scan.name_prefix must not be empty")
	}
	if c.Scan.TimeoutSeconds <= 0 {
		return fmt.Errorf("scan.timeout_seconds must be > 0, got %d", c.Scan.TimeoutSeconds)
	}

	return nil
}

// Channel returns the parsed sensor channel. Call Validate first.
func (c *Config) Channel() protocol.Channel {
	ch, _ := protocol.ParseChannel(c.Sensor)
	return ch
}

// ParseLogLevel maps a config log level string to a slog.Level. Unknown
// values fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WriteDefault writes a commented default config to the default path if none
// exists yet. Returns the written path, or "" if a config was already there.
func WriteDefault() (string, error) {
	dir := DefaultConfigDir()
	if dir == "" {
		return "", fmt.Errorf("cannot determine config directory")
	}
	path := filepath.Join(dir, "config.yaml")

	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	cfg := Default()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling default config: %w", err)
	}

	content := append([]byte("# thingy-mon configuration\n"), data...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("writing config: %w", err)
	}

	return path, nil
}
