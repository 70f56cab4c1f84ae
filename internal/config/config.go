// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Baudrate value meaning the bus is configured outside of the shell.
// No reset is broadcast on quit in that case.
const BaudrateNone = "none"

type Config struct {
	Bus            BusConfig `yaml:"bus"`
	SdoTimeoutMs   int       `yaml:"sdo_timeout_ms"`
	StackTimeoutMs int       `yaml:"stack_timeout_ms"`
	FocusNode      uint8     `yaml:"focus_node"`
	SyncPeriodMs   int       `yaml:"sync_period_ms"`
	LogLevel       string    `yaml:"log_level"`
	Prompt         string    `yaml:"prompt"`
	Dictionary     string    `yaml:"dictionary"`
}

// ---- BUS ----

type BusConfig struct {
	Driver   string `yaml:"driver"`
	Channel  string `yaml:"channel"`
	Baudrate string `yaml:"baudrate"`
	NodeId   uint8  `yaml:"node_id"`
	// slave | master
	Role string `yaml:"role"`
}

func (bus BusConfig) IsMaster() bool {
	return bus.Role == "master" || bus.Role == "1"
}

// Bitrate in bit/s, 0 when the baudrate is "none"
func (bus BusConfig) Bitrate() (int, error) {
	return ParseBaudrate(bus.Baudrate)
}

// Default configuration, a master on the local virtualcan server
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Driver:   "virtualcan",
			Channel:  "localhost:18888",
			Baudrate: "1M",
			NodeId:   0x01,
			Role:     "master",
		},
		SdoTimeoutMs:   500,
		StackTimeoutMs: 1000,
		FocusNode:      3,
		LogLevel:       "warning",
		Prompt:         ">",
	}
}

// Load reads a yaml file on top of the defaults
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing %v: %w", path, err)
	}
	return cfg, nil
}

// Validate checks configuration correctness.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg.Bus.Driver == "" {
		return fmt.Errorf("bus: driver is required")
	}
	if cfg.Bus.NodeId < 1 || cfg.Bus.NodeId > 127 {
		return fmt.Errorf("bus: node_id must be within 1..127, got %d", cfg.Bus.NodeId)
	}
	switch cfg.Bus.Role {
	case "master", "slave", "0", "1":
	default:
		return fmt.Errorf("bus: role must be master or slave, got %q", cfg.Bus.Role)
	}
	if _, err := cfg.Bus.Bitrate(); err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	if cfg.SdoTimeoutMs <= 0 {
		return fmt.Errorf("sdo_timeout_ms must be positive")
	}
	if cfg.StackTimeoutMs <= 0 {
		return fmt.Errorf("stack_timeout_ms must be positive")
	}
	if cfg.FocusNode > 127 {
		return fmt.Errorf("focus_node must be within 0..127, got %d", cfg.FocusNode)
	}
	if cfg.SyncPeriodMs < 0 {
		return fmt.Errorf("sync_period_ms must not be negative")
	}
	return nil
}

// ParseBaudrate accepts "1M", "500K", "125k", "250000" or "none"
func ParseBaudrate(baudrate string) (int, error) {
	value := strings.TrimSpace(strings.ToLower(baudrate))
	if value == BaudrateNone {
		return 0, nil
	}
	multiplier := 1
	switch {
	case strings.HasSuffix(value, "m"):
		multiplier = 1_000_000
		value = strings.TrimSuffix(value, "m")
	case strings.HasSuffix(value, "k"):
		multiplier = 1_000
		value = strings.TrimSuffix(value, "k")
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("invalid baudrate %q", baudrate)
	}
	return parsed * multiplier, nil
}
