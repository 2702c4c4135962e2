// Package config provides configuration management for the router.
package config

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/groundsys/cmdtlm-router/pkg/packet"
	"gopkg.in/yaml.v3"
)

// Config represents the router configuration.
type Config struct {
	Target  TargetConfig  `yaml:"target"`
	Router  RouterConfig  `yaml:"router"`
	Catalog CatalogConfig `yaml:"catalog"`
	Packet  PacketConfig  `yaml:"packet"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Monitor MonitorConfig `yaml:"monitor"`
	Log     LogConfig     `yaml:"log"`
}

// TargetConfig locates the flight software target.
type TargetConfig struct {
	Host         string `yaml:"host"`
	UplinkPort   int    `yaml:"uplink_port"`
	DownlinkHost string `yaml:"downlink_host"`
	DownlinkPort int    `yaml:"downlink_port"`
}

// RouterConfig contains socket and endpoint settings.
type RouterConfig struct {
	ListenHost      string        `yaml:"listen_host"`
	ReceiveTimeout  time.Duration `yaml:"receive_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxDatagramSize int           `yaml:"max_datagram_size"`
	MaxCmdSources   int           `yaml:"max_command_sources"`
	MaxTlmDests     int           `yaml:"max_telemetry_destinations"`
	CmdSourcePorts  []int         `yaml:"command_sources,omitempty"`
	TlmDestPorts    []int         `yaml:"telemetry_destinations,omitempty"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

// PacketConfig describes the mission header layout, field widths in bytes.
type PacketConfig struct {
	ByteOrder      string `yaml:"byte_order"`
	IdentifierSize int    `yaml:"identifier_size"`
	LengthSize     int    `yaml:"length_size"`
	SequenceSize   int    `yaml:"sequence_size"`
	SecondsSize    int    `yaml:"seconds_size"`
	SubsecondsSize int    `yaml:"subseconds_size"`
	Checksum       bool   `yaml:"checksum"`
}

// BridgeConfig contains WebSocket bridge settings.
type BridgeConfig struct {
	Enabled          bool     `yaml:"enabled"`
	ListenAddress    string   `yaml:"listen_address"`
	AllowAllHosts    bool     `yaml:"allow_all_hosts"`
	AllowlistedHosts []string `yaml:"allowlisted_hosts,omitempty"`
	DenylistedHosts  []string `yaml:"denylisted_hosts,omitempty"`
}

// MonitorConfig selects the system telemetry values reported in the log.
type MonitorConfig struct {
	Enabled bool                           `yaml:"enabled"`
	Apps    []string                       `yaml:"apps,omitempty"`
	Watches map[string]map[string][]string `yaml:"watches"`
}

// LogConfig selects the log level and an optional rotating log file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Target: TargetConfig{
			Host:         "127.0.0.1",
			UplinkPort:   1234,
			DownlinkHost: "127.0.0.1",
			DownlinkPort: 1235,
		},
		Router: RouterConfig{
			ListenHost:      "127.0.0.1",
			ReceiveTimeout:  time.Second,
			MaxDatagramSize: 65535,
			MaxCmdSources:   32,
			MaxTlmDests:     32,
		},
		Catalog: CatalogConfig{
			Path: "schemas/samplemission.yaml",
		},
		Packet: PacketConfig{
			ByteOrder:      "big",
			IdentifierSize: 2,
			LengthSize:     2,
			SequenceSize:   2,
			SecondsSize:    4,
			SubsecondsSize: 2,
			Checksum:       true,
		},
		Bridge: BridgeConfig{
			Enabled:          false,
			ListenAddress:    "127.0.0.1:8090",
			AllowlistedHosts: []string{},
			DenylistedHosts:  []string{},
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Watches: map[string]map[string][]string{
				"CFE_ES": {"HK_TLM": {"Seconds"}},
			},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Load loads the configuration from a file. Keys missing from the file keep their defaults; a
// missing file yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to a file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ApplyEnv overrides settings from environment variables. getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("CMDTLM_TARGET_HOST", &c.Target.Host)
	str("CMDTLM_DOWNLINK_HOST", &c.Target.DownlinkHost)
	str("CMDTLM_CATALOG", &c.Catalog.Path)
	str("CMDTLM_BRIDGE_ADDR", &c.Bridge.ListenAddress)
	str("CMDTLM_LOG_LEVEL", &c.Log.Level)
	str("CMDTLM_LOG_FILE", &c.Log.File)

	if err := num("CMDTLM_UPLINK_PORT", &c.Target.UplinkPort); err != nil {
		return err
	}
	if err := num("CMDTLM_DOWNLINK_PORT", &c.Target.DownlinkPort); err != nil {
		return err
	}

	if v := getenv("CMDTLM_RECEIVE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CMDTLM_RECEIVE_TIMEOUT: %w", err)
		}
		c.Router.ReceiveTimeout = d
	}
	return nil
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

// Validate checks the configuration for values the router cannot start with.
func (c *Config) Validate() error {
	if c.Target.Host == "" {
		return fmt.Errorf("target.host is required")
	}
	if !validPort(c.Target.UplinkPort) || c.Target.UplinkPort == 0 {
		return fmt.Errorf("target.uplink_port must be in 1-65535, got %d", c.Target.UplinkPort)
	}
	if !validPort(c.Target.DownlinkPort) {
		return fmt.Errorf("target.downlink_port must be in 0-65535, got %d", c.Target.DownlinkPort)
	}
	if c.Router.ReceiveTimeout <= 0 {
		return fmt.Errorf("router.receive_timeout must be positive")
	}
	if c.Router.ShutdownTimeout < 0 {
		return fmt.Errorf("router.shutdown_timeout must not be negative")
	}
	for _, p := range append(append([]int{}, c.Router.CmdSourcePorts...), c.Router.TlmDestPorts...) {
		if !validPort(p) {
			return fmt.Errorf("endpoint port %d out of range", p)
		}
	}
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}
	if _, err := c.Layout(); err != nil {
		return err
	}
	return nil
}

// Layout builds the packet layout described by the packet section.
func (c *Config) Layout() (packet.Layout, error) {
	var order binary.ByteOrder
	switch c.Packet.ByteOrder {
	case "", "big", "big_endian":
		order = binary.BigEndian
	case "little", "little_endian":
		order = binary.LittleEndian
	default:
		return packet.Layout{}, fmt.Errorf("packet.byte_order must be big or little, got %q", c.Packet.ByteOrder)
	}

	layout := packet.Layout{
		ByteOrder:      order,
		IdentifierSize: c.Packet.IdentifierSize,
		LengthSize:     c.Packet.LengthSize,
		SequenceSize:   c.Packet.SequenceSize,
		SecondsSize:    c.Packet.SecondsSize,
		SubsecondsSize: c.Packet.SubsecondsSize,
		Checksum:       c.Packet.Checksum,
	}
	if err := layout.Validate(); err != nil {
		return packet.Layout{}, err
	}
	return layout, nil
}
