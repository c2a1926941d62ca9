// Package config provides configuration parsing and validation for quicloop.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/quicloop/internal/registry"
)

// Config represents the complete runtime configuration.
type Config struct {
	// Listen holds the UDP addresses to bind. Every worker binds all of them.
	Listen  []string `yaml:"listen"`
	Workers int      `yaml:"workers"`

	MaxSegmentSize         int           `yaml:"max_segment_size"`
	MaxPacketsPerIteration int           `yaml:"max_packets_per_iteration"`
	PollIntervalCap        time.Duration `yaml:"poll_interval_cap"`
	DrainTimeout           time.Duration `yaml:"drain_timeout"`

	MaxConnections     int    `yaml:"max_connections"`
	MaxOutboundQueue   int    `yaml:"max_outbound_queue"`
	OutboundDropPolicy string `yaml:"outbound_drop_policy"` // drop-oldest, drop-newest

	SocketReceiveBuffer ByteSize `yaml:"socket_receive_buffer"`
	SocketSendBuffer    ByteSize `yaml:"socket_send_buffer"`
	DisableGSO          bool     `yaml:"disable_gso"`
	DisableGRO          bool     `yaml:"disable_gro"`
	DisablePacing       bool     `yaml:"disable_pacing"`

	Log    LogConfig    `yaml:"log"`
	Health HealthConfig `yaml:"health"`
	Echo   EchoConfig   `yaml:"echo"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json, auto
}

// HealthConfig contains the health and metrics endpoint settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// EchoConfig configures the built-in echo engine.
type EchoConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// ByteSize is a size in bytes that may be written as a plain number or in
// human units such as "4MiB" or "512KB".
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	s := strings.TrimSpace(value.Value)
	if s == "" {
		*b = 0
		return nil
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	if b == 0 {
		return 0, nil
	}
	return b.String(), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:                 []string{"0.0.0.0:4433"},
		Workers:                1,
		MaxSegmentSize:         1452,
		MaxPacketsPerIteration: 256,
		PollIntervalCap:        time.Second,
		DrainTimeout:           2 * time.Second,
		MaxConnections:         65536,
		MaxOutboundQueue:       1024,
		OutboundDropPolicy:     "drop-oldest",
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Health: HealthConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
		Echo: EchoConfig{
			IdleTimeout: 30 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default} and $VAR.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references. Unknown variables
// without a default are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Listen) == 0 {
		errs = append(errs, "listen requires at least one address")
	}
	for i, addr := range c.Listen {
		if err := validateListenAddr(addr); err != nil {
			errs = append(errs, fmt.Sprintf("listen[%d]: %v", i, err))
		}
	}
	if c.Workers < 1 || c.Workers > 256 {
		errs = append(errs, "workers must be between 1 and 256")
	}

	if c.MaxSegmentSize < 1200 || c.MaxSegmentSize > 65527 {
		errs = append(errs, "max_segment_size must be between 1200 and 65527")
	}
	if c.MaxPacketsPerIteration < 1 {
		errs = append(errs, "max_packets_per_iteration must be positive")
	}
	if c.PollIntervalCap < 0 {
		errs = append(errs, "poll_interval_cap must not be negative")
	}
	if c.DrainTimeout < 0 {
		errs = append(errs, "drain_timeout must not be negative")
	}

	if c.MaxConnections < 0 {
		errs = append(errs, "max_connections must not be negative")
	}
	if c.MaxOutboundQueue < 0 {
		errs = append(errs, "max_outbound_queue must not be negative")
	}
	if _, err := registry.ParseDropPolicy(c.OutboundDropPolicy); err != nil {
		errs = append(errs, fmt.Sprintf("outbound_drop_policy: %v", err))
	}

	if c.SocketReceiveBuffer > 1<<30 {
		errs = append(errs, "socket_receive_buffer must be at most 1GiB")
	}
	if c.SocketSendBuffer > 1<<30 {
		errs = append(errs, "socket_send_buffer must be at most 1GiB")
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text, json, or auto)", c.Log.Format))
	}

	if c.Health.Enabled {
		if c.Health.Address == "" {
			errs = append(errs, "health.address is required when enabled")
		} else if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			errs = append(errs, fmt.Sprintf("health.address: %v", err))
		}
	}

	if c.Echo.IdleTimeout < 0 {
		errs = append(errs, "echo.idle_timeout must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateListenAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host != "" {
		if _, err := netip.ParseAddr(host); err != nil {
			return fmt.Errorf("host must be an IP address: %s", host)
		}
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid port: %s", port)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json", "auto":
		return true
	}
	return false
}

// DropPolicy returns the parsed outbound drop policy.
func (c *Config) DropPolicy() registry.DropPolicy {
	p, _ := registry.ParseDropPolicy(c.OutboundDropPolicy)
	return p
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
