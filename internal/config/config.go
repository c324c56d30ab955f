// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default values applied when a field is omitted.
const (
	DefaultGRPCAddr            = "0.0.0.0:50051"
	DefaultHTTPAddr            = "0.0.0.0:8080"
	DefaultRegistrationTimeout = 10 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultHeartbeatTimeout    = 90 * time.Second
	DefaultMaxMessageBytes     = 1 << 20
	DefaultRequestTimeout      = 30 * time.Second
	DefaultMaxRequestTimeout   = 5 * time.Minute
	DefaultDedupeTTL           = 5 * time.Minute
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Requests  RequestsConfig  `yaml:"requests" toml:"requests"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve HTTP on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose HTTP publicly (implies HTTPS)
}

// DatabaseConfig holds the ledger database configuration.
// An empty path disables the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AgentsConfig holds agent connection timing and framing limits
type AgentsConfig struct {
	RegistrationTimeout time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval   time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout    time.Duration `yaml:"-" toml:"-"`
	MaxMessageBytes     int           `yaml:"max_message_bytes" toml:"max_message_bytes"`

	// Raw string values for unmarshaling
	RegistrationTimeoutRaw string `yaml:"registration_timeout" toml:"registration_timeout"`
	HeartbeatIntervalRaw   string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw    string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
}

// RequestsConfig holds limits for relayed requests
type RequestsConfig struct {
	DefaultTimeout time.Duration `yaml:"-" toml:"-"`
	MaxTimeout     time.Duration `yaml:"-" toml:"-"`
	DedupeTTL      time.Duration `yaml:"-" toml:"-"`
	MaxPending     int           `yaml:"max_pending" toml:"max_pending"` // 0 means unbounded

	DefaultTimeoutRaw string `yaml:"default_timeout" toml:"default_timeout"`
	MaxTimeoutRaw     string `yaml:"max_timeout" toml:"max_timeout"`
	DedupeTTLRaw      string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		cfg.Database.Path = envPath
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ResolvePath picks the config file to load: the explicit flag value, then
// RELAY_CONFIG, then the XDG default. It returns "" when none applies and
// the XDG default does not exist.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("RELAY_CONFIG"); env != "" {
		return env
	}
	path, err := DefaultPath()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// DefaultPath returns $XDG_CONFIG_HOME/relay/gateway.yaml, falling back to
// ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "relay", "gateway.yaml"), nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills omitted fields. Server addresses are only defaulted
// when Tailscale is off, since tsnet ignores them.
func applyDefaults(cfg *Config) {
	if !cfg.Tailscale.Enabled {
		if cfg.Server.GRPCAddr == "" {
			cfg.Server.GRPCAddr = DefaultGRPCAddr
		}
		if cfg.Server.HTTPAddr == "" {
			cfg.Server.HTTPAddr = DefaultHTTPAddr
		}
	}
	if cfg.Tailscale.Enabled && cfg.Tailscale.Hostname == "" {
		cfg.Tailscale.Hostname = "relay-gateway"
	}

	if cfg.Agents.RegistrationTimeout == 0 {
		cfg.Agents.RegistrationTimeout = DefaultRegistrationTimeout
	}
	if cfg.Agents.HeartbeatInterval == 0 {
		cfg.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Agents.HeartbeatTimeout == 0 {
		cfg.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Agents.MaxMessageBytes == 0 {
		cfg.Agents.MaxMessageBytes = DefaultMaxMessageBytes
	}

	if cfg.Requests.DefaultTimeout == 0 {
		cfg.Requests.DefaultTimeout = DefaultRequestTimeout
	}
	if cfg.Requests.MaxTimeout == 0 {
		cfg.Requests.MaxTimeout = DefaultMaxRequestTimeout
	}
	if cfg.Requests.DedupeTTL == 0 {
		cfg.Requests.DedupeTTL = DefaultDedupeTTL
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all configuration fields are present and consistent.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return errors.New("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return errors.New("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Agents.RegistrationTimeout < 0 {
		return errors.New("agents.registration_timeout must be positive")
	}
	if c.Agents.HeartbeatInterval < 0 || c.Agents.HeartbeatTimeout < 0 {
		return errors.New("agents heartbeat durations must not be negative")
	}
	if c.Agents.MaxMessageBytes < 0 {
		return errors.New("agents.max_message_bytes must not be negative")
	}

	if c.Requests.DefaultTimeout <= 0 {
		return errors.New("requests.default_timeout must be positive")
	}
	if c.Requests.MaxTimeout < c.Requests.DefaultTimeout {
		return fmt.Errorf("requests.max_timeout (%s) must be at least requests.default_timeout (%s)",
			c.Requests.MaxTimeout, c.Requests.DefaultTimeout)
	}
	if c.Requests.MaxPending < 0 {
		return errors.New("requests.max_pending must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"registration_timeout", cfg.Agents.RegistrationTimeoutRaw, &cfg.Agents.RegistrationTimeout},
		{"heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"default_timeout", cfg.Requests.DefaultTimeoutRaw, &cfg.Requests.DefaultTimeout},
		{"max_timeout", cfg.Requests.MaxTimeoutRaw, &cfg.Requests.MaxTimeout},
		{"dedupe_ttl", cfg.Requests.DedupeTTLRaw, &cfg.Requests.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
