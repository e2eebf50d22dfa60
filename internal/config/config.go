// ABOUTME: Configuration loading and parsing for the deskmcp broker
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete deskmcp configuration
type Config struct {
	Relay    RelayConfig    `yaml:"relay"`
	Identity IdentityConfig `yaml:"identity"`
	Push     PushConfig     `yaml:"push"`
	Clients  ClientsConfig  `yaml:"clients"`
	Broker   BrokerConfig   `yaml:"broker"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RelayConfig holds the base URL of the external relay service
type RelayConfig struct {
	BaseURL string `yaml:"base_url"`
}

// IdentityConfig holds the client-credentials parameters for the
// push-notification bearer token exchange
type IdentityConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`

	Margin    time.Duration `yaml:"-"`
	MarginRaw string        `yaml:"margin"`
}

// PushConfig holds wake-notification dispatch settings
type PushConfig struct {
	// CallbackURL is carried in the wake payload so the desktop client
	// knows which relay to dial back to.
	CallbackURL string `yaml:"callback_url"`
	ServerID    string `yaml:"server_id"`

	WakeSuppression    time.Duration `yaml:"-"`
	WakeSuppressionRaw string        `yaml:"wake_suppression"`
}

// ClientsConfig maps logical client names to their push channel URIs.
// Channel URIs are opaque per-device URLs issued by the push transport.
type ClientsConfig map[string]ClientConfig

// ClientConfig describes one desktop client
type ClientConfig struct {
	ChannelURL string `yaml:"channel_url"`
}

// BrokerConfig holds bring-up timing configuration
type BrokerConfig struct {
	ConnectTimeout      time.Duration `yaml:"-"`
	ConnectPollInterval time.Duration `yaml:"-"`
	ReadyTimeout        time.Duration `yaml:"-"`
	ReadyPollInterval   time.Duration `yaml:"-"`
	SettleDelay         time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw      string `yaml:"connect_timeout"`
	ConnectPollIntervalRaw string `yaml:"connect_poll_interval"`
	ReadyTimeoutRaw        string `yaml:"ready_timeout"`
	ReadyPollIntervalRaw   string `yaml:"ready_poll_interval"`
	SettleDelayRaw         string `yaml:"settle_delay"`
}

// DatabaseConfig holds the invocation ledger location
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default timings for the bring-up state machine. The connect wait covers a
// human-scale push round trip; the ready wait only covers transport settling
// after the relay first reports the client connected.
const (
	DefaultConnectTimeout      = 30 * time.Second
	DefaultConnectPollInterval = 1 * time.Second
	DefaultReadyTimeout        = 10 * time.Second
	DefaultReadyPollInterval   = 500 * time.Millisecond
	DefaultSettleDelay         = 1 * time.Second
	DefaultTokenMargin         = 5 * time.Minute
	DefaultWakeSuppression     = 5 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Relay.BaseURL == "" {
		return fmt.Errorf("relay.base_url is required")
	}

	if c.Identity.TokenURL == "" {
		return fmt.Errorf("identity.token_url is required")
	}
	if c.Identity.ClientID == "" {
		return fmt.Errorf("identity.client_id is required")
	}
	if c.Identity.ClientSecret == "" {
		return fmt.Errorf("identity.client_secret is required")
	}

	if c.Push.CallbackURL == "" {
		return fmt.Errorf("push.callback_url is required")
	}

	for name, client := range c.Clients {
		if client.ChannelURL == "" {
			return fmt.Errorf("clients.%s.channel_url is required", name)
		}
	}

	return nil
}

// applyDefaults fills zero-valued timing fields with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Broker.ConnectTimeout == 0 {
		c.Broker.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Broker.ConnectPollInterval == 0 {
		c.Broker.ConnectPollInterval = DefaultConnectPollInterval
	}
	if c.Broker.ReadyTimeout == 0 {
		c.Broker.ReadyTimeout = DefaultReadyTimeout
	}
	if c.Broker.ReadyPollInterval == 0 {
		c.Broker.ReadyPollInterval = DefaultReadyPollInterval
	}
	if c.Broker.SettleDelay == 0 {
		c.Broker.SettleDelay = DefaultSettleDelay
	}
	if c.Identity.Margin == 0 {
		c.Identity.Margin = DefaultTokenMargin
	}
	if c.Push.WakeSuppression == 0 {
		c.Push.WakeSuppression = DefaultWakeSuppression
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"broker.connect_timeout", cfg.Broker.ConnectTimeoutRaw, &cfg.Broker.ConnectTimeout},
		{"broker.connect_poll_interval", cfg.Broker.ConnectPollIntervalRaw, &cfg.Broker.ConnectPollInterval},
		{"broker.ready_timeout", cfg.Broker.ReadyTimeoutRaw, &cfg.Broker.ReadyTimeout},
		{"broker.ready_poll_interval", cfg.Broker.ReadyPollIntervalRaw, &cfg.Broker.ReadyPollInterval},
		{"broker.settle_delay", cfg.Broker.SettleDelayRaw, &cfg.Broker.SettleDelay},
		{"identity.margin", cfg.Identity.MarginRaw, &cfg.Identity.Margin},
		{"push.wake_suppression", cfg.Push.WakeSuppressionRaw, &cfg.Push.WakeSuppression},
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
