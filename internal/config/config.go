// ABOUTME: Configuration loading and parsing for switchboard
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Responder ResponderConfig `yaml:"responder"`
	Handoff   HandoffConfig   `yaml:"handoff"`
	Notify    NotifyConfig    `yaml:"notify"`
	Tenants   []TenantConfig  `yaml:"tenants"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret signs operator dashboard tokens (HS256)
	JWTSecret string `yaml:"jwt_secret"`
	// InternalSecret guards the trusted responder endpoints
	InternalSecret string `yaml:"internal_secret"`
}

// ResponderConfig holds the automated-responder boundary configuration
type ResponderConfig struct {
	URL          string `yaml:"url"`
	FallbackText string `yaml:"fallback_text"`
	BotName      string `yaml:"bot_name"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`

	// EscalationKeywords trigger a hand-off when found in a user message,
	// without waiting for the responder to signal one.
	EscalationKeywords []string `yaml:"escalation_keywords"`
}

// HandoffConfig holds routing-engine timing configuration
type HandoffConfig struct {
	ReaperInterval time.Duration `yaml:"-"`
	IdleThreshold  time.Duration `yaml:"-"`
	EvictionDelay  time.Duration `yaml:"-"`
	ReconnectGrace time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReaperIntervalRaw string `yaml:"reaper_interval"`
	IdleThresholdRaw  string `yaml:"idle_threshold"`
	EvictionDelayRaw  string `yaml:"eviction_delay"`
	ReconnectGraceRaw string `yaml:"reconnect_grace"`
}

// NotifyConfig holds hand-off notification delivery configuration
type NotifyConfig struct {
	// NATSURL enables the NATS publisher when set; otherwise notifications
	// only go to the log.
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// TenantConfig holds per-tenant channel configuration
type TenantConfig struct {
	ID    string      `yaml:"id"`
	Name  string      `yaml:"name"`
	Phone PhoneConfig `yaml:"phone"`
}

// PhoneConfig holds phone-messaging provider configuration for one tenant
type PhoneConfig struct {
	// WebhookSecret verifies inbound webhook signatures (HMAC-SHA256)
	WebhookSecret string `yaml:"webhook_secret"`
	// SendURL is the provider's outbound message endpoint
	SendURL string `yaml:"send_url"`
	// Token authenticates outbound sends
	Token string `yaml:"token"`
	// From is the sender address presented to the end user
	From string `yaml:"from"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when durations are not configured.
const (
	DefaultResponderTimeout = 30 * time.Second
	DefaultReaperInterval   = time.Hour
	DefaultIdleThreshold    = 24 * time.Hour
	DefaultEvictionDelay    = time.Minute
	DefaultReconnectGrace   = 30 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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

// applyDefaults fills in default values for unset durations and names.
func (c *Config) applyDefaults() {
	if c.Responder.Timeout == 0 {
		c.Responder.Timeout = DefaultResponderTimeout
	}
	if c.Responder.BotName == "" {
		c.Responder.BotName = "Assistant"
	}
	if c.Handoff.ReaperInterval == 0 {
		c.Handoff.ReaperInterval = DefaultReaperInterval
	}
	if c.Handoff.IdleThreshold == 0 {
		c.Handoff.IdleThreshold = DefaultIdleThreshold
	}
	if c.Handoff.EvictionDelay == 0 {
		c.Handoff.EvictionDelay = DefaultEvictionDelay
	}
	if c.Handoff.ReconnectGrace == 0 {
		c.Handoff.ReconnectGrace = DefaultReconnectGrace
	}
	if c.Notify.Subject == "" {
		c.Notify.Subject = "switchboard.handoff"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.InternalSecret == "" {
		return fmt.Errorf("auth.internal_secret is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenants[%d].id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Phone.SendURL != "" && t.Phone.WebhookSecret == "" {
			return fmt.Errorf("tenants[%d]: phone.webhook_secret is required when phone.send_url is set", i)
		}
	}
	return nil
}

// Tenant returns the configuration for the given tenant id, or nil if unknown.
func (c *Config) Tenant(id string) *TenantConfig {
	for i := range c.Tenants {
		if c.Tenants[i].ID == id {
			return &c.Tenants[i]
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Responder.TimeoutRaw, &cfg.Responder.Timeout, "responder.timeout"},
		{cfg.Handoff.ReaperIntervalRaw, &cfg.Handoff.ReaperInterval, "handoff.reaper_interval"},
		{cfg.Handoff.IdleThresholdRaw, &cfg.Handoff.IdleThreshold, "handoff.idle_threshold"},
		{cfg.Handoff.EvictionDelayRaw, &cfg.Handoff.EvictionDelay, "handoff.eviction_delay"},
		{cfg.Handoff.ReconnectGraceRaw, &cfg.Handoff.ReconnectGrace, "handoff.reconnect_grace"},
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
