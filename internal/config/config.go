// ABOUTME: Configuration loading and parsing for support-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete support-gateway configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Presence      PresenceConfig      `yaml:"presence"`
	Typing        TypingConfig        `yaml:"typing"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Attachments   AttachmentsConfig   `yaml:"attachments"`
	Routing       RoutingConfig       `yaml:"routing"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds identity token configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// PresenceConfig holds presence timing configuration
type PresenceConfig struct {
	OnlineThreshold time.Duration `yaml:"-"`
	PollInterval    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	OnlineThresholdRaw string `yaml:"online_threshold"`
	PollIntervalRaw    string `yaml:"poll_interval"`
}

// TypingConfig holds typing indicator configuration
type TypingConfig struct {
	Debounce time.Duration `yaml:"-"`

	DebounceRaw string `yaml:"debounce"`
}

// NotificationsConfig holds notification transport configuration.
// ServiceID/TemplateID/UserID identify the templated email service;
// FallbackRecipients is used whenever the recipient registry is empty
// or unreadable so notifications never silently vanish.
type NotificationsConfig struct {
	Endpoint           string   `yaml:"endpoint"`
	ServiceID          string   `yaml:"service_id"`
	TemplateID         string   `yaml:"template_id"`
	UserID             string   `yaml:"user_id"`
	FallbackRecipients []string `yaml:"fallback_recipients"`
}

// AttachmentsConfig holds attachment storage configuration
type AttachmentsConfig struct {
	MaxSizeBytes int64  `yaml:"max_size_bytes"`
	Dir          string `yaml:"dir"`
}

// RoutingConfig selects the automated responder behavior
type RoutingConfig struct {
	// Mode is "canned" (reply to the first message with a human-assistance
	// prompt) or "silent" (no automated replies)
	Mode string `yaml:"mode"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are absent from the YAML file.
const (
	DefaultOnlineThreshold = 5 * time.Minute
	DefaultPollInterval    = 30 * time.Second
	DefaultTypingDebounce  = 3 * time.Second
	DefaultMaxAttachment   = 5 * 1024 * 1024
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

	applyDefaults(&cfg)

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
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Routing.Mode != "canned" && c.Routing.Mode != "silent" {
		return fmt.Errorf("routing.mode must be \"canned\" or \"silent\", got %q", c.Routing.Mode)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Presence.OnlineThresholdRaw != "" {
		cfg.Presence.OnlineThreshold, err = time.ParseDuration(cfg.Presence.OnlineThresholdRaw)
		if err != nil {
			return fmt.Errorf("parsing online_threshold %q: %w", cfg.Presence.OnlineThresholdRaw, err)
		}
	}

	if cfg.Presence.PollIntervalRaw != "" {
		cfg.Presence.PollInterval, err = time.ParseDuration(cfg.Presence.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.Presence.PollIntervalRaw, err)
		}
	}

	if cfg.Typing.DebounceRaw != "" {
		cfg.Typing.Debounce, err = time.ParseDuration(cfg.Typing.DebounceRaw)
		if err != nil {
			return fmt.Errorf("parsing debounce %q: %w", cfg.Typing.DebounceRaw, err)
		}
	}

	return nil
}

// applyDefaults fills in zero-valued optional fields
func applyDefaults(cfg *Config) {
	if cfg.Presence.OnlineThreshold == 0 {
		cfg.Presence.OnlineThreshold = DefaultOnlineThreshold
	}
	if cfg.Presence.PollInterval == 0 {
		cfg.Presence.PollInterval = DefaultPollInterval
	}
	if cfg.Typing.Debounce == 0 {
		cfg.Typing.Debounce = DefaultTypingDebounce
	}
	if cfg.Attachments.MaxSizeBytes == 0 {
		cfg.Attachments.MaxSizeBytes = DefaultMaxAttachment
	}
	if cfg.Routing.Mode == "" {
		cfg.Routing.Mode = "canned"
	}
}
