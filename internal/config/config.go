package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Provider  ProviderConfig  `yaml:"provider"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Redis     RedisConfig     `yaml:"redis"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"` // Default: :8080
	APIKey     string `yaml:"api_key"`     // Empty disables auth. Overridden by MAILLOFT_API_KEY
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ProviderConfig selects and configures the outbound transport.
type ProviderConfig struct {
	// Type is "mailgun" or "smtp"
	Type    string        `yaml:"type"`
	Mailgun MailgunConfig `yaml:"mailgun"`
	SMTP    SMTPConfig    `yaml:"smtp"`

	// Platform-default sender identity, used when a tenant has none
	// configured and as the one-shot fallback on provider auth failures.
	DefaultDomain    string `yaml:"default_domain"`
	DefaultFromEmail string `yaml:"default_from_email"`
	DefaultFromName  string `yaml:"default_from_name"`
}

type MailgunConfig struct {
	BaseURL string `yaml:"base_url"` // Default: https://api.mailgun.net
	APIKey  string `yaml:"api_key"`  // Overridden by MAILGUN_API_KEY
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // Default: 587
	Username string `yaml:"username"`
	Password string `yaml:"password"` // Overridden by SMTP_PASSWORD
}

type DispatchConfig struct {
	ChunkSize     int           `yaml:"chunk_size"`     // Default: 1000 (provider batch limit)
	ChunkTimeout  time.Duration `yaml:"chunk_timeout"`  // Default: 30s
	ChunkInterval time.Duration `yaml:"chunk_interval"` // Pacing between chunks, default 100ms
}

type SchedulerConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval"`    // Default: 1m
	DefaultTimezone string        `yaml:"default_timezone"` // Default: UTC
}

// RedisConfig configures the optional suppression cache. Empty Addr
// disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // Default: 24h
}

// Enabled reports whether the cache is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // Default: :9090
	Path       string `yaml:"path"`        // Default: /metrics
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads configuration from a YAML file, applies environment
// overrides for secrets, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MAILGUN_API_KEY"); v != "" {
		c.Provider.Mailgun.APIKey = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.Provider.SMTP.Password = v
	}
	if v := os.Getenv("MAILLOFT_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Provider.Type == "" {
		c.Provider.Type = "mailgun"
	}
	if c.Provider.Mailgun.BaseURL == "" {
		c.Provider.Mailgun.BaseURL = "https://api.mailgun.net"
	}
	if c.Provider.SMTP.Port == 0 {
		c.Provider.SMTP.Port = 587
	}
	if c.Dispatch.ChunkSize == 0 {
		c.Dispatch.ChunkSize = 1000
	}
	if c.Dispatch.ChunkTimeout == 0 {
		c.Dispatch.ChunkTimeout = 30 * time.Second
	}
	if c.Dispatch.ChunkInterval == 0 {
		c.Dispatch.ChunkInterval = 100 * time.Millisecond
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = time.Minute
	}
	if c.Scheduler.DefaultTimezone == "" {
		c.Scheduler.DefaultTimezone = "UTC"
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Provider.Type {
	case "mailgun":
		if c.Provider.Mailgun.APIKey == "" {
			return fmt.Errorf("provider.mailgun.api_key is required (or set MAILGUN_API_KEY)")
		}
	case "smtp":
		if c.Provider.SMTP.Host == "" {
			return fmt.Errorf("provider.smtp.host is required")
		}
	default:
		return fmt.Errorf("provider.type must be \"mailgun\" or \"smtp\", got %q", c.Provider.Type)
	}

	if c.Provider.DefaultDomain == "" {
		return fmt.Errorf("provider.default_domain is required")
	}
	if c.Provider.DefaultFromEmail == "" {
		return fmt.Errorf("provider.default_from_email is required")
	}

	if c.Dispatch.ChunkSize < 1 {
		return fmt.Errorf("dispatch.chunk_size must be positive")
	}
	if c.Scheduler.TickInterval < time.Second {
		return fmt.Errorf("scheduler.tick_interval must be at least 1s")
	}
	if _, err := time.LoadLocation(c.Scheduler.DefaultTimezone); err != nil {
		return fmt.Errorf("scheduler.default_timezone: %w", err)
	}

	return nil
}
