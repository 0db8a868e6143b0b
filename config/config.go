// Package config loads the messaging service configuration.
//
// Configuration is a YAML file in which ${VAR_NAME} patterns are replaced by
// environment variables. Every knob except uploads.secret has a default.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Messaging MessagingConfig `yaml:"messaging"`
	Presence  PresenceConfig  `yaml:"presence"`
	Typing    TypingConfig    `yaml:"typing"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Uploads   UploadsConfig   `yaml:"uploads"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the durable store. The memory driver starts empty
// apart from the seeded user profiles and group rosters.
type DatabaseConfig struct {
	Driver     string              `yaml:"driver"`
	DSN        string              `yaml:"dsn"`
	SeedUsers  []string            `yaml:"seed_users"`
	SeedGroups map[string][]string `yaml:"seed_groups"`
}

// RedisConfig enables the Redis realtime channel. When disabled, realtime
// events stay inside the process.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MessagingConfig bounds history reads.
type MessagingConfig struct {
	PageSize   int `yaml:"page_size"`
	MaxHistory int `yaml:"max_history"`
}

// PresenceConfig holds the presence timeouts.
type PresenceConfig struct {
	AwayAfter     time.Duration `yaml:"away_after"`
	OfflineAfter  time.Duration `yaml:"offline_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TypingConfig holds the typing indicator timings.
type TypingConfig struct {
	Window time.Duration `yaml:"window"`
	Idle   time.Duration `yaml:"idle"`
}

// RealtimeConfig tunes session subscriptions.
type RealtimeConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// UploadsConfig configures attachment storage.
type UploadsConfig struct {
	Dir     string        `yaml:"dir"`
	BaseURL string        `yaml:"base_url"`
	Secret  string        `yaml:"secret"`
	TTL     time.Duration `yaml:"ttl"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used for unset knobs.
func Default() Config {
	return Config{
		Server:    ServerConfig{HTTPAddr: ":8080", ShutdownTimeout: 10 * time.Second},
		Database:  DatabaseConfig{Driver: DriverMemory},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Messaging: MessagingConfig{PageSize: 200, MaxHistory: 1000},
		Presence:  PresenceConfig{AwayAfter: 5 * time.Minute, OfflineAfter: 45 * time.Second, SweepInterval: 5 * time.Second},
		Typing:    TypingConfig{Window: 3 * time.Second, Idle: 2 * time.Second},
		Realtime:  RealtimeConfig{PollInterval: 30 * time.Second, BackoffInitial: 500 * time.Millisecond, BackoffMax: 30 * time.Second},
		Uploads:   UploadsConfig{Dir: "uploads", BaseURL: "http://localhost:8080", TTL: 15 * time.Minute},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the environment variable
// values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	switch c.Database.Driver {
	case DriverMemory:
		users := make(map[string]bool, len(c.Database.SeedUsers))
		for _, id := range c.Database.SeedUsers {
			users[id] = true
		}
		for group, members := range c.Database.SeedGroups {
			for _, id := range members {
				if !users[id] {
					errs = append(errs, fmt.Errorf("database.seed_groups.%s member %q is not in database.seed_users", group, id))
				}
			}
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres driver"))
		}
		if len(c.Database.SeedUsers) > 0 || len(c.Database.SeedGroups) > 0 {
			errs = append(errs, errors.New("database seeds are only supported by the memory driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of memory, postgres", c.Database.Driver))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format))
	}
	if c.Messaging.PageSize <= 0 {
		errs = append(errs, errors.New("messaging.page_size must be positive"))
	}
	if c.Messaging.MaxHistory < c.Messaging.PageSize {
		errs = append(errs, errors.New("messaging.max_history must be at least messaging.page_size"))
	}
	if c.Presence.OfflineAfter <= 0 || c.Presence.AwayAfter <= 0 || c.Presence.SweepInterval <= 0 {
		errs = append(errs, errors.New("presence timeouts must be positive"))
	}
	if c.Typing.Window <= 0 || c.Typing.Idle <= 0 {
		errs = append(errs, errors.New("typing.window and typing.idle must be positive"))
	}
	if c.Realtime.PollInterval < 0 {
		errs = append(errs, errors.New("realtime.poll_interval must not be negative"))
	}
	if c.Realtime.BackoffInitial <= 0 || c.Realtime.BackoffMax < c.Realtime.BackoffInitial {
		errs = append(errs, errors.New("realtime backoff must be positive with backoff_max >= backoff_initial"))
	}
	if c.Uploads.Secret == "" {
		errs = append(errs, errors.New("uploads.secret is required"))
	}
	if c.Uploads.Dir == "" || c.Uploads.TTL <= 0 {
		errs = append(errs, errors.New("uploads.dir and uploads.ttl are required"))
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		errs = append(errs, errors.New("metrics.path is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}
