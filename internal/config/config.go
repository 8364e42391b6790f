// Package config handles configuration management with validation
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Database  DatabaseConfig  `yaml:"database"`
	System    SystemConfig    `yaml:"system"`
	Workers   WorkersConfig   `yaml:"workers"`
	Backends  BackendsConfig  `yaml:"backends"`
	API       APIConfig       `yaml:"api"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	ServiceName string `yaml:"service_name"`
	ListenAddr  string `yaml:"listen_addr"`
	Currency    string `yaml:"currency"`
}

// DatabaseConfig selects and configures the relational store
type DatabaseConfig struct {
	Driver   string `yaml:"driver" validate:"required,oneof=postgres sqlite"`
	URL      Secret `yaml:"url"`  // Postgres DSN
	Path     string `yaml:"path"` // SQLite file path
	MaxConns int    `yaml:"max_conns"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// WorkersConfig contains directive worker settings
type WorkersConfig struct {
	// Topics the embedded runner subscribes to. Empty means all registered
	// handler topics.
	Topics         []string `yaml:"topics"`
	PollIntervalMS int      `yaml:"poll_interval_ms" validate:"min=10,max=60000"`
	BatchSize      int      `yaml:"batch_size" validate:"min=1,max=100"`
	PoolSize       int      `yaml:"pool_size" validate:"min=1,max=100"`
	// Embedded runs the directive runner inside the serve process.
	Embedded bool `yaml:"embedded"`
	// SweepIntervalMin is how often the embedded idempotency sweeper runs.
	// 0 disables it.
	SweepIntervalMin int `yaml:"sweep_interval_min"`
}

// BackendConfig configures one backend adapter
type BackendConfig struct {
	Kind      string `yaml:"kind"` // memory | http (+ log for notification)
	BaseURL   string `yaml:"base_url"`
	APIKey    Secret `yaml:"api_key"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// BackendsConfig groups the four backend adapters
type BackendsConfig struct {
	Stock        BackendConfig `yaml:"stock"`
	Payment      BackendConfig `yaml:"payment"`
	Pricing      BackendConfig `yaml:"pricing"`
	Notification BackendConfig `yaml:"notification"`
}

// APIConfig contains HTTP surface settings
type APIConfig struct {
	APIKeys   []Secret `yaml:"api_keys"`
	AdminKeys []Secret `yaml:"admin_keys"`

	// Rate limits per throttle scope, requests per second with a burst bucket.
	ModifyRatePerSec float64 `yaml:"modify_rate_per_sec"`
	ModifyBurst      int     `yaml:"modify_burst"`
	CommitRatePerSec float64 `yaml:"commit_rate_per_sec"`
	CommitBurst      int     `yaml:"commit_burst"`

	CORSOrigins []string `yaml:"cors_origins"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig configures operator alert channels. An empty value disables
// that channel; with no channels configured alerting is off entirely.
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// Enabled reports whether at least one alert channel is configured.
func (a AlertsConfig) Enabled() bool {
	return a.SlackWebhookURL != "" || (a.TelegramBotToken != "" && a.TelegramChatID != "")
}

// DefaultsConfig is the OMNIMAN_DEFAULTS feature flag bag
type DefaultsConfig struct {
	DefaultPermissionClasses []string `yaml:"default_permission_classes" json:"default_permission_classes"`
	AdminPermissionClasses   []string `yaml:"admin_permission_classes" json:"admin_permission_classes"`
	NotificationBackend      string   `yaml:"notification_backend" json:"notification_backend"`
}

// Permission class names accepted in DefaultsConfig.
const (
	PermAllowAny = "allow_any"
	PermAPIKey   = "api_key"
	PermAdminKey = "admin_key"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// applyEnvOverrides lets the environment win over the file for the settings
// that deployments most commonly inject.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OMNIMAN_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("OMNIMAN_DATABASE_URL"); v != "" {
		c.Database.URL = Secret(v)
	}
	if v := os.Getenv("OMNIMAN_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("OMNIMAN_LOG_LEVEL"); v != "" {
		c.System.LogLevel = v
	}
	if v := os.Getenv("OMNIMAN_LISTEN_ADDR"); v != "" {
		c.App.ListenAddr = v
	}
	// OMNIMAN_DEFAULTS carries the whole flag bag as one JSON object.
	if v := os.Getenv("OMNIMAN_DEFAULTS"); v != "" {
		var d DefaultsConfig
		if err := json.Unmarshal([]byte(v), &d); err == nil {
			if len(d.DefaultPermissionClasses) > 0 {
				c.Defaults.DefaultPermissionClasses = d.DefaultPermissionClasses
			}
			if len(d.AdminPermissionClasses) > 0 {
				c.Defaults.AdminPermissionClasses = d.AdminPermissionClasses
			}
			if d.NotificationBackend != "" {
				c.Defaults.NotificationBackend = d.NotificationBackend
			}
		}
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateDatabaseConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateWorkersConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateBackendsConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateDefaultsConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.ServiceName == "" {
		return ValidationError{
			Field:   "app.service_name",
			Message: "service name is required",
		}
	}
	if c.App.ListenAddr == "" {
		return ValidationError{
			Field:   "app.listen_addr",
			Message: "listen address is required",
		}
	}
	if len(c.App.Currency) != 3 {
		return ValidationError{
			Field:   "app.currency",
			Value:   c.App.Currency,
			Message: "currency must be a 3-letter ISO code",
		}
	}
	return nil
}

func (c *Config) validateDatabaseConfig() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return ValidationError{
				Field:   "database.url",
				Message: "connection URL is required for the postgres driver",
			}
		}
	case "sqlite":
		if c.Database.Path == "" {
			return ValidationError{
				Field:   "database.path",
				Message: "file path is required for the sqlite driver",
			}
		}
	default:
		return ValidationError{
			Field:   "database.driver",
			Value:   c.Database.Driver,
			Message: "must be one of: postgres, sqlite",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateWorkersConfig() error {
	if c.Workers.PollIntervalMS <= 0 {
		return ValidationError{
			Field:   "workers.poll_interval_ms",
			Value:   c.Workers.PollIntervalMS,
			Message: "poll interval must be positive",
		}
	}
	if c.Workers.BatchSize <= 0 {
		return ValidationError{
			Field:   "workers.batch_size",
			Value:   c.Workers.BatchSize,
			Message: "batch size must be positive",
		}
	}
	if c.Workers.PoolSize <= 0 {
		return ValidationError{
			Field:   "workers.pool_size",
			Value:   c.Workers.PoolSize,
			Message: "pool size must be positive",
		}
	}
	return nil
}

func (c *Config) validateBackendsConfig() error {
	check := func(field string, b BackendConfig, kinds ...string) error {
		if !contains(kinds, b.Kind) {
			return ValidationError{
				Field:   field + ".kind",
				Value:   b.Kind,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(kinds, ", ")),
			}
		}
		if b.Kind == "http" && b.BaseURL == "" {
			return ValidationError{
				Field:   field + ".base_url",
				Message: "base URL is required for the http kind",
			}
		}
		return nil
	}

	if err := check("backends.stock", c.Backends.Stock, "memory", "http"); err != nil {
		return err
	}
	if err := check("backends.payment", c.Backends.Payment, "memory", "http"); err != nil {
		return err
	}
	if err := check("backends.pricing", c.Backends.Pricing, "memory", "http"); err != nil {
		return err
	}
	return check("backends.notification", c.Backends.Notification, "memory", "http", "log")
}

func (c *Config) validateDefaultsConfig() error {
	valid := []string{PermAllowAny, PermAPIKey, PermAdminKey}
	for _, cls := range c.Defaults.DefaultPermissionClasses {
		if !contains(valid, cls) {
			return ValidationError{
				Field:   "defaults.default_permission_classes",
				Value:   cls,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
			}
		}
	}
	for _, cls := range c.Defaults.AdminPermissionClasses {
		if !contains(valid, cls) {
			return ValidationError{
				Field:   "defaults.admin_permission_classes",
				Value:   cls,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
			}
		}
	}
	return nil
}

// RequiresAPIKey reports whether the default permission classes demand a key.
func (c *Config) RequiresAPIKey() bool {
	return contains(c.Defaults.DefaultPermissionClasses, PermAPIKey)
}

// String returns a string representation of the configuration. Secret fields
// redact themselves through their own marshaler.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

// expandEnvVars replaces ${VAR} placeholders with environment values. Unset
// variables expand to the empty string.
func expandEnvVars(content string) string {
	return os.Expand(content, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration suitable for tests and for
// filling unset fields before a file is applied on top.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			ServiceName: "omniman",
			ListenAddr:  ":8080",
			Currency:    "BRL",
		},
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Path:     "omniman.db",
			MaxConns: 10,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Workers: WorkersConfig{
			PollIntervalMS:   500,
			BatchSize:        10,
			PoolSize:         4,
			Embedded:         true,
			SweepIntervalMin: 60,
		},
		Backends: BackendsConfig{
			Stock:        BackendConfig{Kind: "memory", TimeoutMS: 5000},
			Payment:      BackendConfig{Kind: "memory", TimeoutMS: 5000},
			Pricing:      BackendConfig{Kind: "memory", TimeoutMS: 2000},
			Notification: BackendConfig{Kind: "log", TimeoutMS: 5000},
		},
		API: APIConfig{
			ModifyRatePerSec: 25,
			ModifyBurst:      50,
			CommitRatePerSec: 5,
			CommitBurst:      10,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Defaults: DefaultsConfig{
			DefaultPermissionClasses: []string{PermAllowAny},
			AdminPermissionClasses:   []string{PermAdminKey},
			NotificationBackend:      "log",
		},
	}
}
