package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "url: ${DB_URL}\napi_key: ${SECRET_KEY}",
			envVars: map[string]string{
				"DB_URL":     "postgres://localhost/omniman",
				"SECRET_KEY": "secret_value",
			},
			expected: "url: postgres://localhost/omniman\napi_key: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "static_value: 123\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Set up environment variables
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	// Create a temporary config file with env var placeholders
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  service_name: "omniman"
  listen_addr: ":8080"
  currency: "BRL"

database:
  driver: "postgres"
  url: "${TEST_OMNIMAN_DB_URL}"

system:
  log_level: "INFO"

workers:
  poll_interval_ms: 500
  batch_size: 10
  pool_size: 4

backends:
  stock:
    kind: "http"
    base_url: "https://stock.internal"
    api_key: "${TEST_OMNIMAN_STOCK_KEY}"
  payment:
    kind: "memory"
  pricing:
    kind: "memory"
  notification:
    kind: "log"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	// Set environment variables
	os.Setenv("TEST_OMNIMAN_DB_URL", "postgres://hub:pw@localhost:5432/omniman")
	os.Setenv("TEST_OMNIMAN_STOCK_KEY", "stock_key_from_env")
	defer os.Unsetenv("TEST_OMNIMAN_DB_URL")
	defer os.Unsetenv("TEST_OMNIMAN_STOCK_KEY")

	// Load config
	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	// Verify environment variables were expanded
	assert.Equal(t, Secret("postgres://hub:pw@localhost:5432/omniman"), config.Database.URL)
	assert.Equal(t, Secret("stock_key_from_env"), config.Backends.Stock.APIKey)
	assert.Equal(t, "postgres", config.Database.Driver)
}

func TestEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()

	os.Setenv("OMNIMAN_DATABASE_URL", "postgres://override/db")
	os.Setenv("OMNIMAN_LOG_LEVEL", "DEBUG")
	os.Setenv("OMNIMAN_DEFAULTS", `{"default_permission_classes":["api_key"],"notification_backend":"memory"}`)
	defer os.Unsetenv("OMNIMAN_DATABASE_URL")
	defer os.Unsetenv("OMNIMAN_LOG_LEVEL")
	defer os.Unsetenv("OMNIMAN_DEFAULTS")

	cfg.applyEnvOverrides()

	assert.Equal(t, Secret("postgres://override/db"), cfg.Database.URL)
	assert.Equal(t, "DEBUG", cfg.System.LogLevel)
	assert.Equal(t, []string{"api_key"}, cfg.Defaults.DefaultPermissionClasses)
	assert.Equal(t, "memory", cfg.Defaults.NotificationBackend)
	assert.True(t, cfg.RequiresAPIKey())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "default config is valid",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "unknown database driver",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: "database.driver",
		},
		{
			name: "postgres requires url",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.URL = ""
			},
			wantErr: "database.url",
		},
		{
			name:    "sqlite requires path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.System.LogLevel = "TRACE" },
			wantErr: "system.log_level",
		},
		{
			name:    "bad currency",
			mutate:  func(c *Config) { c.App.Currency = "REAL" },
			wantErr: "app.currency",
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Workers.BatchSize = 0 },
			wantErr: "workers.batch_size",
		},
		{
			name: "http backend requires base url",
			mutate: func(c *Config) {
				c.Backends.Payment.Kind = "http"
				c.Backends.Payment.BaseURL = ""
			},
			wantErr: "backends.payment.base_url",
		},
		{
			name:    "unknown permission class",
			mutate:  func(c *Config) { c.Defaults.DefaultPermissionClasses = []string{"vip"} },
			wantErr: "defaults.default_permission_classes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.URL = Secret("postgres://hub:super_secret_pw@db/omniman")
	cfg.Backends.Stock.APIKey = Secret("my_super_secret_api_key")
	cfg.API.APIKeys = []Secret{"client_key_one"}

	output := cfg.String()

	// 1. Check for fixed mask
	assert.Contains(t, output, "[REDACTED]", "output should contain redaction marker")

	// 2. Ensure full cleartext is GONE
	assert.NotContains(t, output, "super_secret_pw", "output should NOT contain the database password")
	assert.NotContains(t, output, "my_super_secret_api_key", "output should NOT contain full API key")
	assert.NotContains(t, output, "client_key_one", "output should NOT contain client keys")

	// 3. Ensure partial content is NOT leaked
	assert.NotContains(t, output, "my_s", "output should NOT contain partial secret parts")
}
