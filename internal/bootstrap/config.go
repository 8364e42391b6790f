package bootstrap

import (
	"fmt"
	"os"

	"omniman/internal/config"
)

// DefaultConfigPath is probed when no --config flag is given.
const DefaultConfigPath = "configs/omniman.yaml"

// LoadOrDefault resolves configuration for a subcommand. An explicit path
// must load; with no path the default location is probed and a missing file
// falls back to built-in defaults, which run sqlite with memory backends.
func LoadOrDefault(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		return cfg, checkPreFlight(cfg)
	}

	if _, err := os.Stat(DefaultConfigPath); err == nil {
		cfg, err := config.LoadConfig(DefaultConfigPath)
		if err != nil {
			return nil, err
		}
		return cfg, checkPreFlight(cfg)
	}

	cfg := config.DefaultConfig()
	return cfg, checkPreFlight(cfg)
}

// checkPreFlight performs environment checks beyond schema validation.
func checkPreFlight(cfg *config.Config) error {
	// A deployment that demands keys but configures none locks everyone out.
	if cfg.RequiresAPIKey() && len(cfg.API.APIKeys) == 0 && len(cfg.API.AdminKeys) == 0 {
		return fmt.Errorf("defaults.default_permission_classes require an API key but api.api_keys is empty")
	}
	return nil
}
