package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/spf13/viper"
)

// Manager loads the YAML configuration file, applies environment overrides
// and hands out immutable snapshots to components. Components that need
// live values hold a ConfigGetter instead of a *Config.
type Manager struct {
	mu     sync.RWMutex
	config *Config
}

// NewManager loads configuration from configFile (optional) plus the
// environment and returns a manager holding the validated result.
func NewManager(configFile string) (*Manager, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			v := viper.New()
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
			}
			if err := v.Unmarshal(cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Manager{config: cfg}, nil
}

// applyEnvOverrides maps the compatibility-critical environment variables
// onto the config. Environment always wins over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENCRYPTION_SECRET"); v != "" {
		cfg.Encryption.Secret = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TASK_DATABASE_PATH"); v != "" {
		cfg.Tasks.DatabasePath = v
	}
	if v := os.Getenv("TASK_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tasks.WorkerPool = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// GetConfig returns a deep copy of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.DeepCopy()
}

// Getter returns a ConfigGetter bound to this manager.
func (m *Manager) Getter() ConfigGetter {
	return m.GetConfig
}

// Update replaces the configuration after validating it. Used by the admin
// config endpoint.
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg.DeepCopy()
	return nil
}
