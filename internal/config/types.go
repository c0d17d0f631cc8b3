package config

import (
	"fmt"
	"time"

	"github.com/jinzhu/copier"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig `yaml:"server" mapstructure:"server"`
	Database   DBConfig     `yaml:"database" mapstructure:"database"`
	Tasks      TasksConfig  `yaml:"tasks" mapstructure:"tasks"`
	Cache      CacheConfig  `yaml:"cache" mapstructure:"cache"`
	Upload     UploadConfig `yaml:"upload" mapstructure:"upload"`
	WebDAV     WebDAVConfig `yaml:"webdav" mapstructure:"webdav"`
	Log        LogConfig    `yaml:"log" mapstructure:"log"`
	DataDir    string       `yaml:"data_dir" mapstructure:"data_dir"`
	Encryption EncConfig    `yaml:"encryption" mapstructure:"encryption"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Port   int    `yaml:"port" mapstructure:"port"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// DBConfig represents the main relational store configuration
type DBConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// TasksConfig represents the background task orchestrator configuration
type TasksConfig struct {
	DatabasePath string `yaml:"database_path" mapstructure:"database_path"`
	WorkerPool   int    `yaml:"worker_pool" mapstructure:"worker_pool"`
}

// CacheConfig represents directory cache tuning
type CacheConfig struct {
	MaxEntries   int `yaml:"max_entries" mapstructure:"max_entries"`
	TTLSeconds   int `yaml:"ttl_seconds" mapstructure:"ttl_seconds"`
	PrunePercent int `yaml:"prune_percent" mapstructure:"prune_percent"`
}

// UploadConfig represents upload limits
type UploadConfig struct {
	MaxSizeMB int `yaml:"max_size_mb" mapstructure:"max_size_mb"`
}

// WebDAVConfig represents the WebDAV channel configuration
type WebDAVConfig struct {
	Enabled *bool  `yaml:"enabled" mapstructure:"enabled"`
	Prefix  string `yaml:"prefix" mapstructure:"prefix"`
}

// LogConfig represents logging configuration with rotation support
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`               // Log file path (empty = console only)
	Level      string `yaml:"level" mapstructure:"level"`             // Log level (debug, info, warn, error)
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // Max size in MB before rotation
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // Max age in days to keep files
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // Max number of old files to keep
	Compress   bool   `yaml:"compress" mapstructure:"compress"`       // Compress old log files
}

// EncConfig carries the secret used to encrypt driver credentials at rest.
// The secret itself normally arrives through ENCRYPTION_SECRET.
type EncConfig struct {
	Secret string `yaml:"secret" mapstructure:"secret"`
}

// ConfigGetter provides access to the current configuration snapshot.
type ConfigGetter func() *Config

// DeepCopy returns a deep copy of the configuration
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}
	out := &Config{}
	if err := copier.CopyWithOption(out, c, copier.Option{DeepCopy: true}); err != nil {
		cp := *c
		return &cp
	}
	return out
}

// DirCacheTTL returns the directory cache TTL as a duration.
func (c *Config) DirCacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// MaxUploadBytes returns the configured upload cap in bytes (0 = unlimited).
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Upload.MaxSizeMB) * 1024 * 1024
}

// Validate checks invariants that would break startup.
func (c *Config) Validate() error {
	if c.Encryption.Secret == "" {
		return fmt.Errorf("encryption secret is required (set ENCRYPTION_SECRET)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Tasks.WorkerPool < 1 || c.Tasks.WorkerPool > 10 {
		return fmt.Errorf("task worker pool must be between 1 and 10, got %d", c.Tasks.WorkerPool)
	}
	if c.Cache.PrunePercent < 1 || c.Cache.PrunePercent > 100 {
		return fmt.Errorf("cache prune percent must be between 1 and 100, got %d", c.Cache.PrunePercent)
	}
	return nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	enabled := true
	return &Config{
		Server:  ServerConfig{Port: 8787, Prefix: "/api"},
		DataDir: "./data",
		Database: DBConfig{
			Path: "./data/cloudpaste.db",
		},
		Tasks: TasksConfig{
			DatabasePath: "./data/tasks.db",
			WorkerPool:   2,
		},
		Cache: CacheConfig{
			MaxEntries:   300,
			TTLSeconds:   300,
			PrunePercent: 20,
		},
		Upload: UploadConfig{MaxSizeMB: 0},
		WebDAV: WebDAVConfig{Enabled: &enabled, Prefix: "/dav"},
		Log:    LogConfig{Level: "info", MaxSize: 5, MaxAge: 14, MaxBackups: 5},
	}
}
