// Package config loads the JSON configuration file for libraryctld,
// following the coded-DefaultConfig-plus-JSON-override pattern of the
// reference service this project is adapted from.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/qualstar/libraryctl/internal/library"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig    `json:"server"`
	Database    DatabaseConfig  `json:"database"`
	Logging     LoggingConfig   `json:"logging"`
	Security    SecurityConfig  `json:"security"`
	Scheduler   SchedulerConfig `json:"scheduler"`
	TapeLibrary library.Config  `json:"tape_library"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	StaticDir string `json:"static_dir,omitempty"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"` // "json" or "text"
	OutputPath string `json:"output_path"`
}

// SecurityConfig holds the single-operator bearer-token guard settings.
type SecurityConfig struct {
	OperatorUsername string `json:"operator_username"`
	OperatorPassword string `json:"operator_password"`
	JWTSecret        string `json:"jwt_secret,omitempty"`
	TokenLifetimeMin int    `json:"token_lifetime_minutes"`
}

// SchedulerConfig controls the background cron jobs that keep the
// in-memory model warm and sweep terminal operations.
type SchedulerConfig struct {
	// StatusCollectCron ticks Engine.CollectStatus(ctx, false); the 15s
	// internal rate limit still applies on top of this.
	StatusCollectCron string `json:"status_collect_cron"`
	// OperationGCCron sweeps terminal operations older than the 60 minute
	// retention window.
	OperationGCCron string `json:"operation_gc_cron"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			StaticDir: "",
		},
		Database: DatabaseConfig{
			Path: "/var/lib/libraryctl/libraryctl.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "/var/log/libraryctl/libraryctl.log",
		},
		Security: SecurityConfig{
			OperatorUsername: "operator",
			OperatorPassword: "", // must be set in config file
			TokenLifetimeMin: 720,
		},
		Scheduler: SchedulerConfig{
			StatusCollectCron: "@every 20s",
			OperationGCCron:   "@every 1m",
		},
		TapeLibrary: library.Config{
			MtxPath:    "mtx",
			LtfsPath:   "", // LTFS tools resolved from PATH unless a tool directory is set
			MountPoint: "/mnt/ltfs",
			Drives:     nil,
		},
	}
}

// Load loads configuration from a JSON file, falling back to defaults
// (merged with whatever the file overrides) when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
