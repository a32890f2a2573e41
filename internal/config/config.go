// Package config provides configuration management for the Autolyst server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Autolyst server. Values come from
// AUTOLYST_* environment variables layered over an optional config.yaml in
// the data directory.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":7080").
	ServerAddr string `mapstructure:"addr"`

	// DataDir is the directory for persistent data (SQLite DB, credential
	// key, logs). The config file, when present, lives here too.
	DataDir string `mapstructure:"data_dir"`

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string `mapstructure:"database_path"`

	// WorkspaceRoot is the directory session workspaces are created under.
	WorkspaceRoot string `mapstructure:"workspace_root"`

	// PythonBin is the interpreter used to execute payloads.
	PythonBin string `mapstructure:"python_bin"`

	// PoolSize caps concurrent payload executions across all sessions.
	PoolSize int `mapstructure:"pool_size"`

	// MaxRounds bounds how many executions a session may perform.
	MaxRounds int `mapstructure:"max_rounds"`

	// ExecTimeout bounds a single payload execution.
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`

	// SessionTTL is how long finished sessions are kept before the reaper
	// removes them along with their workspaces. Zero keeps them forever.
	SessionTTL time.Duration `mapstructure:"session_ttl"`

	// Model is the model identifier sent to the serving endpoint.
	Model string `mapstructure:"model"`

	// Sampling parameters passed on every completion call.
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`

	// GatewayRPM caps completion requests per minute across all sessions.
	// 0 disables the cap.
	GatewayRPM float64 `mapstructure:"gateway_rpm"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// LogFile is an optional JSON log sink under the data dir. Empty
	// disables it.
	LogFile string `mapstructure:"log_file"`
}

// Load creates a Config from the environment and the optional config file
// with sensible defaults. The data directory is created if missing.
func Load() (*Config, error) {
	dataDir := os.Getenv("AUTOLYST_DATA_DIR")
	if dataDir == "" {
		dataDir = defaultDataDir()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("AUTOLYST")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("addr", ":7080")
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("database_path", "")
	v.SetDefault("workspace_root", "")
	v.SetDefault("python_bin", "python3")
	v.SetDefault("pool_size", 4)
	v.SetDefault("max_rounds", 20)
	v.SetDefault("exec_timeout", "120s")
	v.SetDefault("session_ttl", "2h")
	v.SetDefault("model", "autolyst-8b")
	v.SetDefault("temperature", 0.2)
	v.SetDefault("top_p", 0.95)
	v.SetDefault("max_tokens", 8192)
	v.SetDefault("gateway_rpm", 0)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetConfigFile(filepath.Join(dataDir, "config.yaml"))
	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "autolyst.db")
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(cfg.DataDir, "workspaces")
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.MaxRounds <= 0 {
		return fmt.Errorf("max_rounds must be positive, got %d", c.MaxRounds)
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("exec_timeout must be positive, got %s", c.ExecTimeout)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0, 2], got %g", c.Temperature)
	}
	if c.TopP <= 0 || c.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1], got %g", c.TopP)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autolyst"
	}
	return filepath.Join(home, ".autolyst")
}
