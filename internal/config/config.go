package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds host settings loaded from nvloft.yaml with env overrides.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// Origins allowed to open WebSocket connections. Compared by strict
	// scheme+host equality; an absent Origin header is treated as
	// same-origin and always allowed.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`

	// VFS
	LocalRoot string `yaml:"local_root,omitempty"`

	// Sessions
	IdleTimeoutSecs int `yaml:"idle_timeout_secs,omitempty"`

	// Logging
	LogLevel string `yaml:"log_level,omitempty"`
	LogFile  string `yaml:"log_file,omitempty"`

	// Settings database path
	SettingsDB string `yaml:"settings_db,omitempty"`
}

// Default origins: local development only.
var defaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		ListenAddr:      "127.0.0.1:7070",
		AllowedOrigins:  append([]string(nil), defaultOrigins...),
		LocalRoot:       home,
		IdleTimeoutSecs: 300,
		LogLevel:        "info",
		SettingsDB:      filepath.Join(home, ".nvloft", "settings.db"),
	}
}

// Load reads the config file from ~/.nvloft/nvloft.yaml (or
// $NVLOFT_CONFIG), applying defaults for anything unset. A missing file
// is not an error.
func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("NVLOFT_CONFIG")
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, ".nvloft", "nvloft.yaml")
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if v := os.Getenv("NVLOFT_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("NVLOFT_LOCAL_ROOT"); v != "" {
		cfg.LocalRoot = v
	}
	if v := os.Getenv("NVLOFT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if cfg.IdleTimeoutSecs <= 0 {
		cfg.IdleTimeoutSecs = 300
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = append([]string(nil), defaultOrigins...)
	}
	return cfg, nil
}

// IdleTimeout returns the session eviction threshold.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSecs) * time.Second
}
