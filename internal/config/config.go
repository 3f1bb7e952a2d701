package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds everything agentvaultd needs at startup.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Authz   AuthzConfig   `json:"authz" yaml:"authz"`
	Pairing PairingConfig `json:"pairing" yaml:"pairing"`
	Events  EventsConfig  `json:"events" yaml:"events"`
	Assets  AssetsConfig  `json:"assets" yaml:"assets"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`
}

// ServerConfig controls the local HTTP surface.
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// StorageConfig selects and configures the document store backend.
type StorageConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
	MySQL  MySQLConfig `json:"mysql" yaml:"mysql"`
}

// RedisConfig describes the Redis connection used by the redis driver.
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// MySQLConfig describes the MySQL connection used by the mysql driver.
type MySQLConfig struct {
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// AuthzConfig points at the remote authorization service.
type AuthzConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// PairingConfig tunes the pairing poll loop.
type PairingConfig struct {
	PollIntervalMS int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	MaxWaitMS      int `json:"max_wait_ms" yaml:"max_wait_ms"`
}

// EventsConfig selects the lifecycle event publisher backend.
type EventsConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	URL    string `json:"url" yaml:"url"`
	Queue  string `json:"queue" yaml:"queue"`
}

// AssetsConfig locates the asset catalog registry file.
type AssetsConfig struct {
	CatalogPath string `json:"catalog_path" yaml:"catalog_path"`
}

// LoggingConfig mirrors pkg/logger.Config.
type LoggingConfig struct {
	Level       string   `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
	AuditPath   string   `json:"audit_path" yaml:"audit_path"`
}

// RuntimeConfig holds general runtime parameters.
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load parses the configuration file at path. YAML is assumed unless the
// file carries a .json extension.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyDefaults fills in sensible values for fields the user left empty.
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "agentvault"
	}

	if c.Authz.TimeoutSeconds <= 0 {
		c.Authz.TimeoutSeconds = 15
	}

	if c.Pairing.PollIntervalMS <= 0 {
		c.Pairing.PollIntervalMS = 2000
	}
	if c.Pairing.MaxWaitMS <= 0 {
		c.Pairing.MaxWaitMS = 120000
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Queue == "" {
		c.Events.Queue = "agentvault.events"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Assets.CatalogPath != "" && !filepath.IsAbs(c.Assets.CatalogPath) {
		c.Assets.CatalogPath = filepath.Join(baseDir, c.Assets.CatalogPath)
	}
}
