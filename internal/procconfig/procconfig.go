// Package procconfig is the daemon's own configuration — distinct from
// the per-environment YAML documents the config store owns under each
// environment's base path. It is loaded the same way the teacher loads
// its Config: a YAML file, environment variable overrides, then
// validation.
package procconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lakowske/net-servers/internal/corerr"
)

// Config holds daemon-level configuration.
type Config struct {
	Base          string          `yaml:"base"`
	Environment   string          `yaml:"environment"`
	ContainerCmd  string          `yaml:"container_cmd"`
	Logging       LoggingConfig   `yaml:"logging"`
	Admin         AdminConfig     `yaml:"admin"`
	Bookkeeping   BookkeepingConfig `yaml:"bookkeeping"`
}

// LoggingConfig controls the zap logger built for every component.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AdminConfig controls the local admin API.
type AdminConfig struct {
	Addr                string        `yaml:"addr"`
	CORSEnabled         bool          `yaml:"cors_enabled"`
	CORSOrigins         []string      `yaml:"cors_origins"`
	JWTSecret           string        `yaml:"jwt_secret"`
	JWTIssuer           string        `yaml:"jwt_issuer"`
	TokenExpiration     time.Duration `yaml:"token_expiration"`
	OperatorUsername    string        `yaml:"operator_username"`
	OperatorPasswordHash string       `yaml:"operator_password_hash"`
	OperatorRole        string        `yaml:"operator_role"`
}

// BookkeepingConfig selects the operational audit store's backend,
// mirroring the teacher's DatabaseConfig sqlite/postgres switch.
type BookkeepingConfig struct {
	Type     string         `yaml:"type"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds the SQLite file path.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Base:         "/var/lib/net-servers",
		Environment:  "development",
		ContainerCmd: "podman",
		Logging:      LoggingConfig{Level: "info", Format: "console"},
		Admin:        AdminConfig{Addr: "127.0.0.1:8766", CORSEnabled: false, JWTIssuer: "net-servers-core", TokenExpiration: 24 * time.Hour, OperatorUsername: "admin", OperatorRole: "admin"},
		Bookkeeping:  BookkeepingConfig{Type: "sqlite", SQLite: SQLiteConfig{Path: "/var/lib/net-servers/bookkeeping.db"}},
	}
}

// Load reads and parses the daemon configuration file, applies
// environment variable overrides, and validates the result. A missing
// file is not an error — Default() values are used instead, the same
// tolerance the daemon needs to start from nothing on first boot.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, corerr.Wrap(corerr.IOFatal, err, "failed to read daemon config file", map[string]any{"path": path})
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, corerr.Wrap(corerr.ConfigParse, err, "failed to parse daemon config file", map[string]any{"path": path})
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies the environment variables spec.md §6 names,
// plus the logging/admin overrides AMBIENT-3 adds.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NET_SERVERS_BASE"); v != "" {
		c.Base = v
	}
	if v := os.Getenv("NET_SERVERS_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("CONTAINER_CMD"); v != "" {
		c.ContainerCmd = v
	}
	if v := os.Getenv("NET_SERVERS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("NET_SERVERS_ADMIN_ADDR"); v != "" {
		c.Admin.Addr = v
	}
}

// Validate checks the configuration, mirroring the teacher's
// Config.Validate shape: one wrapped error per invalid field group.
func (c *Config) Validate() error {
	if c.Base == "" {
		return corerr.New(corerr.ConfigValidate, "base path must not be empty", nil)
	}
	if c.Environment == "" {
		return corerr.New(corerr.ConfigValidate, "environment must not be empty", nil)
	}
	if c.ContainerCmd == "" {
		return corerr.New(corerr.ConfigValidate, "container_cmd must not be empty", nil)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return corerr.New(corerr.ConfigValidate, "invalid log level", map[string]any{"level": c.Logging.Level})
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return corerr.New(corerr.ConfigValidate, "invalid log format", map[string]any{"format": c.Logging.Format})
	}

	if c.Bookkeeping.Type != "sqlite" && c.Bookkeeping.Type != "postgres" {
		return corerr.New(corerr.ConfigValidate, "invalid bookkeeping type, must be 'sqlite' or 'postgres'", map[string]any{"type": c.Bookkeeping.Type})
	}
	if c.Bookkeeping.Type == "sqlite" && c.Bookkeeping.SQLite.Path == "" {
		return corerr.New(corerr.ConfigValidate, "bookkeeping sqlite path must not be empty", nil)
	}
	if c.Bookkeeping.Type == "postgres" {
		if c.Bookkeeping.Postgres.Host == "" || c.Bookkeeping.Postgres.Database == "" {
			return corerr.New(corerr.ConfigValidate, "bookkeeping postgres host and database must be specified", nil)
		}
	}

	if c.Admin.Addr == "" {
		return corerr.New(corerr.ConfigValidate, "admin addr must not be empty", nil)
	}

	return nil
}

// BookkeepingDSN returns the connection string Open expects for the
// configured bookkeeping backend.
func (c *Config) BookkeepingDSN() string {
	switch c.Bookkeeping.Type {
	case "sqlite":
		return c.Bookkeeping.SQLite.Path
	case "postgres":
		p := c.Bookkeeping.Postgres
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
	default:
		return ""
	}
}
