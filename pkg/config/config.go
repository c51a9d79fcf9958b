// Package config loads and saves the gateway settings file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	mcpgateway "github.com/vikashloomba/mcp-gateway-go/pkg/mcp-gateway"
)

// EnvPrefix prefixes environment overrides, e.g. MCP_GATEWAY_GATEWAY_PORT.
const EnvPrefix = "MCP_GATEWAY"

// Config is the on-disk gateway configuration.
type Config struct {
	Gateway         mcpgateway.GatewayConfig `yaml:"gateway" mapstructure:"gateway"`
	DatabasePath    string                   `yaml:"database_path" mapstructure:"database_path"`
	LogLevel        string                   `yaml:"log_level" mapstructure:"log_level"`
	LogFormat       string                   `yaml:"log_format" mapstructure:"log_format"`
	ConnectTimeout  time.Duration            `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ShutdownTimeout time.Duration            `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	ClientLabel     string                   `yaml:"client_label" mapstructure:"client_label"`
}

// fileConfig is what Save writes: durations as "30s" rather than
// nanosecond integers.
type fileConfig struct {
	Gateway         mcpgateway.GatewayConfig `yaml:"gateway"`
	DatabasePath    string                   `yaml:"database_path"`
	LogLevel        string                   `yaml:"log_level"`
	LogFormat       string                   `yaml:"log_format"`
	ConnectTimeout  string                   `yaml:"connect_timeout"`
	ShutdownTimeout string                   `yaml:"shutdown_timeout"`
	ClientLabel     string                   `yaml:"client_label"`
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// Dir is the directory holding the config file and the default database.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcp-gateway"
	}
	return filepath.Join(home, ".mcp-gateway")
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the configuration written on first load. The database
// lives next to the config file.
func Default(path string) *Config {
	return &Config{
		Gateway:         mcpgateway.DefaultGatewayConfig(),
		DatabasePath:    filepath.Join(filepath.Dir(path), "gateway.db"),
		LogLevel:        "info",
		LogFormat:       "text",
		ConnectTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		ClientLabel:     "mcp-gateway",
	}
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default(path)
	v.SetDefault("gateway.enabled", def.Gateway.Enabled)
	v.SetDefault("gateway.port", def.Gateway.Port)
	v.SetDefault("gateway.auto_start", def.Gateway.AutoStart)
	v.SetDefault("database_path", def.DatabasePath)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("connect_timeout", def.ConnectTimeout)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("client_label", def.ClientLabel)
	return v
}

// Load reads path, creating it with defaults when it does not exist.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func read(path string) (*viper.Viper, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Save(path, Default(path)); err != nil {
			return nil, fmt.Errorf("config: create default: %w", err)
		}
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(logLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level %q is not one of %s", c.LogLevel, strings.Join(logLevels, ", ")))
	}
	if !slices.Contains(logFormats, c.LogFormat) {
		errs = append(errs, fmt.Errorf("log_format %q is not one of %s", c.LogFormat, strings.Join(logFormats, ", ")))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connect_timeout must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be positive"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, fmt.Errorf("database_path is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// Save writes cfg to path with owner-only permissions.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(fileConfig{
		Gateway:         cfg.Gateway,
		DatabasePath:    cfg.DatabasePath,
		LogLevel:        cfg.LogLevel,
		LogFormat:       cfg.LogFormat,
		ConnectTimeout:  cfg.ConnectTimeout.String(),
		ShutdownTimeout: cfg.ShutdownTimeout.String(),
		ClientLabel:     cfg.ClientLabel,
	})
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Keys lists the settable keys in dotted form.
func Keys() []string {
	return []string{
		"gateway.enabled", "gateway.port", "gateway.auto_start",
		"database_path", "log_level", "log_format",
		"connect_timeout", "shutdown_timeout", "client_label",
	}
}

// Get returns the effective value of one key.
func Get(path, key string) (any, error) {
	if !slices.Contains(Keys(), key) {
		return nil, fmt.Errorf("config: unknown key %q", key)
	}
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	return v.Get(key), nil
}

// Set updates one key in the file, validating the result before writing.
func Set(path, key, value string) (*Config, error) {
	if !slices.Contains(Keys(), key) {
		return nil, fmt.Errorf("config: unknown key %q", key)
	}
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	v.Set(key, value)
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
