// Package config loads the mcp-toolbox configuration: defaults, then an optional TOML file, then
// environment overrides. Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables that override file values.
const (
	EnvAddr     = "MCP_TOOLBOX_ADDR"
	EnvLogLevel = "MCP_TOOLBOX_LOG_LEVEL"
	EnvLogFile  = "MCP_TOOLBOX_LOG_FILE"
)

// Config is the complete process configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	HTTP   HTTPConfig   `toml:"http"`
	Log    LogConfig    `toml:"log"`
}

// ServerConfig controls the dispatcher and the session loop.
type ServerConfig struct {
	Name               string   `toml:"name"`
	Version            string   `toml:"version"`
	CallTimeout        Duration `toml:"callTimeout"`
	SendTimeout        Duration `toml:"sendTimeout"`
	MaxConcurrentCalls int64    `toml:"maxConcurrentCalls"`
	ShutdownTimeout    Duration `toml:"shutdownTimeout"`
}

// HTTPConfig controls the SSE transport.
type HTTPConfig struct {
	Addr              string   `toml:"addr"`
	BaseURL           string   `toml:"baseURL"`
	AllowedOrigins    []string `toml:"allowedOrigins"`
	KeepAliveInterval Duration `toml:"keepAliveInterval"`
	MaxBodySize       int64    `toml:"maxBodySize"`
}

// LogConfig controls the process logger. An empty File logs to stderr only.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"maxSizeMB"`
	MaxBackups int    `toml:"maxBackups"`
	MaxAgeDays int    `toml:"maxAgeDays"`
	Compress   bool   `toml:"compress"`
}

// Duration is a time.Duration written as a string such as "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Name:               "mcp-toolbox",
			Version:            "1.0.0",
			CallTimeout:        Duration{30 * time.Second},
			SendTimeout:        Duration{30 * time.Second},
			MaxConcurrentCalls: 64,
			ShutdownTimeout:    Duration{10 * time.Second},
		},
		HTTP: HTTPConfig{
			Addr:              ":8000",
			AllowedOrigins:    []string{"*"},
			KeepAliveInterval: Duration{15 * time.Second},
			MaxBodySize:       4 << 20,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration from the defaults, the TOML file at path (skipped when path is
// empty) and the environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides values from the environment. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAddr); ok && v != "" {
		c.HTTP.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvLogFile); ok {
		c.Log.File = v
	}
}

// Validate reports every invalid value at once.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Name == "" {
		errs = append(errs, errors.New("server.name must not be empty"))
	}
	if c.Server.CallTimeout.Duration <= 0 {
		errs = append(errs, errors.New("server.callTimeout must be positive"))
	}
	if c.Server.SendTimeout.Duration <= 0 {
		errs = append(errs, errors.New("server.sendTimeout must be positive"))
	}
	if c.Server.MaxConcurrentCalls <= 0 {
		errs = append(errs, errors.New("server.maxConcurrentCalls must be positive"))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, errors.New("server.shutdownTimeout must be positive"))
	}

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr must not be empty"))
	}
	if c.HTTP.BaseURL != "" {
		u, err := url.Parse(c.HTTP.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("http.baseURL %q must be an absolute URL", c.HTTP.BaseURL))
		}
	}
	if c.HTTP.KeepAliveInterval.Duration <= 0 {
		errs = append(errs, errors.New("http.keepAliveInterval must be positive"))
	}
	if c.HTTP.MaxBodySize <= 0 {
		errs = append(errs, errors.New("http.maxBodySize must be positive"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses Level as a slog level name such as "debug" or "warn".
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}
