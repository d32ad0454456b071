// Package config loads the svcplane TOML configuration with viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/svcplane/internal/auth"
	"github.com/loykin/svcplane/internal/env"
	"github.com/loykin/svcplane/internal/launcher"
	"github.com/loykin/svcplane/internal/logger"
	"github.com/loykin/svcplane/internal/metrics"
	"github.com/loykin/svcplane/internal/schedule"
	itls "github.com/loykin/svcplane/internal/tls"
	"github.com/loykin/svcplane/internal/transport"
)

const EnvPrefix = "SVCPLANE"

// Unit run modes.
const (
	ModeGoroutine = "goroutine"
	ModeProcess   = "process"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the top-level TOML structure.
type Config struct {
	Manager ManagerConfig `mapstructure:"manager"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Server  ServerConfig  `mapstructure:"server"`
	History HistoryConfig `mapstructure:"history"`

	// Env is passed to process units, after EnvFiles and, when UseOSEnv is
	// set, the environment of the manager.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Units     []UnitConfig    `mapstructure:"units"`
	Schedules []schedule.Spec `mapstructure:"schedules"`
}

type ManagerConfig struct {
	Bind            string        `mapstructure:"bind"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StrictRegistry  bool          `mapstructure:"strict_registry"`
	MessageBuffer   int           `mapstructure:"message_buffer"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Listen    string                 `mapstructure:"listen"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

type ServerConfig struct {
	Enabled  bool        `mapstructure:"enabled"`
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	TLS      itls.Config `mapstructure:"tls"`
	Auth     auth.Config `mapstructure:"auth"`
}

type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type UnitConfig struct {
	Name     string            `mapstructure:"name"`
	Kind     string            `mapstructure:"kind"`
	Mode     string            `mapstructure:"mode"`
	Interval time.Duration     `mapstructure:"loop_interval"`
	Params   map[string]string `mapstructure:"params"`
	Log      *logger.Config    `mapstructure:"log"`
	PIDDir   string            `mapstructure:"pid_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("manager.bind", "tcp://127.0.0.1:5560")
	v.SetDefault("manager.poll_timeout", "100ms")
	v.SetDefault("manager.health_interval", "1s")
	v.SetDefault("manager.shutdown_timeout", "3s")
	v.SetDefault("manager.strict_registry", false)
	v.SetDefault("manager.message_buffer", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", "5s")
	v.SetDefault("metrics.resources.history_size", 100)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("history.sinks", []string{})
}

// Load reads the TOML file at path; an empty path yields the defaults.
// Scalar settings can be overridden with SVCPLANE_<SECTION>_<KEY>, for
// example SVCPLANE_MANAGER_BIND.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	for i := range c.Units {
		if c.Units[i].Mode == "" {
			c.Units[i].Mode = ModeGoroutine
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	bindScheme, _, err := transport.SplitAddr(c.Manager.Bind)
	if err != nil {
		return fmt.Errorf("%w: manager.bind: %v", ErrInvalidConfig, err)
	}
	if c.Manager.PollTimeout <= 0 {
		return fmt.Errorf("%w: manager.poll_timeout must be positive", ErrInvalidConfig)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	seen := make(map[string]bool, len(c.Units))
	for i, u := range c.Units {
		if u.Name == "" {
			return fmt.Errorf("%w: units[%d] requires name", ErrInvalidConfig, i)
		}
		if seen[u.Name] {
			return fmt.Errorf("%w: duplicate unit name %s", ErrInvalidConfig, u.Name)
		}
		seen[u.Name] = true
		if u.Kind == "" {
			return fmt.Errorf("%w: unit %s requires kind", ErrInvalidConfig, u.Name)
		}
		if u.Interval < 0 {
			return fmt.Errorf("%w: unit %s: loop_interval must not be negative", ErrInvalidConfig, u.Name)
		}
		switch u.Mode {
		case ModeGoroutine:
		case ModeProcess:
			if bindScheme != transport.SchemeTCP {
				return fmt.Errorf("%w: unit %s runs as a process and needs a tcp:// manager.bind", ErrInvalidConfig, u.Name)
			}
		default:
			return fmt.Errorf("%w: unit %s: unknown mode %q", ErrInvalidConfig, u.Name, u.Mode)
		}
	}
	names := make(map[string]bool, len(c.Schedules))
	for _, sc := range c.Schedules {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if names[sc.Name] {
			return fmt.Errorf("%w: duplicate schedule name %s", ErrInvalidConfig, sc.Name)
		}
		names[sc.Name] = true
	}
	if c.Server.Auth.Enabled && len(c.Server.Auth.Users) == 0 {
		return fmt.Errorf("%w: server.auth is enabled without users", ErrInvalidConfig)
	}
	return nil
}

// Spec builds the launcher spec of u. Logging starts from the top-level
// [log] section; fields set in the unit's own log table override it.
func (c *Config) Spec(u UnitConfig) launcher.Spec {
	logCfg := c.Log
	if u.Log != nil {
		logCfg = mergeLog(logCfg, *u.Log)
	}
	return launcher.Spec{
		Name:     u.Name,
		Kind:     u.Kind,
		Interval: u.Interval,
		Params:   u.Params,
		Log:      logCfg,
		PIDDir:   u.PIDDir,
	}
}

func mergeLog(base, o logger.Config) logger.Config {
	if o.Level != "" {
		base.Level = o.Level
	}
	if o.Format != "" {
		base.Format = o.Format
	}
	if o.File.Dir != "" {
		base.File.Dir = o.File.Dir
	}
	if o.File.StdoutPath != "" {
		base.File.StdoutPath = o.File.StdoutPath
	}
	if o.File.StderrPath != "" {
		base.File.StderrPath = o.File.StderrPath
	}
	if o.File.MaxSizeMB != 0 {
		base.File.MaxSizeMB = o.File.MaxSizeMB
	}
	if o.File.MaxBackups != 0 {
		base.File.MaxBackups = o.File.MaxBackups
	}
	if o.File.MaxAgeDays != 0 {
		base.File.MaxAgeDays = o.File.MaxAgeDays
	}
	if o.File.Compress {
		base.File.Compress = true
	}
	return base
}

// ProcessEnv merges the environment of process units. Precedence: OS env
// (when enabled) provides the base, then env_files in order, then env.
// ${NAME} references are expanded.
func (c *Config) ProcessEnv() ([]string, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, p := range c.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, err
		}
	}
	return e.Merge(c.Env), nil
}
