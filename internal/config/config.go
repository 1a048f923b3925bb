// Package config loads the daemon configuration from a TOML file with
// TRACEVISOR_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/loykin/tracevisor/internal/health"
	"github.com/loykin/tracevisor/internal/supervisor"
	tlsx "github.com/loykin/tracevisor/internal/tls"
)

const EnvPrefix = "TRACEVISOR"

const (
	DefaultClientURL     = "http://localhost:8080"
	DefaultAPIPath       = "tsp/api"
	DefaultProbeTimeout  = 3 * time.Second
	DefaultStateDSN      = "sqlite://tracevisor.db"
	DefaultControlListen = "127.0.0.1:8090"
	DefaultBasePath      = "/api"
	DefaultMetricsListen = ":9090"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "color"
)

// Config is the top-level TOML structure.
type Config struct {
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Client     ClientConfig     `toml:"client" mapstructure:"client"`
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	State      StateConfig      `toml:"state" mapstructure:"state"`
	Hooks      HooksConfig      `toml:"hooks" mapstructure:"hooks"`
	Control    ControlConfig    `toml:"control" mapstructure:"control"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Log        LogConfig        `toml:"log" mapstructure:"log"`
}

// ServerConfig describes the supervised executable. Env entries ("K=V",
// ${VAR} expanded) and env files are applied on top of the daemon's own
// environment.
type ServerConfig struct {
	Path      string   `toml:"path" mapstructure:"path"`
	Arguments string   `toml:"arguments" mapstructure:"arguments"`
	WorkDir   string   `toml:"workdir" mapstructure:"workdir"`
	Env       []string `toml:"env" mapstructure:"env"`
	EnvFiles  []string `toml:"env_files" mapstructure:"env_files"`
}

// ClientConfig locates the running server's API for health queries.
type ClientConfig struct {
	URL          string        `toml:"url" mapstructure:"url"`
	APIPath      string        `toml:"api_path" mapstructure:"api_path"`
	ProbeTimeout time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
}

type SupervisorConfig struct {
	StartupTimeout time.Duration `toml:"startup_timeout" mapstructure:"startup_timeout"`
	PollInterval   time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	StopTimeout    time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	ShutdownDelay  time.Duration `toml:"shutdown_delay" mapstructure:"shutdown_delay"`
	HookTimeout    time.Duration `toml:"hook_timeout" mapstructure:"hook_timeout"`
	ForceKill      bool          `toml:"force_kill" mapstructure:"force_kill"`
	Autostart      bool          `toml:"autostart" mapstructure:"autostart"`
}

type StateConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
	Key string `toml:"key" mapstructure:"key"`
}

// HooksConfig holds command lines bound to the status broadcast commands.
type HooksConfig struct {
	Started string `toml:"started" mapstructure:"started"`
	Stopped string `toml:"stopped" mapstructure:"stopped"`
}

type ControlConfig struct {
	Listen   string      `toml:"listen" mapstructure:"listen"`
	BasePath string      `toml:"base_path" mapstructure:"base_path"`
	TLS      tlsx.Config `toml:"tls" mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := decode(newViper(""))
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads path (optional) and applies environment overrides.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

// Watch reloads path whenever it changes and hands the new configuration
// to onChange. Decoding failures are passed to onError and the previous
// configuration stays in effect.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	if path == "" {
		return errors.New("watch: config path is empty")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
	}
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults also registers every key, which AutomaticEnv needs for
// Unmarshal to see environment-only values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.path", supervisor.DefaultPath)
	v.SetDefault("server.arguments", "")
	v.SetDefault("server.workdir", "")
	v.SetDefault("server.env", []string{})
	v.SetDefault("server.env_files", []string{})
	v.SetDefault("client.url", DefaultClientURL)
	v.SetDefault("client.api_path", DefaultAPIPath)
	v.SetDefault("client.probe_timeout", DefaultProbeTimeout)
	v.SetDefault("supervisor.startup_timeout", supervisor.DefaultStartupTimeout)
	v.SetDefault("supervisor.poll_interval", supervisor.DefaultPollInterval)
	v.SetDefault("supervisor.stop_timeout", supervisor.DefaultStopTimeout)
	v.SetDefault("supervisor.shutdown_delay", supervisor.DefaultShutdownDelay)
	v.SetDefault("supervisor.hook_timeout", supervisor.DefaultHookTimeout)
	v.SetDefault("supervisor.force_kill", false)
	v.SetDefault("supervisor.autostart", false)
	v.SetDefault("state.dsn", DefaultStateDSN)
	v.SetDefault("state.key", supervisor.DefaultKey)
	v.SetDefault("hooks.started", "")
	v.SetDefault("hooks.stopped", "")
	v.SetDefault("control.listen", DefaultControlListen)
	v.SetDefault("control.base_path", DefaultBasePath)
	v.SetDefault("control.tls.enabled", false)
	v.SetDefault("control.tls.cert_file", "")
	v.SetDefault("control.tls.key_file", "")
	v.SetDefault("control.tls.dir", "")
	v.SetDefault("control.tls.auto_generate", false)
	v.SetDefault("control.tls.min_version", "")
	v.SetDefault("control.tls.max_version", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", DefaultMetricsListen)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.fillEmpty()
	return &cfg, nil
}

// fillEmpty restores defaults for values set to "" or zero explicitly.
func (c *Config) fillEmpty() {
	if strings.TrimSpace(c.Server.Path) == "" {
		c.Server.Path = supervisor.DefaultPath
	}
	if strings.TrimSpace(c.Client.URL) == "" {
		c.Client.URL = DefaultClientURL
	}
	if strings.TrimSpace(c.Client.APIPath) == "" {
		c.Client.APIPath = DefaultAPIPath
	}
	if c.Client.ProbeTimeout <= 0 {
		c.Client.ProbeTimeout = DefaultProbeTimeout
	}
	if c.State.DSN == "" {
		c.State.DSN = DefaultStateDSN
	}
	if c.State.Key == "" {
		c.State.Key = supervisor.DefaultKey
	}
	if c.Control.Listen == "" {
		c.Control.Listen = DefaultControlListen
	}
	if c.Control.BasePath == "" {
		c.Control.BasePath = DefaultBasePath
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

// HealthURL is the server's health endpoint.
func (c *Config) HealthURL() string {
	return health.EndpointURL(c.Client.URL, c.Client.APIPath)
}

// SupervisorSettings maps the file sections onto supervisor settings.
func (c *Config) SupervisorSettings() supervisor.Settings {
	return supervisor.Settings{
		Path:           c.Server.Path,
		Arguments:      c.Server.Arguments,
		Key:            c.State.Key,
		StartupTimeout: c.Supervisor.StartupTimeout,
		PollInterval:   c.Supervisor.PollInterval,
		StopTimeout:    c.Supervisor.StopTimeout,
		ShutdownDelay:  c.Supervisor.ShutdownDelay,
		HookTimeout:    c.Supervisor.HookTimeout,
		ForceKill:      c.Supervisor.ForceKill,
	}.WithDefaults()
}
