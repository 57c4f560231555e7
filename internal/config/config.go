// Package config loads the labvisor TOML configuration with viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/labvisor/internal/archive"
	"github.com/loykin/labvisor/internal/auth"
	"github.com/loykin/labvisor/internal/cron"
	"github.com/loykin/labvisor/internal/env"
	"github.com/loykin/labvisor/internal/logger"
	"github.com/loykin/labvisor/internal/manager"
	"github.com/loykin/labvisor/internal/readiness"
	tlsconf "github.com/loykin/labvisor/internal/tls"
	"github.com/loykin/labvisor/internal/watcher"
)

// EnvPrefix prefixes environment overrides, e.g. LABVISOR_SERVER_LISTEN.
const EnvPrefix = "LABVISOR"

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	PIDFile  string `mapstructure:"pidfile"`
	LogFile  string `mapstructure:"logfile"`

	TLS tlsconf.Config `mapstructure:"tls"`
}

type LabsConfig struct {
	Root         string `mapstructure:"root"`
	TrashDir     string `mapstructure:"trash_dir"`
	ArchiveDir   string `mapstructure:"archive_dir"`
	SnapshotsDir string `mapstructure:"snapshots_dir"`
	LogDir       string `mapstructure:"log_dir"`
}

type LaunchConfig struct {
	Command        string        `mapstructure:"command"`
	InstallCommand string        `mapstructure:"install_command"`
	InstallMarker  string        `mapstructure:"install_marker"`
	InstallTimeout time.Duration `mapstructure:"install_timeout"`
	BasePort       int           `mapstructure:"base_port"`
	MaxPort        int           `mapstructure:"max_port"`
	PortAttempts   int           `mapstructure:"port_attempts"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	Readiness      string        `mapstructure:"readiness"` // any, tcp, http, marker, grace
	ReadyMarker    string        `mapstructure:"ready_marker"`
	ReadyPath      string        `mapstructure:"ready_path"`
	Grace          time.Duration `mapstructure:"grace"`
	StopWait       time.Duration `mapstructure:"stop_wait"`
}

type UploadConfig struct {
	MaxBytes          int64  `mapstructure:"max_bytes"`
	MaxExtractedBytes int64  `mapstructure:"max_extracted_bytes"`
	TempDir           string `mapstructure:"temp_dir"`
	StripSingleRoot   bool   `mapstructure:"strip_single_root"`
}

type BulkConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Pace        time.Duration `mapstructure:"pace"`
}

type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type MaintenanceConfig struct {
	PurgeSchedule  string        `mapstructure:"purge_schedule"`
	PurgeOlderThan time.Duration `mapstructure:"purge_older_than"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on a separate address; empty mounts it on the API server.
	Listen string `mapstructure:"listen"`
}

// Config is the whole file.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Labs        LabsConfig        `mapstructure:"labs"`
	Launch      LaunchConfig      `mapstructure:"launch"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Bulk        BulkConfig        `mapstructure:"bulk"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	Watch       WatchConfig       `mapstructure:"watch"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Log         logger.Config     `mapstructure:"log"`
	History     HistoryConfig     `mapstructure:"history"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Auth        auth.Config       `mapstructure:"auth"`

	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	// UseOSEnv passes the supervisor's own environment to versions.
	UseOSEnv bool `mapstructure:"use_os_env"`

	// Path is the file the config was read from, empty for defaults only.
	Path string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:4000")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("labs.root", "labs")
	v.SetDefault("launch.command", manager.DefaultCommand)
	v.SetDefault("launch.install_command", manager.DefaultInstallCommand)
	v.SetDefault("launch.install_marker", manager.DefaultInstallMarker)
	v.SetDefault("launch.install_timeout", manager.DefaultInstallTimeout)
	v.SetDefault("launch.base_port", manager.DefaultBasePort)
	v.SetDefault("launch.max_port", manager.DefaultMaxPort)
	v.SetDefault("launch.port_attempts", manager.DefaultPortAttempts)
	v.SetDefault("launch.ready_timeout", manager.DefaultReadyTimeout)
	v.SetDefault("launch.readiness", "any")
	v.SetDefault("launch.ready_marker", readiness.DefaultMarker)
	v.SetDefault("launch.stop_wait", manager.DefaultStopWait)
	v.SetDefault("upload.max_bytes", archive.DefaultMaxBytes)
	v.SetDefault("upload.max_extracted_bytes", archive.DefaultMaxExtractedBytes)
	v.SetDefault("upload.strip_single_root", true)
	v.SetDefault("bulk.concurrency", manager.DefaultBulkLimit)
	v.SetDefault("reconcile.interval", 5*time.Second)
	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.debounce", watcher.DefaultDebounce)
	v.SetDefault("maintenance.purge_older_than", 30*24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("use_os_env", true)
}

// LoadConfig reads path (TOML) on top of the defaults. An empty path yields
// the defaults plus LABVISOR_* environment overrides. Relative paths in the
// file are resolved against the file's directory.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir, _ := os.Getwd()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		baseDir = filepath.Dir(path)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.Path = path
	c.resolvePaths(baseDir)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) resolvePaths(base string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	abs(&c.Labs.Root)
	abs(&c.Labs.TrashDir)
	abs(&c.Labs.ArchiveDir)
	abs(&c.Labs.SnapshotsDir)
	abs(&c.Labs.LogDir)
	abs(&c.Upload.TempDir)
	abs(&c.Server.PIDFile)
	abs(&c.Server.LogFile)
	abs(&c.Server.TLS.CertFile)
	abs(&c.Server.TLS.KeyFile)
	abs(&c.Server.TLS.Dir)
	abs(&c.Log.File.Path)
	abs(&c.Log.File.Dir)
	for i := range c.EnvFiles {
		abs(&c.EnvFiles[i])
	}
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Launch.BasePort <= 0 || c.Launch.MaxPort > 65535 || c.Launch.BasePort > c.Launch.MaxPort {
		errs = append(errs, fmt.Errorf("launch: invalid port range %d-%d", c.Launch.BasePort, c.Launch.MaxPort))
	}
	if !strings.Contains(c.Launch.Command, "{port}") {
		slog.Warn("launch.command has no {port} placeholder; versions must read $PORT", "command", c.Launch.Command)
	}
	if _, err := c.ReadinessCheck(); err != nil {
		errs = append(errs, fmt.Errorf("launch: %w", err))
	}
	if c.Maintenance.PurgeSchedule != "" {
		if err := cron.ValidateSchedule(c.Maintenance.PurgeSchedule); err != nil {
			errs = append(errs, fmt.Errorf("maintenance: %w", err))
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server: base_path must start with /"))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if c.Auth.Enabled && len(c.Auth.Users) == 0 {
		errs = append(errs, errors.New("auth: enabled but no users configured"))
	}
	return errors.Join(errs...)
}

// ReadinessCheck builds the readiness strategy selected by [launch].
func (c *Config) ReadinessCheck() (readiness.Check, error) {
	return readiness.FromConfig(c.Launch.Readiness, c.Launch.ReadyMarker, c.Launch.ReadyPath, c.Launch.Grace)
}

// Environment composes the variables handed to every version.
// Precedence: OS (when use_os_env), then env_files in order, then env.
func (c *Config) Environment() (*env.Env, error) {
	e := env.New()
	if !c.UseOSEnv {
		e = env.WithoutOS()
	} else {
		e.FromOS()
	}
	for _, f := range c.EnvFiles {
		pairs, err := env.LoadFile(f)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", f, err)
		}
		e.SetPairs(pairs)
	}
	e.SetPairs(c.Env)
	return e, nil
}

// LoggerConfig returns the supervisor log settings; server.logfile is a
// shorthand for log.file.path.
func (c *Config) LoggerConfig() logger.Config {
	lc := c.Log
	if lc.File.Path == "" {
		lc.File.Path = c.Server.LogFile
	}
	return lc
}

// ManagerOptions maps the file onto manager.Options. Ports, Launcher,
// History and Logger are left for the caller to fill.
func (c *Config) ManagerOptions() (manager.Options, error) {
	check, err := c.ReadinessCheck()
	if err != nil {
		return manager.Options{}, err
	}
	e, err := c.Environment()
	if err != nil {
		return manager.Options{}, err
	}
	procLogs := c.Log
	if c.Labs.LogDir != "" {
		procLogs.File.Dir = c.Labs.LogDir
	}
	opts := manager.Options{
		Root:           c.Labs.Root,
		Command:        c.Launch.Command,
		InstallCommand: c.Launch.InstallCommand,
		InstallMarker:  c.Launch.InstallMarker,
		InstallTimeout: c.Launch.InstallTimeout,
		PortAttempts:   c.Launch.PortAttempts,
		Readiness:      check,
		ReadyTimeout:   c.Launch.ReadyTimeout,
		StopWait:       c.Launch.StopWait,
		ProcessLogs:    procLogs,
		Upload: archive.Options{
			MaxBytes:          c.Upload.MaxBytes,
			MaxExtractedBytes: c.Upload.MaxExtractedBytes,
			TempDir:           c.Upload.TempDir,
			StripSingleRoot:   c.Upload.StripSingleRoot,
		},
		BulkConcurrency:   c.Bulk.Concurrency,
		BulkPace:          c.Bulk.Pace,
		ReconcileInterval: c.Reconcile.Interval,
		Env:               e,
	}
	opts.Layout.Root = c.Labs.Root
	opts.Layout.Trash = c.Labs.TrashDir
	opts.Layout.Archive = c.Labs.ArchiveDir
	opts.Layout.Snapshots = c.Labs.SnapshotsDir
	return opts, nil
}
