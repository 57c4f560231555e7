// Package labvisor embeds the version supervisor: a Manager for direct use and
// a Supervisor that also runs the config-driven watcher, purge schedule and
// HTTP API.
package labvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/labvisor/internal/auth"
	"github.com/loykin/labvisor/internal/broadcast"
	cfg "github.com/loykin/labvisor/internal/config"
	"github.com/loykin/labvisor/internal/cron"
	"github.com/loykin/labvisor/internal/history/factory"
	"github.com/loykin/labvisor/internal/logger"
	"github.com/loykin/labvisor/internal/maintenance"
	"github.com/loykin/labvisor/internal/manager"
	"github.com/loykin/labvisor/internal/metrics"
	"github.com/loykin/labvisor/internal/port"
	iapi "github.com/loykin/labvisor/internal/server"
	tlsconf "github.com/loykin/labvisor/internal/tls"
	"github.com/loykin/labvisor/internal/version"
	"github.com/loykin/labvisor/internal/watcher"
)

// Re-exported types. These are aliases so conversions are zero-cost.

type Version = version.Version

type Status = version.Status

type Entry = maintenance.Entry

type Outcome = manager.Outcome

type Options = manager.Options

type Config = cfg.Config

type Subscription = broadcast.Subscription

type Message = broadcast.Message

type TreeStats = metrics.TreeStats

type HandlerOptions = iapi.Options

type Kind = version.Kind

// Error kinds callers can match with IsKind.
const (
	KindNotFound        = version.KindNotFound
	KindAlreadyRunning  = version.KindAlreadyRunning
	KindNotRunning      = version.KindNotRunning
	KindPortUnavailable = version.KindPortUnavailable
	KindTimeout         = version.KindTimeout
	KindInvalidArchive  = version.KindInvalidArchive
	KindAlreadyExists   = version.KindAlreadyExists
	KindConflict        = version.KindConflict
)

// IsKind reports whether err carries the given error kind.
func IsKind(err error, kind Kind) bool { return err != nil && version.KindOf(err) == kind }

// Manager is a thin facade over internal/manager.Manager.
type Manager struct{ inner *manager.Manager }

// New creates a Manager. Zero Options use the defaults (./labs, ports 5174-5999).
func New(opts Options) (*Manager, error) {
	m, err := manager.New(opts)
	if err != nil {
		return nil, err
	}
	return &Manager{inner: m}, nil
}

func (m *Manager) Root() string                     { return m.inner.Root() }
func (m *Manager) ListVersions() ([]Version, error) { return m.inner.ListVersions() }
func (m *Manager) Get(id string) (Version, error)   { return m.inner.Get(id) }
func (m *Manager) Start(ctx context.Context, id string, port int) (Version, error) {
	return m.inner.Start(ctx, id, port)
}
func (m *Manager) Stop(ctx context.Context, id string) (Version, error) {
	return m.inner.Stop(ctx, id)
}
func (m *Manager) BulkStart(ctx context.Context, ids []string) []Outcome {
	return m.inner.BulkStart(ctx, ids)
}
func (m *Manager) BulkStop(ctx context.Context, ids []string) []Outcome {
	return m.inner.BulkStop(ctx, ids)
}
func (m *Manager) StopAll(ctx context.Context) []Outcome { return m.inner.StopAll(ctx) }
func (m *Manager) Upload(ctx context.Context, r io.Reader, name string) (Version, error) {
	return m.inner.Upload(ctx, r, name)
}
func (m *Manager) MoveToTrash(ctx context.Context, id string) (Entry, error) {
	return m.inner.MoveToTrash(ctx, id)
}
func (m *Manager) Restore(ctx context.Context, id string) (Version, error) {
	return m.inner.Restore(ctx, id)
}
func (m *Manager) ListTrash() ([]Entry, error)   { return m.inner.ListTrash() }
func (m *Manager) EmptyTrash() ([]string, error) { return m.inner.EmptyTrash() }
func (m *Manager) PurgeTrash(olderThan time.Duration) ([]string, error) {
	return m.inner.PurgeTrash(olderThan)
}
func (m *Manager) Archive(ctx context.Context, id string) (Entry, error) {
	return m.inner.Archive(ctx, id)
}
func (m *Manager) ListArchive() ([]Entry, error) { return m.inner.ListArchive() }
func (m *Manager) RestoreArchive(ctx context.Context, id string) (Version, error) {
	return m.inner.RestoreArchive(ctx, id)
}
func (m *Manager) Snapshot(ctx context.Context, id string) (Entry, error) {
	return m.inner.Snapshot(ctx, id)
}
func (m *Manager) ListSnapshots(id string) ([]Entry, error) { return m.inner.ListSnapshots(id) }
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.inner.Delete(ctx, id)
}
func (m *Manager) Stats(ctx context.Context, id string) (TreeStats, error) {
	return m.inner.Stats(ctx, id)
}
func (m *Manager) Subscribe() *Subscription                { return m.inner.Subscribe() }
func (m *Manager) ReconcileOnce(ctx context.Context) error { return m.inner.ReconcileOnce(ctx) }
func (m *Manager) Shutdown(ctx context.Context) error      { return m.inner.Shutdown(ctx) }
func (m *Manager) Handler(opts HandlerOptions) http.Handler {
	return iapi.NewRouter(m.inner, opts).Handler()
}

// Supervisor is a Manager wired from a Config together with its background
// services. Create it with Open, call Start, and Close when done.
type Supervisor struct {
	*Manager

	cfg   *Config
	log   *slog.Logger
	auth  *auth.Service
	watch *watcher.Watcher
	sched *cron.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
}

// LoadConfig reads a TOML file. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

// NewLogger builds the supervisor logger described by c.
func NewLogger(c *Config) (*slog.Logger, io.Closer, error) { return logger.New(c.LoggerConfig()) }

// Open builds a Supervisor from c. log may be nil.
func Open(c *Config, log *slog.Logger) (*Supervisor, error) {
	if c == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = slog.Default()
	}
	opts, err := c.ManagerOptions()
	if err != nil {
		return nil, err
	}
	opts.Logger = log
	opts.Ports, err = port.NewAllocator("127.0.0.1", c.Launch.BasePort, c.Launch.MaxPort)
	if err != nil {
		return nil, err
	}
	authSvc, err := auth.NewService(c.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	sinks, err := factory.NewFanoutFromDSNs(c.History.DSNs)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	opts.History = sinks

	m, err := New(opts)
	if err != nil {
		for _, s := range sinks {
			if c, ok := s.(io.Closer); ok {
				_ = c.Close()
			}
		}
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		Manager: m,
		cfg:     c,
		log:     log.With("component", "supervisor"),
		auth:    authSvc,
		ctx:     ctx,
		cancel:  cancel,
	}
	if c.Watch.Enabled {
		s.watch = watcher.New(m.Root(), c.Watch.Debounce, s.rootChanged, log)
	}
	if c.Maintenance.PurgeSchedule != "" {
		job, err := cron.NewPurgeJob(c.Maintenance.PurgeSchedule, c.Maintenance.PurgeOlderThan, m)
		if err == nil {
			s.sched = cron.NewScheduler(log)
			err = s.sched.Add(job)
		}
		if err != nil {
			cancel()
			_ = m.Shutdown(context.Background())
			return nil, fmt.Errorf("purge schedule: %w", err)
		}
	}
	return s, nil
}

// rootChanged runs after the active root changed behind the supervisor's back.
func (s *Supervisor) rootChanged() {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	if err := s.inner.ReconcileOnce(ctx); err != nil && s.ctx.Err() == nil {
		s.log.Warn("reconcile after root change", "error", err)
	}
	s.inner.Hub().PublishState()
}

// Auth returns the configured authentication service.
func (s *Supervisor) Auth() *auth.Service { return s.auth }

// Scheduler returns the purge scheduler, nil when no schedule is configured.
func (s *Supervisor) Scheduler() *cron.Scheduler { return s.sched }

// Start launches the watcher and the purge schedule.
func (s *Supervisor) Start() error {
	if s.watch != nil {
		if err := s.watch.Start(); err != nil {
			return fmt.Errorf("watch %s: %w", s.Root(), err)
		}
	}
	if s.sched != nil {
		s.sched.Start()
		s.log.Info("purge schedule started", "schedule", s.cfg.Maintenance.PurgeSchedule,
			"older_than", s.cfg.Maintenance.PurgeOlderThan)
	}
	return nil
}

// Handler returns the HTTP API configured by [server], [auth] and [metrics].
// /metrics is mounted here only when metrics.listen is empty.
func (s *Supervisor) Handler() http.Handler {
	return s.Manager.Handler(HandlerOptions{
		BasePath: s.cfg.Server.BasePath,
		Auth:     s.auth,
		Metrics:  s.cfg.Metrics.Enabled && s.cfg.Metrics.Listen == "",
		Logger:   s.log,
	})
}

// Close stops the background services and then every running version.
func (s *Supervisor) Close(ctx context.Context) error {
	s.cancel()
	var errs []error
	if s.sched != nil {
		s.sched.Stop()
	}
	if s.watch != nil {
		errs = append(errs, s.watch.Close())
	}
	errs = append(errs, s.Shutdown(ctx))
	return errors.Join(errs...)
}

// Serve starts the API on server.listen, over TLS when [server.tls] is enabled.
func (s *Supervisor) Serve() (*http.Server, error) {
	tc, err := tlsconf.Setup(s.cfg.Server.TLS)
	if err != nil {
		return nil, err
	}
	return iapi.NewTLSServer(s.cfg.Server.Listen, s.Handler(), tc, s.log)
}

// NewHTTPServer serves h on addr in the background.
func NewHTTPServer(addr string, h http.Handler, log *slog.Logger) (*http.Server, error) {
	return iapi.NewServer(addr, h, log)
}

// Metrics helpers

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics exposes /metrics from the default registry on addr in the background.
func ServeMetrics(addr string, log *slog.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return iapi.NewServer(addr, mux, log)
}
