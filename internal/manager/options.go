package manager

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loykin/labvisor/internal/archive"
	"github.com/loykin/labvisor/internal/env"
	"github.com/loykin/labvisor/internal/history"
	"github.com/loykin/labvisor/internal/logger"
	"github.com/loykin/labvisor/internal/maintenance"
	"github.com/loykin/labvisor/internal/port"
	"github.com/loykin/labvisor/internal/process"
	"github.com/loykin/labvisor/internal/readiness"
)

const (
	DefaultCommand        = "npm run dev -- --port {port} --strictPort"
	DefaultInstallCommand = "npm install"
	DefaultInstallMarker  = "node_modules"
	DefaultBasePort       = 5174
	DefaultMaxPort        = 5999
	DefaultPortAttempts   = 3
	DefaultReadyTimeout   = 30 * time.Second
	DefaultInstallTimeout = 5 * time.Minute
	DefaultStopWait       = 5 * time.Second
	DefaultBulkLimit      = 4
)

// SystemID is the version id carried by supervisor-wide log events.
const SystemID = "system"

// Options configures a Manager. Zero values fall back to the defaults above.
type Options struct {
	// Root is the active versions directory.
	Root   string
	Layout maintenance.Layout

	// Command is run through the shell in the version directory; {port} is
	// replaced with the assigned port, which is also exported as PORT.
	Command        string
	InstallCommand string
	// InstallMarker is a path inside the version directory whose absence
	// triggers InstallCommand before starting. Empty disables the step.
	InstallMarker  string
	InstallTimeout time.Duration

	Ports        *port.Allocator
	PortAttempts int

	Readiness    readiness.Check
	ReadyTimeout time.Duration
	StopWait     time.Duration

	// ProcessLogs selects where raw version output is written. Dir empty disables files.
	ProcessLogs logger.Config

	Upload archive.Options

	BulkConcurrency int
	// BulkPace spaces out process spawns in bulk starts. Zero disables pacing.
	BulkPace time.Duration

	// ReconcileInterval enables the background liveness check when positive.
	ReconcileInterval time.Duration

	Env      *env.Env
	Launcher process.Launcher
	History  []history.Sink
	Logger   *slog.Logger
}

func (o Options) withDefaults() (Options, error) {
	if o.Root == "" {
		o.Root = "labs"
	}
	if abs, err := filepath.Abs(o.Root); err == nil {
		o.Root = abs
	}
	if o.Layout.Root == "" {
		o.Layout.Root = o.Root
	}
	if o.Command == "" {
		o.Command = DefaultCommand
	}
	if o.InstallTimeout <= 0 {
		o.InstallTimeout = DefaultInstallTimeout
	}
	if o.Ports == nil {
		p, err := port.NewAllocator("127.0.0.1", DefaultBasePort, DefaultMaxPort)
		if err != nil {
			return o, err
		}
		o.Ports = p
	}
	if o.PortAttempts <= 0 {
		o.PortAttempts = DefaultPortAttempts
	}
	if o.Readiness == nil {
		o.Readiness = readiness.AnyCheck{readiness.TCPCheck{}, readiness.MarkerCheck{Marker: readiness.DefaultMarker}}
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.StopWait <= 0 {
		o.StopWait = DefaultStopWait
	}
	if o.BulkConcurrency <= 0 {
		o.BulkConcurrency = DefaultBulkLimit
	}
	if o.Env == nil {
		o.Env = env.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Launcher == nil {
		o.Launcher = process.NewOSLauncher(o.Logger)
	}
	return o, nil
}
