package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Launcher is the capability the supervisor uses to run version processes.
type Launcher interface {
	// Spawn starts spec and returns once the process exists.
	Spawn(ctx context.Context, spec Spec) (*Handle, error)
	// TerminateTree stops the process and all of its descendants: a polite
	// signal first, a forced kill after grace.
	TerminateTree(h *Handle, grace time.Duration) error
	// IsAlive reports whether h still refers to a live process.
	IsAlive(h *Handle) bool
}

// ErrStillAlive is returned when a process survives a forced kill.
var ErrStillAlive = errors.New("process did not exit after kill")

// killWait bounds how long TerminateTree waits for reaping after SIGKILL.
const killWait = 2 * time.Second

// OSLauncher runs processes through the local shell in their own process group.
type OSLauncher struct {
	log *slog.Logger
}

func NewOSLauncher(log *slog.Logger) *OSLauncher {
	if log == nil {
		log = slog.Default()
	}
	return &OSLauncher{log: log.With("component", "launcher")}
}

func (l *OSLauncher) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fi, err := os.Stat(spec.WorkDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("work dir %s is not a directory", spec.WorkDir)
	}

	cmd := shellCommand(spec.Command)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)
	// pipes held open by stray grandchildren must not block Wait forever
	cmd.WaitDelay = killWait

	h := NewHandle(0, spec.TailLines)
	outLW := newLineWriter(Stdout, spec.OnLine, h.tail)
	errLW := newLineWriter(Stderr, spec.OnLine, h.tail)
	cmd.Stdout = teeWriter(outLW, spec.Stdout)
	cmd.Stderr = teeWriter(errLW, spec.Stderr)

	if err := cmd.Start(); err != nil {
		closeQuietly(spec.Stdout, spec.Stderr)
		return nil, err
	}
	h.cmd = cmd
	h.PID = cmd.Process.Pid
	h.StartedAt = time.Now()
	h.startUnix = getProcStartUnix(h.PID)

	l.log.Debug("process spawned", "name", spec.Name, "pid", h.PID, "dir", spec.WorkDir)

	go func() {
		err := cmd.Wait()
		outLW.Flush()
		errLW.Flush()
		closeQuietly(spec.Stdout, spec.Stderr)
		l.log.Debug("process exited", "name", spec.Name, "pid", h.PID, "error", err)
		h.Finish(err)
	}()
	return h, nil
}

func (l *OSLauncher) TerminateTree(h *Handle, grace time.Duration) error {
	if h == nil || h.Exited() {
		return nil
	}
	// collect descendants first: once the leader dies they get reparented
	kids := descendants(h.PID)

	_ = signalGroup(h.PID, false)
	signalPIDs(kids, false)

	select {
	case <-h.Done():
	case <-time.After(grace):
		l.log.Warn("process ignored SIGTERM, killing", "pid", h.PID, "grace", grace)
		_ = signalGroup(h.PID, true)
		signalPIDs(kids, true)
		select {
		case <-h.Done():
		case <-time.After(killWait):
			return fmt.Errorf("pid %d: %w", h.PID, ErrStillAlive)
		}
	}
	// the leader is gone; make sure nothing it forked keeps a port bound
	for _, k := range kids {
		if pidAlive(k.pid) && sameProcess(k) {
			_ = signalPID(k.pid, true)
		}
	}
	return nil
}

func (l *OSLauncher) IsAlive(h *Handle) bool {
	if h == nil || h.PID <= 0 || h.Exited() {
		return false
	}
	if !pidAlive(h.PID) {
		return false
	}
	if h.startUnix != 0 {
		if now := getProcStartUnix(h.PID); now != 0 && now != h.startUnix {
			return false
		}
	}
	return true
}

// teeWriter feeds the line splitter and, best-effort, a raw log file. A failing
// log file must not break the pipe to the child.
func teeWriter(lw *lineWriter, raw io.Writer) io.Writer {
	if raw == nil {
		return lw
	}
	return tee{lw: lw, raw: raw}
}

type tee struct {
	lw  *lineWriter
	raw io.Writer
}

func (t tee) Write(p []byte) (int, error) {
	_, _ = t.raw.Write(p)
	return t.lw.Write(p)
}

func closeQuietly(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
