package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/labvisor/internal/broadcast"
	"github.com/loykin/labvisor/internal/history"
	"github.com/loykin/labvisor/internal/maintenance"
	"github.com/loykin/labvisor/internal/metrics"
	"github.com/loykin/labvisor/internal/process"
	"github.com/loykin/labvisor/internal/readiness"
	"github.com/loykin/labvisor/internal/version"
)

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionExited
	actionIngest
	actionTrash
	actionRestore
	actionArchive
	actionRestoreArchive
	actionSnapshot
	actionDelete
	actionReconcile
	actionShutdown
)

func (a commandAction) String() string {
	switch a {
	case actionStart:
		return "start"
	case actionStop:
		return "stop"
	case actionExited:
		return "exited"
	case actionIngest:
		return "upload"
	case actionTrash:
		return "trash"
	case actionRestore:
		return "restore"
	case actionArchive:
		return "archive"
	case actionRestoreArchive:
		return "restore-archive"
	case actionSnapshot:
		return "snapshot"
	case actionDelete:
		return "delete"
	case actionReconcile:
		return "reconcile"
	case actionShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type result struct {
	version version.Version
	entry   maintenance.Entry
	dropped bool
	err     error
}

type command struct {
	action commandAction
	port   int
	handle *process.Handle
	upload io.Reader
	name   string
	reply  chan result
}

// versionActor owns everything about one version id. All operations on the id
// run on its goroutine in arrival order; different ids never wait on each other.
type versionActor struct {
	id       string
	m        *Manager
	cmdChan  chan command
	doneChan chan struct{}

	// owned by the actor goroutine
	handle *process.Handle
	port   int
}

func newVersionActor(m *Manager, id string) *versionActor {
	a := &versionActor{
		id:       id,
		m:        m,
		cmdChan:  make(chan command, 16),
		doneChan: make(chan struct{}),
	}
	go a.run()
	return a
}

// submit queues cmd and waits for its result or for ctx. A command carrying
// the caller's upload stream is always waited for once queued, since the actor
// reads from it.
func (a *versionActor) submit(ctx context.Context, cmd command) result {
	cmd.reply = make(chan result, 1)
	select {
	case a.cmdChan <- cmd:
	case <-a.doneChan:
		return result{err: version.NewError(version.KindInternal, a.id, "supervisor is shutting down")}
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
	if cmd.upload != nil {
		ctx = context.WithoutCancel(ctx)
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-a.doneChan:
		select {
		case r := <-cmd.reply:
			return r
		default:
			return result{err: version.NewError(version.KindInternal, a.id, "supervisor is shutting down")}
		}
	case <-ctx.Done():
		// the command still runs to completion on the actor
		return result{err: ctx.Err()}
	}
}

// notify queues cmd without waiting for a result.
func (a *versionActor) notify(cmd command) {
	select {
	case a.cmdChan <- cmd:
	case <-a.doneChan:
	}
}

func (a *versionActor) run() {
	defer close(a.doneChan)
	for cmd := range a.cmdChan {
		r := a.handle1(cmd)
		if cmd.reply != nil {
			cmd.reply <- r
		}
		if cmd.action == actionShutdown {
			return
		}
	}
}

// handle1 dispatches one command, turning panics into Internal errors.
func (a *versionActor) handle1(cmd command) (r result) {
	defer func() {
		if p := recover(); p != nil {
			a.m.log.Error("version actor panic", "version", a.id, "action", cmd.action.String(), "panic", p, "stack", string(debug.Stack()))
			r = result{err: version.NewError(version.KindInternal, a.id, "%s failed: %v", cmd.action, p)}
			a.m.publishLog(a.id, broadcast.LogError, r.err.Error())
		}
	}()
	switch cmd.action {
	case actionStart:
		v, err := a.start(cmd.port)
		return result{version: v, err: err}
	case actionStop:
		v, err := a.stop()
		return result{version: v, err: err}
	case actionExited:
		a.exited(cmd.handle)
	case actionIngest:
		v, err := a.ingest(cmd.upload, cmd.name)
		return result{version: v, err: err}
	case actionTrash:
		return a.move(cmd.action, a.m.store.MoveToTrash, history.EventTrash, false)
	case actionArchive:
		return a.move(cmd.action, a.m.store.Archive, "", false)
	case actionRestore:
		return a.move(cmd.action, a.m.store.Restore, history.EventRestore, true)
	case actionRestoreArchive:
		return a.move(cmd.action, a.m.store.RestoreArchive, history.EventRestore, true)
	case actionSnapshot:
		e, err := a.m.store.Snapshot(a.id)
		if err == nil {
			a.m.publishLog(a.id, broadcast.LogSuccess, "snapshot "+e.ID+" saved")
		}
		return result{entry: e, err: err}
	case actionDelete:
		return result{err: a.delete()}
	case actionReconcile:
		dropped, err := a.reconcile()
		return result{dropped: dropped, err: err}
	case actionShutdown:
		a.shutdown()
	}
	return result{}
}

func (a *versionActor) alive() bool {
	return a.handle != nil && a.m.launcher.IsAlive(a.handle)
}

func (a *versionActor) dir() string { return filepath.Join(a.m.opts.Root, a.id) }

func (a *versionActor) start(requested int) (version.Version, error) {
	if a.alive() {
		cur, _ := a.m.reg.Get(a.id)
		return cur, version.NewError(version.KindAlreadyRunning, a.id, "already running on port %d (pid %d)", a.port, a.handle.PID)
	}
	if a.handle != nil {
		// exited but the exit notification is still queued
		a.markCrashed(a.handle, "process exited")
	}
	if fi, err := os.Stat(a.dir()); err != nil || !fi.IsDir() {
		return version.Version{}, version.NewError(version.KindNotFound, a.id, "version directory does not exist")
	}
	if err := a.install(); err != nil {
		return a.fail(err)
	}

	attempts := a.m.opts.PortAttempts
	if requested > 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		p, err := a.reservePort(requested, attempt)
		if err != nil {
			return a.fail(err)
		}
		v, retry, err := a.launch(p)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !retry || attempt == attempts-1 {
			break
		}
		a.m.publishLog(a.id, broadcast.LogWarn, fmt.Sprintf("port %d is busy, retrying on another port", p))
	}
	if a.m.ctx.Err() != nil {
		return version.Version{}, lastErr
	}
	return a.fail(lastErr)
}

// reservePort picks the requested port or the next automatic candidate. Automatic
// ports start at base + number of active versions so that concurrent labs fan out.
func (a *versionActor) reservePort(requested, attempt int) (int, error) {
	if requested > 0 {
		if err := a.m.opts.Ports.ReserveExact(a.id, requested); err != nil {
			return 0, err
		}
		return requested, nil
	}
	offset := a.m.reg.CountActive() + attempt
	return a.m.opts.Ports.Reserve(a.id, offset)
}

// launch spawns the dev server on p and waits for readiness. retry reports
// whether another port may help.
func (a *versionActor) launch(p int) (v version.Version, retry bool, err error) {
	m := a.m
	cmdLine := strings.ReplaceAll(m.opts.Command, "{port}", strconv.Itoa(p))
	stdout, stderr, lerr := m.opts.ProcessLogs.ProcessWriters(a.id)
	if lerr != nil {
		m.log.Warn("process log files unavailable", "version", a.id, "error", lerr)
	}

	lines := make(chan string, 256)
	h, err := m.launcher.Spawn(m.ctx, process.Spec{
		Name:    a.id,
		Command: cmdLine,
		WorkDir: a.dir(),
		Env:     m.opts.Env.Merge([]string{"PORT=" + strconv.Itoa(p), "LABVISOR_VERSION=" + a.id}),
		Stdout:  stdout,
		Stderr:  stderr,
		OnLine: func(_ process.Stream, line string) {
			select {
			case lines <- line:
			default:
			}
			if strings.TrimSpace(line) != "" {
				m.publishLog(a.id, broadcast.LogInfo, line)
			}
		},
	})
	if err != nil {
		m.opts.Ports.Release(p)
		return version.Version{}, false, version.NewError(version.KindSpawnFailure, a.id, "spawn %q", cmdLine).WithCause(err)
	}

	a.handle, a.port = h, p
	started := h.StartedAt
	a.transition(func(v *version.Version) {
		v.Status = version.StatusStarting
		v.Port = p
		v.PID = h.PID
		v.StartedAt = &started
		v.LastError = ""
	})
	m.publishLog(a.id, broadcast.LogInfo, fmt.Sprintf("starting on port %d (pid %d)", p, h.PID))

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ReadyTimeout)
	err = m.opts.Readiness.Wait(ctx, readiness.Target{Port: p, Lines: lines, Exited: h.Done()})
	cancel()

	switch {
	case err == nil:
		v = a.transition(func(v *version.Version) { v.Status = version.StatusRunning })
		metrics.IncStart(a.id)
		metrics.ObserveReadyDuration(a.id, time.Since(started).Seconds())
		m.publishLog(a.id, broadcast.LogSuccess, fmt.Sprintf("running at http://localhost:%d", p))
		m.emit(history.EventStart, v)
		go a.watch(h)
		return v, false, nil

	case errors.Is(err, readiness.ErrExited):
		a.handle, a.port = nil, 0
		m.opts.Ports.Release(p)
		ve := version.NewError(version.KindSpawnFailure, a.id, "process exited before becoming ready").
			WithCause(h.ExitErr()).WithOutput(h.Tail())
		busy := h.OutputContains("address already in use") || h.OutputContains("EADDRINUSE") ||
			h.OutputContains("is already in use")
		if busy {
			ve.Kind = version.KindPortUnavailable
		}
		return version.Version{}, busy, ve

	default:
		// timed out, or the supervisor is shutting down
		_ = m.launcher.TerminateTree(h, m.opts.StopWait)
		a.handle, a.port = nil, 0
		m.opts.Ports.Release(p)
		if m.ctx.Err() != nil {
			a.transition(func(v *version.Version) { v.Status = version.StatusStopped })
			return version.Version{}, false, version.NewError(version.KindInternal, a.id, "supervisor is shutting down")
		}
		return version.Version{}, false, version.NewError(version.KindTimeout, a.id,
			"not ready after %s (%s)", m.opts.ReadyTimeout, m.opts.Readiness.Describe()).WithOutput(h.Tail())
	}
}

// install runs the install command when the marker is missing.
func (a *versionActor) install() error {
	m := a.m
	if m.opts.InstallCommand == "" || m.opts.InstallMarker == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Join(a.dir(), m.opts.InstallMarker)); err == nil {
		return nil
	}
	m.publishLog(a.id, broadcast.LogInfo, "installing dependencies: "+m.opts.InstallCommand)
	h, err := m.launcher.Spawn(m.ctx, process.Spec{
		Name:    a.id + ".install",
		Command: m.opts.InstallCommand,
		WorkDir: a.dir(),
		Env:     m.opts.Env.Merge(nil),
		OnLine: func(_ process.Stream, line string) {
			if strings.TrimSpace(line) != "" {
				m.publishLog(a.id, broadcast.LogInfo, line)
			}
		},
	})
	if err != nil {
		return version.NewError(version.KindSpawnFailure, a.id, "spawn install command").WithCause(err)
	}
	timer := time.NewTimer(m.opts.InstallTimeout)
	defer timer.Stop()
	select {
	case <-h.Done():
	case <-timer.C:
		_ = m.launcher.TerminateTree(h, m.opts.StopWait)
		return version.NewError(version.KindTimeout, a.id, "install did not finish within %s", m.opts.InstallTimeout).WithOutput(h.Tail())
	case <-m.ctx.Done():
		_ = m.launcher.TerminateTree(h, m.opts.StopWait)
		return version.NewError(version.KindInternal, a.id, "supervisor is shutting down")
	}
	if err := h.ExitErr(); err != nil {
		return version.NewError(version.KindSpawnFailure, a.id, "install failed").WithCause(err).WithOutput(h.Tail())
	}
	m.publishLog(a.id, broadcast.LogSuccess, "dependencies installed")
	return nil
}

// fail records a failed start: crashed status, error log, metrics, history.
func (a *versionActor) fail(err error) (version.Version, error) {
	ve := version.AsError(a.id, err)
	if ve.ID == "" {
		ve.ID = a.id
	}
	v := a.transition(func(v *version.Version) {
		v.Status = version.StatusCrashed
		v.LastError = ve.Error()
	})
	metrics.IncCrash(a.id)
	metrics.IncStartFailure(string(ve.Kind))
	msg := ve.Error()
	if len(ve.Output) > 0 {
		msg += "\n" + strings.Join(lastN(ve.Output, 10), "\n")
	}
	a.m.publishLog(a.id, broadcast.LogError, msg)
	a.m.emit(history.EventCrash, v)
	return v, ve
}

func (a *versionActor) stop() (version.Version, error) {
	if !a.alive() {
		if a.handle != nil {
			a.markCrashed(a.handle, "process exited")
		}
		cur, _ := a.m.reg.Get(a.id)
		return cur, version.NewError(version.KindNotRunning, a.id, "not running")
	}
	h := a.handle
	a.m.publishLog(a.id, broadcast.LogInfo, fmt.Sprintf("stopping pid %d", h.PID))
	// cleared first so the exit watcher does not report a crash
	a.handle = nil
	if err := a.m.launcher.TerminateTree(h, a.m.opts.StopWait); err != nil && a.m.launcher.IsAlive(h) {
		// keep the handle and the port so another stop can finish the job
		a.handle = h
		v := a.transition(func(v *version.Version) { v.LastError = "stop: " + err.Error() })
		a.m.publishLog(a.id, broadcast.LogError, "stop: "+err.Error())
		return v, version.NewError(version.KindInternal, a.id, "process tree did not exit").WithCause(err)
	}
	a.m.opts.Ports.Release(a.port)
	a.port = 0
	v := a.transition(func(v *version.Version) { v.Status = version.StatusStopped })
	metrics.IncStop(a.id)
	a.m.emit(history.EventStop, v)
	a.m.publishLog(a.id, broadcast.LogSuccess, "stopped")
	return v, nil
}

// watch reports an exit that nobody asked for.
func (a *versionActor) watch(h *process.Handle) {
	select {
	case <-h.Done():
		a.notify(command{action: actionExited, handle: h})
	case <-a.doneChan:
	}
}

func (a *versionActor) exited(h *process.Handle) {
	if h == nil || a.handle != h {
		return
	}
	msg := "process exited"
	if err := h.ExitErr(); err != nil {
		msg = "process exited: " + err.Error()
	}
	a.markCrashed(h, msg)
}

func (a *versionActor) markCrashed(h *process.Handle, msg string) {
	a.handle = nil
	a.m.opts.Ports.Release(a.port)
	a.port = 0
	v := a.transition(func(v *version.Version) {
		v.Status = version.StatusCrashed
		v.LastError = msg
	})
	metrics.IncCrash(a.id)
	text := msg
	if tail := h.Tail(); len(tail) > 0 {
		text += "\n" + strings.Join(lastN(tail, 10), "\n")
	}
	a.m.publishLog(a.id, broadcast.LogError, text)
	a.m.emit(history.EventCrash, v)
}

// check verifies liveness for the reconciler.
func (a *versionActor) check() {
	if a.handle != nil && !a.m.launcher.IsAlive(a.handle) {
		a.markCrashed(a.handle, "process is no longer alive")
		return
	}
	if a.handle == nil {
		cur, ok := a.m.reg.Get(a.id)
		if ok && cur.Active() {
			a.transition(func(v *version.Version) {
				v.Status = version.StatusCrashed
				v.LastError = "no process handle"
			})
		}
	}
}

// reconcile drops the registry entry when the directory is gone, stopping a
// process still serving it, and otherwise verifies liveness.
func (a *versionActor) reconcile() (bool, error) {
	if dirExists(a.dir()) {
		a.check()
		return false, nil
	}
	if _, ok := a.m.reg.Get(a.id); !ok {
		return false, nil
	}
	if a.alive() {
		if _, err := a.stop(); err != nil {
			return false, err
		}
	} else if a.handle != nil {
		a.handle = nil
		a.m.opts.Ports.Release(a.port)
		a.port = 0
	}
	a.m.reg.Remove(a.id)
	a.m.publishLog(a.id, broadcast.LogWarn, "version directory disappeared, dropped from registry")
	return true, nil
}

func (a *versionActor) ingest(r io.Reader, name string) (version.Version, error) {
	m := a.m
	if a.alive() {
		return version.Version{}, version.NewError(version.KindConflict, a.id, "version is running, stop it first")
	}
	m.publishLog(a.id, broadcast.LogInfo, "uploading "+name)
	id, dir, err := m.ingestor.Ingest(m.ctx, r, name, func(msg string) {
		m.publishLog(a.id, broadcast.LogInfo, msg)
	})
	if err != nil {
		metrics.IncUpload("error")
		ve := version.AsError(a.id, err)
		m.publishLog(a.id, broadcast.LogError, "upload failed: "+ve.Error())
		return version.Version{}, ve
	}
	v := a.transition(func(v *version.Version) {
		v.Status = version.StatusStopped
		v.Path = dir
		v.LastError = ""
	})
	metrics.IncUpload("ok")
	m.publishLog(id, broadcast.LogSuccess, "uploaded "+name+" as "+id)
	m.emit(history.EventUpload, v)
	return v, nil
}

// move runs a maintenance move. Running versions must be stopped first.
func (a *versionActor) move(action commandAction, fn func(string) (maintenance.Entry, error), ev history.EventType, toActive bool) result {
	m := a.m
	if a.alive() {
		return result{err: version.NewError(version.KindConflict, a.id, "version is running, stop it first")}
	}
	m.trashMu.Lock()
	e, err := fn(a.id)
	m.trashMu.Unlock()
	if err != nil {
		m.publishLog(a.id, broadcast.LogError, action.String()+" failed: "+err.Error())
		return result{err: err}
	}
	var v version.Version
	if toActive {
		v = a.transition(func(v *version.Version) {
			v.Status = version.StatusStopped
			v.Path = e.Path
			v.LastError = ""
		})
	} else {
		a.handle = nil
		m.reg.Remove(a.id)
		m.hub.PublishState()
		v = version.Version{ID: a.id, Path: e.Path, Status: version.StatusStopped}
	}
	m.publishLog(a.id, broadcast.LogSuccess, fmt.Sprintf("%s done", action))
	if ev != "" {
		m.emit(ev, v)
	}
	return result{version: v, entry: e}
}

func (a *versionActor) delete() error {
	if a.alive() {
		return version.NewError(version.KindConflict, a.id, "version is running, stop it first")
	}
	if err := a.m.store.Delete(a.id); err != nil {
		return err
	}
	a.handle = nil
	a.m.reg.Remove(a.id)
	a.m.hub.PublishState()
	a.m.publishLog(a.id, broadcast.LogSuccess, "deleted")
	a.m.emit(history.EventDelete, version.Version{ID: a.id, Status: version.StatusStopped})
	return nil
}

func (a *versionActor) shutdown() {
	if a.handle == nil {
		return
	}
	h := a.handle
	a.handle = nil
	_ = a.m.launcher.TerminateTree(h, a.m.opts.StopWait)
	a.m.opts.Ports.Release(a.port)
	a.port = 0
	a.transition(func(v *version.Version) { v.Status = version.StatusStopped })
}

// transition applies patch, records the state change and broadcasts.
func (a *versionActor) transition(patch func(*version.Version)) version.Version {
	prev, next := a.m.reg.Upsert(a.id, func(v *version.Version) {
		if v.Path == "" {
			v.Path = a.dir()
		}
		patch(v)
	})
	if prev.Status != next.Status {
		metrics.RecordStateTransition(a.id, string(prev.Status), string(next.Status))
		a.m.log.Info("version state changed", "version", a.id, "from", prev.Status, "to", next.Status, "port", next.Port, "pid", next.PID)
	}
	metrics.SetRunning(a.m.reg.CountActive())
	a.m.hub.PublishState()
	return next
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
