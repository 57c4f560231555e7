// Package manager supervises the versions under the active root: it starts and
// stops their dev servers, ingests uploads and moves versions between areas.
package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/labvisor/internal/archive"
	"github.com/loykin/labvisor/internal/broadcast"
	"github.com/loykin/labvisor/internal/history"
	"github.com/loykin/labvisor/internal/maintenance"
	"github.com/loykin/labvisor/internal/metrics"
	"github.com/loykin/labvisor/internal/process"
	"github.com/loykin/labvisor/internal/registry"
	"github.com/loykin/labvisor/internal/scanner"
	"github.com/loykin/labvisor/internal/version"
)

// historyQueue bounds pending history events.
const historyQueue = 256

// Manager is the supervisor. All methods are safe for concurrent use.
type Manager struct {
	opts     Options
	log      *slog.Logger
	reg      *registry.Registry
	hub      *broadcast.Hub
	scan     scanner.Scanner
	launcher process.Launcher
	ingestor *archive.Ingestor
	store    *maintenance.Store

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	actors  map[string]*versionActor
	closed  bool
	trashMu sync.Mutex

	history    *history.Fanout
	historyMu  sync.RWMutex
	historyCh  chan history.Event
	histClosed bool
	histWG     sync.WaitGroup
	bg         sync.WaitGroup
}

// New creates a Manager and the active root if needed.
func New(opts Options) (*Manager, error) {
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(o.Root, 0o755); err != nil {
		return nil, version.NewError(version.KindIOFailure, "", "create versions root %s", o.Root).WithCause(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     o,
		log:      o.Logger.With("component", "manager"),
		reg:      registry.New(),
		scan:     scanner.Scanner{Root: o.Root},
		launcher: o.Launcher,
		ingestor: archive.NewIngestor(o.Root, o.Upload, o.Logger),
		store:    maintenance.NewStore(o.Layout, o.Logger),
		ctx:      ctx,
		cancel:   cancel,
		actors:   make(map[string]*versionActor),
		history:  history.NewFanout(o.Logger, o.History...),
	}
	m.hub = broadcast.NewHub(m.snapshot, broadcast.DefaultBuffer, o.Logger)
	if m.history.Len() > 0 {
		m.historyCh = make(chan history.Event, historyQueue)
		m.histWG.Add(1)
		go m.historyLoop()
	}
	if o.ReconcileInterval > 0 {
		m.StartReconciler(o.ReconcileInterval)
	}
	return m, nil
}

// Root returns the active versions directory.
func (m *Manager) Root() string { return m.opts.Root }

// Hub exposes the broadcaster for transports.
func (m *Manager) Hub() *broadcast.Hub { return m.hub }

// Subscribe registers an event subscriber; the first message is the current state.
func (m *Manager) Subscribe() *broadcast.Subscription { return m.hub.Subscribe() }

// ListVersions merges the directories on disk with the registry.
func (m *Manager) ListVersions() ([]version.Version, error) {
	list, _, err := m.scan.Snapshot(m.reg.List())
	if err != nil {
		return list, version.NewError(version.KindIOFailure, "", "scan versions root").WithCause(err)
	}
	return list, nil
}

// Get returns one version.
func (m *Manager) Get(id string) (version.Version, error) {
	list, err := m.ListVersions()
	if err != nil {
		return version.Version{}, err
	}
	for _, v := range list {
		if v.ID == id {
			return v, nil
		}
	}
	return version.Version{}, version.NewError(version.KindNotFound, id, "version does not exist")
}

func (m *Manager) snapshot() []version.Version {
	list, err := m.ListVersions()
	if err != nil {
		m.log.Warn("snapshot failed", "error", err)
	}
	return list
}

// actor returns the actor for id, creating it on first use.
func (m *Manager) actor(id string) (*versionActor, error) {
	if err := version.ValidateID(id); err != nil {
		return nil, version.NewError(version.KindNotFound, id, "invalid version id").WithCause(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, version.NewError(version.KindInternal, id, "supervisor is shutting down")
	}
	a, ok := m.actors[id]
	if !ok {
		a = newVersionActor(m, id)
		m.actors[id] = a
	}
	return a, nil
}

func (m *Manager) do(ctx context.Context, id string, cmd command) result {
	a, err := m.actor(id)
	if err != nil {
		return result{err: err}
	}
	return a.submit(ctx, cmd)
}

// Start launches id on port, or on an automatically chosen port when port is 0,
// and returns once the version is running or the start failed.
func (m *Manager) Start(ctx context.Context, id string, port int) (version.Version, error) {
	r := m.do(ctx, id, command{action: actionStart, port: port})
	return r.version, r.err
}

// Stop terminates the process tree of id.
func (m *Manager) Stop(ctx context.Context, id string) (version.Version, error) {
	r := m.do(ctx, id, command{action: actionStop})
	return r.version, r.err
}

// Upload extracts an archive into a new stopped version named after the file.
func (m *Manager) Upload(ctx context.Context, r io.Reader, name string) (version.Version, error) {
	id, _ := archive.IDFromName(name)
	if err := version.ValidateID(id); err != nil {
		metrics.IncUpload("error")
		e := version.NewError(version.KindInvalidArchive, id, "bad archive name %q", name).WithCause(err)
		m.publishLog(SystemID, broadcast.LogError, "upload failed: "+e.Error())
		return version.Version{}, e
	}
	res := m.do(ctx, id, command{action: actionIngest, upload: r, name: name})
	return res.version, res.err
}

func (m *Manager) MoveToTrash(ctx context.Context, id string) (maintenance.Entry, error) {
	r := m.do(ctx, id, command{action: actionTrash})
	return r.entry, r.err
}

func (m *Manager) Restore(ctx context.Context, id string) (version.Version, error) {
	r := m.do(ctx, id, command{action: actionRestore})
	return r.version, r.err
}

func (m *Manager) Archive(ctx context.Context, id string) (maintenance.Entry, error) {
	r := m.do(ctx, id, command{action: actionArchive})
	return r.entry, r.err
}

func (m *Manager) RestoreArchive(ctx context.Context, id string) (version.Version, error) {
	r := m.do(ctx, id, command{action: actionRestoreArchive})
	return r.version, r.err
}

func (m *Manager) Snapshot(ctx context.Context, id string) (maintenance.Entry, error) {
	r := m.do(ctx, id, command{action: actionSnapshot})
	return r.entry, r.err
}

// Delete permanently removes a stopped version.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.do(ctx, id, command{action: actionDelete}).err
}

func (m *Manager) ListTrash() ([]maintenance.Entry, error)   { return m.store.ListTrash() }
func (m *Manager) ListArchive() ([]maintenance.Entry, error) { return m.store.ListArchive() }

func (m *Manager) ListSnapshots(id string) ([]maintenance.Entry, error) {
	return m.store.ListSnapshots(id)
}

// EmptyTrash permanently deletes everything in the trash.
func (m *Manager) EmptyTrash() ([]string, error) {
	m.trashMu.Lock()
	removed, err := m.store.EmptyTrash()
	m.trashMu.Unlock()
	m.reportPurge("trash emptied", removed, err)
	return removed, err
}

// PurgeTrash deletes trash entries older than olderThan.
func (m *Manager) PurgeTrash(olderThan time.Duration) ([]string, error) {
	m.trashMu.Lock()
	removed, err := m.store.PurgeTrash(olderThan)
	m.trashMu.Unlock()
	if len(removed) > 0 || err != nil {
		m.reportPurge("old trash purged", removed, err)
	}
	return removed, err
}

func (m *Manager) reportPurge(what string, removed []string, err error) {
	if err != nil {
		m.publishLog(SystemID, broadcast.LogError, what+" with errors: "+err.Error())
		return
	}
	for _, id := range removed {
		m.emit(history.EventDelete, version.Version{ID: id, Status: version.StatusStopped})
	}
	m.publishLog(SystemID, broadcast.LogSuccess, what)
}

// Stats samples CPU and memory of a running version's process tree.
func (m *Manager) Stats(ctx context.Context, id string) (metrics.TreeStats, error) {
	v, ok := m.reg.Get(id)
	if !ok || !v.Active() || v.PID <= 0 {
		return metrics.TreeStats{}, version.NewError(version.KindNotRunning, id, "not running")
	}
	st, err := metrics.SampleTree(ctx, v.PID)
	if err != nil {
		return st, version.NewError(version.KindNotRunning, id, "process not found").WithCause(err)
	}
	return st, nil
}

// Shutdown stops every version and releases resources. In-flight starts are aborted.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	actors := make([]*versionActor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	m.cancel()
	m.bg.Wait()

	var wg sync.WaitGroup
	errs := make([]error, len(actors))
	for i, a := range actors {
		wg.Add(1)
		go func(i int, a *versionActor) {
			defer wg.Done()
			errs[i] = a.submit(ctx, command{action: actionShutdown}).err
		}(i, a)
	}
	wg.Wait()

	m.hub.Close()
	m.historyMu.Lock()
	if m.historyCh != nil && !m.histClosed {
		close(m.historyCh)
	}
	m.histClosed = true
	m.historyMu.Unlock()
	m.histWG.Wait()
	errs = append(errs, m.history.Close())
	m.log.Info("manager shut down", "versions", len(actors))
	return errors.Join(errs...)
}

func (m *Manager) publishLog(id string, kind broadcast.LogKind, text string) {
	m.hub.PublishLog(id, kind, text)
	switch kind {
	case broadcast.LogError:
		m.log.Warn(text, "version", id)
	case broadcast.LogWarn, broadcast.LogSuccess:
		m.log.Info(text, "version", id)
	}
}

// emit queues a history event without blocking the caller.
func (m *Manager) emit(t history.EventType, v version.Version) {
	if m.historyCh == nil {
		return
	}
	ev := history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			VersionID: v.ID,
			PID:       v.PID,
			Port:      v.Port,
			Status:    string(v.Status),
			Error:     v.LastError,
			Path:      v.Path,
		},
	}
	m.historyMu.RLock()
	defer m.historyMu.RUnlock()
	if m.histClosed {
		return
	}
	select {
	case m.historyCh <- ev:
	default:
		m.log.Warn("history queue full, dropping event", "event", t, "version", v.ID)
	}
}

func (m *Manager) historyLoop() {
	defer m.histWG.Done()
	for ev := range m.historyCh {
		_ = m.history.Emit(context.Background(), ev)
	}
}
