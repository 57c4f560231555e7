package manager

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/labvisor/internal/broadcast"
	"github.com/loykin/labvisor/internal/port"
	"github.com/loykin/labvisor/internal/readiness"
	"github.com/loykin/labvisor/internal/version"
)

type harness struct {
	m    *Manager
	fake *fakeLauncher
	root string
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	root := t.TempDir()
	ports, err := port.NewAllocator("127.0.0.1", 47100, 47199)
	require.NoError(t, err)
	fake := newFakeLauncher()
	opts := Options{
		Root:         root,
		Command:      "vite --port {port}",
		Ports:        ports,
		Readiness:    readiness.MarkerCheck{Marker: readiness.DefaultMarker},
		ReadyTimeout: 300 * time.Millisecond,
		StopWait:     100 * time.Millisecond,
		Launcher:     fake,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return &harness{m: m, fake: fake, root: root}
}

func (h *harness) mkVersion(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, os.MkdirAll(filepath.Join(h.root, id), 0o755))
	}
}

func (h *harness) get(t *testing.T, id string) version.Version {
	t.Helper()
	v, err := h.m.Get(id)
	require.NoError(t, err)
	return v
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t)
	h.mkVersion(t, "v1")
	ctx := context.Background()

	v, err := h.m.Start(ctx, "v1", 0)
	require.NoError(t, err)
	assert.Equal(t, version.StatusRunning, v.Status)
	assert.GreaterOrEqual(t, v.Port, 47100)
	assert.Positive(t, v.PID)
	assert.NotNil(t, v.StartedAt)
	assert.Contains(t, h.fake.commands[0], "--port ")
	assert.Contains(t, h.fake.envs["v1"], "LABVISOR_VERSION=v1")

	_, err = h.m.Start(ctx, "v1", 0)
	assert.ErrorIs(t, err, version.ErrAlreadyRunning)
	list, err := h.m.ListVersions()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, version.StatusRunning, list[0].Status)

	v, err = h.m.Stop(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, version.StatusStopped, v.Status)
	assert.Zero(t, v.Port)
	assert.Zero(t, v.PID)
	assert.Equal(t, 1, h.fake.count(h.fake.terminated, "v1"))

	_, err = h.m.Stop(ctx, "v1")
	assert.ErrorIs(t, err, version.ErrNotRunning)
}

func TestStartUnknownVersion(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Start(context.Background(), "ghost", 0)
	assert.ErrorIs(t, err, version.ErrNotFound)
	_, err = h.m.Start(context.Background(), "../etc", 0)
	assert.ErrorIs(t, err, version.ErrNotFound)
	_, err = h.m.Start(context.Background(), "_Trash", 0)
	assert.ErrorIs(t, err, version.ErrNotFound)
}

func TestStartCrashBeforeReady(t *testing.T) {
	h := newHarness(t)
	h.mkVersion(t, "v1")
	h.fake.plan("v1", behaveCrash)
	sub := h.m.Subscribe()
	defer sub.Cancel()

	_, err := h.m.Start(context.Background(), "v1", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, version.ErrSpawnFailure)
	var ve *version.Error
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Output, "Error: Cannot find module 'vite'")

	v := h.get(t, "v1")
	assert.Equal(t, version.StatusCrashed, v.Status)
	assert.Zero(t, v.Port)
	assert.NotEmpty(t, v.LastError)

	sawError := false
	for !sawError {
		select {
		case msg := <-sub.C:
			sawError = msg.Type == broadcast.EventLog && msg.Log.Kind == broadcast.LogError && msg.Log.VersionID == "v1"
		case <-time.After(time.Second):
			t.Fatal("no error log broadcast")
		}
	}
}

func TestStartTimeoutKillsProcess(t *testing.T) {
	h := newHarness(t)
	h.mkVersion(t, "v1")
	h.fake.plan("v1", behaveHang)

	_, err := h.m.Start(context.Background(), "v1", 0)
	assert.ErrorIs(t, err, version.ErrTimeout)
	assert.Equal(t, 1, h.fake.count(h.fake.terminated, "v1"))
	assert.Equal(t, version.StatusCrashed, h.get(t, "v1").Status)

	// the port came back
	v, err := h.m.Start(context.Background(), "v1", 0)
	require.NoError(t, err)
	assert.Equal(t, version.StatusRunning, v.Status)
}

func TestStartRetriesBusyPort(t *testing.T) {
	h := newHarness(t)
	h.mkVersion(t, "v1")
	h.fake.plan("v1", behaveBusy, behaveReady)

	v, err := h.m.Start(context.Background(), "v1", 0)
	require.NoError(t, err)
	assert.Equal(t, version.StatusRunning, v.Status)
	assert.Equal(t, 2, h.fake.count(h.fake.spawns, "v1"))
}

func TestStartBusyPortExhaustsAttempts(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PortAttempts = 2 })
	h.mkVersion(t, "v1")
	h.fake.plan("v1", behaveBusy, behaveBusy, behaveReady)

	_, err := h.m.Start(context.Background(), "v1", 0)
	assert.ErrorIs(t, err, version.ErrPortUnavailable)
	assert.True(t, version.KindOf(err).Retryable())
	assert.Equal(t, 2, h.fake.count(h.fake.spawns, "v1"))
}

func TestExplicitPort(t *testing.T) {
	h := newHarness(t)
	h.mkVersion(t, "a", "b")
	ctx := context.Background()

	v, err := h.m.Start(ctx, "a", 47150)
	require.NoError(t, err)
	assert.Equal(t, 47150, v.Port)

	_, err = h.m.Start(ctx, "b", 47150)
	assert.ErrorIs(t, err, version.ErrPortUnavailable)
	assert.Equal(t, 1, h.fake.count(h.fake.spawns, "a"))
	assert.Equal(t, 0, h.fake.count(h.fake.spawns, "b"))
}

func TestUnexpectedExitMarksCrashed(t *testing.T) {
	h := newHarness(t)
	h.mkVersion(t, "v1")
	_, err := h.m.Start(context.Background(), "v1", 0)
	require.NoError(t, err)

	h.fake.kill("v1")
	eventually(t, func() bool { return h.get(t, "v1").Status == version.StatusCrashed })
	v := h.get(t, "v1")
	assert.Zero(t, v.PID)
	assert.Contains(t, v.LastError, "segmentation fault")

	_, err = h.m.Stop(context.Background(), "v1")
	assert.ErrorIs(t, err, version.ErrNotRunning)
}

func TestBulkStartIndependentFailures(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.BulkPace = 5 * time.Millisecond })
	h.mkVersion(t, "a", "b", "c")
	h.fake.plan("b", behaveCrash)

	out := h.m.BulkStart(context.Background(), []string{"a", "b", "c", "missing", "a"})
	require.Len(t, out, 4)
	byID := map[string]Outcome{}
	for _, o := range out {
		byID[o.ID] = o
	}
	assert.True(t, byID["a"].OK)
	assert.True(t, byID["c"].OK)
	assert.False(t, byID["b"].OK)
	assert.Equal(t, version.KindSpawnFailure, byID["b"].Code)
	assert.Equal(t, version.KindNotFound, byID["missing"].Code)
	assert.NotEqual(t, byID["a"].Version.Port, byID["c"].Version.Port)

	stopped := h.m.StopAll(context.Background())
	require.Len(t, stopped, 2)
	for _, o := range stopped {
		assert.True(t, o.OK, o.ID)
	}
	assert.Equal(t, version.StatusStopped, h.get(t, "a").Status)

	out = h.m.BulkStop(context.Background(), []string{"a"})
	assert.Equal(t, version.KindNotRunning, out[0].Code)
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestUploadTrashRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := zipArchive(t, map[string]string{"package.json": "{}"})

	v, err := h.m.Upload(ctx, bytes.NewReader(data), "demo.zip")
	require.NoError(t, err)
	assert.Equal(t, "demo", v.ID)
	assert.Equal(t, version.StatusStopped, v.Status)
	assert.Equal(t, version.StatusStopped, h.get(t, "demo").Status)

	_, err = h.m.Upload(ctx, bytes.NewReader(zipArchive(t, map[string]string{"package.json": "changed"})), "demo.zip")
	assert.ErrorIs(t, err, version.ErrAlreadyExists)
	b, _ := os.ReadFile(filepath.Join(h.root, "demo", "package.json"))
	assert.Equal(t, "{}", string(b))

	_, err = h.m.Upload(ctx, bytes.NewReader(zipArchive(t, map[string]string{"../../escape.txt": "x"})), "evil.zip")
	assert.ErrorIs(t, err, version.ErrInvalidArchive)
	assert.NoDirExists(t, filepath.Join(h.root, "evil"))

	_, err = h.m.MoveToTrash(ctx, "demo")
	require.NoError(t, err)
	_, err = h.m.Get("demo")
	assert.ErrorIs(t, err, version.ErrNotFound)
	trash, err := h.m.ListTrash()
	require.NoError(t, err)
	require.Len(t, trash, 1)

	v, err = h.m.Restore(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, version.StatusStopped, v.Status)
	assert.Equal(t, version.StatusStopped, h.get(t, "demo").Status)

	_, err = h.m.Restore(ctx, "demo")
	assert.ErrorIs(t, err, version.ErrNotFound)
}

func TestMaintenanceRefusesRunning(t *testing.T) {
	h := newHarness(t)
	h.mkVersion(t, "v1")
	ctx := context.Background()
	_, err := h.m.Start(ctx, "v1", 0)
	require.NoError(t, err)

	_, err = h.m.MoveToTrash(ctx, "v1")
	assert.ErrorIs(t, err, version.ErrConflict)
	_, err = h.m.Archive(ctx, "v1")
	assert.ErrorIs(t, err, version.ErrConflict)
	assert.ErrorIs(t, h.m.Delete(ctx, "v1"), version.ErrConflict)

	snap, err := h.m.Snapshot(ctx, "v1")
	require.NoError(t, err)
	snaps, err := h.m.ListSnapshots("v1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, snap.ID, snaps[0].ID)

	_, err = h.m.Stop(ctx, "v1")
	require.NoError(t, err)
	_, err = h.m.Archive(ctx, "v1")
	require.NoError(t, err)
	arch, _ := h.m.ListArchive()
	require.Len(t, arch, 1)
	_, err = h.m.RestoreArchive(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, h.m.Delete(ctx, "v1"))
	assert.NoDirExists(t, filepath.Join(h.root, "v1"))
}

func TestEmptyAndPurgeTrash(t *testing.T) {
	h := newHarness(t)
	h.mkVersion(t, "a", "b")
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := h.m.MoveToTrash(ctx, id)
		require.NoError(t, err)
	}
	removed, err := h.m.PurgeTrash(time.Hour)
	require.NoError(t, err)
	assert.Empty(t, removed)
	removed, err = h.m.EmptyTrash()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, removed)
}

func TestConcurrentStartStopKeepsRegistryConsistent(t *testing.T) {
	h := newHarness(t)
	h.mkVersion(t, "v1", "v2")
	ctx := context.Background()

	stop := make(chan struct{})
	var checker sync.WaitGroup
	checker.Add(1)
	go func() {
		defer checker.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, v := range h.m.reg.List() {
				if v.Status == version.StatusRunning {
					assert.Positive(t, v.PID, v.ID)
					assert.Positive(t, v.Port, v.ID)
				}
				if !v.Active() {
					assert.Zero(t, v.PID, v.ID)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, id := range []string{"v1", "v2"} {
			wg.Add(2)
			go func(id string) { defer wg.Done(); _, _ = h.m.Start(ctx, id, 0) }(id)
			go func(id string) { defer wg.Done(); _, _ = h.m.Stop(ctx, id) }(id)
		}
	}
	wg.Wait()
	close(stop)
	checker.Wait()

	for _, id := range []string{"v1", "v2"} {
		v := h.get(t, id)
		h.fake.mu.Lock()
		hd := h.fake.handles[id]
		h.fake.mu.Unlock()
		if v.Status == version.StatusRunning {
			assert.True(t, h.fake.IsAlive(hd))
		}
	}
	assert.LessOrEqual(t, h.m.reg.CountActive(), 2)
}

func TestSubscribeSeesStartingThenRunning(t *testing.T) {
	h := newHarness(t)
	h.mkVersion(t, "v1")
	sub := h.m.Subscribe()
	defer sub.Cancel()

	first := <-sub.C
	require.Equal(t, broadcast.EventState, first.Type)
	require.Len(t, first.State, 1)
	assert.Equal(t, version.StatusStopped, first.State[0].Status)

	_, err := h.m.Start(context.Background(), "v1", 0)
	require.NoError(t, err)

	var states []version.Status
	deadline := time.After(time.Second)
	for len(states) < 2 {
		select {
		case msg := <-sub.C:
			if msg.Type == broadcast.EventState {
				states = append(states, msg.State[0].Status)
			}
		case <-deadline:
			t.Fatalf("got states %v", states)
		}
	}
	assert.Equal(t, []version.Status{version.StatusStarting, version.StatusRunning}, states)
}

func TestReconcileDropsVanishedAndDeadVersions(t *testing.T) {
	h := newHarness(t)
	h.mkVersion(t, "gone", "dead")
	ctx := context.Background()
	for _, id := range []string{"gone", "dead"} {
		_, err := h.m.Start(ctx, id, 0)
		require.NoError(t, err)
	}
	require.NoError(t, os.RemoveAll(filepath.Join(h.root, "gone")))

	require.NoError(t, h.m.ReconcileOnce(ctx))
	_, ok := h.m.reg.Get("gone")
	assert.False(t, ok)
	assert.Equal(t, 1, h.fake.count(h.fake.terminated, "gone"))
	assert.Equal(t, version.StatusRunning, h.get(t, "dead").Status)
}

func TestReconcileWaitsForQueuedWork(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ReadyTimeout = 5 * time.Second })
	h.mkVersion(t, "v1")
	ctx := context.Background()
	_, err := h.m.Start(ctx, "v1", 0)
	require.NoError(t, err)
	_, err = h.m.Stop(ctx, "v1")
	require.NoError(t, err)

	gate := make(chan struct{})
	h.fake.mu.Lock()
	h.fake.gate = gate
	h.fake.mu.Unlock()
	h.fake.plan("v1", behaveGate)
	started := make(chan error, 1)
	go func() {
		_, err := h.m.Start(ctx, "v1", 0)
		started <- err
	}()
	eventually(t, func() bool { return h.fake.count(h.fake.spawns, "v1") == 2 })

	// the directory vanishes and comes back while the actor is busy
	dir := filepath.Join(h.root, "v1")
	require.NoError(t, os.Rename(dir, dir+".tmp"))
	reconciled := make(chan error, 1)
	go func() { reconciled <- h.m.ReconcileOnce(ctx) }()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.Rename(dir+".tmp", dir))
	close(gate)

	require.NoError(t, <-started)
	require.NoError(t, <-reconciled)
	assert.Equal(t, version.StatusRunning, h.get(t, "v1").Status)
}

func TestStopKeepsSurvivingProcessTracked(t *testing.T) {
	h := newHarness(t)
	h.mkVersion(t, "v1")
	ctx := context.Background()
	v, err := h.m.Start(ctx, "v1", 47150)
	require.NoError(t, err)
	require.Equal(t, 47150, v.Port)

	h.fake.setStuck("v1", true)
	_, err = h.m.Stop(ctx, "v1")
	require.Error(t, err)
	cur := h.get(t, "v1")
	assert.Equal(t, version.StatusRunning, cur.Status)
	assert.Equal(t, 47150, cur.Port)
	assert.Contains(t, cur.LastError, "did not exit")

	// the port stays reserved for the surviving process
	h.mkVersion(t, "other")
	_, err = h.m.Start(ctx, "other", 47150)
	assert.Error(t, err)

	h.fake.setStuck("v1", false)
	v, err = h.m.Stop(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, version.StatusStopped, v.Status)
	assert.Equal(t, 2, h.fake.count(h.fake.terminated, "v1"))
}

// startSignal closes started on the first Read.
type startSignal struct {
	io.Reader
	once    sync.Once
	started chan struct{}
}

func (s *startSignal) Read(p []byte) (int, error) {
	s.once.Do(func() { close(s.started) })
	return s.Reader.Read(p)
}

func TestUploadOutlivesCanceledCaller(t *testing.T) {
	h := newHarness(t)
	pr, pw := io.Pipe()
	body := &startSignal{Reader: pr, started: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	type res struct {
		v   version.Version
		err error
	}
	done := make(chan res, 1)
	go func() {
		v, err := h.m.Upload(ctx, body, "demo.zip")
		done <- res{v, err}
	}()

	<-body.started
	cancel()
	select {
	case <-done:
		t.Fatal("upload returned while the body was still being read")
	case <-time.After(100 * time.Millisecond):
	}

	_, err := pw.Write(zipArchive(t, map[string]string{"package.json": "{}"}))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "demo", r.v.ID)
	assert.FileExists(t, filepath.Join(h.root, "demo", "package.json"))
}

func TestReconcilerMarksDeadCrashed(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ReconcileInterval = 20 * time.Millisecond })
	h.mkVersion(t, "v1")
	_, err := h.m.Start(context.Background(), "v1", 0)
	require.NoError(t, err)
	h.fake.kill("v1")
	eventually(t, func() bool { return h.get(t, "v1").Status == version.StatusCrashed })
}

func TestInstallStepRunsWhenMarkerMissing(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.InstallCommand = "npm install"
		o.InstallMarker = "node_modules"
	})
	h.mkVersion(t, "v1")
	_, err := h.m.Start(context.Background(), "v1", 0)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(h.root, "v1", "node_modules"))
}

func TestStatsRequiresRunning(t *testing.T) {
	h := newHarness(t)
	h.mkVersion(t, "v1")
	_, err := h.m.Stats(context.Background(), "v1")
	assert.ErrorIs(t, err, version.ErrNotRunning)
}

func TestShutdownStopsEverything(t *testing.T) {
	h := newHarness(t)
	h.mkVersion(t, "a", "b")
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := h.m.Start(ctx, id, 0)
		require.NoError(t, err)
	}
	require.NoError(t, h.m.Shutdown(ctx))
	assert.Equal(t, 1, h.fake.count(h.fake.terminated, "a"))
	assert.Equal(t, 1, h.fake.count(h.fake.terminated, "b"))
	assert.Zero(t, h.m.reg.CountActive())

	_, err := h.m.Start(ctx, "a", 0)
	assert.Error(t, err)
	assert.NoError(t, h.m.Shutdown(ctx))
}
