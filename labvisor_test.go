package labvisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/labvisor/internal/port"
	"github.com/loykin/labvisor/internal/readiness"
	"github.com/loykin/labvisor/pkg/client"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func newFacade(t *testing.T) *Manager {
	t.Helper()
	ports, err := port.NewAllocator("127.0.0.1", 47600, 47649)
	require.NoError(t, err)
	m, err := New(Options{
		Root:         t.TempDir(),
		Command:      "echo 'Local: http://127.0.0.1:{port}/'; exec sleep 30",
		Ports:        ports,
		Readiness:    readiness.MarkerCheck{},
		ReadyTimeout: 5 * time.Second,
		StopWait:     2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestManagerFacadeStartStop(t *testing.T) {
	requireUnix(t)
	m := newFacade(t)
	require.NoError(t, os.Mkdir(filepath.Join(m.Root(), "v1"), 0o755))

	ctx := context.Background()
	v, err := m.Start(ctx, "v1", 0)
	require.NoError(t, err)
	assert.Equal(t, Status("running"), v.Status)
	assert.Positive(t, v.PID)
	assert.GreaterOrEqual(t, v.Port, 47600)

	_, err = m.Start(ctx, "v1", 0)
	assert.True(t, IsKind(err, KindAlreadyRunning), "got %v", err)

	v, err = m.Stop(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, Status("stopped"), v.Status)

	_, err = m.Stop(ctx, "v1")
	assert.True(t, IsKind(err, KindNotRunning), "got %v", err)
}

func TestManagerFacadeMaintenance(t *testing.T) {
	m := newFacade(t)
	ctx := context.Background()
	require.NoError(t, os.Mkdir(filepath.Join(m.Root(), "old"), 0o755))

	_, err := m.MoveToTrash(ctx, "old")
	require.NoError(t, err)
	trash, err := m.ListTrash()
	require.NoError(t, err)
	require.Len(t, trash, 1)
	assert.Equal(t, "old", trash[0].ID)

	_, err = m.Restore(ctx, "old")
	require.NoError(t, err)
	vs, err := m.ListVersions()
	require.NoError(t, err)
	require.Len(t, vs, 1)

	_, err = m.Get("missing")
	assert.True(t, IsKind(err, KindNotFound))
	assert.False(t, IsKind(nil, KindNotFound))
}

func TestManagerFacadeHandler(t *testing.T) {
	m := newFacade(t)
	srv := httptest.NewServer(m.Handler(HandlerOptions{BasePath: "/api"}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "labvisor.toml")
	body := `
[labs]
root = "labs"

[launch]
base_port = 47650
max_port = 47699

[watch]
enabled = true
debounce = "50ms"

[maintenance]
purge_schedule = "@every 1h"
purge_older_than = "1h"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	c, err := LoadConfig(path)
	require.NoError(t, err)
	return c
}

func TestSupervisorOpenStartClose(t *testing.T) {
	c := testConfig(t)
	s, err := Open(c, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NotNil(t, s.Scheduler())
	assert.False(t, s.Auth().Enabled())
	assert.False(t, s.Scheduler().Next("purge-trash").IsZero())

	sub := s.Subscribe()
	defer sub.Cancel()
	first := <-sub.C
	assert.Empty(t, first.State)

	// a directory created outside the API shows up in a state broadcast
	require.NoError(t, os.Mkdir(filepath.Join(s.Root(), "external"), 0o755))
	deadline := time.After(5 * time.Second)
	for found := false; !found; {
		select {
		case msg, ok := <-sub.C:
			require.True(t, ok)
			for _, v := range msg.State {
				if v.ID == "external" {
					found = true
				}
			}
		case <-deadline:
			t.Fatal("no state update after external change")
		}
	}

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/versions")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
}

func TestSupervisorOpenErrors(t *testing.T) {
	_, err := Open(nil, nil)
	assert.Error(t, err)

	c := testConfig(t)
	c.Maintenance.PurgeSchedule = "not a schedule"
	_, err = Open(c, nil)
	assert.Error(t, err)

	c = testConfig(t)
	c.History.DSNs = []string{"mysql://nope"}
	_, err = Open(c, nil)
	assert.Error(t, err)
}

func TestMetricsHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	require.NoError(t, RegisterMetrics(reg))

	srv, err := ServeMetrics("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	m := newFacade(t)
	api, err := NewHTTPServer("127.0.0.1:0", m.Handler(HandlerOptions{BasePath: "/api"}), nil)
	require.NoError(t, err)
	defer func() { _ = api.Close() }()
	resp, err = http.Get("http://" + api.Addr + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSupervisorServeTLS(t *testing.T) {
	c := testConfig(t)
	c.Server.Listen = "127.0.0.1:0"
	c.Server.TLS.Enabled = true
	c.Server.TLS.Dir = filepath.Join(t.TempDir(), "certs")
	c.Server.TLS.AutoGenerate = true
	s, err := Open(c, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close(context.Background()) }()

	srv, err := s.Serve()
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	cl, err := client.New(client.Config{
		BaseURL: "https://" + srv.Addr + "/api",
		Timeout: 5 * time.Second,
		TLS:     &client.TLSClientConfig{CACert: filepath.Join(c.Server.TLS.Dir, "tls.crt")},
	})
	require.NoError(t, err)
	h, err := cl.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
}
