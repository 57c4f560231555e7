package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/labvisor/internal/auth"
	mng "github.com/loykin/labvisor/internal/manager"
	"github.com/loykin/labvisor/internal/port"
	"github.com/loykin/labvisor/internal/process"
	"github.com/loykin/labvisor/internal/readiness"
	tlsconf "github.com/loykin/labvisor/internal/tls"
	"github.com/loykin/labvisor/internal/version"
)

// stubLauncher prints the readiness marker for every version except those
// whose id starts with "broken", which exit immediately.
type stubLauncher struct {
	mu  sync.Mutex
	pid int
}

func (s *stubLauncher) Spawn(_ context.Context, spec process.Spec) (*process.Handle, error) {
	s.mu.Lock()
	s.pid++
	h := process.NewHandle(2000+s.pid, 0)
	s.mu.Unlock()
	line := "  Local:   http://localhost/"
	if strings.HasPrefix(spec.Name, "broken") {
		line = "Error: Cannot find module 'vite'"
	}
	h.AddOutput(line)
	if spec.OnLine != nil {
		spec.OnLine(process.Stdout, line)
	}
	if strings.HasPrefix(spec.Name, "broken") {
		h.Finish(errors.New("exit status 1"))
	}
	return h, nil
}

func (s *stubLauncher) TerminateTree(h *process.Handle, _ time.Duration) error {
	h.Finish(errors.New("signal: terminated"))
	return nil
}

func (s *stubLauncher) IsAlive(h *process.Handle) bool { return h != nil && !h.Exited() }

func newTestManager(t *testing.T) (*mng.Manager, string) {
	t.Helper()
	root := t.TempDir()
	ports, err := port.NewAllocator("127.0.0.1", 47400, 47499)
	require.NoError(t, err)
	m, err := mng.New(mng.Options{
		Root:         root,
		Ports:        ports,
		Readiness:    readiness.MarkerCheck{Marker: readiness.DefaultMarker},
		ReadyTimeout: 300 * time.Millisecond,
		StopWait:     100 * time.Millisecond,
		Launcher:     &stubLauncher{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, root
}

func setupRouter(t *testing.T, base string, opts ...func(*Options)) (http.Handler, *mng.Manager, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m, root := newTestManager(t)
	o := Options{BasePath: base, PingInterval: 50 * time.Millisecond}
	for _, fn := range opts {
		fn(&o)
	}
	return NewRouter(m, o).Handler(), m, root
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func mkdirs(t *testing.T, root string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, os.MkdirAll(filepath.Join(root, id), 0o755))
	}
}

func TestSanitizeBase(t *testing.T) {
	assert.Equal(t, "", sanitizeBase(""))
	assert.Equal(t, "", sanitizeBase("/"))
	assert.Equal(t, "/api", sanitizeBase("api/"))
	assert.Equal(t, "/a/b", sanitizeBase(" /a/b// "))
}

func TestStatusFor(t *testing.T) {
	cases := map[version.Kind]int{
		version.KindNotFound:        http.StatusNotFound,
		version.KindAlreadyRunning:  http.StatusConflict,
		version.KindNotRunning:      http.StatusConflict,
		version.KindAlreadyExists:   http.StatusConflict,
		version.KindConflict:        http.StatusConflict,
		version.KindInvalidArchive:  http.StatusBadRequest,
		version.KindPortUnavailable: http.StatusServiceUnavailable,
		version.KindTimeout:         http.StatusGatewayTimeout,
		version.KindSpawnFailure:    http.StatusInternalServerError,
		version.KindIOFailure:       http.StatusInternalServerError,
		version.KindInternal:        http.StatusInternalServerError,
	}
	for k, want := range cases {
		assert.Equal(t, want, statusFor(k), string(k))
	}
}

func TestStartStopOverHTTP(t *testing.T) {
	h, _, root := setupRouter(t, "/api")
	mkdirs(t, root, "v1")

	rec := doReq(t, h, http.MethodGet, "/api/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	vs := decode[[]version.Version](t, rec)
	require.Len(t, vs, 1)
	assert.Equal(t, version.StatusStopped, vs[0].Status)

	rec = doReq(t, h, http.MethodPost, "/api/start", versionReq{Version: "v1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode[version.Version](t, rec)
	assert.Equal(t, version.StatusRunning, v.Status)
	assert.NotZero(t, v.Port)
	assert.NotZero(t, v.PID)

	rec = doReq(t, h, http.MethodPost, "/api/start", versionReq{Version: "v1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, version.KindAlreadyRunning, decode[errorResp](t, rec).Code)

	rec = doReq(t, h, http.MethodPost, "/api/stop", versionReq{Version: "v1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, version.StatusStopped, decode[version.Version](t, rec).Status)

	rec = doReq(t, h, http.MethodPost, "/api/stop", versionReq{Version: "v1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, version.KindNotRunning, decode[errorResp](t, rec).Code)
}

func TestRequestValidation(t *testing.T) {
	h, _, _ := setupRouter(t, "")
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/start", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/start", versionReq{}).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/start", versionReq{Version: "v", Port: 70000}).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/bulk/start", bulkReq{}).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/snapshots", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/health/stats", nil).Code)

	rec := doReq(t, h, http.MethodPost, "/start", versionReq{Version: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, version.KindNotFound, decode[errorResp](t, rec).Code)
}

func TestCrashReportsOutput(t *testing.T) {
	h, _, root := setupRouter(t, "")
	mkdirs(t, root, "broken1")
	rec := doReq(t, h, http.MethodPost, "/start", versionReq{Version: "broken1"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[errorResp](t, rec)
	assert.Equal(t, version.KindSpawnFailure, resp.Code)
	assert.Contains(t, strings.Join(resp.Output, "\n"), "Cannot find module")
}

func TestBulkEndpoints(t *testing.T) {
	h, m, root := setupRouter(t, "/api")
	mkdirs(t, root, "a", "b", "broken")

	rec := doReq(t, h, http.MethodPost, "/api/bulk/start", bulkReq{Versions: []string{"a", "broken", "b"}})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[bulkResp](t, rec).Results
	require.Len(t, res, 3)
	byID := map[string]mng.Outcome{}
	for _, o := range res {
		byID[o.ID] = o
	}
	assert.True(t, byID["a"].OK)
	assert.True(t, byID["b"].OK)
	assert.False(t, byID["broken"].OK)
	assert.Equal(t, version.KindSpawnFailure, byID["broken"].Code)

	rec = doReq(t, h, http.MethodPost, "/api/bulk/stop", bulkReq{Versions: []string{"a"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[bulkResp](t, rec).Results[0].OK)

	rec = doReq(t, h, http.MethodPost, "/api/bulk/stop-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[bulkResp](t, rec).Results
	require.Len(t, res, 1)
	assert.Equal(t, "b", res[0].ID)

	v, err := m.Get("b")
	require.NoError(t, err)
	assert.Equal(t, version.StatusStopped, v.Status)
}

func zipBody(t *testing.T, files map[string]string) []byte {
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

func uploadReq(t *testing.T, h http.Handler, path, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUploadTrashRestoreOverHTTP(t *testing.T) {
	h, _, root := setupRouter(t, "/api")
	archive := zipBody(t, map[string]string{"package.json": "{}", "src/main.js": "x"})

	rec := uploadReq(t, h, "/api/upload", "demo.zip", archive)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v := decode[version.Version](t, rec)
	assert.Equal(t, "demo", v.ID)
	assert.Equal(t, version.StatusStopped, v.Status)
	assert.FileExists(t, filepath.Join(root, "demo", "package.json"))

	rec = uploadReq(t, h, "/api/upload", "demo.zip", archive)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, version.KindAlreadyExists, decode[errorResp](t, rec).Code)

	rec = uploadReq(t, h, "/api/upload", "evil.zip", zipBody(t, map[string]string{"../../escape.txt": "x"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, version.KindInvalidArchive, decode[errorResp](t, rec).Code)
	assert.NoDirExists(t, filepath.Join(root, "evil"))

	rec = doReq(t, h, http.MethodPost, "/api/trash", versionReq{Version: "demo"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoDirExists(t, filepath.Join(root, "demo"))

	rec = doReq(t, h, http.MethodGet, "/api/trash", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"demo"`)

	rec = doReq(t, h, http.MethodPost, "/api/trash/restore", versionReq{Version: "demo"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.DirExists(t, filepath.Join(root, "demo"))

	rec = doReq(t, h, http.MethodPost, "/api/trash/restore", versionReq{Version: "demo"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/api/trash", versionReq{Version: "demo"}).Code)
	rec = doReq(t, h, http.MethodPost, "/api/trash/empty", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"demo"}, decode[removedResp](t, rec).Removed)
}

func TestUploadRequiresMultipartFile(t *testing.T) {
	h, _, _ := setupRouter(t, "")
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodPost, "/upload", map[string]string{}).Code)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArchiveSnapshotDelete(t *testing.T) {
	h, _, root := setupRouter(t, "")
	mkdirs(t, root, "v1", "v2")
	require.NoError(t, os.WriteFile(filepath.Join(root, "v1", "index.html"), []byte("hi"), 0o644))

	rec := doReq(t, h, http.MethodPost, "/snapshots", versionReq{Version: "v1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = doReq(t, h, http.MethodGet, "/snapshots?version=v1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"v1"`)

	require.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/archive", versionReq{Version: "v1"}).Code)
	rec = doReq(t, h, http.MethodGet, "/archive/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"v1"`)
	require.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/archive/restore", versionReq{Version: "v1"}).Code)
	assert.FileExists(t, filepath.Join(root, "v1", "index.html"))

	require.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/start", versionReq{Version: "v2"}).Code)
	rec = doReq(t, h, http.MethodPost, "/delete", versionReq{Version: "v2"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/health/stats?version=v1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/delete", versionReq{Version: "v1"}).Code)
	assert.NoDirExists(t, filepath.Join(root, "v1"))
}

func TestHealthAndReconcile(t *testing.T) {
	h, _, root := setupRouter(t, "/api")
	mkdirs(t, root, "v1", "v2")
	require.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/api/start", versionReq{Version: "v1"}).Code)

	rec := doReq(t, h, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hr := decode[healthResp](t, rec)
	assert.Equal(t, "ok", hr.Status)
	assert.Equal(t, 2, hr.Versions)
	assert.Equal(t, 1, hr.Running)

	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/api/debug/reconcile", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _ := setupRouter(t, "/api", func(o *Options) { o.Metrics = true })
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h, _, _ = setupRouter(t, "/api")
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/metrics", nil).Code)
}

// readEvent reads one "event:"/"data:" block from an SSE stream.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if event != "" || data != "" {
				return event, data
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestEventStream(t *testing.T) {
	h, _, root := setupRouter(t, "/api")
	mkdirs(t, root, "v1")
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	rd := bufio.NewReader(resp.Body)
	ev, data := readEvent(t, rd)
	require.Equal(t, "state-update", ev)
	var state []version.Version
	require.NoError(t, json.Unmarshal([]byte(data), &state))
	require.Len(t, state, 1)
	assert.Equal(t, "v1", state[0].ID)

	go func() {
		_ = doReq(t, h, http.MethodPost, "/api/start", versionReq{Version: "v1"})
	}()

	sawLog, sawRunning := false, false
	deadline := time.Now().Add(3 * time.Second)
	for (!sawLog || !sawRunning) && time.Now().Before(deadline) {
		ev, data = readEvent(t, rd)
		switch ev {
		case "log":
			var le struct {
				VersionID string `json:"versionId"`
				Type      string `json:"type"`
			}
			require.NoError(t, json.Unmarshal([]byte(data), &le))
			if le.VersionID == "v1" {
				sawLog = true
			}
		case "state-update":
			if strings.Contains(data, `"status":"running"`) {
				sawRunning = true
			}
		}
	}
	assert.True(t, sawLog, "log event for v1")
	assert.True(t, sawRunning, "running state")
}

func newAuthService(t *testing.T) *auth.Service {
	t.Helper()
	hash, err := auth.HashPassword("pw", bcrypt.MinCost)
	require.NoError(t, err)
	viewer, err := auth.HashPassword("pw", bcrypt.MinCost)
	require.NoError(t, err)
	svc, err := auth.NewService(auth.Config{
		Enabled:   true,
		JWTSecret: "test",
		Users: []auth.User{
			{Username: "admin", PasswordHash: hash},
			{Username: "viewer", PasswordHash: viewer, Roles: []string{auth.RoleViewer}},
		},
	})
	require.NoError(t, err)
	return svc
}

func TestAuthGuardsRoutes(t *testing.T) {
	svc := newAuthService(t)
	h, _, root := setupRouter(t, "/api", func(o *Options) { o.Auth = svc })
	mkdirs(t, root, "v1")

	assert.Equal(t, http.StatusOK, doReq(t, h, http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, doReq(t, h, http.MethodGet, "/api/versions", nil).Code)

	rec := doReq(t, h, http.MethodPost, "/api/auth/login", loginReq{Username: "admin", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	login := func(user string) string {
		rec := doReq(t, h, http.MethodPost, "/api/auth/login", loginReq{Username: user, Password: "pw"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		res := decode[auth.AuthResult](t, rec)
		require.NotNil(t, res.Token)
		return res.Token.Value
	}
	withToken := func(method, path, tok string, body any) int {
		var rdr io.Reader
		if body != nil {
			b, _ := json.Marshal(body)
			rdr = bytes.NewReader(b)
		}
		req := httptest.NewRequest(method, path, rdr)
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	viewerTok := login("viewer")
	assert.Equal(t, http.StatusOK, withToken(http.MethodGet, "/api/versions", viewerTok, nil))
	assert.Equal(t, http.StatusForbidden, withToken(http.MethodPost, "/api/start", viewerTok, versionReq{Version: "v1"}))

	adminTok := login("admin")
	assert.Equal(t, http.StatusOK, withToken(http.MethodPost, "/api/start", adminTok, versionReq{Version: "v1"}))
}

func TestLoginDisabled(t *testing.T) {
	h, _, _ := setupRouter(t, "")
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodPost, "/auth/login", loginReq{Username: "a", Password: "b"}).Code)
}

func TestNewServerServesAndShutsDown(t *testing.T) {
	h, _, _ := setupRouter(t, "/api")
	srv, err := NewServer("127.0.0.1:0", h, nil)
	require.NoError(t, err)
	resp, err := http.Get("http://" + srv.Addr + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, srv.WriteTimeout)
	require.NoError(t, srv.Shutdown(context.Background()))

	_, err = NewServer("256.0.0.1:1", h, nil)
	assert.Error(t, err)
}

func TestNewTLSServer(t *testing.T) {
	h, _, _ := setupRouter(t, "/api")
	tc, err := tlsconf.Setup(tlsconf.Config{Enabled: true, Dir: t.TempDir(), AutoGenerate: true})
	require.NoError(t, err)
	srv, err := NewTLSServer("127.0.0.1:0", h, tc, nil)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	// #nosec G402 self-signed test certificate
	hc := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	resp, err := hc.Get("https://" + srv.Addr + "/api/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// plain HTTP is refused with 400
	resp, err = http.Get("http://" + srv.Addr + "/api/health")
	if err == nil {
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}
