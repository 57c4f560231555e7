package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/labvisor/internal/auth"
	mng "github.com/loykin/labvisor/internal/manager"
	"github.com/loykin/labvisor/internal/metrics"
	"github.com/loykin/labvisor/internal/version"
)

// DefaultPingInterval keeps idle event streams open through proxies.
const DefaultPingInterval = 25 * time.Second

// Options configures the router.
type Options struct {
	// BasePath prefixes every route, e.g. "/api". Empty or "/" mounts at the root.
	BasePath string
	// Auth, when enabled, guards every route except health and login.
	Auth *auth.Service
	// Metrics mounts the Prometheus handler at /metrics (outside BasePath).
	Metrics      bool
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Router exposes the supervisor over HTTP.
//
//	GET  {base}/versions
//	POST {base}/start            {"version": "...", "port": 0}
//	POST {base}/stop             {"version": "..."}
//	POST {base}/bulk/start       {"versions": [...]}
//	POST {base}/bulk/stop        {"versions": [...]}
//	POST {base}/bulk/stop-all
//	POST {base}/upload           multipart field "file"
//	GET  {base}/trash
//	POST {base}/trash            {"version": "..."}
//	POST {base}/trash/restore    {"version": "..."}
//	POST {base}/trash/empty
//	POST {base}/archive          {"version": "..."}
//	GET  {base}/archive/list
//	POST {base}/archive/restore  {"version": "..."}
//	POST {base}/delete           {"version": "..."}
//	GET  {base}/snapshots?version=...
//	POST {base}/snapshots        {"version": "..."}
//	GET  {base}/events           server-sent events
//	GET  {base}/health
//	GET  {base}/health/stats?version=...
//	POST {base}/debug/reconcile
//	POST {base}/auth/login       {"username": "...", "password": "..."}
type Router struct {
	mgr      *mng.Manager
	basePath string
	auth     *auth.Service
	metrics  bool
	ping     time.Duration
	log      *slog.Logger
}

func NewRouter(mgr *mng.Manager, opts Options) *Router {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		mgr:      mgr,
		basePath: sanitizeBase(opts.BasePath),
		auth:     opts.Auth,
		metrics:  opts.Metrics,
		ping:     opts.PingInterval,
		log:      opts.Logger.With("component", "http"),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	r.Register(g.Group(r.basePath))
	return g
}

// Register attaches the API routes to an existing gin group.
func (r *Router) Register(group *gin.RouterGroup) {
	mw := auth.NewMiddleware(r.auth)
	group.GET("/health", r.handleHealth)
	group.POST("/auth/login", r.handleLogin)

	api := group.Group("", mw.GinAuth())
	read := mw.GinRequireRole(auth.RoleViewer)
	write := mw.GinRequireRole(auth.RoleOperator)

	api.GET("/versions", read, r.handleList)
	api.GET("/events", read, r.handleEvents)
	api.GET("/health/stats", read, r.handleStats)
	api.GET("/trash", read, r.handleListTrash)
	api.GET("/archive/list", read, r.handleListArchive)
	api.GET("/snapshots", read, r.handleListSnapshots)

	api.POST("/start", write, r.handleStart)
	api.POST("/stop", write, r.handleStop)
	api.POST("/bulk/start", write, r.handleBulkStart)
	api.POST("/bulk/stop", write, r.handleBulkStop)
	api.POST("/bulk/stop-all", write, r.handleStopAll)
	api.POST("/upload", write, r.handleUpload)
	api.POST("/trash", write, r.handleTrash)
	api.POST("/trash/restore", write, r.handleRestore)
	api.POST("/trash/empty", write, r.handleEmptyTrash)
	api.POST("/archive", write, r.handleArchive)
	api.POST("/archive/restore", write, r.handleRestoreArchive)
	api.POST("/delete", write, r.handleDelete)
	api.POST("/snapshots", write, r.handleSnapshot)
	api.POST("/debug/reconcile", write, r.handleDebugReconcile)
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "took", time.Since(start))
	}
}

// NewServer listens on addr and serves h in the background. WriteTimeout is
// left at zero because event streams are long-lived.
func NewServer(addr string, h http.Handler, log *slog.Logger) (*http.Server, error) {
	return NewTLSServer(addr, h, nil, log)
}

// NewTLSServer is NewServer over TLS. A nil tc serves plain HTTP.
func NewTLSServer(addr string, h http.Handler, tc *tls.Config, log *slog.Logger) (*http.Server, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if tc != nil {
		ln = tls.NewListener(ln, tc)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", "addr", srv.Addr, "error", err)
		}
	}()
	return srv, nil
}

// --- Handlers ---

type versionReq struct {
	Version string `json:"version"`
	Port    int    `json:"port,omitempty"`
}

type bulkReq struct {
	Versions []string `json:"versions"`
}

type bulkResp struct {
	Results []mng.Outcome `json:"results"`
}

type removedResp struct {
	Removed []string `json:"removed"`
}

type healthResp struct {
	Status      string `json:"status"`
	Versions    int    `json:"versions"`
	Running     int    `json:"running"`
	Subscribers int    `json:"subscribers"`
	Time        string `json:"time"`
}

func bindVersion(c *gin.Context) (versionReq, bool) {
	var req versionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return req, false
	}
	if req.Version == "" {
		badRequest(c, "version required")
		return req, false
	}
	if req.Port < 0 || req.Port > 65535 {
		badRequest(c, "port out of range")
		return req, false
	}
	return req, true
}

func bindBulk(c *gin.Context) (bulkReq, bool) {
	var req bulkReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return req, false
	}
	if len(req.Versions) == 0 {
		badRequest(c, "versions required")
		return req, false
	}
	return req, true
}

func (r *Router) handleList(c *gin.Context) {
	vs, err := r.mgr.ListVersions()
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, vs)
}

func (r *Router) handleStart(c *gin.Context) {
	req, ok := bindVersion(c)
	if !ok {
		return
	}
	v, err := r.mgr.Start(c.Request.Context(), req.Version, req.Port)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

func (r *Router) handleStop(c *gin.Context) {
	req, ok := bindVersion(c)
	if !ok {
		return
	}
	v, err := r.mgr.Stop(c.Request.Context(), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

func (r *Router) handleBulkStart(c *gin.Context) {
	req, ok := bindBulk(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, bulkResp{Results: r.mgr.BulkStart(c.Request.Context(), req.Versions)})
}

func (r *Router) handleBulkStop(c *gin.Context) {
	req, ok := bindBulk(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, bulkResp{Results: r.mgr.BulkStop(c.Request.Context(), req.Versions)})
}

func (r *Router) handleStopAll(c *gin.Context) {
	writeJSON(c, http.StatusOK, bulkResp{Results: r.mgr.StopAll(c.Request.Context())})
}

// handleUpload streams the "file" part straight into the ingestor.
func (r *Router) handleUpload(c *gin.Context) {
	mr, err := c.Request.MultipartReader()
	if err != nil {
		badRequest(c, "multipart body required")
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			badRequest(c, `missing "file" field`)
			return
		}
		if err != nil {
			badRequest(c, "malformed multipart body: "+err.Error())
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		v, err := r.mgr.Upload(c.Request.Context(), part, part.FileName())
		_ = part.Close()
		if err != nil {
			writeError(c, err)
			return
		}
		writeJSON(c, http.StatusCreated, v)
		return
	}
}

func (r *Router) handleListTrash(c *gin.Context) {
	es, err := r.mgr.ListTrash()
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, es)
}

func (r *Router) handleTrash(c *gin.Context) {
	req, ok := bindVersion(c)
	if !ok {
		return
	}
	e, err := r.mgr.MoveToTrash(c.Request.Context(), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleRestore(c *gin.Context) {
	req, ok := bindVersion(c)
	if !ok {
		return
	}
	v, err := r.mgr.Restore(c.Request.Context(), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

func (r *Router) handleEmptyTrash(c *gin.Context) {
	removed, err := r.mgr.EmptyTrash()
	if err != nil {
		writeError(c, err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	writeJSON(c, http.StatusOK, removedResp{Removed: removed})
}

func (r *Router) handleArchive(c *gin.Context) {
	req, ok := bindVersion(c)
	if !ok {
		return
	}
	e, err := r.mgr.Archive(c.Request.Context(), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleListArchive(c *gin.Context) {
	es, err := r.mgr.ListArchive()
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, es)
}

func (r *Router) handleRestoreArchive(c *gin.Context) {
	req, ok := bindVersion(c)
	if !ok {
		return
	}
	v, err := r.mgr.RestoreArchive(c.Request.Context(), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

func (r *Router) handleDelete(c *gin.Context) {
	req, ok := bindVersion(c)
	if !ok {
		return
	}
	if err := r.mgr.Delete(c.Request.Context(), req.Version); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleListSnapshots(c *gin.Context) {
	id := c.Query("version")
	if id == "" {
		badRequest(c, "version query param required")
		return
	}
	es, err := r.mgr.ListSnapshots(id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, es)
}

func (r *Router) handleSnapshot(c *gin.Context) {
	req, ok := bindVersion(c)
	if !ok {
		return
	}
	e, err := r.mgr.Snapshot(c.Request.Context(), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, e)
}

// handleEvents streams state-update and log events. The first event is always
// the full current state.
func (r *Router) handleEvents(c *gin.Context) {
	sub := r.mgr.Subscribe()
	defer sub.Cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	ping := time.NewTicker(r.ping)
	defer ping.Stop()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case m, ok := <-sub.C:
			if !ok {
				// evicted or shutting down; the client reconnects and gets a fresh snapshot
				return false
			}
			if m.Log != nil {
				c.SSEvent(string(m.Type), m.Log)
			} else {
				c.SSEvent(string(m.Type), m.State)
			}
			return true
		case t := <-ping.C:
			c.SSEvent("ping", t.Unix())
			return true
		}
	})
}

func (r *Router) handleHealth(c *gin.Context) {
	vs, err := r.mgr.ListVersions()
	if err != nil {
		writeError(c, err)
		return
	}
	running := 0
	for _, v := range vs {
		if v.Status == version.StatusRunning {
			running++
		}
	}
	writeJSON(c, http.StatusOK, healthResp{
		Status:      "ok",
		Versions:    len(vs),
		Running:     running,
		Subscribers: r.mgr.Hub().Count(),
		Time:        time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Router) handleStats(c *gin.Context) {
	id := c.Query("version")
	if id == "" {
		badRequest(c, "version query param required")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	st, err := r.mgr.Stats(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleDebugReconcile(c *gin.Context) {
	if err := r.mgr.ReconcileOnce(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r *Router) handleLogin(c *gin.Context) {
	if !r.auth.Enabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "authentication is disabled"})
		return
	}
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	res, err := r.auth.Authenticate(auth.LoginRequest{Method: auth.AuthMethodBasic, Username: req.Username, Password: req.Password})
	if err != nil || !res.Success {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: "invalid credentials"})
		return
	}
	writeJSON(c, http.StatusOK, res)
}
