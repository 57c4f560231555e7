// Package client talks to a labvisor daemon over its HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Client provides HTTP client functionality to communicate with the labvisor daemon
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client // no overall timeout, for uploads and event streams
	logger  *slog.Logger

	mu       sync.RWMutex
	token    string
	username string
	password string
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	// Token is sent as a bearer token. Username/Password use basic auth
	// when no token is set.
	Token    string
	Username string
	Password string
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
}

const (
	DefaultBaseURL = "http://127.0.0.1:4000/api"
	// DefaultTimeout covers a start that has to run npm install first.
	DefaultTimeout = 6 * time.Minute
)

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout}
}

// APIError is returned for every non-2xx response.
type APIError struct {
	Status  int
	Code    string // error kind, e.g. "AlreadyRunning"
	Message string
	Output  []string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

// IsCode reports whether err is an APIError with the given kind.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// New creates a new labvisor API client
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		logger:   config.Logger,
		client:   &http.Client{Timeout: config.Timeout, Transport: transport},
		stream:   &http.Client{Transport: transport},
		token:    config.Token,
		username: config.Username,
		password: config.Password,
	}, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		caCert, err := os.ReadFile(filepath.Clean(config.TLS.CACert))
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Health(ctx)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
	}
	return err == nil
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

// Login exchanges credentials for a token and uses it for later requests.
func (c *Client) Login(ctx context.Context, username, password string) (*Token, error) {
	var res loginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", loginRequest{Username: username, Password: password}, &res); err != nil {
		return nil, err
	}
	if res.Token == nil {
		return nil, errors.New("login response carried no token")
	}
	c.mu.Lock()
	c.token = res.Token.Value
	c.mu.Unlock()
	return res.Token, nil
}

func (c *Client) ListVersions(ctx context.Context) ([]Version, error) {
	var vs []Version
	err := c.do(ctx, http.MethodGet, "/versions", nil, &vs)
	return vs, err
}

// Start launches id. A zero port lets the server pick one.
func (c *Client) Start(ctx context.Context, id string, port int) (Version, error) {
	c.logger.Debug("starting version", "version", id, "port", port)
	var v Version
	err := c.do(ctx, http.MethodPost, "/start", versionRequest{Version: id, Port: port}, &v)
	return v, err
}

func (c *Client) Stop(ctx context.Context, id string) (Version, error) {
	c.logger.Debug("stopping version", "version", id)
	var v Version
	err := c.do(ctx, http.MethodPost, "/stop", versionRequest{Version: id}, &v)
	return v, err
}

func (c *Client) BulkStart(ctx context.Context, ids []string) ([]Outcome, error) {
	var res bulkResponse
	err := c.do(ctx, http.MethodPost, "/bulk/start", bulkRequest{Versions: ids}, &res)
	return res.Results, err
}

func (c *Client) BulkStop(ctx context.Context, ids []string) ([]Outcome, error) {
	var res bulkResponse
	err := c.do(ctx, http.MethodPost, "/bulk/stop", bulkRequest{Versions: ids}, &res)
	return res.Results, err
}

func (c *Client) StopAll(ctx context.Context) ([]Outcome, error) {
	var res bulkResponse
	err := c.do(ctx, http.MethodPost, "/bulk/stop-all", nil, &res)
	return res.Results, err
}

// UploadFile uploads a local archive.
func (c *Client) UploadFile(ctx context.Context, path string) (Version, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Version{}, err
	}
	defer func() { _ = f.Close() }()
	return c.Upload(ctx, f, filepath.Base(path))
}

// Upload streams r as a multipart "file" part named name. The version id is
// derived from name by the server.
func (c *Client) Upload(ctx context.Context, r io.Reader, name string) (Version, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()
	req, err := c.newRequest(ctx, http.MethodPost, "/upload", pr)
	if err != nil {
		_ = pr.Close()
		return Version{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var v Version
	err = c.send(c.stream, req, &v)
	return v, err
}

func (c *Client) ListTrash(ctx context.Context) ([]Entry, error) {
	var es []Entry
	err := c.do(ctx, http.MethodGet, "/trash", nil, &es)
	return es, err
}

func (c *Client) MoveToTrash(ctx context.Context, id string) (Entry, error) {
	var e Entry
	err := c.do(ctx, http.MethodPost, "/trash", versionRequest{Version: id}, &e)
	return e, err
}

func (c *Client) Restore(ctx context.Context, id string) (Version, error) {
	var v Version
	err := c.do(ctx, http.MethodPost, "/trash/restore", versionRequest{Version: id}, &v)
	return v, err
}

// EmptyTrash permanently deletes everything in the trash.
func (c *Client) EmptyTrash(ctx context.Context) ([]string, error) {
	var res removedResponse
	err := c.do(ctx, http.MethodPost, "/trash/empty", nil, &res)
	return res.Removed, err
}

func (c *Client) Archive(ctx context.Context, id string) (Entry, error) {
	var e Entry
	err := c.do(ctx, http.MethodPost, "/archive", versionRequest{Version: id}, &e)
	return e, err
}

func (c *Client) ListArchive(ctx context.Context) ([]Entry, error) {
	var es []Entry
	err := c.do(ctx, http.MethodGet, "/archive/list", nil, &es)
	return es, err
}

func (c *Client) RestoreArchive(ctx context.Context, id string) (Version, error) {
	var v Version
	err := c.do(ctx, http.MethodPost, "/archive/restore", versionRequest{Version: id}, &v)
	return v, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/delete", versionRequest{Version: id}, nil)
}

func (c *Client) Snapshot(ctx context.Context, id string) (Entry, error) {
	var e Entry
	err := c.do(ctx, http.MethodPost, "/snapshots", versionRequest{Version: id}, &e)
	return e, err
}

func (c *Client) ListSnapshots(ctx context.Context, id string) ([]Entry, error) {
	var es []Entry
	err := c.do(ctx, http.MethodGet, "/snapshots?version="+url.QueryEscape(id), nil, &es)
	return es, err
}

func (c *Client) Stats(ctx context.Context, id string) (Stats, error) {
	var s Stats
	err := c.do(ctx, http.MethodGet, "/health/stats?version="+url.QueryEscape(id), nil, &s)
	return s, err
}

// Reconcile asks the daemon to re-check every version now.
func (c *Client) Reconcile(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/debug/reconcile", nil, nil)
}

// Events subscribes to the event stream and calls fn for each state-update
// and log event until ctx ends, the server closes the stream or fn returns an
// error. The first event is always the full state.
func (c *Client) Events(ctx context.Context, fn func(Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	err = readEvents(resp.Body, fn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func readEvents(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	var name string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(data) > 0 {
				ev, ok, err := decodeEvent(name, strings.Join(data, "\n"))
				if err != nil {
					return err
				}
				if ok {
					if err := fn(ev); err != nil {
						return err
					}
				}
			}
			name, data = "", nil
			continue
		}
		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

func decodeEvent(name, data string) (Event, bool, error) {
	ev := Event{Type: name}
	switch name {
	case "state-update":
		if err := json.Unmarshal([]byte(data), &ev.State); err != nil {
			return ev, false, fmt.Errorf("decode state-update: %w", err)
		}
	case "log":
		ev.Log = &LogEvent{}
		if err := json.Unmarshal([]byte(data), ev.Log); err != nil {
			return ev, false, fmt.Errorf("decode log: %w", err)
		}
	default:
		return ev, false, nil
	}
	return ev, true, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.mu.RLock()
	token, user, pass := c.token, c.username, c.password
	c.mu.RUnlock()
	switch {
	case token != "":
		req.Header.Set("Authorization", "Bearer "+token)
	case user != "":
		req.SetBasicAuth(user, pass)
	}
	return req, nil
}

// do sends an optional JSON body and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(c.client, req, out)
}

func (c *Client) send(hc *http.Client, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", req.URL.String())
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		apiErr := decodeError(resp)
		c.logger.Debug("API request failed", "error", apiErr, "url", req.URL.String())
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var er ErrorResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	return &APIError{Status: resp.StatusCode, Code: er.Code, Message: er.Error, Output: er.Output}
}
