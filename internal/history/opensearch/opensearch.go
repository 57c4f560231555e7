// Package opensearch indexes history events into an OpenSearch index.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/loykin/labvisor/internal/history"
)

// eventNamespace seeds document ids so a resent event overwrites itself.
var eventNamespace = uuid.MustParse("6f1d3c2a-5b7e-4f0a-9c41-2d8e7a6b9f13")

type document struct {
	Timestamp time.Time         `json:"@timestamp"`
	Type      history.EventType `json:"type"`
	VersionID string            `json:"version_id"`
	PID       int               `json:"pid"`
	Port      int               `json:"port"`
	Status    string            `json:"status"`
	Error     string            `json:"error,omitempty"`
	Path      string            `json:"path,omitempty"`
}

// Option configures a Sink.
type Option func(*Sink)

// WithHTTPClient replaces the default client (5s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.client = c }
}

// WithoutCompression sends plain JSON bodies.
func WithoutCompression() Option {
	return func(s *Sink) { s.gzip = false }
}

// Sink writes one document per event with PUT <base>/<index>/_doc/<id>.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
	gzip    bool
}

func New(baseURL, index string, opts ...Option) *Sink {
	s := &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
		gzip:    true,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DocumentID is the id an event is indexed under.
func DocumentID(e history.Event) string {
	key := e.Record.VersionID + "|" + string(e.Type) + "|" + strconv.FormatInt(e.OccurredAt.UnixNano(), 10)
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := s.encode(document{
		Timestamp: e.OccurredAt.UTC(),
		Type:      e.Type,
		VersionID: e.Record.VersionID,
		PID:       e.Record.PID,
		Port:      e.Record.Port,
		Status:    e.Record.Status,
		Error:     e.Record.Error,
		Path:      e.Record.Path,
	})
	if err != nil {
		return fmt.Errorf("opensearch: encode event: %w", err)
	}
	u := s.baseURL + "/" + url.PathEscape(s.index) + "/_doc/" + DocumentID(e)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("opensearch: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("opensearch: index %s: %w", s.index, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: index %s: status %d: %s", s.index, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *Sink) encode(d document) ([]byte, error) {
	if !s.gzip {
		return json.Marshal(d)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(d); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
