// Package readiness decides when a freshly spawned version is serving.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrExited is returned when the process exits before becoming ready.
var ErrExited = errors.New("process exited before becoming ready")

// Target is what a check observes while waiting.
type Target struct {
	Host   string
	Port   int
	Lines  <-chan string   // cleaned output lines, may be nil
	Exited <-chan struct{} // closed when the process exits
}

func (t Target) addr() string {
	host := t.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(t.Port))
}

// Check waits until a target is ready, the context ends or the target exits.
type Check interface {
	Wait(ctx context.Context, t Target) error
	Describe() string
}

// pollInterval is the spacing between connection attempts.
const pollInterval = 100 * time.Millisecond

// poll calls check until it returns true, honouring ctx and t.Exited.
func poll(ctx context.Context, t Target, check func(context.Context) bool) error {
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		if check(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Exited:
			return ErrExited
		case <-tick.C:
		}
	}
}

// TCPCheck is ready once the port accepts a connection.
type TCPCheck struct{}

func (TCPCheck) Wait(ctx context.Context, t Target) error {
	var d net.Dialer
	return poll(ctx, t, func(ctx context.Context) bool {
		dctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		c, err := d.DialContext(dctx, "tcp", t.addr())
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	})
}

func (TCPCheck) Describe() string { return "tcp" }

// HTTPCheck is ready once GET Path answers with any status below 500.
type HTTPCheck struct {
	Path   string
	Client *http.Client
}

func (p HTTPCheck) Wait(ctx context.Context, t Target) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	path := p.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := "http://" + t.addr() + path
	return poll(ctx, t, func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode < 500
	})
}

func (p HTTPCheck) Describe() string { return "http:" + p.Path }

// DefaultMarker is the line fragment dev servers print once listening.
const DefaultMarker = "Local:"

// MarkerCheck is ready once an output line contains Marker (case-insensitive).
type MarkerCheck struct {
	Marker string
}

func (p MarkerCheck) Wait(ctx context.Context, t Target) error {
	marker := strings.ToLower(p.Marker)
	if marker == "" {
		marker = strings.ToLower(DefaultMarker)
	}
	lines := t.Lines
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.Exited:
			return ErrExited
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if strings.Contains(strings.ToLower(line), marker) {
				return nil
			}
		}
	}
}

func (p MarkerCheck) Describe() string { return "marker:" + p.Marker }

// GraceCheck considers a process ready if it survives Grace.
type GraceCheck struct {
	Grace time.Duration
}

func (p GraceCheck) Wait(ctx context.Context, t Target) error {
	timer := time.NewTimer(p.Grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Exited:
		return ErrExited
	case <-timer.C:
		return nil
	}
}

func (p GraceCheck) Describe() string { return "grace:" + p.Grace.String() }

// AnyCheck is ready as soon as one of its checks is.
type AnyCheck []Check

func (a AnyCheck) Wait(ctx context.Context, t Target) error {
	if len(a) == 0 {
		return errors.New("no checks configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	res := make(chan error, len(a))
	for _, p := range a {
		go func(p Check) { res <- p.Wait(ctx, t) }(p)
	}
	var first error
	for range a {
		err := <-res
		if err == nil {
			return nil
		}
		if first == nil || errors.Is(err, ErrExited) {
			first = err
		}
	}
	return first
}

func (a AnyCheck) Describe() string {
	parts := make([]string, 0, len(a))
	for _, p := range a {
		parts = append(parts, p.Describe())
	}
	return "any(" + strings.Join(parts, ",") + ")"
}

// FromConfig builds a check from its configured kind: tcp, http, marker,
// grace or any (tcp or marker).
func FromConfig(kind, marker, path string, grace time.Duration) (Check, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "any":
		return AnyCheck{TCPCheck{}, MarkerCheck{Marker: marker}}, nil
	case "tcp":
		return TCPCheck{}, nil
	case "http":
		if path == "" {
			path = "/"
		}
		return HTTPCheck{Path: path}, nil
	case "marker", "log":
		return MarkerCheck{Marker: marker}, nil
	case "grace":
		if grace <= 0 {
			return nil, fmt.Errorf("grace check needs a positive duration")
		}
		return GraceCheck{Grace: grace}, nil
	default:
		return nil, fmt.Errorf("unknown readiness check %q", kind)
	}
}
