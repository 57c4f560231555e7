// Package history exports version lifecycle events to external stores.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventCrash   EventType = "crash"
	EventUpload  EventType = "upload"
	EventTrash   EventType = "trash"
	EventRestore EventType = "restore"
	EventDelete  EventType = "delete"
)

// Record is the version state captured with an event.
type Record struct {
	VersionID string `json:"version_id"`
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Path      string `json:"path,omitempty"`
}

// Event is one exported lifecycle event.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for events. Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// sendTimeout bounds one delivery to one sink.
const sendTimeout = 5 * time.Second

// Fanout delivers each event to every sink. Failures are logged and never
// reach the caller's lifecycle operation.
type Fanout struct {
	sinks []Sink
	log   *slog.Logger
}

func NewFanout(log *slog.Logger, sinks ...Sink) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{sinks: sinks, log: log.With("component", "history")}
}

func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

// Emit sends e to every sink synchronously and returns the joined errors.
func (f *Fanout) Emit(ctx context.Context, e Event) error {
	if f == nil || len(f.sinks) == 0 {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, s := range f.sinks {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.Send(sctx, e)
		cancel()
		if err != nil {
			f.log.Warn("history sink failed", "event", e.Type, "version", e.Record.VersionID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
