package version

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the category of a failed supervisor operation.
type Kind string

const (
	KindAlreadyRunning  Kind = "AlreadyRunning"
	KindNotRunning      Kind = "NotRunning"
	KindPortUnavailable Kind = "PortUnavailable"
	KindSpawnFailure    Kind = "SpawnFailure"
	KindTimeout         Kind = "Timeout"
	KindInvalidArchive  Kind = "InvalidArchive"
	KindAlreadyExists   Kind = "AlreadyExists"
	KindNotFound        Kind = "NotFound"
	KindConflict        Kind = "Conflict"
	KindIOFailure       Kind = "IOFailure"
	KindInternal        Kind = "Internal"
)

// Retryable reports whether the same request may succeed if simply retried.
func (k Kind) Retryable() bool {
	return k == KindPortUnavailable || k == KindTimeout
}

// Error is the structured error returned by every supervisor operation.
type Error struct {
	Kind    Kind
	ID      string
	Message string
	Cause   error
	// Output carries the last lines a failed process printed, if any.
	Output []string
}

// Sentinels for errors.Is. Only Kind is compared.
var (
	ErrAlreadyRunning  = &Error{Kind: KindAlreadyRunning, Message: "already running"}
	ErrNotRunning      = &Error{Kind: KindNotRunning, Message: "not running"}
	ErrPortUnavailable = &Error{Kind: KindPortUnavailable, Message: "port unavailable"}
	ErrSpawnFailure    = &Error{Kind: KindSpawnFailure, Message: "spawn failure"}
	ErrTimeout         = &Error{Kind: KindTimeout, Message: "timeout"}
	ErrInvalidArchive  = &Error{Kind: KindInvalidArchive, Message: "invalid archive"}
	ErrAlreadyExists   = &Error{Kind: KindAlreadyExists, Message: "already exists"}
	ErrNotFound        = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict        = &Error{Kind: KindConflict, Message: "conflict"}
	ErrIOFailure       = &Error{Kind: KindIOFailure, Message: "i/o failure"}
	ErrInternal        = &Error{Kind: KindInternal, Message: "internal error"}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("] ")
	if e.ID != "" {
		b.WriteString(e.ID)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates an Error for version id with a formatted message.
func NewError(kind Kind, id, format string, args ...any) *Error {
	return &Error{Kind: kind, ID: id, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithOutput attaches captured process output.
func (e *Error) WithOutput(lines []string) *Error {
	e.Output = append([]string(nil), lines...)
	return e
}

// KindOf extracts the Kind of err. Context deadlines map to Timeout and
// everything unclassified is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// AsError converts any error into an *Error, preserving existing ones.
func AsError(id string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindOf(err), ID: id, Message: "operation failed", Cause: err}
}
