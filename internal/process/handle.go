package process

import (
	"os/exec"
	"sync"
	"time"
)

// Handle is the launcher's reference to one spawned process.
type Handle struct {
	PID       int
	StartedAt time.Time

	cmd       *exec.Cmd
	startUnix int64 // OS start time, guards against pid reuse
	tail      *Tail

	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	exitErr error
}

// NewHandle creates a handle for pid. Launchers that do not own an *exec.Cmd
// (tests, adopted processes) call Finish themselves.
func NewHandle(pid int, tailLines int) *Handle {
	return &Handle{
		PID:       pid,
		StartedAt: time.Now(),
		tail:      NewTail(tailLines),
		done:      make(chan struct{}),
	}
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether Done is closed.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the wait error after exit.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Tail returns the last output lines.
func (h *Handle) Tail() []string { return h.tail.Lines() }

// OutputContains searches the retained output.
func (h *Handle) OutputContains(s string) bool { return h.tail.Contains(s) }

// AddOutput appends a line to the retained output.
func (h *Handle) AddOutput(line string) { h.tail.Add(line) }

// Finish records the exit and closes Done. Only the first call has effect.
func (h *Handle) Finish(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		close(h.done)
	})
}
