package process

import (
	"bytes"
	"strings"
	"sync"
)

// maxLineBytes bounds a single buffered line; longer lines are flushed in pieces.
const maxLineBytes = 64 * 1024

// Tail keeps the last N lines written to it.
type Tail struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func NewTail(n int) *Tail {
	if n <= 0 {
		n = DefaultTailLines
	}
	return &Tail{lines: make([]string, n)}
}

func (t *Tail) Add(line string) {
	t.mu.Lock()
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()
}

// Lines returns the retained lines, oldest first.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]string(nil), t.lines[:t.next]...)
	}
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.next:]...)
	return append(out, t.lines[:t.next]...)
}

// Contains reports whether any retained line contains substr (case-insensitive).
func (t *Tail) Contains(substr string) bool {
	substr = strings.ToLower(substr)
	for _, l := range t.Lines() {
		if strings.Contains(strings.ToLower(l), substr) {
			return true
		}
	}
	return false
}

// lineWriter splits a byte stream into lines for OnLine and the tail.
type lineWriter struct {
	mu     sync.Mutex
	stream Stream
	buf    []byte
	onLine func(Stream, string)
	tail   *Tail
}

func newLineWriter(stream Stream, onLine func(Stream, string), tail *Tail) *lineWriter {
	return &lineWriter{stream: stream, onLine: onLine, tail: tail}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineBytes {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(b []byte) {
	line := strings.TrimRight(string(b), "\r")
	line = stripANSI(line)
	if w.tail != nil {
		w.tail.Add(line)
	}
	if w.onLine != nil {
		w.onLine(w.stream, line)
	}
}

// stripANSI removes terminal escape sequences that dev servers like to print.
func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && (s[j] < 0x40 || s[j] > 0x7e) {
				j++
			}
			i = j
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
