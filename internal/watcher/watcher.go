// Package watcher notices version directories appearing or disappearing under
// the active root without going through the supervisor.
package watcher

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/labvisor/internal/version"
)

// DefaultDebounce coalesces bursts such as an rsync or unzip into one callback.
const DefaultDebounce = 300 * time.Millisecond

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("watcher closed")

// Watcher calls OnChange, debounced, whenever a direct child of Root is
// created, removed or renamed. Reserved names are ignored.
type Watcher struct {
	root     string
	debounce time.Duration
	onChange func()
	log      *slog.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timer   *time.Timer
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func New(root string, debounce time.Duration, onChange func(), log *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		onChange: onChange,
		log:      log.With("component", "watcher"),
		closeCh:  make(chan struct{}),
	}
}

// Start begins watching. It is not recursive: only the root itself is watched.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.fsw != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.root); err != nil {
		_ = fsw.Close()
		return err
	}
	w.fsw = fsw
	w.wg.Add(1)
	go w.loop(fsw)
	w.log.Info("watching versions root", "root", w.root, "debounce", w.debounce)
	return nil
}

func (w *Watcher) loop(fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if relevant(w.root, ev) {
				w.schedule()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

func relevant(root string, ev fsnotify.Event) bool {
	if filepath.Dir(filepath.Clean(ev.Name)) != filepath.Clean(root) {
		return false
	}
	if version.IsReserved(filepath.Base(ev.Name)) {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if !closed && w.onChange != nil {
		w.onChange()
	}
}

// Close stops watching. Pending callbacks are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	if w.timer != nil {
		w.timer.Stop()
	}
	fsw := w.fsw
	w.mu.Unlock()

	var err error
	if fsw != nil {
		err = fsw.Close()
	}
	w.wg.Wait()
	return err
}
