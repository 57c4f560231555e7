package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/labvisor/internal/process"
)

// behaviour names what a fake process does right after spawning.
type behaviour string

const (
	behaveReady behaviour = "ready" // prints the readiness marker
	behaveCrash behaviour = "crash" // exits with an error
	behaveBusy  behaviour = "busy"  // exits complaining about the port
	behaveHang  behaviour = "hang"  // never becomes ready
	behaveGate  behaviour = "gate"  // blocks in Spawn until gate is closed, then ready
)

type fakeLauncher struct {
	mu         sync.Mutex
	nextPID    int
	plans      map[string][]behaviour // per version, consumed one per spawn
	handles    map[string]*process.Handle
	spawns     map[string]int
	terminated map[string]int
	commands   []string
	envs       map[string][]string
	gate       chan struct{}
	stuck      map[string]bool // TerminateTree fails and the process survives
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		nextPID:    1000,
		plans:      make(map[string][]behaviour),
		handles:    make(map[string]*process.Handle),
		spawns:     make(map[string]int),
		terminated: make(map[string]int),
		envs:       make(map[string][]string),
		stuck:      make(map[string]bool),
	}
}

func (f *fakeLauncher) plan(id string, b ...behaviour) {
	f.mu.Lock()
	f.plans[id] = append(f.plans[id], b...)
	f.mu.Unlock()
}

func (f *fakeLauncher) next(id string) behaviour {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.plans[id]
	if len(p) == 0 {
		return behaveReady
	}
	f.plans[id] = p[1:]
	return p[0]
}

func (f *fakeLauncher) Spawn(ctx context.Context, spec process.Spec) (*process.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.HasSuffix(spec.Name, ".install") {
		h := process.NewHandle(1, 0)
		_ = os.MkdirAll(filepath.Join(spec.WorkDir, "node_modules"), 0o755)
		h.AddOutput("added 1 package")
		h.Finish(nil)
		return h, nil
	}
	b := f.next(spec.Name)
	f.mu.Lock()
	f.nextPID++
	h := process.NewHandle(f.nextPID, 0)
	f.handles[spec.Name] = h
	f.spawns[spec.Name]++
	f.commands = append(f.commands, spec.Command)
	f.envs[spec.Name] = spec.Env
	gate := f.gate
	f.mu.Unlock()

	emit := func(line string) {
		h.AddOutput(line)
		if spec.OnLine != nil {
			spec.OnLine(process.Stdout, line)
		}
	}
	switch b {
	case behaveGate:
		<-gate
		emit("  Local:   http://localhost:" + portFromEnv(spec.Env) + "/")
	case behaveReady:
		emit("  Local:   http://localhost:" + portFromEnv(spec.Env) + "/")
	case behaveCrash:
		emit("Error: Cannot find module 'vite'")
		h.Finish(errors.New("exit status 1"))
	case behaveBusy:
		emit("Error: listen EADDRINUSE: address already in use :::" + portFromEnv(spec.Env))
		h.Finish(errors.New("exit status 1"))
	case behaveHang:
	}
	return h, nil
}

func (f *fakeLauncher) TerminateTree(h *process.Handle, _ time.Duration) error {
	if h == nil || h.Exited() {
		return nil
	}
	f.mu.Lock()
	stuck := false
	for id, hh := range f.handles {
		if hh == h {
			f.terminated[id]++
			stuck = f.stuck[id]
		}
	}
	f.mu.Unlock()
	if stuck {
		return fmt.Errorf("pid %d: %w", h.PID, process.ErrStillAlive)
	}
	h.Finish(errors.New("signal: terminated"))
	return nil
}

func (f *fakeLauncher) IsAlive(h *process.Handle) bool {
	return h != nil && !h.Exited()
}

// kill simulates the dev server dying on its own.
func (f *fakeLauncher) kill(id string) {
	f.mu.Lock()
	h := f.handles[id]
	f.mu.Unlock()
	if h != nil {
		h.Finish(errors.New("signal: segmentation fault"))
	}
}

func (f *fakeLauncher) setStuck(id string, stuck bool) {
	f.mu.Lock()
	f.stuck[id] = stuck
	f.mu.Unlock()
}

func (f *fakeLauncher) count(m map[string]int, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[id]
}

func portFromEnv(env []string) string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "PORT=") {
			return strings.TrimPrefix(kv, "PORT=")
		}
	}
	return strconv.Itoa(0)
}
