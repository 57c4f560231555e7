package registry

import (
	"sort"
	"sync"

	"github.com/loykin/labvisor/internal/version"
)

// Registry is the in-memory record of every version the supervisor has touched.
// Reads return copies; writers only ever publish complete records.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]version.Version
}

func New() *Registry {
	return &Registry{entries: make(map[string]version.Version)}
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (version.Version, bool) {
	r.mu.RLock()
	v, ok := r.entries[id]
	r.mu.RUnlock()
	return v, ok
}

// Upsert applies patch to the entry for id, creating a stopped entry first if
// needed. It returns the previous and the new record.
func (r *Registry) Upsert(id string, patch func(v *version.Version)) (prev, next version.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.entries[id]
	if !ok {
		prev = version.Version{ID: id, Status: version.StatusStopped}
	}
	next = prev
	next.ID = id
	if patch != nil {
		patch(&next)
	}
	next.Normalize()
	r.entries[id] = next
	return prev, next
}

// Remove deletes the entry for id and reports whether one existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	return ok
}

// List returns a consistent copy of all entries sorted by id.
func (r *Registry) List() []version.Version {
	r.mu.RLock()
	out := make([]version.Version, 0, len(r.entries))
	for _, v := range r.entries {
		out = append(out, v)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountActive returns the number of starting or running entries.
func (r *Registry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, v := range r.entries {
		if v.Active() {
			n++
		}
	}
	return n
}
