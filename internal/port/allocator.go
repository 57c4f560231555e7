package port

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/loykin/labvisor/internal/version"
)

// Allocator hands out TCP ports for versions. A port is only handed out after
// a bind check succeeds and stays reserved until Release, so two concurrent
// starts never receive the same port.
type Allocator struct {
	mu       sync.Mutex
	host     string
	minPort  int
	maxPort  int
	reserved map[int]string // port -> version id
}

// NewAllocator creates an allocator for the inclusive range [minPort, maxPort].
func NewAllocator(host string, minPort, maxPort int) (*Allocator, error) {
	if minPort <= 0 || maxPort <= 0 || minPort > maxPort || maxPort > 65535 {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return &Allocator{
		host:     host,
		minPort:  minPort,
		maxPort:  maxPort,
		reserved: make(map[int]string),
	}, nil
}

// Reserve picks the first free port starting at minPort+offset, wrapping
// around the range once.
func (a *Allocator) Reserve(id string, offset int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	size := a.maxPort - a.minPort + 1
	if offset < 0 {
		offset = 0
	}
	for i := 0; i < size; i++ {
		p := a.minPort + (offset+i)%size
		if _, taken := a.reserved[p]; taken {
			continue
		}
		if !a.bindable(p) {
			continue
		}
		a.reserved[p] = id
		return p, nil
	}
	return 0, version.NewError(version.KindPortUnavailable, id,
		"no available ports in range [%d-%d]", a.minPort, a.maxPort)
}

// ReserveExact reserves a caller-requested port. Ports outside the managed
// range are allowed but still checked.
func (a *Allocator) ReserveExact(id string, p int) error {
	if p <= 0 || p > 65535 {
		return version.NewError(version.KindPortUnavailable, id, "invalid port %d", p)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if owner, taken := a.reserved[p]; taken && owner != id {
		return version.NewError(version.KindPortUnavailable, id, "port %d is reserved by %s", p, owner)
	}
	if !a.bindable(p) {
		return version.NewError(version.KindPortUnavailable, id, "port %d is in use", p)
	}
	a.reserved[p] = id
	return nil
}

// Release frees a reservation. Unknown ports are ignored.
func (a *Allocator) Release(p int) {
	a.mu.Lock()
	delete(a.reserved, p)
	a.mu.Unlock()
}

// Owner returns the version holding p.
func (a *Allocator) Owner(p int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.reserved[p]
	return id, ok
}

// Available reports whether p can currently be bound.
func (a *Allocator) Available(p int) bool {
	return a.bindable(p)
}

func (a *Allocator) bindable(p int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(a.host, strconv.Itoa(p)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
