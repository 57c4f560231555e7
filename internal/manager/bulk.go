package manager

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/loykin/labvisor/internal/broadcast"
	"github.com/loykin/labvisor/internal/metrics"
	"github.com/loykin/labvisor/internal/version"
)

// Outcome is the per-version result of a bulk operation.
type Outcome struct {
	ID      string           `json:"id"`
	OK      bool             `json:"ok"`
	Version *version.Version `json:"version,omitempty"`
	Error   string           `json:"error,omitempty"`
	Code    version.Kind     `json:"code,omitempty"`
}

func outcome(id string, v version.Version, err error) Outcome {
	if err != nil {
		return Outcome{ID: id, Error: err.Error(), Code: version.KindOf(err)}
	}
	return Outcome{ID: id, OK: true, Version: &v}
}

// BulkStart starts every id independently. One failure never prevents the others.
func (m *Manager) BulkStart(ctx context.Context, ids []string) []Outcome {
	var limiter *rate.Limiter
	if m.opts.BulkPace > 0 {
		limiter = rate.NewLimiter(rate.Every(m.opts.BulkPace), 1)
	}
	return m.bulk(ctx, "start", ids, func(ctx context.Context, id string) (version.Version, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return version.Version{}, version.NewError(version.KindTimeout, id, "bulk start cancelled").WithCause(err)
			}
		}
		return m.Start(ctx, id, 0)
	})
}

// BulkStop stops every id independently.
func (m *Manager) BulkStop(ctx context.Context, ids []string) []Outcome {
	return m.bulk(ctx, "stop", ids, func(ctx context.Context, id string) (version.Version, error) {
		return m.Stop(ctx, id)
	})
}

// StopAll stops every version that is starting or running.
func (m *Manager) StopAll(ctx context.Context) []Outcome {
	var ids []string
	for _, v := range m.reg.List() {
		if v.Active() {
			ids = append(ids, v.ID)
		}
	}
	return m.BulkStop(ctx, ids)
}

func (m *Manager) bulk(ctx context.Context, op string, ids []string, fn func(context.Context, string) (version.Version, error)) []Outcome {
	ids = dedupe(ids)
	out := make([]Outcome, len(ids))
	if len(ids) == 0 {
		return out
	}
	m.publishLog(SystemID, broadcast.LogInfo, fmt.Sprintf("bulk %s of %d versions", op, len(ids)))

	var g errgroup.Group
	g.SetLimit(m.opts.BulkConcurrency)
	var mu sync.Mutex
	failed := 0
	for i, id := range ids {
		g.Go(func() error {
			v, err := fn(ctx, id)
			o := outcome(id, v, err)
			metrics.IncBulkOutcome(op, o.OK)
			mu.Lock()
			out[i] = o
			if !o.OK {
				failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	kind := broadcast.LogSuccess
	if failed > 0 {
		kind = broadcast.LogWarn
	}
	m.publishLog(SystemID, kind, fmt.Sprintf("bulk %s finished: %d ok, %d failed", op, len(ids)-failed, failed))
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
