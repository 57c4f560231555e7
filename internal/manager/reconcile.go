package manager

import (
	"context"
	"os"
	"time"
)

// ReconcileOnce checks every active version for liveness, marks dead ones
// crashed and drops registry entries whose directory has disappeared.
func (m *Manager) ReconcileOnce(ctx context.Context) error {
	changed := false
	for _, v := range m.reg.List() {
		if err := ctx.Err(); err != nil {
			return err
		}
		a, err := m.actor(v.ID)
		if err != nil {
			return err
		}
		// the directory is re-checked on the actor, after anything already queued
		r := a.submit(ctx, command{action: actionReconcile})
		if r.err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warn("reconcile version", "version", v.ID, "error", r.err)
		}
		changed = changed || r.dropped
	}
	if changed {
		m.hub.PublishState()
	}
	return nil
}

// StartReconciler runs ReconcileOnce every interval until Shutdown.
func (m *Manager) StartReconciler(interval time.Duration) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-t.C:
				if err := m.ReconcileOnce(m.ctx); err != nil && m.ctx.Err() == nil {
					m.log.Warn("reconcile failed", "error", err)
				}
			}
		}
	}()
}

func dirExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
