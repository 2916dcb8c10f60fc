// Package liveness implements the cooperative periodic sweep that detects
// unresponsive workers and requeues their builds: build heartbeat
// timeout, worker token expiry, and the stale-worker sweep (spec §4.4).
package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/buildmesh/controller/lib/catalog"
	"github.com/buildmesh/controller/lib/dispatch"
)

// Config controls sweep timing. Zero values are replaced by defaults in
// New.
type Config struct {
	SweepInterval  time.Duration // default 5s
	BuildTimeout   time.Duration // default 120s
	StaleThreshold time.Duration // default 120s
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 120 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 120 * time.Second
	}
	return c
}

// Monitor runs the sweep on a ticker until its context is cancelled.
type Monitor struct {
	cfg     Config
	catalog catalog.Catalog
	engine  *dispatch.Engine
	log     *slog.Logger
}

// New constructs a Monitor. cfg's zero fields are replaced by spec
// defaults.
func New(cfg Config, cat catalog.Catalog, engine *dispatch.Engine, log *slog.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg.withDefaults(),
		catalog: cat,
		engine:  engine,
		log:     log,
	}
}

// Run blocks, sweeping every cfg.SweepInterval, until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.log.Error("liveness sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass of all three checks. Exported so callers (and
// tests) can drive it deterministically without waiting on the ticker.
func (m *Monitor) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	if err := m.sweepHeartbeatTimeouts(ctx, now); err != nil {
		return err
	}
	if err := m.sweepExpiredTokens(ctx, now); err != nil {
		return err
	}
	if err := m.sweepStaleWorkers(ctx, now); err != nil {
		return err
	}
	return nil
}

// sweepHeartbeatTimeouts implements spec §4.4 step 1: builds whose
// worker hasn't heartbeat within BuildTimeout are returned to pending,
// their worker is marked offline, and the busy index entry is released.
func (m *Monitor) sweepHeartbeatTimeouts(ctx context.Context, now time.Time) error {
	stale, err := m.catalog.ListStaleAssignments(ctx, now.Add(-m.cfg.BuildTimeout))
	if err != nil {
		return err
	}
	for _, b := range stale {
		if err := m.catalog.RequeueBuild(ctx, b.ID, "worker stopped responding", now); err != nil {
			m.log.Error("requeue timed-out build failed", "build_id", b.ID, "error", err)
			continue
		}
		if b.WorkerID != nil {
			if err := m.catalog.MarkWorkerOffline(ctx, *b.WorkerID); err != nil {
				m.log.Error("mark worker offline failed", "worker_id", *b.WorkerID, "error", err)
			}
			m.engine.Release(*b.WorkerID)
		}
		m.engine.Publish(dispatch.Event{BuildID: b.ID, Type: "build:requeued", At: now})
		m.log.Warn("build heartbeat timeout, requeued", "build_id", b.ID)
	}
	return nil
}

// sweepExpiredTokens implements spec §4.4 step 2.
func (m *Monitor) sweepExpiredTokens(ctx context.Context, now time.Time) error {
	expired, err := m.catalog.ListExpiredWorkers(ctx, now)
	if err != nil {
		return err
	}
	for _, w := range expired {
		if err := m.catalog.MarkWorkerOffline(ctx, w.ID); err != nil {
			m.log.Error("mark worker offline failed", "worker_id", w.ID, "error", err)
			continue
		}
		m.log.Info("worker token expired, marked offline", "worker_id", w.ID)
	}
	return nil
}

// sweepStaleWorkers implements spec §4.4 step 3.
func (m *Monitor) sweepStaleWorkers(ctx context.Context, now time.Time) error {
	stale, err := m.catalog.ListStaleWorkers(ctx, now.Add(-m.cfg.StaleThreshold))
	if err != nil {
		return err
	}
	for _, w := range stale {
		if err := m.catalog.MarkWorkerOffline(ctx, w.ID); err != nil {
			m.log.Error("mark worker offline failed", "worker_id", w.ID, "error", err)
			continue
		}
		m.log.Info("worker stale, marked offline", "worker_id", w.ID)
	}
	return nil
}
