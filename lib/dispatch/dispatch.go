// Package dispatch implements the thin coordination layer over the
// Catalog: an in-process busy index for O(1) worker-availability checks,
// a startup restore pass, and an observer bus for state-change events.
// The Catalog stays authoritative throughout — the index here is only an
// optimization, grounded on the teacher's BuildQueue, which kept its own
// in-memory index for the same reason.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/buildmesh/controller/lib/catalog"
)

// Event is published to observers on every build state transition the
// Engine drives or observes.
type Event struct {
	BuildID string
	Type    string
	At      time.Time
}

// Engine wraps a Catalog with an in-process busy index and an observer
// bus. A stale index never causes a double assignment: ClaimNextPending
// is transactional at the Catalog, and the index here is rebuilt from
// its result, never consulted to gate a claim.
type Engine struct {
	catalog catalog.Catalog
	log     *slog.Logger

	mu   sync.Mutex
	busy map[string]string // workerID -> buildID

	subMu sync.Mutex
	subs  []chan Event
}

// New constructs an Engine over cat.
func New(cat catalog.Catalog, log *slog.Logger) *Engine {
	return &Engine{
		catalog: cat,
		log:     log,
		busy:    make(map[string]string),
	}
}

// Restore rebuilds the in-process index from the Catalog at startup
// (spec §4.3): builds already assigned to a worker that still exists are
// re-bound; builds assigned to a worker that no longer exists are reset
// to pending through RequeueBuild, which records the reason as an
// error-level log entry, preserving submission order and source/certs refs.
func (e *Engine) Restore(ctx context.Context) error {
	active, err := e.catalog.ListAssignedOrBuilding(ctx)
	if err != nil {
		return fmt.Errorf("restore: list assigned/building: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, b := range active {
		if b.WorkerID == nil {
			continue
		}
		if _, err := e.catalog.GetWorker(ctx, *b.WorkerID); err != nil {
			if err == catalog.ErrNotFound {
				reason := "worker no longer registered, build restored to pending on controller startup"
				if rerr := e.catalog.RequeueBuild(ctx, b.ID, reason, time.Now().UTC()); rerr != nil {
					return fmt.Errorf("restore: requeue build %s: %w", b.ID, rerr)
				}
				e.log.Info("restored orphaned build to pending", "build_id", b.ID, "worker_id", *b.WorkerID)
				continue
			}
			return fmt.Errorf("restore: get worker %s: %w", *b.WorkerID, err)
		}
		e.busy[*b.WorkerID] = b.ID
	}
	e.log.Info("dispatch engine restored", "active_builds", len(e.busy))
	return nil
}

// ClaimNextPending assigns the oldest pending build to workerID, or
// returns (nil, nil) if none is available. The claim itself is resolved
// by the Catalog transaction; the busy index is updated from the result.
func (e *Engine) ClaimNextPending(ctx context.Context, workerID string) (*catalog.Build, error) {
	b, err := e.catalog.ClaimNextPending(ctx, workerID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	e.mu.Lock()
	e.busy[workerID] = b.ID
	e.mu.Unlock()
	e.publish(Event{BuildID: b.ID, Type: "build:assigned", At: time.Now().UTC()})
	return b, nil
}

// Release clears the busy index entry for workerID. Called after a build
// completes, fails, or is requeued away from that worker.
func (e *Engine) Release(workerID string) {
	e.mu.Lock()
	delete(e.busy, workerID)
	e.mu.Unlock()
}

// IsBusy reports whether workerID is currently believed to hold an
// active build. This is an optimization hint only: callers that need a
// guarantee must go through the Catalog.
func (e *Engine) IsBusy(workerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.busy[workerID]
	return ok
}

// Publish emits an Event to every current subscriber, dropping it for
// any subscriber whose channel is full rather than blocking the caller.
func (e *Engine) Publish(ev Event) {
	e.publish(ev)
}

func (e *Engine) publish(ev Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new observer channel. Call the returned function
// to unsubscribe.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	e.subMu.Lock()
	e.subs = append(e.subs, ch)
	e.subMu.Unlock()

	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		for i, c := range e.subs {
			if c == ch {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}
