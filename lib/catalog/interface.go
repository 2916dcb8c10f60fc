package catalog

import (
	"context"
	"time"

	"github.com/buildmesh/controller/lib/eventlog"
)

// Catalog is the durable, transactional store backing the controller.
// Both the Postgres-backed implementation (Postgres) and the in-memory
// reference implementation (Memory, used in tests that don't need a
// live database) satisfy this interface.
type Catalog interface {
	CreateBuild(ctx context.Context, platform, sourceRef string, certsRef *string) (*Build, error)
	GetBuild(ctx context.Context, id string) (*Build, error)
	ListBuilds(ctx context.Context, filter BuildFilter) ([]*Build, error)

	// ClaimNextPending atomically transitions the oldest unlocked pending
	// build to assigned and binds it to workerID. Returns (nil, nil) when
	// no build is available — this is not an error.
	ClaimNextPending(ctx context.Context, workerID string, now time.Time) (*Build, error)
	MarkBuilding(ctx context.Context, id string, now time.Time) error
	RecordHeartbeat(ctx context.Context, id, workerID string, now time.Time) (outcome HeartbeatOutcome, err error)
	CompleteBuild(ctx context.Context, id, workerID, resultRef string, now time.Time) error
	FailBuild(ctx context.Context, id, workerID, reason string, now time.Time) error
	CancelBuild(ctx context.Context, id string, now time.Time) error

	// RequeueBuild returns an assigned or building build to pending. Its
	// callers are the Liveness Monitor on heartbeat timeout (spec §4.4
	// step 1, §8 property 2) and the Dispatch Engine's startup Restore for
	// builds whose worker no longer exists.
	RequeueBuild(ctx context.Context, id, reason string, now time.Time) error

	AppendLogs(ctx context.Context, id string, entries []LogEntry) error
	GetLogs(ctx context.Context, id string) ([]LogEntry, error)
	AppendCPUSnapshot(ctx context.Context, id string, snap CPUSnapshot) error
	GetEvents(ctx context.Context, buildID string) ([]eventlog.Event, error)

	RegisterWorker(ctx context.Context, id, name string, capabilities []byte, ttl time.Duration, now time.Time) (w *Worker, rawToken string, reRegistered bool, err error)
	GetWorker(ctx context.Context, id string) (*Worker, error)
	RotateWorkerToken(ctx context.Context, id string, ttl time.Duration, now time.Time) (rawToken string, expiresAt time.Time, err error)
	RecordWorkerSeen(ctx context.Context, id string, now time.Time) error
	MarkWorkerOffline(ctx context.Context, id string) error

	ListAssignedOrBuilding(ctx context.Context) ([]*Build, error)
	ListStaleAssignments(ctx context.Context, olderThan time.Time) ([]*Build, error)
	ListExpiredWorkers(ctx context.Context, now time.Time) ([]*Worker, error)
	ListStaleWorkers(ctx context.Context, olderThan time.Time) ([]*Worker, error)

	Stats(ctx context.Context) (Stats, error)
}

// HeartbeatOutcome distinguishes the three outcomes a worker's heartbeat
// response must carry (spec §9 "Cancellation delivery"): ok, cancelled,
// or unknown to this worker.
type HeartbeatOutcome int

const (
	HeartbeatOK HeartbeatOutcome = iota
	HeartbeatCancelled
	HeartbeatUnknown
)

// Stats is the aggregate counters served by GET /api/stats and GET /health.
type Stats struct {
	PendingCount   int
	ActiveCount    int
	CompletedCount int
	FailedCount    int
}
