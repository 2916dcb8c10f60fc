package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/buildmesh/controller/lib/auth"
	"github.com/buildmesh/controller/lib/eventlog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nrednav/cuid2"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the production Catalog backend.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pool against databaseURL. The connection config
// forces pgx.QueryExecModeDescribeExec rather than the default
// QueryExecModeCacheStatement: caching statement plans by SQL text alone
// causes "cached plan must not change result type" errors across schema
// migrations on a long-lived pool, a documented pgx footgun when the
// migration changes a column type the pool has already prepared against.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate applies the Catalog's schema. Idempotent: every statement uses
// IF NOT EXISTS.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// appendEvent takes a transaction-scoped advisory lock on the event chain,
// reads the chain tip, computes the next hash, and inserts the event with
// the sequence number that was hashed. The lock is held until the caller's
// transaction commits or rolls back, so concurrent appends are serialized
// and each one sees the tip the previous one committed. Serializing on a
// single lock is correct here because the spec rules out multi-controller
// replication (§1 Non-goals): there is exactly one writer to this chain.
func appendEvent(ctx context.Context, tx pgx.Tx, buildID, eventType string, data any, now time.Time) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		raw = b
	}

	const eventChainLockKey int64 = 0x6275696c646d6573 // "buildmes"
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, eventChainLockKey); err != nil {
		return fmt.Errorf("lock event chain: %w", err)
	}

	var lastHash string
	var lastSeq int64
	err := tx.QueryRow(ctx, `SELECT event_hash, sequence FROM events ORDER BY sequence DESC LIMIT 1 FOR UPDATE`).Scan(&lastHash, &lastSeq)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read event chain tip: %w", err)
	}

	var prev *eventlog.Event
	if lastHash != "" {
		prev = &eventlog.Event{EventHash: lastHash}
	}
	e, err := eventlog.Next(prev, lastSeq+1, buildID, eventType, raw, now)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO events (sequence, build_id, type, data, created_at, previous_hash, event_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Sequence, e.BuildID, e.Type, []byte(e.Data), e.CreatedAt, e.PreviousHash, e.EventHash)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (p *Postgres) CreateBuild(ctx context.Context, platform, sourceRef string, certsRef *string) (*Build, error) {
	token, err := auth.NewToken()
	if err != nil {
		return nil, err
	}
	id := cuid2.Generate()
	now := time.Now().UTC()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO builds (id, platform, status, submitted_at, source_ref, certs_ref, access_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, platform, StatusPending, now, sourceRef, certsRef, token)
	if err != nil {
		return nil, fmt.Errorf("insert build: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO build_logs (build_id, ts, level, message) VALUES ($1, $2, $3, $4)`,
		id, now, LogInfo, "Build submitted")
	if err != nil {
		return nil, fmt.Errorf("insert log: %w", err)
	}
	if err := appendEvent(ctx, tx, id, "build:submitted", nil, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return p.GetBuild(ctx, id)
}

const buildColumns = `id, sequence, platform, status, worker_id, submitted_at, assigned_at, started_at, last_heartbeat_at, completed_at, source_ref, certs_ref, result_ref, error_message, access_token`

func scanBuild(row pgx.Row) (*Build, error) {
	var b Build
	err := row.Scan(&b.ID, &b.Sequence, &b.Platform, &b.Status, &b.WorkerID, &b.SubmittedAt, &b.AssignedAt,
		&b.StartedAt, &b.LastHeartbeatAt, &b.CompletedAt, &b.SourceRef, &b.CertsRef, &b.ResultRef, &b.ErrorMessage, &b.AccessToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (p *Postgres) GetBuild(ctx context.Context, id string) (*Build, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, id)
	return scanBuild(row)
}

func (p *Postgres) ListBuilds(ctx context.Context, filter BuildFilter) ([]*Build, error) {
	var rows pgx.Rows
	var err error
	if filter.Status != "" {
		rows, err = p.pool.Query(ctx, `SELECT `+buildColumns+` FROM builds WHERE status = $1 ORDER BY sequence`, filter.Status)
	} else {
		rows, err = p.pool.Query(ctx, `SELECT `+buildColumns+` FROM builds ORDER BY sequence`)
	}
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()
	return collectBuilds(rows)
}

func collectBuilds(rows pgx.Rows) ([]*Build, error) {
	var out []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ClaimNextPending implements the atomic pickup (spec §4.2, §8 property
// 1) with `SELECT ... FOR UPDATE SKIP LOCKED`: concurrent claimers skip
// rows already locked by another in-flight claim, so two transactions
// never pick the same build, and a transaction that finds nothing
// available returns nil rather than blocking.
func (p *Postgres) ClaimNextPending(ctx context.Context, workerID string, now time.Time) (*Build, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// A worker re-polling while still holding an active build gets that
	// build back (spec §4.2), enforced before looking at pending rows.
	active := tx.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE worker_id = $1 AND status IN ('assigned','building')`, workerID)
	if b, err := scanBuild(active); err == nil {
		if cerr := tx.Commit(ctx); cerr != nil {
			return nil, fmt.Errorf("commit: %w", cerr)
		}
		return b, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		SELECT id FROM builds
		WHERE status = 'pending'
		ORDER BY submitted_at ASC, id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tx.Commit(ctx)
		}
		return nil, fmt.Errorf("select candidate: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE builds SET status = 'assigned', worker_id = $1, assigned_at = $2, last_heartbeat_at = $2
		WHERE id = $3`, workerID, now, id)
	if err != nil {
		return nil, fmt.Errorf("assign build: %w", err)
	}

	var name string
	if werr := tx.QueryRow(ctx, `SELECT name FROM workers WHERE id = $1`, workerID).Scan(&name); werr != nil {
		name = workerID
	}
	_, err = tx.Exec(ctx, `INSERT INTO build_logs (build_id, ts, level, message) VALUES ($1, $2, $3, $4)`,
		id, now, LogInfo, fmt.Sprintf("Assigned to worker %s", name))
	if err != nil {
		return nil, fmt.Errorf("insert log: %w", err)
	}
	if err := appendEvent(ctx, tx, id, "build:assigned", map[string]string{"worker_id": workerID}, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p.GetBuild(ctx, id)
}

func (p *Postgres) MarkBuilding(ctx context.Context, id string, now time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE builds SET status = 'building', started_at = $1 WHERE id = $2 AND status = 'assigned'`, now, id)
	if err != nil {
		return fmt.Errorf("mark building: %w", err)
	}
	return rowsAffectedOrConflict(tag.RowsAffected(), ctx, p, id)
}

func rowsAffectedOrConflict(n int64, ctx context.Context, p *Postgres, id string) error {
	if n > 0 {
		return nil
	}
	if _, err := p.GetBuild(ctx, id); err != nil {
		return err
	}
	return ErrStateConflict
}

func (p *Postgres) RecordHeartbeat(ctx context.Context, id, workerID string, now time.Time) (HeartbeatOutcome, error) {
	b, err := p.GetBuild(ctx, id)
	if err != nil {
		return HeartbeatUnknown, err
	}
	if b.Status == StatusCompleted || b.Status == StatusFailed {
		// Terminal for any reason (cancelled, failed, or already completed):
		// tell the worker to stop rather than keep bumping a dead build's
		// heartbeat.
		return HeartbeatCancelled, nil
	}
	if b.WorkerID == nil || *b.WorkerID != workerID {
		return HeartbeatUnknown, ErrForbidden
	}
	_, err = p.pool.Exec(ctx, `UPDATE builds SET last_heartbeat_at = $1 WHERE id = $2`, now, id)
	if err != nil {
		return HeartbeatUnknown, fmt.Errorf("record heartbeat: %w", err)
	}
	return HeartbeatOK, nil
}

func (p *Postgres) CompleteBuild(ctx context.Context, id, workerID, resultRef string, now time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := scanBuild(tx.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if b.Status != StatusAssigned && b.Status != StatusBuilding {
		return ErrStateConflict
	}
	if b.WorkerID == nil || *b.WorkerID != workerID {
		return ErrForbidden
	}

	_, err = tx.Exec(ctx, `UPDATE builds SET status = 'completed', result_ref = $1, completed_at = $2 WHERE id = $3`, resultRef, now, id)
	if err != nil {
		return fmt.Errorf("complete build: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE workers SET builds_completed = builds_completed + 1 WHERE id = $1`, workerID); err != nil {
		return fmt.Errorf("increment worker counter: %w", err)
	}
	if err := appendEvent(ctx, tx, id, "build:completed", nil, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) FailBuild(ctx context.Context, id, workerID, reason string, now time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := scanBuild(tx.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if b.Status != StatusAssigned && b.Status != StatusBuilding {
		return ErrStateConflict
	}
	if b.WorkerID == nil || *b.WorkerID != workerID {
		return ErrForbidden
	}

	_, err = tx.Exec(ctx, `UPDATE builds SET status = 'failed', error_message = $1, completed_at = $2 WHERE id = $3`, reason, now, id)
	if err != nil {
		return fmt.Errorf("fail build: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE workers SET builds_failed = builds_failed + 1 WHERE id = $1`, workerID); err != nil {
		return fmt.Errorf("increment worker counter: %w", err)
	}
	if err := appendEvent(ctx, tx, id, "build:failed", map[string]string{"reason": reason}, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) CancelBuild(ctx context.Context, id string, now time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := scanBuild(tx.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if b.Status != StatusPending && b.Status != StatusAssigned && b.Status != StatusBuilding {
		return ErrStateConflict
	}

	msg := "Build cancelled by user"
	_, err = tx.Exec(ctx, `UPDATE builds SET status = 'failed', error_message = $1, completed_at = $2 WHERE id = $3`, msg, now, id)
	if err != nil {
		return fmt.Errorf("cancel build: %w", err)
	}
	if err := appendEvent(ctx, tx, id, "build:cancelled", nil, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) RequeueBuild(ctx context.Context, id, reason string, now time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := scanBuild(tx.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if b.Status != StatusAssigned && b.Status != StatusBuilding {
		return ErrStateConflict
	}

	_, err = tx.Exec(ctx, `
		UPDATE builds SET status = 'pending', worker_id = NULL, assigned_at = NULL, started_at = NULL, last_heartbeat_at = NULL
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("requeue build: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO build_logs (build_id, ts, level, message) VALUES ($1, $2, $3, $4)`, id, now, LogError, reason)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	if err := appendEvent(ctx, tx, id, "build:requeued", map[string]string{"reason": reason}, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) AppendLogs(ctx context.Context, id string, entries []LogEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO build_logs (build_id, ts, level, message) VALUES ($1, $2, $3, $4)`, id, e.Timestamp, e.Level, e.Message)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("append log: %w", err)
		}
	}
	return nil
}

func (p *Postgres) GetLogs(ctx context.Context, id string) ([]LogEntry, error) {
	rows, err := p.pool.Query(ctx, `SELECT build_id, ts, level, message FROM build_logs WHERE build_id = $1 ORDER BY ts`, id)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.BuildID, &e.Timestamp, &e.Level, &e.Message); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendCPUSnapshot(ctx context.Context, id string, snap CPUSnapshot) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO cpu_snapshots (build_id, ts, cpu_percent, memory_mb) VALUES ($1, $2, $3, $4)`,
		id, snap.Timestamp, snap.CPUPercent, snap.MemoryMB)
	if err != nil {
		return fmt.Errorf("insert cpu snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) GetEvents(ctx context.Context, buildID string) ([]eventlog.Event, error) {
	rows, err := p.pool.Query(ctx, `SELECT sequence, build_id, type, data, created_at, previous_hash, event_hash FROM events WHERE build_id = $1 ORDER BY sequence`, buildID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []eventlog.Event
	for rows.Next() {
		var e eventlog.Event
		if err := rows.Scan(&e.Sequence, &e.BuildID, &e.Type, &e.Data, &e.CreatedAt, &e.PreviousHash, &e.EventHash); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) RegisterWorker(ctx context.Context, id, name string, capabilities []byte, ttl time.Duration, now time.Time) (*Worker, string, bool, error) {
	token, err := auth.NewToken()
	if err != nil {
		return nil, "", false, err
	}
	if id == "" {
		id = cuid2.Generate()
	}
	expires := now.Add(ttl)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM workers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, "", false, fmt.Errorf("check worker existence: %w", err)
	}

	if exists {
		_, err = tx.Exec(ctx, `
			UPDATE workers SET last_seen_at = $1, access_token = $2, access_token_expires_at = $3,
				name = CASE WHEN $4 <> '' THEN $4 ELSE name END,
				capabilities = COALESCE($5, capabilities)
			WHERE id = $6`, now, token, expires, name, capabilities, id)
		if err != nil {
			return nil, "", false, fmt.Errorf("re-register worker: %w", err)
		}
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO workers (id, name, capabilities, status, builds_completed, builds_failed, last_seen_at, access_token, access_token_expires_at)
			VALUES ($1, $2, $3, $4, 0, 0, $5, $6, $7)`, id, name, capabilities, WorkerIdle, now, token, expires)
		if err != nil {
			return nil, "", false, fmt.Errorf("insert worker: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", false, fmt.Errorf("commit: %w", err)
	}

	w, err := p.GetWorker(ctx, id)
	if err != nil {
		return nil, "", false, err
	}
	return w, token, exists, nil
}

func (p *Postgres) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, name, capabilities, status, builds_completed, builds_failed, last_seen_at, access_token, access_token_expires_at
		FROM workers WHERE id = $1`, id)
	var w Worker
	err := row.Scan(&w.ID, &w.Name, &w.Capabilities, &w.Status, &w.BuildsCompleted, &w.BuildsFailed, &w.LastSeenAt, &w.AccessToken, &w.AccessTokenExpires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return &w, nil
}

func (p *Postgres) RotateWorkerToken(ctx context.Context, id string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	token, err := auth.NewToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expires := now.Add(ttl)
	tag, err := p.pool.Exec(ctx, `UPDATE workers SET access_token = $1, access_token_expires_at = $2, last_seen_at = $3 WHERE id = $4`,
		token, expires, now, id)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("rotate token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", time.Time{}, ErrNotFound
	}
	return token, expires, nil
}

func (p *Postgres) RecordWorkerSeen(ctx context.Context, id string, now time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE workers SET last_seen_at = $1 WHERE id = $2`, now, id)
	if err != nil {
		return fmt.Errorf("record worker seen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkWorkerOffline(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE workers SET status = $1 WHERE id = $2`, WorkerOffline, id)
	if err != nil {
		return fmt.Errorf("mark worker offline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListAssignedOrBuilding(ctx context.Context) ([]*Build, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+buildColumns+` FROM builds WHERE status IN ('assigned','building') ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("list assigned/building: %w", err)
	}
	defer rows.Close()
	return collectBuilds(rows)
}

func (p *Postgres) ListStaleAssignments(ctx context.Context, olderThan time.Time) ([]*Build, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+buildColumns+` FROM builds
		WHERE status IN ('assigned','building') AND last_heartbeat_at < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale assignments: %w", err)
	}
	defer rows.Close()
	return collectBuilds(rows)
}

func (p *Postgres) ListExpiredWorkers(ctx context.Context, now time.Time) ([]*Worker, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, capabilities, status, builds_completed, builds_failed, last_seen_at, access_token, access_token_expires_at
		FROM workers WHERE access_token_expires_at < $1 AND status <> $2`, now, WorkerOffline)
	if err != nil {
		return nil, fmt.Errorf("list expired workers: %w", err)
	}
	defer rows.Close()
	return collectWorkers(rows)
}

func (p *Postgres) ListStaleWorkers(ctx context.Context, olderThan time.Time) ([]*Worker, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, capabilities, status, builds_completed, builds_failed, last_seen_at, access_token, access_token_expires_at
		FROM workers WHERE last_seen_at < $1 AND status <> $2`, olderThan, WorkerOffline)
	if err != nil {
		return nil, fmt.Errorf("list stale workers: %w", err)
	}
	defer rows.Close()
	return collectWorkers(rows)
}

func collectWorkers(rows pgx.Rows) ([]*Worker, error) {
	var out []*Worker
	for rows.Next() {
		var w Worker
		if err := rows.Scan(&w.ID, &w.Name, &w.Capabilities, &w.Status, &w.BuildsCompleted, &w.BuildsFailed, &w.LastSeenAt, &w.AccessToken, &w.AccessTokenExpires); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	row := p.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status IN ('assigned','building')),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM builds`)
	if err := row.Scan(&s.PendingCount, &s.ActiveCount, &s.CompletedCount, &s.FailedCount); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}

var _ Catalog = (*Postgres)(nil)
