package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/buildmesh/controller/lib/auth"
	"github.com/buildmesh/controller/lib/eventlog"
	"github.com/nrednav/cuid2"
)

// Memory is an in-memory Catalog, guarded by a single mutex. It is not a
// production backend — the Postgres implementation is — but it satisfies
// the same interface and is used by dispatch/liveness tests (including
// the "no double assignment" contention property) without requiring a
// live database. Following the mutex-guarded, short-critical-section
// style of the teacher's BuildQueue.
type Memory struct {
	mu       sync.Mutex
	builds   map[string]*Build
	workers  map[string]*Worker
	logs     map[string][]LogEntry
	snaps    map[string][]CPUSnapshot
	events   map[string][]eventlog.Event
	lastHash string
	nextSeq  int64
}

// NewMemory constructs an empty in-memory Catalog.
func NewMemory() *Memory {
	return &Memory{
		builds:  make(map[string]*Build),
		workers: make(map[string]*Worker),
		logs:    make(map[string][]LogEntry),
		snaps:   make(map[string][]CPUSnapshot),
		events:  make(map[string][]eventlog.Event),
		nextSeq: 1,
	}
}

func (m *Memory) appendEventLocked(buildID, eventType string, data any, now time.Time) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		raw = b
	}
	var prev *eventlog.Event
	allForBuild := m.events[buildID]
	if len(allForBuild) > 0 {
		prev = &allForBuild[len(allForBuild)-1]
	}
	_ = prev // per-build chain not used: chain is global, see below

	seq := m.nextSeq
	m.nextSeq++
	var prevEvent *eventlog.Event
	if m.lastHash != "" {
		prevEvent = &eventlog.Event{EventHash: m.lastHash}
	}
	e, err := eventlog.Next(prevEvent, seq, buildID, eventType, raw, now)
	if err != nil {
		return err
	}
	m.lastHash = e.EventHash
	m.events[buildID] = append(m.events[buildID], e)
	return nil
}

func (m *Memory) CreateBuild(ctx context.Context, platform, sourceRef string, certsRef *string) (*Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := auth.NewToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	b := &Build{
		ID:          cuid2.Generate(),
		Sequence:    m.nextSeq,
		Platform:    platform,
		Status:      StatusPending,
		SubmittedAt: now,
		SourceRef:   sourceRef,
		CertsRef:    certsRef,
		AccessToken: token,
	}
	m.builds[b.ID] = b
	m.logs[b.ID] = append(m.logs[b.ID], LogEntry{BuildID: b.ID, Timestamp: now, Level: LogInfo, Message: "Build submitted"})
	if err := m.appendEventLocked(b.ID, "build:submitted", nil, now); err != nil {
		return nil, err
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) GetBuild(ctx context.Context, id string) (*Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) ListBuilds(ctx context.Context, filter BuildFilter) ([]*Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Build
	for _, b := range m.builds {
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// ClaimNextPending is the property-critical operation (spec §8 property
// 1): the whole method runs under the single mutex, so two concurrent
// callers are strictly serialized and can never observe — let alone
// claim — the same pending build.
func (m *Memory) ClaimNextPending(ctx context.Context, workerID string, now time.Time) (*Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A worker re-polling while it still holds an active build gets that
	// build back, never a new one (spec §4.2).
	for _, b := range m.builds {
		if b.WorkerID != nil && *b.WorkerID == workerID && (b.Status == StatusAssigned || b.Status == StatusBuilding) {
			cp := *b
			return &cp, nil
		}
	}

	var candidates []*Build
	for _, b := range m.builds {
		if b.Status == StatusPending {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].SubmittedAt.Equal(candidates[j].SubmittedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].SubmittedAt.Before(candidates[j].SubmittedAt)
	})
	b := candidates[0]
	wid := workerID
	b.Status = StatusAssigned
	b.WorkerID = &wid
	b.AssignedAt = &now
	b.LastHeartbeatAt = &now

	name := workerID
	if w, ok := m.workers[workerID]; ok {
		name = w.Name
	}
	m.logs[b.ID] = append(m.logs[b.ID], LogEntry{BuildID: b.ID, Timestamp: now, Level: LogInfo, Message: fmt.Sprintf("Assigned to worker %s", name)})
	if err := m.appendEventLocked(b.ID, "build:assigned", map[string]string{"worker_id": workerID}, now); err != nil {
		return nil, err
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) MarkBuilding(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != StatusAssigned {
		return ErrStateConflict
	}
	b.Status = StatusBuilding
	b.StartedAt = &now
	return nil
}

func (m *Memory) RecordHeartbeat(ctx context.Context, id, workerID string, now time.Time) (HeartbeatOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[id]
	if !ok {
		return HeartbeatUnknown, ErrNotFound
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
	b.LastHeartbeatAt = &now
	return HeartbeatOK, nil
}

func (m *Memory) CompleteBuild(ctx context.Context, id, workerID, resultRef string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != StatusAssigned && b.Status != StatusBuilding {
		return ErrStateConflict
	}
	if b.WorkerID == nil || *b.WorkerID != workerID {
		return ErrForbidden
	}
	b.Status = StatusCompleted
	b.ResultRef = &resultRef
	b.CompletedAt = &now
	if w, ok := m.workers[workerID]; ok {
		w.BuildsCompleted++
	}
	return m.appendEventLocked(id, "build:completed", nil, now)
}

func (m *Memory) FailBuild(ctx context.Context, id, workerID, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != StatusAssigned && b.Status != StatusBuilding {
		return ErrStateConflict
	}
	if b.WorkerID == nil || *b.WorkerID != workerID {
		return ErrForbidden
	}
	b.Status = StatusFailed
	b.ErrorMessage = &reason
	b.CompletedAt = &now
	if w, ok := m.workers[workerID]; ok {
		w.BuildsFailed++
	}
	return m.appendEventLocked(id, "build:failed", map[string]string{"reason": reason}, now)
}

func (m *Memory) CancelBuild(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != StatusPending && b.Status != StatusAssigned && b.Status != StatusBuilding {
		return ErrStateConflict
	}
	msg := "Build cancelled by user"
	b.Status = StatusFailed
	b.ErrorMessage = &msg
	b.CompletedAt = &now
	return m.appendEventLocked(id, "build:cancelled", nil, now)
}

func (m *Memory) RequeueBuild(ctx context.Context, id, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[id]
	if !ok {
		return ErrNotFound
	}
	if b.Status != StatusAssigned && b.Status != StatusBuilding {
		return ErrStateConflict
	}
	b.Status = StatusPending
	b.WorkerID = nil
	b.AssignedAt = nil
	b.StartedAt = nil
	b.LastHeartbeatAt = nil
	m.logs[id] = append(m.logs[id], LogEntry{BuildID: id, Timestamp: now, Level: LogError, Message: reason})
	return m.appendEventLocked(id, "build:requeued", map[string]string{"reason": reason}, now)
}

func (m *Memory) AppendLogs(ctx context.Context, id string, entries []LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builds[id]; !ok {
		return ErrNotFound
	}
	m.logs[id] = append(m.logs[id], entries...)
	return nil
}

func (m *Memory) GetLogs(ctx context.Context, id string) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builds[id]; !ok {
		return nil, ErrNotFound
	}
	out := make([]LogEntry, len(m.logs[id]))
	copy(out, m.logs[id])
	return out, nil
}

func (m *Memory) AppendCPUSnapshot(ctx context.Context, id string, snap CPUSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builds[id]; !ok {
		return ErrNotFound
	}
	m.snaps[id] = append(m.snaps[id], snap)
	return nil
}

func (m *Memory) GetEvents(ctx context.Context, buildID string) ([]eventlog.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builds[buildID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]eventlog.Event, len(m.events[buildID]))
	copy(out, m.events[buildID])
	return out, nil
}

func (m *Memory) RegisterWorker(ctx context.Context, id, name string, capabilities []byte, ttl time.Duration, now time.Time) (*Worker, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := auth.NewToken()
	if err != nil {
		return nil, "", false, err
	}
	if id == "" {
		id = cuid2.Generate()
	}

	if w, ok := m.workers[id]; ok {
		w.LastSeenAt = now
		w.AccessToken = token
		w.AccessTokenExpires = now.Add(ttl)
		if name != "" {
			w.Name = name
		}
		if capabilities != nil {
			w.Capabilities = capabilities
		}
		cp := *w
		return &cp, token, true, nil
	}

	w := &Worker{
		ID:                 id,
		Name:               name,
		Capabilities:       capabilities,
		Status:             WorkerIdle,
		LastSeenAt:         now,
		AccessToken:        token,
		AccessTokenExpires: now.Add(ttl),
	}
	m.workers[id] = w
	cp := *w
	return &cp, token, false, nil
}

func (m *Memory) GetWorker(ctx context.Context, id string) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) RotateWorkerToken(ctx context.Context, id string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return "", time.Time{}, ErrNotFound
	}
	token, err := auth.NewToken()
	if err != nil {
		return "", time.Time{}, err
	}
	w.AccessToken = token
	expires := now.Add(ttl)
	w.AccessTokenExpires = expires
	w.LastSeenAt = now
	return token, expires, nil
}

func (m *Memory) RecordWorkerSeen(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.LastSeenAt = now
	return nil
}

func (m *Memory) MarkWorkerOffline(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = WorkerOffline
	return nil
}

func (m *Memory) ListAssignedOrBuilding(ctx context.Context) ([]*Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Build
	for _, b := range m.builds {
		if b.Status == StatusAssigned || b.Status == StatusBuilding {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *Memory) ListStaleAssignments(ctx context.Context, olderThan time.Time) ([]*Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Build
	for _, b := range m.builds {
		if (b.Status == StatusAssigned || b.Status == StatusBuilding) && b.LastHeartbeatAt != nil && b.LastHeartbeatAt.Before(olderThan) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) ListExpiredWorkers(ctx context.Context, now time.Time) ([]*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Worker
	for _, w := range m.workers {
		if w.AccessTokenExpires.Before(now) && w.Status != WorkerOffline {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) ListStaleWorkers(ctx context.Context, olderThan time.Time) ([]*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Worker
	for _, w := range m.workers {
		if w.LastSeenAt.Before(olderThan) && w.Status != WorkerOffline {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, b := range m.builds {
		switch b.Status {
		case StatusPending:
			s.PendingCount++
		case StatusAssigned, StatusBuilding:
			s.ActiveCount++
		case StatusCompleted:
			s.CompletedCount++
		case StatusFailed:
			s.FailedCount++
		}
	}
	return s, nil
}

var _ Catalog = (*Memory)(nil)
