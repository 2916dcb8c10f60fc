package liveness

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/buildmesh/controller/lib/catalog"
	"github.com/buildmesh/controller/lib/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepRequeuesTimedOutBuildAndMarksWorkerOffline(t *testing.T) {
	cat := catalog.NewMemory()
	ctx := context.Background()
	eng := dispatch.New(cat, testLogger())

	_, _, _, err := cat.RegisterWorker(ctx, "w1", "w1", nil, 90*time.Second, time.Now())
	require.NoError(t, err)
	b, err := cat.CreateBuild(ctx, catalog.PlatformIOS, "source/1", nil)
	require.NoError(t, err)
	claimed, err := eng.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, b.ID, claimed.ID)
	require.True(t, eng.IsBusy("w1"))

	mon := New(Config{BuildTimeout: 0}, cat, eng, testLogger())
	// Force the heartbeat to look stale regardless of the configured
	// default by sweeping against a future "now".
	require.NoError(t, mon.sweepHeartbeatTimeouts(ctx, time.Now().Add(time.Hour)))

	got, err := cat.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusPending, got.Status)
	assert.Nil(t, got.WorkerID)
	assert.False(t, eng.IsBusy("w1"))

	w, err := cat.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, catalog.WorkerOffline, w.Status)
}

func TestSweepMarksExpiredAndStaleWorkersOffline(t *testing.T) {
	cat := catalog.NewMemory()
	ctx := context.Background()
	eng := dispatch.New(cat, testLogger())

	past := time.Now().Add(-time.Hour)
	_, _, _, err := cat.RegisterWorker(ctx, "expired", "expired", nil, time.Nanosecond, past)
	require.NoError(t, err)
	_, _, _, err = cat.RegisterWorker(ctx, "fresh", "fresh", nil, 90*time.Second, time.Now())
	require.NoError(t, err)
	_, _, _, err = cat.RegisterWorker(ctx, "stale", "stale", nil, 2*time.Hour, past)
	require.NoError(t, err)

	mon := New(Config{}, cat, eng, testLogger())
	require.NoError(t, mon.sweepExpiredTokens(ctx, time.Now()))

	expired, err := cat.GetWorker(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, catalog.WorkerOffline, expired.Status)

	fresh, err := cat.GetWorker(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, catalog.WorkerIdle, fresh.Status)

	stale, err := cat.GetWorker(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, catalog.WorkerIdle, stale.Status)

	require.NoError(t, mon.sweepStaleWorkers(ctx, time.Now()))

	stale, err = cat.GetWorker(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, catalog.WorkerOffline, stale.Status)

	fresh, err = cat.GetWorker(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, catalog.WorkerIdle, fresh.Status)
}
