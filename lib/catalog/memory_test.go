package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClaimNextPendingNoDoubleAssignment is the stress test from spec §8
// property 1 / scenario S2: 20 workers claim against 10 pending builds.
// Exactly 10 claims succeed, 10 return nil, and every successful claim
// gets a distinct build with a distinct worker_id.
func TestClaimNextPendingNoDoubleAssignment(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := m.CreateBuild(ctx, PlatformIOS, "source/b", nil)
		require.NoError(t, err)
	}
	for i := 0; i < 20; i++ {
		_, _, _, err := m.RegisterWorker(ctx, workerID(i), workerID(i), nil, 90*time.Second, time.Now())
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make([]*Build, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := m.ClaimNextPending(ctx, workerID(i), time.Now())
			require.NoError(t, err)
			results[i] = b
		}(i)
	}
	wg.Wait()

	claimed := map[string]string{} // buildID -> workerID
	nilCount := 0
	for i, b := range results {
		if b == nil {
			nilCount++
			continue
		}
		if existing, ok := claimed[b.ID]; ok {
			t.Fatalf("build %s claimed twice: by %s and %s", b.ID, existing, workerID(i))
		}
		claimed[b.ID] = workerID(i)
	}

	assert.Equal(t, 10, len(claimed), "exactly 10 builds should be claimed")
	assert.Equal(t, 10, nilCount, "exactly 10 claims should return nil")

	assignedOrBuilding, err := m.ListAssignedOrBuilding(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, len(assignedOrBuilding))

	seenWorkers := map[string]bool{}
	for _, b := range assignedOrBuilding {
		require.NotNil(t, b.WorkerID)
		assert.False(t, seenWorkers[*b.WorkerID], "each assigned build should have a distinct worker")
		seenWorkers[*b.WorkerID] = true
	}
}

func TestClaimNextPendingReturnsSameActiveBuildOnRepoll(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	b, err := m.CreateBuild(ctx, PlatformAndroid, "source/b", nil)
	require.NoError(t, err)

	first, err := m.ClaimNextPending(ctx, "w1", time.Now())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, b.ID, first.ID)

	second, err := m.ClaimNextPending(ctx, "w1", time.Now())
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, b.ID, second.ID)
}

func TestClaimNextPendingOrdersBySubmittedAt(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	b1, err := m.CreateBuild(ctx, PlatformIOS, "source/1", nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = m.CreateBuild(ctx, PlatformIOS, "source/2", nil)
	require.NoError(t, err)

	claimed, err := m.ClaimNextPending(ctx, "w1", time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, b1.ID, claimed.ID)
}

func TestCompleteBuildRequiresOwningWorker(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.CreateBuild(ctx, PlatformIOS, "source/1", nil)
	require.NoError(t, err)
	claimed, err := m.ClaimNextPending(ctx, "w1", time.Now())
	require.NoError(t, err)

	err = m.CompleteBuild(ctx, claimed.ID, "w2", "result/1", time.Now())
	assert.ErrorIs(t, err, ErrForbidden)

	err = m.CompleteBuild(ctx, claimed.ID, "w1", "result/1", time.Now())
	assert.NoError(t, err)

	got, err := m.GetBuild(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestRequeueBuildClearsWorkerAndLogsError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.CreateBuild(ctx, PlatformIOS, "source/1", nil)
	require.NoError(t, err)
	claimed, err := m.ClaimNextPending(ctx, "w1", time.Now())
	require.NoError(t, err)

	require.NoError(t, m.RequeueBuild(ctx, claimed.ID, "worker stopped responding", time.Now()))

	got, err := m.GetBuild(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.WorkerID)

	logs, err := m.GetLogs(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker stopped responding", logs[len(logs)-1].Message)
}

func workerID(i int) string {
	return "w" + string(rune('A'+i))
}
