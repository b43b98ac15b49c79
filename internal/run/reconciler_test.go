package run

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/model"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/store"
)

func seedRun(t *testing.T, st *store.MemoryStore, id string, status model.RunStatus, created time.Time, started *time.Time) {
	t.Helper()
	require.NoError(t, st.CreateRun(context.Background(), &model.RunRecord{
		ID:          id,
		WorkspaceID: "ws",
		Status:      status,
		CreatedAt:   created,
		StartedAt:   started,
	}))
}

func TestSweep_FailsStaleRuns(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-time.Hour)
	recent := now.Add(-10 * time.Second)

	seedRun(t, st, "stale-running", model.RunRunning, old, &old)
	seedRun(t, st, "live-running", model.RunRunning, recent, &recent)
	seedRun(t, st, "stale-queued", model.RunQueued, old, nil)
	seedRun(t, st, "old-completed", model.RunCompleted, old, &old)

	notifier := &recordingNotifier{}
	r := NewReconciler(st, 2*time.Minute, nil, notifier, nil)
	r.now = func() time.Time { return now }

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"stale-running", "stale-queued"} {
		rec, err := st.GetRun(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.RunFailed, rec.Status, id)
		assert.Equal(t, model.ReasonOrphaned, rec.FailureReason, id)
		assert.Contains(t, rec.Stderr, "Run abandoned", id)
		assert.Equal(t, now, *rec.FinishedAt, id)
	}

	live, err := st.GetRun(context.Background(), "live-running")
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, live.Status)

	done, err := st.GetRun(context.Background(), "old-completed")
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, done.Status)

	assert.Equal(t, []string{"failed"}, notifier.statuses("stale-running"))
}

func TestSweep_IsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UTC()
	old := now.Add(-time.Hour)
	seedRun(t, st, "r1", model.RunRunning, old, &old)

	r := NewReconciler(st, time.Minute, nil, nil, nil)
	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReconcilerRunStopsOnCancel(t *testing.T) {
	r := NewReconciler(store.NewMemoryStore(), time.Minute, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestSweep_SkipsRunsQueuedBehindBusyWorkers(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	f.orch.sem = semaphore.NewWeighted(1)
	id := f.workspace(t, map[string]string{"main.sh": "sleep 0.5\n"})

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := f.orch.Submit(context.Background(), id)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	// A crashed process left this one behind; nothing owns it.
	old := time.Now().UTC().Add(-time.Hour)
	seedRun(t, f.store, "abandoned", model.RunQueued, old, nil)

	// Every record is past maxAge as far as the sweep can tell.
	r := NewReconciler(f.store, time.Millisecond, f.orch, nil, nil)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.orch.Wait(context.Background()))
	for _, runID := range ids {
		rec, err := f.store.GetRun(context.Background(), runID)
		require.NoError(t, err)
		assert.Equal(t, model.RunCompleted, rec.Status, runID)
		assert.False(t, f.orch.Owns(runID), runID)
	}

	abandoned, err := f.store.GetRun(context.Background(), "abandoned")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonOrphaned, abandoned.FailureReason)
}
