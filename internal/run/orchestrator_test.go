package run

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/events"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/model"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/sandbox"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/store"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/ws"
)

// shellRuntime runs the entry point with sh on the host. Tests only.
type shellRuntime struct{}

func (shellRuntime) Command(ctx context.Context, spec sandbox.Spec) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", spec.Limits.EntryPoint)
	cmd.Dir = spec.Dir
	return cmd
}

func (shellRuntime) Teardown(context.Context, sandbox.Spec) error { return nil }

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []ws.Message
}

func (n *recordingNotifier) Broadcast(msg ws.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *recordingNotifier) statuses(runID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.msgs {
		if m.RunID == runID {
			out = append(out, m.Status)
		}
	}
	return out
}

type recordingArchiver struct {
	mu   sync.Mutex
	runs []*model.RunRecord
}

func (a *recordingArchiver) Archive(_ context.Context, rec *model.RunRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs = append(a.runs, rec.Clone())
	return nil
}

type fixture struct {
	store    *store.MemoryStore
	orch     *Orchestrator
	notifier *recordingNotifier
	archiver *recordingArchiver
	pub      *events.MemoryPublisher
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	limits := sandbox.DefaultLimits()
	limits.Timeout = timeout
	limits.EntryPoint = "main.sh"
	limits.OutputMaxBytes = 4096

	f := &fixture{
		store:    store.NewMemoryStore(),
		notifier: &recordingNotifier{},
		archiver: &recordingArchiver{},
		pub:      &events.MemoryPublisher{},
	}
	sb := sandbox.New(shellRuntime{}, limits, t.TempDir(), nil)
	f.orch = NewOrchestrator(f.store, nil, sb, Deps{
		Archiver:  f.archiver,
		Publisher: f.pub,
		Notifier:  f.notifier,
		Workers:   2,
	})
	return f
}

func (f *fixture) workspace(t *testing.T, files map[string]string) string {
	t.Helper()
	w := &model.Workspace{
		ID:        "ws-" + t.Name(),
		OwnerID:   "owner",
		Files:     files,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateWorkspace(context.Background(), w))
	return w.ID
}

func TestStartRun_Completes(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	files := map[string]string{"main.sh": "echo hello\n", "data/input.txt": "42"}
	id := f.workspace(t, files)

	rec, err := f.orch.StartRun(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, model.RunCompleted, rec.Status)
	assert.Empty(t, rec.FailureReason)
	assert.Equal(t, "hello\n", rec.Stdout)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
	assert.Equal(t, model.HashFiles(files), rec.CodeHash)
	_, ok := rec.Duration()
	assert.True(t, ok)

	stored, err := f.store.GetRun(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, stored.Status)

	assert.Equal(t, []string{"queued", "running", "completed"}, f.notifier.statuses(rec.ID))
	require.Len(t, f.archiver.runs, 1)
	assert.Equal(t, rec.ID, f.archiver.runs[0].ID)

	published := f.pub.Events()
	require.Len(t, published, 1)
	assert.Equal(t, events.TopicRunFinished, published[0].Topic)
	assert.Equal(t, "completed", published[0].Event.(events.RunFinished).Status)
}

func TestStartRun_StaticCheckStartsNoProcess(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	marker := filepath.Join(t.TempDir(), "ran")
	id := f.workspace(t, map[string]string{
		"main.sh":       "touch " + marker + "\n",
		"lib/helper.py": "import subprocess\n",
	})

	rec, err := f.orch.StartRun(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, model.RunFailedStaticCheck, rec.Status)
	assert.Equal(t, model.ReasonStaticCheck, rec.FailureReason)
	assert.Equal(t, []string{"lib/helper.py: Banned import detected: subprocess"}, rec.Violations)
	assert.Nil(t, rec.StartedAt)
	assert.NotNil(t, rec.FinishedAt)
	assert.Nil(t, rec.ExitCode)

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "no process may run after a failed static check")
	assert.Equal(t, []string{"queued", "failed_static_check"}, f.notifier.statuses(rec.ID))
}

func TestStartRun_NonZeroExit(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	id := f.workspace(t, map[string]string{"main.sh": "echo boom >&2\nexit 3\n"})

	rec, err := f.orch.StartRun(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, model.RunFailed, rec.Status)
	assert.Equal(t, model.ReasonExitCode, rec.FailureReason)
	assert.Equal(t, 3, *rec.ExitCode)
	assert.Equal(t, "boom\n", rec.Stderr)
}

func TestStartRun_Timeout(t *testing.T) {
	f := newFixture(t, 300*time.Millisecond)
	id := f.workspace(t, map[string]string{"main.sh": "sleep 30\n"})

	start := time.Now()
	rec, err := f.orch.StartRun(context.Background(), id)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, model.RunFailed, rec.Status)
	assert.Equal(t, model.ReasonTimeout, rec.FailureReason)
	assert.Equal(t, -1, *rec.ExitCode)
	assert.Contains(t, rec.Stderr, sandbox.TimeoutMarker)
}

func TestStartRun_MissingEntryPoint(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	id := f.workspace(t, map[string]string{"other.sh": "echo hi\n"})

	rec, err := f.orch.StartRun(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, model.RunFailed, rec.Status)
	assert.Equal(t, model.ReasonSetupError, rec.FailureReason)
	assert.Contains(t, rec.Stderr, "main.sh not found")
	assert.NotNil(t, rec.StartedAt)
}

func TestStartRun_UnknownWorkspace(t *testing.T) {
	f := newFixture(t, time.Second)
	_, err := f.orch.StartRun(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStartRun_SnapshotIsolatedFromLaterEdits(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	id := f.workspace(t, map[string]string{"main.sh": "sleep 0.3\ncat data.txt\n", "data.txt": "v1"})

	rec, err := f.orch.Submit(context.Background(), id)
	require.NoError(t, err)

	_, err = f.store.UpdateWorkspaceFiles(context.Background(), id, func(files map[string]string) error {
		files["data.txt"] = "v2"
		return nil
	}, time.Now())
	require.NoError(t, err)

	require.NoError(t, f.orch.Wait(context.Background()))
	done, err := f.store.GetRun(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1", done.Stdout)
}

func TestSubmit_ReturnsQueuedThenCompletes(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	id := f.workspace(t, map[string]string{"main.sh": "echo async\n"})

	rec, err := f.orch.Submit(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.RunQueued, rec.Status)

	require.NoError(t, f.orch.Wait(context.Background()))

	done, err := f.store.GetRun(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, done.Status)
	assert.Equal(t, "async\n", done.Stdout)

	runs, err := f.store.ListRunsByWorkspace(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSubmit_StaticCheckIsSynchronous(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	id := f.workspace(t, map[string]string{"main.sh": "echo hi\n", "x.py": "eval('1')"})

	rec, err := f.orch.Submit(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailedStaticCheck, rec.Status)
}

func TestWait_DeadlineCancelsInFlightRuns(t *testing.T) {
	f := newFixture(t, 20*time.Second)
	id := f.workspace(t, map[string]string{"main.sh": "sleep 30\n"})

	rec, err := f.orch.Submit(context.Background(), id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, err := f.store.GetRun(context.Background(), rec.ID)
		return err == nil && cur.Status == model.RunRunning
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.orch.Wait(ctx), context.DeadlineExceeded)

	done, err := f.store.GetRun(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, done.Status)
	assert.Equal(t, model.ReasonCancelled, done.FailureReason)
	assert.Contains(t, done.Stderr, sandbox.CancelledMarker)
}
