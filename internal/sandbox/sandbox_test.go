package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shellRuntime runs the entry point with sh directly on the host. Tests only.
type shellRuntime struct {
	teardowns atomic.Int32
}

func (r *shellRuntime) Command(ctx context.Context, spec Spec) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", spec.Limits.EntryPoint)
	cmd.Dir = spec.Dir
	return cmd
}

func (r *shellRuntime) Teardown(_ context.Context, _ Spec) error {
	r.teardowns.Add(1)
	return nil
}

func newTestSandbox(t *testing.T, timeout time.Duration) (*Sandbox, *shellRuntime) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	rt := &shellRuntime{}
	limits := DefaultLimits()
	limits.Timeout = timeout
	limits.EntryPoint = "main.sh"
	limits.OutputMaxBytes = 4096
	return New(rt, limits, t.TempDir(), nil), rt
}

func runScript(t *testing.T, sb *Sandbox, script string) (*Result, error) {
	t.Helper()
	h, err := sb.Acquire(context.Background(), "run-1", map[string]string{"main.sh": script})
	require.NoError(t, err)
	defer h.Release()
	return h.Run(context.Background())
}

func TestRun_Success(t *testing.T) {
	sb, _ := newTestSandbox(t, 5*time.Second)
	res, err := runScript(t, sb, "echo hello\necho oops >&2\n")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestRun_NonZeroExitIsCaptured(t *testing.T) {
	sb, _ := newTestSandbox(t, 5*time.Second)
	res, err := runScript(t, sb, "echo partial\nexit 3\n")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
}

func TestRun_TimeoutIsDistinct(t *testing.T) {
	sb, _ := newTestSandbox(t, 300*time.Millisecond)
	start := time.Now()
	res, err := runScript(t, sb, "echo started\nsleep 30\n")
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrTimeout))
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, CodeTimeout, se.Code)

	assert.Equal(t, -1, res.ExitCode)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Stderr, TimeoutMarker)
	assert.Equal(t, "started\n", res.Stdout)
	assert.Less(t, time.Since(start), 10*time.Second, "process tree must be killed on timeout")
}

func TestRun_TimeoutKillsChildProcesses(t *testing.T) {
	sb, _ := newTestSandbox(t, 300*time.Millisecond)
	start := time.Now()
	// The background sleep keeps stdout open; only a group kill ends it.
	_, err := runScript(t, sb, "sleep 30 &\nsleep 30\n")
	require.True(t, errors.Is(err, ErrTimeout))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRun_Cancelled(t *testing.T) {
	sb, _ := newTestSandbox(t, 10*time.Second)
	h, err := sb.Acquire(context.Background(), "run-c", map[string]string{"main.sh": "sleep 30\n"})
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	res, err := h.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, res.Cancelled)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Stderr, CancelledMarker)
	assert.NotContains(t, res.Stderr, TimeoutMarker)
}

func TestRun_OutputCapped(t *testing.T) {
	sb, _ := newTestSandbox(t, 5*time.Second)
	res, err := runScript(t, sb, "i=0\nwhile [ $i -lt 2000 ]; do echo 0123456789; i=$((i+1)); done\n")
	require.NoError(t, err)
	assert.Len(t, res.Stdout, 4096)
	assert.True(t, res.Truncated)
}

func TestAcquire_CopiesFilesAndReleaseCleansUp(t *testing.T) {
	sb, rt := newTestSandbox(t, 5*time.Second)
	files := map[string]string{"main.sh": "cat data/input.txt\n", "data/input.txt": "42"}

	h, err := sb.Acquire(context.Background(), "run-2", files)
	require.NoError(t, err)
	dir := h.Dir()

	files["data/input.txt"] = "mutated after acquire"

	res, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", res.Stdout)

	_, err = h.Run(context.Background())
	assert.True(t, errors.Is(err, ErrLaunch), "a handle runs exactly once")

	require.NoError(t, h.Release())
	require.NoError(t, h.Release())
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, int32(1), rt.teardowns.Load())

	_, err = h.Run(context.Background())
	assert.ErrorIs(t, err, ErrReleased)
}

func TestRelease_RacingRunTearsDownOnlyWhenStarted(t *testing.T) {
	sb, rt := newTestSandbox(t, 5*time.Second)
	for i := 0; i < 20; i++ {
		before := rt.teardowns.Load()
		h, err := sb.Acquire(context.Background(), fmt.Sprintf("race-%d", i), map[string]string{"main.sh": "true\n"})
		require.NoError(t, err)

		runErr := make(chan error, 1)
		go func() {
			_, err := h.Run(context.Background())
			runErr <- err
		}()
		require.NoError(t, h.Release())
		err = <-runErr

		want := int32(1)
		if errors.Is(err, ErrReleased) {
			want = 0
		}
		assert.Equal(t, want, rt.teardowns.Load()-before, "iteration %d", i)
		require.NoError(t, h.Release())
	}
}

func TestAcquire_Rejections(t *testing.T) {
	sb, _ := newTestSandbox(t, time.Second)

	_, err := sb.Acquire(context.Background(), "r", map[string]string{"main.sh": "", "../evil": "x"})
	assert.ErrorIs(t, err, ErrUnsafePath)

	_, err = sb.Acquire(context.Background(), "r", map[string]string{"other.sh": "echo"})
	assert.ErrorIs(t, err, ErrEntryPointMissing)

	entries, _ := os.ReadDir(sb.rootDir)
	assert.Empty(t, entries, "rejected acquires must not leave directories")
}

func TestAcquire_SetupError(t *testing.T) {
	root := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(root, []byte("not a dir"), 0o644))

	sb := New(&shellRuntime{}, Limits{EntryPoint: "main.sh"}, root, nil)
	_, err := sb.Acquire(context.Background(), "r", map[string]string{"main.sh": "echo"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSetup)
}

func TestDockerRuntime_Args(t *testing.T) {
	d := NewDockerRuntime()
	args := strings.Join(d.Args(Spec{RunID: "abc", Dir: "/tmp/run-1", Limits: DefaultLimits()}), " ")

	for _, want := range []string{
		"run --rm",
		"--name predmarket-run-abc",
		"--network=none",
		"--memory=1073741824",
		"--cpus=0.5",
		"--read-only",
		"--tmpfs /tmp:rw,noexec,nosuid,size=104857600",
		"-v /tmp/run-1:/workspace:ro",
		"--user nobody",
		"python:3.11-slim python3 main.py",
	} {
		assert.Contains(t, args, want)
	}
}

func TestTimeoutMessage(t *testing.T) {
	assert.Equal(t, "Execution timeout (30 seconds exceeded)", TimeoutMessage(30*time.Second))
}
