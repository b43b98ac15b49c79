// Package run drives code runs through the static gate, the sandbox and the
// run-record state machine, and fails runs abandoned by a crashed process.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/artifact"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/events"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/metrics"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/model"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/sandbox"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/scanner"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/store"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/ws"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	store.WorkspaceStore
	store.RunStore
}

// Notifier receives run transitions for realtime clients.
type Notifier interface {
	Broadcast(msg ws.Message)
}

// Deps are the optional collaborators. Zero values fall back to no-ops.
type Deps struct {
	Archiver  artifact.Archiver
	Publisher events.Publisher
	Notifier  Notifier
	Logger    *slog.Logger
	Clock     func() time.Time
	// Workers bounds concurrently executing sandboxes. Zero means 4.
	Workers int
}

// Orchestrator runs workspaces.
type Orchestrator struct {
	store    Store
	scanner  *scanner.Scanner
	sandbox  *sandbox.Sandbox
	archiver artifact.Archiver
	pub      events.Publisher
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	liveMu sync.Mutex
	live   map[string]struct{} // runs admitted here and not yet terminal

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(st Store, sc *scanner.Scanner, sb *sandbox.Sandbox, deps Deps) *Orchestrator {
	if sc == nil {
		sc = scanner.New(nil)
	}
	if deps.Archiver == nil {
		deps.Archiver = artifact.NopArchiver{}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Workers <= 0 {
		deps.Workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    st,
		scanner:  sc,
		sandbox:  sb,
		archiver: deps.Archiver,
		pub:      deps.Publisher,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		now:      deps.Clock,
		sem:      semaphore.NewWeighted(int64(deps.Workers)),
		live:     make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartRun runs the workspace to completion and returns the terminal
// record. The error is non-nil only when no record could be created.
func (o *Orchestrator) StartRun(ctx context.Context, workspaceID string) (*model.RunRecord, error) {
	rec, files, err := o.admit(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	defer o.release(rec.ID)
	if rec.Status.Terminal() {
		return rec, nil
	}
	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.abort(rec, model.ReasonCancelled, "Run cancelled before start")
		return rec, nil
	}
	defer o.sem.Release(1)
	o.execute(ctx, rec, files)
	return rec, nil
}

// Submit admits the run and executes it in the background. The returned
// record is queued, or terminal when the static check failed.
func (o *Orchestrator) Submit(ctx context.Context, workspaceID string) (*model.RunRecord, error) {
	rec, files, err := o.admit(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		o.release(rec.ID)
		return rec, nil
	}

	snapshot := rec.Clone()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(rec.ID)
		if err := o.sem.Acquire(o.ctx, 1); err != nil {
			o.abort(rec, model.ReasonCancelled, "Run cancelled before start")
			return
		}
		defer o.sem.Release(1)
		o.execute(o.ctx, rec, files)
	}()
	return snapshot, nil
}

// Wait blocks until background runs finish. When ctx ends first, in-flight
// runs are cancelled and Wait still waits for their terminal writes.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

// Owns reports whether runID was admitted by this orchestrator and has not
// yet reached a terminal state. A queued run waiting for a worker slot is
// owned even though nothing is executing it.
func (o *Orchestrator) Owns(runID string) bool {
	o.liveMu.Lock()
	defer o.liveMu.Unlock()
	_, ok := o.live[runID]
	return ok
}

func (o *Orchestrator) claim(runID string) {
	o.liveMu.Lock()
	o.live[runID] = struct{}{}
	o.liveMu.Unlock()
}

func (o *Orchestrator) release(runID string) {
	o.liveMu.Lock()
	delete(o.live, runID)
	o.liveMu.Unlock()
}

// admit snapshots the files, creates the queued record and applies the
// static gate.
func (o *Orchestrator) admit(ctx context.Context, workspaceID string) (*model.RunRecord, map[string]string, error) {
	w, err := o.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, nil, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}
	files := w.CloneFiles()

	rec := &model.RunRecord{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		CodeHash:    model.HashFiles(files),
		Status:      model.RunQueued,
		CreatedAt:   o.now().UTC(),
	}
	o.claim(rec.ID)
	if err := o.store.CreateRun(ctx, rec); err != nil {
		o.release(rec.ID)
		return nil, nil, fmt.Errorf("create run: %w", err)
	}
	o.notify(rec)

	res := o.scanner.ValidateWorkspace(files)
	if res.Safe {
		return rec, files, nil
	}
	for _, v := range res.Violations {
		metrics.ScanViolations.WithLabelValues(violationKind(v)).Inc()
	}
	rec.Violations = res.Violations
	rec.FailureReason = model.ReasonStaticCheck
	rec.Stderr = "Security check failed:\n" + strings.Join(res.Violations, "\n")
	o.finish(rec, model.RunQueued, model.RunFailedStaticCheck)
	return rec, files, nil
}

// execute moves a queued record through running to a terminal state.
func (o *Orchestrator) execute(ctx context.Context, rec *model.RunRecord, files map[string]string) {
	logger := o.logger.With("run_id", rec.ID, "workspace_id", rec.WorkspaceID)

	if err := rec.Transition(model.RunRunning, o.now()); err != nil {
		logger.Error("run transition failed", "err", err)
		return
	}
	if err := o.store.UpdateRun(context.WithoutCancel(ctx), rec, model.RunQueued); err != nil {
		// Another actor (the reconciler) already owns the record.
		logger.Warn("run start lost race", "err", err)
		return
	}
	o.notify(rec)
	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	handle, err := o.sandbox.Acquire(ctx, rec.ID, files)
	if err != nil {
		rec.ExitCode = intPtr(-1)
		rec.FailureReason = reasonFor(err)
		rec.Stderr = setupMessage(err)
		o.finish(rec, model.RunRunning, model.RunFailed)
		return
	}
	defer handle.Release()

	res, runErr := handle.Run(ctx)
	if res == nil {
		rec.ExitCode = intPtr(-1)
		rec.FailureReason = model.ReasonLaunchError
		rec.Stderr = fmt.Sprintf("%s: %v", sandbox.LaunchMarker, runErr)
		o.finish(rec, model.RunRunning, model.RunFailed)
		return
	}

	rec.Stdout = res.Stdout
	rec.Stderr = res.Stderr
	rec.ExitCode = intPtr(res.ExitCode)
	cpu := res.CPUTime.Milliseconds()
	rec.CPUTimeMs = &cpu
	if res.MaxRSSBytes > 0 {
		mb := res.MaxRSSBytes >> 20
		rec.MemoryMB = &mb
	}
	metrics.RunDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())

	switch {
	case runErr != nil:
		rec.FailureReason = reasonFor(runErr)
		o.finish(rec, model.RunRunning, model.RunFailed)
	case res.ExitCode != 0:
		rec.FailureReason = model.ReasonExitCode
		o.finish(rec, model.RunRunning, model.RunFailed)
	default:
		o.finish(rec, model.RunRunning, model.RunCompleted)
	}
}

// abort fails a queued run that never started.
func (o *Orchestrator) abort(rec *model.RunRecord, reason, msg string) {
	rec.FailureReason = reason
	rec.Stderr = msg
	rec.ExitCode = intPtr(-1)
	o.finish(rec, model.RunQueued, model.RunFailed)
}

// finish records the terminal state. The write ignores caller cancellation.
func (o *Orchestrator) finish(rec *model.RunRecord, from, to model.RunStatus) {
	logger := o.logger.With("run_id", rec.ID, "workspace_id", rec.WorkspaceID)
	if err := rec.Transition(to, o.now()); err != nil {
		logger.Error("run transition failed", "err", err)
		return
	}

	ctx := context.WithoutCancel(o.ctx)
	if err := o.store.UpdateRun(ctx, rec, from); err != nil {
		logger.Error("failed to record terminal run state", "status", to, "err", err)
		return
	}

	metrics.RunsTotal.WithLabelValues(string(rec.Status), rec.FailureReason).Inc()
	attrs := []any{"status", rec.Status, "code_hash", rec.CodeHash}
	if rec.FailureReason != "" {
		attrs = append(attrs, "reason", rec.FailureReason)
	}
	if d, ok := rec.Duration(); ok {
		attrs = append(attrs, "duration_ms", d.Milliseconds())
	}
	logger.Info("run finished", attrs...)

	o.notify(rec)
	if err := o.archiver.Archive(ctx, rec); err != nil {
		logger.Error("failed to archive run", "err", err)
	}
	ev := events.RunFinished{
		RunID:         rec.ID,
		WorkspaceID:   rec.WorkspaceID,
		CodeHash:      rec.CodeHash,
		Status:        string(rec.Status),
		FailureReason: rec.FailureReason,
		ExitCode:      rec.ExitCode,
		Timestamp:     *rec.FinishedAt,
	}
	if d, ok := rec.Duration(); ok {
		ms := d.Milliseconds()
		ev.DurationMs = &ms
	}
	if err := o.pub.Publish(ctx, events.TopicRunFinished, rec.WorkspaceID, ev); err != nil {
		logger.Warn("failed to publish run event", "err", err)
	}
}

func (o *Orchestrator) notify(rec *model.RunRecord) {
	if o.notifier == nil {
		return
	}
	o.notifier.Broadcast(runMessage(rec))
}

func runMessage(rec *model.RunRecord) ws.Message {
	return ws.Message{
		Type:          ws.TypeRunUpdate,
		RunID:         rec.ID,
		WorkspaceID:   rec.WorkspaceID,
		Status:        string(rec.Status),
		FailureReason: rec.FailureReason,
	}
}

// reasonFor maps a sandbox error to a failure reason.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return model.ReasonTimeout
	case errors.Is(err, sandbox.ErrCancelled):
		return model.ReasonCancelled
	case errors.Is(err, sandbox.ErrUnsafePath):
		return model.ReasonPolicyViolation
	case errors.Is(err, sandbox.ErrLaunch):
		return model.ReasonLaunchError
	default:
		return model.ReasonSetupError
	}
}

func setupMessage(err error) string {
	if errors.Is(err, sandbox.ErrCancelled) {
		return sandbox.CancelledMarker
	}
	var se *sandbox.Error
	if errors.As(err, &se) {
		if errors.Is(err, sandbox.ErrEntryPointMissing) {
			return "Runner error: " + se.Message
		}
		return fmt.Sprintf("Runner error: %s (%s)", se.Message, se.Code)
	}
	return "Runner error: " + err.Error()
}

// violationKind buckets a violation message for metrics.
func violationKind(v string) string {
	switch {
	case strings.Contains(v, "Unsafe file path"):
		return "path"
	case strings.Contains(v, "Banned import"):
		return "import"
	case strings.Contains(v, "dunder"):
		return "dunder"
	case strings.Contains(v, "Dynamic code"):
		return "dynamic_exec"
	case strings.Contains(v, "File I/O"):
		return "file_io"
	case strings.Contains(v, "Network"):
		return "network"
	default:
		return "pattern"
	}
}

func intPtr(v int) *int { return &v }
