package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/metrics"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/model"
	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/store"
)

// RunOwner reports whether a live process still drives a run.
// *Orchestrator implements it.
type RunOwner interface {
	Owns(runID string) bool
}

// Reconciler fails runs left non-terminal by a process that died mid-run.
type Reconciler struct {
	store    store.RunStore
	maxAge   time.Duration
	owner    RunOwner
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler creates a reconciler that fails runs older than maxAge.
// Runs the owner still drives are never failed, however long they wait for
// a worker; owner may be nil. maxAge must exceed the sandbox timeout.
func NewReconciler(st store.RunStore, maxAge time.Duration, owner RunOwner, notifier Notifier, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    st,
		maxAge:   maxAge,
		owner:    owner,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Sweep fails every stale queued or running run that no live owner holds and
// returns how many it failed. Runs that finish concurrently are skipped.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	now := r.now().UTC()
	cutoff := now.Add(-r.maxAge)
	failed := 0

	for _, status := range []model.RunStatus{model.RunRunning, model.RunQueued} {
		runs, err := r.store.ListRunsByStatus(ctx, status)
		if err != nil {
			return failed, fmt.Errorf("list %s runs: %w", status, err)
		}
		for i := range runs {
			rec := &runs[i]
			since := rec.CreatedAt
			if rec.StartedAt != nil {
				since = *rec.StartedAt
			}
			if since.After(cutoff) || (r.owner != nil && r.owner.Owns(rec.ID)) {
				continue
			}

			rec.FailureReason = model.ReasonOrphaned
			rec.ExitCode = intPtr(-1)
			rec.Stderr = appendOrphanNote(rec.Stderr, now.Sub(since))
			if err := rec.Transition(model.RunFailed, now); err != nil {
				return failed, err
			}
			if err := r.store.UpdateRun(ctx, rec, status); err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				return failed, fmt.Errorf("fail run %s: %w", rec.ID, err)
			}

			failed++
			metrics.ReconciledRuns.Inc()
			metrics.RunsTotal.WithLabelValues(string(model.RunFailed), model.ReasonOrphaned).Inc()
			r.logger.Warn("stale run failed",
				"run_id", rec.ID,
				"workspace_id", rec.WorkspaceID,
				"previous_status", status,
				"age", now.Sub(since).Round(time.Second).String(),
			)
			if r.notifier != nil {
				r.notifier.Broadcast(runMessage(rec))
			}
		}
	}
	return failed, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Error("run reconciliation failed", "err", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("run reconciliation failed", "err", err)
			}
		}
	}
}

func appendOrphanNote(stderr string, age time.Duration) string {
	note := fmt.Sprintf("Run abandoned: no terminal status after %s", age.Round(time.Second))
	if stderr == "" {
		return note
	}
	return stderr + "\n" + note
}
