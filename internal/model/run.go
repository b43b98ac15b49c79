package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a RunRecord.
type RunStatus string

const (
	RunQueued            RunStatus = "queued"
	RunRunning           RunStatus = "running"
	RunCompleted         RunStatus = "completed"
	RunFailed            RunStatus = "failed"
	RunFailedStaticCheck RunStatus = "failed_static_check"
)

// Failure reasons recorded alongside a failed run.
const (
	ReasonStaticCheck     = "static_check"
	ReasonExitCode        = "exit_code"
	ReasonTimeout         = "timeout"
	ReasonCancelled       = "cancelled"
	ReasonLaunchError     = "launch_error"
	ReasonSetupError      = "setup_error"
	ReasonPolicyViolation = "policy_violation"
	ReasonOrphaned        = "orphaned"
)

// ErrInvalidTransition is returned for any status change the lifecycle
// does not allow, including every change out of a terminal state.
var ErrInvalidTransition = errors.New("model: invalid run status transition")

var runTransitions = map[RunStatus][]RunStatus{
	RunQueued:  {RunRunning, RunFailedStaticCheck, RunFailed},
	RunRunning: {RunCompleted, RunFailed},
}

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunFailedStaticCheck
}

// CanTransition reports whether s may move to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunRecord is the audit trail of one sandboxed execution. A rerun of the
// same workspace is always a new record.
type RunRecord struct {
	ID            string     `json:"id" db:"id"`
	WorkspaceID   string     `json:"workspace_id" db:"workspace_id"`
	CodeHash      string     `json:"code_hash" db:"code_hash"`
	Status        RunStatus  `json:"status" db:"status"`
	FailureReason string     `json:"failure_reason,omitempty" db:"failure_reason"`
	Violations    []string   `json:"violations,omitempty" db:"violations"`
	Stdout        string     `json:"stdout" db:"stdout"`
	Stderr        string     `json:"stderr" db:"stderr"`
	ExitCode      *int       `json:"exit_code" db:"exit_code"`
	StartedAt     *time.Time `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at" db:"finished_at"`
	CPUTimeMs     *int64     `json:"cpu_time_ms,omitempty" db:"cpu_time_ms"`
	MemoryMB      *int64     `json:"memory_mb,omitempty" db:"memory_mb"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Transition moves the record to next, stamping started_at on entering
// running and finished_at on entering a terminal state.
func (r *RunRecord) Transition(next RunStatus, at time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	at = at.UTC()
	r.Status = next
	if next == RunRunning {
		r.StartedAt = &at
	}
	if next.Terminal() {
		r.FinishedAt = &at
	}
	return nil
}

// Duration is derived from the timestamps and is only known once both exist.
func (r *RunRecord) Duration() (time.Duration, bool) {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0, false
	}
	return r.FinishedAt.Sub(*r.StartedAt), true
}

// Clone returns a deep copy.
func (r *RunRecord) Clone() *RunRecord {
	c := *r
	if r.Violations != nil {
		c.Violations = append([]string(nil), r.Violations...)
	}
	if r.ExitCode != nil {
		v := *r.ExitCode
		c.ExitCode = &v
	}
	if r.StartedAt != nil {
		v := *r.StartedAt
		c.StartedAt = &v
	}
	if r.FinishedAt != nil {
		v := *r.FinishedAt
		c.FinishedAt = &v
	}
	if r.CPUTimeMs != nil {
		v := *r.CPUTimeMs
		c.CPUTimeMs = &v
	}
	if r.MemoryMB != nil {
		v := *r.MemoryMB
		c.MemoryMB = &v
	}
	return &c
}

// MarshalJSON adds the derived duration_ms field.
func (r RunRecord) MarshalJSON() ([]byte, error) {
	type plain RunRecord
	var durationMs *int64
	if d, ok := r.Duration(); ok {
		ms := d.Milliseconds()
		durationMs = &ms
	}
	return json.Marshal(struct {
		plain
		DurationMs *int64 `json:"duration_ms"`
	}{plain(r), durationMs})
}
