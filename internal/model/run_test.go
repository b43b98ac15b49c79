package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRunStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		ok       bool
	}{
		{RunQueued, RunRunning, true},
		{RunQueued, RunFailedStaticCheck, true},
		{RunQueued, RunFailed, true},
		{RunQueued, RunCompleted, false},
		{RunRunning, RunCompleted, true},
		{RunRunning, RunFailed, true},
		{RunRunning, RunQueued, false},
		{RunRunning, RunFailedStaticCheck, false},
		{RunCompleted, RunRunning, false},
		{RunCompleted, RunFailed, false},
		{RunFailed, RunCompleted, false},
		{RunFailed, RunQueued, false},
		{RunFailedStaticCheck, RunRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.ok, got)
		}
	}
}

func TestRunRecord_TerminalIsImmutable(t *testing.T) {
	now := time.Now()
	rec := &RunRecord{ID: "r1", Status: RunQueued}
	if err := rec.Transition(RunRunning, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rec.Transition(RunCompleted, now.Add(time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, next := range []RunStatus{RunQueued, RunRunning, RunFailed, RunFailedStaticCheck, RunCompleted} {
		err := rec.Transition(next, now)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("completed -> %s: expected ErrInvalidTransition, got %v", next, err)
		}
	}
	if rec.Status != RunCompleted {
		t.Errorf("status changed after rejected transition: %s", rec.Status)
	}
}

func TestRunRecord_DurationDerived(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := &RunRecord{Status: RunQueued}
	if _, ok := rec.Duration(); ok {
		t.Error("queued run should have no duration")
	}
	rec.Transition(RunRunning, start)
	rec.Transition(RunFailed, start.Add(1500*time.Millisecond))

	d, ok := rec.Duration()
	if !ok || d != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v (ok=%v)", d, ok)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	json.Unmarshal(data, &out)
	if out["duration_ms"] != float64(1500) {
		t.Errorf("expected duration_ms=1500, got %v", out["duration_ms"])
	}
	if out["status"] != "failed" {
		t.Errorf("expected status failed, got %v", out["status"])
	}
}

func TestRunRecord_StaticCheckHasNoStart(t *testing.T) {
	rec := &RunRecord{Status: RunQueued}
	if err := rec.Transition(RunFailedStaticCheck, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.StartedAt != nil {
		t.Error("static check failure must not stamp started_at")
	}
	if rec.FinishedAt == nil {
		t.Error("terminal state must stamp finished_at")
	}
	data, _ := json.Marshal(rec)
	var out map[string]any
	json.Unmarshal(data, &out)
	if out["duration_ms"] != nil {
		t.Errorf("expected null duration_ms, got %v", out["duration_ms"])
	}
}

func TestHashFiles_OrderIndependent(t *testing.T) {
	a := HashFiles(map[string]string{"main.py": "print(1)", "util.py": "x = 2"})
	b := HashFiles(map[string]string{"util.py": "x = 2", "main.py": "print(1)"})
	if a != b {
		t.Error("hash should not depend on map iteration order")
	}
	c := HashFiles(map[string]string{"main.py": "print(2)", "util.py": "x = 2"})
	if a == c {
		t.Error("hash should change with content")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %q", a)
	}
}
