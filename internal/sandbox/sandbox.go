// Package sandbox executes one researcher workspace inside an isolated
// runtime: no network, capped memory and CPU, read-only code mount,
// unprivileged user, bounded scratch space and a wall-clock timeout that
// kills the whole process tree.
//
// Usage is scoped: Acquire materializes a private copy of the files,
// Handle.Run executes them exactly once, Handle.Release tears everything
// down and must be deferred by the caller.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrSetup             = errors.New("sandbox: environment setup failed")
	ErrUnsafePath        = errors.New("sandbox: file path escapes workspace")
	ErrEntryPointMissing = errors.New("sandbox: entry point not found in workspace")
	ErrLaunch            = errors.New("sandbox: process launch failed")
	ErrTimeout           = errors.New("sandbox: execution timed out")
	ErrCancelled         = errors.New("sandbox: execution cancelled")
	ErrReleased          = errors.New("sandbox: handle already released")
)

// Deterministic error codes.
const (
	CodeSetup             = "ERR_SANDBOX_SETUP"
	CodeUnsafePath        = "ERR_SANDBOX_UNSAFE_PATH"
	CodeEntryPointMissing = "ERR_SANDBOX_ENTRY_POINT_MISSING"
	CodeLaunch            = "ERR_EXECUTION_LAUNCH"
	CodeTimeout           = "ERR_EXECUTION_TIMEOUT"
	CodeCancelled         = "ERR_EXECUTION_CANCELLED"
)

// Error is a typed sandbox failure. errors.Is matches the sentinel it wraps.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

func newError(code string, sentinel error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), err: sentinel}
}

// Stderr markers appended when the sandbox, not the program, ends a run.
const (
	TimeoutMarker   = "Execution timeout"
	CancelledMarker = "Execution cancelled"
	LaunchMarker    = "Execution error"
)

// TimeoutMessage is the stderr line recorded for a run that hit its limit.
func TimeoutMessage(limit time.Duration) string {
	return fmt.Sprintf("%s (%d seconds exceeded)", TimeoutMarker, int(limit.Round(time.Second)/time.Second))
}

// Limits bounds one execution.
type Limits struct {
	Timeout        time.Duration `yaml:"timeout"`
	MemoryBytes    int64         `yaml:"memory_bytes"`
	CPUs           float64       `yaml:"cpus"`
	PidsLimit      int           `yaml:"pids_limit"`
	TmpfsBytes     int64         `yaml:"tmpfs_bytes"`
	User           string        `yaml:"user"`
	Image          string        `yaml:"image"`
	Interpreter    string        `yaml:"interpreter"`
	EntryPoint     string        `yaml:"entry_point"`
	OutputMaxBytes int           `yaml:"output_max_bytes"`
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		Timeout:        30 * time.Second,
		MemoryBytes:    1 << 30,
		CPUs:           0.5,
		PidsLimit:      128,
		TmpfsBytes:     100 << 20,
		User:           "nobody",
		Image:          "python:3.11-slim",
		Interpreter:    "python3",
		EntryPoint:     "main.py",
		OutputMaxBytes: 1 << 20,
	}
}

// withDefaults fills zero fields from DefaultLimits.
func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.Timeout <= 0 {
		l.Timeout = def.Timeout
	}
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = def.MemoryBytes
	}
	if l.CPUs <= 0 {
		l.CPUs = def.CPUs
	}
	if l.PidsLimit <= 0 {
		l.PidsLimit = def.PidsLimit
	}
	if l.TmpfsBytes <= 0 {
		l.TmpfsBytes = def.TmpfsBytes
	}
	if l.User == "" {
		l.User = def.User
	}
	if l.Image == "" {
		l.Image = def.Image
	}
	if l.Interpreter == "" {
		l.Interpreter = def.Interpreter
	}
	if l.EntryPoint == "" {
		l.EntryPoint = def.EntryPoint
	}
	if l.OutputMaxBytes <= 0 {
		l.OutputMaxBytes = def.OutputMaxBytes
	}
	return l
}

// Spec identifies one materialized workspace.
type Spec struct {
	RunID  string
	Dir    string // host directory holding the private file copy
	Limits Limits
}

// Runtime provides the isolation mechanism.
type Runtime interface {
	// Command builds the isolated process for spec. The command must be
	// created with exec.CommandContext(ctx, ...).
	Command(ctx context.Context, spec Spec) *exec.Cmd

	// Teardown removes anything the runtime left behind for spec. It must
	// be safe to call when nothing exists.
	Teardown(ctx context.Context, spec Spec) error
}

// Result is the captured outcome of one execution.
type Result struct {
	Stdout      string
	Stderr      string
	ExitCode    int
	StartedAt   time.Time
	FinishedAt  time.Time
	TimedOut    bool
	Cancelled   bool
	Truncated   bool
	CPUTime     time.Duration
	MaxRSSBytes int64
}

// Sandbox hands out isolated execution handles.
type Sandbox struct {
	runtime Runtime
	limits  Limits
	rootDir string
	logger  *slog.Logger
}

// New creates a sandbox. rootDir holds the ephemeral workspace copies; an
// empty rootDir uses the system temp directory.
func New(rt Runtime, limits Limits, rootDir string, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{
		runtime: rt,
		limits:  limits.withDefaults(),
		rootDir: rootDir,
		logger:  logger,
	}
}

// Limits returns the effective limits.
func (s *Sandbox) Limits() Limits {
	return s.limits
}

// Acquire copies files into a fresh private directory. The caller owns the
// returned handle and must call Release.
func (s *Sandbox) Acquire(ctx context.Context, runID string, files map[string]string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(CodeCancelled, ErrCancelled, "acquire: %v", err)
	}
	for p := range files {
		if !localPath(p) {
			return nil, newError(CodeUnsafePath, ErrUnsafePath, "%q", p)
		}
	}
	if _, ok := files[s.limits.EntryPoint]; !ok {
		return nil, newError(CodeEntryPointMissing, ErrEntryPointMissing, "%s not found in workspace", s.limits.EntryPoint)
	}

	if s.rootDir != "" {
		if err := os.MkdirAll(s.rootDir, 0o755); err != nil {
			return nil, newError(CodeSetup, ErrSetup, "create root: %v", err)
		}
	}
	dir, err := os.MkdirTemp(s.rootDir, "run-")
	if err != nil {
		return nil, newError(CodeSetup, ErrSetup, "create workspace dir: %v", err)
	}
	h := &Handle{
		sandbox: s,
		spec:    Spec{RunID: runID, Dir: dir, Limits: s.limits},
	}

	// The unprivileged runtime user must be able to read the copy.
	if err := os.Chmod(dir, 0o755); err != nil {
		h.Release()
		return nil, newError(CodeSetup, ErrSetup, "chmod workspace dir: %v", err)
	}
	for p, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			h.Release()
			return nil, newError(CodeSetup, ErrSetup, "create %s: %v", filepath.Dir(p), err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			h.Release()
			return nil, newError(CodeSetup, ErrSetup, "write %s: %v", p, err)
		}
	}
	return h, nil
}

// Handle is one acquired execution environment.
type Handle struct {
	sandbox *Sandbox
	spec    Spec

	mu       sync.Mutex
	ran      bool
	released bool
}

// Dir returns the host directory of the private workspace copy.
func (h *Handle) Dir() string {
	return h.spec.Dir
}

// Run executes the entry point once. A non-zero exit is not an error; the
// returned error is a *Error for timeout, cancellation and launch failure.
// The Result is always populated.
func (h *Handle) Run(ctx context.Context) (*Result, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil, ErrReleased
	}
	if h.ran {
		h.mu.Unlock()
		return nil, newError(CodeLaunch, ErrLaunch, "handle already used")
	}
	h.ran = true
	h.mu.Unlock()

	limits := h.spec.Limits
	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	stdout := newCappedBuffer(limits.OutputMaxBytes)
	stderr := newCappedBuffer(limits.OutputMaxBytes)

	cmd := h.sandbox.runtime.Command(runCtx, h.spec)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	killProcessGroup(cmd)

	res := &Result{StartedAt: time.Now().UTC()}
	if err := cmd.Start(); err != nil {
		res.FinishedAt = time.Now().UTC()
		res.ExitCode = -1
		res.Stderr = fmt.Sprintf("%s: %v", LaunchMarker, err)
		return res, newError(CodeLaunch, ErrLaunch, "start: %v", err)
	}
	waitErr := cmd.Wait()

	res.FinishedAt = time.Now().UTC()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.Truncated() || stderr.Truncated()
	if cmd.ProcessState != nil {
		res.CPUTime = cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()
		res.MaxRSSBytes = maxRSSBytes(cmd.ProcessState)
	}

	switch {
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Cancelled = true
		res.Stderr = appendLine(res.Stderr, CancelledMarker)
		return res, newError(CodeCancelled, ErrCancelled, "run %s: %v", h.spec.RunID, ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.TimedOut = true
		res.Stderr = appendLine(res.Stderr, TimeoutMessage(limits.Timeout))
		return res, newError(CodeTimeout, ErrTimeout, "run %s exceeded %s", h.spec.RunID, limits.Timeout)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("%s: %v", LaunchMarker, waitErr))
		return res, newError(CodeLaunch, ErrLaunch, "wait: %v", waitErr)
	}
	res.ExitCode = 0
	return res, nil
}

// Release removes the workspace copy and asks the runtime to tear down.
// It runs at most once and ignores cancellation of the caller.
func (h *Handle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	ran := h.ran
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if ran {
		if err := h.sandbox.runtime.Teardown(ctx, h.spec); err != nil {
			errs = append(errs, fmt.Errorf("teardown: %w", err))
		}
	}
	if err := os.RemoveAll(h.spec.Dir); err != nil {
		errs = append(errs, fmt.Errorf("remove %s: %w", h.spec.Dir, err))
	}
	if err := errors.Join(errs...); err != nil {
		h.sandbox.logger.Error("sandbox release failed", "run_id", h.spec.RunID, "err", err)
		return err
	}
	return nil
}

func appendLine(s, line string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}

func localPath(p string) bool {
	if p == "" || strings.ContainsRune(p, 0) || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return false
	}
	return filepath.IsLocal(filepath.FromSlash(p))
}
