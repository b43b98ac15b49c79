// Package scanner performs the lexical pre-execution security check on
// researcher code. It pattern-matches source text against a Policy and is
// intentionally conservative: false positives are accepted, and the
// execution sandbox remains the actual containment boundary.
package scanner

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ErrSecurityViolation matches any *ViolationError via errors.Is.
var ErrSecurityViolation = errors.New("scanner: security violation")

// ViolationError carries every finding of a failed scan.
type ViolationError struct {
	Violations []string
}

func (e *ViolationError) Error() string {
	if len(e.Violations) == 0 {
		return ErrSecurityViolation.Error()
	}
	return fmt.Sprintf("%s: %d finding(s), first: %s", ErrSecurityViolation, len(e.Violations), e.Violations[0])
}

// Is makes errors.Is(err, ErrSecurityViolation) true.
func (e *ViolationError) Is(target error) bool {
	return target == ErrSecurityViolation
}

// Result is the outcome of a scan. Violations is never nil.
type Result struct {
	Safe       bool     `json:"safe"`
	Violations []string `json:"violations"`
}

// Err returns nil for a safe result and a *ViolationError otherwise.
func (r Result) Err() error {
	if r.Safe {
		return nil
	}
	return &ViolationError{Violations: append([]string(nil), r.Violations...)}
}

// Scanner applies one Policy. It holds no mutable state and is safe for
// concurrent use.
type Scanner struct {
	policy *Policy
}

// New creates a scanner. A nil policy selects DefaultPolicy.
func New(policy *Policy) *Scanner {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Scanner{policy: policy}
}

// Policy returns the scanner's policy.
func (s *Scanner) Policy() *Policy {
	return s.policy
}

// Scan checks one source text. It never fails: malformed input simply
// produces whatever matches it produces.
func (s *Scanner) Scan(source string) Result {
	violations := []string{}
	for _, r := range s.policy.rules {
		if r.re.MatchString(source) {
			violations = append(violations, r.message)
		}
	}

	lower := strings.ToLower(source)
	for _, sub := range s.policy.network {
		if strings.Contains(lower, sub) {
			violations = append(violations, "Network operation detected: "+sub)
		}
	}

	return Result{Safe: len(violations) == 0, Violations: violations}
}

// ValidateWorkspace scans every source file in path order and prefixes each
// finding with its path. Files that are not source are skipped, but every
// path must stay inside the workspace.
func (s *Scanner) ValidateWorkspace(files map[string]string) Result {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	violations := []string{}
	for _, p := range paths {
		if !SafePath(p) {
			violations = append(violations, p+": Unsafe file path")
			continue
		}
		if !s.policy.IsSource(p) {
			continue
		}
		for _, v := range s.Scan(files[p]).Violations {
			violations = append(violations, p+": "+v)
		}
	}
	return Result{Safe: len(violations) == 0, Violations: violations}
}

// SafePath reports whether p is a non-empty relative path that stays inside
// the workspace root.
func SafePath(p string) bool {
	if p == "" || strings.ContainsRune(p, 0) || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return false
	}
	return filepath.IsLocal(filepath.FromSlash(p))
}
