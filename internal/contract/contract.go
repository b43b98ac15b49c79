// Package contract validates market definitions: the question being
// forecast, its outcome labels, the close date and the liquidity seed.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Bounds on a market definition.
const (
	MinOutcomes       = 2
	MaxOutcomes       = 20
	MaxQuestionLength = 500
	MaxOutcomeLength  = 50
)

// outcomeRegex matches a label that starts with a letter or digit and uses
// only printable label characters. Example: "Yes", "GPT-5 > 90%", "2026 Q3".
var outcomeRegex = regexp.MustCompile(`^[\p{L}\p{N}][\p{L}\p{N} ._%<>=+\-/:()]*$`)

var (
	ErrEmptyQuestion     = errors.New("contract: question is required")
	ErrQuestionTooLong   = errors.New("contract: question too long")
	ErrTooFewOutcomes    = errors.New("contract: at least two outcomes are required")
	ErrTooManyOutcomes   = errors.New("contract: too many outcomes")
	ErrInvalidOutcome    = errors.New("contract: invalid outcome label")
	ErrDuplicateOutcome  = errors.New("contract: duplicate outcome label")
	ErrInvalidCloseDate  = errors.New("contract: invalid close date")
	ErrInvalidLiquidity  = errors.New("contract: initial liquidity must not be negative")
	ErrInvalidResolution = errors.New("contract: resolution must name one of the outcomes")
)

// DefaultInitialLiquidity seeds markets created without an explicit value.
var DefaultInitialLiquidity = decimal.NewFromInt(1000)

// Definition is a validated market definition.
type Definition struct {
	Question         string          `json:"question"`
	Outcomes         []string        `json:"outcomes"`
	CloseDate        *time.Time      `json:"close_date,omitempty"`
	InitialLiquidity decimal.Decimal `json:"initial_liquidity"`
}

// Parse trims and validates the raw fields of a market definition. An empty
// closeDate means open-ended; a zero liquidity selects the default.
func Parse(question string, outcomes []string, closeDate string, liquidity decimal.Decimal) (*Definition, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if len([]rune(question)) > MaxQuestionLength {
		return nil, fmt.Errorf("%w: %d characters (max %d)", ErrQuestionTooLong, len([]rune(question)), MaxQuestionLength)
	}

	labels, err := NormalizeOutcomes(outcomes)
	if err != nil {
		return nil, err
	}

	closeAt, err := ParseCloseDate(closeDate)
	if err != nil {
		return nil, err
	}

	if liquidity.IsNegative() {
		return nil, ErrInvalidLiquidity
	}
	if liquidity.IsZero() {
		liquidity = DefaultInitialLiquidity
	}

	return &Definition{
		Question:         question,
		Outcomes:         labels,
		CloseDate:        closeAt,
		InitialLiquidity: liquidity,
	}, nil
}

// NormalizeOutcomes trims each label and checks count, shape and uniqueness.
// Order is preserved: it is the market's canonical outcome order.
func NormalizeOutcomes(outcomes []string) ([]string, error) {
	if len(outcomes) < MinOutcomes {
		return nil, ErrTooFewOutcomes
	}
	if len(outcomes) > MaxOutcomes {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyOutcomes, len(outcomes), MaxOutcomes)
	}

	seen := make(map[string]bool, len(outcomes))
	labels := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		o = strings.TrimSpace(o)
		if len([]rune(o)) > MaxOutcomeLength || !outcomeRegex.MatchString(o) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, o)
		}
		key := strings.ToLower(o)
		if seen[key] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateOutcome, o)
		}
		seen[key] = true
		labels = append(labels, o)
	}
	return labels, nil
}

// closeDateLayouts are tried in order.
var closeDateLayouts = []string{time.RFC3339, "2006-01-02", "20060102"}

// ParseCloseDate accepts RFC 3339, YYYY-MM-DD or YYYYMMDD. Dates without a
// time close at the end of that UTC day.
func ParseCloseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for i, layout := range closeDateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if i > 0 {
			t = t.Add(24*time.Hour - time.Second)
		}
		t = t.UTC()
		return &t, nil
	}
	return nil, fmt.Errorf("%w: %s (expected RFC 3339, YYYY-MM-DD or YYYYMMDD)", ErrInvalidCloseDate, s)
}

// ValidateResolution checks that outcome is one of outcomes.
func ValidateResolution(outcomes []string, outcome string) error {
	for _, o := range outcomes {
		if o == outcome {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidResolution, outcome)
}
