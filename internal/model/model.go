// Package model defines the core domain types shared across the market service.
// Money crossing the API and persistence boundary uses shopspring/decimal;
// the pricing engine works on float64 internally.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Market lifecycle states.
const (
	MarketDraft    = "draft"
	MarketActive   = "active"
	MarketClosed   = "closed"
	MarketResolved = "resolved"
)

// Market is a forecasting question with a fixed, ordered outcome set.
// Pool balances are never stored; they are derived from the bet log.
type Market struct {
	ID                string          `json:"id" db:"id"`
	Question          string          `json:"question" db:"question"`
	Outcomes          []string        `json:"outcomes" db:"outcomes"`
	InitialLiquidity  decimal.Decimal `json:"initial_liquidity" db:"initial_liquidity"`
	Status            string          `json:"status" db:"status"`
	ResolutionOutcome string          `json:"resolution_outcome,omitempty" db:"resolution_outcome"`
	CloseDate         *time.Time      `json:"close_date,omitempty" db:"close_date"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// HasOutcome reports whether o is one of the market's outcomes.
func (m *Market) HasOutcome(o string) bool {
	for _, x := range m.Outcomes {
		if x == o {
			return true
		}
	}
	return false
}

// Bet is an immutable stake on one outcome. Bets are append-only: the
// ordered bet log of a market is its stake event history.
type Bet struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	BettorID  string          `json:"bettor_id" db:"bettor_id"`
	IsAgent   bool            `json:"is_agent" db:"is_agent"`
	Outcome   string          `json:"outcome" db:"outcome"`
	Stake     decimal.Decimal `json:"stake" db:"stake"`
	Odds      decimal.Decimal `json:"odds" db:"odds"` // outcome price at placement
	Rationale string          `json:"rationale,omitempty" db:"rationale"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Workspace is a mutable set of source files owned by one researcher.
// SnapshotID changes whenever the file set changes.
type Workspace struct {
	ID         string            `json:"id" db:"id"`
	OwnerID    string            `json:"owner_id" db:"owner_id"`
	Files      map[string]string `json:"files" db:"files"`
	SnapshotID string            `json:"snapshot_id" db:"snapshot_id"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`
}

// CloneFiles returns a private copy of the workspace file map.
func (w *Workspace) CloneFiles() map[string]string {
	out := make(map[string]string, len(w.Files))
	for k, v := range w.Files {
		out[k] = v
	}
	return out
}

// HashFiles returns a hex SHA-256 over the sorted (path, content) pairs.
// It identifies the exact code a run executed.
func HashFiles(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(files[p]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
