// Package store defines the persistence interfaces for the market service.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache of market records) and in-memory
// (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/model"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConflict is returned when a conditional update finds the row in a
	// state other than the one the caller expected.
	ErrConflict = errors.New("store: conflicting update")
)

// FileMutator edits a private copy of a workspace's files.
type FileMutator func(files map[string]string) error

// MarketStore persists markets and their append-only bet log.
type MarketStore interface {
	// --- Market operations ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market, including its ordered outcome set.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarketStatus moves a market through its lifecycle.
	UpdateMarketStatus(ctx context.Context, id, status, resolution string, at time.Time) error

	// --- Append-only bet log ---

	// InsertBet appends a stake. Callers serialize appends per market.
	InsertBet(ctx context.Context, bet *model.Bet) error

	// GetBetsByMarket returns the market's stake events in placement order.
	GetBetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error)

	// GetBettorStake sums a bettor's stakes in one market.
	GetBettorStake(ctx context.Context, marketID, bettorID string) (decimal.Decimal, error)
}

// WorkspaceStore persists researcher workspaces.
type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, ws *model.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)

	// UpdateWorkspaceFiles applies fn to the current files atomically and
	// stamps updated_at and a new snapshot_id.
	UpdateWorkspaceFiles(ctx context.Context, id string, fn FileMutator, at time.Time) (*model.Workspace, error)
}

// RunStore persists run records.
type RunStore interface {
	CreateRun(ctx context.Context, rec *model.RunRecord) error
	GetRun(ctx context.Context, id string) (*model.RunRecord, error)

	// UpdateRun overwrites the record only if its stored status is still
	// from; otherwise it returns ErrConflict.
	UpdateRun(ctx context.Context, rec *model.RunRecord, from model.RunStatus) error

	// ListRunsByWorkspace returns a workspace's runs, newest first.
	ListRunsByWorkspace(ctx context.Context, workspaceID string) ([]model.RunRecord, error)

	// ListRunsByStatus returns every run currently in status, oldest first.
	ListRunsByStatus(ctx context.Context, status model.RunStatus) ([]model.RunRecord, error)
}

// Store is the full persistence interface.
type Store interface {
	MarketStore
	WorkspaceStore
	RunStore
}

// Locker serializes writers on a key across goroutines or processes.
type Locker interface {
	// Lock blocks until the key is held or ctx ends. The returned unlock
	// function is safe to call more than once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// MarketLockKey is the lock key that serializes stake appends for a market.
func MarketLockKey(marketID string) string {
	return "market:" + marketID + ":stakes"
}
