package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	markets    map[string]*model.Market
	bets       map[string][]model.Bet // marketID → bets in append order
	workspaces map[string]*model.Workspace
	runs       map[string]*model.RunRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:    make(map[string]*model.Market),
		bets:       make(map[string][]model.Bet),
		workspaces: make(map[string]*model.Workspace),
		runs:       make(map[string]*model.RunRecord),
	}
}

func cloneMarket(m *model.Market) *model.Market {
	c := *m
	c.Outcomes = append([]string(nil), m.Outcomes...)
	return &c
}

func cloneWorkspace(w *model.Workspace) *model.Workspace {
	c := *w
	c.Files = w.CloneFiles()
	return &c
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}
	s.markets[m.ID] = cloneMarket(m)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return cloneMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *cloneMarket(m))
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, id, status, resolution string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.Status = status
	if status == model.MarketResolved {
		m.ResolutionOutcome = resolution
		t := at.UTC()
		m.ResolvedAt = &t
	}
	return nil
}

func (s *MemoryStore) InsertBet(_ context.Context, b *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[b.MarketID]; !ok {
		return fmt.Errorf("market %s: %w", b.MarketID, ErrNotFound)
	}
	s.bets[b.MarketID] = append(s.bets[b.MarketID], *b)
	return nil
}

func (s *MemoryStore) GetBetsByMarket(_ context.Context, marketID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bets := append([]model.Bet(nil), s.bets[marketID]...)
	sort.SliceStable(bets, func(i, j int) bool {
		return bets[i].CreatedAt.Before(bets[j].CreatedAt)
	})
	return bets, nil
}

func (s *MemoryStore) GetBettorStake(_ context.Context, marketID, bettorID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, b := range s.bets[marketID] {
		if b.BettorID == bettorID {
			total = total.Add(b.Stake)
		}
	}
	return total, nil
}

// --- Workspaces ---

func (s *MemoryStore) CreateWorkspace(_ context.Context, w *model.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workspaces[w.ID]; ok {
		return fmt.Errorf("workspace %s: %w", w.ID, ErrAlreadyExists)
	}
	c := cloneWorkspace(w)
	if c.SnapshotID == "" {
		c.SnapshotID = model.HashFiles(c.Files)
	}
	s.workspaces[w.ID] = c
	return nil
}

func (s *MemoryStore) GetWorkspace(_ context.Context, id string) (*model.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	return cloneWorkspace(w), nil
}

func (s *MemoryStore) UpdateWorkspaceFiles(_ context.Context, id string, fn FileMutator, at time.Time) (*model.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	files := w.CloneFiles()
	if err := fn(files); err != nil {
		return nil, err
	}
	w.Files = files
	w.SnapshotID = model.HashFiles(files)
	w.UpdatedAt = at.UTC()
	return cloneWorkspace(w), nil
}

// --- Runs ---

func (s *MemoryStore) CreateRun(_ context.Context, rec *model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[rec.ID]; ok {
		return fmt.Errorf("run %s: %w", rec.ID, ErrAlreadyExists)
	}
	s.runs[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, rec *model.RunRecord, from model.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.runs[rec.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", rec.ID, ErrNotFound)
	}
	if cur.Status != from {
		return fmt.Errorf("run %s is %s, expected %s: %w", rec.ID, cur.Status, from, ErrConflict)
	}
	s.runs[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) ListRunsByWorkspace(_ context.Context, workspaceID string) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RunRecord
	for _, r := range s.runs {
		if r.WorkspaceID == workspaceID {
			out = append(out, *r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListRunsByStatus(_ context.Context, status model.RunStatus) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RunRecord
	for _, r := range s.runs {
		if r.Status == status {
			out = append(out, *r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
