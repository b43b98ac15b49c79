package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/model"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// testStores returns every implementation that runs without external services.
func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func seedMarket(t *testing.T, st Store, id string) *model.Market {
	t.Helper()
	m := &model.Market{
		ID:               id,
		Question:         "Will the eval suite pass?",
		Outcomes:         []string{"Yes", "No"},
		InitialLiquidity: decimal.NewFromInt(1000),
		Status:           model.MarketActive,
		CreatedAt:        base,
	}
	require.NoError(t, st.CreateMarket(context.Background(), m))
	return m
}

func TestStore_Markets(t *testing.T) {
	for name, st := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedMarket(t, st, "m1")

			err := st.CreateMarket(ctx, &model.Market{ID: "m1", Outcomes: []string{"A"}, CreatedAt: base})
			assert.ErrorIs(t, err, ErrAlreadyExists)

			got, err := st.GetMarket(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, []string{"Yes", "No"}, got.Outcomes)
			assert.True(t, got.InitialLiquidity.Equal(decimal.NewFromInt(1000)))
			assert.True(t, got.CreatedAt.Equal(base))

			_, err = st.GetMarket(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, st.UpdateMarketStatus(ctx, "m1", model.MarketResolved, "Yes", base.Add(time.Hour)))
			got, _ = st.GetMarket(ctx, "m1")
			assert.Equal(t, model.MarketResolved, got.Status)
			assert.Equal(t, "Yes", got.ResolutionOutcome)
			require.NotNil(t, got.ResolvedAt)

			assert.ErrorIs(t, st.UpdateMarketStatus(ctx, "missing", model.MarketClosed, "", base), ErrNotFound)

			list, err := st.ListMarkets(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestStore_BetsKeepPlacementOrder(t *testing.T) {
	for name, st := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedMarket(t, st, "m1")

			// Two bets share a timestamp; insertion order must break the tie.
			for i, b := range []struct {
				bettor, outcome string
				stake           int64
				at              time.Duration
			}{
				{"alice", "Yes", 10, time.Minute},
				{"bob", "No", 20, 2 * time.Minute},
				{"alice", "No", 5, 2 * time.Minute},
			} {
				require.NoError(t, st.InsertBet(ctx, &model.Bet{
					ID:        fmt.Sprintf("b%d", i),
					MarketID:  "m1",
					BettorID:  b.bettor,
					Outcome:   b.outcome,
					Stake:     decimal.NewFromInt(b.stake),
					Odds:      decimal.NewFromFloat(0.5),
					CreatedAt: base.Add(b.at),
				}))
			}

			bets, err := st.GetBetsByMarket(ctx, "m1")
			require.NoError(t, err)
			require.Len(t, bets, 3)
			assert.Equal(t, []string{"b0", "b1", "b2"}, []string{bets[0].ID, bets[1].ID, bets[2].ID})

			stake, err := st.GetBettorStake(ctx, "m1", "alice")
			require.NoError(t, err)
			assert.True(t, stake.Equal(decimal.NewFromInt(15)), "got %s", stake)

			err = st.InsertBet(ctx, &model.Bet{ID: "x", MarketID: "nope", Stake: decimal.NewFromInt(1), CreatedAt: base})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_WorkspaceFiles(t *testing.T) {
	for name, st := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ws := &model.Workspace{ID: "w1", OwnerID: "r1", Files: map[string]string{"main.py": "print(1)"}, CreatedAt: base, UpdatedAt: base}
			require.NoError(t, st.CreateWorkspace(ctx, ws))

			got, err := st.GetWorkspace(ctx, "w1")
			require.NoError(t, err)
			before := got.SnapshotID
			assert.Equal(t, model.HashFiles(map[string]string{"main.py": "print(1)"}), before)

			updated, err := st.UpdateWorkspaceFiles(ctx, "w1", func(files map[string]string) error {
				files["util.py"] = "x = 1"
				delete(files, "main.py")
				return nil
			}, base.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"util.py": "x = 1"}, updated.Files)
			assert.NotEqual(t, before, updated.SnapshotID)
			assert.True(t, updated.UpdatedAt.Equal(base.Add(time.Minute)))

			boom := errors.New("boom")
			_, err = st.UpdateWorkspaceFiles(ctx, "w1", func(files map[string]string) error {
				files["junk.py"] = "x"
				return boom
			}, base)
			assert.ErrorIs(t, err, boom)
			got, _ = st.GetWorkspace(ctx, "w1")
			assert.NotContains(t, got.Files, "junk.py", "failed mutation must not persist")

			_, err = st.UpdateWorkspaceFiles(ctx, "missing", func(map[string]string) error { return nil }, base)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_RunUpdatesAreConditional(t *testing.T) {
	for name, st := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.CreateWorkspace(ctx, &model.Workspace{ID: "w1", Files: map[string]string{}, CreatedAt: base, UpdatedAt: base}))

			rec := &model.RunRecord{ID: "r1", WorkspaceID: "w1", CodeHash: "abc", Status: model.RunQueued, CreatedAt: base}
			require.NoError(t, st.CreateRun(ctx, rec))
			assert.ErrorIs(t, st.CreateRun(ctx, rec), ErrAlreadyExists)

			require.NoError(t, rec.Transition(model.RunRunning, base.Add(time.Second)))
			require.NoError(t, st.UpdateRun(ctx, rec, model.RunQueued))

			exit := 0
			rec.ExitCode = &exit
			rec.Stdout = "done\n"
			require.NoError(t, rec.Transition(model.RunCompleted, base.Add(3*time.Second)))
			require.NoError(t, st.UpdateRun(ctx, rec, model.RunRunning))

			// A stale writer still believing the run is queued loses.
			stale := rec.Clone()
			stale.Status = model.RunFailed
			assert.ErrorIs(t, st.UpdateRun(ctx, stale, model.RunQueued), ErrConflict)

			got, err := st.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, model.RunCompleted, got.Status)
			assert.Equal(t, "done\n", got.Stdout)
			require.NotNil(t, got.ExitCode)
			assert.Equal(t, 0, *got.ExitCode)
			d, ok := got.Duration()
			assert.True(t, ok)
			assert.Equal(t, 2*time.Second, d)

			_, err = st.GetRun(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, st.UpdateRun(ctx, &model.RunRecord{ID: "missing"}, model.RunQueued), ErrNotFound)
		})
	}
}

func TestStore_ListRuns(t *testing.T) {
	for name, st := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.CreateWorkspace(ctx, &model.Workspace{ID: "w1", Files: map[string]string{}, CreatedAt: base, UpdatedAt: base}))
			for i := 0; i < 3; i++ {
				require.NoError(t, st.CreateRun(ctx, &model.RunRecord{
					ID: fmt.Sprintf("r%d", i), WorkspaceID: "w1", Status: model.RunQueued,
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}

			byWS, err := st.ListRunsByWorkspace(ctx, "w1")
			require.NoError(t, err)
			require.Len(t, byWS, 3)
			assert.Equal(t, "r2", byWS[0].ID, "newest first")

			queued, err := st.ListRunsByStatus(ctx, model.RunQueued)
			require.NoError(t, err)
			require.Len(t, queued, 3)
			assert.Equal(t, "r0", queued[0].ID, "oldest first")

			running, err := st.ListRunsByStatus(ctx, model.RunRunning)
			require.NoError(t, err)
			assert.Empty(t, running)
		})
	}
}

func TestLocalLocker_Serializes(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, MarketLockKey("m1"))
			if err != nil {
				t.Error(err)
				return
			}
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestLocalLocker_RespectsContext(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	unlock2, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock2()

	// Other keys are independent.
	unlock3, err := l.Lock(context.Background(), "other")
	require.NoError(t, err)
	unlock3()
}
