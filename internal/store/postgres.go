package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/model"
)

// PostgresSchema creates the tables PostgresStore expects.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS markets (
    id                 TEXT PRIMARY KEY,
    question           TEXT        NOT NULL,
    outcomes           JSONB       NOT NULL,
    initial_liquidity  NUMERIC     NOT NULL,
    status             TEXT        NOT NULL,
    resolution_outcome TEXT        NOT NULL DEFAULT '',
    close_date         TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL,
    resolved_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS bets (
    seq        BIGSERIAL PRIMARY KEY,
    id         TEXT        NOT NULL UNIQUE,
    market_id  TEXT        NOT NULL REFERENCES markets(id),
    bettor_id  TEXT        NOT NULL,
    is_agent   BOOLEAN     NOT NULL DEFAULT FALSE,
    outcome    TEXT        NOT NULL,
    stake      NUMERIC     NOT NULL CHECK (stake > 0),
    odds       NUMERIC     NOT NULL,
    rationale  TEXT        NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bets_market ON bets(market_id, created_at, seq);

CREATE TABLE IF NOT EXISTS workspaces (
    id          TEXT PRIMARY KEY,
    owner_id    TEXT        NOT NULL DEFAULT '',
    files       JSONB       NOT NULL,
    snapshot_id TEXT        NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id             TEXT PRIMARY KEY,
    workspace_id   TEXT        NOT NULL REFERENCES workspaces(id),
    code_hash      TEXT        NOT NULL,
    status         TEXT        NOT NULL,
    failure_reason TEXT        NOT NULL DEFAULT '',
    violations     JSONB       NOT NULL DEFAULT '[]',
    stdout         TEXT        NOT NULL DEFAULT '',
    stderr         TEXT        NOT NULL DEFAULT '',
    exit_code      INTEGER,
    started_at     TIMESTAMPTZ,
    finished_at    TIMESTAMPTZ,
    cpu_time_ms    BIGINT,
    memory_mb      BIGINT,
    created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_ws     ON runs(workspace_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, created_at);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Money is stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Init applies PostgresSchema. It is idempotent.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

// mapPgError translates constraint violations into store sentinels.
func mapPgError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
		case "23503":
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	outcomes, _ := json.Marshal(m.Outcomes)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, question, outcomes, initial_liquidity, status, resolution_outcome, close_date, created_at, resolved_at)
		 VALUES ($1, $2, $3::JSONB, $4::NUMERIC, $5, $6, $7, $8, $9)`,
		m.ID, m.Question, string(outcomes), m.InitialLiquidity.String(),
		m.Status, m.ResolutionOutcome, m.CloseDate, m.CreatedAt, m.ResolvedAt,
	)
	return mapPgError(err, "market "+m.ID)
}

const pgMarketColumns = `id, question, outcomes::TEXT, initial_liquidity::TEXT, status,
	resolution_outcome, close_date, created_at, resolved_at`

func scanPgMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var outcomes, liquidity string
	if err := row.Scan(&m.ID, &m.Question, &outcomes, &liquidity, &m.Status,
		&m.ResolutionOutcome, &m.CloseDate, &m.CreatedAt, &m.ResolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(outcomes), &m.Outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes of market %s: %w", m.ID, err)
	}
	m.InitialLiquidity, _ = decimal.NewFromString(liquidity)
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanPgMarket(s.pool.QueryRow(ctx,
		`SELECT `+pgMarketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError(err, "get market "+id)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMarketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanPgMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, id, status, resolution string, at time.Time) error {
	var tag pgconn.CommandTag
	var err error
	if status == model.MarketResolved {
		tag, err = s.pool.Exec(ctx,
			`UPDATE markets SET status = $2, resolution_outcome = $3, resolved_at = $4 WHERE id = $1`,
			id, status, resolution, at.UTC())
	} else {
		tag, err = s.pool.Exec(ctx, `UPDATE markets SET status = $2 WHERE id = $1`, id, status)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Append-only bet log ---

func (s *PostgresStore) InsertBet(ctx context.Context, b *model.Bet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bets (id, market_id, bettor_id, is_agent, outcome, stake, odds, rationale, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		b.ID, b.MarketID, b.BettorID, b.IsAgent, b.Outcome,
		b.Stake.String(), b.Odds.String(), b.Rationale, b.CreatedAt,
	)
	return mapPgError(err, "bet "+b.ID)
}

func (s *PostgresStore) GetBetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, bettor_id, is_agent, outcome, stake::TEXT, odds::TEXT, rationale, created_at
		 FROM bets WHERE market_id = $1 ORDER BY created_at, seq`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (s *PostgresStore) GetBettorStake(ctx context.Context, marketID, bettorID string) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(stake), 0)::TEXT FROM bets WHERE market_id = $1 AND bettor_id = $2`,
		marketID, bettorID).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(total)
}

func scanBets(rows pgxRows) ([]model.Bet, error) {
	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var stakeS, oddsS string
		if err := rows.Scan(&b.ID, &b.MarketID, &b.BettorID, &b.IsAgent, &b.Outcome,
			&stakeS, &oddsS, &b.Rationale, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Stake, _ = decimal.NewFromString(stakeS)
		b.Odds, _ = decimal.NewFromString(oddsS)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// --- Workspaces ---

func (s *PostgresStore) CreateWorkspace(ctx context.Context, w *model.Workspace) error {
	if w.Files == nil {
		w.Files = map[string]string{}
	}
	if w.SnapshotID == "" {
		w.SnapshotID = model.HashFiles(w.Files)
	}
	files, _ := json.Marshal(w.Files)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workspaces (id, owner_id, files, snapshot_id, created_at, updated_at)
		 VALUES ($1, $2, $3::JSONB, $4, $5, $6)`,
		w.ID, w.OwnerID, string(files), w.SnapshotID, w.CreatedAt, w.UpdatedAt,
	)
	return mapPgError(err, "workspace "+w.ID)
}

func scanPgWorkspace(row pgx.Row) (*model.Workspace, error) {
	var w model.Workspace
	var files string
	if err := row.Scan(&w.ID, &w.OwnerID, &files, &w.SnapshotID, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &w.Files); err != nil {
		return nil, fmt.Errorf("decode files of workspace %s: %w", w.ID, err)
	}
	if w.Files == nil {
		w.Files = map[string]string{}
	}
	return &w, nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	w, err := scanPgWorkspace(s.pool.QueryRow(ctx,
		`SELECT id, owner_id, files::TEXT, snapshot_id, created_at, updated_at FROM workspaces WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError(err, "get workspace "+id)
	}
	return w, nil
}

func (s *PostgresStore) UpdateWorkspaceFiles(ctx context.Context, id string, fn FileMutator, at time.Time) (*model.Workspace, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	w, err := scanPgWorkspace(tx.QueryRow(ctx,
		`SELECT id, owner_id, files::TEXT, snapshot_id, created_at, updated_at
		 FROM workspaces WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapPgError(err, "get workspace "+id)
	}
	if err := fn(w.Files); err != nil {
		return nil, err
	}
	w.SnapshotID = model.HashFiles(w.Files)
	w.UpdatedAt = at.UTC()

	files, _ := json.Marshal(w.Files)
	if _, err := tx.Exec(ctx,
		`UPDATE workspaces SET files = $2::JSONB, snapshot_id = $3, updated_at = $4 WHERE id = $1`,
		id, string(files), w.SnapshotID, w.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// --- Runs ---

const pgRunColumns = `id, workspace_id, code_hash, status, failure_reason, violations::TEXT, stdout, stderr,
	exit_code, started_at, finished_at, cpu_time_ms, memory_mb, created_at`

func scanPgRun(row pgx.Row) (*model.RunRecord, error) {
	var r model.RunRecord
	var status, violations string
	if err := row.Scan(&r.ID, &r.WorkspaceID, &r.CodeHash, &status, &r.FailureReason, &violations,
		&r.Stdout, &r.Stderr, &r.ExitCode, &r.StartedAt, &r.FinishedAt,
		&r.CPUTimeMs, &r.MemoryMB, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	_ = json.Unmarshal([]byte(violations), &r.Violations)
	return &r, nil
}

func violationsJSON(v []string) string {
	if v == nil {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func (s *PostgresStore) CreateRun(ctx context.Context, rec *model.RunRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, workspace_id, code_hash, status, failure_reason, violations, stdout, stderr,
		                   exit_code, started_at, finished_at, cpu_time_ms, memory_mb, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.WorkspaceID, rec.CodeHash, string(rec.Status), rec.FailureReason,
		violationsJSON(rec.Violations), rec.Stdout, rec.Stderr,
		rec.ExitCode, rec.StartedAt, rec.FinishedAt, rec.CPUTimeMs, rec.MemoryMB, rec.CreatedAt,
	)
	return mapPgError(err, "run "+rec.ID)
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.RunRecord, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		return nil, mapPgError(err, "get run "+id)
	}
	return r, nil
}

// UpdateRun is an optimistic compare-and-set on the status column.
func (s *PostgresStore) UpdateRun(ctx context.Context, rec *model.RunRecord, from model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET status = $3, failure_reason = $4, violations = $5::JSONB, stdout = $6, stderr = $7,
		     exit_code = $8, started_at = $9, finished_at = $10, cpu_time_ms = $11, memory_mb = $12
		 WHERE id = $1 AND status = $2`,
		rec.ID, string(from), string(rec.Status), rec.FailureReason, violationsJSON(rec.Violations),
		rec.Stdout, rec.Stderr, rec.ExitCode, rec.StartedAt, rec.FinishedAt, rec.CPUTimeMs, rec.MemoryMB,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRun(ctx, rec.ID); err != nil {
			return err
		}
		return fmt.Errorf("run %s not in status %s: %w", rec.ID, from, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) listRuns(ctx context.Context, query string, arg any) ([]model.RunRecord, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RunRecord
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRunsByWorkspace(ctx context.Context, workspaceID string) ([]model.RunRecord, error) {
	return s.listRuns(ctx,
		`SELECT `+pgRunColumns+` FROM runs WHERE workspace_id = $1 ORDER BY created_at DESC`, workspaceID)
}

func (s *PostgresStore) ListRunsByStatus(ctx context.Context, status model.RunStatus) ([]model.RunRecord, error) {
	return s.listRuns(ctx,
		`SELECT `+pgRunColumns+` FROM runs WHERE status = $1 ORDER BY created_at`, string(status))
}
