package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/ryanlin10/AI-Safety-Prediction-Market/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS markets (
    id                 TEXT PRIMARY KEY,
    question           TEXT NOT NULL,
    outcomes           TEXT NOT NULL,
    initial_liquidity  TEXT NOT NULL,
    status             TEXT NOT NULL,
    resolution_outcome TEXT NOT NULL DEFAULT '',
    close_date         TEXT,
    created_at         TEXT NOT NULL,
    resolved_at        TEXT
);

CREATE TABLE IF NOT EXISTS bets (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT    NOT NULL UNIQUE,
    market_id  TEXT    NOT NULL REFERENCES markets(id),
    bettor_id  TEXT    NOT NULL,
    is_agent   INTEGER NOT NULL DEFAULT 0,
    outcome    TEXT    NOT NULL,
    stake      TEXT    NOT NULL,
    odds       TEXT    NOT NULL,
    rationale  TEXT    NOT NULL DEFAULT '',
    created_at TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS workspaces (
    id          TEXT PRIMARY KEY,
    owner_id    TEXT NOT NULL DEFAULT '',
    files       TEXT NOT NULL,
    snapshot_id TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id             TEXT PRIMARY KEY,
    workspace_id   TEXT NOT NULL,
    code_hash      TEXT NOT NULL,
    status         TEXT NOT NULL,
    failure_reason TEXT NOT NULL DEFAULT '',
    violations     TEXT NOT NULL DEFAULT '[]',
    stdout         TEXT NOT NULL DEFAULT '',
    stderr         TEXT NOT NULL DEFAULT '',
    exit_code      INTEGER,
    started_at     TEXT,
    finished_at    TEXT,
    cpu_time_ms    INTEGER,
    memory_mb      INTEGER,
    created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bets_market   ON bets(market_id, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_runs_ws       ON runs(workspace_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status   ON runs(status, created_at);
`

// tsLayout is fixed width so that TEXT ordering is chronological.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on a local SQLite file (pure Go, no CGo).
// SQLite is single-writer, so the pool is pinned to one connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: pragma: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func formatNullTS(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTS(*t), Valid: true}
}

func parseTS(s string) time.Time {
	t, _ := time.Parse(tsLayout, s)
	return t
}

func parseNullTS(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTS(ns.String)
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Markets ---

func (s *SQLiteStore) CreateMarket(ctx context.Context, m *model.Market) error {
	outcomes, _ := json.Marshal(m.Outcomes)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO markets (id, question, outcomes, initial_liquidity, status, resolution_outcome, close_date, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Question, string(outcomes), m.InitialLiquidity.String(), m.Status, m.ResolutionOutcome,
		formatNullTS(m.CloseDate), formatTS(m.CreatedAt), formatNullTS(m.ResolvedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}
	return err
}

const sqliteMarketColumns = `id, question, outcomes, initial_liquidity, status, resolution_outcome, close_date, created_at, resolved_at`

func scanSQLiteMarket(row interface{ Scan(...any) error }) (*model.Market, error) {
	var m model.Market
	var outcomes, liquidity, createdAt string
	var closeDate, resolvedAt sql.NullString
	if err := row.Scan(&m.ID, &m.Question, &outcomes, &liquidity, &m.Status, &m.ResolutionOutcome,
		&closeDate, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(outcomes), &m.Outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes of market %s: %w", m.ID, err)
	}
	m.InitialLiquidity, _ = decimal.NewFromString(liquidity)
	m.CloseDate = parseNullTS(closeDate)
	m.CreatedAt = parseTS(createdAt)
	m.ResolvedAt = parseNullTS(resolvedAt)
	return &m, nil
}

func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanSQLiteMarket(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMarketColumns+` FROM markets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *SQLiteStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMarketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanSQLiteMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *SQLiteStore) UpdateMarketStatus(ctx context.Context, id, status, resolution string, at time.Time) error {
	var res sql.Result
	var err error
	if status == model.MarketResolved {
		res, err = s.db.ExecContext(ctx,
			`UPDATE markets SET status = ?, resolution_outcome = ?, resolved_at = ? WHERE id = ?`,
			status, resolution, formatTS(at), id)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE markets SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) InsertBet(ctx context.Context, b *model.Bet) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bets (id, market_id, bettor_id, is_agent, outcome, stake, odds, rationale, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.MarketID, b.BettorID, b.IsAgent, b.Outcome,
		b.Stake.String(), b.Odds.String(), b.Rationale, formatTS(b.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("bet %s: %w", b.ID, ErrAlreadyExists)
	}
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return fmt.Errorf("market %s: %w", b.MarketID, ErrNotFound)
	}
	return err
}

func (s *SQLiteStore) GetBetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, market_id, bettor_id, is_agent, outcome, stake, odds, rationale, created_at
		 FROM bets WHERE market_id = ? ORDER BY created_at, seq`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var stake, odds, createdAt string
		if err := rows.Scan(&b.ID, &b.MarketID, &b.BettorID, &b.IsAgent, &b.Outcome,
			&stake, &odds, &b.Rationale, &createdAt); err != nil {
			return nil, err
		}
		b.Stake, _ = decimal.NewFromString(stake)
		b.Odds, _ = decimal.NewFromString(odds)
		b.CreatedAt = parseTS(createdAt)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func (s *SQLiteStore) GetBettorStake(ctx context.Context, marketID, bettorID string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stake FROM bets WHERE market_id = ? AND bettor_id = ?`, marketID, bettorID)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var stake string
		if err := rows.Scan(&stake); err != nil {
			return decimal.Zero, err
		}
		d, _ := decimal.NewFromString(stake)
		total = total.Add(d)
	}
	return total, rows.Err()
}

// --- Workspaces ---

func (s *SQLiteStore) CreateWorkspace(ctx context.Context, w *model.Workspace) error {
	if w.Files == nil {
		w.Files = map[string]string{}
	}
	if w.SnapshotID == "" {
		w.SnapshotID = model.HashFiles(w.Files)
	}
	files, _ := json.Marshal(w.Files)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, owner_id, files, snapshot_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.OwnerID, string(files), w.SnapshotID, formatTS(w.CreatedAt), formatTS(w.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("workspace %s: %w", w.ID, ErrAlreadyExists)
	}
	return err
}

func scanSQLiteWorkspace(row interface{ Scan(...any) error }) (*model.Workspace, error) {
	var w model.Workspace
	var files, createdAt, updatedAt string
	if err := row.Scan(&w.ID, &w.OwnerID, &files, &w.SnapshotID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &w.Files); err != nil {
		return nil, fmt.Errorf("decode files of workspace %s: %w", w.ID, err)
	}
	if w.Files == nil {
		w.Files = map[string]string{}
	}
	w.CreatedAt = parseTS(createdAt)
	w.UpdatedAt = parseTS(updatedAt)
	return &w, nil
}

func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	w, err := scanSQLiteWorkspace(s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, files, snapshot_id, created_at, updated_at FROM workspaces WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace %s: %w", id, err)
	}
	return w, nil
}

func (s *SQLiteStore) UpdateWorkspaceFiles(ctx context.Context, id string, fn FileMutator, at time.Time) (*model.Workspace, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := scanSQLiteWorkspace(tx.QueryRowContext(ctx,
		`SELECT id, owner_id, files, snapshot_id, created_at, updated_at FROM workspaces WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := fn(w.Files); err != nil {
		return nil, err
	}
	w.SnapshotID = model.HashFiles(w.Files)
	w.UpdatedAt = at.UTC()

	files, _ := json.Marshal(w.Files)
	if _, err := tx.ExecContext(ctx,
		`UPDATE workspaces SET files = ?, snapshot_id = ?, updated_at = ? WHERE id = ?`,
		string(files), w.SnapshotID, formatTS(w.UpdatedAt), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

// --- Runs ---

const sqliteRunColumns = `id, workspace_id, code_hash, status, failure_reason, violations, stdout, stderr,
	exit_code, started_at, finished_at, cpu_time_ms, memory_mb, created_at`

func runArgs(rec *model.RunRecord) []any {
	violations, _ := json.Marshal(rec.Violations)
	return []any{
		rec.WorkspaceID, rec.CodeHash, string(rec.Status), rec.FailureReason, string(violations),
		rec.Stdout, rec.Stderr, nullInt(rec.ExitCode), formatNullTS(rec.StartedAt), formatNullTS(rec.FinishedAt),
		nullInt64(rec.CPUTimeMs), nullInt64(rec.MemoryMB),
	}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func scanSQLiteRun(row interface{ Scan(...any) error }) (*model.RunRecord, error) {
	var r model.RunRecord
	var status, violations, createdAt string
	var exitCode, cpu, mem sql.NullInt64
	var startedAt, finishedAt sql.NullString
	if err := row.Scan(&r.ID, &r.WorkspaceID, &r.CodeHash, &status, &r.FailureReason, &violations,
		&r.Stdout, &r.Stderr, &exitCode, &startedAt, &finishedAt, &cpu, &mem, &createdAt); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	_ = json.Unmarshal([]byte(violations), &r.Violations)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	if cpu.Valid {
		r.CPUTimeMs = &cpu.Int64
	}
	if mem.Valid {
		r.MemoryMB = &mem.Int64
	}
	r.StartedAt = parseNullTS(startedAt)
	r.FinishedAt = parseNullTS(finishedAt)
	r.CreatedAt = parseTS(createdAt)
	return &r, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, rec *model.RunRecord) error {
	args := append([]any{rec.ID}, runArgs(rec)...)
	args = append(args, formatTS(rec.CreatedAt))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+sqliteRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if isUniqueViolation(err) {
		return fmt.Errorf("run %s: %w", rec.ID, ErrAlreadyExists)
	}
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.RunRecord, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, rec *model.RunRecord, from model.RunStatus) error {
	args := append(runArgs(rec), rec.ID, string(from))
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET workspace_id = ?, code_hash = ?, status = ?, failure_reason = ?, violations = ?,
		        stdout = ?, stderr = ?, exit_code = ?, started_at = ?, finished_at = ?,
		        cpu_time_ms = ?, memory_mb = ?
		 WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRun(ctx, rec.ID); err != nil {
			return err
		}
		return fmt.Errorf("run %s not in status %s: %w", rec.ID, from, ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) listRuns(ctx context.Context, query string, arg any) ([]model.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RunRecord
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListRunsByWorkspace(ctx context.Context, workspaceID string) ([]model.RunRecord, error) {
	return s.listRuns(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE workspace_id = ? ORDER BY created_at DESC`, workspaceID)
}

func (s *SQLiteStore) ListRunsByStatus(ctx context.Context, status model.RunStatus) ([]model.RunRecord, error) {
	return s.listRuns(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE status = ? ORDER BY created_at`, string(status))
}
