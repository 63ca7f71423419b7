package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/inkrunner/pkg/types"
)

// ErrRunNotFound is returned when a metadata update targets an unknown run.
var ErrRunNotFound = errors.New("run not found")

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// A corrupt snapshot column must not hide the rest of the run.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets the status server read while accounts are still writing.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_busy_timeout=5000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		op_count INTEGER DEFAULT 0,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		duration_ms INTEGER DEFAULT 0,
		status TEXT DEFAULT 'running',
		error_message TEXT,
		accounts INTEGER DEFAULT 0,
		finished INTEGER DEFAULT 0,
		success INTEGER DEFAULT 0,
		failure INTEGER DEFAULT 0,
		no_result INTEGER DEFAULT 0,
		environment TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS action_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		account_index INTEGER NOT NULL,
		address TEXT NOT NULL,
		kind TEXT NOT NULL,
		outcome TEXT NOT NULL,
		tx_hash TEXT,
		contract_address TEXT,
		detail TEXT,
		at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_action_results_run ON action_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_action_results_hash ON action_results(tx_hash);

	CREATE TABLE IF NOT EXISTS deployed_contracts (
		chain_id INTEGER NOT NULL,
		address TEXT NOT NULL,
		kind TEXT NOT NULL,
		owner TEXT NOT NULL,
		run_id TEXT,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (chain_id, address)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema version.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"runs", "custom_name", "ALTER TABLE runs ADD COLUMN custom_name TEXT"},
		{"runs", "is_favorite", "ALTER TABLE runs ADD COLUMN is_favorite INTEGER DEFAULT 0"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				fmt.Fprintf(os.Stderr, "warning: migration failed for %s.%s: %v\n", m.table, m.column, err)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Table and column names are validated before being formatted into the query.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun creates a new run record.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	environment, err := marshalEnvironment(run.Environment)
	if err != nil {
		return err
	}
	status := run.Status
	if status == "" {
		status = types.RunStatusRunning
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, operation, op_count, started_at, status, accounts, environment)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Operation, run.Count, run.StartedAt, status, run.Accounts, environment)

	return err
}

// UpdateRun stores in-progress totals.
func (s *SQLiteStorage) UpdateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			finished = ?,
			success = ?,
			failure = ?,
			no_result = ?,
			status = ?,
			error_message = ?
		WHERE id = ?
	`, run.Finished, run.Success, run.Failure, run.NoResult, run.Status, nullString(run.ErrorMessage), run.ID)

	return err
}

// CompleteRun marks a run as done with its final totals.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, id string, run *Run) error {
	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	durationMs := run.DurationMs
	if durationMs == 0 && !run.StartedAt.IsZero() {
		durationMs = completedAt.Sub(run.StartedAt).Milliseconds()
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			duration_ms = ?,
			finished = ?,
			success = ?,
			failure = ?,
			no_result = ?,
			status = ?,
			error_message = ?
		WHERE id = ?
	`, completedAt, durationMs, run.Finished, run.Success, run.Failure, run.NoResult,
		run.Status, nullString(run.ErrorMessage), id)

	return err
}

const runColumns = `id, operation, COALESCE(op_count, 0), started_at, completed_at, COALESCE(duration_ms, 0),
	status, error_message, COALESCE(accounts, 0), COALESCE(finished, 0),
	COALESCE(success, 0), COALESCE(failure, 0), COALESCE(no_result, 0),
	environment, custom_name, COALESCE(is_favorite, 0)`

// GetRun retrieves a single run by ID. A missing run yields (nil, nil).
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns a paginated list of runs, favorites first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		ORDER BY is_favorite DESC, started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run and its action rows.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return err
}

// UpdateRunMetadata updates the custom name and/or favorite status of a run.
func (s *SQLiteStorage) UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error {
	var updates []string
	var args []interface{}

	if update.CustomName != nil {
		updates = append(updates, "custom_name = ?")
		args = append(args, *update.CustomName)
	}
	if update.IsFavorite != nil {
		updates = append(updates, "is_favorite = ?")
		if *update.IsFavorite {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}

	if len(updates) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(updates, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	return nil
}

// BulkInsertActions inserts action rows in a single transaction.
func (s *SQLiteStorage) BulkInsertActions(ctx context.Context, runID string, actions []ActionRecord) error {
	if len(actions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO action_results (run_id, account_index, address, kind, outcome,
			tx_hash, contract_address, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range actions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		at := a.At
		if at.IsZero() {
			at = time.Now()
		}
		_, err := stmt.ExecContext(ctx, runID, a.AccountIndex, a.Address, a.Kind, a.Outcome,
			nullString(a.TxHash), nullString(a.ContractAddress), nullString(a.Detail), at)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

const actionColumns = `account_index, address, kind, outcome, tx_hash, contract_address, detail, at`

// GetActions retrieves paginated action rows for a run in account order.
func (s *SQLiteStorage) GetActions(ctx context.Context, runID string, limit, offset int) (*PaginatedActions, error) {
	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM action_results WHERE run_id = ?", runID).Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+actionColumns+`
		FROM action_results
		WHERE run_id = ?
		ORDER BY account_index, id
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := []ActionRecord{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedActions{
		Actions: actions,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	}, nil
}

// GetActionByHash retrieves the action that submitted a transaction.
// A missing hash yields (nil, nil).
func (s *SQLiteStorage) GetActionByHash(ctx context.Context, txHash string) (*ActionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+`
		FROM action_results
		WHERE tx_hash = ?
		ORDER BY id DESC
		LIMIT 1
	`, txHash)

	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// SaveDeployedContract upserts a deployed contract by chain and address.
func (s *SQLiteStorage) SaveDeployedContract(ctx context.Context, c DeployedContract) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployed_contracts (chain_id, address, kind, owner, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, address) DO UPDATE SET
			kind = excluded.kind,
			owner = excluded.owner,
			run_id = excluded.run_id
	`, c.ChainID, c.Address, c.Kind, c.Owner, nullString(c.RunID), createdAt)
	return err
}

// ListDeployedContracts returns the contracts deployed on a chain, oldest first.
func (s *SQLiteStorage) ListDeployedContracts(ctx context.Context, chainID int64) ([]DeployedContract, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain_id, address, kind, owner, COALESCE(run_id, ''), created_at
		FROM deployed_contracts
		WHERE chain_id = ?
		ORDER BY created_at, address
	`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []DeployedContract
	for rows.Next() {
		var c DeployedContract
		if err := rows.Scan(&c.ChainID, &c.Address, &c.Kind, &c.Owner, &c.RunID, &c.CreatedAt); err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var completedAt sql.NullTime
	var errorMsg, environmentJSON, customName sql.NullString
	var isFavorite int

	err := row.Scan(&run.ID, &run.Operation, &run.Count, &run.StartedAt, &completedAt, &run.DurationMs,
		&run.Status, &errorMsg, &run.Accounts, &run.Finished,
		&run.Success, &run.Failure, &run.NoResult,
		&environmentJSON, &customName, &isFavorite)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if errorMsg.Valid {
		run.ErrorMessage = errorMsg.String
	}
	if environmentJSON.Valid && environmentJSON.String != "" && environmentJSON.String != "null" {
		var env RunEnvironment
		unmarshalJSON(environmentJSON.String, &env, "environment", run.ID)
		run.Environment = &env
	}
	if customName.Valid {
		run.CustomName = &customName.String
	}
	run.IsFavorite = isFavorite != 0

	return &run, nil
}

func scanAction(row scanner) (*ActionRecord, error) {
	var a ActionRecord
	var txHash, contractAddress, detail sql.NullString

	err := row.Scan(&a.AccountIndex, &a.Address, &a.Kind, &a.Outcome,
		&txHash, &contractAddress, &detail, &a.At)
	if err != nil {
		return nil, err
	}
	a.TxHash = txHash.String
	a.ContractAddress = contractAddress.String
	a.Detail = detail.String
	return &a, nil
}

func marshalEnvironment(env *RunEnvironment) (sql.NullString, error) {
	if env == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal environment: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
