package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/weatherflow/internal/model"
)

// SQLiteRunStore implements RunStore using SQLite
type SQLiteRunStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteRunStore opens, or creates, the run database at dbPath
func NewSQLiteRunStore(logger *zap.Logger, dbPath string) (*SQLiteRunStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// concurrent task writers share one connection
	db.SetMaxOpenConns(1)

	store := &SQLiteRunStore{
		logger: logger.Named("run-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteRunStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			graph TEXT NOT NULL,
			logical_time DATETIME NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			resources TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS task_runs (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			task_name TEXT NOT NULL,
			position INTEGER NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT,
			output BLOB,
			started_at DATETIME,
			ended_at DATETIME,
			PRIMARY KEY (run_id, task_name)
		);
		CREATE TABLE IF NOT EXISTS task_attempts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			task_name TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_runs_logical_time ON runs(logical_time);
		CREATE INDEX IF NOT EXISTS idx_task_attempts_run ON task_attempts(run_id, task_name);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// CreateRun implements RunStore.CreateRun
func (s *SQLiteRunStore) CreateRun(ctx context.Context, run *model.RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, run.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check run: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}

	resources, err := marshalResources(run.Resources)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, graph, logical_time, status, started_at, finished_at, resources
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Graph,
		run.LogicalTime.UTC(),
		run.Status,
		run.StartedAt.UTC(),
		nullTime(run.FinishedAt),
		resources,
	)
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}

	for _, t := range run.Tasks {
		if err := upsertTaskRun(ctx, tx, run.ID, t); err != nil {
			return err
		}
		for _, a := range t.Attempts {
			if err := upsertAttempt(ctx, tx, run.ID, a); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// SaveTaskRun implements RunStore.SaveTaskRun
func (s *SQLiteRunStore) SaveTaskRun(ctx context.Context, runID string, task *model.TaskRunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkMutable(ctx, tx, runID); err != nil {
		return err
	}
	if err := upsertTaskRun(ctx, tx, runID, task); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveAttempt implements RunStore.SaveAttempt
func (s *SQLiteRunStore) SaveAttempt(ctx context.Context, runID string, attempt *model.AttemptRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkMutable(ctx, tx, runID); err != nil {
		return err
	}
	if err := upsertAttempt(ctx, tx, runID, attempt); err != nil {
		return err
	}
	return tx.Commit()
}

// FinalizeRun implements RunStore.FinalizeRun
func (s *SQLiteRunStore) FinalizeRun(ctx context.Context, run *model.RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkMutable(ctx, tx, run.ID); err != nil {
		return err
	}

	resources, err := marshalResources(run.Resources)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			finished_at = ?,
			resources = ?
		WHERE id = ?`,
		run.Status,
		nullTime(run.FinishedAt),
		resources,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}

	for _, t := range run.Tasks {
		if err := upsertTaskRun(ctx, tx, run.ID, t); err != nil {
			return err
		}
		for _, a := range t.Attempts {
			if err := upsertAttempt(ctx, tx, run.ID, a); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	s.logger.Debug("Run finalized",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)))
	return nil
}

// GetRun implements RunReader.GetRun
func (s *SQLiteRunStore) GetRun(ctx context.Context, runID string) (*model.RunRecord, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, graph, logical_time, status, started_at, finished_at, resources
		FROM runs
		WHERE id = ?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}

	if err := s.loadTasks(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns implements RunReader.ListRuns
func (s *SQLiteRunStore) ListRuns(ctx context.Context) ([]*model.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, graph, logical_time, status, started_at, finished_at, resources
		FROM runs
		ORDER BY logical_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	var runs []*model.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
	}
	// the single connection must be released before the task queries
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	for _, run := range runs {
		if err := s.loadTasks(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// DeleteBefore implements RunStore.DeleteBefore
func (s *SQLiteRunStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := before.UTC()
	for _, q := range []string{
		`DELETE FROM task_attempts WHERE run_id IN (SELECT id FROM runs WHERE logical_time < ?)`,
		`DELETE FROM task_runs WHERE run_id IN (SELECT id FROM runs WHERE logical_time < ?)`,
	} {
		if _, err := tx.ExecContext(ctx, q, cutoff); err != nil {
			return 0, fmt.Errorf("failed to delete task records: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE logical_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}

	s.logger.Info("Deleted old runs",
		zap.Time("before", before),
		zap.Int64("deleted", deleted))
	return deleted, nil
}

// Close implements RunStore.Close
func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteRunStore) loadTasks(ctx context.Context, run *model.RunRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_name, attempt, status, error, output, started_at, ended_at
		FROM task_runs
		WHERE run_id = ?
		ORDER BY position`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to query task runs: %w", err)
	}

	byName := make(map[string]*model.TaskRunRecord)
	for rows.Next() {
		var t model.TaskRunRecord
		var errorStr sql.NullString
		var startedAt, endedAt sql.NullTime
		if err := rows.Scan(
			&t.TaskName,
			&t.Attempt,
			&t.Status,
			&errorStr,
			&t.Output,
			&startedAt,
			&endedAt,
		); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan task run: %w", err)
		}
		t.Error = errorStr.String
		t.StartedAt = timePtr(startedAt)
		t.EndedAt = timePtr(endedAt)
		run.Tasks = append(run.Tasks, &t)
		byName[t.TaskName] = &t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating task runs: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, task_name, attempt, status, error, started_at, ended_at
		FROM task_attempts
		WHERE run_id = ?
		ORDER BY attempt, started_at`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a model.AttemptRecord
		var errorStr sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(
			&a.ID,
			&a.TaskName,
			&a.Attempt,
			&a.Status,
			&errorStr,
			&a.StartedAt,
			&endedAt,
		); err != nil {
			return fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Error = errorStr.String
		a.EndedAt = timePtr(endedAt)

		t, ok := byName[a.TaskName]
		if !ok {
			s.logger.Warn("Attempt without task record",
				zap.String("run_id", run.ID),
				zap.String("task", a.TaskName))
			continue
		}
		t.Attempts = append(t.Attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating attempts: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*model.RunRecord, error) {
	var run model.RunRecord
	var finishedAt sql.NullTime
	var resources sql.NullString

	err := row.Scan(
		&run.ID,
		&run.Graph,
		&run.LogicalTime,
		&run.Status,
		&run.StartedAt,
		&finishedAt,
		&resources,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.FinishedAt = timePtr(finishedAt)
	if resources.Valid && resources.String != "" {
		var stats model.ResourceStats
		if err := json.Unmarshal([]byte(resources.String), &stats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resources: %w", err)
		}
		run.Resources = &stats
	}
	return &run, nil
}

func checkMutable(ctx context.Context, tx *sql.Tx, runID string) error {
	var status model.RunStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("failed to read run status: %w", err)
	}
	if status.IsFinal() {
		return fmt.Errorf("%w: %s", ErrRunFinalized, runID)
	}
	return nil
}

func upsertTaskRun(ctx context.Context, tx *sql.Tx, runID string, t *model.TaskRunRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_runs (
			run_id, task_name, position, attempt, status, error, output, started_at, ended_at
		) VALUES (?, ?, (SELECT COUNT(*) FROM task_runs WHERE run_id = ?), ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task_name) DO UPDATE SET
			attempt = excluded.attempt,
			status = excluded.status,
			error = excluded.error,
			output = excluded.output,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`,
		runID,
		t.TaskName,
		runID,
		t.Attempt,
		t.Status,
		sql.NullString{String: t.Error, Valid: t.Error != ""},
		t.Output,
		nullTime(t.StartedAt),
		nullTime(t.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store task run %s: %w", t.TaskName, err)
	}
	return nil
}

func upsertAttempt(ctx context.Context, tx *sql.Tx, runID string, a *model.AttemptRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_attempts (
			id, run_id, task_name, attempt, status, error, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			ended_at = excluded.ended_at`,
		a.ID,
		runID,
		a.TaskName,
		a.Attempt,
		a.Status,
		sql.NullString{String: a.Error, Valid: a.Error != ""},
		a.StartedAt.UTC(),
		nullTime(a.EndedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("failed to store attempt %s: %w", a.ID, err)
	}
	return nil
}

func marshalResources(stats *model.ResourceStats) (sql.NullString, error) {
	if stats == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal resources: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
