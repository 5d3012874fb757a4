package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/goodbyeshortcut/trackbridge/internal/syncer"
)

const (
	postgresCursorTableName  = "trackbridge_cursors"
	postgresEventTableName   = "trackbridge_events"
	postgresJobRunTableName  = "trackbridge_job_runs"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend persists scope state in three auto-created tables.
// Safe for concurrent use from multiple processes.
type PostgresBackend struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{dsn: dsn, openDB: sql.Open}, nil
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					scope_key TEXT PRIMARY KEY,
					shortcut_updated_at TEXT NOT NULL DEFAULT '',
					linear_updated_at TEXT NOT NULL DEFAULT '',
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(postgresCursorTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					scope_key TEXT NOT NULL,
					payload TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(postgresEventTableName)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (scope_key, id)",
				postgresQuoteIdentifier(postgresEventTableName+"_scope_key_id_idx"),
				postgresQuoteIdentifier(postgresEventTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					job_id TEXT PRIMARY KEY,
					scope_key TEXT NOT NULL,
					status TEXT NOT NULL,
					payload TEXT NOT NULL,
					enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(postgresJobRunTableName)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (scope_key, enqueued_at)",
				postgresQuoteIdentifier(postgresJobRunTableName+"_scope_key_enqueued_at_idx"),
				postgresQuoteIdentifier(postgresJobRunTableName)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func cursorToColumns(cursors syncer.Cursors) (string, string) {
	var shortcut, linear string
	if !cursors.ShortcutUpdatedAt.IsZero() {
		shortcut = cursors.ShortcutUpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !cursors.LinearUpdatedAt.IsZero() {
		linear = cursors.LinearUpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return shortcut, linear
}

func cursorFromColumns(shortcut, linear string) syncer.Cursors {
	var cursors syncer.Cursors
	if shortcut != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, shortcut); err == nil {
			cursors.ShortcutUpdatedAt = parsed
		}
	}
	if linear != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, linear); err == nil {
			cursors.LinearUpdatedAt = parsed
		}
	}
	return cursors
}

func (b *PostgresBackend) LoadCursor(ctx context.Context, scopeKey string) (syncer.Cursors, error) {
	if strings.TrimSpace(scopeKey) == "" {
		return syncer.Cursors{}, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return syncer.Cursors{}, err
	}
	query := fmt.Sprintf(
		"SELECT shortcut_updated_at, linear_updated_at FROM %s WHERE scope_key = $1",
		postgresQuoteIdentifier(postgresCursorTableName))
	var shortcut, linear string
	err := b.db.QueryRowContext(ctx, query, scopeKey).Scan(&shortcut, &linear)
	if errors.Is(err, sql.ErrNoRows) {
		return syncer.Cursors{}, nil
	}
	if err != nil {
		return syncer.Cursors{}, err
	}
	return cursorFromColumns(shortcut, linear), nil
}

// SaveCursor merges under a row lock so concurrent writers from other
// processes cannot regress a high-water mark.
func (b *PostgresBackend) SaveCursor(ctx context.Context, scopeKey string, cursors syncer.Cursors) error {
	if strings.TrimSpace(scopeKey) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf(
		"SELECT shortcut_updated_at, linear_updated_at FROM %s WHERE scope_key = $1 FOR UPDATE",
		postgresQuoteIdentifier(postgresCursorTableName))
	var shortcut, linear string
	err = tx.QueryRowContext(ctx, selectQuery, scopeKey).Scan(&shortcut, &linear)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	merged := cursorFromColumns(shortcut, linear).Merge(cursors)
	nextShortcut, nextLinear := cursorToColumns(merged)

	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (scope_key, shortcut_updated_at, linear_updated_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (scope_key)
		DO UPDATE SET shortcut_updated_at = EXCLUDED.shortcut_updated_at,
			linear_updated_at = EXCLUDED.linear_updated_at,
			updated_at = NOW()`, postgresQuoteIdentifier(postgresCursorTableName))
	if _, err := tx.ExecContext(ctx, upsertQuery, scopeKey, nextShortcut, nextLinear); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresBackend) AppendEvents(ctx context.Context, scopeKey string, events []syncer.Event) error {
	if strings.TrimSpace(scopeKey) == "" {
		return ErrInvalidInput
	}
	if len(events) == 0 {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (scope_key, payload, created_at) VALUES ($1, $2, NOW())",
		postgresQuoteIdentifier(postgresEventTableName))
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := b.db.ExecContext(ctx, insertQuery, scopeKey, string(payload)); err != nil {
			return err
		}
	}
	return nil
}

func (b *PostgresBackend) ListEvents(ctx context.Context, scopeKey string, limit int) ([]syncer.Event, error) {
	if strings.TrimSpace(scopeKey) == "" {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE scope_key = $1 ORDER BY id DESC LIMIT $2",
		postgresQuoteIdentifier(postgresEventTableName))
	rows, err := b.db.QueryContext(ctx, query, scopeKey, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]syncer.Event, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var event syncer.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (b *PostgresBackend) CreateJobRun(ctx context.Context, run JobRun) error {
	if strings.TrimSpace(run.ID) == "" || strings.TrimSpace(run.ScopeKey) == "" {
		return ErrInvalidInput
	}
	if run.Status == "" {
		run.Status = JobQueued
	}
	if run.EnqueuedAt.IsZero() {
		run.EnqueuedAt = time.Now().UTC()
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (job_id, scope_key, status, payload, enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (job_id)
		DO UPDATE SET status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = NOW()`,
		postgresQuoteIdentifier(postgresJobRunTableName))
	_, err = b.db.ExecContext(ctx, query, run.ID, run.ScopeKey, string(run.Status), string(payload), run.EnqueuedAt)
	return err
}

func (b *PostgresBackend) MarkJobRunning(ctx context.Context, jobID string, attempt int) error {
	return b.updateJob(ctx, jobID, func(run *JobRun) {
		now := time.Now().UTC()
		run.Status = JobProcessing
		run.Attempt = attempt
		run.StartedAt = &now
	})
}

func (b *PostgresBackend) MarkJobCompleted(ctx context.Context, jobID string, delta syncer.Delta) error {
	return b.updateJob(ctx, jobID, func(run *JobRun) {
		now := time.Now().UTC()
		run.Status = JobCompleted
		run.Delta = delta
		run.Error = ""
		run.FinishedAt = &now
	})
}

func (b *PostgresBackend) MarkJobFailed(ctx context.Context, jobID string, message string) error {
	return b.updateJob(ctx, jobID, func(run *JobRun) {
		now := time.Now().UTC()
		run.Status = JobFailed
		run.Error = message
		run.FinishedAt = &now
	})
}

func (b *PostgresBackend) updateJob(ctx context.Context, jobID string, mutate func(*JobRun)) error {
	if strings.TrimSpace(jobID) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf(
		"SELECT payload FROM %s WHERE job_id = $1 FOR UPDATE",
		postgresQuoteIdentifier(postgresJobRunTableName))
	var payload string
	err = tx.QueryRowContext(ctx, selectQuery, jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var run JobRun
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return err
	}
	mutate(&run)
	next, err := json.Marshal(run)
	if err != nil {
		return err
	}
	updateQuery := fmt.Sprintf(
		"UPDATE %s SET status = $1, payload = $2, updated_at = NOW() WHERE job_id = $3",
		postgresQuoteIdentifier(postgresJobRunTableName))
	if _, err := tx.ExecContext(ctx, updateQuery, string(run.Status), string(next), jobID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresBackend) GetJobRun(ctx context.Context, jobID string) (JobRun, error) {
	if strings.TrimSpace(jobID) == "" {
		return JobRun{}, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return JobRun{}, err
	}
	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE job_id = $1",
		postgresQuoteIdentifier(postgresJobRunTableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRun{}, ErrNotFound
	}
	if err != nil {
		return JobRun{}, err
	}
	var run JobRun
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return JobRun{}, err
	}
	return run, nil
}

func (b *PostgresBackend) ListJobRuns(ctx context.Context, scopeKey string, limit int) ([]JobRun, error) {
	if strings.TrimSpace(scopeKey) == "" {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT payload FROM %s WHERE scope_key = $1 ORDER BY enqueued_at DESC LIMIT $2",
		postgresQuoteIdentifier(postgresJobRunTableName))
	rows, err := b.db.QueryContext(ctx, query, scopeKey, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]JobRun, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var run JobRun
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
