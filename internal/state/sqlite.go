package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/goodbyeshortcut/trackbridge/internal/syncer"
)

// SQLiteBackend persists scope state in a single database file. A
// shared in-process handle serializes writers, which is all SQLite
// supports anyway.
type SQLiteBackend struct {
	path   string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu sync.Mutex
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteBackend{path: path, openDB: sql.Open}, nil
}

func (b *SQLiteBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("sqlite", b.path)
		if err != nil {
			b.initErr = err
			return
		}
		// modernc.org/sqlite handles are not safe for concurrent
		// writers on separate connections.
		db.SetMaxOpenConns(1)

		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS trackbridge_cursors (
				scope_key TEXT PRIMARY KEY,
				shortcut_updated_at TEXT NOT NULL DEFAULT '',
				linear_updated_at TEXT NOT NULL DEFAULT '',
				updated_at TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS trackbridge_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				scope_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS trackbridge_events_scope_key_id_idx
				ON trackbridge_events (scope_key, id)`,
			`CREATE TABLE IF NOT EXISTS trackbridge_job_runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				job_id TEXT NOT NULL UNIQUE,
				scope_key TEXT NOT NULL,
				status TEXT NOT NULL,
				payload TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS trackbridge_job_runs_scope_key_idx
				ON trackbridge_job_runs (scope_key, id)`,
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

func sqliteNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (b *SQLiteBackend) LoadCursor(ctx context.Context, scopeKey string) (syncer.Cursors, error) {
	if strings.TrimSpace(scopeKey) == "" {
		return syncer.Cursors{}, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return syncer.Cursors{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var shortcut, linear string
	err := b.db.QueryRowContext(ctx,
		"SELECT shortcut_updated_at, linear_updated_at FROM trackbridge_cursors WHERE scope_key = ?",
		scopeKey).Scan(&shortcut, &linear)
	if errors.Is(err, sql.ErrNoRows) {
		return syncer.Cursors{}, nil
	}
	if err != nil {
		return syncer.Cursors{}, err
	}
	return cursorFromColumns(shortcut, linear), nil
}

func (b *SQLiteBackend) SaveCursor(ctx context.Context, scopeKey string, cursors syncer.Cursors) error {
	if strings.TrimSpace(scopeKey) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

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

	var shortcut, linear string
	err = tx.QueryRowContext(ctx,
		"SELECT shortcut_updated_at, linear_updated_at FROM trackbridge_cursors WHERE scope_key = ?",
		scopeKey).Scan(&shortcut, &linear)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	merged := cursorFromColumns(shortcut, linear).Merge(cursors)
	nextShortcut, nextLinear := cursorToColumns(merged)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trackbridge_cursors (scope_key, shortcut_updated_at, linear_updated_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (scope_key)
		DO UPDATE SET shortcut_updated_at = excluded.shortcut_updated_at,
			linear_updated_at = excluded.linear_updated_at,
			updated_at = excluded.updated_at`,
		scopeKey, nextShortcut, nextLinear, sqliteNow())
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *SQLiteBackend) AppendEvents(ctx context.Context, scopeKey string, events []syncer.Event) error {
	if strings.TrimSpace(scopeKey) == "" {
		return ErrInvalidInput
	}
	if len(events) == 0 {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		_, err = b.db.ExecContext(ctx,
			"INSERT INTO trackbridge_events (scope_key, payload, created_at) VALUES (?, ?, ?)",
			scopeKey, string(payload), sqliteNow())
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLiteBackend) ListEvents(ctx context.Context, scopeKey string, limit int) ([]syncer.Event, error) {
	if strings.TrimSpace(scopeKey) == "" {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx,
		"SELECT payload FROM trackbridge_events WHERE scope_key = ? ORDER BY id DESC LIMIT ?",
		scopeKey, clampLimit(limit))
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

func (b *SQLiteBackend) CreateJobRun(ctx context.Context, run JobRun) error {
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
	b.mu.Lock()
	defer b.mu.Unlock()

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO trackbridge_job_runs (job_id, scope_key, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (job_id)
		DO UPDATE SET status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		run.ID, run.ScopeKey, string(run.Status), string(payload), sqliteNow())
	return err
}

func (b *SQLiteBackend) MarkJobRunning(ctx context.Context, jobID string, attempt int) error {
	return b.updateJob(ctx, jobID, func(run *JobRun) {
		now := time.Now().UTC()
		run.Status = JobProcessing
		run.Attempt = attempt
		run.StartedAt = &now
	})
}

func (b *SQLiteBackend) MarkJobCompleted(ctx context.Context, jobID string, delta syncer.Delta) error {
	return b.updateJob(ctx, jobID, func(run *JobRun) {
		now := time.Now().UTC()
		run.Status = JobCompleted
		run.Delta = delta
		run.Error = ""
		run.FinishedAt = &now
	})
}

func (b *SQLiteBackend) MarkJobFailed(ctx context.Context, jobID string, message string) error {
	return b.updateJob(ctx, jobID, func(run *JobRun) {
		now := time.Now().UTC()
		run.Status = JobFailed
		run.Error = message
		run.FinishedAt = &now
	})
}

func (b *SQLiteBackend) updateJob(ctx context.Context, jobID string, mutate func(*JobRun)) error {
	if strings.TrimSpace(jobID) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var payload string
	err := b.db.QueryRowContext(ctx,
		"SELECT payload FROM trackbridge_job_runs WHERE job_id = ?", jobID).Scan(&payload)
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
	_, err = b.db.ExecContext(ctx,
		"UPDATE trackbridge_job_runs SET status = ?, payload = ?, updated_at = ? WHERE job_id = ?",
		string(run.Status), string(next), sqliteNow(), jobID)
	return err
}

func (b *SQLiteBackend) GetJobRun(ctx context.Context, jobID string) (JobRun, error) {
	if strings.TrimSpace(jobID) == "" {
		return JobRun{}, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return JobRun{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var payload string
	err := b.db.QueryRowContext(ctx,
		"SELECT payload FROM trackbridge_job_runs WHERE job_id = ?", jobID).Scan(&payload)
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

func (b *SQLiteBackend) ListJobRuns(ctx context.Context, scopeKey string, limit int) ([]JobRun, error) {
	if strings.TrimSpace(scopeKey) == "" {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx,
		"SELECT payload FROM trackbridge_job_runs WHERE scope_key = ? ORDER BY id DESC LIMIT ?",
		scopeKey, clampLimit(limit))
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

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
