package state

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goodbyeshortcut/trackbridge/internal/syncer"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrNotImplemented = errors.New("not implemented")
)

type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// JobRun is the durable record of one queued sync job's lifecycle.
type JobRun struct {
	ID            string       `json:"id"`
	ScopeKey      string       `json:"scopeKey"`
	TriggerSource string       `json:"triggerSource,omitempty"`
	TriggerReason string       `json:"triggerReason,omitempty"`
	Status        JobStatus    `json:"status"`
	Attempt       int          `json:"attempt"`
	Delta         syncer.Delta `json:"delta"`
	Error         string       `json:"error,omitempty"`
	EnqueuedAt    time.Time    `json:"enqueuedAt"`
	StartedAt     *time.Time   `json:"startedAt,omitempty"`
	FinishedAt    *time.Time   `json:"finishedAt,omitempty"`
}

// Backend stores per-scope cursors, append-only event history and job
// run records. SaveCursor merges monotonically: a persisted high-water
// mark never regresses. ListEvents and ListJobRuns return newest first.
type Backend interface {
	LoadCursor(ctx context.Context, scopeKey string) (syncer.Cursors, error)
	SaveCursor(ctx context.Context, scopeKey string, cursors syncer.Cursors) error

	AppendEvents(ctx context.Context, scopeKey string, events []syncer.Event) error
	ListEvents(ctx context.Context, scopeKey string, limit int) ([]syncer.Event, error)

	CreateJobRun(ctx context.Context, run JobRun) error
	MarkJobRunning(ctx context.Context, jobID string, attempt int) error
	MarkJobCompleted(ctx context.Context, jobID string, delta syncer.Delta) error
	MarkJobFailed(ctx context.Context, jobID string, message string) error
	GetJobRun(ctx context.Context, jobID string) (JobRun, error)
	ListJobRuns(ctx context.Context, scopeKey string, limit int) ([]JobRun, error)

	Close() error
}

const defaultListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// MemoryBackend keeps everything in process memory. Used by tests and
// non-durable single-process deployments.
type MemoryBackend struct {
	mu      sync.Mutex
	cursors map[string]syncer.Cursors
	events  map[string][]syncer.Event
	jobs    map[string]JobRun
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		cursors: make(map[string]syncer.Cursors),
		events:  make(map[string][]syncer.Event),
		jobs:    make(map[string]JobRun),
	}
}

func (b *MemoryBackend) LoadCursor(ctx context.Context, scopeKey string) (syncer.Cursors, error) {
	if strings.TrimSpace(scopeKey) == "" {
		return syncer.Cursors{}, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursors[scopeKey], nil
}

func (b *MemoryBackend) SaveCursor(ctx context.Context, scopeKey string, cursors syncer.Cursors) error {
	if strings.TrimSpace(scopeKey) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursors[scopeKey] = b.cursors[scopeKey].Merge(cursors)
	return nil
}

func (b *MemoryBackend) AppendEvents(ctx context.Context, scopeKey string, events []syncer.Event) error {
	if strings.TrimSpace(scopeKey) == "" {
		return ErrInvalidInput
	}
	if len(events) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[scopeKey] = append(b.events[scopeKey], events...)
	return nil
}

func (b *MemoryBackend) ListEvents(ctx context.Context, scopeKey string, limit int) ([]syncer.Event, error) {
	if strings.TrimSpace(scopeKey) == "" {
		return nil, ErrInvalidInput
	}
	limit = clampLimit(limit)
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := b.events[scopeKey]
	listed := make([]syncer.Event, 0, limit)
	for i := len(stored) - 1; i >= 0 && len(listed) < limit; i-- {
		listed = append(listed, stored[i])
	}
	return listed, nil
}

func (b *MemoryBackend) CreateJobRun(ctx context.Context, run JobRun) error {
	if strings.TrimSpace(run.ID) == "" || strings.TrimSpace(run.ScopeKey) == "" {
		return ErrInvalidInput
	}
	if run.Status == "" {
		run.Status = JobQueued
	}
	if run.EnqueuedAt.IsZero() {
		run.EnqueuedAt = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[run.ID] = run
	return nil
}

func (b *MemoryBackend) MarkJobRunning(ctx context.Context, jobID string, attempt int) error {
	return b.updateJob(jobID, func(run *JobRun) {
		now := time.Now().UTC()
		run.Status = JobProcessing
		run.Attempt = attempt
		run.StartedAt = &now
	})
}

func (b *MemoryBackend) MarkJobCompleted(ctx context.Context, jobID string, delta syncer.Delta) error {
	return b.updateJob(jobID, func(run *JobRun) {
		now := time.Now().UTC()
		run.Status = JobCompleted
		run.Delta = delta
		run.Error = ""
		run.FinishedAt = &now
	})
}

func (b *MemoryBackend) MarkJobFailed(ctx context.Context, jobID string, message string) error {
	return b.updateJob(jobID, func(run *JobRun) {
		now := time.Now().UTC()
		run.Status = JobFailed
		run.Error = message
		run.FinishedAt = &now
	})
}

func (b *MemoryBackend) updateJob(jobID string, mutate func(*JobRun)) error {
	if strings.TrimSpace(jobID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	mutate(&run)
	b.jobs[jobID] = run
	return nil
}

func (b *MemoryBackend) GetJobRun(ctx context.Context, jobID string) (JobRun, error) {
	if strings.TrimSpace(jobID) == "" {
		return JobRun{}, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.jobs[jobID]
	if !ok {
		return JobRun{}, ErrNotFound
	}
	return run, nil
}

func (b *MemoryBackend) ListJobRuns(ctx context.Context, scopeKey string, limit int) ([]JobRun, error) {
	if strings.TrimSpace(scopeKey) == "" {
		return nil, ErrInvalidInput
	}
	limit = clampLimit(limit)
	b.mu.Lock()
	defer b.mu.Unlock()

	runs := make([]JobRun, 0)
	for _, run := range b.jobs {
		if run.ScopeKey == scopeKey {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].EnqueuedAt.After(runs[j].EnqueuedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
