package jobqueue

import (
	"context"
	"log"
	"time"

	"github.com/goodbyeshortcut/trackbridge/internal/state"
)

// JobSource produces the jobs one scheduler tick should enqueue, with
// fresh job IDs. It is called once per tick.
type JobSource func() []Job

type SchedulerOptions struct {
	Queue    Queue
	Backend  state.Backend
	Interval time.Duration
	Source   JobSource
	Logger   *log.Logger
}

// Scheduler enqueues periodic sync jobs. A scope that still has a
// queued or running job is skipped for the tick, so a slow cycle never
// stacks a backlog behind itself.
type Scheduler struct {
	queue    Queue
	backend  state.Backend
	interval time.Duration
	source   JobSource
	logger   *log.Logger
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Queue == nil || opts.Backend == nil || opts.Source == nil {
		return nil, ErrInvalidInput
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		queue:    opts.Queue,
		backend:  opts.Backend,
		interval: interval,
		source:   opts.Source,
		logger:   logger,
	}, nil
}

// Run ticks until ctx is cancelled. The first tick fires after one
// interval, not immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick enqueues one job per idle scope and reports how many it queued.
func (s *Scheduler) Tick(ctx context.Context) int {
	queued := 0
	for _, job := range s.source() {
		if !job.valid() {
			continue
		}
		if s.scopeBusy(ctx, job.ScopeKey) {
			continue
		}
		if err := s.backend.CreateJobRun(ctx, state.JobRun{
			ID:            job.ID,
			ScopeKey:      job.ScopeKey,
			TriggerSource: job.TriggerSource,
			TriggerReason: job.TriggerReason,
			EnqueuedAt:    job.EnqueuedAt,
		}); err != nil {
			s.logger.Printf("scheduler: record job %s: %v", job.ID, err)
			continue
		}
		if !s.queue.TryEnqueue(job) {
			s.logger.Printf("scheduler: queue full, skipping scope %s", job.ScopeKey)
			_ = s.backend.MarkJobFailed(ctx, job.ID, "queue full")
			continue
		}
		queued++
	}
	return queued
}

func (s *Scheduler) scopeBusy(ctx context.Context, scopeKey string) bool {
	runs, err := s.backend.ListJobRuns(ctx, scopeKey, 1)
	if err != nil || len(runs) == 0 {
		return false
	}
	status := runs[0].Status
	return status == state.JobQueued || status == state.JobProcessing
}
