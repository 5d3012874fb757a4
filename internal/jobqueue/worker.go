package jobqueue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goodbyeshortcut/trackbridge/internal/state"
	"github.com/goodbyeshortcut/trackbridge/internal/syncer"
	"github.com/goodbyeshortcut/trackbridge/internal/tracker"
)

// CycleRunner executes one sync cycle with per-job credentials. The
// default runner builds real API clients; tests substitute their own.
type CycleRunner func(ctx context.Context, credentials syncer.Credentials, input syncer.CycleInput) (syncer.CycleResult, error)

func DefaultCycleRunner(ctx context.Context, credentials syncer.Credentials, input syncer.CycleInput) (syncer.CycleResult, error) {
	shortcut, err := tracker.NewShortcutClient(tracker.ShortcutClientOptions{Token: credentials.ShortcutToken})
	if err != nil {
		return syncer.CycleResult{}, fmt.Errorf("shortcut client: %w", err)
	}
	linear, err := tracker.NewLinearClient(tracker.LinearClientOptions{Token: credentials.LinearToken})
	if err != nil {
		return syncer.CycleResult{}, fmt.Errorf("linear client: %w", err)
	}
	engine, err := syncer.NewEngine(shortcut, linear)
	if err != nil {
		return syncer.CycleResult{}, err
	}
	return engine.RunCycle(ctx, input)
}

type WorkerOptions struct {
	Queue   Queue
	Backend state.Backend
	Guard   *syncer.ScopeGuard
	Runner  CycleRunner

	// Concurrency bounds how many cycles one worker process runs at
	// once. Distinct scopes only; the guard serializes within a scope.
	Concurrency int
	MaxAttempts int
	RetryBase   time.Duration
	Logger      *log.Logger
}

// Worker drains the queue and drives the sync engine, recording each
// job's lifecycle in the state backend.
type Worker struct {
	queue       Queue
	backend     state.Backend
	guard       *syncer.ScopeGuard
	runner      CycleRunner
	concurrency int
	maxAttempts int
	retryBase   time.Duration
	logger      *log.Logger
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Queue == nil || opts.Backend == nil {
		return nil, ErrInvalidInput
	}
	guard := opts.Guard
	if guard == nil {
		guard = syncer.NewScopeGuard()
	}
	runner := opts.Runner
	if runner == nil {
		runner = DefaultCycleRunner
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		queue:       opts.Queue,
		backend:     opts.Backend,
		guard:       guard,
		runner:      runner,
		concurrency: concurrency,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		logger:      logger,
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok := w.queue.Dequeue(ctx)
				if !ok {
					return
				}
				w.process(ctx, job)
			}
		}()
	}
	wg.Wait()
}

func (w *Worker) process(ctx context.Context, job Job) {
	if !job.valid() {
		return
	}
	if !w.guard.Begin(job.ScopeKey) {
		// Another cycle owns this scope. Push the job back with a
		// short delay instead of burning an attempt.
		job.NotBefore = time.Now().UTC().Add(w.retryBase)
		if !w.queue.TryEnqueue(job) {
			w.logger.Printf("jobqueue: dropped job %s for busy scope %s: queue full", job.ID, job.ScopeKey)
			_ = w.backend.MarkJobFailed(ctx, job.ID, "scope busy and queue full")
		}
		return
	}
	defer w.guard.End(job.ScopeKey)

	attempt := job.Attempt + 1
	if err := w.backend.MarkJobRunning(ctx, job.ID, attempt); err != nil {
		w.logger.Printf("jobqueue: mark running %s: %v", job.ID, err)
	}

	result, err := w.runCycle(ctx, job)
	if err != nil {
		w.fail(ctx, job, attempt, err)
		return
	}
	if err := w.backend.SaveCursor(ctx, job.ScopeKey, result.Cursors); err != nil {
		w.logger.Printf("jobqueue: save cursor %s: %v", job.ScopeKey, err)
	}
	if err := w.backend.AppendEvents(ctx, job.ScopeKey, result.Events); err != nil {
		w.logger.Printf("jobqueue: append events %s: %v", job.ScopeKey, err)
	}
	if err := w.backend.MarkJobCompleted(ctx, job.ID, result.Delta); err != nil {
		w.logger.Printf("jobqueue: mark completed %s: %v", job.ID, err)
	}
}

func (w *Worker) runCycle(ctx context.Context, job Job) (syncer.CycleResult, error) {
	cursors, err := w.backend.LoadCursor(ctx, job.ScopeKey)
	if err != nil {
		return syncer.CycleResult{}, fmt.Errorf("load cursor: %w", err)
	}
	return w.runner(ctx, job.Credentials(), syncer.CycleInput{
		Config:        job.Config,
		Cursors:       cursors,
		TriggerSource: job.TriggerSource,
		TriggerReason: job.TriggerReason,
	})
}

func (w *Worker) fail(ctx context.Context, job Job, attempt int, cause error) {
	if err := w.backend.MarkJobFailed(ctx, job.ID, cause.Error()); err != nil {
		w.logger.Printf("jobqueue: mark failed %s: %v", job.ID, err)
	}
	if attempt >= w.maxAttempts {
		w.logger.Printf("jobqueue: job %s exhausted after %d attempts: %v", job.ID, attempt, cause)
		return
	}
	retry := job
	retry.Attempt = attempt
	retry.NotBefore = time.Now().UTC().Add(retryDelay(w.retryBase, attempt))
	if !w.queue.TryEnqueue(retry) {
		w.logger.Printf("jobqueue: could not requeue job %s: queue full", job.ID)
	}
}

const maxRetryDelay = 5 * time.Minute

// retryDelay doubles per attempt: base, 2x, 4x, ... up to maxRetryDelay.
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}
