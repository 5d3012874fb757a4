package jobqueue

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/goodbyeshortcut/trackbridge/internal/state"
	"github.com/goodbyeshortcut/trackbridge/internal/syncer"
)

func newTestScheduler(t *testing.T, queue Queue, backend state.Backend, source JobSource) *Scheduler {
	t.Helper()
	scheduler, err := NewScheduler(SchedulerOptions{
		Queue:    queue,
		Backend:  backend,
		Interval: time.Minute,
		Source:   source,
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return scheduler
}

func TestSchedulerTickEnqueuesIdleScopes(t *testing.T) {
	queue := NewInMemoryQueue(8)
	backend := state.NewMemoryBackend()
	config := syncer.Config{LinearTeamID: "team-1"}
	scheduler := newTestScheduler(t, queue, backend, func() []Job {
		return []Job{NewJob(config, syncer.Credentials{ShortcutToken: "sc", LinearToken: "lin"}, "scheduler", "scheduled cycle")}
	})

	if queued := scheduler.Tick(context.Background()); queued != 1 {
		t.Fatalf("expected 1 queued job, got %d", queued)
	}
	if queue.Depth() != 1 {
		t.Fatalf("job not in queue, depth %d", queue.Depth())
	}
	runs, err := backend.ListJobRuns(context.Background(), config.ScopeKey(), 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("job run not recorded: %v %d", err, len(runs))
	}
	if runs[0].Status != state.JobQueued || runs[0].TriggerSource != "scheduler" {
		t.Fatalf("unexpected job run %+v", runs[0])
	}
}

func TestSchedulerSkipsBusyScope(t *testing.T) {
	queue := NewInMemoryQueue(8)
	backend := state.NewMemoryBackend()
	config := syncer.Config{LinearTeamID: "team-1"}
	scheduler := newTestScheduler(t, queue, backend, func() []Job {
		return []Job{NewJob(config, syncer.Credentials{ShortcutToken: "sc", LinearToken: "lin"}, "scheduler", "scheduled cycle")}
	})
	ctx := context.Background()

	if queued := scheduler.Tick(ctx); queued != 1 {
		t.Fatalf("first tick should queue, got %d", queued)
	}
	// Previous job still queued: the scope is skipped.
	if queued := scheduler.Tick(ctx); queued != 0 {
		t.Fatalf("second tick must skip the busy scope, got %d", queued)
	}

	job, ok := queue.Dequeue(ctx)
	if !ok {
		t.Fatalf("dequeue failed")
	}
	if err := backend.MarkJobRunning(ctx, job.ID, 1); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if queued := scheduler.Tick(ctx); queued != 0 {
		t.Fatalf("tick must skip a scope with a running job, got %d", queued)
	}

	if err := backend.MarkJobCompleted(ctx, job.ID, syncer.Delta{}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if queued := scheduler.Tick(ctx); queued != 1 {
		t.Fatalf("tick should queue again once the scope is idle, got %d", queued)
	}
}

func TestSchedulerHandlesMultipleScopes(t *testing.T) {
	queue := NewInMemoryQueue(8)
	backend := state.NewMemoryBackend()
	configs := []syncer.Config{
		{LinearTeamID: "team-1"},
		{LinearTeamID: "team-2"},
	}
	scheduler := newTestScheduler(t, queue, backend, func() []Job {
		jobs := make([]Job, 0, len(configs))
		for _, config := range configs {
			jobs = append(jobs, NewJob(config, syncer.Credentials{ShortcutToken: "sc", LinearToken: "lin"}, "scheduler", "scheduled cycle"))
		}
		return jobs
	})

	if queued := scheduler.Tick(context.Background()); queued != 2 {
		t.Fatalf("expected both scopes queued, got %d", queued)
	}
	first, _ := queue.Dequeue(context.Background())
	second, _ := queue.Dequeue(context.Background())
	if first.ScopeKey == second.ScopeKey {
		t.Fatalf("expected distinct scopes, got %q twice", first.ScopeKey)
	}
}
