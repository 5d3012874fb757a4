package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/goodbyeshortcut/trackbridge/internal/jobqueue"
	"github.com/goodbyeshortcut/trackbridge/internal/settings"
	"github.com/goodbyeshortcut/trackbridge/internal/state"
	"github.com/goodbyeshortcut/trackbridge/internal/syncer"
	"github.com/goodbyeshortcut/trackbridge/internal/tracker"
)

func main() {
	credentials := syncer.Credentials{
		ShortcutToken: strings.TrimSpace(os.Getenv("SHORTCUT_API_TOKEN")),
		LinearToken:   tracker.NormalizeLinearToken(os.Getenv("LINEAR_API_KEY")),
	}
	if err := credentials.Validate(); err != nil {
		log.Fatal("SHORTCUT_API_TOKEN and LINEAR_API_KEY are required")
	}

	backend, err := state.BuildBackendFromDSN(strings.TrimSpace(os.Getenv("TRACKBRIDGE_STATE_DSN")))
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	defer backend.Close()

	queueDSN := strings.TrimSpace(os.Getenv("TRACKBRIDGE_QUEUE_DSN"))
	if queueDSN == "" {
		log.Fatal("TRACKBRIDGE_QUEUE_DSN is required: the scheduler feeds a shared queue")
	}
	queue, err := jobqueue.BuildQueueFromDSN(queueDSN, intEnv("TRACKBRIDGE_QUEUE_SIZE", 0))
	if err != nil {
		log.Fatalf("failed to initialize job queue: %v", err)
	}
	defer queue.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, interval, cleanup, err := buildJobSource(ctx, credentials)
	if err != nil {
		log.Fatalf("failed to initialize sync config: %v", err)
	}
	defer cleanup()

	if override := durationEnv("TRACKBRIDGE_SYNC_INTERVAL", 0); override > 0 {
		interval = override
	}
	scheduler, err := jobqueue.NewScheduler(jobqueue.SchedulerOptions{
		Queue:    queue,
		Backend:  backend,
		Interval: interval,
		Source:   source,
	})
	if err != nil {
		log.Fatalf("failed to initialize scheduler: %v", err)
	}

	log.Printf("trackbridge scheduler ticking every %s", interval)
	scheduler.Run(ctx)
	log.Print("trackbridge scheduler stopped")
}

// buildJobSource prefers a watched settings file; without one the sync
// config comes from the environment. Settings file edits apply on the
// next tick.
func buildJobSource(ctx context.Context, credentials syncer.Credentials) (jobqueue.JobSource, time.Duration, func(), error) {
	settingsPath := strings.TrimSpace(os.Getenv("TRACKBRIDGE_SETTINGS_FILE"))
	if settingsPath == "" {
		config := syncer.Config{
			LinearTeamID:   strings.TrimSpace(os.Getenv("LINEAR_TEAM_ID")),
			ShortcutTeamID: strings.TrimSpace(os.Getenv("SHORTCUT_GROUP_ID")),
		}
		if direction, err := syncer.ParseDirection(os.Getenv("TRACKBRIDGE_SYNC_DIRECTION")); err == nil {
			config.Direction = direction
		}
		if policy, err := syncer.ParseConflictPolicy(os.Getenv("TRACKBRIDGE_CONFLICT_POLICY")); err == nil {
			config.ConflictPolicy = policy
		}
		if err := config.Validate(); err != nil {
			return nil, 0, nil, err
		}
		source := func() []jobqueue.Job {
			return []jobqueue.Job{jobqueue.NewJob(config, credentials, "scheduler", "scheduled sync")}
		}
		return source, 5 * time.Minute, func() {}, nil
	}

	var mu sync.Mutex
	var current settings.Settings
	watcher, initial, err := settings.Watch(ctx, settings.WatchOptions{
		Path: settingsPath,
		OnChange: func(s settings.Settings) {
			mu.Lock()
			current = s
			mu.Unlock()
			log.Printf("settings reloaded from %s", settingsPath)
		},
		OnError: func(err error) {
			log.Printf("settings reload rejected, keeping previous: %v", err)
		},
	})
	if err != nil {
		return nil, 0, nil, err
	}
	mu.Lock()
	if current.LinearTeamID == "" {
		current = initial
	}
	mu.Unlock()

	source := func() []jobqueue.Job {
		mu.Lock()
		config := current.SyncConfig()
		mu.Unlock()
		return []jobqueue.Job{jobqueue.NewJob(config, credentials, "scheduler", "scheduled sync")}
	}
	interval := time.Duration(initial.PollIntervalSeconds) * time.Second
	return source, interval, func() { watcher.Close() }, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
