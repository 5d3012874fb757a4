package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goodbyeshortcut/trackbridge/internal/jobqueue"
	"github.com/goodbyeshortcut/trackbridge/internal/state"
)

func main() {
	stateDSN := strings.TrimSpace(os.Getenv("TRACKBRIDGE_STATE_DSN"))
	queueDSN := strings.TrimSpace(os.Getenv("TRACKBRIDGE_QUEUE_DSN"))
	if queueDSN == "" {
		log.Fatal("TRACKBRIDGE_QUEUE_DSN is required: the worker drains a shared queue")
	}

	backend, err := state.BuildBackendFromDSN(stateDSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	defer backend.Close()

	queue, err := jobqueue.BuildQueueFromDSN(queueDSN, intEnv("TRACKBRIDGE_QUEUE_SIZE", 0))
	if err != nil {
		log.Fatalf("failed to initialize job queue: %v", err)
	}
	defer queue.Close()

	worker, err := jobqueue.NewWorker(jobqueue.WorkerOptions{
		Queue:       queue,
		Backend:     backend,
		Concurrency: intEnv("TRACKBRIDGE_WORKER_CONCURRENCY", 0),
		MaxAttempts: intEnv("TRACKBRIDGE_MAX_ATTEMPTS", 0),
		RetryBase:   durationEnv("TRACKBRIDGE_RETRY_BASE", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize worker: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("trackbridge worker draining %s", queueDSN)
	worker.Run(ctx)
	log.Print("trackbridge worker stopped")
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
