package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goodbyeshortcut/trackbridge/internal/httpapi"
	"github.com/goodbyeshortcut/trackbridge/internal/jobqueue"
	"github.com/goodbyeshortcut/trackbridge/internal/state"
)

func main() {
	addr := os.Getenv("TRACKBRIDGE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	backend, queue, err := buildStorageFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage: %v", err)
	}
	defer backend.Close()

	server, err := httpapi.NewServer(httpapi.ServerOptions{
		Backend: backend,
		Queue:   queue,
		Config: httpapi.ServerConfig{
			ShortcutSecret:     os.Getenv("TRACKBRIDGE_SHORTCUT_WEBHOOK_SECRET"),
			LinearSecret:       os.Getenv("TRACKBRIDGE_LINEAR_WEBHOOK_SECRET"),
			MaxBodyBytes:       int64Env("TRACKBRIDGE_MAX_BODY_BYTES", 0),
			RateLimitMax:       intEnv("TRACKBRIDGE_RATE_LIMIT_MAX", 0),
			RateLimitWindow:    durationEnv("TRACKBRIDGE_RATE_LIMIT_WINDOW", time.Minute),
			ReplayTTL:          durationEnv("TRACKBRIDGE_REPLAY_TTL", 0),
			TimestampTolerance: durationEnv("TRACKBRIDGE_TIMESTAMP_TOLERANCE", 0),
			QueueEnabled:       boolEnv("TRACKBRIDGE_QUEUE_MODE", false),
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize server: %v", err)
	}

	log.Printf("trackbridge listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStorageFromEnv() (state.Backend, jobqueue.Queue, error) {
	profileStateDSN, profileQueueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	stateDSN := strings.TrimSpace(os.Getenv("TRACKBRIDGE_STATE_DSN"))
	if stateDSN == "" {
		stateDSN = profileStateDSN
	}
	backend, err := state.BuildBackendFromDSN(stateDSN)
	if err != nil {
		return nil, nil, err
	}

	queueDSN := strings.TrimSpace(os.Getenv("TRACKBRIDGE_QUEUE_DSN"))
	if queueDSN == "" {
		queueDSN = profileQueueDSN
	}
	var queue jobqueue.Queue
	if queueDSN != "" || boolEnv("TRACKBRIDGE_QUEUE_MODE", false) {
		queue, err = jobqueue.BuildQueueFromDSN(queueDSN, intEnv("TRACKBRIDGE_QUEUE_SIZE", 0))
		if err != nil {
			backend.Close()
			return nil, nil, err
		}
	}
	return backend, queue, nil
}

func storageProfileDefaultsFromEnv() (stateDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("TRACKBRIDGE_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("TRACKBRIDGE_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".trackbridge"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("TRACKBRIDGE_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", "", fmt.Errorf("TRACKBRIDGE_POSTGRES_DSN is required when TRACKBRIDGE_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "state.db"),
			"file://" + filepath.Join(dataDir, "job-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported TRACKBRIDGE_BACKEND_PROFILE: %s", profile)
	}
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

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
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

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
