package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/goodbyeshortcut/trackbridge/internal/jobqueue"
	"github.com/goodbyeshortcut/trackbridge/internal/state"
	"github.com/goodbyeshortcut/trackbridge/internal/syncer"
	"github.com/goodbyeshortcut/trackbridge/internal/tracker"
)

const (
	envShortcutToken  = "SHORTCUT_API_TOKEN"
	envLinearToken    = "LINEAR_API_KEY"
	envLinearTeamID   = "LINEAR_TEAM_ID"
	envShortcutTeamID = "SHORTCUT_GROUP_ID"

	inlineEventLimit = 20
)

type ServerConfig struct {
	ShortcutSecret     string
	LinearSecret       string
	MaxBodyBytes       int64
	RateLimitMax       int
	RateLimitWindow    time.Duration
	ReplayTTL          time.Duration
	TimestampTolerance time.Duration

	// QueueEnabled switches webhook and trigger handling from inline
	// cycles to 202 + background jobs.
	QueueEnabled bool
}

// MigratorFactory builds a migrator for per-request credentials.
type MigratorFactory func(credentials syncer.Credentials) (*syncer.Migrator, error)

type ServerOptions struct {
	Backend  state.Backend
	Queue    jobqueue.Queue
	Guard    *syncer.ScopeGuard
	Runner   jobqueue.CycleRunner
	Migrator MigratorFactory
	Config   ServerConfig
}

// Server is the webhook ingress and admin surface. Security checks run
// before any business logic: rate limit, body cap, signature, timestamp
// freshness, replay.
type Server struct {
	backend  state.Backend
	queue    jobqueue.Queue
	guard    *syncer.ScopeGuard
	runner   jobqueue.CycleRunner
	migrator MigratorFactory
	cfg      ServerConfig

	rateLimiter *rateLimiter
	replaySeen  *replayCache
	stream      *eventStream
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Backend == nil {
		return nil, errors.New("httpapi: state backend is required")
	}
	cfg := opts.Config
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 240
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = 10 * time.Minute
	}
	if cfg.TimestampTolerance <= 0 {
		cfg.TimestampTolerance = 5 * time.Minute
	}
	guard := opts.Guard
	if guard == nil {
		guard = syncer.NewScopeGuard()
	}
	runner := opts.Runner
	if runner == nil {
		runner = jobqueue.DefaultCycleRunner
	}
	migrator := opts.Migrator
	if migrator == nil {
		migrator = defaultMigratorFactory
	}
	if cfg.QueueEnabled && opts.Queue == nil {
		return nil, errors.New("httpapi: queue mode requires a queue")
	}
	return &Server{
		backend:     opts.Backend,
		queue:       opts.Queue,
		guard:       guard,
		runner:      runner,
		migrator:    migrator,
		cfg:         cfg,
		rateLimiter: newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		replaySeen:  newReplayCache(cfg.ReplayTTL),
		stream:      newEventStream(),
	}, nil
}

func defaultMigratorFactory(credentials syncer.Credentials) (*syncer.Migrator, error) {
	shortcut, err := tracker.NewShortcutClient(tracker.ShortcutClientOptions{Token: credentials.ShortcutToken})
	if err != nil {
		return nil, err
	}
	linear, err := tracker.NewLinearClient(tracker.LinearClientOptions{Token: credentials.LinearToken})
	if err != nil {
		return nil, err
	}
	return syncer.NewMigrator(shortcut, linear)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	switch {
	case r.URL.Path == "/v1/webhooks/shortcut":
		s.handleWebhook(w, r, "shortcut")
		return
	case r.URL.Path == "/v1/webhooks/linear":
		s.handleWebhook(w, r, "linear")
		return
	case r.URL.Path == "/v1/sync/trigger" && r.Method == http.MethodPost:
		s.handleTrigger(w, r)
		return
	case r.URL.Path == "/v1/migrate/preview" && r.Method == http.MethodPost:
		s.handleMigratePreview(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) >= 4 && parts[0] == "v1" && parts[1] == "scopes" {
		scopeKey, err := url.PathUnescape(parts[2])
		if err != nil || strings.TrimSpace(scopeKey) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid scope key")
			return
		}
		switch {
		case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet:
			s.handleListEvents(w, r, scopeKey)
			return
		case len(parts) == 5 && parts[3] == "events" && parts[4] == "stream" && r.Method == http.MethodGet:
			s.handleEventStream(w, r, scopeKey)
			return
		case len(parts) == 4 && parts[3] == "jobs" && r.Method == http.MethodGet:
			s.handleListJobs(w, r, scopeKey)
			return
		}
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

func (s *Server) secretFor(provider string) string {
	if provider == "shortcut" {
		return s.cfg.ShortcutSecret
	}
	return s.cfg.LinearSecret
}

func (s *Server) signatureHeadersFor(provider string) []string {
	if provider == "shortcut" {
		return shortcutSignatureHeaders
	}
	return linearSignatureHeaders
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, provider string) {
	switch r.Method {
	case http.MethodGet:
		s.handleWebhookStatus(w, provider)
		return
	case http.MethodPost:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST")
		return
	}

	now := time.Now().UTC()
	if !s.allowCaller(w, r, now) {
		return
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}

	secret := s.secretFor(provider)
	signature := firstSignatureHeader(r, s.signatureHeadersFor(provider))
	if secret != "" {
		if signature == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing webhook signature")
			return
		}
		if !verifySignature(secret, signature, body) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "webhook signature mismatch")
			return
		}
	}

	replayKey := provider + ":" + signature
	if provider == "linear" {
		timestamp, found := linearTimestamp(r, body)
		if secret != "" {
			if !found {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing webhook timestamp")
				return
			}
			if !timestampFresh(timestamp, now, s.cfg.TimestampTolerance) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "webhook timestamp outside freshness window")
				return
			}
			replayKey += ":" + strconv.FormatInt(timestamp.UnixMilli(), 10)
		}
	}
	if secret != "" && !s.replaySeen.markSeen(replayKey, now) {
		writeError(w, http.StatusConflict, "replay_detected", "webhook delivery already processed")
		return
	}

	config, credentials, verr := s.resolveTrigger(r, body, true)
	if verr != nil {
		writeError(w, verr.status, verr.code, verr.message)
		return
	}
	reason := fmt.Sprintf("%s webhook", provider)
	s.dispatch(r.Context(), w, config, credentials, "webhook", reason)
}

func (s *Server) handleWebhookStatus(w http.ResponseWriter, provider string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":         provider,
		"secretConfigured": s.secretFor(provider) != "",
		"signatureHeaders": s.signatureHeadersFor(provider),
		"tokenEnv":         []string{envShortcutToken, envLinearToken},
		"teamEnv":          []string{envLinearTeamID, envShortcutTeamID},
		"queueEnabled":     s.cfg.QueueEnabled,
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	if !s.allowCaller(w, r, now) {
		return
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	config, credentials, verr := s.resolveTrigger(r, body, false)
	if verr != nil {
		writeError(w, verr.status, verr.code, verr.message)
		return
	}
	s.dispatch(r.Context(), w, config, credentials, "api", "manual trigger")
}

// dispatch either queues a job (202) or runs the cycle inline and
// returns its outcome.
func (s *Server) dispatch(ctx context.Context, w http.ResponseWriter, config syncer.Config, credentials syncer.Credentials, source, reason string) {
	if s.cfg.QueueEnabled {
		job := jobqueue.NewJob(config, credentials, source, reason)
		if err := s.backend.CreateJobRun(ctx, state.JobRun{
			ID:            job.ID,
			ScopeKey:      job.ScopeKey,
			TriggerSource: source,
			TriggerReason: reason,
			EnqueuedAt:    job.EnqueuedAt,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		if !s.queue.TryEnqueue(job) {
			_ = s.backend.MarkJobFailed(ctx, job.ID, "queue full")
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", "job queue is full")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"jobId":    job.ID,
			"scopeKey": job.ScopeKey,
			"status":   state.JobQueued,
		})
		return
	}

	scopeKey := config.ScopeKey()
	if !s.guard.Begin(scopeKey) {
		writeError(w, http.StatusConflict, "scope_busy", syncer.ErrScopeBusy.Error())
		return
	}
	defer s.guard.End(scopeKey)

	cursors, err := s.backend.LoadCursor(ctx, scopeKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	result, err := s.runner(ctx, credentials, syncer.CycleInput{
		Config:        config,
		Cursors:       cursors,
		TriggerSource: source,
		TriggerReason: reason,
	})
	if err != nil {
		if errors.Is(err, syncer.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "sync_failed", err.Error())
		return
	}
	if err := s.backend.SaveCursor(ctx, scopeKey, result.Cursors); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if err := s.backend.AppendEvents(ctx, scopeKey, result.Events); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.stream.publish(scopeKey, result.Events)

	events := result.Events
	if len(events) > inlineEventLimit {
		events = events[:inlineEventLimit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scopeKey":   scopeKey,
		"delta":      result.Delta,
		"cursors":    result.Cursors,
		"events":     events,
		"durationMs": result.DurationMs,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, scopeKey string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	events, err := s.backend.ListEvents(r.Context(), scopeKey, limit)
	if err != nil {
		if errors.Is(err, state.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopeKey": scopeKey, "events": events})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, scopeKey string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	runs, err := s.backend.ListJobRuns(r.Context(), scopeKey, limit)
	if err != nil {
		if errors.Is(err, state.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopeKey": scopeKey, "jobs": runs})
}

func (s *Server) handleMigratePreview(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	if !s.allowCaller(w, r, now) {
		return
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	var parsed triggerBody
	_ = json.Unmarshal(body, &parsed)
	credentials := credentialsFrom(r, parsed)
	if err := credentials.Validate(); err != nil {
		writeError(w, http.StatusUnauthorized, "missing_tokens", err.Error())
		return
	}
	migrator, err := s.migrator(credentials)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	validation := migrator.ValidateTokens(r.Context())
	preview, err := migrator.Preview(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "preview_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preview": preview, "tokens": validation})
}

func (s *Server) allowCaller(w http.ResponseWriter, r *http.Request, now time.Time) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(clientIP(r), now) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	return false
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

// triggerBody is the config slice of a trigger or webhook payload.
// Webhook payloads may carry the provider's event fields alongside; the
// schema only constrains the fields it names.
type triggerBody struct {
	Direction          string `json:"direction"`
	ConflictPolicy     string `json:"conflictPolicy"`
	LinearTeamID       string `json:"linearTeamId"`
	ShortcutTeamID     string `json:"shortcutTeamId"`
	IncludeComments    bool   `json:"includeComments"`
	IncludeAttachments bool   `json:"includeAttachments"`
	ShortcutToken      string `json:"shortcutToken"`
	LinearToken        string `json:"linearToken"`
}

const triggerSchemaJSON = `{
	"type": "object",
	"properties": {
		"direction": {
			"type": "string",
			"enum": ["SHORTCUT_TO_LINEAR", "LINEAR_TO_SHORTCUT", "BIDIRECTIONAL", ""]
		},
		"conflictPolicy": {
			"type": "string",
			"enum": ["SHORTCUT_WINS", "LINEAR_WINS", "NEWEST_WINS", "MANUAL", ""]
		},
		"linearTeamId": {"type": "string"},
		"shortcutTeamId": {"type": "string"},
		"includeComments": {"type": "boolean"},
		"includeAttachments": {"type": "boolean"},
		"shortcutToken": {"type": "string"},
		"linearToken": {"type": "string"}
	}
}`

var (
	triggerSchemaOnce sync.Once
	triggerSchema     *jsonschema.Schema
	triggerSchemaErr  error
)

func compiledTriggerSchema() (*jsonschema.Schema, error) {
	triggerSchemaOnce.Do(func() {
		document, err := jsonschema.UnmarshalJSON(strings.NewReader(triggerSchemaJSON))
		if err != nil {
			triggerSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("trigger.json", document); err != nil {
			triggerSchemaErr = err
			return
		}
		triggerSchema, triggerSchemaErr = compiler.Compile("trigger.json")
	})
	return triggerSchema, triggerSchemaErr
}

// resolveTrigger builds the sync config and credentials from the
// request: headers first, then body fields, then environment. Webhook
// bodies may be empty or carry unrelated provider fields.
func (s *Server) resolveTrigger(r *http.Request, body []byte, lenientBody bool) (syncer.Config, syncer.Credentials, *securityError) {
	var parsed triggerBody
	if len(bytes.TrimSpace(body)) > 0 {
		schema, err := compiledTriggerSchema()
		if err != nil {
			return syncer.Config{}, syncer.Credentials{}, &securityError{http.StatusInternalServerError, "internal_error", err.Error()}
		}
		document, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
		if err != nil {
			if !lenientBody {
				return syncer.Config{}, syncer.Credentials{}, &securityError{http.StatusBadRequest, "bad_request", "invalid json body"}
			}
		} else if err := schema.Validate(document); err != nil {
			return syncer.Config{}, syncer.Credentials{}, &securityError{http.StatusBadRequest, "bad_request", "invalid trigger config: " + err.Error()}
		} else {
			_ = json.Unmarshal(body, &parsed)
		}
	}

	credentials := credentialsFrom(r, parsed)
	if err := credentials.Validate(); err != nil {
		return syncer.Config{}, syncer.Credentials{}, &securityError{http.StatusUnauthorized, "missing_tokens", err.Error()}
	}

	config := syncer.Config{
		Direction:          syncer.Direction(strings.ToUpper(strings.TrimSpace(parsed.Direction))),
		ConflictPolicy:     syncer.ConflictPolicy(strings.ToUpper(strings.TrimSpace(parsed.ConflictPolicy))),
		LinearTeamID:       firstNonEmpty(r.Header.Get("X-Linear-Team"), parsed.LinearTeamID, os.Getenv(envLinearTeamID)),
		ShortcutTeamID:     firstNonEmpty(r.Header.Get("X-Shortcut-Group"), parsed.ShortcutTeamID, os.Getenv(envShortcutTeamID)),
		IncludeComments:    parsed.IncludeComments,
		IncludeAttachments: parsed.IncludeAttachments,
	}
	if err := config.Validate(); err != nil {
		return syncer.Config{}, syncer.Credentials{}, &securityError{http.StatusBadRequest, "bad_request", err.Error()}
	}
	return config, credentials, nil
}

func credentialsFrom(r *http.Request, parsed triggerBody) syncer.Credentials {
	return syncer.Credentials{
		ShortcutToken: firstNonEmpty(
			r.Header.Get("X-Shortcut-Token"),
			parsed.ShortcutToken,
			os.Getenv(envShortcutToken)),
		LinearToken: tracker.NormalizeLinearToken(firstNonEmpty(
			r.Header.Get("X-Linear-Token"),
			parsed.LinearToken,
			os.Getenv(envLinearToken))),
	}
}

// linearTimestamp reads the delivery timestamp from the payload's
// webhookTimestamp field or the X-Webhook-Timestamp header.
func linearTimestamp(r *http.Request, body []byte) (time.Time, bool) {
	var payload struct {
		WebhookTimestamp json.Number `json:"webhookTimestamp"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.WebhookTimestamp.String() != "" {
		if ts, ok := parseWebhookTimestamp(payload.WebhookTimestamp.String()); ok {
			return ts, true
		}
	}
	if ts, ok := parseWebhookTimestamp(r.Header.Get("X-Webhook-Timestamp")); ok {
		return ts, true
	}
	return time.Time{}, false
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
