package jobqueue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goodbyeshortcut/trackbridge/internal/syncer"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Job is one queued request to run a sync cycle for a scope. Tokens
// travel with the job so a worker process needs no tenant registry;
// durable queues therefore hold credentials and must be secured
// accordingly.
type Job struct {
	ID            string        `json:"id"`
	ScopeKey      string        `json:"scopeKey"`
	Config        syncer.Config `json:"config"`
	ShortcutToken string        `json:"shortcutToken"`
	LinearToken   string        `json:"linearToken"`
	TriggerSource string        `json:"triggerSource,omitempty"`
	TriggerReason string        `json:"triggerReason,omitempty"`
	Attempt       int           `json:"attempt"`
	NotBefore     time.Time     `json:"notBefore,omitempty"`
	EnqueuedAt    time.Time     `json:"enqueuedAt"`
}

func NewJob(config syncer.Config, credentials syncer.Credentials, source, reason string) Job {
	return Job{
		ID:            uuid.NewString(),
		ScopeKey:      config.ScopeKey(),
		Config:        config,
		ShortcutToken: credentials.ShortcutToken,
		LinearToken:   credentials.LinearToken,
		TriggerSource: source,
		TriggerReason: reason,
		EnqueuedAt:    time.Now().UTC(),
	}
}

func (j Job) Credentials() syncer.Credentials {
	return syncer.Credentials{
		ShortcutToken: j.ShortcutToken,
		LinearToken:   j.LinearToken,
	}
}

func (j Job) valid() bool {
	return strings.TrimSpace(j.ID) != "" && strings.TrimSpace(j.ScopeKey) != ""
}

// ready reports whether the job's delivery delay has elapsed.
func (j Job) ready(now time.Time) bool {
	return j.NotBefore.IsZero() || !now.Before(j.NotBefore)
}

// Queue hands jobs from producers to workers. Dequeue blocks until a
// job whose NotBefore has passed is available or the context ends.
type Queue interface {
	TryEnqueue(job Job) bool
	Enqueue(ctx context.Context, job Job) bool
	Dequeue(ctx context.Context) (Job, bool)
	Depth() int
	Capacity() int
	Close() error
}
