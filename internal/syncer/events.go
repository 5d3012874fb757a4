package syncer

import (
	"time"

	"github.com/google/uuid"
)

type EventLevel string

const (
	LevelInfo  EventLevel = "INFO"
	LevelWarn  EventLevel = "WARN"
	LevelError EventLevel = "ERROR"
)

// Event is one structured record of something the sync or migration
// engines did (or refused to do). Events are append-only per scope.
type Event struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	Level      EventLevel `json:"level"`
	Source     string     `json:"source"`
	Action     string     `json:"action"`
	EntityType string     `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Message    string     `json:"message"`
	Details    string     `json:"details,omitempty"`
}

func newEvent(level EventLevel, source, action, entityType, entityID, message string) Event {
	return Event{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Level:      level,
		Source:     source,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Message:    message,
	}
}

func newErrorEvent(source, entityType, entityID, message, details string) Event {
	event := newEvent(LevelError, source, "error", entityType, entityID, message)
	event.Details = details
	return event
}
