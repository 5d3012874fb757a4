package syncer

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrScopeBusy     = errors.New("scope already has a cycle in flight")
	ErrMissingTokens = errors.New("missing api tokens")
)

type Direction string

const (
	DirectionShortcutToLinear Direction = "SHORTCUT_TO_LINEAR"
	DirectionLinearToShortcut Direction = "LINEAR_TO_SHORTCUT"
	DirectionBidirectional    Direction = "BIDIRECTIONAL"
)

func ParseDirection(value string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(value))) {
	case DirectionShortcutToLinear:
		return DirectionShortcutToLinear, nil
	case DirectionLinearToShortcut:
		return DirectionLinearToShortcut, nil
	case DirectionBidirectional, "":
		return DirectionBidirectional, nil
	default:
		return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, value)
	}
}

func (d Direction) SyncsShortcutToLinear() bool {
	return d == DirectionShortcutToLinear || d == DirectionBidirectional
}

func (d Direction) SyncsLinearToShortcut() bool {
	return d == DirectionLinearToShortcut || d == DirectionBidirectional
}

type ConflictPolicy string

const (
	PolicyShortcutWins ConflictPolicy = "SHORTCUT_WINS"
	PolicyLinearWins   ConflictPolicy = "LINEAR_WINS"
	PolicyNewestWins   ConflictPolicy = "NEWEST_WINS"
	PolicyManual       ConflictPolicy = "MANUAL"
)

func ParseConflictPolicy(value string) (ConflictPolicy, error) {
	switch ConflictPolicy(strings.ToUpper(strings.TrimSpace(value))) {
	case PolicyShortcutWins:
		return PolicyShortcutWins, nil
	case PolicyLinearWins:
		return PolicyLinearWins, nil
	case PolicyNewestWins, "":
		return PolicyNewestWins, nil
	case PolicyManual:
		return PolicyManual, nil
	default:
		return "", fmt.Errorf("%w: unknown conflict policy %q", ErrInvalidInput, value)
	}
}

// Config selects what a sync cycle operates on and how it resolves
// concurrent edits.
type Config struct {
	Direction          Direction      `json:"direction"`
	ConflictPolicy     ConflictPolicy `json:"conflictPolicy"`
	LinearTeamID       string         `json:"linearTeamId"`
	ShortcutTeamID     string         `json:"shortcutTeamId,omitempty"`
	IncludeComments    bool           `json:"includeComments"`
	IncludeAttachments bool           `json:"includeAttachments"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.LinearTeamID) == "" {
		return fmt.Errorf("%w: sync requires a target linear team", ErrInvalidInput)
	}
	if _, err := ParseDirection(string(c.Direction)); err != nil {
		return err
	}
	if _, err := ParseConflictPolicy(string(c.ConflictPolicy)); err != nil {
		return err
	}
	return nil
}

// ScopeKey is deterministic for a given team pair and direction, so
// cursors, events and job runs land in the same bucket no matter which
// trigger produced the job.
func (c Config) ScopeKey() string {
	shortcutTeam := strings.TrimSpace(c.ShortcutTeamID)
	if shortcutTeam == "" {
		shortcutTeam = "*"
	}
	direction := c.Direction
	if direction == "" {
		direction = DirectionBidirectional
	}
	return fmt.Sprintf("linear:%s|shortcut:%s|direction:%s", strings.TrimSpace(c.LinearTeamID), shortcutTeam, direction)
}

type Credentials struct {
	ShortcutToken string `json:"-"`
	LinearToken   string `json:"-"`
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.ShortcutToken) == "" || strings.TrimSpace(c.LinearToken) == "" {
		return ErrMissingTokens
	}
	return nil
}

// Cursors are the per-scope high-water marks over each system's
// updatedAt timestamps. Zero values mean "never synced".
type Cursors struct {
	ShortcutUpdatedAt time.Time `json:"shortcutUpdatedAt,omitempty"`
	LinearUpdatedAt   time.Time `json:"linearUpdatedAt,omitempty"`
}

// Merge advances each high-water mark monotonically; it never regresses
// an already persisted cursor.
func (c Cursors) Merge(next Cursors) Cursors {
	merged := c
	if next.ShortcutUpdatedAt.After(merged.ShortcutUpdatedAt) {
		merged.ShortcutUpdatedAt = next.ShortcutUpdatedAt
	}
	if next.LinearUpdatedAt.After(merged.LinearUpdatedAt) {
		merged.LinearUpdatedAt = next.LinearUpdatedAt
	}
	return merged
}
