package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/goodbyeshortcut/trackbridge/internal/syncer"
)

var ErrInvalidSettings = errors.New("invalid settings")

const (
	minPollIntervalSeconds     = 5
	maxPollIntervalSeconds     = 3600
	defaultPollIntervalSeconds = 300
)

// Settings is the file-configurable slice of a sync scope: what to
// sync, which way, and how often the scheduler should enqueue it.
type Settings struct {
	Direction           string `json:"direction,omitempty"`
	ConflictPolicy      string `json:"conflictPolicy,omitempty"`
	ShortcutTeamID      string `json:"shortcutTeamId,omitempty"`
	LinearTeamID        string `json:"linearTeamId"`
	IncludeComments     bool   `json:"includeComments,omitempty"`
	IncludeAttachments  bool   `json:"includeAttachments,omitempty"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds,omitempty"`
}

const settingsSchema = `{
	"type": "object",
	"properties": {
		"direction": {
			"type": "string",
			"enum": ["SHORTCUT_TO_LINEAR", "LINEAR_TO_SHORTCUT", "BIDIRECTIONAL"]
		},
		"conflictPolicy": {
			"type": "string",
			"enum": ["SHORTCUT_WINS", "LINEAR_WINS", "NEWEST_WINS", "MANUAL"]
		},
		"shortcutTeamId": {"type": "string"},
		"linearTeamId": {"type": "string", "minLength": 1},
		"includeComments": {"type": "boolean"},
		"includeAttachments": {"type": "boolean"},
		"pollIntervalSeconds": {"type": "integer", "minimum": 0}
	},
	"required": ["linearTeamId"],
	"additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledSettingsSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		document, err := jsonschema.UnmarshalJSON(strings.NewReader(settingsSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("settings.json", document); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("settings.json")
	})
	return compiledSchema, schemaErr
}

// Parse validates raw JSON against the settings schema and returns the
// normalized settings. Schema violations come back wrapped in
// ErrInvalidSettings with the offending location in the message.
func Parse(data []byte) (Settings, error) {
	schema, err := compiledSettingsSchema()
	if err != nil {
		return Settings{}, err
	}
	document, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if err := schema.Validate(document); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	var parsed Settings
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return parsed.Normalize(), nil
}

// Load reads and parses a settings file.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	return Parse(data)
}

// Normalize fills defaults and clamps the poll interval into its
// supported range.
func (s Settings) Normalize() Settings {
	normalized := s
	if direction, err := syncer.ParseDirection(normalized.Direction); err == nil {
		normalized.Direction = string(direction)
	}
	if policy, err := syncer.ParseConflictPolicy(normalized.ConflictPolicy); err == nil {
		normalized.ConflictPolicy = string(policy)
	}
	if normalized.PollIntervalSeconds <= 0 {
		normalized.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if normalized.PollIntervalSeconds < minPollIntervalSeconds {
		normalized.PollIntervalSeconds = minPollIntervalSeconds
	}
	if normalized.PollIntervalSeconds > maxPollIntervalSeconds {
		normalized.PollIntervalSeconds = maxPollIntervalSeconds
	}
	normalized.LinearTeamID = strings.TrimSpace(normalized.LinearTeamID)
	normalized.ShortcutTeamID = strings.TrimSpace(normalized.ShortcutTeamID)
	return normalized
}

// SyncConfig converts file settings into the sync engine's config.
func (s Settings) SyncConfig() syncer.Config {
	return syncer.Config{
		Direction:          syncer.Direction(s.Direction),
		ConflictPolicy:     syncer.ConflictPolicy(s.ConflictPolicy),
		LinearTeamID:       s.LinearTeamID,
		ShortcutTeamID:     s.ShortcutTeamID,
		IncludeComments:    s.IncludeComments,
		IncludeAttachments: s.IncludeAttachments,
	}
}
