package syncer

import (
	"sort"

	"github.com/goodbyeshortcut/trackbridge/internal/tracker"
)

// Shortcut workflow states carry a coarse type (unstarted, started,
// done); Linear states carry a finer one (backlog, unstarted, started,
// completed, canceled). Both tables below are deterministic given the
// same workflow snapshots.

const (
	shortcutTypeUnstarted = "unstarted"
	shortcutTypeStarted   = "started"
	shortcutTypeDone      = "done"
)

func BuildShortcutStateTypeByID(workflows []tracker.Workflow) map[int]string {
	byID := make(map[int]string)
	for _, workflow := range workflows {
		for _, state := range workflow.States {
			byID[state.ID] = state.Type
		}
	}
	return byID
}

// BuildShortcutStateIDByType keeps the first state seen per type, in
// workflow order.
func BuildShortcutStateIDByType(workflows []tracker.Workflow) map[string]int {
	byType := make(map[string]int)
	for _, workflow := range workflows {
		for _, state := range workflow.States {
			if _, seen := byType[state.Type]; !seen {
				byType[state.Type] = state.ID
			}
		}
	}
	return byType
}

func sortedLinearStates(states []tracker.IssueState) []tracker.IssueState {
	sorted := make([]tracker.IssueState, len(states))
	copy(sorted, states)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})
	return sorted
}

func firstLinearStateID(states []tracker.IssueState, preferredTypes ...string) (string, bool) {
	for _, preferred := range preferredTypes {
		for _, state := range states {
			if state.Type == preferred {
				return state.ID, true
			}
		}
	}
	return "", false
}

// BuildLinearStateIDByShortcutType resolves each Shortcut state type to
// a Linear state id with a fixed preference order, falling back through
// the earlier rows and finally the lowest-positioned state, so every
// type resolves whenever any states exist.
func BuildLinearStateIDByShortcutType(states []tracker.IssueState) map[string]string {
	sorted := sortedLinearStates(states)
	byType := make(map[string]string)
	if len(sorted) == 0 {
		return byType
	}

	unstarted, ok := firstLinearStateID(sorted, "unstarted", "backlog")
	if !ok {
		unstarted = sorted[0].ID
	}
	started, ok := firstLinearStateID(sorted, "started")
	if !ok {
		started = unstarted
	}
	done, ok := firstLinearStateID(sorted, "completed", "canceled")
	if !ok {
		done = started
	}

	byType[shortcutTypeUnstarted] = unstarted
	byType[shortcutTypeStarted] = started
	byType[shortcutTypeDone] = done
	return byType
}

func MapLinearTypeToShortcutType(linearType string) string {
	switch linearType {
	case "started":
		return shortcutTypeStarted
	case "completed", "canceled":
		return shortcutTypeDone
	default:
		return shortcutTypeUnstarted
	}
}

func MapIssueToShortcutStateID(issue tracker.Issue, shortcutStateIDByType map[string]int) (int, bool) {
	id, ok := shortcutStateIDByType[MapLinearTypeToShortcutType(issue.State.Type)]
	return id, ok
}

// MapStoryToShortcutStateType classifies a story whose workflow state
// id is not in the snapshot by its completed_at presence.
func MapStoryToShortcutStateType(story tracker.Story, shortcutStateTypeByID map[int]string) string {
	if explicit, ok := shortcutStateTypeByID[story.WorkflowStateID]; ok {
		return explicit
	}
	if story.CompletedAt != nil {
		return shortcutTypeDone
	}
	return shortcutTypeUnstarted
}

func MapStoryToLinearStateID(story tracker.Story, shortcutStateTypeByID map[int]string, linearStateIDByShortcutType map[string]string) (string, bool) {
	id, ok := linearStateIDByShortcutType[MapStoryToShortcutStateType(story, shortcutStateTypeByID)]
	return id, ok
}

// FallbackShortcutStateID picks the state a story lands in when the
// mapped type is not configured: unstarted, then started, then done.
func FallbackShortcutStateID(shortcutStateIDByType map[string]int) (int, bool) {
	for _, stateType := range []string{shortcutTypeUnstarted, shortcutTypeStarted, shortcutTypeDone} {
		if id, ok := shortcutStateIDByType[stateType]; ok {
			return id, true
		}
	}
	return 0, false
}

// MapStoryTypeFromIssue buckets Linear's urgency scale into Shortcut's
// story types.
func MapStoryTypeFromIssue(issue tracker.Issue) string {
	switch {
	case issue.Priority <= 2:
		return "bug"
	case issue.Priority <= 3:
		return "feature"
	default:
		return "chore"
	}
}

func MapIssuePriorityFromStory(story tracker.Story) int {
	switch story.StoryType {
	case "bug":
		return 2
	case "feature":
		return 3
	default:
		return 4
	}
}
