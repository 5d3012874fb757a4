package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goodbyeshortcut/trackbridge/internal/tracker"
)

var (
	cursorBase  = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	changeTime  = cursorBase.Add(2 * time.Hour)
	quietTime   = cursorBase.Add(-2 * time.Hour)
	laterChange = changeTime.Add(time.Hour)
)

func testWorkflows() []tracker.Workflow {
	return []tracker.Workflow{{
		ID:   1,
		Name: "Engineering",
		States: []tracker.WorkflowState{
			{ID: 1, Name: "Todo", Type: "unstarted", Position: 1},
			{ID: 2, Name: "Doing", Type: "started", Position: 2},
			{ID: 3, Name: "Done", Type: "done", Position: 3},
		},
	}}
}

func testLinearStates() []tracker.IssueState {
	return []tracker.IssueState{
		{ID: "l-un", Name: "Todo", Type: "unstarted", Position: 1},
		{ID: "l-st", Name: "In Progress", Type: "started", Position: 2},
		{ID: "l-done", Name: "Done", Type: "completed", Position: 3},
	}
}

func newTestEngine(t *testing.T, shortcut *fakeShortcut, linear *fakeLinear) *Engine {
	t.Helper()
	shortcut.workflows = testWorkflows()
	linear.states = testLinearStates()
	engine, err := NewEngine(shortcut, linear)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func findEvent(events []Event, action string) (Event, bool) {
	for _, event := range events {
		if event.Action == action {
			return event, true
		}
	}
	return Event{}, false
}

func TestRunCycleCreatesIssueForNewStory(t *testing.T) {
	shortcut := newFakeShortcut()
	linear := newFakeLinear()
	shortcut.addStory(tracker.Story{
		ID:              501,
		Name:            "Ship the widget",
		Description:     "Body text",
		StoryType:       "feature",
		WorkflowStateID: 2,
		UpdatedAt:       changeTime,
	})
	engine := newTestEngine(t, shortcut, linear)

	result, err := engine.RunCycle(context.Background(), CycleInput{
		Config:  Config{LinearTeamID: "team-1", Direction: DirectionBidirectional, ConflictPolicy: PolicyNewestWins},
		Cursors: Cursors{ShortcutUpdatedAt: cursorBase, LinearUpdatedAt: cursorBase},
	})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if result.Delta.CreatedInLinear != 1 || result.Delta.Errors != 0 {
		t.Fatalf("unexpected delta: %+v", result.Delta)
	}
	if linear.createIssueCalls != 1 {
		t.Fatalf("expected exactly one create call, got %d", linear.createIssueCalls)
	}

	var created tracker.Issue
	for _, issue := range linear.issues {
		created = issue
	}
	if id, ok := ExtractShortcutStoryID(created.Description); !ok || id != 501 {
		t.Fatalf("created issue must carry the story marker, got:\n%s", created.Description)
	}
	if created.State.ID != "l-st" {
		t.Fatalf("started story should land in the started state, got %q", created.State.ID)
	}
	if created.Priority != 3 {
		t.Fatalf("feature story should map to priority 3, got %d", created.Priority)
	}
	if event, ok := findEvent(result.Events, "create"); !ok || event.Level != LevelInfo {
		t.Fatalf("expected a create event, got %+v", result.Events)
	}
	if !result.Cursors.ShortcutUpdatedAt.Equal(changeTime) {
		t.Fatalf("shortcut cursor should advance to the story updatedAt, got %v", result.Cursors.ShortcutUpdatedAt)
	}
}

func TestRunCycleNoopShortCircuit(t *testing.T) {
	shortcut := newFakeShortcut()
	linear := newFakeLinear()

	story := tracker.Story{
		ID:              501,
		Name:            "Ship the widget",
		Description:     "Body text",
		StoryType:       "feature",
		WorkflowStateID: 2,
		UpdatedAt:       changeTime,
	}
	shortcut.addStory(story)
	linear.addIssue(tracker.Issue{
		ID:          "issue-1",
		Identifier:  "ENG-1",
		Title:       "Ship the widget",
		Description: BuildLinearDescription(story),
		Priority:    3,
		State:       tracker.IssueState{ID: "l-st", Type: "started", Position: 2},
		UpdatedAt:   quietTime,
	})
	engine := newTestEngine(t, shortcut, linear)

	result, err := engine.RunCycle(context.Background(), CycleInput{
		Config:  Config{LinearTeamID: "team-1", Direction: DirectionShortcutToLinear, ConflictPolicy: PolicyNewestWins},
		Cursors: Cursors{ShortcutUpdatedAt: cursorBase, LinearUpdatedAt: cursorBase},
	})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if linear.createIssueCalls != 0 || linear.updateIssueCalls != 0 {
		t.Fatalf("equivalent pair must not write, got create=%d update=%d", linear.createIssueCalls, linear.updateIssueCalls)
	}
	if _, ok := findEvent(result.Events, "noop"); !ok {
		t.Fatalf("expected a noop event, got %+v", result.Events)
	}
	if result.Delta.UpdatedInLinear != 0 || result.Delta.CreatedInLinear != 0 {
		t.Fatalf("unexpected delta: %+v", result.Delta)
	}
}

func TestRunCycleManualConflictCountsWithoutWriting(t *testing.T) {
	shortcut := newFakeShortcut()
	linear := newFakeLinear()

	story := tracker.Story{
		ID:              501,
		Name:            "Edited in Shortcut",
		StoryType:       "feature",
		WorkflowStateID: 2,
		UpdatedAt:       changeTime,
	}
	shortcut.addStory(story)
	linear.addIssue(tracker.Issue{
		ID:          "issue-1",
		Identifier:  "ENG-1",
		Title:       "Edited in Linear",
		Description: "Changed\n\n---\n" + markerSentinel + "\nShortcut Story ID: 501",
		UpdatedAt:   laterChange,
	})
	engine := newTestEngine(t, shortcut, linear)

	result, err := engine.RunCycle(context.Background(), CycleInput{
		Config:  Config{LinearTeamID: "team-1", Direction: DirectionShortcutToLinear, ConflictPolicy: PolicyManual},
		Cursors: Cursors{ShortcutUpdatedAt: cursorBase, LinearUpdatedAt: cursorBase},
	})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if result.Delta.Conflicts != 1 {
		t.Fatalf("expected one conflict, got %+v", result.Delta)
	}
	if linear.updateIssueCalls != 0 || linear.createIssueCalls != 0 {
		t.Fatalf("manual conflict must not write")
	}
	if event, ok := findEvent(result.Events, "conflict"); !ok || event.Level != LevelWarn {
		t.Fatalf("expected a WARN conflict event, got %+v", result.Events)
	}
}

func TestRunCycleAdvancesCursorsDespiteItemErrors(t *testing.T) {
	shortcut := newFakeShortcut()
	linear := newFakeLinear()

	for i, updatedAt := range []time.Time{changeTime, laterChange} {
		storyID := 501 + i
		story := tracker.Story{
			ID:              storyID,
			Name:            fmt.Sprintf("Story %d", storyID),
			StoryType:       "feature",
			WorkflowStateID: 2,
			UpdatedAt:       updatedAt,
		}
		shortcut.addStory(story)
		linear.addIssue(tracker.Issue{
			ID:          fmt.Sprintf("issue-%d", storyID),
			Identifier:  fmt.Sprintf("ENG-%d", storyID),
			Title:       "Stale title",
			Description: fmt.Sprintf("---\n%s\nShortcut Story ID: %d", markerSentinel, storyID),
			UpdatedAt:   quietTime,
		})
	}
	linear.failUpdateIssueID = "issue-502"
	engine := newTestEngine(t, shortcut, linear)

	result, err := engine.RunCycle(context.Background(), CycleInput{
		Config:  Config{LinearTeamID: "team-1", Direction: DirectionShortcutToLinear, ConflictPolicy: PolicyNewestWins},
		Cursors: Cursors{ShortcutUpdatedAt: cursorBase, LinearUpdatedAt: cursorBase},
	})
	if err != nil {
		t.Fatalf("per-item errors must not abort the cycle: %v", err)
	}

	if result.Delta.Errors != 1 || result.Delta.UpdatedInLinear != 1 {
		t.Fatalf("unexpected delta: %+v", result.Delta)
	}
	if event, ok := findEvent(result.Events, "error"); !ok || event.Level != LevelError {
		t.Fatalf("expected an ERROR event, got %+v", result.Events)
	}
	if !result.Cursors.ShortcutUpdatedAt.Equal(laterChange) {
		t.Fatalf("cursor must advance past the failed item, got %v", result.Cursors.ShortcutUpdatedAt)
	}
}

func TestRunCycleDoesNotRegressCursors(t *testing.T) {
	shortcut := newFakeShortcut()
	linear := newFakeLinear()
	shortcut.addStory(tracker.Story{ID: 501, Name: "Old story", StoryType: "chore", UpdatedAt: quietTime})
	engine := newTestEngine(t, shortcut, linear)

	ahead := laterChange.Add(24 * time.Hour)
	result, err := engine.RunCycle(context.Background(), CycleInput{
		Config:  Config{LinearTeamID: "team-1", Direction: DirectionShortcutToLinear, ConflictPolicy: PolicyNewestWins},
		Cursors: Cursors{ShortcutUpdatedAt: ahead, LinearUpdatedAt: ahead},
	})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if !result.Cursors.ShortcutUpdatedAt.Equal(ahead) || !result.Cursors.LinearUpdatedAt.Equal(ahead) {
		t.Fatalf("cursors must never regress, got %+v", result.Cursors)
	}
}

func TestRunCycleMirrorsOnlyUnmirroredComments(t *testing.T) {
	shortcut := newFakeShortcut()
	linear := newFakeLinear()

	story := tracker.Story{
		ID:              501,
		Name:            "Ship the widget",
		Description:     "Body text",
		StoryType:       "feature",
		WorkflowStateID: 2,
		UpdatedAt:       changeTime,
	}
	shortcut.addStory(story)
	shortcut.commentsByStory[501] = []tracker.StoryComment{
		{ID: 11, Text: "already mirrored"},
		{ID: 12, Text: "fresh comment"},
	}
	linear.addIssue(tracker.Issue{
		ID:          "issue-1",
		Identifier:  "ENG-1",
		Title:       "Ship the widget",
		Description: BuildLinearDescription(story),
		Priority:    3,
		State:       tracker.IssueState{ID: "l-st", Type: "started", Position: 2},
		UpdatedAt:   quietTime,
	})
	linear.commentsByIssue["issue-1"] = []tracker.IssueComment{
		{ID: "cmt-old", Body: "already mirrored\n\n---\n" + markerSentinel + "\nShortcut Comment ID: 11"},
	}
	engine := newTestEngine(t, shortcut, linear)

	_, err := engine.RunCycle(context.Background(), CycleInput{
		Config: Config{
			LinearTeamID:    "team-1",
			Direction:       DirectionShortcutToLinear,
			ConflictPolicy:  PolicyNewestWins,
			IncludeComments: true,
		},
		Cursors: Cursors{ShortcutUpdatedAt: cursorBase, LinearUpdatedAt: cursorBase},
	})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if linear.createCommentCalls != 1 {
		t.Fatalf("expected exactly one mirrored comment, got %d", linear.createCommentCalls)
	}
	mirrored := linear.commentsByIssue["issue-1"]
	last := mirrored[len(mirrored)-1]
	if id, ok := ExtractShortcutCommentID(last.Body); !ok || id != 12 {
		t.Fatalf("mirrored comment must carry its source marker, got:\n%s", last.Body)
	}
	if !strings.Contains(last.Body, "fresh comment") {
		t.Fatalf("mirrored comment must carry the source text, got:\n%s", last.Body)
	}
}

func TestRunCycleCreatesStoryFromIssue(t *testing.T) {
	shortcut := newFakeShortcut()
	linear := newFakeLinear()
	estimate := 5
	linear.addIssue(tracker.Issue{
		ID:         "issue-9",
		Identifier: "ENG-9",
		Title:      "Reported in Linear",
		Priority:   1,
		Estimate:   &estimate,
		State:      tracker.IssueState{ID: "l-st", Type: "started", Position: 2},
		UpdatedAt:  changeTime,
	})
	engine := newTestEngine(t, shortcut, linear)

	result, err := engine.RunCycle(context.Background(), CycleInput{
		Config:  Config{LinearTeamID: "team-1", Direction: DirectionLinearToShortcut, ConflictPolicy: PolicyNewestWins},
		Cursors: Cursors{ShortcutUpdatedAt: cursorBase, LinearUpdatedAt: cursorBase},
	})
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if result.Delta.CreatedInShortcut != 1 {
		t.Fatalf("unexpected delta: %+v", result.Delta)
	}
	var created tracker.Story
	for _, story := range shortcut.stories {
		created = story
	}
	if id, ok := ExtractLinearIssueID(created.Description); !ok || id != "issue-9" {
		t.Fatalf("created story must carry the issue marker, got:\n%s", created.Description)
	}
	if created.StoryType != "bug" {
		t.Fatalf("priority 1 issue should become a bug, got %q", created.StoryType)
	}
	if created.WorkflowStateID != 2 {
		t.Fatalf("started issue should land in the started workflow state, got %d", created.WorkflowStateID)
	}
	if created.Estimate == nil || *created.Estimate != 5 {
		t.Fatalf("estimate should carry over, got %+v", created.Estimate)
	}
}

func TestRunCycleAbortsWhenSnapshotFetchFails(t *testing.T) {
	shortcut := newFakeShortcut()
	linear := newFakeLinear()
	shortcut.failListStories = errors.New("shortcut unavailable")
	engine := newTestEngine(t, shortcut, linear)

	_, err := engine.RunCycle(context.Background(), CycleInput{
		Config:  Config{LinearTeamID: "team-1", Direction: DirectionBidirectional, ConflictPolicy: PolicyNewestWins},
		Cursors: Cursors{},
	})
	if err == nil || !strings.Contains(err.Error(), "fetch snapshots") {
		t.Fatalf("fetch failure must abort the cycle, got %v", err)
	}
}

func TestRunCycleRejectsInvalidConfig(t *testing.T) {
	engine := newTestEngine(t, newFakeShortcut(), newFakeLinear())
	_, err := engine.RunCycle(context.Background(), CycleInput{Config: Config{}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
