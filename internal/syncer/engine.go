package syncer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goodbyeshortcut/trackbridge/internal/tracker"
)

// Engine runs bounded reconciliation cycles between Shortcut and
// Linear. It holds no state between cycles; cursors and events travel
// through CycleInput/CycleResult and are persisted by the caller.
type Engine struct {
	shortcut ShortcutAPI
	linear   LinearAPI
}

func NewEngine(shortcut ShortcutAPI, linear LinearAPI) (*Engine, error) {
	if shortcut == nil || linear == nil {
		return nil, fmt.Errorf("%w: engine requires both clients", ErrInvalidInput)
	}
	return &Engine{shortcut: shortcut, linear: linear}, nil
}

type CycleInput struct {
	Config        Config
	Cursors       Cursors
	TriggerSource string
	TriggerReason string
}

type Delta struct {
	StoriesScanned    int `json:"storiesScanned"`
	IssuesScanned     int `json:"issuesScanned"`
	CreatedInLinear   int `json:"createdInLinear"`
	UpdatedInLinear   int `json:"updatedInLinear"`
	CreatedInShortcut int `json:"createdInShortcut"`
	UpdatedInShortcut int `json:"updatedInShortcut"`
	Conflicts         int `json:"conflicts"`
	Errors            int `json:"errors"`
}

type CycleResult struct {
	Cursors    Cursors `json:"cursors"`
	Delta      Delta   `json:"delta"`
	Events     []Event `json:"events"`
	DurationMs int64   `json:"durationMs"`
}

// changedSince reports whether an item moved past the cursor. An unset
// cursor treats everything as changed.
func changedSince(updatedAt, cursor time.Time) bool {
	if cursor.IsZero() {
		return true
	}
	return updatedAt.After(cursor)
}

func maxTime(base time.Time, candidates []time.Time) time.Time {
	latest := base
	for _, candidate := range candidates {
		if candidate.After(latest) {
			latest = candidate
		}
	}
	return latest
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// cycleRun carries one cycle's snapshot and mutable tallies. The
// mapping table is rebuilt from markers every cycle and never persisted.
type cycleRun struct {
	engine *Engine
	config Config
	prev   Cursors

	stories []tracker.Story
	issues  []tracker.Issue

	storyByID      map[int]tracker.Story
	issueByID      map[string]tracker.Issue
	issueIDByStory map[int]string
	storyIDByIssue map[string]int

	shortcutStateTypeByID       map[int]string
	shortcutStateIDByType       map[string]int
	linearStateIDByShortcutType map[string]string

	delta  Delta
	events []Event
}

// RunCycle fetches full snapshots from both systems, rebuilds the
// marker-derived mapping table, replays changes past each cursor in
// ascending updatedAt order, and advances both cursors even when
// individual items errored. Any snapshot fetch failure aborts the whole
// cycle with cursors unchanged.
func (e *Engine) RunCycle(ctx context.Context, input CycleInput) (CycleResult, error) {
	startedAt := time.Now()

	if err := input.Config.Validate(); err != nil {
		return CycleResult{}, err
	}

	source := strings.TrimSpace(input.TriggerSource)
	if source == "" {
		source = "system"
	}
	reason := strings.TrimSpace(input.TriggerReason)
	if reason == "" {
		reason = "scheduled cycle"
	}

	run := &cycleRun{engine: e, config: input.Config, prev: input.Cursors}
	run.events = append(run.events, newEvent(LevelInfo, source, "cycle", "sync", "cycle",
		fmt.Sprintf("Starting sync cycle (%s)", reason)))

	if err := run.fetchSnapshots(ctx); err != nil {
		return CycleResult{}, err
	}
	run.buildMapping()

	if run.config.Direction.SyncsShortcutToLinear() {
		for _, story := range run.changedStories() {
			run.syncStoryToLinear(ctx, story)
		}
	}
	if run.config.Direction.SyncsLinearToShortcut() {
		for _, issue := range run.changedIssues() {
			run.syncIssueToShortcut(ctx, issue)
		}
	}

	storyTimes := make([]time.Time, 0, len(run.stories))
	for _, story := range run.stories {
		storyTimes = append(storyTimes, story.UpdatedAt)
	}
	issueTimes := make([]time.Time, 0, len(run.issues))
	for _, issue := range run.issues {
		issueTimes = append(issueTimes, issue.UpdatedAt)
	}
	next := Cursors{
		ShortcutUpdatedAt: maxTime(run.prev.ShortcutUpdatedAt, storyTimes),
		LinearUpdatedAt:   maxTime(run.prev.LinearUpdatedAt, issueTimes),
	}

	duration := time.Since(startedAt)
	run.events = append(run.events, newEvent(LevelInfo, "system", "cycle", "sync", "cycle",
		fmt.Sprintf("Completed sync cycle in %dms", duration.Milliseconds())))

	return CycleResult{
		Cursors:    next,
		Delta:      run.delta,
		Events:     run.events,
		DurationMs: duration.Milliseconds(),
	}, nil
}

func (r *cycleRun) fetchSnapshots(ctx context.Context) error {
	var (
		wg           sync.WaitGroup
		stories      []tracker.Story
		issues       []tracker.Issue
		workflows    []tracker.Workflow
		linearStates []tracker.IssueState

		storiesErr, issuesErr, workflowsErr, statesErr error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		stories, storiesErr = r.engine.shortcut.ListStories(ctx, r.config.ShortcutTeamID)
	}()
	go func() {
		defer wg.Done()
		issues, issuesErr = r.engine.linear.ListIssues(ctx, r.config.LinearTeamID)
	}()
	go func() {
		defer wg.Done()
		workflows, workflowsErr = r.engine.shortcut.ListWorkflows(ctx)
	}()
	if r.config.Direction.SyncsShortcutToLinear() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			linearStates, statesErr = r.engine.linear.ListWorkflowStates(ctx, r.config.LinearTeamID)
		}()
	}
	wg.Wait()

	for _, err := range []error{storiesErr, issuesErr, workflowsErr, statesErr} {
		if err != nil {
			return fmt.Errorf("fetch snapshots: %w", err)
		}
	}

	r.stories = stories
	r.issues = issues
	r.shortcutStateTypeByID = BuildShortcutStateTypeByID(workflows)
	r.shortcutStateIDByType = BuildShortcutStateIDByType(workflows)
	if r.config.Direction.SyncsShortcutToLinear() {
		r.linearStateIDByShortcutType = BuildLinearStateIDByShortcutType(linearStates)
	}
	r.delta.StoriesScanned = len(stories)
	r.delta.IssuesScanned = len(issues)
	return nil
}

func (r *cycleRun) buildMapping() {
	r.storyByID = make(map[int]tracker.Story, len(r.stories))
	for _, story := range r.stories {
		r.storyByID[story.ID] = story
	}
	r.issueByID = make(map[string]tracker.Issue, len(r.issues))
	for _, issue := range r.issues {
		r.issueByID[issue.ID] = issue
	}
	r.issueIDByStory = make(map[int]string)
	for _, issue := range r.issues {
		if storyID, ok := ExtractShortcutStoryID(issue.Description); ok {
			r.issueIDByStory[storyID] = issue.ID
		}
	}
	r.storyIDByIssue = make(map[string]int)
	for _, story := range r.stories {
		if issueID, ok := ExtractLinearIssueID(story.Description); ok {
			r.storyIDByIssue[issueID] = story.ID
		}
	}
}

func (r *cycleRun) changedStories() []tracker.Story {
	changed := make([]tracker.Story, 0, len(r.stories))
	for _, story := range r.stories {
		if changedSince(story.UpdatedAt, r.prev.ShortcutUpdatedAt) {
			changed = append(changed, story)
		}
	}
	sort.SliceStable(changed, func(i, j int) bool {
		return changed[i].UpdatedAt.Before(changed[j].UpdatedAt)
	})
	return changed
}

func (r *cycleRun) changedIssues() []tracker.Issue {
	changed := make([]tracker.Issue, 0, len(r.issues))
	for _, issue := range r.issues {
		if changedSince(issue.UpdatedAt, r.prev.LinearUpdatedAt) {
			changed = append(changed, issue)
		}
	}
	sort.SliceStable(changed, func(i, j int) bool {
		return changed[i].UpdatedAt.Before(changed[j].UpdatedAt)
	})
	return changed
}

func issueMatchesStory(issue tracker.Issue, story tracker.Story, expectedDescription, expectedStateID string) bool {
	return strings.TrimSpace(issue.Title) == strings.TrimSpace(story.Name) &&
		StripMarker(issue.Description) == StripMarker(expectedDescription) &&
		issue.Priority == MapIssuePriorityFromStory(story) &&
		intPtrEqual(issue.Estimate, story.Estimate) &&
		(expectedStateID == "" || issue.State.ID == expectedStateID)
}

func storyMatchesIssue(story tracker.Story, issue tracker.Issue, expectedDescription string, expectedStateID int) bool {
	return strings.TrimSpace(story.Name) == strings.TrimSpace(issue.Title) &&
		StripMarker(story.Description) == StripMarker(expectedDescription) &&
		story.StoryType == MapStoryTypeFromIssue(issue) &&
		intPtrEqual(story.Estimate, issue.Estimate) &&
		(expectedStateID == 0 || story.WorkflowStateID == expectedStateID)
}

func (r *cycleRun) syncStoryToLinear(ctx context.Context, story tracker.Story) {
	storyID := strconv.Itoa(story.ID)

	var existing *tracker.Issue
	if issueID, ok := r.issueIDByStory[story.ID]; ok {
		if issue, found := r.issueByID[issueID]; found {
			existing = &issue
		}
	}

	if existing != nil && changedSince(existing.UpdatedAt, r.prev.LinearUpdatedAt) {
		switch Resolve(r.config.ConflictPolicy, SideShortcut, story.UpdatedAt, existing.UpdatedAt) {
		case ManualReview:
			r.delta.Conflicts++
			r.events = append(r.events, newEvent(LevelWarn, "shortcut", "conflict", "story", storyID,
				fmt.Sprintf("Conflict detected for Shortcut story %d; manual resolution required", story.ID)))
			return
		case KeepDestination:
			r.events = append(r.events, newEvent(LevelInfo, "shortcut", "noop", "story", storyID,
				fmt.Sprintf("Conflict resolved by keeping Linear issue %s", existing.Identifier)))
			return
		}
	}

	nextDescription := BuildLinearDescription(story)
	var nextStateID string
	if r.linearStateIDByShortcutType != nil {
		nextStateID, _ = MapStoryToLinearStateID(story, r.shortcutStateTypeByID, r.linearStateIDByShortcutType)
	}

	var target tracker.Issue
	if existing != nil {
		if issueMatchesStory(*existing, story, nextDescription, nextStateID) {
			r.events = append(r.events, newEvent(LevelInfo, "shortcut", "noop", "issue", existing.ID,
				fmt.Sprintf("No changes needed for Linear issue %s", existing.Identifier)))
			target = *existing
		} else {
			updated, err := r.engine.linear.UpdateIssue(ctx, existing.ID, tracker.UpdateIssueRequest{
				Title:       story.Name,
				Description: nextDescription,
				StateID:     nextStateID,
				Priority:    MapIssuePriorityFromStory(story),
				Estimate:    story.Estimate,
			})
			if err != nil {
				r.recordItemError("shortcut", "story", storyID,
					fmt.Sprintf("Failed syncing Shortcut story %d to Linear", story.ID), err)
				return
			}
			r.issueByID[updated.ID] = updated
			r.delta.UpdatedInLinear++
			r.events = append(r.events, newEvent(LevelInfo, "shortcut", "update", "issue", updated.ID,
				fmt.Sprintf("Updated Linear issue %s from Shortcut story %d", updated.Identifier, story.ID)))
			target = updated
		}
	} else {
		created, err := r.engine.linear.CreateIssue(ctx, tracker.CreateIssueRequest{
			TeamID:      r.config.LinearTeamID,
			Title:       story.Name,
			Description: nextDescription,
			StateID:     nextStateID,
			Priority:    MapIssuePriorityFromStory(story),
			Estimate:    story.Estimate,
		})
		if err != nil {
			r.recordItemError("shortcut", "story", storyID,
				fmt.Sprintf("Failed syncing Shortcut story %d to Linear", story.ID), err)
			return
		}
		r.issueByID[created.ID] = created
		r.issueIDByStory[story.ID] = created.ID
		r.delta.CreatedInLinear++
		r.events = append(r.events, newEvent(LevelInfo, "shortcut", "create", "issue", created.ID,
			fmt.Sprintf("Created Linear issue %s from Shortcut story %d", created.Identifier, story.ID)))
		target = created
	}

	if r.config.IncludeComments {
		created, err := r.mirrorStoryComments(ctx, story, target.ID)
		if err != nil {
			r.recordItemError("shortcut", "story", storyID,
				fmt.Sprintf("Failed mirroring comments for Shortcut story %d", story.ID), err)
			return
		}
		if created > 0 {
			r.events = append(r.events, newEvent(LevelInfo, "shortcut", "create", "issue", target.ID,
				fmt.Sprintf("Created %d comment(s) on Linear issue %s from Shortcut story %d", created, target.Identifier, story.ID)))
		}
	}
}

func (r *cycleRun) syncIssueToShortcut(ctx context.Context, issue tracker.Issue) {
	var existing *tracker.Story
	if storyID, ok := r.storyIDByIssue[issue.ID]; ok {
		if story, found := r.storyByID[storyID]; found {
			existing = &story
		}
	}

	if existing != nil && changedSince(existing.UpdatedAt, r.prev.ShortcutUpdatedAt) {
		switch Resolve(r.config.ConflictPolicy, SideLinear, issue.UpdatedAt, existing.UpdatedAt) {
		case ManualReview:
			r.delta.Conflicts++
			r.events = append(r.events, newEvent(LevelWarn, "linear", "conflict", "issue", issue.ID,
				fmt.Sprintf("Conflict detected for Linear issue %s; manual resolution required", issue.Identifier)))
			return
		case KeepDestination:
			r.events = append(r.events, newEvent(LevelInfo, "linear", "noop", "issue", issue.ID,
				fmt.Sprintf("Conflict resolved by keeping Shortcut story %d", existing.ID)))
			return
		}
	}

	nextDescription := BuildShortcutDescription(issue)
	nextStateID, ok := MapIssueToShortcutStateID(issue, r.shortcutStateIDByType)
	if !ok {
		nextStateID, _ = FallbackShortcutStateID(r.shortcutStateIDByType)
	}

	var target tracker.Story
	if existing != nil {
		if storyMatchesIssue(*existing, issue, nextDescription, nextStateID) {
			r.events = append(r.events, newEvent(LevelInfo, "linear", "noop", "story", strconv.Itoa(existing.ID),
				fmt.Sprintf("No changes needed for Shortcut story %d", existing.ID)))
			target = *existing
		} else {
			updated, err := r.engine.shortcut.UpdateStory(ctx, existing.ID, tracker.UpdateStoryRequest{
				Name:            issue.Title,
				Description:     nextDescription,
				StoryType:       MapStoryTypeFromIssue(issue),
				WorkflowStateID: nextStateID,
				Estimate:        issue.Estimate,
			})
			if err != nil {
				r.recordItemError("linear", "issue", issue.ID,
					fmt.Sprintf("Failed syncing Linear issue %s to Shortcut", issue.Identifier), err)
				return
			}
			r.storyByID[updated.ID] = updated
			r.delta.UpdatedInShortcut++
			r.events = append(r.events, newEvent(LevelInfo, "linear", "update", "story", strconv.Itoa(updated.ID),
				fmt.Sprintf("Updated Shortcut story %d from Linear issue %s", updated.ID, issue.Identifier)))
			target = updated
		}
	} else {
		if nextStateID == 0 {
			r.recordItemError("linear", "issue", issue.ID,
				fmt.Sprintf("Failed syncing Linear issue %s to Shortcut", issue.Identifier),
				fmt.Errorf("no shortcut workflow state available for creating stories"))
			return
		}
		created, err := r.engine.shortcut.CreateStory(ctx, tracker.CreateStoryRequest{
			Name:            issue.Title,
			Description:     nextDescription,
			StoryType:       MapStoryTypeFromIssue(issue),
			WorkflowStateID: nextStateID,
			GroupID:         r.config.ShortcutTeamID,
			Estimate:        issue.Estimate,
		})
		if err != nil {
			r.recordItemError("linear", "issue", issue.ID,
				fmt.Sprintf("Failed syncing Linear issue %s to Shortcut", issue.Identifier), err)
			return
		}
		r.storyByID[created.ID] = created
		r.storyIDByIssue[issue.ID] = created.ID
		r.delta.CreatedInShortcut++
		r.events = append(r.events, newEvent(LevelInfo, "linear", "create", "story", strconv.Itoa(created.ID),
			fmt.Sprintf("Created Shortcut story %d from Linear issue %s", created.ID, issue.Identifier)))
		target = created
	}

	if r.config.IncludeComments {
		created, err := r.mirrorIssueComments(ctx, issue, target.ID)
		if err != nil {
			r.recordItemError("linear", "issue", issue.ID,
				fmt.Sprintf("Failed mirroring comments for Linear issue %s", issue.Identifier), err)
			return
		}
		if created > 0 {
			r.events = append(r.events, newEvent(LevelInfo, "linear", "create", "story", strconv.Itoa(target.ID),
				fmt.Sprintf("Created %d comment(s) on Shortcut story %d from Linear issue %s", created, target.ID, issue.Identifier)))
		}
	}
}

// mirrorStoryComments copies story comments the issue does not have
// yet. Comments that are themselves mirrors (carrying a counterpart
// marker) are never re-mirrored.
func (r *cycleRun) mirrorStoryComments(ctx context.Context, story tracker.Story, issueID string) (int, error) {
	sourceComments, err := r.engine.shortcut.ListStoryComments(ctx, story.ID)
	if err != nil {
		return 0, err
	}
	issueComments, err := r.engine.linear.ListIssueComments(ctx, issueID)
	if err != nil {
		return 0, err
	}

	mirrored := make(map[int]bool)
	for _, comment := range issueComments {
		if shortcutID, ok := ExtractShortcutCommentID(comment.Body); ok {
			mirrored[shortcutID] = true
		}
	}

	created := 0
	for _, comment := range sourceComments {
		if _, ok := ExtractLinearCommentID(comment.Text); ok {
			continue
		}
		if mirrored[comment.ID] {
			continue
		}
		if _, err := r.engine.linear.CreateComment(ctx, issueID, BuildLinearCommentBody(comment)); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func (r *cycleRun) mirrorIssueComments(ctx context.Context, issue tracker.Issue, storyID int) (int, error) {
	sourceComments, err := r.engine.linear.ListIssueComments(ctx, issue.ID)
	if err != nil {
		return 0, err
	}
	storyComments, err := r.engine.shortcut.ListStoryComments(ctx, storyID)
	if err != nil {
		return 0, err
	}

	mirrored := make(map[string]bool)
	for _, comment := range storyComments {
		if linearID, ok := ExtractLinearCommentID(comment.Text); ok {
			mirrored[linearID] = true
		}
	}

	created := 0
	for _, comment := range sourceComments {
		if _, ok := ExtractShortcutCommentID(comment.Body); ok {
			continue
		}
		if mirrored[comment.ID] {
			continue
		}
		createdAt := comment.CreatedAt
		updatedAt := comment.UpdatedAt
		_, err := r.engine.shortcut.CreateStoryComment(ctx, storyID, tracker.CreateStoryCommentRequest{
			Text:      BuildShortcutCommentText(comment),
			CreatedAt: &createdAt,
			UpdatedAt: &updatedAt,
		})
		if err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func (r *cycleRun) recordItemError(source, entityType, entityID, message string, err error) {
	r.delta.Errors++
	r.events = append(r.events, newErrorEvent(source, entityType, entityID, message, err.Error()))
}
