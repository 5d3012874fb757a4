package syncer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goodbyeshortcut/trackbridge/internal/tracker"
)

const defaultLabelColor = "#6B7280"

// Migrator performs the one-shot Shortcut-to-Linear batch migration.
// Re-running after a partial failure creates no duplicates: the reuse
// index is re-derived from the live Linear workspace on every run.
type Migrator struct {
	shortcut ShortcutAPI
	linear   LinearAPI
}

func NewMigrator(shortcut ShortcutAPI, linear LinearAPI) (*Migrator, error) {
	if shortcut == nil || linear == nil {
		return nil, fmt.Errorf("%w: migrator requires both clients", ErrInvalidInput)
	}
	return &Migrator{shortcut: shortcut, linear: linear}, nil
}

type MigrationInput struct {
	LinearTeamID       string
	ShortcutTeamID     string
	IncludeComments    bool
	IncludeAttachments bool
	DryRun             bool

	// RetryStoryIDs narrows the issue phase to the stories that failed
	// in a previous run. Empty means all stories.
	RetryStoryIDs []int
}

type EntityStats struct {
	Attempted int `json:"attempted"`
	Created   int `json:"created"`
	Reused    int `json:"reused"`
	Failed    int `json:"failed"`
}

// Consistent reports whether every attempted entity was accounted for.
func (s EntityStats) Consistent() bool {
	return s.Attempted == s.Created+s.Reused+s.Failed
}

type MigrationStats struct {
	Labels      EntityStats `json:"labels"`
	Projects    EntityStats `json:"projects"`
	Cycles      EntityStats `json:"cycles"`
	Issues      EntityStats `json:"issues"`
	Comments    EntityStats `json:"comments"`
	Attachments EntityStats `json:"attachments"`
}

type MigrationResult struct {
	Success        bool           `json:"success"`
	DryRun         bool           `json:"dryRun"`
	Stats          MigrationStats `json:"stats"`
	Errors         []string       `json:"errors"`
	FailedStoryIDs []int          `json:"failedStoryIds,omitempty"`
}

type MigrationPreview struct {
	Stories    int `json:"stories"`
	Epics      int `json:"epics"`
	Iterations int `json:"iterations"`
	Labels     int `json:"labels"`
}

type TokenValidation struct {
	Shortcut bool `json:"shortcut"`
	Linear   bool `json:"linear"`
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func cycleKey(name, start, end string) string {
	return normalizeName(name) + "|" + start + "|" + end
}

// migrationRun holds one run's source snapshot, reuse index and
// entity-id mappings.
type migrationRun struct {
	migrator *Migrator
	input    MigrationInput

	labels     []tracker.Label
	epics      []tracker.Epic
	iterations []tracker.Iteration
	stories    []tracker.Story

	existingLabelByName   map[string]string
	existingProjectByName map[string]string
	existingCycleByKey    map[string]string
	existingIssueByStory  map[int]string

	labelIDByShortcutID  map[int]string
	projectIDByEpicID    map[int]string
	cycleIDByIterationID map[int]string
	issueIDByStoryID     map[int]string
	issueCreatedThisRun  map[string]bool
	placeholderSequence  int

	result MigrationResult
}

func (m *Migrator) Run(ctx context.Context, input MigrationInput) (MigrationResult, error) {
	if strings.TrimSpace(input.LinearTeamID) == "" {
		return MigrationResult{}, fmt.Errorf("%w: migration requires a target linear team", ErrInvalidInput)
	}

	run := &migrationRun{
		migrator:             m,
		input:                input,
		labelIDByShortcutID:  make(map[int]string),
		projectIDByEpicID:    make(map[int]string),
		cycleIDByIterationID: make(map[int]string),
		issueIDByStoryID:     make(map[int]string),
		issueCreatedThisRun:  make(map[string]bool),
		result:               MigrationResult{DryRun: input.DryRun},
	}

	if err := run.fetchSource(ctx); err != nil {
		return MigrationResult{}, err
	}
	if err := run.buildReuseIndex(ctx); err != nil {
		return MigrationResult{}, err
	}

	run.migrateLabels(ctx)
	run.migrateProjects(ctx)
	run.migrateCycles(ctx)
	run.migrateIssues(ctx)
	if input.IncludeComments {
		run.migrateComments(ctx)
	}
	if input.IncludeAttachments {
		run.migrateAttachments(ctx)
	}

	run.result.Success = true
	return run.result, nil
}

func (r *migrationRun) fetchSource(ctx context.Context) error {
	labels, err := r.migrator.shortcut.ListLabels(ctx)
	if err != nil {
		return fmt.Errorf("fetch shortcut labels: %w", err)
	}
	epics, err := r.migrator.shortcut.ListEpics(ctx)
	if err != nil {
		return fmt.Errorf("fetch shortcut epics: %w", err)
	}
	iterations, err := r.migrator.shortcut.ListIterations(ctx)
	if err != nil {
		return fmt.Errorf("fetch shortcut iterations: %w", err)
	}
	stories, err := r.migrator.shortcut.ListStories(ctx, r.input.ShortcutTeamID)
	if err != nil {
		return fmt.Errorf("fetch shortcut stories: %w", err)
	}

	r.labels = labels
	r.epics = epics
	r.iterations = iterations
	r.stories = stories
	return nil
}

// buildReuseIndex snapshots the live Linear workspace once per run.
// Idempotency rests on this: anything already present is reused, never
// re-created.
func (r *migrationRun) buildReuseIndex(ctx context.Context) error {
	existingLabels, err := r.migrator.linear.ListLabels(ctx, r.input.LinearTeamID)
	if err != nil {
		return fmt.Errorf("fetch linear labels: %w", err)
	}
	existingProjects, err := r.migrator.linear.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("fetch linear projects: %w", err)
	}
	existingCycles, err := r.migrator.linear.ListCycles(ctx, r.input.LinearTeamID)
	if err != nil {
		return fmt.Errorf("fetch linear cycles: %w", err)
	}
	existingIssues, err := r.migrator.linear.ListIssues(ctx, r.input.LinearTeamID)
	if err != nil {
		return fmt.Errorf("fetch linear issues: %w", err)
	}

	r.existingLabelByName = make(map[string]string, len(existingLabels))
	for _, label := range existingLabels {
		r.existingLabelByName[normalizeName(label.Name)] = label.ID
	}
	r.existingProjectByName = make(map[string]string, len(existingProjects))
	for _, project := range existingProjects {
		r.existingProjectByName[normalizeName(project.Name)] = project.ID
	}
	r.existingCycleByKey = make(map[string]string, len(existingCycles))
	for _, cycle := range existingCycles {
		key := cycleKey(cycle.Name, cycle.StartsAt.UTC().Format("2006-01-02"), cycle.EndsAt.UTC().Format("2006-01-02"))
		r.existingCycleByKey[key] = cycle.ID
	}
	r.existingIssueByStory = make(map[int]string)
	for _, issue := range existingIssues {
		if storyID, ok := ExtractShortcutStoryID(issue.Description); ok {
			r.existingIssueByStory[storyID] = issue.ID
		}
	}
	return nil
}

func (r *migrationRun) placeholderID(kind string) string {
	r.placeholderSequence++
	return fmt.Sprintf("dry-run:%s:%d", kind, r.placeholderSequence)
}

func (r *migrationRun) recordFailure(stats *EntityStats, message string) {
	stats.Failed++
	r.result.Errors = append(r.result.Errors, message)
}

func (r *migrationRun) migrateLabels(ctx context.Context) {
	stats := &r.result.Stats.Labels
	for _, label := range r.labels {
		stats.Attempted++
		if existingID, ok := r.existingLabelByName[normalizeName(label.Name)]; ok {
			r.labelIDByShortcutID[label.ID] = existingID
			stats.Reused++
			continue
		}
		if r.input.DryRun {
			r.labelIDByShortcutID[label.ID] = r.placeholderID("label")
			stats.Created++
			continue
		}
		color := label.Color
		if color == "" {
			color = defaultLabelColor
		}
		created, err := r.migrator.linear.CreateLabel(ctx, r.input.LinearTeamID, label.Name, color)
		if err != nil {
			r.recordFailure(stats, fmt.Sprintf("label %q: %v", label.Name, err))
			continue
		}
		r.labelIDByShortcutID[label.ID] = created.ID
		stats.Created++
	}
}

func (r *migrationRun) migrateProjects(ctx context.Context) {
	stats := &r.result.Stats.Projects
	for _, epic := range r.epics {
		stats.Attempted++
		if existingID, ok := r.existingProjectByName[normalizeName(epic.Name)]; ok {
			r.projectIDByEpicID[epic.ID] = existingID
			stats.Reused++
			continue
		}
		if r.input.DryRun {
			r.projectIDByEpicID[epic.ID] = r.placeholderID("project")
			stats.Created++
			continue
		}
		created, err := r.migrator.linear.CreateProject(ctx, r.input.LinearTeamID, epic.Name, epic.Description)
		if err != nil {
			r.recordFailure(stats, fmt.Sprintf("project %q: %v", epic.Name, err))
			continue
		}
		r.projectIDByEpicID[epic.ID] = created.ID
		stats.Created++
	}
}

func (r *migrationRun) migrateCycles(ctx context.Context) {
	stats := &r.result.Stats.Cycles
	for _, iteration := range r.iterations {
		stats.Attempted++
		if existingID, ok := r.existingCycleByKey[cycleKey(iteration.Name, iteration.StartDate, iteration.EndDate)]; ok {
			r.cycleIDByIterationID[iteration.ID] = existingID
			stats.Reused++
			continue
		}
		startsAt, startErr := time.Parse("2006-01-02", iteration.StartDate)
		endsAt, endErr := time.Parse("2006-01-02", iteration.EndDate)
		if startErr != nil || endErr != nil {
			r.recordFailure(stats, fmt.Sprintf("cycle %q: invalid date range %q..%q", iteration.Name, iteration.StartDate, iteration.EndDate))
			continue
		}
		if r.input.DryRun {
			r.cycleIDByIterationID[iteration.ID] = r.placeholderID("cycle")
			stats.Created++
			continue
		}
		created, err := r.migrator.linear.CreateCycle(ctx, r.input.LinearTeamID, iteration.Name, startsAt, endsAt)
		if err != nil {
			r.recordFailure(stats, fmt.Sprintf("cycle %q: %v", iteration.Name, err))
			continue
		}
		r.cycleIDByIterationID[iteration.ID] = created.ID
		stats.Created++
	}
}

func (r *migrationRun) storiesToMigrate() []tracker.Story {
	if len(r.input.RetryStoryIDs) == 0 {
		return r.stories
	}
	wanted := make(map[int]bool, len(r.input.RetryStoryIDs))
	for _, id := range r.input.RetryStoryIDs {
		wanted[id] = true
	}
	filtered := make([]tracker.Story, 0, len(r.input.RetryStoryIDs))
	for _, story := range r.stories {
		if wanted[story.ID] {
			filtered = append(filtered, story)
		}
	}
	return filtered
}

// migrateIssues creates one issue per story. A story whose epic or
// iteration failed earlier is still created, just without that
// relationship.
func (r *migrationRun) migrateIssues(ctx context.Context) {
	stats := &r.result.Stats.Issues
	for _, story := range r.storiesToMigrate() {
		stats.Attempted++
		if existingID, ok := r.existingIssueByStory[story.ID]; ok {
			r.issueIDByStoryID[story.ID] = existingID
			stats.Reused++
			continue
		}
		if r.input.DryRun {
			id := r.placeholderID("issue")
			r.issueIDByStoryID[story.ID] = id
			r.issueCreatedThisRun[id] = true
			stats.Created++
			continue
		}

		req := tracker.CreateIssueRequest{
			TeamID:      r.input.LinearTeamID,
			Title:       story.Name,
			Description: BuildLinearDescription(story),
			Estimate:    story.Estimate,
		}
		if story.EpicID != nil {
			req.ProjectID = r.projectIDByEpicID[*story.EpicID]
		}
		if story.IterationID != nil {
			req.CycleID = r.cycleIDByIterationID[*story.IterationID]
		}
		for _, label := range story.Labels {
			if labelID, ok := r.labelIDByShortcutID[label.ID]; ok {
				req.LabelIDs = append(req.LabelIDs, labelID)
			}
		}

		created, err := r.migrator.linear.CreateIssue(ctx, req)
		if err != nil {
			r.recordFailure(stats, fmt.Sprintf("issue for story %d %q: %v", story.ID, story.Name, err))
			r.result.FailedStoryIDs = append(r.result.FailedStoryIDs, story.ID)
			continue
		}
		r.issueIDByStoryID[story.ID] = created.ID
		r.issueCreatedThisRun[created.ID] = true
		stats.Created++
	}
}

func (r *migrationRun) migrateComments(ctx context.Context) {
	stats := &r.result.Stats.Comments
	for _, story := range r.storiesToMigrate() {
		issueID, ok := r.issueIDByStoryID[story.ID]
		if !ok {
			continue
		}

		comments, err := r.migrator.shortcut.ListStoryComments(ctx, story.ID)
		if err != nil {
			stats.Attempted++
			r.recordFailure(stats, fmt.Sprintf("comments for story %d: %v", story.ID, err))
			continue
		}

		mirrored := make(map[int]bool)
		if !r.issueCreatedThisRun[issueID] {
			existing, err := r.migrator.linear.ListIssueComments(ctx, issueID)
			if err != nil {
				stats.Attempted++
				r.recordFailure(stats, fmt.Sprintf("comments for story %d: %v", story.ID, err))
				continue
			}
			for _, comment := range existing {
				if shortcutID, found := ExtractShortcutCommentID(comment.Body); found {
					mirrored[shortcutID] = true
				}
			}
		}

		for _, comment := range comments {
			stats.Attempted++
			if mirrored[comment.ID] {
				stats.Reused++
				continue
			}
			if r.input.DryRun {
				stats.Created++
				continue
			}
			if _, err := r.migrator.linear.CreateComment(ctx, issueID, BuildLinearCommentBody(comment)); err != nil {
				r.recordFailure(stats, fmt.Sprintf("comment %d on story %d: %v", comment.ID, story.ID, err))
				continue
			}
			stats.Created++
		}
	}
}

func (r *migrationRun) migrateAttachments(ctx context.Context) {
	stats := &r.result.Stats.Attachments
	for _, story := range r.storiesToMigrate() {
		issueID, ok := r.issueIDByStoryID[story.ID]
		if !ok {
			continue
		}
		for _, link := range story.ExternalLinks {
			stats.Attempted++
			if r.input.DryRun {
				stats.Created++
				continue
			}
			title := "Linked from Shortcut story " + strconv.Itoa(story.ID)
			if _, err := r.migrator.linear.CreateAttachment(ctx, issueID, title, link); err != nil {
				r.recordFailure(stats, fmt.Sprintf("attachment %q on story %d: %v", link, story.ID, err))
				continue
			}
			stats.Created++
		}
	}
}

// Preview reports what a migration would touch without writing.
func (m *Migrator) Preview(ctx context.Context) (MigrationPreview, error) {
	stories, err := m.shortcut.ListStories(ctx, "")
	if err != nil {
		return MigrationPreview{}, fmt.Errorf("preview stories: %w", err)
	}
	epics, err := m.shortcut.ListEpics(ctx)
	if err != nil {
		return MigrationPreview{}, fmt.Errorf("preview epics: %w", err)
	}
	iterations, err := m.shortcut.ListIterations(ctx)
	if err != nil {
		return MigrationPreview{}, fmt.Errorf("preview iterations: %w", err)
	}
	labels, err := m.shortcut.ListLabels(ctx)
	if err != nil {
		return MigrationPreview{}, fmt.Errorf("preview labels: %w", err)
	}
	return MigrationPreview{
		Stories:    len(stories),
		Epics:      len(epics),
		Iterations: len(iterations),
		Labels:     len(labels),
	}, nil
}

// ValidateTokens probes both APIs with their cheapest authenticated
// call.
func (m *Migrator) ValidateTokens(ctx context.Context) TokenValidation {
	var result TokenValidation
	if _, err := m.shortcut.CurrentMember(ctx); err == nil {
		result.Shortcut = true
	}
	if _, err := m.linear.CurrentUser(ctx); err == nil {
		result.Linear = true
	}
	return result
}
