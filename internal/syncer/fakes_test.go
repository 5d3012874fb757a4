package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodbyeshortcut/trackbridge/internal/tracker"
)

// fakeShortcut and fakeLinear are in-memory stand-ins for the API
// clients. Writes mutate the fake workspace so a second run observes
// what the first one created.

type fakeShortcut struct {
	mu              sync.Mutex
	member          tracker.Member
	memberErr       error
	workflows       []tracker.Workflow
	epics           []tracker.Epic
	iterations      []tracker.Iteration
	labels          []tracker.Label
	stories         map[int]tracker.Story
	commentsByStory map[int][]tracker.StoryComment

	nextStoryID   int
	nextCommentID int

	createStoryCalls   int
	updateStoryCalls   int
	createCommentCalls int

	failUpdateStoryID int
	failCreateStory   bool
	failListStories   error
}

func newFakeShortcut() *fakeShortcut {
	return &fakeShortcut{
		stories:         make(map[int]tracker.Story),
		commentsByStory: make(map[int][]tracker.StoryComment),
		nextStoryID:     9000,
		nextCommentID:   9000,
	}
}

func (f *fakeShortcut) addStory(story tracker.Story) {
	f.stories[story.ID] = story
}

func (f *fakeShortcut) CurrentMember(ctx context.Context) (tracker.Member, error) {
	return f.member, f.memberErr
}

func (f *fakeShortcut) ListWorkflows(ctx context.Context) ([]tracker.Workflow, error) {
	return f.workflows, nil
}

func (f *fakeShortcut) ListEpics(ctx context.Context) ([]tracker.Epic, error) {
	return f.epics, nil
}

func (f *fakeShortcut) ListIterations(ctx context.Context) ([]tracker.Iteration, error) {
	return f.iterations, nil
}

func (f *fakeShortcut) ListLabels(ctx context.Context) ([]tracker.Label, error) {
	return f.labels, nil
}

func (f *fakeShortcut) ListStories(ctx context.Context, groupID string) ([]tracker.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failListStories != nil {
		return nil, f.failListStories
	}
	stories := make([]tracker.Story, 0, len(f.stories))
	for _, story := range f.stories {
		if groupID == "" || story.GroupID == groupID {
			stories = append(stories, story)
		}
	}
	sort.Slice(stories, func(i, j int) bool { return stories[i].ID < stories[j].ID })
	return stories, nil
}

func (f *fakeShortcut) ListStoryComments(ctx context.Context, storyID int) ([]tracker.StoryComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commentsByStory[storyID], nil
}

func (f *fakeShortcut) CreateStory(ctx context.Context, req tracker.CreateStoryRequest) (tracker.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createStoryCalls++
	if f.failCreateStory {
		return tracker.Story{}, fmt.Errorf("create story rejected")
	}
	f.nextStoryID++
	story := tracker.Story{
		ID:              f.nextStoryID,
		Name:            req.Name,
		Description:     req.Description,
		StoryType:       req.StoryType,
		WorkflowStateID: req.WorkflowStateID,
		GroupID:         req.GroupID,
		Estimate:        req.Estimate,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	f.stories[story.ID] = story
	return story, nil
}

func (f *fakeShortcut) UpdateStory(ctx context.Context, storyID int, req tracker.UpdateStoryRequest) (tracker.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateStoryCalls++
	if f.failUpdateStoryID == storyID {
		return tracker.Story{}, fmt.Errorf("update story %d rejected", storyID)
	}
	story, ok := f.stories[storyID]
	if !ok {
		return tracker.Story{}, fmt.Errorf("story %d not found", storyID)
	}
	if req.Name != "" {
		story.Name = req.Name
	}
	if req.Description != "" {
		story.Description = req.Description
	}
	if req.StoryType != "" {
		story.StoryType = req.StoryType
	}
	if req.WorkflowStateID != 0 {
		story.WorkflowStateID = req.WorkflowStateID
	}
	if req.Estimate != nil {
		story.Estimate = req.Estimate
	}
	story.UpdatedAt = time.Now().UTC()
	f.stories[storyID] = story
	return story, nil
}

func (f *fakeShortcut) CreateStoryComment(ctx context.Context, storyID int, req tracker.CreateStoryCommentRequest) (tracker.StoryComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCommentCalls++
	f.nextCommentID++
	comment := tracker.StoryComment{
		ID:        f.nextCommentID,
		Text:      req.Text,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	f.commentsByStory[storyID] = append(f.commentsByStory[storyID], comment)
	return comment, nil
}

type fakeLinear struct {
	mu              sync.Mutex
	user            tracker.User
	userErr         error
	states          []tracker.IssueState
	issues          map[string]tracker.Issue
	labels          []tracker.IssueLabel
	projects        []tracker.Project
	cycles          []tracker.Cycle
	commentsByIssue map[string][]tracker.IssueComment
	attachments     map[string][]tracker.Attachment

	nextID int

	createIssueCalls   int
	updateIssueCalls   int
	createCommentCalls int

	failUpdateIssueID string
	failCreateIssue   bool
	failProjectByName map[string]bool
}

func newFakeLinear() *fakeLinear {
	return &fakeLinear{
		issues:          make(map[string]tracker.Issue),
		commentsByIssue: make(map[string][]tracker.IssueComment),
		attachments:     make(map[string][]tracker.Attachment),
	}
}

func (f *fakeLinear) addIssue(issue tracker.Issue) {
	f.issues[issue.ID] = issue
}

func (f *fakeLinear) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeLinear) CurrentUser(ctx context.Context) (tracker.User, error) {
	return f.user, f.userErr
}

func (f *fakeLinear) ListWorkflowStates(ctx context.Context, teamID string) ([]tracker.IssueState, error) {
	return f.states, nil
}

func (f *fakeLinear) ListIssues(ctx context.Context, teamID string) ([]tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issues := make([]tracker.Issue, 0, len(f.issues))
	for _, issue := range f.issues {
		issues = append(issues, issue)
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].ID < issues[j].ID })
	return issues, nil
}

func (f *fakeLinear) ListIssueComments(ctx context.Context, issueID string) ([]tracker.IssueComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commentsByIssue[issueID], nil
}

func (f *fakeLinear) ListLabels(ctx context.Context, teamID string) ([]tracker.IssueLabel, error) {
	return f.labels, nil
}

func (f *fakeLinear) ListProjects(ctx context.Context) ([]tracker.Project, error) {
	return f.projects, nil
}

func (f *fakeLinear) ListCycles(ctx context.Context, teamID string) ([]tracker.Cycle, error) {
	return f.cycles, nil
}

func (f *fakeLinear) CreateIssue(ctx context.Context, req tracker.CreateIssueRequest) (tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createIssueCalls++
	if f.failCreateIssue {
		return tracker.Issue{}, fmt.Errorf("create issue rejected")
	}
	id := f.newID("issue")
	issue := tracker.Issue{
		ID:          id,
		Identifier:  fmt.Sprintf("ENG-%d", f.nextID),
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Estimate:    req.Estimate,
		ProjectID:   req.ProjectID,
		CycleID:     req.CycleID,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	for _, state := range f.states {
		if state.ID == req.StateID {
			issue.State = state
		}
	}
	f.issues[id] = issue
	return issue, nil
}

func (f *fakeLinear) UpdateIssue(ctx context.Context, issueID string, req tracker.UpdateIssueRequest) (tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateIssueCalls++
	if f.failUpdateIssueID == issueID {
		return tracker.Issue{}, fmt.Errorf("update issue %s rejected", issueID)
	}
	issue, ok := f.issues[issueID]
	if !ok {
		return tracker.Issue{}, fmt.Errorf("issue %s not found", issueID)
	}
	if req.Title != "" {
		issue.Title = req.Title
	}
	if req.Description != "" {
		issue.Description = req.Description
	}
	if req.Priority != 0 {
		issue.Priority = req.Priority
	}
	if req.Estimate != nil {
		issue.Estimate = req.Estimate
	}
	for _, state := range f.states {
		if state.ID == req.StateID {
			issue.State = state
		}
	}
	issue.UpdatedAt = time.Now().UTC()
	f.issues[issueID] = issue
	return issue, nil
}

func (f *fakeLinear) CreateComment(ctx context.Context, issueID, body string) (tracker.IssueComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCommentCalls++
	comment := tracker.IssueComment{
		ID:        f.newID("cmt"),
		Body:      body,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	f.commentsByIssue[issueID] = append(f.commentsByIssue[issueID], comment)
	return comment, nil
}

func (f *fakeLinear) CreateLabel(ctx context.Context, teamID, name, color string) (tracker.IssueLabel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	label := tracker.IssueLabel{ID: f.newID("lbl"), Name: name, Color: color}
	f.labels = append(f.labels, label)
	return label, nil
}

func (f *fakeLinear) CreateProject(ctx context.Context, teamID, name, description string) (tracker.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failProjectByName[name] {
		return tracker.Project{}, fmt.Errorf("project %q rejected", name)
	}
	project := tracker.Project{ID: f.newID("proj"), Name: name, Description: description}
	f.projects = append(f.projects, project)
	return project, nil
}

func (f *fakeLinear) CreateCycle(ctx context.Context, teamID, name string, startsAt, endsAt time.Time) (tracker.Cycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cycle := tracker.Cycle{ID: f.newID("cyc"), Name: name, StartsAt: startsAt, EndsAt: endsAt}
	f.cycles = append(f.cycles, cycle)
	return cycle, nil
}

func (f *fakeLinear) CreateAttachment(ctx context.Context, issueID, title, url string) (tracker.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attachment := tracker.Attachment{ID: f.newID("att"), Title: title, URL: url}
	f.attachments[issueID] = append(f.attachments[issueID], attachment)
	return attachment, nil
}
