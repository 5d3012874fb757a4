package syncer

import (
	"context"
	"time"

	"github.com/goodbyeshortcut/trackbridge/internal/tracker"
)

// ShortcutAPI is the slice of the Shortcut client the engines consume.
// *tracker.ShortcutClient satisfies it; tests plug in fakes.
type ShortcutAPI interface {
	CurrentMember(ctx context.Context) (tracker.Member, error)
	ListWorkflows(ctx context.Context) ([]tracker.Workflow, error)
	ListEpics(ctx context.Context) ([]tracker.Epic, error)
	ListIterations(ctx context.Context) ([]tracker.Iteration, error)
	ListLabels(ctx context.Context) ([]tracker.Label, error)
	ListStories(ctx context.Context, groupID string) ([]tracker.Story, error)
	ListStoryComments(ctx context.Context, storyID int) ([]tracker.StoryComment, error)
	CreateStory(ctx context.Context, req tracker.CreateStoryRequest) (tracker.Story, error)
	UpdateStory(ctx context.Context, storyID int, req tracker.UpdateStoryRequest) (tracker.Story, error)
	CreateStoryComment(ctx context.Context, storyID int, req tracker.CreateStoryCommentRequest) (tracker.StoryComment, error)
}

// LinearAPI is the Linear counterpart of ShortcutAPI.
type LinearAPI interface {
	CurrentUser(ctx context.Context) (tracker.User, error)
	ListWorkflowStates(ctx context.Context, teamID string) ([]tracker.IssueState, error)
	ListIssues(ctx context.Context, teamID string) ([]tracker.Issue, error)
	ListIssueComments(ctx context.Context, issueID string) ([]tracker.IssueComment, error)
	ListLabels(ctx context.Context, teamID string) ([]tracker.IssueLabel, error)
	ListProjects(ctx context.Context) ([]tracker.Project, error)
	ListCycles(ctx context.Context, teamID string) ([]tracker.Cycle, error)
	CreateIssue(ctx context.Context, req tracker.CreateIssueRequest) (tracker.Issue, error)
	UpdateIssue(ctx context.Context, issueID string, req tracker.UpdateIssueRequest) (tracker.Issue, error)
	CreateComment(ctx context.Context, issueID, body string) (tracker.IssueComment, error)
	CreateLabel(ctx context.Context, teamID, name, color string) (tracker.IssueLabel, error)
	CreateProject(ctx context.Context, teamID, name, description string) (tracker.Project, error)
	CreateCycle(ctx context.Context, teamID, name string, startsAt, endsAt time.Time) (tracker.Cycle, error)
	CreateAttachment(ctx context.Context, issueID, title, url string) (tracker.Attachment, error)
}
