package tracker

import "time"

// Shortcut wire types. Field names follow the Shortcut REST API v3
// payloads; timestamps are RFC3339 and decode directly into time.Time.

type Story struct {
	ID              int            `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	StoryType       string         `json:"story_type"`
	WorkflowStateID int            `json:"workflow_state_id"`
	EpicID          *int           `json:"epic_id,omitempty"`
	IterationID     *int           `json:"iteration_id,omitempty"`
	GroupID         string         `json:"group_id,omitempty"`
	Labels          []Label        `json:"labels,omitempty"`
	Estimate        *int           `json:"estimate,omitempty"`
	ExternalLinks   []string       `json:"external_links,omitempty"`
	AppURL          string         `json:"app_url,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Comments        []StoryComment `json:"comments,omitempty"`
}

type Label struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type Epic struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	State       string `json:"state,omitempty"`
}

type Iteration struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Status    string `json:"status,omitempty"`
}

type Workflow struct {
	ID     int             `json:"id"`
	Name   string          `json:"name"`
	States []WorkflowState `json:"states"`
}

// WorkflowState is a Shortcut workflow state; Type is one of
// unstarted, started, done.
type WorkflowState struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Position float64 `json:"position"`
}

type StoryComment struct {
	ID        int       `json:"id"`
	Text      string    `json:"text"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Member struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Profile struct {
		Name         string `json:"name"`
		EmailAddress string `json:"email_address"`
	} `json:"profile"`
}

type CreateStoryRequest struct {
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	StoryType       string     `json:"story_type,omitempty"`
	WorkflowStateID int        `json:"workflow_state_id,omitempty"`
	GroupID         string     `json:"group_id,omitempty"`
	Estimate        *int       `json:"estimate,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

type UpdateStoryRequest struct {
	Name            string `json:"name,omitempty"`
	Description     string `json:"description,omitempty"`
	StoryType       string `json:"story_type,omitempty"`
	WorkflowStateID int    `json:"workflow_state_id,omitempty"`
	Estimate        *int   `json:"estimate,omitempty"`
}

type CreateStoryCommentRequest struct {
	Text      string     `json:"text"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Linear wire types, flattened from the GraphQL connection shapes.

type Issue struct {
	ID          string
	Identifier  string
	Title       string
	Description string
	Priority    int
	Estimate    *int
	State       IssueState
	Labels      []IssueLabel
	ProjectID   string
	CycleID     string
	URL         string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// IssueState is a Linear workflow state; Type is one of backlog,
// unstarted, started, completed, canceled.
type IssueState struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Position float64 `json:"position"`
}

type IssueLabel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	State       string `json:"state,omitempty"`
}

type Cycle struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Number   int       `json:"number,omitempty"`
	StartsAt time.Time `json:"startsAt"`
	EndsAt   time.Time `json:"endsAt"`
}

type IssueComment struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	UserID    string    `json:"userId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Attachment struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type CreateIssueRequest struct {
	TeamID      string
	Title       string
	Description string
	StateID     string
	ProjectID   string
	CycleID     string
	LabelIDs    []string
	Priority    int
	Estimate    *int
}

type UpdateIssueRequest struct {
	Title       string
	Description string
	StateID     string
	Priority    int
	Estimate    *int
}
