package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultLinearBaseURL = "https://api.linear.app"

type LinearClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	PageSize   int
}

// LinearClient speaks the Linear GraphQL API over POST with the same
// bounded retry/backoff behavior as the Shortcut client.
type LinearClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	retry      retryPolicy
	pageSize   int
}

func NewLinearClient(opts LinearClientOptions) (*LinearClient, error) {
	token := NormalizeLinearToken(opts.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: linear token is required", ErrInvalidInput)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultLinearBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	retry := defaultRetryPolicy()
	if opts.MaxRetries > 0 {
		retry.maxRetries = opts.MaxRetries
	}
	if opts.BaseDelay > 0 {
		retry.baseDelay = opts.BaseDelay
	}
	if opts.MaxDelay > 0 {
		retry.maxDelay = opts.MaxDelay
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 250 {
		pageSize = 250
	}
	return &LinearClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		retry:      retry,
		pageSize:   pageSize,
	}, nil
}

type gqlPageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

type gqlIssue struct {
	ID          string     `json:"id"`
	Identifier  string     `json:"identifier"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    float64    `json:"priority"`
	Estimate    *float64   `json:"estimate"`
	URL         string     `json:"url"`
	State       IssueState `json:"state"`
	Labels      struct {
		Nodes []IssueLabel `json:"nodes"`
	} `json:"labels"`
	Project *struct {
		ID string `json:"id"`
	} `json:"project"`
	Cycle *struct {
		ID string `json:"id"`
	} `json:"cycle"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

const issueFieldsFragment = `fragment IssueFields on Issue {
  id identifier title description priority estimate url
  state { id name type position }
  labels { nodes { id name color } }
  project { id }
  cycle { id }
  createdAt updatedAt completedAt
}`

func (g gqlIssue) toIssue() Issue {
	issue := Issue{
		ID:          g.ID,
		Identifier:  g.Identifier,
		Title:       g.Title,
		Description: g.Description,
		Priority:    int(g.Priority),
		URL:         g.URL,
		State:       g.State,
		Labels:      g.Labels.Nodes,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
		CompletedAt: g.CompletedAt,
	}
	if g.Estimate != nil {
		est := int(*g.Estimate)
		issue.Estimate = &est
	}
	if g.Project != nil {
		issue.ProjectID = g.Project.ID
	}
	if g.Cycle != nil {
		issue.CycleID = g.Cycle.ID
	}
	return issue
}

func (c *LinearClient) CurrentUser(ctx context.Context) (User, error) {
	var out struct {
		Viewer User `json:"viewer"`
	}
	err := c.query(ctx, `query { viewer { id name email } }`, nil, &out)
	return out.Viewer, err
}

func (c *LinearClient) ListWorkflowStates(ctx context.Context, teamID string) ([]IssueState, error) {
	var out struct {
		Team struct {
			States struct {
				Nodes []IssueState `json:"nodes"`
			} `json:"states"`
		} `json:"team"`
	}
	err := c.query(ctx, `query($teamId: String!) {
  team(id: $teamId) { states { nodes { id name type position } } }
}`, map[string]any{"teamId": teamID}, &out)
	return out.Team.States.Nodes, err
}

func (c *LinearClient) ListIssues(ctx context.Context, teamID string) ([]Issue, error) {
	issues := []Issue{}
	after := ""
	for {
		vars := map[string]any{"first": c.pageSize}
		filter := map[string]any{}
		if strings.TrimSpace(teamID) != "" {
			filter["team"] = map[string]any{"id": map[string]any{"eq": teamID}}
		}
		vars["filter"] = filter
		if after != "" {
			vars["after"] = after
		}
		var out struct {
			Issues struct {
				Nodes    []gqlIssue  `json:"nodes"`
				PageInfo gqlPageInfo `json:"pageInfo"`
			} `json:"issues"`
		}
		query := issueFieldsFragment + `
query($first: Int!, $after: String, $filter: IssueFilter) {
  issues(first: $first, after: $after, filter: $filter) {
    nodes { ...IssueFields }
    pageInfo { hasNextPage endCursor }
  }
}`
		if err := c.query(ctx, query, vars, &out); err != nil {
			return nil, err
		}
		for _, node := range out.Issues.Nodes {
			issues = append(issues, node.toIssue())
		}
		if !out.Issues.PageInfo.HasNextPage || out.Issues.PageInfo.EndCursor == after {
			break
		}
		after = out.Issues.PageInfo.EndCursor
	}
	return issues, nil
}

func (c *LinearClient) ListIssueComments(ctx context.Context, issueID string) ([]IssueComment, error) {
	type gqlComment struct {
		ID   string `json:"id"`
		Body string `json:"body"`
		User *struct {
			ID string `json:"id"`
		} `json:"user"`
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}
	comments := []IssueComment{}
	after := ""
	for {
		vars := map[string]any{"issueId": issueID, "first": c.pageSize}
		if after != "" {
			vars["after"] = after
		}
		var out struct {
			Issue struct {
				Comments struct {
					Nodes    []gqlComment `json:"nodes"`
					PageInfo gqlPageInfo  `json:"pageInfo"`
				} `json:"comments"`
			} `json:"issue"`
		}
		err := c.query(ctx, `query($issueId: String!, $first: Int!, $after: String) {
  issue(id: $issueId) {
    comments(first: $first, after: $after) {
      nodes { id body user { id } createdAt updatedAt }
      pageInfo { hasNextPage endCursor }
    }
  }
}`, vars, &out)
		if err != nil {
			return nil, err
		}
		for _, node := range out.Issue.Comments.Nodes {
			comment := IssueComment{
				ID:        node.ID,
				Body:      node.Body,
				CreatedAt: node.CreatedAt,
				UpdatedAt: node.UpdatedAt,
			}
			if node.User != nil {
				comment.UserID = node.User.ID
			}
			comments = append(comments, comment)
		}
		if !out.Issue.Comments.PageInfo.HasNextPage || out.Issue.Comments.PageInfo.EndCursor == after {
			break
		}
		after = out.Issue.Comments.PageInfo.EndCursor
	}
	return comments, nil
}

func (c *LinearClient) ListLabels(ctx context.Context, teamID string) ([]IssueLabel, error) {
	vars := map[string]any{"first": c.pageSize}
	if strings.TrimSpace(teamID) != "" {
		vars["filter"] = map[string]any{"team": map[string]any{"id": map[string]any{"eq": teamID}}}
	}
	var out struct {
		IssueLabels struct {
			Nodes []IssueLabel `json:"nodes"`
		} `json:"issueLabels"`
	}
	err := c.query(ctx, `query($first: Int!, $filter: IssueLabelFilter) {
  issueLabels(first: $first, filter: $filter) { nodes { id name color } }
}`, vars, &out)
	return out.IssueLabels.Nodes, err
}

func (c *LinearClient) ListProjects(ctx context.Context) ([]Project, error) {
	var out struct {
		Projects struct {
			Nodes []Project `json:"nodes"`
		} `json:"projects"`
	}
	err := c.query(ctx, `query($first: Int!) {
  projects(first: $first) { nodes { id name description state } }
}`, map[string]any{"first": c.pageSize}, &out)
	return out.Projects.Nodes, err
}

func (c *LinearClient) ListCycles(ctx context.Context, teamID string) ([]Cycle, error) {
	var out struct {
		Team struct {
			Cycles struct {
				Nodes []Cycle `json:"nodes"`
			} `json:"cycles"`
		} `json:"team"`
	}
	err := c.query(ctx, `query($teamId: String!, $first: Int!) {
  team(id: $teamId) { cycles(first: $first) { nodes { id name number startsAt endsAt } } }
}`, map[string]any{"teamId": teamID, "first": c.pageSize}, &out)
	return out.Team.Cycles.Nodes, err
}

func (c *LinearClient) CreateIssue(ctx context.Context, req CreateIssueRequest) (Issue, error) {
	input := map[string]any{
		"teamId": req.TeamID,
		"title":  req.Title,
	}
	if req.Description != "" {
		input["description"] = req.Description
	}
	if req.StateID != "" {
		input["stateId"] = req.StateID
	}
	if req.ProjectID != "" {
		input["projectId"] = req.ProjectID
	}
	if req.CycleID != "" {
		input["cycleId"] = req.CycleID
	}
	if len(req.LabelIDs) > 0 {
		input["labelIds"] = req.LabelIDs
	}
	if req.Priority > 0 {
		input["priority"] = req.Priority
	}
	if req.Estimate != nil {
		input["estimate"] = *req.Estimate
	}
	var out struct {
		IssueCreate struct {
			Success bool     `json:"success"`
			Issue   gqlIssue `json:"issue"`
		} `json:"issueCreate"`
	}
	query := issueFieldsFragment + `
mutation($input: IssueCreateInput!) {
  issueCreate(input: $input) { success issue { ...IssueFields } }
}`
	if err := c.query(ctx, query, map[string]any{"input": input}, &out); err != nil {
		return Issue{}, err
	}
	if !out.IssueCreate.Success {
		return Issue{}, &APIError{Service: "linear", StatusCode: 200, Message: "issueCreate was not successful"}
	}
	return out.IssueCreate.Issue.toIssue(), nil
}

func (c *LinearClient) UpdateIssue(ctx context.Context, issueID string, req UpdateIssueRequest) (Issue, error) {
	input := map[string]any{}
	if req.Title != "" {
		input["title"] = req.Title
	}
	if req.Description != "" {
		input["description"] = req.Description
	}
	if req.StateID != "" {
		input["stateId"] = req.StateID
	}
	if req.Priority > 0 {
		input["priority"] = req.Priority
	}
	if req.Estimate != nil {
		input["estimate"] = *req.Estimate
	}
	var out struct {
		IssueUpdate struct {
			Success bool     `json:"success"`
			Issue   gqlIssue `json:"issue"`
		} `json:"issueUpdate"`
	}
	query := issueFieldsFragment + `
mutation($id: String!, $input: IssueUpdateInput!) {
  issueUpdate(id: $id, input: $input) { success issue { ...IssueFields } }
}`
	if err := c.query(ctx, query, map[string]any{"id": issueID, "input": input}, &out); err != nil {
		return Issue{}, err
	}
	if !out.IssueUpdate.Success {
		return Issue{}, &APIError{Service: "linear", StatusCode: 200, Message: "issueUpdate was not successful"}
	}
	return out.IssueUpdate.Issue.toIssue(), nil
}

func (c *LinearClient) CreateComment(ctx context.Context, issueID, body string) (IssueComment, error) {
	var out struct {
		CommentCreate struct {
			Success bool `json:"success"`
			Comment struct {
				ID        string    `json:"id"`
				Body      string    `json:"body"`
				CreatedAt time.Time `json:"createdAt"`
				UpdatedAt time.Time `json:"updatedAt"`
			} `json:"comment"`
		} `json:"commentCreate"`
	}
	err := c.query(ctx, `mutation($input: CommentCreateInput!) {
  commentCreate(input: $input) { success comment { id body createdAt updatedAt } }
}`, map[string]any{"input": map[string]any{"issueId": issueID, "body": body}}, &out)
	if err != nil {
		return IssueComment{}, err
	}
	if !out.CommentCreate.Success {
		return IssueComment{}, &APIError{Service: "linear", StatusCode: 200, Message: "commentCreate was not successful"}
	}
	created := out.CommentCreate.Comment
	return IssueComment{ID: created.ID, Body: created.Body, CreatedAt: created.CreatedAt, UpdatedAt: created.UpdatedAt}, nil
}

func (c *LinearClient) CreateLabel(ctx context.Context, teamID, name, color string) (IssueLabel, error) {
	input := map[string]any{"name": name}
	if color != "" {
		input["color"] = color
	}
	if strings.TrimSpace(teamID) != "" {
		input["teamId"] = teamID
	}
	var out struct {
		IssueLabelCreate struct {
			Success    bool       `json:"success"`
			IssueLabel IssueLabel `json:"issueLabel"`
		} `json:"issueLabelCreate"`
	}
	err := c.query(ctx, `mutation($input: IssueLabelCreateInput!) {
  issueLabelCreate(input: $input) { success issueLabel { id name color } }
}`, map[string]any{"input": input}, &out)
	if err != nil {
		return IssueLabel{}, err
	}
	if !out.IssueLabelCreate.Success {
		return IssueLabel{}, &APIError{Service: "linear", StatusCode: 200, Message: "issueLabelCreate was not successful"}
	}
	return out.IssueLabelCreate.IssueLabel, nil
}

func (c *LinearClient) CreateProject(ctx context.Context, teamID, name, description string) (Project, error) {
	input := map[string]any{"name": name, "teamIds": []string{teamID}}
	if description != "" {
		input["description"] = description
	}
	var out struct {
		ProjectCreate struct {
			Success bool    `json:"success"`
			Project Project `json:"project"`
		} `json:"projectCreate"`
	}
	err := c.query(ctx, `mutation($input: ProjectCreateInput!) {
  projectCreate(input: $input) { success project { id name description state } }
}`, map[string]any{"input": input}, &out)
	if err != nil {
		return Project{}, err
	}
	if !out.ProjectCreate.Success {
		return Project{}, &APIError{Service: "linear", StatusCode: 200, Message: "projectCreate was not successful"}
	}
	return out.ProjectCreate.Project, nil
}

func (c *LinearClient) CreateCycle(ctx context.Context, teamID, name string, startsAt, endsAt time.Time) (Cycle, error) {
	input := map[string]any{
		"teamId":   teamID,
		"startsAt": startsAt.UTC().Format(time.RFC3339),
		"endsAt":   endsAt.UTC().Format(time.RFC3339),
	}
	if name != "" {
		input["name"] = name
	}
	var out struct {
		CycleCreate struct {
			Success bool  `json:"success"`
			Cycle   Cycle `json:"cycle"`
		} `json:"cycleCreate"`
	}
	err := c.query(ctx, `mutation($input: CycleCreateInput!) {
  cycleCreate(input: $input) { success cycle { id name number startsAt endsAt } }
}`, map[string]any{"input": input}, &out)
	if err != nil {
		return Cycle{}, err
	}
	if !out.CycleCreate.Success {
		return Cycle{}, &APIError{Service: "linear", StatusCode: 200, Message: "cycleCreate was not successful"}
	}
	return out.CycleCreate.Cycle, nil
}

func (c *LinearClient) CreateAttachment(ctx context.Context, issueID, title, url string) (Attachment, error) {
	var out struct {
		AttachmentCreate struct {
			Success    bool       `json:"success"`
			Attachment Attachment `json:"attachment"`
		} `json:"attachmentCreate"`
	}
	err := c.query(ctx, `mutation($input: AttachmentCreateInput!) {
  attachmentCreate(input: $input) { success attachment { id title url } }
}`, map[string]any{"input": map[string]any{"issueId": issueID, "title": title, "url": url}}, &out)
	if err != nil {
		return Attachment{}, err
	}
	if !out.AttachmentCreate.Success {
		return Attachment{}, &APIError{Service: "linear", StatusCode: 200, Message: "attachmentCreate was not successful"}
	}
	return out.AttachmentCreate.Attachment, nil
}

func (c *LinearClient) query(ctx context.Context, query string, variables map[string]any, out any) error {
	payload := map[string]any{"query": query}
	if len(variables) > 0 {
		payload["variables"] = variables
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", c.token)
		req.Header.Set("Content-Type", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.retry.maxRetries {
				if waitErr := sleepContext(ctx, c.retry.delay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if retryableStatus(resp.StatusCode) && attempt < c.retry.maxRetries {
			if waitErr := sleepContext(ctx, c.retry.delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &APIError{Service: "linear", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		}

		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return err
		}
		if len(envelope.Errors) > 0 {
			messages := make([]string, 0, len(envelope.Errors))
			for _, gqlErr := range envelope.Errors {
				messages = append(messages, gqlErr.Message)
			}
			return &APIError{Service: "linear", StatusCode: resp.StatusCode, Code: "graphql", Message: strings.Join(messages, "; ")}
		}
		if out == nil || len(envelope.Data) == 0 {
			return nil
		}
		return json.Unmarshal(envelope.Data, out)
	}
}
