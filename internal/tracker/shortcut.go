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

const defaultShortcutBaseURL = "https://api.app.shortcut.com/api/v3"

type ShortcutClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	PageSize   int
}

// ShortcutClient speaks the Shortcut REST API v3 with bounded retries
// and Retry-After-aware backoff on 429/5xx responses.
type ShortcutClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	retry      retryPolicy
	pageSize   int
}

func NewShortcutClient(opts ShortcutClientOptions) (*ShortcutClient, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: shortcut token is required", ErrInvalidInput)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultShortcutBaseURL
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
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	return &ShortcutClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		retry:      retry,
		pageSize:   pageSize,
	}, nil
}

func (c *ShortcutClient) CurrentMember(ctx context.Context) (Member, error) {
	var out Member
	err := c.doJSON(ctx, http.MethodGet, "/member", nil, &out)
	return out, err
}

func (c *ShortcutClient) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var out []Workflow
	err := c.doJSON(ctx, http.MethodGet, "/workflows", nil, &out)
	return out, err
}

func (c *ShortcutClient) ListEpics(ctx context.Context) ([]Epic, error) {
	var out []Epic
	err := c.doJSON(ctx, http.MethodGet, "/epics", nil, &out)
	return out, err
}

func (c *ShortcutClient) ListIterations(ctx context.Context) ([]Iteration, error) {
	var out []Iteration
	err := c.doJSON(ctx, http.MethodGet, "/iterations", nil, &out)
	return out, err
}

func (c *ShortcutClient) ListLabels(ctx context.Context) ([]Label, error) {
	var out []Label
	err := c.doJSON(ctx, http.MethodGet, "/labels", nil, &out)
	return out, err
}

// ListStories pages through the story search endpoint until the cursor
// is exhausted. An empty groupID lists the whole workspace.
func (c *ShortcutClient) ListStories(ctx context.Context, groupID string) ([]Story, error) {
	type searchRequest struct {
		PageSize int    `json:"page_size"`
		Next     string `json:"next,omitempty"`
		GroupID  string `json:"group_id,omitempty"`
	}
	type searchResponse struct {
		Data []Story `json:"data"`
		Next string  `json:"next"`
	}

	stories := []Story{}
	next := ""
	for {
		req := searchRequest{
			PageSize: c.pageSize,
			Next:     next,
			GroupID:  strings.TrimSpace(groupID),
		}
		var resp searchResponse
		if err := c.doJSON(ctx, http.MethodPost, "/stories/search", req, &resp); err != nil {
			return nil, err
		}
		stories = append(stories, resp.Data...)
		if resp.Next == "" || resp.Next == next {
			break
		}
		next = resp.Next
	}
	return stories, nil
}

// ListStoryComments reads the story detail, which carries the comment
// list inline; Shortcut has no standalone comment listing.
func (c *ShortcutClient) ListStoryComments(ctx context.Context, storyID int) ([]StoryComment, error) {
	var story Story
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/stories/%d", storyID), nil, &story); err != nil {
		return nil, err
	}
	return story.Comments, nil
}

func (c *ShortcutClient) CreateStory(ctx context.Context, req CreateStoryRequest) (Story, error) {
	var out Story
	err := c.doJSON(ctx, http.MethodPost, "/stories", req, &out)
	return out, err
}

func (c *ShortcutClient) UpdateStory(ctx context.Context, storyID int, req UpdateStoryRequest) (Story, error) {
	var out Story
	err := c.doJSON(ctx, http.MethodPut, fmt.Sprintf("/stories/%d", storyID), req, &out)
	return out, err
}

func (c *ShortcutClient) CreateStoryComment(ctx context.Context, storyID int, req CreateStoryCommentRequest) (StoryComment, error) {
	var out StoryComment
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/stories/%d/comments", storyID), req, &out)
	return out, err
}

func (c *ShortcutClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Shortcut-Token", c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
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
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if retryableStatus(resp.StatusCode) && attempt < c.retry.maxRetries {
			if waitErr := sleepContext(ctx, c.retry.delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := strings.TrimSpace(errPayload.Message)
		if message == "" {
			message = strings.TrimSpace(string(payload))
		}
		return &APIError{Service: "shortcut", StatusCode: resp.StatusCode, Message: message}
	}
}
