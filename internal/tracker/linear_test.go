package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLinearClient(t *testing.T, server *httptest.Server) *LinearClient {
	t.Helper()
	client, err := NewLinearClient(LinearClientOptions{
		BaseURL:    server.URL,
		Token:      "lin_api_test",
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new linear client: %v", err)
	}
	return client
}

func decodeGraphQLRequest(t *testing.T, r *http.Request) (string, map[string]any) {
	t.Helper()
	var payload struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		t.Fatalf("decode graphql request: %v", err)
	}
	return payload.Query, payload.Variables
}

func TestNewLinearClientRequiresToken(t *testing.T) {
	_, err := NewLinearClient(LinearClientOptions{Token: ""})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLinearClientSendsBareAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/graphql" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "lin_api_test" {
			t.Fatalf("expected bare api key, got %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"data":{"viewer":{"id":"user-1","name":"Grace"}}}`))
	}))
	defer server.Close()

	client, err := NewLinearClient(LinearClientOptions{
		BaseURL:    server.URL,
		Token:      "Bearer lin_api_test",
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("new linear client: %v", err)
	}
	user, err := client.CurrentUser(context.Background())
	if err != nil {
		t.Fatalf("viewer query failed: %v", err)
	}
	if user.ID != "user-1" || user.Name != "Grace" {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestLinearClientSurfacesGraphQLErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"team not found"},{"message":"access denied"}]}`))
	}))
	defer server.Close()

	client := newTestLinearClient(t, server)
	_, err := client.ListWorkflowStates(context.Background(), "team-missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "graphql" || apiErr.Message != "team not found; access denied" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestLinearClientRetriesRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"viewer":{"id":"user-1"}}}`))
	}))
	defer server.Close()

	client := newTestLinearClient(t, server)
	if _, err := client.CurrentUser(context.Background()); err != nil {
		t.Fatalf("expected 429 retry to succeed, got error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestListIssuesPagesThroughConnection(t *testing.T) {
	var pages int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, vars := decodeGraphQLRequest(t, r)
		filter, _ := vars["filter"].(map[string]any)
		if filter == nil || filter["team"] == nil {
			t.Fatalf("expected team filter in variables, got %+v", vars)
		}
		switch atomic.AddInt32(&pages, 1) {
		case 1:
			if _, hasAfter := vars["after"]; hasAfter {
				t.Fatalf("first page should not carry a cursor, got %+v", vars)
			}
			_, _ = w.Write([]byte(`{"data":{"issues":{
				"nodes":[{"id":"issue-1","identifier":"ENG-1","title":"First","priority":2,"estimate":3,
					"state":{"id":"st-1","name":"Todo","type":"unstarted","position":1},
					"labels":{"nodes":[{"id":"lbl-1","name":"bug"}]},
					"project":{"id":"proj-1"},
					"createdAt":"2024-05-01T10:00:00Z","updatedAt":"2024-05-02T10:00:00Z"}],
				"pageInfo":{"hasNextPage":true,"endCursor":"cur-2"}}}}`))
		default:
			if vars["after"] != "cur-2" {
				t.Fatalf("second page should carry cur-2, got %+v", vars["after"])
			}
			_, _ = w.Write([]byte(`{"data":{"issues":{
				"nodes":[{"id":"issue-2","identifier":"ENG-2","title":"Second","priority":0,
					"state":{"id":"st-2","name":"Done","type":"completed","position":5},
					"labels":{"nodes":[]},
					"createdAt":"2024-05-01T10:00:00Z","updatedAt":"2024-05-03T10:00:00Z"}],
				"pageInfo":{"hasNextPage":false,"endCursor":"cur-2"}}}}`))
		}
	}))
	defer server.Close()

	client := newTestLinearClient(t, server)
	issues, err := client.ListIssues(context.Background(), "team-1")
	if err != nil {
		t.Fatalf("list issues failed: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(issues))
	}
	first := issues[0]
	if first.ID != "issue-1" || first.Identifier != "ENG-1" || first.Priority != 2 {
		t.Fatalf("unexpected first issue: %+v", first)
	}
	if first.Estimate == nil || *first.Estimate != 3 {
		t.Fatalf("expected estimate 3, got %+v", first.Estimate)
	}
	if first.ProjectID != "proj-1" || len(first.Labels) != 1 || first.Labels[0].Name != "bug" {
		t.Fatalf("expected flattened project and labels, got %+v", first)
	}
	if issues[1].Estimate != nil || issues[1].ProjectID != "" {
		t.Fatalf("expected empty optional fields on second issue, got %+v", issues[1])
	}
	if atomic.LoadInt32(&pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", atomic.LoadInt32(&pages))
	}
}

func TestCreateIssueChecksMutationSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query, vars := decodeGraphQLRequest(t, r)
		if !containsAll(query, "issueCreate", "IssueCreateInput") {
			t.Fatalf("expected issueCreate mutation, got %q", query)
		}
		input, _ := vars["input"].(map[string]any)
		if input["teamId"] != "team-1" || input["title"] != "New issue" {
			t.Fatalf("unexpected mutation input: %+v", input)
		}
		if _, hasPriority := input["priority"]; hasPriority {
			t.Fatalf("zero priority must be omitted, got %+v", input)
		}
		_, _ = w.Write([]byte(`{"data":{"issueCreate":{"success":false,"issue":null}}}`))
	}))
	defer server.Close()

	client := newTestLinearClient(t, server)
	_, err := client.CreateIssue(context.Background(), CreateIssueRequest{TeamID: "team-1", Title: "New issue"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError for unsuccessful mutation, got %v", err)
	}
}

func TestCreateCommentReturnsCreatedComment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, vars := decodeGraphQLRequest(t, r)
		input, _ := vars["input"].(map[string]any)
		if input["issueId"] != "issue-1" || input["body"] != "mirrored" {
			t.Fatalf("unexpected comment input: %+v", input)
		}
		_, _ = w.Write([]byte(`{"data":{"commentCreate":{"success":true,"comment":{"id":"cmt-1","body":"mirrored","createdAt":"2024-05-01T10:00:00Z","updatedAt":"2024-05-01T10:00:00Z"}}}}`))
	}))
	defer server.Close()

	client := newTestLinearClient(t, server)
	comment, err := client.CreateComment(context.Background(), "issue-1", "mirrored")
	if err != nil {
		t.Fatalf("create comment failed: %v", err)
	}
	if comment.ID != "cmt-1" || comment.Body != "mirrored" {
		t.Fatalf("unexpected comment: %+v", comment)
	}
}

func containsAll(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}
