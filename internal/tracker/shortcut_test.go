package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestShortcutClient(t *testing.T, server *httptest.Server) *ShortcutClient {
	t.Helper()
	client, err := NewShortcutClient(ShortcutClientOptions{
		BaseURL:    server.URL,
		Token:      "sc-token",
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new shortcut client: %v", err)
	}
	return client
}

func TestNewShortcutClientRequiresToken(t *testing.T) {
	_, err := NewShortcutClient(ShortcutClientOptions{Token: "   "})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestShortcutClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Shortcut-Token") != "sc-token" {
			t.Fatalf("expected token header, got %q", r.Header.Get("Shortcut-Token"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"member-1","role":"owner","profile":{"name":"Ada"}}`))
	}))
	defer server.Close()

	client := newTestShortcutClient(t, server)
	member, err := client.CurrentMember(context.Background())
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if member.ID != "member-1" || member.Profile.Name != "Ada" {
		t.Fatalf("unexpected member decoded: %+v", member)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestShortcutClientHonorsRetryAfterOn429(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := newTestShortcutClient(t, server)
	if _, err := client.ListWorkflows(context.Background()); err != nil {
		t.Fatalf("expected 429 retry to succeed, got error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestShortcutClientSurfacesAPIErrorMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"name is required"}`))
	}))
	defer server.Close()

	client := newTestShortcutClient(t, server)
	_, err := client.CreateStory(context.Background(), CreateStoryRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Message != "name is required" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestShortcutClientUnauthorizedMapsToSentinel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"bad token"}`))
	}))
	defer server.Close()

	client := newTestShortcutClient(t, server)
	_, err := client.CurrentMember(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestListStoriesPagesUntilCursorExhausted(t *testing.T) {
	var pages int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stories/search" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			PageSize int    `json:"page_size"`
			Next     string `json:"next"`
			GroupID  string `json:"group_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode search request: %v", err)
		}
		if req.GroupID != "team-a" {
			t.Fatalf("expected group_id team-a, got %q", req.GroupID)
		}
		w.Header().Set("Content-Type", "application/json")
		switch atomic.AddInt32(&pages, 1) {
		case 1:
			if req.Next != "" {
				t.Fatalf("first page should have empty cursor, got %q", req.Next)
			}
			_, _ = w.Write([]byte(`{"data":[{"id":501,"name":"First"}],"next":"cursor-2"}`))
		default:
			if req.Next != "cursor-2" {
				t.Fatalf("second page should carry cursor-2, got %q", req.Next)
			}
			_, _ = w.Write([]byte(`{"data":[{"id":502,"name":"Second"}],"next":""}`))
		}
	}))
	defer server.Close()

	client := newTestShortcutClient(t, server)
	stories, err := client.ListStories(context.Background(), "team-a")
	if err != nil {
		t.Fatalf("list stories failed: %v", err)
	}
	if len(stories) != 2 || stories[0].ID != 501 || stories[1].ID != 502 {
		t.Fatalf("unexpected stories: %+v", stories)
	}
	if atomic.LoadInt32(&pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", atomic.LoadInt32(&pages))
	}
}

func TestListStoryCommentsReadsStoryDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stories/501" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":501,"name":"First","comments":[{"id":9,"text":"hello","author_id":"member-1"}]}`))
	}))
	defer server.Close()

	client := newTestShortcutClient(t, server)
	comments, err := client.ListStoryComments(context.Background(), 501)
	if err != nil {
		t.Fatalf("list story comments failed: %v", err)
	}
	if len(comments) != 1 || comments[0].ID != 9 || comments[0].Text != "hello" {
		t.Fatalf("unexpected comments: %+v", comments)
	}
}

func TestRetryPolicyDelayGrowsAndCaps(t *testing.T) {
	policy := retryPolicy{maxRetries: 5, baseDelay: 100 * time.Millisecond, maxDelay: time.Second}
	if got := policy.delay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("attempt 1 delay = %v", got)
	}
	if got := policy.delay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("attempt 3 delay = %v", got)
	}
	if got := policy.delay(10, ""); got != time.Second {
		t.Fatalf("expected delay capped at max, got %v", got)
	}
	if got := policy.delay(1, "30"); got != time.Second {
		t.Fatalf("expected Retry-After capped at max, got %v", got)
	}
	if got := policy.delay(2, "not-a-number"); got != 200*time.Millisecond {
		t.Fatalf("invalid Retry-After should fall back to backoff, got %v", got)
	}
}

func TestNormalizeLinearToken(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"lin_api_abc", "lin_api_abc"},
		{"Bearer lin_api_abc", "lin_api_abc"},
		{"bearer lin_dev_xyz", "lin_dev_xyz"},
		{"Bearer oauth-token", "Bearer oauth-token"},
		{"  lin_api_abc  ", "lin_api_abc"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeLinearToken(tc.in); got != tc.want {
			t.Fatalf("NormalizeLinearToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
