package syncer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goodbyeshortcut/trackbridge/internal/tracker"
)

// markerSentinel opens every cross-reference footer this engine writes.
// Strip-before-compare, re-append-on-write keeps items at exactly one
// footer no matter how often they bounce between systems.
const markerSentinel = "Synced by Goodbye Shortcut"

var (
	shortcutStoryIDPattern   = regexp.MustCompile(`(?i)Shortcut Story ID:\s*(\d+)`)
	linearIssueIDPattern     = regexp.MustCompile(`(?i)Linear Issue ID:\s*([A-Za-z0-9\-_]+)`)
	shortcutCommentIDPattern = regexp.MustCompile(`(?i)Shortcut Comment ID:\s*(\d+)`)
	linearCommentIDPattern   = regexp.MustCompile(`(?i)Linear Comment ID:\s*([A-Za-z0-9\-_]+)`)
)

func ExtractShortcutStoryID(text string) (int, bool) {
	match := shortcutStoryIDPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}
	id, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

func ExtractLinearIssueID(text string) (string, bool) {
	match := linearIssueIDPattern.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	return match[1], true
}

func ExtractShortcutCommentID(text string) (int, bool) {
	match := shortcutCommentIDPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}
	id, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

func ExtractLinearCommentID(text string) (string, bool) {
	match := linearCommentIDPattern.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// StripMarker removes the footer and everything after it. Idempotent:
// stripping already-stripped text is a no-op.
func StripMarker(text string) string {
	value := strings.TrimSpace(text)
	if index := strings.Index(value, "---\n"+markerSentinel); index >= 0 {
		return strings.TrimSpace(value[:index])
	}
	return value
}

func appendMarker(body string, lines []string) string {
	footer := strings.Join(append([]string{"---", markerSentinel}, lines...), "\n")
	if body == "" {
		return footer
	}
	return body + "\n\n" + footer
}

func markerTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// BuildLinearDescription renders the issue body for a story: the
// story's own text with any stale footer removed, plus a fresh footer
// pointing back at the story.
func BuildLinearDescription(story tracker.Story) string {
	return appendMarker(StripMarker(story.Description), []string{
		fmt.Sprintf("Shortcut Story ID: %d", story.ID),
		fmt.Sprintf("Shortcut Story URL: https://app.shortcut.com/story/%d", story.ID),
		fmt.Sprintf("Shortcut Story Type: %s", story.StoryType),
		fmt.Sprintf("Shortcut Updated At: %s", markerTime(story.UpdatedAt)),
	})
}

// BuildShortcutDescription is the mirror of BuildLinearDescription.
func BuildShortcutDescription(issue tracker.Issue) string {
	return appendMarker(StripMarker(issue.Description), []string{
		fmt.Sprintf("Linear Issue ID: %s", issue.ID),
		fmt.Sprintf("Linear Issue Identifier: %s", issue.Identifier),
		fmt.Sprintf("Linear Issue URL: https://linear.app/issue/%s", issue.Identifier),
		fmt.Sprintf("Linear Updated At: %s", markerTime(issue.UpdatedAt)),
	})
}

func BuildLinearCommentBody(comment tracker.StoryComment) string {
	return appendMarker(strings.TrimSpace(comment.Text), []string{
		fmt.Sprintf("Shortcut Comment ID: %d", comment.ID),
		fmt.Sprintf("Shortcut Comment Author ID: %s", comment.AuthorID),
		fmt.Sprintf("Shortcut Comment Created At: %s", markerTime(comment.CreatedAt)),
		fmt.Sprintf("Shortcut Comment Updated At: %s", markerTime(comment.UpdatedAt)),
	})
}

func BuildShortcutCommentText(comment tracker.IssueComment) string {
	return appendMarker(strings.TrimSpace(comment.Body), []string{
		fmt.Sprintf("Linear Comment ID: %s", comment.ID),
		fmt.Sprintf("Linear Comment Author ID: %s", comment.UserID),
		fmt.Sprintf("Linear Comment Created At: %s", markerTime(comment.CreatedAt)),
		fmt.Sprintf("Linear Comment Updated At: %s", markerTime(comment.UpdatedAt)),
	})
}
