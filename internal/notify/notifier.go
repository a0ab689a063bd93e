// Package notify finds the change request associated with a commit and
// posts one-time comments to it.
package notify

import (
	"context"
	"regexp"
	"strings"
)

// DefaultReleaseNotes is used when a change request yields no usable notes.
const DefaultReleaseNotes = "Bug fixes and performance improvements."

// ChangeRequest is a merged pull request tied to a shipped commit.
type ChangeRequest struct {
	Number int
	Title  string
	Body   string
}

// Notifier is the change-request capability used by the reconcilers.
type Notifier interface {
	// FindChangeRequest returns the merged change request associated with
	// the commit, or nil when none exists
	FindChangeRequest(ctx context.Context, commitSHA string) (*ChangeRequest, error)

	// PostComment posts a comment on the change request
	PostComment(ctx context.Context, number int, body string) error
}

var releaseNotesHeading = regexp.MustCompile(`(?i)^#{1,6}\s*release notes\s*$`)

// ExtractReleaseNotes pulls release notes out of a change request: the
// "Release Notes" section of the body, falling back to the title, falling
// back to a generic default.
func ExtractReleaseNotes(cr *ChangeRequest) string {
	if cr != nil {
		if section := releaseNotesSection(cr.Body); section != "" {
			return section
		}
		if title := strings.TrimSpace(cr.Title); title != "" {
			return title
		}
	}
	return DefaultReleaseNotes
}

// releaseNotesSection returns the text under a "Release Notes" markdown
// heading, up to the next heading.
func releaseNotesSection(body string) string {
	lines := strings.Split(body, "\n")
	var collected []string
	inSection := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if releaseNotesHeading.MatchString(trimmed) {
			inSection = true
			continue
		}
		if inSection {
			if strings.HasPrefix(trimmed, "#") {
				break
			}
			collected = append(collected, line)
		}
	}
	return strings.TrimSpace(strings.Join(collected, "\n"))
}
