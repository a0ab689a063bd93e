package tagstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v74/github"
)

// githubStore implements Store against the GitHub git-data API. It needs no
// local clone; tag and commit state live on the hosting side.
type githubStore struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubStore creates a Store backed by the GitHub API.
func NewGitHubStore(client *github.Client, owner, repo string) Store {
	return &githubStore{client: client, owner: owner, repo: repo}
}

// TagExists reports whether the tag ref exists.
func (s *githubStore) TagExists(ctx context.Context, name string) (bool, error) {
	_, resp, err := s.client.Git.GetRef(ctx, s.owner, s.repo, "tags/"+name)
	if err != nil {
		if isNotFound(resp, err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up tag %s: %w", name, err)
	}
	return true, nil
}

// CommitExists reports whether the commit exists in the repository.
func (s *githubStore) CommitExists(ctx context.Context, sha string) (bool, error) {
	_, resp, err := s.client.Git.GetCommit(ctx, s.owner, s.repo, sha)
	if err != nil {
		if isNotFound(resp, err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up commit %s: %w", sha, err)
	}
	return true, nil
}

// ResolveRef resolves a branch name to its head commit. The hosted
// repository is the remote, so the branch namespace is the only candidate;
// an unknown ref is ErrRefNotFound, never some other branch's head.
func (s *githubStore) ResolveRef(ctx context.Context, ref string) (string, error) {
	gitRef, resp, err := s.client.Git.GetRef(ctx, s.owner, s.repo, "heads/"+ref)
	if err != nil {
		if isNotFound(resp, err) {
			return "", fmt.Errorf("%w: %s", ErrRefNotFound, ref)
		}
		return "", fmt.Errorf("failed to resolve ref %s: %w", ref, err)
	}
	if gitRef.GetObject().GetSHA() == "" {
		return "", fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	return gitRef.GetObject().GetSHA(), nil
}

// CreateTag creates an annotated tag object and its ref. A ref that already
// exists is treated as success.
func (s *githubStore) CreateTag(ctx context.Context, name, commitSHA, message string) error {
	tag, _, err := s.client.Git.CreateTag(ctx, s.owner, s.repo, &github.Tag{
		Tag:     github.Ptr(name),
		Message: github.Ptr(message),
		Object: &github.GitObject{
			SHA:  github.Ptr(commitSHA),
			Type: github.Ptr("commit"),
		},
		Tagger: &github.CommitAuthor{
			Name:  github.Ptr("ascsync"),
			Email: github.Ptr("ascsync@localhost"),
			Date:  &github.Timestamp{Time: time.Now()},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create tag object %s: %w", name, err)
	}

	_, resp, err := s.client.Git.CreateRef(ctx, s.owner, s.repo, &github.Reference{
		Ref:    github.Ptr("refs/tags/" + name),
		Object: &github.GitObject{SHA: tag.SHA},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			// Ref already exists: the losing side of a concurrent create.
			return nil
		}
		return fmt.Errorf("failed to create tag ref %s: %w", name, err)
	}
	return nil
}

func isNotFound(resp *github.Response, err error) bool {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return true
	}
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusNotFound
}
