package tagstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/releasetools/ascsync/internal/config"
)

const remoteName = "origin"

// localStore implements Store against a local clone using go-git.
type localStore struct {
	repo  *git.Repository
	token string
}

// NewLocalStore opens the clone at cfg.Path.
func NewLocalStore(cfg config.RepoConfig) (Store, error) {
	repo, err := git.PlainOpen(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", cfg.Path, err)
	}
	return &localStore{repo: repo, token: cfg.Token}, nil
}

// TagExists reports whether the named tag exists.
func (s *localStore) TagExists(_ context.Context, name string) (bool, error) {
	_, err := s.repo.Tag(name)
	if err != nil {
		if errors.Is(err, git.ErrTagNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up tag %s: %w", name, err)
	}
	return true, nil
}

// CommitExists reports whether the commit is present in local history.
func (s *localStore) CommitExists(_ context.Context, sha string) (bool, error) {
	_, err := s.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up commit %s: %w", sha, err)
	}
	return true, nil
}

// ResolveRef resolves a symbolic reference, trying it as-is (which covers
// local branches) and then against the remote-tracking namespace.
func (s *localStore) ResolveRef(_ context.Context, ref string) (string, error) {
	for _, candidate := range []string{ref, remoteName + "/" + ref} {
		hash, err := s.repo.ResolveRevision(plumbing.Revision(candidate))
		if err == nil {
			return hash.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrRefNotFound, ref)
}

// CreateTag creates an annotated tag at the commit and pushes it to the
// remote. A push that finds the tag already present is treated as success:
// tag names are unique per version and build, so the loser of a concurrent
// create changed nothing.
func (s *localStore) CreateTag(ctx context.Context, name, commitSHA, message string) error {
	_, err := s.repo.CreateTag(name, plumbing.NewHash(commitSHA), &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "ascsync",
			Email: "ascsync@localhost",
			When:  time.Now(),
		},
		Message: message,
	})
	if err != nil {
		if errors.Is(err, git.ErrTagExists) {
			slog.Info("Tag already exists locally", "tag", name)
		} else {
			return fmt.Errorf("failed to create tag %s: %w", name, err)
		}
	}

	refSpec := gitcfg.RefSpec(fmt.Sprintf("refs/tags/%s:refs/tags/%s", name, name))
	pushOpts := &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitcfg.RefSpec{refSpec},
	}
	if s.token != "" {
		pushOpts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: s.token}
	}

	if err := s.repo.PushContext(ctx, pushOpts); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			slog.Info("Tag already present on remote", "tag", name)
			return nil
		}
		return fmt.Errorf("failed to push tag %s: %w", name, err)
	}
	return nil
}
