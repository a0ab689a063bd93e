// Package tagstore queries and mutates tag and commit state in the source
// repository. The capability is exposed as a single interface with two
// interchangeable backends: a local clone driven by go-git and the GitHub
// git-data API.
package tagstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-github/v74/github"

	"github.com/releasetools/ascsync/internal/config"
)

// ErrRefNotFound indicates a symbolic reference that resolves neither
// locally nor against the remote-tracking namespace.
var ErrRefNotFound = errors.New("reference not found")

// Store is the repository tag/commit capability used by the reconcilers.
type Store interface {
	// TagExists reports whether the named tag exists
	TagExists(ctx context.Context, name string) (bool, error)

	// CommitExists reports whether the commit is present in history
	CommitExists(ctx context.Context, sha string) (bool, error)

	// ResolveRef resolves a symbolic reference to a full commit hash,
	// trying the local branch namespace before the remote-tracking one
	ResolveRef(ctx context.Context, ref string) (string, error)

	// CreateTag creates an annotated tag at the commit and publishes it
	CreateTag(ctx context.Context, name, commitSHA, message string) error
}

// New selects a Store backend from configuration.
func New(cfg *config.Config) (Store, error) {
	switch cfg.TagStore {
	case config.TagStoreLocal:
		return NewLocalStore(cfg.Repo)
	case config.TagStoreGitHub:
		client := github.NewClient(nil).WithAuthToken(cfg.Repo.Token)
		return NewGitHubStore(client, cfg.Repo.Owner, cfg.Repo.Name), nil
	default:
		return nil, fmt.Errorf("unknown tag store type: %s", cfg.TagStore)
	}
}
