package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/releasetools/ascsync/internal/config"
	"github.com/releasetools/ascsync/internal/notify"
	"github.com/releasetools/ascsync/internal/tagstore"
)

// versionPattern is the accepted shape of a marketing version string.
var versionPattern = regexp.MustCompile(`^\d+\.\d+(\.\d+)?$`)

var fullSHAPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// TagName is the canonical release tag for a version and build number.
func TagName(version, buildNumber string) string {
	return fmt.Sprintf("v%s-%s", version, buildNumber)
}

// ReleaseSync records newly-live builds as annotated tags and notifies the
// merged change request, exactly once per (version, build) pair. The tag's
// existence is the durable idempotency marker: once it is present, every
// downstream step is skipped forever, even if an earlier run died between
// tagging and commenting.
type ReleaseSync struct {
	registry Registry
	tags     tagstore.Store
	notifier notify.Notifier
	dryRun   bool
}

// NewReleaseSync creates the release-sync reconciler.
func NewReleaseSync(registry Registry, tags tagstore.Store, notifier notify.Notifier, cfg *config.Config) *ReleaseSync {
	return &ReleaseSync{
		registry: registry,
		tags:     tags,
		notifier: notifier,
		dryRun:   cfg.DryRun,
	}
}

// Reconcile runs one release-sync poll.
func (r *ReleaseSync) Reconcile(ctx context.Context) error {
	live, err := r.registry.LiveProductionBuild(ctx)
	if err != nil {
		return fmt.Errorf("failed to query live build: %w", err)
	}
	if !live.Live || live.BuildNumber == "0" {
		slog.Info("No live production build, nothing to do")
		return nil
	}

	if !versionPattern.MatchString(live.Version) {
		return fmt.Errorf("live version string %q is not a valid version", live.Version)
	}

	tag := TagName(live.Version, live.BuildNumber)
	exists, err := r.tags.TagExists(ctx, tag)
	if err != nil {
		return fmt.Errorf("failed to check tag %s: %w", tag, err)
	}
	if exists {
		slog.Info("Release already tagged", "tag", tag)
		return nil
	}

	ref, err := r.registry.CommitForBuild(ctx, live.BuildNumber)
	if err != nil {
		return fmt.Errorf("failed to resolve commit for build %s: %w", live.BuildNumber, err)
	}
	if !ref.Found {
		slog.Info("Build predates commit tracking, skipping",
			"build", live.BuildNumber)
		return nil
	}

	commit := ref.Commit
	if !fullSHAPattern.MatchString(commit) {
		resolved, err := r.tags.ResolveRef(ctx, commit)
		if err != nil {
			if errors.Is(err, tagstore.ErrRefNotFound) {
				slog.Info("Symbolic commit reference does not resolve, skipping",
					"ref", commit,
					"build", live.BuildNumber)
				return nil
			}
			return fmt.Errorf("failed to resolve ref %s: %w", commit, err)
		}
		commit = resolved
	}

	exists, err = r.tags.CommitExists(ctx, commit)
	if err != nil {
		return fmt.Errorf("failed to check commit %s: %w", commit, err)
	}
	if !exists {
		// The remote claims this commit shipped but history disagrees.
		return fmt.Errorf("commit %s for build %s is not in repository history", commit, live.BuildNumber)
	}

	message := fmt.Sprintf("Production release: version %s, build %s", live.Version, live.BuildNumber)
	if r.dryRun {
		slog.Info("Dry run: would create and push tag",
			"tag", tag,
			"commit", commit,
			"message", message)
	} else {
		if err := r.tags.CreateTag(ctx, tag, commit, message); err != nil {
			return err
		}
		slog.Info("Created release tag", "tag", tag, "commit", commit)
	}

	cr, err := r.notifier.FindChangeRequest(ctx, commit)
	if err != nil {
		// Best effort from here on: the tag is already durable.
		slog.Warn("Failed to find change request for released commit",
			"commit", commit,
			"error", err)
		return nil
	}
	if cr == nil {
		slog.Info("No change request associated with released commit", "commit", commit)
		return nil
	}

	comment := fmt.Sprintf("Released to the App Store in version %s (build %s).",
		live.Version, live.BuildNumber)
	if r.dryRun {
		slog.Info("Dry run: would comment on change request",
			"change_request", cr.Number,
			"comment", comment)
		return nil
	}
	if err := r.notifier.PostComment(ctx, cr.Number, comment); err != nil {
		slog.Warn("Failed to comment on change request",
			"change_request", cr.Number,
			"error", err)
	}
	return nil
}
