package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/releasetools/ascsync/internal/config"
	"github.com/releasetools/ascsync/internal/notify"
)

// Deploy submits the latest eligible TestFlight build for App Store review,
// at most one submission in flight at a time.
type Deploy struct {
	registry            Registry
	notifier            notify.Notifier
	workflow            string
	resubmitOnRejection bool
	dryRun              bool
}

// NewDeploy creates the deploy reconciler.
func NewDeploy(registry Registry, notifier notify.Notifier, cfg *config.Config) *Deploy {
	return &Deploy{
		registry:            registry,
		notifier:            notifier,
		workflow:            cfg.Workflow,
		resubmitOnRejection: cfg.ResubmitOnRejection,
		dryRun:              cfg.DryRun,
	}
}

// Reconcile runs one deploy poll. Expected nothing-to-do conditions return
// nil; remote failures return an error and abort the run. Partial
// completion is recoverable on the next poll because every mutation is
// idempotent or overwriting.
func (d *Deploy) Reconcile(ctx context.Context) error {
	inReview, err := d.registry.BuildInReview(ctx)
	if err != nil {
		return fmt.Errorf("failed to check review state: %w", err)
	}
	if inReview != nil {
		slog.Info("A version is already in review, not submitting",
			"version", inReview.VersionString,
			"state", inReview.State)
		return nil
	}

	rejected, err := d.registry.RejectedVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to check rejection state: %w", err)
	}
	if rejected != nil {
		if !d.resubmitOnRejection {
			slog.Info("A version was rejected, not submitting",
				"version", rejected.VersionString,
				"state", rejected.State)
			return nil
		}
		slog.Info("Proceeding past rejected version per resubmission policy",
			"version", rejected.VersionString,
			"state", rejected.State)
	}

	// The workflow restriction is applied during candidate selection, not
	// after it: a newer build from an unrelated pipeline must not shadow
	// the configured workflow's builds.
	candidate, err := d.registry.LatestEligibleBetaBuild(ctx, d.workflow)
	if err != nil {
		return fmt.Errorf("failed to find eligible build: %w", err)
	}
	if candidate == nil {
		slog.Info("No eligible beta build on the configured workflow, nothing to do",
			"workflow", d.workflow)
		return nil
	}

	ref, err := d.registry.CommitForBuild(ctx, candidate.BuildNumber)
	if err != nil {
		return fmt.Errorf("failed to resolve commit for build %s: %w", candidate.BuildNumber, err)
	}

	var cr *notify.ChangeRequest
	if ref.Found {
		cr, err = d.notifier.FindChangeRequest(ctx, ref.Commit)
		if err != nil {
			// Notes degrade gracefully; the submission itself must not
			// depend on the change-request host being reachable.
			slog.Warn("Failed to find change request for commit",
				"commit", ref.Commit,
				"error", err)
		}
	}
	notes := notify.ExtractReleaseNotes(cr)

	slog.Info("Submitting build for review",
		"version", candidate.Version,
		"build", candidate.BuildNumber,
		"beta_state", candidate.BetaState,
		"dry_run", d.dryRun)

	if d.dryRun {
		slog.Info("Dry run: would create version, attach build, set notes, and submit",
			"version", candidate.Version,
			"build", candidate.BuildNumber,
			"notes", notes)
		return nil
	}

	version, err := d.registry.GetOrCreateVersion(ctx, candidate.Version)
	if err != nil {
		return fmt.Errorf("failed to get or create version %s: %w", candidate.Version, err)
	}
	if err := d.registry.SelectBuild(ctx, version.ID, candidate.BuildID); err != nil {
		return err
	}
	if err := d.registry.SetReleaseNotes(ctx, version.ID, notes, ""); err != nil {
		return err
	}
	if err := d.registry.SubmitForReview(ctx, version.ID); err != nil {
		return err
	}
	slog.Info("Submitted version for review",
		"version", candidate.Version,
		"build", candidate.BuildNumber)

	if cr != nil {
		comment := fmt.Sprintf("Submitted version %s (build %s) for App Store review.",
			candidate.Version, candidate.BuildNumber)
		if err := d.notifier.PostComment(ctx, cr.Number, comment); err != nil {
			// Best effort: the submission already happened.
			slog.Warn("Failed to comment on change request",
				"change_request", cr.Number,
				"error", err)
		}
	}
	return nil
}
