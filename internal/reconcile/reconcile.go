// Package reconcile decides, per poll, which one-shot side effects are
// still owed against the remote build pipeline — review submissions,
// release tags, change-request comments — and performs them exactly once.
package reconcile

import (
	"context"

	"github.com/releasetools/ascsync/internal/asc"
)

// Registry is the App Store Connect surface the reconcilers consume.
// *asc.Client implements it.
type Registry interface {
	LiveProductionBuild(ctx context.Context) (asc.LiveBuild, error)
	BuildInReview(ctx context.Context) (*asc.VersionInfo, error)
	RejectedVersion(ctx context.Context) (*asc.VersionInfo, error)
	LatestEligibleBetaBuild(ctx context.Context, workflow string) (*asc.BetaBuild, error)
	CommitForBuild(ctx context.Context, buildNumber string) (asc.CommitRef, error)
	GetOrCreateVersion(ctx context.Context, versionString string) (*asc.VersionInfo, error)
	SelectBuild(ctx context.Context, versionID, buildID string) error
	SetReleaseNotes(ctx context.Context, versionID, notes, locale string) error
	SubmitForReview(ctx context.Context, versionID string) error
}
