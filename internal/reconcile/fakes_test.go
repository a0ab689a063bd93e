package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/releasetools/ascsync/internal/asc"
	"github.com/releasetools/ascsync/internal/notify"
	"github.com/releasetools/ascsync/internal/tagstore"
)

type fakeRegistry struct {
	live       asc.LiveBuild
	liveErr    error
	inReview   *asc.VersionInfo
	rejected   *asc.VersionInfo
	candidates []*asc.BetaBuild
	commits    map[string]asc.CommitRef

	versions map[string]*asc.VersionInfo

	workflowQueries      []string
	selectBuildCalls     []string
	setReleaseNotesCalls []string
	submitCalls          []string
	getOrCreateCalls     []string
}

func (f *fakeRegistry) LiveProductionBuild(context.Context) (asc.LiveBuild, error) {
	return f.live, f.liveErr
}

func (f *fakeRegistry) BuildInReview(context.Context) (*asc.VersionInfo, error) {
	return f.inReview, nil
}

func (f *fakeRegistry) RejectedVersion(context.Context) (*asc.VersionInfo, error) {
	return f.rejected, nil
}

// LatestEligibleBetaBuild mirrors the real selection contract: candidates
// are held newest-first, and a workflow restriction excludes builds whose
// CI record names another workflow or is missing.
func (f *fakeRegistry) LatestEligibleBetaBuild(_ context.Context, workflow string) (*asc.BetaBuild, error) {
	f.workflowQueries = append(f.workflowQueries, workflow)
	for _, candidate := range f.candidates {
		if workflow != "" {
			ref := f.commits[candidate.BuildNumber]
			if !ref.Found || ref.WorkflowName != workflow {
				continue
			}
		}
		return candidate, nil
	}
	return nil, nil
}

func (f *fakeRegistry) CommitForBuild(_ context.Context, buildNumber string) (asc.CommitRef, error) {
	return f.commits[buildNumber], nil
}

func (f *fakeRegistry) GetOrCreateVersion(_ context.Context, versionString string) (*asc.VersionInfo, error) {
	f.getOrCreateCalls = append(f.getOrCreateCalls, versionString)
	if v, ok := f.versions[versionString]; ok {
		return v, nil
	}
	return &asc.VersionInfo{
		ID:            "v-" + versionString,
		VersionString: versionString,
		State:         asc.StatePrepareForSubmission,
	}, nil
}

func (f *fakeRegistry) SelectBuild(_ context.Context, versionID, buildID string) error {
	f.selectBuildCalls = append(f.selectBuildCalls, versionID+":"+buildID)
	return nil
}

func (f *fakeRegistry) SetReleaseNotes(_ context.Context, versionID, notes, locale string) error {
	f.setReleaseNotesCalls = append(f.setReleaseNotesCalls, fmt.Sprintf("%s|%s|%s", versionID, notes, locale))
	return nil
}

func (f *fakeRegistry) SubmitForReview(_ context.Context, versionID string) error {
	f.submitCalls = append(f.submitCalls, versionID)
	return nil
}

type fakeTagStore struct {
	tags    map[string]bool
	commits map[string]bool
	refs    map[string]string

	tagExistsCalls []string
	createdTags    []string
	createErr      error
}

func (f *fakeTagStore) TagExists(_ context.Context, name string) (bool, error) {
	f.tagExistsCalls = append(f.tagExistsCalls, name)
	return f.tags[name], nil
}

func (f *fakeTagStore) CommitExists(_ context.Context, sha string) (bool, error) {
	return f.commits[sha], nil
}

func (f *fakeTagStore) ResolveRef(_ context.Context, ref string) (string, error) {
	if sha, ok := f.refs[ref]; ok {
		return sha, nil
	}
	return "", fmt.Errorf("%w: %s", tagstore.ErrRefNotFound, ref)
}

func (f *fakeTagStore) CreateTag(_ context.Context, name, commitSHA, message string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.createdTags = append(f.createdTags, fmt.Sprintf("%s@%s: %s", name, commitSHA, message))
	f.tags[name] = true
	return nil
}

type fakeNotifier struct {
	byCommit map[string]*notify.ChangeRequest

	comments   []string
	commentErr error
	findErr    error
}

func (f *fakeNotifier) FindChangeRequest(_ context.Context, commitSHA string) (*notify.ChangeRequest, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.byCommit[commitSHA], nil
}

func (f *fakeNotifier) PostComment(_ context.Context, number int, body string) error {
	if f.commentErr != nil {
		return f.commentErr
	}
	f.comments = append(f.comments, fmt.Sprintf("#%d: %s", number, body))
	return nil
}

var errRemote = errors.New("remote unavailable")
