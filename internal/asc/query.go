package asc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
)

// listPageSize bounds every list request to a single page. No list call
// paginates further; the versions, builds, and build runs relevant to one
// poll sit well inside a page of this size.
const listPageSize = 200

// commitFieldCandidates are the keys under which a CI build run may expose
// its source commit when the field is a structured object rather than a
// plain string. First non-empty wins.
var commitFieldCandidates = []string{
	"sha",
	"commitSha",
	"commit.sha",
	"hash",
	"id",
}

// AppID resolves the target app, caching the result. Resolution order:
// explicit configured ID, then bundle ID lookup with exact-name
// disambiguation when several apps share the bundle ID.
func (c *Client) AppID(ctx context.Context) (string, error) {
	if c.app.ID != "" {
		return c.app.ID, nil
	}
	if c.appID != "" {
		return c.appID, nil
	}

	query := url.Values{}
	query.Set("filter[bundleId]", c.app.BundleID)
	payload, err := c.request(ctx, http.MethodGet, "/v1/apps", query, nil)
	if err != nil {
		return "", fmt.Errorf("failed to look up app %s: %w", c.app.BundleID, err)
	}

	var resp listResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", fmt.Errorf("failed to decode apps response: %w", err)
	}
	if len(resp.Data) == 0 {
		return "", fmt.Errorf("no app found for bundle ID %s", c.app.BundleID)
	}

	if len(resp.Data) == 1 {
		c.appID = resp.Data[0].ID
		return c.appID, nil
	}

	if c.app.Name == "" {
		return "", fmt.Errorf("bundle ID %s matches %d apps and no app name is configured",
			c.app.BundleID, len(resp.Data))
	}
	for _, res := range resp.Data {
		var attrs appAttributes
		if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
			continue
		}
		if attrs.Name == c.app.Name {
			c.appID = res.ID
			return c.appID, nil
		}
	}
	return "", fmt.Errorf("bundle ID %s matches %d apps, none named %q",
		c.app.BundleID, len(resp.Data), c.app.Name)
}

// LiveProductionBuild returns the first READY_FOR_SALE version in API
// response order, or {Live:false, BuildNumber:"0"} when none exists. First
// match wins; API ordering is not assumed chronological.
func (c *Client) LiveProductionBuild(ctx context.Context) (LiveBuild, error) {
	live, err := c.firstVersionInStates(ctx, map[string]bool{StateReadyForSale: true})
	if err != nil {
		return LiveBuild{}, err
	}
	if live == nil {
		return LiveBuild{Live: false, BuildNumber: "0"}, nil
	}

	buildNumber, err := c.versionBuildNumber(ctx, live.ID)
	if err != nil {
		return LiveBuild{}, err
	}
	if buildNumber == "" {
		buildNumber = "0"
	}
	return LiveBuild{Live: true, Version: live.VersionString, BuildNumber: buildNumber}, nil
}

// BuildInReview returns the first version currently in the review pipeline,
// or nil when there is none.
func (c *Client) BuildInReview(ctx context.Context) (*VersionInfo, error) {
	return c.firstVersionInStates(ctx, reviewStates)
}

// RejectedVersion returns the first version in a rejected state, or nil.
func (c *Client) RejectedVersion(ctx context.Context) (*VersionInfo, error) {
	return c.firstVersionInStates(ctx, rejectedStates)
}

// LatestEligibleBetaBuild scans builds newest-first and returns the first
// valid, non-expired build that is neither live nor in review, together
// with its pre-release version string and beta state. A non-empty workflow
// restricts candidates to builds produced by that workflow, so builds from
// unrelated pipelines never shadow the ones this reconciler manages; a
// build with no CI run record cannot prove its workflow and is likewise
// excluded. Returns nil when no candidate remains.
func (c *Client) LatestEligibleBetaBuild(ctx context.Context, workflow string) (*BetaBuild, error) {
	appID, err := c.AppID(ctx)
	if err != nil {
		return nil, err
	}

	excluded := map[string]bool{}
	live, err := c.LiveProductionBuild(ctx)
	if err != nil {
		return nil, err
	}
	if live.Live {
		excluded[live.BuildNumber] = true
	}
	inReview, err := c.BuildInReview(ctx)
	if err != nil {
		return nil, err
	}
	if inReview != nil {
		reviewBuild, err := c.versionBuildNumber(ctx, inReview.ID)
		if err != nil {
			return nil, err
		}
		if reviewBuild != "" {
			excluded[reviewBuild] = true
		}
	}

	query := url.Values{}
	query.Set("filter[app]", appID)
	query.Set("sort", "-uploadedDate")
	query.Set("limit", fmt.Sprint(listPageSize))
	payload, err := c.request(ctx, http.MethodGet, "/v1/builds", query, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}

	var resp listResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode builds response: %w", err)
	}

	for _, res := range resp.Data {
		var attrs buildAttributes
		if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
			continue
		}
		if attrs.ProcessingState != ProcessingStateValid || attrs.Expired {
			continue
		}
		if excluded[attrs.Version] {
			continue
		}

		if workflow != "" {
			ref, err := c.CommitForBuild(ctx, attrs.Version)
			if err != nil {
				return nil, err
			}
			if !ref.Found || ref.WorkflowName != workflow {
				slog.Debug("Skipping build outside the configured workflow",
					"build", attrs.Version,
					"workflow", ref.WorkflowName,
					"configured_workflow", workflow)
				continue
			}
		}

		candidate := &BetaBuild{BuildID: res.ID, BuildNumber: attrs.Version}

		prerelease, err := c.request(ctx, http.MethodGet,
			"/v1/builds/"+res.ID+"/preReleaseVersion", nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get pre-release version for build %s: %w", res.ID, err)
		}
		if prerelease != nil {
			var single singleResponse
			if err := json.Unmarshal(prerelease, &single); err == nil {
				var pv preReleaseVersionAttributes
				if err := json.Unmarshal(single.Data.Attributes, &pv); err == nil {
					candidate.Version = pv.Version
				}
			}
		}

		detail, err := c.request(ctx, http.MethodGet,
			"/v1/builds/"+res.ID+"/buildBetaDetail", nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get beta detail for build %s: %w", res.ID, err)
		}
		if detail != nil {
			var single singleResponse
			if err := json.Unmarshal(detail, &single); err == nil {
				var bd betaDetailAttributes
				if err := json.Unmarshal(single.Data.Attributes, &bd); err == nil {
					candidate.BetaState = bd.ExternalBuildState
				}
			}
		}

		return candidate, nil
	}
	return nil, nil
}

// BuildByNumber looks up a single build by its build number.
func (c *Client) BuildByNumber(ctx context.Context, buildNumber string) (*Build, error) {
	appID, err := c.AppID(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("filter[app]", appID)
	query.Set("filter[version]", buildNumber)
	query.Set("limit", "1")
	payload, err := c.request(ctx, http.MethodGet, "/v1/builds", query, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to look up build %s: %w", buildNumber, err)
	}

	var resp listResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode builds response: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}

	var attrs buildAttributes
	if err := json.Unmarshal(resp.Data[0].Attributes, &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode build attributes: %w", err)
	}
	return &Build{
		ID:              resp.Data[0].ID,
		BuildNumber:     attrs.Version,
		ProcessingState: attrs.ProcessingState,
		Expired:         attrs.Expired,
	}, nil
}

// CommitForBuild cross-references Xcode Cloud build-run history against the
// given build number and extracts the run's source commit. The scan walks
// every product's workflows and up to 200 newest runs per workflow; counts
// are small and this runs on a coarse polling interval.
func (c *Client) CommitForBuild(ctx context.Context, buildNumber string) (CommitRef, error) {
	appID, err := c.AppID(ctx)
	if err != nil {
		return CommitRef{}, err
	}

	query := url.Values{}
	query.Set("filter[app]", appID)
	products, err := c.request(ctx, http.MethodGet, "/v1/ciProducts", query, nil)
	if err != nil {
		return CommitRef{}, fmt.Errorf("failed to list CI products: %w", err)
	}

	var productList listResponse
	if err := json.Unmarshal(products, &productList); err != nil {
		return CommitRef{}, fmt.Errorf("failed to decode CI products: %w", err)
	}

	for _, product := range productList.Data {
		workflows, err := c.request(ctx, http.MethodGet,
			"/v1/ciProducts/"+product.ID+"/workflows", nil, nil)
		if err != nil {
			return CommitRef{}, fmt.Errorf("failed to list workflows for product %s: %w", product.ID, err)
		}
		var workflowList listResponse
		if err := json.Unmarshal(workflows, &workflowList); err != nil {
			return CommitRef{}, fmt.Errorf("failed to decode workflows: %w", err)
		}

		for _, workflow := range workflowList.Data {
			var wfAttrs workflowAttributes
			_ = json.Unmarshal(workflow.Attributes, &wfAttrs)

			runQuery := url.Values{}
			runQuery.Set("limit", fmt.Sprint(listPageSize))
			runQuery.Set("sort", "-number")
			runs, err := c.request(ctx, http.MethodGet,
				"/v1/ciWorkflows/"+workflow.ID+"/buildRuns", runQuery, nil)
			if err != nil {
				return CommitRef{}, fmt.Errorf("failed to list build runs for workflow %s: %w", workflow.ID, err)
			}

			for _, run := range gjson.GetBytes(runs, "data").Array() {
				if run.Get("attributes.number").String() != buildNumber {
					continue
				}
				commit := extractCommit(run.Get("attributes.sourceCommit"))
				if commit == "" {
					slog.Warn("Build run matched but carries no usable source commit",
						"build", buildNumber,
						"workflow", wfAttrs.Name)
					return CommitRef{}, nil
				}
				return CommitRef{
					Found:        true,
					Commit:       commit,
					WorkflowID:   workflow.ID,
					WorkflowName: wfAttrs.Name,
				}, nil
			}
		}
	}
	return CommitRef{}, nil
}

// extractCommit pulls the commit reference out of a build run's
// source-commit field, which may be a plain string or an object exposing
// the commit under one of several key names.
func extractCommit(field gjson.Result) string {
	if !field.Exists() {
		return ""
	}
	if field.Type == gjson.String {
		return field.String()
	}
	for _, key := range commitFieldCandidates {
		if v := field.Get(key); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// firstVersionInStates returns the first app store version whose state is in
// the given set, in API response order.
func (c *Client) firstVersionInStates(ctx context.Context, states map[string]bool) (*VersionInfo, error) {
	appID, err := c.AppID(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("limit", fmt.Sprint(listPageSize))
	payload, err := c.request(ctx, http.MethodGet,
		"/v1/apps/"+appID+"/appStoreVersions", query, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list app store versions: %w", err)
	}

	var resp listResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode app store versions: %w", err)
	}

	for _, res := range resp.Data {
		var attrs versionAttributes
		if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
			continue
		}
		if states[attrs.AppStoreState] {
			return &VersionInfo{
				ID:            res.ID,
				VersionString: attrs.VersionString,
				State:         attrs.AppStoreState,
			}, nil
		}
	}
	return nil, nil
}

// versionBuildNumber returns the build number attached to a version, or ""
// when no build is attached.
func (c *Client) versionBuildNumber(ctx context.Context, versionID string) (string, error) {
	payload, err := c.request(ctx, http.MethodGet,
		"/v1/appStoreVersions/"+versionID+"/build", nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return "", nil
		}
		return "", fmt.Errorf("failed to get build for version %s: %w", versionID, err)
	}
	if payload == nil {
		return "", nil
	}

	var resp singleResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", fmt.Errorf("failed to decode version build: %w", err)
	}
	if resp.Data.ID == "" || len(resp.Data.Attributes) == 0 {
		return "", nil
	}
	var attrs buildAttributes
	if err := json.Unmarshal(resp.Data.Attributes, &attrs); err != nil {
		return "", fmt.Errorf("failed to decode build attributes: %w", err)
	}
	return attrs.Version, nil
}
