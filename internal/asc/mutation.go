package asc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrNoSubmissionFound indicates a review cancellation was requested for a
// version with no active submission.
var ErrNoSubmissionFound = errors.New("no active review submission found")

// DefaultLocale is the localization used for release notes when none is
// configured.
const DefaultLocale = "en-US"

type relationshipData struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type relationship struct {
	Data relationshipData `json:"data"`
}

// GetOrCreateVersion returns the existing app store version for
// versionString, creating one in PREPARE_FOR_SUBMISSION when absent. The
// lookup-then-create split makes the operation idempotent across partially
// completed runs.
func (c *Client) GetOrCreateVersion(ctx context.Context, versionString string) (*VersionInfo, error) {
	appID, err := c.AppID(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("filter[versionString]", versionString)
	query.Set("limit", "1")
	payload, err := c.request(ctx, http.MethodGet,
		"/v1/apps/"+appID+"/appStoreVersions", query, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to look up version %s: %w", versionString, err)
	}

	var list listResponse
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("failed to decode version lookup: %w", err)
	}
	if len(list.Data) > 0 {
		var attrs versionAttributes
		if err := json.Unmarshal(list.Data[0].Attributes, &attrs); err != nil {
			return nil, fmt.Errorf("failed to decode version attributes: %w", err)
		}
		return &VersionInfo{
			ID:            list.Data[0].ID,
			VersionString: attrs.VersionString,
			State:         attrs.AppStoreState,
		}, nil
	}

	body := map[string]any{
		"data": map[string]any{
			"type": "appStoreVersions",
			"attributes": map[string]any{
				"platform":      "IOS",
				"versionString": versionString,
			},
			"relationships": map[string]any{
				"app": relationship{Data: relationshipData{Type: "apps", ID: appID}},
			},
		},
	}
	created, err := c.request(ctx, http.MethodPost, "/v1/appStoreVersions", nil, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create version %s: %w", versionString, err)
	}

	var single singleResponse
	if err := json.Unmarshal(created, &single); err != nil {
		return nil, fmt.Errorf("failed to decode created version: %w", err)
	}
	return &VersionInfo{
		ID:            single.Data.ID,
		VersionString: versionString,
		State:         StatePrepareForSubmission,
	}, nil
}

// SelectBuild attaches a build to a version. Re-attaching the same build is
// an overwrite, so replays are safe.
func (c *Client) SelectBuild(ctx context.Context, versionID, buildID string) error {
	body := relationship{Data: relationshipData{Type: "builds", ID: buildID}}
	_, err := c.request(ctx, http.MethodPatch,
		"/v1/appStoreVersions/"+versionID+"/relationships/build", nil, body)
	if err != nil {
		return fmt.Errorf("failed to attach build %s to version %s: %w", buildID, versionID, err)
	}
	return nil
}

// SetReleaseNotes upserts the localized "what's new" text for a version:
// the existing localization is patched when present, created otherwise.
func (c *Client) SetReleaseNotes(ctx context.Context, versionID, notes, locale string) error {
	if locale == "" {
		locale = DefaultLocale
	}

	payload, err := c.request(ctx, http.MethodGet,
		"/v1/appStoreVersions/"+versionID+"/appStoreVersionLocalizations", nil, nil)
	if err != nil {
		return fmt.Errorf("failed to list localizations for version %s: %w", versionID, err)
	}

	var list listResponse
	if err := json.Unmarshal(payload, &list); err != nil {
		return fmt.Errorf("failed to decode localizations: %w", err)
	}

	for _, res := range list.Data {
		var attrs localizationAttributes
		if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
			continue
		}
		if attrs.Locale != locale {
			continue
		}
		body := map[string]any{
			"data": map[string]any{
				"type":       "appStoreVersionLocalizations",
				"id":         res.ID,
				"attributes": map[string]any{"whatsNew": notes},
			},
		}
		if _, err := c.request(ctx, http.MethodPatch,
			"/v1/appStoreVersionLocalizations/"+res.ID, nil, body); err != nil {
			return fmt.Errorf("failed to update release notes (%s): %w", locale, err)
		}
		return nil
	}

	body := map[string]any{
		"data": map[string]any{
			"type": "appStoreVersionLocalizations",
			"attributes": map[string]any{
				"locale":   locale,
				"whatsNew": notes,
			},
			"relationships": map[string]any{
				"appStoreVersion": relationship{
					Data: relationshipData{Type: "appStoreVersions", ID: versionID},
				},
			},
		},
	}
	if _, err := c.request(ctx, http.MethodPost,
		"/v1/appStoreVersionLocalizations", nil, body); err != nil {
		return fmt.Errorf("failed to create release notes (%s): %w", locale, err)
	}
	return nil
}

// SubmitForReview creates a review submission for the version.
func (c *Client) SubmitForReview(ctx context.Context, versionID string) error {
	body := map[string]any{
		"data": map[string]any{
			"type": "appStoreVersionSubmissions",
			"relationships": map[string]any{
				"appStoreVersion": relationship{
					Data: relationshipData{Type: "appStoreVersions", ID: versionID},
				},
			},
		},
	}
	if _, err := c.request(ctx, http.MethodPost,
		"/v1/appStoreVersionSubmissions", nil, body); err != nil {
		return fmt.Errorf("failed to submit version %s for review: %w", versionID, err)
	}
	return nil
}

// CancelReview deletes the active submission for a version. Returns
// ErrNoSubmissionFound when the version has none.
func (c *Client) CancelReview(ctx context.Context, versionID string) error {
	payload, err := c.request(ctx, http.MethodGet,
		"/v1/appStoreVersions/"+versionID+"/appStoreVersionSubmission", nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return ErrNoSubmissionFound
		}
		return fmt.Errorf("failed to look up submission for version %s: %w", versionID, err)
	}
	if payload == nil {
		return ErrNoSubmissionFound
	}

	var single singleResponse
	if err := json.Unmarshal(payload, &single); err != nil {
		return fmt.Errorf("failed to decode submission: %w", err)
	}
	if single.Data.ID == "" {
		return ErrNoSubmissionFound
	}

	if _, err := c.request(ctx, http.MethodDelete,
		"/v1/appStoreVersionSubmissions/"+single.Data.ID, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel submission %s: %w", single.Data.ID, err)
	}
	return nil
}
