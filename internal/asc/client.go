// Package asc is the App Store Connect API client: token signing, resilient
// request plumbing, and the query/mutation surface used by the reconcilers.
package asc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/releasetools/ascsync/internal/config"
)

// DefaultBaseURL is the production App Store Connect API endpoint.
const DefaultBaseURL = "https://api.appstoreconnect.apple.com"

const requestTimeout = 30 * time.Second

// APIError is a non-2xx App Store Connect response that was not (or no
// longer) retryable.
type APIError struct {
	Status int
	Detail string
}

// Error returns the error message.
func (e *APIError) Error() string {
	return fmt.Sprintf("app store connect API error (status %d): %s", e.Status, e.Detail)
}

// RetryPolicy controls retry behavior for a request.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt
	MaxRetries int

	// InitialDelay is the first backoff interval
	InitialDelay time.Duration

	// MaxDelay caps the backoff interval
	MaxDelay time.Duration

	// Jitter is the randomization factor applied to each interval
	Jitter float64

	// RetryableStatuses are the HTTP statuses worth retrying
	RetryableStatuses map[int]bool
}

// DefaultRetryPolicy returns the standard policy: 3 retries, 1s initial
// delay doubling up to 10s, 30% jitter.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Jitter:       0.3,
		RetryableStatuses: map[int]bool{
			http.StatusTooManyRequests:     true,
			http.StatusInternalServerError: true,
			http.StatusBadGateway:          true,
			http.StatusServiceUnavailable:  true,
			http.StatusGatewayTimeout:      true,
		},
	}
}

// Client issues authenticated requests against the App Store Connect API.
// One instance owns the cached token state (via its Signer) and the resolved
// app ID; callers share the instance by reference.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
	app        config.AppConfig
	policy     *RetryPolicy

	// appID caches the result of app resolution for the process lifetime
	appID string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// NewClient creates a Client for the configured app.
func NewClient(signer *Signer, app config.AppConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		signer:     signer,
		app:        app,
		policy:     DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// request performs one authenticated API call with retry. A 204 response
// yields a nil payload. The token is re-signed before every attempt so a
// long retry sequence cannot outlive it.
func (c *Client) request(
	ctx context.Context, method, path string, query url.Values, body any,
) (json.RawMessage, error) {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	operation := func() (json.RawMessage, error) {
		return c.attempt(ctx, method, u, reqBody)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.policy.InitialDelay
	expo.MaxInterval = c.policy.MaxDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = c.policy.Jitter

	payload, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.policy.MaxRetries+1)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			slog.Warn("Retrying App Store Connect request",
				"method", method,
				"url", u,
				"delay", delay,
				"error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *Client) attempt(ctx context.Context, method, u string, body []byte) (json.RawMessage, error) {
	token, err := c.signer.CurrentToken()
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport-level connectivity failure: retryable as-is.
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	apiErr := &APIError{Status: resp.StatusCode, Detail: errorDetail(respBody)}

	if c.policy.RetryableStatuses[resp.StatusCode] {
		if resp.StatusCode == http.StatusTooManyRequests {
			if seconds, ok := retryAfterSeconds(resp.Header); ok {
				return nil, &rateLimitedError{apiErr: apiErr, retryAfter: backoff.RetryAfter(seconds)}
			}
		}
		return nil, apiErr
	}
	return nil, backoff.Permanent(apiErr)
}

// rateLimitedError carries the 429 APIError alongside the server-directed
// delay so retry exhaustion still surfaces the last status and detail.
type rateLimitedError struct {
	apiErr     *APIError
	retryAfter error
}

func (e *rateLimitedError) Error() string   { return e.apiErr.Error() }
func (e *rateLimitedError) Unwrap() []error { return []error{e.apiErr, e.retryAfter} }

// errorDetail extracts the first structured error detail from an App Store
// Connect error envelope, falling back to the raw body.
func errorDetail(body []byte) string {
	if detail := gjson.GetBytes(body, "errors.0.detail"); detail.Exists() {
		return detail.String()
	}
	return string(body)
}

func retryAfterSeconds(h http.Header) (int, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return seconds, true
}
