package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authz/instrumentation"
)

const (
	// maxResponseSize caps upstream JSON bodies (1MB).
	maxResponseSize = 1 << 20

	// maxFetchTries bounds retries of idempotent upstream GETs.
	maxFetchTries = 3
)

// OAuth2ConfigExchanger is an interface for the Exchange method of oauth2.Config.
// This allows us to create shared helper functions that work with any provider's config.
type OAuth2ConfigExchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// AuthCodeURL builds the consent URL with an S256 challenge for verifier.
func AuthCodeURL(config *oauth2.Config, state, verifier string, extra ...oauth2.AuthCodeOption) string {
	opts := append([]oauth2.AuthCodeOption{}, extra...)
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return config.AuthCodeURL(state, opts...)
}

// ExchangeCodeWithPKCE is a shared helper for exchanging authorization codes with optional PKCE.
// The exchange is not retried: upstream codes are single use.
func ExchangeCodeWithPKCE(ctx context.Context, config OAuth2ConfigExchanger, httpClient *http.Client, code, verifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption

	// Add PKCE verifier if provided
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	// Use custom HTTP client
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return token, nil
}

// EnsureTimeout adds timeout to ctx unless it already has a deadline.
func EnsureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream request to %s failed with status %d", e.URL, e.StatusCode)
}

// FetchJSON performs an authenticated GET and returns the body. Network
// errors, 429 and 5xx responses are retried with exponential backoff; other
// failures are returned at once. headers are added to the request.
func FetchJSON(ctx context.Context, client *http.Client, url, accessToken string, headers map[string]string) ([]byte, error) {
	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			statusErr := &StatusError{URL: url, StatusCode: resp.StatusCode}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return nil, statusErr
			}
			return nil, backoff.Permanent(statusErr)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return body, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(maxFetchTries))
}

// RecordCall records an upstream call's outcome. status is 0 for transport errors.
func RecordCall(ctx context.Context, inst *instrumentation.Instrumentation, provider, operation string, start time.Time, err error) {
	status := http.StatusOK
	if err != nil {
		status = 0
		var se *StatusError
		if asStatusError(err, &se) {
			status = se.StatusCode
		}
	}
	inst.Metrics().RecordProviderAPICall(ctx, provider, operation, status, float64(time.Since(start).Milliseconds()))
}
