package ice

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultRetries is how many times a failed fetch is repeated.
	DefaultRetries = 5
	// DefaultBackoff is the delay before the first retry; it doubles after each.
	DefaultBackoff = 250 * time.Millisecond

	emptyList = "[]"
)

// Resolver fetches the relay server list from the ICE endpoint.
type Resolver struct {
	url        string
	httpClient *http.Client
	clk        clock.Clock
	retries    int
	backoff    time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.httpClient = c }
}

// WithClock overrides the clock used for backoff.
func WithClock(clk clock.Clock) Option {
	return func(r *Resolver) { r.clk = clk }
}

// WithRetries overrides the retry count and initial backoff.
func WithRetries(retries int, backoff time.Duration) Option {
	return func(r *Resolver) {
		r.retries = retries
		r.backoff = backoff
	}
}

// NewResolver creates a Resolver for <baseURL>iceservers.
func NewResolver(baseURL string, opts ...Option) *Resolver {
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	r := &Resolver{
		url:        baseURL + "iceservers",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		clk:        clock.New(),
		retries:    DefaultRetries,
		backoff:    DefaultBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch returns the serialized server list. When every attempt fails it
// returns an empty list so that call setup proceeds with defaults; only a
// cancelled ctx produces an error.
func (r *Resolver) Fetch(ctx context.Context) (string, error) {
	delay := r.backoff
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-r.clk.After(delay):
			}
			delay *= 2
		}

		body, err := r.fetchOnce(ctx)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn().Err(err).Str("module", "ice").Int("attempt", attempt+1).Msg("fetch ice servers")
	}

	log.Warn().Str("module", "ice").Msg("ice server fetch exhausted, using defaults")
	return emptyList, nil
}

func (r *Resolver) fetchOnce(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", fmt.Errorf("create http request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	return string(respBody), nil
}
