package github

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gh "github.com/google/go-github/v68/github"
)

// ClientOptions configures the shared GitHub API client.
type ClientOptions struct {
	// BaseURL is the GitHub Enterprise REST URL. Empty means api.github.com.
	BaseURL string

	// Timeout bounds every API call.
	Timeout time.Duration

	RateLimitThreshold float64
	RateLimitMaxWait   time.Duration
	RequestsPerSecond  float64
}

// NewBaseClient creates the unauthenticated go-github client every component
// shares. Credentials are attached per call with WithAuthToken, so App
// assertions and installation tokens ride the same rate-limited transport.
func NewBaseClient(opts ClientOptions, logger *slog.Logger) (*gh.Client, error) {
	rlTransport := newRateLimitTransport(
		http.DefaultTransport,
		logger.With("component", "ratelimit"),
		opts.RateLimitThreshold,
		opts.RateLimitMaxWait,
		opts.RequestsPerSecond,
	)

	client := gh.NewClient(&http.Client{
		Transport: rlTransport,
		Timeout:   opts.Timeout,
	})

	if opts.BaseURL == "" {
		return client, nil
	}

	client, err := client.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("setting GitHub Enterprise URL %q: %w", opts.BaseURL, err)
	}

	return client, nil
}
