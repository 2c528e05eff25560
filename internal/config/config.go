// Package config handles configuration loading and validation for stapsher.
// All configuration is read from environment variables following 12-factor principles.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for stapsher.
type Config struct {
	// GitHubAppID is the GitHub App's numeric ID.
	GitHubAppID int64

	// GitHubPrivateKeyPath is the filesystem path to the App's PEM private key.
	GitHubPrivateKeyPath string

	// GitHubWebhookSecret is the HMAC secret for validating webhook payloads.
	GitHubWebhookSecret string

	// GitHubAPIURL is the REST base URL for GitHub Enterprise. Empty means github.com.
	GitHubAPIURL string

	// GitHubAPITimeout bounds every outbound GitHub API call.
	GitHubAPITimeout time.Duration

	// GitLabBotAccessToken is the access token of the GitLab bot account.
	// Loaded for the secondary provider; unused by the GitHub core.
	GitLabBotAccessToken string

	// ListenAddr is the HTTP listen address for the webhook server.
	ListenAddr string

	// MetricsAddr is the HTTP listen address for the Prometheus metrics server.
	MetricsAddr string

	// TokenSafetyMargin is how long before expiry a cached installation token is refreshed.
	TokenSafetyMargin time.Duration

	// TokenPruneInterval is how often expired installation tokens are evicted.
	TokenPruneInterval time.Duration

	// RateLimitThreshold is the fraction of the rate limit at which requests
	// start being throttled pre-emptively.
	RateLimitThreshold float64

	// RateLimitMaxWait caps how long a request waits on a rate limit before
	// the limit is surfaced to the caller.
	RateLimitMaxWait time.Duration

	// RequestsPerSecond is a client-side cap on GitHub API calls. Zero disables it.
	RequestsPerSecond float64

	// BranchPrefix marks branches created by the bot, eligible for cleanup.
	BranchPrefix string

	// CleanupWorkers is the number of concurrent branch cleanup workers.
	CleanupWorkers int

	// CleanupQueueSize is the branch cleanup queue buffer size.
	CleanupQueueSize int

	// HomeRedirect is where GET / redirects to. Empty disables the route.
	HomeRedirect string

	// ShutdownTimeout bounds graceful shutdown of servers and workers.
	ShutdownTimeout time.Duration

	// LogLevel controls log verbosity (debug, info, warn, error).
	LogLevel string
}

// Load reads configuration from environment variables and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:           envOrDefault("LISTEN_ADDR", ":8080"),
		MetricsAddr:          envOrDefault("METRICS_ADDR", ":9090"),
		BranchPrefix:         envOrDefault("BRANCH_PREFIX", "stapsher/"),
		HomeRedirect:         os.Getenv("HOME_ROUTE_REDIRECT"),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		GitHubPrivateKeyPath: os.Getenv("GITHUB_PRIVATE_KEY_PATH"),
		GitHubWebhookSecret:  os.Getenv("GITHUB_WEBHOOK_SECRET"),
		GitHubAPIURL:         os.Getenv("GITHUB_API_URL"),
		GitLabBotAccessToken: os.Getenv("GITLAB_BOT_ACCESS_TOKEN"),
	}

	appIDStr := os.Getenv("GITHUB_APP_ID")
	if appIDStr != "" {
		appID, err := strconv.ParseInt(appIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing GITHUB_APP_ID %q: %w", appIDStr, err)
		}

		cfg.GitHubAppID = appID
	}

	var err error

	if cfg.CleanupWorkers, err = envOrDefaultInt("CLEANUP_WORKERS", 2); err != nil {
		return nil, err
	}

	if cfg.CleanupQueueSize, err = envOrDefaultInt("CLEANUP_QUEUE_SIZE", 100); err != nil {
		return nil, err
	}

	if cfg.ShutdownTimeout, err = envOrDefaultDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}

	if cfg.GitHubAPITimeout, err = envOrDefaultDuration("GITHUB_API_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	if cfg.TokenSafetyMargin, err = envOrDefaultDuration("TOKEN_SAFETY_MARGIN", time.Minute); err != nil {
		return nil, err
	}

	if cfg.TokenPruneInterval, err = envOrDefaultDuration("TOKEN_PRUNE_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}

	if cfg.RateLimitMaxWait, err = envOrDefaultDuration("RATE_LIMIT_MAX_WAIT", 10*time.Second); err != nil {
		return nil, err
	}

	if cfg.RateLimitThreshold, err = envOrDefaultFloat("RATE_LIMIT_THRESHOLD", 0.10); err != nil {
		return nil, err
	}

	if cfg.RequestsPerSecond, err = envOrDefaultFloat("GITHUB_REQUESTS_PER_SECOND", 0); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error

	if c.GitHubAppID == 0 {
		errs = append(errs, errors.New("GITHUB_APP_ID is required"))
	}

	if c.GitHubPrivateKeyPath == "" {
		errs = append(errs, errors.New("GITHUB_PRIVATE_KEY_PATH is required"))
	}

	if c.GitHubWebhookSecret == "" {
		errs = append(errs, errors.New("GITHUB_WEBHOOK_SECRET is required"))
	}

	if c.GitHubAPITimeout <= 0 {
		errs = append(errs, errors.New("GITHUB_API_TIMEOUT must be positive"))
	}

	if c.TokenSafetyMargin < 0 {
		errs = append(errs, errors.New("TOKEN_SAFETY_MARGIN must not be negative"))
	}

	if c.TokenPruneInterval <= 0 {
		errs = append(errs, errors.New("TOKEN_PRUNE_INTERVAL must be positive"))
	}

	if c.RateLimitThreshold < 0 || c.RateLimitThreshold > 1 {
		errs = append(errs, errors.New("RATE_LIMIT_THRESHOLD must be between 0 and 1"))
	}

	if c.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("GITHUB_REQUESTS_PER_SECOND must not be negative"))
	}

	if c.CleanupWorkers < 1 {
		errs = append(errs, errors.New("CLEANUP_WORKERS must be at least 1"))
	}

	if c.CleanupQueueSize < 1 {
		errs = append(errs, errors.New("CLEANUP_QUEUE_SIZE must be at least 1"))
	}

	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}

	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", key, val, err)
	}

	return n, nil
}

func envOrDefaultFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}

	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", key, val, err)
	}

	return f, nil
}

func envOrDefaultDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", key, val, err)
	}

	return d, nil
}
