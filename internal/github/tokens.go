package github

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/donaldgifford/stapsher/internal/apperr"
	"github.com/donaldgifford/stapsher/internal/metrics"
)

// TokenManager caches installation tokens per repository identity and
// refreshes them on demand. Concurrent callers for one identity share a
// single upstream exchange; different identities refresh independently.
type TokenManager struct {
	auth           Authenticator
	resolver       InstallationResolver
	exchanger      TokenExchanger
	safetyMargin   time.Duration
	refreshTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu     sync.RWMutex
	tokens map[string]*InstallationToken

	flight singleflight.Group
}

// NewTokenManager creates a TokenManager. Cached tokens are refreshed once
// they are within safetyMargin of expiry. refreshTimeout bounds one full
// refresh (resolve plus exchange).
func NewTokenManager(
	auth Authenticator,
	resolver InstallationResolver,
	exchanger TokenExchanger,
	safetyMargin, refreshTimeout time.Duration,
	logger *slog.Logger,
) *TokenManager {
	return &TokenManager{
		auth:           auth,
		resolver:       resolver,
		exchanger:      exchanger,
		safetyMargin:   safetyMargin,
		refreshTimeout: refreshTimeout,
		logger:         logger,
		now:            time.Now,
		tokens:         make(map[string]*InstallationToken),
	}
}

// Token returns a valid installation token for the identity.
func (m *TokenManager) Token(ctx context.Context, id Identity) (*InstallationToken, error) {
	const op = "installation token"

	if id.Owner == "" || id.Repo == "" {
		return nil, apperr.Errorf(apperr.InstallationNotFound, op, "incomplete repository identity %q", id)
	}

	key := id.key()

	if tok, ok := m.cached(key); ok {
		metrics.TokenCacheTotal.WithLabelValues("hit").Inc()
		return tok, nil
	}

	metrics.TokenCacheTotal.WithLabelValues("miss").Inc()

	ch := m.flight.DoChan(key, func() (any, error) {
		// A flight that finished just before this one started may have filled the cache.
		if tok, ok := m.cached(key); ok {
			return tok, nil
		}

		// Joined callers depend on this refresh; the first caller's
		// cancellation must not fail it for them.
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()

		return m.refresh(refreshCtx, id, key)
	})

	select {
	case <-ctx.Done():
		return nil, apperr.WithStatus(apperr.NetworkError, http.StatusGatewayTimeout, op, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		tok, _ := res.Val.(*InstallationToken)

		return tok, nil
	}
}

func (m *TokenManager) refresh(ctx context.Context, id Identity, key string) (*InstallationToken, error) {
	log := m.logger.With("owner", id.Owner, "repo", id.Repo)

	tok, err := m.exchange(ctx, id)
	if err != nil {
		metrics.TokenExchangesTotal.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		log.Warn("installation token refresh failed", "error", err)

		return nil, err
	}

	m.mu.Lock()
	m.tokens[key] = tok
	size := len(m.tokens)
	m.mu.Unlock()

	metrics.TokenExchangesTotal.WithLabelValues("success").Inc()
	metrics.TokenCacheSize.Set(float64(size))

	log.Info("installation token refreshed",
		"installation_id", tok.InstallationID,
		"expires_at", tok.ExpiresAt,
	)

	return tok, nil
}

// exchange runs assertion, resolution and exchange in order. It never
// returns a partially built token.
func (m *TokenManager) exchange(ctx context.Context, id Identity) (*InstallationToken, error) {
	assertion, err := m.auth.Authenticate()
	if err != nil {
		return nil, err
	}

	installationID, err := m.resolver.ResolveInstallation(ctx, id, assertion)
	if err != nil {
		return nil, err
	}

	tok, err := m.exchanger.CreateInstallationToken(ctx, installationID, id.Repo, assertion)
	if err != nil {
		return nil, err
	}

	if tok == nil || tok.Token == "" {
		return nil, apperr.New(apperr.UpstreamError, "installation token",
			errors.New("exchange returned an empty token"))
	}

	if !m.now().Before(tok.ExpiresAt) {
		return nil, apperr.Errorf(apperr.UpstreamError, "installation token",
			"exchange returned a token that expired at %s", tok.ExpiresAt)
	}

	if tok.InstallationID == 0 {
		tok.InstallationID = installationID
	}

	return tok, nil
}

// cached returns the token for key if it is outside the safety margin.
func (m *TokenManager) cached(key string) (*InstallationToken, bool) {
	m.mu.RLock()
	tok, ok := m.tokens[key]
	m.mu.RUnlock()

	if !ok || !m.usable(tok, m.now()) {
		return nil, false
	}

	return tok, true
}

func (m *TokenManager) usable(tok *InstallationToken, now time.Time) bool {
	return now.Before(tok.ExpiresAt.Add(-m.safetyMargin))
}

// Invalidate drops the cached token for the identity.
func (m *TokenManager) Invalidate(id Identity) {
	m.mu.Lock()
	delete(m.tokens, id.key())
	size := len(m.tokens)
	m.mu.Unlock()

	metrics.TokenCacheSize.Set(float64(size))
}

// InvalidateInstallation drops every cached token issued for the
// installation and returns how many were dropped.
func (m *TokenManager) InvalidateInstallation(installationID int64) int {
	m.mu.Lock()

	var dropped int

	for key, tok := range m.tokens {
		if tok.InstallationID == installationID {
			delete(m.tokens, key)
			dropped++
		}
	}

	size := len(m.tokens)
	m.mu.Unlock()

	metrics.TokenCacheSize.Set(float64(size))

	return dropped
}

// Prune evicts tokens that would no longer be handed out and returns how
// many were evicted.
func (m *TokenManager) Prune() int {
	now := m.now()

	m.mu.Lock()

	var pruned int

	for key, tok := range m.tokens {
		if !m.usable(tok, now) {
			delete(m.tokens, key)
			pruned++
		}
	}

	size := len(m.tokens)
	m.mu.Unlock()

	metrics.TokenCacheSize.Set(float64(size))

	return pruned
}

// Len returns the number of cached tokens.
func (m *TokenManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.tokens)
}
