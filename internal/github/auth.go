package github

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/donaldgifford/stapsher/internal/apperr"
	"github.com/donaldgifford/stapsher/internal/metrics"
)

const (
	// AssertionLifetime is the validity window of an App assertion.
	AssertionLifetime = 60 * time.Second

	// assertionReuseMargin keeps an assertion that is about to expire from
	// being handed to a call that may outlive it.
	assertionReuseMargin = 10 * time.Second
)

// AppCredential identifies the GitHub App. It is loaded once at startup and
// never modified.
type AppCredential struct {
	AppID      string
	PrivateKey []byte
}

// LoadCredential reads the App private key from disk.
func LoadCredential(appID int64, privateKeyPath string) (AppCredential, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return AppCredential{}, apperr.WithStatus(apperr.AuthFailed, http.StatusInternalServerError,
			"load app credential", fmt.Errorf("reading private key %s: %w", privateKeyPath, err))
	}

	return AppCredential{
		AppID:      strconv.FormatInt(appID, 10),
		PrivateKey: key,
	}, nil
}

// SignedAssertion is a short-lived JWT proving the identity of the App itself.
type SignedAssertion struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// validAt reports whether the assertion may still be handed out at t.
func (a *SignedAssertion) validAt(t time.Time) bool {
	return a != nil && t.Before(a.ExpiresAt.Add(-assertionReuseMargin))
}

// AppAuthenticator mints RS256 App assertions. It is either unauthenticated
// (current is nil or expired) or authenticated until current.ExpiresAt.
type AppAuthenticator struct {
	appID  string
	key    *rsa.PrivateKey
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current *SignedAssertion
}

// NewAppAuthenticator parses the credential's private key. A missing or
// malformed key fails here so that misconfiguration stops startup.
func NewAppAuthenticator(cred AppCredential, logger *slog.Logger) (*AppAuthenticator, error) {
	const op = "create app authenticator"

	if cred.AppID == "" {
		return nil, apperr.WithStatus(apperr.AuthFailed, http.StatusInternalServerError, op,
			errors.New("app id is empty"))
	}

	if len(cred.PrivateKey) == 0 {
		return nil, apperr.WithStatus(apperr.AuthFailed, http.StatusInternalServerError, op,
			errors.New("private key is empty"))
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(cred.PrivateKey)
	if err != nil {
		return nil, apperr.WithStatus(apperr.AuthFailed, http.StatusInternalServerError, op,
			fmt.Errorf("parsing private key: %w", err))
	}

	return &AppAuthenticator{
		appID:  cred.AppID,
		key:    key,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Authenticate returns the current assertion while it is valid and mints a
// new one otherwise.
func (a *AppAuthenticator) Authenticate() (*SignedAssertion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.current.validAt(now) {
		return a.current, nil
	}

	if a.key == nil {
		return nil, apperr.WithStatus(apperr.AuthFailed, http.StatusInternalServerError,
			"authenticate app", errors.New("no private key loaded"))
	}

	issuedAt := now.Truncate(time.Second)
	expiresAt := issuedAt.Add(AssertionLifetime)

	claims := jwt.RegisteredClaims{
		Issuer:    a.appID,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		a.current = nil

		return nil, apperr.WithStatus(apperr.AuthFailed, http.StatusInternalServerError,
			"authenticate app", fmt.Errorf("signing assertion: %w", err))
	}

	a.current = &SignedAssertion{
		Token:     signed,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}

	metrics.AssertionsMintedTotal.Inc()
	a.logger.Debug("minted app assertion", "app_id", a.appID, "expires_at", expiresAt)

	return a.current, nil
}
