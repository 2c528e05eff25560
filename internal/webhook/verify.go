package webhook

import (
	"errors"

	gh "github.com/google/go-github/v68/github"
)

// ErrEmptySecret is returned by NewVerifier when no webhook secret is configured.
var ErrEmptySecret = errors.New("webhook secret is empty")

// Verifier checks webhook signatures against the shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier. An empty secret is a configuration error.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	return &Verifier{secret: []byte(secret)}, nil
}

// Verify reports whether signatureHeader carries a valid HMAC of payload.
// The header has the form "<alg>=<hex digest>" with alg one of sha1, sha256
// or sha512. Digests are compared in constant time.
func (v *Verifier) Verify(payload []byte, signatureHeader string) bool {
	if len(payload) == 0 || signatureHeader == "" {
		return false
	}

	return gh.ValidateSignature(signatureHeader, payload, v.secret) == nil
}
