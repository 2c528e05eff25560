// Package github authenticates as a GitHub App, manages installation access
// tokens, and performs the repository content operations stapsher needs.
package github

import (
	"context"
	"strings"
	"time"
)

// Identity names the repository an installation token is requested for.
// It is the cache key of the TokenManager.
type Identity struct {
	Owner string
	Repo  string
}

func (i Identity) String() string {
	return i.Owner + "/" + i.Repo
}

// key is the cache key; GitHub owner and repository names are case-insensitive.
func (i Identity) key() string {
	return strings.ToLower(i.String())
}

// InstallationToken is a repository-scoped access token for one installation.
// Tokens are replaced on refresh, never edited.
type InstallationToken struct {
	Token          string
	ExpiresAt      time.Time
	InstallationID int64
}

// Repository is the repository a ContentClient operates on. Branch is the
// base branch that reads come from and pull requests target.
type Repository struct {
	Owner  string
	Name   string
	Branch string
}

// Identity returns the token cache identity of the repository.
func (r Repository) Identity() Identity {
	return Identity{Owner: r.Owner, Repo: r.Name}
}

// Commit is the result of writing a file.
type Commit struct {
	SHA     string
	Path    string
	Branch  string
	Message string
	URL     string
}

// PullRequest represents a GitHub pull request with the fields
// relevant to stapsher's operations.
type PullRequest struct {
	Number int
	Title  string
	Head   string // Branch name.
	Base   string
	State  string // "open", "closed".
	URL    string
}

// Authenticator mints App assertions.
type Authenticator interface {
	Authenticate() (*SignedAssertion, error)
}

// InstallationResolver maps a repository to the ID of the App installation
// that covers it.
type InstallationResolver interface {
	ResolveInstallation(ctx context.Context, id Identity, assertion *SignedAssertion) (int64, error)
}

// TokenExchanger trades an App assertion for an installation access token
// scoped to one repository.
type TokenExchanger interface {
	CreateInstallationToken(
		ctx context.Context,
		installationID int64,
		repo string,
		assertion *SignedAssertion,
	) (*InstallationToken, error)
}

// TokenProvider hands out valid installation tokens. It is the mock boundary
// for ContentClient tests.
type TokenProvider interface {
	Token(ctx context.Context, id Identity) (*InstallationToken, error)
}
