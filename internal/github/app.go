package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	gh "github.com/google/go-github/v68/github"

	"github.com/donaldgifford/stapsher/internal/apperr"
)

// AppClient makes the App-authenticated calls: installation lookup and
// installation token exchange. It implements InstallationResolver and
// TokenExchanger.
type AppClient struct {
	gh     *gh.Client
	logger *slog.Logger
}

// NewAppClient wraps the shared base client.
func NewAppClient(base *gh.Client, logger *slog.Logger) *AppClient {
	return &AppClient{
		gh:     base,
		logger: logger,
	}
}

// ResolveInstallation returns the ID of the installation covering the repository.
func (c *AppClient) ResolveInstallation(ctx context.Context, id Identity, assertion *SignedAssertion) (int64, error) {
	const op = "resolve installation"

	if assertion == nil || assertion.Token == "" {
		return 0, apperr.WithStatus(apperr.AuthFailed, http.StatusInternalServerError, op,
			errors.New("missing app assertion"))
	}

	install, resp, err := c.gh.WithAuthToken(assertion.Token).Apps.FindRepositoryInstallation(ctx, id.Owner, id.Repo)
	if err != nil {
		return 0, classifyAPIError(op, resp, fmt.Errorf("finding installation for %s: %w", id, err),
			apperr.InstallationNotFound)
	}

	if install.GetID() == 0 {
		return 0, apperr.Errorf(apperr.InstallationNotFound, op, "no installation for %s", id)
	}

	c.logger.Debug("resolved installation", "owner", id.Owner, "repo", id.Repo, "installation_id", install.GetID())

	return install.GetID(), nil
}

// CreateInstallationToken exchanges the assertion for a token scoped to repo.
func (c *AppClient) CreateInstallationToken(
	ctx context.Context,
	installationID int64,
	repo string,
	assertion *SignedAssertion,
) (*InstallationToken, error) {
	const op = "create installation token"

	if assertion == nil || assertion.Token == "" {
		return nil, apperr.WithStatus(apperr.AuthFailed, http.StatusInternalServerError, op,
			errors.New("missing app assertion"))
	}

	opts := &gh.InstallationTokenOptions{
		Repositories: []string{repo},
	}

	tok, resp, err := c.gh.WithAuthToken(assertion.Token).Apps.CreateInstallationToken(ctx, installationID, opts)
	if err != nil {
		return nil, classifyAPIError(op, resp, fmt.Errorf("installation %d: %w", installationID, err),
			apperr.InstallationNotFound)
	}

	return &InstallationToken{
		Token:          tok.GetToken(),
		ExpiresAt:      tok.GetExpiresAt().Time,
		InstallationID: installationID,
	}, nil
}
