// Package bot holds the webhook event handlers that keep the installation
// token cache and the bot's branches in step with what happens on GitHub.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gh "github.com/google/go-github/v68/github"

	ghclient "github.com/donaldgifford/stapsher/internal/github"
	"github.com/donaldgifford/stapsher/internal/webhook"
)

// TokenCache is the part of the token manager the handlers evict from.
type TokenCache interface {
	Invalidate(id ghclient.Identity)
	InvalidateInstallation(installationID int64) int
}

// BranchDeleter deletes a branch in one repository.
type BranchDeleter interface {
	DeleteBranch(ctx context.Context, branch string) error
}

// ContentFactory returns a content client scoped to repo.
type ContentFactory func(repo ghclient.Repository) BranchDeleter

// Bot handles webhook events.
type Bot struct {
	tokens       TokenCache
	cleanup      *Queue
	branchPrefix string
	logger       *slog.Logger
}

// New creates a Bot. Closed pull requests from branches starting with
// branchPrefix get their branch queued for deletion on cleanup.
func New(tokens TokenCache, cleanup *Queue, branchPrefix string, logger *slog.Logger) *Bot {
	return &Bot{
		tokens:       tokens,
		cleanup:      cleanup,
		branchPrefix: branchPrefix,
		logger:       logger,
	}
}

// Register installs the bot's handlers on the router.
func (b *Bot) Register(r *webhook.Router) {
	r.Register("ping", b.handlePing)
	r.Register("installation", b.handleInstallation)
	r.Register("installation_repositories", b.handleInstallationRepositories)
	r.Register("pull_request", b.handlePullRequest)
}

func (b *Bot) handlePing(_ context.Context, d *webhook.Delivery) error {
	e, ok := d.Payload.(*gh.PingEvent)
	if !ok {
		return unexpectedPayload(d)
	}

	b.logger.Info("ping received", "zen", e.GetZen(), "hook_id", e.GetHookID())

	return nil
}

func (b *Bot) handleInstallation(_ context.Context, d *webhook.Delivery) error {
	e, ok := d.Payload.(*gh.InstallationEvent)
	if !ok {
		return unexpectedPayload(d)
	}

	installID := e.GetInstallation().GetID()

	switch e.GetAction() {
	case "deleted", "suspend":
		dropped := b.tokens.InvalidateInstallation(installID)

		b.logger.Info("installation revoked, dropped cached tokens",
			"action", e.GetAction(),
			"installation_id", installID,
			"dropped", dropped,
		)
	default:
		b.logger.Debug("ignoring installation event", "action", e.GetAction(), "installation_id", installID)
	}

	return nil
}

func (b *Bot) handleInstallationRepositories(_ context.Context, d *webhook.Delivery) error {
	e, ok := d.Payload.(*gh.InstallationRepositoriesEvent)
	if !ok {
		return unexpectedPayload(d)
	}

	if e.GetAction() != "removed" {
		b.logger.Debug("ignoring installation_repositories event", "action", e.GetAction())
		return nil
	}

	account := e.GetInstallation().GetAccount().GetLogin()

	for _, repo := range e.RepositoriesRemoved {
		owner := extractOwner(repo.GetFullName())
		if owner == "" {
			owner = account
		}

		b.tokens.Invalidate(ghclient.Identity{Owner: owner, Repo: repo.GetName()})
	}

	b.logger.Info("installation repositories removed",
		"count", len(e.RepositoriesRemoved),
		"installation_id", e.GetInstallation().GetID(),
	)

	return nil
}

func (b *Bot) handlePullRequest(_ context.Context, d *webhook.Delivery) error {
	e, ok := d.Payload.(*gh.PullRequestEvent)
	if !ok {
		return unexpectedPayload(d)
	}

	if e.GetAction() != "closed" {
		return nil
	}

	head := e.GetPullRequest().GetHead()
	branch := head.GetRef()

	if b.branchPrefix == "" || !strings.HasPrefix(branch, b.branchPrefix) {
		return nil
	}

	// Branches in forks are not ours to delete.
	repoName := e.GetRepo().GetFullName()
	if repoName == "" || !strings.EqualFold(head.GetRepo().GetFullName(), repoName) {
		b.logger.Debug("ignoring pull request from another repository",
			"head_repo", head.GetRepo().GetFullName(),
			"branch", branch,
		)

		return nil
	}

	job := BranchJob{
		Owner:      e.GetRepo().GetOwner().GetLogin(),
		Repo:       e.GetRepo().GetName(),
		Branch:     branch,
		DeliveryID: d.DeliveryID,
	}

	if err := b.cleanup.Enqueue(job); err != nil {
		return fmt.Errorf("queueing cleanup of %s in %s/%s: %w", branch, job.Owner, job.Repo, err)
	}

	b.logger.Info("queued bot branch cleanup",
		"owner", job.Owner,
		"repo", job.Repo,
		"branch", branch,
		"pull_request", e.GetNumber(),
		"merged", e.GetPullRequest().GetMerged(),
	)

	return nil
}

func unexpectedPayload(d *webhook.Delivery) error {
	return fmt.Errorf("unexpected %T payload for %s event", d.Payload, d.Name)
}

// extractOwner gets the owner from a "owner/repo" full name string.
func extractOwner(fullName string) string {
	owner, _, found := strings.Cut(fullName, "/")
	if !found {
		return ""
	}

	return owner
}
