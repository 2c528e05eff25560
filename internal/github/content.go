package github

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"
	"gopkg.in/yaml.v3"

	"github.com/donaldgifford/stapsher/internal/apperr"
	"github.com/donaldgifford/stapsher/internal/metrics"
)

// ContentClient reads and writes files in one repository using an
// installation token fetched just before each operation.
type ContentClient struct {
	gh     *gh.Client
	tokens TokenProvider
	repo   Repository
	logger *slog.Logger
}

// NewContentClient creates a ContentClient for repo on top of the shared base client.
func NewContentClient(base *gh.Client, tokens TokenProvider, repo Repository, logger *slog.Logger) *ContentClient {
	return &ContentClient{
		gh:     base,
		tokens: tokens,
		repo:   repo,
		logger: logger.With("owner", repo.Owner, "repo", repo.Name),
	}
}

// installationClient returns a go-github client carrying a currently valid
// installation token. Token failures abort the calling operation.
func (c *ContentClient) installationClient(ctx context.Context) (*gh.Client, error) {
	tok, err := c.tokens.Token(ctx, c.repo.Identity())
	if err != nil {
		return nil, err
	}

	return c.gh.WithAuthToken(tok.Token), nil
}

// ReadFile fetches path from the base branch and decodes it by extension:
// .json and .yaml/.yml are supported. Other extensions fail with
// UNSUPPORTED_EXTENSION before any API call is made.
func (c *ContentClient) ReadFile(ctx context.Context, path string) (content any, err error) {
	const op = "read file"

	defer observe("read_file", time.Now(), &err)

	decode, err := decoderFor(path)
	if err != nil {
		return nil, err
	}

	client, err := c.installationClient(ctx)
	if err != nil {
		return nil, err
	}

	var opts *gh.RepositoryContentGetOptions
	if c.repo.Branch != "" {
		opts = &gh.RepositoryContentGetOptions{Ref: c.repo.Branch}
	}

	file, _, resp, err := client.Repositories.GetContents(ctx, c.repo.Owner, c.repo.Name, path, opts)
	if err != nil {
		return nil, classifyAPIError(op, resp, fmt.Errorf("getting contents %s: %w", path, err), apperr.NotFound)
	}

	if file == nil {
		return nil, apperr.Errorf(apperr.NotFound, op, "%s is a directory", path)
	}

	raw, err := file.GetContent()
	if err != nil {
		return nil, apperr.New(apperr.FileParseFailed, op, fmt.Errorf("decoding %s: %w", path, err))
	}

	content, err = decode([]byte(raw))
	if err != nil {
		return nil, apperr.New(apperr.FileParseFailed, op, fmt.Errorf("parsing %s: %w", path, err))
	}

	return content, nil
}

// WriteFile commits content to path on branch. An empty branch commits to
// the base branch.
func (c *ContentClient) WriteFile(
	ctx context.Context,
	path, message string,
	content []byte,
	branch string,
) (commit *Commit, err error) {
	const op = "write file"

	defer observe("write_file", time.Now(), &err)

	if branch == "" {
		branch = c.repo.Branch
	}

	client, err := c.installationClient(ctx)
	if err != nil {
		return nil, err
	}

	opts := &gh.RepositoryContentFileOptions{
		Message: gh.Ptr(message),
		Content: content,
	}

	if branch != "" {
		opts.Branch = gh.Ptr(branch)
	}

	res, resp, err := client.Repositories.CreateFile(ctx, c.repo.Owner, c.repo.Name, path, opts)
	if err != nil {
		return nil, classifyAPIError(op, resp, fmt.Errorf("creating file %s: %w", path, err), apperr.NotFound)
	}

	c.logger.Info("file committed", "path", path, "branch", branch, "sha", res.Commit.GetSHA())

	return &Commit{
		SHA:     res.Commit.GetSHA(),
		Path:    path,
		Branch:  branch,
		Message: message,
		URL:     res.Commit.GetHTMLURL(),
	}, nil
}

// WriteFileAndCreatePR creates branch from the tip of the base branch,
// commits the file to it and opens a pull request into the base branch with
// message as title.
//
// The steps are not transactional. If the commit or the pull request fails
// after the branch was created, the branch is left in place and the error of
// the failing step is returned unchanged. Once the branch exists the
// remaining steps ignore cancellation of ctx.
func (c *ContentClient) WriteFileAndCreatePR(
	ctx context.Context,
	path, message string,
	content []byte,
	branch, body string,
) (pr *PullRequest, err error) {
	defer observe("write_file_and_create_pr", time.Now(), &err)

	log := c.logger.With("path", path, "branch", branch)

	client, err := c.installationClient(ctx)
	if err != nil {
		return nil, err
	}

	base, err := c.baseBranch(ctx, client)
	if err != nil {
		return nil, err
	}

	tip, resp, err := client.Git.GetRef(ctx, c.repo.Owner, c.repo.Name, "refs/heads/"+base)
	if err != nil {
		return nil, classifyAPIError("get branch", resp, fmt.Errorf("getting branch %s: %w", base, err), apperr.NotFound)
	}

	sha := tip.GetObject().GetSHA()

	ref := &gh.Reference{
		Ref: gh.Ptr("refs/heads/" + branch),
		Object: &gh.GitObject{
			SHA: gh.Ptr(sha),
		},
	}

	if _, resp, err := client.Git.CreateRef(ctx, c.repo.Owner, c.repo.Name, ref); err != nil {
		return nil, classifyAPIError("create branch", resp, fmt.Errorf("creating branch %s: %w", branch, err), apperr.NotFound)
	}

	log.Info("branch created", "base", base, "sha", sha)

	// An orphaned branch is worse than a slow response.
	ctx = context.WithoutCancel(ctx)

	if _, err := c.WriteFile(ctx, path, message, content, branch); err != nil {
		log.Warn("commit failed after branch creation; branch left behind", "error", err)
		return nil, err
	}

	client, err = c.installationClient(ctx)
	if err != nil {
		log.Warn("token unavailable after commit; branch left behind", "error", err)
		return nil, err
	}

	created, resp, err := client.PullRequests.Create(ctx, c.repo.Owner, c.repo.Name, &gh.NewPullRequest{
		Title: gh.Ptr(message),
		Body:  gh.Ptr(body),
		Head:  gh.Ptr(branch),
		Base:  gh.Ptr(base),
	})
	if err != nil {
		log.Warn("pull request failed after commit; branch left behind", "error", err)
		return nil, classifyAPIError("create pull request", resp, fmt.Errorf("creating PR from %s: %w", branch, err), apperr.NotFound)
	}

	log.Info("pull request created", "number", created.GetNumber())

	return &PullRequest{
		Number: created.GetNumber(),
		Title:  created.GetTitle(),
		Head:   branch,
		Base:   base,
		State:  created.GetState(),
		URL:    created.GetHTMLURL(),
	}, nil
}

// DeleteBranch deletes a branch from the repository. A branch that does not
// exist fails with NOT_FOUND.
func (c *ContentClient) DeleteBranch(ctx context.Context, branch string) (err error) {
	defer observe("delete_branch", time.Now(), &err)

	client, err := c.installationClient(ctx)
	if err != nil {
		return err
	}

	resp, err := client.Git.DeleteRef(ctx, c.repo.Owner, c.repo.Name, "refs/heads/"+branch)
	if err != nil {
		err = fmt.Errorf("deleting branch %s: %w", branch, err)

		// GitHub reports a missing ref as 422 "Reference does not exist".
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			return apperr.New(apperr.NotFound, "delete branch", err)
		}

		return classifyAPIError("delete branch", resp, err, apperr.NotFound)
	}

	c.logger.Info("branch deleted", "branch", branch)

	return nil
}

// baseBranch returns the configured base branch, or the repository's
// default branch when none is configured.
func (c *ContentClient) baseBranch(ctx context.Context, client *gh.Client) (string, error) {
	if c.repo.Branch != "" {
		return c.repo.Branch, nil
	}

	r, resp, err := client.Repositories.Get(ctx, c.repo.Owner, c.repo.Name)
	if err != nil {
		return "", classifyAPIError("get repository", resp, fmt.Errorf("getting repository: %w", err), apperr.NotFound)
	}

	if r.GetDefaultBranch() == "" {
		return "", apperr.Errorf(apperr.NotFound, "get repository", "%s/%s has no default branch", c.repo.Owner, c.repo.Name)
	}

	return r.GetDefaultBranch(), nil
}

type decoder func([]byte) (any, error)

func decoderFor(path string) (decoder, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		return decodeJSON, nil
	case ".yaml", ".yml":
		return decodeYAML, nil
	default:
		return nil, apperr.Errorf(apperr.UnsupportedExtension, "read file", "unsupported extension %q for %s", ext, path)
	}
}

func decodeJSON(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}

	return v, nil
}

func decodeYAML(data []byte) (any, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}

	return v, nil
}

// observe records the outcome and duration of a content operation.
func observe(operation string, start time.Time, errp *error) {
	outcome := "success"
	if *errp != nil {
		code := apperr.CodeOf(*errp)
		outcome = string(code)
		metrics.ErrorsTotal.WithLabelValues(outcome).Inc()
	}

	metrics.ContentOperationsTotal.WithLabelValues(operation, outcome).Inc()
	metrics.ContentOperationSeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
