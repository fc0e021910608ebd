// internal/github/client.go
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"manifest-catalog/internal/apperrors"
	"manifest-catalog/internal/model"
)

const (
	// maxRetries is the ceiling for rate-limit retries; exceeding it fails
	// the operation with a RateLimitedError.
	maxRetries = 5
	// maxTransientRetries bounds retries on network errors and 5xx responses.
	maxTransientRetries = 3

	pageSize = 100
)

// baseBackoff seeds the exponential retry backoff. Var so tests can shrink it.
var baseBackoff = 500 * time.Millisecond

// skipDirs are directory names pruned from the manifest search. They hold
// vendored or generated copies of package.json that we never want to index.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"out":          true,
	"coverage":     true,
	"test":         true,
	"tests":        true,
	"__tests__":    true,
	"fixtures":     true,
	"examples":     true,
}

// Options configures a Client.
type Options struct {
	// Concurrency caps simultaneous in-flight requests across all client
	// operations. Zero means the default of 10.
	Concurrency int
	// MaxTreeDepth bounds how deep into a repository tree the manifest
	// search goes. Zero means the default of 8.
	MaxTreeDepth int
	// ActiveReposOnly drops archived and disabled repositories from
	// organization listings.
	ActiveReposOnly bool
}

// Client is a wrapper around the go-github client. The rate limiter and the
// in-flight semaphore are shared by every operation, so a single Client
// instance must be reused across all concurrent callers.
type Client struct {
	gh           *github.Client
	logger       *slog.Logger
	limiter      *rate.Limiter
	inflight     *semaphore.Weighted
	maxTreeDepth int
	activeOnly   bool
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client.
func NewClient(token string, logger *slog.Logger, opts Options) *Client {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	maxDepth := opts.MaxTreeDepth
	if maxDepth <= 0 {
		maxDepth = 8
	}

	return &Client{
		gh:           github.NewClient(tc),
		logger:       logger,
		limiter:      rate.NewLimiter(rate.Every(100*time.Millisecond), concurrency),
		inflight:     semaphore.NewWeighted(int64(concurrency)),
		maxTreeDepth: maxDepth,
		activeOnly:   opts.ActiveReposOnly,
	}
}

// SetBaseURL points the client at a different API endpoint, for GitHub
// Enterprise installations and test servers.
func (c *Client) SetBaseURL(rawURL string) error {
	base, err := url.Parse(strings.TrimSuffix(rawURL, "/") + "/")
	if err != nil {
		return err
	}
	c.gh.BaseURL = base
	return nil
}

// ListOrganizationRepositories fetches every repository of an organization,
// handling API pagination transparently. The listing ends when the API
// returns a short page.
func (c *Client) ListOrganizationRepositories(ctx context.Context, org string) ([]model.RemoteRepository, error) {
	var all []model.RemoteRepository

	opts := &github.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: github.ListOptions{PerPage: pageSize, Page: 1},
	}

	for {
		c.logger.Debug("Fetching repository page", "org", org, "page", opts.Page)

		var repos []*github.Repository
		err := c.doWithRetry(ctx, "list repositories", func(ctx context.Context) (*github.Response, error) {
			var resp *github.Response
			var err error
			repos, resp, err = c.gh.Repositories.ListByOrg(ctx, org, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing repositories for %s: %w", org, err)
		}

		for _, r := range repos {
			if c.activeOnly && (r.GetArchived() || r.GetDisabled()) {
				continue
			}
			all = append(all, toRemoteRepository(r))
		}

		if len(repos) < pageSize {
			break
		}
		opts.Page++
	}

	return all, nil
}

// FetchFileContent fetches one file from a repository and decodes its
// transport encoding. A missing file yields apperrors.ErrNotFound; any other
// failure is a retried transient error.
func (c *Client) FetchFileContent(ctx context.Context, owner, repo, path string) ([]byte, error) {
	var file *github.RepositoryContent
	err := c.doWithRetry(ctx, "fetch file", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		file, _, resp, err = c.gh.Repositories.GetContents(ctx, owner, repo, path, nil)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if file == nil {
		// Path resolved to a directory, not a file.
		return nil, apperrors.ErrNotFound
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding content of %s/%s/%s: %w", owner, repo, path, err)
	}
	return []byte(content), nil
}

// FindManifestPaths walks the repository tree of the given branch and returns
// every package.json path, shallowest first. Vendored and generated
// directories are pruned and paths deeper than the configured ceiling are
// dropped, which bounds the cost on monorepos. Returns apperrors.ErrNotFound
// when the branch has no tree (empty repository).
func (c *Client) FindManifestPaths(ctx context.Context, owner, repo, branch string) ([]string, error) {
	var tree *github.Tree
	err := c.doWithRetry(ctx, "get tree", func(ctx context.Context) (*github.Response, error) {
		var resp *github.Response
		var err error
		tree, resp, err = c.gh.Git.GetTree(ctx, owner, repo, branch, true)
		return resp, err
	})
	if err != nil {
		return nil, err
	}

	if tree.GetTruncated() {
		c.logger.Warn("Repository tree truncated by API, manifest search may be incomplete",
			"owner", owner, "repo", repo)
	}

	var paths []string
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		path := entry.GetPath()
		if !isManifestPath(path, c.maxTreeDepth) {
			continue
		}
		paths = append(paths, path)
	}

	sort.Slice(paths, func(i, j int) bool {
		di, dj := strings.Count(paths[i], "/"), strings.Count(paths[j], "/")
		if di != dj {
			return di < dj
		}
		return paths[i] < paths[j]
	})

	return paths, nil
}

// RateLimitStatus reports the authenticated token's current core rate limit.
func (c *Client) RateLimitStatus(ctx context.Context) (*github.Rate, error) {
	limits, _, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		return nil, err
	}
	return limits.Core, nil
}

// isManifestPath reports whether path names a package.json we want to index:
// not under a pruned directory, not hidden, and within the depth ceiling.
func isManifestPath(path string, maxDepth int) bool {
	segments := strings.Split(path, "/")
	if segments[len(segments)-1] != "package.json" {
		return false
	}
	if len(segments) > maxDepth {
		return false
	}
	for _, seg := range segments[:len(segments)-1] {
		if skipDirs[seg] || strings.HasPrefix(seg, ".") {
			return false
		}
	}
	return true
}

// doWithRetry runs one API call under the shared concurrency semaphore and
// rate limiter, retrying on rate-limit and transient failures. fn must
// capture its results via closure and return the API response for status
// inspection.
func (c *Client) doWithRetry(ctx context.Context, op string, fn func(ctx context.Context) (*github.Response, error)) error {
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.inflight.Release(1)

	var rateAttempts, transientAttempts int

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		resp, err := fn(ctx)
		if err == nil {
			return nil
		}

		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return apperrors.ErrNotFound
		}

		var rateErr *github.RateLimitError
		var abuseErr *github.AbuseRateLimitError
		switch {
		case errors.As(err, &rateErr):
			rateAttempts++
			if rateAttempts >= maxRetries {
				return &apperrors.RateLimitedError{Attempts: rateAttempts, ResetTime: rateErr.Rate.Reset.Time}
			}
			wait := time.Until(rateErr.Rate.Reset.Time)
			if wait <= 0 {
				wait = backoffFor(rateAttempts)
			}
			c.logger.Warn("Rate limited, waiting for reset", "op", op, "wait", wait.String(), "attempt", rateAttempts)
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}

		case errors.As(err, &abuseErr):
			rateAttempts++
			if rateAttempts >= maxRetries {
				return &apperrors.RateLimitedError{Attempts: rateAttempts}
			}
			wait := abuseErr.GetRetryAfter()
			if wait <= 0 {
				wait = backoffFor(rateAttempts)
			}
			c.logger.Warn("Secondary rate limit, backing off", "op", op, "wait", wait.String(), "attempt", rateAttempts)
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}

		case isTransient(resp, err):
			transientAttempts++
			if transientAttempts >= maxTransientRetries {
				return &apperrors.TransientFetchError{Attempts: transientAttempts, Err: err}
			}
			wait := backoffFor(transientAttempts)
			c.logger.Warn("Transient API failure, retrying", "op", op, "error", err, "wait", wait.String(), "attempt", transientAttempts)
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}

		default:
			return err
		}
	}
}

// isTransient classifies a failed call as retryable: no HTTP response at all
// (network error) or a 5xx status.
func isTransient(resp *github.Response, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if resp == nil {
		return true
	}
	return resp.StatusCode >= http.StatusInternalServerError
}

func backoffFor(attempt int) time.Duration {
	return baseBackoff << uint(attempt-1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// toRemoteRepository translates a github.Repository object to our internal
// descriptor.
func toRemoteRepository(r *github.Repository) model.RemoteRepository {
	branch := r.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}
	return model.RemoteRepository{
		GithubRepoID:  r.GetID(),
		Owner:         r.GetOwner().GetLogin(),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		Description:   r.Description,
		URL:           r.GetHTMLURL(),
		DefaultBranch: branch,
		Archived:      r.GetArchived(),
		Disabled:      r.GetDisabled(),
		PushedAt:      r.GetPushedAt().Time,
	}
}
