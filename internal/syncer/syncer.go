// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"manifest-catalog/internal/apperrors"
	"manifest-catalog/internal/database"
	"manifest-catalog/internal/manifest"
	"manifest-catalog/internal/model"
)

// RepositoryFetcher is the remote API surface the syncer depends on.
type RepositoryFetcher interface {
	ListOrganizationRepositories(ctx context.Context, org string) ([]model.RemoteRepository, error)
	FetchFileContent(ctx context.Context, owner, repo, path string) ([]byte, error)
	FindManifestPaths(ctx context.Context, owner, repo, branch string) ([]string, error)
}

// Options tunes the reconciliation pipeline. Zero values fall back to the
// defaults below.
type Options struct {
	BatchSize       int
	BatchDelay      time.Duration
	DBConcurrency   int
	RepoSyncTimeout time.Duration
	SkipUnchanged   bool
	FreshnessSkip   bool
}

const (
	defaultBatchSize       = 10
	defaultBatchDelay      = 2 * time.Second
	defaultDBConcurrency   = 5
	defaultRepoSyncTimeout = 30 * time.Second
)

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.BatchDelay <= 0 {
		o.BatchDelay = defaultBatchDelay
	}
	if o.DBConcurrency <= 0 {
		o.DBConcurrency = defaultDBConcurrency
	}
	if o.RepoSyncTimeout <= 0 {
		o.RepoSyncTimeout = defaultRepoSyncTimeout
	}
}

// outcome is the terminal state of one repository's unit of work.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeNoManifest
)

// Syncer orchestrates discovery, fetching, extraction and reconciliation for
// whole organizations. One instance is shared by all callers; its DB
// transaction semaphore is the process-wide ceiling on concurrent units of
// work, independent of batch size.
type Syncer struct {
	dbpool   *pgxpool.Pool
	client   RepositoryFetcher
	logger   *slog.Logger
	opts     Options
	dbSlots  *semaphore.Weighted
	interval time.Duration
	orgs     []string
}

// NewSyncer creates a new Syncer instance. orgs and interval configure the
// optional background resync loop run by Start; both may be empty/zero when
// syncs are only ever triggered over HTTP.
func NewSyncer(dbpool *pgxpool.Pool, client RepositoryFetcher, logger *slog.Logger, opts Options, orgs []string, interval time.Duration) *Syncer {
	opts.applyDefaults()
	return &Syncer{
		dbpool:   dbpool,
		client:   client,
		logger:   logger,
		opts:     opts,
		dbSlots:  semaphore.NewWeighted(int64(opts.DBConcurrency)),
		interval: interval,
		orgs:     orgs,
	}
}

// Start runs the continuous background resync of the configured
// organizations until the context is cancelled.
func (s *Syncer) Start(ctx context.Context) {
	if len(s.orgs) == 0 || s.interval <= 0 {
		s.logger.Info("Background resync disabled, syncs are trigger-only")
		return
	}
	s.logger.Info("Starting background resync", "interval", s.interval.String(), "orgs", s.orgs)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runResyncCycle(ctx) // Initial sync

	for {
		select {
		case <-ticker.C:
			s.runResyncCycle(ctx)
		case <-ctx.Done():
			s.logger.Info("Syncer shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (s *Syncer) runResyncCycle(ctx context.Context) {
	for _, org := range s.orgs {
		summary, err := s.SyncOrganization(ctx, org)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("Organization resync failed", "org", org, "error", err)
			}
			continue
		}
		s.logger.Info("Organization resync finished",
			"org", org,
			"success", summary.SuccessCount,
			"no_manifest", summary.NoManifestCount,
			"errors", summary.ErrorCount)
	}
}

// SyncOrganization discovers the organization's repositories and reconciles
// each against stored state. Per-repository failures are counted in the
// summary and never abort the run; only failure to resolve the organization
// or to list its repositories returns an error.
//
// Idempotent per repository, so safe to re-invoke. Concurrent invocations
// for the same organization are not serialized here; callers wanting that
// must hold their own lock. Repositories that have vanished from the remote
// listing are left in place with a stale last_fetched_at, never deleted.
func (s *Syncer) SyncOrganization(ctx context.Context, orgName string) (*model.SyncSummary, error) {
	logger := s.logger.With("org", orgName)
	logger.Info("Starting organization sync")

	org, err := database.New(s.dbpool).UpsertOrganization(ctx, database.UpsertOrganizationParams{Name: orgName})
	if err != nil {
		return nil, fmt.Errorf("resolving organization %q: %w", orgName, err)
	}

	repos, err := s.client.ListOrganizationRepositories(ctx, orgName)
	if err != nil {
		return nil, fmt.Errorf("listing repositories for %q: %w", orgName, err)
	}
	logger.Info("Discovered repositories", "count", len(repos))

	summary, err := s.processBatches(ctx, orgName, org.ID, repos, s.syncRepositoryInTransaction)
	if err != nil {
		return summary, err
	}

	logger.Info("Organization sync finished",
		"success", summary.SuccessCount,
		"no_manifest", summary.NoManifestCount,
		"errors", summary.ErrorCount)
	return summary, nil
}

// repoUnitFunc is one repository's full unit of work.
type repoUnitFunc func(ctx context.Context, orgID int64, remote model.RemoteRepository) (outcome, error)

// processBatches drives the batching loop: batches run strictly in sequence
// with a pacing delay between them, repositories within a batch run
// concurrently, and every unit-of-work failure is absorbed into the summary.
func (s *Syncer) processBatches(ctx context.Context, orgName string, orgID int64, repos []model.RemoteRepository, unit repoUnitFunc) (*model.SyncSummary, error) {
	logger := s.logger.With("org", orgName)
	summary := &model.SyncSummary{Organization: orgName}
	var mu sync.Mutex

	for start := 0; start < len(repos); start += s.opts.BatchSize {
		if start > 0 && s.opts.BatchDelay > 0 {
			if err := sleepCtx(ctx, s.opts.BatchDelay); err != nil {
				return summary, err
			}
		}

		end := start + s.opts.BatchSize
		if end > len(repos) {
			end = len(repos)
		}
		batch := repos[start:end]
		logger.Debug("Processing batch", "from", start, "size", len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for _, remote := range batch {
			remote := remote
			g.Go(func() error {
				res, err := unit(gctx, orgID, remote)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					summary.ErrorCount++
					summary.Errors = append(summary.Errors, model.SyncError{
						Repository: remote.FullName,
						Message:    err.Error(),
					})
					if !errors.Is(err, context.Canceled) {
						logger.Error("Failed to sync repository", "repo", remote.FullName, "error", err)
					}
				case res == outcomeNoManifest:
					summary.NoManifestCount++
				default:
					summary.SuccessCount++
				}
				// Errors are absorbed into the summary so one repository can
				// never cancel its batch siblings.
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
	}

	return summary, nil
}

// syncRepositoryInTransaction wraps one repository's unit of work in a DB
// transaction with a hard deadline. The shared semaphore keeps concurrent
// transactions within the configured ceiling even when batches are sized
// larger than the pool.
func (s *Syncer) syncRepositoryInTransaction(ctx context.Context, orgID int64, remote model.RemoteRepository) (outcome, error) {
	if err := s.dbSlots.Acquire(ctx, 1); err != nil {
		return outcomeSuccess, err
	}
	defer s.dbSlots.Release(1)

	ctx, cancel := context.WithTimeout(ctx, s.opts.RepoSyncTimeout)
	defer cancel()

	tx, err := s.dbpool.Begin(ctx)
	if err != nil {
		return outcomeSuccess, err
	}
	defer tx.Rollback(ctx) // Rollback is a no-op if the transaction is already committed.

	qtx := database.New(tx)
	res, err := s.reconcileRepository(ctx, qtx, orgID, remote)
	if err != nil {
		return res, err
	}

	return res, tx.Commit(ctx)
}

// reconcileRepository performs the fetch-parse-persist cycle for one
// repository against the given (transactional) query handle. Any error rolls
// the whole unit back, leaving prior repository and manifest state intact.
func (s *Syncer) reconcileRepository(ctx context.Context, q database.Querier, orgID int64, remote model.RemoteRepository) (outcome, error) {
	logger := s.logger.With("repo", remote.FullName)
	logger.Debug("Syncing repository")

	if s.opts.FreshnessSkip && s.freshnessSkip(ctx, q, remote) {
		logger.Debug("Remote unchanged since last fetch, skipping")
		return outcomeSuccess, nil
	}

	dbRepo, err := q.UpsertRepository(ctx, database.UpsertRepositoryParams{
		OrganizationID: orgID,
		GithubRepoID:   remote.GithubRepoID,
		Name:           remote.Name,
		FullName:       remote.FullName,
		Description:    remote.Description,
		URL:            remote.URL,
		DefaultBranch:  remote.DefaultBranch,
	})
	if err != nil {
		return outcomeSuccess, fmt.Errorf("upserting repository: %w", err)
	}

	paths, err := s.client.FindManifestPaths(ctx, remote.Owner, remote.Name, remote.DefaultBranch)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		// Transient or rate-limit failure: roll back, keep prior state.
		return outcomeSuccess, fmt.Errorf("discovering manifests: %w", err)
	}

	var kept []string
	for _, path := range paths {
		stored, err := s.reconcileManifest(ctx, q, dbRepo.ID, remote, path)
		if err != nil {
			return outcomeSuccess, err
		}
		if stored {
			kept = append(kept, path)
		}
	}

	if len(kept) == 0 {
		// Confirmed absent: drop whatever we had and clear the flag.
		if _, err := q.DeleteManifestsForRepository(ctx, dbRepo.ID); err != nil {
			return outcomeNoManifest, err
		}
		if err := q.SetRepositoryManifestStatus(ctx, database.SetRepositoryManifestStatusParams{ID: dbRepo.ID, HasManifest: false}); err != nil {
			return outcomeNoManifest, err
		}
		logger.Debug("No manifest found")
		return outcomeNoManifest, nil
	}

	// Paths that existed on a previous pass but not on this one are stale.
	if _, err := q.DeleteManifestsForRepositoryExcept(ctx, database.DeleteManifestsForRepositoryExceptParams{
		RepositoryID: dbRepo.ID,
		KeepPaths:    kept,
	}); err != nil {
		return outcomeSuccess, err
	}
	if err := q.SetRepositoryManifestStatus(ctx, database.SetRepositoryManifestStatusParams{ID: dbRepo.ID, HasManifest: true}); err != nil {
		return outcomeSuccess, err
	}

	logger.Debug("Repository synced", "manifests", len(kept))
	return outcomeSuccess, nil
}

// reconcileManifest fetches, parses and persists one manifest path. Returns
// false when the file turned out to be absent (listed in the tree but gone
// by fetch time), which is not an error.
func (s *Syncer) reconcileManifest(ctx context.Context, q database.Querier, repoID int64, remote model.RemoteRepository, path string) (bool, error) {
	raw, err := s.client.FetchFileContent(ctx, remote.Owner, remote.Name, path)
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetching %s: %w", path, err)
	}

	rec, err := manifest.Parse(raw)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %w", path, err)
	}

	unchanged := false
	if s.opts.SkipUnchanged {
		existing, err := q.GetManifestByRepositoryAndPath(ctx, database.GetManifestByRepositoryAndPathParams{
			RepositoryID: repoID,
			Path:         path,
		})
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return false, err
		}
		unchanged = err == nil && existing.ContentHash == rec.ContentHash
	}

	m, err := q.UpsertManifest(ctx, database.UpsertManifestParams{
		RepositoryID: repoID,
		Path:         path,
		Name:         rec.Name,
		Version:      rec.Version,
		Description:  rec.Description,
		License:      rec.License,
		ContentHash:  rec.ContentHash,
		RawContent:   rec.RawContent,
	})
	if err != nil {
		return false, fmt.Errorf("upserting manifest %s: %w", path, err)
	}

	if unchanged {
		// Same content hash: the child rows are already correct, only the
		// fetch timestamp needed refreshing.
		return true, nil
	}

	if err := s.replaceChildren(ctx, q, m.ID, rec); err != nil {
		return false, fmt.Errorf("replacing children of %s: %w", path, err)
	}
	return true, nil
}

// replaceChildren swaps the full child-row sets of a manifest. Runs inside
// the per-repository transaction, so the replacement is all-or-nothing.
func (s *Syncer) replaceChildren(ctx context.Context, q database.Querier, manifestID int64, rec *model.ManifestRecord) error {
	deps := make([]database.ReplaceDependencyParams, len(rec.Dependencies))
	for i, d := range rec.Dependencies {
		deps[i] = database.ReplaceDependencyParams{Name: d.Name, VersionSpec: d.VersionSpec, DepClass: string(d.Class)}
	}
	if _, err := q.ReplaceManifestDependencies(ctx, manifestID, deps); err != nil {
		return err
	}

	scripts := make([]database.ReplaceScriptParams, len(rec.Scripts))
	for i, sc := range rec.Scripts {
		scripts[i] = database.ReplaceScriptParams{Name: sc.Name, Command: sc.Command}
	}
	if _, err := q.ReplaceManifestScripts(ctx, manifestID, scripts); err != nil {
		return err
	}

	if _, err := q.ReplaceManifestKeywords(ctx, manifestID, rec.Keywords); err != nil {
		return err
	}

	people := make([]database.ReplacePersonParams, len(rec.People))
	for i, p := range rec.People {
		people[i] = database.ReplacePersonParams{Name: p.Name, Email: p.Email, URL: p.URL, Role: string(p.Role)}
	}
	if _, err := q.ReplaceManifestPeople(ctx, manifestID, people); err != nil {
		return err
	}

	return nil
}

// freshnessSkip reports whether a repository can be skipped because the
// remote has not been pushed to since our last successful fetch.
func (s *Syncer) freshnessSkip(ctx context.Context, q database.Querier, remote model.RemoteRepository) bool {
	existing, err := q.GetRepositoryByFullName(ctx, remote.FullName)
	if err != nil {
		return false
	}
	if !existing.HasManifest || existing.LastFetchedAt == nil {
		return false
	}
	return !remote.PushedAt.IsZero() && remote.PushedAt.Before(*existing.LastFetchedAt)
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
