//go:build integration

// cmd/service/integration_test.go
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"manifest-catalog/internal/database"
	"manifest-catalog/internal/github"
	"manifest-catalog/internal/syncer"
)

func setupTestDatabase(ctx context.Context, t *testing.T) *pgxpool.Pool {
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migrate.New("file://../../migrations", connStr)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	dbpool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(dbpool.Close)

	return dbpool
}

// fakeGitHub serves the subset of the GitHub API the sync pipeline touches,
// with mutable per-repository manifest content.
type fakeGitHub struct {
	mu        sync.Mutex
	manifests map[string]string // repo name -> package.json body; absent = no manifest
}

func (f *fakeGitHub) setManifest(repo, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests[repo] = body
}

func (f *fakeGitHub) removeManifest(repo string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.manifests, repo)
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 101, "name": "web", "full_name": "acme/web", "owner": map[string]any{"login": "acme"},
				"html_url": "https://example.com/acme/web", "default_branch": "main"},
			{"id": 102, "name": "tools", "full_name": "acme/tools", "owner": map[string]any{"login": "acme"},
				"html_url": "https://example.com/acme/tools", "default_branch": "main"},
		})
	})

	mux.HandleFunc("GET /repos/acme/{repo}/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		_, hasManifest := f.manifests[r.PathValue("repo")]
		f.mu.Unlock()

		tree := []map[string]any{{"path": "README.md", "type": "blob"}}
		if hasManifest {
			tree = append(tree, map[string]any{"path": "package.json", "type": "blob"})
		}
		json.NewEncoder(w).Encode(map[string]any{"sha": "abc", "truncated": false, "tree": tree})
	})

	mux.HandleFunc("GET /repos/acme/{repo}/contents/package.json", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		body, ok := f.manifests[r.PathValue("repo")]
		f.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintln(w, `{"message": "Not Found"}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"type": "file", "encoding": "base64", "name": "package.json", "path": "package.json",
			"content": base64.StdEncoding.EncodeToString([]byte(body)),
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"message": "Not Found"}`)
	})

	return mux
}

func TestSyncOrganization_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dbpool := setupTestDatabase(ctx, t)

	remote := &fakeGitHub{manifests: map[string]string{
		"web": `{"name": "web", "version": "1.0.0", "author": "Jane Doe <jane@x.com>",
			"scripts": {"build": "webpack"},
			"dependencies": {"react": "^18.0.0", "lodash": "~4.17.0"}}`,
	}}
	server := httptest.NewServer(remote.handler())
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ghClient := github.NewClient("", logger, github.Options{})
	require.NoError(t, ghClient.SetBaseURL(server.URL))

	appSyncer := syncer.NewSyncer(dbpool, ghClient, logger, syncer.Options{
		BatchSize:  10,
		BatchDelay: 10 * time.Millisecond,
	}, nil, 0)

	q := database.New(dbpool)

	// --- First pass: one repo with a manifest, one without. ---
	summary, err := appSyncer.SyncOrganization(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.NoManifestCount)
	assert.Equal(t, 0, summary.ErrorCount)

	web, err := q.GetRepositoryByFullName(ctx, "acme/web")
	require.NoError(t, err)
	assert.Equal(t, int64(101), web.GithubRepoID)
	assert.True(t, web.HasManifest)
	require.NotNil(t, web.LastFetchedAt)

	tools, err := q.GetRepositoryByFullName(ctx, "acme/tools")
	require.NoError(t, err)
	assert.False(t, tools.HasManifest)

	manifests, err := q.ListManifestsForRepository(ctx, web.ID)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, "package.json", manifests[0].Path)
	assert.Equal(t, "web", manifests[0].Name)

	deps, err := q.ListDependenciesForManifest(ctx, manifests[0].ID)
	require.NoError(t, err)
	depNames := make([]string, len(deps))
	for i, d := range deps {
		depNames[i] = d.Name
	}
	assert.ElementsMatch(t, []string{"react", "lodash"}, depNames)

	// --- Second pass against unchanged remote state: idempotent. ---
	summary, err = appSyncer.SyncOrganization(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.NoManifestCount)

	webAgain, err := q.GetRepositoryByFullName(ctx, "acme/web")
	require.NoError(t, err)
	assert.Equal(t, web.ID, webAgain.ID, "re-sync must not create new rows")

	manifestsAgain, err := q.ListManifestsForRepository(ctx, web.ID)
	require.NoError(t, err)
	require.Len(t, manifestsAgain, 1)
	assert.Equal(t, manifests[0].ID, manifestsAgain[0].ID)

	// --- Third pass: manifest dropped a dependency; row must vanish. ---
	remote.setManifest("web", `{"name": "web", "version": "1.0.1", "dependencies": {"react": "^18.0.0"}}`)

	summary, err = appSyncer.SyncOrganization(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SuccessCount)

	deps, err = q.ListDependenciesForManifest(ctx, manifests[0].ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "react", deps[0].Name, "dropped dependency must not linger")

	// --- Fourth pass: manifest removed entirely. ---
	remote.removeManifest("web")

	summary, err = appSyncer.SyncOrganization(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.SuccessCount)
	assert.Equal(t, 2, summary.NoManifestCount)

	webGone, err := q.GetRepositoryByFullName(ctx, "acme/web")
	require.NoError(t, err)
	assert.False(t, webGone.HasManifest)

	count, err := q.CountManifestsForRepository(ctx, web.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	dependents, err := q.ListDependentsOfPackage(ctx, "react")
	require.NoError(t, err)
	assert.Empty(t, dependents, "cascade delete must remove child rows")

	// --- Fifth pass: manifest restored; flag flips back. ---
	remote.setManifest("web", `{"name": "web", "version": "2.0.0"}`)

	summary, err = appSyncer.SyncOrganization(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SuccessCount)

	webBack, err := q.GetRepositoryByFullName(ctx, "acme/web")
	require.NoError(t, err)
	assert.True(t, webBack.HasManifest)
}
