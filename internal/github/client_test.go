// internal/github/client_test.go
package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manifest-catalog/internal/apperrors"
)

// setupTestClient creates a httptest server and a client pointing to it.
func setupTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	// No token needed, we never talk to the real GitHub.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := NewClient("", logger, Options{ActiveReposOnly: true})
	require.NoError(t, client.SetBaseURL(server.URL))

	return client, server
}

func shrinkBackoff(t *testing.T) {
	t.Helper()
	old := baseBackoff
	baseBackoff = time.Millisecond
	t.Cleanup(func() { baseBackoff = old })
}

func TestClient_ListOrganizationRepositories(t *testing.T) {
	t.Run("paginates until a short page", func(t *testing.T) {
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			assert.Equal(t, "/orgs/acme/repos", r.URL.Path)

			page := r.URL.Query().Get("page")
			var repos []map[string]any
			n := 100
			if page == "2" {
				n = 5
			}
			for i := 0; i < n; i++ {
				repos = append(repos, map[string]any{
					"id":             i,
					"name":           fmt.Sprintf("repo-%s-%d", page, i),
					"full_name":      fmt.Sprintf("acme/repo-%s-%d", page, i),
					"owner":          map[string]any{"login": "acme"},
					"default_branch": "main",
				})
			}
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(repos)
		})
		client, _ := setupTestClient(t, handler)

		repos, err := client.ListOrganizationRepositories(context.Background(), "acme")

		require.NoError(t, err)
		assert.Len(t, repos, 105)
		assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount))
		assert.Equal(t, "acme", repos[0].Owner)
		assert.Equal(t, "main", repos[0].DefaultBranch)
	})

	t.Run("filters archived and disabled repositories", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, `[
				{"id": 1, "name": "active", "full_name": "acme/active", "owner": {"login": "acme"}},
				{"id": 2, "name": "old", "full_name": "acme/old", "owner": {"login": "acme"}, "archived": true},
				{"id": 3, "name": "off", "full_name": "acme/off", "owner": {"login": "acme"}, "disabled": true}
			]`)
		})
		client, _ := setupTestClient(t, handler)

		repos, err := client.ListOrganizationRepositories(context.Background(), "acme")

		require.NoError(t, err)
		require.Len(t, repos, 1)
		assert.Equal(t, "active", repos[0].Name)
	})
}

func TestClient_FetchFileContent(t *testing.T) {
	t.Run("decodes base64 body", func(t *testing.T) {
		body := `{"name": "web-app"}`
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/repos/acme/web/contents/package.json", r.URL.Path)
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]any{
				"type":     "file",
				"encoding": "base64",
				"name":     "package.json",
				"path":     "package.json",
				"content":  base64.StdEncoding.EncodeToString([]byte(body)),
			})
		})
		client, _ := setupTestClient(t, handler)

		content, err := client.FetchFileContent(context.Background(), "acme", "web", "package.json")

		require.NoError(t, err)
		assert.Equal(t, body, string(content))
	})

	t.Run("distinguishes absence from failure", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintln(w, `{"message": "Not Found"}`)
		})
		client, _ := setupTestClient(t, handler)

		_, err := client.FetchFileContent(context.Background(), "acme", "web", "package.json")

		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestClient_RetryBehavior(t *testing.T) {
	t.Run("retries on 503 server error and succeeds", func(t *testing.T) {
		shrinkBackoff(t)
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			count := atomic.AddInt32(&requestCount, 1)
			if count == 1 {
				w.WriteHeader(http.StatusServiceUnavailable) // Fail first time
				return
			}
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, `[]`)
		})
		client, _ := setupTestClient(t, handler)

		_, err := client.ListOrganizationRepositories(context.Background(), "acme")

		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount), "should have made two requests")
	})

	t.Run("waits for rate limit reset", func(t *testing.T) {
		var requestCount int32
		resetTime := time.Now().Add(50 * time.Millisecond) // Short wait time for test
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			count := atomic.AddInt32(&requestCount, 1)
			if count == 1 {
				w.Header().Set("X-RateLimit-Limit", "5000")
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime.Unix()+1))
				w.WriteHeader(http.StatusForbidden)
				fmt.Fprintln(w, `{"message": "API rate limit exceeded"}`)
				return
			}
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, `[]`)
		})
		client, _ := setupTestClient(t, handler)

		startTime := time.Now()
		_, err := client.ListOrganizationRepositories(context.Background(), "acme")
		elapsed := time.Since(startTime)

		require.NoError(t, err)
		assert.True(t, elapsed >= 50*time.Millisecond, "client should wait for rate limit reset")
		assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount))
	})

	t.Run("fails with RateLimitedError after the retry ceiling", func(t *testing.T) {
		shrinkBackoff(t)
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.Header().Set("X-RateLimit-Limit", "5000")
			w.Header().Set("X-RateLimit-Remaining", "0")
			// Reset already in the past, so the client falls back to backoff.
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(-time.Second).Unix()))
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprintln(w, `{"message": "API rate limit exceeded"}`)
		})
		client, _ := setupTestClient(t, handler)

		_, err := client.ListOrganizationRepositories(context.Background(), "acme")

		require.Error(t, err)
		var rateErr *apperrors.RateLimitedError
		require.ErrorAs(t, err, &rateErr)
		assert.Equal(t, maxRetries, rateErr.Attempts)
		assert.Equal(t, int32(maxRetries), atomic.LoadInt32(&requestCount))
	})

	t.Run("fails with TransientFetchError on persistent server error", func(t *testing.T) {
		shrinkBackoff(t)
		var requestCount int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusInternalServerError)
		})
		client, _ := setupTestClient(t, handler)

		_, err := client.ListOrganizationRepositories(context.Background(), "acme")

		require.Error(t, err)
		var transientErr *apperrors.TransientFetchError
		require.ErrorAs(t, err, &transientErr)
		assert.Equal(t, maxTransientRetries, transientErr.Attempts)
		assert.Equal(t, int32(maxTransientRetries), atomic.LoadInt32(&requestCount))
	})
}

func TestClient_FindManifestPaths(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/web/git/trees/main", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("recursive"))
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{
			"sha": "abc",
			"truncated": false,
			"tree": [
				{"path": "package.json", "type": "blob"},
				{"path": "README.md", "type": "blob"},
				{"path": "packages", "type": "tree"},
				{"path": "packages/api/package.json", "type": "blob"},
				{"path": "node_modules/react/package.json", "type": "blob"},
				{"path": ".config/package.json", "type": "blob"},
				{"path": "a/b/c/d/package.json", "type": "blob"}
			]
		}`)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	client := NewClient("", logger, Options{MaxTreeDepth: 3})
	require.NoError(t, client.SetBaseURL(server.URL))

	paths, err := client.FindManifestPaths(context.Background(), "acme", "web", "main")

	require.NoError(t, err)
	assert.Equal(t, []string{"package.json", "packages/api/package.json"}, paths,
		"pruned dirs, hidden dirs and too-deep paths are excluded; shallowest first")
}

func TestIsManifestPath(t *testing.T) {
	assert.True(t, isManifestPath("package.json", 8))
	assert.True(t, isManifestPath("services/auth/package.json", 8))
	assert.False(t, isManifestPath("package-lock.json", 8))
	assert.False(t, isManifestPath("vendor/pkg/package.json", 8))
	assert.False(t, isManifestPath("src/.next/package.json", 8))
	assert.False(t, isManifestPath("a/b/package.json", 2))
}
