// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/go-github/v62/github"
	"github.com/jackc/pgx/v5"

	"manifest-catalog/internal/database"
	"manifest-catalog/internal/model"
)

// OrganizationSyncer is the trigger surface of the reconciliation engine.
type OrganizationSyncer interface {
	SyncOrganization(ctx context.Context, orgName string) (*model.SyncSummary, error)
}

// RateLimitReporter exposes the remote API quota for diagnostics.
type RateLimitReporter interface {
	RateLimitStatus(ctx context.Context) (*github.Rate, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	db     database.Querier
	syncer OrganizationSyncer
	limits RateLimitReporter
	logger *slog.Logger
}

// syncResponse is the structured result of a sync trigger. It is always
// returned, whether the run succeeded, partially succeeded or aborted.
type syncResponse struct {
	Success         bool              `json:"success"`
	Message         string            `json:"message"`
	SuccessCount    int               `json:"success_count"`
	NoManifestCount int               `json:"no_manifest_count"`
	ErrorCount      int               `json:"error_count"`
	Errors          []model.SyncError `json:"errors,omitempty"`
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(db database.Querier, s OrganizationSyncer, limits RateLimitReporter, logger *slog.Logger) http.Handler {
	h := &Handler{
		db:     db,
		syncer: s,
		limits: limits,
		logger: logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Minute)) // Sync runs are long

	// API Routes
	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/orgs/{org}/sync", h.syncOrganization)
		r.Get("/orgs/{org}/repos", h.listOrganizationRepos)
		r.Get("/repos/{owner}/{name}/manifests", h.listRepoManifests)
		r.Get("/packages/{name}/dependents", h.listPackageDependents)
		r.Get("/diagnostics/rate-limit", h.rateLimitStatus)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// syncOrganization triggers a full sync pass for one organization.
// POST /v1/orgs/{org}/sync
//
// The response is always a structured summary. Concurrent triggers for the
// same organization are not serialized; callers should avoid them.
func (h *Handler) syncOrganization(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")

	summary, err := h.syncer.SyncOrganization(r.Context(), org)
	if err != nil {
		h.logger.Error("Organization sync aborted", "org", org, "error", err)
		respondWithJSON(w, http.StatusBadGateway, syncResponse{
			Success: false,
			Message: "sync aborted: " + err.Error(),
		})
		return
	}

	respondWithJSON(w, http.StatusOK, syncResponse{
		Success:         true,
		Message:         "sync completed",
		SuccessCount:    summary.SuccessCount,
		NoManifestCount: summary.NoManifestCount,
		ErrorCount:      summary.ErrorCount,
		Errors:          summary.Errors,
	})
}

// listOrganizationRepos returns the stored catalog of an organization.
// GET /v1/orgs/{org}/repos
func (h *Handler) listOrganizationRepos(w http.ResponseWriter, r *http.Request) {
	orgName := chi.URLParam(r, "org")

	org, err := h.db.GetOrganizationByName(r.Context(), orgName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Organization not found")
			return
		}
		h.logger.Error("Failed to get organization", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	repos, err := h.db.ListRepositoriesForOrganization(r.Context(), org.ID)
	if err != nil {
		h.logger.Error("Failed to list repositories", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, repos)
}

// listRepoManifests returns the stored manifests of one repository together
// with their normalized dependencies.
// GET /v1/repos/{owner}/{name}/manifests
func (h *Handler) listRepoManifests(w http.ResponseWriter, r *http.Request) {
	fullName := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")

	repo, err := h.db.GetRepositoryByFullName(r.Context(), fullName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Repository not found")
			return
		}
		h.logger.Error("Failed to get repository", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	manifests, err := h.db.ListManifestsForRepository(r.Context(), repo.ID)
	if err != nil {
		h.logger.Error("Failed to list manifests", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	type manifestView struct {
		Path         string                        `json:"path"`
		Name         string                        `json:"name"`
		Version      string                        `json:"version"`
		License      string                        `json:"license"`
		FetchedAt    time.Time                     `json:"fetched_at"`
		Dependencies []database.ManifestDependency `json:"dependencies"`
	}

	views := make([]manifestView, 0, len(manifests))
	for _, m := range manifests {
		deps, err := h.db.ListDependenciesForManifest(r.Context(), m.ID)
		if err != nil {
			h.logger.Error("Failed to list dependencies", "error", err)
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		views = append(views, manifestView{
			Path:         m.Path,
			Name:         m.Name,
			Version:      m.Version,
			License:      m.License,
			FetchedAt:    m.FetchedAt,
			Dependencies: deps,
		})
	}

	respondWithJSON(w, http.StatusOK, views)
}

// listPackageDependents reports every stored manifest depending on a package.
// GET /v1/packages/{name}/dependents
func (h *Handler) listPackageDependents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	dependents, err := h.db.ListDependentsOfPackage(r.Context(), name)
	if err != nil {
		h.logger.Error("Failed to list dependents", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondWithJSON(w, http.StatusOK, dependents)
}

// rateLimitStatus reports the remaining remote API quota.
// GET /v1/diagnostics/rate-limit
func (h *Handler) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	if h.limits == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Rate limit reporting not configured")
		return
	}
	limits, err := h.limits.RateLimitStatus(r.Context())
	if err != nil {
		h.logger.Error("Failed to query rate limit", "error", err)
		respondWithError(w, http.StatusBadGateway, "Failed to query rate limit")
		return
	}
	respondWithJSON(w, http.StatusOK, limits)
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
