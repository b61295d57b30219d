// Package api exposes driftwatch over HTTP and MCP.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/driftwatch/internal/evidence"
	"github.com/kalambet/driftwatch/internal/health"
	"github.com/kalambet/driftwatch/internal/impact"
	"github.com/kalambet/driftwatch/internal/notify"
	"github.com/kalambet/driftwatch/internal/retrieval"
	"github.com/kalambet/driftwatch/internal/sources"
	"github.com/kalambet/driftwatch/internal/storage"
)

// ChunkSearcher runs query-time similarity search over a project's chunks.
type ChunkSearcher interface {
	Search(ctx context.Context, projectID, query string, topK int) ([]retrieval.Hit, error)
}

type AppDeps struct {
	Store      *storage.Store
	Sources    *sources.Service
	Ledger     *evidence.Ledger
	Propagator *impact.Propagator
	Health     *health.Service
	Notify     *notify.Service
	Searcher   ChunkSearcher // optional; search answers 503 without it
	Token      string
}

// NewAppHandler builds the router. Everything except GET /health sits
// behind bearer auth.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/sources", handleIngestSource(deps))
		r.Get("/sources/{id}", handleGetSource(deps))
		r.Put("/sources/{id}/content", handleReplaceContent(deps))

		r.Get("/packs/{id}/health", handlePackHealth(deps))
		r.Get("/packs/{id}/health/history", handleHealthHistory(deps))
		r.Post("/packs/{id}/health/recompute", handleRecompute(deps))
		r.Get("/packs/{id}/impacts", handleListImpacts(deps))
		r.Post("/impacts/{id}/ack", handleAcknowledge(deps))

		r.Get("/projects/{id}/sources", handleListSources(deps))
		r.Get("/projects/{id}/conflicts", handleListConflicts(deps))
		r.Get("/projects/{id}/search", handleSearch(deps))

		r.Get("/users/{id}/notifications", handleListNotifications(deps))
		r.Put("/users/{id}/preferences/{key}", handleSetPreference(deps))
		r.Post("/notifications/{id}/read", handleMarkRead(deps))

		r.Post("/projects", handleCreateProject(deps))
		r.Post("/workspaces/{id}/members", handleAddMember(deps))
		r.Put("/workspaces/{id}/health-weights", handleSetWeights(deps))
		r.Post("/packs", handleCreatePack(deps))
		r.Post("/packs/{id}/versions", handleCreatePackVersion(deps))
		r.Post("/packs/{id}/feedback", handleDeliveryFeedback(deps))
		r.Post("/links", handleCreateLink(deps))
		r.Post("/links/{id}/downgrade", handleDowngradeLink(deps))
		r.Post("/flags", handleCreateFlag(deps))
		r.Get("/jobs", handleJobCounts(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
