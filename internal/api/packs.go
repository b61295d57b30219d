package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func handlePackHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.Health.Current(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toHealthView(snap))
	}
}

func handleHealthHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps, err := deps.Health.History(r.Context(), chi.URLParam(r, "id"), parseIntParam(r, "limit", 20, 200))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": mapSlice(snaps, toHealthView)})
	}
}

func handleRecompute(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Health.RequestRecompute(r.Context(), id); err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "pack_id": id})
	}
}

func handleListImpacts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetPack(r.Context(), id); err != nil {
			serviceError(w, err)
			return
		}
		impacts, err := deps.Store.ListImpactsForPack(r.Context(), id, parseIntParam(r, "limit", 50, 500))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"impacts": mapSlice(impacts, toImpactView)})
	}
}

func handleAcknowledge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"user_id"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		ci, err := deps.Propagator.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.UserID)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toImpactView(ci))
	}
}

func handleListConflicts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetProject(r.Context(), id); err != nil {
			serviceError(w, err)
			return
		}
		conflicts, err := deps.Store.ListConflicts(r.Context(), id)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conflicts": mapSlice(conflicts, toConflictView)})
	}
}
