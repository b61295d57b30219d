package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/driftwatch/internal/notify"
	"github.com/kalambet/driftwatch/internal/storage"
)

func handleListNotifications(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		unread := r.URL.Query().Get("unread") == "true"
		ns, err := deps.Notify.ListForUser(r.Context(), chi.URLParam(r, "id"), unread, parseIntParam(r, "limit", 50, 500))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": mapSlice(ns, toNotificationView)})
	}
}

func handleMarkRead(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Notify.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
			serviceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSetPreference(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		switch key {
		case notify.PrefImpact, notify.PrefConflict, notify.PrefHealth:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown preference %q", key)
			return
		}
		var req struct {
			Mode string `json:"mode"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		mode := storage.PreferenceMode(req.Mode)
		switch mode {
		case storage.PreferenceEnabled, storage.PreferenceDisabled, storage.PreferenceImmediate:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "mode must be enabled, disabled or immediate")
			return
		}
		if err := deps.Store.SetPreference(r.Context(), chi.URLParam(r, "id"), key, mode); err != nil {
			serviceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
