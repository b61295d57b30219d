package api

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/driftwatch/internal/sources"
)

// SourceRequest creates a source. Exactly one of Content (plain text) or
// Document (base64 bytes with ContentType) is set.
type SourceRequest struct {
	ProjectID   string `json:"project_id"`
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	Document    string `json:"document"`
	ContentType string `json:"content_type"`
}

// ContentRequest replaces a source's content. ContentHash is optional.
type ContentRequest struct {
	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`
	Document    string `json:"document"`
	ContentType string `json:"content_type"`
}

func decodeDocument(w http.ResponseWriter, doc, contentType string) ([]byte, bool) {
	if contentType == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "content_type is required with document")
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(doc)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 document")
		return nil, false
	}
	return data, true
}

func handleIngestSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SourceRequest
		if !decodeBody(w, r, maxDocumentBodySize, &req) {
			return
		}
		if req.ProjectID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_id is required")
			return
		}
		if (req.Content == "") == (req.Document == "") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "exactly one of content or document is required")
			return
		}
		if _, err := deps.Store.GetProject(r.Context(), req.ProjectID); err != nil {
			serviceError(w, err)
			return
		}

		var (
			out sources.Ingested
			err error
		)
		if req.Document != "" {
			data, ok := decodeDocument(w, req.Document, req.ContentType)
			if !ok {
				return
			}
			out, err = deps.Sources.IngestDocument(r.Context(), req.ProjectID, req.Kind, req.Title, data, req.ContentType)
		} else {
			out, err = deps.Sources.Ingest(r.Context(), sources.IngestRequest{
				ProjectID: req.ProjectID,
				Kind:      req.Kind,
				Title:     req.Title,
				Content:   req.Content,
			})
		}
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toIngestResponse(out))
	}
}

func handleReplaceContent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req ContentRequest
		if !decodeBody(w, r, maxDocumentBodySize, &req) {
			return
		}
		if (req.Content == "") == (req.Document == "") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "exactly one of content or document is required")
			return
		}

		var (
			out sources.Replacement
			err error
		)
		if req.Document != "" {
			data, ok := decodeDocument(w, req.Document, req.ContentType)
			if !ok {
				return
			}
			out, err = deps.Sources.ReplaceDocument(r.Context(), id, data, req.ContentType)
		} else {
			out, err = deps.Sources.Replace(r.Context(), id, req.Content, strings.TrimSpace(req.ContentHash))
		}
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toReplaceResponse(out))
	}
}

func handleGetSource(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, err := deps.Store.GetSource(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSourceView(src))
	}
}

func handleListSources(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetProject(r.Context(), id); err != nil {
			serviceError(w, err)
			return
		}
		srcs, err := deps.Store.ListSources(r.Context(), id)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sources": mapSlice(srcs, toSourceView)})
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Searcher == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "search is not configured")
			return
		}
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		hits, err := deps.Searcher.Search(r.Context(), chi.URLParam(r, "id"), q, parseIntParam(r, "top_k", 5, 50))
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"hits": mapSlice(hits, toHitView)})
	}
}
