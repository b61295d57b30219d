package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kalambet/driftwatch/internal/evidence"
	"github.com/kalambet/driftwatch/internal/extract"
	"github.com/kalambet/driftwatch/internal/health"
	"github.com/kalambet/driftwatch/internal/sources"
	"github.com/kalambet/driftwatch/internal/storage"
)

const maxRequestBodySize = 1 << 20  // 1MB
const maxDocumentBodySize = 10 << 20 // 10MB

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// serviceError maps domain errors onto status codes.
func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, storage.ErrAlreadyExists):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, sources.ErrInsufficientContent):
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
	case errors.Is(err, extract.ErrUnsupported):
		httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "%v", err)
	case errors.Is(err, health.ErrInvalidWeights),
		errors.Is(err, evidence.ErrCrossProject),
		errors.Is(err, evidence.ErrUpgrade):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
