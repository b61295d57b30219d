package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/driftwatch/internal/health"
	"github.com/kalambet/driftwatch/internal/storage"
)

// StoryRequest is a story with its acceptance criteria.
type StoryRequest struct {
	Title    string   `json:"title"`
	Criteria []string `json:"criteria"`
}

// PackRequest creates a pack at version 1.
type PackRequest struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Name      string         `json:"name"`
	SourceIDs []string       `json:"source_ids"`
	Stories   []StoryRequest `json:"stories"`
}

// PackVersionResponse lists the ids minted for a pack version, in request
// order.
type PackVersionResponse struct {
	PackID    string     `json:"pack_id"`
	VersionID string     `json:"version_id"`
	Seq       int        `json:"seq"`
	Stories   []storyIDs `json:"stories"`
}

type storyIDs struct {
	ID           string   `json:"id"`
	CriterionIDs []string `json:"criterion_ids"`
}

func handleCreateProject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID          string `json:"id"`
			WorkspaceID string `json:"workspace_id"`
			Name        string `json:"name"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.WorkspaceID == "" || req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "workspace_id and name are required")
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		p := storage.Project{ID: req.ID, WorkspaceID: req.WorkspaceID, Name: req.Name}
		if err := deps.Store.CreateProject(r.Context(), p); err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": p.ID, "workspace_id": p.WorkspaceID, "name": p.Name})
	}
}

func handleAddMember(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"user_id"`
			Email  string `json:"email"`
			Role   string `json:"role"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		m := storage.Member{WorkspaceID: chi.URLParam(r, "id"), UserID: req.UserID, Email: req.Email, Role: req.Role}
		if err := deps.Store.AddMember(r.Context(), m); err != nil {
			serviceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSetWeights(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var weights health.Weights
		if !decodeBody(w, r, maxRequestBodySize, &weights) {
			return
		}
		if err := deps.Health.SetWeights(r.Context(), chi.URLParam(r, "id"), weights); err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, weights)
	}
}

func handleCreatePack(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PackRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.ProjectID == "" || req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "project_id and name are required")
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		var out PackVersionResponse
		err := deps.Store.WithTx(r.Context(), func(tx *storage.Tx) error {
			if _, err := tx.GetProject(r.Context(), req.ProjectID); err != nil {
				return err
			}
			if err := tx.CreatePack(r.Context(), storage.Pack{ID: req.ID, ProjectID: req.ProjectID, Name: req.Name}); err != nil {
				return fmt.Errorf("creating pack: %w", err)
			}
			for _, sid := range req.SourceIDs {
				src, err := tx.GetSource(r.Context(), sid)
				if err != nil {
					return fmt.Errorf("source %s: %w", sid, err)
				}
				if src.ProjectID != req.ProjectID {
					return fmt.Errorf("source %s: %w", sid, storage.ErrNotFound)
				}
				if err := tx.AttachSource(r.Context(), req.ID, sid); err != nil {
					return fmt.Errorf("attaching source %s: %w", sid, err)
				}
			}
			var err error
			out, err = createPackVersion(r.Context(), tx, req.ID, 1, req.Stories)
			return err
		})
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	}
}

func handleCreatePackVersion(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req struct {
			Stories []StoryRequest `json:"stories"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}

		var out PackVersionResponse
		err := deps.Store.WithTx(r.Context(), func(tx *storage.Tx) error {
			if _, err := tx.GetPack(r.Context(), id); err != nil {
				return err
			}
			seq := 1
			latest, err := tx.LatestPackVersion(r.Context(), id)
			switch {
			case err == nil:
				seq = latest.Seq + 1
			case !isNotFound(err):
				return err
			}
			out, err = createPackVersion(r.Context(), tx, id, seq, req.Stories)
			return err
		})
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	}
}

func createPackVersion(ctx context.Context, tx *storage.Tx, packID string, seq int, stories []StoryRequest) (PackVersionResponse, error) {
	pv := storage.PackVersion{ID: uuid.NewString(), PackID: packID, Seq: seq}
	if err := tx.CreatePackVersion(ctx, pv); err != nil {
		return PackVersionResponse{}, fmt.Errorf("creating pack version: %w", err)
	}
	out := PackVersionResponse{PackID: packID, VersionID: pv.ID, Seq: seq, Stories: []storyIDs{}}
	for _, s := range stories {
		st := storage.Story{ID: uuid.NewString(), PackVersionID: pv.ID, Title: s.Title}
		if err := tx.CreateStory(ctx, st); err != nil {
			return PackVersionResponse{}, fmt.Errorf("creating story: %w", err)
		}
		ids := storyIDs{ID: st.ID, CriterionIDs: []string{}}
		for _, text := range s.Criteria {
			ac := storage.AcceptanceCriterion{ID: uuid.NewString(), StoryID: st.ID, Text: text}
			if err := tx.CreateCriterion(ctx, ac); err != nil {
				return PackVersionResponse{}, fmt.Errorf("creating criterion: %w", err)
			}
			ids.CriterionIDs = append(ids.CriterionIDs, ac.ID)
		}
		out.Stories = append(out.Stories, ids)
	}
	return out, nil
}

func handleDeliveryFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req struct {
			Message string `json:"message"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}
		if _, err := deps.Store.GetPack(r.Context(), id); err != nil {
			serviceError(w, err)
			return
		}
		f := storage.DeliveryFeedback{ID: uuid.NewString(), PackID: id, Message: req.Message}
		if err := deps.Store.CreateDeliveryFeedback(r.Context(), f); err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": f.ID})
	}
}

type entityRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

func (e entityRequest) ref(w http.ResponseWriter) (storage.EntityRef, bool) {
	ref, err := storage.ParseEntityRef(e.EntityType, e.EntityID)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return nil, false
	}
	return ref, true
}

func handleCreateLink(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			entityRequest
			ChunkID    string `json:"chunk_id"`
			Confidence string `json:"confidence"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		ref, ok := req.ref(w)
		if !ok {
			return
		}
		c, err := storage.ParseConfidence(req.Confidence)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		link, err := deps.Ledger.Link(r.Context(), ref, req.ChunkID, c)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toLinkView(link))
	}
}

func handleDowngradeLink(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Confidence string `json:"confidence"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		c, err := storage.ParseConfidence(req.Confidence)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Ledger.Downgrade(r.Context(), chi.URLParam(r, "id"), c); err != nil {
			serviceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCreateFlag(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			entityRequest
			Message string `json:"message"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		ref, ok := req.ref(w)
		if !ok {
			return
		}
		f, err := deps.Ledger.Flag(r.Context(), ref, req.Message)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": f.ID})
	}
}

func handleJobCounts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.JobCounts(r.Context())
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": counts})
	}
}
