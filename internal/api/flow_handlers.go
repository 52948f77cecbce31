package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dsalaberry/turnero/internal/models"
)

// listFlowsHandler handles GET /api/flows.
func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	flows, err := s.st.ListFlows()
	if err != nil {
		slog.Error("listFlowsHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("Failed to list flows"))
		return
	}
	writeJSONResponse(w, http.StatusOK, okResponse(flows))
}

// saveFlowHandler handles POST /api/flows. It upserts a flow definition; the
// draft content is validated when present, published content is untouched
// (publishing has its own endpoint).
func (s *Server) saveFlowHandler(w http.ResponseWriter, r *http.Request) {
	var f models.Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		slog.Warn("saveFlowHandler invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("Invalid JSON format"))
		return
	}
	if f.ID == "" || f.Name == "" {
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("Flow id and name are required"))
		return
	}
	if f.Draft != nil {
		if err := f.Draft.Validate(); err != nil {
			slog.Warn("saveFlowHandler draft validation failed", "error", err, "flow", f.ID)
			writeJSONResponse(w, http.StatusBadRequest, errorResponse("Invalid draft content: "+err.Error()))
			return
		}
	}

	existing, err := s.flowByID(f.ID)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("Failed to load flow"))
		return
	}
	now := time.Now()
	if existing != nil {
		// The published side only changes through the publish endpoint.
		f.Published = existing.Published
		f.PublishedVersion = existing.PublishedVersion
		f.CreatedAt = existing.CreatedAt
	} else {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	if err := s.st.SaveFlow(f); err != nil {
		slog.Error("saveFlowHandler save failed", "error", err, "flow", f.ID)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("Failed to save flow"))
		return
	}
	slog.Info("Flow saved", "flow", f.ID, "name", f.Name)
	writeJSONResponse(w, http.StatusOK, okResponse(f))
}

// publishFlowHandler handles POST /api/flows/{id}/publish. It validates the
// draft, promotes it to published and bumps the version so new conversations
// pin the fresh content.
func (s *Server) publishFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := s.flowByID(id)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("Failed to load flow"))
		return
	}
	if f == nil {
		writeJSONResponse(w, http.StatusNotFound, errorResponse("Flow not found"))
		return
	}
	if f.Draft == nil {
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("Flow has no draft to publish"))
		return
	}
	if err := f.Draft.Validate(); err != nil {
		slog.Warn("publishFlowHandler draft invalid", "error", err, "flow", id)
		writeJSONResponse(w, http.StatusBadRequest, errorResponse("Draft is not publishable: "+err.Error()))
		return
	}

	published := *f.Draft
	f.Published = &published
	f.PublishedVersion++
	f.UpdatedAt = time.Now()
	if err := s.st.SaveFlow(*f); err != nil {
		slog.Error("publishFlowHandler save failed", "error", err, "flow", id)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("Failed to publish flow"))
		return
	}
	slog.Info("Flow published", "flow", id, "version", f.PublishedVersion)
	writeJSONResponse(w, http.StatusOK, okResponse(f))
}

// flowByID loads one flow from the store.
func (s *Server) flowByID(id string) (*models.Flow, error) {
	flows, err := s.st.ListFlows()
	if err != nil {
		slog.Error("flowByID list failed", "error", err)
		return nil, err
	}
	for i := range flows {
		if flows[i].ID == id {
			return &flows[i], nil
		}
	}
	return nil, nil
}
