package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/anthropics/octobot/internal/middleware"
	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/service"
	"github.com/anthropics/octobot/internal/store"
)

// CreateSessionRequest is the request body for creating a session.
type CreateSessionRequest struct {
	Name           string `json:"name,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
	InitialMessage string `json:"initialMessage,omitempty"`
}

// requireSession loads a session and verifies it belongs to the project
// in the request context. Sessions are fetched by ID alone, so without
// this check a valid session ID would be reachable through any project.
func (h *Handler) requireSession(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	projectID := middleware.GetProjectID(r.Context())
	sessionID := chi.URLParam(r, "sessionId")

	sess, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		h.ServiceError(w, err)
		return nil, false
	}
	if sess.ProjectID != projectID {
		h.Error(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// ListSessions returns the sessions of a workspace. Closed sessions are
// omitted unless includeClosed=true.
// GET /api/projects/{projectId}/workspaces/{workspaceId}/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	workspaceID := chi.URLParam(r, "workspaceId")

	// Resolve the workspace first so a workspace from another project
	// 404s instead of returning an empty list.
	if _, err := h.workspaces.Get(r.Context(), projectID, workspaceID); err != nil {
		h.ServiceError(w, err)
		return
	}

	includeClosed, _ := strconv.ParseBool(r.URL.Query().Get("includeClosed"))

	sessions, err := h.sessions.ListByWorkspace(r.Context(), workspaceID, includeClosed)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// CreateSession creates a session on a workspace and starts its sandbox
// in the background. The response carries the row in status
// initializing; clients follow session.status events until it is ready.
// POST /api/projects/{projectId}/workspaces/{workspaceId}/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	workspaceID := chi.URLParam(r, "workspaceId")

	var req CreateSessionRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.sessions.Create(r.Context(), projectID, workspaceID, service.CreateSessionOptions{
		Name:           req.Name,
		AgentID:        req.AgentID,
		InitialMessage: req.InitialMessage,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.ServiceError(w, err)
			return
		}
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	h.JSON(w, http.StatusCreated, sess)
}

// GetSession returns a single session.
// GET /api/projects/{projectId}/sessions/{sessionId}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	h.JSON(w, http.StatusOK, sess)
}

// UpdateSession renames a session.
// PUT /api/projects/{projectId}/sessions/{sessionId}
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireSession(w, r); !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		h.Error(w, http.StatusBadRequest, "name is required")
		return
	}

	sess, err := h.sessions.Rename(r.Context(), chi.URLParam(r, "sessionId"), req.Name)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, sess)
}

// DeleteSession tears a session down. The sandbox is removed in the
// background, so the response is 202 and the row transitions through
// status removing before it disappears.
// DELETE /api/projects/{projectId}/sessions/{sessionId}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireSession(w, r); !ok {
		return
	}

	if err := h.sessions.Delete(r.Context(), chi.URLParam(r, "sessionId")); err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusAccepted, map[string]string{"status": "removing"})
}
