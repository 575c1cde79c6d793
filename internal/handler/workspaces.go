package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/anthropics/octobot/internal/middleware"
	"github.com/anthropics/octobot/internal/model"
)

// CreateWorkspaceRequest is the request body for creating a workspace.
type CreateWorkspaceRequest struct {
	Path       string `json:"path"`
	SourceType string `json:"sourceType,omitempty"` // "git" or "local"; empty auto-detects
}

// ListWorkspaces returns all workspaces of a project.
// GET /api/projects/{projectId}/workspaces
func (h *Handler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())

	workspaces, err := h.workspaces.List(r.Context(), projectID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	if workspaces == nil {
		workspaces = []*model.Workspace{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

// CreateWorkspace registers a workspace and starts preparing it in the
// background. The response carries the row in status initializing;
// clients follow workspace.status events for the outcome.
// POST /api/projects/{projectId}/workspaces
func (h *Handler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())

	var req CreateWorkspaceRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	workspace, err := h.workspaces.Create(r.Context(), projectID, req.Path, req.SourceType)
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	h.JSON(w, http.StatusCreated, workspace)
}

// GetWorkspace returns a single workspace.
// GET /api/projects/{projectId}/workspaces/{workspaceId}
func (h *Handler) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	workspaceID := chi.URLParam(r, "workspaceId")

	workspace, err := h.workspaces.Get(r.Context(), projectID, workspaceID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, workspace)
}

// UpdateWorkspace renames a workspace.
// PUT /api/projects/{projectId}/workspaces/{workspaceId}
func (h *Handler) UpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	workspaceID := chi.URLParam(r, "workspaceId")

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

	workspace, err := h.workspaces.Rename(r.Context(), projectID, workspaceID, req.Name)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, workspace)
}

// DeleteWorkspace removes a workspace. Workspaces with sessions are
// refused; the sessions must be removed first.
// DELETE /api/projects/{projectId}/workspaces/{workspaceId}
func (h *Handler) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	workspaceID := chi.URLParam(r, "workspaceId")

	if err := h.workspaces.Delete(r.Context(), projectID, workspaceID); err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetSessionDiff returns the workspace-side diff between the session's
// base commit and the workspace's current state.
// GET /api/projects/{projectId}/sessions/{sessionId}/diff
func (h *Handler) GetSessionDiff(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	sessionID := chi.URLParam(r, "sessionId")

	diff, err := h.workspaces.Diff(r.Context(), projectID, sessionID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, diff)
}

// CommitSession applies the session's sandbox commits back to the
// workspace. The apply runs in the background; the response carries the
// session with commitStatus pending and clients follow session.status
// events for the outcome.
// POST /api/projects/{projectId}/sessions/{sessionId}/commits
func (h *Handler) CommitSession(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	sessionID := chi.URLParam(r, "sessionId")

	sess, err := h.workspaces.CommitSession(r.Context(), projectID, sessionID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusAccepted, sess)
}
