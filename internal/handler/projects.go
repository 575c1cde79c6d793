package handler

import (
	"net/http"

	"github.com/anthropics/octobot/internal/middleware"
	"github.com/anthropics/octobot/internal/model"
)

// ListProjects returns all projects.
// GET /api/projects
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.List(r.Context())
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	if projects == nil {
		projects = []*model.Project{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// CreateProject creates a new project.
// POST /api/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
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

	project, err := h.projects.Create(r.Context(), req.Name)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusCreated, project)
}

// GetProject returns a single project.
// GET /api/projects/{projectId}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())

	project, err := h.projects.Get(r.Context(), projectID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, project)
}

// UpdateProject renames a project.
// PUT /api/projects/{projectId}
func (h *Handler) UpdateProject(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())

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

	project, err := h.projects.Rename(r.Context(), projectID, req.Name)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, project)
}

// DeleteProject removes a project. The default project is refused, as are
// projects that still have sessions.
// DELETE /api/projects/{projectId}
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())

	if projectID == model.DefaultProjectID {
		h.Error(w, http.StatusBadRequest, "the default project cannot be deleted")
		return
	}

	if err := h.projects.Delete(r.Context(), projectID); err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
