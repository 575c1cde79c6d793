package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/anthropics/octobot/internal/middleware"
	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/service"
)

// CreateAgentRequest is the request body for creating an agent.
type CreateAgentRequest struct {
	Name         string          `json:"name"`
	Model        string          `json:"model"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	MCPServers   json.RawMessage `json:"mcpServers,omitempty"`
	IsDefault    bool            `json:"isDefault,omitempty"`
}

// UpdateAgentRequest is the request body for updating an agent. Absent
// fields are left unchanged.
type UpdateAgentRequest struct {
	Name         *string         `json:"name,omitempty"`
	Model        *string         `json:"model,omitempty"`
	SystemPrompt *string         `json:"systemPrompt,omitempty"`
	MCPServers   json.RawMessage `json:"mcpServers,omitempty"`
}

// ListAgents returns all agents of a project.
// GET /api/projects/{projectId}/agents
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())

	agents, err := h.agents.List(r.Context(), projectID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	if agents == nil {
		agents = []*model.Agent{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// CreateAgent creates an agent.
// POST /api/projects/{projectId}/agents
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())

	var req CreateAgentRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agent, err := h.agents.Create(r.Context(), projectID, service.CreateAgentOptions{
		Name:         req.Name,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		MCPServers:   req.MCPServers,
		IsDefault:    req.IsDefault,
	})
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	h.JSON(w, http.StatusCreated, agent)
}

// GetAgent returns a single agent.
// GET /api/projects/{projectId}/agents/{agentId}
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	agentID := chi.URLParam(r, "agentId")

	agent, err := h.agents.Get(r.Context(), projectID, agentID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, agent)
}

// UpdateAgent applies a partial update to an agent.
// PUT /api/projects/{projectId}/agents/{agentId}
func (h *Handler) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	agentID := chi.URLParam(r, "agentId")

	var req UpdateAgentRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agent, err := h.agents.Update(r.Context(), projectID, agentID, service.UpdateAgentOptions{
		Name:         req.Name,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		MCPServers:   req.MCPServers,
	})
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, agent)
}

// DeleteAgent removes an agent.
// DELETE /api/projects/{projectId}/agents/{agentId}
func (h *Handler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	agentID := chi.URLParam(r, "agentId")

	if err := h.agents.Delete(r.Context(), projectID, agentID); err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// SetDefaultAgent marks an agent as the project default.
// POST /api/projects/{projectId}/agents/default
func (h *Handler) SetDefaultAgent(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())

	var req struct {
		AgentID string `json:"agentId"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		h.Error(w, http.StatusBadRequest, "agentId is required")
		return
	}

	if err := h.agents.SetDefault(r.Context(), projectID, req.AgentID); err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
