package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/anthropics/octobot/internal/middleware"
	"github.com/anthropics/octobot/internal/model"
)

// StartChatRequest is the request body for starting a completion. The
// messages array is passed through to the agent verbatim.
type StartChatRequest struct {
	Messages json.RawMessage `json:"messages"`
}

// StartChat forwards user messages to the session's agent and returns
// once the completion has been accepted. The completion itself runs in
// the background; progress arrives over the event stream.
// POST /api/projects/{projectId}/sessions/{sessionId}/chat
func (h *Handler) StartChat(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	sessionID := chi.URLParam(r, "sessionId")

	var req StartChatRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		h.Error(w, http.StatusBadRequest, "messages is required")
		return
	}

	completionID, err := h.chat.SendMessage(r.Context(), projectID, sessionID, req.Messages)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusAccepted, map[string]string{
		"completionId": completionID,
		"status":       "started",
	})
}

// GetChatMessages returns the session's transcript in seq order.
// GET /api/projects/{projectId}/sessions/{sessionId}/chat
func (h *Handler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	sessionID := chi.URLParam(r, "sessionId")

	messages, err := h.chat.GetMessages(r.Context(), projectID, sessionID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	if messages == nil {
		messages = []*model.Message{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// CancelChat cancels the session's in-flight completion.
// POST /api/projects/{projectId}/sessions/{sessionId}/chat/cancel
func (h *Handler) CancelChat(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	sessionID := chi.URLParam(r, "sessionId")

	resp, err := h.chat.CancelCompletion(r.Context(), projectID, sessionID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, resp)
}
