package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/anthropics/octobot/internal/sandbox/sandboxapi"
)

// ListSessionFiles lists a directory inside the session's sandbox.
// ?path= selects the directory (default the workspace root); ?hidden=
// includes dotfiles.
// GET /api/projects/{projectId}/sessions/{sessionId}/files
func (h *Handler) ListSessionFiles(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireSession(w, r); !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")

	path := r.URL.Query().Get("path")
	includeHidden, _ := strconv.ParseBool(r.URL.Query().Get("hidden"))

	resp, err := h.sandboxes.Client(sessionID).ListFiles(r.Context(), path, includeHidden)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, resp)
}

// ReadSessionFile reads one file from the session's sandbox. Binary
// content comes back base64-encoded, per the response's encoding field.
// GET /api/projects/{projectId}/sessions/{sessionId}/file?path=
func (h *Handler) ReadSessionFile(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireSession(w, r); !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")

	path := r.URL.Query().Get("path")
	if path == "" {
		h.Error(w, http.StatusBadRequest, "path is required")
		return
	}

	resp, err := h.sandboxes.Client(sessionID).ReadFile(r.Context(), path)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, resp)
}

// WriteSessionFile writes one file into the session's sandbox.
// PUT /api/projects/{projectId}/sessions/{sessionId}/file
func (h *Handler) WriteSessionFile(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireSession(w, r); !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")

	var req sandboxapi.WriteFileRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		h.Error(w, http.StatusBadRequest, "path is required")
		return
	}

	resp, err := h.sandboxes.Client(sessionID).WriteFile(r.Context(), &req)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, resp)
}
