package handler

import (
	"net/http"

	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/startup"
	"github.com/anthropics/octobot/internal/version"
)

// SystemStatus is the GET /api/status response: startup checks and
// tasks plus the active sandbox provider's runtime state.
type SystemStatus struct {
	startup.SystemStatusResponse
	Version  string                  `json:"version"`
	Provider *sandbox.ProviderStatus `json:"provider,omitempty"`
}

// GetSystemStatus reports whether the backend is ready for sessions.
// Reachable without a bearer token: clients poll it during startup,
// before any token has been entered.
// GET /api/status
func (h *Handler) GetSystemStatus(w http.ResponseWriter, _ *http.Request) {
	status := SystemStatus{Version: version.Get()}

	if h.system != nil {
		status.SystemStatusResponse = h.system.GetSystemStatus()
	} else {
		status.SystemStatusResponse = startup.SystemStatusResponse{
			OK:       true,
			Messages: []startup.StatusMessage{},
		}
	}

	if h.sandboxes != nil {
		if sp, ok := h.sandboxes.Provider().(sandbox.StatusProvider); ok {
			ps := sp.Status()
			status.Provider = &ps
		}
	}

	h.JSON(w, http.StatusOK, status)
}
