package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/config"
	"github.com/anthropics/octobot/internal/events"
	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/service"
	"github.com/anthropics/octobot/internal/startup"
	"github.com/anthropics/octobot/internal/store"
)

// Handler contains all HTTP handlers.
type Handler struct {
	store       *store.Store
	cfg         *config.Config
	projects    *service.ProjectService
	agents      *service.AgentService
	workspaces  *service.WorkspaceService
	sessions    *service.SessionService
	chat        *service.ChatService
	sandboxes   *service.SandboxService
	credentials *service.CredentialService
	broker      *events.Broker
	system      *startup.SystemManager
	log         *zap.SugaredLogger
}

// Services carries the constructed service layer into the handler. The
// services are wired together in main (credential source, completion
// canceller, session initializer) before the handler sees them.
type Services struct {
	Projects    *service.ProjectService
	Agents      *service.AgentService
	Workspaces  *service.WorkspaceService
	Sessions    *service.SessionService
	Chat        *service.ChatService
	Sandboxes   *service.SandboxService
	Credentials *service.CredentialService
}

// New creates a Handler over the given services.
func New(s *store.Store, cfg *config.Config, svcs Services, broker *events.Broker, system *startup.SystemManager, log *zap.SugaredLogger) *Handler {
	return &Handler{
		store:       s,
		cfg:         cfg,
		projects:    svcs.Projects,
		agents:      svcs.Agents,
		workspaces:  svcs.Workspaces,
		sessions:    svcs.Sessions,
		chat:        svcs.Chat,
		sandboxes:   svcs.Sandboxes,
		credentials: svcs.Credentials,
		broker:      broker,
		system:      system,
		log:         log.With("component", "handler"),
	}
}

// JSON helper to write JSON responses.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON helper to decode request body.
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// ServiceError translates a service-layer error into an HTTP response.
// A completion conflict carries the occupying completion id so the client
// can attach to the running stream instead of retrying.
func (h *Handler) ServiceError(w http.ResponseWriter, err error) {
	var inProgress *service.CompletionInProgressError
	switch {
	case errors.As(err, &inProgress):
		h.JSON(w, http.StatusConflict, map[string]string{
			"error":        "completion_in_progress",
			"completionId": inProgress.CompletionID,
		})
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, sandbox.ErrNotFound),
		errors.Is(err, service.ErrCredentialNotFound):
		h.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrSessionNotReady),
		errors.Is(err, service.ErrSessionRemoving),
		errors.Is(err, service.ErrNoActiveCompletion),
		errors.Is(err, service.ErrCommitInProgress),
		errors.Is(err, service.ErrNoCommits),
		errors.Is(err, service.ErrHasSessions),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, sandbox.ErrAlreadyRunning),
		errors.Is(err, sandbox.ErrNotRunning):
		h.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, sandbox.ErrProviderNotReady):
		w.Header().Set("Retry-After", "5")
		h.Error(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, service.ErrInvalidProvider):
		h.Error(w, http.StatusBadRequest, err.Error())
	default:
		h.Error(w, http.StatusInternalServerError, err.Error())
	}
}
