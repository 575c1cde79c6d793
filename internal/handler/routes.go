package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/anthropics/octobot/internal/middleware"
)

// Routes assembles the management API router. Health and status stay
// outside the auth gate so a client can poll startup progress before it
// has a token.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/status", h.GetSystemStatus)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.BearerAuth(h.cfg))

		r.Get("/projects", h.ListProjects)
		r.Post("/projects", h.CreateProject)

		r.Route("/projects/{projectId}", func(r chi.Router) {
			r.Use(middleware.ProjectCtx(h.store))

			r.Get("/", h.GetProject)
			r.Put("/", h.UpdateProject)
			r.Delete("/", h.DeleteProject)

			r.Get("/events", h.Events)

			r.Route("/workspaces", func(r chi.Router) {
				r.Get("/", h.ListWorkspaces)
				r.Post("/", h.CreateWorkspace)
				r.Get("/{workspaceId}", h.GetWorkspace)
				r.Put("/{workspaceId}", h.UpdateWorkspace)
				r.Delete("/{workspaceId}", h.DeleteWorkspace)

				r.Get("/{workspaceId}/sessions", h.ListSessions)
				r.Post("/{workspaceId}/sessions", h.CreateSession)
			})

			r.Route("/sessions/{sessionId}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Put("/", h.UpdateSession)
				r.Delete("/", h.DeleteSession)

				r.Post("/chat", h.StartChat)
				r.Get("/chat", h.GetChatMessages)
				r.Post("/chat/cancel", h.CancelChat)

				r.Get("/diff", h.GetSessionDiff)
				r.Post("/commits", h.CommitSession)

				r.Get("/terminal", h.Terminal)

				r.Get("/files", h.ListSessionFiles)
				r.Get("/file", h.ReadSessionFile)
				r.Put("/file", h.WriteSessionFile)

				r.Get("/services", h.ListServices)
				r.Post("/services/{serviceId}/start", h.StartService)
				r.Post("/services/{serviceId}/stop", h.StopService)
				r.Get("/services/{serviceId}/output", h.GetServiceOutput)
			})

			r.Route("/agents", func(r chi.Router) {
				r.Get("/", h.ListAgents)
				r.Post("/", h.CreateAgent)
				r.Post("/default", h.SetDefaultAgent)
				r.Get("/{agentId}", h.GetAgent)
				r.Put("/{agentId}", h.UpdateAgent)
				r.Delete("/{agentId}", h.DeleteAgent)
			})

			r.Route("/credentials", func(r chi.Router) {
				r.Get("/", h.ListCredentials)
				r.Get("/providers", h.ListCredentialProviders)
				r.Get("/{provider}", h.GetCredential)
				r.Put("/{provider}", h.PutCredential)
				r.Delete("/{provider}", h.DeleteCredential)

				r.Post("/{provider}/oauth/authorize", h.OAuthAuthorize)
				r.Post("/{provider}/oauth/exchange", h.OAuthExchange)
			})
		})
	})

	return r
}
