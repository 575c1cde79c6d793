package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anthropics/octobot/internal/middleware"
	"github.com/anthropics/octobot/internal/oauth"
	"github.com/anthropics/octobot/internal/providers"
	"github.com/anthropics/octobot/internal/service"
)

// PutCredentialRequest is the request body for storing an API key.
type PutCredentialRequest struct {
	Name   string `json:"name,omitempty"`
	APIKey string `json:"apiKey"`
}

// OAuthAuthorizeRequest starts a provider OAuth flow.
type OAuthAuthorizeRequest struct {
	RedirectURI string `json:"redirect_uri"`
}

// OAuthExchangeRequest completes a provider OAuth flow.
type OAuthExchangeRequest struct {
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
}

// ListCredentials returns metadata for the project's stored
// credentials. Secret material is never returned.
// GET /api/projects/{projectId}/credentials
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())

	creds, err := h.credentials.List(r.Context(), projectID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	if creds == nil {
		creds = []service.CredentialInfo{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"credentials": creds})
}

// ListCredentialProviders returns the provider registry: which
// providers credentials can be stored for and the env vars each one
// receives in the sandbox.
// GET /api/projects/{projectId}/credentials/providers
func (h *Handler) ListCredentialProviders(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]any{"providers": providers.All()})
}

// GetCredential returns metadata for one stored credential.
// GET /api/projects/{projectId}/credentials/{provider}
func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	provider := chi.URLParam(r, "provider")

	info, err := h.credentials.Get(r.Context(), projectID, provider)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, info)
}

// PutCredential stores an API key for a provider, replacing any
// existing credential.
// PUT /api/projects/{projectId}/credentials/{provider}
func (h *Handler) PutCredential(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	provider := chi.URLParam(r, "provider")

	var req PutCredentialRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.APIKey == "" {
		h.Error(w, http.StatusBadRequest, "apiKey is required")
		return
	}
	name := req.Name
	if name == "" {
		name = provider
	}

	info, err := h.credentials.SetAPIKey(r.Context(), projectID, provider, name, req.APIKey)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, info)
}

// DeleteCredential removes a stored credential.
// DELETE /api/projects/{projectId}/credentials/{provider}
func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	provider := chi.URLParam(r, "provider")

	if err := h.credentials.Delete(r.Context(), projectID, provider); err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// OAuthAuthorize generates the PKCE challenge and authorization URL for
// a provider OAuth flow. The client opens the URL in a browser and
// posts the resulting code to the exchange endpoint.
// POST /api/projects/{projectId}/credentials/{provider}/oauth/authorize
func (h *Handler) OAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var req OAuthAuthorizeRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RedirectURI == "" {
		h.Error(w, http.StatusBadRequest, "redirect_uri is required")
		return
	}

	flow, err := h.oauthFlow(provider)
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := flow.Authorize(req.RedirectURI)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to generate authorization URL")
		return
	}

	h.JSON(w, http.StatusOK, resp)
}

// OAuthExchange redeems an authorization code and stores the resulting
// token set as the project's credential for the provider.
// POST /api/projects/{projectId}/credentials/{provider}/oauth/exchange
func (h *Handler) OAuthExchange(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())
	provider := chi.URLParam(r, "provider")

	var req OAuthExchangeRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch {
	case req.Code == "":
		h.Error(w, http.StatusBadRequest, "code is required")
		return
	case req.RedirectURI == "":
		h.Error(w, http.StatusBadRequest, "redirect_uri is required")
		return
	case req.CodeVerifier == "":
		h.Error(w, http.StatusBadRequest, "code_verifier is required")
		return
	}

	flow, err := h.oauthFlow(provider)
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := flow.Exchange(r.Context(), req.Code, req.RedirectURI, req.CodeVerifier)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "token exchange failed: "+err.Error())
		return
	}

	info, err := h.credentials.SetOAuthToken(r.Context(), projectID, provider, flow.DisplayName+" OAuth", token)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	resp := map[string]any{"credential": info}
	if !token.Expiry.IsZero() {
		resp["expires_at"] = token.Expiry
		resp["expires_in"] = int(time.Until(token.Expiry).Seconds())
	}
	h.JSON(w, http.StatusOK, resp)
}

// oauthFlow maps a provider ID to its configured PKCE flow.
func (h *Handler) oauthFlow(provider string) (*oauth.Flow, error) {
	switch provider {
	case providers.Anthropic:
		return oauth.NewFlow(provider, h.cfg.AnthropicClientID)
	case providers.Codex:
		return oauth.NewFlow(provider, h.cfg.CodexClientID)
	default:
		return oauth.NewFlow(provider, "")
	}
}
