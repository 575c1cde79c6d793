// Package oauth implements the authorization-code PKCE flows used to
// obtain provider credentials. The server never sees the user's
// browser: the client asks for an authorization URL, sends the user
// there, and posts the resulting code back for the token exchange.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/anthropics/octobot/internal/providers"
)

// Flow drives the authorization-code + PKCE exchange for one provider.
type Flow struct {
	ProviderID  string
	DisplayName string

	config oauth2.Config
}

// NewFlow returns the PKCE flow for a credential provider. Providers
// without a browser flow (API-key only) are rejected.
func NewFlow(providerID, clientID string) (*Flow, error) {
	switch providerID {
	case providers.Anthropic:
		return &Flow{
			ProviderID:  providerID,
			DisplayName: "Anthropic",
			config: oauth2.Config{
				ClientID: clientID,
				Endpoint: oauth2.Endpoint{
					AuthURL:   "https://console.anthropic.com/oauth/authorize",
					TokenURL:  "https://api.anthropic.com/oauth/token",
					AuthStyle: oauth2.AuthStyleInParams,
				},
				Scopes: []string{"api"},
			},
		}, nil
	case providers.Codex:
		return &Flow{
			ProviderID:  providerID,
			DisplayName: "Codex",
			config: oauth2.Config{
				ClientID: clientID,
				Endpoint: oauth2.Endpoint{
					AuthURL:   "https://auth.openai.com/authorize",
					TokenURL:  "https://auth.openai.com/oauth/token",
					AuthStyle: oauth2.AuthStyleInParams,
				},
				Scopes: []string{"openid", "profile", "email", "offline_access"},
			},
		}, nil
	default:
		return nil, fmt.Errorf("provider %q has no oauth flow", providerID)
	}
}

// AuthorizeResponse carries what the client needs to send the user to
// the provider and resume the exchange afterwards. The code verifier
// comes back to us in the exchange request; we keep no flow state.
type AuthorizeResponse struct {
	AuthURL             string `json:"auth_url"`
	State               string `json:"state"`
	CodeVerifier        string `json:"code_verifier"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// Authorize generates the authorization URL and PKCE challenge.
func (f *Flow) Authorize(redirectURI string) (*AuthorizeResponse, error) {
	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	cfg := f.config
	cfg.RedirectURL = redirectURI

	return &AuthorizeResponse{
		AuthURL:             cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		State:               state,
		CodeVerifier:        verifier,
		CodeChallenge:       s256Challenge(verifier),
		CodeChallengeMethod: "S256",
	}, nil
}

// Exchange redeems an authorization code for a token set. The redirect
// URI must match the one the authorization URL was built with.
func (f *Flow) Exchange(ctx context.Context, code, redirectURI, verifier string) (*oauth2.Token, error) {
	cfg := f.config
	cfg.RedirectURL = redirectURI

	token, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	return token, nil
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
