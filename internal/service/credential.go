package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/anthropics/octobot/internal/crypto"
	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/providers"
	"github.com/anthropics/octobot/internal/store"
)

var (
	// ErrCredentialNotFound is returned when no credential is stored for a
	// provider.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrInvalidProvider is returned for providers outside the registry.
	ErrInvalidProvider = errors.New("invalid provider")
)

// APIKeyCredential is the encrypted payload of an api_key credential.
type APIKeyCredential struct {
	APIKey string `json:"api_key"`
}

// CredentialInfo is the secret-free view of a credential returned by the API.
type CredentialInfo struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Name      string    `json:"name"`
	AuthType  string    `json:"authType"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CredentialEnvVar pairs a decrypted secret with the environment variable
// the sandbox agent reads it from.
type CredentialEnvVar struct {
	EnvVar string `json:"env_var"`
	Value  string `json:"value"`
}

// CredentialService stores provider credentials AES-256-GCM encrypted at
// rest and hands the decrypted secrets to sandboxes as environment
// variables.
type CredentialService struct {
	store     *store.Store
	encryptor *crypto.Encryptor
	log       *zap.SugaredLogger
}

// NewCredentialService creates the credential service. key must be 32 bytes.
func NewCredentialService(s *store.Store, key []byte, log *zap.SugaredLogger) (*CredentialService, error) {
	enc, err := crypto.NewEncryptor(key)
	if err != nil {
		return nil, err
	}
	return &CredentialService{
		store:     s,
		encryptor: enc,
		log:       log.With("component", "credential"),
	}, nil
}

// List returns the credentials of a project, secrets omitted.
func (s *CredentialService) List(ctx context.Context, projectID string) ([]CredentialInfo, error) {
	creds, err := s.store.ListCredentialsByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	infos := make([]CredentialInfo, len(creds))
	for i, c := range creds {
		infos[i] = toCredentialInfo(c)
	}
	return infos, nil
}

// Get returns the credential stored for a provider, secrets omitted.
func (s *CredentialService) Get(ctx context.Context, projectID, provider string) (*CredentialInfo, error) {
	cred, err := s.store.GetCredentialByProvider(ctx, projectID, provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	info := toCredentialInfo(cred)
	return &info, nil
}

// SetAPIKey stores an API key for a provider, replacing any previous
// credential.
func (s *CredentialService) SetAPIKey(ctx context.Context, projectID, provider, name, apiKey string) (*CredentialInfo, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	return s.upsert(ctx, projectID, provider, name, model.CredentialAuthAPIKey, APIKeyCredential{APIKey: apiKey})
}

// SetOAuthToken stores an OAuth token for a provider, replacing any previous
// credential. The token is sealed in its standard JSON shape so refresh
// token and expiry survive round trips.
func (s *CredentialService) SetOAuthToken(ctx context.Context, projectID, provider, name string, token *oauth2.Token) (*CredentialInfo, error) {
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	return s.upsert(ctx, projectID, provider, name, model.CredentialAuthOAuth, token)
}

// GetOAuthToken decrypts and returns the OAuth token stored for a provider.
func (s *CredentialService) GetOAuthToken(ctx context.Context, projectID, provider string) (*oauth2.Token, error) {
	cred, err := s.store.GetCredentialByProvider(ctx, projectID, provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	if cred.AuthType != model.CredentialAuthOAuth {
		return nil, fmt.Errorf("credential for %s is not an oauth token", provider)
	}
	var token oauth2.Token
	if err := s.encryptor.DecryptJSON(cred.EncryptedData, &token); err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return &token, nil
}

// Delete removes the credential stored for a provider.
func (s *CredentialService) Delete(ctx context.Context, projectID, provider string) error {
	err := s.store.DeleteCredential(ctx, projectID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return ErrCredentialNotFound
	}
	return err
}

// GetAllDecrypted decrypts every credential of a project and maps each to
// the environment variable its provider's tooling reads. API keys use the
// provider's first variable; OAuth tokens use the second when the provider
// declares a separate one, the first otherwise. Credentials that fail to
// decrypt are skipped, not fatal.
func (s *CredentialService) GetAllDecrypted(ctx context.Context, projectID string) ([]CredentialEnvVar, error) {
	creds, err := s.store.ListCredentialsByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var out []CredentialEnvVar
	for _, cred := range creds {
		envVars := providers.GetEnvVars(cred.Provider)
		if len(envVars) == 0 {
			continue
		}

		switch cred.AuthType {
		case model.CredentialAuthAPIKey:
			var data APIKeyCredential
			if err := s.encryptor.DecryptJSON(cred.EncryptedData, &data); err != nil {
				s.log.Warnw("failed to decrypt credential", "provider", cred.Provider, "error", err)
				continue
			}
			if data.APIKey != "" {
				out = append(out, CredentialEnvVar{EnvVar: envVars[0], Value: data.APIKey})
			}

		case model.CredentialAuthOAuth:
			var token oauth2.Token
			if err := s.encryptor.DecryptJSON(cred.EncryptedData, &token); err != nil {
				s.log.Warnw("failed to decrypt credential", "provider", cred.Provider, "error", err)
				continue
			}
			if token.AccessToken == "" {
				continue
			}
			envVar := envVars[0]
			if len(envVars) > 1 {
				envVar = envVars[1]
			}
			out = append(out, CredentialEnvVar{EnvVar: envVar, Value: token.AccessToken})
		}
	}
	return out, nil
}

// EnvForProject returns the decrypted credentials as an environment map,
// injected into sandboxes at create time.
func (s *CredentialService) EnvForProject(ctx context.Context, projectID string) (map[string]string, error) {
	creds, err := s.GetAllDecrypted(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(creds))
	for _, c := range creds {
		env[c.EnvVar] = c.Value
	}
	return env, nil
}

// upsert seals the payload and writes it under the project/provider pair,
// updating in place when a credential already exists.
func (s *CredentialService) upsert(ctx context.Context, projectID, provider, name, authType string, payload any) (*CredentialInfo, error) {
	if providers.Get(provider) == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProvider, provider)
	}

	encrypted, err := s.encryptor.EncryptJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	existing, err := s.store.GetCredentialByProvider(ctx, projectID, provider)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		existing.Name = name
		existing.AuthType = authType
		existing.EncryptedData = encrypted
		if err := s.store.UpdateCredential(ctx, existing); err != nil {
			return nil, err
		}
		info := toCredentialInfo(existing)
		return &info, nil
	}

	cred := &model.Credential{
		ProjectID:     projectID,
		Provider:      provider,
		Name:          name,
		AuthType:      authType,
		EncryptedData: encrypted,
	}
	if err := s.store.CreateCredential(ctx, cred); err != nil {
		return nil, err
	}
	info := toCredentialInfo(cred)
	return &info, nil
}

func toCredentialInfo(c *model.Credential) CredentialInfo {
	return CredentialInfo{
		ID:        c.ID,
		Provider:  c.Provider,
		Name:      c.Name,
		AuthType:  c.AuthType,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
