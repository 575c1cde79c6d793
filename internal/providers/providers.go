// Package providers is the registry of AI providers credentials can be
// stored for, and the environment variables their tooling reads secrets
// from inside the sandbox.
package providers

// Provider identifiers.
const (
	Anthropic     = "anthropic"
	OpenAI        = "openai"
	Codex         = "codex"
	GitHubCopilot = "github-copilot"
)

// Provider describes one credential provider.
type Provider struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Env lists the environment variables the provider's tooling reads:
	// the API key variable first, then the OAuth token variable when the
	// provider uses a separate one.
	Env []string `json:"env"`
}

// registry is ordered for stable listing.
var registry = []Provider{
	{ID: Anthropic, Name: "Anthropic", Env: []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"}},
	{ID: Codex, Name: "Codex", Env: []string{"CODEX_API_KEY"}},
	{ID: GitHubCopilot, Name: "GitHub Copilot", Env: []string{"GITHUB_TOKEN"}},
	{ID: OpenAI, Name: "OpenAI", Env: []string{"OPENAI_API_KEY"}},
}

// All returns every known provider.
func All() []Provider {
	out := make([]Provider, len(registry))
	copy(out, registry)
	return out
}

// Get returns the provider with the given id, or nil.
func Get(id string) *Provider {
	for i := range registry {
		if registry[i].ID == id {
			return &registry[i]
		}
	}
	return nil
}

// GetEnvVars returns the environment variable names for a provider, or nil
// for unknown providers.
func GetEnvVars(id string) []string {
	if p := Get(id); p != nil {
		return p.Env
	}
	return nil
}
