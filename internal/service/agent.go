package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/store"
)

// MCPServerConfig is one entry of an agent's mcpServers list. The core only
// validates the shape; the sandbox interprets it.
type MCPServerConfig struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"` // "stdio" or "http"
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Enabled bool              `json:"enabled"`
}

// AgentService handles agent configurations: the model, system prompt and
// MCP servers a session's sandbox runs with.
type AgentService struct {
	store *store.Store
	log   *zap.SugaredLogger
}

// NewAgentService creates the agent service.
func NewAgentService(s *store.Store, log *zap.SugaredLogger) *AgentService {
	return &AgentService{store: s, log: log.With("component", "agent")}
}

// List returns the agents of a project.
func (s *AgentService) List(ctx context.Context, projectID string) ([]*model.Agent, error) {
	return s.store.ListAgentsByProject(ctx, projectID)
}

// Get returns an agent, verifying project ownership.
func (s *AgentService) Get(ctx context.Context, projectID, agentID string) (*model.Agent, error) {
	agent, err := s.store.GetAgentByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.ProjectID != projectID {
		return nil, fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	return agent, nil
}

// CreateAgentOptions carries the attributes of a new agent.
type CreateAgentOptions struct {
	Name         string
	Model        string
	SystemPrompt string
	MCPServers   json.RawMessage
	IsDefault    bool
}

// Create creates an agent. The first agent of a project becomes its default
// regardless of the flag, so sessions always have one to bind to.
func (s *AgentService) Create(ctx context.Context, projectID string, opts CreateAgentOptions) (*model.Agent, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if err := validateMCPServers(opts.MCPServers); err != nil {
		return nil, err
	}

	existing, err := s.store.ListAgentsByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	var promptPtr *string
	if opts.SystemPrompt != "" {
		promptPtr = &opts.SystemPrompt
	}

	agent := &model.Agent{
		ProjectID:    projectID,
		Name:         opts.Name,
		Model:        opts.Model,
		SystemPrompt: promptPtr,
		MCPServers:   opts.MCPServers,
		IsDefault:    opts.IsDefault || len(existing) == 0,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	if agent.IsDefault {
		if err := s.store.SetDefaultAgent(ctx, projectID, agent.ID); err != nil {
			s.log.Warnw("failed to set default agent", "agent", agent.ID, "error", err)
		}
	}

	return agent, nil
}

// UpdateAgentOptions carries a partial agent update; nil fields are left
// unchanged.
type UpdateAgentOptions struct {
	Name         *string
	Model        *string
	SystemPrompt *string
	MCPServers   json.RawMessage
}

// Update applies a partial update to an agent.
func (s *AgentService) Update(ctx context.Context, projectID, agentID string, opts UpdateAgentOptions) (*model.Agent, error) {
	agent, err := s.Get(ctx, projectID, agentID)
	if err != nil {
		return nil, err
	}

	if opts.Name != nil {
		agent.Name = *opts.Name
	}
	if opts.Model != nil {
		agent.Model = *opts.Model
	}
	if opts.SystemPrompt != nil {
		agent.SystemPrompt = opts.SystemPrompt
	}
	if opts.MCPServers != nil {
		if err := validateMCPServers(opts.MCPServers); err != nil {
			return nil, err
		}
		agent.MCPServers = opts.MCPServers
	}

	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}
	return agent, nil
}

// Delete removes an agent. Sessions keep their agent id; a dangling id just
// means completions fall back to the sandbox's default model.
func (s *AgentService) Delete(ctx context.Context, projectID, agentID string) error {
	if _, err := s.Get(ctx, projectID, agentID); err != nil {
		return err
	}
	return s.store.DeleteAgent(ctx, agentID)
}

// SetDefault marks one agent as the project default, clearing the flag on
// the others.
func (s *AgentService) SetDefault(ctx context.Context, projectID, agentID string) error {
	if _, err := s.Get(ctx, projectID, agentID); err != nil {
		return err
	}
	return s.store.SetDefaultAgent(ctx, projectID, agentID)
}

// validateMCPServers rejects mcpServers payloads that do not decode as a
// list of server configs.
func validateMCPServers(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var servers []MCPServerConfig
	if err := json.Unmarshal(raw, &servers); err != nil {
		return fmt.Errorf("invalid mcpServers: %w", err)
	}
	return nil
}
