// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultProjectID is the project every deployment starts with. Session
// base directories, the pre-warmed VM, and the no-auth mode all assume it
// exists.
const DefaultProjectID = "local"

// Project represents a multi-tenant container.
type Project struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	Name      string    `gorm:"not null;type:text" json:"name"`
	Slug      string    `gorm:"uniqueIndex;not null;type:text" json:"slug"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Workspaces []Workspace `gorm:"foreignKey:ProjectID" json:"-"`
	Agents     []Agent     `gorm:"foreignKey:ProjectID" json:"-"`
}

func (Project) TableName() string { return "projects" }

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// NewDefaultProject returns the project seeded for fresh deployments.
func NewDefaultProject() *Project {
	return &Project{
		ID:   DefaultProjectID,
		Name: "Local",
		Slug: "local",
	}
}

// Workspace status constants representing the lifecycle of a workspace.
const (
	WorkspaceStatusInitializing = "initializing"
	WorkspaceStatusCloning      = "cloning"
	WorkspaceStatusReady        = "ready"
	WorkspaceStatusError        = "error"
)

// Workspace source types.
const (
	WorkspaceSourceLocal = "local"
	WorkspaceSourceGit   = "git"
)

// Workspace represents a working directory origin (local folder or git repo).
type Workspace struct {
	ID           string    `gorm:"primaryKey;type:text" json:"id"`
	ProjectID    string    `gorm:"column:project_id;not null;type:text;index" json:"projectId"`
	Name         string    `gorm:"not null;type:text" json:"name"`
	Path         string    `gorm:"not null;type:text" json:"path"`
	SourceType   string    `gorm:"column:source_type;not null;type:text" json:"sourceType"`
	Status       string    `gorm:"not null;type:text;default:initializing" json:"status"`
	ErrorMessage *string   `gorm:"column:error_message;type:text" json:"errorMessage,omitempty"`
	Commit       *string   `gorm:"type:text" json:"commit,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Project  *Project  `gorm:"foreignKey:ProjectID" json:"-"`
	Sessions []Session `gorm:"foreignKey:WorkspaceID" json:"-"`
}

func (Workspace) TableName() string { return "workspaces" }

func (w *Workspace) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	return nil
}

// Session status constants. The wire values are what SSE clients see.
const (
	SessionStatusInitializing    = "initializing"
	SessionStatusReinitializing  = "reinitializing"
	SessionStatusCloning         = "cloning"
	SessionStatusPullingImage    = "pullingImage"
	SessionStatusCreatingSandbox = "creatingSandbox"
	SessionStatusReady           = "ready"
	SessionStatusRunning         = "running" // a completion is in flight
	SessionStatusStopped         = "stopped"
	SessionStatusError           = "error"
	SessionStatusRemoving        = "removing"
	SessionStatusRemoved         = "removed"
)

// Commit status constants, orthogonal to session status.
const (
	CommitStatusNone       = "none"
	CommitStatusPending    = "pending"
	CommitStatusCommitting = "committing"
	CommitStatusCompleted  = "completed"
	CommitStatusFailed     = "failed"
)

// Session represents a chat thread with exclusive use of one sandbox.
type Session struct {
	ID           string    `gorm:"primaryKey;type:text" json:"id"`
	ProjectID    string    `gorm:"column:project_id;not null;type:text;index" json:"projectId"`
	WorkspaceID  string    `gorm:"column:workspace_id;not null;type:text;index" json:"workspaceId"`
	AgentID      *string   `gorm:"column:agent_id;type:text;index" json:"agentId,omitempty"`
	Name         string    `gorm:"not null;type:text" json:"name"`
	Status       string    `gorm:"not null;type:text;default:initializing" json:"status"`
	CommitStatus string    `gorm:"column:commit_status;not null;type:text;default:none" json:"commitStatus"`
	ErrorMessage *string   `gorm:"column:error_message;type:text" json:"errorMessage,omitempty"`
	SandboxID    *string   `gorm:"column:sandbox_id;type:text" json:"sandboxId,omitempty"`
	// Workspace placement resolved during the cloning step; the sandbox
	// is created against these.
	WorkspacePath   *string   `gorm:"column:workspace_path;type:text" json:"workspacePath,omitempty"`
	WorkspaceCommit *string   `gorm:"column:workspace_commit;type:text" json:"workspaceCommit,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Project   *Project   `gorm:"foreignKey:ProjectID" json:"-"`
	Workspace *Workspace `gorm:"foreignKey:WorkspaceID" json:"-"`
	Agent     *Agent     `gorm:"foreignKey:AgentID" json:"-"`
	Messages  []Message  `gorm:"foreignKey:SessionID" json:"-"`
}

func (Session) TableName() string { return "sessions" }

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// Agent represents an AI agent configuration bound to sessions.
type Agent struct {
	ID           string          `gorm:"primaryKey;type:text" json:"id"`
	ProjectID    string          `gorm:"column:project_id;not null;type:text;index" json:"projectId"`
	Name         string          `gorm:"not null;type:text" json:"name"`
	Model        string          `gorm:"not null;type:text" json:"model"`
	SystemPrompt *string         `gorm:"column:system_prompt;type:text" json:"systemPrompt,omitempty"`
	MCPServers   json.RawMessage `gorm:"column:mcp_servers;type:text" json:"mcpServers,omitempty"`
	IsDefault    bool            `gorm:"column:is_default;default:false" json:"isDefault"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`

	Project *Project `gorm:"foreignKey:ProjectID" json:"-"`
}

func (Agent) TableName() string { return "agents" }

func (a *Agent) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// Message represents a chat message in a session. Parts is a JSON array of
// typed blocks (text, reasoning, tool call); block ids are unique within
// the message. Seq gives messages a total order per session.
type Message struct {
	ID        string          `gorm:"primaryKey;type:text" json:"id"`
	Seq       int64           `gorm:"column:seq;autoIncrement;uniqueIndex" json:"seq"`
	SessionID string          `gorm:"column:session_id;not null;type:text;index" json:"sessionId"`
	Role      string          `gorm:"not null;type:text" json:"role"`
	Parts     json.RawMessage `gorm:"type:text;not null" json:"parts"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"createdAt"`

	Session *Session `gorm:"foreignKey:SessionID" json:"-"`
}

func (Message) TableName() string { return "messages" }

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// TextPart represents a text part in a message.
type TextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewTextParts creates a JSON parts array with a single text part.
func NewTextParts(text string) json.RawMessage {
	parts := []TextPart{{Type: "text", Text: text}}
	data, _ := json.Marshal(parts)
	return data
}

// Credential auth types.
const (
	CredentialAuthAPIKey = "api_key"
	CredentialAuthOAuth  = "oauth"
)

// Credential represents stored credentials for AI providers.
// EncryptedData is an AES-256-GCM sealed JSON blob.
type Credential struct {
	ID            string    `gorm:"primaryKey;type:text" json:"id"`
	ProjectID     string    `gorm:"column:project_id;not null;type:text;uniqueIndex:idx_project_provider" json:"projectId"`
	Provider      string    `gorm:"not null;type:text;uniqueIndex:idx_project_provider" json:"provider"`
	Name          string    `gorm:"not null;type:text" json:"name"`
	AuthType      string    `gorm:"column:auth_type;not null;type:text" json:"authType"`
	EncryptedData []byte    `gorm:"column:encrypted_data" json:"-"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Project *Project `gorm:"foreignKey:ProjectID" json:"-"`
}

func (Credential) TableName() string { return "credentials" }

func (c *Credential) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// ProjectEvent represents a persisted event for a project. Seq is the
// broker's strictly increasing cursor; ID is the public event id clients
// deduplicate on.
type ProjectEvent struct {
	ID        string          `gorm:"primaryKey;type:text" json:"id"`
	Seq       int64           `gorm:"column:seq;autoIncrement;uniqueIndex" json:"seq"`
	ProjectID string          `gorm:"column:project_id;not null;type:text;index:idx_project_seq,priority:1" json:"projectId"`
	Type      string          `gorm:"not null;type:text" json:"type"`
	Data      json.RawMessage `gorm:"type:text;not null" json:"data"`
	CreatedAt time.Time       `gorm:"autoCreateTime;index:idx_project_seq,priority:2" json:"createdAt"`

	Project *Project `gorm:"foreignKey:ProjectID" json:"-"`
}

func (ProjectEvent) TableName() string { return "project_events" }

func (e *ProjectEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Project{},
		&Workspace{},
		&Session{},
		&Agent{},
		&Message{},
		&Credential{},
		&ProjectEvent{},
	}
}
