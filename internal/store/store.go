// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/anthropics/octobot/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a guarded write loses a race with a
	// concurrent modification. Callers re-read and retry once.
	ErrConflict = errors.New("conflicting update")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// --- Projects ---

func (s *Store) GetProjectByID(ctx context.Context, id string) (*model.Project, error) {
	var project model.Project
	if err := s.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &project, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]*model.Project, error) {
	var projects []*model.Project
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&projects).Error
	return projects, err
}

func (s *Store) CreateProject(ctx context.Context, project *model.Project) error {
	return s.db.WithContext(ctx).Create(project).Error
}

func (s *Store) UpdateProject(ctx context.Context, project *model.Project) error {
	return s.db.WithContext(ctx).Save(project).Error
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Delete all related records explicitly (no cascade in schema)
		// Order matters due to foreign key relationships
		if err := tx.Where("session_id IN (SELECT id FROM sessions WHERE project_id = ?)", id).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&model.Session{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&model.Workspace{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&model.Agent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&model.Credential{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id = ?", id).Delete(&model.ProjectEvent{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Project{}, "id = ?", id).Error
	})
}

// --- Workspaces ---

func (s *Store) GetWorkspaceByID(ctx context.Context, id string) (*model.Workspace, error) {
	var workspace model.Workspace
	if err := s.db.WithContext(ctx).First(&workspace, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &workspace, nil
}

func (s *Store) ListWorkspacesByProject(ctx context.Context, projectID string) ([]*model.Workspace, error) {
	var workspaces []*model.Workspace
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Find(&workspaces).Error
	return workspaces, err
}

func (s *Store) CreateWorkspace(ctx context.Context, workspace *model.Workspace) error {
	return s.db.WithContext(ctx).Create(workspace).Error
}

func (s *Store) UpdateWorkspace(ctx context.Context, workspace *model.Workspace) error {
	return s.db.WithContext(ctx).Save(workspace).Error
}

// UpdateWorkspaceStatus updates only the status, error message and resolved
// commit for a workspace, leaving other fields untouched.
func (s *Store) UpdateWorkspaceStatus(ctx context.Context, id, status string, errorMessage, commit *string) error {
	updates := map[string]interface{}{
		"status":        status,
		"error_message": errorMessage,
	}
	if commit != nil {
		updates["commit"] = *commit
	}
	return s.db.WithContext(ctx).Model(&model.Workspace{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id IN (SELECT id FROM sessions WHERE workspace_id = ?)", id).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("workspace_id = ?", id).Delete(&model.Session{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Workspace{}, "id = ?", id).Error
	})
}

// --- Sessions ---

func (s *Store) GetSessionByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// ListSessionsByWorkspace returns sessions for a workspace.
// If includeClosed is false, sessions whose changes were committed back
// (commit_status = 'completed') are excluded.
func (s *Store) ListSessionsByWorkspace(ctx context.Context, workspaceID string, includeClosed bool) ([]*model.Session, error) {
	var sessions []*model.Session
	query := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID)
	if !includeClosed {
		query = query.Where("commit_status != ?", model.CommitStatusCompleted)
	}
	err := query.Order("created_at ASC").Find(&sessions).Error
	return sessions, err
}

func (s *Store) ListSessionsByProject(ctx context.Context, projectID string) ([]*model.Session, error) {
	var sessions []*model.Session
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at ASC").Find(&sessions).Error
	return sessions, err
}

// ListSessionsByStatuses returns all sessions with any of the given statuses.
func (s *Store) ListSessionsByStatuses(ctx context.Context, statuses []string) ([]*model.Session, error) {
	var sessions []*model.Session
	err := s.db.WithContext(ctx).Where("status IN ?", statuses).Find(&sessions).Error
	return sessions, err
}

func (s *Store) CreateSession(ctx context.Context, session *model.Session) error {
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *Store) UpdateSession(ctx context.Context, session *model.Session) error {
	return s.db.WithContext(ctx).Save(session).Error
}

// UpdateSessionChecked applies updates only if the row still carries the
// expected updated_at. Returns ErrConflict when a concurrent write got
// there first; the caller re-reads and retries.
func (s *Store) UpdateSessionChecked(ctx context.Context, id string, expectedUpdatedAt time.Time, updates map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND updated_at = ?", id, expectedUpdatedAt).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&model.Session{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// UpdateSessionStatus updates only the status and error message fields for a session.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string, errorMessage *string) error {
	updates := map[string]interface{}{
		"status": status,
	}
	if errorMessage != nil {
		updates["error_message"] = *errorMessage
	} else {
		updates["error_message"] = nil
	}
	return s.db.WithContext(ctx).Model(&model.Session{}).Where("id = ?", id).Updates(updates).Error
}

// CASSessionStatus transitions a session from one status to another only if
// it still has the expected status, recording errorMessage (nil clears) in
// the same statement. Returns false when the guard failed.
func (s *Store) CASSessionStatus(ctx context.Context, id, fromStatus, toStatus string, errorMessage *string) (bool, error) {
	updates := map[string]interface{}{
		"status": toStatus,
	}
	if errorMessage != nil {
		updates["error_message"] = *errorMessage
	} else {
		updates["error_message"] = nil
	}
	result := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdateSessionCommitStatus updates only the commit status for a session.
func (s *Store) UpdateSessionCommitStatus(ctx context.Context, id, commitStatus string) error {
	return s.db.WithContext(ctx).Model(&model.Session{}).Where("id = ?", id).
		Update("commit_status", commitStatus).Error
}

// UpdateSessionWorkspace updates the resolved workspace path and commit for a session.
func (s *Store) UpdateSessionWorkspace(ctx context.Context, id, workspacePath, workspaceCommit string) error {
	updates := map[string]interface{}{
		"workspace_path": workspacePath,
	}
	if workspaceCommit != "" {
		updates["workspace_commit"] = workspaceCommit
	}
	return s.db.WithContext(ctx).Model(&model.Session{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateSessionSandbox records the sandbox id backing a session. Pass nil
// to clear it after the sandbox is removed.
func (s *Store) UpdateSessionSandbox(ctx context.Context, id string, sandboxID *string) error {
	return s.db.WithContext(ctx).Model(&model.Session{}).Where("id = ?", id).
		Update("sandbox_id", sandboxID).Error
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Session{}, "id = ?", id).Error
	})
}

// --- Agents ---

func (s *Store) GetAgentByID(ctx context.Context, id string) (*model.Agent, error) {
	var agent model.Agent
	if err := s.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &agent, nil
}

func (s *Store) GetDefaultAgent(ctx context.Context, projectID string) (*model.Agent, error) {
	var agent model.Agent
	if err := s.db.WithContext(ctx).First(&agent, "project_id = ? AND is_default = ?", projectID, true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &agent, nil
}

func (s *Store) ListAgentsByProject(ctx context.Context, projectID string) ([]*model.Agent, error) {
	var agents []*model.Agent
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Find(&agents).Error
	return agents, err
}

func (s *Store) CreateAgent(ctx context.Context, agent *model.Agent) error {
	return s.db.WithContext(ctx).Create(agent).Error
}

func (s *Store) UpdateAgent(ctx context.Context, agent *model.Agent) error {
	return s.db.WithContext(ctx).Save(agent).Error
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Nullify agent references in sessions (don't delete sessions)
		if err := tx.Model(&model.Session{}).Where("agent_id = ?", id).Update("agent_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Agent{}, "id = ?", id).Error
	})
}

// SetDefaultAgent makes the given agent the project default, clearing any
// previous default in the same transaction.
func (s *Store) SetDefaultAgent(ctx context.Context, projectID, agentID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Agent{}).Where("project_id = ?", projectID).Update("is_default", false).Error; err != nil {
			return err
		}
		return tx.Model(&model.Agent{}).Where("id = ?", agentID).Update("is_default", true).Error
	})
}

// --- Messages ---

func (s *Store) ListMessagesBySession(ctx context.Context, sessionID string) ([]*model.Message, error) {
	var messages []*model.Message
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("seq ASC").Find(&messages).Error
	return messages, err
}

func (s *Store) GetMessageByID(ctx context.Context, id string) (*model.Message, error) {
	var message model.Message
	if err := s.db.WithContext(ctx).First(&message, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &message, nil
}

func (s *Store) CreateMessage(ctx context.Context, message *model.Message) error {
	return s.db.WithContext(ctx).Create(message).Error
}

// UpsertMessage creates the message or, if a row with the same id exists,
// replaces its parts. Completion relays call this repeatedly while blocks
// stream in, so the write must be idempotent per message id.
func (s *Store) UpsertMessage(ctx context.Context, message *model.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Message
		err := tx.First(&existing, "id = ?", message.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(message).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&existing).Update("parts", message.Parts).Error
	})
}

// --- Credentials ---

func (s *Store) GetCredentialByProvider(ctx context.Context, projectID, provider string) (*model.Credential, error) {
	var credential model.Credential
	if err := s.db.WithContext(ctx).First(&credential, "project_id = ? AND provider = ?", projectID, provider).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &credential, nil
}

func (s *Store) ListCredentialsByProject(ctx context.Context, projectID string) ([]*model.Credential, error) {
	var credentials []*model.Credential
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Find(&credentials).Error
	return credentials, err
}

func (s *Store) CreateCredential(ctx context.Context, credential *model.Credential) error {
	return s.db.WithContext(ctx).Create(credential).Error
}

func (s *Store) UpdateCredential(ctx context.Context, credential *model.Credential) error {
	return s.db.WithContext(ctx).Save(credential).Error
}

func (s *Store) DeleteCredential(ctx context.Context, projectID, provider string) error {
	result := s.db.WithContext(ctx).Delete(&model.Credential{}, "project_id = ? AND provider = ?", projectID, provider)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Project Events ---

// CreateProjectEvent persists a new event for a project.
func (s *Store) CreateProjectEvent(ctx context.Context, event *model.ProjectEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

// ListProjectEventsSince returns all events for a project created after the given time.
// Events are returned in ascending sequence order.
func (s *Store) ListProjectEventsSince(ctx context.Context, projectID string, since time.Time) ([]model.ProjectEvent, error) {
	var events []model.ProjectEvent
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND created_at > ?", projectID, since).
		Order("seq ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ListProjectEventsAfterID returns all events for a project recorded after
// the event with the given ID. Used to resume an event stream.
func (s *Store) ListProjectEventsAfterID(ctx context.Context, projectID, afterID string) ([]model.ProjectEvent, error) {
	var refEvent model.ProjectEvent
	if err := s.db.WithContext(ctx).First(&refEvent, "id = ?", afterID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Unknown reference event: replay everything the project has
			return s.ListProjectEventsSince(ctx, projectID, time.Time{})
		}
		return nil, err
	}

	var events []model.ProjectEvent
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND seq > ?", projectID, refEvent.Seq).
		Order("seq ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ListEventsAfterSeq returns all events (across all projects) with seq > afterSeq.
// Events are returned in ascending order by sequence number.
// This is used by the event poller to fetch new events globally.
func (s *Store) ListEventsAfterSeq(ctx context.Context, afterSeq int64, limit int) ([]model.ProjectEvent, error) {
	var events []model.ProjectEvent
	query := s.db.WithContext(ctx).
		Where("seq > ?", afterSeq).
		Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// GetMaxEventSeq returns the maximum sequence number of all events.
// Returns 0 if there are no events.
func (s *Store) GetMaxEventSeq(ctx context.Context) (int64, error) {
	var maxSeq int64
	err := s.db.WithContext(ctx).
		Model(&model.ProjectEvent{}).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	return maxSeq, err
}

// DeleteOldProjectEvents deletes events older than the specified duration.
// Called periodically by the broker's retention sweep.
func (s *Store) DeleteOldProjectEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&model.ProjectEvent{})
	return result.RowsAffected, result.Error
}

// CapProjectEvents deletes the oldest events of a project beyond max,
// keeping the newest max rows. Returns the number of rows removed.
func (s *Store) CapProjectEvents(ctx context.Context, projectID string, max int) (int64, error) {
	if max <= 0 {
		return 0, nil
	}
	var seqs []int64
	err := s.db.WithContext(ctx).
		Model(&model.ProjectEvent{}).
		Where("project_id = ?", projectID).
		Order("seq DESC").
		Offset(max).
		Limit(1).
		Pluck("seq", &seqs).Error
	if err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).
		Where("project_id = ? AND seq <= ?", projectID, seqs[0]).
		Delete(&model.ProjectEvent{})
	return result.RowsAffected, result.Error
}

// ListEventProjectIDs returns the distinct project ids that have stored events.
func (s *Store) ListEventProjectIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&model.ProjectEvent{}).
		Distinct("project_id").
		Pluck("project_id", &ids).Error
	return ids, err
}
