package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/events"
	"github.com/anthropics/octobot/internal/git"
	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/store"
)

const (
	// prepareTimeout bounds the background clone of a fresh workspace.
	prepareTimeout = 10 * time.Minute

	// commitApplyTimeout bounds fetching patches from the sandbox and
	// applying them to the working copy.
	commitApplyTimeout = 5 * time.Minute
)

// WorkspaceService manages workspaces: the local or cloned working copies
// sessions are created from. It also owns the session-facing git surface
// (diff, commit apply), since both operate on the workspace working copy.
type WorkspaceService struct {
	store   *store.Store
	git     git.Provider
	sandbox *SandboxService
	broker  *events.Broker
	log     *zap.SugaredLogger
}

// NewWorkspaceService creates the workspace service.
func NewWorkspaceService(s *store.Store, gitProvider git.Provider, sandboxSvc *SandboxService, broker *events.Broker, log *zap.SugaredLogger) *WorkspaceService {
	return &WorkspaceService{
		store:   s,
		git:     gitProvider,
		sandbox: sandboxSvc,
		broker:  broker,
		log:     log.With("component", "workspace"),
	}
}

// Create persists a new workspace in status initializing and prepares its
// working copy in the background. Git sources are cloned; local paths are
// verified in place. Progress is visible via workspace.status events.
func (s *WorkspaceService) Create(ctx context.Context, projectID, path, sourceType string) (*model.Workspace, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	switch sourceType {
	case "":
		sourceType = model.WorkspaceSourceLocal
		if git.IsGitURL(path) {
			sourceType = model.WorkspaceSourceGit
		}
	case model.WorkspaceSourceLocal, model.WorkspaceSourceGit:
	default:
		return nil, fmt.Errorf("invalid sourceType %q", sourceType)
	}

	if sourceType == model.WorkspaceSourceLocal {
		expanded, err := expandPath(path)
		if err != nil {
			return nil, err
		}
		path = expanded
	}

	ws := &model.Workspace{
		ProjectID:  projectID,
		Name:       workspaceName(path),
		Path:       path,
		SourceType: sourceType,
		Status:     model.WorkspaceStatusInitializing,
	}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	s.publishStatus(ctx, projectID, ws.ID, ws.Status, nil)

	go s.prepare(ws.ID)

	return ws, nil
}

// prepare brings a fresh workspace to ready. Sessions created before it
// finishes coalesce on the provider's per-workspace clone lock, so the work
// is never duplicated.
func (s *WorkspaceService) prepare(workspaceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), prepareTimeout)
	defer cancel()

	ws, err := s.store.GetWorkspaceByID(ctx, workspaceID)
	if err != nil {
		s.log.Errorw("workspace vanished before preparation", "workspace", workspaceID, "error", err)
		return
	}

	if ws.SourceType == model.WorkspaceSourceGit || git.IsGitURL(ws.Path) {
		if err := s.setStatus(ctx, ws.ProjectID, ws.ID, model.WorkspaceStatusCloning, nil, nil); err != nil {
			s.log.Errorw("failed to mark workspace cloning", "workspace", ws.ID, "error", err)
			return
		}

		_, commit, err := s.git.Ensure(ctx, ws.ProjectID, ws.ID, ws.Path, "")
		if err != nil {
			s.fail(ctx, ws, fmt.Errorf("clone failed: %w", err))
			return
		}

		var commitPtr *string
		if commit != "" {
			commitPtr = &commit
		}
		if err := s.setStatus(ctx, ws.ProjectID, ws.ID, model.WorkspaceStatusReady, nil, commitPtr); err != nil {
			s.log.Errorw("failed to mark workspace ready", "workspace", ws.ID, "error", err)
		}
		return
	}

	// Local workspaces are worked in place.
	if err := prepareLocalDir(ctx, ws.Path); err != nil {
		s.fail(ctx, ws, err)
		return
	}

	if err := s.setStatus(ctx, ws.ProjectID, ws.ID, model.WorkspaceStatusReady, nil, nil); err != nil {
		s.log.Errorw("failed to mark workspace ready", "workspace", ws.ID, "error", err)
	}
}

// prepareLocalDir verifies a local workspace path, initialising a git
// repository when the directory is missing or empty. A missing directory is
// created only when its parent exists; a non-empty directory must already
// be a git repository.
func prepareLocalDir(ctx context.Context, path string) error {
	info, statErr := os.Stat(path)
	missing := os.IsNotExist(statErr)
	if statErr != nil && !missing {
		return statErr
	}
	if !missing && !info.IsDir() {
		return fmt.Errorf("workspace path is not a directory: %s", path)
	}

	needsInit := false
	if missing {
		parent := filepath.Dir(path)
		if _, err := os.Stat(parent); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("parent directory does not exist: %s", parent)
			}
			return err
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
		needsInit = true
	} else {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		needsInit = len(entries) == 0
	}

	if !needsInit {
		if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("not a git repository: directory must contain a .git folder")
			}
			return err
		}
		return nil
	}

	fail := func(err error) error {
		if missing {
			_ = os.RemoveAll(path)
		}
		return err
	}
	if err := runGitIn(ctx, path, "init"); err != nil {
		return fail(err)
	}
	// An empty commit so HEAD resolves; sessions pin against it.
	if err := runGitIn(ctx, path,
		"-c", "user.email=octobot@localhost",
		"-c", "user.name=Octobot",
		"commit", "--allow-empty", "-m", "Initial commit",
	); err != nil {
		return fail(err)
	}
	return nil
}

func runGitIn(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %s: %v: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// expandPath resolves a leading tilde against the home directory and cleans
// the result.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path), nil
}

// List returns the workspaces of a project.
func (s *WorkspaceService) List(ctx context.Context, projectID string) ([]*model.Workspace, error) {
	return s.store.ListWorkspacesByProject(ctx, projectID)
}

// Get returns a workspace, verifying project ownership.
func (s *WorkspaceService) Get(ctx context.Context, projectID, workspaceID string) (*model.Workspace, error) {
	ws, err := s.store.GetWorkspaceByID(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws.ProjectID != projectID {
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, store.ErrNotFound)
	}
	return ws, nil
}

// Rename updates the workspace's display name.
func (s *WorkspaceService) Rename(ctx context.Context, projectID, workspaceID, name string) (*model.Workspace, error) {
	ws, err := s.Get(ctx, projectID, workspaceID)
	if err != nil {
		return nil, err
	}
	ws.Name = name
	if err := s.store.UpdateWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("failed to update workspace: %w", err)
	}
	return ws, nil
}

// Delete removes a workspace and its cloned working copy. Sessions must be
// removed first so their sandboxes are not orphaned.
func (s *WorkspaceService) Delete(ctx context.Context, projectID, workspaceID string) error {
	if _, err := s.Get(ctx, projectID, workspaceID); err != nil {
		return err
	}

	sessions, err := s.store.ListSessionsByWorkspace(ctx, workspaceID, true)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) > 0 {
		return fmt.Errorf("%w: %d remaining", ErrHasSessions, len(sessions))
	}

	if err := s.git.RemoveWorkspace(ctx, workspaceID); err != nil {
		s.log.Warnw("failed to remove working copy", "workspace", workspaceID, "error", err)
	}

	return s.store.DeleteWorkspace(ctx, workspaceID)
}

// Diff returns the changes accumulated in a session's workspace since the
// commit the session was pinned to, or the whole working-tree diff when the
// session is unpinned.
func (s *WorkspaceService) Diff(ctx context.Context, projectID, sessionID string) (*git.DiffResult, error) {
	sess, err := s.sessionFor(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}

	var from string
	if sess.WorkspaceCommit != nil {
		from = *sess.WorkspaceCommit
	}

	return s.git.Diff(ctx, sess.WorkspaceID, git.DiffOptions{FromCommit: from})
}

// CommitSession pulls the commits a session's agent produced inside its
// sandbox and applies them to the workspace working copy. The apply runs in
// the background; callers observe progress as commitStatus on session.status
// events (pending, committing, completed or failed).
func (s *WorkspaceService) CommitSession(ctx context.Context, projectID, sessionID string) (*model.Session, error) {
	sess, err := s.sessionFor(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}

	switch sess.CommitStatus {
	case model.CommitStatusPending, model.CommitStatusCommitting:
		return nil, ErrCommitInProgress
	}

	switch sess.Status {
	case model.SessionStatusReady, model.SessionStatusRunning:
	default:
		return nil, fmt.Errorf("%w: session is %s", ErrSessionNotReady, sess.Status)
	}

	if err := s.setCommitStatus(ctx, sess, model.CommitStatusPending, nil); err != nil {
		return nil, err
	}

	go s.applyCommits(sess.ProjectID, sess.ID)

	sess.CommitStatus = model.CommitStatusPending
	return sess, nil
}

// applyCommits runs one commit apply end to end: fetch mail-format patches
// from the sandbox, fast-forward the working copy, advance the session's
// pinned commit and the workspace's current commit.
func (s *WorkspaceService) applyCommits(projectID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), commitApplyTimeout)
	defer cancel()

	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		s.log.Errorw("session vanished before commit apply", "session", sessionID, "error", err)
		return
	}

	if err := s.setCommitStatus(ctx, sess, model.CommitStatusCommitting, nil); err != nil {
		s.log.Errorw("failed to mark session committing", "session", sessionID, "error", err)
		return
	}

	s.sandbox.RecordActivity(sessionID)

	err = s.performApply(ctx, sess)
	if err != nil {
		s.log.Warnw("commit apply failed", "session", sessionID, "error", err)
		errMsg := err.Error()
		if serr := s.setCommitStatus(ctx, sess, model.CommitStatusFailed, &errMsg); serr != nil {
			s.log.Errorw("failed to record commit failure", "session", sessionID, "error", serr)
		}
		return
	}

	if err := s.setCommitStatus(ctx, sess, model.CommitStatusCompleted, nil); err != nil {
		s.log.Errorw("failed to mark commit completed", "session", sessionID, "error", err)
	}
}

func (s *WorkspaceService) performApply(ctx context.Context, sess *model.Session) error {
	ws, err := s.store.GetWorkspaceByID(ctx, sess.WorkspaceID)
	if err != nil {
		return fmt.Errorf("workspace not found: %w", err)
	}

	parent := ""
	if sess.WorkspaceCommit != nil {
		parent = *sess.WorkspaceCommit
	} else if ws.Commit != nil {
		parent = *ws.Commit
	}

	commits, err := s.sandbox.Client(sess.ID).GetCommits(ctx, parent)
	if err != nil {
		return fmt.Errorf("failed to fetch commits from sandbox: %w", err)
	}
	if commits.CommitCount == 0 || commits.Patches == "" {
		return ErrNoCommits
	}

	sha, err := s.git.ApplyCommits(ctx, sess.WorkspaceID, []byte(commits.Patches))
	if err != nil {
		return err
	}

	s.log.Infow("applied sandbox commits",
		"session", sess.ID,
		"workspace", sess.WorkspaceID,
		"commits", commits.CommitCount,
		"head", sha)

	// The fast-forwarded sha becomes the parent for the next apply.
	if err := s.store.UpdateSessionWorkspace(ctx, sess.ID, valueOr(sess.WorkspacePath, ""), sha); err != nil {
		s.log.Warnw("failed to advance session commit", "session", sess.ID, "error", err)
	}
	if err := s.store.UpdateWorkspaceStatus(ctx, ws.ID, ws.Status, nil, &sha); err != nil {
		s.log.Warnw("failed to advance workspace commit", "workspace", ws.ID, "error", err)
	}

	return nil
}

// sessionFor loads a session and verifies project ownership.
func (s *WorkspaceService) sessionFor(ctx context.Context, projectID, sessionID string) (*model.Session, error) {
	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ProjectID != projectID {
		return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	return sess, nil
}

// setCommitStatus writes the session's commit status and publishes a
// session.status event carrying it. The session status itself is unchanged.
func (s *WorkspaceService) setCommitStatus(ctx context.Context, sess *model.Session, commitStatus string, errMsg *string) error {
	if err := s.store.UpdateSessionCommitStatus(ctx, sess.ID, commitStatus); err != nil {
		return fmt.Errorf("failed to update commit status: %w", err)
	}
	if s.broker != nil {
		if err := s.broker.PublishSessionStatus(ctx, sess.ProjectID, sess.ID, sess.Status, commitStatus, errMsg); err != nil {
			s.log.Warnw("failed to publish commit status", "session", sess.ID, "error", err)
		}
	}
	return nil
}

// setStatus writes the workspace status and publishes the matching
// workspace.status event.
func (s *WorkspaceService) setStatus(ctx context.Context, projectID, workspaceID, status string, errMsg, commit *string) error {
	if err := s.store.UpdateWorkspaceStatus(ctx, workspaceID, status, errMsg, commit); err != nil {
		return fmt.Errorf("failed to update workspace status: %w", err)
	}
	s.publishStatus(ctx, projectID, workspaceID, status, errMsg)
	return nil
}

func (s *WorkspaceService) fail(ctx context.Context, ws *model.Workspace, cause error) {
	s.log.Warnw("workspace preparation failed", "workspace", ws.ID, "error", cause)
	errMsg := cause.Error()
	if err := s.setStatus(ctx, ws.ProjectID, ws.ID, model.WorkspaceStatusError, &errMsg, nil); err != nil {
		s.log.Errorw("failed to record workspace error", "workspace", ws.ID, "error", err)
	}
}

func (s *WorkspaceService) publishStatus(ctx context.Context, projectID, workspaceID, status string, errMsg *string) {
	if s.broker == nil {
		return
	}
	if err := s.broker.PublishWorkspaceStatus(ctx, projectID, workspaceID, status, errMsg); err != nil {
		s.log.Warnw("failed to publish workspace status", "workspace", workspaceID, "status", status, "error", err)
	}
}

// workspaceName derives a display name from the workspace source.
func workspaceName(path string) string {
	name := filepath.Base(strings.TrimRight(path, "/"))
	name = strings.TrimSuffix(name, ".git")
	if name == "" || name == "." || name == string(filepath.Separator) {
		return path
	}
	return name
}

func valueOr(p *string, def string) string {
	if p != nil {
		return *p
	}
	return def
}
