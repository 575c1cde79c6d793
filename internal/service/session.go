package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/anthropics/octobot/internal/events"
	"github.com/anthropics/octobot/internal/git"
	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/store"
)

const removeWaitTimeout = 30 * time.Second

// CompletionCanceller aborts any in-flight completion for a session.
// Implemented by ChatService; wired after construction to avoid a cycle.
type CompletionCanceller interface {
	CancelForSession(sessionID string)
}

// CredentialEnvSource supplies decrypted provider credentials as sandbox
// environment. Implemented by CredentialService; nil means sandboxes start
// without credentials in their environment.
type CredentialEnvSource interface {
	EnvForProject(ctx context.Context, projectID string) (map[string]string, error)
}

// startupHandle tracks one running startup pipeline so that removal can
// cancel it and wait for it to unwind.
type startupHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionService drives the session state machine:
//
//	initializing ─► cloning ─► pullingImage ─► creatingSandbox ─► ready
//	stopped, error ─► reinitializing ─► cloning ─► …
//	any ─► removing ─► removed
//
// Startup runs as a per-session pipeline. Concurrent startup requests for
// the same session coalesce; removal cancels the pipeline and wins.
type SessionService struct {
	store    *store.Store
	git      git.Provider
	provider sandbox.Provider
	broker   *events.Broker
	log      *zap.SugaredLogger

	// sandboxTimeout bounds sandbox lifetime via CreateOptions.Resources.
	// Zero means no limit.
	sandboxTimeout time.Duration

	startGroup singleflight.Group

	mu       sync.RWMutex
	starting map[string]*startupHandle

	canceller   CompletionCanceller
	credentials CredentialEnvSource
}

// NewSessionService creates the session lifecycle engine.
func NewSessionService(s *store.Store, gitProvider git.Provider, provider sandbox.Provider, broker *events.Broker, log *zap.SugaredLogger) *SessionService {
	return &SessionService{
		store:    s,
		git:      gitProvider,
		provider: provider,
		broker:   broker,
		log:      log.With("component", "session"),
		starting: make(map[string]*startupHandle),
	}
}

// SetCompletionCanceller wires the chat dispatcher in after construction.
func (s *SessionService) SetCompletionCanceller(c CompletionCanceller) {
	s.canceller = c
}

// SetCredentialSource wires credential env injection in after construction.
func (s *SessionService) SetCredentialSource(src CredentialEnvSource) {
	s.credentials = src
}

// SetSandboxTimeout sets the maximum sandbox lifetime passed to the provider
// on creation. Zero disables the limit.
func (s *SessionService) SetSandboxTimeout(d time.Duration) {
	s.sandboxTimeout = d
}

// CreateSessionOptions carries the optional attributes of a new session.
type CreateSessionOptions struct {
	Name           string // defaults to "New Session"
	AgentID        string // defaults to the project's default agent
	InitialMessage string // optional first user message
}

// Create persists a new session in status initializing and launches its
// startup pipeline in the background. The returned session reflects the
// persisted row; callers observe progress via session.status events.
func (s *SessionService) Create(ctx context.Context, projectID, workspaceID string, opts CreateSessionOptions) (*model.Session, error) {
	ws, err := s.store.GetWorkspaceByID(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("workspace not found: %w", err)
	}
	if ws.ProjectID != projectID {
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, store.ErrNotFound)
	}

	agentID := opts.AgentID
	if agentID == "" {
		if agent, err := s.store.GetDefaultAgent(ctx, projectID); err == nil {
			agentID = agent.ID
		}
	} else if _, err := s.store.GetAgentByID(ctx, agentID); err != nil {
		return nil, fmt.Errorf("agent not found: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = "New Session"
	}

	var agentPtr *string
	if agentID != "" {
		agentPtr = &agentID
	}

	sess := &model.Session{
		ProjectID:    projectID,
		WorkspaceID:  workspaceID,
		AgentID:      agentPtr,
		Name:         name,
		Status:       model.SessionStatusInitializing,
		CommitStatus: model.CommitStatusNone,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if opts.InitialMessage != "" {
		msg := &model.Message{
			SessionID: sess.ID,
			Role:      "user",
			Parts:     model.NewTextParts(opts.InitialMessage),
		}
		if err := s.store.CreateMessage(ctx, msg); err != nil {
			s.log.Warnw("failed to persist initial message", "session", sess.ID, "error", err)
		}
	}

	s.publishStatus(ctx, sess.ProjectID, sess.ID, sess.Status, sess.CommitStatus, nil)

	go func() {
		if err := s.startup(sess.ID); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warnw("session startup failed", "session", sess.ID, "error", err)
		}
	}()

	return sess, nil
}

// Get returns a session by id.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.store.GetSessionByID(ctx, sessionID)
}

// ListByWorkspace returns the sessions of a workspace, newest first.
// Removed sessions are excluded unless includeClosed is set.
func (s *SessionService) ListByWorkspace(ctx context.Context, workspaceID string, includeClosed bool) ([]*model.Session, error) {
	return s.store.ListSessionsByWorkspace(ctx, workspaceID, includeClosed)
}

// ListByProject returns all sessions of a project.
func (s *SessionService) ListByProject(ctx context.Context, projectID string) ([]*model.Session, error) {
	return s.store.ListSessionsByProject(ctx, projectID)
}

// Rename updates the session's display name.
func (s *SessionService) Rename(ctx context.Context, sessionID, name string) (*model.Session, error) {
	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Name = name
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return sess, nil
}

// EnsureReady brings a session to the ready (or running) state, starting or
// restarting its sandbox as needed. Concurrent calls for the same session
// share one pipeline; the second caller awaits the first's outcome. The
// pipeline itself is detached from ctx so it rolls forward to ready or error
// even if the caller goes away.
func (s *SessionService) EnsureReady(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}

	switch sess.Status {
	case model.SessionStatusRemoving, model.SessionStatusRemoved:
		return ErrSessionRemoving

	case model.SessionStatusReady, model.SessionStatusRunning:
		// Trust but verify: the sandbox may have died out-of-band.
		if sb, err := s.provider.Get(ctx, sessionID); err == nil && sb.Status == sandbox.StatusRunning {
			return nil
		}
		// Dead sandbox behind a live-looking row: restart goes through
		// reinitializing like any other revival.
		if err := s.setStatus(ctx, sess.ProjectID, sessionID, model.SessionStatusReinitializing, nil); err != nil {
			return err
		}

	case model.SessionStatusStopped, model.SessionStatusError:
		if err := s.setStatus(ctx, sess.ProjectID, sessionID, model.SessionStatusReinitializing, nil); err != nil {
			return err
		}
	}

	ch := s.startGroup.DoChan(sessionID, func() (any, error) {
		return nil, s.runPipeline(sessionID)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		// Pipeline keeps running; the caller just stops waiting.
		return ctx.Err()
	}
}

// startup runs the pipeline for a freshly created session, coalescing with
// any EnsureReady call that raced it.
func (s *SessionService) startup(sessionID string) error {
	_, err, _ := s.startGroup.Do(sessionID, func() (any, error) {
		return nil, s.runPipeline(sessionID)
	})
	return err
}

// runPipeline executes the startup steps for one session. Each step writes
// its status (and publishes a session.status event) before doing the work.
// A failed step records status=error with the failure message. Cancellation
// (removal or shutdown) stops the pipeline without overwriting the status
// the removal flow owns.
func (s *SessionService) runPipeline(sessionID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &startupHandle{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.starting[sessionID] = handle
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.starting, sessionID)
		s.mu.Unlock()
		close(handle.done)
	}()

	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session not found: %w", err)
	}

	// Removal may have won the race before the pipeline got scheduled.
	if sess.Status == model.SessionStatusRemoving || sess.Status == model.SessionStatusRemoved {
		return ErrSessionRemoving
	}

	projectID := sess.ProjectID

	ws, err := s.store.GetWorkspaceByID(ctx, sess.WorkspaceID)
	if err != nil {
		return s.fail(ctx, projectID, sessionID, fmt.Errorf("workspace not found: %w", err))
	}

	// Step 1: cloning. The workspace working copy is shared across sessions;
	// Ensure is idempotent and coalesces concurrent clones.
	if err := s.setStatus(ctx, projectID, sessionID, model.SessionStatusCloning, nil); err != nil {
		return err
	}

	var workDir, commit string
	if ws.SourceType == model.WorkspaceSourceGit || git.IsGitURL(ws.Path) {
		workDir, commit, err = s.git.Ensure(ctx, projectID, ws.ID, ws.Path, "")
		if err != nil {
			return s.fail(ctx, projectID, sessionID, fmt.Errorf("workspace clone failed: %w", err))
		}
	} else {
		// Local directory workspaces are mounted as-is.
		workDir = ws.Path
	}

	if err := s.store.UpdateSessionWorkspace(ctx, sessionID, workDir, commit); err != nil {
		return s.fail(ctx, projectID, sessionID, fmt.Errorf("failed to save workspace info: %w", err))
	}

	// Step 2: pullingImage. The pull itself happens inside Create; this step
	// exists so clients see why creation is slow the first time.
	if !s.provider.ImageExists(ctx) {
		if err := s.setStatus(ctx, projectID, sessionID, model.SessionStatusPullingImage, nil); err != nil {
			return err
		}
		s.log.Infow("sandbox image not present, will pull", "session", sessionID, "image", s.provider.Image())
	}

	// Step 3: creatingSandbox.
	if err := s.setStatus(ctx, projectID, sessionID, model.SessionStatusCreatingSandbox, nil); err != nil {
		return err
	}

	sb, err := s.ensureSandbox(ctx, sess, ws, workDir, commit)
	if err != nil {
		return s.fail(ctx, projectID, sessionID, err)
	}

	if err := s.store.UpdateSessionSandbox(ctx, sessionID, &sb.ID); err != nil {
		s.log.Warnw("failed to record sandbox id", "session", sessionID, "error", err)
	}

	if err := s.setStatus(ctx, projectID, sessionID, model.SessionStatusReady, nil); err != nil {
		return err
	}

	s.log.Infow("session ready", "session", sessionID, "sandbox", sb.ID)
	return nil
}

// ensureSandbox brings the session's sandbox to the running state. A sandbox
// left behind by a previous attempt is reused when startable and replaced
// when failed. A sandbox created here that fails to start is removed so the
// pipeline never leaks a half-created sandbox.
func (s *SessionService) ensureSandbox(ctx context.Context, sess *model.Session, ws *model.Workspace, workDir, commit string) (*sandbox.Sandbox, error) {
	existing, err := s.provider.Get(ctx, sess.ID)
	if err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return nil, fmt.Errorf("failed to inspect sandbox: %w", err)
	}

	if existing != nil {
		switch existing.Status {
		case sandbox.StatusRunning:
			return existing, nil

		case sandbox.StatusCreated, sandbox.StatusStopped:
			if err := s.provider.Start(ctx, sess.ID); err != nil && !errors.Is(err, sandbox.ErrAlreadyRunning) {
				return nil, fmt.Errorf("%w: %v", sandbox.ErrStartFailed, err)
			}
			return existing, nil

		default:
			// Failed sandbox: replace it. The data volume survives.
			s.log.Infow("replacing failed sandbox", "session", sess.ID, "status", existing.Status)
			if err := s.provider.Remove(ctx, sess.ID); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
				return nil, fmt.Errorf("failed to remove stale sandbox: %w", err)
			}
		}
	}

	opts := sandbox.CreateOptions{
		ProjectID:    sess.ProjectID,
		SharedSecret: generateSecret(32),
		Labels: map[string]string{
			"octobot.session.id":   sess.ID,
			"octobot.workspace.id": ws.ID,
			"octobot.project.id":   sess.ProjectID,
		},
		WorkspacePath:   workDir,
		WorkspaceSource: ws.Path,
		WorkspaceCommit: commit,
		Resources: sandbox.ResourceConfig{
			Timeout: s.sandboxTimeout,
		},
	}

	if s.credentials != nil {
		env, err := s.credentials.EnvForProject(ctx, sess.ProjectID)
		if err != nil {
			// Credentials are optional at create time; requests re-send them.
			s.log.Warnw("failed to load credential env", "session", sess.ID, "error", err)
		} else {
			opts.Env = env
		}
	}

	created, err := s.provider.Create(ctx, sess.ID, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrCreateFailed, err)
	}

	if err := s.provider.Start(ctx, sess.ID); err != nil {
		// Compensating remove, detached from ctx so cancellation cannot
		// leave the half-created sandbox behind.
		rctx, rcancel := context.WithTimeout(context.Background(), removeWaitTimeout)
		if rmErr := s.provider.Remove(rctx, sess.ID); rmErr != nil && !errors.Is(rmErr, sandbox.ErrNotFound) {
			s.log.Warnw("failed to remove sandbox after start failure", "session", sess.ID, "error", rmErr)
		}
		rcancel()
		return nil, fmt.Errorf("%w: %v", sandbox.ErrStartFailed, err)
	}

	return created, nil
}

// Stop stops the session's sandbox and marks the session stopped. Used by
// the idle reaper and exposed for explicit stops. Stopping an already
// stopped or missing sandbox is not an error.
func (s *SessionService) Stop(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}

	switch sess.Status {
	case model.SessionStatusStopped, model.SessionStatusRemoving, model.SessionStatusRemoved:
		return nil
	}

	if err := s.provider.Stop(ctx, sessionID, 10*time.Second); err != nil {
		if !errors.Is(err, sandbox.ErrNotFound) && !errors.Is(err, sandbox.ErrNotRunning) {
			return fmt.Errorf("failed to stop sandbox: %w", err)
		}
	}

	return s.setStatus(ctx, sess.ProjectID, sessionID, model.SessionStatusStopped, nil)
}

// Delete removes a session. Removal takes priority over startup: the session
// transitions to removing immediately, any in-flight startup pipeline or
// completion is cancelled, and the sandbox (volumes included) and the row
// are removed in the background. A session.status event with status=removed
// is published once the removal completes.
func (s *SessionService) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}

	if sess.Status == model.SessionStatusRemoving || sess.Status == model.SessionStatusRemoved {
		return nil
	}

	if err := s.setStatus(ctx, sess.ProjectID, sessionID, model.SessionStatusRemoving, nil); err != nil {
		return fmt.Errorf("failed to mark session removing: %w", err)
	}

	// Cancel startup first so the pipeline cannot re-create what we remove.
	s.mu.RLock()
	handle := s.starting[sessionID]
	s.mu.RUnlock()
	if handle != nil {
		handle.cancel()
	}

	if s.canceller != nil {
		s.canceller.CancelForSession(sessionID)
	}

	go s.performRemoval(sess.ProjectID, sessionID, handle)
	return nil
}

// performRemoval waits out a cancelled startup pipeline, then removes the
// sandbox with its volumes and deletes the row.
func (s *SessionService) performRemoval(projectID, sessionID string, handle *startupHandle) {
	if handle != nil {
		select {
		case <-handle.done:
		case <-time.After(removeWaitTimeout):
			s.log.Warnw("startup pipeline did not unwind in time, removing anyway", "session", sessionID)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := s.provider.Remove(ctx, sessionID, sandbox.WithRemoveVolumes()); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		s.log.Errorw("failed to remove sandbox", "session", sessionID, "error", err)
		errMsg := fmt.Sprintf("sandbox removal failed: %v", err)
		if serr := s.setStatus(ctx, projectID, sessionID, model.SessionStatusError, &errMsg); serr != nil {
			s.log.Errorw("failed to record removal failure", "session", sessionID, "error", serr)
		}
		return
	}

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		s.log.Errorw("failed to delete session row", "session", sessionID, "error", err)
		return
	}

	s.publishStatus(ctx, projectID, sessionID, model.SessionStatusRemoved, "", nil)
	s.log.Infow("session removed", "session", sessionID)
}

// Close cancels every in-flight startup pipeline. Called on shutdown.
func (s *SessionService) Close() {
	s.mu.Lock()
	handles := make([]*startupHandle, 0, len(s.starting))
	for _, h := range s.starting {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		<-h.done
	}
}

// fail records a pipeline failure: status=error plus the failure message.
// When the pipeline was cancelled the status write is skipped, because the
// removal (or shutdown) path owns the session's state from here on.
func (s *SessionService) fail(ctx context.Context, projectID, sessionID string, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.log.Warnw("session startup failed", "session", sessionID, "error", cause)

	errMsg := cause.Error()
	wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.setStatus(wctx, projectID, sessionID, model.SessionStatusError, &errMsg); err != nil {
		s.log.Errorw("failed to record session error", "session", sessionID, "error", err)
	}
	return cause
}

// setStatus writes the session status and publishes the matching
// session.status event.
func (s *SessionService) setStatus(ctx context.Context, projectID, sessionID, status string, errMsg *string) error {
	if err := s.store.UpdateSessionStatus(ctx, sessionID, status, errMsg); err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	s.publishStatus(ctx, projectID, sessionID, status, "", errMsg)
	return nil
}

func (s *SessionService) publishStatus(ctx context.Context, projectID, sessionID, status, commitStatus string, errMsg *string) {
	if s.broker == nil {
		return
	}
	if err := s.broker.PublishSessionStatus(ctx, projectID, sessionID, status, commitStatus, errMsg); err != nil {
		s.log.Warnw("failed to publish session status", "session", sessionID, "status", status, "error", err)
	}
}

// generateSecret returns a cryptographically random hex string of 2*length
// characters for use as a sandbox shared secret.
func generateSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		// rand.Read only fails when the OS entropy source is broken.
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
