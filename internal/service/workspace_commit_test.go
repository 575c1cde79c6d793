package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/config"
	"github.com/anthropics/octobot/internal/database"
	"github.com/anthropics/octobot/internal/events"
	"github.com/anthropics/octobot/internal/git"
	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/sandbox/mock"
	"github.com/anthropics/octobot/internal/sandbox/sandboxapi"
	"github.com/anthropics/octobot/internal/store"
)

// testLogger returns a no-op logger. Services log from background goroutines
// that may outlive the test body, so the test-scoped zaptest logger is unsafe
// here.
func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// testEnv wires the service graph against a real SQLite store, a real git
// working copy and the mock sandbox provider.
type testEnv struct {
	store        *store.Store
	gitProvider  *git.LocalProvider
	sandbox      *mock.Provider
	broker       *events.Broker
	sandboxSvc   *SandboxService
	sessionSvc   *SessionService
	chatSvc      *ChatService
	workspaceSvc *WorkspaceService
	workspaceDir string
	cleanup      func()
}

// newTestEnv creates a test environment with an on-disk SQLite database and
// a temp directory for git workspaces.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	workspaceDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	cfg := &config.Config{
		DatabaseDSN:    fmt.Sprintf("sqlite3://%s", dbPath),
		DatabaseDriver: "sqlite",
	}
	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	s := store.New(db.DB)

	gitProvider, err := git.NewLocalProvider(workspaceDir, git.WithWorkspaceSource(git.NewStoreWorkspaceSource(s)))
	if err != nil {
		t.Fatalf("failed to create git provider: %v", err)
	}

	provider := mock.NewProvider()
	log := testLogger()

	poller := events.NewPoller(s, events.DefaultPollerConfig(), log)
	broker := events.NewBroker(s, poller)

	sandboxSvc := NewSandboxService(s, provider, nil, log)
	sessionSvc := NewSessionService(s, gitProvider, provider, broker, log)
	sandboxSvc.SetInitializer(sessionSvc)
	chatSvc := NewChatService(s, sandboxSvc, broker, log)
	sessionSvc.SetCompletionCanceller(chatSvc)
	workspaceSvc := NewWorkspaceService(s, gitProvider, sandboxSvc, broker, log)

	return &testEnv{
		store:        s,
		gitProvider:  gitProvider,
		sandbox:      provider,
		broker:       broker,
		sandboxSvc:   sandboxSvc,
		sessionSvc:   sessionSvc,
		chatSvc:      chatSvc,
		workspaceSvc: workspaceSvc,
		workspaceDir: workspaceDir,
		cleanup: func() {
			chatSvc.Close()
			sessionSvc.Close()
			_ = db.Close()
		},
	}
}

// createTestProject creates a test project.
func (e *testEnv) createTestProject(t *testing.T) *model.Project {
	t.Helper()
	project := &model.Project{
		ID:   "test-project",
		Name: "Test Project",
		Slug: "test-project",
	}
	if err := e.store.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	return project
}

// createTestAgent creates a test agent.
func (e *testEnv) createTestAgent(t *testing.T, projectID string) *model.Agent {
	t.Helper()
	agent := &model.Agent{
		ID:        "test-agent",
		ProjectID: projectID,
		Name:      "Test Agent",
		Model:     "claude-sonnet-4-5",
	}
	if err := e.store.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	return agent
}

// createTestWorkspace creates a local workspace backed by a real git repo
// with one initial commit, and returns the workspace and that commit.
func (e *testEnv) createTestWorkspace(t *testing.T, projectID string) (*model.Workspace, string) {
	t.Helper()

	wsPath := filepath.Join(e.workspaceDir, "test-workspace")
	if err := os.MkdirAll(wsPath, 0o755); err != nil {
		t.Fatalf("failed to create workspace dir: %v", err)
	}

	runGit(t, wsPath, "init")
	runGit(t, wsPath, "config", "user.email", "test@example.com")
	runGit(t, wsPath, "config", "user.name", "Test User")

	readme := filepath.Join(wsPath, "README.md")
	if err := os.WriteFile(readme, []byte("# Test\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	runGit(t, wsPath, "add", ".")
	runGit(t, wsPath, "commit", "-m", "Initial commit")

	commit := strings.TrimSpace(runGit(t, wsPath, "rev-parse", "HEAD"))

	workspace := &model.Workspace{
		ID:         "test-workspace",
		ProjectID:  projectID,
		Name:       "test-workspace",
		Path:       wsPath,
		SourceType: model.WorkspaceSourceLocal,
		Status:     model.WorkspaceStatusReady,
		Commit:     ptrString(commit),
	}
	if err := e.store.CreateWorkspace(context.Background(), workspace); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}

	return workspace, commit
}

// createTestSession creates a ready session pinned to the given commit.
func (e *testEnv) createTestSession(t *testing.T, projectID, workspaceID, agentID, commit string) *model.Session {
	t.Helper()
	session := &model.Session{
		ID:           "test-session",
		ProjectID:    projectID,
		WorkspaceID:  workspaceID,
		AgentID:      ptrString(agentID),
		Name:         "Test Session",
		Status:       model.SessionStatusReady,
		CommitStatus: model.CommitStatusNone,
	}
	if commit != "" {
		session.WorkspaceCommit = ptrString(commit)
	}
	if err := e.store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session
}

// sessionStatusHistory returns the statuses of the session.status events
// published for one session, in seq order.
func (e *testEnv) sessionStatusHistory(t *testing.T, projectID, sessionID string) []string {
	t.Helper()
	rows, err := e.store.ListProjectEventsSince(context.Background(), projectID, time.Time{})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	var statuses []string
	for _, row := range rows {
		if row.Type != string(events.EventTypeSessionStatus) {
			continue
		}
		var data events.SessionStatusData
		if err := json.Unmarshal(row.Data, &data); err != nil {
			t.Fatalf("failed to parse session.status payload: %v", err)
		}
		if data.SessionID == sessionID {
			statuses = append(statuses, data.Status)
		}
	}
	return statuses
}

// startTestSandbox creates and starts a mock sandbox for the session so the
// provider's HTTP client routes to the configured HTTPHandler.
func (e *testEnv) startTestSandbox(t *testing.T, projectID, sessionID string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.sandbox.Create(ctx, sessionID, sandbox.CreateOptions{
		ProjectID:    projectID,
		SharedSecret: "test-secret",
	})
	if err != nil {
		t.Fatalf("failed to create sandbox: %v", err)
	}
	if err := e.sandbox.Start(ctx, sessionID); err != nil {
		t.Fatalf("failed to start sandbox: %v", err)
	}
}

// waitForCommitStatus polls the session until its commit status reaches a
// terminal value and fails the test if it is not the wanted one.
func (e *testEnv) waitForCommitStatus(t *testing.T, sessionID, want string) *model.Session {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := e.store.GetSessionByID(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("failed to load session: %v", err)
		}
		if sess.CommitStatus == want {
			return sess
		}
		if sess.CommitStatus == model.CommitStatusCompleted || sess.CommitStatus == model.CommitStatusFailed {
			t.Fatalf("commit finished as %q, want %q", sess.CommitStatus, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for commit status %q", want)
	return nil
}

// waitForSessionStatus polls the session until it reaches the wanted status.
func (e *testEnv) waitForSessionStatus(t *testing.T, sessionID, want string) *model.Session {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	last := ""
	for time.Now().Before(deadline) {
		sess, err := e.store.GetSessionByID(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("failed to load session: %v", err)
		}
		if sess.Status == want {
			return sess
		}
		last = sess.Status
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for session status %q, last saw %q", want, last)
	return nil
}

// runGit runs a git command and returns stdout.
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return string(out)
}

// formatPatchesFrom clones the workspace repo, commits the given files on the
// clone and returns the mail-format patches a sandbox would hand back.
func formatPatchesFrom(t *testing.T, srcRepo, parent string, files map[string]string) string {
	t.Helper()

	parentDir := t.TempDir()
	cloneDir := filepath.Join(parentDir, "agent-clone")
	runGit(t, parentDir, "clone", srcRepo, cloneDir)
	runGit(t, cloneDir, "config", "user.email", "agent@example.com")
	runGit(t, cloneDir, "config", "user.name", "Agent")

	for name, content := range files {
		p := filepath.Join(cloneDir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("failed to create dir for %s: %v", name, err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	runGit(t, cloneDir, "add", ".")
	runGit(t, cloneDir, "commit", "-m", "agent changes")

	return runGit(t, cloneDir, "format-patch", "--stdout", parent+"..HEAD")
}

func ptrString(s string) *string { return &s }

// trackingHandler routes the sandbox endpoints tests care about to pluggable
// funcs. Endpoints left unset answer with a minimal success response.
type trackingHandler struct {
	onChat    func(w http.ResponseWriter, r *http.Request)
	onStream  func(w http.ResponseWriter, r *http.Request)
	onStatus  func(w http.ResponseWriter, r *http.Request)
	onCancel  func(w http.ResponseWriter, r *http.Request)
	onCommits func(w http.ResponseWriter, r *http.Request)
}

func (h *trackingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/chat" && r.Method == http.MethodPost:
		if h.onChat != nil {
			h.onChat(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(sandboxapi.ChatStartResponse{CompletionID: "test-completion", Status: "started"})

	case r.URL.Path == "/chat" && r.Method == http.MethodGet:
		if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
			if h.onStream != nil {
				h.onStream(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sandboxapi.GetMessagesResponse{Messages: []sandboxapi.UIMessage{}})

	case r.URL.Path == "/chat/status" && r.Method == http.MethodGet:
		if h.onStatus != nil {
			h.onStatus(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sandboxapi.ChatStatusResponse{IsRunning: false})

	case r.URL.Path == "/chat/cancel" && r.Method == http.MethodPost:
		if h.onCancel != nil {
			h.onCancel(w, r)
			return
		}
		w.WriteHeader(http.StatusConflict)

	case r.URL.Path == "/commits" && r.Method == http.MethodGet:
		if h.onCommits != nil {
			h.onCommits(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sandboxapi.CommitsResponse{CommitCount: 0})

	default:
		http.NotFound(w, r)
	}
}

func TestCommitSession_AppliesSandboxCommits(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	project := env.createTestProject(t)
	agent := env.createTestAgent(t, project.ID)
	workspace, initialCommit := env.createTestWorkspace(t, project.ID)
	sess := env.createTestSession(t, project.ID, workspace.ID, agent.ID, initialCommit)
	env.startTestSandbox(t, project.ID, sess.ID)

	patches := formatPatchesFrom(t, workspace.Path, initialCommit, map[string]string{
		"feature.go": "package feature\n",
	})

	var mu sync.Mutex
	var parents []string
	env.sandbox.HTTPHandler = &trackingHandler{
		onCommits: func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			parents = append(parents, r.URL.Query().Get("parent"))
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(sandboxapi.CommitsResponse{Patches: patches, CommitCount: 1})
		},
	}

	accepted, err := env.workspaceSvc.CommitSession(context.Background(), project.ID, sess.ID)
	if err != nil {
		t.Fatalf("CommitSession failed: %v", err)
	}
	if accepted.CommitStatus != model.CommitStatusPending {
		t.Errorf("commit status right after accept = %q, want %q", accepted.CommitStatus, model.CommitStatusPending)
	}

	final := env.waitForCommitStatus(t, sess.ID, model.CommitStatusCompleted)

	// The working copy fast-forwarded to the agent's commit.
	if _, err := os.Stat(filepath.Join(workspace.Path, "feature.go")); err != nil {
		t.Errorf("expected feature.go in workspace: %v", err)
	}
	head := strings.TrimSpace(runGit(t, workspace.Path, "rev-parse", "HEAD"))
	if head == initialCommit {
		t.Error("workspace HEAD did not advance")
	}

	// The new head is pinned on the session and recorded on the workspace.
	if final.WorkspaceCommit == nil || *final.WorkspaceCommit != head {
		t.Errorf("session workspace commit = %v, want %s", final.WorkspaceCommit, head)
	}
	ws, err := env.store.GetWorkspaceByID(context.Background(), workspace.ID)
	if err != nil {
		t.Fatalf("failed to load workspace: %v", err)
	}
	if ws.Commit == nil || *ws.Commit != head {
		t.Errorf("workspace commit = %v, want %s", ws.Commit, head)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(parents) != 1 || parents[0] != initialCommit {
		t.Errorf("sandbox asked for commits since %v, want [%s]", parents, initialCommit)
	}
}

func TestCommitSession_ParentAdvancesAcrossApplies(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	project := env.createTestProject(t)
	agent := env.createTestAgent(t, project.ID)
	workspace, initialCommit := env.createTestWorkspace(t, project.ID)
	sess := env.createTestSession(t, project.ID, workspace.ID, agent.ID, initialCommit)
	env.startTestSandbox(t, project.ID, sess.ID)

	var mu sync.Mutex
	var parents []string
	var patches string
	env.sandbox.HTTPHandler = &trackingHandler{
		onCommits: func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			parents = append(parents, r.URL.Query().Get("parent"))
			body := patches
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(sandboxapi.CommitsResponse{Patches: body, CommitCount: 1})
		},
	}

	mu.Lock()
	patches = formatPatchesFrom(t, workspace.Path, initialCommit, map[string]string{"one.txt": "1\n"})
	mu.Unlock()
	if _, err := env.workspaceSvc.CommitSession(context.Background(), project.ID, sess.ID); err != nil {
		t.Fatalf("first CommitSession failed: %v", err)
	}
	env.waitForCommitStatus(t, sess.ID, model.CommitStatusCompleted)
	firstHead := strings.TrimSpace(runGit(t, workspace.Path, "rev-parse", "HEAD"))

	mu.Lock()
	patches = formatPatchesFrom(t, workspace.Path, firstHead, map[string]string{"two.txt": "2\n"})
	mu.Unlock()
	if _, err := env.workspaceSvc.CommitSession(context.Background(), project.ID, sess.ID); err != nil {
		t.Fatalf("second CommitSession failed: %v", err)
	}
	env.waitForCommitStatus(t, sess.ID, model.CommitStatusCompleted)
	secondHead := strings.TrimSpace(runGit(t, workspace.Path, "rev-parse", "HEAD"))

	if secondHead == firstHead {
		t.Error("second apply did not advance HEAD")
	}

	// Each apply asks the sandbox for commits since the previous head.
	mu.Lock()
	defer mu.Unlock()
	want := []string{initialCommit, firstHead}
	if len(parents) != len(want) {
		t.Fatalf("sandbox saw %d commits requests, want %d", len(parents), len(want))
	}
	for i := range want {
		if parents[i] != want[i] {
			t.Errorf("request %d used parent %s, want %s", i, parents[i], want[i])
		}
	}
}

func TestCommitSession_NoCommitsFails(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	project := env.createTestProject(t)
	agent := env.createTestAgent(t, project.ID)
	workspace, initialCommit := env.createTestWorkspace(t, project.ID)
	sess := env.createTestSession(t, project.ID, workspace.ID, agent.ID, initialCommit)
	env.startTestSandbox(t, project.ID, sess.ID)

	env.sandbox.HTTPHandler = &trackingHandler{} // default /commits: no commits

	if _, err := env.workspaceSvc.CommitSession(context.Background(), project.ID, sess.ID); err != nil {
		t.Fatalf("CommitSession failed: %v", err)
	}
	env.waitForCommitStatus(t, sess.ID, model.CommitStatusFailed)

	head := strings.TrimSpace(runGit(t, workspace.Path, "rev-parse", "HEAD"))
	if head != initialCommit {
		t.Errorf("workspace HEAD moved to %s despite empty apply", head)
	}
}

func TestCommitSession_RejectsOverlappingApply(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	project := env.createTestProject(t)
	agent := env.createTestAgent(t, project.ID)
	workspace, initialCommit := env.createTestWorkspace(t, project.ID)
	sess := env.createTestSession(t, project.ID, workspace.ID, agent.ID, initialCommit)

	if err := env.store.UpdateSessionCommitStatus(context.Background(), sess.ID, model.CommitStatusCommitting); err != nil {
		t.Fatalf("failed to stage commit status: %v", err)
	}

	_, err := env.workspaceSvc.CommitSession(context.Background(), project.ID, sess.ID)
	if !errors.Is(err, ErrCommitInProgress) {
		t.Errorf("expected ErrCommitInProgress, got %v", err)
	}
}

func TestCommitSession_RequiresLiveSession(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	project := env.createTestProject(t)
	agent := env.createTestAgent(t, project.ID)
	workspace, initialCommit := env.createTestWorkspace(t, project.ID)
	sess := env.createTestSession(t, project.ID, workspace.ID, agent.ID, initialCommit)

	if err := env.store.UpdateSessionStatus(context.Background(), sess.ID, model.SessionStatusStopped, nil); err != nil {
		t.Fatalf("failed to stop session: %v", err)
	}

	_, err := env.workspaceSvc.CommitSession(context.Background(), project.ID, sess.ID)
	if !errors.Is(err, ErrSessionNotReady) {
		t.Errorf("expected ErrSessionNotReady, got %v", err)
	}
}

func TestCommitSession_ChecksProjectOwnership(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	project := env.createTestProject(t)
	agent := env.createTestAgent(t, project.ID)
	workspace, initialCommit := env.createTestWorkspace(t, project.ID)
	sess := env.createTestSession(t, project.ID, workspace.ID, agent.ID, initialCommit)

	_, err := env.workspaceSvc.CommitSession(context.Background(), "other-project", sess.ID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected not found for foreign project, got %v", err)
	}
}

func TestDiff_FromSessionPinnedCommit(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	project := env.createTestProject(t)
	agent := env.createTestAgent(t, project.ID)
	workspace, initialCommit := env.createTestWorkspace(t, project.ID)
	sess := env.createTestSession(t, project.ID, workspace.ID, agent.ID, initialCommit)

	// Uncommitted change in the working copy.
	if err := os.WriteFile(filepath.Join(workspace.Path, "README.md"), []byte("# Test\nchanged\n"), 0o644); err != nil {
		t.Fatalf("failed to modify file: %v", err)
	}

	diff, err := env.workspaceSvc.Diff(context.Background(), project.ID, sess.ID)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if len(diff.Files) != 1 {
		t.Fatalf("diff files = %d, want 1", len(diff.Files))
	}
	if diff.Files[0].Path != "README.md" {
		t.Errorf("diff path = %q, want README.md", diff.Files[0].Path)
	}
	if !strings.Contains(diff.Patch, "+changed") {
		t.Errorf("diff patch missing added line:\n%s", diff.Patch)
	}
}
