// Package integration exercises the server end to end: real SQLite
// store, real git working copies, the full HTTP route tree, and the mock
// sandbox provider standing in for Docker.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/config"
	"github.com/anthropics/octobot/internal/database"
	"github.com/anthropics/octobot/internal/events"
	"github.com/anthropics/octobot/internal/git"
	"github.com/anthropics/octobot/internal/handler"
	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/sandbox/mock"
	"github.com/anthropics/octobot/internal/service"
	"github.com/anthropics/octobot/internal/store"
)

var testEncryptionKey = bytes.Repeat([]byte{0x42}, 32)

// TestServer runs the whole service graph behind an httptest server,
// wired the way main wires it but with the mock sandbox provider.
type TestServer struct {
	Server  *httptest.Server
	Store   *store.Store
	Config  *config.Config
	Handler *handler.Handler
	Broker  *events.Broker
	Git     *git.LocalProvider
	Sandbox *mock.Provider

	Sessions   *service.SessionService
	Chat       *service.ChatService
	Sandboxes  *service.SandboxService
	Workspaces *service.WorkspaceService

	// Token is the bearer token accepted by the server, empty when auth
	// is disabled.
	Token string

	T *testing.T
}

// NewTestServer starts a test server with auth disabled.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	return newTestServer(t, "")
}

// NewTestServerWithAuth starts a test server that requires the given
// bearer token.
func NewTestServerWithAuth(t *testing.T, token string) *TestServer {
	t.Helper()
	return newTestServer(t, token)
}

func newTestServer(t *testing.T, token string) *TestServer {
	t.Helper()

	cfg := &config.Config{
		DatabaseDSN:    fmt.Sprintf("sqlite3://%s", filepath.Join(t.TempDir(), "test.db")),
		DatabaseDriver: "sqlite",
		SandboxImage:   "octobot-sandbox:test",
		EncryptionKey:  testEncryptionKey,
		SessionBaseDir: t.TempDir(),
	}
	if token != "" {
		cfg.AuthEnabled = true
		cfg.OctobotSecret = sandbox.HashSecret(token)
	}

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	if err := db.Seed(); err != nil {
		t.Fatalf("failed to seed database: %v", err)
	}
	s := store.New(db.DB)

	// Background goroutines can outlive the test body, so the test-scoped
	// zaptest logger is unsafe here.
	log := zap.NewNop().Sugar()

	gitProvider, err := git.NewLocalProvider(cfg.WorkspacesDir(), git.WithWorkspaceSource(git.NewStoreWorkspaceSource(s)))
	if err != nil {
		t.Fatalf("failed to create git provider: %v", err)
	}

	provider := mock.NewProviderWithImage(cfg.SandboxImage)

	pollerCfg := events.DefaultPollerConfig()
	pollerCfg.PollInterval = 10 * time.Millisecond
	poller := events.NewPoller(s, pollerCfg, log)
	rootCtx, rootCancel := context.WithCancel(context.Background())
	if err := poller.Start(rootCtx); err != nil {
		rootCancel()
		t.Fatalf("failed to start event poller: %v", err)
	}
	broker := events.NewBroker(s, poller)

	credSvc, err := service.NewCredentialService(s, cfg.EncryptionKey, log)
	if err != nil {
		t.Fatalf("failed to create credential service: %v", err)
	}
	sandboxSvc := service.NewSandboxService(s, provider, credSvc, log)
	sessionSvc := service.NewSessionService(s, gitProvider, provider, broker, log)
	sessionSvc.SetCredentialSource(credSvc)
	sandboxSvc.SetInitializer(sessionSvc)
	chatSvc := service.NewChatService(s, sandboxSvc, broker, log)
	sessionSvc.SetCompletionCanceller(chatSvc)
	workspaceSvc := service.NewWorkspaceService(s, gitProvider, sandboxSvc, broker, log)
	projectSvc := service.NewProjectService(s, log)
	agentSvc := service.NewAgentService(s, log)

	watcher := service.NewSandboxWatcher(provider, s, broker, chatSvc, log)
	go func() { _ = watcher.Start(rootCtx) }()

	h := handler.New(s, cfg, handler.Services{
		Projects:    projectSvc,
		Agents:      agentSvc,
		Workspaces:  workspaceSvc,
		Sessions:    sessionSvc,
		Chat:        chatSvc,
		Sandboxes:   sandboxSvc,
		Credentials: credSvc,
	}, broker, nil, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Mount("/", h.Routes())

	server := httptest.NewServer(r)

	t.Cleanup(func() {
		server.Close()
		rootCancel()
		chatSvc.Close()
		sessionSvc.Close()
		poller.Stop()
		_ = db.Close()
	})

	return &TestServer{
		Server:     server,
		Store:      s,
		Config:     cfg,
		Handler:    h,
		Broker:     broker,
		Git:        gitProvider,
		Sandbox:    provider,
		Sessions:   sessionSvc,
		Chat:       chatSvc,
		Sandboxes:  sandboxSvc,
		Workspaces: workspaceSvc,
		Token:      token,
	}
}

// Do issues a JSON request against the test server, attaching the bearer
// token when one is configured.
func (ts *TestServer) Do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// DecodeJSON decodes and closes a response body.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, data)
	}
}

// AssertStatus fails the test when the response status differs.
func AssertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, want, data)
	}
}

// InitGitRepo creates a git repository with one commit and returns its
// path, for use as a local workspace source.
func InitGitRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// CreateWorkspace creates a workspace through the API and waits for it to
// become ready.
func (ts *TestServer) CreateWorkspace(t *testing.T, path string) *model.Workspace {
	t.Helper()

	resp := ts.Do(t, http.MethodPost, "/api/projects/local/workspaces", map[string]string{
		"path":       path,
		"sourceType": model.WorkspaceSourceLocal,
	})
	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("create workspace status = %d\nbody: %s", resp.StatusCode, data)
	}
	var ws model.Workspace
	DecodeJSON(t, resp, &ws)

	return ts.waitForWorkspaceStatus(t, ws.ID, model.WorkspaceStatusReady)
}

// CreateSession creates a session through the API; it comes back in
// status initializing with the startup pipeline running.
func (ts *TestServer) CreateSession(t *testing.T, workspaceID string, body map[string]string) *model.Session {
	t.Helper()

	resp := ts.Do(t, http.MethodPost, "/api/projects/local/workspaces/"+workspaceID+"/sessions", body)
	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("create session status = %d\nbody: %s", resp.StatusCode, data)
	}
	var sess model.Session
	DecodeJSON(t, resp, &sess)
	return &sess
}

func (ts *TestServer) waitForWorkspaceStatus(t *testing.T, workspaceID, want string) *model.Workspace {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	last := ""
	for time.Now().Before(deadline) {
		ws, err := ts.Store.GetWorkspaceByID(context.Background(), workspaceID)
		if err != nil {
			t.Fatalf("load workspace: %v", err)
		}
		if ws.Status == want {
			return ws
		}
		if ws.Status == model.WorkspaceStatusError {
			t.Fatalf("workspace failed: %v", deref(ws.ErrorMessage))
		}
		last = ws.Status
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for workspace status %q, last saw %q", want, last)
	return nil
}

// WaitForSessionStatus polls the session over the API until it reaches
// the wanted status. A session that lands in error first fails the test,
// unless error is what is being waited for.
func (ts *TestServer) WaitForSessionStatus(t *testing.T, sessionID, want string) *model.Session {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	last := ""
	for time.Now().Before(deadline) {
		resp := ts.Do(t, http.MethodGet, "/api/projects/local/sessions/"+sessionID, nil)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			t.Fatalf("get session status = %d", resp.StatusCode)
		}
		var sess model.Session
		DecodeJSON(t, resp, &sess)
		if sess.Status == want {
			return &sess
		}
		if sess.Status == model.SessionStatusError && want != model.SessionStatusError {
			t.Fatalf("session failed: %v", deref(sess.ErrorMessage))
		}
		last = sess.Status
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for session status %q, last saw %q", want, last)
	return nil
}

// WaitForSessionGone polls until the session row is deleted.
func (ts *TestServer) WaitForSessionGone(t *testing.T, sessionID string) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp := ts.Do(t, http.MethodGet, "/api/projects/local/sessions/"+sessionID, nil)
		code := resp.StatusCode
		resp.Body.Close()
		if code == http.StatusNotFound {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for session %s to be removed", sessionID)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
