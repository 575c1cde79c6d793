package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
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
	"github.com/anthropics/octobot/internal/service"
	"github.com/anthropics/octobot/internal/store"
)

var testEncryptionKey = bytes.Repeat([]byte{0x42}, 32)

// testHandler wires the full route tree against a real SQLite store and
// the mock sandbox provider, with auth disabled.
type testHandler struct {
	h        *Handler
	store    *store.Store
	provider *mock.Provider
	server   *httptest.Server
}

func newTestHandler(t *testing.T) *testHandler {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	cfg := &config.Config{
		DatabaseDSN:    fmt.Sprintf("sqlite3://%s", dbPath),
		DatabaseDriver: "sqlite",
		SandboxImage:   "octobot-sandbox:test",
		EncryptionKey:  testEncryptionKey,
	}

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	s := store.New(db.DB)

	gitProvider, err := git.NewLocalProvider(t.TempDir(), git.WithWorkspaceSource(git.NewStoreWorkspaceSource(s)))
	if err != nil {
		t.Fatalf("failed to create git provider: %v", err)
	}

	provider := mock.NewProvider()
	// Background goroutines can outlive the test body, so the
	// test-scoped zaptest logger is unsafe here.
	log := zap.NewNop().Sugar()

	poller := events.NewPoller(s, events.DefaultPollerConfig(), log)
	broker := events.NewBroker(s, poller)

	credSvc, err := service.NewCredentialService(s, testEncryptionKey, log)
	if err != nil {
		t.Fatalf("failed to create credential service: %v", err)
	}
	sandboxSvc := service.NewSandboxService(s, provider, credSvc, log)
	sessionSvc := service.NewSessionService(s, gitProvider, provider, broker, log)
	sandboxSvc.SetInitializer(sessionSvc)
	chatSvc := service.NewChatService(s, sandboxSvc, broker, log)
	sessionSvc.SetCompletionCanceller(chatSvc)
	workspaceSvc := service.NewWorkspaceService(s, gitProvider, sandboxSvc, broker, log)
	projectSvc := service.NewProjectService(s, log)
	agentSvc := service.NewAgentService(s, log)

	if err := projectSvc.EnsureDefault(context.Background()); err != nil {
		t.Fatalf("failed to ensure default project: %v", err)
	}

	h := New(s, cfg, Services{
		Projects:    projectSvc,
		Agents:      agentSvc,
		Workspaces:  workspaceSvc,
		Sessions:    sessionSvc,
		Chat:        chatSvc,
		Sandboxes:   sandboxSvc,
		Credentials: credSvc,
	}, broker, nil, log)

	server := httptest.NewServer(h.Routes())

	t.Cleanup(func() {
		server.Close()
		chatSvc.Close()
		sessionSvc.Close()
		_ = db.Close()
	})

	return &testHandler{h: h, store: s, provider: provider, server: server}
}

func (env *testHandler) doJSON(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, env.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// createSessionRow inserts a workspace and session directly, bypassing
// the session startup machinery.
func (env *testHandler) createSessionRow(t *testing.T, projectID, status string) *model.Session {
	t.Helper()
	ctx := context.Background()

	ws := &model.Workspace{
		ProjectID:  projectID,
		Name:       "ws",
		Path:       "/tmp/ws",
		SourceType: model.WorkspaceSourceLocal,
		Status:     model.WorkspaceStatusReady,
	}
	if err := env.store.CreateWorkspace(ctx, ws); err != nil {
		t.Fatalf("create workspace: %v", err)
	}

	sess := &model.Session{
		ProjectID:    projectID,
		WorkspaceID:  ws.ID,
		Name:         "test session",
		Status:       status,
		CommitStatus: model.CommitStatusNone,
	}
	if err := env.store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestServiceErrorMapping(t *testing.T) {
	h := &Handler{log: zap.NewNop().Sugar()}

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"store not found", store.ErrNotFound, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("get project: %w", store.ErrNotFound), http.StatusNotFound},
		{"sandbox not found", sandbox.ErrNotFound, http.StatusNotFound},
		{"credential not found", service.ErrCredentialNotFound, http.StatusNotFound},
		{"session not ready", fmt.Errorf("%w: session is cloning", service.ErrSessionNotReady), http.StatusConflict},
		{"has sessions", fmt.Errorf("%w: 2 remaining", service.ErrHasSessions), http.StatusConflict},
		{"store conflict", store.ErrConflict, http.StatusConflict},
		{"provider not ready", sandbox.ErrProviderNotReady, http.StatusServiceUnavailable},
		{"invalid provider", service.ErrInvalidProvider, http.StatusBadRequest},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServiceError(rec, tt.err)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	t.Run("completion in progress carries id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServiceError(rec, &service.CompletionInProgressError{CompletionID: "comp-9"})
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["error"] != "completion_in_progress" {
			t.Errorf("error = %q, want completion_in_progress", body["error"])
		}
		if body["completionId"] != "comp-9" {
			t.Errorf("completionId = %q, want comp-9", body["completionId"])
		}
	})

	t.Run("provider not ready sets retry-after", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServiceError(rec, sandbox.ErrProviderNotReady)
		if got := rec.Header().Get("Retry-After"); got != "5" {
			t.Errorf("Retry-After = %q, want 5", got)
		}
	})
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestHandler(t)

	// The default project is seeded.
	resp := env.doJSON(t, http.MethodGet, "/api/projects", nil)
	var listBody struct {
		Projects []*model.Project `json:"projects"`
	}
	decodeJSON(t, resp, &listBody)
	if len(listBody.Projects) != 1 || listBody.Projects[0].ID != model.DefaultProjectID {
		t.Fatalf("projects = %+v, want just the default project", listBody.Projects)
	}

	resp = env.doJSON(t, http.MethodPost, "/api/projects", map[string]string{"name": "Alpha"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created model.Project
	decodeJSON(t, resp, &created)
	if created.ID == "" || created.Name != "Alpha" || created.Slug == "" {
		t.Fatalf("created project = %+v", created)
	}

	resp = env.doJSON(t, http.MethodPut, "/api/projects/"+created.ID, map[string]string{"name": "Beta"})
	var renamed model.Project
	decodeJSON(t, resp, &renamed)
	if renamed.Name != "Beta" {
		t.Errorf("renamed name = %q, want Beta", renamed.Name)
	}

	// The default project refuses deletion.
	resp = env.doJSON(t, http.MethodDelete, "/api/projects/"+model.DefaultProjectID, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("delete default status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodDelete, "/api/projects/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodGet, "/api/projects/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodPost, "/api/projects", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("create without name status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSessionProjectScoping(t *testing.T) {
	env := newTestHandler(t)
	ctx := context.Background()

	other := &model.Project{Name: "Other", Slug: "other"}
	if err := env.store.CreateProject(ctx, other); err != nil {
		t.Fatalf("create project: %v", err)
	}

	sess := env.createSessionRow(t, model.DefaultProjectID, model.SessionStatusReady)

	resp := env.doJSON(t, http.MethodGet, "/api/projects/local/sessions/"+sess.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get own session status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// The same session through another project 404s rather than leaking.
	resp = env.doJSON(t, http.MethodGet, "/api/projects/"+other.ID+"/sessions/"+sess.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-project get status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodGet, "/api/projects/no-such-project/sessions/"+sess.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown project status = %d, want 404", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["error"] != "project not found" {
		t.Errorf("unknown project error = %q, want %q", body["error"], "project not found")
	}
}

func TestChatEndpoints(t *testing.T) {
	env := newTestHandler(t)

	sess := env.createSessionRow(t, model.DefaultProjectID, model.SessionStatusInitializing)
	base := "/api/projects/local/sessions/" + sess.ID

	// Transcript starts empty but is never null.
	resp := env.doJSON(t, http.MethodGet, base+"/chat", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get messages status = %d, want 200", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(raw), `"messages":[]`) {
		t.Errorf("empty transcript body = %s, want messages to be []", raw)
	}

	// A session that is not ready refuses completions.
	messages := json.RawMessage(`[{"id":"m1","role":"user","parts":[{"type":"text","text":"hi"}]}]`)
	resp = env.doJSON(t, http.MethodPost, base+"/chat", map[string]any{"messages": messages})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("chat on initializing session status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	// The rejected turn's user message is still persisted.
	resp = env.doJSON(t, http.MethodGet, base+"/chat", nil)
	var transcript struct {
		Messages []*model.Message `json:"messages"`
	}
	decodeJSON(t, resp, &transcript)
	if len(transcript.Messages) != 1 || transcript.Messages[0].Role != "user" {
		t.Fatalf("transcript = %+v, want the single user message", transcript.Messages)
	}

	resp = env.doJSON(t, http.MethodPost, base+"/chat", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("chat without messages status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	// No in-flight completion to cancel.
	resp = env.doJSON(t, http.MethodPost, base+"/chat/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel without completion status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAgentEndpoints(t *testing.T) {
	env := newTestHandler(t)

	resp := env.doJSON(t, http.MethodPost, "/api/projects/local/agents", map[string]string{
		"name":  "Coder",
		"model": "claude-sonnet-4-5",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create agent status = %d, want 201", resp.StatusCode)
	}
	var first model.Agent
	decodeJSON(t, resp, &first)
	if !first.IsDefault {
		t.Error("first agent should become the project default")
	}

	resp = env.doJSON(t, http.MethodPost, "/api/projects/local/agents", map[string]string{
		"name":  "Reviewer",
		"model": "claude-opus-4-1",
	})
	var second model.Agent
	decodeJSON(t, resp, &second)
	if second.IsDefault {
		t.Error("second agent should not steal the default")
	}

	resp = env.doJSON(t, http.MethodPost, "/api/projects/local/agents/default", map[string]string{"agentId": second.ID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set default status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodGet, "/api/projects/local/agents/"+second.ID, nil)
	var reloaded model.Agent
	decodeJSON(t, resp, &reloaded)
	if !reloaded.IsDefault {
		t.Error("agent should be default after POST /agents/default")
	}

	resp = env.doJSON(t, http.MethodPut, "/api/projects/local/agents/"+first.ID, map[string]string{"name": "Pair Programmer"})
	var renamed model.Agent
	decodeJSON(t, resp, &renamed)
	if renamed.Name != "Pair Programmer" {
		t.Errorf("renamed agent name = %q", renamed.Name)
	}

	resp = env.doJSON(t, http.MethodDelete, "/api/projects/local/agents/"+first.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete agent status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodGet, "/api/projects/local/agents/"+first.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted agent status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodPost, "/api/projects/local/agents", map[string]string{"model": "claude-sonnet-4-5"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("create agent without name status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCredentialEndpoints(t *testing.T) {
	env := newTestHandler(t)

	resp := env.doJSON(t, http.MethodGet, "/api/projects/local/credentials", nil)
	var list struct {
		Credentials []service.CredentialInfo `json:"credentials"`
	}
	decodeJSON(t, resp, &list)
	if len(list.Credentials) != 0 {
		t.Fatalf("credentials = %+v, want empty", list.Credentials)
	}

	resp = env.doJSON(t, http.MethodGet, "/api/projects/local/credentials/providers", nil)
	var registry struct {
		Providers []struct {
			ID string `json:"id"`
		} `json:"providers"`
	}
	decodeJSON(t, resp, &registry)
	if len(registry.Providers) < 4 {
		t.Errorf("provider registry has %d entries, want at least 4", len(registry.Providers))
	}

	resp = env.doJSON(t, http.MethodPut, "/api/projects/local/credentials/anthropic", map[string]string{"apiKey": "sk-test-123"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put credential status = %d, want 200", resp.StatusCode)
	}
	var info service.CredentialInfo
	decodeJSON(t, resp, &info)
	if info.Provider != "anthropic" || info.AuthType != "api_key" || info.Name != "anthropic" {
		t.Errorf("credential info = %+v", info)
	}

	resp = env.doJSON(t, http.MethodGet, "/api/projects/local/credentials/anthropic", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get credential status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodPut, "/api/projects/local/credentials/not-a-provider", map[string]string{"apiKey": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("put unknown provider status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodDelete, "/api/projects/local/credentials/anthropic", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete credential status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodGet, "/api/projects/local/credentials/anthropic", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted credential status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWorkspaceValidation(t *testing.T) {
	env := newTestHandler(t)

	resp := env.doJSON(t, http.MethodGet, "/api/projects/local/workspaces", nil)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(raw), `"workspaces":[]`) {
		t.Errorf("empty list body = %s, want workspaces to be []", raw)
	}

	resp = env.doJSON(t, http.MethodPost, "/api/projects/local/workspaces", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("create without path status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodPost, "/api/projects/local/workspaces", map[string]string{
		"path":       "/tmp/somewhere",
		"sourceType": "svn",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("create with bad sourceType status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStatusAndHealth(t *testing.T) {
	env := newTestHandler(t)

	resp := env.doJSON(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.doJSON(t, http.MethodGet, "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d, want 200", resp.StatusCode)
	}
	var status struct {
		OK      bool   `json:"ok"`
		Version string `json:"version"`
	}
	decodeJSON(t, resp, &status)
	if !status.OK {
		t.Error("expected ok=true without a system manager")
	}
	if status.Version == "" {
		t.Error("expected a version string")
	}
}

func TestEventsReplay(t *testing.T) {
	env := newTestHandler(t)
	ctx := context.Background()

	for _, status := range []string{model.SessionStatusCloning, model.SessionStatusReady} {
		if err := env.h.broker.PublishSessionStatus(ctx, model.DefaultProjectID, "sess-1", status, model.CommitStatusNone, nil); err != nil {
			t.Fatalf("publish event: %v", err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		env.server.URL+"/api/projects/local/events?since=2020-01-01T00:00:00Z", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open event stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	var eventTypes []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventTypes = append(eventTypes, strings.TrimPrefix(line, "event: "))
		}
		if len(eventTypes) == 3 {
			break
		}
	}
	cancel()

	want := []string{"connected", "session.status", "session.status"}
	if len(eventTypes) != len(want) {
		t.Fatalf("event types = %v, want %v", eventTypes, want)
	}
	for i := range want {
		if eventTypes[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, eventTypes[i], want[i])
		}
	}
}
