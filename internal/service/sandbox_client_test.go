package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/sandbox/mock"
	"github.com/anthropics/octobot/internal/sandbox/sandboxapi"
)

const clientTestSession = "client-session"

// newChatClient wires a SandboxChatClient against a mock provider with one
// running sandbox answering through handler.
func newChatClient(t *testing.T, handler http.Handler, fetcher CredentialFetcher) (*SandboxChatClient, *mock.Provider) {
	t.Helper()
	provider := mock.NewProvider()
	provider.HTTPHandler = handler

	ctx := context.Background()
	if _, err := provider.Create(ctx, clientTestSession, sandbox.CreateOptions{ProjectID: "p1", SharedSecret: "test-secret"}); err != nil {
		t.Fatalf("failed to create sandbox: %v", err)
	}
	if err := provider.Start(ctx, clientTestSession); err != nil {
		t.Fatalf("failed to start sandbox: %v", err)
	}

	return NewSandboxChatClient(provider, fetcher, testLogger()), provider
}

// collectSSE drains the channel with a timeout so a stuck stream fails the
// test instead of hanging it.
func collectSSE(t *testing.T, ch <-chan SSELine) []SSELine {
	t.Helper()
	var lines []SSELine
	timeout := time.After(10 * time.Second)
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return lines
			}
			lines = append(lines, line)
		case <-timeout:
			t.Fatal("timed out draining SSE stream")
		}
	}
}

func TestStartCompletion_SendsAuthAndBody(t *testing.T) {
	var mu sync.Mutex
	var gotAuth string
	var gotReq sandboxapi.ChatRequest

	handler := &trackingHandler{
		onChat: func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewDecoder(r.Body).Decode(&gotReq)
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(sandboxapi.ChatStartResponse{CompletionID: "comp-1", Status: "started"})
		},
	}
	client, _ := newChatClient(t, handler, nil)

	messages := json.RawMessage(`[{"role":"user","parts":[{"type":"text","text":"hi"}]}]`)
	resp, err := client.StartCompletion(context.Background(), clientTestSession, messages, &RequestOptions{
		Model:     "claude-sonnet-4-5",
		Reasoning: true,
	})
	if err != nil {
		t.Fatalf("StartCompletion failed: %v", err)
	}
	if resp.CompletionID != "comp-1" {
		t.Errorf("completion id = %q, want comp-1", resp.CompletionID)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Bearer test-secret" {
		t.Errorf("Authorization = %q, want Bearer test-secret", gotAuth)
	}
	if gotReq.Model != "claude-sonnet-4-5" || !gotReq.Reasoning {
		t.Errorf("request = %+v, want model and reasoning forwarded", gotReq)
	}
	if string(gotReq.Messages) != string(messages) {
		t.Errorf("messages = %s, want passthrough", gotReq.Messages)
	}
}

func TestStartCompletion_ConflictCarriesCompletionID(t *testing.T) {
	handler := &trackingHandler{
		onChat: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(sandboxapi.ChatConflictResponse{Error: "completion in progress", CompletionID: "busy-1"})
		},
	}
	client, _ := newChatClient(t, handler, nil)

	_, err := client.StartCompletion(context.Background(), clientTestSession, json.RawMessage(`[]`), nil)
	if !errors.Is(err, ErrCompletionInProgress) {
		t.Fatalf("expected ErrCompletionInProgress, got %v", err)
	}
	var inProgress *CompletionInProgressError
	if !errors.As(err, &inProgress) {
		t.Fatalf("expected CompletionInProgressError, got %T", err)
	}
	if inProgress.CompletionID != "busy-1" {
		t.Errorf("in-flight id = %q, want busy-1", inProgress.CompletionID)
	}
}

func TestStartCompletion_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	handler := &trackingHandler{
		onChat: func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(sandboxapi.ChatStartResponse{CompletionID: "comp-2", Status: "started"})
		},
	}
	client, _ := newChatClient(t, handler, nil)

	resp, err := client.StartCompletion(context.Background(), clientTestSession, json.RawMessage(`[]`), nil)
	if err != nil {
		t.Fatalf("StartCompletion failed: %v", err)
	}
	if resp.CompletionID != "comp-2" {
		t.Errorf("completion id = %q, want comp-2", resp.CompletionID)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("sandbox saw %d requests, want 2 (one retry)", got)
	}
}

func TestStartCompletion_StoppedSandboxFailsFast(t *testing.T) {
	var calls atomic.Int32
	handler := &trackingHandler{
		onChat: func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusAccepted)
		},
	}
	client, provider := newChatClient(t, handler, nil)
	provider.SetStatus(clientTestSession, sandbox.StatusStopped, "")

	_, err := client.StartCompletion(context.Background(), clientTestSession, json.RawMessage(`[]`), nil)
	if !errors.Is(err, sandbox.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("sandbox saw %d requests, want none for a stopped sandbox", got)
	}
}

func TestGetStream_EmptyWhenNoCompletion(t *testing.T) {
	handler := &trackingHandler{
		onStream: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
	}
	client, _ := newChatClient(t, handler, nil)

	ch, err := client.GetStream(context.Background(), clientTestSession, nil)
	if err != nil {
		t.Fatalf("GetStream failed: %v", err)
	}
	if lines := collectSSE(t, ch); len(lines) != 0 {
		t.Errorf("lines = %v, want closed empty stream", lines)
	}
}

func TestGetStream_ParsesEventStream(t *testing.T) {
	var mu sync.Mutex
	var gotAccept string
	handler := &trackingHandler{
		onStream: func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			gotAccept = r.Header.Get("Accept")
			mu.Unlock()
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			// Comments and blank lines are protocol noise, not data.
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			_, _ = fmt.Fprint(w, "data: {\"type\":\"text-delta\",\"delta\":\"hel\"}\n\n")
			_, _ = fmt.Fprint(w, "data: {\"type\":\"text-delta\",\"delta\":\"lo\"}\n\n")
			_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		},
	}
	client, _ := newChatClient(t, handler, nil)

	ch, err := client.GetStream(context.Background(), clientTestSession, nil)
	if err != nil {
		t.Fatalf("GetStream failed: %v", err)
	}
	lines := collectSSE(t, ch)

	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 2 data lines and DONE", len(lines))
	}
	if lines[0].Done || !strings.Contains(lines[0].Data, "hel") {
		t.Errorf("line 0 = %+v, want first delta", lines[0])
	}
	if !lines[2].Done {
		t.Errorf("line 2 = %+v, want DONE marker", lines[2])
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(gotAccept, "text/event-stream") {
		t.Errorf("Accept = %q, want text/event-stream", gotAccept)
	}
}

func TestSendMessages_StartsAndAttaches(t *testing.T) {
	handler := &trackingHandler{
		onChat: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(sandboxapi.ChatStartResponse{CompletionID: "comp-9", Status: "started"})
		},
		onStream: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = fmt.Fprint(w, "data: {\"type\":\"finish\"}\n\n")
			_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		},
	}
	client, _ := newChatClient(t, handler, nil)

	id, ch, err := client.SendMessages(context.Background(), clientTestSession, json.RawMessage(`[]`), nil)
	if err != nil {
		t.Fatalf("SendMessages failed: %v", err)
	}
	if id != "comp-9" {
		t.Errorf("completion id = %q, want comp-9", id)
	}
	lines := collectSSE(t, ch)
	if len(lines) != 2 || !lines[1].Done {
		t.Errorf("lines = %+v, want finish then DONE", lines)
	}
}

func TestRequestAuth_CredentialsHeader(t *testing.T) {
	var mu sync.Mutex
	var gotHeader string
	handler := &trackingHandler{
		onChat: func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			gotHeader = r.Header.Get("X-Octobot-Credentials")
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(sandboxapi.ChatStartResponse{CompletionID: "c", Status: "started"})
		},
	}
	fetcher := func(ctx context.Context, sessionID string) ([]CredentialEnvVar, error) {
		return []CredentialEnvVar{{EnvVar: "ANTHROPIC_API_KEY", Value: "sk-ant-1"}}, nil
	}
	client, _ := newChatClient(t, handler, fetcher)

	if _, err := client.StartCompletion(context.Background(), clientTestSession, json.RawMessage(`[]`), nil); err != nil {
		t.Fatalf("StartCompletion failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var creds []CredentialEnvVar
	if err := json.Unmarshal([]byte(gotHeader), &creds); err != nil {
		t.Fatalf("credentials header %q did not decode: %v", gotHeader, err)
	}
	if len(creds) != 1 || creds[0].EnvVar != "ANTHROPIC_API_KEY" || creds[0].Value != "sk-ant-1" {
		t.Errorf("credentials = %+v, want the fetched pair", creds)
	}
}

func TestRequestAuth_SkipCredentials(t *testing.T) {
	var mu sync.Mutex
	var gotHeader string
	var fetcherCalled atomic.Bool
	handler := &trackingHandler{
		onChat: func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			gotHeader = r.Header.Get("X-Octobot-Credentials")
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(sandboxapi.ChatStartResponse{CompletionID: "c", Status: "started"})
		},
	}
	fetcher := func(ctx context.Context, sessionID string) ([]CredentialEnvVar, error) {
		fetcherCalled.Store(true)
		return []CredentialEnvVar{{EnvVar: "ANTHROPIC_API_KEY", Value: "sk"}}, nil
	}
	client, _ := newChatClient(t, handler, fetcher)

	_, err := client.StartCompletion(context.Background(), clientTestSession, json.RawMessage(`[]`), &RequestOptions{SkipCredentials: true})
	if err != nil {
		t.Fatalf("StartCompletion failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotHeader != "" {
		t.Errorf("credentials header = %q, want absent", gotHeader)
	}
	if fetcherCalled.Load() {
		t.Error("fetcher called despite SkipCredentials")
	}
}

// Credential fetch failures must not block the chat: the request goes out
// without the header.
func TestRequestAuth_FetcherFailureProceeds(t *testing.T) {
	var mu sync.Mutex
	var gotHeader string
	handler := &trackingHandler{
		onChat: func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			gotHeader = r.Header.Get("X-Octobot-Credentials")
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(sandboxapi.ChatStartResponse{CompletionID: "c", Status: "started"})
		},
	}
	fetcher := func(ctx context.Context, sessionID string) ([]CredentialEnvVar, error) {
		return nil, errors.New("vault down")
	}
	client, _ := newChatClient(t, handler, fetcher)

	if _, err := client.StartCompletion(context.Background(), clientTestSession, json.RawMessage(`[]`), nil); err != nil {
		t.Fatalf("StartCompletion failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotHeader != "" {
		t.Errorf("credentials header = %q, want absent on fetch failure", gotHeader)
	}
}

func TestRequestAuth_GitIdentityHeaders(t *testing.T) {
	var mu sync.Mutex
	var gotName, gotEmail string
	handler := &trackingHandler{
		onChat: func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			gotName = r.Header.Get("X-Octobot-Git-User-Name")
			gotEmail = r.Header.Get("X-Octobot-Git-User-Email")
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(sandboxapi.ChatStartResponse{CompletionID: "c", Status: "started"})
		},
	}
	client, _ := newChatClient(t, handler, nil)

	_, err := client.StartCompletion(context.Background(), clientTestSession, json.RawMessage(`[]`), &RequestOptions{
		GitUserName:  "Ada",
		GitUserEmail: "ada@example.com",
	})
	if err != nil {
		t.Fatalf("StartCompletion failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotName != "Ada" || gotEmail != "ada@example.com" {
		t.Errorf("git identity = %q/%q, want Ada/ada@example.com", gotName, gotEmail)
	}
}

func TestGetCommits_SendsParent(t *testing.T) {
	var mu sync.Mutex
	var gotParent string
	handler := &trackingHandler{
		onCommits: func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			gotParent = r.URL.Query().Get("parent")
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(sandboxapi.CommitsResponse{Patches: "From abc123", CommitCount: 1})
		},
	}
	client, _ := newChatClient(t, handler, nil)

	resp, err := client.GetCommits(context.Background(), clientTestSession, "abc123")
	if err != nil {
		t.Fatalf("GetCommits failed: %v", err)
	}
	if resp.CommitCount != 1 || !strings.HasPrefix(resp.Patches, "From ") {
		t.Errorf("response = %+v, want one mail-format patch", resp)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotParent != "abc123" {
		t.Errorf("parent = %q, want abc123", gotParent)
	}
}

func TestGetCommits_SurfacesSandboxError(t *testing.T) {
	handler := &trackingHandler{
		onCommits: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(sandboxapi.CommitsErrorResponse{Error: "parent_mismatch", Message: "parent not in history"})
		},
	}
	client, _ := newChatClient(t, handler, nil)

	_, err := client.GetCommits(context.Background(), clientTestSession, "deadbeef")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parent_mismatch") || !strings.Contains(err.Error(), "parent not in history") {
		t.Errorf("error = %v, want sandbox error code and message", err)
	}
}

func TestGetChatStatus_Decodes(t *testing.T) {
	handler := &trackingHandler{
		onStatus: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"isRunning":true,"completionId":"c-7"}`))
		},
	}
	client, _ := newChatClient(t, handler, nil)

	status, err := client.GetChatStatus(context.Background(), clientTestSession)
	if err != nil {
		t.Fatalf("GetChatStatus failed: %v", err)
	}
	if !status.IsRunning {
		t.Error("IsRunning = false, want true")
	}
	if status.CompletionID == nil || *status.CompletionID != "c-7" {
		t.Errorf("completion id = %v, want c-7", status.CompletionID)
	}
}

func TestCancelCompletion_Responses(t *testing.T) {
	var active atomic.Bool
	active.Store(true)
	handler := &trackingHandler{
		onCancel: func(w http.ResponseWriter, r *http.Request) {
			if !active.Load() {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true,"status":"cancelled"}`))
		},
	}
	client, _ := newChatClient(t, handler, nil)

	resp, err := client.CancelCompletion(context.Background(), clientTestSession)
	if err != nil {
		t.Fatalf("CancelCompletion failed: %v", err)
	}
	if !resp.Success || resp.Status != "cancelled" {
		t.Errorf("response = %+v, want success/cancelled", resp)
	}

	active.Store(false)
	if _, err := client.CancelCompletion(context.Background(), clientTestSession); !errors.Is(err, ErrNoActiveCompletion) {
		t.Errorf("expected ErrNoActiveCompletion, got %v", err)
	}
}
