package integration

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/sandbox"
)

func promptBody(id, text string) map[string]any {
	return map[string]any{
		"messages": []map[string]any{
			{"id": id, "role": "user", "parts": []map[string]string{{"type": "text", "text": text}}},
		},
	}
}

// gatedStreamHandler is a sandbox whose completion stream stays open
// until the gate is closed, so a completion can be held in flight.
func gatedStreamHandler(gate <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/chat" && r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"completionId":"comp-gated","status":"started"}`))

		case r.URL.Path == "/chat" && r.Method == http.MethodGet:
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = fmt.Fprint(w, "data: {\"type\":\"start\",\"messageId\":\"m1\"}\n\n")
			<-gate
			_, _ = fmt.Fprint(w, "data: [DONE]\n\n")

		case r.URL.Path == "/chat/cancel" && r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true,"status":"cancelled"}`))

		default:
			http.NotFound(w, r)
		}
	})
}

// At most one completion runs per session: the second prompt is refused
// with the in-flight completion id, and cancelling frees the session.
func TestCompletionMutualExclusionOverHTTP(t *testing.T) {
	ts := NewTestServer(t)

	repo := InitGitRepo(t)
	ws := ts.CreateWorkspace(t, repo)
	sess := ts.CreateSession(t, ws.ID, map[string]string{"name": "busy"})
	ts.WaitForSessionStatus(t, sess.ID, model.SessionStatusReady)

	gate := make(chan struct{})
	defer func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
	}()
	ts.Sandbox.HTTPHandler = gatedStreamHandler(gate)

	base := "/api/projects/local/sessions/" + sess.ID

	resp := ts.Do(t, http.MethodPost, base+"/chat", promptBody("u1", "first"))
	AssertStatus(t, resp, http.StatusAccepted)
	var started struct {
		CompletionID string `json:"completionId"`
		Status       string `json:"status"`
	}
	DecodeJSON(t, resp, &started)
	if started.CompletionID != "comp-gated" || started.Status != "started" {
		t.Fatalf("start response = %+v", started)
	}

	ts.WaitForSessionStatus(t, sess.ID, model.SessionStatusRunning)

	// The losing prompt learns the occupying completion id.
	resp = ts.Do(t, http.MethodPost, base+"/chat", promptBody("u2", "second"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second prompt status = %d, want 409", resp.StatusCode)
	}
	var conflict map[string]string
	DecodeJSON(t, resp, &conflict)
	if conflict["error"] != "completion_in_progress" {
		t.Errorf("conflict error = %q, want completion_in_progress", conflict["error"])
	}
	if conflict["completionId"] != started.CompletionID {
		t.Errorf("conflict completionId = %q, want %q", conflict["completionId"], started.CompletionID)
	}

	resp = ts.Do(t, http.MethodPost, base+"/chat/cancel", nil)
	AssertStatus(t, resp, http.StatusOK)

	final := ts.WaitForSessionStatus(t, sess.ID, model.SessionStatusReady)
	if final.ErrorMessage == nil || *final.ErrorMessage != "completion cancelled" {
		t.Errorf("error message = %v, want cancellation note", final.ErrorMessage)
	}

	// Promptable again: the default mock stream finishes immediately.
	ts.Sandbox.HTTPHandler = nil
	resp = ts.Do(t, http.MethodPost, base+"/chat", promptBody("u3", "third"))
	AssertStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()
	ts.WaitForSessionStatus(t, sess.ID, model.SessionStatusReady)
}

// Both sides of a rejected turn survive: the user message is persisted
// even though the completion never started.
func TestRejectedPromptKeepsUserMessage(t *testing.T) {
	ts := NewTestServer(t)

	repo := InitGitRepo(t)
	ws := ts.CreateWorkspace(t, repo)
	sess := ts.CreateSession(t, ws.ID, map[string]string{"name": "rejected"})
	ts.WaitForSessionStatus(t, sess.ID, model.SessionStatusReady)

	// Stop the sandbox out from under the session.
	ts.Sandbox.SetStatus(sess.ID, sandbox.StatusStopped, "")
	if err := ts.Store.UpdateSessionStatus(context.Background(), sess.ID, model.SessionStatusStopped, nil); err != nil {
		t.Fatalf("stage stopped session: %v", err)
	}

	base := "/api/projects/local/sessions/" + sess.ID
	resp := ts.Do(t, http.MethodPost, base+"/chat", promptBody("u-rejected", "hello?"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("prompt on stopped session status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	resp = ts.Do(t, http.MethodGet, base+"/chat", nil)
	var transcript struct {
		Messages []*model.Message `json:"messages"`
	}
	DecodeJSON(t, resp, &transcript)
	if len(transcript.Messages) != 1 || transcript.Messages[0].ID != "u-rejected" {
		t.Fatalf("transcript = %+v, want the rejected user message", transcript.Messages)
	}
}
