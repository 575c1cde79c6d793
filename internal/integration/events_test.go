package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/octobot/internal/events"
	"github.com/anthropics/octobot/internal/model"
)

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	Type string
	Data events.Event
}

// readSSE consumes the stream until n events arrived or the context ended.
func readSSE(t *testing.T, resp *http.Response, n int) []sseEvent {
	t.Helper()

	var out []sseEvent
	var current string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev := sseEvent{Type: current}
			// The connected handshake has a different payload shape;
			// keep its type and skip the body.
			if current != "connected" {
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.Data); err != nil {
					t.Fatalf("parse SSE payload: %v\nline: %s", err, line)
				}
			}
			out = append(out, ev)
			if len(out) == n {
				return out
			}
		}
	}
	t.Fatalf("stream ended after %d events, want %d", len(out), n)
	return nil
}

// The event stream replays history from ?after= and deduplicates the
// overlap with the live feed by event id.
func TestEventStreamReplayAfterID(t *testing.T) {
	ts := NewTestServer(t)
	ctx := context.Background()

	publish := func(sessionID, status string) {
		t.Helper()
		if err := ts.Broker.PublishSessionStatus(ctx, model.DefaultProjectID, sessionID, status, "", nil); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	publish("s1", model.SessionStatusCloning)
	publish("s1", model.SessionStatusReady)

	// First connection: full history via since=epoch.
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet,
		ts.Server.URL+"/api/projects/local/events?since=2020-01-01T00:00:00Z", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	got := readSSE(t, resp, 3)
	resp.Body.Close()

	if got[0].Type != "connected" {
		t.Fatalf("first event = %q, want connected", got[0].Type)
	}
	if got[1].Type != "session.status" || got[2].Type != "session.status" {
		t.Fatalf("replayed types = %q/%q, want session.status", got[1].Type, got[2].Type)
	}
	if got[1].Data.Seq >= got[2].Data.Seq {
		t.Errorf("replay out of order: seq %d then %d", got[1].Data.Seq, got[2].Data.Seq)
	}
	lastID := got[1].Data.ID

	// Reconnect after the first event: only the second is replayed, and a
	// live event published mid-stream arrives exactly once.
	reqCtx2, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	defer cancel2()
	req2, _ := http.NewRequestWithContext(reqCtx2, http.MethodGet,
		ts.Server.URL+"/api/projects/local/events?after="+lastID, nil)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("reopen stream: %v", err)
	}
	defer resp2.Body.Close()

	publish("s1", model.SessionStatusStopped)

	got = readSSE(t, resp2, 3)
	if got[0].Type != "connected" {
		t.Fatalf("first event = %q, want connected", got[0].Type)
	}

	var statuses []string
	seen := map[string]bool{}
	for _, ev := range got[1:] {
		if ev.Type != "session.status" {
			t.Fatalf("event type = %q, want session.status", ev.Type)
		}
		if seen[ev.Data.ID] {
			t.Fatalf("event %s delivered twice", ev.Data.ID)
		}
		seen[ev.Data.ID] = true

		var data events.SessionStatusData
		if err := json.Unmarshal(ev.Data.Data, &data); err != nil {
			t.Fatalf("parse payload: %v", err)
		}
		statuses = append(statuses, data.Status)
	}
	if statuses[0] != model.SessionStatusReady || statuses[1] != model.SessionStatusStopped {
		t.Errorf("statuses = %v, want [ready stopped]", statuses)
	}
}

// Events from another project never leak into the stream.
func TestEventStreamScopedToProject(t *testing.T) {
	ts := NewTestServer(t)
	ctx := context.Background()

	other := &model.Project{Name: "Other", Slug: "other"}
	if err := ts.Store.CreateProject(ctx, other); err != nil {
		t.Fatalf("create project: %v", err)
	}

	if err := ts.Broker.PublishSessionStatus(ctx, other.ID, "foreign", model.SessionStatusReady, "", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := ts.Broker.PublishSessionStatus(ctx, model.DefaultProjectID, "ours", model.SessionStatusReady, "", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet,
		ts.Server.URL+"/api/projects/local/events?since=2020-01-01T00:00:00Z", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	got := readSSE(t, resp, 2)
	if got[1].Type != "session.status" {
		t.Fatalf("event type = %q", got[1].Type)
	}
	var data events.SessionStatusData
	if err := json.Unmarshal(got[1].Data.Data, &data); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if data.SessionID != "ours" {
		t.Errorf("sessionId = %q, leaked a foreign project's event", data.SessionID)
	}
}
