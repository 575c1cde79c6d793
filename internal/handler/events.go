package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anthropics/octobot/internal/events"
	"github.com/anthropics/octobot/internal/middleware"
)

// Events streams a project's event log over SSE. With ?after=<eventId>
// or ?since=<RFC3339 or unix seconds>, history is replayed before the
// live stream. The subscription is registered before the history fetch
// so events published in between are not lost; the overlap is
// deduplicated by event ID.
// GET /api/projects/{projectId}/events
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProjectID(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sinceStr := r.URL.Query().Get("since")
	afterID := r.URL.Query().Get("after")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	sub := h.broker.Subscribe(projectID)
	defer h.broker.Unsubscribe(sub)

	connected, _ := json.Marshal(events.ConnectedData{ProjectID: projectID, Time: time.Now()})
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", events.EventTypeConnected, connected)
	flusher.Flush()

	// Event IDs replayed from history, so the live loop can skip them
	// when the subscription overlaps the fetch.
	sent := make(map[string]bool)

	var history []*events.Event
	var histErr error
	switch {
	case afterID != "":
		history, histErr = h.broker.GetEventsAfterID(r.Context(), projectID, afterID)
	case sinceStr != "":
		since, err := parseSince(sinceStr)
		if err != nil {
			fmt.Fprint(w, "event: error\ndata: {\"error\":\"invalid since parameter, use RFC3339 or unix seconds\"}\n\n")
			flusher.Flush()
		} else {
			history, histErr = h.broker.GetEventsSince(r.Context(), projectID, since)
		}
	}
	if histErr != nil {
		fmt.Fprint(w, "event: error\ndata: {\"error\":\"failed to load event history\"}\n\n")
		flusher.Flush()
	}
	for _, event := range history {
		writeSSE(w, event)
		sent[event.ID] = true
	}
	if len(history) > 0 {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if sent[event.ID] {
				delete(sent, event.ID)
				continue
			}
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

// writeSSE writes one event in wire format: event: <type>\ndata: <json>\n\n
func writeSSE(w io.Writer, event *events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}

// parseSince accepts an RFC3339 timestamp or unix seconds.
func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	var unixSec int64
	if _, err := fmt.Sscanf(s, "%d", &unixSec); err == nil {
		return time.Unix(unixSec, 0), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
