package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListServices lists the services declared in the session's sandbox.
// GET /api/projects/{projectId}/sessions/{sessionId}/services
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireSession(w, r); !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")

	resp, err := h.sandboxes.Client(sessionID).ListServices(r.Context())
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, resp)
}

// StartService starts a service in the session's sandbox. The start is
// asynchronous; clients follow the output stream or poll the list.
// POST /api/projects/{projectId}/sessions/{sessionId}/services/{serviceId}/start
func (h *Handler) StartService(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireSession(w, r); !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	serviceID := chi.URLParam(r, "serviceId")

	resp, err := h.sandboxes.Client(sessionID).StartService(r.Context(), serviceID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusAccepted, resp)
}

// StopService stops a service in the session's sandbox.
// POST /api/projects/{projectId}/sessions/{sessionId}/services/{serviceId}/stop
func (h *Handler) StopService(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireSession(w, r); !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	serviceID := chi.URLParam(r, "serviceId")

	resp, err := h.sandboxes.Client(sessionID).StopService(r.Context(), serviceID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, resp)
}

// GetServiceOutput relays the service's output stream from the sandbox
// as SSE. Lines pass through unparsed; the stream ends with [DONE].
// GET /api/projects/{projectId}/sessions/{sessionId}/services/{serviceId}/output
func (h *Handler) GetServiceOutput(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireSession(w, r); !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	serviceID := chi.URLParam(r, "serviceId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	lines, err := h.sandboxes.Client(sessionID).GetServiceOutput(r.Context(), serviceID)
	if err != nil {
		writeServiceStreamError(w, flusher, err.Error())
		return
	}

	for line := range lines {
		if line.Done {
			break
		}
		fmt.Fprintf(w, "data: %s\n\n", line.Data)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeServiceStreamError emits an error line followed by the [DONE]
// terminator, so stream consumers never hang on a failed start.
func writeServiceStreamError(w http.ResponseWriter, flusher http.Flusher, msg string) {
	fmt.Fprintf(w, "data: {\"type\":\"error\",\"error\":%q}\n\n", msg)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
