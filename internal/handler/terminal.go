package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/anthropics/octobot/internal/sandbox"
)

const terminalWriteWait = 10 * time.Second

var terminalUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API is bearer-token authenticated; an origin allowlist would
	// only lock out desktop clients connecting from file:// origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// TerminalMessage is one frame on the terminal websocket. Data carries
// a JSON string for input and output, {"rows","cols"} for resize, and
// the numeric exit code for exit.
type TerminalMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type resizeData struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Terminal attaches an interactive shell in the session's sandbox to a
// websocket. ?rows= and ?cols= set the initial PTY size, ?user= the
// in-sandbox user.
// GET /api/projects/{projectId}/sessions/{sessionId}/terminal
func (h *Handler) Terminal(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireSession(w, r); !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")

	rows, _ := strconv.Atoi(r.URL.Query().Get("rows"))
	cols, _ := strconv.Atoi(r.URL.Query().Get("cols"))
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	user := r.URL.Query().Get("user")

	// Attach before upgrading so failures still go out as plain HTTP.
	pty, err := h.sandboxes.Attach(r.Context(), sessionID, rows, cols, user)
	if err != nil {
		h.ServiceError(w, err)
		return
	}

	conn, err := terminalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		pty.Close()
		return
	}
	defer conn.Close()
	defer pty.Close()

	h.log.Infow("terminal attached", "session_id", sessionID, "rows", rows, "cols", cols, "user", user)
	handleTerminalSession(r.Context(), pty, conn)
}

// handleTerminalSession pumps bytes between a PTY and a websocket until
// the PTY exits. The client read side may go quiet without ending the
// session: output keeps flowing until the PTY is done. A closed
// connection tears the PTY down.
func handleTerminalSession(ctx context.Context, pty sandbox.PTY, conn *websocket.Conn) {
	// gorilla/websocket permits a single concurrent writer.
	var writeMu sync.Mutex
	writeMessage := func(msg TerminalMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(terminalWriteWait))
		return conn.WriteJSON(msg)
	}

	// Input loop: websocket frames to the PTY. A read error means the
	// client is gone (close frame or broken connection), so close the
	// PTY to unblock the output pump.
	go func() {
		for {
			var msg TerminalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				pty.Close()
				return
			}
			switch msg.Type {
			case "input":
				var data string
				if err := json.Unmarshal(msg.Data, &data); err != nil {
					continue
				}
				if _, err := pty.Write([]byte(data)); err != nil {
					return
				}
			case "resize":
				var size resizeData
				if err := json.Unmarshal(msg.Data, &size); err != nil {
					continue
				}
				_ = pty.Resize(ctx, size.Rows, size.Cols)
			}
		}
	}()

	// Output pump: PTY to websocket until EOF or the client is gone.
	buf := make([]byte, 4096)
	for {
		n, err := pty.Read(buf)
		if n > 0 {
			data, merr := json.Marshal(string(buf[:n]))
			if merr == nil {
				if werr := writeMessage(TerminalMessage{Type: "output", Data: data}); werr != nil {
					return
				}
			}
		}
		if err != nil {
			break
		}
	}

	exitCode, err := pty.Wait(ctx)
	if err != nil {
		exitCode = -1
	}
	data, _ := json.Marshal(exitCode)
	_ = writeMessage(TerminalMessage{Type: "exit", Data: data})

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(terminalWriteWait))
}
