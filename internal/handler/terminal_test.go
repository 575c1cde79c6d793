package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockPTY implements sandbox.PTY over in-memory buffers. Read returns
// io.EOF once the read buffer drains, like a shell that has exited.
type mockPTY struct {
	mu          sync.Mutex
	readBuffer  *bytes.Buffer
	writeBuffer *bytes.Buffer
	readErr     error
	writeErr    error
	resizeErr   error
	resizes     []resizeData
	exitCode    int
	waitDelay   time.Duration
	closed      bool
}

func newMockPTY() *mockPTY {
	return &mockPTY{
		readBuffer:  bytes.NewBuffer(nil),
		writeBuffer: bytes.NewBuffer(nil),
	}
}

func (m *mockPTY) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return 0, m.readErr
	}
	return m.readBuffer.Read(p)
}

func (m *mockPTY) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.writeBuffer.Write(p)
}

func (m *mockPTY) Resize(_ context.Context, rows, cols int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resizes = append(m.resizes, resizeData{Rows: rows, Cols: cols})
	return m.resizeErr
}

func (m *mockPTY) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockPTY) Wait(_ context.Context) (int, error) {
	if m.waitDelay > 0 {
		time.Sleep(m.waitDelay)
	}
	return m.exitCode, nil
}

func (m *mockPTY) feedOutput(data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuffer.WriteString(data)
}

func (m *mockPTY) getWrittenData() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBuffer.String()
}

func (m *mockPTY) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockPTY) getResizes() []resizeData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]resizeData(nil), m.resizes...)
}

// createWebSocketPair returns connected server-side and client-side
// websocket connections.
func createWebSocketPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	serverConn := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverConn <- conn
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return <-serverConn, client
}

func TestHandleTerminalSessionOutputAndInput(t *testing.T) {
	pty := newMockPTY()
	pty.feedOutput("hello from shell\n")
	pty.feedOutput("$ ")
	pty.waitDelay = 200 * time.Millisecond

	server, client := createWebSocketPair(t)
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handleTerminalSession(context.Background(), pty, server)
	}()

	var msg TerminalMessage
	if err := client.ReadJSON(&msg); err != nil {
		t.Fatalf("read output message: %v", err)
	}
	if msg.Type != "output" {
		t.Fatalf("message type = %q, want output", msg.Type)
	}
	var output string
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if !strings.Contains(output, "hello from shell") {
		t.Errorf("output = %q, want it to contain %q", output, "hello from shell")
	}

	// Input sent while the shell is still winding down must reach the PTY.
	input := TerminalMessage{Type: "input", Data: json.RawMessage(`"ls\n"`)}
	if err := client.WriteJSON(input); err != nil {
		t.Fatalf("send input: %v", err)
	}

	if err := client.ReadJSON(&msg); err != nil {
		t.Fatalf("read exit message: %v", err)
	}
	if msg.Type != "exit" {
		t.Fatalf("message type = %q, want exit", msg.Type)
	}
	var code int
	if err := json.Unmarshal(msg.Data, &code); err != nil {
		t.Fatalf("unmarshal exit code: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish")
	}

	if got := pty.getWrittenData(); got != "ls\n" {
		t.Errorf("PTY received %q, want %q", got, "ls\n")
	}
}

func TestHandleTerminalSessionANSIPassthrough(t *testing.T) {
	const colored = "\x1b[36m[watcher]\x1b[0m Dockerfile changed"

	pty := newMockPTY()
	pty.feedOutput(colored)

	server, client := createWebSocketPair(t)
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handleTerminalSession(context.Background(), pty, server)
	}()

	var msg TerminalMessage
	if err := client.ReadJSON(&msg); err != nil {
		t.Fatalf("read output message: %v", err)
	}
	var output string
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if output != colored {
		t.Errorf("output = %q, want %q with escape bytes intact", output, colored)
	}
	if output[0] != '\x1b' {
		t.Errorf("leading byte = 0x%02x, want ESC", output[0])
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish")
	}
}

func TestHandleTerminalSessionResize(t *testing.T) {
	pty := newMockPTY()
	pty.waitDelay = 500 * time.Millisecond

	server, client := createWebSocketPair(t)
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handleTerminalSession(context.Background(), pty, server)
	}()

	resize := TerminalMessage{Type: "resize", Data: json.RawMessage(`{"rows":50,"cols":120}`)}
	if err := client.WriteJSON(resize); err != nil {
		t.Fatalf("send resize: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if resizes := pty.getResizes(); len(resizes) > 0 {
			if resizes[0].Rows != 50 || resizes[0].Cols != 120 {
				t.Errorf("resize = %+v, want rows=50 cols=120", resizes[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("resize never reached the PTY")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish")
	}
}

func TestHandleTerminalSessionClientCloseTearsDownPTY(t *testing.T) {
	pty := newMockPTY()
	pty.waitDelay = 300 * time.Millisecond

	server, client := createWebSocketPair(t)
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handleTerminalSession(context.Background(), pty, server)
	}()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := client.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("send close frame: %v", err)
	}
	client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !pty.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("PTY was not closed after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish after client disconnect")
	}
}

func TestHandleTerminalSessionExitCode(t *testing.T) {
	pty := newMockPTY()
	pty.feedOutput("$ exit 7\n")
	pty.exitCode = 7

	server, client := createWebSocketPair(t)
	defer server.Close()

	go handleTerminalSession(context.Background(), pty, server)

	var code *int
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg TerminalMessage
		if err := client.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("want normal close after exit, got %v", err)
			}
			break
		}
		if msg.Type == "exit" {
			var c int
			if err := json.Unmarshal(msg.Data, &c); err != nil {
				t.Fatalf("unmarshal exit code: %v", err)
			}
			code = &c
		}
	}

	if code == nil {
		t.Fatal("no exit message received")
	}
	if *code != 7 {
		t.Errorf("exit code = %d, want 7", *code)
	}
}
