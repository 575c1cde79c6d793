package ssh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/sandbox/mock"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// startTestServer runs a server on an ephemeral port and returns its
// bound address.
func startTestServer(t *testing.T, provider sandbox.Provider, users UserResolver) string {
	t.Helper()

	srv, err := New(&Config{
		Addr:        "127.0.0.1:0",
		HostKeyPath: filepath.Join(t.TempDir(), "host_key"),
		Provider:    provider,
		Users:       users,
	}, testLogger())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	go srv.Start()
	t.Cleanup(func() { srv.Stop() })

	// Addr reports the real port once the listener is bound.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := srv.Addr(); addr != "127.0.0.1:0" {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not start listening")
	return ""
}

func dialSSH(t *testing.T, addr, sessionID string) *ssh.Client {
	t.Helper()

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            sessionID,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ssh dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// runningSandbox creates and starts a mock sandbox for the session.
func runningSandbox(t *testing.T, provider *mock.Provider, sessionID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := provider.Create(ctx, sessionID, sandbox.CreateOptions{}); err != nil {
		t.Fatalf("create sandbox: %v", err)
	}
	if err := provider.Start(ctx, sessionID); err != nil {
		t.Fatalf("start sandbox: %v", err)
	}
}

// scriptPTY is a PTY with queued output and recorded input. Reads block
// until output is fed or the PTY finishes, like a real shell.
type scriptPTY struct {
	mu      sync.Mutex
	out     []byte
	in      []byte
	resizes [][2]int
	code    int

	more chan struct{}
	done chan struct{}
	once sync.Once
}

func newScriptPTY(initial string) *scriptPTY {
	return &scriptPTY{
		out:  []byte(initial),
		more: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (p *scriptPTY) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if len(p.out) > 0 {
			n := copy(b, p.out)
			p.out = p.out[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.done:
			return 0, io.EOF
		case <-p.more:
		}
	}
}

func (p *scriptPTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in = append(p.in, b...)
	return len(b), nil
}

func (p *scriptPTY) Resize(_ context.Context, rows, cols int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]int{rows, cols})
	return nil
}

func (p *scriptPTY) Close() error {
	p.finish(0)
	return nil
}

func (p *scriptPTY) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.code, nil
	}
}

func (p *scriptPTY) feed(s string) {
	p.mu.Lock()
	p.out = append(p.out, s...)
	p.mu.Unlock()
	select {
	case p.more <- struct{}{}:
	default:
	}
}

// finish ends the shell with the given exit code. Queued output is
// still drained by pending reads.
func (p *scriptPTY) finish(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *scriptPTY) input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.in)
}

func (p *scriptPTY) resizeCalls() [][2]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]int(nil), p.resizes...)
}

// fixedUsers resolves every session to uid/gid 1000.
type fixedUsers struct{}

func (fixedUsers) GetUserInfo(context.Context, string) (string, int, int, error) {
	return "dev", 1000, 1000, nil
}

func TestNewRequiresProvider(t *testing.T) {
	_, err := New(&Config{Addr: ":0"}, testLogger())
	if err == nil {
		t.Fatal("expected error when provider is nil")
	}
}

func TestNewGeneratesHostKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "host_key")

	_, err := New(&Config{
		Addr:        ":0",
		HostKeyPath: keyPath,
		Provider:    mock.NewProvider(),
	}, testLogger())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	if _, err := os.Stat(keyPath); err != nil {
		t.Errorf("host key file was not created: %v", err)
	}
}

func TestNewReusesHostKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "host_key")
	provider := mock.NewProvider()

	if _, err := New(&Config{Addr: ":0", HostKeyPath: keyPath, Provider: provider}, testLogger()); err != nil {
		t.Fatalf("first server: %v", err)
	}
	key1, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}

	if _, err := New(&Config{Addr: ":0", HostKeyPath: keyPath, Provider: provider}, testLogger()); err != nil {
		t.Fatalf("second server: %v", err)
	}
	key2, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}

	if !bytes.Equal(key1, key2) {
		t.Error("host key was regenerated instead of loaded")
	}
}

func TestLoadOrGenerateHostKeyInMemory(t *testing.T) {
	key, err := loadOrGenerateHostKey("", testLogger())
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if key == nil {
		t.Error("key should not be nil")
	}
}

func TestLoadOrGenerateHostKeyRejectsGarbage(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "host_key")
	if err := os.WriteFile(keyPath, []byte("not a valid key"), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	if _, err := loadOrGenerateHostKey(keyPath, testLogger()); err == nil {
		t.Error("expected error for unparseable key file")
	}
}

func TestShellSession(t *testing.T) {
	t.Parallel()

	provider := mock.NewProvider()
	runningSandbox(t, provider, "sess-shell")

	pty := newScriptPTY("welcome to octobot\n")
	optsCh := make(chan sandbox.AttachOptions, 1)
	provider.AttachFunc = func(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
		optsCh <- opts
		return pty, nil
	}

	addr := startTestServer(t, provider, fixedUsers{})
	client := dialSSH(t, addr, "sess-shell")

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer session.Close()

	if err := session.Setenv("GIT_AUTHOR_NAME", "octobot"); err != nil {
		t.Fatalf("setenv: %v", err)
	}
	if err := session.RequestPty("xterm-256color", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("request pty: %v", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}

	if err := session.Shell(); err != nil {
		t.Fatalf("shell: %v", err)
	}

	var opts sandbox.AttachOptions
	select {
	case opts = <-optsCh:
	case <-time.After(2 * time.Second):
		t.Fatal("attach was never called")
	}
	if opts.Rows != 24 || opts.Cols != 80 {
		t.Errorf("attach size = %dx%d, want 24x80", opts.Rows, opts.Cols)
	}
	if opts.Env["TERM"] != "xterm-256color" {
		t.Errorf("TERM = %q, want xterm-256color", opts.Env["TERM"])
	}
	if opts.Env["GIT_AUTHOR_NAME"] != "octobot" {
		t.Errorf("GIT_AUTHOR_NAME = %q, want octobot", opts.Env["GIT_AUTHOR_NAME"])
	}
	if opts.User != "1000:1000" {
		t.Errorf("user = %q, want 1000:1000", opts.User)
	}

	banner := make([]byte, len("welcome to octobot\n"))
	if _, err := io.ReadFull(stdout, banner); err != nil {
		t.Fatalf("read banner: %v", err)
	}
	if string(banner) != "welcome to octobot\n" {
		t.Errorf("banner = %q", banner)
	}

	if _, err := stdin.Write([]byte("make test\n")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return pty.input() == "make test\n" })

	// Window changes mid-session resize the live PTY.
	if err := session.WindowChange(50, 120); err != nil {
		t.Fatalf("window change: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		calls := pty.resizeCalls()
		return len(calls) == 1 && calls[0] == [2]int{50, 120}
	})

	pty.feed("ok\n")
	echo := make([]byte, 3)
	if _, err := io.ReadFull(stdout, echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echo) != "ok\n" {
		t.Errorf("echo = %q", echo)
	}

	pty.finish(0)
	if _, err := io.Copy(io.Discard, stdout); err != nil {
		t.Fatalf("drain stdout: %v", err)
	}
	if err := session.Wait(); err != nil {
		t.Errorf("shell exited with error: %v", err)
	}
}

func TestShellExitCode(t *testing.T) {
	t.Parallel()

	provider := mock.NewProvider()
	runningSandbox(t, provider, "sess-exit")

	provider.AttachFunc = func(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
		pty := newScriptPTY("")
		pty.finish(7)
		return pty, nil
	}

	addr := startTestServer(t, provider, nil)
	client := dialSSH(t, addr, "sess-exit")

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer session.Close()

	if err := session.Shell(); err != nil {
		t.Fatalf("shell: %v", err)
	}

	err = session.Wait()
	var exitErr *ssh.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("wait error = %v, want exit error", err)
	}
	if exitErr.ExitStatus() != 7 {
		t.Errorf("exit status = %d, want 7", exitErr.ExitStatus())
	}
}

func TestExecCommand(t *testing.T) {
	t.Parallel()

	provider := mock.NewProvider()
	runningSandbox(t, provider, "sess-exec")

	cmdCh := make(chan []string, 1)
	provider.ExecFunc = func(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
		cmdCh <- cmd
		return &sandbox.ExecResult{ExitCode: 0, Stdout: []byte("main.go\ngo.mod\n")}, nil
	}

	addr := startTestServer(t, provider, nil)
	client := dialSSH(t, addr, "sess-exec")

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer session.Close()

	out, err := session.Output("ls /workspace")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if string(out) != "main.go\ngo.mod\n" {
		t.Errorf("output = %q", out)
	}

	// Commands run through the shell so pipes and quoting work.
	cmd := <-cmdCh
	want := []string{"sh", "-c", "ls /workspace"}
	if len(cmd) != 3 || cmd[0] != want[0] || cmd[1] != want[1] || cmd[2] != want[2] {
		t.Errorf("cmd = %v, want %v", cmd, want)
	}
}

func TestExecExitCodeAndStderr(t *testing.T) {
	t.Parallel()

	provider := mock.NewProvider()
	runningSandbox(t, provider, "sess-fail")

	provider.ExecFunc = func(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{ExitCode: 3, Stdout: []byte("partial\n"), Stderr: []byte("boom\n")}, nil
	}

	addr := startTestServer(t, provider, nil)
	client := dialSSH(t, addr, "sess-fail")

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run("explode")
	var exitErr *ssh.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("run error = %v, want exit error", err)
	}
	if exitErr.ExitStatus() != 3 {
		t.Errorf("exit status = %d, want 3", exitErr.ExitStatus())
	}
	if stdout.String() != "partial\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if stderr.String() != "boom\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
}

// echoPipeStream echoes stdin back as stdout through an in-memory pipe,
// standing in for a streamed sandbox process.
type echoPipeStream struct {
	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}
	once sync.Once
}

func newEchoPipeStream() *echoPipeStream {
	pr, pw := io.Pipe()
	return &echoPipeStream{pr: pr, pw: pw, done: make(chan struct{})}
}

func (s *echoPipeStream) Read(b []byte) (int, error)  { return s.pr.Read(b) }
func (s *echoPipeStream) Write(b []byte) (int, error) { return s.pw.Write(b) }
func (s *echoPipeStream) Stderr() io.Reader           { return strings.NewReader("") }

func (s *echoPipeStream) CloseWrite() error {
	s.finish()
	return nil
}

func (s *echoPipeStream) Close() error {
	s.finish()
	return nil
}

func (s *echoPipeStream) finish() {
	s.once.Do(func() {
		s.pw.Close()
		close(s.done)
	})
}

func (s *echoPipeStream) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-s.done:
		return 0, nil
	}
}

func TestSFTPSubsystem(t *testing.T) {
	t.Parallel()

	provider := mock.NewProvider()
	runningSandbox(t, provider, "sess-sftp")

	cmdCh := make(chan []string, 1)
	provider.ExecStreamFunc = func(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecStreamOptions) (sandbox.Stream, error) {
		cmdCh <- cmd
		return newEchoPipeStream(), nil
	}

	addr := startTestServer(t, provider, nil)
	client := dialSSH(t, addr, "sess-sftp")

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}

	if err := session.RequestSubsystem("sftp"); err != nil {
		t.Fatalf("request subsystem: %v", err)
	}

	cmd := <-cmdCh
	if len(cmd) != 1 || cmd[0] != "/usr/lib/openssh/sftp-server" {
		t.Errorf("cmd = %v, want sftp-server", cmd)
	}

	payload := []byte("sftp packet bytes")
	if _, err := stdin.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	echo := make([]byte, len(payload))
	if _, err := io.ReadFull(stdout, echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(echo, payload) {
		t.Errorf("echo = %q, want %q", echo, payload)
	}
}

func TestDirectTCPIPForward(t *testing.T) {
	t.Parallel()

	provider := mock.NewProvider()
	runningSandbox(t, provider, "sess-fwd")

	cmdCh := make(chan []string, 1)
	provider.ExecStreamFunc = func(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecStreamOptions) (sandbox.Stream, error) {
		cmdCh <- cmd
		return newEchoPipeStream(), nil
	}

	addr := startTestServer(t, provider, nil)
	client := dialSSH(t, addr, "sess-fwd")

	conn, err := client.Dial("tcp", "localhost:5432")
	if err != nil {
		t.Fatalf("forward dial: %v", err)
	}
	defer conn.Close()

	// The forward is bridged by socat inside the sandbox.
	cmd := <-cmdCh
	if len(cmd) != 3 || cmd[0] != "socat" || cmd[2] != "TCP:localhost:5432" {
		t.Errorf("cmd = %v, want socat forward to localhost:5432", cmd)
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	echo := make([]byte, 4)
	if _, err := io.ReadFull(conn, echo); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(echo) != "ping" {
		t.Errorf("echo = %q, want ping", echo)
	}
}

func TestRejectsUnknownSession(t *testing.T) {
	t.Parallel()

	provider := mock.NewProvider()
	addr := startTestServer(t, provider, nil)

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "no-such-session",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		// Server may close before the handshake settles.
		return
	}
	defer client.Close()

	if _, err := client.NewSession(); err == nil {
		t.Error("expected session open to fail for unknown session")
	}
}

func TestRejectsStoppedSandbox(t *testing.T) {
	t.Parallel()

	provider := mock.NewProvider()
	ctx := context.Background()
	if _, err := provider.Create(ctx, "sess-stopped", sandbox.CreateOptions{}); err != nil {
		t.Fatalf("create sandbox: %v", err)
	}

	addr := startTestServer(t, provider, nil)

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "sess-stopped",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		return
	}
	defer client.Close()

	if _, err := client.NewSession(); err == nil {
		t.Error("expected session open to fail for a sandbox that never started")
	}
}

func TestStopClosesListener(t *testing.T) {
	provider := mock.NewProvider()

	srv, err := New(&Config{
		Addr:        "127.0.0.1:0",
		HostKeyPath: filepath.Join(t.TempDir(), "host_key"),
		Provider:    provider,
	}, testLogger())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	go srv.Start()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && srv.Addr() == "127.0.0.1:0" {
		time.Sleep(5 * time.Millisecond)
	}
	addr := srv.Addr()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("server not listening: %v", err)
	}
	conn.Close()

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		t.Error("server still listening after stop")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
