// Package local provides a sandbox.Provider that runs the agent binary
// directly on the host, one process per session, instead of inside a
// container. It exists for development setups without Docker; PTY and
// streaming exec are not supported.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/config"
	"github.com/anthropics/octobot/internal/sandbox"
)

// defaultAgentCommand is the binary looked up in PATH when AGENT_COMMAND
// is not configured.
const defaultAgentCommand = "octobot-agent"

// Provider implements sandbox.Provider using host processes.
type Provider struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	command string   // resolved agent binary path
	args    []string // extra arguments passed to the agent

	mu        sync.RWMutex
	processes map[string]*agentProcess // sessionID -> process

	watchMu  sync.Mutex
	watchers []*eventSubscriber
}

type eventSubscriber struct {
	ch   chan sandbox.StateEvent
	done chan struct{}
}

// agentProcess tracks one agent process and its session state.
type agentProcess struct {
	cmd           *exec.Cmd
	port          int
	workspacePath string
	dataDir       string
	secret        string
	projectID     string
	status        sandbox.Status
	createdAt     time.Time
	startedAt     *time.Time
	stoppedAt     *time.Time
	errMsg        string
	metadata      map[string]string
	env           map[string]string

	// exited is closed by monitorProcess once cmd.Wait returns. Only
	// monitorProcess calls Wait; Stop blocks on this channel instead.
	exited chan struct{}

	// stopping marks a deliberate Stop so the exit is recorded as stopped
	// rather than failed, whatever the signal-induced exit status says.
	stopping bool
}

// NewProvider creates a local sandbox provider. The agent binary must be
// resolvable at construction time so misconfiguration fails fast.
func NewProvider(cfg *config.Config, log *zap.SugaredLogger) (*Provider, error) {
	command := cfg.AgentCommand
	if command == "" {
		command = defaultAgentCommand
	}

	resolved, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("agent binary not found: %w (looking for: %s)", err, command)
	}

	log = log.With("component", "local-provider")
	log.Infow("local provider ready", "agent", resolved)

	return &Provider{
		cfg:       cfg,
		log:       log,
		command:   resolved,
		args:      append([]string(nil), cfg.AgentArgs...),
		processes: make(map[string]*agentProcess),
	}, nil
}

// ImageExists always reports true; there is no image to pull.
func (p *Provider) ImageExists(_ context.Context) bool {
	return true
}

// Image returns "local" as the image name.
func (p *Provider) Image() string {
	return "local"
}

// Create registers a new session process without starting it. The
// workspace directory must already exist; the per-session data directory
// is created under SESSION_BASE_DIR and survives until Remove is called
// with WithRemoveVolumes.
func (p *Provider) Create(_ context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.processes[sessionID]; exists {
		return nil, sandbox.ErrAlreadyExists
	}

	if opts.WorkspacePath == "" {
		return nil, fmt.Errorf("%w: workspace path is required", sandbox.ErrCreateFailed)
	}
	workspacePath, err := filepath.Abs(opts.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve workspace path: %v", sandbox.ErrCreateFailed, err)
	}
	if stat, err := os.Stat(workspacePath); err != nil {
		return nil, fmt.Errorf("%w: workspace path does not exist: %v", sandbox.ErrCreateFailed, err)
	} else if !stat.IsDir() {
		return nil, fmt.Errorf("%w: workspace path is not a directory", sandbox.ErrCreateFailed)
	}

	// The data directory is the local analogue of the Docker data volume.
	dataDir := filepath.Join(p.cfg.SessionBaseDir, "local", sessionID)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data directory: %v", sandbox.ErrCreateFailed, err)
	}

	metadata := map[string]string{
		"session_id": sessionID,
		"managed":    "true",
	}
	for k, v := range opts.Labels {
		metadata[k] = v
	}

	env := map[string]string{
		"SESSION_ID":       sessionID,
		"WORKSPACE_PATH":   workspacePath,
		"OCTOBOT_DATA_DIR": dataDir,
	}

	// The agent only ever sees the salted hash of the shared secret.
	if opts.SharedSecret != "" {
		env["OCTOBOT_SECRET"] = sandbox.HashSecret(opts.SharedSecret)
	}
	if opts.WorkspaceSource != "" {
		env["WORKSPACE_SOURCE"] = opts.WorkspaceSource
	}
	if opts.WorkspaceCommit != "" {
		env["WORKSPACE_COMMIT"] = opts.WorkspaceCommit
	}

	// Extra environment (decrypted credentials etc.) is injected here and
	// nowhere else; it is never written to the store.
	for k, v := range opts.Env {
		env[k] = v
	}

	now := time.Now()
	info := &agentProcess{
		workspacePath: workspacePath,
		dataDir:       dataDir,
		secret:        opts.SharedSecret,
		projectID:     opts.ProjectID,
		status:        sandbox.StatusCreated,
		createdAt:     now,
		metadata:      metadata,
		env:           env,
	}
	p.processes[sessionID] = info

	p.broadcast(sandbox.StateEvent{
		SessionID: sessionID,
		Status:    sandbox.StatusCreated,
		Timestamp: now,
	})

	return p.snapshotLocked(sessionID, info), nil
}

// Start launches the agent process for the session on a freshly allocated
// loopback port.
func (p *Provider) Start(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, exists := p.processes[sessionID]
	if !exists {
		return sandbox.ErrNotFound
	}
	if info.status == sandbox.StatusRunning {
		return nil
	}

	// Bind port 0 to let the kernel pick, then release it for the agent.
	// There is a small window where another process could grab the port.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return p.failLocked(sessionID, info, fmt.Errorf("%w: allocate port: %v", sandbox.ErrStartFailed, err))
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	cmd := exec.Command(p.command, p.args...)
	cmd.Dir = info.workspacePath
	if p.cfg.AgentCwd != "" {
		cmd.Dir = p.cfg.AgentCwd
	}
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", port))
	for k, v := range info.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	if err := cmd.Start(); err != nil {
		return p.failLocked(sessionID, info, fmt.Errorf("%w: start agent: %v", sandbox.ErrStartFailed, err))
	}

	now := time.Now()
	info.cmd = cmd
	info.port = port
	info.status = sandbox.StatusRunning
	info.startedAt = &now
	info.stoppedAt = nil
	info.stopping = false
	info.errMsg = ""
	info.exited = make(chan struct{})

	go p.monitorProcess(sessionID, cmd, info.exited)

	p.broadcast(sandbox.StateEvent{
		SessionID: sessionID,
		Status:    sandbox.StatusRunning,
		Timestamp: now,
	})

	p.log.Infow("started agent process", "session", sessionID, "port", port, "pid", cmd.Process.Pid)
	return nil
}

// failLocked records a start failure and emits the event. Callers hold p.mu.
func (p *Provider) failLocked(sessionID string, info *agentProcess, err error) error {
	info.status = sandbox.StatusFailed
	info.errMsg = err.Error()
	p.broadcast(sandbox.StateEvent{
		SessionID: sessionID,
		Status:    sandbox.StatusFailed,
		Timestamp: time.Now(),
		Error:     info.errMsg,
	})
	return err
}

// monitorProcess owns cmd.Wait for a started process. It records the exit
// and closes the exited channel Stop blocks on.
func (p *Provider) monitorProcess(sessionID string, cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	p.mu.Lock()
	defer p.mu.Unlock()

	info, exists := p.processes[sessionID]
	if !exists || info.cmd != cmd {
		return
	}

	now := time.Now()
	info.stoppedAt = &now

	if err != nil && !info.stopping {
		info.status = sandbox.StatusFailed
		info.errMsg = fmt.Sprintf("agent exited: %v", err)
		p.broadcast(sandbox.StateEvent{
			SessionID: sessionID,
			Status:    sandbox.StatusFailed,
			Timestamp: now,
			Error:     info.errMsg,
		})
		p.log.Warnw("agent process exited with error", "session", sessionID, "error", err)
		return
	}

	info.status = sandbox.StatusStopped
	p.broadcast(sandbox.StateEvent{
		SessionID: sessionID,
		Status:    sandbox.StatusStopped,
		Timestamp: now,
	})
	p.log.Infow("agent process stopped", "session", sessionID)
}

// Stop terminates the agent process: SIGTERM first, SIGKILL after the
// timeout. State bookkeeping happens in monitorProcess when Wait returns.
func (p *Provider) Stop(_ context.Context, sessionID string, timeout time.Duration) error {
	p.mu.Lock()
	info, exists := p.processes[sessionID]
	if !exists {
		p.mu.Unlock()
		return sandbox.ErrNotFound
	}
	if info.status != sandbox.StatusRunning || info.cmd == nil {
		p.mu.Unlock()
		return nil
	}
	info.stopping = true
	proc := info.cmd.Process
	exited := info.exited
	p.mu.Unlock()

	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Warnw("failed to signal agent process", "session", sessionID, "error", err)
	}

	select {
	case <-exited:
	case <-time.After(timeout):
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.log.Warnw("failed to kill agent process", "session", sessionID, "error", err)
		}
		<-exited
		p.log.Warnw("agent process killed after stop timeout", "session", sessionID, "timeout", timeout)
	}

	return nil
}

// Remove stops the process and forgets the session. The data directory is
// preserved unless WithRemoveVolumes is passed.
func (p *Provider) Remove(ctx context.Context, sessionID string, opts ...sandbox.RemoveOption) error {
	if err := p.Stop(ctx, sessionID, 5*time.Second); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	info, exists := p.processes[sessionID]
	if !exists {
		return sandbox.ErrNotFound
	}

	removeOpts := sandbox.ParseRemoveOptions(opts)
	if removeOpts.RemoveVolumes && info.dataDir != "" {
		if err := os.RemoveAll(info.dataDir); err != nil {
			return fmt.Errorf("failed to remove data directory %s: %w", info.dataDir, err)
		}
	}

	delete(p.processes, sessionID)

	p.broadcast(sandbox.StateEvent{
		SessionID: sessionID,
		Status:    sandbox.StatusRemoved,
		Timestamp: time.Now(),
	})

	p.log.Infow("removed sandbox", "session", sessionID, "volumes", removeOpts.RemoveVolumes)
	return nil
}

// Get returns the current state of a sandbox.
func (p *Provider) Get(_ context.Context, sessionID string) (*sandbox.Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	info, exists := p.processes[sessionID]
	if !exists {
		return nil, sandbox.ErrNotFound
	}
	return p.snapshotLocked(sessionID, info), nil
}

// GetSecret returns the raw shared secret stored at create time.
func (p *Provider) GetSecret(_ context.Context, sessionID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	info, exists := p.processes[sessionID]
	if !exists {
		return "", sandbox.ErrNotFound
	}
	return info.secret, nil
}

// List returns all sandboxes managed by this provider.
func (p *Provider) List(_ context.Context) ([]*sandbox.Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sandboxes := make([]*sandbox.Sandbox, 0, len(p.processes))
	for sessionID, info := range p.processes {
		sandboxes = append(sandboxes, p.snapshotLocked(sessionID, info))
	}
	return sandboxes, nil
}

// snapshotLocked builds a Sandbox view of a process. Callers hold p.mu.
func (p *Provider) snapshotLocked(sessionID string, info *agentProcess) *sandbox.Sandbox {
	var ports []sandbox.AssignedPort
	if info.port > 0 {
		ports = append(ports, sandbox.AssignedPort{
			ContainerPort: info.port,
			HostPort:      info.port,
			HostIP:        "127.0.0.1",
			Protocol:      "tcp",
		})
	}

	return &sandbox.Sandbox{
		ID:        sessionID,
		SessionID: sessionID,
		ProjectID: info.projectID,
		Status:    info.status,
		Image:     "local",
		CreatedAt: info.createdAt,
		StartedAt: info.startedAt,
		StoppedAt: info.stoppedAt,
		Error:     info.errMsg,
		Metadata:  info.metadata,
		Ports:     ports,
		Env:       info.env,
	}
}

// Exec runs a non-interactive command in the workspace directory.
func (p *Provider) Exec(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	p.mu.RLock()
	info, exists := p.processes[sessionID]
	p.mu.RUnlock()

	if !exists {
		return nil, sandbox.ErrNotFound
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%w: command is required", sandbox.ErrExecFailed)
	}

	execCmd := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	execCmd.Dir = info.workspacePath
	if opts.WorkDir != "" {
		execCmd.Dir = filepath.Join(info.workspacePath, opts.WorkDir)
	}

	execCmd.Env = os.Environ()
	for k, v := range info.env {
		execCmd.Env = append(execCmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range opts.Env {
		execCmd.Env = append(execCmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if opts.Stdin != nil {
		execCmd.Stdin = opts.Stdin
	}

	stdout, err := execCmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &sandbox.ExecResult{
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout,
				Stderr:   exitErr.Stderr,
			}, nil
		}
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}

	return &sandbox.ExecResult{ExitCode: 0, Stdout: stdout}, nil
}

// Attach is not supported; the returned PTY prints an explanation and
// exits so terminal clients see a message instead of a connection error.
func (p *Provider) Attach(_ context.Context, sessionID string, _ sandbox.AttachOptions) (sandbox.PTY, error) {
	p.mu.RLock()
	_, exists := p.processes[sessionID]
	p.mu.RUnlock()

	if !exists {
		return nil, sandbox.ErrNotFound
	}

	return &unsupportedPTY{
		message: "Terminal access is not supported by the local sandbox provider.\n" +
			"Use the Docker or VM provider for terminal access, or open the\n" +
			"workspace directory in your own shell.\n",
	}, nil
}

// ExecStream is not supported; the returned stream reports the limitation
// on stderr and exits non-zero.
func (p *Provider) ExecStream(_ context.Context, sessionID string, _ []string, _ sandbox.ExecStreamOptions) (sandbox.Stream, error) {
	p.mu.RLock()
	_, exists := p.processes[sessionID]
	p.mu.RUnlock()

	if !exists {
		return nil, sandbox.ErrNotFound
	}

	return &unsupportedStream{
		message: "Streaming exec (SSH, SFTP) is not supported by the local sandbox provider.\n" +
			"Use the Docker or VM provider for streaming features.\n",
	}, nil
}

// HTTPClient returns a client that dials the agent's loopback port.
func (p *Provider) HTTPClient(_ context.Context, sessionID string) (*http.Client, error) {
	p.mu.RLock()
	info, exists := p.processes[sessionID]
	p.mu.RUnlock()

	if !exists {
		return nil, sandbox.ErrNotFound
	}
	if info.port == 0 {
		return nil, fmt.Errorf("%w: sandbox not started", sandbox.ErrNotRunning)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", info.port)
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext(ctx, "tcp", addr)
			},
		},
		Timeout: 30 * time.Second,
	}, nil
}

// Watch streams state events, replaying the current state of every known
// process before following live transitions.
func (p *Provider) Watch(ctx context.Context) (<-chan sandbox.StateEvent, error) {
	eventCh := make(chan sandbox.StateEvent, 100)
	sub := &eventSubscriber{ch: eventCh, done: make(chan struct{})}

	p.watchMu.Lock()
	p.watchers = append(p.watchers, sub)
	p.watchMu.Unlock()

	go func() {
		defer func() {
			p.watchMu.Lock()
			for i, s := range p.watchers {
				if s == sub {
					p.watchers = append(p.watchers[:i], p.watchers[i+1:]...)
					break
				}
			}
			p.watchMu.Unlock()
			close(eventCh)
		}()

		p.mu.RLock()
		replay := make([]sandbox.StateEvent, 0, len(p.processes))
		for sessionID, info := range p.processes {
			replay = append(replay, sandbox.StateEvent{
				SessionID: sessionID,
				Status:    info.status,
				Timestamp: time.Now(),
				Error:     info.errMsg,
			})
		}
		p.mu.RUnlock()

		for _, ev := range replay {
			select {
			case <-ctx.Done():
				return
			case eventCh <- ev:
			}
		}

		select {
		case <-ctx.Done():
		case <-sub.done:
		}
	}()

	return eventCh, nil
}

// broadcast delivers an event to all watchers. Slow watchers drop events
// rather than block state transitions.
func (p *Provider) broadcast(event sandbox.StateEvent) {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()

	for _, sub := range p.watchers {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// unsupportedPTY is a PTY that prints a message once and exits.
type unsupportedPTY struct {
	mu      sync.Mutex
	message string
	closed  bool
}

func (t *unsupportedPTY) Read(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || len(t.message) == 0 {
		return 0, io.EOF
	}
	n := copy(buf, t.message)
	t.message = t.message[n:]
	return n, nil
}

func (t *unsupportedPTY) Write(buf []byte) (int, error) {
	return len(buf), nil
}

func (t *unsupportedPTY) Resize(_ context.Context, _, _ int) error {
	return nil
}

func (t *unsupportedPTY) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *unsupportedPTY) Wait(_ context.Context) (int, error) {
	return 1, nil
}

// unsupportedStream is a Stream that reports a message on stderr and exits
// non-zero.
type unsupportedStream struct {
	mu      sync.Mutex
	message string
	closed  bool
}

func (s *unsupportedStream) Read(_ []byte) (int, error) {
	return 0, io.EOF
}

func (s *unsupportedStream) Stderr() io.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &messageReader{message: s.message}
}

func (s *unsupportedStream) Write(buf []byte) (int, error) {
	return len(buf), nil
}

func (s *unsupportedStream) CloseWrite() error {
	return nil
}

func (s *unsupportedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *unsupportedStream) Wait(_ context.Context) (int, error) {
	return 1, nil
}

// messageReader yields a fixed message then EOF.
type messageReader struct {
	mu      sync.Mutex
	message string
}

func (r *messageReader) Read(buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.message) == 0 {
		return 0, io.EOF
	}
	n := copy(buf, r.message)
	r.message = r.message[n:]
	return n, nil
}
