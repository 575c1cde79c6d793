package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/store"
)

// SandboxService is the access layer to a session's sandbox: it hands out
// session-bound HTTP clients, tracks request activity for the idle reaper,
// and repairs sandboxes that died underneath an operation.
type SandboxService struct {
	store    *store.Store
	provider sandbox.Provider
	client   *SandboxChatClient
	log      *zap.SugaredLogger

	// initializer restarts a session whose sandbox went away. Set after
	// construction; SessionService implements it.
	initializer SessionInitializer

	mu           sync.RWMutex
	lastActivity map[string]time.Time
}

// NewSandboxService creates the sandbox access layer. credSvc may be nil;
// sandboxes then receive no credential header.
func NewSandboxService(s *store.Store, provider sandbox.Provider, credSvc *CredentialService, log *zap.SugaredLogger) *SandboxService {
	return &SandboxService{
		store:        s,
		provider:     provider,
		client:       NewSandboxChatClient(provider, makeCredentialFetcher(s, credSvc), log),
		log:          log.With("component", "sandbox"),
		lastActivity: make(map[string]time.Time),
	}
}

// SetInitializer wires the session lifecycle engine in after construction.
func (s *SandboxService) SetInitializer(init SessionInitializer) {
	s.initializer = init
}

// Provider returns the underlying provider for advanced operations.
func (s *SandboxService) Provider() sandbox.Provider {
	return s.provider
}

// Client returns a session-bound sandbox client that reconciles the sandbox
// on unavailability errors.
func (s *SandboxService) Client(sessionID string) *SessionClient {
	return &SessionClient{
		sessionID:  sessionID,
		inner:      s.client,
		sandboxSvc: s,
	}
}

// ChatClient returns the shared session-agnostic sandbox client.
func (s *SandboxService) ChatClient() *SandboxChatClient {
	return s.client
}

// Get returns the sandbox state for a session.
func (s *SandboxService) Get(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	return s.provider.Get(ctx, sessionID)
}

// ReconcileSandbox restores a session whose sandbox is gone or dead by
// re-running the session startup pipeline. Safe to call concurrently; the
// pipeline coalesces per session.
func (s *SandboxService) ReconcileSandbox(ctx context.Context, sessionID string) error {
	if s.initializer == nil {
		return fmt.Errorf("no session initializer configured")
	}
	s.log.Infow("reconciling sandbox", "session", sessionID)
	return s.initializer.EnsureReady(ctx, sessionID)
}

// RecordActivity marks the session as active now. Called on every request
// that touches the sandbox so the idle reaper has a truthful clock.
func (s *SandboxService) RecordActivity(sessionID string) {
	s.mu.Lock()
	s.lastActivity[sessionID] = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last recorded activity for a session. ok is
// false when no activity has been recorded since process start.
func (s *SandboxService) LastActivity(sessionID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastActivity[sessionID]
	return t, ok
}

// ClearActivity drops the activity record for a removed session.
func (s *SandboxService) ClearActivity(sessionID string) {
	s.mu.Lock()
	delete(s.lastActivity, sessionID)
	s.mu.Unlock()
}

// Exec runs a non-interactive command in the session's sandbox.
func (s *SandboxService) Exec(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	s.RecordActivity(sessionID)
	return s.provider.Exec(ctx, sessionID, cmd, opts)
}

// Attach creates an interactive PTY session to the sandbox.
// If user is empty, the sandbox's default user is used.
func (s *SandboxService) Attach(ctx context.Context, sessionID string, rows, cols int, user string) (sandbox.PTY, error) {
	s.RecordActivity(sessionID)
	return s.provider.Attach(ctx, sessionID, sandbox.AttachOptions{
		Rows: rows,
		Cols: cols,
		User: user,
	})
}

// ExecStream runs a command with distinct stdin/stdout/stderr streams.
// Used by the SSH tunnel paths.
func (s *SandboxService) ExecStream(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecStreamOptions) (sandbox.Stream, error) {
	s.RecordActivity(sessionID)
	return s.provider.ExecStream(ctx, sessionID, cmd, opts)
}

// GetUserInfo retrieves the default user of the session's sandbox, used to
// run terminal sessions as the right uid.
func (s *SandboxService) GetUserInfo(ctx context.Context, sessionID string) (username string, uid, gid int, err error) {
	info, err := s.Client(sessionID).GetUserInfo(ctx)
	if err != nil {
		return "", 0, 0, err
	}
	return info.Username, info.UID, info.GID, nil
}

// SandboxEndpoint is the host-side address of a sandbox's HTTP server.
type SandboxEndpoint struct {
	Port   int    // Host port mapped to sandbox port 3002
	Secret string // Raw shared secret for Authorization
}

// GetEndpoint returns the mapped host port and shared secret for a
// session's sandbox. Used by the service proxy, which dials the sandbox
// directly instead of going through the provider's HTTP client.
func (s *SandboxService) GetEndpoint(ctx context.Context, sessionID string) (*SandboxEndpoint, error) {
	sb, err := s.provider.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox: %w", err)
	}

	var port int
	for _, p := range sb.Ports {
		if p.ContainerPort == 3002 {
			port = p.HostPort
			break
		}
	}
	if port == 0 {
		return nil, fmt.Errorf("sandbox port 3002 not mapped")
	}

	secret, err := s.provider.GetSecret(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox secret: %w", err)
	}

	return &SandboxEndpoint{Port: port, Secret: secret}, nil
}
