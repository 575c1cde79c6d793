// Package mock provides an in-memory sandbox.Provider for tests: no
// containers, no network, HTTP served straight into a handler.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/anthropics/octobot/internal/sandbox"
)

// DefaultImage is the image name the mock provider reports by default.
const DefaultImage = "mock:latest"

// eventSubscriber is one active Watch stream.
type eventSubscriber struct {
	ch   chan sandbox.StateEvent
	done chan struct{}
}

// Provider is an in-memory sandbox provider. Zero-value behaviors can be
// overridden per test through the exported Func fields.
type Provider struct {
	mu        sync.RWMutex
	sandboxes map[string]*sandbox.Sandbox
	secrets   map[string]string // sessionID -> raw secret
	volumes   map[string]bool   // sessionID -> data volume exists
	image     string

	subscribersMu sync.RWMutex
	subscribers   []*eventSubscriber

	// HTTPHandler serves requests made through HTTPClient without touching
	// the network. Nil means a minimal sandbox that accepts chats and
	// streams an immediate [DONE].
	HTTPHandler http.Handler

	CreateFunc     func(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error)
	StartFunc      func(ctx context.Context, sessionID string) error
	StopFunc       func(ctx context.Context, sessionID string, timeout time.Duration) error
	RemoveFunc     func(ctx context.Context, sessionID string, opts ...sandbox.RemoveOption) error
	GetFunc        func(ctx context.Context, sessionID string) (*sandbox.Sandbox, error)
	GetSecretFunc  func(ctx context.Context, sessionID string) (string, error)
	ExecFunc       func(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error)
	AttachFunc     func(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error)
	ExecStreamFunc func(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecStreamOptions) (sandbox.Stream, error)
	WatchFunc      func(ctx context.Context) (<-chan sandbox.StateEvent, error)
}

// NewProvider creates a mock provider with default behavior.
func NewProvider() *Provider {
	return NewProviderWithImage(DefaultImage)
}

// NewProviderWithImage creates a mock provider reporting the given image.
func NewProviderWithImage(image string) *Provider {
	return &Provider{
		sandboxes: make(map[string]*sandbox.Sandbox),
		secrets:   make(map[string]string),
		volumes:   make(map[string]bool),
		image:     image,
	}
}

// ImageExists always reports true; the mock never pulls.
func (p *Provider) ImageExists(_ context.Context) bool { return true }

// Image returns the configured sandbox image name.
func (p *Provider) Image() string { return p.image }

// Create records a new sandbox in status created.
func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	if p.CreateFunc != nil {
		return p.CreateFunc(ctx, sessionID, opts)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.sandboxes[sessionID]; exists {
		return nil, sandbox.ErrAlreadyExists
	}

	if opts.SharedSecret != "" {
		p.secrets[sessionID] = opts.SharedSecret
	}
	p.volumes[sessionID] = true

	env := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		env[k] = v
	}

	now := time.Now()
	s := &sandbox.Sandbox{
		ID:        "mock-" + sessionID,
		SessionID: sessionID,
		ProjectID: opts.ProjectID,
		Status:    sandbox.StatusCreated,
		Image:     p.image,
		CreatedAt: now,
		Metadata:  map[string]string{"mock": "true"},
		Env:       env,
		// Port 3002 is always mapped, deterministically for assertions.
		Ports: []sandbox.AssignedPort{
			{ContainerPort: 3002, HostPort: 40888, HostIP: "0.0.0.0", Protocol: "tcp"},
		},
	}
	p.sandboxes[sessionID] = s

	p.emitEvent(sandbox.StateEvent{SessionID: sessionID, Status: sandbox.StatusCreated, Timestamp: now})
	return s, nil
}

// Start moves a sandbox to running.
func (p *Provider) Start(ctx context.Context, sessionID string) error {
	if p.StartFunc != nil {
		return p.StartFunc(ctx, sessionID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, exists := p.sandboxes[sessionID]
	if !exists {
		return sandbox.ErrNotFound
	}
	if s.Status == sandbox.StatusRunning {
		return sandbox.ErrAlreadyRunning
	}

	now := time.Now()
	s.Status = sandbox.StatusRunning
	s.StartedAt = &now

	p.emitEvent(sandbox.StateEvent{SessionID: sessionID, Status: sandbox.StatusRunning, Timestamp: now})
	return nil
}

// Stop moves a running sandbox to stopped.
func (p *Provider) Stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	if p.StopFunc != nil {
		return p.StopFunc(ctx, sessionID, timeout)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, exists := p.sandboxes[sessionID]
	if !exists {
		return sandbox.ErrNotFound
	}
	if s.Status != sandbox.StatusRunning {
		return sandbox.ErrNotRunning
	}

	now := time.Now()
	s.Status = sandbox.StatusStopped
	s.StoppedAt = &now

	p.emitEvent(sandbox.StateEvent{SessionID: sessionID, Status: sandbox.StatusStopped, Timestamp: now})
	return nil
}

// Remove deletes a sandbox. The data volume is kept unless WithRemoveVolumes
// is passed, mirroring the real providers.
func (p *Provider) Remove(ctx context.Context, sessionID string, opts ...sandbox.RemoveOption) error {
	if p.RemoveFunc != nil {
		return p.RemoveFunc(ctx, sessionID, opts...)
	}
	cfg := sandbox.ParseRemoveOptions(opts)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.sandboxes[sessionID]; !exists {
		return sandbox.ErrNotFound
	}

	delete(p.sandboxes, sessionID)
	delete(p.secrets, sessionID)
	if cfg.RemoveVolumes {
		delete(p.volumes, sessionID)
	}

	p.emitEvent(sandbox.StateEvent{SessionID: sessionID, Status: sandbox.StatusRemoved, Timestamp: time.Now()})
	return nil
}

// Get returns a copy of the sandbox state.
func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	if p.GetFunc != nil {
		return p.GetFunc(ctx, sessionID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	s, exists := p.sandboxes[sessionID]
	if !exists {
		return nil, sandbox.ErrNotFound
	}
	cpy := *s
	return &cpy, nil
}

// GetSecret returns the raw shared secret stored at create time.
func (p *Provider) GetSecret(ctx context.Context, sessionID string) (string, error) {
	if p.GetSecretFunc != nil {
		return p.GetSecretFunc(ctx, sessionID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, exists := p.sandboxes[sessionID]; !exists {
		return "", sandbox.ErrNotFound
	}
	secret, exists := p.secrets[sessionID]
	if !exists || secret == "" {
		return "", fmt.Errorf("shared secret not found for sandbox")
	}
	return secret, nil
}

// List returns copies of every sandbox.
func (p *Provider) List(_ context.Context) ([]*sandbox.Sandbox, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*sandbox.Sandbox, 0, len(p.sandboxes))
	for _, v := range p.sandboxes {
		cpy := *v
		result = append(result, &cpy)
	}
	return result, nil
}

// Exec reports success with canned output.
func (p *Provider) Exec(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	if p.ExecFunc != nil {
		return p.ExecFunc(ctx, sessionID, cmd, opts)
	}

	p.mu.RLock()
	_, exists := p.sandboxes[sessionID]
	p.mu.RUnlock()
	if !exists {
		return nil, sandbox.ErrNotFound
	}

	return &sandbox.ExecResult{
		ExitCode: 0,
		Stdout:   []byte("mock output\n"),
		Stderr:   []byte{},
	}, nil
}

// Attach returns an in-memory echoing PTY.
func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	if p.AttachFunc != nil {
		return p.AttachFunc(ctx, sessionID, opts)
	}

	p.mu.RLock()
	s, exists := p.sandboxes[sessionID]
	p.mu.RUnlock()
	if !exists {
		return nil, sandbox.ErrNotFound
	}
	if s.Status != sandbox.StatusRunning {
		return nil, sandbox.ErrNotRunning
	}
	return &PTY{}, nil
}

// ExecStream returns an in-memory stream that echoes stdin to stdout and
// exits 0 on CloseWrite.
func (p *Provider) ExecStream(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecStreamOptions) (sandbox.Stream, error) {
	if p.ExecStreamFunc != nil {
		return p.ExecStreamFunc(ctx, sessionID, cmd, opts)
	}

	p.mu.RLock()
	s, exists := p.sandboxes[sessionID]
	p.mu.RUnlock()
	if !exists {
		return nil, sandbox.ErrNotFound
	}
	if s.Status != sandbox.StatusRunning {
		return nil, sandbox.ErrNotRunning
	}
	return newEchoStream(), nil
}

// HTTPClient returns a client that serves requests through HTTPHandler via
// an in-process transport.
func (p *Provider) HTTPClient(_ context.Context, sessionID string) (*http.Client, error) {
	p.mu.RLock()
	s, exists := p.sandboxes[sessionID]
	p.mu.RUnlock()

	if !exists {
		return nil, sandbox.ErrNotFound
	}
	if s.Status != sandbox.StatusRunning {
		return nil, sandbox.ErrNotRunning
	}

	handler := p.HTTPHandler
	if handler == nil {
		handler = defaultHandler()
	}
	return &http.Client{Transport: &handlerRoundTripper{handler: handler}}, nil
}

// Watch replays current state and then streams live transitions.
func (p *Provider) Watch(ctx context.Context) (<-chan sandbox.StateEvent, error) {
	if p.WatchFunc != nil {
		return p.WatchFunc(ctx)
	}

	eventCh := make(chan sandbox.StateEvent, 100)
	sub := &eventSubscriber{ch: eventCh, done: make(chan struct{})}

	p.subscribersMu.Lock()
	p.subscribers = append(p.subscribers, sub)
	p.subscribersMu.Unlock()

	go func() {
		defer func() {
			p.subscribersMu.Lock()
			for i, s := range p.subscribers {
				if s == sub {
					p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
					break
				}
			}
			p.subscribersMu.Unlock()
			close(eventCh)
		}()

		p.mu.RLock()
		replay := make([]sandbox.StateEvent, 0, len(p.sandboxes))
		for _, sb := range p.sandboxes {
			replay = append(replay, sandbox.StateEvent{
				SessionID: sb.SessionID,
				Status:    sb.Status,
				Timestamp: time.Now(),
				Error:     sb.Error,
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

// --- test hooks ---

// GetSandboxes returns a snapshot of all sandboxes for assertions.
func (p *Provider) GetSandboxes() map[string]*sandbox.Sandbox {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]*sandbox.Sandbox, len(p.sandboxes))
	for k, v := range p.sandboxes {
		cpy := *v
		result[k] = &cpy
	}
	return result
}

// HasVolume reports whether the sandbox's data volume still exists.
func (p *Provider) HasVolume(sessionID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.volumes[sessionID]
}

// SetStatus forces a sandbox into a status without emitting an event, for
// tests that stage pre-existing states.
func (p *Provider) SetStatus(sessionID string, status sandbox.Status, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, exists := p.sandboxes[sessionID]; exists {
		s.Status = status
		s.Error = errMsg
	}
}

// SetSandboxImage rewrites the image a sandbox reports, for tests staging
// sandboxes built before an image upgrade.
func (p *Provider) SetSandboxImage(sessionID, image string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, exists := p.sandboxes[sessionID]; exists {
		s.Image = image
	}
}

// SetSandboxPort repoints a sandbox's port mapping, e.g. at a test server.
func (p *Provider) SetSandboxPort(sessionID string, host string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, exists := p.sandboxes[sessionID]; exists {
		s.Ports = []sandbox.AssignedPort{
			{ContainerPort: 3002, HostPort: port, HostIP: host, Protocol: "tcp"},
		}
	}
}

// EmitEvent publishes an event to all watchers, bypassing state tracking.
func (p *Provider) EmitEvent(event sandbox.StateEvent) {
	p.emitEvent(event)
}

// CloseWatchers terminates all active Watch streams.
func (p *Provider) CloseWatchers() {
	p.subscribersMu.Lock()
	defer p.subscribersMu.Unlock()
	for _, sub := range p.subscribers {
		close(sub.done)
	}
	p.subscribers = nil
}

func (p *Provider) emitEvent(event sandbox.StateEvent) {
	p.subscribersMu.RLock()
	defer p.subscribersMu.RUnlock()
	for _, sub := range p.subscribers {
		select {
		case sub.ch <- event:
		default:
			// Slow watcher; drop rather than block state transitions.
		}
	}
}

// PTY is an in-memory PTY that echoes input.
type PTY struct {
	InputBuffer  []byte
	OutputBuffer []byte
	Closed       bool
	ResizeCalls  []struct{ Rows, Cols int }
	mu           sync.Mutex
}

func (p *PTY) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Closed {
		return 0, io.EOF
	}
	if len(p.OutputBuffer) == 0 {
		p.OutputBuffer = []byte("$ ")
	}
	n := copy(b, p.OutputBuffer)
	p.OutputBuffer = p.OutputBuffer[n:]
	return n, nil
}

func (p *PTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Closed {
		return 0, io.ErrClosedPipe
	}
	p.InputBuffer = append(p.InputBuffer, b...)
	p.OutputBuffer = append(p.OutputBuffer, b...)
	return len(b), nil
}

func (p *PTY) Resize(_ context.Context, rows, cols int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ResizeCalls = append(p.ResizeCalls, struct{ Rows, Cols int }{rows, cols})
	return nil
}

func (p *PTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

func (p *PTY) Wait(_ context.Context) (int, error) { return 0, nil }

// echoStream is a sandbox.Stream whose stdout echoes stdin.
type echoStream struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	done   chan struct{}
}

func newEchoStream() *echoStream {
	return &echoStream{done: make(chan struct{})}
}

func (s *echoStream) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		if s.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	return s.buf.Read(b)
}

func (s *echoStream) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.buf.Write(b)
}

func (s *echoStream) Stderr() io.Reader { return bytes.NewReader(nil) }

func (s *echoStream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *echoStream) Close() error { return s.CloseWrite() }

func (s *echoStream) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-s.done:
		return 0, nil
	}
}

// handlerRoundTripper serves requests straight into an http.Handler,
// streaming the response through a pipe so SSE bodies work.
type handlerRoundTripper struct {
	handler http.Handler
}

func (m *handlerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	pr, pw := io.Pipe()

	rec := &pipeResponseWriter{
		header: make(http.Header),
		pipe:   pw,
		ready:  make(chan struct{}),
	}

	go func() {
		defer pw.Close()
		m.handler.ServeHTTP(rec, req)
		rec.finish()
	}()

	// Wait for WriteHeader so the status code is settled before returning.
	<-rec.ready

	return &http.Response{
		StatusCode: rec.statusCode,
		Header:     rec.header,
		Body:       pr,
		Request:    req,
	}, nil
}

// pipeResponseWriter implements http.ResponseWriter over an io.Pipe.
type pipeResponseWriter struct {
	header      http.Header
	statusCode  int
	pipe        *io.PipeWriter
	ready       chan struct{}
	wroteHeader bool
}

func (w *pipeResponseWriter) Header() http.Header { return w.header }

func (w *pipeResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.statusCode = code
	w.wroteHeader = true
	close(w.ready)
}

func (w *pipeResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.pipe.Write(b)
}

// Flush lets SSE handlers flush through the pipe; writes are unbuffered.
func (w *pipeResponseWriter) Flush() {}

// finish settles the status for handlers that never write.
func (w *pipeResponseWriter) finish() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
}

// defaultHandler is a minimal sandbox: accepts chats, streams an immediate
// [DONE], and reports no history.
func defaultHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat" {
			switch {
			case r.Method == http.MethodPost:
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusAccepted)
				_, _ = w.Write([]byte(`{"completionId":"mock-completion","status":"started"}`))
				return
			case r.Method == http.MethodGet && r.Header.Get("Accept") == "text/event-stream":
				w.Header().Set("Content-Type", "text/event-stream")
				w.WriteHeader(http.StatusOK)
				_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
				return
			case r.Method == http.MethodGet:
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{"messages":[]}`))
				return
			}
		}
		http.NotFound(w, r)
	})
}
