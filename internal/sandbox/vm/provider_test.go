package vm

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/config"
	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/sandbox/docker"
)

// fakeVM satisfies ProjectVM without any backing runtime. Its dialers fail
// immediately so nothing in a test ever reaches a real daemon.
type fakeVM struct {
	projectID string
}

func (f *fakeVM) ProjectID() string { return f.projectID }

func (f *fakeVM) DockerDialer() func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("fake VM has no daemon")
	}
}

func (f *fakeVM) PortDialer(port uint32) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return f.DockerDialer()
}

func (f *fakeVM) Shutdown() error { return nil }

// fakeVMManager is a ProjectVMManager for exercising the composite's
// readiness and idle-reaping logic.
type fakeVMManager struct {
	mu      sync.Mutex
	ready   chan struct{}
	initErr error
	vms     map[string]*fakeVM
	removed chan string
}

func newFakeVMManager() *fakeVMManager {
	return &fakeVMManager{
		ready:   make(chan struct{}),
		vms:     make(map[string]*fakeVM),
		removed: make(chan string, 16),
	}
}

func (m *fakeVMManager) markReady(err error) {
	m.initErr = err
	close(m.ready)
}

func (m *fakeVMManager) GetOrCreateVM(_ context.Context, projectID string) (ProjectVM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vm, ok := m.vms[projectID]; ok {
		return vm, nil
	}
	vm := &fakeVM{projectID: projectID}
	m.vms[projectID] = vm
	return vm, nil
}

func (m *fakeVMManager) GetVM(projectID string) (ProjectVM, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, ok := m.vms[projectID]
	return vm, ok
}

func (m *fakeVMManager) RemoveVM(projectID string) error {
	m.mu.Lock()
	delete(m.vms, projectID)
	m.mu.Unlock()
	m.removed <- projectID
	return nil
}

func (m *fakeVMManager) ListProjectIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.vms))
	for id := range m.vms {
		ids = append(ids, id)
	}
	return ids
}

func (m *fakeVMManager) Ready() <-chan struct{} { return m.ready }
func (m *fakeVMManager) Err() error             { return m.initErr }
func (m *fakeVMManager) Shutdown()              {}

func testResolver(projectID string) SessionProjectResolver {
	return func(ctx context.Context, sessionID string) (string, error) {
		return projectID, nil
	}
}

func newTestProvider(t *testing.T, manager ProjectVMManager, opts ...Option) *Provider {
	t.Helper()
	cfg := &config.Config{SandboxImage: "octobot-local/sandbox:test"}
	p := NewProvider(cfg, zap.NewNop().Sugar(), manager, testResolver("proj-1"), nil, opts...)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestStatusWhileInitializing(t *testing.T) {
	manager := newFakeVMManager()
	p := newTestProvider(t, manager)

	status := p.Status()
	if status.Available {
		t.Error("provider should not be available before the manager is ready")
	}
	if status.State != "initializing" {
		t.Errorf("State = %q, want %q", status.State, "initializing")
	}
	if p.IsReady() {
		t.Error("IsReady() = true before the manager is ready")
	}
}

func TestStatusAfterReady(t *testing.T) {
	manager := newFakeVMManager()
	manager.markReady(nil)
	p := newTestProvider(t, manager)

	status := p.Status()
	if !status.Available {
		t.Error("provider should be available once the manager is ready")
	}
	if status.State != "ready" {
		t.Errorf("State = %q, want %q", status.State, "ready")
	}
	if !p.IsReady() {
		t.Error("IsReady() = false after the manager is ready")
	}
}

func TestStatusAfterInitFailure(t *testing.T) {
	manager := newFakeVMManager()
	manager.markReady(errors.New("kernel image missing"))
	p := newTestProvider(t, manager)

	status := p.Status()
	if status.Available {
		t.Error("provider should not be available after a failed init")
	}
	if status.State != "failed" {
		t.Errorf("State = %q, want %q", status.State, "failed")
	}
	if status.Message == "" {
		t.Error("failed status should carry the init error")
	}
}

func TestCreateBeforeReadyReturnsSentinel(t *testing.T) {
	manager := newFakeVMManager()
	p := newTestProvider(t, manager)

	_, err := p.Create(context.Background(), "sess-1", sandbox.CreateOptions{ProjectID: "proj-1"})
	if !errors.Is(err, sandbox.ErrProviderNotReady) {
		t.Errorf("Create before ready = %v, want ErrProviderNotReady", err)
	}
}

func TestOpsOnUnknownSessionReturnNotFound(t *testing.T) {
	manager := newFakeVMManager()
	manager.markReady(nil)
	p := newTestProvider(t, manager)

	// No docker provider exists for the resolved project.
	if _, err := p.Get(context.Background(), "sess-1"); !errors.Is(err, sandbox.ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
	if err := p.Start(context.Background(), "sess-1"); !errors.Is(err, sandbox.ErrNotFound) {
		t.Errorf("Start = %v, want ErrNotFound", err)
	}
	if _, err := p.HTTPClient(context.Background(), "sess-1"); !errors.Is(err, sandbox.ErrNotFound) {
		t.Errorf("HTTPClient = %v, want ErrNotFound", err)
	}
}

func TestWaitForReady(t *testing.T) {
	manager := newFakeVMManager()
	p := newTestProvider(t, manager)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.WaitForReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForReady before ready = %v, want deadline exceeded", err)
	}

	manager.markReady(nil)
	if err := p.WaitForReady(context.Background()); err != nil {
		t.Errorf("WaitForReady after ready = %v, want nil", err)
	}
}

func TestIdleVMsAreReaped(t *testing.T) {
	manager := newFakeVMManager()
	manager.markReady(nil)

	// Seed a VM with no sandboxes; the reaper should shut it down once
	// the idle window passes.
	if _, err := manager.GetOrCreateVM(context.Background(), "proj-idle"); err != nil {
		t.Fatalf("GetOrCreateVM: %v", err)
	}

	newTestProvider(t, manager,
		WithIdleTimeout(30*time.Millisecond),
		WithIdlePollInterval(10*time.Millisecond),
	)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case projectID := <-manager.removed:
			if projectID == "proj-idle" {
				return
			}
		case <-deadline:
			t.Fatal("idle VM was not reaped within 2s")
		}
	}
}

func TestWatchClosesWhenContextEnds(t *testing.T) {
	manager := newFakeVMManager()
	manager.markReady(nil)
	p := newTestProvider(t, manager)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected the watch channel to close, got an event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel did not close after context cancellation")
	}
}

// oneConnListener hands http.Serve a single already-open connection.
type oneConnListener struct {
	conn net.Conn
	once sync.Once
}

func (l *oneConnListener) Accept() (net.Conn, error) {
	var c net.Conn
	l.once.Do(func() { c = l.conn })
	if c == nil {
		return nil, io.EOF
	}
	return c, nil
}

func (l *oneConnListener) Close() error   { return nil }
func (l *oneConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

// daemonVM is a fakeVM whose docker dialer answers the client's ping so a
// provider can be wired to it without any real daemon.
type daemonVM struct {
	ProjectVM
}

func (v *daemonVM) DockerDialer() func(ctx context.Context, network, addr string) (net.Conn, error) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Api-Version", "1.45")
		w.Header().Set("Ostype", "linux")
		if strings.HasSuffix(r.URL.Path, "/_ping") {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, `{"message":"not implemented"}`, http.StatusNotFound)
	})
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		clientConn, serverConn := net.Pipe()
		go func() { _ = http.Serve(&oneConnListener{conn: serverConn}, handler) }()
		return clientConn, nil
	}
}

// daemonVMManager wraps every VM it hands out with the ping-answering dialer.
type daemonVMManager struct {
	*fakeVMManager
}

func (m *daemonVMManager) GetOrCreateVM(ctx context.Context, projectID string) (ProjectVM, error) {
	vm, err := m.fakeVMManager.GetOrCreateVM(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &daemonVM{ProjectVM: vm}, nil
}

// Provisioning one project's VM must not serialize the others: the slow
// setup work runs outside the provider-map lock, coalesced per project.
func TestProvisioningIsScopedPerProject(t *testing.T) {
	fakeManager := newFakeVMManager()
	fakeManager.markReady(nil)
	manager := &daemonVMManager{fakeVMManager: fakeManager}

	gate := make(chan struct{})
	defer func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
	}()
	entered := make(chan string, 2)

	// A registry image skips the host-to-VM transfer, so the hook is the
	// only slow step.
	cfg := &config.Config{SandboxImage: "ghcr.io/octobot/sandbox:test"}
	p := NewProvider(cfg, zap.NewNop().Sugar(), manager, testResolver("proj-a"), nil,
		WithPostVMSetup(func(_ context.Context, projectID string, _ *docker.Provider) error {
			entered <- projectID
			<-gate
			return nil
		}))
	t.Cleanup(func() { _ = p.Close() })

	errs := make(chan error, 2)
	for _, proj := range []string{"proj-a", "proj-b"} {
		go func(projectID string) {
			_, err := p.getOrCreateDockerProvider(context.Background(), projectID)
			errs <- err
		}(proj)
	}

	// Both flights reach the setup hook while neither has finished.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case proj := <-entered:
			seen[proj] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("second project's provisioning blocked behind the first; hooks entered: %v", seen)
		}
	}
	if !seen["proj-a"] || !seen["proj-b"] {
		t.Fatalf("setup hooks entered for %v, want both projects", seen)
	}

	// Readers of the provider map stay unblocked during provisioning.
	readDone := make(chan struct{})
	go func() {
		p.snapshotProviders()
		close(readDone)
	}()
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("provider map read blocked behind in-flight provisioning")
	}

	close(gate)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("getOrCreateDockerProvider: %v", err)
		}
	}
	if got := len(p.snapshotProviders()); got != 2 {
		t.Errorf("provisioned providers = %d, want 2", got)
	}
}

func TestDockerTransportWithoutVM(t *testing.T) {
	manager := newFakeVMManager()
	manager.markReady(nil)
	p := newTestProvider(t, manager)

	if _, err := p.DockerTransport("proj-none"); err == nil {
		t.Error("DockerTransport for a project with no VM should fail")
	}
}
