package vm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/anthropics/octobot/internal/config"
	"github.com/anthropics/octobot/internal/model"
	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/sandbox/docker"
)

// SessionProjectResolver looks up the project ID for a session from the
// database. Returns the project ID or an error if the session doesn't exist.
type SessionProjectResolver func(ctx context.Context, sessionID string) (projectID string, err error)

// SystemManager receives startup task progress (image loads into VMs).
type SystemManager interface {
	RegisterTask(id, name string)
	StartTask(id string)
	UpdateTaskProgress(id string, progress int, currentOperation string)
	UpdateTaskBytes(id string, bytesDownloaded, totalBytes int64)
	CompleteTask(id string)
	FailTask(id string, err error)
}

// Provider is a VM+Docker composite provider:
//   - a ProjectVMManager supplies project-level VMs (one VM per project)
//   - a Docker provider creates containers inside those VMs (one per session)
//   - traffic reaches the in-VM daemon via the dialers the ProjectVM exposes
//
// Projects are isolated from each other by the VM boundary; sessions within
// a project are isolated from each other by containers.
type Provider struct {
	cfg *config.Config
	log *zap.SugaredLogger

	// vmManager owns the project-level VMs.
	vmManager ProjectVMManager

	// dockerProviders maps projectID -> Docker provider wired to that
	// project's VM. The mutex only guards the map; provisioning a new
	// provider is single-flighted per project so a slow VM boot never
	// blocks lookups for other projects.
	dockerProviders   map[string]*docker.Provider
	dockerProvidersMu sync.RWMutex
	provisionGroup    singleflight.Group

	sessionProjectResolver SessionProjectResolver

	// hostDockerClient connects to the host's Docker daemon, for
	// streaming locally-built images into VMs.
	hostDockerClient     *dockerclient.Client
	hostDockerClientOnce sync.Once
	hostDockerClientErr  error

	// systemManager tracks startup tasks for the status API (optional).
	systemManager SystemManager

	// postVMSetup runs after a VM's Docker provider is created and the
	// sandbox image is in place. The VZ manager starts its vsock port
	// proxy container here.
	postVMSetup func(ctx context.Context, projectID string, dockerProv *docker.Provider) error

	// dockerOpts are extra options for each per-project Docker provider.
	dockerOpts []docker.Option

	// idleTimeout is how long a VM may run with no running sandboxes
	// before it is shut down. Zero disables reaping.
	idleTimeout time.Duration

	// idlePollInterval is how often the reaper wakes up.
	idlePollInterval time.Duration

	// idleSince tracks when each project's VM was first seen with no
	// running sandboxes. Cleared when a sandbox runs again.
	idleSince   map[string]time.Time
	idleSinceMu sync.Mutex

	// watches are the active Watch subscriptions. VMs created after a
	// Watch call are attached to it so their events are not lost.
	watches   []*vmWatch
	watchesMu sync.Mutex

	stopCh    chan struct{}
	closeOnce sync.Once
}

// Option configures a Provider.
type Option func(*Provider)

// WithPostVMSetup sets a hook called after a VM's Docker provider is created
// and the sandbox image is loaded. VZ uses this to start the vsock port
// proxy container inside the VM.
func WithPostVMSetup(fn func(ctx context.Context, projectID string, dockerProv *docker.Provider) error) Option {
	return func(p *Provider) {
		p.postVMSetup = fn
	}
}

// WithIdleTimeout sets how long a VM with no running sandboxes may stay up
// before being shut down. Zero (the default) means never.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.idleTimeout = d
	}
}

// WithIdlePollInterval sets how often the idle reaper checks VMs.
// The default is one minute.
func WithIdlePollInterval(d time.Duration) Option {
	return func(p *Provider) {
		p.idlePollInterval = d
	}
}

// WithDockerOptions appends options passed to every per-project Docker
// provider. The DinD manager uses this to publish sandbox ports on the
// daemon container's interfaces.
func WithDockerOptions(opts ...docker.Option) Option {
	return func(p *Provider) {
		p.dockerOpts = append(p.dockerOpts, opts...)
	}
}

// NewProvider creates a VM+Docker composite provider. The vmManager supplies
// VMs with Docker daemons; the provider creates containers inside them.
func NewProvider(cfg *config.Config, log *zap.SugaredLogger, vmManager ProjectVMManager, resolver SessionProjectResolver, systemManager SystemManager, opts ...Option) *Provider {
	p := &Provider{
		cfg:                    cfg,
		log:                    log,
		vmManager:              vmManager,
		dockerProviders:        make(map[string]*docker.Provider),
		sessionProjectResolver: resolver,
		systemManager:          systemManager,
		idlePollInterval:       time.Minute,
		idleSince:              make(map[string]time.Time),
		stopCh:                 make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	// Pre-warm the default project's VM once the manager is ready, then
	// start the idle reaper.
	go func() {
		select {
		case <-vmManager.Ready():
		case <-p.stopCh:
			return
		}
		if vmManager.Err() != nil {
			return
		}
		if _, err := p.getOrCreateDockerProvider(context.Background(), model.DefaultProjectID); err != nil {
			p.log.Warnw("failed to warm default project VM", "error", err)
		}

		if p.idleTimeout > 0 {
			go p.reapIdleVMs()
		}
	}()

	return p
}

// ImageExists checks if the sandbox image is available, first in any running
// VM's Docker daemon, then on the host daemon.
func (p *Provider) ImageExists(ctx context.Context) bool {
	p.dockerProvidersMu.RLock()
	for _, dp := range p.dockerProviders {
		if dp.ImageExists(ctx) {
			p.dockerProvidersMu.RUnlock()
			return true
		}
	}
	p.dockerProvidersMu.RUnlock()

	client, err := p.getHostDockerClient()
	if err != nil {
		return false
	}

	_, err = client.ImageInspect(ctx, p.cfg.SandboxImage)
	return err == nil
}

// Image returns the sandbox image name.
func (p *Provider) Image() string {
	return p.cfg.SandboxImage
}

// Create creates a sandbox in the project's VM, booting the VM first if
// needed.
func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	projectID := opts.ProjectID
	if projectID == "" {
		var err error
		projectID, err = p.sessionProjectResolver(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve project for session %s: %w", sessionID, err)
		}
	}

	dockerProv, err := p.getOrCreateDockerProvider(ctx, projectID)
	if err != nil {
		return nil, err
	}

	return dockerProv.Create(ctx, sessionID, opts)
}

// Start starts a sandbox.
func (p *Provider) Start(ctx context.Context, sessionID string) error {
	_, dockerProv, err := p.getDockerProviderForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return dockerProv.Start(ctx, sessionID)
}

// Stop stops a sandbox.
func (p *Provider) Stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	_, dockerProv, err := p.getDockerProviderForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return dockerProv.Stop(ctx, sessionID, timeout)
}

// Remove removes a sandbox.
func (p *Provider) Remove(ctx context.Context, sessionID string, opts ...sandbox.RemoveOption) error {
	_, dockerProv, err := p.getDockerProviderForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return dockerProv.Remove(ctx, sessionID, opts...)
}

// Get returns sandbox info.
func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	_, dockerProv, err := p.getDockerProviderForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return dockerProv.Get(ctx, sessionID)
}

// GetSecret returns the shared secret for a sandbox.
func (p *Provider) GetSecret(ctx context.Context, sessionID string) (string, error) {
	_, dockerProv, err := p.getDockerProviderForSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return dockerProv.GetSecret(ctx, sessionID)
}

// List returns all sandboxes across all project VMs. A VM whose daemon
// cannot be listed is logged and skipped.
func (p *Provider) List(ctx context.Context) ([]*sandbox.Sandbox, error) {
	var all []*sandbox.Sandbox
	for projectID, dockerProv := range p.snapshotProviders() {
		sandboxes, err := dockerProv.List(ctx)
		if err != nil {
			p.log.Warnw("failed to list sandboxes in project VM", "project_id", projectID, "error", err)
			continue
		}
		all = append(all, sandboxes...)
	}
	return all, nil
}

// Exec executes a command in a sandbox.
func (p *Provider) Exec(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	_, dockerProv, err := p.getDockerProviderForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return dockerProv.Exec(ctx, sessionID, cmd, opts)
}

// Attach attaches an interactive PTY to a sandbox.
func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	_, dockerProv, err := p.getDockerProviderForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return dockerProv.Attach(ctx, sessionID, opts)
}

// ExecStream executes a streaming command in a sandbox.
func (p *Provider) ExecStream(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecStreamOptions) (sandbox.Stream, error) {
	_, dockerProv, err := p.getDockerProviderForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return dockerProv.ExecStream(ctx, sessionID, cmd, opts)
}

// HTTPClient returns an HTTP client that reaches the sandbox's published
// port through the VM's port dialer.
func (p *Provider) HTTPClient(ctx context.Context, sessionID string) (*http.Client, error) {
	projectID, dockerProv, err := p.getDockerProviderForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	pvm, ok := p.GetVMForProject(projectID)
	if !ok {
		return nil, fmt.Errorf("%w: no VM for project %q", sandbox.ErrNotFound, projectID)
	}

	sb, err := dockerProv.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox info: %w", err)
	}

	var hostPort uint32
	for _, port := range sb.Ports {
		if port.ContainerPort == 3002 {
			hostPort = uint32(port.HostPort)
			break
		}
	}
	if hostPort == 0 {
		return nil, fmt.Errorf("%w: no published port for sandbox %s", sandbox.ErrNotRunning, sessionID)
	}

	// Keep-alives are disabled because the dialer is pinned to one
	// sandbox port; a pooled connection would outlive a sandbox restart.
	return &http.Client{
		Transport: &http.Transport{
			DisableKeepAlives: true,
			DialContext:       pvm.PortDialer(hostPort),
		},
	}, nil
}

// vmWatch is one active Watch subscription. Providers created after the
// subscription are attached as they appear.
type vmWatch struct {
	ctx    context.Context
	events chan sandbox.StateEvent
	wg     sync.WaitGroup
}

// Watch merges state events from all project VMs, including VMs booted
// after the call. The channel closes when ctx is done.
func (p *Provider) Watch(ctx context.Context) (<-chan sandbox.StateEvent, error) {
	w := &vmWatch{
		ctx:    ctx,
		events: make(chan sandbox.StateEvent, 32),
	}

	p.watchesMu.Lock()
	p.watches = append(p.watches, w)
	p.watchesMu.Unlock()

	for _, prov := range p.snapshotProviders() {
		p.attachWatch(w, prov)
	}

	go func() {
		<-ctx.Done()
		p.watchesMu.Lock()
		for i, other := range p.watches {
			if other == w {
				p.watches = append(p.watches[:i], p.watches[i+1:]...)
				break
			}
		}
		p.watchesMu.Unlock()
		w.wg.Wait()
		close(w.events)
	}()

	return w.events, nil
}

// attachWatch forwards one provider's events into a watch subscription.
func (p *Provider) attachWatch(w *vmWatch, prov *docker.Provider) {
	ch, err := prov.Watch(w.ctx)
	if err != nil {
		p.log.Warnw("failed to watch project VM docker events", "error", err)
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for event := range ch {
			select {
			case w.events <- event:
			case <-w.ctx.Done():
				return
			}
		}
	}()
}

// Close shuts down the provider, all project VMs, and their Docker clients.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		p.log.Infow("shutting down VM provider")
		close(p.stopCh)
		p.vmManager.Shutdown()

		p.dockerProvidersMu.Lock()
		for projectID, prov := range p.dockerProviders {
			if err := prov.Close(); err != nil {
				p.log.Warnw("failed to close project docker provider", "project_id", projectID, "error", err)
			}
			delete(p.dockerProviders, projectID)
		}
		p.dockerProvidersMu.Unlock()

		if p.hostDockerClient != nil {
			_ = p.hostDockerClient.Close()
		}
	})
	return nil
}

// CleanupImages prunes superseded sandbox images in every project VM.
// Implements sandbox.ImageCleaner.
func (p *Provider) CleanupImages(ctx context.Context) error {
	for projectID, dockerProv := range p.snapshotProviders() {
		if err := dockerProv.CleanupImages(ctx); err != nil {
			p.log.Warnw("failed to clean up images in project VM", "project_id", projectID, "error", err)
		}
	}
	return nil
}

// Status reports the VM manager's readiness. Implements
// sandbox.StatusProvider.
func (p *Provider) Status() sandbox.ProviderStatus {
	// Managers that track download progress report richer status.
	if reporter, ok := p.vmManager.(StatusReporter); ok {
		return reporter.Status()
	}

	select {
	case <-p.vmManager.Ready():
		if err := p.vmManager.Err(); err != nil {
			return sandbox.ProviderStatus{
				Available: false,
				State:     "failed",
				Message:   err.Error(),
			}
		}
		return sandbox.ProviderStatus{
			Available: true,
			State:     "ready",
		}
	default:
		return sandbox.ProviderStatus{
			Available: false,
			State:     "initializing",
			Message:   "VM manager initializing",
		}
	}
}

// GetVMForProject returns the project's VM if the manager is ready and the
// VM exists.
func (p *Provider) GetVMForProject(projectID string) (ProjectVM, bool) {
	select {
	case <-p.vmManager.Ready():
		if p.vmManager.Err() != nil {
			return nil, false
		}
	default:
		return nil, false
	}
	return p.vmManager.GetVM(projectID)
}

// DockerTransport returns an http.RoundTripper that talks to the Docker
// daemon inside the project's VM. Implements sandbox.DockerProxyProvider.
func (p *Provider) DockerTransport(projectID string) (http.RoundTripper, error) {
	pvm, ok := p.GetVMForProject(projectID)
	if !ok {
		return nil, fmt.Errorf("%w: no VM for project %q", sandbox.ErrNotFound, projectID)
	}

	return &http.Transport{
		DialContext: pvm.DockerDialer(),
	}, nil
}

// IsReady returns true once the manager can boot VMs.
func (p *Provider) IsReady() bool {
	select {
	case <-p.vmManager.Ready():
		return p.vmManager.Err() == nil
	default:
		return false
	}
}

// WaitForReady blocks until the manager is ready, it fails, or ctx is done.
func (p *Provider) WaitForReady(ctx context.Context) error {
	select {
	case <-p.vmManager.Ready():
		return p.vmManager.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getHostDockerClient returns a client for the host's Docker daemon, used
// to export locally-built images for transfer into VMs.
func (p *Provider) getHostDockerClient() (*dockerclient.Client, error) {
	p.hostDockerClientOnce.Do(func() {
		clientOpts := []dockerclient.Opt{
			dockerclient.FromEnv,
			dockerclient.WithAPIVersionNegotiation(),
		}
		if p.cfg.DockerHost != "" {
			clientOpts = append(clientOpts, dockerclient.WithHost(p.cfg.DockerHost))
		} else if host := docker.DetectDockerHost(); host != "" {
			clientOpts = append(clientOpts, dockerclient.WithHost(host))
		}

		cli, err := dockerclient.NewClientWithOpts(clientOpts...)
		if err != nil {
			p.hostDockerClientErr = fmt.Errorf("failed to create host docker client: %w", err)
			return
		}
		p.hostDockerClient = cli
	})
	return p.hostDockerClient, p.hostDockerClientErr
}

// ensureImageInVM streams the sandbox image from the host daemon into the
// VM's daemon when the image is local and cannot be pulled from a registry.
// The tar stream is zstd-compressed in transit; dockerd detects the
// compression on load, and the guest link is the slow hop.
func (p *Provider) ensureImageInVM(ctx context.Context, dockerProv *docker.Provider) error {
	image := p.cfg.SandboxImage

	// Registry images are pulled by the per-VM provider itself.
	if !docker.IsLocalImage(image) {
		return nil
	}

	vmClient := dockerProv.Client()
	if inspect, err := vmClient.ImageInspect(ctx, image); err == nil {
		p.log.Infow("sandbox image already present in VM", "image", image, "id", inspect.ID)
		return nil
	}

	hostClient, err := p.getHostDockerClient()
	if err != nil {
		return fmt.Errorf("failed to get host docker client: %w", err)
	}

	inspectResult, err := hostClient.ImageInspect(ctx, image)
	if err != nil {
		return fmt.Errorf("image %s not found on host docker: %w", image, err)
	}
	imageSize := inspectResult.Size
	p.log.Infow("loading sandbox image into VM", "image", image, "size_mb", imageSize/(1024*1024))

	if p.systemManager != nil {
		p.systemManager.RegisterTask("docker-load", fmt.Sprintf("Loading Docker image into VM: %s", image))
		p.systemManager.StartTask("docker-load")
	}
	fail := func(err error) error {
		if p.systemManager != nil {
			p.systemManager.FailTask("docker-load", err)
		}
		return err
	}

	reader, err := hostClient.ImageSave(ctx, []string{image})
	if err != nil {
		return fail(fmt.Errorf("failed to export image from host: %w", err))
	}
	defer func() { _ = reader.Close() }()

	// Progress counts uncompressed bytes so the total matches the
	// inspected image size.
	pr := &progressReader{
		reader:       reader,
		total:        imageSize,
		logEvery:     100 * 1024 * 1024,
		label:        image,
		log:          p.log,
		systemMgr:    p.systemManager,
		systemTaskID: "docker-load",
	}

	pipeR, pipeW := io.Pipe()
	enc, err := zstd.NewWriter(pipeW, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return fail(fmt.Errorf("failed to create zstd encoder: %w", err))
	}
	go func() {
		_, copyErr := io.Copy(enc, pr)
		closeErr := enc.Close()
		if copyErr == nil {
			copyErr = closeErr
		}
		_ = pipeW.CloseWithError(copyErr)
	}()

	resp, err := vmClient.ImageLoad(ctx, pipeR, dockerclient.ImageLoadWithQuiet(true))
	if err != nil {
		return fail(fmt.Errorf("failed to load image into VM: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if p.systemManager != nil {
		p.systemManager.CompleteTask("docker-load")
	}

	p.log.Infow("sandbox image loaded into VM", "image", image)
	return nil
}

// getOrCreateDockerProvider returns the Docker provider for the project,
// booting the project VM and wiring a provider to its daemon if needed.
func (p *Provider) getOrCreateDockerProvider(ctx context.Context, projectID string) (*docker.Provider, error) {
	// Fail fast while the manager is still initialising so callers can
	// surface a retryable error instead of blocking.
	select {
	case <-p.vmManager.Ready():
		if err := p.vmManager.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", sandbox.ErrProviderNotReady, err)
		}
	default:
		return nil, fmt.Errorf("%w: VM manager still initializing", sandbox.ErrProviderNotReady)
	}

	pvm, err := p.vmManager.GetOrCreateVM(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get project VM: %w", err)
	}

	p.dockerProvidersMu.RLock()
	prov, exists := p.dockerProviders[projectID]
	p.dockerProvidersMu.RUnlock()
	if exists {
		// The cached provider may be wired to a previous incarnation of
		// the VM. Verify the daemon still answers before reusing it.
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := prov.Ping(pingCtx)
		cancel()
		if err == nil {
			return prov, nil
		}
		p.log.Warnw("cached docker provider is stale, recreating", "project_id", projectID, "error", err)
		p.dockerProvidersMu.Lock()
		if p.dockerProviders[projectID] == prov {
			_ = prov.Close()
			delete(p.dockerProviders, projectID)
		}
		p.dockerProvidersMu.Unlock()
	}

	// Provisioning can take minutes (VM boot, image transfer), so it runs
	// outside the map lock, coalesced per project.
	v, err, _ := p.provisionGroup.Do(projectID, func() (any, error) {
		p.dockerProvidersMu.RLock()
		prov, exists := p.dockerProviders[projectID]
		p.dockerProvidersMu.RUnlock()
		if exists {
			return prov, nil
		}

		p.log.Infow("creating docker provider for project VM", "project_id", projectID)

		// The provider kicks off its image pull in the background on creation.
		opts := []docker.Option{
			docker.WithVsockDialer(pvm.DockerDialer()),
		}
		if p.systemManager != nil {
			opts = append(opts, docker.WithSystemManager(p.systemManager))
		}
		opts = append(opts, p.dockerOpts...)

		dockerProv, err := docker.NewProvider(
			p.cfg,
			p.log,
			docker.SessionProjectResolver(p.sessionProjectResolver),
			opts...,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker provider: %w", err)
		}

		if err := p.ensureImageInVM(ctx, dockerProv); err != nil {
			_ = dockerProv.Close()
			return nil, fmt.Errorf("failed to load sandbox image into VM: %w", err)
		}

		if p.postVMSetup != nil {
			if err := p.postVMSetup(ctx, projectID, dockerProv); err != nil {
				_ = dockerProv.Close()
				return nil, fmt.Errorf("post-VM setup failed for project %s: %w", projectID, err)
			}
		}

		p.dockerProvidersMu.Lock()
		p.dockerProviders[projectID] = dockerProv
		p.dockerProvidersMu.Unlock()

		// Existing Watch subscriptions pick up the new VM's events.
		p.watchesMu.Lock()
		for _, w := range p.watches {
			p.attachWatch(w, dockerProv)
		}
		p.watchesMu.Unlock()

		p.log.Infow("docker provider ready for project VM", "project_id", projectID)
		return dockerProv, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*docker.Provider), nil
}

// getDockerProviderForSession resolves the session's project and returns
// the provider for its VM. Returns sandbox.ErrNotFound when the session is
// unknown or its project has no running VM.
func (p *Provider) getDockerProviderForSession(ctx context.Context, sessionID string) (string, *docker.Provider, error) {
	projectID, err := p.sessionProjectResolver(ctx, sessionID)
	if err != nil {
		return "", nil, fmt.Errorf("%w: failed to resolve project for session %s: %v", sandbox.ErrNotFound, sessionID, err)
	}

	p.dockerProvidersMu.RLock()
	dockerProv, exists := p.dockerProviders[projectID]
	p.dockerProvidersMu.RUnlock()

	if !exists {
		return "", nil, fmt.Errorf("%w: no running VM for project %s (session %s)", sandbox.ErrNotFound, projectID, sessionID)
	}

	return projectID, dockerProv, nil
}

// snapshotProviders copies the provider map under the read lock.
func (p *Provider) snapshotProviders() map[string]*docker.Provider {
	p.dockerProvidersMu.RLock()
	defer p.dockerProvidersMu.RUnlock()

	out := make(map[string]*docker.Provider, len(p.dockerProviders))
	for projectID, prov := range p.dockerProviders {
		out[projectID] = prov
	}
	return out
}

// countRunningSandboxes returns the number of running sandboxes on the
// project's VM.
func (p *Provider) countRunningSandboxes(projectID string) int {
	p.dockerProvidersMu.RLock()
	dockerProv, exists := p.dockerProviders[projectID]
	p.dockerProvidersMu.RUnlock()

	if !exists {
		return 0
	}

	sandboxes, err := dockerProv.List(context.Background())
	if err != nil {
		return 0
	}

	count := 0
	for _, sb := range sandboxes {
		if sb.Status == sandbox.StatusRunning {
			count++
		}
	}
	return count
}

// reapIdleVMs periodically shuts down VMs that have had no running
// sandboxes for the idle timeout. The VM's data disk is preserved, so the
// project's Docker volumes and images survive into the next boot.
func (p *Provider) reapIdleVMs() {
	ticker := time.NewTicker(p.idlePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.idleSinceMu.Lock()
			for _, projectID := range p.vmManager.ListProjectIDs() {
				if p.countRunningSandboxes(projectID) > 0 {
					delete(p.idleSince, projectID)
					continue
				}

				idleStart, exists := p.idleSince[projectID]
				if !exists {
					p.idleSince[projectID] = time.Now()
					continue
				}

				if time.Since(idleStart) < p.idleTimeout {
					continue
				}

				p.log.Infow("shutting down idle project VM", "project_id", projectID, "idle_for", time.Since(idleStart))

				if err := p.vmManager.RemoveVM(projectID); err != nil {
					p.log.Warnw("failed to remove idle VM", "project_id", projectID, "error", err)
					continue
				}

				p.dockerProvidersMu.Lock()
				if prov, ok := p.dockerProviders[projectID]; ok {
					_ = prov.Close()
					delete(p.dockerProviders, projectID)
				}
				p.dockerProvidersMu.Unlock()

				delete(p.idleSince, projectID)
			}
			p.idleSinceMu.Unlock()
		}
	}
}

// progressReader counts bytes flowing through an image transfer and logs
// progress every logEvery bytes.
type progressReader struct {
	reader       io.Reader
	total        int64
	read         int64
	logEvery     int64
	lastLog      int64
	label        string
	log          *zap.SugaredLogger
	systemMgr    SystemManager
	systemTaskID string
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.read += int64(n)

	if r.read-r.lastLog >= r.logEvery {
		r.lastLog = r.read
		if r.total > 0 {
			pct := float64(r.read) / float64(r.total) * 100
			r.log.Infow("image transfer progress", "image", r.label, "percent", fmt.Sprintf("%.1f", pct), "read_mb", r.read/(1024*1024), "total_mb", r.total/(1024*1024))
		} else {
			r.log.Infow("image transfer progress", "image", r.label, "read_mb", r.read/(1024*1024))
		}

		if r.systemMgr != nil {
			r.systemMgr.UpdateTaskBytes(r.systemTaskID, r.read, r.total)
		}
	}

	return n, err
}
