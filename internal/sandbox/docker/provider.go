// Package docker provides a Docker-based implementation of the sandbox.Provider interface.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	volumeTypes "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	dockercontext "github.com/docker/go-sdk/context"
	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/config"
	"github.com/anthropics/octobot/internal/sandbox"
)

const (
	// labelManaged marks containers and volumes owned by octobot.
	labelManaged = "octobot.managed"

	// labelSessionID is the label key carrying the owning session ID.
	labelSessionID = "octobot.session.id"

	// labelProjectID is the label key carrying the owning project ID.
	labelProjectID = "octobot.project.id"

	// labelSecret is the label key for storing the raw shared secret.
	labelSecret = "octobot.secret"

	// containerPort is the fixed port exposed by all sandboxes.
	containerPort = 3002

	// workspaceMount is where workspaces are mounted inside the container.
	workspaceMount = "/.workspace"

	// dataVolumeMount is where the persistent data volume is mounted inside the container.
	dataVolumeMount = "/.data"

	// dataVolumePrefix is the prefix for per-session data volume names.
	dataVolumePrefix = "octobot-session-"

	// containerNamePrefix is the prefix for sandbox container names.
	containerNamePrefix = "octobot-sandbox-"
)

// DetectDockerHost resolves the Docker host from the current Docker context.
// This handles Docker Desktop, Colima, Rancher Desktop, Podman, and custom
// contexts automatically. Returns empty string if detection fails.
func DetectDockerHost() string {
	host, err := dockercontext.CurrentDockerHost()
	if err != nil {
		return ""
	}
	return host
}

// SessionProjectResolver looks up the project ID for a session from the database.
type SessionProjectResolver func(ctx context.Context, sessionID string) (projectID string, err error)

// Provider implements the sandbox.Provider interface using Docker.
type Provider struct {
	client *client.Client
	cfg    *config.Config
	log    *zap.SugaredLogger

	// containerIDs maps sessionID -> Docker container ID
	containerIDs   map[string]string
	containerIDsMu sync.RWMutex

	// vsockDialer is an optional custom dialer for VSOCK connections
	vsockDialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// portBindIP is the host IP sandbox ports are published on.
	// Defaults to loopback; VM managers that reach the daemon over a
	// bridge network override it.
	portBindIP string

	// sessionProjectResolver looks up session -> project mapping from the
	// database when CreateOptions carries no project ID.
	sessionProjectResolver SessionProjectResolver

	// systemManager tracks startup tasks and system status (optional)
	systemManager SystemManager
}

// SystemManager receives startup task progress (image pulls, cleanup).
type SystemManager interface {
	RegisterTask(id, name string)
	StartTask(id string)
	UpdateTaskProgress(id string, progress int, currentOperation string)
	UpdateTaskBytes(id string, bytesDownloaded, totalBytes int64)
	CompleteTask(id string)
	FailTask(id string, err error)
}

// Option configures the Docker provider.
type Option func(*Provider)

// WithVsockDialer configures the Docker provider to use a VSOCK dialer
// instead of the standard Docker socket. This is used when Docker daemon
// runs inside a VM and is accessed via VSOCK.
func WithVsockDialer(dialer func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(p *Provider) {
		p.vsockDialer = dialer
	}
}

// WithSystemManager configures the provider with a system manager for
// reporting startup task progress.
func WithSystemManager(sm SystemManager) Option {
	return func(p *Provider) {
		p.systemManager = sm
	}
}

// WithPortBindIP sets the host IP sandbox ports are published on. The
// default is 127.0.0.1; a daemon running inside a VM or nested container
// needs 0.0.0.0 so the port is reachable from outside its namespace.
func WithPortBindIP(ip string) Option {
	return func(p *Provider) {
		p.portBindIP = ip
	}
}

// NewProvider creates a new Docker sandbox provider.
// The sessionProjectResolver is required for mapping sessions to projects
// for cache volumes. Use WithVsockDialer to connect to a Docker daemon
// inside a VM via VSOCK.
func NewProvider(cfg *config.Config, log *zap.SugaredLogger, sessionProjectResolver SessionProjectResolver, opts ...Option) (*Provider, error) {
	if sessionProjectResolver == nil {
		return nil, fmt.Errorf("sessionProjectResolver is required")
	}

	p := &Provider{
		cfg:                    cfg,
		log:                    log,
		containerIDs:           make(map[string]string),
		sessionProjectResolver: sessionProjectResolver,
		portBindIP:             "127.0.0.1",
	}

	for _, opt := range opts {
		opt(p)
	}

	var cli *client.Client
	var err error

	if p.vsockDialer != nil {
		httpClient := &http.Client{
			Transport: &http.Transport{
				DialContext: p.vsockDialer,
			},
		}

		cli, err = client.NewClientWithOpts(
			client.WithHost("http://localhost"), // must be before WithHTTPClient so it doesn't modify our VSOCK transport
			client.WithHTTPClient(httpClient),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client with vsock: %w", err)
		}
	} else {
		clientOpts := []client.Opt{
			client.FromEnv,
			client.WithAPIVersionNegotiation(),
		}

		if cfg.DockerHost != "" {
			clientOpts = append(clientOpts, client.WithHost(cfg.DockerHost))
		} else if host := DetectDockerHost(); host != "" {
			log.Infow("detected docker host from context", "host", host)
			clientOpts = append(clientOpts, client.WithHost(host))
		}

		cli, err = client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
	}

	p.client = cli

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := p.client.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	// Pull the sandbox image and clean up superseded ones in the background
	// so server startup is not blocked on the registry.
	go p.backgroundInit()

	log.Infow("docker provider initialized", "image", cfg.SandboxImage)
	return p, nil
}

// backgroundInit pulls the configured image (when pullable) and removes
// images superseded by it. Runs once, detached from any request context.
func (p *Provider) backgroundInit() {
	image := p.cfg.SandboxImage

	if IsLocalImage(image) {
		// Local images are built or loaded out of band; just report presence.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := p.client.ImageInspect(ctx, image)
		cancel()
		if err != nil {
			p.log.Warnw("local sandbox image not found; build or docker-load it", "image", image)
		}
	} else {
		if p.systemManager != nil {
			p.systemManager.RegisterTask("docker-pull", fmt.Sprintf("Pulling sandbox image: %s", image))
			p.systemManager.StartTask("docker-pull")
		}

		backoff := 5 * time.Second
		var pullErr error
		for attempt := 1; attempt <= 3; attempt++ {
			pullCtx, pullCancel := context.WithTimeout(context.Background(), 5*time.Minute)
			pullErr = p.pullSandboxImage(pullCtx, image)
			pullCancel()

			if pullErr == nil {
				if p.systemManager != nil {
					p.systemManager.CompleteTask("docker-pull")
				}
				break
			}

			p.log.Warnw("sandbox image pull failed", "attempt", attempt, "error", pullErr)
			time.Sleep(backoff)
			backoff *= 2
		}
		if pullErr != nil {
			// Give up; Create pulls on demand and surfaces the error there.
			if p.systemManager != nil {
				p.systemManager.FailTask("docker-pull", pullErr)
			}
		}
	}

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cleanupCancel()

	if err := p.cleanupOldSandboxImages(cleanupCtx, image); err != nil {
		p.log.Warnw("failed to clean up old sandbox images", "error", err)
	}
}

// containerName generates a consistent container name from session ID.
func containerName(sessionID string) string {
	return containerNamePrefix + sessionID
}

// volumeName returns the Docker volume name for a session's data volume.
func volumeName(sessionID string) string {
	return dataVolumePrefix + sessionID
}

// ImageExists checks if the configured sandbox image is available locally.
func (p *Provider) ImageExists(ctx context.Context) bool {
	_, err := p.client.ImageInspect(ctx, p.cfg.SandboxImage)
	return err == nil
}

// Image returns the configured sandbox image name.
func (p *Provider) Image() string {
	return p.cfg.SandboxImage
}

// Create creates a new Docker container for the given session.
func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	p.containerIDsMu.RLock()
	cachedID, existsInCache := p.containerIDs[sessionID]
	p.containerIDsMu.RUnlock()

	name := containerName(sessionID)

	// A container may survive from a previous server run. If it is the one
	// we created, report AlreadyExists; anything else is stale and replaced.
	if existing, err := p.client.ContainerInspect(ctx, name); err == nil && existing.ContainerJSONBase != nil {
		if existsInCache && cachedID == existing.ID {
			return nil, sandbox.ErrAlreadyExists
		}
		p.log.Infow("removing stale sandbox container", "container", existing.ID[:12], "name", name)
		if err := p.client.ContainerRemove(ctx, existing.ID, containerTypes.RemoveOptions{Force: true}); err != nil {
			return nil, fmt.Errorf("failed to remove stale container: %w", err)
		}
		p.clearContainerID(sessionID)
	} else if existsInCache {
		// Cache has an entry but the container is gone.
		p.clearContainerID(sessionID)
	}

	image := p.cfg.SandboxImage
	if err := p.ensureImage(ctx, image); err != nil {
		return nil, err
	}

	projectID := opts.ProjectID
	if projectID == "" {
		resolved, err := p.sessionProjectResolver(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve project for session %s: %w", sessionID, err)
		}
		projectID = resolved
	}
	if projectID == "" {
		return nil, fmt.Errorf("session %s has no associated project", sessionID)
	}

	// Data volume persists across rebuilds; it is only deleted when the
	// session is removed with RemoveVolumes.
	dataVolName := volumeName(sessionID)
	_, err := p.client.VolumeCreate(ctx, volumeTypes.CreateOptions{
		Name: dataVolName,
		Labels: map[string]string{
			labelSessionID: sessionID,
			labelProjectID: projectID,
			labelManaged:   "true",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create data volume: %v", sandbox.ErrCreateFailed, err)
	}

	// The raw secret lives in a label so GetSecret works across restarts.
	labels := map[string]string{
		labelSessionID: sessionID,
		labelProjectID: projectID,
		labelManaged:   "true",
	}
	if opts.SharedSecret != "" {
		labels[labelSecret] = opts.SharedSecret
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	env := []string{fmt.Sprintf("SESSION_ID=%s", sessionID)}

	// The sandbox only ever sees the salted hash of the shared secret.
	if opts.SharedSecret != "" {
		env = append(env, fmt.Sprintf("OCTOBOT_SECRET=%s", sandbox.HashSecret(opts.SharedSecret)))
	}

	// WORKSPACE_PATH is the mount point inside the container;
	// WORKSPACE_SOURCE is the original source (local path or git URL).
	if opts.WorkspacePath != "" {
		env = append(env, fmt.Sprintf("WORKSPACE_PATH=%s", workspaceMount))
	}
	if opts.WorkspaceSource != "" {
		env = append(env, fmt.Sprintf("WORKSPACE_SOURCE=%s", opts.WorkspaceSource))
	}
	if opts.WorkspaceCommit != "" {
		env = append(env, fmt.Sprintf("WORKSPACE_COMMIT=%s", opts.WorkspaceCommit))
	}

	// Extra environment (decrypted credentials etc.) is injected here and
	// nowhere else; it is never written to the store.
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerConfig := &containerTypes.Config{
		Image:        image,
		Env:          env,
		Labels:       labels,
		Hostname:     "octobot",
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	hostConfig := &containerTypes.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: dataVolName,
				Target: dataVolumeMount,
			},
		},
		// CAP_SYS_ADMIN and /dev/fuse are required for the agent's FUSE mounts
		CapAdd: []string{"SYS_ADMIN"},
		Resources: containerTypes.Resources{
			Devices: []containerTypes.DeviceMapping{
				{
					PathOnHost:        "/dev/fuse",
					PathInContainer:   "/dev/fuse",
					CgroupPermissions: "rwm",
				},
			},
		},
	}

	if opts.Resources.MemoryMB > 0 {
		hostConfig.Memory = int64(opts.Resources.MemoryMB) * 1024 * 1024
	}
	if opts.Resources.CPUCores > 0 {
		hostConfig.NanoCPUs = int64(opts.Resources.CPUCores * 1e9)
	}

	// Workspace is bind-mounted read-only; the agent copies what it needs.
	if opts.WorkspacePath != "" {
		sourcePath := opts.WorkspacePath
		if !filepath.IsAbs(sourcePath) {
			absPath, err := filepath.Abs(sourcePath)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to resolve absolute path for workspace: %v", sandbox.ErrCreateFailed, err)
			}
			sourcePath = absPath
		}

		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   sourcePath,
			Target:   workspaceMount,
			ReadOnly: true,
		})
	}

	// Project-scoped cache volume, shared by every session in the project.
	cacheVolName, err := p.ensureCacheVolume(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cache volume for project %s: %v", sandbox.ErrCreateFailed, projectID, err)
	}
	hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
		Type:   mount.TypeVolume,
		Source: cacheVolName,
		Target: dataVolumeMount + "/cache",
	})

	// The container runs its own Docker daemon (started by the agent when
	// dockerd is available), which needs privileged mode.
	hostConfig.Privileged = true

	// Always expose port 3002 with a random host port bound to loopback.
	port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	containerConfig.ExposedPorts = nat.PortSet{port: struct{}{}}
	hostConfig.PortBindings = nat.PortMap{
		port: []nat.PortBinding{{
			HostIP:   p.portBindIP,
			HostPort: "", // Empty = Docker assigns random available port
		}},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrCreateFailed, err)
	}

	p.containerIDsMu.Lock()
	p.containerIDs[sessionID] = resp.ID
	p.containerIDsMu.Unlock()

	now := time.Now()
	return &sandbox.Sandbox{
		ID:        resp.ID,
		SessionID: sessionID,
		ProjectID: projectID,
		Status:    sandbox.StatusCreated,
		Image:     image,
		CreatedAt: now,
		Metadata: map[string]string{
			"name": name,
		},
	}, nil
}

// ensureImage checks if an image exists locally and pulls it if not.
func (p *Provider) ensureImage(ctx context.Context, image string) error {
	_, err := p.client.ImageInspect(ctx, image)
	if err == nil {
		return nil
	}

	// Local images (sha256 digests or octobot-local/ tags) cannot be pulled
	// from a registry; they must have been loaded via ImageLoad.
	if IsLocalImage(image) {
		return fmt.Errorf("%w: image %s not found locally and cannot be pulled", sandbox.ErrInvalidImage, image)
	}

	reader, err := p.client.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", sandbox.ErrImagePull, image, err)
	}
	defer func() { _ = reader.Close() }()

	// Drain the reader to complete the pull (progress is discarded)
	if _, err = io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: %s: %v", sandbox.ErrImagePull, image, err)
	}

	return nil
}

// IsLocalImage checks if an image is a local image that cannot be pulled
// from a registry: octobot-local/ prefixed tags and bare digest references.
// Composite providers use it to decide whether an image must be streamed
// from the host daemon instead of pulled.
func IsLocalImage(image string) bool {
	return strings.HasPrefix(image, "octobot-local/") || strings.HasPrefix(image, "sha256:")
}

// pullSandboxImage pulls the sandbox image if it doesn't exist locally and can be pulled.
func (p *Provider) pullSandboxImage(ctx context.Context, image string) error {
	_, err := p.client.ImageInspect(ctx, image)
	if err == nil {
		if p.systemManager != nil {
			p.systemManager.UpdateTaskProgress("docker-pull", 100, "Image already exists")
		}
		return nil
	}

	if IsLocalImage(image) {
		return fmt.Errorf("local image %s not found and cannot be pulled from registry", image)
	}

	p.log.Infow("pulling sandbox image", "image", image)
	reader, err := p.client.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull sandbox image %s: %w", image, err)
	}
	defer func() { _ = reader.Close() }()

	if p.systemManager != nil {
		err = p.processPullProgress(reader, "docker-pull")
	} else {
		_, err = io.Copy(io.Discard, reader)
	}
	if err != nil {
		return fmt.Errorf("failed to complete sandbox image pull for %s: %w", image, err)
	}

	p.log.Infow("pulled sandbox image", "image", image)
	return nil
}

// processPullProgress reads Docker pull events and reports download progress.
func (p *Provider) processPullProgress(reader io.Reader, taskID string) error {
	decoder := json.NewDecoder(reader)

	// Per-layer maximums so aggregate progress never goes backwards.
	layerCurrent := make(map[string]int64)
	layerTotal := make(map[string]int64)

	for {
		var rawEvent map[string]interface{}
		if err := decoder.Decode(&rawEvent); err != nil {
			if err == io.EOF {
				break
			}
			// Tolerate malformed progress lines
			continue
		}

		status, _ := rawEvent["status"].(string)
		id, _ := rawEvent["id"].(string)

		var current, total int64
		if pd, ok := rawEvent["progressDetail"].(map[string]interface{}); ok {
			if c, ok := pd["current"].(float64); ok {
				current = int64(c)
			}
			if t, ok := pd["total"].(float64); ok {
				total = int64(t)
			}
		}

		// Only download events carry meaningful byte counts; extraction does not.
		if status != "Downloading" || id == "" || current <= 0 {
			continue
		}

		if current > layerCurrent[id] {
			layerCurrent[id] = current
		}
		if total > layerTotal[id] {
			layerTotal[id] = total
		}

		var downloadedBytes, totalBytes int64
		for _, b := range layerCurrent {
			downloadedBytes += b
		}
		for _, b := range layerTotal {
			totalBytes += b
		}
		if totalBytes == 0 {
			// Registry did not report sizes; estimate so the bar still moves.
			totalBytes = 750 * 1024 * 1024
		}

		p.systemManager.UpdateTaskBytes(taskID, downloadedBytes, totalBytes)
	}

	return nil
}

// CleanupImages removes sandbox images superseded by the configured one.
// Implements sandbox.ImageCleaner; composite providers call it on each
// per-project daemon.
func (p *Provider) CleanupImages(ctx context.Context) error {
	return p.cleanupOldSandboxImages(ctx, p.cfg.SandboxImage)
}

// cleanupOldSandboxImages removes sandbox images superseded by the current one.
// Images are matched by the io.octobot.sandbox-image label.
func (p *Provider) cleanupOldSandboxImages(ctx context.Context, currentImage string) error {
	images, err := p.client.ImageList(ctx, imageTypes.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", "io.octobot.sandbox-image=true"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list sandbox images: %w", err)
	}

	// If the current image cannot be inspected its ID stays empty and
	// nothing is skipped below.
	currentImageInfo, err := p.client.ImageInspect(ctx, currentImage)
	if err != nil {
		p.log.Warnw("failed to inspect current sandbox image", "image", currentImage, "error", err)
	}

	deletedCount := 0
	for _, img := range images {
		if currentImageInfo.ID != "" && img.ID == currentImageInfo.ID {
			continue
		}

		_, err := p.client.ImageRemove(ctx, img.ID, imageTypes.RemoveOptions{
			Force:         false, // let it fail if the image is in use
			PruneChildren: true,
		})
		if err != nil {
			p.log.Debugw("could not remove old sandbox image", "id", img.ID, "error", err)
			continue
		}
		deletedCount++
	}

	if deletedCount > 0 {
		p.log.Infow("cleaned up old sandbox images", "count", deletedCount)
	}

	return nil
}

// Start starts a previously created sandbox.
func (p *Provider) Start(ctx context.Context, sessionID string) error {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := p.client.ContainerStart(ctx, containerID, containerTypes.StartOptions{}); err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrStartFailed, err)
	}

	return nil
}

// Stop stops a running sandbox gracefully.
func (p *Provider) Stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		return err
	}

	timeoutSeconds := int(timeout.Seconds())
	stopOptions := containerTypes.StopOptions{
		Timeout: &timeoutSeconds,
	}

	if err := p.client.ContainerStop(ctx, containerID, stopOptions); err != nil {
		return fmt.Errorf("failed to stop sandbox: %w", err)
	}

	return nil
}

// Remove removes a sandbox container and optionally its associated data volume.
// By default, data volumes are preserved (useful for rebuilds).
// Pass sandbox.WithRemoveVolumes() to delete volumes (for session deletion).
func (p *Provider) Remove(ctx context.Context, sessionID string, opts ...sandbox.RemoveOption) error {
	cfg := sandbox.ParseRemoveOptions(opts)

	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		if err != sandbox.ErrNotFound {
			return err
		}
		// Container not found, but continue to clean up volume if requested
		containerID = ""
	}

	if containerID != "" {
		removeOptions := containerTypes.RemoveOptions{
			Force:         true,
			RemoveVolumes: true, // Only removes anonymous volumes, not named volumes
		}

		if err := p.client.ContainerRemove(ctx, containerID, removeOptions); err != nil {
			return fmt.Errorf("failed to remove sandbox container: %w", err)
		}

		p.containerIDsMu.Lock()
		delete(p.containerIDs, sessionID)
		p.containerIDsMu.Unlock()
	}

	if cfg.RemoveVolumes {
		dataVolName := volumeName(sessionID)
		if err := p.client.VolumeRemove(ctx, dataVolName, true); err != nil {
			if !cerrdefs.IsNotFound(err) {
				return fmt.Errorf("failed to remove data volume %s: %w", dataVolName, err)
			}
		}
	}

	return nil
}

// Get returns the current state of a sandbox.
func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	info, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		// If the container was deleted externally, clear the stale cache entry
		if cerrdefs.IsNotFound(err) {
			p.clearContainerID(sessionID)
			return nil, sandbox.ErrNotFound
		}
		return nil, fmt.Errorf("failed to inspect sandbox: %w", err)
	}

	return p.sandboxFromInspect(sessionID, info), nil
}

// sandboxFromInspect builds a Sandbox from a container inspect response.
func (p *Provider) sandboxFromInspect(sessionID string, info containerTypes.InspectResponse) *sandbox.Sandbox {
	s := &sandbox.Sandbox{
		ID:        info.ID,
		SessionID: sessionID,
		Image:     info.Config.Image,
		Metadata: map[string]string{
			"name": info.Name,
		},
	}
	if info.Config.Labels != nil {
		s.ProjectID = info.Config.Labels[labelProjectID]
	}

	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		s.CreatedAt = created
	}

	switch {
	case info.State.Running:
		s.Status = sandbox.StatusRunning
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			s.StartedAt = &started
		}
	case info.State.Paused:
		s.Status = sandbox.StatusStopped
	case info.State.Dead || info.State.OOMKilled:
		s.Status = sandbox.StatusFailed
		s.Error = info.State.Error
	case info.State.ExitCode != 0:
		// Exit codes 137 (SIGKILL, 128+9) and 143 (SIGTERM, 128+15) are
		// expected from docker stop: stopped, not failed.
		if info.State.ExitCode == 137 || info.State.ExitCode == 143 {
			s.Status = sandbox.StatusStopped
			if stopped, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
				s.StoppedAt = &stopped
			}
		} else {
			s.Status = sandbox.StatusFailed
			s.Error = fmt.Sprintf("exited with code %d", info.State.ExitCode)
		}
	default:
		if info.State.FinishedAt != "" && info.State.FinishedAt != "0001-01-01T00:00:00Z" {
			s.Status = sandbox.StatusStopped
			if stopped, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
				s.StoppedAt = &stopped
			}
		} else {
			s.Status = sandbox.StatusCreated
		}
	}

	s.Ports = extractPorts(info.NetworkSettings)
	s.Env = extractEnv(info.Config.Env)

	return s
}

// GetSecret returns the raw shared secret stored during sandbox creation.
func (p *Provider) GetSecret(ctx context.Context, sessionID string) (string, error) {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		return "", err
	}

	info, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			p.clearContainerID(sessionID)
			return "", sandbox.ErrNotFound
		}
		return "", fmt.Errorf("failed to inspect sandbox: %w", err)
	}

	secret, ok := info.Config.Labels[labelSecret]
	if !ok || secret == "" {
		return "", fmt.Errorf("shared secret not found for sandbox")
	}

	return secret, nil
}

// extractEnv parses Docker's env slice (KEY=VALUE format) into a map.
func extractEnv(envSlice []string) map[string]string {
	env := make(map[string]string)
	for _, e := range envSlice {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}
	return env
}

// extractPorts extracts assigned port mappings from container network settings.
func extractPorts(settings *containerTypes.NetworkSettings) []sandbox.AssignedPort {
	if settings == nil {
		return nil
	}

	var ports []sandbox.AssignedPort
	for port, bindings := range settings.Ports {
		for _, binding := range bindings {
			hostPort, _ := strconv.Atoi(binding.HostPort)
			ports = append(ports, sandbox.AssignedPort{
				ContainerPort: port.Int(),
				HostPort:      hostPort,
				HostIP:        binding.HostIP,
				Protocol:      port.Proto(),
			})
		}
	}
	return ports
}

// Exec runs a non-interactive command in the sandbox.
func (p *Provider) Exec(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	execConfig := containerTypes.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Stdin != nil,
		Env:          env,
		WorkingDir:   opts.WorkDir,
		User:         opts.User,
	}

	execCreate, err := p.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}

	resp, err := p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}
	defer resp.Close()

	if opts.Stdin != nil {
		go func() {
			_, _ = io.Copy(resp.Conn, opts.Stdin)
			_ = resp.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	if _, err = stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}

	inspect, err := p.client.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}

	return &sandbox.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// detectShell determines the best available shell in the container.
// It tries shells in this order: $SHELL, /bin/bash, /bin/sh.
func (p *Provider) detectShell(ctx context.Context, containerID string) []string {
	detectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	execConfig := containerTypes.ExecOptions{
		Cmd:          []string{"sh", "-c", "echo $SHELL"},
		AttachStdout: true,
		AttachStderr: true,
	}

	execCreate, err := p.client.ContainerExecCreate(detectCtx, containerID, execConfig)
	if err == nil {
		resp, err := p.client.ContainerExecAttach(detectCtx, execCreate.ID, containerTypes.ExecStartOptions{})
		if err == nil {
			var stdout, stderr bytes.Buffer
			_, _ = stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
			resp.Close()

			shell := strings.TrimSpace(stdout.String())
			if shell != "" && shell != "$SHELL" {
				if p.shellExists(detectCtx, containerID, shell) {
					return []string{shell}
				}
			}
		}
	}

	if p.shellExists(detectCtx, containerID, "/bin/bash") {
		return []string{"/bin/bash"}
	}

	return []string{"/bin/sh"}
}

// shellExists checks if a shell binary exists and is executable in the container.
func (p *Provider) shellExists(ctx context.Context, containerID string, shell string) bool {
	execConfig := containerTypes.ExecOptions{
		Cmd:          []string{"test", "-x", shell},
		AttachStdout: true,
		AttachStderr: true,
	}

	execCreate, err := p.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return false
	}

	resp, err := p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{})
	if err != nil {
		return false
	}
	defer resp.Close()

	_, _ = io.Copy(io.Discard, resp.Reader)

	inspect, err := p.client.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return false
	}

	return inspect.ExitCode == 0
}

// Attach creates an interactive PTY session to the sandbox.
func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	cmd := opts.Cmd
	if len(cmd) == 0 {
		cmd = p.detectShell(ctx, containerID)
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	execConfig := containerTypes.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          env,
		User:         opts.User,
	}

	execCreate, err := p.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrAttachFailed, err)
	}

	resp, err := p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{
		Tty: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrAttachFailed, err)
	}

	if opts.Rows > 0 && opts.Cols > 0 {
		_ = p.client.ContainerExecResize(ctx, execCreate.ID, containerTypes.ResizeOptions{
			Height: uint(opts.Rows),
			Width:  uint(opts.Cols),
		})
	}

	return &dockerPTY{
		client:   p.client,
		execID:   execCreate.ID,
		hijacked: resp,
	}, nil
}

// ExecStream runs a command with bidirectional streaming I/O (no TTY).
func (p *Provider) ExecStream(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecStreamOptions) (sandbox.Stream, error) {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	execConfig := containerTypes.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false, // No TTY for binary-safe streaming
		Env:          env,
		User:         opts.User,
		WorkingDir:   opts.WorkDir,
	}

	execCreate, err := p.client.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}

	resp, err := p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{
		Tty: false,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrExecFailed, err)
	}

	// Demultiplex Docker's combined stream into distinct pipes.
	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()

	go func() {
		defer stdoutWriter.Close()
		defer stderrWriter.Close()
		_, _ = stdcopy.StdCopy(stdoutWriter, stderrWriter, resp.Reader)
	}()

	return &dockerStream{
		client:       p.client,
		execID:       execCreate.ID,
		hijacked:     resp,
		stdoutReader: stdoutReader,
		stderrReader: stderrReader,
	}, nil
}

// List returns all sandboxes managed by octobot.
func (p *Provider) List(ctx context.Context) ([]*sandbox.Sandbox, error) {
	containers, err := p.client.ContainerList(ctx, containerTypes.ListOptions{
		All: true, // Include stopped containers
		Filters: filters.NewArgs(
			filters.Arg("label", labelManaged+"=true"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}

	result := make([]*sandbox.Sandbox, 0, len(containers))
	for _, c := range containers {
		sessionID := c.Labels[labelSessionID]
		if sessionID == "" {
			continue
		}

		info, err := p.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue // Skip containers we can't inspect
		}

		sb := p.sandboxFromInspect(sessionID, info)

		p.containerIDsMu.Lock()
		p.containerIDs[sessionID] = info.ID
		p.containerIDsMu.Unlock()

		result = append(result, sb)
	}

	return result, nil
}

// getContainerID retrieves the Docker container ID for a session.
func (p *Provider) getContainerID(ctx context.Context, sessionID string) (string, error) {
	p.containerIDsMu.RLock()
	containerID, exists := p.containerIDs[sessionID]
	p.containerIDsMu.RUnlock()

	if exists {
		return containerID, nil
	}

	// Try to find by name (for persistence across restarts)
	name := containerName(sessionID)
	info, err := p.client.ContainerInspect(ctx, name)
	if err != nil {
		return "", sandbox.ErrNotFound
	}

	p.containerIDsMu.Lock()
	p.containerIDs[sessionID] = info.ID
	p.containerIDsMu.Unlock()

	return info.ID, nil
}

// clearContainerID removes a container ID from the cache.
// This is used when a container is deleted externally.
func (p *Provider) clearContainerID(sessionID string) {
	p.containerIDsMu.Lock()
	delete(p.containerIDs, sessionID)
	p.containerIDsMu.Unlock()
}

// Client returns the underlying Docker client.
// Used by the VM composite for direct image operations (e.g., ImageLoad).
func (p *Provider) Client() *client.Client {
	return p.client
}

// Ping verifies the provider's Docker daemon is still reachable. The VM
// composite uses it to detect providers wired to a daemon that has since
// been replaced.
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.client.Ping(ctx)
	return err
}

// Close closes the Docker client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// dockerPTY implements sandbox.PTY for Docker exec sessions.
type dockerPTY struct {
	client    *client.Client
	execID    string
	hijacked  types.HijackedResponse
	closeOnce sync.Once
}

func (p *dockerPTY) Read(b []byte) (int, error) {
	return p.hijacked.Reader.Read(b)
}

func (p *dockerPTY) Write(b []byte) (int, error) {
	return p.hijacked.Conn.Write(b)
}

func (p *dockerPTY) Resize(ctx context.Context, rows, cols int) error {
	return p.client.ContainerExecResize(ctx, p.execID, containerTypes.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (p *dockerPTY) Close() error {
	p.closeOnce.Do(func() {
		p.hijacked.Close()
	})
	return nil
}

func (p *dockerPTY) Wait(ctx context.Context) (int, error) {
	// The exec API has no wait endpoint; poll the inspect state.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
			inspect, err := p.client.ContainerExecInspect(ctx, p.execID)
			if err != nil {
				return -1, err
			}
			if !inspect.Running {
				return inspect.ExitCode, nil
			}
		}
	}
}

// dockerStream implements sandbox.Stream for Docker exec sessions without TTY.
type dockerStream struct {
	client       *client.Client
	execID       string
	hijacked     types.HijackedResponse
	stdoutReader *io.PipeReader
	stderrReader *io.PipeReader
	closeOnce    sync.Once
}

func (s *dockerStream) Read(b []byte) (int, error) {
	return s.stdoutReader.Read(b)
}

func (s *dockerStream) Stderr() io.Reader {
	return s.stderrReader
}

func (s *dockerStream) Write(b []byte) (int, error) {
	return s.hijacked.Conn.Write(b)
}

func (s *dockerStream) CloseWrite() error {
	if cw, ok := s.hijacked.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (s *dockerStream) Close() error {
	s.closeOnce.Do(func() {
		s.hijacked.Close()
	})
	return nil
}

func (s *dockerStream) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
			inspect, err := s.client.ContainerExecInspect(ctx, s.execID)
			if err != nil {
				return -1, err
			}
			if !inspect.Running {
				return inspect.ExitCode, nil
			}
		}
	}
}

// HTTPClient returns an HTTP client configured to communicate with the sandbox.
// For Docker, this creates a client that connects to the mapped TCP port.
func (p *Provider) HTTPClient(ctx context.Context, sessionID string) (*http.Client, error) {
	sb, err := p.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sb.Status != sandbox.StatusRunning {
		return nil, fmt.Errorf("%w: status %s", sandbox.ErrNotRunning, sb.Status)
	}

	var httpPort *sandbox.AssignedPort
	for i := range sb.Ports {
		if sb.Ports[i].ContainerPort == containerPort {
			httpPort = &sb.Ports[i]
			break
		}
	}
	if httpPort == nil {
		return nil, fmt.Errorf("sandbox does not expose port %d", containerPort)
	}

	hostIP := httpPort.HostIP
	if hostIP == "" || hostIP == "0.0.0.0" {
		hostIP = "127.0.0.1"
	}

	// Dial the sandbox's mapped port regardless of the URL host, so callers
	// can use a stable http://sandbox base URL.
	baseURL := fmt.Sprintf("%s:%d", hostIP, httpPort.HostPort)
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", baseURL)
		},
	}

	return &http.Client{Transport: transport}, nil
}

// Watch returns a channel that receives sandbox state change events.
// It first replays the current state of all existing sandboxes, then streams
// state changes as they occur by watching Docker events.
func (p *Provider) Watch(ctx context.Context) (<-chan sandbox.StateEvent, error) {
	eventCh := make(chan sandbox.StateEvent, 100)

	go func() {
		defer close(eventCh)

		// Replay current state of all managed sandboxes first.
		sandboxes, err := p.List(ctx)
		if err != nil {
			p.log.Warnw("watch: failed to list sandboxes for replay", "error", err)
			// Continue anyway - we can still watch for new events
		} else {
			for _, sb := range sandboxes {
				select {
				case <-ctx.Done():
					return
				case eventCh <- sandbox.StateEvent{
					SessionID: sb.SessionID,
					Status:    sb.Status,
					Timestamp: time.Now(),
					Error:     sb.Error,
				}:
				}
			}
		}

		filterArgs := filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
			filters.Arg("label", labelManaged+"=true"),
		)

		p.watchDockerEvents(ctx, eventCh, filterArgs)
	}()

	return eventCh, nil
}

// watchDockerEvents watches Docker container events and translates them to
// sandbox events. It automatically reconnects if the connection is lost.
func (p *Provider) watchDockerEvents(ctx context.Context, eventCh chan<- sandbox.StateEvent, filterArgs filters.Args) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgCh, errCh := p.client.Events(ctx, events.ListOptions{
			Filters: filterArgs,
		})

		if !p.processDockerEvents(ctx, eventCh, msgCh, errCh) {
			return // Context cancelled
		}

		// Recoverable error: wait before reconnecting.
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
			p.log.Infow("watch: reconnecting to docker events")
		}
	}
}

// processDockerEvents processes Docker events from the channels.
// Returns false if the context was cancelled (caller should exit),
// true if reconnection should be attempted.
func (p *Provider) processDockerEvents(ctx context.Context, eventCh chan<- sandbox.StateEvent, msgCh <-chan events.Message, errCh <-chan error) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case err := <-errCh:
			if err == nil {
				// Channel closed, reconnect
				return true
			}
			if ctx.Err() != nil {
				return false
			}
			p.log.Warnw("watch: docker events error", "error", err)
			return true

		case msg := <-msgCh:
			event := p.translateDockerEvent(msg)
			if event != nil {
				select {
				case <-ctx.Done():
					return false
				case eventCh <- *event:
				}
			}
		}
	}
}

// translateDockerEvent converts a Docker event to a sandbox StateEvent.
// Returns nil if the event should be ignored.
func (p *Provider) translateDockerEvent(msg events.Message) *sandbox.StateEvent {
	sessionID := msg.Actor.Attributes[labelSessionID]
	if sessionID == "" {
		// Not one of our containers or missing session ID
		return nil
	}

	var status sandbox.Status
	var errMsg string

	switch msg.Action {
	case "create":
		status = sandbox.StatusCreated
	case "start":
		status = sandbox.StatusRunning
	case "stop", "kill":
		status = sandbox.StatusStopped
	case "die":
		// Exit code decides stopped vs failed.
		exitCode := msg.Actor.Attributes["exitCode"]
		if exitCode == "137" || exitCode == "143" || exitCode == "0" {
			status = sandbox.StatusStopped
		} else {
			status = sandbox.StatusFailed
			errMsg = fmt.Sprintf("container died with exit code %s", exitCode)
		}
	case "destroy":
		status = sandbox.StatusRemoved
		// Container is gone; drop the cached ID.
		p.clearContainerID(sessionID)
	case "oom":
		status = sandbox.StatusFailed
		errMsg = "out of memory"
	default:
		// Ignore other events (pause, unpause, attach, etc.)
		return nil
	}

	return &sandbox.StateEvent{
		SessionID: sessionID,
		Status:    status,
		Timestamp: time.Unix(msg.Time, msg.TimeNano),
		Error:     errMsg,
	}
}
