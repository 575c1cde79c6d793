package vm

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/config"
	"github.com/anthropics/octobot/internal/sandbox/docker"
)

// DinD naming and labels.
const (
	dindContainerPrefix  = "octobot-dind-"
	dindDataVolumePrefix = "octobot-dind-data-"

	labelDinD          = "octobot.dind"
	labelDinDProjectID = "octobot.project.id"
	labelDinDManaged   = "octobot.managed"

	// dindDaemonPort is where the nested dockerd listens inside the
	// daemon container, published to a random host port.
	dindDaemonPort = "2375/tcp"
)

// NewDinDProvider builds the Linux VM provider: a docker-in-docker manager
// supplying one nested daemon container per project, wrapped in the
// VM+Docker composite. Sandbox ports are published on the daemon
// container's own interfaces so the host reaches them over the bridge
// network.
func NewDinDProvider(cfg *config.Config, log *zap.SugaredLogger, resolver SessionProjectResolver, systemManager SystemManager, opts ...Option) (*Provider, error) {
	manager, err := NewDinDManager(cfg, log)
	if err != nil {
		return nil, err
	}

	opts = append([]Option{
		WithIdleTimeout(cfg.IdleTimeout),
		WithDockerOptions(docker.WithPortBindIP("0.0.0.0")),
	}, opts...)

	return NewProvider(cfg, log, manager, resolver, systemManager, opts...), nil
}

// DinDManager implements ProjectVMManager with docker-in-docker: each
// project's "VM" is a privileged container on the host daemon running its
// own dockerd, reached over nested TCP. The nested daemon's /var/lib/docker
// lives on a named volume that survives daemon shutdowns, so project images
// and volumes persist the way a VM data disk would.
type DinDManager struct {
	client *client.Client
	cfg    *config.Config
	log    *zap.SugaredLogger

	mu  sync.RWMutex
	vms map[string]*dindVM

	ready  chan struct{}
	cancel context.CancelFunc
}

// dindVM is one project's running daemon container.
type dindVM struct {
	client      *client.Client
	projectID   string
	containerID string

	// daemonAddr is the published nested-daemon endpoint on the host,
	// e.g. "127.0.0.1:49201".
	daemonAddr string

	// bridgeIP is the container's address on the host bridge network.
	// Sandbox ports published by the nested daemon bind here.
	bridgeIP string
}

func dindContainerName(projectID string) string {
	return dindContainerPrefix + projectID
}

func dindDataVolumeName(projectID string) string {
	return dindDataVolumePrefix + projectID
}

// NewDinDManager connects to the host Docker daemon and adopts any daemon
// containers left running by a previous server process, so their sessions
// keep working across restarts.
func NewDinDManager(cfg *config.Config, log *zap.SugaredLogger) (*DinDManager, error) {
	clientOpts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		clientOpts = append(clientOpts, client.WithHost(cfg.DockerHost))
	} else if host := docker.DetectDockerHost(); host != "" {
		log.Infow("detected docker host from context", "host", host)
		clientOpts = append(clientOpts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	m := &DinDManager{
		client: cli,
		cfg:    cfg,
		log:    log,
		vms:    make(map[string]*dindVM),
		ready:  make(chan struct{}),
		cancel: watchCancel,
	}

	m.adoptRunningDaemons(context.Background())
	go m.watchDaemons(watchCtx)

	// Nothing to download: ready as soon as the host daemon answers.
	close(m.ready)

	return m, nil
}

// Ready reports manager readiness. Closed in the constructor.
func (m *DinDManager) Ready() <-chan struct{} { return m.ready }

// Err is always nil: initialisation failures surface from the constructor.
func (m *DinDManager) Err() error { return nil }

// GetOrCreateVM returns the project's daemon container, booting one if none
// runs. Boots are serialised; concurrent callers for the same project get
// the same VM.
func (m *DinDManager) GetOrCreateVM(ctx context.Context, projectID string) (ProjectVM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if vm, ok := m.vms[projectID]; ok {
		return vm, nil
	}

	// A daemon container may exist from a previous run that the adoption
	// pass missed (e.g. it was stopped at the time).
	name := dindContainerName(projectID)
	existing, err := m.client.ContainerInspect(ctx, name)
	if err == nil && existing.State != nil {
		if !existing.State.Running {
			if err := m.client.ContainerStart(ctx, existing.ID, containerTypes.StartOptions{}); err != nil {
				return nil, fmt.Errorf("failed to start existing project daemon: %w", err)
			}
		}
		vm, err := m.trackDaemon(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		return vm, nil
	}

	vm, err := m.createDaemon(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return vm, nil
}

// GetVM returns the running VM for the project, if any.
func (m *DinDManager) GetVM(projectID string) (ProjectVM, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vm, ok := m.vms[projectID]
	return vm, ok
}

// RemoveVM stops and removes the project's daemon container. The data
// volume is kept: the project's nested images and volumes survive into the
// next boot.
func (m *DinDManager) RemoveVM(projectID string) error {
	m.mu.Lock()
	vm, ok := m.vms[projectID]
	delete(m.vms, projectID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return vm.Shutdown()
}

// ListProjectIDs returns the projects that currently have a daemon.
func (m *DinDManager) ListProjectIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.vms))
	for id := range m.vms {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops the watcher and releases the client. Daemon containers
// are deliberately left running so session sandboxes survive a server
// restart; the next process adopts them.
func (m *DinDManager) Shutdown() {
	m.cancel()

	m.mu.Lock()
	m.vms = make(map[string]*dindVM)
	m.mu.Unlock()

	_ = m.client.Close()
}

// adoptRunningDaemons picks up daemon containers from a previous server
// process so their projects resume without a reboot.
func (m *DinDManager) adoptRunningDaemons(ctx context.Context) {
	containers, err := m.client.ContainerList(ctx, containerTypes.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", labelDinD+"=true"),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		m.log.Warnw("failed to list project daemons for adoption", "error", err)
		return
	}

	for _, c := range containers {
		vm, err := m.trackDaemon(ctx, c.ID)
		if err != nil {
			m.log.Warnw("failed to adopt project daemon", "container_id", c.ID, "error", err)
			continue
		}
		m.log.Infow("adopted running project daemon", "project_id", vm.projectID, "container_id", c.ID[:12])
	}
}

// createDaemon boots a new daemon container for the project and waits for
// the nested dockerd to answer.
func (m *DinDManager) createDaemon(ctx context.Context, projectID string) (*dindVM, error) {
	name := dindContainerName(projectID)
	volName := dindDataVolumeName(projectID)

	if err := m.ensureDinDImage(ctx); err != nil {
		return nil, err
	}

	// VolumeCreate is idempotent; a volume from a previous boot carries
	// the project's nested Docker state.
	if _, err := m.client.VolumeCreate(ctx, volume.CreateOptions{
		Name: volName,
		Labels: map[string]string{
			labelDinDProjectID: projectID,
			labelDinDManaged:   "true",
			labelDinD:          "true",
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to create project data volume: %w", err)
	}

	port := nat.Port(dindDaemonPort)
	containerConfig := &containerTypes.Config{
		Image:    m.cfg.DinDImage,
		Hostname: "octobot-vm",
		Labels: map[string]string{
			labelDinDProjectID: projectID,
			labelDinDManaged:   "true",
			labelDinD:          "true",
		},
		// Plain TCP on 2375; the port is only published on loopback.
		Env:          []string{"DOCKER_TLS_CERTDIR="},
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	hostConfig := &containerTypes.HostConfig{
		// The nested dockerd needs privileged mode.
		Privileged: true,
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: volName,
				Target: "/var/lib/docker",
			},
		},
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: "", // random available port
			}},
		},
		// No restart policy: a random published port changes on every
		// start, so a dead daemon is rebooted on demand instead, keeping
		// the tracked address and dialers consistent.
	}

	resp, err := m.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create project daemon container: %w", err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		_ = m.client.ContainerRemove(ctx, resp.ID, containerTypes.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start project daemon container: %w", err)
	}

	vm, err := m.trackDaemon(ctx, resp.ID)
	if err != nil {
		_ = m.client.ContainerRemove(ctx, resp.ID, containerTypes.RemoveOptions{Force: true})
		return nil, err
	}

	m.log.Infow("project daemon ready", "project_id", projectID, "container_id", resp.ID[:12], "daemon_addr", vm.daemonAddr)
	return vm, nil
}

// trackDaemon inspects a started daemon container, waits for its nested
// dockerd to answer, and records it in the VM map.
func (m *DinDManager) trackDaemon(ctx context.Context, containerID string) (*dindVM, error) {
	info, err := m.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect project daemon: %w", err)
	}

	vm, err := dindVMFromInspect(m.client, info)
	if err != nil {
		return nil, err
	}

	if err := m.waitForDaemon(ctx, vm.daemonAddr); err != nil {
		return nil, fmt.Errorf("project daemon did not become ready: %w", err)
	}

	m.vms[vm.projectID] = vm
	return vm, nil
}

// dindVMFromInspect extracts the daemon endpoint and bridge address from a
// daemon container's inspect result.
func dindVMFromInspect(cli *client.Client, info containerTypes.InspectResponse) (*dindVM, error) {
	projectID := info.Config.Labels[labelDinDProjectID]
	if projectID == "" {
		return nil, fmt.Errorf("daemon container %s has no project label", info.ID)
	}

	if info.NetworkSettings == nil {
		return nil, fmt.Errorf("daemon container %s has no network settings", info.ID)
	}

	bindings := info.NetworkSettings.Ports[nat.Port(dindDaemonPort)]
	if len(bindings) == 0 {
		return nil, fmt.Errorf("daemon container %s has no published daemon port", info.ID)
	}
	hostIP := bindings[0].HostIP
	if hostIP == "" || hostIP == "0.0.0.0" {
		hostIP = "127.0.0.1"
	}

	var bridgeIP string
	for _, ep := range info.NetworkSettings.Networks {
		if ep.IPAddress != "" {
			bridgeIP = ep.IPAddress
			break
		}
	}
	if bridgeIP == "" {
		bridgeIP = info.NetworkSettings.IPAddress
	}
	if bridgeIP == "" {
		return nil, fmt.Errorf("daemon container %s has no bridge address", info.ID)
	}

	return &dindVM{
		client:      cli,
		projectID:   projectID,
		containerID: info.ID,
		daemonAddr:  net.JoinHostPort(hostIP, bindings[0].HostPort),
		bridgeIP:    bridgeIP,
	}, nil
}

// ensureDinDImage pulls the docker-in-docker image if it is not present.
func (m *DinDManager) ensureDinDImage(ctx context.Context) error {
	if _, err := m.client.ImageInspect(ctx, m.cfg.DinDImage); err == nil {
		return nil
	}

	m.log.Infow("pulling docker-in-docker image", "image", m.cfg.DinDImage)
	reader, err := m.client.ImagePull(ctx, m.cfg.DinDImage, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", m.cfg.DinDImage, err)
	}
	defer func() { _ = reader.Close() }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull %s: %w", m.cfg.DinDImage, err)
	}
	return nil
}

// waitForDaemon probes the nested daemon's /_ping endpoint until it answers
// or the deadline passes.
func (m *DinDManager) waitForDaemon(ctx context.Context, daemonAddr string) error {
	httpClient := &http.Client{
		Transport: &http.Transport{
			DisableKeepAlives: true,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "tcp", daemonAddr)
			},
		},
	}
	defer httpClient.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost/_ping", nil)
		if err != nil {
			return err
		}
		resp, err := httpClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for nested docker daemon: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// watchDaemons follows host Docker events for daemon containers and drops
// dead ones from the VM map so the next request boots a fresh daemon
// instead of dialing a stale port. Reconnects on stream errors.
func (m *DinDManager) watchDaemons(ctx context.Context) {
	filterArgs := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("label", labelDinD+"=true"),
	)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgCh, errCh := m.client.Events(ctx, events.ListOptions{Filters: filterArgs})
		if !m.processDaemonEvents(ctx, msgCh, errCh) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
			m.log.Infow("daemon watcher reconnecting to docker events")
		}
	}
}

// processDaemonEvents consumes one event stream. Returns true when the
// caller should reconnect, false to exit.
func (m *DinDManager) processDaemonEvents(ctx context.Context, msgCh <-chan events.Message, errCh <-chan error) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case err := <-errCh:
			if err == nil {
				return true
			}
			if ctx.Err() != nil {
				return false
			}
			m.log.Warnw("daemon watcher docker events error", "error", err)
			return true

		case msg := <-msgCh:
			m.handleDaemonEvent(msg)
		}
	}
}

// handleDaemonEvent untracks a daemon whose container stopped or vanished.
func (m *DinDManager) handleDaemonEvent(msg events.Message) {
	projectID := msg.Actor.Attributes[labelDinDProjectID]
	if projectID == "" {
		return
	}

	switch msg.Action {
	case "die", "destroy", "kill", "stop":
		m.mu.Lock()
		vm, ok := m.vms[projectID]
		if ok && vm.containerID == msg.Actor.ID {
			delete(m.vms, projectID)
		}
		m.mu.Unlock()
		if ok {
			m.log.Infow("project daemon stopped, untracking", "project_id", projectID, "action", msg.Action)
		}
	}
}

// ProjectID returns the project this daemon serves.
func (v *dindVM) ProjectID() string { return v.projectID }

// DockerDialer dials the nested daemon's published TCP endpoint.
func (v *dindVM) DockerDialer() func(ctx context.Context, network, addr string) (net.Conn, error) {
	daemonAddr := v.daemonAddr
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", daemonAddr)
	}
}

// PortDialer dials a sandbox port published by the nested daemon on the
// daemon container's bridge address.
func (v *dindVM) PortDialer(port uint32) func(ctx context.Context, network, addr string) (net.Conn, error) {
	target := net.JoinHostPort(v.bridgeIP, strconv.Itoa(int(port)))
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", target)
	}
}

// Shutdown stops and removes the daemon container. The data volume stays.
func (v *dindVM) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	timeout := 10
	if err := v.client.ContainerStop(ctx, v.containerID, containerTypes.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop project daemon: %w", err)
	}
	if err := v.client.ContainerRemove(ctx, v.containerID, containerTypes.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove project daemon: %w", err)
	}
	return nil
}
