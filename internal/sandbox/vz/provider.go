//go:build darwin

package vz

import (
	"context"
	"fmt"
	"os"

	containerTypes "github.com/docker/docker/api/types/container"
	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/config"
	"github.com/anthropics/octobot/internal/sandbox/docker"
	"github.com/anthropics/octobot/internal/sandbox/vm"
)

// Proxy container naming and labels. The proxy runs inside each VM and
// forwards published sandbox ports onto vsock listeners the host can
// dial.
const (
	proxyContainerPrefix = "octobot-proxy-"

	labelProxy     = "octobot.proxy"
	labelProjectID = "octobot.project.id"
)

// NewProvider builds the macOS sandbox provider: a Virtualization
// framework manager supplying one micro VM per project, wrapped in the
// VM+Docker composite. After each VM comes up a privileged proxy
// container is started inside it so the host can reach sandbox ports
// over vsock.
func NewProvider(cfg *config.Config, log *zap.SugaredLogger, resolver vm.SessionProjectResolver, systemManager vm.SystemManager) (*vm.Provider, error) {
	vmCfg := vm.Config{
		DataDir:       cfg.VMDataDir(),
		ConsoleLogDir: cfg.VMConsoleLogDir(),
		ImageRef:      cfg.VMImage,
		KernelPath:    cfg.VMKernelPath,
		BaseDiskPath:  cfg.VMBaseDiskPath,
		CPUCount:      cfg.VMCPUCount,
		MemoryMB:      cfg.VMMemoryMB,
		DataDiskGB:    cfg.VMDataDiskGB,
	}
	if err := os.MkdirAll(vmCfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create VM data directory: %w", err)
	}

	manager := NewVMManager(vmCfg, log)

	proxyLog := log.With("component", "vz")
	return vm.NewProvider(cfg, log, manager, resolver, systemManager,
		vm.WithIdleTimeout(cfg.IdleTimeout),
		vm.WithPostVMSetup(func(ctx context.Context, projectID string, dockerProv *docker.Provider) error {
			return startProxyContainer(ctx, cfg, proxyLog, projectID, dockerProv)
		}),
	), nil
}

// startProxyContainer starts the vsock port proxy inside the project's
// VM. The proxy watches Docker events for containers with published
// ports and opens vsock listeners forwarding them to the host. It runs
// privileged on the host network with the daemon socket bound, since it
// needs both /dev/vsock and the event stream.
func startProxyContainer(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, projectID string, dockerProv *docker.Provider) error {
	cli := dockerProv.Client()

	suffix := projectID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	name := proxyContainerPrefix + suffix

	if existing, err := cli.ContainerInspect(ctx, name); err == nil {
		stale := existing.Config.Image != cfg.SandboxImage || !existing.HostConfig.Privileged
		if existing.State.Running && !stale {
			return nil
		}
		if stale {
			log.Infow("recreating proxy container with stale config", "name", name, "project_id", projectID)
		}
		_ = cli.ContainerRemove(ctx, existing.ID, containerTypes.RemoveOptions{Force: true})
	}

	containerConfig := &containerTypes.Config{
		Image: cfg.SandboxImage,
		Cmd:   []string{"/opt/octobot/bin/octobot-agent", "proxy"},
		Labels: map[string]string{
			labelProxy:     "true",
			labelProjectID: projectID,
		},
	}
	hostConfig := &containerTypes.HostConfig{
		NetworkMode: "host",
		IpcMode:     "host",
		Privileged:  true,
		Binds:       []string{"/var/run/docker.sock:/var/run/docker.sock"},
		RestartPolicy: containerTypes.RestartPolicy{
			Name: containerTypes.RestartPolicyAlways,
		},
	}

	resp, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return fmt.Errorf("create proxy container: %w", err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		return fmt.Errorf("start proxy container: %w", err)
	}

	log.Infow("started proxy container", "name", name, "project_id", projectID)
	return nil
}
