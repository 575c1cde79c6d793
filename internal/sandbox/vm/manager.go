// Package vm implements a composite sandbox provider that pairs
// project-level virtual machines with a Docker provider speaking to the
// daemon inside each VM. A ProjectVMManager implementation supplies the
// VMs (Virtualization.framework on macOS, docker-in-docker on Linux);
// the composite places one container per session on the project's VM.
package vm

import (
	"context"
	"net"

	"github.com/anthropics/octobot/internal/sandbox"
)

// ProjectVM is a running virtual machine dedicated to one project. The VM
// hosts a Docker daemon; every session sandbox for the project runs as a
// container inside it.
type ProjectVM interface {
	// ProjectID returns the project this VM serves.
	ProjectID() string

	// DockerDialer returns a dialer that connects to the Docker daemon
	// inside the VM. Callers get a plain bidirectional byte stream; the
	// transport underneath (vsock, nested TCP) is the manager's choice.
	DockerDialer() func(ctx context.Context, network, addr string) (net.Conn, error)

	// PortDialer returns a dialer that connects to the given TCP port
	// inside the VM. Used to reach a sandbox's published port.
	PortDialer(port uint32) func(ctx context.Context, network, addr string) (net.Conn, error)

	// Shutdown stops the VM. The project's persistent state (data disk
	// or its equivalent) survives for the next boot.
	Shutdown() error
}

// ProjectVMManager owns the lifecycle of per-project VMs. Exactly one VM
// runs per project; concurrent GetOrCreateVM calls for the same project
// must return the same VM. Session counting is the composite provider's
// job, not the manager's.
type ProjectVMManager interface {
	// GetOrCreateVM returns the project's VM, booting one if none runs.
	GetOrCreateVM(ctx context.Context, projectID string) (ProjectVM, error)

	// GetVM returns the running VM for the project, if any.
	GetVM(projectID string) (ProjectVM, bool)

	// RemoveVM shuts down the project's VM and forgets it. The project's
	// data disk is kept so Docker volumes and images survive into the
	// next boot.
	RemoveVM(projectID string) error

	// ListProjectIDs returns the projects that currently have a VM.
	ListProjectIDs() []string

	// Ready is closed once the manager can boot VMs (boot artifacts
	// present, runtime initialised). Check Err after it closes.
	Ready() <-chan struct{}

	// Err reports why initialisation failed. Only meaningful after
	// Ready is closed.
	Err() error

	// Shutdown releases manager resources. In-process VMs die with the
	// manager; daemon-backed VMs may be left running so the next server
	// process can adopt them.
	Shutdown()
}

// StatusReporter is implemented by managers that report richer status
// than ready/not-ready, e.g. boot artifact download progress.
type StatusReporter interface {
	Status() sandbox.ProviderStatus
}

// Config carries the knobs shared by VM manager implementations.
type Config struct {
	// DataDir is where disk images and downloaded boot artifacts live.
	DataDir string

	// ConsoleLogDir is where VM console logs are written. Each project
	// VM writes to {ConsoleLogDir}/project-{projectID}/console.log.
	ConsoleLogDir string

	// ImageRef is the OCI artifact the kernel and root filesystem are
	// pulled from when KernelPath/BaseDiskPath are unset.
	ImageRef string

	// KernelPath overrides the downloaded kernel image.
	KernelPath string

	// BaseDiskPath overrides the downloaded root filesystem. The base
	// disk is shared read-only across all project VMs.
	BaseDiskPath string

	// CPUCount is the number of vCPUs per VM (0 = host CPU count).
	CPUCount int

	// MemoryMB is the memory per VM in megabytes (0 = half of host RAM).
	MemoryMB int

	// DataDiskGB is the size of each project's writable disk. The data
	// disk holds the VM's Docker state and persists across VM restarts.
	DataDiskGB int
}
