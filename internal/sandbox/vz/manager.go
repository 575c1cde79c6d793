//go:build darwin

// Package vz boots per-project micro VMs with Apple's Virtualization
// framework. Each VM runs a squashfs root image carrying a Docker daemon
// that listens on a vsock port; the host talks to the daemon and to
// sandbox ports exclusively over vsock. Boot artifacts (kernel and root
// filesystem) come from an OCI image unless explicit paths are
// configured.
package vz

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/Code-Hex/vz/v3"
	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/logfile"
	"github.com/anthropics/octobot/internal/sandbox"
	"github.com/anthropics/octobot/internal/sandbox/vm"
)

// dockerSockPort is the vsock port the in-VM Docker daemon listens on.
const dockerSockPort = 2375

// dockerReadyTimeout bounds how long a freshly booted VM may take to
// bring its Docker daemon up.
const dockerReadyTimeout = 60 * time.Second

// VMManager implements vm.ProjectVMManager on top of the Virtualization
// framework. When no kernel/base disk paths are configured it pulls them
// from the configured OCI image in the background; Ready closes once the
// artifacts are in place.
type VMManager struct {
	cfg vm.Config
	log *zap.SugaredLogger

	// downloader fetches boot artifacts. Nil when explicit paths are
	// configured.
	downloader *ImageDownloader

	ready   chan struct{}
	initErr error

	// kernelPath and baseDiskPath are set before ready closes and are
	// read-only afterwards.
	kernelPath   string
	baseDiskPath string

	mu  sync.Mutex
	vms map[string]*vzProjectVM
}

// NewVMManager creates the manager. When the config carries explicit
// kernel and base disk paths the manager is ready immediately; otherwise
// a background download of cfg.ImageRef begins and Ready closes when it
// finishes.
func NewVMManager(cfg vm.Config, log *zap.SugaredLogger) *VMManager {
	m := &VMManager{
		cfg:   cfg,
		log:   log.With("component", "vz"),
		ready: make(chan struct{}),
		vms:   make(map[string]*vzProjectVM),
	}

	if cfg.KernelPath != "" && cfg.BaseDiskPath != "" {
		m.kernelPath = cfg.KernelPath
		m.baseDiskPath = cfg.BaseDiskPath
		close(m.ready)
		return m
	}

	m.downloader = NewImageDownloader(DownloadConfig{
		ImageRef: cfg.ImageRef,
		DataDir:  cfg.DataDir,
	}, m.log)

	go func() {
		defer close(m.ready)
		if err := m.downloader.Start(context.Background()); err != nil {
			m.initErr = err
			return
		}
		kernelPath, baseDiskPath, ok := m.downloader.GetPaths()
		if !ok {
			m.initErr = fmt.Errorf("boot artifact download finished without artifacts")
			return
		}
		m.kernelPath = kernelPath
		m.baseDiskPath = baseDiskPath
	}()

	return m
}

// Ready is closed once boot artifacts are available (or the download has
// failed; check Err).
func (m *VMManager) Ready() <-chan struct{} { return m.ready }

// Err reports why initialisation failed. Only meaningful after Ready
// closes.
func (m *VMManager) Err() error {
	select {
	case <-m.ready:
		return m.initErr
	default:
		return nil
	}
}

// Status implements vm.StatusReporter: download progress while boot
// artifacts are being fetched, the resolved boot configuration once VMs
// can start.
func (m *VMManager) Status() sandbox.ProviderStatus {
	select {
	case <-m.ready:
	default:
		st := sandbox.ProviderStatus{Available: false, State: "initializing"}
		if m.downloader != nil {
			progress := m.downloader.Status()
			st.State = progress.State.String()
			st.Details = &StatusDetails{Download: &progress}
		}
		return st
	}

	if m.initErr != nil {
		st := sandbox.ProviderStatus{Available: false, State: "failed", Message: m.initErr.Error()}
		if m.downloader != nil {
			progress := m.downloader.Status()
			st.Details = &StatusDetails{Download: &progress}
		}
		return st
	}

	return sandbox.ProviderStatus{
		Available: true,
		State:     "ready",
		Details: &StatusDetails{
			Config: &ConfigInfo{
				KernelPath:   m.kernelPath,
				BaseDiskPath: m.baseDiskPath,
				DataDir:      m.cfg.DataDir,
				MemoryMB:     m.cfg.MemoryMB,
				CPUCount:     m.cfg.CPUCount,
			},
		},
	}
}

// GetOrCreateVM returns the project's VM, booting one first if needed.
// Boots are serialized; a second caller for the same project blocks until
// the first boot completes and then shares the VM.
func (m *VMManager) GetOrCreateVM(ctx context.Context, projectID string) (vm.ProjectVM, error) {
	select {
	case <-m.ready:
		if m.initErr != nil {
			return nil, fmt.Errorf("%w: %v", sandbox.ErrProviderNotReady, m.initErr)
		}
	default:
		return nil, sandbox.ErrProviderNotReady
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if pvm, ok := m.vms[projectID]; ok {
		return pvm, nil
	}

	m.log.Infow("booting project VM", "project_id", projectID)
	pvm, err := m.createProjectVM(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("boot project VM %s: %w", projectID, err)
	}
	m.vms[projectID] = pvm

	m.log.Infow("project VM ready", "project_id", projectID)
	return pvm, nil
}

// GetVM returns the running VM for the project, if any.
func (m *VMManager) GetVM(projectID string) (vm.ProjectVM, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pvm, ok := m.vms[projectID]
	if !ok {
		return nil, false
	}
	return pvm, true
}

// RemoveVM stops the project's VM and forgets it. The data disk stays on
// disk so Docker images and volumes survive into the next boot.
func (m *VMManager) RemoveVM(projectID string) error {
	m.mu.Lock()
	pvm, ok := m.vms[projectID]
	delete(m.vms, projectID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.log.Infow("stopping project VM", "project_id", projectID)
	return pvm.Shutdown()
}

// ListProjectIDs returns the projects that currently have a VM.
func (m *VMManager) ListProjectIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.vms))
	for id := range m.vms {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every VM. Virtualization framework VMs cannot outlive
// the process, so there is nothing to adopt on the next start; the data
// disks carry the persistent state.
func (m *VMManager) Shutdown() {
	m.mu.Lock()
	vms := m.vms
	m.vms = make(map[string]*vzProjectVM)
	m.mu.Unlock()

	for projectID, pvm := range vms {
		if err := pvm.Shutdown(); err != nil {
			m.log.Warnw("failed to stop project VM", "project_id", projectID, "error", err)
		}
	}
}

// createProjectVM builds the disks and boots the VM, then waits for its
// Docker daemon. Callers hold m.mu.
func (m *VMManager) createProjectVM(ctx context.Context, projectID string) (*vzProjectVM, error) {
	// The root disk is the shared read-only squashfs; the data disk is
	// per-project and holds the guest's Docker state.
	dataDiskPath := filepath.Join(m.cfg.DataDir, fmt.Sprintf("project-%s-data.img", projectID))
	if _, err := os.Stat(dataDiskPath); os.IsNotExist(err) {
		sizeBytes := int64(m.cfg.DataDiskGB) * 1024 * 1024 * 1024
		if err := vz.CreateDiskImage(dataDiskPath, sizeBytes); err != nil {
			return nil, fmt.Errorf("create data disk: %w", err)
		}
		m.log.Infow("created data disk", "path", dataDiskPath, "size_gb", m.cfg.DataDiskGB)
	}

	consoleLogPath := filepath.Join(m.cfg.ConsoleLogDir, fmt.Sprintf("project-%s", projectID), "console.log")
	if err := os.MkdirAll(filepath.Dir(consoleLogPath), 0o755); err != nil {
		return nil, fmt.Errorf("create console log directory: %w", err)
	}
	// Console logs append across boots; keep them bounded.
	if err := logfile.Truncate(consoleLogPath); err != nil {
		m.log.Warnw("failed to truncate console log", "path", consoleLogPath, "error", err)
	}
	consoleLog, err := os.OpenFile(consoleLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open console log: %w", err)
	}

	vzVM, socketDevice, consoleRead, consoleWrite, err := m.buildAndStartVM(dataDiskPath)
	if err != nil {
		consoleLog.Close()
		return nil, err
	}

	// Drain the serial console into the log file for the VM's lifetime.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := consoleRead.Read(buf)
			if err != nil {
				return
			}
			_, _ = consoleLog.Write(buf[:n])
		}
	}()

	if err := m.waitForDocker(ctx, socketDevice, projectID); err != nil {
		_ = vzVM.Stop()
		consoleRead.Close()
		consoleWrite.Close()
		consoleLog.Close()
		return nil, fmt.Errorf("docker daemon in VM: %w", err)
	}

	return &vzProjectVM{
		projectID:    projectID,
		vm:           vzVM,
		socketDevice: socketDevice,
		dataDiskPath: dataDiskPath,
		consoleLog:   consoleLog,
	}, nil
}

// buildAndStartVM assembles the Virtualization framework configuration
// and starts the VM. The root disk mounts read-only as /dev/vda, the
// data disk read-write as /dev/vdb.
func (m *VMManager) buildAndStartVM(dataDiskPath string) (*vz.VirtualMachine, *vz.VirtioSocketDevice, *os.File, *os.File, error) {
	cmdLine := strings.Join([]string{
		"console=hvc0",
		"root=/dev/vda",
		"rootfstype=squashfs",
		"ro",
	}, " ")

	bootLoader, err := vz.NewLinuxBootLoader(m.kernelPath, vz.WithCommandLine(cmdLine))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create boot loader: %w", err)
	}

	cpuCount := uint(runtime.NumCPU())
	if m.cfg.CPUCount > 0 {
		cpuCount = uint(m.cfg.CPUCount)
	}
	memoryBytes := defaultMemoryBytes()
	if m.cfg.MemoryMB > 0 {
		memoryBytes = uint64(m.cfg.MemoryMB) * 1024 * 1024
	}

	vmConfig, err := vz.NewVirtualMachineConfiguration(bootLoader, cpuCount, memoryBytes)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create VM configuration: %w", err)
	}

	rootAttachment, err := vz.NewDiskImageStorageDeviceAttachment(m.baseDiskPath, true)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("attach root disk: %w", err)
	}
	rootDisk, err := vz.NewVirtioBlockDeviceConfiguration(rootAttachment)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("configure root disk: %w", err)
	}
	dataAttachment, err := vz.NewDiskImageStorageDeviceAttachment(dataDiskPath, false)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("attach data disk: %w", err)
	}
	dataDisk, err := vz.NewVirtioBlockDeviceConfiguration(dataAttachment)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("configure data disk: %w", err)
	}
	vmConfig.SetStorageDevicesVirtualMachineConfiguration([]vz.StorageDeviceConfiguration{rootDisk, dataDisk})

	natAttachment, err := vz.NewNATNetworkDeviceAttachment()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create NAT attachment: %w", err)
	}
	network, err := vz.NewVirtioNetworkDeviceConfiguration(natAttachment)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("configure network: %w", err)
	}
	macAddr, err := vz.NewRandomLocallyAdministeredMACAddress()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("generate MAC address: %w", err)
	}
	network.SetMACAddress(macAddr)
	vmConfig.SetNetworkDevicesVirtualMachineConfiguration([]*vz.VirtioNetworkDeviceConfiguration{network})

	// Serial console over pipes; the read end feeds the console log.
	consoleRead, consoleWriteHost, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create console pipe: %w", err)
	}
	consoleReadHost, consoleWrite, err := os.Pipe()
	if err != nil {
		consoleRead.Close()
		consoleWriteHost.Close()
		return nil, nil, nil, nil, fmt.Errorf("create console pipe: %w", err)
	}
	closeConsole := func() {
		consoleRead.Close()
		consoleWrite.Close()
		consoleReadHost.Close()
		consoleWriteHost.Close()
	}

	serialAttachment, err := vz.NewFileHandleSerialPortAttachment(consoleReadHost, consoleWriteHost)
	if err != nil {
		closeConsole()
		return nil, nil, nil, nil, fmt.Errorf("attach serial console: %w", err)
	}
	serial, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(serialAttachment)
	if err != nil {
		closeConsole()
		return nil, nil, nil, nil, fmt.Errorf("configure serial console: %w", err)
	}
	vmConfig.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{serial})

	vsockDevice, err := vz.NewVirtioSocketDeviceConfiguration()
	if err != nil {
		closeConsole()
		return nil, nil, nil, nil, fmt.Errorf("configure vsock: %w", err)
	}
	vmConfig.SetSocketDevicesVirtualMachineConfiguration([]vz.SocketDeviceConfiguration{vsockDevice})

	entropy, err := vz.NewVirtioEntropyDeviceConfiguration()
	if err != nil {
		closeConsole()
		return nil, nil, nil, nil, fmt.Errorf("configure entropy device: %w", err)
	}
	vmConfig.SetEntropyDevicesVirtualMachineConfiguration([]*vz.VirtioEntropyDeviceConfiguration{entropy})

	valid, err := vmConfig.Validate()
	if err != nil || !valid {
		closeConsole()
		return nil, nil, nil, nil, fmt.Errorf("invalid VM configuration: %w", err)
	}

	vzVM, err := vz.NewVirtualMachine(vmConfig)
	if err != nil {
		closeConsole()
		return nil, nil, nil, nil, fmt.Errorf("create VM: %w", err)
	}
	if err := vzVM.Start(); err != nil {
		closeConsole()
		return nil, nil, nil, nil, fmt.Errorf("start VM: %w", err)
	}

	var socketDevice *vz.VirtioSocketDevice
	if devices := vzVM.SocketDevices(); len(devices) > 0 {
		socketDevice = devices[0]
	}

	return vzVM, socketDevice, consoleRead, consoleWrite, nil
}

// waitForDocker polls the in-VM Docker daemon's /_ping over vsock until
// it answers or the deadline passes.
func (m *VMManager) waitForDocker(ctx context.Context, socketDevice *vz.VirtioSocketDevice, projectID string) error {
	deadline := time.Now().Add(dockerReadyTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timed out after %s", dockerReadyTimeout)
			}

			conn, err := socketDevice.Connect(dockerSockPort)
			if err != nil {
				m.log.Debugw("waiting for in-VM docker", "project_id", projectID, "error", err)
				continue
			}
			vc := guestConn(conn, dockerSockPort)

			client := &http.Client{
				Transport: &http.Transport{
					DialContext: func(context.Context, string, string) (net.Conn, error) {
						return vc, nil
					},
				},
				Timeout: 3 * time.Second,
			}
			resp, err := client.Get("http://localhost/_ping")
			if err != nil {
				vc.Close()
				m.log.Debugw("waiting for in-VM docker", "project_id", projectID, "error", err)
				continue
			}
			resp.Body.Close()
			vc.Close()

			if resp.StatusCode == http.StatusOK {
				return nil
			}
			m.log.Debugw("waiting for in-VM docker", "project_id", projectID, "status", resp.StatusCode)
		}
	}
}

// defaultMemoryBytes returns half the host's physical memory rounded down
// to a gigabyte, or 8GB when the sysctl fails.
func defaultMemoryBytes() uint64 {
	mib := []int32{6 /* CTL_HW */, 24 /* HW_MEMSIZE */}
	var memSize uint64

	n := uintptr(8)
	_, _, errno := syscall.Syscall6(
		syscall.SYS___SYSCTL,
		uintptr(unsafe.Pointer(&mib[0])),
		uintptr(len(mib)),
		uintptr(unsafe.Pointer(&memSize)),
		uintptr(unsafe.Pointer(&n)),
		0,
		0,
	)
	if errno != 0 {
		return 8 << 30
	}

	const oneGB = uint64(1) << 30
	return (memSize / 2 / oneGB) * oneGB
}

// vzProjectVM implements vm.ProjectVM over a running Virtualization
// framework VM.
type vzProjectVM struct {
	projectID    string
	vm           *vz.VirtualMachine
	socketDevice *vz.VirtioSocketDevice
	dataDiskPath string
	consoleLog   *os.File

	mu sync.Mutex
}

func (pvm *vzProjectVM) ProjectID() string { return pvm.projectID }

// DockerDialer connects to the in-VM Docker daemon over vsock.
func (pvm *vzProjectVM) DockerDialer() func(ctx context.Context, network, addr string) (net.Conn, error) {
	return pvm.PortDialer(dockerSockPort)
}

// PortDialer connects to an arbitrary vsock port inside the VM. The
// in-VM proxy container forwards sandbox ports onto vsock listeners.
func (pvm *vzProjectVM) PortDialer(port uint32) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(context.Context, string, string) (net.Conn, error) {
		conn, err := pvm.socketDevice.Connect(port)
		if err != nil {
			return nil, fmt.Errorf("vsock connect port %d in VM %s: %w", port, pvm.projectID, err)
		}
		return guestConn(conn, port), nil
	}
}

// Shutdown stops the VM and closes the console log. The data disk stays.
func (pvm *vzProjectVM) Shutdown() error {
	pvm.mu.Lock()
	defer pvm.mu.Unlock()

	var err error
	if pvm.vm != nil {
		err = pvm.vm.Stop()
		pvm.vm = nil
	}
	if pvm.consoleLog != nil {
		pvm.consoleLog.Close()
		pvm.consoleLog = nil
	}
	return err
}
