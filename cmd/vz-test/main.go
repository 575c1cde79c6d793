//go:build darwin

// Command vz-test boots a single project VM and exposes its Docker
// daemon on a local Unix socket, for poking at the VM image without
// running the whole server:
//
//	vz-test -image ghcr.io/anthropics/octobot-vm:latest
//	export DOCKER_HOST=unix:///tmp/octobot-vz.sock
//	docker run hello-world
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/config"
	"github.com/anthropics/octobot/internal/logger"
	"github.com/anthropics/octobot/internal/sandbox/vm"
	"github.com/anthropics/octobot/internal/sandbox/vz"
)

func main() {
	var (
		dataDir       = flag.String("data-dir", "/tmp/octobot-vz-test", "directory for VM disks and boot artifacts")
		consoleLogDir = flag.String("console-log-dir", "/tmp/octobot-vz-test/logs", "directory for console logs")
		imageRef      = flag.String("image", config.DefaultVMImage, "OCI artifact carrying kernel and root filesystem")
		kernelPath    = flag.String("kernel", "", "local kernel path; skips the image download")
		baseDiskPath  = flag.String("base-disk", "", "local squashfs root; skips the image download")
		socketPath    = flag.String("socket", "/tmp/octobot-vz.sock", "unix socket to expose the in-VM Docker daemon on")
		projectID     = flag.String("project", "vz-test", "project ID for the VM")
		cpuCount      = flag.Int("cpus", 0, "vCPUs (0 = host CPU count)")
		memoryMB      = flag.Int("memory", 0, "memory in MB (0 = half of host RAM)")
		dataDiskGB    = flag.Int("data-disk-gb", 20, "data disk size in GB")
	)
	flag.Parse()

	log := logger.New("debug", "console")
	defer func() { _ = log.Sync() }()

	cfg := vm.Config{
		DataDir:       expandPath(*dataDir),
		ConsoleLogDir: expandPath(*consoleLogDir),
		ImageRef:      *imageRef,
		KernelPath:    expandPath(*kernelPath),
		BaseDiskPath:  expandPath(*baseDiskPath),
		CPUCount:      *cpuCount,
		MemoryMB:      *memoryMB,
		DataDiskGB:    *dataDiskGB,
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalw("create data dir", "error", err)
	}

	manager := vz.NewVMManager(cfg, log)
	defer manager.Shutdown()

	log.Infow("waiting for boot artifacts")
	<-manager.Ready()
	if err := manager.Err(); err != nil {
		log.Fatalw("boot artifacts unavailable", "error", err)
	}

	ctx := context.Background()
	pvm, err := manager.GetOrCreateVM(ctx, *projectID)
	if err != nil {
		log.Fatalw("boot VM", "error", err)
	}

	os.Remove(*socketPath)
	stopProxy := make(chan struct{})
	proxyStopped := make(chan struct{})
	go func() {
		defer close(proxyStopped)
		if err := serveDockerSocket(*socketPath, pvm, stopProxy, log); err != nil {
			log.Errorw("docker socket proxy failed", "error", err)
		}
	}()

	log.Infow("VM ready",
		"docker_host", "unix://"+*socketPath,
		"console_log", filepath.Join(cfg.ConsoleLogDir, "project-"+*projectID, "console.log"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	close(stopProxy)
	<-proxyStopped
	os.Remove(*socketPath)
	log.Infow("shutdown complete")
}

// serveDockerSocket bridges a local Unix socket to the VM's Docker
// daemon over vsock.
func serveDockerSocket(socketPath string, pvm vm.ProjectVM, stopCh <-chan struct{}, log *zap.SugaredLogger) error {
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0o666); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	connCh := make(chan net.Conn)
	errCh := make(chan error, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				errCh <- err
				return
			}
			connCh <- conn
		}
	}()

	for {
		select {
		case <-stopCh:
			return nil
		case err := <-errCh:
			return err
		case clientConn := <-connCh:
			go proxyConn(clientConn, pvm, log)
		}
	}
}

func proxyConn(clientConn net.Conn, pvm vm.ProjectVM, log *zap.SugaredLogger) {
	defer clientConn.Close()

	vmConn, err := pvm.DockerDialer()(context.Background(), "vsock", "")
	if err != nil {
		log.Warnw("connect to in-VM docker", "error", err)
		return
	}
	defer vmConn.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(vmConn, clientConn)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(clientConn, vmConn)
		done <- struct{}{}
	}()
	<-done
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
