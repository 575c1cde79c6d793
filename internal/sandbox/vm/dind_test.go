package vm

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

func TestDinDNaming(t *testing.T) {
	if got := dindContainerName("proj-1"); got != "octobot-dind-proj-1" {
		t.Errorf("dindContainerName = %q", got)
	}
	if got := dindDataVolumeName("proj-1"); got != "octobot-dind-data-proj-1" {
		t.Errorf("dindDataVolumeName = %q", got)
	}
}

func daemonInspect(projectID, hostPort, bridgeIP string) containerTypes.InspectResponse {
	settings := &containerTypes.NetworkSettings{
		NetworkSettingsBase: containerTypes.NetworkSettingsBase{
			Ports: nat.PortMap{},
		},
		Networks: map[string]*network.EndpointSettings{},
	}
	if hostPort != "" {
		settings.Ports[nat.Port(dindDaemonPort)] = []nat.PortBinding{{
			HostIP:   "127.0.0.1",
			HostPort: hostPort,
		}}
	}
	if bridgeIP != "" {
		settings.Networks["bridge"] = &network.EndpointSettings{IPAddress: bridgeIP}
	}

	labels := map[string]string{}
	if projectID != "" {
		labels[labelDinDProjectID] = projectID
	}

	return containerTypes.InspectResponse{
		ContainerJSONBase: &containerTypes.ContainerJSONBase{
			ID: "daemon-container-id",
		},
		Config:          &containerTypes.Config{Labels: labels},
		NetworkSettings: settings,
	}
}

func TestDinDVMFromInspect(t *testing.T) {
	vm, err := dindVMFromInspect(nil, daemonInspect("proj-1", "49201", "172.17.0.5"))
	if err != nil {
		t.Fatalf("dindVMFromInspect: %v", err)
	}
	if vm.projectID != "proj-1" {
		t.Errorf("projectID = %q", vm.projectID)
	}
	if vm.daemonAddr != "127.0.0.1:49201" {
		t.Errorf("daemonAddr = %q", vm.daemonAddr)
	}
	if vm.bridgeIP != "172.17.0.5" {
		t.Errorf("bridgeIP = %q", vm.bridgeIP)
	}
}

func TestDinDVMFromInspectErrors(t *testing.T) {
	tests := []struct {
		name    string
		info    containerTypes.InspectResponse
		wantErr string
	}{
		{
			name:    "missing project label",
			info:    daemonInspect("", "49201", "172.17.0.5"),
			wantErr: "no project label",
		},
		{
			name:    "no published daemon port",
			info:    daemonInspect("proj-1", "", "172.17.0.5"),
			wantErr: "no published daemon port",
		},
		{
			name:    "no bridge address",
			info:    daemonInspect("proj-1", "49201", ""),
			wantErr: "no bridge address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dindVMFromInspect(nil, tt.info)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestHandleDaemonEvent(t *testing.T) {
	newManager := func() *DinDManager {
		return &DinDManager{
			log: zap.NewNop().Sugar(),
			vms: map[string]*dindVM{
				"proj-1": {projectID: "proj-1", containerID: "c1"},
			},
		}
	}

	event := func(action, containerID, projectID string) events.Message {
		return events.Message{
			Action: events.Action(action),
			Actor: events.Actor{
				ID:         containerID,
				Attributes: map[string]string{labelDinDProjectID: projectID},
			},
		}
	}

	t.Run("die untracks the daemon", func(t *testing.T) {
		m := newManager()
		m.handleDaemonEvent(event("die", "c1", "proj-1"))
		if _, ok := m.vms["proj-1"]; ok {
			t.Error("daemon should be untracked after die")
		}
	})

	t.Run("stale container id is ignored", func(t *testing.T) {
		m := newManager()
		m.handleDaemonEvent(event("die", "c-old", "proj-1"))
		if _, ok := m.vms["proj-1"]; !ok {
			t.Error("event for a different container should not untrack the daemon")
		}
	})

	t.Run("unknown project is ignored", func(t *testing.T) {
		m := newManager()
		m.handleDaemonEvent(event("destroy", "c9", "proj-9"))
		if len(m.vms) != 1 {
			t.Error("unrelated project event should not change tracking")
		}
	})

	t.Run("start does not untrack", func(t *testing.T) {
		m := newManager()
		m.handleDaemonEvent(event("start", "c1", "proj-1"))
		if _, ok := m.vms["proj-1"]; !ok {
			t.Error("start event should leave tracking alone")
		}
	})
}

// TestDinDVMDialersPinTheirTarget verifies the dialers ignore the address
// they are handed and always connect to the daemon container.
func TestDinDVMDialersPinTheirTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	accepted := make(chan struct{}, 2)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- struct{}{}
			_ = conn.Close()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split listener addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	vm := &dindVM{
		daemonAddr: ln.Addr().String(),
		bridgeIP:   host,
	}

	conn, err := vm.DockerDialer()(context.Background(), "tcp", "daemon.invalid:2375")
	if err != nil {
		t.Fatalf("DockerDialer: %v", err)
	}
	_ = conn.Close()
	<-accepted

	conn, err = vm.PortDialer(uint32(port))(context.Background(), "tcp", "sandbox.invalid:3002")
	if err != nil {
		t.Fatalf("PortDialer: %v", err)
	}
	_ = conn.Close()
	<-accepted
}
