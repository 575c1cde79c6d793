//go:build darwin

package vz

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Code-Hex/vz/v3"
)

// Well-known vsock context IDs: 2 is the host, 3 the first guest.
const (
	hostCID  = 2
	guestCID = 3
)

// vsockConn adapts vz.VirtioSocketConnection to net.Conn so it can sit
// under an http.Transport or a Docker client.
type vsockConn struct {
	*vz.VirtioSocketConnection
	localAddr  net.Addr
	remoteAddr net.Addr
	closeOnce  sync.Once
}

func (c *vsockConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *vsockConn) RemoteAddr() net.Addr { return c.remoteAddr }

// Deadlines are not supported by the underlying virtio socket; callers
// rely on context cancellation instead.
func (c *vsockConn) SetDeadline(time.Time) error      { return nil }
func (c *vsockConn) SetReadDeadline(time.Time) error  { return nil }
func (c *vsockConn) SetWriteDeadline(time.Time) error { return nil }

func (c *vsockConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.VirtioSocketConnection.Close()
	})
	return err
}

// guestConn wraps a fresh connection to the given port inside the guest.
func guestConn(conn *vz.VirtioSocketConnection, port uint32) *vsockConn {
	return &vsockConn{
		VirtioSocketConnection: conn,
		localAddr:              &vsockAddr{cid: hostCID},
		remoteAddr:             &vsockAddr{cid: guestCID, port: port},
	}
}

// vsockAddr implements net.Addr for vsock endpoints.
type vsockAddr struct {
	cid  uint32
	port uint32
}

func (a *vsockAddr) Network() string { return "vsock" }

func (a *vsockAddr) String() string { return fmt.Sprintf("vsock://%d:%d", a.cid, a.port) }
