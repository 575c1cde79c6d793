// Package ssh serves sandbox terminals over the SSH protocol. The client's
// username selects the session, so `ssh <sessionID>@host` drops into that
// session's sandbox. VS Code Remote SSH rides on the same path: shells go
// through the provider's PTY attach, exec and SFTP through streaming execs,
// and direct-tcpip channels are tunnelled into the sandbox with socat.
package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/anthropics/octobot/internal/sandbox"
)

// UserResolver resolves the unix user a session's commands run as.
// SandboxService implements it by asking the sandbox agent.
type UserResolver interface {
	GetUserInfo(ctx context.Context, sessionID string) (username string, uid, gid int, err error)
}

// Config configures the SSH server.
type Config struct {
	// Addr is the listen address, e.g. ":2222".
	Addr string

	// HostKeyPath locates the host key on disk. A missing file is
	// populated with a fresh ed25519 key; empty keeps the key in memory.
	HostKeyPath string

	// Provider executes shells and commands in sandboxes.
	Provider sandbox.Provider

	// Users resolves the sandbox user commands run as. Nil runs
	// everything as the sandbox default user.
	Users UserResolver
}

// Server accepts SSH connections and routes them into sandboxes by
// session ID.
type Server struct {
	sshConfig *ssh.ServerConfig
	provider  sandbox.Provider
	users     UserResolver
	addr      string
	log       *zap.SugaredLogger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// New creates an SSH server. The host key is loaded from
// cfg.HostKeyPath, or generated and saved there on first use.
func New(cfg *Config, log *zap.SugaredLogger) (*Server, error) {
	if cfg.Provider == nil {
		return nil, errors.New("sandbox provider is required")
	}

	log = log.With("component", "ssh")

	hostKey, err := loadOrGenerateHostKey(cfg.HostKeyPath, log)
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}

	// The username carries the session ID; there is nothing to
	// authenticate beyond that, the server only listens where the
	// operator pointed it.
	sshConfig := &ssh.ServerConfig{
		NoClientAuth: true,
		AuthLogCallback: func(conn ssh.ConnMetadata, method string, err error) {
			if err != nil {
				log.Debugw("ssh auth failed", "user", conn.User(), "remote", conn.RemoteAddr().String(), "method", method, "error", err)
			}
		},
	}
	sshConfig.AddHostKey(hostKey)

	return &Server{
		sshConfig: sshConfig,
		provider:  cfg.Provider,
		users:     cfg.Users,
		addr:      cfg.Addr,
		log:       log,
	}, nil
}

// Start listens and serves until Stop closes the listener.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Infow("ssh server listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			s.log.Warnw("ssh accept failed", "error", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener. Established sessions are left to run; they
// die with their sandboxes or the process.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		return listener.Close()
	}
	return nil
}

// Addr returns the bound address once Start has begun listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.sshConfig)
	if err != nil {
		s.log.Debugw("ssh handshake failed", "remote", netConn.RemoteAddr().String(), "error", err)
		netConn.Close()
		return
	}
	defer sshConn.Close()

	sessionID := sshConn.User()
	log := s.log.With("session", sessionID)

	// Refuse the connection outright unless the sandbox is up. Anything
	// later (stop, removal) surfaces as exec failures on the channels.
	ctx := context.Background()
	sb, err := s.provider.Get(ctx, sessionID)
	if err != nil {
		log.Debugw("ssh connection for unknown sandbox", "remote", sshConn.RemoteAddr().String(), "error", err)
		return
	}
	if sb.Status != sandbox.StatusRunning {
		log.Debugw("ssh connection refused, sandbox not running", "status", string(sb.Status))
		return
	}

	log.Infow("ssh connection opened", "remote", sshConn.RemoteAddr().String())
	defer log.Infow("ssh connection closed")

	conn := &sessionConn{
		sessionID: sessionID,
		provider:  s.provider,
		users:     s.users,
		log:       log,
	}

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		go conn.handleChannel(newChannel)
	}
}

// loadOrGenerateHostKey loads the PEM host key at path, generating and
// saving an ed25519 key when the file does not exist.
func loadOrGenerateHostKey(path string, log *zap.SugaredLogger) (ssh.Signer, error) {
	if path != "" {
		if keyBytes, err := os.ReadFile(path); err == nil {
			return ssh.ParsePrivateKey(keyBytes)
		}
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encode key: %w", err)
	}
	keyBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
		if err := os.WriteFile(path, keyBytes, 0600); err != nil {
			return nil, fmt.Errorf("save host key: %w", err)
		}
		log.Infow("generated ssh host key", "path", path)
	}

	return ssh.ParsePrivateKey(keyBytes)
}

// sessionConn handles the channels of one SSH connection, all bound to
// a single sandbox.
type sessionConn struct {
	sessionID string
	provider  sandbox.Provider
	users     UserResolver
	log       *zap.SugaredLogger
}

// user returns the uid:gid commands run as, or empty for the sandbox
// default when resolution is unavailable or fails.
func (c *sessionConn) user(ctx context.Context) string {
	if c.users == nil {
		return ""
	}
	_, uid, gid, err := c.users.GetUserInfo(ctx, c.sessionID)
	if err != nil {
		c.log.Debugw("user lookup failed, using sandbox default", "error", err)
		return ""
	}
	return strconv.Itoa(uid) + ":" + strconv.Itoa(gid)
}

func (c *sessionConn) handleChannel(newChannel ssh.NewChannel) {
	switch newChannel.ChannelType() {
	case "session":
		c.handleSessionChannel(newChannel)
	case "direct-tcpip":
		c.handleDirectTCPIP(newChannel)
	default:
		c.log.Debugw("rejecting channel", "type", newChannel.ChannelType())
		newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
	}
}

// Request payloads, RFC 4254. ssh.Unmarshal enforces the exact wire
// shape, which is what every real client sends.
type ptyRequestMsg struct {
	Term     string
	Cols     uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
	Modes    string
}

type envRequestMsg struct {
	Name  string
	Value string
}

type execRequestMsg struct {
	Command string
}

type subsystemRequestMsg struct {
	Name string
}

type windowChangeMsg struct {
	Cols     uint32
	Rows     uint32
	WidthPx  uint32
	HeightPx uint32
}

type directTCPIPMsg struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

type exitStatusMsg struct {
	Status uint32
}

func (c *sessionConn) handleSessionChannel(newChannel ssh.NewChannel) {
	channel, requests, err := newChannel.Accept()
	if err != nil {
		c.log.Debugw("accept session channel failed", "error", err)
		return
	}
	defer channel.Close()

	var (
		ptyReq  *ptyRequestMsg
		env     = make(map[string]string)
		started bool

		// The active PTY, once a shell is running, so window-change
		// requests arriving mid-session can resize it.
		ptyMu     sync.Mutex
		activePTY sandbox.PTY
	)
	setActive := func(p sandbox.PTY) {
		ptyMu.Lock()
		activePTY = p
		ptyMu.Unlock()
	}

	for req := range requests {
		ok := false

		switch req.Type {
		case "pty-req":
			var msg ptyRequestMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
				ptyReq = &msg
				ok = true
			}

		case "env":
			var msg envRequestMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
				env[msg.Name] = msg.Value
				ok = true
			}

		case "shell":
			if !started {
				started = true
				ok = true
				// Snapshot the request state; the loop keeps running
				// for window-change and must not race the command.
				pr, cmdEnv := ptyReq, copyEnv(env)
				go func() {
					defer channel.Close()
					c.runShell(channel, pr, cmdEnv, setActive)
				}()
			}

		case "exec":
			var msg execRequestMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil && !started {
				started = true
				ok = true
				cmdEnv := copyEnv(env)
				go func() {
					defer channel.Close()
					c.runExec(channel, msg.Command, cmdEnv)
				}()
			}

		case "subsystem":
			var msg subsystemRequestMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil && msg.Name == "sftp" && !started {
				started = true
				ok = true
				go func() {
					defer channel.Close()
					c.runSFTP(channel)
				}()
			}

		case "window-change":
			var msg windowChangeMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
				ptyMu.Lock()
				if activePTY != nil {
					_ = activePTY.Resize(context.Background(), int(msg.Rows), int(msg.Cols))
				}
				ptyMu.Unlock()
				ok = true
			}

		default:
			c.log.Debugw("unhandled session request", "type", req.Type)
		}

		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

// runShell attaches an interactive PTY and relays it over the channel
// until the shell exits.
func (c *sessionConn) runShell(channel ssh.Channel, ptyReq *ptyRequestMsg, env map[string]string, setActive func(sandbox.PTY)) {
	ctx := context.Background()

	if ptyReq != nil && ptyReq.Term != "" {
		env["TERM"] = ptyReq.Term
	}
	opts := sandbox.AttachOptions{
		Env:  env,
		User: c.user(ctx),
	}
	if ptyReq != nil {
		opts.Rows = int(ptyReq.Rows)
		opts.Cols = int(ptyReq.Cols)
	}

	pty, err := c.provider.Attach(ctx, c.sessionID, opts)
	if err != nil {
		c.log.Warnw("shell attach failed", "error", err)
		sendExitStatus(channel, 1)
		return
	}
	defer pty.Close()

	setActive(pty)
	defer setActive(nil)

	// Stdin relay ends when the client closes the channel. Output is
	// drained to EOF before the exit status goes out so the client sees
	// the shell's last words.
	drained := make(chan struct{})
	go func() {
		_, _ = io.Copy(pty, channel)
	}()
	go func() {
		_, _ = io.Copy(channel, pty)
		close(drained)
	}()

	exitCode, err := pty.Wait(ctx)
	if err != nil {
		exitCode = 1
	}
	<-drained

	sendExitStatus(channel, uint32(exitCode))
}

// runExec executes a single command and writes its output and exit
// status to the channel.
func (c *sessionConn) runExec(channel ssh.Channel, command string, env map[string]string) {
	ctx := context.Background()

	result, err := c.provider.Exec(ctx, c.sessionID, []string{"sh", "-c", command}, sandbox.ExecOptions{
		Env:   env,
		Stdin: channel,
		User:  c.user(ctx),
	})
	if err != nil {
		c.log.Warnw("exec failed", "error", err)
		fmt.Fprintf(channel.Stderr(), "exec error: %v\n", err)
		sendExitStatus(channel, 1)
		return
	}

	channel.Write(result.Stdout)
	channel.Stderr().Write(result.Stderr)
	sendExitStatus(channel, uint32(result.ExitCode))
}

// runSFTP bridges the channel to an sftp-server process inside the
// sandbox. The streams must stay distinct, so this rides ExecStream
// rather than a PTY.
func (c *sessionConn) runSFTP(channel ssh.Channel) {
	ctx := context.Background()

	stream, err := c.provider.ExecStream(ctx, c.sessionID, []string{"/usr/lib/openssh/sftp-server"}, sandbox.ExecStreamOptions{
		User: c.user(ctx),
	})
	if err != nil {
		c.log.Warnw("sftp-server start failed", "error", err)
		return
	}
	defer stream.Close()

	c.relayStream(ctx, channel, stream)
}

// handleDirectTCPIP forwards a port into the sandbox. There is no
// network namespace handle to dial through, so the connection is
// bridged over socat running inside the sandbox.
func (c *sessionConn) handleDirectTCPIP(newChannel ssh.NewChannel) {
	var msg directTCPIPMsg
	if err := ssh.Unmarshal(newChannel.ExtraData(), &msg); err != nil {
		newChannel.Reject(ssh.Prohibited, "malformed direct-tcpip request")
		return
	}

	c.log.Debugw("direct-tcpip forward", "dest", fmt.Sprintf("%s:%d", msg.DestAddr, msg.DestPort), "orig", fmt.Sprintf("%s:%d", msg.OrigAddr, msg.OrigPort))

	channel, reqs, err := newChannel.Accept()
	if err != nil {
		c.log.Debugw("accept direct-tcpip channel failed", "error", err)
		return
	}
	defer channel.Close()
	go ssh.DiscardRequests(reqs)

	ctx := context.Background()
	cmd := []string{"socat", "-", fmt.Sprintf("TCP:%s:%d", msg.DestAddr, msg.DestPort)}
	stream, err := c.provider.ExecStream(ctx, c.sessionID, cmd, sandbox.ExecStreamOptions{
		User: c.user(ctx),
	})
	if err != nil {
		c.log.Warnw("socat forward failed", "error", err)
		return
	}
	defer stream.Close()

	c.relayStream(ctx, channel, stream)
}

// relayStream pumps channel<->stream until the streamed command exits
// and its output is drained.
func (c *sessionConn) relayStream(ctx context.Context, channel ssh.Channel, stream sandbox.Stream) {
	drained := make(chan struct{})
	go func() {
		_, _ = io.Copy(stream, channel)
		_ = stream.CloseWrite()
	}()
	go func() {
		_, _ = io.Copy(channel, stream)
		close(drained)
	}()

	_, _ = stream.Wait(ctx)
	<-drained
}

func sendExitStatus(channel ssh.Channel, code uint32) {
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: code}))
}

func copyEnv(env map[string]string) map[string]string {
	cpy := make(map[string]string, len(env))
	for k, v := range env {
		cpy[k] = v
	}
	return cpy
}
