// Package sandbox provides an abstraction for sandbox execution environments.
// It supports multiple backends: Docker containers, Docker-in-VM, local host
// processes, and an in-memory mock for tests.
package sandbox

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Provider abstracts sandbox execution environments.
// Each session gets one dedicated sandbox, managed through this interface.
type Provider interface {
	// ImageExists checks if the configured sandbox image is available locally.
	// Returns true if the image exists, false if it needs to be pulled.
	ImageExists(ctx context.Context) bool

	// Image returns the configured sandbox image name.
	Image() string

	// Create creates a new sandbox for the given session.
	// The sandbox is created but not started.
	// A single port (3002) is always exposed and assigned a random host port.
	// If the image doesn't exist locally, it will be pulled automatically.
	Create(ctx context.Context, sessionID string, opts CreateOptions) (*Sandbox, error)

	// Start starts a previously created sandbox.
	Start(ctx context.Context, sessionID string) error

	// Stop stops a running sandbox gracefully.
	// The timeout specifies how long to wait before force-killing.
	Stop(ctx context.Context, sessionID string, timeout time.Duration) error

	// Remove removes a sandbox. Removing an absent sandbox returns
	// ErrNotFound, which callers treat as already gone.
	// Persistent volumes are preserved unless WithRemoveVolumes is passed.
	Remove(ctx context.Context, sessionID string, opts ...RemoveOption) error

	// Get returns the current state of a sandbox.
	Get(ctx context.Context, sessionID string) (*Sandbox, error)

	// GetSecret returns the shared secret for the sandbox.
	// This is the raw secret stored during creation, not the hashed version.
	GetSecret(ctx context.Context, sessionID string) (string, error)

	// List returns all sandboxes managed by octobot.
	// This includes sandboxes in any state (running, stopped, failed).
	List(ctx context.Context) ([]*Sandbox, error)

	// Exec runs a non-interactive command in the sandbox.
	// Returns stdout, stderr, and exit code.
	Exec(ctx context.Context, sessionID string, cmd []string, opts ExecOptions) (*ExecResult, error)

	// Attach creates an interactive PTY session to the sandbox.
	// The PTY can be used for bidirectional terminal communication.
	Attach(ctx context.Context, sessionID string, opts AttachOptions) (PTY, error)

	// ExecStream runs a command with streaming stdin/stdout/stderr and no TTY.
	// Used for protocol tunnels (SSH exec, SFTP) where the streams must stay
	// distinct and stdin can be half-closed independently of the output side.
	ExecStream(ctx context.Context, sessionID string, cmd []string, opts ExecStreamOptions) (Stream, error)

	// HTTPClient returns an HTTP client configured to communicate with the sandbox.
	// The client handles the transport layer (TCP for Docker, vsock for VM-hosted
	// daemons, in-process pipes for the mock).
	// The returned client connects to the sandbox's HTTP server (port 3002).
	HTTPClient(ctx context.Context, sessionID string) (*http.Client, error)

	// Watch streams sandbox state changes until ctx is cancelled.
	// The stream begins with a replay of the current state of every known
	// sandbox, then follows with live transitions. The channel is closed
	// when ctx is done or the underlying event source goes away.
	Watch(ctx context.Context) (<-chan StateEvent, error)
}

// Sandbox represents a running or stopped sandbox instance.
type Sandbox struct {
	ID        string            // Runtime-specific sandbox ID
	SessionID string            // Octobot session ID (1:1 mapping)
	ProjectID string            // Owning project, recovered from labels
	Status    Status            // created, running, stopped, failed, removed
	Image     string            // Sandbox image used
	CreatedAt time.Time         // When the sandbox was created
	StartedAt *time.Time        // When the sandbox was started (nil if never started)
	StoppedAt *time.Time        // When the sandbox was stopped (nil if still running)
	Error     string            // Error message if status == failed
	Metadata  map[string]string // Runtime-specific metadata
	Ports     []AssignedPort    // Assigned port mappings after sandbox creation
	Env       map[string]string // Environment variables set on the sandbox
}

// AssignedPort represents a port mapping that was assigned after sandbox creation.
type AssignedPort struct {
	ContainerPort int    // Port inside the sandbox
	HostPort      int    // Actual port assigned on the host
	HostIP        string // Host IP address (typically "0.0.0.0" or "127.0.0.1")
	Protocol      string // Protocol: "tcp" or "udp"
}

// Status represents the current state of a sandbox.
type Status string

const (
	StatusCreated Status = "created" // Sandbox exists but not started
	StatusRunning Status = "running" // Sandbox is running
	StatusStopped Status = "stopped" // Sandbox has stopped
	StatusFailed  Status = "failed"  // Sandbox failed to start or crashed
	StatusRemoved Status = "removed" // Sandbox no longer exists
)

// StateEvent is a sandbox state transition observed via Watch.
type StateEvent struct {
	SessionID string    // Session the sandbox belongs to
	Status    Status    // New status
	Timestamp time.Time // When the transition was observed
	Error     string    // Failure detail when Status == StatusFailed
}

// ProviderStatus reports whether a provider's backing runtime is usable.
// Composite providers surface this while their VM is still booting.
type ProviderStatus struct {
	Available bool   `json:"available"`         // Ready to serve Create/Start calls
	State     string `json:"state"`             // Runtime-specific state ("booting", "ready", "error")
	Message   string `json:"message,omitempty"` // Human-readable detail
	Details   any    `json:"details,omitempty"` // Backend-specific detail, e.g. image download progress
}

// StatusProvider is implemented by providers that can report runtime status
// beyond the Provider interface. The status endpoint type-asserts for it.
type StatusProvider interface {
	Status() ProviderStatus
}

// ImageCleaner is implemented by providers that can prune superseded sandbox
// images from their runtime.
type ImageCleaner interface {
	CleanupImages(ctx context.Context) error
}

// DockerProxyProvider is implemented by providers that can expose the Docker
// daemon backing a project, for the debug Docker proxy endpoint.
type DockerProxyProvider interface {
	DockerTransport(projectID string) (http.RoundTripper, error)
}

// CreateOptions configures sandbox creation.
// Note: The sandbox image is configured globally via SANDBOX_IMAGE env var,
// not per-sandbox. The provider uses its configured image for all sandboxes.
type CreateOptions struct {
	Labels map[string]string // Sandbox labels/tags for identification

	// ProjectID scopes the sandbox to a project. Composite providers use it
	// to place the sandbox on the project's VM.
	ProjectID string

	// SharedSecret is the secret used for authenticating requests to the sandbox.
	// The provider stores this secret and makes a salted+hashed version available
	// to the sandbox via the OCTOBOT_SECRET environment variable.
	SharedSecret string

	// WorkspacePath is the resolved working-copy directory on the host.
	// For Docker it is bind-mounted read-only at /.workspace and the
	// WORKSPACE_PATH env var points at the mount.
	WorkspacePath string

	// WorkspaceSource is the original workspace source (git URL or local
	// path), exported as WORKSPACE_SOURCE so the agent can attribute its
	// work to the right origin.
	WorkspaceSource string

	// WorkspaceCommit is the git commit the working copy was at (optional).
	// Set as WORKSPACE_COMMIT environment variable.
	WorkspaceCommit string

	// Env is extra environment injected at create time only, e.g. decrypted
	// provider credentials. Never persisted by the engine.
	Env map[string]string

	// Resources defines resource limits for the sandbox.
	Resources ResourceConfig
}

// ResourceConfig defines resource limits for the sandbox.
type ResourceConfig struct {
	MemoryMB int           // Memory limit in MB (0 = no limit)
	CPUCores float64       // CPU cores (0 = no limit)
	DiskMB   int           // Disk space in MB (0 = no limit)
	Timeout  time.Duration // Max sandbox lifetime (0 = no limit)
}

// ExecOptions configures non-interactive command execution.
type ExecOptions struct {
	WorkDir string            // Working directory for command
	Env     map[string]string // Additional environment variables
	User    string            // User to run as (empty = default)
	Stdin   io.Reader         // Optional stdin input
}

// ExecResult contains the result of a non-interactive command execution.
type ExecResult struct {
	ExitCode int    // Exit code of the command
	Stdout   []byte // Standard output
	Stderr   []byte // Standard error
}

// ExecStreamOptions configures streaming command execution.
type ExecStreamOptions struct {
	WorkDir string            // Working directory for command
	Env     map[string]string // Additional environment variables
	User    string            // User to run as (empty = default)
}

// AttachOptions configures interactive PTY session creation.
type AttachOptions struct {
	Cmd  []string          // Command to run (empty = default shell)
	Rows int               // Terminal rows
	Cols int               // Terminal columns
	Env  map[string]string // Additional environment variables
	User string            // User to run as (empty = sandbox default)
}

// PTY represents an interactive terminal session to a sandbox.
// It implements io.ReadWriteCloser for terminal I/O.
type PTY interface {
	// Read reads output from the PTY.
	// Implements io.Reader.
	Read(p []byte) (n int, err error)

	// Write sends input to the PTY.
	// Implements io.Writer.
	Write(p []byte) (n int, err error)

	// Resize changes the terminal dimensions.
	Resize(ctx context.Context, rows, cols int) error

	// Close terminates the PTY session.
	// Implements io.Closer.
	Close() error

	// Wait blocks until the PTY command exits and returns the exit code.
	// The context can be used to cancel the wait.
	Wait(ctx context.Context) (int, error)
}

// Stream is a running command with distinct stdin/stdout/stderr pipes.
// Reads return stdout; Stderr exposes the error stream. Writes feed stdin,
// and CloseWrite signals EOF to the command without tearing it down.
type Stream interface {
	io.Reader
	io.Writer

	// Stderr returns the command's standard error stream.
	Stderr() io.Reader

	// CloseWrite half-closes the stdin side of the stream.
	CloseWrite() error

	// Close tears down the stream and the underlying exec.
	Close() error

	// Wait blocks until the command exits and returns the exit code.
	Wait(ctx context.Context) (int, error)
}
