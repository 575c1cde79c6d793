package sandbox

import "errors"

// Sentinel errors for sandbox operations. Providers return these (wrapped
// with detail) so callers can branch with errors.Is regardless of backend.
var (
	// ErrNotFound indicates the sandbox does not exist.
	ErrNotFound = errors.New("sandbox not found")

	// ErrAlreadyExists indicates a sandbox already exists for the session.
	ErrAlreadyExists = errors.New("sandbox already exists for session")

	// ErrNotRunning indicates the sandbox is not running when it should be.
	ErrNotRunning = errors.New("sandbox is not running")

	// ErrAlreadyRunning indicates the sandbox is already running.
	ErrAlreadyRunning = errors.New("sandbox already running")

	// ErrProviderNotReady indicates the provider's backing runtime (e.g. the
	// project VM) is still initialising. Retryable.
	ErrProviderNotReady = errors.New("sandbox provider not ready")

	// ErrCreateFailed indicates the sandbox could not be created.
	ErrCreateFailed = errors.New("sandbox creation failed")

	// ErrStartFailed indicates the sandbox failed to start.
	ErrStartFailed = errors.New("sandbox failed to start")

	// ErrImagePull indicates the sandbox image could not be pulled.
	ErrImagePull = errors.New("image pull failed")

	// ErrInvalidImage indicates the sandbox image is invalid or not found.
	ErrInvalidImage = errors.New("invalid sandbox image")

	// ErrExecFailed indicates command execution failed.
	ErrExecFailed = errors.New("command execution failed")

	// ErrAttachFailed indicates failed to attach to sandbox PTY.
	ErrAttachFailed = errors.New("failed to attach to sandbox")

	// ErrTimeout indicates the operation timed out.
	ErrTimeout = errors.New("operation timed out")
)
