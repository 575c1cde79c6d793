package service

import (
	"errors"
	"fmt"
)

var (
	// ErrCompletionInProgress is returned when a chat request arrives while
	// another completion holds the session. Callers translate it to 409.
	ErrCompletionInProgress = errors.New("completion in progress")

	// ErrNoActiveCompletion is returned by cancel when nothing is in flight.
	ErrNoActiveCompletion = errors.New("no active completion")

	// ErrSessionNotReady is returned when an operation requires a ready
	// session but the session is in another state.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrSessionRemoving is returned when an operation races session removal.
	ErrSessionRemoving = errors.New("session is being removed")

	// ErrCommitInProgress is returned when a commit apply is requested while
	// one is already running for the session.
	ErrCommitInProgress = errors.New("commit in progress")

	// ErrNoCommits is returned when the sandbox has no commits to apply.
	ErrNoCommits = errors.New("no commits to apply")

	// ErrHasSessions is returned when deleting a workspace or project whose
	// sessions have not been removed.
	ErrHasSessions = errors.New("sessions still exist")
)

// CompletionInProgressError carries the id of the completion occupying the
// session so 409 responses can include it.
type CompletionInProgressError struct {
	CompletionID string
}

func (e *CompletionInProgressError) Error() string {
	return fmt.Sprintf("completion in progress: %s", e.CompletionID)
}

// Is makes errors.Is(err, ErrCompletionInProgress) match.
func (e *CompletionInProgressError) Is(target error) bool {
	return target == ErrCompletionInProgress
}

// CancelCompletionResponse is the result of cancelling a completion.
type CancelCompletionResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"` // "cancelled"
}
