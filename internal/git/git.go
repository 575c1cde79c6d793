// Package git provides workspace working copies backed by the git CLI.
// A workspace is cloned once, then shared by every session created from it.
package git

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrNotFound       = errors.New("not found")
	ErrNotARepository = errors.New("not a git repository")
	ErrInvalidRef     = errors.New("invalid ref")
	ErrCloneFailed    = errors.New("clone failed")
	ErrCheckoutFailed = errors.New("checkout failed")
	ErrApplyFailed    = errors.New("apply commits failed")
)

// Provider defines the interface for workspace operations.
type Provider interface {
	// Ensure idempotently brings a workspace to a usable working copy and
	// returns its absolute path and current HEAD commit. Concurrent calls
	// for the same workspace coalesce into a single clone.
	Ensure(ctx context.Context, projectID, workspaceID, source, ref string) (workDir string, commit string, err error)

	// ResolveCommit resolves a ref (branch, tag, SHA) to a full commit SHA
	// within the workspace's working copy.
	ResolveCommit(ctx context.Context, workspaceID, ref string) (string, error)

	// Status returns the current git status of the workspace.
	Status(ctx context.Context, workspaceID string) (*Status, error)

	// Diff returns file-level diffs plus the combined patch.
	Diff(ctx context.Context, workspaceID string, opts DiffOptions) (*DiffResult, error)

	// ApplyCommits integrates commits produced inside a sandbox into the
	// workspace by fast-forward, returning the new HEAD SHA. The payload is
	// mail-format patches or a git bundle.
	ApplyCommits(ctx context.Context, workspaceID string, payload []byte) (string, error)

	// GetWorkDir returns the working directory path for a workspace.
	// Returns empty string if the workspace has no working copy.
	GetWorkDir(ctx context.Context, workspaceID string) string

	// RemoveWorkspace removes the workspace working directory.
	RemoveWorkspace(ctx context.Context, workspaceID string) error
}

// WorkspaceInfo carries the stored attributes a provider needs to locate a
// working copy it has not seen since process start.
type WorkspaceInfo struct {
	WorkspaceID string
	ProjectID   string
	Path        string
	SourceType  string
}

// WorkspaceSource looks up workspace attributes by id. Implemented by the
// store so the provider can recover working copies after a restart.
type WorkspaceSource interface {
	GetWorkspaceInfo(ctx context.Context, workspaceID string) (*WorkspaceInfo, error)
}

// Status represents the git status of a repository.
type Status struct {
	Branch       string       `json:"branch"`
	Commit       string       `json:"commit"`       // Current HEAD commit SHA
	CommitShort  string       `json:"commitShort"`  // Short commit SHA
	Staged       []FileStatus `json:"staged"`       // Staged changes
	Unstaged     []FileStatus `json:"unstaged"`     // Unstaged changes
	Untracked    []string     `json:"untracked"`    // Untracked files
	IsClean      bool         `json:"isClean"`      // No uncommitted changes
	HasConflicts bool         `json:"hasConflicts"` // Merge conflicts present
}

// FileStatus represents the status of a single file.
type FileStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"` // "added", "modified", "deleted", "renamed", "copied"
}

// DiffOptions configures what diff to compute.
type DiffOptions struct {
	// FromCommit diffs from this commit to the working tree.
	// Empty means working tree vs HEAD.
	FromCommit string

	// Limit to specific paths
	Paths []string

	// Context lines around changes (default: 3)
	Context int
}

// FileDiff represents the diff of a single file.
type FileDiff struct {
	Path      string `json:"path"`
	OldPath   string `json:"oldPath"` // For renamed files
	Status    string `json:"status"`  // "added", "modified", "deleted", "renamed"
	Binary    bool   `json:"binary"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch"` // Unified diff content
}

// DiffResult is the file list plus the combined unified patch.
type DiffResult struct {
	Files []FileDiff `json:"files"`
	Patch string     `json:"patch"`
}

// IsGitURL returns true if the source looks like a git URL.
func IsGitURL(source string) bool {
	if len(source) < 4 {
		return false
	}

	// git@host:path, https://host/path, git://host/path, ssh://host/path
	prefixes := []string{"git@", "https://", "http://", "git://", "ssh://"}
	for _, prefix := range prefixes {
		if len(source) >= len(prefix) && source[:len(prefix)] == prefix {
			return true
		}
	}

	// Also check for .git suffix which strongly suggests a git URL
	if len(source) > 4 && source[len(source)-4:] == ".git" {
		return true
	}

	return false
}
