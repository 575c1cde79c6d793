package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LocalProvider implements Provider using the local git CLI.
// Workspaces are cloned to {baseDir}/{projectID}/workspaces/{workspaceID}.
type LocalProvider struct {
	// baseDir is the root directory for all working copies
	baseDir string

	// Working copies are handed to sandboxes running as this uid/gid.
	uid, gid int

	log *zap.SugaredLogger

	// ensureGroup coalesces concurrent Ensure calls per workspace so only
	// one clone runs and later callers share its outcome.
	ensureGroup singleflight.Group

	// workspaceIndex maps workspace IDs to their repo info
	mu             sync.RWMutex
	workspaceIndex map[string]*workspaceInfo

	// applyLocks serialise ApplyCommits per workspace; concurrent applies
	// to one working copy would race on the git index.
	applyMu    sync.Mutex
	applyLocks map[string]*sync.Mutex

	// source resolves workspaces first seen before this process started
	source WorkspaceSource
}

// workspaceInfo tracks information about a workspace's working copy
type workspaceInfo struct {
	projectID string
	workDir   string
	source    string
	isRemote  bool
}

// Option configures a LocalProvider.
type Option func(*LocalProvider)

// WithWorkspaceSource lets the provider recover working copies that exist
// on disk but are not yet in its index.
func WithWorkspaceSource(src WorkspaceSource) Option {
	return func(p *LocalProvider) { p.source = src }
}

// WithSandboxOwner sets the uid/gid cloned trees are chowned to before
// being renamed into place. Pass -1 for both to skip chown.
func WithSandboxOwner(uid, gid int) Option {
	return func(p *LocalProvider) { p.uid, p.gid = uid, gid }
}

// WithLogger sets the provider logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *LocalProvider) { p.log = log }
}

// NewLocalProvider creates a new local git provider.
// baseDir is the root directory where working copies will be stored.
// Structure: {baseDir}/{projectID}/workspaces/{workspaceID}/
func NewLocalProvider(baseDir string, opts ...Option) (*LocalProvider, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	p := &LocalProvider{
		baseDir:        baseDir,
		uid:            1000,
		gid:            1000,
		log:            zap.NewNop().Sugar(),
		workspaceIndex: make(map[string]*workspaceInfo),
		applyLocks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type ensureResult struct {
	workDir string
	commit  string
}

// Ensure idempotently brings a workspace to a usable working copy.
// Remote sources get a single-branch shallow clone; the clone lands in a
// staging directory, is chowned to the sandbox owner, and is renamed into
// place only once complete so a crash never leaves a half-cloned workspace
// at the final path. Concurrent calls for the same workspace coalesce.
func (p *LocalProvider) Ensure(ctx context.Context, projectID, workspaceID, source, ref string) (string, string, error) {
	// Fast path: working copy already indexed
	p.mu.RLock()
	if info, ok := p.workspaceIndex[workspaceID]; ok {
		p.mu.RUnlock()
		commit, err := p.runGitOutput(ctx, info.workDir, "rev-parse", "HEAD")
		if err != nil {
			return info.workDir, "", nil
		}
		return info.workDir, strings.TrimSpace(commit), nil
	}
	p.mu.RUnlock()

	v, err, _ := p.ensureGroup.Do(workspaceID, func() (interface{}, error) {
		return p.ensureSlow(ctx, projectID, workspaceID, source, ref)
	})
	if err != nil {
		return "", "", err
	}
	res := v.(ensureResult)
	return res.workDir, res.commit, nil
}

func (p *LocalProvider) ensureSlow(ctx context.Context, projectID, workspaceID, source, ref string) (ensureResult, error) {
	// Double-check: another caller may have finished while we queued
	p.mu.RLock()
	if info, ok := p.workspaceIndex[workspaceID]; ok {
		p.mu.RUnlock()
		commit, _ := p.runGitOutput(ctx, info.workDir, "rev-parse", "HEAD")
		return ensureResult{workDir: info.workDir, commit: strings.TrimSpace(commit)}, nil
	}
	p.mu.RUnlock()

	projectWorkspacesDir := filepath.Join(p.baseDir, projectID, "workspaces")
	if err := os.MkdirAll(projectWorkspacesDir, 0755); err != nil {
		return ensureResult{}, fmt.Errorf("failed to create project workspaces directory: %w", err)
	}

	workDir := filepath.Join(projectWorkspacesDir, workspaceID)

	// Working copy already on disk from a previous process
	if _, err := os.Stat(filepath.Join(workDir, ".git")); err == nil {
		p.remember(projectID, workspaceID, workDir, source)
		commit, _ := p.runGitOutput(ctx, workDir, "rev-parse", "HEAD")
		return ensureResult{workDir: workDir, commit: strings.TrimSpace(commit)}, nil
	}

	// Clone into staging, then rename into place. A previous crash may
	// have left a stale staging directory behind.
	stagingDir := workDir + ".staging"
	if err := os.RemoveAll(stagingDir); err != nil {
		return ensureResult{}, fmt.Errorf("failed to clear staging directory: %w", err)
	}

	isRemote := IsGitURL(source)
	cloneSource := source

	if isRemote {
		args := []string{"clone", "--single-branch", "--depth", "1"}
		if ref != "" {
			args = append(args, "-b", ref)
		}
		args = append(args, source, stagingDir)

		if err := p.runGit(ctx, "", args...); err != nil {
			_ = os.RemoveAll(stagingDir)
			return ensureResult{}, fmt.Errorf("%w: %v", ErrCloneFailed, err)
		}
	} else {
		absSource, err := filepath.Abs(source)
		if err != nil {
			return ensureResult{}, fmt.Errorf("invalid path: %w", err)
		}
		if _, err := os.Stat(filepath.Join(absSource, ".git")); err != nil {
			return ensureResult{}, fmt.Errorf("%w: %s", ErrNotARepository, absSource)
		}
		cloneSource = absSource

		if err := p.runGit(ctx, "", "clone", absSource, stagingDir); err != nil {
			_ = os.RemoveAll(stagingDir)
			return ensureResult{}, fmt.Errorf("%w: %v", ErrCloneFailed, err)
		}
		if ref != "" {
			if err := p.runGit(ctx, stagingDir, "checkout", ref); err != nil {
				_ = os.RemoveAll(stagingDir)
				return ensureResult{}, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
			}
		}
	}

	p.chownTree(stagingDir)

	if err := os.Rename(stagingDir, workDir); err != nil {
		_ = os.RemoveAll(stagingDir)
		return ensureResult{}, fmt.Errorf("failed to move workspace into place: %w", err)
	}

	p.remember(projectID, workspaceID, workDir, cloneSource)
	commit, _ := p.runGitOutput(ctx, workDir, "rev-parse", "HEAD")
	return ensureResult{workDir: workDir, commit: strings.TrimSpace(commit)}, nil
}

func (p *LocalProvider) remember(projectID, workspaceID, workDir, source string) {
	p.mu.Lock()
	p.workspaceIndex[workspaceID] = &workspaceInfo{
		projectID: projectID,
		workDir:   workDir,
		source:    source,
		isRemote:  IsGitURL(source),
	}
	p.mu.Unlock()
}

// chownTree hands the tree to the sandbox owner. Running unprivileged
// (tests, dev) chown is not permitted; that is logged, not fatal.
func (p *LocalProvider) chownTree(root string) {
	if p.uid < 0 && p.gid < 0 {
		return
	}
	warned := false
	_ = filepath.WalkDir(root, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := os.Lchown(path, p.uid, p.gid); err != nil {
			if errors.Is(err, os.ErrPermission) {
				if !warned {
					p.log.Warnw("unable to chown workspace tree", "path", root, "uid", p.uid, "gid", p.gid)
					warned = true
				}
				return filepath.SkipAll
			}
			return err
		}
		return nil
	})
}

// ResolveCommit resolves a ref to a full commit SHA.
func (p *LocalProvider) ResolveCommit(ctx context.Context, workspaceID, ref string) (string, error) {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return "", fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	if ref == "" {
		ref = "HEAD"
	}

	out, err := p.runGitOutput(ctx, workDir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidRef, ref)
	}
	return strings.TrimSpace(out), nil
}

// Status returns the current git status.
func (p *LocalProvider) Status(ctx context.Context, workspaceID string) (*Status, error) {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}

	status := &Status{
		Staged:    []FileStatus{},
		Unstaged:  []FileStatus{},
		Untracked: []string{},
	}

	branch, err := p.runGitOutput(ctx, workDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil {
		status.Branch = strings.TrimSpace(branch)
	}

	commit, err := p.runGitOutput(ctx, workDir, "rev-parse", "HEAD")
	if err == nil {
		status.Commit = strings.TrimSpace(commit)
		if len(status.Commit) >= 7 {
			status.CommitShort = status.Commit[:7]
		}
	}

	porcelain, err := p.runGitOutput(ctx, workDir, "status", "--porcelain", "-z")
	if err != nil {
		return nil, err
	}

	status.IsClean = true
	entries := strings.Split(porcelain, "\x00")
	for _, entry := range entries {
		if len(entry) < 3 {
			continue
		}

		status.IsClean = false
		index := entry[0]
		worktree := entry[1]
		path := entry[3:]

		// Check for conflicts
		if index == 'U' || worktree == 'U' || (index == 'A' && worktree == 'A') || (index == 'D' && worktree == 'D') {
			status.HasConflicts = true
		}

		if index != ' ' && index != '?' {
			status.Staged = append(status.Staged, FileStatus{
				Path:   path,
				Status: statusCodeToString(index),
			})
		}

		if worktree != ' ' && worktree != '?' {
			status.Unstaged = append(status.Unstaged, FileStatus{
				Path:   path,
				Status: statusCodeToString(worktree),
			})
		}

		if index == '?' && worktree == '?' {
			status.Untracked = append(status.Untracked, path)
		}
	}

	return status, nil
}

// Diff returns file diffs plus the combined patch.
func (p *LocalProvider) Diff(ctx context.Context, workspaceID string, opts DiffOptions) (*DiffResult, error) {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}

	args := []string{"diff", "--no-color"}

	if opts.Context > 0 {
		args = append(args, fmt.Sprintf("-U%d", opts.Context))
	}

	if opts.FromCommit != "" {
		args = append(args, opts.FromCommit)
	}

	if len(opts.Paths) > 0 {
		args = append(args, "--")
		args = append(args, opts.Paths...)
	}

	output, err := p.runGitOutput(ctx, workDir, args...)
	if err != nil {
		return nil, err
	}

	return &DiffResult{
		Files: parseDiff(output),
		Patch: output,
	}, nil
}

// ApplyCommits fast-forwards the working copy to the commits produced inside
// a sandbox. The payload is either mail-format patches (git format-patch
// output, how sandboxes export their work) or a git bundle. Applies to the
// same workspace are serialised.
func (p *LocalProvider) ApplyCommits(ctx context.Context, workspaceID string, payload []byte) (string, error) {
	workDir := p.GetWorkDir(ctx, workspaceID)
	if workDir == "" {
		return "", fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}

	lock := p.applyLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.CreateTemp("", "octobot-commits-*")
	if err != nil {
		return "", err
	}
	payloadPath := f.Name()
	defer func() { _ = os.Remove(payloadPath) }()

	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	if bytes.HasPrefix(payload, []byte("From ")) {
		if err := p.runGit(ctx, workDir, "am", "--whitespace=nowarn", payloadPath); err != nil {
			// am leaves the repo mid-apply on failure; abort restores HEAD.
			_ = p.runGit(ctx, workDir, "am", "--abort")
			return "", fmt.Errorf("%w: %v", ErrApplyFailed, err)
		}
	} else {
		if err := p.runGit(ctx, workDir, "bundle", "verify", payloadPath); err != nil {
			return "", fmt.Errorf("%w: %v", ErrApplyFailed, err)
		}
		if err := p.runGit(ctx, workDir, "fetch", payloadPath, "HEAD"); err != nil {
			return "", fmt.Errorf("%w: %v", ErrApplyFailed, err)
		}
		if err := p.runGit(ctx, workDir, "merge", "--ff-only", "FETCH_HEAD"); err != nil {
			return "", fmt.Errorf("%w: %v", ErrApplyFailed, err)
		}
	}

	sha, err := p.runGitOutput(ctx, workDir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sha), nil
}

func (p *LocalProvider) applyLock(workspaceID string) *sync.Mutex {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	lock, ok := p.applyLocks[workspaceID]
	if !ok {
		lock = &sync.Mutex{}
		p.applyLocks[workspaceID] = lock
	}
	return lock
}

// GetWorkDir returns the working directory path for a workspace. Falls
// back to the workspace source so copies cloned by an earlier process are
// found again.
func (p *LocalProvider) GetWorkDir(ctx context.Context, workspaceID string) string {
	p.mu.RLock()
	if info, ok := p.workspaceIndex[workspaceID]; ok {
		p.mu.RUnlock()
		return info.workDir
	}
	p.mu.RUnlock()

	if p.source == nil {
		return ""
	}
	wsInfo, err := p.source.GetWorkspaceInfo(ctx, workspaceID)
	if err != nil {
		return ""
	}

	// Local-source workspaces are worked in place at their configured path;
	// cloned ones live under baseDir.
	workDir := filepath.Join(p.baseDir, wsInfo.ProjectID, "workspaces", workspaceID)
	if wsInfo.SourceType == "local" && !IsGitURL(wsInfo.Path) {
		workDir = wsInfo.Path
	}
	if _, err := os.Stat(filepath.Join(workDir, ".git")); err != nil {
		return ""
	}
	p.remember(wsInfo.ProjectID, workspaceID, workDir, wsInfo.Path)
	return workDir
}

// RemoveWorkspace removes the workspace working directory.
func (p *LocalProvider) RemoveWorkspace(ctx context.Context, workspaceID string) error {
	p.mu.Lock()
	info, ok := p.workspaceIndex[workspaceID]
	if ok {
		delete(p.workspaceIndex, workspaceID)
	}
	p.mu.Unlock()

	if !ok {
		return nil // Not in index, nothing to remove
	}

	// A local workspace worked in place is the user's own checkout; only
	// clones under baseDir are ours to delete.
	if !strings.HasPrefix(info.workDir, p.baseDir+string(os.PathSeparator)) {
		return nil
	}

	_ = os.RemoveAll(info.workDir + ".staging")
	return os.RemoveAll(info.workDir)
}

// --- Internal helpers ---

// runGit runs a git command.
func (p *LocalProvider) runGit(ctx context.Context, workDir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if workDir != "" {
		cmd.Dir = workDir
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, stderr.String())
	}

	return nil
}

// runGitOutput runs a git command and returns stdout.
func (p *LocalProvider) runGitOutput(ctx context.Context, workDir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if workDir != "" {
		cmd.Dir = workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, stderr.String())
	}

	return stdout.String(), nil
}

// statusCodeToString converts a git status code to a human-readable string.
func statusCodeToString(code byte) string {
	switch code {
	case 'A':
		return "added"
	case 'M':
		return "modified"
	case 'D':
		return "deleted"
	case 'R':
		return "renamed"
	case 'C':
		return "copied"
	case 'U':
		return "unmerged"
	case 'T':
		return "typechanged"
	default:
		return "unknown"
	}
}

// parseDiff parses unified diff output into FileDiff structs.
func parseDiff(output string) []FileDiff {
	var diffs []FileDiff
	var current *FileDiff
	var patchLines []string

	diffHeader := regexp.MustCompile(`^diff --git a/(.+) b/(.+)$`)
	additions := 0
	deletions := 0

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if matches := diffHeader.FindStringSubmatch(line); matches != nil {
			if current != nil {
				current.Patch = strings.Join(patchLines, "\n")
				current.Additions = additions
				current.Deletions = deletions
				diffs = append(diffs, *current)
			}

			current = &FileDiff{
				OldPath: matches[1],
				Path:    matches[2],
				Status:  "modified",
			}
			patchLines = []string{line}
			additions = 0
			deletions = 0
			continue
		}

		if current != nil {
			patchLines = append(patchLines, line)

			if strings.HasPrefix(line, "new file mode") {
				current.Status = "added"
			} else if strings.HasPrefix(line, "deleted file mode") {
				current.Status = "deleted"
			} else if strings.HasPrefix(line, "rename from") {
				current.Status = "renamed"
			} else if strings.HasPrefix(line, "Binary files") {
				current.Binary = true
			} else if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
				additions++
			} else if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
				deletions++
			}
		}
	}

	if current != nil {
		current.Patch = strings.Join(patchLines, "\n")
		current.Additions = additions
		current.Deletions = deletions
		diffs = append(diffs, *current)
	}

	return diffs
}

// Ensure LocalProvider implements Provider
var _ Provider = (*LocalProvider)(nil)
