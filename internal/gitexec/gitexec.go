// Package gitexec runs git subcommands with bounded timeouts.
//
// Reads may run concurrently; anything that mutates repository state
// (index updates, commits, worktree add/remove, branch deletion) is
// serialized through a single process-wide mutex because git's object
// database is a single-writer resource.
package gitexec

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 30 * time.Second

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Runner executes git commands against arbitrary repo paths. All methods take
// a path parameter since wrangle operates on a main checkout plus its worktrees.
type Runner struct {
	timeout time.Duration

	// mu serializes mutating commands against the object database.
	mu sync.Mutex
}

// NewRunner returns a Runner with the given per-command timeout.
// A non-positive timeout falls back to DefaultTimeout.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{timeout: timeout}
}

// run executes a read-only git command and returns trimmed stdout.
func (r *Runner) run(ctx context.Context, path string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("git %s: timed out after %s", strings.Join(args, " "), r.timeout)
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// mutate executes a state-changing git command under the writer lock.
func (r *Runner) mutate(ctx context.Context, path string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("git %s: timed out after %s", strings.Join(args, " "), r.timeout)
	}
	if err != nil {
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *Runner) RepoRoot(ctx context.Context, path string) (string, error) {
	return r.run(ctx, path, "rev-parse", "--show-toplevel")
}

func (r *Runner) CurrentBranch(ctx context.Context, path string) (string, error) {
	return r.run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (r *Runner) Head(ctx context.Context, path string) (string, error) {
	return r.run(ctx, path, "rev-parse", "HEAD")
}

func (r *Runner) LastCommitDate(ctx context.Context, path string) (time.Time, error) {
	out, err := r.run(ctx, path, "log", "-1", "--format=%cI")
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, out)
}

func (r *Runner) IsDirty(ctx context.Context, path string) (bool, error) {
	out, err := r.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (r *Runner) BranchExists(ctx context.Context, path, branch string) (bool, error) {
	_, err := r.run(ctx, path, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		// show-ref exits 1 when the ref does not exist; its stderr is empty,
		// so the wrapped error carries no message.
		return false, nil
	}
	return true, nil
}

func (r *Runner) WorktreeList(ctx context.Context, path string) ([]WorktreeInfo, error) {
	out, err := r.run(ctx, path, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

// BranchChangedFiles lists files ref changed relative to the merge base with
// base, evaluated from the main checkout.
func (r *Runner) BranchChangedFiles(ctx context.Context, repoPath, base, ref string) ([]string, error) {
	out, err := r.run(ctx, repoPath, "diff", "--name-only", base+"..."+ref)
	if err != nil {
		out, err = r.run(ctx, repoPath, "diff", "--name-only", base, ref)
		if err != nil {
			return nil, err
		}
	}
	return splitLines(out), nil
}

// FileExistsAt reports whether a path exists in the tree at ref.
func (r *Runner) FileExistsAt(ctx context.Context, path, ref, file string) bool {
	_, err := r.run(ctx, path, "cat-file", "-e", ref+":"+file)
	return err == nil
}

// BranchDiff returns the unified diff of ref against the merge base with base.
func (r *Runner) BranchDiff(ctx context.Context, repoPath, base, ref string) (string, error) {
	out, err := r.run(ctx, repoPath, "diff", base+"..."+ref)
	if err != nil {
		out, err = r.run(ctx, repoPath, "diff", base, ref)
		if err != nil {
			return "", err
		}
	}
	return out, nil
}

// ShowFile returns a file's content at the given ref. Missing paths return
// os-style errors from git; callers distinguish deletions by message.
func (r *Runner) ShowFile(ctx context.Context, path, ref, file string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "-C", path, "show", ref+":"+file)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("git show %s:%s: %s", ref, file, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("git show %s:%s: %w", ref, file, err)
	}
	return out, nil
}

// StagedFiles lists paths currently staged in the index.
func (r *Runner) StagedFiles(ctx context.Context, path string) ([]string, error) {
	out, err := r.run(ctx, path, "diff", "--staged", "--name-only")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (r *Runner) Add(ctx context.Context, path string, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, files...)
	_, err := r.mutate(ctx, path, args...)
	return err
}

// ResetIndex unstages everything, leaving the working tree intact.
func (r *Runner) ResetIndex(ctx context.Context, path string) error {
	_, err := r.mutate(ctx, path, "reset", "HEAD")
	return err
}

// CheckoutFiles restores the given paths from HEAD, discarding working-tree
// edits to them.
func (r *Runner) CheckoutFiles(ctx context.Context, path string, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	args := append([]string{"checkout", "--"}, files...)
	_, err := r.mutate(ctx, path, args...)
	return err
}

func (r *Runner) Commit(ctx context.Context, path, message string) error {
	_, err := r.mutate(ctx, path, "commit", "-m", message)
	return err
}

func (r *Runner) WorktreeAdd(ctx context.Context, repoPath, worktreePath, branch string) error {
	_, err := r.mutate(ctx, repoPath, "worktree", "add", worktreePath, branch)
	return err
}

func (r *Runner) WorktreeRemove(ctx context.Context, repoPath, worktreePath string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, worktreePath)
	_, err := r.mutate(ctx, repoPath, args...)
	return err
}

func (r *Runner) WorktreePrune(ctx context.Context, repoPath string) error {
	_, err := r.mutate(ctx, repoPath, "worktree", "prune")
	return err
}

func (r *Runner) BranchDelete(ctx context.Context, repoPath, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := r.mutate(ctx, repoPath, "branch", flag, branch)
	return err
}

// MergeTreeConflicts dry-runs a merge of branch into base without touching
// any working-tree state. It returns the conflicted paths, empty when the
// merge would be clean.
func (r *Runner) MergeTreeConflicts(ctx context.Context, repoPath, base, branch string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath,
		"merge-tree", "--write-tree", "--no-messages", "--name-only", base, branch)
	out, err := cmd.Output()
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok || exitErr.ExitCode() != 1 {
			return nil, fmt.Errorf("git merge-tree %s %s: %w", base, branch, err)
		}
		// Exit code 1 means conflicts; stdout is the tree OID followed by
		// the conflicted file names.
	}
	lines := splitLines(strings.TrimSpace(string(out)))
	if len(lines) <= 1 {
		return nil, nil
	}
	return lines[1:], nil
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
