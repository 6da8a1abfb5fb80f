// Package worktree inspects and maintains the per-task git worktrees living
// under <project>/.worktrees. Health is always computed fresh from the
// filesystem and git; nothing here is cached or persisted.
package worktree

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/wrangle-dev/wrangle/internal/gitexec"
	"github.com/wrangle-dev/wrangle/internal/models"
)

// Dir is the directory under the project root holding task worktrees.
const Dir = ".worktrees"

// BranchPrefix namespaces the branches tasks work on.
const BranchPrefix = "wrangle/"

// BranchFor returns the branch name for a task's worktree.
func BranchFor(specName string) string {
	return BranchPrefix + specName
}

// Monitor reports on and cleans up task worktrees for one project.
type Monitor struct {
	git          *gitexec.Runner
	projectPath  string
	specsRelPath string
}

// NewMonitor returns a Monitor rooted at projectPath. specsRelPath is the
// spec directory relative to the project root (usually "specs").
func NewMonitor(git *gitexec.Runner, projectPath, specsRelPath string) *Monitor {
	return &Monitor{git: git, projectPath: projectPath, specsRelPath: specsRelPath}
}

// WorktreesDir returns the absolute worktrees directory.
func (m *Monitor) WorktreesDir() string {
	return filepath.Join(m.projectPath, Dir)
}

// PathFor returns the worktree path for a task.
func (m *Monitor) PathFor(specName string) string {
	return filepath.Join(m.WorktreesDir(), specName)
}

// List returns a health snapshot for every task worktree. Entries that git
// knows about but that live outside .worktrees (the main checkout itself,
// manually created worktrees) are excluded.
func (m *Monitor) List(ctx context.Context) ([]models.WorktreeInfo, error) {
	raw, err := m.git.WorktreeList(ctx, m.projectPath)
	if err != nil {
		return nil, err
	}

	mainBranch, err := m.git.CurrentBranch(ctx, m.projectPath)
	if err != nil {
		return nil, err
	}

	prefix := m.WorktreesDir() + string(filepath.Separator)
	var infos []models.WorktreeInfo
	for _, wt := range raw {
		if !strings.HasPrefix(wt.Path, prefix) {
			continue
		}
		info := models.WorktreeInfo{
			SpecName: filepath.Base(wt.Path),
			Path:     wt.Path,
			Branch:   wt.Branch,
		}
		info.DaysSinceActivity = m.daysSinceActivity(ctx, wt.Path, info.SpecName)
		info.DiskUsageMb = diskUsageMb(wt.Path)
		if wt.Branch != "" && wt.Branch != mainBranch {
			conflicts, err := m.git.MergeTreeConflicts(ctx, m.projectPath, mainBranch, wt.Branch)
			if err == nil && len(conflicts) > 0 {
				info.HasConflicts = true
				info.ConflictFiles = conflicts
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Health aggregates the worktree snapshots into dashboard numbers and a
// warning when the pool needs attention.
func (m *Monitor) Health(ctx context.Context, settings models.WorkflowSettings) (models.WorktreeHealthStatus, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return models.WorktreeHealthStatus{}, err
	}

	status := models.WorktreeHealthStatus{Worktrees: infos}
	for _, info := range infos {
		status.TotalCount++
		status.TotalDiskUsageMb += info.DiskUsageMb
		if info.DaysSinceActivity > settings.StaleWorktreeDays {
			status.StaleCount++
		}
	}

	switch {
	case status.TotalCount > settings.MaxWorktreesWarning && status.StaleCount > 0:
		status.WarningMessage = fmt.Sprintf("%d worktrees (max %d) and %d stale; run `wrangle worktree clean`",
			status.TotalCount, settings.MaxWorktreesWarning, status.StaleCount)
	case status.TotalCount > settings.MaxWorktreesWarning:
		status.WarningMessage = fmt.Sprintf("%d worktrees exceed the configured maximum of %d",
			status.TotalCount, settings.MaxWorktreesWarning)
	case status.StaleCount > 0:
		status.WarningMessage = fmt.Sprintf("%d worktree(s) inactive for %d+ days",
			status.StaleCount, settings.StaleWorktreeDays)
	}
	return status, nil
}

// Stale returns the worktrees idle strictly longer than the configured
// threshold; a worktree exactly at the threshold is not yet stale.
func (m *Monitor) Stale(ctx context.Context, settings models.WorkflowSettings) ([]models.WorktreeInfo, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var stale []models.WorktreeInfo
	for _, info := range infos {
		if info.DaysSinceActivity > settings.StaleWorktreeDays {
			stale = append(stale, info)
		}
	}
	return stale, nil
}

// Clean removes a task's worktree and its branch. force discards dirty
// working-tree state and unmerged branch commits.
func (m *Monitor) Clean(ctx context.Context, specName string, force bool) error {
	path := m.PathFor(specName)
	if !force {
		if dirty, err := m.git.IsDirty(ctx, path); err == nil && dirty {
			return fmt.Errorf("worktree %s has uncommitted changes; use force to discard them", specName)
		}
	}
	if err := m.git.WorktreeRemove(ctx, m.projectPath, path, force); err != nil {
		return fmt.Errorf("remove worktree %s: %w", specName, err)
	}
	if err := m.git.WorktreePrune(ctx, m.projectPath); err != nil {
		return err
	}
	branch := BranchFor(specName)
	exists, err := m.git.BranchExists(ctx, m.projectPath, branch)
	if err != nil {
		return err
	}
	if exists {
		if err := m.git.BranchDelete(ctx, m.projectPath, branch, force); err != nil {
			return fmt.Errorf("delete branch %s: %w", branch, err)
		}
	}
	return nil
}

// CleanStale removes every stale worktree and returns the spec names cleaned.
func (m *Monitor) CleanStale(ctx context.Context, settings models.WorkflowSettings, force bool) ([]string, error) {
	stale, err := m.Stale(ctx, settings)
	if err != nil {
		return nil, err
	}
	var cleaned []string
	for _, info := range stale {
		if err := m.Clean(ctx, info.SpecName, force); err != nil {
			return cleaned, err
		}
		cleaned = append(cleaned, info.SpecName)
	}
	return cleaned, nil
}

// daysSinceActivity measures idle time from the newest write under the
// worktree's spec directory (agents touch task_logs.json constantly while
// running), falling back to the worktree's last commit when the spec
// directory is empty or missing.
func (m *Monitor) daysSinceActivity(ctx context.Context, worktreePath, specName string) int {
	specDir := filepath.Join(worktreePath, m.specsRelPath, specName)
	latest := newestModTime(specDir)
	if latest.IsZero() {
		if committed, err := m.git.LastCommitDate(ctx, worktreePath); err == nil {
			latest = committed
		}
	}
	if latest.IsZero() {
		return 0
	}
	days := int(time.Since(latest).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

func newestModTime(dir string) time.Time {
	var latest time.Time
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	return latest
}

func diskUsageMb(dir string) float64 {
	var bytes int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err == nil {
			bytes += info.Size()
		}
		return nil
	})
	return float64(bytes) / (1024 * 1024)
}
