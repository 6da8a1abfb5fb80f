// Package merge moves task changes from worktrees into the main tree: staging
// file contents, previewing conflicts, and committing transactionally. The
// ledger entry for a task survives any failed commit, so a merge can always
// be retried or discarded.
package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wrangle-dev/wrangle/internal/gitexec"
	"github.com/wrangle-dev/wrangle/internal/history"
	"github.com/wrangle-dev/wrangle/internal/ledger"
	"github.com/wrangle-dev/wrangle/internal/models"
	"github.com/wrangle-dev/wrangle/internal/worktree"
)

// Orchestrator coordinates staging, preview, and commit for one project.
type Orchestrator struct {
	git         *gitexec.Runner
	ledger      *ledger.Ledger
	monitor     *worktree.Monitor
	history     history.Store // optional; nil disables merge history
	projectPath string
	baseBranch  string
	settings    models.WorkflowSettings
}

// NewOrchestrator wires an Orchestrator. history may be nil.
func NewOrchestrator(git *gitexec.Runner, led *ledger.Ledger, mon *worktree.Monitor,
	hist history.Store, projectPath, baseBranch string, settings models.WorkflowSettings) *Orchestrator {
	return &Orchestrator{
		git:         git,
		ledger:      led,
		monitor:     mon,
		history:     hist,
		projectPath: projectPath,
		baseBranch:  baseBranch,
		settings:    settings,
	}
}

// DefaultMessage is the commit message used when none is given for a task.
func DefaultMessage(specName string) string {
	return fmt.Sprintf("feat(%s): implement %s", specName, specName)
}

// Stage pulls a task's changed files out of its worktree branch into the main
// working tree and index, and records the ledger entry. Re-staging a task
// replaces its previous entry. With auto-cleanup enabled the worktree is
// removed afterwards; the staged content and ledger entry are the durable
// record from then on.
func (o *Orchestrator) Stage(ctx context.Context, specName string) (models.StageResult, error) {
	return o.StageAs(ctx, specName, specName)
}

// StageAs stages a spec's worktree branch under an explicit task id, for
// runners that key tasks separately from spec names.
func (o *Orchestrator) StageAs(ctx context.Context, specName, taskID string) (models.StageResult, error) {
	if taskID == "" {
		taskID = specName
	}
	branch := worktree.BranchFor(specName)
	exists, err := o.git.BranchExists(ctx, o.projectPath, branch)
	if err != nil {
		return models.StageResult{Error: err.Error()}, err
	}
	if !exists {
		err := fmt.Errorf("no branch %s for task %s", branch, specName)
		return models.StageResult{Error: err.Error()}, err
	}

	files, err := o.git.BranchChangedFiles(ctx, o.projectPath, o.baseBranch, branch)
	if err != nil {
		return models.StageResult{Error: err.Error()}, err
	}
	if len(files) == 0 {
		err := fmt.Errorf("task %s has no changes against %s", specName, o.baseBranch)
		return models.StageResult{Error: err.Error()}, err
	}

	for _, file := range files {
		if err := o.materialize(ctx, branch, file); err != nil {
			return models.StageResult{Error: err.Error()}, err
		}
	}
	if err := o.git.Add(ctx, o.projectPath, files...); err != nil {
		return models.StageResult{Error: err.Error()}, err
	}

	change := models.StagedChange{
		TaskID:      taskID,
		SpecName:    specName,
		Files:       files,
		StagedAt:    time.Now().UTC(),
		MergeSource: branch,
	}
	if err := o.ledger.Stage(change); err != nil {
		return models.StageResult{Error: err.Error()}, err
	}

	result := models.StageResult{Success: true, FilesStaged: files}
	if o.settings.AutoCleanupAfterMerge && o.monitor != nil {
		// Branch stays; spans for conflict preview still resolve against it.
		if err := o.git.WorktreeRemove(ctx, o.projectPath, o.monitor.PathFor(specName), true); err == nil {
			_ = o.git.WorktreePrune(ctx, o.projectPath)
			result.WorktreeCleaned = true
		}
	}
	return result, nil
}

// materialize writes one file's branch-side content into the main working
// tree. A path the branch deleted is deleted here too.
func (o *Orchestrator) materialize(ctx context.Context, branch, file string) error {
	content, err := o.git.ShowFile(ctx, o.projectPath, branch, file)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "exists on disk") {
			if rmErr := os.Remove(filepath.Join(o.projectPath, file)); rmErr != nil && !os.IsNotExist(rmErr) {
				return fmt.Errorf("delete %s: %w", file, rmErr)
			}
			return nil
		}
		return err
	}
	dest := filepath.Join(o.projectPath, file)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", file, err)
	}
	if err := os.WriteFile(dest, content, 0644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	return nil
}

// Discard removes a task's ledger entry. With restore, its staged files are
// reverted to HEAD content in the working tree (files the task added are
// deleted, since HEAD has nothing to check out), files other staged tasks
// also claim are left alone, and the task's worktree is recreated from its
// branch if auto-cleanup removed it.
func (o *Orchestrator) Discard(ctx context.Context, taskID string, restore bool) error {
	change, ok := o.ledger.Get(taskID)
	if !ok {
		return fmt.Errorf("task %s has nothing staged", taskID)
	}

	if restore {
		others := make(map[string]bool)
		for _, c := range o.ledger.List() {
			if c.TaskID == taskID {
				continue
			}
			for _, f := range c.Files {
				others[f] = true
			}
		}
		var mine []string
		for _, f := range change.Files {
			if !others[f] {
				mine = append(mine, f)
			}
		}
		if err := o.git.ResetIndex(ctx, o.projectPath); err != nil {
			return err
		}
		var revert []string
		for _, f := range mine {
			if o.git.FileExistsAt(ctx, o.projectPath, "HEAD", f) {
				revert = append(revert, f)
				continue
			}
			if err := os.Remove(filepath.Join(o.projectPath, f)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", f, err)
			}
		}
		if len(revert) > 0 {
			if err := o.git.CheckoutFiles(ctx, o.projectPath, revert...); err != nil {
				return err
			}
		}
		// Re-add what other tasks still have staged.
		if err := o.restageAll(ctx, taskID); err != nil {
			return err
		}
		if err := o.restoreWorktree(ctx, change); err != nil {
			return err
		}
	}

	_, err := o.ledger.Remove(taskID)
	return err
}

// restoreWorktree recreates a task's worktree from its branch when staging's
// auto-cleanup removed it. The branch outlives the worktree, so the checkout
// comes back at the last staged state.
func (o *Orchestrator) restoreWorktree(ctx context.Context, change models.StagedChange) error {
	if o.monitor == nil {
		return nil
	}
	exists, err := o.git.BranchExists(ctx, o.projectPath, change.MergeSource)
	if err != nil || !exists {
		return err
	}
	path := o.monitor.PathFor(change.SpecName)
	if _, statErr := os.Stat(path); statErr == nil {
		return nil
	}
	if err := o.git.WorktreeAdd(ctx, o.projectPath, path, change.MergeSource); err != nil {
		return fmt.Errorf("recreate worktree for %s: %w", change.SpecName, err)
	}
	return nil
}

// restageAll re-adds every ledger entry's files except skipTask's.
func (o *Orchestrator) restageAll(ctx context.Context, skipTask string) error {
	for _, c := range o.ledger.List() {
		if c.TaskID == skipTask {
			continue
		}
		if err := o.git.Add(ctx, o.projectPath, c.Files...); err != nil {
			return err
		}
	}
	return nil
}

// CommitAll commits every staged task in a single commit. All-or-nothing: on
// any failure the index is reset and the ledger is untouched.
func (o *Orchestrator) CommitAll(ctx context.Context, message string) models.CommitResult {
	changes := o.ledger.List()
	if len(changes) == 0 {
		return models.CommitResult{Error: "nothing staged"}
	}

	var files []string
	seen := make(map[string]bool)
	var specs []string
	for _, c := range changes {
		specs = append(specs, c.SpecName)
		for _, f := range c.Files {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}
	sort.Strings(files)

	if message == "" {
		message = fmt.Sprintf("feat: merge staged changes from %s", strings.Join(specs, ", "))
	}

	result := o.commitFiles(ctx, files, message)
	o.record(ctx, changes, result, models.CommitAll)
	if !result.Success {
		return result
	}

	if err := o.ledger.Clear(); err != nil {
		result.Error = err.Error()
	}
	o.cleanupBranches(ctx, changes)
	return result
}

// CommitByTask commits each staged task separately, oldest first, using the
// task's entry in messages or the default message when none is given. It
// stops at the first failure; already-committed tasks stay committed, the
// failed task's entry stays in the ledger.
func (o *Orchestrator) CommitByTask(ctx context.Context, messages map[string]string) []models.CommitResult {
	changes := o.ledger.List()
	var results []models.CommitResult

	for _, change := range changes {
		message := messages[change.TaskID]
		if message == "" {
			message = DefaultMessage(change.SpecName)
		}
		result := o.commitFiles(ctx, change.Files, message)
		o.record(ctx, []models.StagedChange{change}, result, models.CommitByTask)
		results = append(results, result)
		if !result.Success {
			// Put the remaining tasks' files back in the index for the retry.
			_ = o.restageAll(ctx, "")
			break
		}
		if _, err := o.ledger.Remove(change.TaskID); err != nil {
			result.Error = err.Error()
			results[len(results)-1] = result
			break
		}
		o.cleanupBranches(ctx, []models.StagedChange{change})
	}
	return results
}

// CommitPartial commits a subset of one task's staged files. The remainder
// stays staged under the same task.
func (o *Orchestrator) CommitPartial(ctx context.Context, taskID string, files []string, message string) models.CommitResult {
	change, ok := o.ledger.Get(taskID)
	if !ok {
		return models.CommitResult{Error: fmt.Sprintf("task %s has nothing staged", taskID)}
	}

	staged := make(map[string]bool, len(change.Files))
	for _, f := range change.Files {
		staged[f] = true
	}
	for _, f := range files {
		if !staged[f] {
			return models.CommitResult{Error: fmt.Sprintf("file %s is not staged for task %s", f, taskID)}
		}
	}
	if len(files) == 0 {
		return models.CommitResult{Error: "no files selected"}
	}

	if message == "" {
		message = DefaultMessage(change.SpecName)
	}
	result := o.commitFiles(ctx, files, message)
	o.record(ctx, []models.StagedChange{change}, result, models.CommitPartial)
	if !result.Success {
		return result
	}

	committed := make(map[string]bool, len(files))
	for _, f := range files {
		committed[f] = true
	}
	var remaining []string
	for _, f := range change.Files {
		if !committed[f] {
			remaining = append(remaining, f)
		}
	}

	if len(remaining) == 0 {
		_, _ = o.ledger.Remove(taskID)
		o.cleanupBranches(ctx, []models.StagedChange{change})
	} else {
		change.Files = remaining
		if err := o.ledger.Stage(change); err != nil {
			result.Error = err.Error()
		}
		// The remainder must stay in the index.
		_ = o.git.Add(ctx, o.projectPath, remaining...)
	}
	return result
}

// commitFiles is the transactional core: rebuild the index with exactly the
// given files, commit, and on any failure reset the index so nothing is half
// done. The working tree is never touched.
func (o *Orchestrator) commitFiles(ctx context.Context, files []string, message string) models.CommitResult {
	rollback := func(cause error) models.CommitResult {
		_ = o.git.ResetIndex(ctx, o.projectPath)
		return models.CommitResult{Message: message, Error: cause.Error()}
	}

	if err := o.git.ResetIndex(ctx, o.projectPath); err != nil {
		return models.CommitResult{Message: message, Error: err.Error()}
	}
	if err := o.git.Add(ctx, o.projectPath, files...); err != nil {
		return rollback(err)
	}
	if err := o.git.Commit(ctx, o.projectPath, message); err != nil {
		return rollback(err)
	}
	hash, err := o.git.Head(ctx, o.projectPath)
	if err != nil {
		return models.CommitResult{Success: true, Message: message, FilesCommitted: files}
	}
	return models.CommitResult{
		Success:        true,
		CommitHash:     hash,
		Message:        message,
		FilesCommitted: files,
	}
}

// record writes one history row per task covered by a commit attempt.
func (o *Orchestrator) record(ctx context.Context, changes []models.StagedChange, result models.CommitResult, mode models.CommitMode) {
	if o.history == nil {
		return
	}
	for _, change := range changes {
		_ = o.history.RecordMerge(ctx, &history.MergeRecord{
			TaskID:     change.TaskID,
			SpecName:   change.SpecName,
			CommitHash: result.CommitHash,
			Message:    result.Message,
			Mode:       mode,
			Files:      change.Files,
			Success:    result.Success,
			Error:      result.Error,
		})
	}
}

// cleanupBranches deletes merged tasks' branches when auto-cleanup is on.
func (o *Orchestrator) cleanupBranches(ctx context.Context, changes []models.StagedChange) {
	if !o.settings.AutoCleanupAfterMerge {
		return
	}
	for _, change := range changes {
		branch := worktree.BranchFor(change.SpecName)
		if exists, err := o.git.BranchExists(ctx, o.projectPath, branch); err == nil && exists {
			if o.monitor != nil {
				_ = o.git.WorktreeRemove(ctx, o.projectPath, o.monitor.PathFor(change.SpecName), true)
				_ = o.git.WorktreePrune(ctx, o.projectPath)
			}
			_ = o.git.BranchDelete(ctx, o.projectPath, branch, true)
		}
	}
}
