package merge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrangle-dev/wrangle/internal/gitexec"
	"github.com/wrangle-dev/wrangle/internal/ledger"
	"github.com/wrangle-dev/wrangle/internal/models"
	"github.com/wrangle-dev/wrangle/internal/worktree"
)

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// numberedLines builds file content with one numbered line per row, so edits
// to specific lines are easy to express in tests.
func numberedLines(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return b.String()
}

func editLine(content string, line int, replacement string) string {
	lines := strings.Split(content, "\n")
	lines[line-1] = replacement
	return strings.Join(lines, "\n")
}

func initProject(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@example.com")
	gitRun(t, dir, "config", "user.name", "Test User")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "utils.ts"), []byte(numberedLines(40)), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0644))
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial commit")
	return dir
}

type fixture struct {
	project string
	git     *gitexec.Runner
	ledger  *ledger.Ledger
	monitor *worktree.Monitor
	orch    *Orchestrator
}

func newFixture(t *testing.T, settings models.WorkflowSettings) *fixture {
	t.Helper()
	project := initProject(t)
	runner := gitexec.NewRunner(0)
	led, err := ledger.Open(filepath.Join(project, ".wrangle"))
	require.NoError(t, err)
	mon := worktree.NewMonitor(runner, project, "specs")
	orch := NewOrchestrator(runner, led, mon, nil, project, "main", settings)
	return &fixture{project: project, git: runner, ledger: led, monitor: mon, orch: orch}
}

// addTask creates a worktree branch for spec and applies edits inside it.
func (f *fixture) addTask(t *testing.T, spec string, edits func(t *testing.T, wt string)) {
	t.Helper()
	ctx := context.Background()
	gitRun(t, f.project, "branch", worktree.BranchFor(spec))
	path := f.monitor.PathFor(spec)
	require.NoError(t, f.git.WorktreeAdd(ctx, f.project, path, worktree.BranchFor(spec)))
	edits(t, path)
	gitRun(t, path, "add", "-A")
	gitRun(t, path, "commit", "-m", "work on "+spec)
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, rel))
	require.NoError(t, err)
	return string(data)
}

func TestStageWritesFilesAndLedger(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "auth-task", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/auth.ts", "export const auth = true\n")
		writeFile(t, wt, "src/utils.ts", editLine(numberedLines(40), 5, "line 5 edited"))
	})

	result, err := f.orch.Stage(ctx, "auth-task")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.ElementsMatch(t, []string{"src/auth.ts", "src/utils.ts"}, result.FilesStaged)

	// Branch content landed in the main working tree and index.
	assert.Equal(t, "export const auth = true\n", readFile(t, f.project, "src/auth.ts"))
	assert.Contains(t, readFile(t, f.project, "src/utils.ts"), "line 5 edited")
	staged, err := f.git.StagedFiles(ctx, f.project)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"src/auth.ts", "src/utils.ts"}, staged)

	change, ok := f.ledger.Get("auth-task")
	require.True(t, ok)
	assert.Equal(t, worktree.BranchFor("auth-task"), change.MergeSource)
}

func TestStageAsRecordsExplicitTaskID(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "auth-task", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/auth.ts", "export const auth = true\n")
	})

	_, err := f.orch.StageAs(ctx, "auth-task", "run-42")
	require.NoError(t, err)

	change, ok := f.ledger.Get("run-42")
	require.True(t, ok)
	assert.Equal(t, "auth-task", change.SpecName)
	assert.Equal(t, worktree.BranchFor("auth-task"), change.MergeSource)
}

func TestStageNoBranchFails(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})

	result, err := f.orch.Stage(context.Background(), "ghost-task")
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestStageReplacesPreviousEntry(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "task-a", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/a.ts", "v1\n")
	})
	_, err := f.orch.Stage(ctx, "task-a")
	require.NoError(t, err)

	// More work lands on the branch; re-staging replaces the entry.
	wt := f.monitor.PathFor("task-a")
	writeFile(t, wt, "src/b.ts", "v2\n")
	gitRun(t, wt, "add", "-A")
	gitRun(t, wt, "commit", "-m", "more work")

	_, err = f.orch.Stage(ctx, "task-a")
	require.NoError(t, err)

	assert.Equal(t, 1, f.ledger.Len())
	change, _ := f.ledger.Get("task-a")
	assert.ElementsMatch(t, []string{"src/a.ts", "src/b.ts"}, change.Files)
}

func TestStageHandlesDeletedFile(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "rm-task", func(t *testing.T, wt string) {
		require.NoError(t, os.Remove(filepath.Join(wt, "README.md")))
	})

	result, err := f.orch.Stage(ctx, "rm-task")
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md"}, result.FilesStaged)
	assert.NoFileExists(t, filepath.Join(f.project, "README.md"))
}

func TestStageAutoCleanupRemovesWorktree(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{AutoCleanupAfterMerge: true})
	ctx := context.Background()

	f.addTask(t, "tidy-task", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/tidy.ts", "tidy\n")
	})

	result, err := f.orch.Stage(ctx, "tidy-task")
	require.NoError(t, err)
	assert.True(t, result.WorktreeCleaned)
	assert.NoDirExists(t, f.monitor.PathFor("tidy-task"))

	// The branch survives so previews can still resolve line spans.
	exists, err := f.git.BranchExists(ctx, f.project, worktree.BranchFor("tidy-task"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPreviewNoRivalsNoConflicts(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "solo", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/solo.ts", "solo\n")
	})
	_, err := f.orch.Stage(ctx, "solo")
	require.NoError(t, err)

	preview, err := f.orch.Preview(ctx, "solo")
	require.NoError(t, err)
	assert.Empty(t, preview.Conflicts)
	assert.Equal(t, 1, preview.Summary.TotalFiles)
	assert.Zero(t, preview.Summary.ConflictFiles)
}

func TestPreviewDisjointRangesLowSeverity(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "task-a", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/utils.ts", editLine(numberedLines(40), 5, "line 5 from task-a"))
	})
	f.addTask(t, "task-b", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/utils.ts", editLine(numberedLines(40), 35, "line 35 from task-b"))
	})
	_, err := f.orch.Stage(ctx, "task-a")
	require.NoError(t, err)
	_, err = f.orch.Stage(ctx, "task-b")
	require.NoError(t, err)

	preview, err := f.orch.Preview(ctx, "task-a")
	require.NoError(t, err)
	require.Len(t, preview.Conflicts, 1)

	conflict := preview.Conflicts[0]
	assert.Equal(t, "src/utils.ts", conflict.File)
	assert.ElementsMatch(t, []string{"task-a", "task-b"}, conflict.Tasks)
	assert.Equal(t, models.RiskLow, conflict.Severity)
	assert.True(t, conflict.CanAutoMerge)
	assert.Equal(t, models.StrategyThreeWay, conflict.Strategy)
	assert.Equal(t, 1, preview.Summary.AutoMergeable)
}

func TestPreviewOverlappingEditsHighSeverity(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "task-a", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/utils.ts", editLine(numberedLines(40), 10, "line 10 from task-a"))
	})
	f.addTask(t, "task-b", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/utils.ts", editLine(numberedLines(40), 10, "line 10 from task-b"))
	})
	_, err := f.orch.Stage(ctx, "task-a")
	require.NoError(t, err)
	_, err = f.orch.Stage(ctx, "task-b")
	require.NoError(t, err)

	preview, err := f.orch.Preview(ctx, "task-a")
	require.NoError(t, err)
	require.Len(t, preview.Conflicts, 1)
	assert.Equal(t, models.RiskHigh, preview.Conflicts[0].Severity)
	assert.False(t, preview.Conflicts[0].CanAutoMerge)
	assert.Equal(t, models.StrategyManual, preview.Conflicts[0].Strategy)
	assert.Zero(t, preview.Summary.AutoMergeable)
}

func TestPreviewAdjacentEditsMediumNeedsReview(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "task-a", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/utils.ts", editLine(numberedLines(40), 10, "line 10 from task-a"))
	})
	f.addTask(t, "task-b", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/utils.ts", editLine(numberedLines(40), 12, "line 12 from task-b"))
	})
	_, err := f.orch.Stage(ctx, "task-a")
	require.NoError(t, err)
	_, err = f.orch.Stage(ctx, "task-b")
	require.NoError(t, err)

	preview, err := f.orch.Preview(ctx, "task-a")
	require.NoError(t, err)
	require.Len(t, preview.Conflicts, 1)

	// Adjacent edits merge cleanly but need a human look, never auto-merge.
	conflict := preview.Conflicts[0]
	assert.Equal(t, models.RiskMedium, conflict.Severity)
	assert.False(t, conflict.CanAutoMerge)
	assert.Equal(t, models.StrategyThreeWay, conflict.Strategy)
	assert.Zero(t, preview.Summary.AutoMergeable)
}

func TestPreviewBinaryFileNeedsManualMerge(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	binary := func(seed byte) string {
		return string([]byte{0x89, 0x50, 0x4e, 0x47, 0x00, seed, 0x00, seed})
	}
	writeFile(t, f.project, "assets/logo.bin", binary(1))
	gitRun(t, f.project, "add", "-A")
	gitRun(t, f.project, "commit", "-m", "add binary asset")

	f.addTask(t, "task-a", func(t *testing.T, wt string) {
		writeFile(t, wt, "assets/logo.bin", binary(2))
	})
	f.addTask(t, "task-b", func(t *testing.T, wt string) {
		writeFile(t, wt, "assets/logo.bin", binary(3))
	})
	_, err := f.orch.Stage(ctx, "task-a")
	require.NoError(t, err)
	_, err = f.orch.Stage(ctx, "task-b")
	require.NoError(t, err)

	preview, err := f.orch.Preview(ctx, "task-a")
	require.NoError(t, err)
	require.Len(t, preview.Conflicts, 1)
	assert.Equal(t, models.RiskHigh, preview.Conflicts[0].Severity)
	assert.Equal(t, models.StrategyManual, preview.Conflicts[0].Strategy)
	assert.False(t, preview.Conflicts[0].CanAutoMerge)
	assert.Equal(t, "binary", preview.Conflicts[0].Location)
}

func TestPreviewUnknownTask(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	_, err := f.orch.Preview(context.Background(), "nope")
	assert.Error(t, err)
}

func TestCommitAllSingleCommit(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "task-a", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/a.ts", "a\n")
	})
	f.addTask(t, "task-b", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/b.ts", "b\n")
	})
	_, err := f.orch.Stage(ctx, "task-a")
	require.NoError(t, err)
	_, err = f.orch.Stage(ctx, "task-b")
	require.NoError(t, err)

	result := f.orch.CommitAll(ctx, "")
	require.True(t, result.Success, result.Error)
	assert.NotEmpty(t, result.CommitHash)
	assert.Contains(t, result.Message, "task-a")
	assert.Contains(t, result.Message, "task-b")

	shown := gitRun(t, f.project, "show", "--name-only", "--format=", "HEAD")
	assert.Contains(t, shown, "src/a.ts")
	assert.Contains(t, shown, "src/b.ts")
	assert.Zero(t, f.ledger.Len())
}

func TestCommitAllNothingStaged(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	result := f.orch.CommitAll(context.Background(), "msg")
	assert.False(t, result.Success)
	assert.Equal(t, "nothing staged", result.Error)
}

func TestCommitAllRollbackPreservesLedger(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "task-a", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/a.ts", "a\n")
	})
	_, err := f.orch.Stage(ctx, "task-a")
	require.NoError(t, err)

	// A failing pre-commit hook makes the commit itself fail.
	hook := filepath.Join(f.project, ".git", "hooks", "pre-commit")
	require.NoError(t, os.WriteFile(hook, []byte("#!/bin/sh\nexit 1\n"), 0755))

	result := f.orch.CommitAll(ctx, "blocked commit")
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)

	// Ledger intact, index rolled back, working tree untouched.
	assert.Equal(t, 1, f.ledger.Len())
	staged, err := f.git.StagedFiles(ctx, f.project)
	require.NoError(t, err)
	assert.Empty(t, staged)
	assert.Equal(t, "a\n", readFile(t, f.project, "src/a.ts"))
}

func TestCommitByTaskSeparateCommits(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "task-a", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/a.ts", "a\n")
	})
	f.addTask(t, "task-b", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/b.ts", "b\n")
	})
	_, err := f.orch.Stage(ctx, "task-a")
	require.NoError(t, err)
	_, err = f.orch.Stage(ctx, "task-b")
	require.NoError(t, err)

	results := f.orch.CommitByTask(ctx, nil)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success, r.Error)
	}
	assert.Equal(t, DefaultMessage("task-a"), results[0].Message)
	assert.Equal(t, DefaultMessage("task-b"), results[1].Message)

	log := gitRun(t, f.project, "log", "--format=%s", "-3")
	assert.Contains(t, log, "feat(task-a): implement task-a")
	assert.Contains(t, log, "feat(task-b): implement task-b")
	assert.Zero(t, f.ledger.Len())
}

func TestCommitByTaskCustomMessages(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "task-a", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/a.ts", "a\n")
	})
	f.addTask(t, "task-b", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/b.ts", "b\n")
	})
	_, err := f.orch.Stage(ctx, "task-a")
	require.NoError(t, err)
	_, err = f.orch.Stage(ctx, "task-b")
	require.NoError(t, err)

	results := f.orch.CommitByTask(ctx, map[string]string{
		"task-a": "fix(auth): harden token refresh",
	})
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.Success, r.Error)
	}
	assert.Equal(t, "fix(auth): harden token refresh", results[0].Message)
	assert.Equal(t, DefaultMessage("task-b"), results[1].Message)

	log := gitRun(t, f.project, "log", "--format=%s", "-3")
	assert.Contains(t, log, "fix(auth): harden token refresh")
	assert.Contains(t, log, "feat(task-b): implement task-b")
}

func TestCommitPartialKeepsRemainderStaged(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "big-task", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/core.ts", "core\n")
		writeFile(t, wt, "src/extra.ts", "extra\n")
	})
	_, err := f.orch.Stage(ctx, "big-task")
	require.NoError(t, err)

	result := f.orch.CommitPartial(ctx, "big-task", []string{"src/core.ts"}, "")
	require.True(t, result.Success, result.Error)
	assert.Equal(t, DefaultMessage("big-task"), result.Message)
	assert.Equal(t, []string{"src/core.ts"}, result.FilesCommitted)

	change, ok := f.ledger.Get("big-task")
	require.True(t, ok)
	assert.Equal(t, []string{"src/extra.ts"}, change.Files)
	staged, err := f.git.StagedFiles(ctx, f.project)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/extra.ts"}, staged)

	// Committing the remainder empties the entry.
	result = f.orch.CommitPartial(ctx, "big-task", []string{"src/extra.ts"}, "finish big-task")
	require.True(t, result.Success, result.Error)
	_, ok = f.ledger.Get("big-task")
	assert.False(t, ok)
}

func TestCommitPartialRejectsUnstagedFile(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "task-a", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/a.ts", "a\n")
	})
	_, err := f.orch.Stage(ctx, "task-a")
	require.NoError(t, err)

	result := f.orch.CommitPartial(ctx, "task-a", []string{"src/other.ts"}, "")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not staged")
}

func TestDiscardRestoresWorkingTree(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "oops-task", func(t *testing.T, wt string) {
		writeFile(t, wt, "README.md", "# broken\n")
	})
	_, err := f.orch.Stage(ctx, "oops-task")
	require.NoError(t, err)
	require.Equal(t, "# broken\n", readFile(t, f.project, "README.md"))

	require.NoError(t, f.orch.Discard(ctx, "oops-task", true))

	assert.Equal(t, "# test\n", readFile(t, f.project, "README.md"))
	assert.Zero(t, f.ledger.Len())
}

func TestDiscardRestoreDeletesAddedFiles(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	// One brand-new file, one edit to a tracked file.
	f.addTask(t, "new-task", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/a.ts", "export const a = 1\n")
		writeFile(t, wt, "README.md", "# rewritten\n")
	})
	_, err := f.orch.Stage(ctx, "new-task")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(f.project, "src", "a.ts"))

	require.NoError(t, f.orch.Discard(ctx, "new-task", true))

	// The added file is gone; the tracked file is back at HEAD.
	assert.NoFileExists(t, filepath.Join(f.project, "src", "a.ts"))
	assert.Equal(t, "# test\n", readFile(t, f.project, "README.md"))
	assert.Zero(t, f.ledger.Len())

	staged, err := f.git.StagedFiles(ctx, f.project)
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestDiscardRestoreRecreatesWorktree(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{AutoCleanupAfterMerge: true})
	ctx := context.Background()

	f.addTask(t, "redo-task", func(t *testing.T, wt string) {
		writeFile(t, wt, "src/redo.ts", "redo\n")
	})
	result, err := f.orch.Stage(ctx, "redo-task")
	require.NoError(t, err)
	require.True(t, result.WorktreeCleaned)
	require.NoDirExists(t, f.monitor.PathFor("redo-task"))

	require.NoError(t, f.orch.Discard(ctx, "redo-task", true))

	// The worktree is back on its kept branch so the task can resume.
	wt := f.monitor.PathFor("redo-task")
	require.DirExists(t, wt)
	assert.Equal(t, "redo\n", readFile(t, wt, "src/redo.ts"))
	assert.NoFileExists(t, filepath.Join(f.project, "src", "redo.ts"))
	assert.Zero(t, f.ledger.Len())
}

func TestDiscardWithoutRestoreKeepsFiles(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	ctx := context.Background()

	f.addTask(t, "keep-task", func(t *testing.T, wt string) {
		writeFile(t, wt, "README.md", "# keep me\n")
	})
	_, err := f.orch.Stage(ctx, "keep-task")
	require.NoError(t, err)

	require.NoError(t, f.orch.Discard(ctx, "keep-task", false))
	assert.Equal(t, "# keep me\n", readFile(t, f.project, "README.md"))
	assert.Zero(t, f.ledger.Len())
}

func TestDiscardUnknownTask(t *testing.T) {
	f := newFixture(t, models.WorkflowSettings{})
	assert.Error(t, f.orch.Discard(context.Background(), "nope", true))
}
