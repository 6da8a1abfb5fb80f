package cmd

import (
	"context"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wrangle-dev/wrangle/internal/merge"
	"github.com/wrangle-dev/wrangle/internal/output"
)

var (
	stageTaskID    string
	stageNoCleanup bool
	discardRestore bool
)

var stageCmd = &cobra.Command{
	Use:   "stage <spec>",
	Short: "Stage a task's worktree changes into the main tree",
	Long: `Pull a completed task's changes out of its worktree branch, write them
into the main working tree, add them to the git index, and record the task
in the staged-change ledger. Nothing is committed until 'wrangle merge commit'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return stageRun(cmd.Context(), args[0])
	},
}

var stageListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List staged changes awaiting commit",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stageListRun(cmd.Context())
	},
}

var stageDiscardCmd = &cobra.Command{
	Use:   "discard <task>",
	Short: "Drop a staged change from the ledger",
	Long: `Remove a task's entry from the staged-change ledger.

With --restore, the task's files are also reset in the index and restored
in the working tree, except files other staged tasks still claim.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return stageDiscardRun(cmd.Context(), args[0])
	},
}

func init() {
	stageCmd.Flags().StringVar(&stageTaskID, "task", "", "task id to record (defaults to the spec name)")
	stageCmd.Flags().BoolVar(&stageNoCleanup, "no-cleanup", false, "keep the worktree even when auto cleanup is on")
	stageDiscardCmd.Flags().BoolVar(&discardRestore, "restore", false, "restore the task's files in the working tree")
	stageCmd.AddCommand(stageListCmd)
	stageCmd.AddCommand(stageDiscardCmd)
	rootCmd.AddCommand(stageCmd)
}

func stageRun(ctx context.Context, spec string) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	if dryRun {
		ui.DryRunMsg("Would stage changes from worktree branch for %s", spec)
		return nil
	}

	orch := w.orch
	if stageNoCleanup && w.settings.AutoCleanupAfterMerge {
		settings := w.settings
		settings.AutoCleanupAfterMerge = false
		orch = merge.NewOrchestrator(w.git, w.ledger, w.monitor, w.history,
			w.project, w.baseBranch, settings)
	}

	result, err := orch.StageAs(ctx, spec, stageTaskID)
	if err != nil {
		return err
	}
	ui.Success("Staged %d file(s) from %s", len(result.FilesStaged), spec)
	for _, f := range result.FilesStaged {
		ui.VerboseLog("  %s", f)
	}
	if result.WorktreeCleaned {
		ui.Info("Worktree removed (auto cleanup)")
	}
	if w.settings.ShowConflictRisks {
		taskID := stageTaskID
		if taskID == "" {
			taskID = spec
		}
		showRisksAfterStage(ctx, w, taskID)
	}
	return nil
}

// showRisksAfterStage warns about collisions with other staged tasks. Risk
// analysis failures never fail the stage itself.
func showRisksAfterStage(ctx context.Context, w *workflow, taskID string) {
	risks, err := w.analyzer.AnalyzeRisks(ctx, w.ledger.List())
	if err != nil {
		ui.VerboseLog("risk analysis skipped: %v", err)
		return
	}
	for _, r := range risks {
		if !r.Involves(taskID) {
			continue
		}
		other := r.TaskA
		if other == taskID {
			other = r.TaskB
		}
		ui.Warning("%s risk with %s: %s",
			output.RiskColor(r.RiskLevel), other, strings.Join(r.ConflictingFiles, ", "))
	}
}

func stageListRun(ctx context.Context) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	changes := w.ledger.List()
	if len(changes) == 0 {
		ui.Info("Nothing staged.")
		return nil
	}

	table := ui.Table([]string{"Task", "Spec", "Files", "Staged At", "Source"})
	for _, c := range changes {
		_ = table.Append([]string{
			output.Cyan(c.TaskID),
			c.SpecName,
			strconv.Itoa(len(c.Files)),
			c.StagedAt.Format("2006-01-02 15:04"),
			c.MergeSource,
		})
	}
	_ = table.Render()
	return nil
}

func stageDiscardRun(ctx context.Context, taskID string) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	if dryRun {
		ui.DryRunMsg("Would discard staged change %s (restore=%v)", taskID, discardRestore)
		return nil
	}

	if err := w.orch.Discard(ctx, taskID, discardRestore); err != nil {
		return err
	}
	if discardRestore {
		ui.Success("Discarded %s and restored its files", taskID)
	} else {
		ui.Success("Discarded %s", taskID)
	}
	return nil
}
