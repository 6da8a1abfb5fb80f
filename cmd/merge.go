package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wrangle-dev/wrangle/internal/models"
	"github.com/wrangle-dev/wrangle/internal/output"
	"github.com/wrangle-dev/wrangle/internal/review"
	"github.com/wrangle-dev/wrangle/internal/risk"
	"github.com/wrangle-dev/wrangle/internal/worktree"
)

var (
	previewAIReview bool
	commitMode      string
	commitMessage   string
	commitTask      string
	commitFiles     []string
	taskMessages    map[string]string
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Preview and commit staged changes",
	Long:  "Inspect staged changes for conflicts, plan a merge order, and turn them into commits.",
}

var mergePreviewCmd = &cobra.Command{
	Use:   "preview [task]",
	Short: "Dry-run a merge and report conflicts",
	Long:  "Dry-run the merge of one staged task, or of every staged task when none is named.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var taskID string
		if len(args) > 0 {
			taskID = args[0]
		}
		return mergePreviewRun(cmd.Context(), taskID)
	},
}

var mergeCommitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Commit staged changes",
	Long: `Commit staged changes into the main branch.

Modes:
  all      one commit covering every staged task (default)
  by_task  one commit per staged task, oldest first; --task-message
           sets per-task messages, others get the generated default
  partial  commit a subset of one task's files (--task and --files required)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mergeCommitRun(cmd.Context())
	},
}

var mergeRisksCmd = &cobra.Command{
	Use:   "risks",
	Short: "Analyze conflict risk between staged tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mergeRisksRun(cmd.Context())
	},
}

var mergeOrderCmd = &cobra.Command{
	Use:   "order",
	Short: "Suggest a safe merge order for staged tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mergeOrderRun(cmd.Context())
	},
}

func init() {
	mergePreviewCmd.Flags().BoolVar(&previewAIReview, "ai-review", false, "also run an AI review of the task's diff")
	mergeCommitCmd.Flags().StringVar(&commitMode, "mode", string(models.CommitAll), "commit mode: all, by_task, or partial")
	mergeCommitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message")
	mergeCommitCmd.Flags().StringVar(&commitTask, "task", "", "task to commit (partial mode)")
	mergeCommitCmd.Flags().StringToStringVar(&taskMessages, "task-message", nil, "per-task commit message, task=message (by_task mode, repeatable)")
	mergeCommitCmd.Flags().StringSliceVar(&commitFiles, "file", nil, "file to commit (partial mode, repeatable)")
	mergeCmd.AddCommand(mergePreviewCmd)
	mergeCmd.AddCommand(mergeCommitCmd)
	mergeCmd.AddCommand(mergeRisksCmd)
	mergeCmd.AddCommand(mergeOrderCmd)
	rootCmd.AddCommand(mergeCmd)
}

func mergePreviewRun(ctx context.Context, taskID string) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	if taskID == "" {
		changes := w.ledger.List()
		if len(changes) == 0 {
			ui.Info("Nothing staged.")
			return nil
		}
		for _, change := range changes {
			if err := previewOne(ctx, w, change.TaskID); err != nil {
				return err
			}
		}
		return nil
	}
	return previewOne(ctx, w, taskID)
}

func previewOne(ctx context.Context, w *workflow, taskID string) error {
	result, err := w.orch.Preview(ctx, taskID)
	if err != nil {
		return err
	}

	ui.Info("Merge preview for %s: %d file(s), %d conflict(s), %d auto-mergeable",
		taskID, result.Summary.TotalFiles, result.Summary.TotalConflicts, result.Summary.AutoMergeable)

	if len(result.Conflicts) > 0 {
		table := ui.Table([]string{"File", "Location", "With", "Severity", "Strategy", "Auto"})
		for _, c := range result.Conflicts {
			auto := ""
			if c.CanAutoMerge {
				auto = output.Green("yes")
			}
			_ = table.Append([]string{
				c.File,
				c.Location,
				strings.Join(c.Tasks, ", "),
				output.RiskColor(c.Severity),
				string(c.Strategy),
				auto,
			})
		}
		_ = table.Render()
	} else {
		ui.Success("No conflicts with other staged tasks")
	}

	if previewAIReview {
		return aiReviewRun(ctx, w, taskID)
	}
	return nil
}

func aiReviewRun(ctx context.Context, w *workflow, taskID string) error {
	change, ok := w.ledger.Get(taskID)
	if !ok {
		return fmt.Errorf("no staged change for task %s", taskID)
	}
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		return fmt.Errorf("anthropic.api_key is not configured; set WRANGLE_ANTHROPIC_API_KEY")
	}

	branch := worktree.BranchFor(change.SpecName)
	diff, err := w.git.BranchDiff(ctx, w.project, w.baseBranch, branch)
	if err != nil {
		return fmt.Errorf("diff for review: %w", err)
	}

	client := review.NewClient(apiKey, viper.GetString("anthropic.model"))
	report, err := client.Review(ctx, change, diff)
	if err != nil {
		return err
	}
	renderReview(report)
	return nil
}

func renderReview(report *models.ReviewReport) {
	if report.Success {
		ui.Success("AI review: %s", report.Summary)
	} else {
		ui.Warning("AI review: %s", report.Summary)
	}
	for _, issue := range report.Issues {
		loc := issue.File
		if issue.Line > 0 {
			loc = fmt.Sprintf("%s:%d", issue.File, issue.Line)
		}
		ui.Warning("[%s] %s: %s", issue.Type, loc, issue.Message)
		if issue.Suggestion != "" {
			ui.Info("  suggestion: %s", issue.Suggestion)
		}
	}
	for _, s := range report.Suggestions {
		ui.Info("suggestion: %s", s)
	}
}

func mergeCommitRun(ctx context.Context) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	if dryRun {
		ui.DryRunMsg("Would commit %d staged task(s) in %s mode", w.ledger.Len(), commitMode)
		return nil
	}

	switch models.CommitMode(commitMode) {
	case models.CommitAll:
		return reportCommit(w.orch.CommitAll(ctx, commitMessage))
	case models.CommitByTask:
		results := w.orch.CommitByTask(ctx, taskMessages)
		if len(results) == 0 {
			ui.Info("Nothing staged.")
			return nil
		}
		var failed bool
		for _, res := range results {
			if err := reportCommit(res); err != nil {
				failed = true
			}
		}
		if failed {
			return fmt.Errorf("one or more task commits failed")
		}
		return nil
	case models.CommitPartial:
		if commitTask == "" || len(commitFiles) == 0 {
			return fmt.Errorf("partial mode requires --task and --file")
		}
		return reportCommit(w.orch.CommitPartial(ctx, commitTask, commitFiles, commitMessage))
	default:
		return fmt.Errorf("unknown commit mode %q (want all, by_task, or partial)", commitMode)
	}
}

func reportCommit(res models.CommitResult) error {
	if !res.Success {
		ui.Error("%s", res.Error)
		return fmt.Errorf("%s", res.Error)
	}
	ui.Success("Committed %s (%d file(s)): %s",
		res.CommitHash, len(res.FilesCommitted), res.Message)
	return nil
}

func mergeRisksRun(ctx context.Context) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	risks, err := w.analyzer.AnalyzeRisks(ctx, w.ledger.List())
	if err != nil {
		return err
	}
	if len(risks) == 0 {
		ui.Success("No conflict risks between staged tasks")
		return nil
	}

	table := ui.Table([]string{"Task A", "Task B", "Risk", "Shared Files"})
	for _, r := range risks {
		_ = table.Append([]string{
			output.Cyan(r.TaskA),
			output.Cyan(r.TaskB),
			output.RiskColor(r.RiskLevel),
			strings.Join(r.ConflictingFiles, ", "),
		})
	}
	_ = table.Render()
	return nil
}

func mergeOrderRun(ctx context.Context) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	changes := w.ledger.List()
	risks, err := w.analyzer.AnalyzeRisks(ctx, changes)
	if err != nil {
		return err
	}
	suggestion := risk.SuggestMergeOrder(changes, risks)
	if len(suggestion.Order) == 0 {
		ui.Info("Nothing staged.")
		return nil
	}

	for i, task := range suggestion.Order {
		fmt.Fprintf(ui.Out, "  %d. %s\n", i+1, output.Cyan(task))
	}
	ui.Info("%s", suggestion.Reason)
	return nil
}
