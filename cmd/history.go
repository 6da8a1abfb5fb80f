package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wrangle-dev/wrangle/internal/history"
	"github.com/wrangle-dev/wrangle/internal/output"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [task]",
	Short: "Show past merge commits",
	Long:  "Show the merge commits wrangle has made, newest first, optionally for one task.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var taskID string
		if len(args) > 0 {
			taskID = args[0]
		}
		return historyRun(cmd.Context(), taskID)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum records to show")
	rootCmd.AddCommand(historyCmd)
}

func historyRun(ctx context.Context, taskID string) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	if w.history == nil {
		return fmt.Errorf("merge history is disabled (history.enabled=false)")
	}

	var records []*history.MergeRecord
	if taskID != "" {
		records, err = w.history.ListMergesForTask(ctx, taskID)
	} else {
		records, err = w.history.ListMerges(ctx, historyLimit)
	}
	if err != nil {
		return err
	}
	if len(records) == 0 {
		ui.Info("No merge history.")
		return nil
	}

	table := ui.Table([]string{"Merged At", "Task", "Commit", "Mode", "Files", "Result"})
	for _, rec := range records {
		result := output.Green("ok")
		if !rec.Success {
			result = output.Red(rec.Error)
		}
		hash := rec.CommitHash
		if len(hash) > 8 {
			hash = hash[:8]
		}
		_ = table.Append([]string{
			rec.MergedAt.Format("2006-01-02 15:04"),
			output.Cyan(rec.TaskID),
			hash,
			string(rec.Mode),
			strconv.Itoa(len(rec.Files)),
			result,
		})
	}
	_ = table.Render()
	return nil
}
