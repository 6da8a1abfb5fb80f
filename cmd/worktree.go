package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wrangle-dev/wrangle/internal/output"
)

var (
	worktreeForce bool
	worktreeStale bool
	worktreeDays  int
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"wt"},
	Short:   "Monitor and clean task worktrees",
	Long:    "List, health-check, and remove the git worktrees task runs execute in.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun(cmd.Context())
	},
}

var worktreeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List task worktrees",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun(cmd.Context())
	},
}

var worktreeHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Summarize worktree health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeHealthRun(cmd.Context())
	},
}

var worktreeCleanCmd = &cobra.Command{
	Use:   "clean [spec]",
	Short: "Remove a task worktree and its branch",
	Long: `Remove a task's worktree and delete its branch.

With --stale, removes every worktree whose spec directory has been idle
longer than the configured threshold. Worktrees with uncommitted changes
are skipped unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if worktreeStale {
			return worktreeCleanStaleRun(cmd.Context())
		}
		if len(args) == 0 {
			return fmt.Errorf("specify a spec name or --stale")
		}
		return worktreeCleanRun(cmd.Context(), args[0])
	},
}

func init() {
	worktreeCleanCmd.Flags().BoolVar(&worktreeForce, "force", false, "remove even with uncommitted changes")
	worktreeCleanCmd.Flags().BoolVar(&worktreeStale, "stale", false, "remove all stale worktrees")
	worktreeCleanCmd.Flags().IntVar(&worktreeDays, "days", -1, "staleness threshold in days (default from config)")
	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeHealthCmd)
	worktreeCmd.AddCommand(worktreeCleanCmd)
	rootCmd.AddCommand(worktreeCmd)
}

func worktreeListRun(ctx context.Context) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	infos, err := w.monitor.List(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		ui.Info("No task worktrees.")
		return nil
	}

	table := ui.Table([]string{"Spec", "Branch", "Age (days)", "Disk (MB)", "Conflicts"})
	for _, info := range infos {
		conflicts := ""
		if info.HasConflicts {
			conflicts = output.Red(strconv.Itoa(len(info.ConflictFiles)))
		}
		_ = table.Append([]string{
			output.Cyan(info.SpecName),
			info.Branch,
			strconv.Itoa(info.DaysSinceActivity),
			fmt.Sprintf("%.1f", info.DiskUsageMb),
			conflicts,
		})
	}
	_ = table.Render()
	return nil
}

func worktreeHealthRun(ctx context.Context) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	health, err := w.monitor.Health(ctx, w.settings)
	if err != nil {
		return err
	}

	ui.Info("Worktrees: %d total, %d stale, %.1f MB on disk",
		health.TotalCount, health.StaleCount, health.TotalDiskUsageMb)
	if health.WarningMessage != "" {
		ui.Warning("%s", health.WarningMessage)
		return nil
	}
	ui.Success("Worktrees are healthy")
	return nil
}

func worktreeCleanRun(ctx context.Context, spec string) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	if dryRun {
		ui.DryRunMsg("Would remove worktree and branch for %s", spec)
		return nil
	}
	if err := w.monitor.Clean(ctx, spec, worktreeForce); err != nil {
		return err
	}
	ui.Success("Removed worktree for %s", spec)
	return nil
}

func worktreeCleanStaleRun(ctx context.Context) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	settings := w.settings
	if worktreeDays >= 0 {
		settings.StaleWorktreeDays = worktreeDays
	}

	if dryRun {
		stale, err := w.monitor.Stale(ctx, settings)
		if err != nil {
			return err
		}
		for _, info := range stale {
			ui.DryRunMsg("Would remove stale worktree %s (%d days idle)", info.SpecName, info.DaysSinceActivity)
		}
		if len(stale) == 0 {
			ui.Info("No stale worktrees.")
		}
		return nil
	}

	removed, err := w.monitor.CleanStale(ctx, settings, worktreeForce)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		ui.Info("No stale worktrees.")
		return nil
	}
	for _, spec := range removed {
		ui.Success("Removed stale worktree %s", spec)
	}
	return nil
}
