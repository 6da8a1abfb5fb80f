package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wrangle-dev/wrangle/internal/output"
	"github.com/wrangle-dev/wrangle/internal/tasklog"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect task phase logs",
	Long: `Inspect the structured phase logs agents write while executing a task.

Logs are merged across the main checkout and the task's worktree copy, and
secrets are always redacted before display.`,
}

var logsShowCmd = &cobra.Command{
	Use:   "show <spec>",
	Short: "Show a task's merged phase logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return logsShowRun(cmd.Context(), args[0])
	},
}

var logsActiveCmd = &cobra.Command{
	Use:   "active <spec>",
	Short: "Show the phase a task is currently executing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return logsActiveRun(cmd.Context(), args[0])
	},
}

var logsFollowCmd = &cobra.Command{
	Use:   "follow <spec>",
	Short: "Live-tail a task's phase logs",
	Long: `Live-tail a task's phase logs as the agent writes them.

Both the main checkout copy and the worktree copy are watched; whichever
side advances is shown. Interrupt with Ctrl-C.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return logsFollowRun(cmd.Context(), args[0])
	},
}

func init() {
	logsCmd.AddCommand(logsShowCmd)
	logsCmd.AddCommand(logsActiveCmd)
	logsCmd.AddCommand(logsFollowCmd)
	rootCmd.AddCommand(logsCmd)
}

func logsShowRun(ctx context.Context, spec string) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	logs, err := w.logs.Load(w.specDir(spec), w.project, w.specsRel, spec)
	if err != nil {
		return err
	}
	if logs == nil {
		ui.Info("No logs for %s yet", spec)
		return nil
	}

	renderLogs(logs, make(map[string]int))
	return nil
}

func logsActiveRun(ctx context.Context, spec string) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	phase, err := w.logs.ActivePhase(w.specDir(spec))
	if err != nil {
		return err
	}
	if phase == "" {
		phase, err = w.logs.ActivePhase(tasklog.WorktreeSpecDir(w.project, w.specsRel, spec))
		if err != nil {
			return err
		}
	}
	if phase == "" {
		ui.Info("%s has no active phase", spec)
		return nil
	}
	ui.Info("%s: %s", spec, phase)
	return nil
}

func logsFollowRun(ctx context.Context, spec string) error {
	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	load := func(string) (*tasklog.TaskLogs, error) {
		return w.logs.Load(w.specDir(spec), w.project, w.specsRel, spec)
	}
	watcher, err := tasklog.NewWatcher(load)
	if err != nil {
		return err
	}
	defer watcher.Close()

	seen := make(map[string]int)
	if logs, err := load(""); err == nil && logs != nil {
		renderLogs(logs, seen)
	}

	// The worktree copy may not exist yet; watch whichever directories do.
	dirs := []string{w.specDir(spec), tasklog.WorktreeSpecDir(w.project, w.specsRel, spec)}
	var channels []<-chan *tasklog.TaskLogs
	for _, dir := range dirs {
		if _, statErr := os.Stat(dir); statErr != nil {
			continue
		}
		_, ch, err := watcher.Subscribe(dir)
		if err != nil {
			return err
		}
		channels = append(channels, ch)
	}
	if len(channels) == 0 {
		return fmt.Errorf("no log directory for %s exists yet", spec)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	merged := make(chan *tasklog.TaskLogs)
	for _, ch := range channels {
		go func(ch <-chan *tasklog.TaskLogs) {
			for logs := range ch {
				merged <- logs
			}
		}(ch)
	}

	ui.Info("Following %s (Ctrl-C to stop)", spec)
	for {
		select {
		case logs := <-merged:
			renderLogs(logs, seen)
		case <-sigCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// renderLogs prints phase records, skipping entries already shown per seen.
func renderLogs(logs *tasklog.TaskLogs, seen map[string]int) {
	for _, phase := range tasklog.PhaseOrder {
		rec, ok := logs.Phases[phase]
		if !ok {
			continue
		}
		offset := seen[phase]
		if offset == 0 {
			fmt.Fprintf(ui.Out, "%s %s\n", output.Cyan(phase), output.PhaseColor(string(rec.Status)))
		}
		for _, entry := range rec.Entries[min(offset, len(rec.Entries)):] {
			fmt.Fprintf(ui.Out, "  %s  %-10s %s\n",
				entry.Timestamp.Format("15:04:05"), entry.Type, entry.Content)
		}
		if len(rec.Entries) > offset {
			seen[phase] = len(rec.Entries)
		}
	}
}
