package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wrangle-dev/wrangle/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets coding agents drive the worktree merge workflow natively.
Configure in your agent with:

  {
    "mcpServers": {
      "wrangle": { "command": "wrangle", "args": ["mcp"] }
    }
  }

Available tools: wrangle_worktree_list, wrangle_worktree_health,
wrangle_stage, wrangle_list_staged, wrangle_discard, wrangle_merge_preview,
wrangle_commit, wrangle_conflict_risks, wrangle_merge_order,
wrangle_task_logs, wrangle_active_phase, wrangle_merge_history`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := getWorkflow(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	srv := mcp.NewServer(w.ledger, w.monitor, w.orch, w.analyzer, w.logs, w.history,
		w.settings, w.project, w.specsRel)

	ui.VerboseLog("MCP server listening on stdio")
	if err := srv.ServeStdio(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
