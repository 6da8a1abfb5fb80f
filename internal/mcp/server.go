// Package mcp exposes the wrangle workflow as MCP tools so coding agents can
// stage, preview, and merge their own changes over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wrangle-dev/wrangle/internal/history"
	"github.com/wrangle-dev/wrangle/internal/ledger"
	"github.com/wrangle-dev/wrangle/internal/merge"
	"github.com/wrangle-dev/wrangle/internal/models"
	"github.com/wrangle-dev/wrangle/internal/risk"
	"github.com/wrangle-dev/wrangle/internal/tasklog"
	"github.com/wrangle-dev/wrangle/internal/worktree"
)

// Server wraps the wrangle workflow and exposes it as MCP tools.
type Server struct {
	ledger       *ledger.Ledger
	monitor      *worktree.Monitor
	orch         *merge.Orchestrator
	analyzer     *risk.Analyzer
	logs         *tasklog.Store
	history      history.Store // may be nil
	settings     models.WorkflowSettings
	projectPath  string
	specsRelPath string
}

// NewServer creates the MCP server wrapper with all required dependencies.
// hist may be nil when merge history is disabled.
func NewServer(led *ledger.Ledger, mon *worktree.Monitor, orch *merge.Orchestrator,
	analyzer *risk.Analyzer, logs *tasklog.Store, hist history.Store,
	settings models.WorkflowSettings, projectPath, specsRelPath string) *Server {
	return &Server{
		ledger:       led,
		monitor:      mon,
		orch:         orch,
		analyzer:     analyzer,
		logs:         logs,
		history:      hist,
		settings:     settings,
		projectPath:  projectPath,
		specsRelPath: specsRelPath,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("wrangle", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.worktreeListTool())
	srv.AddTool(s.worktreeHealthTool())
	srv.AddTool(s.stageTool())
	srv.AddTool(s.listStagedTool())
	srv.AddTool(s.discardTool())
	srv.AddTool(s.mergePreviewTool())
	srv.AddTool(s.commitTool())
	srv.AddTool(s.conflictRisksTool())
	srv.AddTool(s.mergeOrderTool())
	srv.AddTool(s.taskLogsTool())
	srv.AddTool(s.activePhaseTool())
	srv.AddTool(s.mergeHistoryTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// jsonResult marshals v as the tool's text result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// wrangle_worktree_list
func (s *Server) worktreeListTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wrangle_worktree_list",
		mcp.WithDescription("List task worktrees with health details: spec name, branch, days since activity, disk usage, and whether merging into main would conflict."),
	)
	return tool, s.handleWorktreeList
}

func (s *Server) handleWorktreeList(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos, err := s.monitor.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list worktrees: %v", err)), nil
	}
	return jsonResult(infos)
}

// wrangle_worktree_health
func (s *Server) worktreeHealthTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wrangle_worktree_health",
		mcp.WithDescription("Aggregate worktree health: total count, stale count, disk usage, and a warning when the pool needs cleanup."),
	)
	return tool, s.handleWorktreeHealth
}

func (s *Server) handleWorktreeHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.monitor.Health(ctx, s.settings)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to compute health: %v", err)), nil
	}
	return jsonResult(status)
}

// wrangle_stage
func (s *Server) stageTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wrangle_stage",
		mcp.WithDescription("Stage a task's worktree changes into the main tree, recording them in the staged-changes ledger. Re-staging a task replaces its previous entry."),
		mcp.WithString("spec", mcp.Required(), mcp.Description("Spec name of the task to stage")),
	)
	return tool, s.handleStage
}

func (s *Server) handleStage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := request.RequireString("spec")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.orch.Stage(ctx, spec)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to stage %s: %v", spec, err)), nil
	}
	return jsonResult(result)
}

// wrangle_list_staged
func (s *Server) listStagedTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wrangle_list_staged",
		mcp.WithDescription("List all staged changes awaiting merge, oldest first."),
	)
	return tool, s.handleListStaged
}

func (s *Server) handleListStaged(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.ledger.List())
}

// wrangle_discard
func (s *Server) discardTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wrangle_discard",
		mcp.WithDescription("Discard a task's staged changes. With restore=true its files are reverted to HEAD content in the working tree."),
		mcp.WithString("task", mcp.Required(), mcp.Description("Task id whose staged changes to discard")),
		mcp.WithBoolean("restore", mcp.Description("Also restore the files to HEAD content (default false)")),
	)
	return tool, s.handleDiscard
}

func (s *Server) handleDiscard(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := request.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	restore := request.GetBool("restore", false)
	if err := s.orch.Discard(ctx, task, restore); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to discard %s: %v", task, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("discarded staged changes for %s", task)), nil
}

// wrangle_merge_preview
func (s *Server) mergePreviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wrangle_merge_preview",
		mcp.WithDescription("Dry-run the merge of one staged task: per-file conflicts against other staged tasks with severity, suggested strategy, and whether an automatic merge is safe. Read-only."),
		mcp.WithString("task", mcp.Required(), mcp.Description("Task id to preview")),
	)
	return tool, s.handleMergePreview
}

func (s *Server) handleMergePreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := request.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	preview, err := s.orch.Preview(ctx, task)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to preview %s: %v", task, err)), nil
	}
	return jsonResult(preview)
}

// wrangle_commit
func (s *Server) commitTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wrangle_commit",
		mcp.WithDescription("Commit staged changes. mode=all makes one commit of everything; mode=by_task makes one commit per task, taking per-task messages from the messages object; mode=partial commits selected files of one task, keeping the rest staged. Failed commits roll back the index and keep the ledger intact."),
		mcp.WithString("mode", mcp.Description("Commit mode: all, by_task, or partial (default all)")),
		mcp.WithString("message", mcp.Description("Commit message (all and partial modes; defaults are generated)")),
		mcp.WithObject("messages", mcp.Description("Per-task commit messages keyed by task id (by_task mode; misses get the generated default)")),
		mcp.WithString("task", mcp.Description("Task id (partial mode)")),
		mcp.WithString("files", mcp.Description("Comma-separated file list (partial mode)")),
	)
	return tool, s.handleCommit
}

func (s *Server) handleCommit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode := models.CommitMode(request.GetString("mode", string(models.CommitAll)))
	message := request.GetString("message", "")

	switch mode {
	case models.CommitAll:
		return jsonResult(s.orch.CommitAll(ctx, message))
	case models.CommitByTask:
		messages := make(map[string]string)
		if raw, ok := request.GetArguments()["messages"].(map[string]any); ok {
			for task, msg := range raw {
				if text, ok := msg.(string); ok {
					messages[task] = text
				}
			}
		}
		return jsonResult(s.orch.CommitByTask(ctx, messages))
	case models.CommitPartial:
		task := request.GetString("task", "")
		if task == "" {
			return mcp.NewToolResultError("partial mode requires a task"), nil
		}
		var files []string
		for _, f := range strings.Split(request.GetString("files", ""), ",") {
			if f = strings.TrimSpace(f); f != "" {
				files = append(files, f)
			}
		}
		return jsonResult(s.orch.CommitPartial(ctx, task, files, message))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown commit mode %q", mode)), nil
	}
}

// wrangle_conflict_risks
func (s *Server) conflictRisksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wrangle_conflict_risks",
		mcp.WithDescription("Score every pair of staged tasks that touch common files: low, medium, or high conflict risk with the shared files listed."),
	)
	return tool, s.handleConflictRisks
}

func (s *Server) handleConflictRisks(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	risks, err := s.analyzer.AnalyzeRisks(ctx, s.ledger.List())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to analyze risks: %v", err)), nil
	}
	return jsonResult(risks)
}

// wrangle_merge_order
func (s *Server) mergeOrderTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wrangle_merge_order",
		mcp.WithDescription("Suggest the order staged tasks should merge in: conflict-free tasks first, then conflict groups by ascending severity."),
	)
	return tool, s.handleMergeOrder
}

func (s *Server) handleMergeOrder(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	changes := s.ledger.List()
	risks, err := s.analyzer.AnalyzeRisks(ctx, changes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to analyze risks: %v", err)), nil
	}
	return jsonResult(risk.SuggestMergeOrder(changes, risks))
}

// wrangle_task_logs
func (s *Server) taskLogsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wrangle_task_logs",
		mcp.WithDescription("Read a task's phase logs, merged across the main tree and worktree copies. Secrets are redacted."),
		mcp.WithString("spec", mcp.Required(), mcp.Description("Spec name of the task")),
	)
	return tool, s.handleTaskLogs
}

func (s *Server) handleTaskLogs(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := request.RequireString("spec")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	mainDir := filepath.Join(s.projectPath, s.specsRelPath, spec)
	logs, err := s.logs.Load(mainDir, s.projectPath, s.specsRelPath, spec)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load logs for %s: %v", spec, err)), nil
	}
	if logs == nil {
		return mcp.NewToolResultText("null"), nil
	}
	return jsonResult(logs)
}

// wrangle_active_phase
func (s *Server) activePhaseTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wrangle_active_phase",
		mcp.WithDescription("Return the phase a task is currently executing (planning, coding, or validation), or null when no phase is active."),
		mcp.WithString("spec", mcp.Required(), mcp.Description("Spec name of the task")),
	)
	return tool, s.handleActivePhase
}

func (s *Server) handleActivePhase(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := request.RequireString("spec")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	mainDir := filepath.Join(s.projectPath, s.specsRelPath, spec)
	phase, err := s.logs.ActivePhase(mainDir)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read phase for %s: %v", spec, err)), nil
	}
	if phase == "" {
		phase, err = s.logs.ActivePhase(tasklog.WorktreeSpecDir(s.projectPath, s.specsRelPath, spec))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read phase for %s: %v", spec, err)), nil
		}
	}
	if phase == "" {
		return mcp.NewToolResultText("null"), nil
	}
	return jsonResult(phase)
}

// wrangle_merge_history
func (s *Server) mergeHistoryTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("wrangle_merge_history",
		mcp.WithDescription("List past merge commits recorded by wrangle, newest first."),
		mcp.WithString("task", mcp.Description("Filter to one task id")),
		mcp.WithNumber("limit", mcp.Description("Maximum records to return (default 20)")),
	)
	return tool, s.handleMergeHistory
}

func (s *Server) handleMergeHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("merge history is not enabled"), nil
	}
	task := request.GetString("task", "")
	limit := request.GetInt("limit", 20)

	var records []*history.MergeRecord
	var err error
	if task != "" {
		records, err = s.history.ListMergesForTask(ctx, task)
	} else {
		records, err = s.history.ListMerges(ctx, limit)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list merge history: %v", err)), nil
	}
	return jsonResult(records)
}
