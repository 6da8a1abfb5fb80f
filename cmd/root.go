package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wrangle-dev/wrangle/internal/gitexec"
	"github.com/wrangle-dev/wrangle/internal/history"
	"github.com/wrangle-dev/wrangle/internal/ledger"
	"github.com/wrangle-dev/wrangle/internal/merge"
	"github.com/wrangle-dev/wrangle/internal/models"
	"github.com/wrangle-dev/wrangle/internal/output"
	"github.com/wrangle-dev/wrangle/internal/risk"
	"github.com/wrangle-dev/wrangle/internal/tasklog"
	"github.com/wrangle-dev/wrangle/internal/worktree"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui *output.UI

	verbose bool
	dryRun  bool

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "wrangle",
	Short: "Wrangle parallel AI coding tasks from worktree to merge",
	Long: `wrangle coordinates autonomous coding-agent tasks running in parallel
git worktrees: it tails their phase logs, watches worktree health, stages
finished work into the main tree, and merges staged changes with conflict
preview and transactional commits.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default <project>/.wrangle/config.yaml)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(ui.Out, "wrangle %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
	},
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if root, err := findProjectRoot(); err == nil {
		viper.AddConfigPath(filepath.Join(root, ".wrangle"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("WRANGLE")
	viper.AutomaticEnv()

	viper.SetDefault("state_dir", ".wrangle")
	viper.SetDefault("specs_dir", "specs")
	viper.SetDefault("git_timeout_seconds", 30)
	viper.SetDefault("workflow.auto_cleanup_after_merge", true)
	viper.SetDefault("workflow.stale_worktree_days", 7)
	viper.SetDefault("workflow.max_worktrees_warning", 10)
	viper.SetDefault("workflow.show_conflict_risks", true)
	viper.SetDefault("history.enabled", true)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun
}

// findProjectRoot locates the enclosing git checkout from the cwd.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	runner := gitexec.NewRunner(gitexec.DefaultTimeout)
	root, err := runner.RepoRoot(context.Background(), cwd)
	if err != nil {
		return "", fmt.Errorf("not inside a git repository: %w", err)
	}
	return root, nil
}

// settingsFromConfig maps viper keys onto workflow settings.
func settingsFromConfig() models.WorkflowSettings {
	return models.WorkflowSettings{
		AutoCleanupAfterMerge: viper.GetBool("workflow.auto_cleanup_after_merge"),
		StaleWorktreeDays:     viper.GetInt("workflow.stale_worktree_days"),
		MaxWorktreesWarning:   viper.GetInt("workflow.max_worktrees_warning"),
		ShowConflictRisks:     viper.GetBool("workflow.show_conflict_risks"),
	}
}

// workflow bundles everything a command needs, bound to one project checkout.
type workflow struct {
	project    string
	specsRel   string
	baseBranch string
	settings   models.WorkflowSettings

	git      *gitexec.Runner
	ledger   *ledger.Ledger
	monitor  *worktree.Monitor
	orch     *merge.Orchestrator
	analyzer *risk.Analyzer
	logs     *tasklog.Store
	history  history.Store // nil when disabled
}

// getWorkflow wires the dependency graph for the current project. The merge
// history store opens lazily inside and must be closed by the caller.
func getWorkflow(ctx context.Context) (*workflow, error) {
	project, err := findProjectRoot()
	if err != nil {
		return nil, err
	}

	runner := gitexec.NewRunner(time.Duration(viper.GetInt("git_timeout_seconds")) * time.Second)
	baseBranch, err := runner.CurrentBranch(ctx, project)
	if err != nil {
		return nil, err
	}

	stateDir := filepath.Join(project, viper.GetString("state_dir"))
	led, err := ledger.Open(stateDir)
	if err != nil {
		return nil, err
	}

	specsRel := viper.GetString("specs_dir")
	settings := settingsFromConfig()
	mon := worktree.NewMonitor(runner, project, specsRel)

	var hist history.Store
	if viper.GetBool("history.enabled") {
		s, err := history.NewSQLiteStore(filepath.Join(stateDir, history.FileName))
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		hist = s
	}

	logStore := tasklog.NewStore()
	logStore.Warnf = ui.Warning

	return &workflow{
		project:    project,
		specsRel:   specsRel,
		baseBranch: baseBranch,
		settings:   settings,
		git:        runner,
		ledger:     led,
		monitor:    mon,
		orch:       merge.NewOrchestrator(runner, led, mon, hist, project, baseBranch, settings),
		analyzer:   risk.NewAnalyzer(runner, project, baseBranch),
		logs:       logStore,
		history:    hist,
	}, nil
}

// close releases the workflow's history store, if any.
func (w *workflow) close() {
	if w.history != nil {
		_ = w.history.Close()
	}
}

// specDir is the main-tree spec directory for a task.
func (w *workflow) specDir(spec string) string {
	return filepath.Join(w.project, w.specsRel, spec)
}
