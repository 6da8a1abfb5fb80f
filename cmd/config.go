package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	root, err := findProjectRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, viper.GetString("state_dir")), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage wrangle configuration.

Running bare 'wrangle config' is the same as 'wrangle config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# wrangle configuration
# See: wrangle config show (for effective values and sources)

# State directory, relative to the project root (default: .wrangle)
# state_dir: {{ .StateDir }}

# Spec directory, relative to the project root (default: specs)
# specs_dir: {{ .SpecsDir }}

# Per-command git timeout in seconds (default: 30)
# git_timeout_seconds: {{ .GitTimeoutSeconds }}

# Worktree and merge workflow
workflow:
  # Remove a task's worktree once its changes are staged (default: true)
  auto_cleanup_after_merge: {{ .AutoCleanup }}

  # Days without activity before a worktree counts as stale (default: 7)
  stale_worktree_days: {{ .StaleDays }}

  # Warn when more worktrees than this exist (default: 10)
  max_worktrees_warning: {{ .MaxWorktrees }}

  # Report conflict risks with other staged tasks after staging (default: true)
  show_conflict_risks: {{ .ShowConflictRisks }}

# Merge history (SQLite, stored under state_dir)
history:
  enabled: {{ .HistoryEnabled }}

# AI review of staged changes (optional)
anthropic:
  # API key; prefer the WRANGLE_ANTHROPIC_API_KEY environment variable
  api_key: "{{ .AnthropicAPIKey }}"

  # Model for reviews
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	StateDir          string
	SpecsDir          string
	GitTimeoutSeconds int
	AutoCleanup       bool
	StaleDays         int
	MaxWorktrees      int
	ShowConflictRisks bool
	HistoryEnabled    bool
	AnthropicAPIKey   string
	AnthropicModel    string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	data := configTemplateData{
		StateDir:          viper.GetString("state_dir"),
		SpecsDir:          viper.GetString("specs_dir"),
		GitTimeoutSeconds: viper.GetInt("git_timeout_seconds"),
		AutoCleanup:       viper.GetBool("workflow.auto_cleanup_after_merge"),
		StaleDays:         viper.GetInt("workflow.stale_worktree_days"),
		MaxWorktrees:      viper.GetInt("workflow.max_worktrees_warning"),
		ShowConflictRisks: viper.GetBool("workflow.show_conflict_risks"),
		HistoryEnabled:    viper.GetBool("history.enabled"),
		AnthropicAPIKey:   viper.GetString("anthropic.api_key"),
		AnthropicModel:    viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "WRANGLE_STATE_DIR"},
	{Key: "specs_dir", EnvVar: "WRANGLE_SPECS_DIR"},
	{Key: "git_timeout_seconds", EnvVar: "WRANGLE_GIT_TIMEOUT_SECONDS"},
	{Key: "workflow.auto_cleanup_after_merge", EnvVar: "WRANGLE_WORKFLOW_AUTO_CLEANUP_AFTER_MERGE"},
	{Key: "workflow.stale_worktree_days", EnvVar: "WRANGLE_WORKFLOW_STALE_WORKTREE_DAYS"},
	{Key: "workflow.max_worktrees_warning", EnvVar: "WRANGLE_WORKFLOW_MAX_WORKTREES_WARNING"},
	{Key: "workflow.show_conflict_risks", EnvVar: "WRANGLE_WORKFLOW_SHOW_CONFLICT_RISKS"},
	{Key: "history.enabled", EnvVar: "WRANGLE_HISTORY_ENABLED"},
	{Key: "anthropic.api_key", EnvVar: "WRANGLE_ANTHROPIC_API_KEY"},
	{Key: "anthropic.model", EnvVar: "WRANGLE_ANTHROPIC_MODEL"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Key == "anthropic.api_key" && val != "" {
			val = "(set)"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-36s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	flattenKeys("", parsed, result)
	return result
}

// flattenKeys flattens nested YAML keys into dot notation.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set — set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'wrangle config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
