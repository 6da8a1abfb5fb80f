package models

import "time"

// RiskLevel classifies how likely two tasks' changes are to collide.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank orders risk levels for sorting (low < medium < high).
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return -1
	}
}

// MaxRisk returns the more severe of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// CommitMode selects how staged changes are turned into commits.
type CommitMode string

const (
	CommitAll     CommitMode = "all"
	CommitByTask  CommitMode = "by_task"
	CommitPartial CommitMode = "partial"
)

// MergeStrategy tags how a previewed conflict could be resolved.
type MergeStrategy string

const (
	StrategyAppend   MergeStrategy = "append"
	StrategyThreeWay MergeStrategy = "three-way"
	StrategyManual   MergeStrategy = "manual"
)

// WorkflowSettings holds the tunables for worktree health and staging.
type WorkflowSettings struct {
	AutoCleanupAfterMerge bool `json:"autoCleanupAfterMerge"`
	StaleWorktreeDays     int  `json:"staleWorktreeDays"`
	MaxWorktreesWarning   int  `json:"maxWorktreesWarning"`
	ShowConflictRisks     bool `json:"showConflictRisks"`
}

// DefaultSettings mirrors the defaults shipped in the config template.
func DefaultSettings() WorkflowSettings {
	return WorkflowSettings{
		AutoCleanupAfterMerge: true,
		StaleWorktreeDays:     7,
		MaxWorktreesWarning:   10,
		ShowConflictRisks:     true,
	}
}

// StagedChange records one task's files pulled out of a worktree and pending
// commit into the main tree.
type StagedChange struct {
	TaskID      string    `json:"taskId"`
	SpecName    string    `json:"specName"`
	Files       []string  `json:"files"`
	StagedAt    time.Time `json:"stagedAt"`
	MergeSource string    `json:"mergeSource"`
}

// StagedChangesStore is the persisted collection of staged changes.
// Version gates the upgrade chain in the ledger package.
type StagedChangesStore struct {
	Version int            `json:"version"`
	Changes []StagedChange `json:"changes"`
}

// StageResult reports the outcome of staging a worktree.
type StageResult struct {
	Success         bool     `json:"success"`
	FilesStaged     []string `json:"filesStaged"`
	WorktreeCleaned bool     `json:"worktreeCleaned"`
	Error           string   `json:"error,omitempty"`
}

// WorktreeInfo is a point-in-time health snapshot of a single worktree.
// Recomputed on every query, never persisted.
type WorktreeInfo struct {
	SpecName          string   `json:"specName"`
	Path              string   `json:"path"`
	Branch            string   `json:"branch"`
	DaysSinceActivity int      `json:"daysSinceActivity"`
	DiskUsageMb       float64  `json:"diskUsageMb"`
	HasConflicts      bool     `json:"hasConflicts"`
	ConflictFiles     []string `json:"conflictFiles,omitempty"`
}

// WorktreeHealthStatus aggregates WorktreeInfo into dashboard numbers.
type WorktreeHealthStatus struct {
	TotalCount       int            `json:"totalCount"`
	StaleCount       int            `json:"staleCount"`
	TotalDiskUsageMb float64        `json:"totalDiskUsageMb"`
	Worktrees        []WorktreeInfo `json:"worktrees"`
	WarningMessage   string         `json:"warningMessage,omitempty"`
}

// ConflictRisk describes a potential collision between two tasks' staged
// changes. The pair is unordered; TaskA/TaskB follow staging order.
type ConflictRisk struct {
	TaskA            string    `json:"taskA"`
	TaskB            string    `json:"taskB"`
	ConflictingFiles []string  `json:"conflictingFiles"`
	RiskLevel        RiskLevel `json:"riskLevel"`
}

// Involves reports whether the risk touches the given task.
func (c ConflictRisk) Involves(taskID string) bool {
	return c.TaskA == taskID || c.TaskB == taskID
}

// PreviewConflict is one conflict descriptor in a merge preview.
type PreviewConflict struct {
	File         string        `json:"file"`
	Location     string        `json:"location"`
	Tasks        []string      `json:"tasks"`
	Severity     RiskLevel     `json:"severity"`
	CanAutoMerge bool          `json:"canAutoMerge"`
	Strategy     MergeStrategy `json:"strategy"`
	Reason       string        `json:"reason"`
}

// PreviewSummary aggregates a merge preview.
type PreviewSummary struct {
	TotalFiles     int `json:"totalFiles"`
	ConflictFiles  int `json:"conflictFiles"`
	TotalConflicts int `json:"totalConflicts"`
	AutoMergeable  int `json:"autoMergeable"`
}

// PreviewResult is the read-only dry run of a merge.
type PreviewResult struct {
	TaskID    string            `json:"taskId"`
	Files     []string          `json:"files"`
	Conflicts []PreviewConflict `json:"conflicts"`
	Summary   PreviewSummary    `json:"summary"`
}

// ReviewIssue is a single finding from an AI review of staged changes.
type ReviewIssue struct {
	File       string `json:"file"`
	Line       int    `json:"line,omitempty"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// TestResults capture test evidence attached to a review.
type TestResults struct {
	Passed          int      `json:"passed"`
	Failed          int      `json:"failed"`
	Skipped         int      `json:"skipped"`
	Errors          []string `json:"errors,omitempty"`
	DurationSeconds float64  `json:"durationSeconds"`
}

// Success reports whether all tests passed.
func (t TestResults) Success() bool {
	return t.Failed == 0 && len(t.Errors) == 0
}

// ReviewReport is QA evidence attached to a merge preview.
type ReviewReport struct {
	Success     bool          `json:"success"`
	Issues      []ReviewIssue `json:"issues"`
	TestResults *TestResults  `json:"testResults,omitempty"`
	Suggestions []string      `json:"suggestions,omitempty"`
	Summary     string        `json:"summary"`
}

// MergeOrderSuggestion is the recommended order for merging staged tasks.
type MergeOrderSuggestion struct {
	Order          []string       `json:"order"`
	Reason         string         `json:"reason"`
	ConflictGroups []ConflictRisk `json:"conflictGroups"`
}

// CommitResult reports the outcome of an actual commit.
type CommitResult struct {
	Success        bool     `json:"success"`
	CommitHash     string   `json:"commitHash,omitempty"`
	Message        string   `json:"message"`
	FilesCommitted []string `json:"filesCommitted,omitempty"`
	Error          string   `json:"error,omitempty"`
}
