package merge

import (
	"context"
	"fmt"

	"github.com/wrangle-dev/wrangle/internal/gitexec"
	"github.com/wrangle-dev/wrangle/internal/models"
)

// adjacencyLines matches the risk analyzer's notion of "close enough to
// interact" for disjoint edits.
const adjacencyLines = 3

// Preview dry-runs the merge of one staged task: for every file the task
// staged that another staged task also touches, it classifies how the two
// sets of edits relate. Nothing is written; repeated previews are free.
func (o *Orchestrator) Preview(ctx context.Context, taskID string) (models.PreviewResult, error) {
	change, ok := o.ledger.Get(taskID)
	if !ok {
		return models.PreviewResult{}, fmt.Errorf("task %s has nothing staged", taskID)
	}

	result := models.PreviewResult{
		TaskID: taskID,
		Files:  change.Files,
	}
	result.Summary.TotalFiles = len(change.Files)

	others := o.ledger.List()
	for _, file := range change.Files {
		conflict := o.classifyFile(ctx, change, others, file)
		if conflict == nil {
			continue
		}
		result.Conflicts = append(result.Conflicts, *conflict)
		result.Summary.ConflictFiles++
		result.Summary.TotalConflicts++
		if conflict.CanAutoMerge {
			result.Summary.AutoMergeable++
		}
	}
	return result, nil
}

// classifyFile compares one staged file against every other staged task that
// touches it, returning the worst-case conflict or nil when no one else
// claims the file.
func (o *Orchestrator) classifyFile(ctx context.Context, change models.StagedChange,
	all []models.StagedChange, file string) *models.PreviewConflict {

	var rivals []models.StagedChange
	for _, other := range all {
		if other.TaskID == change.TaskID {
			continue
		}
		for _, f := range other.Files {
			if f == file {
				rivals = append(rivals, other)
				break
			}
		}
	}
	if len(rivals) == 0 {
		return nil
	}

	conflict := &models.PreviewConflict{
		File:         file,
		Tasks:        []string{change.TaskID},
		Severity:     models.RiskLow,
		CanAutoMerge: true,
		Strategy:     models.StrategyThreeWay,
		Location:     "distinct regions",
		Reason:       "edits touch separate parts of the file",
	}

	mine, err := o.git.DiffSpans(ctx, o.projectPath, o.baseBranch, change.MergeSource, file)
	for _, rival := range rivals {
		conflict.Tasks = append(conflict.Tasks, rival.TaskID)

		theirs, rivalErr := o.git.DiffSpans(ctx, o.projectPath, o.baseBranch, rival.MergeSource, file)
		if err != nil || rivalErr != nil || len(mine) == 0 || len(theirs) == 0 {
			if binary, bErr := o.git.IsBinaryChange(ctx, o.projectPath, o.baseBranch, change.MergeSource, file); bErr == nil && binary {
				applyWorst(conflict, models.RiskHigh, models.StrategyManual, false,
					"binary", "binary content cannot be merged line-wise")
				continue
			}
			// Source branch gone: no line geometry to reason about, flag
			// for a human look.
			applyWorst(conflict, models.RiskMedium, models.StrategyThreeWay, false,
				"unknown", "line ranges unavailable; review manually")
			continue
		}
		classifySpanPair(conflict, mine, theirs)
	}
	return conflict
}

// classifySpanPair folds one rival's span geometry into the conflict,
// keeping the worst finding.
func classifySpanPair(conflict *models.PreviewConflict, mine, theirs []gitexec.Span) {
	for _, s := range mine {
		for _, t := range theirs {
			switch {
			case s.Insert && t.Insert && s.Start == t.Start:
				applyWorst(conflict, models.RiskMedium, models.StrategyAppend, false,
					fmt.Sprintf("insertions at line %d", s.Start),
					"both tasks insert at the same point; append order needs review")
			case s.Overlaps(t):
				applyWorst(conflict, models.RiskHigh, models.StrategyManual, false,
					fmt.Sprintf("lines %s vs %s", spanRange(s), spanRange(t)),
					"edits overlap the same lines")
			case s.Gap(t) <= adjacencyLines:
				applyWorst(conflict, models.RiskMedium, models.StrategyThreeWay, false,
					fmt.Sprintf("lines %s near %s", spanRange(s), spanRange(t)),
					"edits are adjacent; verify the three-way merge result")
			}
		}
	}
}

// applyWorst upgrades the conflict when the new finding is more severe than
// what has been recorded so far.
func applyWorst(conflict *models.PreviewConflict, severity models.RiskLevel,
	strategy models.MergeStrategy, autoMerge bool, location, reason string) {
	if severity.Rank() <= conflict.Severity.Rank() {
		return
	}
	conflict.Severity = severity
	conflict.Strategy = strategy
	conflict.CanAutoMerge = autoMerge
	conflict.Location = location
	conflict.Reason = reason
}

func spanRange(s gitexec.Span) string {
	if s.Insert {
		return fmt.Sprintf("+%d", s.Start)
	}
	return fmt.Sprintf("%d-%d", s.Start, s.End)
}
