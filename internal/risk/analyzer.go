// Package risk scores the chance that staged tasks collide when merged and
// plans a merge order that gets the safe tasks in first.
package risk

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/wrangle-dev/wrangle/internal/gitexec"
	"github.com/wrangle-dev/wrangle/internal/models"
)

// adjacencyLines is the gap, in base lines, under which two disjoint edits to
// the same file are still considered likely to interact.
const adjacencyLines = 3

// SpanSource resolves the base-side line spans a ref changed in one file.
// Satisfied by gitexec.Runner.
type SpanSource interface {
	DiffSpans(ctx context.Context, path, baseBranch, ref, file string) ([]gitexec.Span, error)
}

// Analyzer computes pairwise conflict risks between staged changes.
type Analyzer struct {
	spans       SpanSource
	projectPath string
	baseBranch  string
}

// NewAnalyzer returns an Analyzer diffing refs against baseBranch in the
// repository at projectPath.
func NewAnalyzer(spans SpanSource, projectPath, baseBranch string) *Analyzer {
	return &Analyzer{spans: spans, projectPath: projectPath, baseBranch: baseBranch}
}

// AnalyzeRisks scores every pair of staged tasks that touch at least one
// common file. The result is symmetric: the score does not depend on which
// task of a pair merges first. Pairs follow staging order.
func (a *Analyzer) AnalyzeRisks(ctx context.Context, changes []models.StagedChange) ([]models.ConflictRisk, error) {
	var risks []models.ConflictRisk
	for i := 0; i < len(changes); i++ {
		for j := i + 1; j < len(changes); j++ {
			shared := sharedFiles(changes[i].Files, changes[j].Files)
			if len(shared) == 0 {
				continue
			}
			level := a.scorePair(ctx, changes[i], changes[j], shared)
			risks = append(risks, models.ConflictRisk{
				TaskA:            changes[i].TaskID,
				TaskB:            changes[j].TaskID,
				ConflictingFiles: shared,
				RiskLevel:        level,
			})
		}
	}
	return risks, nil
}

// scorePair classifies one pair across its shared files, taking the worst
// file. When line spans cannot be resolved for a file the pair falls back to
// a file-count heuristic.
func (a *Analyzer) scorePair(ctx context.Context, x, y models.StagedChange, shared []string) models.RiskLevel {
	level := models.RiskLow
	for _, file := range shared {
		spansX, errX := a.spans.DiffSpans(ctx, a.projectPath, a.baseBranch, x.MergeSource, file)
		spansY, errY := a.spans.DiffSpans(ctx, a.projectPath, a.baseBranch, y.MergeSource, file)
		if errX != nil || errY != nil || len(spansX) == 0 || len(spansY) == 0 {
			level = models.MaxRisk(level, countHeuristic(len(shared)))
			continue
		}
		level = models.MaxRisk(level, ClassifySpans(spansX, spansY))
		if level == models.RiskHigh {
			break
		}
	}
	return level
}

// ClassifySpans scores two tasks' edits to the same file by span geometry:
// intersecting spans are high risk, disjoint spans within a few lines of each
// other are medium, anything farther apart is low.
func ClassifySpans(a, b []gitexec.Span) models.RiskLevel {
	level := models.RiskLow
	for _, sa := range a {
		for _, sb := range b {
			if sa.Overlaps(sb) {
				return models.RiskHigh
			}
			if sa.Gap(sb) <= adjacencyLines {
				level = models.RiskMedium
			}
		}
	}
	return level
}

// countHeuristic scores a pair by how many files both touch when line-level
// information is unavailable.
func countHeuristic(sharedFiles int) models.RiskLevel {
	switch {
	case sharedFiles > 5:
		return models.RiskHigh
	case sharedFiles > 2:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// SuggestMergeOrder plans the order staged tasks should merge in: tasks with
// no conflicts first (staging order), then each conflict group as a block,
// safest group first, oldest task first within a group.
func SuggestMergeOrder(changes []models.StagedChange, risks []models.ConflictRisk) models.MergeOrderSuggestion {
	if len(changes) == 0 {
		return models.MergeOrderSuggestion{Reason: "nothing staged"}
	}

	stagedRank := make(map[string]int, len(changes))
	for i, c := range changes {
		stagedRank[c.TaskID] = i
	}

	severity := make(map[string]models.RiskLevel)
	for _, r := range risks {
		severity[r.TaskA] = models.MaxRisk(severity[r.TaskA], r.RiskLevel)
		severity[r.TaskB] = models.MaxRisk(severity[r.TaskB], r.RiskLevel)
	}
	groups := conflictGroups(changes, risks, severity)

	var free []string
	inGroup := make(map[string]bool)
	for _, g := range groups {
		for _, id := range g {
			inGroup[id] = true
		}
	}
	for _, c := range changes {
		if !inGroup[c.TaskID] {
			free = append(free, c.TaskID)
		}
	}

	// Groups merge in ascending worst-severity order so the hairiest block
	// lands on the freshest possible base.
	sort.SliceStable(groups, func(i, j int) bool {
		si, sj := groupSeverity(groups[i], severity), groupSeverity(groups[j], severity)
		if si.Rank() != sj.Rank() {
			return si.Rank() < sj.Rank()
		}
		return earliestRank(groups[i], stagedRank) < earliestRank(groups[j], stagedRank)
	})

	order := append([]string{}, free...)
	for _, g := range groups {
		order = append(order, g...)
	}

	reason := "no conflicts detected; staging order is safe"
	if len(groups) > 0 {
		var parts []string
		for _, g := range groups {
			parts = append(parts, fmt.Sprintf("{%s: %s}", strings.Join(g, ", "), groupSeverity(g, severity)))
		}
		reason = fmt.Sprintf("%d conflict-free task(s) merge first; conflict groups follow by severity: %s",
			len(free), strings.Join(parts, ", "))
	}

	return models.MergeOrderSuggestion{
		Order:          order,
		Reason:         reason,
		ConflictGroups: risks,
	}
}

// conflictGroups partitions conflicted tasks into connected components. The
// least-risky members of a group merge first, so the dangerous rebases happen
// with as few moving parts as possible; equal severity falls back to staging
// order.
func conflictGroups(changes []models.StagedChange, risks []models.ConflictRisk,
	severity map[string]models.RiskLevel) [][]string {
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(x, y string) {
		parent[find(x)] = find(y)
	}

	for _, r := range risks {
		for _, id := range []string{r.TaskA, r.TaskB} {
			if _, ok := parent[id]; !ok {
				parent[id] = id
			}
		}
		union(r.TaskA, r.TaskB)
	}

	stagedRank := make(map[string]int, len(changes))
	for i, c := range changes {
		stagedRank[c.TaskID] = i
	}

	members := make(map[string][]string)
	for id := range parent {
		root := find(id)
		members[root] = append(members[root], id)
	}

	var groups [][]string
	for _, g := range members {
		sort.Slice(g, func(i, j int) bool {
			if severity[g[i]].Rank() != severity[g[j]].Rank() {
				return severity[g[i]].Rank() < severity[g[j]].Rank()
			}
			return stagedRank[g[i]] < stagedRank[g[j]]
		})
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return earliestRank(groups[i], stagedRank) < earliestRank(groups[j], stagedRank)
	})
	return groups
}

func earliestRank(group []string, stagedRank map[string]int) int {
	min := stagedRank[group[0]]
	for _, id := range group[1:] {
		if stagedRank[id] < min {
			min = stagedRank[id]
		}
	}
	return min
}

func groupSeverity(group []string, severity map[string]models.RiskLevel) models.RiskLevel {
	level := models.RiskLow
	for _, id := range group {
		level = models.MaxRisk(level, severity[id])
	}
	return level
}

func sharedFiles(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	var shared []string
	for _, f := range b {
		if set[f] {
			shared = append(shared, f)
		}
	}
	sort.Strings(shared)
	return shared
}
