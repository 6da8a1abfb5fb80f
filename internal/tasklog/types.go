// Package tasklog loads, merges, and live-tails per-task phase logs written
// by agent runs to the main checkout and/or its worktrees.
package tasklog

import (
	"time"

	"github.com/wrangle-dev/wrangle/internal/redact"
)

// FileName is the phase-log file each spec directory carries.
const FileName = "task_logs.json"

// Execution phases in their fixed pipeline order.
const (
	PhasePlanning   = "planning"
	PhaseCoding     = "coding"
	PhaseValidation = "validation"
)

// PhaseOrder lists the phases a task progresses through, in order.
var PhaseOrder = []string{PhasePlanning, PhaseCoding, PhaseValidation}

// Status is the lifecycle state of a single phase.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// LogEntry is one structured log line inside a phase.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Phase     string    `json:"phase"`
	ToolInput string    `json:"toolInput,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// PhaseRecord is the status and log history of one phase of a task run.
type PhaseRecord struct {
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Entries     []LogEntry `json:"entries"`
}

// Touched reports whether the phase has advanced past pending.
func (p PhaseRecord) Touched() bool {
	return p.Status != "" && p.Status != StatusPending
}

// TaskLogs is the aggregate phase-log document for one spec.
type TaskLogs struct {
	SpecID    string                 `json:"specId"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Phases    map[string]PhaseRecord `json:"phases"`
}

// clone returns a deep copy, so callers can mutate results without touching
// the store's last-known-good cache.
func (l *TaskLogs) clone() *TaskLogs {
	if l == nil {
		return nil
	}
	out := *l
	out.Phases = make(map[string]PhaseRecord, len(l.Phases))
	for name, rec := range l.Phases {
		rec.Entries = append([]LogEntry(nil), rec.Entries...)
		if rec.StartedAt != nil {
			started := *rec.StartedAt
			rec.StartedAt = &started
		}
		if rec.CompletedAt != nil {
			completed := *rec.CompletedAt
			rec.CompletedAt = &completed
		}
		out.Phases[name] = rec
	}
	return &out
}

// redactInPlace masks secrets in every text-bearing entry field. Raw text
// never leaves this package unredacted.
func (l *TaskLogs) redactInPlace() {
	for name, rec := range l.Phases {
		for i, e := range rec.Entries {
			rec.Entries[i].Content = redact.Redact(e.Content)
			rec.Entries[i].ToolInput = redact.Redact(e.ToolInput)
			rec.Entries[i].Detail = redact.Redact(e.Detail)
		}
		l.Phases[name] = rec
	}
}

// Merge combines the main-tree and worktree copies of a task's logs.
//
// Each phase is resolved independently: a touched record beats a pending one;
// when both sides touched the phase, the side whose aggregate UpdatedAt is
// later wins, and an exact timestamp tie goes to the worktree copy (coding
// and validation output only ever lands there). The merged UpdatedAt is the
// max of the two sources. Either argument may be nil.
func Merge(main, worktree *TaskLogs) *TaskLogs {
	if main == nil {
		return worktree
	}
	if worktree == nil {
		return main
	}

	merged := &TaskLogs{
		SpecID:    main.SpecID,
		CreatedAt: main.CreatedAt,
		UpdatedAt: main.UpdatedAt,
		Phases:    make(map[string]PhaseRecord),
	}
	if merged.SpecID == "" {
		merged.SpecID = worktree.SpecID
	}
	if merged.CreatedAt.IsZero() || (!worktree.CreatedAt.IsZero() && worktree.CreatedAt.Before(merged.CreatedAt)) {
		merged.CreatedAt = worktree.CreatedAt
	}
	if worktree.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = worktree.UpdatedAt
	}

	worktreeFresh := !worktree.UpdatedAt.Before(main.UpdatedAt)

	for _, name := range phaseKeys(main, worktree) {
		m, inMain := main.Phases[name]
		w, inWorktree := worktree.Phases[name]
		switch {
		case !inMain:
			merged.Phases[name] = w
		case !inWorktree:
			merged.Phases[name] = m
		case w.Touched() && !m.Touched():
			merged.Phases[name] = w
		case m.Touched() && !w.Touched():
			merged.Phases[name] = m
		case worktreeFresh:
			merged.Phases[name] = w
		default:
			merged.Phases[name] = m
		}
	}
	return merged
}

// phaseKeys yields the union of phase names, pipeline order first, then any
// unknown extras in lexical source order.
func phaseKeys(a, b *TaskLogs) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, name := range PhaseOrder {
		if _, ok := a.Phases[name]; ok {
			keys = append(keys, name)
			seen[name] = true
			continue
		}
		if _, ok := b.Phases[name]; ok {
			keys = append(keys, name)
			seen[name] = true
		}
	}
	for name := range a.Phases {
		if !seen[name] {
			keys = append(keys, name)
			seen[name] = true
		}
	}
	for name := range b.Phases {
		if !seen[name] {
			keys = append(keys, name)
			seen[name] = true
		}
	}
	return keys
}
