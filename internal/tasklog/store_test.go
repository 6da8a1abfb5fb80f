package tasklog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLogs(t *testing.T, dir string, logs TaskLogs) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	data, err := json.MarshalIndent(logs, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), data, 0644))
}

func sampleLogs(specID string, updatedAt time.Time, phases map[string]PhaseRecord) TaskLogs {
	return TaskLogs{
		SpecID:    specID,
		CreatedAt: updatedAt.Add(-time.Hour),
		UpdatedAt: updatedAt,
		Phases:    phases,
	}
}

func TestLoadFromPathMissingIsNotError(t *testing.T) {
	s := NewStore()

	logs, err := s.LoadFromPath(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Nil(t, logs)
}

func TestLoadFromPathRedactsEntries(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC().Truncate(time.Second)
	writeLogs(t, dir, sampleLogs("auth-task", now, map[string]PhaseRecord{
		PhasePlanning: {
			Status: StatusActive,
			Entries: []LogEntry{{
				Timestamp: now,
				Type:      "text",
				Content:   "using sk-test1234567890abcdef",
				Phase:     PhasePlanning,
				ToolInput: "token=abc123",
				Detail:    "Bearer supersecrettoken",
			}},
		},
	}))

	s := NewStore()
	logs, err := s.LoadFromPath(dir)
	require.NoError(t, err)
	require.NotNil(t, logs)

	entry := logs.Phases[PhasePlanning].Entries[0]
	assert.NotContains(t, entry.Content, "sk-test")
	assert.Contains(t, entry.Content, "[REDACTED]")
	assert.NotContains(t, entry.ToolInput, "abc123")
	assert.NotContains(t, entry.Detail, "supersecrettoken")
}

func TestLoadFromPathCorruptFallsBackToCache(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC().Truncate(time.Second)
	writeLogs(t, dir, sampleLogs("auth-task", now, map[string]PhaseRecord{
		PhasePlanning: {Status: StatusCompleted},
	}))

	s := NewStore()
	var warned bool
	s.Warnf = func(string, ...any) { warned = true }

	first, err := s.LoadFromPath(dir)
	require.NoError(t, err)
	require.NotNil(t, first)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`"{bad json`), 0644))

	second, err := s.LoadFromPath(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, warned)
}

func TestLoadFromPathCallerMutationDoesNotTaintCache(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC().Truncate(time.Second)
	writeLogs(t, dir, sampleLogs("auth-task", now, map[string]PhaseRecord{
		PhasePlanning: {
			Status:  StatusActive,
			Entries: []LogEntry{{Timestamp: now, Type: "text", Content: "step one", Phase: PhasePlanning}},
		},
	}))

	s := NewStore()
	first, err := s.LoadFromPath(dir)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Scribble over the returned copy, then corrupt the file so the next
	// load falls back to the cache.
	first.SpecID = "mangled"
	rec := first.Phases[PhasePlanning]
	rec.Entries[0].Content = "mangled"
	first.Phases[PhasePlanning] = rec
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`"{bad json`), 0644))

	second, err := s.LoadFromPath(dir)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "auth-task", second.SpecID)
	assert.Equal(t, "step one", second.Phases[PhasePlanning].Entries[0].Content)
}

func TestLoadFromPathCorruptWithoutPriorLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`"{bad json`), 0644))

	s := NewStore()
	logs, err := s.LoadFromPath(dir)
	require.NoError(t, err)
	assert.Nil(t, logs)
}

func TestResetClearsCache(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	writeLogs(t, dir, sampleLogs("x", now, map[string]PhaseRecord{PhasePlanning: {Status: StatusActive}}))

	s := NewStore()
	_, err := s.LoadFromPath(dir)
	require.NoError(t, err)

	s.Reset()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`"{bad json`), 0644))

	logs, err := s.LoadFromPath(dir)
	require.NoError(t, err)
	assert.Nil(t, logs)
}

func TestMergePhaseWise(t *testing.T) {
	early := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(2 * time.Hour)

	main := sampleLogs("auth-task", early, map[string]PhaseRecord{
		PhasePlanning:   {Status: StatusCompleted, Entries: []LogEntry{{Content: "plan from main"}}},
		PhaseCoding:     {Status: StatusPending},
		PhaseValidation: {Status: StatusPending},
	})
	worktree := sampleLogs("auth-task", late, map[string]PhaseRecord{
		PhasePlanning:   {Status: StatusPending},
		PhaseCoding:     {Status: StatusActive, Entries: []LogEntry{{Content: "coding in worktree"}}},
		PhaseValidation: {Status: StatusPending},
	})

	merged := Merge(&main, &worktree)
	require.NotNil(t, merged)

	// Whoever actually advanced a phase wins it.
	assert.Equal(t, StatusCompleted, merged.Phases[PhasePlanning].Status)
	assert.Equal(t, "plan from main", merged.Phases[PhasePlanning].Entries[0].Content)
	assert.Equal(t, StatusActive, merged.Phases[PhaseCoding].Status)
	assert.Equal(t, StatusPending, merged.Phases[PhaseValidation].Status)

	assert.Equal(t, late, merged.UpdatedAt)
}

func TestMergeBothTouchedFresherWins(t *testing.T) {
	early := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	main := sampleLogs("t", late, map[string]PhaseRecord{
		PhasePlanning: {Status: StatusCompleted, Entries: []LogEntry{{Content: "fresh main"}}},
	})
	worktree := sampleLogs("t", early, map[string]PhaseRecord{
		PhasePlanning: {Status: StatusActive, Entries: []LogEntry{{Content: "stale worktree"}}},
	})

	merged := Merge(&main, &worktree)
	assert.Equal(t, "fresh main", merged.Phases[PhasePlanning].Entries[0].Content)
	assert.Equal(t, late, merged.UpdatedAt)
}

func TestMergeTimestampTiePrefersWorktree(t *testing.T) {
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	main := sampleLogs("t", at, map[string]PhaseRecord{
		PhaseCoding: {Status: StatusCompleted, Entries: []LogEntry{{Content: "main copy"}}},
	})
	worktree := sampleLogs("t", at, map[string]PhaseRecord{
		PhaseCoding: {Status: StatusCompleted, Entries: []LogEntry{{Content: "worktree copy"}}},
	})

	merged := Merge(&main, &worktree)
	assert.Equal(t, "worktree copy", merged.Phases[PhaseCoding].Entries[0].Content)
}

func TestMergeCommutativeByPhase(t *testing.T) {
	early := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	a := sampleLogs("t", early, map[string]PhaseRecord{
		PhasePlanning: {Status: StatusCompleted, Entries: []LogEntry{{Content: "plan"}}},
		PhaseCoding:   {Status: StatusPending},
	})
	b := sampleLogs("t", late, map[string]PhaseRecord{
		PhasePlanning: {Status: StatusPending},
		PhaseCoding:   {Status: StatusActive, Entries: []LogEntry{{Content: "code"}}},
	})

	ab := Merge(&a, &b)
	ba := Merge(&b, &a)

	assert.Equal(t, ab.Phases, ba.Phases)
	assert.Equal(t, ab.UpdatedAt, ba.UpdatedAt)
}

func TestMergeNilSides(t *testing.T) {
	now := time.Now().UTC()
	logs := sampleLogs("t", now, map[string]PhaseRecord{PhasePlanning: {Status: StatusActive}})

	assert.Equal(t, &logs, Merge(nil, &logs))
	assert.Equal(t, &logs, Merge(&logs, nil))
	assert.Nil(t, Merge(nil, nil))
}

func TestLoadMergesMainAndWorktree(t *testing.T) {
	project := t.TempDir()
	specID := "auth-task"
	mainDir := filepath.Join(project, "specs", specID)
	worktreeDir := WorktreeSpecDir(project, "specs", specID)

	early := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	writeLogs(t, mainDir, sampleLogs(specID, early, map[string]PhaseRecord{
		PhasePlanning: {Status: StatusCompleted},
		PhaseCoding:   {Status: StatusPending},
	}))
	writeLogs(t, worktreeDir, sampleLogs(specID, late, map[string]PhaseRecord{
		PhasePlanning: {Status: StatusPending},
		PhaseCoding:   {Status: StatusActive},
	}))

	s := NewStore()
	merged, err := s.Load(mainDir, project, "specs", specID)
	require.NoError(t, err)
	require.NotNil(t, merged)

	assert.Equal(t, StatusCompleted, merged.Phases[PhasePlanning].Status)
	assert.Equal(t, StatusActive, merged.Phases[PhaseCoding].Status)
	assert.Equal(t, late, merged.UpdatedAt)
}

func TestLoadWithOnlyMainCopy(t *testing.T) {
	project := t.TempDir()
	mainDir := filepath.Join(project, "specs", "solo")
	now := time.Now().UTC().Truncate(time.Second)

	writeLogs(t, mainDir, sampleLogs("solo", now, map[string]PhaseRecord{
		PhasePlanning: {Status: StatusActive},
	}))

	s := NewStore()
	merged, err := s.Load(mainDir, project, "specs", "solo")
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, StatusActive, merged.Phases[PhasePlanning].Status)
}

func TestActivePhase(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()
	s := NewStore()

	writeLogs(t, dir, sampleLogs("t", now, map[string]PhaseRecord{
		PhasePlanning:   {Status: StatusActive},
		PhaseCoding:     {Status: StatusPending},
		PhaseValidation: {Status: StatusPending},
	}))
	phase, err := s.ActivePhase(dir)
	require.NoError(t, err)
	assert.Equal(t, PhasePlanning, phase)

	writeLogs(t, dir, sampleLogs("t", now, map[string]PhaseRecord{
		PhasePlanning:   {Status: StatusCompleted},
		PhaseCoding:     {Status: StatusCompleted},
		PhaseValidation: {Status: StatusCompleted},
	}))
	phase, err = s.ActivePhase(dir)
	require.NoError(t, err)
	assert.Empty(t, phase)

	writeLogs(t, dir, sampleLogs("t", now, map[string]PhaseRecord{
		PhasePlanning: {Status: StatusPending},
		PhaseCoding:   {Status: StatusPending},
	}))
	phase, err = s.ActivePhase(dir)
	require.NoError(t, err)
	assert.Empty(t, phase)

	phase, err = s.ActivePhase(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, phase)
}
