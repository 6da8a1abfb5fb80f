package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrangle-dev/wrangle/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), FileName)

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, ".wrangle", FileName)

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, ".wrangle"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestRecordMergeAssignsIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &MergeRecord{
		TaskID:     "auth-task",
		SpecName:   "auth-task",
		CommitHash: "abc123",
		Message:    "feat(auth-task): implement auth-task",
		Mode:       models.CommitByTask,
		Files:      []string{"src/auth.ts"},
		Success:    true,
	}
	require.NoError(t, s.RecordMerge(ctx, rec))
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.MergedAt.IsZero())
}

func TestListMergesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	for i, task := range []string{"first", "second", "third"} {
		require.NoError(t, s.RecordMerge(ctx, &MergeRecord{
			TaskID:   task,
			SpecName: task,
			Message:  "feat(" + task + "): implement " + task,
			Mode:     models.CommitByTask,
			Files:    []string{task + ".go"},
			Success:  true,
			MergedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := s.ListMerges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "third", records[0].TaskID)
	assert.Equal(t, "first", records[2].TaskID)

	limited, err := s.ListMerges(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "third", limited[0].TaskID)
}

func TestListMergesForTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordMerge(ctx, &MergeRecord{
		TaskID: "a", SpecName: "a", Message: "m", Mode: models.CommitAll, Success: true,
	}))
	require.NoError(t, s.RecordMerge(ctx, &MergeRecord{
		TaskID: "b", SpecName: "b", Message: "m", Mode: models.CommitAll, Success: false,
		Error: "commit failed",
	}))

	records, err := s.ListMergesForTask(ctx, "b")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Equal(t, "commit failed", records[0].Error)

	records, err = s.ListMergesForTask(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecordMergeRoundTripsFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	files := []string{"src/a.ts", "src/b.ts", "docs/readme.md"}
	require.NoError(t, s.RecordMerge(ctx, &MergeRecord{
		TaskID: "t", SpecName: "t", Message: "m", Mode: models.CommitPartial,
		Files: files, Success: true,
	}))

	records, err := s.ListMerges(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, files, records[0].Files)
	assert.Equal(t, models.CommitPartial, records[0].Mode)
}
