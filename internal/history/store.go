// Package history persists a durable record of every merge commit wrangle
// makes, queryable after worktrees and ledger entries are long gone.
package history

import (
	"context"
	"time"

	"github.com/wrangle-dev/wrangle/internal/models"
)

// FileName is the history database inside the project state directory.
const FileName = "history.db"

// MergeRecord is one committed (or attempted) merge of a task's staged files.
type MergeRecord struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"taskId"`
	SpecName   string            `json:"specName"`
	CommitHash string            `json:"commitHash,omitempty"`
	Message    string            `json:"message"`
	Mode       models.CommitMode `json:"mode"`
	Files      []string          `json:"files"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	MergedAt   time.Time         `json:"mergedAt"`
}

// Store defines the merge-history persistence interface.
type Store interface {
	RecordMerge(ctx context.Context, rec *MergeRecord) error
	ListMerges(ctx context.Context, limit int) ([]*MergeRecord, error)
	ListMergesForTask(ctx context.Context, taskID string) ([]*MergeRecord, error)
	Migrate(ctx context.Context) error
	Close() error
}
