// Package ledger persists the set of staged task changes awaiting merge.
// The ledger is the source of truth between staging and commit: entries
// survive process restarts and failed commits.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/wrangle-dev/wrangle/internal/models"
)

// FileName is the ledger file inside the project state directory.
const FileName = "staged_changes.json"

// Ledger is a mutex-guarded, write-through view of the staged-changes file.
// Every mutation is persisted before it returns.
type Ledger struct {
	path string

	mu    sync.Mutex
	store models.StagedChangesStore
}

// Open loads the ledger at dir/staged_changes.json, upgrading older file
// formats in place. A missing file yields an empty ledger.
func Open(dir string) (*Ledger, error) {
	l := &Ledger{
		path:  filepath.Join(dir, FileName),
		store: models.StagedChangesStore{Version: CurrentVersion},
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", l.path, err)
	}

	store, upgraded, err := decodeStore(data)
	if err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", l.path, err)
	}
	l.store = store
	if upgraded {
		if err := l.save(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Stage records a task's staged files. A task holds at most one ledger entry:
// re-staging replaces the previous entry rather than accumulating a second.
func (l *Ledger) Stage(change models.StagedChange) error {
	if change.TaskID == "" {
		return fmt.Errorf("stage: empty task id")
	}
	if change.StagedAt.IsZero() {
		change.StagedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	replaced := false
	for i, existing := range l.store.Changes {
		if existing.TaskID == change.TaskID {
			l.store.Changes[i] = change
			replaced = true
			break
		}
	}
	if !replaced {
		l.store.Changes = append(l.store.Changes, change)
	}
	return l.save()
}

// List returns all staged changes ordered by staging time, oldest first.
func (l *Ledger) List() []models.StagedChange {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.StagedChange, len(l.store.Changes))
	copy(out, l.store.Changes)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StagedAt.Before(out[j].StagedAt)
	})
	return out
}

// Get returns the staged change for a task, if any.
func (l *Ledger) Get(taskID string) (models.StagedChange, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, change := range l.store.Changes {
		if change.TaskID == taskID {
			return change, true
		}
	}
	return models.StagedChange{}, false
}

// Remove drops a task's entry. Returns false when the task had none.
func (l *Ledger) Remove(taskID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, change := range l.store.Changes {
		if change.TaskID == taskID {
			l.store.Changes = append(l.store.Changes[:i], l.store.Changes[i+1:]...)
			return true, l.save()
		}
	}
	return false, nil
}

// Clear drops every entry, used after a successful commit of all tasks.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.store.Changes = nil
	return l.save()
}

// Len reports the number of staged tasks.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.store.Changes)
}

// save writes the current store atomically: temp file in the same directory,
// then rename over the target.
func (l *Ledger) save() error {
	l.store.Version = CurrentVersion

	data, err := json.MarshalIndent(l.store, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}
