package tasklog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Store reads phase logs with a per-directory last-known-good cache: a
// corrupt file (mid-write snapshot from a concurrent agent) falls back to the
// previous successfully parsed result instead of failing the caller.
type Store struct {
	mu    sync.Mutex
	cache map[string]*TaskLogs

	// Warnf receives non-fatal recovery notices (corrupt JSON). No-op by default.
	Warnf func(format string, args ...any)
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		cache: make(map[string]*TaskLogs),
		Warnf: func(string, ...any) {},
	}
}

// LoadFromPath reads the phase-log file in dir. A missing directory or file
// means "no logs yet" and returns (nil, nil). Corrupt JSON returns the cached
// last-known-good result for dir (nil if none) and logs a warning. Any other
// I/O failure is surfaced. Successful loads are redacted before caching.
func (s *Store) LoadFromPath(dir string) (*TaskLogs, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var logs TaskLogs
	if err := json.Unmarshal(data, &logs); err != nil {
		s.mu.Lock()
		cached := s.cache[dir]
		s.mu.Unlock()
		s.Warnf("corrupt phase log %s, serving last good copy: %v", path, err)
		// Copies keep the cached original safe from caller mutation.
		return cached.clone(), nil
	}

	logs.redactInPlace()

	s.mu.Lock()
	s.cache[dir] = &logs
	s.mu.Unlock()
	return logs.clone(), nil
}

// WorktreeSpecDir resolves the worktree-side copy of a spec directory:
// <projectPath>/.worktrees/<specID>/<specsRelPath>/<specID>.
func WorktreeSpecDir(projectPath, specsRelPath, specID string) string {
	return filepath.Join(projectPath, ".worktrees", specID, specsRelPath, specID)
}

// Load reads both candidate copies of a task's logs (main spec directory and
// the worktree mirror) and merges them phase-by-phase. A task may write
// planning output to the main tree before its worktree exists, then write
// coding/validation output only inside the worktree.
func (s *Store) Load(mainDir, projectPath, specsRelPath, specID string) (*TaskLogs, error) {
	main, err := s.LoadFromPath(mainDir)
	if err != nil {
		return nil, err
	}
	worktree, err := s.LoadFromPath(WorktreeSpecDir(projectPath, specsRelPath, specID))
	if err != nil {
		return nil, err
	}
	return Merge(main, worktree), nil
}

// ActivePhase returns the phase currently active in dir's (non-merged) logs,
// or "" when no phase is active — fully pending and fully completed runs both
// report no active phase.
func (s *Store) ActivePhase(dir string) (string, error) {
	logs, err := s.LoadFromPath(dir)
	if err != nil || logs == nil {
		return "", err
	}
	for _, name := range PhaseOrder {
		if logs.Phases[name].Status == StatusActive {
			return name, nil
		}
	}
	return "", nil
}

// Reset drops every cached entry. Explicit teardown only; the cache is never
// implicitly expired.
func (s *Store) Reset() {
	s.mu.Lock()
	s.cache = make(map[string]*TaskLogs)
	s.mu.Unlock()
}
