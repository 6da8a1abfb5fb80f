package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wrangle-dev/wrangle/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the history database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. One connection serializes
	// all access through Go's pool and avoids "database is locked" errors
	// when a commit and an MCP query race.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordMerge inserts one merge attempt. An empty ID is assigned a ULID;
// a zero MergedAt is stamped with the current time.
func (s *SQLiteStore) RecordMerge(ctx context.Context, rec *MergeRecord) error {
	if rec.ID == "" {
		rec.ID = newULID()
	}
	if rec.MergedAt.IsZero() {
		rec.MergedAt = time.Now().UTC()
	}

	files, err := json.Marshal(rec.Files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO merges (id, task_id, spec_name, commit_hash, message, mode, files, success, error, merged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.SpecName, rec.CommitHash, rec.Message, string(rec.Mode),
		string(files), boolToInt(rec.Success), rec.Error, rec.MergedAt,
	)
	if err != nil {
		return fmt.Errorf("record merge: %w", err)
	}
	return nil
}

// ListMerges returns the most recent merges, newest first. limit <= 0 means
// no limit.
func (s *SQLiteStore) ListMerges(ctx context.Context, limit int) ([]*MergeRecord, error) {
	query := `SELECT id, task_id, spec_name, commit_hash, message, mode, files, success, error, merged_at
		FROM merges ORDER BY merged_at DESC, id DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, query+" LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("list merges: %w", err)
	}
	defer rows.Close()
	return scanMerges(rows)
}

// ListMergesForTask returns a task's merges, newest first.
func (s *SQLiteStore) ListMergesForTask(ctx context.Context, taskID string) ([]*MergeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, spec_name, commit_hash, message, mode, files, success, error, merged_at
		FROM merges WHERE task_id = ? ORDER BY merged_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list merges for task: %w", err)
	}
	defer rows.Close()
	return scanMerges(rows)
}

func scanMerges(rows *sql.Rows) ([]*MergeRecord, error) {
	var records []*MergeRecord
	for rows.Next() {
		rec := &MergeRecord{}
		var mode, files string
		var success int
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.SpecName, &rec.CommitHash, &rec.Message,
			&mode, &files, &success, &rec.Error, &rec.MergedAt); err != nil {
			return nil, fmt.Errorf("scan merge: %w", err)
		}
		rec.Mode = models.CommitMode(mode)
		rec.Success = success != 0
		if err := json.Unmarshal([]byte(files), &rec.Files); err != nil {
			return nil, fmt.Errorf("decode files: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
