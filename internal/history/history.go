// Package history persists executed cells in SQLite so front ends can query
// them with history_request.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Entry is one executed cell.
type Entry struct {
	Session int64
	Line    int
	Input   string
	Output  string
}

// Store handles the history database.
type Store struct {
	db     *sql.DB
	dbPath string

	mu      sync.RWMutex
	session int64
}

// Open opens (and migrates) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dbPath != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// Every connection to :memory: is a separate database, and a single
	// writer avoids SQLITE_BUSY for file databases.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kernel_session TEXT NOT NULL,
		started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS history (
		session INTEGER NOT NULL,
		line INTEGER NOT NULL,
		source TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session, line),
		FOREIGN KEY (session) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_history_source ON history(source);
	`
	_, err := s.db.Exec(schema)
	return err
}

// StartSession registers a new kernel run and makes it the current session.
func (s *Store) StartSession(ctx context.Context, kernelSession string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO sessions (kernel_session) VALUES (?)", kernelSession)
	if err != nil {
		return 0, fmt.Errorf("failed to start history session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.session = id
	s.mu.Unlock()
	return id, nil
}

// Session returns the current session number (0 before StartSession).
func (s *Store) Session() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Record stores the cell executed as line in the current session.
func (s *Store) Record(ctx context.Context, line int, source, output string) error {
	session := s.Session()
	if session == 0 {
		return fmt.Errorf("history session not started")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO history (session, line, source, output) VALUES (?, ?, ?, ?)",
		session, line, source, output)
	if err != nil {
		return fmt.Errorf("failed to record history: %w", err)
	}
	return nil
}

// Tail returns the last n entries across all sessions, oldest first.
func (s *Store) Tail(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session, line, source, output FROM (
			SELECT session, line, source, output FROM history
			ORDER BY session DESC, line DESC LIMIT ?
		) ORDER BY session, line`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query history tail: %w", err)
	}
	return scanEntries(rows)
}

// Range returns lines [start, stop) of session. A session <= 0 is relative
// to the current one; stop <= 0 means "to the end".
func (s *Store) Range(ctx context.Context, session int64, start, stop int) ([]Entry, error) {
	if session <= 0 {
		session += s.Session()
	}
	if stop <= 0 {
		stop = int(^uint(0) >> 1)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session, line, source, output FROM history
		WHERE session = ? AND line >= ? AND line < ?
		ORDER BY line`, session, start, stop)
	if err != nil {
		return nil, fmt.Errorf("failed to query history range: %w", err)
	}
	return scanEntries(rows)
}

// Search returns up to n entries whose source matches the glob pattern,
// oldest first. With unique, repeated sources are reported once.
func (s *Store) Search(ctx context.Context, pattern string, n int, unique bool) ([]Entry, error) {
	if pattern == "" {
		pattern = "*"
	}
	if n <= 0 {
		n = -1
	}
	query := `
		SELECT session, line, source, output FROM (
			SELECT session, line, source, output FROM history
			WHERE source GLOB ?
			ORDER BY session DESC, line DESC
		) ORDER BY session, line`
	if unique {
		query = `
		SELECT session, line, source, output FROM (
			SELECT h.session, h.line, h.source, h.output FROM history h
			JOIN (
				SELECT source, MAX(session * 1000000000 + line) AS k FROM history
				WHERE source GLOB ? GROUP BY source
			) u ON u.source = h.source AND u.k = h.session * 1000000000 + h.line
			ORDER BY h.session DESC, h.line DESC
		) ORDER BY session, line`
	}

	rows, err := s.db.QueryContext(ctx, query, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to search history: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Session, &e.Line, &e.Input, &e.Output); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
