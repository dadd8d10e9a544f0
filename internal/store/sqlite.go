package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps every node of the tree as one row keyed by its full path.
type SQLiteStore struct {
	db      *sql.DB
	timeout time.Duration
	now     func() time.Time
}

// OpenSQLite opens (or creates) a SQLite database at the given path and
// ensures the node table exists. Pass ":memory:" for an in-memory database.
// Every store call is bounded by timeout.
func OpenSQLite(dsn string, timeout time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// An in-memory database lives on a single connection.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SQLiteStore{db: db, timeout: timeout, now: time.Now}, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			path TEXT PRIMARY KEY,
			parent TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}

	return nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SQLiteStore) NewKey(string) string {
	return newKey()
}

func (s *SQLiteStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM nodes WHERE path = ?", path).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return value, nil
}

func (s *SQLiteStore) Children(ctx context.Context, path string) (map[string][]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "SELECT path, value FROM nodes WHERE parent = ?", path)
	if err != nil {
		return nil, fmt.Errorf("children %s: %w", path, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	prefix := path + "/"
	for rows.Next() {
		var childPath string
		var value []byte
		if err := rows.Scan(&childPath, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, err)
		}
		out[strings.TrimPrefix(childPath, prefix)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("children %s: %w", path, err)
	}
	return out, nil
}

func (s *SQLiteStore) Set(ctx context.Context, path string, value []byte) error {
	return s.Update(ctx, map[string][]byte{path: value})
}

func (s *SQLiteStore) Delete(ctx context.Context, path string) error {
	return s.Update(ctx, map[string][]byte{path: nil})
}

func (s *SQLiteStore) Update(ctx context.Context, updates map[string][]byte) error {
	if len(updates) == 0 {
		return nil
	}
	if err := checkUpdatePaths(updates); err != nil {
		return err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	del, err := tx.PrepareContext(ctx,
		"DELETE FROM nodes WHERE path = ? OR (path > ? AND path < ?)",
	)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer del.Close()

	ins, err := tx.PrepareContext(ctx,
		"INSERT INTO nodes (path, parent, value, updated_at) VALUES (?,?,?,?)",
	)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer ins.Close()

	now := s.now().UTC().Format(time.RFC3339Nano)
	for path, value := range updates {
		// '0' sorts right after '/', so the range covers exactly path's descendants.
		if _, err := del.ExecContext(ctx, path, path+"/", path+"0"); err != nil {
			return fmt.Errorf("clear %s: %w", path, err)
		}
		if value == nil {
			continue
		}
		if _, err := ins.ExecContext(ctx, path, parentOf(path), value, now); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
