package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// The path is a filesystem path to the database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks from other processes
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS identity(
			key TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`)
	return err
}

func (s *DB) Get(ctx context.Context, key string) (int, bool, error) {
	var pid int
	err := s.db.QueryRowContext(ctx, `SELECT pid FROM identity WHERE key=?;`, key).Scan(&pid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return pid, true, nil
}

func (s *DB) Set(ctx context.Context, key string, pid int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity(key, pid, updated_at)
		VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			pid=excluded.pid,
			updated_at=excluded.updated_at;`,
		key, pid, time.Now().UTC())
	return err
}

func (s *DB) Close() error { return s.db.Close() }
