package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS identity(
			key TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`)
	return err
}

func (p *DB) Get(ctx context.Context, key string) (int, bool, error) {
	var pid int
	err := p.db.QueryRowContext(ctx, `SELECT pid FROM identity WHERE key=$1;`, key).Scan(&pid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return pid, true, nil
}

func (p *DB) Set(ctx context.Context, key string, pid int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO identity(key, pid, updated_at)
		VALUES($1, $2, $3)
		ON CONFLICT(key) DO UPDATE SET
			pid=EXCLUDED.pid,
			updated_at=EXCLUDED.updated_at;`,
		key, pid, time.Now().UTC())
	return err
}

func (p *DB) Close() error { return p.db.Close() }
