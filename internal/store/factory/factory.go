package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/tracevisor/internal/store"
	bd "github.com/loykin/tracevisor/internal/store/badger"
	pg "github.com/loykin/tracevisor/internal/store/postgres"
	sq "github.com/loykin/tracevisor/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - memory:   "memory://"
//   - sqlite:   "sqlite://<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - badger:   "badger://<dir>" ("badger://" alone keeps data in memory)
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "memory://") {
		return store.NewMemory(), nil
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "badger://") {
		dir := d[len("badger://"):]
		if dir == "" {
			return bd.NewInMemory()
		}
		return bd.New(dir)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(d[len("sqlite://"):])
	}
	// default to sqlite path
	return sq.New(d)
}

// Open builds the store for dsn and makes sure its schema exists.
func Open(ctx context.Context, dsn string) (store.Store, error) {
	s, err := NewFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("prepare state store: %w", err)
	}
	return s, nil
}
