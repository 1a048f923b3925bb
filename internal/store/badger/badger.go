package badger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "identity:"

// DB implements store.Store on an embedded BadgerDB directory.
type DB struct {
	db *badger.DB
}

// New opens (or creates) a BadgerDB in dir.
func New(dir string) (*DB, error) {
	d := strings.TrimSpace(dir)
	if d == "" {
		return nil, errors.New("empty badger directory")
	}
	return open(badger.DefaultOptions(d))
}

// NewInMemory opens a BadgerDB that keeps everything in memory.
func NewInMemory() (*DB, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*DB, error) {
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &DB{db: db}, nil
}

func (s *DB) EnsureSchema(context.Context) error { return nil }

func (s *DB) Get(_ context.Context, key string) (int, bool, error) {
	var pid int
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			n, err := strconv.Atoi(string(val))
			if err != nil {
				return fmt.Errorf("decode pid for %q: %w", key, err)
			}
			pid = n
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return pid, true, nil
}

func (s *DB) Set(_ context.Context, key string, pid int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), []byte(strconv.Itoa(pid)))
	})
}

func (s *DB) Close() error { return s.db.Close() }
