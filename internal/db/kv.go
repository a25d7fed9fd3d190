package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/routinesync/internal/storage"
)

var (
	_ storage.KeyValueStore = (*KVStore)(nil)
	_ storage.Closer        = (*KVStore)(nil)
)

// KVStore is a durable key/value store over the kv_store table. Each Set is
// a single UPSERT statement, which SQLite applies atomically.
type KVStore struct {
	db *sql.DB

	// Prepared statements are created on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewKVStore creates a KVStore over db. Migrations must have been applied.
func NewKVStore(db *sql.DB) *KVStore {
	return &KVStore{db: db}
}

// OpenKVStore opens the database file at path, applies migrations and
// returns a ready store. The returned store owns the connection.
func OpenKVStore(path string) (*KVStore, error) {
	database, err := OpenPath(path)
	if err != nil {
		return nil, err
	}
	if err := NewEmbeddedMigrator(database.DB).Up(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return NewKVStore(database.DB), nil
}

// prepareStmt gets or creates a prepared statement from cache.
func (s *KVStore) prepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have prepared the same query meanwhile
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Get implements storage.KeyValueStore.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	stmt, err := s.prepareStmt(ctx, `SELECT value FROM kv_store WHERE key = ?`)
	if err != nil {
		return nil, false, err
	}

	var value []byte
	err = stmt.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

// Set implements storage.KeyValueStore.
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	stmt, err := s.prepareStmt(ctx, `
	INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := stmt.ExecContext(ctx, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Close closes cached statements and the underlying database.
func (s *KVStore) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
