package persistence

import (
	"context"
	"errors"

	"strategy-core/pkg/db"
)

// SQLiteStore keeps values in the kv table. The pool is limited to a single
// connection, which serializes writes inside the process.
type SQLiteStore struct {
	db   *db.Database
	owns bool
}

// NewSQLiteStore wraps an opened, migrated database. When owns is true Close
// also closes the database.
func NewSQLiteStore(database *db.Database, owns bool) *SQLiteStore {
	return &SQLiteStore{db: database, owns: owns}
}

func (s *SQLiteStore) Save(ctx context.Context, key string, value []byte) error {
	return s.db.PutKV(ctx, key, value)
}

func (s *SQLiteStore) Load(ctx context.Context, key string) ([]byte, error) {
	v, err := s.db.GetKV(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	return s.db.DeleteKV(ctx, key)
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.db.KVExists(ctx, key)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *SQLiteStore) Close() error {
	if !s.owns {
		return nil
	}
	return s.db.Close()
}

// Database exposes the handle so the transition journal can share it.
func (s *SQLiteStore) Database() *db.Database { return s.db }
