package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/linesim/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the storage.Store view of a DB.
type Store struct {
	db *DB

	once sync.Once
	runs *RunRepository
}

// NewStore wraps db. Its schema is already migrated by Open.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Migrate is a no-op: Open migrates before returning.
func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Driver() string { return storage.DriverPostgres }

// Runs returns the run repository, created on first use.
func (s *Store) Runs() storage.RunStore {
	s.once.Do(func() {
		s.runs = NewRunRepository(s.db.GormDB())
	})
	return s.runs
}
