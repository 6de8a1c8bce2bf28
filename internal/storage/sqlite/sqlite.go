// Package sqlite is the default run store: a single SQLite file opened
// through the pure-Go glebarez/sqlite GORM driver, so no CGO is needed.
//
// It shares the run models and repository with the PostgreSQL backend.
// JSON columns are stored as TEXT and traces as BLOBs.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/linesim/internal/storage"
	pgstore "github.com/jkaninda/linesim/internal/storage/postgres"
)

const (
	memoryPath         = ":memory:"
	defaultJournalMode = "wal"
	busyTimeoutMS      = 5000
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file, or ":memory:".
	JournalMode string // Defaults to "wal".
}

// dsn appends the connection pragmas to the path.
func (c Config) dsn() string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", c.journalMode()))
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	q.Add("_pragma", "foreign_keys(ON)")
	return c.Path + "?" + q.Encode()
}

func (c Config) journalMode() string {
	if c.JournalMode == "" {
		return defaultJournalMode
	}
	return c.JournalMode
}

// Store implements storage.Store on one SQLite database.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string

	once sync.Once
	runs *pgstore.RunRepository
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates the database, creating its directory if needed.
// Call Migrate before first use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if slogger == nil {
		slogger = slog.New(slog.DiscardHandler)
	}

	if cfg.Path != memoryPath {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.dsn()), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", cfg.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	// One connection keeps ":memory:" alive and serializes writers.
	sqlDB.SetMaxOpenConns(1)

	slogger.Info("sqlite store opened",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", cfg.journalMode()),
	)
	return &Store{db: db, logger: slogger, path: cfg.Path}, nil
}

// Migrate creates or updates the run tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(pgstore.Models()...); err != nil {
		return fmt.Errorf("migrating %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return storage.DriverSQLite }

// Runs returns the shared GORM run repository on this database.
func (s *Store) Runs() storage.RunStore {
	s.once.Do(func() {
		s.runs = pgstore.NewRunRepository(s.db)
	})
	return s.runs
}
