// Package postgres stores runs and their traces in PostgreSQL through GORM.
// The models and the run repository are shared with the SQLite backend.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Pool defaults applied by Open.
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	slowQueryThreshold = 200 * time.Millisecond
)

// Config configures the PostgreSQL connection and pool. Zero fields take
// the package defaults.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = defaultConnMaxIdleTime
	}
	return c
}

// DB is an open PostgreSQL connection pool with the run schema migrated.
type DB struct {
	gormDB *gorm.DB
	logger *slog.Logger
}

// Open connects, sizes the pool and migrates the run tables.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres DSN is required")
	}
	if slogger == nil {
		slogger = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.withDefaults()

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      NewGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.AutoMigrate(Models()...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrating run tables: %w", err)
	}

	slogger.Info("postgres connected",
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
		slog.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
	)
	return &DB{gormDB: db, logger: slogger}, nil
}

// GormDB returns the connection for repository constructors.
func (d *DB) GormDB() *gorm.DB {
	return d.gormDB
}

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the pool.
func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	d.logger.Debug("postgres pool closing", slog.Int("open_conns", sqlDB.Stats().OpenConnections))
	return sqlDB.Close()
}

// NewGormLogger routes GORM's slow-query and error reports to slogger.
// Both SQL backends use it.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogWriter{slogger},
		logger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// slogWriter satisfies logger.Writer. GORM prefixes messages with the
// caller's file:line, which is kept as the message body.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	msg := strings.TrimSpace(fmt.Sprintf(format, args...))
	w.logger.Warn("gorm", slog.String("component", "storage"), slog.String("detail", msg))
}
