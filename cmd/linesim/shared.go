package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/linesim/internal/config"
	"github.com/jkaninda/linesim/internal/observability"
	"github.com/jkaninda/linesim/internal/sandbox/wasmgen"
	"github.com/jkaninda/linesim/internal/simulation"
	"github.com/jkaninda/linesim/internal/storage"
	pgstore "github.com/jkaninda/linesim/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/linesim/internal/storage/sqlite"
	"github.com/jkaninda/linesim/internal/track"
)

// Exit codes shared by the commands.
const (
	ExitSuccess     = 0
	ExitFailure     = 1 // Usage, I/O or server errors, or an interrupted run.
	ExitRejected    = 2 // The module failed to load or asked for an invalid robot.
	ExitFaulted     = 3 // The run ended with a guest fault or solver divergence.
	ExitUnavailable = 4 // The linesim server could not be reached.
)

var (
	configPath string
	logLevel   string
)

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(goutils.Env("LINESIM_LOG_LEVEL", logLevel))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", logLevel)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})), nil
}

// loadConfig reads the config file when present. A missing file at the
// default path is not an error.
func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(goutils.Env("LINESIM_CONFIG", configPath))
}

// trackFlags override the configured track.
type trackFlags struct {
	builtin string
	file    string
}

func (f trackFlags) apply(cfg *config.Config) {
	if f.file != "" {
		cfg.Track.File = f.file
	} else if f.builtin != "" {
		cfg.Track.Builtin = f.builtin
		cfg.Track.File = ""
	}
}

func (f *trackFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.builtin, "track", "", "built-in track: "+strings.Join(track.Builtins(), ", "))
	cmd.Flags().StringVar(&f.file, "track-file", "", "YAML or JSON track description (overrides --track)")
}

// SharedComponents holds what every command that simulates needs. Built
// once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Obs    *observability.Observability
	Store  storage.Store // nil unless the command asked for storage.
	Runner simulation.Runner
	Track  *track.Track

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// Options returns run options from the configuration.
func (sc *SharedComponents) Options() simulation.Options {
	return simulation.Options{
		Track:     sc.Track,
		Params:    sc.Config.Params(),
		TotalTime: sc.Config.TotalTime(),
		Limits:    sc.Config.Limits(),
		Logger:    sc.Logger,
	}
}

// initShared builds observability, the runner, the track and, with
// withStore, the run store. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, withStore bool) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	trk, err := cfg.LoadTrack()
	if err != nil {
		return nil, fmt.Errorf("loading track: %w", err)
	}
	sc.Track = trk
	logger.Debug("track loaded",
		slog.String("name", trk.Name),
		slog.Int("segments", len(trk.Segments)),
		slog.Float64("length_m", trk.Length()),
	)

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", slog.String("error", err.Error()))
		}
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	sc.Runner = obs.Instrument(simulation.Local{})

	// Readiness: the sandbox can still compile and configure a controller.
	canary := wasmgen.Sample(referenceRobot("readiness"))
	limits := cfg.Limits()
	obs.Health.AddCheck("sandbox", func(ctx context.Context) error {
		_, err := simulation.RobotConfiguration(ctx, canary, limits)
		return err
	})

	if !withStore {
		return sc, nil
	}

	// Storage (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	obs.Health.AddCheck("storage", store.Ping)

	return sc, nil
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case "postgres":
		return initPostgresStore(cfg, logger)
	case "sqlite":
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or LINESIM_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}

func readModule(path string) ([]byte, error) {
	module, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading module: %w", err)
	}
	return module, nil
}
