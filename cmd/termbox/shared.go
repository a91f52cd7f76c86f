package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/termbox/internal/auth"
	"github.com/jkaninda/termbox/internal/config"
	"github.com/jkaninda/termbox/internal/observability"
	"github.com/jkaninda/termbox/internal/sandbox"
	"github.com/jkaninda/termbox/internal/session"
	"github.com/jkaninda/termbox/internal/storage"
	pgstore "github.com/jkaninda/termbox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/termbox/internal/storage/sqlite"
	"github.com/jkaninda/termbox/internal/terminal"
	"github.com/jkaninda/termbox/internal/workspace"
)

const orphanCleanupTimeout = 30 * time.Second

// SharedComponents holds every initialized subsystem the server needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store // Unified store (SQLite or PostgreSQL).
	Obs       *observability.Observability
	Backend   sandbox.Backend
	Auth      *auth.Manager
	Sessions  *session.Manager
	Bridge    *terminal.Bridge

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

// initShared performs all initialization shared by the server.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	// Storage (unified: SQLite default, PostgreSQL optional).
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
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Sandbox backend.
	backend, err := initBackend(ctx, cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	if c, ok := backend.(interface{ Close() error }); ok {
		sc.addCleanup(func() { _ = c.Close() })
	}
	logger.Debug("sandbox initialized",
		slog.String("type", backend.Name()),
		slog.Duration("execution_timeout", cfg.Sandbox.ExecutionTimeout()),
	)
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		backend = observability.NewInstrumentedBackend(backend, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}
	sc.Backend = backend

	registerHealthChecks(cfg, obs.Health, store, backend)

	// Accounts.
	sc.Auth = auth.NewManager(auth.Config{
		Secret:   cfg.Auth.JWTSecret,
		TokenTTL: cfg.Auth.TokenTTL(),
		Issuer:   cfg.Auth.TokenIssuer(),
	}, store.Users())
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no auth.jwt_secret configured, tokens will not survive a restart")
	}

	// Sessions.
	sc.Sessions = session.NewManager(session.NewRegistry(), backend, session.Config{
		IdleTimeout:      cfg.Session.IdleTimeout(),
		ProvisionTimeout: cfg.Session.ProvisionTimeout(),
		StopTimeout:      cfg.Session.StopTimeout(),
	}, logger).
		WithMetrics(session.NewMetrics(obs.MetricsOrNil().RegistryOrNil())).
		WithRecorder(store.SessionEvents())

	sc.Bridge = terminal.NewBridge(sc.Sessions, terminal.Options{
		MountPoint:  mountPoint(cfg, ws),
		SyntaxCheck: cfg.Session.SyntaxCheckEnabled(),
		Projects:    storage.ProjectIndex{Projects: store.Projects()},
	}, logger)

	return sc, nil
}

func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	root := cfg.Workspace
	if root == "" {
		return workspace.Default()
	}
	return workspace.New(root)
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or TERMBOX_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// initBackend creates the sandbox backend selected by sandbox.type.
func initBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sandbox.Backend, error) {
	sb := cfg.Sandbox
	switch sb.SandboxType() {
	case "process":
		logger.Warn("process sandbox selected: commands run on the host without container isolation")
		return sandbox.NewProcessBackend(sandbox.ProcessConfig{
			Timeout: sb.ExecutionTimeout(),
			Limits: sandbox.ResourceLimits{
				MaxCPUSeconds: sb.MaxCPUSeconds,
				MaxMemoryMB:   sb.MemoryMB(),
			},
		}, logger), nil

	case "docker":
		d, err := sandbox.NewDockerBackend(sandbox.DockerConfig{
			Host:           sb.Docker.Host,
			Image:          sb.Docker.Image,
			Shell:          sb.Docker.Shell,
			MountPoint:     sb.Docker.DockerMountPoint(),
			Timeout:        sb.ExecutionTimeout(),
			Memory:         sb.Memory,
			CPUCores:       sb.Docker.CPUCores,
			PIDsLimit:      sb.Docker.PIDsLimit,
			NetworkAllowed: sb.NetworkAllowed,
			PullMissing:    sb.Docker.ShouldPullMissing(),
			StopWait:       sb.Docker.StopGrace(),
		}, logger)
		if err != nil {
			return nil, err
		}
		if sb.Docker.RemoveOrphans {
			octx, cancel := context.WithTimeout(ctx, orphanCleanupTimeout)
			defer cancel()
			if _, err := d.RemoveOrphans(octx); err != nil {
				logger.Warn("orphan container cleanup failed", slog.String("error", err.Error()))
			}
		}
		return d, nil

	default:
		return nil, fmt.Errorf("unknown sandbox type %q", sb.Type)
	}
}

// registerHealthChecks wires readiness probes for the store and, when the
// backend can be pinged, the sandbox daemon.
func registerHealthChecks(cfg *config.Config, hc *observability.HealthChecker, store storage.Store, backend sandbox.Backend) {
	includeDB, includeSandbox := true, true
	if cfg.Observability != nil && cfg.Observability.Health != nil {
		includeDB = cfg.Observability.Health.IncludeDB
		includeSandbox = cfg.Observability.Health.IncludeSandbox
	}
	if includeDB {
		hc.AddCheck("database", store.Ping)
	}
	if p, ok := backend.(sandbox.Pinger); ok && includeSandbox {
		hc.AddCheck("sandbox", p.Ping)
	}
}

// mountPoint is the location shown to users as where their files live.
func mountPoint(cfg *config.Config, ws *workspace.Workspace) string {
	if cfg.Sandbox.SandboxType() == "docker" {
		return cfg.Sandbox.Docker.DockerMountPoint()
	}
	return ws.Root
}

// loadConfig resolves the config path (TERMBOX_CONFIG wins over the flag)
// and loads it. A missing file at the default location yields defaults.
func loadConfig(flagPath string) (*config.Config, error) {
	path := goutils.Env("TERMBOX_CONFIG", flagPath)
	if path == config.DefaultConfigPath() {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

// newLogger builds the JSON logger at the requested level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
