package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/cubelink/internal/config"
	"github.com/jkaninda/cubelink/internal/cube"
	"github.com/jkaninda/cubelink/internal/instruction"
	"github.com/jkaninda/cubelink/internal/logging"
	"github.com/jkaninda/cubelink/internal/notification"
	"github.com/jkaninda/cubelink/internal/observability"
	"github.com/jkaninda/cubelink/internal/pipeline"
	"github.com/jkaninda/cubelink/internal/sandbox"
	"github.com/jkaninda/cubelink/internal/secrets"
	"github.com/jkaninda/cubelink/internal/source"
	"github.com/jkaninda/cubelink/internal/storage"
	pgstore "github.com/jkaninda/cubelink/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/cubelink/internal/storage/sqlite"
	"github.com/jkaninda/cubelink/internal/transport"
)

// configPath is shared by every command.
var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
}

// SharedComponents holds the subsystems every command builds the pipeline
// from. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     storage.Store
	Obs       *observability.Observability
	Sandbox   *sandbox.Supervisor
	Transport *transport.Supervisor
	Bench     *cube.Bench // Simulated devices behind sim:// ports.
	Runner    *pipeline.Runner
	Notify    *notification.Dispatcher // nil when notifications are disabled.

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

// loadConfig reads the config file (CUBELINK_CONFIG wins over --config) and
// builds the process logger from it.
func loadConfig() (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(goutils.Env("CUBELINK_CONFIG", configPath))
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		File:    cfg.Logging.File,
		Journal: cfg.Logging.JournalMode(),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing logging: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, func() { _ = closeLog() }, nil
}

// initShared performs the initialization common to all commands.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
		Bench:  cube.NewBench(cube.DeviceOptions{}),
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	encoding, err := instruction.ParseEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}

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
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	if err := resolveSecrets(cfg, logger); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("resolving secrets: %w", err)
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

	// Sandbox.
	sup, err := initSandbox(cfg, encoding, dataDir, obs, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	sc.Sandbox = sup
	logger.Debug("sandbox initialized", slog.String("backend", sup.Config().Backend))

	// Transport.
	sc.Transport = transport.NewSupervisor(transport.NewRouter(sc.Bench), nil, transport.SupervisorConfig{
		Session: transport.SessionOptions{
			BaudRate:    cfg.Transport.Baud(),
			SettleDelay: cfg.Transport.SettleDelay(),
			ReadyLine:   cfg.Transport.ReadyLine,
			Encoding:    encoding,
		},
		SessionDeadline: cfg.Transport.SessionDeadline(),
		Grace:           cfg.Transport.Grace(),
		RecoveryTimeout: cfg.Transport.RecoveryTimeout(),
		LockWait:        cfg.Transport.LockWait(),
	}, logger)

	var (
		executor  pipeline.Executor  = sup
		deliverer pipeline.Deliverer = sc.Transport
	)
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil) {
		executor = observability.NewInstrumentedExecutor(executor, obs.Metrics, obs.Tracer, obs.Anomaly)
		deliverer = observability.NewInstrumentedDeliverer(deliverer, obs.Metrics, obs.Tracer, obs.Anomaly)
	}

	// Run alerts (optional).
	var notifier pipeline.Notifier
	if n := cfg.Notifications; n != nil && n.Enabled && len(n.Channels) > 0 {
		sc.Notify = notification.FromConfig(n, logger)
		notifier = notification.NewRunNotifier(sc.Notify, n.Events(), logger)
		logger.Debug("run alerts enabled", slog.Int("channels", len(n.Channels)), slog.Any("outcomes", n.Events()))
	}

	sc.Runner = pipeline.NewRunner(pipeline.Options{
		Resolver:    &source.Resolver{DemoDir: cfg.DemoDir},
		Executor:    executor,
		Deliverer:   deliverer,
		Runs:        store.Runs(),
		Notifier:    notifier,
		DefaultPort: cfg.Transport.DefaultPort,
		Logger:      logger,
	})

	return sc, nil
}

// resolveSecrets replaces env:// and vault:// references in the postgres DSN
// and the notification channel settings with the values they point to.
func resolveSecrets(cfg *config.Config, logger *slog.Logger) error {
	var providers []secrets.Provider
	if cfg.Secrets != nil && cfg.Secrets.Vault != nil {
		v := cfg.Secrets.Vault
		vault, err := secrets.NewVaultProvider(secrets.VaultOptions{
			Address:       v.Address,
			Token:         v.Token,
			Namespace:     v.Namespace,
			Timeout:       time.Duration(v.TimeoutSeconds) * time.Second,
			TLSSkipVerify: v.TLSSkipVerify,
		})
		if err != nil {
			return err
		}
		providers = append(providers, vault)
	}
	resolver := secrets.NewResolver(providers...)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn, err := resolver.Resolve(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn: %w", err)
		}
		cfg.Storage.Postgres.DSN = dsn
	}
	if cfg.Notifications != nil {
		for i := range cfg.Notifications.Channels {
			ch := &cfg.Notifications.Channels[i]
			if err := resolver.ResolveMap(ctx, ch.Settings); err != nil {
				return fmt.Errorf("notifications.channels.%s.%w", ch.Name, err)
			}
		}
	}
	logger.Debug("secrets resolved", slog.Int("providers", len(providers)+1))
	return nil
}

func initSandbox(cfg *config.Config, encoding instruction.Encoding, dataDir string, obs *observability.Observability, logger *slog.Logger) (*sandbox.Supervisor, error) {
	sb := cfg.Sandbox
	sandboxCfg := sandbox.Config{
		Backend:         sb.Type,
		Encoding:        encoding,
		PythonDeadline:  sb.PythonDeadline(),
		CPPDeadline:     sb.CPPDeadline(),
		DockerStartup:   sb.DockerStartup(),
		CompileTimeout:  sb.CompileTimeout(),
		MaxInstructions: sb.InstructionCap(),
		Limits: sandbox.ResourceLimits{
			MaxCPUSeconds: sb.MaxCPUSeconds,
			MaxMemoryMB:   sb.MaxMemoryMB,
		},
		Compiler: sb.Compiler,
		BuildDir: filepath.Join(dataDir, "build"),
		Docker: sandbox.DockerConfig{
			Image:          sb.Docker.Image,
			MemoryMB:       sb.Docker.MemoryMB,
			CPUCores:       sb.Docker.CPUCores,
			PIDsLimit:      sb.Docker.PIDsLimit,
			NetworkAllowed: sb.Docker.NetworkAllowed,
		},
	}
	if metrics := obs.MetricsOrNil(); metrics != nil || obs.TracerOrNil() != nil {
		sandboxCfg.Instrument = observability.SandboxInstrument(metrics, obs.TracerOrNil())
	}
	return sandbox.NewSupervisor(sandboxCfg, logger)
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
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
	var pgCfg pgstore.Config
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pg := cfg.Storage.Postgres
		pgCfg = pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}
	}
	if pgCfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or CUBELINK_DB_DSN)")
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}
