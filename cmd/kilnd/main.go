// kilnd is the CI service daemon. It runs in one of two roles that share the
// same database: "serve" exposes the HTTP API, "controller" runs the
// reconciliation loop that drives sandbox lifecycles. The roles are separate
// processes so either can restart without taking the other down.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kilnci/kiln/internal/api"
	"github.com/kilnci/kiln/internal/auth"
	"github.com/kilnci/kiln/internal/controller"
	"github.com/kilnci/kiln/internal/db"
	"github.com/kilnci/kiln/internal/sandbox"
	"github.com/kilnci/kiln/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr          string
	dbDriver          string
	dbDSN             string
	containerPrefix   string
	reconcileInterval float64
	baseImage         string
	archiveDir        string
	logLevel          string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "kilnd",
		Short: "Kiln — CI service daemon",
		Long: `Kiln runs user-submitted test suites in isolated sandboxes and streams
their output live. "kilnd serve" exposes the HTTP API; "kilnd controller"
runs the reconciliation loop. Both roles share one database.`,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd(cfg))
	root.AddCommand(newControllerCmd(cfg))
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("CI_HTTP_ADDR", ":8000"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("CI_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("CI_DB_PATH", "ci_jobs.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.containerPrefix, "container-prefix", envOrDefault("CI_CONTAINER_PREFIX", ""), "Namespace prefix for sandbox container names")
	root.PersistentFlags().Float64Var(&cfg.reconcileInterval, "reconcile-interval", envFloatOrDefault("CI_RECONCILE_INTERVAL", 2.0), "Seconds between reconciliation passes")
	root.PersistentFlags().StringVar(&cfg.baseImage, "base-image", envOrDefault("CI_PYTHON_BASE_IMAGE", sandbox.DefaultImage), "Container image test suites run on")
	root.PersistentFlags().StringVar(&cfg.archiveDir, "archive-dir", envOrDefault("CI_ARCHIVE_DIR", ""), "Directory for staged archives (default: OS temp dir)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CI_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newServeCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
}

func newControllerCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Run the reconciling job controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(cmd.Context(), cfg)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kilnd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func runServe(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting kiln api server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}

	driver, err := sandbox.NewDriver(cfg.baseImage, cfg.containerPrefix, logger)
	if err != nil {
		return err
	}
	defer driver.Close()
	if err := driver.Ping(ctx); err != nil {
		// The API can still list jobs and accept submissions; only log
		// streaming needs the runtime.
		logger.Warn("container runtime unreachable", zap.Error(err))
	}

	jobs := store.NewJobStore(database)
	users := store.NewUserStore(database)
	keys := store.NewAPIKeyStore(database)

	router := api.NewRouter(api.RouterConfig{
		Authenticator: auth.NewAuthenticator(users, keys, logger),
		Jobs:          jobs,
		Driver:        driver,
		Logger:        logger,
		ArchiveDir:    cfg.archiveDir,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down kiln api server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func runController(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	interval := time.Duration(cfg.reconcileInterval * float64(time.Second))

	logger.Info("starting kiln controller",
		zap.String("version", version),
		zap.String("db_driver", cfg.dbDriver),
		zap.Duration("reconcile_interval", interval),
		zap.String("container_prefix", cfg.containerPrefix),
		zap.String("base_image", cfg.baseImage),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}

	driver, err := sandbox.NewDriver(cfg.baseImage, cfg.containerPrefix, logger)
	if err != nil {
		return err
	}
	defer driver.Close()
	if err := driver.Ping(ctx); err != nil {
		// The controller is useless without the runtime.
		return err
	}

	ctrl, err := controller.New(store.NewJobStore(database), driver, interval, logger)
	if err != nil {
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down kiln controller")
	return ctrl.Stop()
}

func openDatabase(ctx context.Context, cfg *config, logger *zap.Logger) (*gorm.DB, error) {
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx, database); err != nil {
		return nil, err
	}
	return database, nil
}

// gormLogLevel maps the service log level onto GORM's: SQL statements are
// only interesting at debug.
func gormLogLevel(level string) gormlogger.LogLevel {
	if level == "debug" {
		return gormlogger.Info
	}
	return gormlogger.Warn
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envFloatOrDefault reads a positive float from the environment. Unset,
// unparsable or non-positive values fall back to the default.
func envFloatOrDefault(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
}
