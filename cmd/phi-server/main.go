package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lumenhealth/lumen/internal/config"
	"github.com/lumenhealth/lumen/internal/platform/db"
	"github.com/lumenhealth/lumen/internal/platform/middleware"
	"github.com/lumenhealth/lumen/internal/platform/phi"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "phi-server",
		Short: "PHI protection service: per-subject encryption, sharing filter, audit ledger",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(purgeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the PHI protection server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a hex-encoded 32-byte secret for PHI_MASTER_SECRET and friends",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := newHexSecret(rand.Reader)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete audit events past their retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd.Context())
		},
	}
}

// newHexSecret reads 32 bytes of entropy and hex-encodes them.
func newHexSecret(r io.Reader) (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	master, sharingSecret, integrity, err := cfg.ResolveSecrets(logger)
	if err != nil {
		return err
	}

	ctx := context.Background()

	// Audit storage. Postgres when configured; Validate guarantees that for
	// production, so the in-memory fallback only ever serves development.
	var (
		store phi.Store
		pool  *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		p, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer p.Close()
		if err := db.Migrate(ctx, p, phi.Schema()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		store = phi.NewPostgresStore(p)
		pool = p
		logger.Info().Msg("audit store: postgres")
	} else {
		store = phi.NewMemoryStore()
		logger.Warn().Msg("no DATABASE_URL configured, audit events are held in memory only")
	}

	ledger, err := phi.NewLedger(store, phi.LedgerConfig{
		IntegritySecret: integrity,
		RetentionYears:  cfg.AuditRetentionYears,
		BatchSize:       cfg.AuditBatchSize,
		FlushInterval:   cfg.FlushInterval(),
	}, logger)
	if err != nil {
		return err
	}
	ledger.Start()

	keys, err := phi.NewKeyManager(phi.KeyManagerConfig{
		MasterSecret:   master,
		RotationPeriod: time.Duration(cfg.KeyRotationDays) * 24 * time.Hour,
	}, ledger, logger)
	if err != nil {
		return err
	}
	cipher := phi.NewCipher(keys, ledger, logger)
	sharing, err := phi.NewSharingFilter(sharingSecret, ledger, logger)
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Identity())
	e.Use(middleware.Audit(ledger, logger))

	actorID := func(c echo.Context) string {
		return middleware.ActorFromContext(c.Request().Context()).ID
	}

	api := e.Group("", requestTimeout(cfg.DeriveTimeout()))
	phi.NewHandler(ledger, keys, actorID, logger).RegisterRoutes(api)
	phi.NewRecordHandler(cipher, sharing, logger).RegisterRoutes(api)

	if pool != nil {
		e.GET("/healthz", db.HealthHandler(pool))
	} else {
		e.GET("/healthz", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server stopped")
		}
	}()
	logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("phi-server listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	// Stop accepting traffic first, then drain the audit queue. Losing queued
	// audit events on shutdown would break the trail's completeness.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := ledger.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final audit flush")
	}
	return nil
}

// requestTimeout bounds each request's context so key derivation and store
// writes cannot hang a handler indefinitely.
func requestTimeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func runPurge(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("purge requires DATABASE_URL")
	}
	_, _, integrity, err := cfg.ResolveSecrets(logger)
	if err != nil {
		return err
	}

	p, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer p.Close()

	ledger, err := phi.NewLedger(phi.NewPostgresStore(p), phi.LedgerConfig{
		IntegritySecret: integrity,
		RetentionYears:  cfg.AuditRetentionYears,
	}, logger)
	if err != nil {
		return err
	}

	deleted, err := ledger.PurgeExpired(ctx, "phi-server-cli")
	if err != nil {
		return err
	}
	if err := ledger.Close(ctx); err != nil {
		return err
	}
	logger.Info().Int64("deleted", deleted).Msg("retention purge complete")
	return nil
}
