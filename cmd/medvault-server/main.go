package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medvault/medvault/internal/config"
	"github.com/medvault/medvault/internal/domain/patient"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/middleware"
	"github.com/medvault/medvault/internal/platform/phi"
	"github.com/medvault/medvault/internal/platform/realtime"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medvault-server",
		Short: "Encrypted patient data API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keygenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random encryption master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, 32)
			if _, err := crypto_rand.Read(key); err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			fmt.Println(hex.EncodeToString(key))
			return nil
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	masterKey, err := cfg.MasterKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid encryption master key")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Encryption layer
	keyRepo := phi.NewPGKeyRepository(pool)
	auditRepo := phi.NewPGAuditRepository(pool)

	keyStore, err := phi.NewKeyStore(masterKey, keyRepo, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create key store")
	}
	if err := keyStore.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to load encryption keys")
	}
	active, _ := keyStore.ActiveVersion()
	logger.Info().Str("active_key_version", active).Msg("encryption keys loaded")

	auditSink := phi.NewRepoAuditSink(auditRepo, logger)
	encSvc := phi.NewService(keyStore, auditSink, logger)

	// Real-time layer
	registry := realtime.NewRegistry(logger)
	dispatcher := realtime.NewDispatcher(registry)

	// Patient domain
	patientRepo := patient.NewPGRepository(pool)
	patientSvc := patient.NewService(patientRepo, encSvc, dispatcher, logger)
	patientHandler := patient.NewHandler(patientSvc)

	rotator := phi.NewRotator(keyStore, patientSvc, logger)
	encHandler := phi.NewHandler(keyStore, rotator, encSvc, auditRepo)

	health := &healthSource{pool: pool, registry: registry, audit: auditRepo}
	wsHandler := realtime.NewHandler(registry, dispatcher, patientSvc, health,
		[]byte(cfg.JWTSecret), cfg.WSIdleTimeout, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "20M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// API group: authenticated and rate limited
	apiV1 := e.Group("/api/v1")
	apiV1.Use(auth.JWTMiddleware([]byte(cfg.JWTSecret)))
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	patientHandler.RegisterRoutes(apiV1)

	adminGroup := apiV1.Group("", auth.RequireRole(auth.AdminRole))
	encHandler.RegisterRoutes(adminGroup)

	// WebSocket endpoint authenticates via its token query parameter, so it
	// sits outside the JWT header middleware.
	wsHandler.RegisterRoutes(e.Group(""))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Background tasks
	taskCtx, taskCancel := context.WithCancel(ctx)
	defer taskCancel()
	realtime.StartHeartbeat(taskCtx, dispatcher, cfg.HeartbeatInterval, logger)
	realtime.StartHealthBroadcast(taskCtx, dispatcher, health, cfg.HealthInterval, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	taskCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// healthSource aggregates database, encryption, and connection metrics into
// the snapshot pushed to admin subscribers.
type healthSource struct {
	pool     *pgxpool.Pool
	registry *realtime.Registry
	audit    phi.AuditRepository
}

func (h *healthSource) Snapshot(ctx context.Context) (map[string]interface{}, error) {
	snapshot := map[string]interface{}{
		"database":    db.GetPoolStats(h.pool),
		"connections": h.registry.Stats(),
	}

	failures, err := h.audit.CountFailuresSince(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("count encryption failures: %w", err)
	}
	snapshot["encryption_failures_last_hour"] = failures

	return snapshot, nil
}
