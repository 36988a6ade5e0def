package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/livelink/livelink/internal/config"
	"github.com/livelink/livelink/internal/domain/grant"
	"github.com/livelink/livelink/internal/domain/policy"
	"github.com/livelink/livelink/internal/domain/principal"
	"github.com/livelink/livelink/internal/domain/proposal"
	"github.com/livelink/livelink/internal/domain/record"
	"github.com/livelink/livelink/internal/domain/relationship"
	"github.com/livelink/livelink/internal/platform/auth"
	"github.com/livelink/livelink/internal/platform/blobstore"
	"github.com/livelink/livelink/internal/platform/db"
	"github.com/livelink/livelink/internal/platform/middleware"
	"github.com/livelink/livelink/internal/platform/notifier"
	"github.com/livelink/livelink/internal/platform/phi"
)

const tokenTTL = 24 * time.Hour

func main() {
	rootCmd := &cobra.Command{
		Use:   "livelink-server",
		Short: "Tiered medical record access service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

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
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
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
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Record encryption
	key, err := cfg.RecordsKeyBytes()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid record encryption key")
	}
	encryptor, err := phi.NewEncryptor(key)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create record encryptor")
	}

	// Session tokens
	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		if !cfg.IsDev() {
			logger.Fatal().Msg("JWT_SECRET is required outside development")
		}
		jwtSecret = "livelink_dev_secret"
		logger.Warn().Msg("JWT_SECRET not set; using development fallback")
	}
	tokens := auth.NewTokenService([]byte(jwtSecret), tokenTTL)

	// Blob storage for sealed file content
	var blobs blobstore.Store
	switch cfg.BlobBackend {
	case "s3":
		s3Store, err := blobstore.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize S3 blob store")
		}
		blobs = s3Store
		logger.Info().Str("bucket", cfg.S3Bucket).Msg("using S3 blob store")
	default:
		blobs = blobstore.NewMemoryStore()
	}
	inlineFiles := cfg.BlobBackend == "inline"

	// Webhook notifications
	var events notifier.Notifier = notifier.NopNotifier{}
	if cfg.WebhookURL != "" {
		events = notifier.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret, logger)
		logger.Info().Str("url", cfg.WebhookURL).Msg("webhook notifications enabled")
	}

	txRun := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "32M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Record-Pin"},
	}))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	// Route groups. public carries no auth: registration, login, and the
	// early-tier card surface live there.
	public := e.Group("/api/public")
	public.Use(middleware.RateLimit(rateLimitCfg))

	api := e.Group("/api/v1")
	api.Use(middleware.RateLimit(rateLimitCfg))
	api.Use(auth.Middleware(tokens))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Domain wiring
	userRepo := principal.NewRepoPG(pool)
	principalSvc := principal.NewService(userRepo, tokens)
	principal.NewHandler(principalSvc).RegisterRoutes(public, api)

	relRepo := relationship.NewRepoPG(pool)
	relSvc := relationship.NewService(relRepo, userRepo)
	relationship.NewHandler(relSvc, principalSvc).RegisterRoutes(api)

	grantRepo := grant.NewRepoPG(pool)
	grantSvc := grant.NewService(grantRepo, relSvc, userRepo, blobs, encryptor, events, logger)
	grant.NewHandler(grantSvc, principalSvc).RegisterRoutes(api)

	engine := policy.NewEngine(grantSvc, relSvc, principalSvc, events, logger)

	recordRepo := record.NewRepoPG(pool)
	recordSvc := record.NewService(recordRepo, encryptor, blobs, userRepo, txRun, inlineFiles)
	record.NewHandler(recordSvc, engine, principalSvc).RegisterRoutes(api, public)

	proposalRepo := proposal.NewRepoPG(pool)
	proposalSvc := proposal.NewService(proposalRepo, recordSvc, relSvc, userRepo, encryptor, txRun, events, logger)
	proposal.NewHandler(proposalSvc, principalSvc).RegisterRoutes(api)

	// Serve with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("server starting")

		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	return nil
}
