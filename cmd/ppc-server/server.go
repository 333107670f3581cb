package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ppc/ppc/internal/config"
	"github.com/ppc/ppc/internal/domain/researchexport"
	"github.com/ppc/ppc/internal/platform/auth"
	"github.com/ppc/ppc/internal/platform/db"
	"github.com/ppc/ppc/internal/platform/hipaa"
	"github.com/ppc/ppc/internal/platform/middleware"
	"github.com/ppc/ppc/internal/platform/telemetry"
)

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger = newLogger(cfg.Env)

	// Database: exports read through the application role, audit entries are
	// written through the privileged audit role.
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, "ppc-export", cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	auditPool, err := db.NewPool(ctx, cfg.AuditDatabaseURL, "ppc-audit", cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to audit database")
	}
	defer auditPool.Close()
	logger.Info().Msg("connected to database")

	// Roles
	roles := auth.NewRoleStorePG(pool)
	if cfg.RedisURL != "" {
		cache, closeCache, err := auth.NewRedisRoleCache(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("role cache unavailable, reading roles from postgres")
		} else {
			defer closeCache()
			roles = auth.NewCachedRoleStore(roles, cache, cfg.RoleCacheTTL, logger)
			logger.Info().Dur("ttl", cfg.RoleCacheTTL).Msg("role cache enabled")
		}
	}

	verifier := auth.NewTokenVerifier(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthJWTSecret),
	})
	if err := verifier.Ready(); err != nil {
		if cfg.IsProduction() {
			logger.Fatal().Err(err).Msg("token verification is not configured")
		}
		logger.Warn().Err(err).Msg("token verification is not configured; every export request will be rejected with 401")
	}
	gate := auth.NewGate(verifier, roles, auth.ExportRoles...)

	// Metrics
	mp, err := telemetry.NewMeterProvider(telemetry.Config{
		ServiceName:    "ppc-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Interval:       cfg.MetricsInterval,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start metrics")
	}
	defer func() {
		if err := telemetry.Shutdown(mp, 5*time.Second); err != nil {
			logger.Error().Err(err).Msg("metrics shutdown failed")
		}
	}()
	httpMetrics, err := telemetry.NewHTTPMetrics(mp)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register http metrics")
	}
	exportMetrics, err := researchexport.NewMetrics(mp)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register export metrics")
	}

	// Service
	pseudo, err := researchexport.NewPseudonymizer(cfg.ResearchSalt)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure pseudonymizer")
	}
	svc := researchexport.NewService(
		gate,
		researchexport.NewDatasetSourcePG(pool),
		researchexport.NewManifestStorePG(pool),
		hipaa.NewAuditLogger(auditPool),
		pseudo,
		exportMetrics,
		logger,
	)

	e := newEcho(cfg, logger, httpMetrics, map[string]*pgxpool.Pool{
		"export": pool,
		"audit":  auditPool,
	})
	researchexport.NewHandler(svc).RegisterRoutes(e, e.Group("/api/v1"),
		middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the server with the global middleware chain and health
// routes. Feature routes are registered by the caller.
func newEcho(cfg *config.Config, logger zerolog.Logger, httpMetrics *telemetry.HTTPMetrics, pools map[string]*pgxpool.Pool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(httpMetrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: exposedHeaders,
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pools))
	return e
}

// exposedHeaders lets browser clients read the export metadata headers.
var exposedHeaders = []string{
	echo.HeaderContentDisposition,
	researchexport.HeaderManifestID,
	researchexport.HeaderRowCount,
	researchexport.HeaderHashVersion,
	researchexport.HeaderSchemaVersion,
	researchexport.HeaderWarning,
	middleware.RequestIDHeader,
}
