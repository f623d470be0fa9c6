package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/allergoexpress/immunolab/internal/config"
	"github.com/allergoexpress/immunolab/internal/domain/result"
	"github.com/allergoexpress/immunolab/internal/platform/auth"
	"github.com/allergoexpress/immunolab/internal/platform/db"
	"github.com/allergoexpress/immunolab/internal/platform/middleware"
)

// serverDeps are the storage-backed pieces the HTTP server needs.
type serverDeps struct {
	results result.ResultRepository
	health  db.PoolChecker          // nil skips /health/db
	audit   middleware.AuditRecorder // nil logs only
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger("production")
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	flush, err := middleware.InitSentry(cfg.SentryDSN, cfg.Env, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init error reporting")
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e := newServer(cfg, logger, serverDeps{
		results: result.NewResultRepoPG(pool),
		health:  pool,
		audit:   middleware.NewPGAuditRecorder(pool),
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Str("version", version).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

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

// newServer wires middleware and routes. The public endpoints are served at
// the root and again under /api.
func newServer(cfg *config.Config, logger zerolog.Logger, deps serverDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger, cfg.IsDev())
	e.IPExtractor = clientIPExtractor(cfg, logger)

	var recorders []middleware.AuditRecorder
	if deps.audit != nil {
		recorders = append(recorders, deps.audit)
	}

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	e.Use(middleware.Audit(logger, recorders...))

	lookupLimit := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.LookupRateLimitRPS,
		BurstSize:         cfg.LookupRateLimitBurst,
	})

	var staffAuth echo.MiddlewareFunc
	if cfg.ResolvedAuthMode() == "standalone" {
		sa := auth.NewStandalone(cfg.AdminPasswordHash, cfg.SigningKey(), cfg.AuthTokenTTL)
		staffAuth = sa.Middleware()
		e.POST("/auth/login", sa.LoginHandler, lookupLimit)
		e.POST("/api/auth/login", sa.LoginHandler, lookupLimit)
	} else {
		staffAuth = auth.DevAuthMiddleware()
	}
	staffOnly := []echo.MiddlewareFunc{staffAuth, auth.RequireRole(auth.RoleStaff)}

	svc := result.NewService(deps.results)
	svc.SetAllowOrderOnly(cfg.LookupAllowOrderOnly)
	h := result.NewHandler(svc, cfg.PublicSiteURL)

	lookup := []echo.MiddlewareFunc{lookupLimit}
	h.RegisterRoutes(e, lookup, staffOnly)
	h.RegisterRoutes(e.Group("/api"), lookup, staffOnly)
	h.RegisterAdminRoutes(e.Group("/api/v1/admin", staffOnly...))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if deps.health != nil {
		e.GET("/health/db", db.HealthHandler(deps.health))
	}

	return e
}

// clientIPExtractor decides which address rate limits and audit entries key
// on. X-Forwarded-For is honored only when the direct peer is a configured
// proxy; otherwise the socket address is used.
func clientIPExtractor(cfg *config.Config, logger zerolog.Logger) echo.IPExtractor {
	nets, err := cfg.TrustedProxyNets()
	if err != nil {
		logger.Error().Err(err).Msg("ignoring trusted proxies")
		nets = nil
	}
	if len(nets) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, n := range nets {
		opts = append(opts, echo.TrustIPRange(n))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}
