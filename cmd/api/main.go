package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/FilipeAphrody/auth-service/internal/config"
	delivery "github.com/FilipeAphrody/auth-service/internal/delivery/http"
	"github.com/FilipeAphrody/auth-service/internal/usecase"
	"github.com/FilipeAphrody/auth-service/pkg/security"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", os.Getenv("AUTH_CONFIG"), "path to a YAML config file")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// 2. Initialize Infrastructure (Persistence, Cache, Events)
	infra, err := openInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close()
	// Pending notifications are flushed after the last request finished and
	// before the connections they travel on are closed.
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := infra.publisher.Close(ctx); err != nil {
			logger.Warn("event publisher did not drain", "error", err)
		}
	}()

	// 3. Initialize Business Logic (Usecases)
	ucCfg := usecase.DefaultConfig()
	ucCfg.AccessTTL = cfg.JWT.AccessTTL
	ucCfg.TOTPIssuer = cfg.Security.TOTPIssuer

	authUsecase := usecase.NewAuthUsecase(usecase.Deps{
		Users:     infra.users,
		Tokens:    infra.tokens,
		Cache:     infra.cache,
		Revoker:   infra.revoker,
		Ledger:    infra.ledger,
		Publisher: infra.publisher,
		Hasher:    security.NewPasswordHasher(security.Algorithm(cfg.Security.PasswordAlgorithm), cfg.Security.BcryptCost),
		Issuer:    security.NewTokenIssuer(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessTTL, nil),
		Logger:    logger,
	}, ucCfg)

	// 4. Setup Framework and Global Middlewares
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = delivery.NewRequestValidator()
	e.HTTPErrorHandler = delivery.HTTPErrorHandler

	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: cfg.Server.AllowedOrigins}))
	e.Use(middleware.Secure())
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))
	if cfg.Server.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit))))
	}

	// 5. Register Delivery Handlers (Routes)
	v1 := e.Group("/v1")
	authGroup := v1.Group("/auth")
	delivery.NewAuthHandler(authGroup, authUsecase)
	delivery.NewMFAHandler(authGroup, authUsecase)
	delivery.NewAdminHandler(v1.Group("/admin"), authUsecase)

	// 6. Health Check
	delivery.NewHealthHandler(e, version, infra.health)

	// 7. Start Server with Graceful Shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting auth server", "port", cfg.Server.Port, "env", cfg.Env,
			"database", cfg.Database.Driver, "cache", cfg.Cache.Driver, "events", cfg.Events.Driver)
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("server exiting")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:     true,
		LogURI:        true,
		LogStatus:     true,
		LogLatency:    true,
		LogRemoteIP:   true,
		LogError:      true,
		HandleError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				logger.LogAttrs(c.Request().Context(), slog.LevelError, "request", slog.Group("http", attrs...), slog.String("error", v.Error.Error()))
				return nil
			}
			logger.LogAttrs(c.Request().Context(), slog.LevelInfo, "request", slog.Group("http", attrs...))
			return nil
		},
	})
}
