// Package app is the application bootstrap and dependency injection root.
// It holds the shared infrastructure (connection registry, Redis client,
// Echo instance, metrics registry) and wires the plugins and statistics
// sinks together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/stacks/internal/apperror"
	"github.com/keyxmakerx/stacks/internal/config"
	"github.com/keyxmakerx/stacks/internal/dbconn"
	"github.com/keyxmakerx/stacks/internal/middleware"
	"github.com/keyxmakerx/stacks/internal/reqstats"
	"github.com/keyxmakerx/stacks/internal/reqstats/promsink"
	"github.com/keyxmakerx/stacks/internal/reqstats/redisstore"
)

// Debug endpoints allow this many requests per client per minute.
const debugRateLimit = 30

// App holds all shared dependencies and the Echo HTTP server instance.
// Created once at startup in main.go and used to register all routes.
type App struct {
	// Config holds the loaded application configuration.
	Config *config.Config

	// DB is the connection registry. The library plugin uses the default
	// connection; the request logger instruments all of them.
	DB *dbconn.Registry

	// Redis backs the request statistics store. Nil when the store is off.
	Redis *redis.Client

	// Echo is the HTTP server instance.
	Echo *echo.Echo

	// Metrics is the Prometheus registry served at /metrics. Nil when
	// metrics are off.
	Metrics *prometheus.Registry

	routes  *middleware.RouteNames
	stats   *redisstore.Store
	limiter *middleware.RateLimiter
}

// New creates the App and configures Echo with global middleware and error
// handling. Routes are added by RegisterRoutes.
func New(cfg *config.Config, reg *dbconn.Registry, rdb *redis.Client) (*App, error) {
	e := echo.New()

	// Disable Echo's default banner and startup message -- we log our own.
	e.HideBanner = true
	e.HidePort = true

	if err := middleware.TrustedProxies(e, cfg.TrustedProxies); err != nil {
		return nil, err
	}

	app := &App{
		Config:  cfg,
		DB:      reg,
		Redis:   rdb,
		Echo:    e,
		routes:  middleware.NewRouteNames(),
		limiter: middleware.NewRateLimiter(debugRateLimit, time.Minute),
	}

	sinks, err := app.setupStats()
	if err != nil {
		return nil, err
	}
	if err := app.setupMiddleware(sinks); err != nil {
		return nil, err
	}

	e.HTTPErrorHandler = app.errorHandler
	return app, nil
}

// setupStats builds the sinks that receive a report per logged request.
func (a *App) setupStats() ([]reqstats.Sink, error) {
	var sinks []reqstats.Sink

	if a.Config.Stats.MetricsEnabled {
		a.Metrics = prometheus.NewRegistry()
		a.Metrics.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		collector, err := promsink.New(a.Metrics)
		if err != nil {
			return nil, fmt.Errorf("registering request metrics: %w", err)
		}
		if err := promsink.RegisterPools(a.Metrics, a.DB.All()); err != nil {
			return nil, fmt.Errorf("registering pool metrics: %w", err)
		}
		sinks = append(sinks, collector)
	}

	if a.Config.Stats.RedisEnabled {
		if a.Redis == nil {
			return nil, errors.New("request stats store enabled without a redis client")
		}
		a.stats = redisstore.New(a.Redis, a.Config.Stats.NPlusOneThreshold, a.Config.Stats.EventBuffer)
		sinks = append(sinks, a.stats)
	}

	return sinks, nil
}

// setupMiddleware registers global middleware on the Echo instance.
// Order matters: Recovery is outermost so the request logger's teardown
// runs before a panic is turned into a 500.
func (a *App) setupMiddleware(sinks []reqstats.Sink) error {
	a.Echo.Use(middleware.Recovery())

	rl, err := middleware.NewRequestLogger(a.Config.RequestLogging, a.DB,
		middleware.WithSinks(sinks...),
		middleware.WithRouteNames(a.routes),
	)
	switch {
	case errors.Is(err, middleware.ErrNotUsed):
		slog.Debug("request logging disabled")
	case err != nil:
		return fmt.Errorf("configuring request logger: %w", err)
	default:
		a.Echo.Use(rl.Middleware())
	}

	a.Echo.Use(middleware.SecurityHeaders())
	return nil
}

// errorHandler maps domain errors (AppError) and Echo's HTTP errors to JSON
// responses. Internal causes are logged, never sent.
func (a *App) errorHandler(err error, c echo.Context) {
	// Don't double-write if response is already committed.
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := "An unexpected error occurred"

	var appErr *apperror.AppError
	var echoErr *echo.HTTPError
	switch {
	case errors.As(err, &appErr):
		code = appErr.Code
		message = appErr.Message
		if appErr.Internal != nil {
			slog.Error("internal error",
				slog.String("type", appErr.Type),
				slog.String("message", appErr.Message),
				slog.Any("internal", appErr.Internal),
				slog.String("path", c.Request().URL.Path),
			)
		}
	case errors.As(err, &echoErr):
		code = echoErr.Code
		if msg, ok := echoErr.Message.(string); ok {
			message = msg
		} else {
			message = http.StatusText(code)
		}
	default:
		slog.Error("unhandled error",
			slog.Any("error", err),
			slog.String("path", c.Request().URL.Path),
		)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, map[string]string{
			"error":   http.StatusText(code),
			"message": message,
		})
	}
	if err != nil {
		slog.Error("writing error response", slog.Any("error", err))
	}
}

// Start begins listening for HTTP requests on the configured port. The rate
// limiter's eviction loop stops with ctx.
func (a *App) Start(ctx context.Context) error {
	go a.limiter.Run(ctx, time.Minute)

	addr := fmt.Sprintf(":%d", a.Config.Port)
	slog.Info("starting stacks server",
		slog.String("addr", addr),
		slog.String("env", a.Config.Env),
	)
	return a.Echo.Start(addr)
}
