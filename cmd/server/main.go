// Package main is the entry point for the stacks server. It loads
// configuration, opens the instrumented database connections, wires the
// library plugin and request statistics, and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/stacks/internal/app"
	"github.com/keyxmakerx/stacks/internal/config"
	"github.com/keyxmakerx/stacks/internal/database"
	"github.com/keyxmakerx/stacks/internal/dbconn"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	setupLogging(cfg)

	if err := run(cfg); err != nil {
		slog.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting stacks",
		slog.String("env", cfg.Env),
		slog.Int("port", cfg.Port),
	)

	// --- Connect to MariaDB ---
	reg := dbconn.NewRegistry()
	defer reg.Close()

	conn, err := database.NewMariaDB(cfg.Database, reg)
	if err != nil {
		return err
	}
	slog.Info("connected to MariaDB", slog.Int("connections", len(reg.All())))

	if err := database.RunMigrations(conn.DB(), cfg.Database.MigrationsPath); err != nil {
		return err
	}

	// --- Connect to Redis (statistics store only) ---
	var rdb *redis.Client
	if cfg.Stats.RedisEnabled {
		rdb, err = database.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		slog.Info("connected to Redis")
	}

	// --- Create Application ---
	application, err := app.New(cfg, reg, rdb)
	if err != nil {
		return err
	}
	application.RegisterRoutes()

	// --- Graceful Shutdown ---
	// Give in-flight requests 10 seconds to complete once a signal arrives.
	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := application.Echo.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced shutdown", slog.Any("error", err))
		}
	}()

	if err := application.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// setupLogging configures the global slog logger. Development uses text
// format for readability; production uses JSON for log aggregation.
func setupLogging(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.IsDevelopment() {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
