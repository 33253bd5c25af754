package app

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyxmakerx/stacks/internal/dbconn"
	"github.com/keyxmakerx/stacks/internal/plugins/library"
)

// RegisterRoutes sets up all application routes. This is the single place
// where routes are aggregated; each plugin registers its own on a group.
func (a *App) RegisterRoutes() {
	e := a.Echo

	a.routes.Name(e.GET("/healthz", a.healthz), "health")

	if conn, ok := a.DB.Get(dbconn.DefaultAlias); ok {
		repo := library.NewRepository(conn)
		h := library.NewHandler(library.NewService(repo))
		library.RegisterRoutes(e.Group("/library"), h, a.routes)
	}

	debug := e.Group("/debug", a.limiter.Middleware())
	if a.stats != nil {
		a.routes.Name(debug.GET("/reqstats", a.stats.Handler()), "debug:reqstats")
		a.routes.Name(debug.DELETE("/reqstats", a.stats.ResetHandler()), "debug:reqstats-reset")
	}

	if a.Metrics != nil {
		metrics := promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{Registry: a.Metrics})
		a.routes.Name(e.GET("/metrics", echo.WrapHandler(metrics)), "metrics")
	}
}

// healthz pings every registered database and Redis when configured.
func (a *App) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	healthy := true

	for _, conn := range a.DB.All() {
		if err := conn.DB().PingContext(ctx); err != nil {
			status[conn.Alias()] = "down"
			healthy = false
			continue
		}
		status[conn.Alias()] = "ok"
	}

	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			status["redis"] = "down"
			healthy = false
		} else {
			status["redis"] = "ok"
		}
	}

	if !healthy {
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	status["status"] = "ok"
	return c.JSON(http.StatusOK, status)
}
