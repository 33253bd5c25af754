// Package middleware provides HTTP middleware for the Stacks Echo server.
// Middleware is applied globally (all routes) or per-route group depending
// on the middleware type. See internal/app/app.go for registration.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/stacks/internal/apperror"
	"github.com/keyxmakerx/stacks/internal/config"
	"github.com/keyxmakerx/stacks/internal/dbconn"
	"github.com/keyxmakerx/stacks/internal/reqstats"
)

// ErrNotUsed is returned by NewRequestLogger when request logging is turned
// off. The caller must leave the middleware out of the chain.
var ErrNotUsed = errors.New("middleware not used")

// UnmatchedRoute is the route reported to sinks for requests the router did
// not match. Raw paths would give sinks one series per scanned URL.
const UnmatchedRoute = "unmatched"

// attachAttempts bounds how often instrument re-lists connections after one
// closed between listing and attaching.
const attachAttempts = 3

// ConnectionLister enumerates the database connections a request may use.
// *dbconn.Registry satisfies it.
type ConnectionLister interface {
	All() []*dbconn.Connection
}

// RequestLogger logs one line per request with its database statistics and,
// optionally, which statements repeated and from where.
type RequestLogger struct {
	cfg   config.RequestLoggingConfig
	conns ConnectionLister
	names *RouteNames

	root   *slog.Logger
	logger *slog.Logger
	level  slog.Level
	fixed  bool // level is configured, not derived from status

	now   func() time.Time
	sinks []reqstats.Sink
}

// Option configures a RequestLogger.
type Option func(*RequestLogger)

// WithLogger sets the root logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(rl *RequestLogger) { rl.root = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(rl *RequestLogger) { rl.now = now }
}

// WithSinks adds sinks that receive a report after every logged request.
func WithSinks(sinks ...reqstats.Sink) Option {
	return func(rl *RequestLogger) { rl.sinks = append(rl.sinks, sinks...) }
}

// WithRouteNames sets where route names and handlers are looked up. Without
// it only the route pattern is logged.
func WithRouteNames(n *RouteNames) Option {
	return func(rl *RequestLogger) { rl.names = n }
}

// NewRequestLogger builds the request logger from cfg. The configuration is
// read once here. Returns ErrNotUsed when cfg.Active is false.
func NewRequestLogger(cfg config.RequestLoggingConfig, conns ConnectionLister, opts ...Option) (*RequestLogger, error) {
	rl := &RequestLogger{
		cfg:   cfg,
		conns: conns,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	if rl.root == nil {
		rl.root = slog.Default()
	}

	level, fixed, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	rl.level, rl.fixed = level, fixed

	rl.logger = rl.root
	loggerName := "root"
	if cfg.Logger != "" {
		rl.logger = rl.root.With(slog.String("logger", cfg.Logger))
		loggerName = cfg.Logger
	}

	levelName := "derived from status"
	if fixed {
		levelName = level.String()
	}
	rl.root.Warn(fmt.Sprintf("RequestLoggingMiddleware start: Log level = %q, Logger = %q, Is active = %t",
		levelName, loggerName, cfg.Active))

	if !cfg.Active {
		return nil, ErrNotUsed
	}
	if cfg.DBInstrumentation && conns == nil {
		return nil, errors.New("request logger: DB instrumentation needs a connection lister")
	}
	return rl, nil
}

// Middleware returns the echo middleware. Register it inside Recovery so a
// panicking handler still has its interceptors detached on the way out.
func (rl *RequestLogger) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			metrics := reqstats.NewMetrics()
			start := rl.now()

			var recorder *reqstats.QueryRecorder
			release := func() {}
			if rl.cfg.DBInstrumentation {
				recorder = reqstats.NewQueryRecorder(rl.cfg.DetailedDiagnostics, rl.now)
				var err error
				if release, err = rl.instrument(c, recorder); err != nil {
					return err
				}
			}

			err := func() error {
				defer release()
				return next(c)
			}()

			if recorder != nil {
				metrics.Put(reqstats.QueryCountKey, recorder.QueryCount())
				metrics.Put(reqstats.QueryTimeKey, recorder.TotalDurationMs())
				metrics.Put(reqstats.QueryDetailsKey, recorder.Queries())
			}
			metrics.Put(reqstats.RequestTimeKey, elapsedMs(start, rl.now()))

			status, known := responseStatus(c, err)
			if !known {
				rl.logger.LogAttrs(c.Request().Context(), slog.LevelWarn,
					"Request Logger: could not find status code in response",
					slog.String("path", c.Request().URL.Path),
				)
			}

			rl.log(c, status, known, metrics)
			return err
		}
	}
}

// instrument attaches recorder to every open connection under a new scope
// and points the request at the scoped context. The returned func detaches
// everything and restores the original request. A connection closed after
// it was listed cannot run statements, so the connections are listed again
// rather than failing the request.
func (rl *RequestLogger) instrument(c echo.Context, recorder *reqstats.QueryRecorder) (func(), error) {
	req := c.Request()

	var (
		ctx    context.Context
		guards dbconn.Guards
		err    error
	)
	for range attachAttempts {
		ctx, guards, err = dbconn.AttachAll(req.Context(), rl.conns.All(), recorder)
		if !errors.Is(err, dbconn.ErrConnectionClosed) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("instrumenting connections: %w", err)
	}
	c.SetRequest(req.WithContext(ctx))

	return func() {
		guards.Release()
		c.SetRequest(req)
	}, nil
}

// levelFor picks the log level for a response status.
func (rl *RequestLogger) levelFor(status int, known bool) slog.Level {
	if rl.fixed {
		return rl.level
	}
	switch {
	case !known, status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func (rl *RequestLogger) log(c echo.Context, status int, known bool, metrics *reqstats.Metrics) {
	ctx := c.Request().Context()
	level := rl.levelFor(status, known)

	reqInfo := newRequestInfo(c)
	routeInfo, routed := newRouteInfo(c, rl.names)

	statusText := "unknown"
	statusAttr := slog.String("status", statusText)
	if known {
		statusText = strconv.Itoa(status)
		statusAttr = slog.Int("status", status)
	}

	attrs := append([]slog.Attr{statusAttr}, reqInfo.attrs()...)
	if routed {
		attrs = append(attrs, routeInfo.attrs()...)
	}
	all := metrics.All()
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, all[k]))
	}
	attrs = appendOptional(attrs, "response_content_type", c.Response().Header().Get(echo.HeaderContentType))

	msg := fmt.Sprintf("Received request %s %s, status %s", reqInfo.Method, reqInfo.Path, statusText)
	if s := metrics.LogString(); s != "" {
		msg += ", " + s
	}
	rl.logger.LogAttrs(ctx, level, msg, attrs...)

	var statements []reqstats.Statement
	if rl.cfg.DBInstrumentation {
		statements = metrics.MustGet(reqstats.QueryDetailsKey).(reqstats.QueryDetails).ByTotal()
	}
	if rl.cfg.DetailedDiagnostics && rl.cfg.DBInstrumentation {
		rl.logDiagnostics(ctx, level, statements)
	}

	route := UnmatchedRoute
	if routed {
		route = routeInfo.Route
	}
	rl.report(ctx, reqInfo.Method, route, status, metrics, statements)
}

// logDiagnostics writes the repeated statements, most frequent first, each
// followed by the call sites that issued it.
func (rl *RequestLogger) logDiagnostics(ctx context.Context, level slog.Level, statements []reqstats.Statement) {
	rl.logger.Log(ctx, level, "Detailed DB query info:")
	for _, st := range statements {
		if st.Detail.Total <= rl.cfg.DetailedThreshold {
			continue
		}
		rl.logger.Log(ctx, level, fmt.Sprintf("%d instances of the following query:\n%s", st.Detail.Total, st.Query))
		for _, site := range st.Detail.CallSites() {
			rl.logger.Log(ctx, level, fmt.Sprintf("This code location accounted for %d queries:", site.Count))
			rl.logger.Log(ctx, level, site.Stack)
		}
	}
}

// report hands the request summary to every sink. Sink failures are logged
// and never reach the client.
func (rl *RequestLogger) report(ctx context.Context, method, route string, status int, metrics *reqstats.Metrics, statements []reqstats.Statement) {
	if len(rl.sinks) == 0 {
		return
	}

	r := reqstats.Report{
		Method:     method,
		Route:      route,
		Status:     status,
		Duration:   time.Duration(metrics.MustGet(reqstats.RequestTimeKey).(float64) * float64(time.Millisecond)),
		Statements: statements,
	}
	if rl.cfg.DBInstrumentation {
		r.QueryCount = metrics.MustGet(reqstats.QueryCountKey).(int)
		r.QueryTimeMs = metrics.MustGet(reqstats.QueryTimeKey).(float64)
	}

	// The client may already be gone; the report is still worth keeping.
	ctx = context.WithoutCancel(ctx)
	for _, sink := range rl.sinks {
		if err := sink.Record(ctx, r); err != nil {
			rl.logger.LogAttrs(ctx, slog.LevelWarn, "request stats sink failed",
				slog.String("route", route),
				slog.Any("error", err),
			)
		}
	}
}

// responseStatus works out the status the client will see. A committed
// response is authoritative. Otherwise an error that carries a status code
// decides, and any other error ends up as a 500 in the error handler. A
// handler that returned nil gets whatever status was set.
func responseStatus(c echo.Context, err error) (int, bool) {
	res := c.Response()
	if res.Committed {
		return res.Status, true
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code, true
	}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr.Code, true
	}
	if err != nil {
		return http.StatusInternalServerError, true
	}

	if res.Status != 0 {
		return res.Status, true
	}
	return 0, false
}

func elapsedMs(start, end time.Time) float64 {
	ms := float64(end.Sub(start)) / float64(time.Millisecond)
	return roundTo(ms, 2)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
