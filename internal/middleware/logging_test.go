package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyxmakerx/stacks/internal/apperror"
	"github.com/keyxmakerx/stacks/internal/config"
	"github.com/keyxmakerx/stacks/internal/dbconn"
	"github.com/keyxmakerx/stacks/internal/reqstats"
	"github.com/keyxmakerx/stacks/internal/testutil"
)

// --- Log capture ---

type captured struct {
	mu      sync.Mutex
	records []slog.Record
}

type captureHandler struct {
	c     *captured
	attrs []slog.Attr
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	r = r.Clone()
	r.AddAttrs(h.attrs...)
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	h.c.records = append(h.c.records, r)
	return nil
}

func (h *captureHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &captureHandler{c: h.c, attrs: append(slices.Clone(h.attrs), as...)}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func (c *captured) all() []slog.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.records)
}

func (c *captured) messages() []string {
	var out []string
	for _, r := range c.all() {
		out = append(out, r.Message)
	}
	return out
}

// find returns the first record whose message starts with prefix.
func (c *captured) find(prefix string) (slog.Record, bool) {
	for _, r := range c.all() {
		if strings.HasPrefix(r.Message, prefix) {
			return r, true
		}
	}
	return slog.Record{}, false
}

func attrsOf(r slog.Record) map[string]slog.Value {
	out := map[string]slog.Value{}
	r.Attrs(func(a slog.Attr) bool {
		out[a.Key] = a.Value
		return true
	})
	return out
}

// --- Fixture ---

type fixture struct {
	e     *echo.Echo
	reg   *dbconn.Registry
	conn  *dbconn.Connection
	drv   *testutil.FakeDriver
	clock *testutil.ManualClock
	logs  *captured
	names *RouteNames
	rl    *RequestLogger
}

func activeConfig() config.RequestLoggingConfig {
	return config.RequestLoggingConfig{
		Active:              true,
		DBInstrumentation:   true,
		DetailedDiagnostics: true,
	}
}

// newFixture wires a request logger over a fake database whose statements
// each take 5ms on a manual clock.
func newFixture(t *testing.T, cfg config.RequestLoggingConfig, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		e:     echo.New(),
		reg:   dbconn.NewRegistry(),
		clock: testutil.NewManualClock(),
		logs:  &captured{},
		names: NewRouteNames(),
	}
	f.drv = &testutil.FakeDriver{Hook: func(string) error {
		f.clock.Advance(5 * time.Millisecond)
		return nil
	}}
	f.conn = f.reg.Open(dbconn.DefaultAlias, f.drv.Connector())
	t.Cleanup(func() { _ = f.reg.Close() })

	opts = append([]Option{
		WithLogger(slog.New(&captureHandler{c: f.logs})),
		WithClock(f.clock.Now),
		WithRouteNames(f.names),
	}, opts...)

	rl, err := NewRequestLogger(cfg, f.reg, opts...)
	require.NoError(t, err)
	f.rl = rl
	f.e.Use(rl.Middleware())
	return f
}

func (f *fixture) serve(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) query(c echo.Context, q string) error {
	var n int
	return f.conn.DB().QueryRowContext(c.Request().Context(), q).Scan(&n)
}

// --- Construction ---

func TestNewRequestLogger_InactiveIsNotUsed(t *testing.T) {
	logs := &captured{}
	cfg := activeConfig()
	cfg.Active = false

	rl, err := NewRequestLogger(cfg, dbconn.NewRegistry(), WithLogger(slog.New(&captureHandler{c: logs})))
	require.ErrorIs(t, err, ErrNotUsed)
	assert.Nil(t, rl)

	notice, ok := logs.find("RequestLoggingMiddleware start")
	require.True(t, ok)
	assert.Equal(t, slog.LevelWarn, notice.Level)
	assert.Contains(t, notice.Message, "Is active = false")
}

func TestNewRequestLogger_StartupNotice(t *testing.T) {
	logs := &captured{}
	cfg := activeConfig()
	cfg.LogLevel = "warn"
	cfg.Logger = "requests"

	_, err := NewRequestLogger(cfg, dbconn.NewRegistry(), WithLogger(slog.New(&captureHandler{c: logs})))
	require.NoError(t, err)

	notice, ok := logs.find("RequestLoggingMiddleware start")
	require.True(t, ok)
	assert.Equal(t, slog.LevelWarn, notice.Level)
	assert.Equal(t,
		`RequestLoggingMiddleware start: Log level = "WARN", Logger = "requests", Is active = true`,
		notice.Message)
	// The notice goes to the root logger, not the named one.
	assert.NotContains(t, attrsOf(notice), "logger")
}

func TestNewRequestLogger_InvalidLevel(t *testing.T) {
	cfg := activeConfig()
	cfg.LogLevel = "chatty"

	_, err := NewRequestLogger(cfg, dbconn.NewRegistry(), WithLogger(slog.New(&captureHandler{c: &captured{}})))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotUsed)
}

// --- Per-request logging ---

func TestRequestLogger_EndToEndLine(t *testing.T) {
	f := newFixture(t, activeConfig())

	f.e.GET("/library/books", func(c echo.Context) error {
		if err := f.query(c, "SELECT COUNT(*) FROM books"); err != nil {
			return err
		}
		if _, err := f.conn.DB().ExecContext(c.Request().Context(), "UPDATE books SET title = ? WHERE id = ?", "Dune", 1); err != nil {
			return err
		}
		f.clock.Advance(15 * time.Millisecond)
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	rec := f.serve(http.MethodGet, "/library/books?sort=title")
	assert.Equal(t, http.StatusOK, rec.Code)

	line, ok := f.logs.find("Received request")
	require.True(t, ok)
	assert.Equal(t,
		"Received request GET /library/books, status 200, db_query_count=2, db_query_time_ms=10.0, duration_ms=25.0",
		line.Message)
	assert.Equal(t, slog.LevelInfo, line.Level)

	attrs := attrsOf(line)
	assert.Equal(t, int64(200), attrs["status"].Int64())
	assert.Equal(t, "GET", attrs["request_method"].String())
	assert.Equal(t, "/library/books", attrs["uri"].String())
	assert.Equal(t, "sort=title", attrs["query_string"].String())
	assert.Equal(t, "/library/books", attrs["route"].String())
	assert.Equal(t, "echo/"+echo.Version, attrs["server_version"].String())
	assert.Equal(t, int64(2), attrs[reqstats.QueryCountKey].Int64())
	assert.Contains(t, attrs["response_content_type"].String(), "application/json")
	assert.Equal(t, 0, f.conn.InterceptorCount())
}

func TestRequestLogger_Severity(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		status int
		want   slog.Level
	}{
		{"ok is info", "", http.StatusOK, slog.LevelInfo},
		{"redirect is info", "", http.StatusFound, slog.LevelInfo},
		{"not found is warn", "", http.StatusNotFound, slog.LevelWarn},
		{"server error is error", "", http.StatusInternalServerError, slog.LevelError},
		{"override beats 200", "debug", http.StatusOK, slog.LevelDebug},
		{"override beats 500", "debug", http.StatusInternalServerError, slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := activeConfig()
			cfg.LogLevel = tt.level
			f := newFixture(t, cfg)
			f.e.GET("/status", func(c echo.Context) error {
				return c.NoContent(tt.status)
			})

			f.serve(http.MethodGet, "/status")

			line, ok := f.logs.find("Received request")
			require.True(t, ok)
			assert.Equal(t, tt.want, line.Level)
		})
	}
}

func TestRequestLogger_StatusFromReturnedError(t *testing.T) {
	f := newFixture(t, activeConfig())
	f.e.GET("/library/books/:id", func(c echo.Context) error {
		return apperror.NewNotFound("book not found")
	})

	f.serve(http.MethodGet, "/library/books/42")

	line, ok := f.logs.find("Received request")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(line.Message, "Received request GET /library/books/42, status 404, "), line.Message)
	assert.Equal(t, slog.LevelWarn, line.Level)
}

func TestRequestLogger_NamedLogger(t *testing.T) {
	cfg := activeConfig()
	cfg.Logger = "requests"
	f := newFixture(t, cfg)
	f.e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	f.serve(http.MethodGet, "/")

	line, ok := f.logs.find("Received request")
	require.True(t, ok)
	assert.Equal(t, "requests", attrsOf(line)["logger"].String())
}

func TestRequestLogger_HandlerErrorStillTearsDown(t *testing.T) {
	f := newFixture(t, activeConfig())
	boom := errors.New("boom")

	handler := f.rl.Middleware()(func(c echo.Context) error {
		assert.Equal(t, 1, f.conn.InterceptorCount())
		if err := f.query(c, "SELECT 1"); err != nil {
			return err
		}
		return boom
	})

	c := f.e.NewContext(httptest.NewRequest(http.MethodPost, "/library/books", nil), httptest.NewRecorder())
	err := handler(c)

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, f.conn.InterceptorCount())

	line, ok := f.logs.find("Received request")
	require.True(t, ok)
	assert.Contains(t, line.Message, "status 500, db_query_count=1")
	assert.Equal(t, slog.LevelError, line.Level)
}

func TestRequestLogger_PanicStillTearsDown(t *testing.T) {
	f := newFixture(t, activeConfig())

	handler := f.rl.Middleware()(func(c echo.Context) error {
		_ = f.query(c, "SELECT 1")
		panic("handler exploded")
	})

	c := f.e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	assert.Panics(t, func() { _ = handler(c) })

	assert.Equal(t, 0, f.conn.InterceptorCount())
	_, logged := f.logs.find("Received request")
	assert.False(t, logged)
}

func TestRequestLogger_RestoresRequest(t *testing.T) {
	f := newFixture(t, activeConfig())

	var inner *http.Request
	handler := f.rl.Middleware()(func(c echo.Context) error {
		inner = c.Request()
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := f.e.NewContext(req, httptest.NewRecorder())
	require.NoError(t, handler(c))

	assert.NotSame(t, req, inner)
	assert.NotNil(t, dbconn.ScopeFromContext(inner.Context()))
	assert.Same(t, req, c.Request())
}

func TestRequestLogger_ConcurrentRequestsAreIsolated(t *testing.T) {
	f := newFixture(t, activeConfig())
	f.e.GET("/n/:n", func(c echo.Context) error {
		n := len(c.Param("n"))
		for i := 0; i < n; i++ {
			if err := f.query(c, "SELECT 1"); err != nil {
				return err
			}
		}
		return c.NoContent(http.StatusOK)
	})

	var wg sync.WaitGroup
	for _, n := range []string{"x", "xx", "xxx", "xxxx"} {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.serve(http.MethodGet, "/n/"+n)
			}()
		}
	}
	wg.Wait()

	seen := 0
	for _, r := range f.logs.all() {
		if !strings.HasPrefix(r.Message, "Received request") {
			continue
		}
		seen++
		attrs := attrsOf(r)
		uri := attrs["uri"].String()
		wantCount := int64(len(strings.TrimPrefix(uri, "/n/")))
		assert.Equal(t, wantCount, attrs[reqstats.QueryCountKey].Int64(), uri)
	}
	assert.Equal(t, 20, seen)
	assert.Equal(t, 0, f.conn.InterceptorCount())
}

func TestRequestLogger_UnknownStatus(t *testing.T) {
	f := newFixture(t, activeConfig())

	// A context built outside ServeHTTP has no status until something is
	// written.
	handler := f.rl.Middleware()(func(echo.Context) error { return nil })
	c := f.e.NewContext(httptest.NewRequest(http.MethodGet, "/quiet", nil), httptest.NewRecorder())
	require.NoError(t, handler(c))

	warning, ok := f.logs.find("Request Logger: could not find status code")
	require.True(t, ok)
	assert.Equal(t, slog.LevelWarn, warning.Level)

	line, ok := f.logs.find("Received request")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(line.Message, "Received request GET /quiet, status unknown, "), line.Message)
	assert.Equal(t, slog.LevelError, line.Level)
}

func TestRequestLogger_InstrumentationDisabled(t *testing.T) {
	cfg := activeConfig()
	cfg.DBInstrumentation = false
	f := newFixture(t, cfg)
	f.e.GET("/", func(c echo.Context) error {
		assert.Equal(t, 0, f.conn.InterceptorCount())
		if err := f.query(c, "SELECT 1"); err != nil {
			return err
		}
		return c.NoContent(http.StatusOK)
	})

	f.serve(http.MethodGet, "/")

	line, ok := f.logs.find("Received request")
	require.True(t, ok)
	assert.Equal(t, "Received request GET /, status 200, duration_ms=5.0", line.Message)
	assert.NotContains(t, f.logs.messages(), "Detailed DB query info:")
}

func TestRequestLogger_ConnectionThatStaysClosedSkipsHandler(t *testing.T) {
	logs := &captured{}
	reg := dbconn.NewRegistry()
	drv := &testutil.FakeDriver{}
	open := reg.Open("default", drv.Connector())
	closed := reg.Open("replica", drv.Connector())
	require.NoError(t, closed.Close())

	lister := staticLister{open, closed}
	rl, err := NewRequestLogger(activeConfig(), lister, WithLogger(slog.New(&captureHandler{c: logs})))
	require.NoError(t, err)

	called := false
	handler := rl.Middleware()(func(echo.Context) error {
		called = true
		return nil
	})
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err = handler(c)
	require.ErrorIs(t, err, dbconn.ErrConnectionClosed)
	assert.False(t, called)
	assert.Equal(t, 0, open.InterceptorCount())
	_, logged := logs.find("Received request")
	assert.False(t, logged)
}

type staticLister []*dbconn.Connection

func (l staticLister) All() []*dbconn.Connection { return l }

// closingLister closes victim right after the first listing, the way a
// shutdown racing a request would.
type closingLister struct {
	t      *testing.T
	reg    *dbconn.Registry
	victim *dbconn.Connection
	calls  int
}

func (l *closingLister) All() []*dbconn.Connection {
	l.calls++
	conns := l.reg.All()
	if l.calls == 1 {
		require.NoError(l.t, l.victim.Close())
	}
	return conns
}

func TestRequestLogger_ConnectionClosedAfterListingIsSkipped(t *testing.T) {
	logs := &captured{}
	reg := dbconn.NewRegistry()
	defer reg.Close()
	drv := &testutil.FakeDriver{}
	open := reg.Open("default", drv.Connector())
	replica := reg.Open("replica", drv.Connector())

	lister := &closingLister{t: t, reg: reg, victim: replica}
	rl, err := NewRequestLogger(activeConfig(), lister, WithLogger(slog.New(&captureHandler{c: logs})))
	require.NoError(t, err)

	called := false
	handler := rl.Middleware()(func(c echo.Context) error {
		called = true
		assert.Equal(t, 1, open.InterceptorCount())
		return c.NoContent(http.StatusOK)
	})
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	require.NoError(t, handler(c))
	assert.True(t, called)
	assert.Equal(t, 2, lister.calls)
	assert.Equal(t, 0, open.InterceptorCount())

	line, ok := logs.find("Received request")
	require.True(t, ok)
	assert.Equal(t, int64(200), attrsOf(line)["status"].Int64())
}

// --- Route metadata ---

func bookDetail(c echo.Context) error { return c.NoContent(http.StatusOK) }

func TestRequestLogger_RouteMetadata(t *testing.T) {
	f := newFixture(t, activeConfig())
	f.names.Name(f.e.GET("/library/books/:id", bookDetail), "library:book-detail")

	f.serve(http.MethodGet, "/library/books/7")

	line, ok := f.logs.find("Received request")
	require.True(t, ok)
	attrs := attrsOf(line)
	assert.Equal(t, "/library/books/:id", attrs["route"].String())
	assert.Equal(t, "book-detail", attrs["url_name"].String())
	assert.Equal(t, []string{"library"}, attrs["namespaces"].Any())
	assert.Equal(t, []string{"middleware"}, attrs["app_names"].Any())
	assert.Contains(t, attrs["resolver_function"].String(), "middleware.bookDetail")
}

func TestRouteNames_ResolvedAtRegistration(t *testing.T) {
	e := echo.New()
	names := NewRouteNames()
	names.Name(e.GET("/shelves/:id", bookDetail), "library:shelves:shelf-detail")
	names.Name(e.GET("/healthz", bookDetail), "health")
	names.Name(e.GET("/plain", bookDetail), "")

	info, ok := names.lookup(http.MethodGet, "/shelves/:id")
	require.True(t, ok)
	assert.Equal(t, []string{"library", "shelves"}, info.Namespaces)
	assert.Equal(t, "shelf-detail", info.URLName)
	assert.Equal(t, []string{"middleware"}, info.AppNames)
	assert.Contains(t, info.Handler, "middleware.bookDetail")

	info, ok = names.lookup(http.MethodGet, "/healthz")
	require.True(t, ok)
	assert.Empty(t, info.Namespaces)
	assert.Equal(t, "health", info.URLName)

	info, ok = names.lookup(http.MethodGet, "/plain")
	require.True(t, ok)
	assert.Empty(t, info.URLName)
	assert.Contains(t, info.Handler, "middleware.bookDetail")

	_, ok = names.lookup(http.MethodPost, "/shelves/:id")
	assert.False(t, ok)

	var none *RouteNames
	_, ok = none.lookup(http.MethodGet, "/healthz")
	assert.False(t, ok)
}

func bookList(c echo.Context) error { return c.NoContent(http.StatusOK) }

func TestRequestLogger_RouteNamesArePerInstance(t *testing.T) {
	first := newFixture(t, activeConfig())
	second := newFixture(t, activeConfig())
	first.names.Name(first.e.GET("/items", bookDetail), "library:item-detail")
	second.names.Name(second.e.GET("/items", bookList), "catalog:item-list")

	first.serve(http.MethodGet, "/items")
	second.serve(http.MethodGet, "/items")

	line, ok := first.logs.find("Received request")
	require.True(t, ok)
	attrs := attrsOf(line)
	assert.Equal(t, "item-detail", attrs["url_name"].String())
	assert.Equal(t, []string{"library"}, attrs["namespaces"].Any())
	assert.Contains(t, attrs["resolver_function"].String(), "middleware.bookDetail")

	line, ok = second.logs.find("Received request")
	require.True(t, ok)
	attrs = attrsOf(line)
	assert.Equal(t, "item-list", attrs["url_name"].String())
	assert.Equal(t, []string{"catalog"}, attrs["namespaces"].Any())
	assert.Contains(t, attrs["resolver_function"].String(), "middleware.bookList")
}

func TestRequestLogger_UnnamedRouteReportsPatternOnly(t *testing.T) {
	f := newFixture(t, activeConfig())
	f.e.GET("/library/books/:id", bookDetail)

	f.serve(http.MethodGet, "/library/books/7")

	line, ok := f.logs.find("Received request")
	require.True(t, ok)
	attrs := attrsOf(line)
	assert.Equal(t, "/library/books/:id", attrs["route"].String())
	assert.NotContains(t, attrs, "url_name")
	assert.NotContains(t, attrs, "resolver_function")
}

func TestRequestLogger_UnroutedRequestOmitsRouteFields(t *testing.T) {
	f := newFixture(t, activeConfig())

	handler := f.rl.Middleware()(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	c := f.e.NewContext(httptest.NewRequest(http.MethodGet, "/nowhere", nil), httptest.NewRecorder())
	require.NoError(t, handler(c))

	line, ok := f.logs.find("Received request")
	require.True(t, ok)
	attrs := attrsOf(line)
	assert.NotContains(t, attrs, "route")
	assert.NotContains(t, attrs, "url_name")
	assert.Equal(t, "/nowhere", attrs["uri"].String())
}

// --- Detailed diagnostics ---

func queryFromA(f *fixture, c echo.Context) error { return f.query(c, "SELECT 1") }

func queryFromB(f *fixture, c echo.Context) error { return f.query(c, "SELECT 1") }

func TestRequestLogger_DetailedDiagnosticsOrdering(t *testing.T) {
	f := newFixture(t, activeConfig())
	f.e.GET("/library/books", func(c echo.Context) error {
		for i := 0; i < 2; i++ {
			if err := queryFromB(f, c); err != nil {
				return err
			}
		}
		for i := 0; i < 3; i++ {
			if err := queryFromA(f, c); err != nil {
				return err
			}
		}
		if err := f.query(c, "SELECT 2"); err != nil {
			return err
		}
		return c.NoContent(http.StatusOK)
	})

	f.serve(http.MethodGet, "/library/books")

	msgs := f.logs.messages()
	header := slices.Index(msgs, "Detailed DB query info:")
	require.GreaterOrEqual(t, header, 0, msgs)
	diag := msgs[header+1:]
	require.Len(t, diag, 8, diag)

	assert.Equal(t, "5 instances of the following query:\nSELECT 1", diag[0])
	assert.Equal(t, "This code location accounted for 3 queries:", diag[1])
	assert.Contains(t, diag[2], "middleware.queryFromA")
	assert.Equal(t, "This code location accounted for 2 queries:", diag[3])
	assert.Contains(t, diag[4], "middleware.queryFromB")
	assert.Equal(t, "1 instances of the following query:\nSELECT 2", diag[5])
	assert.Equal(t, "This code location accounted for 1 queries:", diag[6])
	assert.NotContains(t, diag[7], "dbconn.")
}

func TestRequestLogger_DetailedDiagnosticsThreshold(t *testing.T) {
	cfg := activeConfig()
	cfg.DetailedThreshold = 2
	f := newFixture(t, cfg)
	f.e.GET("/", func(c echo.Context) error {
		for i := 0; i < 3; i++ {
			if err := f.query(c, "SELECT 1"); err != nil {
				return err
			}
		}
		if err := f.query(c, "SELECT 2"); err != nil {
			return err
		}
		return c.NoContent(http.StatusOK)
	})

	f.serve(http.MethodGet, "/")

	msgs := f.logs.messages()
	assert.Contains(t, msgs, "3 instances of the following query:\nSELECT 1")
	assert.NotContains(t, msgs, "1 instances of the following query:\nSELECT 2")
}

func TestRequestLogger_DiagnosticsOff(t *testing.T) {
	cfg := activeConfig()
	cfg.DetailedDiagnostics = false
	f := newFixture(t, cfg)
	f.e.GET("/", func(c echo.Context) error {
		if err := f.query(c, "SELECT 1"); err != nil {
			return err
		}
		return c.NoContent(http.StatusOK)
	})

	f.serve(http.MethodGet, "/")

	assert.NotContains(t, f.logs.messages(), "Detailed DB query info:")
	line, ok := f.logs.find("Received request")
	require.True(t, ok)
	assert.Contains(t, line.Message, "db_query_count=1")
}

// --- Sinks ---

type recordingSink struct {
	mu      sync.Mutex
	reports []reqstats.Report
	err     error
}

func (s *recordingSink) Record(_ context.Context, r reqstats.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

func TestRequestLogger_ReportsToSinks(t *testing.T) {
	good := &recordingSink{}
	failing := &recordingSink{err: errors.New("redis down")}
	f := newFixture(t, activeConfig(), WithSinks(failing, good))

	f.names.Name(f.e.GET("/library/books/:id", func(c echo.Context) error {
		for i := 0; i < 2; i++ {
			if err := f.query(c, "SELECT * FROM books WHERE id = ?"); err != nil {
				return err
			}
		}
		return c.NoContent(http.StatusOK)
	}), "library:book-detail")

	rec := f.serve(http.MethodGet, "/library/books/3")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, good.reports, 1)
	r := good.reports[0]
	assert.Equal(t, "GET", r.Method)
	assert.Equal(t, "/library/books/:id", r.Route)
	assert.Equal(t, http.StatusOK, r.Status)
	assert.Equal(t, 2, r.QueryCount)
	assert.InDelta(t, 10.0, r.QueryTimeMs, 1e-9)
	assert.Equal(t, 10*time.Millisecond, r.Duration)
	require.Len(t, r.Statements, 1)
	assert.Equal(t, 2, r.Statements[0].Detail.Total)

	warning, ok := f.logs.find("request stats sink failed")
	require.True(t, ok)
	assert.Equal(t, slog.LevelWarn, warning.Level)
}

func TestRequestLogger_UnmatchedPathsShareOneRoute(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, activeConfig(), WithSinks(sink))
	f.e.GET("/library/books", bookList)

	for i := range 5 {
		rec := f.serve(http.MethodGet, fmt.Sprintf("/scan/%d", i))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
	f.serve(http.MethodGet, "/library/books")

	require.Len(t, sink.reports, 6)
	for _, r := range sink.reports[:5] {
		assert.Equal(t, UnmatchedRoute, r.Route)
		assert.Equal(t, http.StatusNotFound, r.Status)
	}
	assert.Equal(t, "/library/books", sink.reports[5].Route)
}
