// Package redisstore aggregates request reports in Redis so statistics
// survive restarts and are shared by every server instance. Per-route
// counters live in one hash per route; N+1 events go to a capped list.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/stacks/internal/apperror"
	"github.com/keyxmakerx/stacks/internal/reqstats"
)

const (
	routesKey      = "reqstats:routes"
	routeKeyPrefix = "reqstats:route:"
	nPlusOneKey    = "reqstats:nplusone"
)

// Hash fields of a route key.
const (
	fieldRequests      = "requests"
	fieldStatus2xx     = "status_2xx"
	fieldStatus4xx     = "status_4xx"
	fieldStatus5xx     = "status_5xx"
	fieldStatusUnknown = "status_unknown"
	fieldDBQueries     = "db_queries"
	fieldDBTimeUs      = "db_time_us"
	fieldDurationUs    = "duration_us"
)

// NPlusOneEvent records one request that ran the same statement at least
// the configured number of times.
type NPlusOneEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Route     string    `json:"route"`
	Query     string    `json:"query"`
	Count     int       `json:"count"`
}

// RouteStats is the aggregate for one "METHOD route" pair.
type RouteStats struct {
	Requests       int64   `json:"requests"`
	Status2xx      int64   `json:"status_2xx"`
	Status4xx      int64   `json:"status_4xx"`
	Status5xx      int64   `json:"status_5xx"`
	StatusUnknown  int64   `json:"status_unknown"`
	AvgDBQueries   float64 `json:"avg_db_queries"`
	AvgDBTimeMs    float64 `json:"avg_db_time_ms"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
	TotalDBQueries int64   `json:"total_db_queries"`
}

// Snapshot is what the debug endpoint serves.
type Snapshot struct {
	Routes         map[string]RouteStats `json:"routes"`
	NPlusOneEvents []NPlusOneEvent       `json:"n_plus_one_events"`
}

// Store implements reqstats.Sink on top of Redis.
type Store struct {
	rdb       *redis.Client
	threshold int
	buffer    int64
	now       func() time.Time
}

var _ reqstats.Sink = (*Store)(nil)

// New creates a Store. Statements that ran at least threshold times in one
// request are kept as N+1 events, newest first, at most buffer of them.
// A threshold of zero or less disables N+1 events.
func New(rdb *redis.Client, threshold, buffer int) *Store {
	return &Store{
		rdb:       rdb,
		threshold: threshold,
		buffer:    int64(max(buffer, 1)),
		now:       time.Now,
	}
}

// Record adds r to its route's counters and stores any N+1 events, all in
// one transaction.
func (s *Store) Record(ctx context.Context, r reqstats.Report) error {
	route := r.Method + " " + r.Route
	key := routeKeyPrefix + route

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, routesKey, route)
	pipe.HIncrBy(ctx, key, fieldRequests, 1)
	pipe.HIncrBy(ctx, key, statusField(r.Status), 1)
	pipe.HIncrBy(ctx, key, fieldDBQueries, int64(r.QueryCount))
	pipe.HIncrBy(ctx, key, fieldDBTimeUs, int64(math.Round(r.QueryTimeMs*1000)))
	pipe.HIncrBy(ctx, key, fieldDurationUs, r.Duration.Microseconds())

	pushed := false
	if s.threshold > 0 {
		for _, st := range r.Statements {
			// Statements are ordered by descending total.
			if st.Detail.Total < s.threshold {
				break
			}
			ev, err := json.Marshal(NPlusOneEvent{
				Timestamp: s.now().UTC(),
				Method:    r.Method,
				Route:     r.Route,
				Query:     st.Query,
				Count:     st.Detail.Total,
			})
			if err != nil {
				return fmt.Errorf("encoding n+1 event: %w", err)
			}
			pipe.LPush(ctx, nPlusOneKey, ev)
			pushed = true
		}
	}
	if pushed {
		pipe.LTrim(ctx, nPlusOneKey, 0, s.buffer-1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording stats for %s: %w", route, err)
	}
	return nil
}

func statusField(status int) string {
	switch {
	case status <= 0:
		return fieldStatusUnknown
	case status >= 500:
		return fieldStatus5xx
	case status >= 400:
		return fieldStatus4xx
	default:
		return fieldStatus2xx
	}
}

// Snapshot reads every route's counters and the buffered N+1 events.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	routes, err := s.rdb.SMembers(ctx, routesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}

	pipe := s.rdb.Pipeline()
	hashes := make([]*redis.MapStringStringCmd, len(routes))
	for i, route := range routes {
		hashes[i] = pipe.HGetAll(ctx, routeKeyPrefix+route)
	}
	events := pipe.LRange(ctx, nPlusOneKey, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}

	snap := &Snapshot{
		Routes:         make(map[string]RouteStats, len(routes)),
		NPlusOneEvents: []NPlusOneEvent{},
	}
	for i, route := range routes {
		snap.Routes[route] = routeStats(hashes[i].Val())
	}
	for _, raw := range events.Val() {
		var ev NPlusOneEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decoding n+1 event: %w", err)
		}
		snap.NPlusOneEvents = append(snap.NPlusOneEvents, ev)
	}
	return snap, nil
}

func routeStats(h map[string]string) RouteStats {
	get := func(field string) int64 {
		n, _ := strconv.ParseInt(h[field], 10, 64)
		return n
	}

	rs := RouteStats{
		Requests:       get(fieldRequests),
		Status2xx:      get(fieldStatus2xx),
		Status4xx:      get(fieldStatus4xx),
		Status5xx:      get(fieldStatus5xx),
		StatusUnknown:  get(fieldStatusUnknown),
		TotalDBQueries: get(fieldDBQueries),
	}
	if rs.Requests > 0 {
		n := float64(rs.Requests)
		rs.AvgDBQueries = round3(float64(rs.TotalDBQueries) / n)
		rs.AvgDBTimeMs = round3(float64(get(fieldDBTimeUs)) / 1000 / n)
		rs.AvgDurationMs = round3(float64(get(fieldDurationUs)) / 1000 / n)
	}
	return rs
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Handler serves the snapshot as JSON.
func (s *Store) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		snap, err := s.Snapshot(c.Request().Context())
		if err != nil {
			return apperror.NewInternal(err)
		}
		return c.JSON(http.StatusOK, snap)
	}
}

// Reset deletes every key the store owns.
func (s *Store) Reset(ctx context.Context) error {
	routes, err := s.rdb.SMembers(ctx, routesKey).Result()
	if err != nil {
		return fmt.Errorf("listing routes: %w", err)
	}
	keys := []string{routesKey, nPlusOneKey}
	for _, route := range routes {
		keys = append(keys, routeKeyPrefix+route)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", strings.Join(keys, ", "), err)
	}
	return nil
}

// ResetHandler clears the aggregated statistics.
func (s *Store) ResetHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := s.Reset(c.Request().Context()); err != nil {
			return apperror.NewInternal(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
