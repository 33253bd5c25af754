// Package reqstats collects per-request database statistics: how many
// statements a request ran, how long they took, and (optionally) which
// statements repeated and from which call sites.
//
// A QueryRecorder is attached to every registered connection for the
// lifetime of one request; a Metrics bag carries the derived numbers to the
// request logger. Neither is shared between requests.
package reqstats

import (
	"context"
	"database/sql/driver"
	"math"
	"sync"
	"time"

	"github.com/keyxmakerx/stacks/internal/dbconn"
)

// QueryRecorder is a dbconn.Interceptor that times every statement and,
// when detail tracking is on, counts repeats per statement and call site.
//
// The recorder is safe for handlers that fan queries out over several
// goroutines sharing the request context.
type QueryRecorder struct {
	trackDetails bool
	now          func() time.Time

	mu        sync.Mutex
	durations []time.Duration
	queries   QueryDetails
	seq       int
}

var _ dbconn.Interceptor = (*QueryRecorder)(nil)

// NewQueryRecorder creates a recorder. A nil now uses time.Now.
func NewQueryRecorder(trackDetails bool, now func() time.Time) *QueryRecorder {
	if now == nil {
		now = time.Now
	}
	return &QueryRecorder{
		trackDetails: trackDetails,
		now:          now,
		queries:      make(QueryDetails),
	}
}

// Intercept times exec and records the statement. The elapsed time is
// recorded even when exec fails, and exec's error is returned unchanged.
func (r *QueryRecorder) Intercept(ctx context.Context, exec dbconn.Execute, query string, _ []driver.NamedValue, _ bool, _ *dbconn.ExecutionContext) error {
	var stack string
	if r.trackDetails {
		stack = callSite()
	}

	start := r.now()
	defer func() {
		r.record(query, stack, r.now().Sub(start))
	}()

	return exec(ctx)
}

func (r *QueryRecorder) record(query, stack string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.durations = append(r.durations, d)
	if !r.trackDetails {
		return
	}

	detail, ok := r.queries[query]
	if !ok {
		detail = &QueryDetail{Stacks: make(map[string]int), seq: r.seq}
		r.seq++
		r.queries[query] = detail
	}
	detail.Total++
	if _, seen := detail.Stacks[stack]; !seen {
		detail.stackOrder = append(detail.stackOrder, stack)
	}
	detail.Stacks[stack]++
}

// QueryCount is the number of statements recorded.
func (r *QueryRecorder) QueryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.durations)
}

// Durations returns the per-statement elapsed times in execution order.
func (r *QueryRecorder) Durations() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.durations...)
}

// TotalDurationMs is the summed statement time in milliseconds, rounded to
// three decimal places.
func (r *QueryRecorder) TotalDurationMs() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0.0
	for _, d := range r.durations {
		total += float64(d) / float64(time.Millisecond)
	}
	return round(total, 3)
}

// Queries returns a copy of the per-statement detail. Empty unless the
// recorder tracks details.
func (r *QueryRecorder) Queries() QueryDetails {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queries.clone()
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
