// Package promsink exports request reports as Prometheus histograms.
package promsink

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/keyxmakerx/stacks/internal/dbconn"
	"github.com/keyxmakerx/stacks/internal/reqstats"
)

const namespace = "stacks"

// Collector implements reqstats.Sink.
type Collector struct {
	duration  *prometheus.HistogramVec
	queries   *prometheus.HistogramVec
	queryTime *prometheus.HistogramVec
}

var _ reqstats.Sink = (*Collector)(nil)

// New creates the histograms and registers them on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Wall-clock duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		queries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_db_queries",
			Help:      "Database statements executed per HTTP request.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100, 250},
		}, []string{"method", "route"}),

		queryTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_db_time_seconds",
			Help:      "Time spent in database statements per HTTP request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	for _, col := range []prometheus.Collector{c.duration, c.queries, c.queryTime} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Record observes r. It never fails.
func (c *Collector) Record(_ context.Context, r reqstats.Report) error {
	status := "unknown"
	if r.Status > 0 {
		status = strconv.Itoa(r.Status)
	}

	c.duration.WithLabelValues(r.Method, r.Route, status).Observe(r.Duration.Seconds())
	c.queries.WithLabelValues(r.Method, r.Route).Observe(float64(r.QueryCount))
	c.queryTime.WithLabelValues(r.Method, r.Route).Observe(r.QueryTimeMs / 1000)
	return nil
}

// RegisterPools exports database/sql pool statistics for every connection,
// labelled by alias.
func RegisterPools(reg prometheus.Registerer, conns []*dbconn.Connection) error {
	for _, conn := range conns {
		if err := reg.Register(collectors.NewDBStatsCollector(conn.DB(), conn.Alias())); err != nil {
			return err
		}
	}
	return nil
}
