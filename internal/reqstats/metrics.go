package reqstats

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Metric keys. The first three are loggable; QueryDetailsKey is only used
// by the detailed diagnostics.
const (
	QueryCountKey   = "db_query_count"
	QueryTimeKey    = "db_query_time_ms"
	RequestTimeKey  = "duration_ms"
	QueryDetailsKey = "db_query_details"
)

var loggableMetrics = map[string]bool{
	QueryCountKey:  true,
	QueryTimeKey:   true,
	RequestTimeKey: true,
}

// ErrMetricNotFound is returned by Metrics.Get for a key that was never put.
var ErrMetricNotFound = errors.New("metric not found")

// Metrics is the per-request key/value bag the request logger fills in as
// the request progresses.
type Metrics struct {
	values map[string]any
}

// NewMetrics returns an empty bag.
func NewMetrics() *Metrics {
	return &Metrics{values: make(map[string]any)}
}

// Put stores value under key, replacing any previous value.
func (m *Metrics) Put(key string, value any) {
	m.values[key] = value
}

// Get returns the value stored under key.
func (m *Metrics) Get(key string) (any, error) {
	v, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMetricNotFound, key)
	}
	return v, nil
}

// MustGet is Get for keys the caller itself wrote. A missing key is a
// programming error and panics.
func (m *Metrics) MustGet(key string) any {
	v, err := m.Get(key)
	if err != nil {
		panic(err)
	}
	return v
}

// All returns a copy of every stored metric.
func (m *Metrics) All() map[string]any {
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// LogString renders the loggable metrics as "key=value" pairs sorted by key
// and joined by ", ". Log parsers depend on this exact shape.
func (m *Metrics) LogString() string {
	keys := make([]string, 0, len(loggableMetrics))
	for k := range m.values {
		if loggableMetrics[k] {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + formatValue(m.values[k])
	}
	return strings.Join(parts, ", ")
}

// formatValue prints floats with at least one decimal place so whole
// milliseconds read as "10.0", not "10".
func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case string:
		return x
	default:
		return fmt.Sprint(v)
	}
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if math.IsInf(f, 0) || math.IsNaN(f) || strings.ContainsRune(s, '.') {
		return s
	}
	return s + ".0"
}
