package reqstats

import (
	"context"
	"time"
)

// Report summarises one finished request for statistics sinks.
type Report struct {
	Method string
	// Route is the matched route pattern, or the raw path when no route
	// matched.
	Route string
	// Status is 0 when the status could not be determined.
	Status      int
	Duration    time.Duration
	QueryCount  int
	QueryTimeMs float64
	// Statements is ordered by descending total; empty unless detailed
	// diagnostics are on.
	Statements []Statement
}

// Sink receives a Report for every logged request.
type Sink interface {
	Record(ctx context.Context, r Report) error
}
