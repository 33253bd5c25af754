package reqstats

import (
	"log/slog"
	"slices"
)

// QueryDetail aggregates the executions of one statement text.
type QueryDetail struct {
	// Total is the number of times the statement ran.
	Total int

	// Stacks maps a call-site signature to the number of executions from it.
	Stacks map[string]int

	stackOrder []string
	seq        int
}

// CallSite is one entry of QueryDetail.CallSites.
type CallSite struct {
	Stack string
	Count int
}

// CallSites returns the call sites by descending count. Ties keep the order
// in which the call sites first ran.
func (d *QueryDetail) CallSites() []CallSite {
	out := make([]CallSite, 0, len(d.stackOrder))
	for _, s := range d.stackOrder {
		out = append(out, CallSite{Stack: s, Count: d.Stacks[s]})
	}
	slices.SortStableFunc(out, func(a, b CallSite) int {
		return b.Count - a.Count
	})
	return out
}

// QueryDetails maps statement text to its aggregate.
type QueryDetails map[string]*QueryDetail

// Statement is one entry of QueryDetails.ByTotal.
type Statement struct {
	Query  string
	Detail *QueryDetail
}

// ByTotal returns the statements by descending total. Ties keep the order in
// which the statements first ran.
func (q QueryDetails) ByTotal() []Statement {
	out := make([]Statement, 0, len(q))
	for query, d := range q {
		out = append(out, Statement{Query: query, Detail: d})
	}
	slices.SortFunc(out, func(a, b Statement) int {
		if a.Detail.Total != b.Detail.Total {
			return b.Detail.Total - a.Detail.Total
		}
		return a.Detail.seq - b.Detail.seq
	})
	return out
}

// LogValue keeps structured log records compact: the full stacks are only
// written by the detailed diagnostics lines.
func (q QueryDetails) LogValue() slog.Value {
	maxRepeats := 0
	for _, d := range q {
		maxRepeats = max(maxRepeats, d.Total)
	}
	return slog.GroupValue(
		slog.Int("statements", len(q)),
		slog.Int("max_repeats", maxRepeats),
	)
}

func (q QueryDetails) clone() QueryDetails {
	out := make(QueryDetails, len(q))
	for query, d := range q {
		stacks := make(map[string]int, len(d.Stacks))
		for s, n := range d.Stacks {
			stacks[s] = n
		}
		out[query] = &QueryDetail{
			Total:      d.Total,
			Stacks:     stacks,
			stackOrder: append([]string(nil), d.stackOrder...),
			seq:        d.seq,
		}
	}
	return out
}
