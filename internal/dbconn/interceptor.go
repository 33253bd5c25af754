// Package dbconn owns the set of database connections the server talks to
// and routes every statement they execute through a stack of interceptors.
//
// Each Connection wraps a *sql.DB built over the real driver's connector.
// Interceptors are attached under a Scope carried by a context.Context, so a
// shared connection pool can serve many concurrent requests while each
// request only observes the statements issued with its own context.
// Statements executed without a scoped context (db.Query instead of
// db.QueryContext) bypass interceptors entirely.
package dbconn

import (
	"context"
	"database/sql/driver"
)

// Op is the kind of driver call being intercepted.
type Op string

const (
	// OpExec is a statement run for its side effects (INSERT, UPDATE, DDL).
	OpExec Op = "exec"

	// OpQuery is a statement that returns rows.
	OpQuery Op = "query"
)

// ExecutionContext describes where a statement is running. It is shared by
// every interceptor in the chain for one statement.
type ExecutionContext struct {
	// Connection is the alias of the registered connection (e.g. "default").
	Connection string

	// Op is the driver call kind.
	Op Op

	// BatchSize is the number of argument sets for a batch, 0 otherwise.
	BatchSize int
}

// Execute runs the wrapped statement, or the next interceptor in the stack.
// Results (rows, rows affected) stay with the driver call that created the
// Execute; interceptors only observe the error.
type Execute func(ctx context.Context) error

// Interceptor wraps statement execution. Implementations must call exec
// exactly once and return its error unchanged unless they mean to fail the
// statement themselves.
type Interceptor interface {
	Intercept(ctx context.Context, exec Execute, query string, args []driver.NamedValue, batch bool, ec *ExecutionContext) error
}

// InterceptorFunc adapts an ordinary function to the Interceptor interface.
type InterceptorFunc func(ctx context.Context, exec Execute, query string, args []driver.NamedValue, batch bool, ec *ExecutionContext) error

// Intercept calls f.
func (f InterceptorFunc) Intercept(ctx context.Context, exec Execute, query string, args []driver.NamedValue, batch bool, ec *ExecutionContext) error {
	return f(ctx, exec, query, args, batch, ec)
}

// chain builds the Execute for a statement: interceptors[0] is outermost,
// run is innermost.
func chain(interceptors []Interceptor, run Execute, query string, args []driver.NamedValue, batch bool, ec *ExecutionContext) Execute {
	exec := run
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic, next := interceptors[i], exec
		exec = func(ctx context.Context) error {
			return ic.Intercept(ctx, next, query, args, batch, ec)
		}
	}
	return exec
}
