package dbconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
)

// ErrConnectionClosed is returned when attaching to a closed Connection.
var ErrConnectionClosed = errors.New("dbconn: connection closed")

// entry is one attached interceptor. Guards compare entries by pointer so a
// release pops exactly the interceptor it attached, even when the same
// Interceptor value is attached twice.
type entry struct {
	ic Interceptor
}

// Connection is one registered database (a pool, in database/sql terms)
// plus the interceptor stacks attached to it, keyed by scope.
type Connection struct {
	alias string
	db    *sql.DB

	mu     sync.Mutex
	closed bool
	stacks map[uint64][]*entry
}

func newConnection(alias string, base driver.Connector) *Connection {
	c := &Connection{
		alias:  alias,
		stacks: make(map[uint64][]*entry),
	}
	c.db = sql.OpenDB(&connector{base: base, owner: c})
	return c
}

// Alias returns the name the connection was registered under.
func (c *Connection) Alias() string { return c.alias }

// DB returns the instrumented pool. Statements must be issued with the
// *Context methods for interceptors to see them.
func (c *Connection) DB() *sql.DB { return c.db }

// Attach pushes ic onto the connection's stack for scope. The returned
// Guard pops it again.
func (c *Connection) Attach(scope *Scope, ic Interceptor) (*Guard, error) {
	if scope == nil {
		return nil, errors.New("dbconn: attach requires a scope")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("attaching to %q: %w", c.alias, ErrConnectionClosed)
	}

	e := &entry{ic: ic}
	c.stacks[scope.id] = append(c.stacks[scope.id], e)
	return &Guard{conn: c, scope: scope, entry: e}, nil
}

func (c *Connection) detach(scope *Scope, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stack := c.stacks[scope.id]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] != e {
			continue
		}
		rest := make([]*entry, 0, len(stack)-1)
		rest = append(rest, stack[:i]...)
		rest = append(rest, stack[i+1:]...)
		stack = rest
		break
	}

	if len(stack) == 0 {
		delete(c.stacks, scope.id)
		return
	}
	c.stacks[scope.id] = stack
}

// InterceptorCount reports how many interceptors are attached across all
// scopes.
func (c *Connection) InterceptorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, stack := range c.stacks {
		n += len(stack)
	}
	return n
}

// interceptors returns a snapshot of the stack for the scope carried by ctx.
func (c *Connection) interceptors(ctx context.Context) []Interceptor {
	if inBatch(ctx) {
		return nil
	}
	scope := ScopeFromContext(ctx)
	if scope == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stack := c.stacks[scope.id]
	if len(stack) == 0 {
		return nil
	}
	out := make([]Interceptor, len(stack))
	for i, e := range stack {
		out[i] = e.ic
	}
	return out
}

// run executes one statement through the interceptors for ctx.
func (c *Connection) run(ctx context.Context, op Op, query string, args []driver.NamedValue, fn Execute) error {
	ics := c.interceptors(ctx)
	if len(ics) == 0 {
		return fn(ctx)
	}
	ec := &ExecutionContext{Connection: c.alias, Op: op}
	return chain(ics, fn, query, args, false, ec)(ctx)
}

// ExecBatch prepares query once and executes it for every argument set.
// Interceptors see the whole batch as a single statement with batch=true.
// It returns the total rows affected.
func (c *Connection) ExecBatch(ctx context.Context, query string, argSets [][]any) (int64, error) {
	var affected int64

	run := func(ctx context.Context) error {
		ctx = context.WithValue(ctx, batchKey{}, true)

		stmt, err := c.db.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("preparing batch statement: %w", err)
		}
		defer stmt.Close()

		for _, args := range argSets {
			res, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				return fmt.Errorf("executing batch statement: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil {
				affected += n
			}
		}
		return nil
	}

	ics := c.interceptors(ctx)
	if len(ics) == 0 {
		err := run(ctx)
		return affected, err
	}

	ec := &ExecutionContext{Connection: c.alias, Op: OpExec, BatchSize: len(argSets)}
	err := chain(ics, run, query, nil, true, ec)(ctx)
	return affected, err
}

// Close marks the connection closed and closes the pool. Guards acquired
// before Close can still be released.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.db.Close()
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
