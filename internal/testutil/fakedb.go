// Package testutil holds fakes shared by tests in several packages: a
// scriptable database/sql driver and a manual clock.
package testutil

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
)

// FakeDriver is an in-memory driver.Driver whose statements do nothing but
// call Hook. Queries return a single row with a single int64 column.
type FakeDriver struct {
	// Hook runs for every executed statement. A non-nil error fails it.
	Hook func(query string) error

	mu       sync.Mutex
	executed []string
}

// Connector returns a driver.Connector for the fake driver.
func (d *FakeDriver) Connector() driver.Connector { return fakeConnector{d: d} }

// Open implements driver.Driver.
func (d *FakeDriver) Open(string) (driver.Conn, error) { return &fakeConn{d: d}, nil }

// Executed returns the statements run so far, in order.
func (d *FakeDriver) Executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.executed...)
}

func (d *FakeDriver) exec(query string) error {
	d.mu.Lock()
	d.executed = append(d.executed, query)
	hook := d.Hook
	d.mu.Unlock()

	if hook != nil {
		return hook(query)
	}
	return nil
}

type fakeConnector struct{ d *FakeDriver }

func (c fakeConnector) Connect(context.Context) (driver.Conn, error) { return &fakeConn{d: c.d}, nil }
func (c fakeConnector) Driver() driver.Driver                         { return c.d }

type fakeConn struct{ d *FakeDriver }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{d: c.d, query: query}, nil
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return fakeTx{}, nil }

func (c *fakeConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	if err := c.d.exec(query); err != nil {
		return nil, err
	}
	return &fakeRows{}, nil
}

func (c *fakeConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	if err := c.d.exec(query); err != nil {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

type fakeStmt struct {
	d     *FakeDriver
	query string
}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }

func (s *fakeStmt) Exec([]driver.Value) (driver.Result, error) {
	if err := s.d.exec(s.query); err != nil {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

func (s *fakeStmt) Query([]driver.Value) (driver.Rows, error) {
	if err := s.d.exec(s.query); err != nil {
		return nil, err
	}
	return &fakeRows{}, nil
}

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

type fakeRows struct{ done bool }

func (r *fakeRows) Columns() []string { return []string{"n"} }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = int64(1)
	return nil
}

// ErrFake is a convenience error for hooks that fail statements.
var ErrFake = errors.New("fake driver failure")
