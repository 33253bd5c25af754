package dbconn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
)

// ---------------- Connectors ----------------

// DSNConnector returns a driver.Connector for drivers that only expose
// Open(dsn), such as sqlite3.
func DSNConnector(d driver.Driver, dsn string) (driver.Connector, error) {
	if dc, ok := d.(driver.DriverContext); ok {
		return dc.OpenConnector(dsn)
	}
	return &dsnConnector{driver: d, dsn: dsn}, nil
}

type dsnConnector struct {
	driver driver.Driver
	dsn    string
}

func (c *dsnConnector) Connect(context.Context) (driver.Conn, error) { return c.driver.Open(c.dsn) }
func (c *dsnConnector) Driver() driver.Driver                         { return c.driver }

// connector hands out wrapped connections that route statements through the
// owning Connection.
type connector struct {
	base  driver.Connector
	owner *Connection
}

func (c *connector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := c.base.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &wrappedConn{Conn: conn, owner: c.owner}, nil
}

func (c *connector) Driver() driver.Driver { return c.base.Driver() }

// ---------------- Conn ----------------

type wrappedConn struct {
	driver.Conn
	owner *Connection
}

func (c *wrappedConn) Prepare(query string) (driver.Stmt, error) {
	stmt, err := c.Conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return &wrappedStmt{Stmt: stmt, conn: c, query: query}, nil
}

func (c *wrappedConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	stmt, err := c.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	return &wrappedStmt{Stmt: stmt, conn: c, query: query}, nil
}

func (c *wrappedConn) prepare(ctx context.Context, query string) (driver.Stmt, error) {
	if pc, ok := c.Conn.(driver.ConnPrepareContext); ok {
		return pc.PrepareContext(ctx, query)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Conn.Prepare(query)
}

func (c *wrappedConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bt, ok := c.Conn.(driver.ConnBeginTx); ok {
		return bt.BeginTx(ctx, opts)
	}
	if opts.ReadOnly {
		return nil, errors.New("dbconn: driver does not support read-only transactions")
	}
	if sql.IsolationLevel(opts.Isolation) != sql.LevelDefault {
		return nil, errors.New("dbconn: driver does not support non-default isolation level")
	}
	return c.Conn.Begin() //nolint:staticcheck // fallback for drivers without BeginTx
}

func (c *wrappedConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	qx, ok := c.Conn.(driver.QueryerContext)
	if !ok {
		// database/sql falls back to Prepare, which is intercepted there.
		return nil, driver.ErrSkip
	}

	var rows driver.Rows
	err := c.owner.run(ctx, OpQuery, query, args, func(ctx context.Context) error {
		var err error
		rows, err = qx.QueryContext(ctx, query, args)
		if errors.Is(err, driver.ErrSkip) {
			rows, err = c.queryPrepared(ctx, query, args)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *wrappedConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	ex, ok := c.Conn.(driver.ExecerContext)
	if !ok {
		return nil, driver.ErrSkip
	}

	var res driver.Result
	err := c.owner.run(ctx, OpExec, query, args, func(ctx context.Context) error {
		var err error
		res, err = ex.ExecContext(ctx, query, args)
		if errors.Is(err, driver.ErrSkip) {
			res, err = c.execPrepared(ctx, query, args)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// queryPrepared handles driver.ErrSkip inside the interceptor chain so a
// statement is never intercepted twice.
func (c *wrappedConn) queryPrepared(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	stmt, err := c.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := stmtQuery(ctx, stmt, args)
	if err != nil {
		stmt.Close()
		return nil, err
	}
	return &stmtRows{Rows: rows, stmt: stmt}, nil
}

func (c *wrappedConn) execPrepared(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	stmt, err := c.prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	return stmtExec(ctx, stmt, args)
}

func (c *wrappedConn) Ping(ctx context.Context) error {
	if p, ok := c.Conn.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *wrappedConn) ResetSession(ctx context.Context) error {
	if sr, ok := c.Conn.(driver.SessionResetter); ok {
		return sr.ResetSession(ctx)
	}
	return nil
}

func (c *wrappedConn) IsValid() bool {
	if v, ok := c.Conn.(driver.Validator); ok {
		return v.IsValid()
	}
	return true
}

func (c *wrappedConn) CheckNamedValue(nv *driver.NamedValue) error {
	if nvc, ok := c.Conn.(driver.NamedValueChecker); ok {
		return nvc.CheckNamedValue(nv)
	}
	return driver.ErrSkip
}

// ---------------- Stmt ----------------

type wrappedStmt struct {
	driver.Stmt
	conn  *wrappedConn
	query string
}

func (s *wrappedStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	var res driver.Result
	err := s.conn.owner.run(ctx, OpExec, s.query, args, func(ctx context.Context) error {
		var err error
		res, err = stmtExec(ctx, s.Stmt, args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *wrappedStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	var rows driver.Rows
	err := s.conn.owner.run(ctx, OpQuery, s.query, args, func(ctx context.Context) error {
		var err error
		rows, err = stmtQuery(ctx, s.Stmt, args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CheckNamedValue prefers the statement's checker, then the connection's,
// matching the lookup order database/sql uses for unwrapped drivers.
func (s *wrappedStmt) CheckNamedValue(nv *driver.NamedValue) error {
	if nvc, ok := s.Stmt.(driver.NamedValueChecker); ok {
		return nvc.CheckNamedValue(nv)
	}
	return s.conn.CheckNamedValue(nv)
}

// stmtRows closes the statement prepared for an ErrSkip fallback together
// with its rows.
type stmtRows struct {
	driver.Rows
	stmt driver.Stmt
}

func (r *stmtRows) Close() error {
	err := r.Rows.Close()
	if cerr := r.stmt.Close(); err == nil {
		err = cerr
	}
	return err
}

func stmtExec(ctx context.Context, stmt driver.Stmt, args []driver.NamedValue) (driver.Result, error) {
	if ex, ok := stmt.(driver.StmtExecContext); ok {
		return ex.ExecContext(ctx, args)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return stmt.Exec(namedValueToValue(args)) //nolint:staticcheck // fallback for old drivers
}

func stmtQuery(ctx context.Context, stmt driver.Stmt, args []driver.NamedValue) (driver.Rows, error) {
	if qx, ok := stmt.(driver.StmtQueryContext); ok {
		return qx.QueryContext(ctx, args)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return stmt.Query(namedValueToValue(args)) //nolint:staticcheck // fallback for old drivers
}

func namedValueToValue(named []driver.NamedValue) []driver.Value {
	vs := make([]driver.Value, len(named))
	for i, nv := range named {
		vs[i] = nv.Value
	}
	return vs
}
