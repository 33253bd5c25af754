package dbconn

import (
	"context"
	"sync"
	"sync/atomic"
)

// Scope identifies one unit of work (usually one HTTP request) that attaches
// interceptors to connections. Scopes are never reused.
type Scope struct {
	id uint64
}

var scopeSeq atomic.Uint64

type scopeKey struct{}

// batchKey marks statements issued by ExecBatch so the per-statement
// interception is skipped; the batch as a whole was already intercepted.
type batchKey struct{}

// NewScope returns a context carrying a fresh Scope.
func NewScope(parent context.Context) (context.Context, *Scope) {
	s := &Scope{id: scopeSeq.Add(1)}
	return context.WithValue(parent, scopeKey{}, s), s
}

// ScopeFromContext returns the scope carried by ctx, or nil.
func ScopeFromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

func inBatch(ctx context.Context) bool {
	v, _ := ctx.Value(batchKey{}).(bool)
	return v
}

// Guard is the handle for one attached interceptor. Release detaches it.
type Guard struct {
	conn  *Connection
	scope *Scope
	entry *entry
	once  sync.Once
}

// Release detaches the interceptor from its connection. Safe to call more
// than once.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.conn.detach(g.scope, g.entry)
	})
}

// Guards is a list of acquired guards, released in reverse order.
type Guards []*Guard

// Release releases every guard, last acquired first.
func (gs Guards) Release() {
	for i := len(gs) - 1; i >= 0; i-- {
		gs[i].Release()
	}
}

// AttachAll creates a new scope under ctx and attaches ic to every
// connection in conns. If attaching to one connection fails, the guards
// already acquired are released before the error is returned, so no
// interceptor outlives a failed call.
func AttachAll(ctx context.Context, conns []*Connection, ic Interceptor) (context.Context, Guards, error) {
	ctx, scope := NewScope(ctx)

	guards := make(Guards, 0, len(conns))
	for _, conn := range conns {
		g, err := conn.Attach(scope, ic)
		if err != nil {
			guards.Release()
			return nil, nil, err
		}
		guards = append(guards, g)
	}
	return ctx, guards, nil
}
