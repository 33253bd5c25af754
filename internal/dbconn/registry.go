package dbconn

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
)

// DefaultAlias is the alias of the primary database.
const DefaultAlias = "default"

// Registry holds every database connection the process has opened, in
// registration order.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Open registers a new connection under alias, built over base. Panics if
// the alias is already taken, mirroring sql.Register.
func (r *Registry) Open(alias string, base driver.Connector) *Connection {
	if base == nil {
		panic("dbconn: Open connector is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.conns[alias]; dup {
		panic("dbconn: Open called twice for alias " + alias)
	}

	c := newConnection(alias, base)
	r.conns[alias] = c
	r.order = append(r.order, alias)
	return c
}

// Get returns the connection registered under alias.
func (r *Registry) Get(alias string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[alias]
	return c, ok
}

// All returns the open connections in registration order.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.order))
	for _, alias := range r.order {
		if c := r.conns[alias]; !c.isClosed() {
			out = append(out, c)
		}
	}
	return out
}

// Close closes every connection and returns the joined errors.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, alias := range r.order {
		if err := r.conns[alias].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %q: %w", alias, err))
		}
	}
	return errors.Join(errs...)
}
