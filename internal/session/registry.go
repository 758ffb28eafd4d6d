// Package session tracks the set of live sensor connections, keyed by pin.
package session

import (
	"errors"
	"sync"

	"github.com/caprev/sensorlink/internal/link"
)

// ErrAlreadyExists is returned when a pin is registered twice.
var ErrAlreadyExists = errors.New("session: pin already registered")

// Registry owns the live connections. All methods are safe for concurrent
// use; mutation arrives both from transport-event goroutines and from the
// API surface, so the registry serialises access itself.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*link.Conn
	order []string // insertion order, for display only
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*link.Conn)}
}

// AddIfAbsent registers c under its pin. No two entries share a pin.
func (r *Registry) AddIfAbsent(c *link.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pin := c.Pin()
	if _, ok := r.conns[pin]; ok {
		return ErrAlreadyExists
	}
	r.conns[pin] = c
	r.order = append(r.order, pin)
	return nil
}

// Get returns the connection registered under pin, if any.
func (r *Registry) Get(pin string) (*link.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[pin]
	return c, ok
}

// Remove drops the entry for pin. It reports whether an entry existed.
// The connection itself is not closed; that is the caller's job.
func (r *Registry) Remove(pin string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[pin]; !ok {
		return false
	}
	delete(r.conns, pin)
	for i, p := range r.order {
		if p == pin {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// RemoveDead prunes entries whose transport has closed or whose attempt was
// rejected, returning how many were removed.
func (r *Registry) RemoveDead() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	kept := r.order[:0]
	for _, pin := range r.order {
		c := r.conns[pin]
		s := c.State()
		if s == link.StateClosed || s == link.StateRejected {
			delete(r.conns, pin)
			removed++
			continue
		}
		kept = append(kept, pin)
	}
	r.order = kept
	return removed
}

// AnyConnected reports whether at least one registered connection has a
// usable link.
func (r *Registry) AnyConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.Connected() {
			return true
		}
	}
	return false
}

// Pins returns the registered pins in insertion order.
func (r *Registry) Pins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
