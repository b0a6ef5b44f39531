// Package registry implements the Client Registry: the single owner
// of every live connection in the process, keyed by client_id. Clients
// live under a sync.RWMutex and the registry is the sole closer of each
// one; every other component holds non-owning references for the
// registry's lifetime.
package registry

import (
	"fmt"
	"sync"

	"github.com/chainflow/streamd/internal/errs"
)

// Kind discriminates the three client flavors the engine knows about.
type Kind string

const (
	KindBroker     Kind = "broker"
	KindRelational Kind = "relational"
	KindCache      Kind = "cache"
)

// State is the connection lifecycle state of a Client.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// Client is the narrow capability every registered connection exposes to
// the rest of the engine. Concrete adapters (broker.Adapter,
// relational.Adapter, cache.Adapter) implement this plus their own
// richer, kind-specific surface.
type Client interface {
	ID() string
	Kind() Kind
	State() State
	Close() error
}

// Registry owns every live Client for the process lifetime.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
	order   []string // registration order, for reverse-order shutdown
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds client under its own ID. Registering the same ID twice
// with clients of different Kind is a config conflict; registering the
// same ID with the same Kind again is an idempotent no-op.
func (r *Registry) Register(client Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := client.ID()
	if existing, ok := r.clients[id]; ok {
		if existing.Kind() != client.Kind() {
			return fmt.Errorf("client %q already registered as %q, cannot re-register as %q: %w",
				id, existing.Kind(), client.Kind(), errs.ErrConfigConflict)
		}
		return nil
	}

	r.clients[id] = client
	r.order = append(r.order, id)
	return nil
}

// Resolve returns the client registered under id, if any.
func (r *Registry) Resolve(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// ResolveKind resolves id and checks it matches kind, giving callers a
// single call for the common "expect a relational client here" case.
func (r *Registry) ResolveKind(id string, kind Kind) (Client, bool) {
	c, ok := r.Resolve(id)
	if !ok || c.Kind() != kind {
		return nil, false
	}
	return c, true
}

// All returns every registered client in registration order.
func (r *Registry) All() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Client, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.clients[id])
	}
	return out
}

// CloseAll closes every client in reverse registration order, per the
// orchestrator's shutdown contract. Errors are collected, not
// short-circuited, so one failing Close does not skip the rest.
func (r *Registry) CloseAll() []error {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	clients := make(map[string]Client, len(r.clients))
	for k, v := range r.clients {
		clients[k] = v
	}
	r.mu.RUnlock()

	var errsOut []error
	for i := len(ids) - 1; i >= 0; i-- {
		if err := clients[ids[i]].Close(); err != nil {
			errsOut = append(errsOut, fmt.Errorf("closing client %q: %w", ids[i], err))
		}
	}
	return errsOut
}
