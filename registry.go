package sselink

import (
	"sync"

	"github.com/opsdeck/sselink/pkg/connection"
)

// SubscriptionInfo is a point-in-time snapshot of one active subscription,
// as returned by Link.Subscriptions.
type SubscriptionInfo = connection.Info

// registry tracks live connections by subscription id. It is the only
// state shared across a Link's subscriptions.
type registry struct {
	mu    sync.RWMutex
	conns map[string]*connection.Connection
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*connection.Connection)}
}

func (r *registry) add(c *connection.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID()]; ok {
		return ErrIDInUse
	}
	r.conns[c.ID()] = c
	return nil
}

// remove is idempotent so racing teardown paths can both call it.
func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// snapshot copies the connection pointers out under the read lock. Callers
// query or tear down each connection after the lock is released; connection
// teardown re-enters the registry via remove, so nothing here may call into
// a connection while holding r.mu.
func (r *registry) snapshot() []*connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*connection.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}
