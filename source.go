package sselink

import (
	"github.com/opsdeck/sselink/pkg/connection"
)

// Source is a cold subscription: it carries the fully composed dial target
// but opens nothing until Listen. One Source can be listened to any number
// of times; each Listen produces an independent subscription.
type Source struct {
	link   *Link
	op     Operation
	target string
}

// Operation returns the operation this source was built from.
func (s *Source) Operation() Operation {
	return s.op
}

// Listen allocates a subscription id, registers a connection under it, and
// opens the first carrier. Events flow to obs until Unsubscribe or until a
// terminal error or completion, whichever comes first.
func (s *Source) Listen(obs Observer) (*Subscription, error) {
	return s.link.listen(s, obs)
}

// Subscription is the consumer handle for one live subscription.
type Subscription struct {
	conn *connection.Connection
}

// ID returns the subscription id the connection is registered under.
func (s *Subscription) ID() string {
	return s.conn.ID()
}

// State returns the connection's current lifecycle state.
func (s *Subscription) State() State {
	return s.conn.State()
}

// Info returns a point-in-time introspection snapshot.
func (s *Subscription) Info() SubscriptionInfo {
	return s.conn.Info()
}

// Unsubscribe tears the subscription down: pending reconnect, heartbeat
// monitor, carrier, registry entry, in that order. It is synchronous, safe
// to call from observer callbacks, and idempotent.
func (s *Subscription) Unsubscribe() {
	s.conn.Unsubscribe()
}
