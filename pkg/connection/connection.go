// Package connection implements the per-subscription state machine that
// supervises one logical stream: the physical socket, the reconnect and
// heartbeat timers, and delivery to the consumer.
//
// The machine is driven entirely through the Handler entry points plus the
// timer callbacks, all serialized behind one mutex, so every transition is
// atomic and testable with a fake carrier.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsdeck/sselink/pkg/faults"
	"github.com/opsdeck/sselink/pkg/logger"
	"github.com/opsdeck/sselink/pkg/retry"
)

// Observer is the sink consumer-visible events are delivered to. Any nil
// callback is skipped. The connection drops its observer reference at
// teardown; the caller keeps ownership of the callback object itself.
type Observer struct {
	// OnNext receives each data payload, passed through unchanged.
	OnNext func(data json.RawMessage)
	// OnError receives the single terminal error, if the subscription ends
	// in failure. No events follow it.
	OnError func(err error)
	// OnComplete is invoked once if the server completes the subscription
	// normally. No events follow it.
	OnComplete func()
}

// Config assembles everything one Connection needs. Zero values fall back
// to the transport defaults.
type Config struct {
	// ID is the subscription id the connection is registered under.
	ID string
	// OperationName is kept for introspection and logging only.
	OperationName string
	// Dial returns a fresh Carrier for each connection attempt.
	Dial DialFunc
	// Observer receives the consumer-visible events.
	Observer Observer
	// Retry decides reconnect delays and ceilings. Defaults to the
	// transport's exponential backoff schedule.
	Retry retry.Policy
	// HeartbeatTimeout is the silence window after which the stream is
	// declared dead. Defaults to 60s.
	HeartbeatTimeout time.Duration
	// Logger defaults to the nop logger.
	Logger logger.Logger
	// OnTerminal is invoked exactly once when the connection reaches a
	// terminal state, after its resources are released. The registry uses
	// it to remove its entry.
	OnTerminal func(id string)
}

// Info is a read-only introspection snapshot of one connection. It never
// aliases live state.
type Info struct {
	ID             string
	OperationName  string
	State          State
	Attempts       int
	LastError      error
	CreatedAt      time.Time
	LastActivityAt time.Time
}

type deliveryKind int

const (
	deliverNext deliveryKind = iota
	deliverError
	deliverComplete
)

// delivery captures the observer at enqueue time, so teardown can drop the
// live reference without losing events that were already queued ahead of a
// terminal one.
type delivery struct {
	kind deliveryKind
	data json.RawMessage
	err  error
	obs  Observer
}

// Connection owns one physical stream socket, its state, its heartbeat
// timer, and its reconnect timer. It is created in StateConnecting; Start
// dials the first socket.
type Connection struct {
	id            string
	operationName string
	dial          DialFunc
	policy        retry.Policy
	hbTimeout     time.Duration
	logger        logger.Logger
	onTerminal    func(id string)

	mu           sync.Mutex
	state        State
	epoch        uint64
	carrier      Carrier
	attempts     int
	createdAt    time.Time
	lastActivity time.Time
	lastErr      error
	heartbeat    *heartbeatMonitor
	reconnect    *time.Timer
	observer     Observer
	pending      []delivery
	terminated   bool

	// detached flips when the consumer unsubscribes: no new delivery may
	// begin afterward. It is checked outside mu, immediately before each
	// callback invocation.
	detached atomic.Bool
	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Connection in StateConnecting. No socket is opened until
// Start is called.
func New(cfg Config) *Connection {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	policy := cfg.Retry
	if policy == nil {
		policy = retry.NewExponentialBackoff()
	}
	hbTimeout := cfg.HeartbeatTimeout
	if hbTimeout <= 0 {
		hbTimeout = 60 * time.Second
	}

	return &Connection{
		id:            cfg.ID,
		operationName: cfg.OperationName,
		dial:          cfg.Dial,
		policy:        policy,
		hbTimeout:     hbTimeout,
		logger:        log,
		onTerminal:    cfg.OnTerminal,
		state:         StateConnecting,
		createdAt:     time.Now(),
		observer:      cfg.Observer,
		wakeCh:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

// Start dials the first physical stream and begins delivering events. The
// context bounds only this initial dial; reconnect dials are owned by the
// connection itself.
func (c *Connection) Start(ctx context.Context) {
	go c.dispatchLoop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		// Unsubscribed before the first dial.
		return
	}
	c.openLocked(ctx)
}

// ID returns the subscription id the connection was registered under.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns an introspection snapshot.
func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:             c.id,
		OperationName:  c.operationName,
		State:          c.state,
		Attempts:       c.attempts,
		LastError:      c.lastErr,
		CreatedAt:      c.createdAt,
		LastActivityAt: c.lastActivity,
	}
}

// Unsubscribe tears the subscription down: it cancels any pending reconnect
// timer, cancels the heartbeat timer, closes the underlying socket, and
// removes the registry entry, in that order, before returning. It is
// synchronous and idempotent. No new delivery begins after it returns; a
// delivery already executing may complete, which keeps unsubscribing from
// inside a callback deadlock-free.
func (c *Connection) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.detached.Store(true)
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.pending = nil
	c.observer = Observer{}

	if !c.state.Terminal() {
		if err := c.transitionLocked(StateDisconnected); err != nil {
			c.logger.Error("BUG: unsubscribe could not reach Disconnected", "subscription_id", c.id, "error", err)
		}
	}
	c.teardownLocked()
}

// staleLocked filters callbacks from sockets that predate the current dial
// attempt, and anything arriving after a terminal transition.
func (c *Connection) staleLocked(epoch uint64) bool {
	return epoch != c.epoch || c.state.Terminal()
}

func (c *Connection) transitionLocked(newState State) error {
	if err := c.state.validateTransitionTo(newState); err != nil {
		return err
	}
	c.state = newState
	c.logger.Debug("connection state transitioned", "subscription_id", c.id, "new_state", newState.String())
	return nil
}

// openLocked dials a fresh carrier under a new epoch.
func (c *Connection) openLocked(ctx context.Context) {
	c.epoch++
	handler := &carrierHandler{conn: c, epoch: c.epoch}
	c.carrier = c.dial()
	if err := c.carrier.Open(ctx, handler); err != nil {
		c.faultLocked(faults.Classify(err))
	}
}

func (c *Connection) handleOpen(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staleLocked(epoch) {
		return
	}

	if err := c.transitionLocked(StateConnected); err != nil {
		c.logger.Error("BUG: stream reported open in an unexpected state", "subscription_id", c.id, "state", c.state.String(), "error", err)
		return
	}

	c.attempts = 0
	c.lastActivity = time.Now()
	c.heartbeat = newHeartbeatMonitor(c.hbTimeout, func(gen uint64) {
		c.heartbeatExpired(epoch, gen)
	})
	c.heartbeat.Reset()
	c.logger.Info("stream connected", "subscription_id", c.id, "operation", c.operationName)
}

func (c *Connection) handleEvent(epoch uint64, name string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staleLocked(epoch) {
		return
	}

	switch name {
	case EventHeartbeat:
		c.touchLocked()
	case EventNext:
		if c.state != StateConnected {
			return
		}
		c.touchLocked()
		if !json.Valid(data) {
			c.faultLocked(faults.New(faults.Parse, "undecodable data frame"))
			return
		}
		c.enqueueLocked(delivery{kind: deliverNext, data: append(json.RawMessage(nil), data...)})
	case EventComplete:
		c.completeLocked()
	case EventError:
		classified := faults.ClassifyEnvelope(data)
		if classified == nil {
			// Keep-alive artifact; some gateways emit hollow error frames.
			c.logger.Debug("hollow error frame ignored", "subscription_id", c.id)
			return
		}
		c.faultLocked(classified)
	default:
		c.logger.Debug("unrecognized stream event ignored", "subscription_id", c.id, "event", name)
	}
}

func (c *Connection) handleError(epoch uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staleLocked(epoch) {
		return
	}
	c.faultLocked(faults.Classify(err))
}

// touchLocked records activity: both data and named heartbeat signals reset
// the heartbeat timer and the activity timestamp.
func (c *Connection) touchLocked() {
	c.lastActivity = time.Now()
	if c.heartbeat != nil {
		c.heartbeat.Reset()
	}
}

func (c *Connection) heartbeatExpired(epoch, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staleLocked(epoch) {
		return
	}
	if c.heartbeat == nil || gen != c.heartbeat.gen || c.state != StateConnected {
		return
	}

	c.logger.Warn("no activity within heartbeat window", "subscription_id", c.id, "window", c.hbTimeout)
	c.faultLocked(faults.New(faults.Timeout, fmt.Sprintf("no activity within heartbeat window (%s)", c.hbTimeout)))
}

// faultLocked routes every categorized failure: non-retryable kinds fail
// the subscription terminally, retryable kinds schedule a reconnect until
// the policy's ceiling says otherwise.
func (c *Connection) faultLocked(classified *faults.Classified) {
	c.lastErr = classified

	if classified.Kind == faults.Parse {
		// Logged distinctly: parse faults usually indicate a protocol or
		// version mismatch rather than network instability.
		c.logger.Warn("undecodable frame on stream", "subscription_id", c.id, "error", classified)
	}

	if !classified.Retryable {
		c.failLocked(classified)
		return
	}

	delay, ok := c.policy.NextDelay(c.attempts, classified)
	if !ok {
		c.logger.Error("retry ceiling exhausted", "subscription_id", c.id, "attempts", c.attempts, "error", classified)
		c.failLocked(classified)
		return
	}

	if err := c.transitionLocked(StateReconnecting); err != nil {
		c.logger.Error("BUG: fault arrived in an unexpected state", "subscription_id", c.id, "state", c.state.String(), "error", err)
		return
	}
	c.stopHeartbeatLocked()
	c.closeCarrierLocked()
	c.attempts++
	c.logger.Info("stream reconnect scheduled",
		"subscription_id", c.id,
		"attempt", c.attempts,
		"delay", delay,
		"error", classified,
	)
	c.reconnect = time.AfterFunc(delay, c.redial)
}

func (c *Connection) redial() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reconnect = nil
	if c.state != StateReconnecting {
		// Unsubscribed while the backoff timer was pending.
		return
	}
	if err := c.transitionLocked(StateConnecting); err != nil {
		c.logger.Error("BUG: redial could not reach Connecting", "subscription_id", c.id, "error", err)
		return
	}
	c.logger.Debug("stream redialing", "subscription_id", c.id, "attempt", c.attempts)
	c.openLocked(context.Background())
}

func (c *Connection) failLocked(classified *faults.Classified) {
	if err := c.transitionLocked(StateFailed); err != nil {
		c.logger.Error("BUG: failure could not reach Failed", "subscription_id", c.id, "error", err)
		return
	}
	c.logger.Error("subscription failed terminally",
		"subscription_id", c.id,
		"operation", c.operationName,
		"kind", string(classified.Kind),
		"error", classified,
	)
	c.enqueueLocked(delivery{kind: deliverError, err: classified})
	c.teardownLocked()
}

func (c *Connection) completeLocked() {
	if err := c.transitionLocked(StateDisconnected); err != nil {
		c.logger.Error("BUG: completion could not reach Disconnected", "subscription_id", c.id, "error", err)
		return
	}
	c.logger.Info("subscription completed by server", "subscription_id", c.id, "operation", c.operationName)
	c.enqueueLocked(delivery{kind: deliverComplete})
	c.teardownLocked()
}

// teardownLocked releases everything this record references, in the
// documented order: reconnect timer, heartbeat timer, socket, registry
// entry. Safe to call more than once.
func (c *Connection) teardownLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.stopHeartbeatLocked()
	c.closeCarrierLocked()

	if !c.terminated {
		c.terminated = true
		if c.onTerminal != nil {
			c.onTerminal(c.id)
		}
	}
}

func (c *Connection) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

// closeCarrierLocked closes the current socket and bumps the epoch, so
// callbacks still in flight from the closing carrier identify as stale.
func (c *Connection) closeCarrierLocked() {
	if c.carrier != nil {
		if err := c.carrier.Close(); err != nil {
			c.logger.Debug("carrier close reported an error", "subscription_id", c.id, "error", err)
		}
		c.carrier = nil
	}
	c.epoch++
}

func (c *Connection) enqueueLocked(d delivery) {
	d.obs = c.observer
	c.pending = append(c.pending, d)
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// dispatchLoop delivers queued events in socket order from a single
// goroutine. It exits when the consumer unsubscribes or after delivering a
// terminal event.
func (c *Connection) dispatchLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.wakeCh:
		}

		for {
			c.mu.Lock()
			if len(c.pending) == 0 {
				c.mu.Unlock()
				break
			}
			next := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()

			if c.detached.Load() {
				return
			}
			if terminal := c.deliver(next); terminal {
				c.mu.Lock()
				c.observer = Observer{}
				c.pending = nil
				c.mu.Unlock()
				return
			}
		}
	}
}

func (c *Connection) deliver(d delivery) bool {
	switch d.kind {
	case deliverNext:
		if d.obs.OnNext != nil {
			d.obs.OnNext(d.data)
		}
		return false
	case deliverError:
		if d.obs.OnError != nil {
			d.obs.OnError(d.err)
		}
		return true
	case deliverComplete:
		if d.obs.OnComplete != nil {
			d.obs.OnComplete()
		}
		return true
	default:
		return false
	}
}

// carrierHandler binds a Carrier's callbacks to one dial attempt, so a
// half-dead socket from before a reconnect can never corrupt the machine.
type carrierHandler struct {
	conn  *Connection
	epoch uint64
}

var _ Handler = (*carrierHandler)(nil)

func (h *carrierHandler) HandleOpen() {
	h.conn.handleOpen(h.epoch)
}

func (h *carrierHandler) HandleEvent(name string, data []byte) {
	h.conn.handleEvent(h.epoch, name, data)
}

func (h *carrierHandler) HandleError(err error) {
	h.conn.handleError(h.epoch, err)
}
