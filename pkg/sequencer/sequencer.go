// Package sequencer runs operations strictly one at a time, in submission
// order, with classified retries. It exists for mutation flows that must
// not interleave: a failed send on a flaky stream can be re-run or rescued
// by post-hoc verification without the caller managing any of it.
package sequencer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opsdeck/sselink/pkg/faults"
	"github.com/opsdeck/sselink/pkg/logger"
	"github.com/opsdeck/sselink/pkg/retry"
)

// ErrClosed is returned for operations still pending when the manager shuts
// down, and for Do calls made after Close.
var ErrClosed = errors.New("sequencer: manager is closed")

// Operation is one unit of serialized work.
type Operation struct {
	// Name identifies the operation in logs.
	Name string

	// Execute performs the work. Required.
	Execute func(ctx context.Context) error

	// Verify optionally checks whether a failed Execute actually landed.
	// Transports can report a torn connection after the server applied the
	// change; Verify returning nil rescues such a failure into a success.
	Verify func(ctx context.Context) error
}

// Config wires a Manager.
type Config struct {
	// Retry decides re-run delays and ceilings. Defaults to the
	// exponential backoff schedule.
	Retry retry.Policy

	// Logger defaults to the nop logger.
	Logger logger.Logger
}

type task struct {
	ctx    context.Context
	op     Operation
	result chan error
}

// Manager owns one worker goroutine that drains submitted operations in
// FIFO order. Safe for concurrent use.
type Manager struct {
	policy retry.Policy
	logger logger.Logger

	mu      sync.Mutex
	pending []*task
	closed  bool

	wakeCh    chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New starts the worker.
func New(cfg Config) *Manager {
	m := &Manager{
		policy: cfg.Retry,
		logger: cfg.Logger,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if m.policy == nil {
		m.policy = retry.NewExponentialBackoff()
	}
	if m.logger == nil {
		m.logger = logger.Nop()
	}
	go m.worker()
	return m
}

// Do enqueues op and waits for its outcome. Operations run strictly one at
// a time in submission order. If ctx is done before the operation starts,
// it is skipped and ctx's error returned; once running, ctx is the
// operation's to honor.
func (m *Manager) Do(ctx context.Context, op Operation) error {
	if op.Execute == nil {
		return errors.New("sequencer: operation has no Execute")
	}

	t := &task{ctx: ctx, op: op, result: make(chan error, 1)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.pending = append(m.pending, t)
	m.mu.Unlock()
	m.wake()

	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker once the in-flight operation finishes its current
// attempt; a re-run waiting out its backoff delay is abandoned with
// ErrClosed, as is every queued operation. Close blocks until the worker
// has exited and is idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.stopCh)
	})
	<-m.done
}

func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *Manager) dequeue() *task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	t := m.pending[0]
	m.pending = m.pending[1:]
	return t
}

func (m *Manager) failPending() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, t := range pending {
		t.result <- ErrClosed
	}
}

func (m *Manager) worker() {
	defer close(m.done)
	for {
		select {
		case <-m.stopCh:
			m.failPending()
			return
		default:
		}

		t := m.dequeue()
		if t == nil {
			select {
			case <-m.wakeCh:
			case <-m.stopCh:
				m.failPending()
				return
			}
			continue
		}

		if err := t.ctx.Err(); err != nil {
			t.result <- err
			continue
		}
		t.result <- m.run(t)
	}
}

// run executes one task to its final outcome: success, rescue, terminal
// failure, or exhaustion of the retry budget.
func (m *Manager) run(t *task) error {
	for attempt := 0; ; attempt++ {
		err := t.op.Execute(t.ctx)
		if err == nil {
			return nil
		}
		classified := faults.Classify(err)

		if t.op.Verify != nil {
			if verr := t.op.Verify(t.ctx); verr == nil {
				m.logger.Info("execution failure rescued by verification",
					"operation", t.op.Name, "cause", classified)
				return nil
			}
		}

		if !classified.Retryable {
			m.logger.Error("operation failed terminally",
				"operation", t.op.Name, "kind", classified.Kind, "cause", classified)
			return classified
		}

		delay, ok := m.policy.NextDelay(attempt, classified)
		if !ok {
			m.logger.Error("operation retry ceiling exhausted",
				"operation", t.op.Name, "attempts", attempt+1, "cause", classified)
			return classified
		}

		m.logger.Warn("operation re-run scheduled",
			"operation", t.op.Name, "attempt", attempt+1, "delay", delay, "cause", classified)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-t.ctx.Done():
			timer.Stop()
			return t.ctx.Err()
		case <-m.stopCh:
			timer.Stop()
			return ErrClosed
		}
	}
}
