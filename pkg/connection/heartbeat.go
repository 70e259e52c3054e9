package connection

import "time"

// heartbeatMonitor declares the stream dead after timeout of silence.
//
// Every arm discards the previous timer and captures a new generation, so a
// timer that managed to fire concurrently with a reset identifies itself as
// stale instead of synthesizing a spurious timeout. The connection validates
// the generation under its own lock before acting.
type heartbeatMonitor struct {
	timeout time.Duration

	// expired is invoked from the timer goroutine, outside any lock, with
	// the generation the timer was armed with.
	expired func(gen uint64)

	gen   uint64
	timer *time.Timer
}

func newHeartbeatMonitor(timeout time.Duration, expired func(gen uint64)) *heartbeatMonitor {
	return &heartbeatMonitor{timeout: timeout, expired: expired}
}

// Reset arms or re-arms the monitor. The caller must hold the connection
// lock.
func (m *heartbeatMonitor) Reset() {
	m.gen++
	gen := m.gen
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.timeout, func() {
		m.expired(gen)
	})
}

// Stop cancels the monitor. The caller must hold the connection lock. A
// timer that already fired is neutralized by the generation bump.
func (m *heartbeatMonitor) Stop() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
