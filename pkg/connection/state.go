package connection

import "fmt"

// State is the lifecycle stage of one physical stream. Exactly one state is
// active per connection at any time; Disconnected and Failed are terminal.
type State int

const (
	// StateUnknown is intentionally the zero value, so that it can act as
	// an indicator that a Connection was initialized in an unexpected way.
	StateUnknown State = iota
	// StateConnecting is the initial state: a dial is in flight and the
	// socket has not reported open yet.
	StateConnecting
	// StateConnected means the stream is established and delivering. The
	// heartbeat monitor runs only in this state.
	StateConnected
	// StateReconnecting means a retryable failure occurred and a backoff
	// timer is pending before the next dial.
	StateReconnecting
	// StateDisconnected is terminal: the consumer unsubscribed or the
	// server completed the subscription.
	StateDisconnected
	// StateFailed is terminal: a non-retryable failure occurred, or the
	// retry ceiling was exhausted.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

func (s State) validateTransitionTo(newState State) error {
	switch s {
	case StateConnecting:
		switch newState {
		// Connecting to Failed is possible when the dial is rejected with
		// a non-retryable fault, such as an authentication failure.
		case StateConnected, StateReconnecting, StateFailed, StateDisconnected:
			return nil
		}
	case StateConnected:
		switch newState {
		case StateReconnecting, StateFailed, StateDisconnected:
			return nil
		}
	case StateReconnecting:
		switch newState {
		case StateConnecting, StateFailed, StateDisconnected:
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", s, newState)
}
