package connection

import "context"

// Wire event names every carrier maps its frames onto. The gateway sends
// named events rather than raw generic messages.
const (
	// EventNext carries a JSON payload in the GraphQL execution-result
	// shape. Passed through to the consumer unchanged.
	EventNext = "next"
	// EventError carries a JSON error envelope. Empty or "undefined"
	// payloads are keep-alive artifacts and produce no consumer event.
	EventError = "error"
	// EventComplete has no payload and ends the subscription normally.
	EventComplete = "complete"
	// EventHeartbeat has no payload; it only proves liveness.
	EventHeartbeat = "heartbeat"
)

// Handler receives the callbacks a Carrier's read loop produces. It is the
// single entry point family that drives the connection state machine, so
// transitions are testable with a fake carrier and no real socket.
type Handler interface {
	// HandleOpen reports that the physical stream is established.
	HandleOpen()
	// HandleEvent delivers one named event and its payload.
	HandleEvent(name string, data []byte)
	// HandleError reports a transport-level failure. The carrier is dead
	// after this; the connection decides whether to dial a new one.
	HandleError(err error)
}

// Carrier is one physical stream: an SSE response body or a WebSocket.
// A fresh Carrier is dialed for every connection attempt.
type Carrier interface {
	// Open starts the dial and the read loop. It must not block on network
	// I/O; the dial outcome arrives through the Handler, so that every
	// failure flows through the same classification path. The returned
	// error covers only immediate misuse, such as opening twice.
	Open(ctx context.Context, h Handler) error

	// Close tears the stream down and stops the read loop. It is
	// idempotent, and failures caused by Close itself must not reach the
	// Handler.
	Close() error
}

// DialFunc returns a fresh Carrier for one connection attempt.
type DialFunc func() Carrier
