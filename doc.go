// The [sselink] package turns a GraphQL subscription operation into a
// managed streaming connection: one [Link.Subscribe] call yields a
// supervised stream with automatic reconnection, heartbeat monitoring,
// and an ordered push contract of zero or more data events followed by at
// most one terminal error or completion.
//
// # Connection Engines
//
// There are 2 carrier engines, selected by the scheme of [Config.URL]:
//
//   - http and https use Server-Sent Events: one GET request per
//     connection attempt, events decoded from the text/event-stream body
//     ([github.com/opsdeck/sselink/pkg/connection/sse]).
//   - ws and wss use a WebSocket, one JSON envelope per message
//     ([github.com/opsdeck/sselink/pkg/connection/gorillaws]).
//
// Either way the operation document, its JSON-encoded variables, and the
// operation name travel as query parameters of the dial URL, so the same
// gateway endpoint serves both engines.
//
// # Subscribing
//
// [Link.Subscribe] validates the operation and returns a cold [Source];
// no socket is opened until [Source.Listen] attaches an [Observer]. Each
// Listen produces an independent [Subscription] with its own id, retry
// budget, and heartbeat monitor. [Subscription.Unsubscribe] tears the
// stream down synchronously and may be called from inside an observer
// callback.
//
// # Failure Handling
//
// Stream failures are classified before they are acted on: authentication
// and client errors terminate the subscription immediately, network and
// server failures reconnect under an exponential backoff schedule, and
// heartbeat timeouts reconnect under a stricter ceiling. The
// [github.com/opsdeck/sselink/pkg/faults] package implements the
// classification; [RetryConfig] shapes the schedule.
//
// # Configuration
//
// A [Config] can be built in code or loaded with [LoadConfig] from a TOML
// file plus SSELINK_* environment variables. Zero values mean defaults,
// so the zero Config plus a URL is a working starting point.
package sselink
