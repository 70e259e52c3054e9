// Package gorillaws implements the WebSocket carrier on top of
// github.com/gorilla/websocket. The gateway speaks the same named-event
// protocol as the SSE carrier, with one JSON envelope per message.
package gorillaws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/opsdeck/sselink/pkg/connection"
	"github.com/opsdeck/sselink/pkg/faults"
	"github.com/opsdeck/sselink/pkg/logger"
)

// DefaultDialer is the dialer used unless Config.Dialer overrides it.
//
// It is the default gorilla dialer as of gorilla/websocket v1.5.3 with
// compression enabled.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// controlWriteTimeout bounds close and pong control-frame writes.
const controlWriteTimeout = 2 * time.Second

// maxErrorBodyBytes caps how much of a rejected handshake response body is
// kept for the classified error.
const maxErrorBodyBytes = 4 << 10

// envelope is the wire shape of one WebSocket message: the event name plus
// its payload.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Config assembles one WebSocket carrier.
type Config struct {
	// URL is the fully encoded ws or wss subscription URL, query
	// parameters included.
	URL string
	// Header is sent with the handshake request.
	Header http.Header
	// Dialer defaults to DefaultDialer.
	Dialer *gorilla.Dialer
	// Logger defaults to the nop logger.
	Logger logger.Logger
}

// Carrier streams one WebSocket session. It implements connection.Carrier;
// a fresh Carrier is dialed per connection attempt.
type Carrier struct {
	url    string
	header http.Header
	dialer *gorilla.Dialer
	logger logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	conn   *gorilla.Conn
	opened bool
	closed bool
}

var _ connection.Carrier = (*Carrier)(nil)

func New(cfg Config) *Carrier {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Carrier{
		url:    cfg.URL,
		header: cfg.Header,
		dialer: dialer,
		logger: log,
	}
}

// Open dials the socket and starts the read loop in its own goroutine. The
// context's values propagate to the handshake request; its cancellation
// does not, because the session's lifetime belongs to Close.
func (c *Carrier) Open(ctx context.Context, h connection.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("gorillaws: carrier is closed")
	}
	if c.opened {
		return errors.New("gorillaws: carrier already opened")
	}
	c.opened = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.run(runCtx, h)
	return nil
}

// Close performs a best-effort close handshake so the gateway sees a clean
// shutdown, then releases the socket regardless. Idempotent.
func (c *Carrier) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}

	message := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")
	if err := conn.WriteControl(gorilla.CloseMessage, message, time.Now().Add(controlWriteTimeout)); err != nil {
		c.logger.Debug("close handshake write failed", "error", err)
	}
	return conn.Close()
}

func (c *Carrier) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// report forwards a read-loop failure unless Close caused it.
func (c *Carrier) report(h connection.Handler, err error) {
	if c.stopped() || errors.Is(err, context.Canceled) {
		return
	}
	h.HandleError(err)
}

func (c *Carrier) run(ctx context.Context, h connection.Handler) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			_ = resp.Body.Close()
			c.report(h, &faults.StatusError{
				Code: resp.StatusCode,
				Body: strings.TrimSpace(string(body)),
			})
			return
		}
		c.report(h, err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	// Protocol-level pings prove liveness the same way comment lines do on
	// the SSE carrier.
	conn.SetPingHandler(func(appData string) error {
		h.HandleEvent(connection.EventHeartbeat, nil)
		err := conn.WriteControl(gorilla.PongMessage, []byte(appData), time.Now().Add(controlWriteTimeout))
		if errors.Is(err, gorilla.ErrCloseSent) {
			return nil
		}
		return err
	})

	c.logger.Debug("websocket session opened", "url", c.url)
	h.HandleOpen()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.report(h, err)
			return
		}
		if c.stopped() {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.report(h, err)
			return
		}
		h.HandleEvent(env.Type, env.Payload)
	}
}
