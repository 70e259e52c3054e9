// Package sse implements the HTTP carrier: one GET request whose
// text/event-stream response body is decoded into named stream events.
package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/opsdeck/sselink/pkg/connection"
	"github.com/opsdeck/sselink/pkg/faults"
	"github.com/opsdeck/sselink/pkg/logger"
)

// maxErrorBodyBytes caps how much of a rejection response body is kept for
// the classified error.
const maxErrorBodyBytes = 4 << 10

// Config assembles one SSE carrier.
type Config struct {
	// URL is the fully encoded subscription URL, query parameters included.
	URL string
	// Header is sent on the dial request, in addition to the stream headers
	// the carrier sets itself.
	Header http.Header
	// Client defaults to a fresh http.Client. It must not carry a Timeout:
	// an event stream is a deliberately long-lived response.
	Client *http.Client
	// Logger defaults to the nop logger.
	Logger logger.Logger
}

// Carrier streams one text/event-stream response. It implements
// connection.Carrier; a fresh Carrier is dialed per connection attempt.
type Carrier struct {
	url    string
	header http.Header
	client *http.Client
	logger logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	opened bool
	closed bool
}

var _ connection.Carrier = (*Carrier)(nil)

func New(cfg Config) *Carrier {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Carrier{
		url:    cfg.URL,
		header: cfg.Header,
		client: client,
		logger: log,
	}
}

// Open dials the stream and starts the read loop in its own goroutine. The
// context's values propagate to the request; its cancellation does not,
// because the stream's lifetime belongs to Close.
func (c *Carrier) Open(ctx context.Context, h connection.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("sse: carrier is closed")
	}
	if c.opened {
		return errors.New("sse: carrier already opened")
	}
	c.opened = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.run(runCtx, h)
	return nil
}

// Close aborts the request and stops the read loop. Idempotent.
func (c *Carrier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	return nil
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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		c.report(h, err)
		return
	}
	for key, values := range c.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		c.report(h, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.report(h, &faults.StatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(body)),
		})
		return
	}
	if mediaType := responseMediaType(resp); mediaType != "text/event-stream" {
		c.report(h, faults.New(faults.Server, fmt.Sprintf("unexpected content type %q on event stream", mediaType)))
		return
	}

	if c.stopped() {
		return
	}
	c.logger.Debug("event stream opened", "url", c.url)
	h.HandleOpen()

	p := newParser(resp.Body)
	for {
		event, err := p.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The server hung up without completing the subscription.
				err = io.ErrUnexpectedEOF
			}
			c.report(h, err)
			return
		}
		if c.stopped() {
			return
		}
		if event.Comment {
			// Comment lines are keep-alive artifacts: liveness, no payload.
			h.HandleEvent(connection.EventHeartbeat, nil)
			continue
		}
		h.HandleEvent(event.Name, event.Data)
	}
}

func responseMediaType(resp *http.Response) string {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return resp.Header.Get("Content-Type")
	}
	return mediaType
}
