// Package fakegateway provides a fake GraphQL streaming gateway for tests.
// It serves subscription requests as Server-Sent Events and lets tests
// script behavior per connect attempt, so reconnects, heartbeat gaps,
// rejected handshakes, and terminal frames can be injected
// deterministically.
//
// Handlers are keyed by the operationName query parameter. Every connect
// is counted, and the raw requests are recorded so tests can assert on the
// wire format the client produced.
package fakegateway

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Request records one connect as the gateway saw it.
type Request struct {
	OperationName string
	Query         string
	Variables     string
	Header        http.Header
}

// HandlerFunc scripts one connect attempt. The handler owns the stream for
// the lifetime of the request; returning ends the response body, which a
// client observes as the server hanging up.
type HandlerFunc func(s *Stream)

// Gateway is a scripted SSE subscription endpoint backed by httptest.
type Gateway struct {
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	connects map[string]int
	requests []Request
}

// New starts a gateway with no handlers registered. Unhandled operations
// are rejected with 404.
func New() *Gateway {
	g := &Gateway{
		handlers: make(map[string]HandlerFunc),
		connects: make(map[string]int),
	}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serveHTTP))
	return g
}

// URL returns the endpoint base URL.
func (g *Gateway) URL() string {
	return g.srv.URL
}

// Close shuts the server down and waits for in-flight handlers.
func (g *Gateway) Close() {
	g.srv.Close()
}

// Handle registers the script for an operation name, replacing any
// previous one.
func (g *Gateway) Handle(operation string, fn HandlerFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[operation] = fn
}

// Connects returns how many times the operation has connected so far.
func (g *Gateway) Connects(operation string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connects[operation]
}

// Requests returns a copy of every connect recorded so far, oldest first.
func (g *Gateway) Requests() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	reqs := make([]Request, len(g.requests))
	copy(reqs, g.requests)
	return reqs
}

func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	op := q.Get("operationName")

	g.mu.Lock()
	fn, ok := g.handlers[op]
	g.connects[op]++
	attempt := g.connects[op]
	g.requests = append(g.requests, Request{
		OperationName: op,
		Query:         q.Get("query"),
		Variables:     q.Get("variables"),
		Header:        r.Header.Clone(),
	})
	g.mu.Unlock()

	if !ok {
		http.Error(w, fmt.Sprintf("no handler for operation %q", op), http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	fn(&Stream{
		Attempt:   attempt,
		Query:     q.Get("query"),
		Variables: q.Get("variables"),
		w:         w,
		flusher:   flusher,
		r:         r,
	})
}

// Stream is the handler-side handle for one connect attempt.
type Stream struct {
	// Attempt is the 1-based connect count for this operation, this
	// request included.
	Attempt int
	// Query and Variables echo the request's query parameters.
	Query     string
	Variables string

	w       http.ResponseWriter
	flusher http.Flusher
	r       *http.Request
	started bool
}

// Header exposes the response headers, for setting cookies or media type
// overrides. Mutations apply only before the first event or Reject.
func (s *Stream) Header() http.Header {
	return s.w.Header()
}

// Done is closed when the client goes away.
func (s *Stream) Done() <-chan struct{} {
	return s.r.Context().Done()
}

// Reject answers the connect with an HTTP error instead of a stream. Only
// valid before the first event.
func (s *Stream) Reject(code int, body string) {
	if s.started {
		panic("fakegateway: Reject after stream started")
	}
	http.Error(s.w, body, code)
}

// Event writes one SSE event and flushes it. Multi-line data is split into
// consecutive data fields, matching how a real gateway frames it.
func (s *Stream) Event(name, data string) {
	s.start()
	fmt.Fprintf(s.w, "event: %s\n", name)
	if data != "" {
		for _, line := range strings.Split(data, "\n") {
			fmt.Fprintf(s.w, "data: %s\n", line)
		}
	}
	fmt.Fprint(s.w, "\n")
	s.flusher.Flush()
}

// Next sends one data frame.
func (s *Stream) Next(data string) {
	s.Event("next", data)
}

// Error sends one error frame. The payload is sent verbatim, so tests can
// inject hollow or undecodable payloads as well as structured ones.
func (s *Stream) Error(payload string) {
	s.Event("error", payload)
}

// Complete sends the payload-less completion frame.
func (s *Stream) Complete() {
	s.Event("complete", "")
}

// Comment writes an SSE comment line, the keep-alive a real gateway emits.
func (s *Stream) Comment(text string) {
	s.start()
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}

// Hold blocks until the client goes away, keeping the stream open without
// sending anything further.
func (s *Stream) Hold() {
	s.start()
	<-s.Done()
}

// Drop aborts the connection without a graceful close, so the client sees
// the transport tear mid-stream.
func (s *Stream) Drop() {
	s.start()
	panic(http.ErrAbortHandler)
}

func (s *Stream) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}
