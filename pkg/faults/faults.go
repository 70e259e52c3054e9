// Package faults normalizes every failure the streaming transport can
// encounter (socket errors, rejected stream setups, server-sent error
// envelopes, liveness timeouts) into a fixed taxonomy carrying a
// retryability verdict.
//
// Classification is computed once and never mutated: classifying an already
// classified error returns it unchanged, so errors can travel through the
// reconnection machinery without being re-bucketed along the way.
package faults

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind is the failure category the propagation policy keys on.
type Kind string

const (
	// Network covers refused, reset, or unexpectedly closed sockets and
	// other transport-level failures. Retryable.
	Network Kind = "network"
	// Auth covers authentication or authorization failures reported by the
	// gateway. Never retryable: a new attempt with the same credentials
	// cannot succeed.
	Auth Kind = "auth"
	// Server covers faults the gateway reported that are not attributable
	// to this client, including 5xx stream setups. Retryable.
	Server Kind = "server"
	// Client covers 4xx-equivalent faults in the request itself, such as a
	// malformed operation document. Never retryable.
	Client Kind = "client"
	// Timeout is synthesized when no activity arrives within the heartbeat
	// window, or when a deadline expires. Retryable under a stricter
	// ceiling than Network and Server.
	Timeout Kind = "timeout"
	// Parse covers frames whose payload could not be decoded. Retryable,
	// since the next frame may be well-formed, but logged distinctly
	// because it usually indicates a protocol or version mismatch.
	Parse Kind = "parse"
)

// retryable is the single source of truth for the per-kind verdict.
func retryable(kind Kind) bool {
	switch kind {
	case Auth, Client:
		return false
	default:
		return true
	}
}

// Classified is a failure normalized into the taxonomy.
//
// Kind and Retryable are fixed at classification time. Status carries the
// HTTP-equivalent status code when one was available, 0 otherwise. The
// original failure, if any, is reachable through Unwrap.
type Classified struct {
	Kind      Kind
	Retryable bool
	Status    int

	msg   string
	cause error
}

func (c *Classified) Error() string {
	switch {
	case c.cause != nil:
		return fmt.Sprintf("%s: %v", c.Kind, c.cause)
	case c.msg != "":
		return fmt.Sprintf("%s: %s", c.Kind, c.msg)
	default:
		return string(c.Kind)
	}
}

func (c *Classified) Unwrap() error {
	return c.cause
}

// New builds a Classified of the given kind with a fixed message and the
// kind's standard retryability verdict.
func New(kind Kind, msg string) *Classified {
	return &Classified{Kind: kind, Retryable: retryable(kind), msg: msg}
}

// wrap builds a Classified around a raw failure.
func wrap(kind Kind, cause error) *Classified {
	return &Classified{Kind: kind, Retryable: retryable(kind), cause: cause}
}

// StatusError reports a stream setup rejected with an HTTP status before
// any event was delivered. Carriers return it so classification can key on
// the code rather than on response-body text.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stream setup rejected with status %d", e.Code)
	}
	return fmt.Sprintf("stream setup rejected with status %d: %s", e.Code, e.Body)
}

// Classify maps a raw failure to a Classified error.
//
// It inspects, in order: an existing Classified (returned unchanged), a
// StatusError from stream setup, typed network and deadline errors, decode
// failures, and finally well-known message substrings. Anything that stays
// unrecognized is treated as a retryable Server fault, which keeps unknown
// failures on the bounded-retry path rather than hard-failing subscriptions
// on the first oddity.
func Classify(err error) *Classified {
	if err == nil {
		return nil
	}

	var classified *Classified
	if errors.As(err, &classified) {
		return classified
	}

	var status *StatusError
	if errors.As(err, &status) {
		return classifyStatus(status.Code, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(Timeout, err)
	}

	if isNetworkError(err) {
		return wrap(Network, err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return wrap(Parse, err)
	}

	return wrap(classifyMessage(err.Error()), err)
}

func classifyStatus(code int, cause error) *Classified {
	c := wrap(kindForStatus(code), cause)
	c.Status = code
	return c
}

func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Auth
	case code == http.StatusTooManyRequests:
		// Rate limiting is upstream pushback, not a fault in the request;
		// it clears on its own, so it stays on the retry path.
		return Server
	case code >= 400 && code < 500:
		return Client
	default:
		return Server
	}
}

func isNetworkError(err error) bool {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// classifyMessage is the last-resort text matcher for failures that arrive
// as bare strings, typically out of subprocesses or third-party layers that
// flattened the original error.
func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)

	switch {
	case containsAny(lower, "connection refused", "connection reset", "broken pipe", "no such host", "network is unreachable", "unexpected eof", "use of closed network connection"):
		return Network
	case containsAny(lower, "unauthenticated", "unauthorized", "forbidden", "invalid token", "token expired"):
		return Auth
	case containsAny(lower, "timed out", "timeout", "deadline exceeded"):
		return Timeout
	case containsAny(lower, "cannot parse", "cannot unmarshal", "invalid character", "unexpected token"):
		return Parse
	default:
		return Server
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// errorEnvelope is the wire shape of a server-sent error frame. Gateways
// emit either a single error object, a JSON list of them, or a wrapper with
// an "errors" list; Extensions carries the machine-readable code.
type errorEnvelope struct {
	Message    string           `json:"message"`
	Extensions envelopeMetadata `json:"extensions"`
	Errors     []errorEnvelope  `json:"errors"`
}

type envelopeMetadata struct {
	Code       string `json:"code"`
	StatusCode int    `json:"statusCode"`
}

// authCodes are the envelope codes treated as authentication failures.
var authCodes = map[string]bool{
	"UNAUTHENTICATED": true,
	"UNAUTHORIZED":    true,
	"FORBIDDEN":       true,
}

// clientCodes are the envelope codes attributable to the request itself.
var clientCodes = map[string]bool{
	"BAD_REQUEST":               true,
	"BAD_USER_INPUT":            true,
	"GRAPHQL_PARSE_FAILED":      true,
	"GRAPHQL_VALIDATION_FAILED": true,
}

// ClassifyEnvelope maps a server-sent error frame to a Classified error.
//
// Empty, "undefined", and "null" payloads return nil: some gateways emit
// hollow error frames as keep-alive artifacts and they must not produce a
// consumer-visible event. A payload that is present but undecodable
// classifies as Parse.
func ClassifyEnvelope(payload []byte) *Classified {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}
	switch string(trimmed) {
	case "undefined", "null", `""`, "{}":
		return nil
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		// Not an object; gateways may also send a bare list of errors.
		var list []errorEnvelope
		if listErr := json.Unmarshal(trimmed, &list); listErr != nil || len(list) == 0 {
			return wrap(Parse, fmt.Errorf("undecodable error frame: %w", err))
		}
		envelope = list[0]
	}
	if len(envelope.Errors) > 0 {
		envelope = envelope.Errors[0]
	}

	if envelope.Message == "" && envelope.Extensions.Code == "" && envelope.Extensions.StatusCode == 0 {
		return nil
	}

	c := New(kindForEnvelope(envelope), envelope.Message)
	c.Status = envelope.Extensions.StatusCode
	return c
}

func kindForEnvelope(envelope errorEnvelope) Kind {
	code := strings.ToUpper(envelope.Extensions.Code)
	switch {
	case authCodes[code]:
		return Auth
	case clientCodes[code]:
		return Client
	case envelope.Extensions.StatusCode != 0:
		return kindForStatus(envelope.Extensions.StatusCode)
	case envelope.Message != "":
		return classifyMessage(envelope.Message)
	default:
		return Server
	}
}

// KindOf reports the kind err classifies to, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// IsRetryable reports whether err classifies as retryable. A nil error is
// not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}
