package sselink

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsdeck/sselink/pkg/connection"
	"github.com/opsdeck/sselink/pkg/connection/gorillaws"
	"github.com/opsdeck/sselink/pkg/connection/sse"
	"github.com/opsdeck/sselink/pkg/logger"
	"github.com/opsdeck/sselink/pkg/retry"
)

// Observer is the consumer-side sink for one subscription. See
// connection.Observer for the delivery contract.
type Observer = connection.Observer

// State re-exports the connection lifecycle states for introspection.
type State = connection.State

// Lifecycle states as reported by SubscriptionInfo.State.
const (
	StateConnecting   = connection.StateConnecting
	StateConnected    = connection.StateConnected
	StateReconnecting = connection.StateReconnecting
	StateDisconnected = connection.StateDisconnected
	StateFailed       = connection.StateFailed
)

// Link turns GraphQL subscription operations into supervised streaming
// connections against one configured endpoint. A Link is safe for
// concurrent use; each subscription gets its own connection, retry
// schedule, and heartbeat monitor.
type Link struct {
	cfg    Config
	logger logger.Logger
	policy retry.Policy
	dial   func(target string) connection.Carrier
	reg    *registry

	mu       sync.Mutex
	disposed bool
}

// New validates cfg after applying defaults and builds the Link: log output
// from the debug settings, backoff schedule from the retry settings, and
// the carrier engine selected by the endpoint's URL scheme.
func New(cfg Config) (*Link, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := buildLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}

	backoff := retry.NewExponentialBackoff()
	backoff.BaseDelay = cfg.Retry.Delay
	backoff.MaxDelay = cfg.Retry.MaxDelay
	backoff.Attempts = cfg.Retry.Attempts
	backoff.TimeoutAttempts = cfg.Retry.TimeoutAttempts

	dial, err := buildEngine(cfg, log)
	if err != nil {
		return nil, err
	}

	return &Link{
		cfg:    cfg,
		logger: log,
		policy: backoff,
		dial:   dial,
		reg:    newRegistry(),
	}, nil
}

// Subscribe prepares a cold source for op. Nothing is dialed until the
// returned Source is listened to. Operations that are not subscriptions
// are rejected with ErrNotSubscription.
func (l *Link) Subscribe(op Operation) (*Source, error) {
	l.mu.Lock()
	disposed := l.disposed
	l.mu.Unlock()
	if disposed {
		return nil, ErrLinkDisposed
	}
	if !op.IsSubscription() {
		return nil, ErrNotSubscription
	}
	target, err := op.targetURL(l.cfg.URL)
	if err != nil {
		return nil, err
	}
	return &Source{link: l, op: op, target: target}, nil
}

// Subscriptions snapshots every active subscription. The returned slice is
// owned by the caller; entries reflect the moment of the call.
func (l *Link) Subscriptions() []SubscriptionInfo {
	conns := l.reg.snapshot()
	infos := make([]SubscriptionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	return infos
}

// Dispose tears down every active subscription and rejects further
// Subscribe and Listen calls with ErrLinkDisposed. Idempotent; safe to call
// with subscriptions still live.
func (l *Link) Dispose() {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return
	}
	l.disposed = true
	l.mu.Unlock()

	conns := l.reg.snapshot()
	for _, c := range conns {
		c.Unsubscribe()
	}
	l.logger.Info("link disposed", "subscriptions_closed", len(conns))
}

// listen registers a fresh connection for src and opens its first carrier.
// The disposed check and the registry insert happen under one lock so a
// concurrent Dispose either sees the new entry or rejects the listen.
func (l *Link) listen(src *Source, obs Observer) (*Subscription, error) {
	id := uuid.NewString()
	conn := connection.New(connection.Config{
		ID:               id,
		OperationName:    src.op.OperationName,
		Dial:             func() connection.Carrier { return l.dial(src.target) },
		Observer:         obs,
		Retry:            l.policy,
		HeartbeatTimeout: l.cfg.HeartbeatTimeout,
		Logger:           l.logger,
		OnTerminal:       l.reg.remove,
	})

	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return nil, ErrLinkDisposed
	}
	if err := l.reg.add(conn); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()

	l.logger.Info("subscription opened",
		"subscription_id", id, "operation", src.op.OperationName)
	conn.Start(context.Background())
	return &Subscription{conn: conn}, nil
}

func buildLogger(debug DebugConfig) (logger.Logger, error) {
	if !debug.Enabled {
		return logger.Nop(), nil
	}
	level, err := logger.LevelFromString(debug.LogLevel)
	if err != nil {
		return nil, err
	}
	zl := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	return logger.NewZerolog(zl), nil
}

// buildEngine resolves the carrier constructor for the endpoint scheme.
// Both engines share one header set, and, when credentials mode is
// include, one in-memory cookie jar, so session cookies issued on an
// early connect ride along on every reconnect.
func buildEngine(cfg Config, log logger.Logger) (func(string) connection.Carrier, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint url: %w", err)
	}

	header := make(http.Header, len(cfg.Headers))
	for key, value := range cfg.Headers {
		header.Set(key, value)
	}

	var jar http.CookieJar
	if cfg.Credentials == CredentialsInclude {
		jar, err = cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("build cookie jar: %w", err)
		}
	}

	switch u.Scheme {
	case "http", "https":
		client := &http.Client{Jar: jar}
		return func(target string) connection.Carrier {
			return sse.New(sse.Config{URL: target, Header: header, Client: client, Logger: log})
		}, nil
	case "ws", "wss":
		dialer := *gorillaws.DefaultDialer
		dialer.Jar = jar
		return func(target string) connection.Carrier {
			return gorillaws.New(gorillaws.Config{URL: target, Header: header, Dialer: &dialer, Logger: log})
		}, nil
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}
