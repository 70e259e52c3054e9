package sselink

import (
	"fmt"
	"net/url"
	"time"

	"github.com/opsdeck/sselink/pkg/logger"
)

// Credentials modes. They control whether stream requests carry cookies:
// omit and same-origin send none (the link holds no jar), include attaches
// a shared in-memory jar so gateway session cookies survive reconnects.
const (
	CredentialsOmit       = "omit"
	CredentialsSameOrigin = "same-origin"
	CredentialsInclude    = "include"
)

// Defaults applied by withDefaults for zero-valued Config fields.
const (
	DefaultRetryAttempts        = 5
	DefaultRetryTimeoutAttempts = 2
	DefaultRetryDelay           = 1 * time.Second
	DefaultRetryMaxDelay        = 30 * time.Second
	DefaultHeartbeatTimeout     = 60 * time.Second
	DefaultLogLevel             = "info"
)

// Config configures a Link.
type Config struct {
	// URL is the streaming endpoint. The scheme selects the carrier engine:
	// http/https for Server-Sent Events, ws/wss for WebSocket.
	URL string `koanf:"url"`

	// Headers are attached to every stream request, including reconnects.
	Headers map[string]string `koanf:"headers"`

	// Credentials is one of omit, same-origin, or include. Defaults to
	// same-origin. Only include persists cookies across requests.
	Credentials string `koanf:"credentials"`

	// Retry paces reconnection after recoverable stream failures.
	Retry RetryConfig `koanf:"retry"`

	// HeartbeatTimeout is the silence window after which a connected stream
	// is declared dead and reconnected. Keep it comfortably above the
	// server's keep-alive cadence. Defaults to 60s.
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout"`

	// Debug controls the link's own diagnostic logging.
	Debug DebugConfig `koanf:"debug"`
}

// RetryConfig shapes the exponential backoff between reconnect attempts.
type RetryConfig struct {
	// Attempts is the reconnect ceiling for network and server faults.
	// Zero means the default of 5.
	Attempts int `koanf:"attempts"`

	// TimeoutAttempts is the stricter ceiling applied to heartbeat
	// timeouts. Zero means the default of 2.
	TimeoutAttempts int `koanf:"timeout_attempts"`

	// Delay is the pre-jitter delay before the first retry. Doubles each
	// attempt. Defaults to 1s.
	Delay time.Duration `koanf:"delay"`

	// MaxDelay caps the pre-jitter delay. Defaults to 30s.
	MaxDelay time.Duration `koanf:"max_delay"`
}

// DebugConfig selects the link's log output. Disabled means no logging at
// all, not even errors; the consumer observes failures through OnError.
type DebugConfig struct {
	Enabled bool `koanf:"enabled"`

	// LogLevel is one of verbose, debug, info, warn, error. Defaults to
	// info. Verbose includes per-frame traces.
	LogLevel string `koanf:"log_level"`
}

// withDefaults fills zero values. It never mutates the receiver's maps.
func (c Config) withDefaults() Config {
	if c.Credentials == "" {
		c.Credentials = CredentialsSameOrigin
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = DefaultRetryAttempts
	}
	if c.Retry.TimeoutAttempts == 0 {
		c.Retry.TimeoutAttempts = DefaultRetryTimeoutAttempts
	}
	if c.Retry.Delay == 0 {
		c.Retry.Delay = DefaultRetryDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = DefaultRetryMaxDelay
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Debug.LogLevel == "" {
		c.Debug.LogLevel = DefaultLogLevel
	}
	return c
}

// Validate checks a defaulted Config. New applies withDefaults first, so
// callers only see errors for values they set themselves.
func (c Config) Validate() error {
	if c.URL == "" {
		return ErrNoURL
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("parse endpoint url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	switch c.Credentials {
	case CredentialsOmit, CredentialsSameOrigin, CredentialsInclude:
	default:
		return fmt.Errorf("unknown credentials mode %q", c.Credentials)
	}
	if c.Retry.Attempts < 0 {
		return fmt.Errorf("retry attempts must not be negative, got %d", c.Retry.Attempts)
	}
	if c.Retry.TimeoutAttempts < 0 {
		return fmt.Errorf("retry timeout attempts must not be negative, got %d", c.Retry.TimeoutAttempts)
	}
	if c.Retry.Delay <= 0 {
		return fmt.Errorf("retry delay must be positive, got %v", c.Retry.Delay)
	}
	if c.Retry.MaxDelay < c.Retry.Delay {
		return fmt.Errorf("retry max delay %v is below the base delay %v", c.Retry.MaxDelay, c.Retry.Delay)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive, got %v", c.HeartbeatTimeout)
	}
	if _, err := logger.LevelFromString(c.Debug.LogLevel); err != nil {
		return err
	}
	return nil
}
