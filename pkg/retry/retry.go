// Package retry computes reconnection delays for the streaming transport
// and for the serialized mutation runner.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/opsdeck/sselink/pkg/faults"
)

// Policy decides whether another attempt is allowed and how long to wait
// before it.
type Policy interface {
	// NextDelay returns the delay before the next retry attempt.
	// attempt is 0-based (0 for the first retry, 1 for the second, etc.).
	// lastErr is the failure that triggered the retry; implementations may
	// key the attempt ceiling on its classification.
	// Returns the delay duration and whether to retry at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
}

// ExponentialBackoff implements capped exponential backoff with additive
// uniform jitter:
//
//	delay(attempt) = min(MaxDelay, BaseDelay × Multiplier^attempt) + uniform(0, JitterMax)
//
// Jitter exists to avoid synchronized reconnection storms across many
// concurrently-failing subscriptions sharing the same upstream outage.
type ExponentialBackoff struct {
	// BaseDelay is the delay before the first retry, pre-jitter.
	BaseDelay time.Duration

	// MaxDelay caps the pre-jitter delay.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor per attempt.
	Multiplier float64

	// Attempts is the retry ceiling for network and server faults
	// (0 for infinite).
	Attempts int

	// TimeoutAttempts is the stricter ceiling applied when the triggering
	// failure classifies as a timeout: repeated silent timeouts usually
	// indicate a structurally broken upstream rather than a transient blip.
	// 0 falls back to Attempts.
	TimeoutAttempts int

	// JitterMax bounds the uniform random offset added after capping.
	// 0 disables jitter.
	JitterMax time.Duration

	// Rand supplies the jitter randomness as a float in [0.0, 1.0).
	// Defaults to math/rand; tests inject a fixed source for determinism.
	Rand func() float64
}

var _ Policy = (*ExponentialBackoff)(nil)

// NewExponentialBackoff returns a backoff policy with the transport's
// default schedule: 1s base doubling to a 30s cap, up to 1s of jitter,
// 5 attempts for network/server faults and 2 for timeouts.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:       1 * time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		Attempts:        5,
		TimeoutAttempts: 2,
		JitterMax:       1 * time.Second,
	}
}

// NextDelay implements Policy.
func (b *ExponentialBackoff) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	limit := b.Attempts
	if faults.KindOf(lastErr) == faults.Timeout && b.TimeoutAttempts > 0 {
		limit = b.TimeoutAttempts
	}
	if limit > 0 && attempt >= limit {
		return 0, false
	}

	delay := float64(b.BaseDelay) * math.Pow(b.Multiplier, float64(attempt))
	if delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	if b.JitterMax > 0 {
		random := b.Rand
		if random == nil {
			// Using math/rand is acceptable for jitter in retry delays
			// (non-cryptographic use).
			//nolint:gosec
			random = rand.Float64
		}
		delay += random() * float64(b.JitterMax)
	}

	return time.Duration(delay), true
}

// FixedDelay retries at a constant interval, for serialized queues where
// exponential growth would only delay recovery.
type FixedDelay struct {
	// Delay is the fixed delay between retries.
	Delay time.Duration

	// Attempts is the maximum number of retry attempts (0 for infinite).
	Attempts int
}

var _ Policy = (*FixedDelay)(nil)

// NewFixedDelay creates a fixed delay policy.
func NewFixedDelay(delay time.Duration, attempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, Attempts: attempts}
}

// NextDelay implements Policy.
func (f *FixedDelay) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if f.Attempts > 0 && attempt >= f.Attempts {
		return 0, false
	}
	return f.Delay, true
}
