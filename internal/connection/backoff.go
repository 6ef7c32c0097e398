package connection

import (
	"math"
	"time"
)

// Backoff computes exponential reconnect delays. No jitter; relays are few
// and per-relay, so synchronized retries are not a concern at this scale.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff matches the 1s/x2/30s reconnect policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
	}
}

// Delay returns the wait before reconnect attempt n (1-based):
// min(Initial × Multiplier^(n-1), Max).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return b.Initial
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > float64(b.Max) || d < 0 {
		return b.Max
	}
	return time.Duration(d)
}
