package retry

import (
	"math"
	"time"
)

// Backoff computes exponential reconnect/retry delays. The zero value is
// unusable; use NewBackoff or fill all fields.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// NewBackoff returns a backoff policy with the given parameters.
func NewBackoff(base, max time.Duration, multiplier float64) Backoff {
	return Backoff{Base: base, Max: max, Multiplier: multiplier}
}

// Delay returns base * multiplier^attempt capped at Max. Attempt counts
// from zero: Delay(0) == Base.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) || math.IsInf(d, 1) || math.IsNaN(d) {
		return b.Max
	}
	return time.Duration(d)
}
