package outbox

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how failed deliveries are rescheduled with jittered
// exponential backoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
}

// DefaultRetryPolicy returns the standard policy: 5 attempts, 1s initial
// backoff doubling up to 60s, jittered by ±20%.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
		Jitter:         0.2,
	}
}

// NextDelay returns the backoff delay after the given attempt number
// (1-indexed): InitialBackoff * 2^(attempt-1), capped at MaxBackoff, with
// ±Jitter applied after the cap.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		delay *= 1 + (rand.Float64()*2-1)*p.Jitter
	}
	return time.Duration(delay)
}

// Exhausted reports whether an entry with the given attempt count has used
// up its retry budget.
func (p *RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
