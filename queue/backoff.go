package queue

import (
	"math/rand"
	"time"
)

// BackoffFunc returns the retry delay of a job after its given (1-based)
// failed attempt.
type BackoffFunc func(attempt int) time.Duration

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// DefaultBackoff doubles the delay on each attempt starting at 500ms, caps it
// at 30s and adds up to 25% of jitter.
var DefaultBackoff = ExponentialBackoff(defaultBackoffBase, defaultBackoffMax, 0.25)

// ExponentialBackoff returns a backoff function computing
// min(max, base * 2^(attempt-1)) plus a random jitter of up to jitter times
// that delay.
func ExponentialBackoff(base, max time.Duration, jitter float64) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := max
		if shift := attempt - 1; shift < 32 {
			if exp := base << uint(shift); exp < max && exp > 0 {
				d = exp
			}
		}
		if jitter > 0 {
			d += time.Duration(rand.Float64() * jitter * float64(d))
		}
		return d
	}
}

// ConstantBackoff returns a backoff function that always returns d.
func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}
