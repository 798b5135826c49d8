// Package retry implements the outbound-send retry policy: which errors
// are worth retrying, and how long to wait before the next attempt.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// MaxAttempts bounds how many times an outbound item may be retried
// before it's dropped (mirrors queue.MaxOutboundAttempts).
const MaxAttempts = 3

// maxDelay caps the exponential backoff delay.
const maxDelay = 30 * time.Second

// APIError is the minimal shape ShouldRetry and Delay need from a failed
// Telegram API call.
type APIError struct {
	StatusCode       int
	RetryAfterSecond int // from a 429's retry_after field, 0 if absent
}

// ShouldRetry reports whether attempt (0-indexed, the attempt that just
// failed) is eligible for another try given err's status.
func ShouldRetry(err APIError, attempt int) bool {
	if attempt >= MaxAttempts {
		return false
	}
	return err.StatusCode == 429 || err.StatusCode >= 500
}

// Delay computes the backoff before the next attempt. When the server
// supplied retry_after, exactly that many seconds are returned; otherwise
// it's min(30s, 1000ms * 2^attempt) plus up to 20% jitter so a burst of
// simultaneously-failing sends doesn't retry in lockstep.
func Delay(err APIError, attempt int) time.Duration {
	if err.RetryAfterSecond > 0 {
		return time.Duration(err.RetryAfterSecond) * time.Second
	}
	backoff := time.Duration(float64(time.Second) * math.Pow(2, float64(attempt)))
	if backoff > maxDelay {
		backoff = maxDelay
	}
	return withJitter(backoff)
}

func withJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 5)) // up to 20%
	return base + jitter
}
