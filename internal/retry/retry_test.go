package retry

import (
	"testing"
	"time"
)

func TestShouldRetryRetryableStatuses(t *testing.T) {
	cases := []struct {
		status  int
		attempt int
		want    bool
	}{
		{429, 0, true},
		{500, 0, true},
		{503, 2, true},
		{503, 3, false}, // attempt has reached MaxAttempts
		{404, 0, false}, // permanent client error
		{400, 1, false},
	}
	for _, c := range cases {
		got := ShouldRetry(APIError{StatusCode: c.status}, c.attempt)
		if got != c.want {
			t.Fatalf("ShouldRetry(status=%d, attempt=%d) = %v, want %v", c.status, c.attempt, got, c.want)
		}
	}
}

func TestDelayRespectsRetryAfter(t *testing.T) {
	d := Delay(APIError{StatusCode: 429, RetryAfterSecond: 10}, 0)
	if d != 10*time.Second {
		t.Fatalf("expected exactly the 10s retry_after, got %v", d)
	}
}

func TestDelayExponentialBackoffCapped(t *testing.T) {
	d0 := Delay(APIError{StatusCode: 500}, 0)
	if d0 < time.Second || d0 > 1200*time.Millisecond {
		t.Fatalf("expected ~1s for attempt 0, got %v", d0)
	}

	dHigh := Delay(APIError{StatusCode: 500}, 10)
	if dHigh < maxDelay || dHigh > maxDelay+maxDelay/5 {
		t.Fatalf("expected delay capped near maxDelay, got %v", dHigh)
	}
}
