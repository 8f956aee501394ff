package upload

import (
	"context"
	"time"
)

// Backoff is the retry schedule of one Upload invocation: after the n-th
// failed pass (n counted from zero) the client waits Base*2^n, for at most
// MaxRetries retries.
type Backoff struct {
	Base       time.Duration
	MaxRetries int
}

// Delay returns the wait before retry n.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return b.Base << uint(n)
}

// Delays lists the whole schedule.
func (b Backoff) Delays() []time.Duration {
	out := make([]time.Duration, 0, b.MaxRetries)
	for n := 0; n < b.MaxRetries; n++ {
		out = append(out, b.Delay(n))
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
