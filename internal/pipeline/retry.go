package pipeline

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig controls exponential backoff for vault writes.
type RetryConfig struct {
	MaxRetries int           // retry attempts after the first (0 = no retry)
	BaseDelay  time.Duration // initial backoff delay
	MaxDelay   time.Duration // maximum backoff delay
}

// DefaultRetryConfig returns the defaults used when no retry option is given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   time.Second,
	}
}

// withRetry calls fn until it succeeds or cfg.MaxRetries extra attempts
// have failed, and reports how many attempts it made. It returns early,
// with the last error, once ctx is done.
func withRetry(ctx context.Context, cfg RetryConfig, fn func() error) (attempts int, err error) {
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || attempt >= cfg.MaxRetries {
			return attempt + 1, err
		}

		t := time.NewTimer(cfg.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt + 1, err
		case <-t.C:
		}
	}
}

// delay is the pause after the given failed attempt: BaseDelay doubled per
// attempt and capped at MaxDelay, then moved by up to a quarter either way.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < attempt && d > 0 && d < c.MaxDelay; i++ {
		d *= 2
	}
	if d <= 0 || d > c.MaxDelay {
		d = c.MaxDelay
	}
	if spread := d / 2; spread > 0 {
		d += time.Duration(rand.Int64N(int64(spread))) - spread/2
	}
	return d
}
