package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithRetry(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

	t.Run("first attempt succeeds", func(t *testing.T) {
		n, err := withRetry(context.Background(), cfg, func() error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		n, err := withRetry(context.Background(), cfg, func() error { calls++; return boom })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 4, n)
		assert.Equal(t, 4, calls)
	})

	t.Run("cancelled context stops early", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		slow := RetryConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
		n, err := withRetry(ctx, slow, func() error { calls++; return errors.New("nope") })
		assert.Error(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, 1, calls)
	})
}

func TestRetryConfig_Delay(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 80 * time.Millisecond}
	for attempt := range 8 {
		d := cfg.delay(attempt)
		want := min(cfg.BaseDelay<<uint(attempt), cfg.MaxDelay)
		assert.GreaterOrEqual(t, d, want-want/4, "attempt %d", attempt)
		assert.LessOrEqual(t, d, want+want/4, "attempt %d", attempt)
	}
	assert.Zero(t, RetryConfig{}.delay(3))
	assert.LessOrEqual(t, RetryConfig{BaseDelay: time.Second, MaxDelay: time.Minute}.delay(200), time.Minute+time.Minute/4,
		"large attempt counts do not overflow")
}
