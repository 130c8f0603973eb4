package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayScheduleNonDecreasing(t *testing.T) {
	cfg := Config{
		MaxAttempts: 8,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
	}
	assert.Zero(t, cfg.Delay(1))

	prev := time.Duration(0)
	for attempt := 2; attempt <= 8; attempt++ {
		d := cfg.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, cfg.MaxDelay, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 4*time.Second, cfg.Delay(3))
	assert.Equal(t, 60*time.Second, cfg.Delay(8))
}

func TestDelayJitterStaysWithinCeiling(t *testing.T) {
	cfg := Config{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
	for i := 0; i < 50; i++ {
		d := cfg.Delay(3) // base 200ms
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
	assert.Equal(t, time.Second, cfg.Delay(20))
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}
	calls := 0
	boom := errors.New("boom")

	err := Do(context.Background(), cfg, func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxAttempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoSucceedsMidway(t *testing.T) {
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}
	calls := 0
	err := Do(context.Background(), cfg, func(int) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	cfg := Config{MaxAttempts: 100, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2.0}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func(int) error { return errors.New("always") })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}
