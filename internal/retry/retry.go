// Package retry provides capped exponential backoff with jitter for
// transient failures. The delay schedule is non-decreasing: each step
// multiplies the previous delay up to the ceiling, and jitter is additive
// but never pushes a delay past the ceiling or below the previous step.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ErrMaxAttempts is returned by Do once the attempt budget is spent. The
// last operation error is wrapped alongside it.
var ErrMaxAttempts = errors.New("retry: max attempts exceeded")

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Config tunes the backoff schedule.
type Config struct {
	MaxAttempts int           // total attempts before giving up (min 1)
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // ceiling for any single delay
	Multiplier  float64       // growth factor, typically 2.0
	Jitter      bool          // add up to 25% random extra delay
}

// DefaultConfig matches the device-link defaults: 2s doubling to 60s,
// ten attempts.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 10,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	return c
}

// Delay returns the pause before the given attempt (1-based; attempt 1 has
// no delay).
func (c Config) Delay(attempt int) time.Duration {
	c = c.normalized()
	if attempt <= 1 {
		return 0
	}
	d := c.BaseDelay
	for i := 2; i < attempt; i++ {
		next := time.Duration(float64(d) * c.Multiplier)
		if next >= c.MaxDelay || next < d {
			d = c.MaxDelay
			break
		}
		d = next
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.Jitter && d < c.MaxDelay {
		randMu.Lock()
		extra := time.Duration(randSource.Int63n(int64(d)/4 + 1))
		randMu.Unlock()
		if d+extra > c.MaxDelay {
			return c.MaxDelay
		}
		return d + extra
	}
	return d
}

// Do runs fn until it succeeds, the attempt budget is spent, or ctx is
// cancelled. fn receives the 1-based attempt number. On exhaustion the
// last error is wrapped together with ErrMaxAttempts.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	cfg = cfg.normalized()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if d := cfg.Delay(attempt); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttempts, cfg.MaxAttempts, lastErr)
}
