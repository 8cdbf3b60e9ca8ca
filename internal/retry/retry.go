// Package retry wraps an operation with bounded exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/flowchat/relay/internal/chaterr"
)

// Config bounds a retry loop. MaxAttempts of 1 means no retry.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// ShouldRetry overrides the default predicate (record.Retryable).
	// The attempt budget still applies.
	ShouldRetry func(*chaterr.Record) bool
}

// DefaultConfig matches the widget's stock send policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// State describes one impending retry, passed to the observer before the
// backoff sleep so callers can show a "retrying" affordance.
type State struct {
	Attempt   int // 1-based, the attempt that just failed
	NextDelay time.Duration
	LastErr   *chaterr.Record
}

// Do runs op up to cfg.MaxAttempts times. Failures are classified; the
// loop continues only while the classified record passes the retry
// predicate. The final failure is returned as a *chaterr.Record.
// Context cancellation interrupts the backoff sleep immediately.
func Do(ctx context.Context, cfg Config, op func(context.Context) error, onRetry func(State)) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(r *chaterr.Record) bool { return r.Retryable }
	}

	var last *chaterr.Record
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = chaterr.Classify(err, 0)
		if attempt == cfg.MaxAttempts || !shouldRetry(last) {
			return last
		}

		delay := jittered(delayFor(cfg, attempt), cfg)
		if onRetry != nil {
			onRetry(State{Attempt: attempt, NextDelay: delay, LastErr: last})
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return last
}

// delayFor computes the pre-jitter backoff for the given 1-based attempt:
// min(InitialDelay * Multiplier^(attempt-1), MaxDelay).
func delayFor(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= cfg.Multiplier
		if time.Duration(d) >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if time.Duration(d) > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

// jittered perturbs d by ±25%, clamped to [0, MaxDelay*1.25].
func jittered(d time.Duration, cfg Config) time.Duration {
	if !cfg.Jitter {
		return d
	}
	factor := 0.75 + rand.Float64()*0.5
	out := time.Duration(float64(d) * factor)
	if out < 0 {
		return 0
	}
	if max := time.Duration(float64(cfg.MaxDelay) * 1.25); out > max {
		return max
	}
	return out
}
