// Package retry runs an operation with bounded exponential backoff. The relay
// uses it to open provider connections, which fail transiently while the
// messaging network negotiates.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so that Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy bounds the retry loop.
type Policy struct {
	// InitialDelay is the base delay before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// MaxElapsed stops retrying once this much time has passed.
	MaxElapsed time.Duration
	// MaxAttempts limits total attempts (0 = bounded by MaxElapsed only).
	MaxAttempts int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultPolicy returns the policy used for provider connection attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxElapsed:   30 * time.Second,
		MaxAttempts:  3,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = def.MaxElapsed
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// Do calls fn until it succeeds, returns a PermanentError, the policy is
// exhausted, or ctx is done. The returned error wraps the last failure.
func Do(ctx context.Context, p Policy, operation string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	start := time.Now()
	delay := p.InitialDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				p.Logger.Info("Operation succeeded after retry",
					"operation", operation,
					"attempt", attempt,
					"elapsed", time.Since(start).Round(time.Millisecond),
				)
			}
			return nil
		}

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			p.Logger.Warn("Operation failed permanently, not retrying",
				"operation", operation,
				"attempt", attempt,
				"error", permErr.Err,
			)
			return permErr.Err
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", operation, attempt, err)
		}
		if elapsed := time.Since(start); elapsed >= p.MaxElapsed {
			return fmt.Errorf("%s: retries exhausted after %v: %w", operation, elapsed.Round(time.Millisecond), err)
		}

		sleep := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		p.Logger.Info("Operation failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"delay", sleep.Round(time.Millisecond),
			"error", err,
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: context cancelled during retry: %w", operation, ctx.Err())
		case <-timer.C:
		}

		delay = min(delay*2, p.MaxDelay)
	}
}
