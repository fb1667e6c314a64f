// Package retry implements the exponential backoff policy the pipeline applies
// to blob store and extraction calls.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"kbapi/internal/config"
)

// ErrInvalidMaxAttempts is returned when a policy allows no attempt at all.
var ErrInvalidMaxAttempts = errors.New("max attempts must be greater than zero")

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Retryable decides whether a failed attempt is worth repeating.
	// Nil means every error except a Permanent one is retried.
	Retryable func(error) bool
	// Logger receives the retry debug lines. Nil means slog.Default().
	Logger *slog.Logger
}

func (p Policy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// FromConfig builds a Policy from environment configuration.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.Multiplier,
	}
}

// NoRetry runs the operation exactly once.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that Do stops retrying immediately.
// The original error stays reachable through errors.Is / errors.As.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff returns the delay before the attempt following attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts are
// exhausted, or ctx is done. The error of the last attempt is returned unwrapped
// from any Permanent marker.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 1 {
				p.logger().Debug("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		if IsPermanent(lastErr) {
			if pe, ok := lastErr.(*permanentError); ok {
				return pe.err
			}
			return lastErr
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Backoff(attempt)
		p.logger().Debug("operation failed, will retry", "attempt", attempt, "max_attempts", p.MaxAttempts, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}
