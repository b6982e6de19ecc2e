// Package retry implements retries with jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var (
	// ErrInvalidPolicyParam indicates that one or more Backoff parameters are
	// invalid (e.g., fall outside accepted intervals).
	ErrInvalidPolicyParam = errors.New("invalid policy param")
	// ErrExhausted indicates that the work function provided to Do exhausted
	// the provided attempt budget without succeeding.
	ErrExhausted = errors.New("too many attempts")
)

// permanentError marks an error returned by a work function as
// non-retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Abort wraps err to indicate that the current attempt failed with a
// non-retryable error, terminating Do immediately. Do unwraps the marker
// before returning, so callers of Do see err itself.
func Abort(err error) error {
	return &permanentError{err: err}
}

// Backoff executes retryable work functions with jittered exponential
// backoff between attempts. Multiple goroutines may use a given Backoff
// instance concurrently.
type Backoff struct {
	// Base is the initial delay between attempts.
	Base time.Duration
	// Growth is the multiplicative growth factor used to increase the delay
	// on successive attempts, and must be greater than or equal to 1.
	Growth float64
	// Jitter is the fractional amplitude of the random jitter applied to the
	// delay each time Do waits prior to the next attempt, and must be in the
	// interval [0, 1].
	Jitter float64
	pause  func(context.Context, time.Duration) error // overridden in tests
}

func (b *Backoff) validate() error {
	if b.Growth < 1.0 {
		return fmt.Errorf("delay growth factor is less than 1: %w", ErrInvalidPolicyParam)
	}
	if b.Jitter < 0.0 {
		return fmt.Errorf("delay jitter amplitude is negative: %w", ErrInvalidPolicyParam)
	}
	if b.Jitter > 1.0 {
		return fmt.Errorf("delay jitter amplitude is greater than 1: %w", ErrInvalidPolicyParam)
	}
	return nil
}

// scale scales the duration d by f, truncated to integer nanoseconds.
func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d.Nanoseconds())*f) * time.Nanosecond
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do invokes fn up to n (at least 1) times according to the configured
// backoff policy, until it returns nil (success) or an error wrapped via
// Abort. Waits
// between attempts respect ctx cancellation. If the attempt budget is
// exhausted, the returned error wraps both ErrExhausted and the final
// attempt's error.
func (b Backoff) Do(ctx context.Context, n int, fn func() error) error {
	if err := b.validate(); err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("attempt budget is less than 1: %w", ErrInvalidPolicyParam)
	}
	pause := b.pause
	if pause == nil {
		pause = sleepContext
	}
	d := b.Base
	var last error
	for i := 1; i <= n; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		last = err
		if i < n {
			// Note: Jitter is actually over the interval [1-J, 1+J).
			if err := pause(ctx, scale(d, 1.0+b.Jitter*(2*rand.Float64()-1.0))); err != nil {
				return err
			}
			d = scale(d, b.Growth)
		}
	}
	return fmt.Errorf("%w (last error: %w)", ErrExhausted, last)
}
