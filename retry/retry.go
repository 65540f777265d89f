// Package retry runs a function until it succeeds, a bounded number
// of times, sleeping between attempts.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy describes how to retry
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	// <= 0 means 1.
	MaxAttempts int
	// Delay before the second attempt
	Delay time.Duration
	// Multiplier grows the delay after every attempt. <= 1 means fixed delay.
	Multiplier float64
	// MaxDelay caps the delay if > 0
	MaxDelay time.Duration
	// OnRetry is called after a failed attempt that will be retried
	OnRetry func(attempt int, err error)
}

// Default is 2 attempts 1 second apart
var Default = Policy{MaxAttempts: 2, Delay: time.Second}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// IsPermanent returns true if err was marked with Permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// DelayFor returns delay before attempt (1-based) n+1
func (p Policy) DelayFor(n int) time.Duration {
	d := p.Delay
	if p.Multiplier > 1 {
		for i := 1; i < n; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				break
			}
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do calls fn with attempt number (starting at 1) until it returns nil,
// returns a Permanent error, attempts run out or ctx is done.
// It returns the last error fn returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	n := max(p.MaxAttempts, 1)
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if attempt >= n {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if d := p.DelayFor(attempt); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return err
		}
	}
}
