package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aulaforms/aulaforms/require"
)

var errTransient = errors.New("connection reset")

func TestDoSucceedsAfterRetry(t *testing.T) {
	var retried []int
	p := Policy{
		MaxAttempts: 3,
		Delay:       time.Millisecond,
		OnRetry:     func(attempt int, err error) { retried = append(retried, attempt) },
	}
	n := 0
	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		n++
		require.Equal(t, n, attempt)
		if attempt < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []int{1, 2}, retried)
}

func TestDoGivesUp(t *testing.T) {
	n := 0
	err := Do(context.Background(), Policy{MaxAttempts: 2}, func(ctx context.Context, attempt int) error {
		n++
		return fmt.Errorf("attempt %d: %w", attempt, errTransient)
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, "attempt 2: connection reset", err.Error())
	require.Equal(t, 2, n)
}

func TestDoPermanent(t *testing.T) {
	n := 0
	errBad := errors.New("bad header")
	err := Do(context.Background(), Policy{MaxAttempts: 5}, func(ctx context.Context, attempt int) error {
		n++
		return Permanent(errBad)
	})
	require.Equal(t, errBad, err)
	require.Equal(t, 1, n)
	require.True(t, IsPermanent(Permanent(errBad)))
	require.False(t, IsPermanent(errBad))
	require.Nil(t, Permanent(nil))
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	start := time.Now()
	err := Do(ctx, Policy{MaxAttempts: 5, Delay: time.Hour}, func(ctx context.Context, attempt int) error {
		n++
		cancel()
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 1, n)
	require.True(t, time.Since(start) < time.Minute)
}

func TestDelayFor(t *testing.T) {
	p := Policy{Delay: time.Second}
	require.Equal(t, time.Second, p.DelayFor(1))
	require.Equal(t, time.Second, p.DelayFor(4))

	p = Policy{Delay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	require.Equal(t, time.Second, p.DelayFor(1))
	require.Equal(t, 2*time.Second, p.DelayFor(2))
	require.Equal(t, 4*time.Second, p.DelayFor(3))
	require.Equal(t, 5*time.Second, p.DelayFor(4))
	require.Equal(t, 5*time.Second, p.DelayFor(10))
}
