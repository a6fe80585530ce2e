// Package retry re-runs calls to flaky external systems, such as settlement
// token RPC reads, with capped exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/voltgrid/voltgrid/internal/logging"
)

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that a Policy returns it without retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy describes how one kind of call is retried.
type Policy struct {
	// Name labels retry logs, e.g. "token.balanceOf".
	Name      string
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps the doubled delay. Zero means no cap.
	MaxDelay time.Duration
	// Retryable reports whether a failure may succeed on another attempt.
	// Nil treats every error as transient.
	Retryable func(error) bool
}

// Do runs fn until it succeeds, fails permanently, or attempts run out.
// Context errors, PermanentError and errors Retryable rejects end the loop
// at once; the last error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if !p.retryable(err) || attempt >= attempts {
			return err
		}

		sleep := jitter(delay)
		logging.L(ctx).Debug("retrying call",
			"op", p.Name, "attempt", attempt, "delay", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return p.Retryable == nil || p.Retryable(err)
}

// jitter spreads d by +-25%.
func jitter(d time.Duration) time.Duration {
	j := int64(d / 4)
	if j <= 0 {
		return d
	}
	return d - time.Duration(j) + time.Duration(cryptoInt64n(2*j+1))
}

// cryptoInt64n returns a random int64 in [0, n).
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n
}
