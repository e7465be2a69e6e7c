// Package retry holds the error tags and backoff loop shared by the job
// pipeline and the remote worker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// NoRetry marks err as permanent so Do stops immediately.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// After attaches a suggested delay, e.g. from a platform flood wait.
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return afterError{err: err, after: max(d, 0)}
}

type AfterError interface {
	error
	RetryAfter() time.Duration
}

type afterError struct {
	err   error
	after time.Duration
}

func (e afterError) Error() string             { return fmt.Sprintf("retry after %s: %v", e.after, e.err) }
func (e afterError) Unwrap() error             { return e.err }
func (e afterError) RetryAfter() time.Duration { return e.after }

type Policy struct {
	// Max is the number of retries after the first attempt.
	Max      int
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64
}

func (p Policy) withDefaults() Policy {
	if p.Max < 0 {
		p.Max = 0
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// Delay returns the wait before retry number n (1-based).
func (p Policy) Delay(n int, err error) time.Duration {
	p = p.withDefaults()
	var d time.Duration
	var ae AfterError
	if err != nil && errors.As(err, &ae) {
		d = ae.RetryAfter()
	} else {
		d = p.Base
		for i := 1; i < n && d < p.MaxDelay; i++ {
			d *= 2
		}
	}
	if d > 0 {
		d = time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*p.Jitter))
	}
	return min(max(d, 0), p.MaxDelay)
}

// Do runs fn until it succeeds, returns a NoRetry error, exhausts the policy
// or ctx ends. It reports the number of attempts made.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	p = p.withDefaults()
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return attempt, nr.err
		}
		if attempt > p.Max {
			return attempt, err
		}
		t := time.NewTimer(p.Delay(attempt, err))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
}
