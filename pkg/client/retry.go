package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how the HTTP transport retries failed submissions.
// The zero value performs a single attempt.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, 0 or 1 = no retry
	InitialWait time.Duration // wait before the second attempt
	MaxWait     time.Duration // upper bound for a single wait
	Multiplier  float64       // backoff multiplier
	Jitter      float64       // jitter factor (0-1)
}

// DefaultRetryPolicy returns the backoff used by hubctl when retries are
// enabled.
func DefaultRetryPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// wait returns the delay after the given failed attempt (1-based).
func (p RetryPolicy) wait(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	w := float64(p.InitialWait) * math.Pow(mult, float64(attempt-1))
	if p.MaxWait > 0 && w > float64(p.MaxWait) {
		w = float64(p.MaxWait)
	}
	if p.Jitter > 0 {
		w += w * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(w)
}

// transientError marks a failure worth another attempt.
type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

func transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

func isTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// withRetry runs fn until it succeeds, fails permanently, the policy is
// exhausted or ctx is done. Transient markers are stripped from the returned
// error.
func withRetry[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		lastErr = err
		if !isTransient(err) || attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(p.wait(attempt)):
		}
	}

	var t transientError
	if errors.As(lastErr, &t) {
		return zero, t.err
	}
	return zero, lastErr
}
