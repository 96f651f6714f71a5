// Package retry re-runs calls to remote stores with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy holds backoff settings.
type Policy struct {
	Attempts    int           // total tries, at least 1
	InitialWait time.Duration // wait after the first failure
	MaxWait     time.Duration
	Multiplier  float64
	Jitter      float64 // 0-1
}

// DefaultPolicy suits an object store answering with throttling or 5xx.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:    3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     2 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Wait returns the backoff before the given retry, counting from 1.
func (p Policy) Wait(retry int) time.Duration {
	wait := float64(p.InitialWait) * math.Pow(p.Multiplier, float64(retry-1))
	if p.MaxWait > 0 && wait > float64(p.MaxWait) {
		wait = float64(p.MaxWait)
	}
	if p.Jitter > 0 {
		wait += wait * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// Do calls fn until it succeeds, returns a permanent error, or the policy
// runs out of attempts. fn receives the attempt number starting at 1. The
// last error is returned unwrapped from any Permanent marker.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := max(p.Attempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(p.Wait(attempt)):
		}
	}
	return err
}
