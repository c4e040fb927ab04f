// Package retry runs an operation again on transient failure with capped
// exponential backoff.
package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted wraps the last error once every attempt has failed
var ErrExhausted = stderrors.New("retries exhausted")

// Policy bounds how often and how quickly an operation is retried
type Policy struct {
	// MaxAttempts counts the first try, so 1 disables retries
	MaxAttempts int

	// InitialInterval is the wait before the second attempt
	InitialInterval time.Duration

	// MaxInterval caps any single wait
	MaxInterval time.Duration

	// Multiplier grows the wait after each failure
	Multiplier float64

	// RandomizationFactor jitters each wait by up to this fraction
	RandomizationFactor float64
}

// DefaultPolicy is 3 attempts starting at 1s, doubling up to 30s with 10% jitter
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         3,
		InitialInterval:     time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.1,
	}
}

// Validate reports nonsensical settings
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	case p.InitialInterval < 0 || p.MaxInterval < 0:
		return fmt.Errorf("intervals must not be negative")
	case p.MaxInterval > 0 && p.MaxInterval < p.InitialInterval:
		return fmt.Errorf("max interval %s is below initial interval %s", p.MaxInterval, p.InitialInterval)
	case p.Multiplier < 1:
		return fmt.Errorf("multiplier must be at least 1, got %g", p.Multiplier)
	case p.RandomizationFactor < 0 || p.RandomizationFactor > 1:
		return fmt.Errorf("randomization factor must be within [0, 1], got %g", p.RandomizationFactor)
	}
	return nil
}

// BackOff builds the wait schedule for one operation
func (p Policy) BackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.RandomizationFactor
	// attempts bound the retries, not wall time
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := uint64(0)
	if p.MaxAttempts > 1 {
		retries = uint64(p.MaxAttempts - 1)
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, retries), ctx)
}

// Operation is one attempt, numbered from 1
type Operation func(ctx context.Context, attempt int) error

// Notify is called after a retryable failure, before waiting
type Notify func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, fails with an error retryable rejects, the attempts
// run out, or ctx ends. It returns the number of attempts made. When attempts run out
// the error matches both ErrExhausted and the last failure.
func (p Policy) Do(ctx context.Context, op Operation, retryable func(error) bool, notify Notify) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var (
		attempt   int
		permanent bool
	)
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if retryable == nil || !retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, p.BackOff(ctx), func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	})

	switch {
	case err == nil:
		return attempt, nil
	case permanent:
		return attempt, err
	case ctx.Err() != nil:
		return attempt, err
	default:
		return attempt, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
	}
}
