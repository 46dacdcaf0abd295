// Package retry is the single bounded-backoff helper shared by the
// verification coordinator and the settlement trigger.
package retry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	xerrors "ZKPay-Chain/internal/errors"
)

// Policy bounds how often and how fast an operation is retried.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor in [0, 1).
	Jitter float64
}

// DefaultPolicy mirrors the chain submission defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     15 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Result reports what happened across all attempts.
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Notify is called after a failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

type options struct {
	retryable func(error) bool
	notify    Notify
}

// Option customises Do.
type Option func(*options)

// WithClassifier replaces the retryable predicate. By default only errors
// whose code is registered as retryable are retried.
func WithClassifier(fn func(error) bool) Option {
	return func(o *options) {
		if fn != nil {
			o.retryable = fn
		}
	}
}

// WithNotify registers a callback for scheduled retries.
func WithNotify(fn Notify) Option {
	return func(o *options) {
		o.notify = fn
	}
}

// Do runs op until it succeeds, fails permanently, the context ends, or the
// policy's attempts are used up. Exhaustion is reported as an error with
// code RETRIES_EXHAUSTED wrapping the last failure.
func Do(ctx context.Context, policy Policy, op Operation, opts ...Option) (Result, error) {
	policy = policy.normalized()
	cfg := options{retryable: xerrors.RetryableError}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	start := time.Now()
	var result Result
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		result.Attempts++
		opErr := op(ctx, result.Attempts)
		result.LastError = opErr
		if opErr == nil {
			return struct{}{}, nil
		}
		if !cfg.retryable(opErr) {
			return struct{}{}, backoff.Permanent(opErr)
		}
		return struct{}{}, opErr
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if cfg.notify != nil {
				cfg.notify(result.Attempts, err, wait)
			}
		}),
	)
	result.TotalDuration = time.Since(start)
	if err == nil {
		result.LastError = nil
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	last := result.LastError
	if last == nil {
		last = err
	}
	if cfg.retryable(last) && result.Attempts >= policy.MaxAttempts {
		return result, xerrors.Wrap(xerrors.CodeRetriesExhausted, last,
			fmt.Sprintf("gave up after %d attempts", result.Attempts))
	}
	return result, last
}

// Exhausted reports whether err came from a policy running out of attempts.
func Exhausted(err error) bool {
	return stdErrors.Is(err, xerrors.New(xerrors.CodeRetriesExhausted, ""))
}
