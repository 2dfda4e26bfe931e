// Package retry implements bounded exponential backoff with jitter for
// adapter calls. Only errors the classifier marks transient are retried.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxTotalWait time.Duration
}

// DefaultPolicy matches the adapter defaults: four attempts, capped at eight
// seconds of cumulative backoff.
var DefaultPolicy = Policy{
	MaxAttempts:  4,
	BaseDelay:    250 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	MaxTotalWait: 8 * time.Second,
}

// IsTransientFunc reports whether an error is transient and should be retried.
type IsTransientFunc func(error) bool

// RetryAfterFunc extracts a server-provided delay hint from an error.
// A zero return means no hint.
type RetryAfterFunc func(error) time.Duration

// options holds the settings applied by the Option values passed to Do.
type options struct {
	retryAfter RetryAfterFunc
}

// Option configures Do.
type Option func(*options)

// WithRetryAfter installs a Retry-After extractor. When the hint is positive
// it overrides the computed backoff for that attempt.
func WithRetryAfter(f RetryAfterFunc) Option {
	return func(o *options) { o.retryAfter = f }
}

// Do executes fn with retries according to the policy. The last error is
// returned once attempts or the total wait budget are exhausted.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var err error
	var waited time.Duration

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		delay := backoffDelay(policy, attempt)
		if o.retryAfter != nil {
			if hint := o.retryAfter(err); hint > 0 {
				delay = hint
			}
		}

		if policy.MaxTotalWait > 0 && waited+delay > policy.MaxTotalWait {
			break
		}
		waited += delay

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-time.After(delay):
		}
	}

	return err
}

// backoffDelay computes min(base*2^(attempt-1), max) scaled by uniform [0.8, 1.2).
func backoffDelay(policy Policy, attempt int) time.Duration {
	delay := policy.BaseDelay << uint(attempt-1)
	if delay > policy.MaxDelay || delay <= 0 {
		delay = policy.MaxDelay
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}
