package services

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"tutormemory/internal/memerr"
)

// RetryPolicy bounds exponential backoff for background writes
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used by consolidation and jobs
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// withRetry runs op with exponential backoff. Errors that cannot change on
// retry stop immediately: invalid content, conflicts, and stale versions,
// which need a fresh read rather than the same write again.
func withRetry[T any](ctx context.Context, policy RetryPolicy, op func() (T, error)) (T, error) {
	attempts := policy.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	return backoff.Retry(ctx, func() (T, error) {
		result, err := op()
		if err != nil && (errors.Is(err, ErrVersionConflict) || !memerr.Retryable(err)) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, backoff.WithBackOff(policy.backOff()), backoff.WithMaxTries(attempts))
}

// retryErr is withRetry for operations without a result
func retryErr(ctx context.Context, policy RetryPolicy, op func() error) error {
	_, err := withRetry(ctx, policy, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// Do runs op under the policy. Used by background jobs outside this package.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	return retryErr(ctx, p, op)
}
