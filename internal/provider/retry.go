package provider

import (
	"context"
	"time"
)

// RetryConfig controls the exponential backoff applied to transient
// upstream failures. It is fixed at provider construction time.
type RetryConfig struct {
	MaxRetries int // additional attempts after the first
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig is used when the caller supplies nothing.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
	}
}

// backoffDelay returns min(BaseDelay * 2^attempt, MaxDelay) where
// attempt is 0-indexed.
func (c RetryConfig) backoffDelay(attempt int) time.Duration {
	delay := c.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// withRetry runs fn up to MaxRetries+1 times. Only errors marked
// retryable by the taxonomy are retried; after exhaustion the last error
// propagates unchanged.
func withRetry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	result, err := fn()
	if err == nil {
		return result, nil
	}

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			return zero, err
		}

		select {
		case <-ctx.Done():
			return zero, err
		case <-time.After(cfg.backoffDelay(attempt)):
		}

		result, err = fn()
		if err == nil {
			return result, nil
		}
	}

	return zero, err
}
