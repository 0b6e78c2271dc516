package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds reducer retries. Attempt n (1-based) waits
// BaseDelay × 2^(n-1) before running.
type RetryPolicy struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
}

// DefaultRetryPolicy retries three times starting at 100ms.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}

// Delay returns the wait before retry attempt n. Attempts below 1 wait zero.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	return p.BaseDelay << (attempt - 1)
}

// BackOff returns a fresh backoff sequence producing Delay(1), Delay(2), ...
// and stopping after MaxRetries.
func (p RetryPolicy) BackOff() backoff.BackOff {
	if p.MaxRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	if p.BaseDelay <= 0 {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(p.MaxRetries))
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.Delay(p.MaxRetries),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}

// Do runs op until it succeeds, returns a permanent error, or the policy is
// exhausted. notify, if set, is called before each wait.
func (p RetryPolicy) Do(ctx context.Context, op func() error, notify backoff.Notify) error {
	wrapped := func() error {
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(wrapped, backoff.WithContext(p.BackOff(), ctx), notify)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeUnknownAction, ErrCodeRegistration:
		return false
	}
	return true
}
