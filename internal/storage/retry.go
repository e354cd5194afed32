package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is a bounded retry with linear backoff: the wait after the
// n-th failed attempt is n*Step.
type RetryPolicy struct {
	MaxAttempts int
	Step        time.Duration
}

// DefaultRetryPolicy makes three attempts, waiting one then two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Step: time.Second}
}

// linearBackOff implements backoff.BackOff with waits of Step, 2*Step, ...
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++

	return time.Duration(l.attempt) * l.step
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}

// Do runs operation until it succeeds, the attempts are exhausted or ctx is
// done. It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, operation func() error) (int, error) {
	attempts := 0
	counted := func() error {
		attempts++

		return operation()
	}

	if p.MaxAttempts <= 1 {
		return attempts, counted()
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: p.Step}, uint64(p.MaxAttempts-1)),
		ctx,
	)

	err := backoff.Retry(counted, policy)

	return attempts, err
}
