package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// TransientError marks a failure worth retrying: timeouts, server errors,
// rate limits. Validation and other client errors surface immediately.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient checks whether an error is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryPolicy bounds the retry loop.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Backoff returns the delay before attempt n (0-indexed): exponential from
// the base, capped, with jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	d := base * time.Duration(1<<uint(attempt))
	if max := 30 * time.Second; d > max {
		d = max
	}
	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}

// Do runs fn under the breaker with bounded retries. Retries apply only to
// transient failures; a breaker-open fast failure ends the loop at once.
// It returns the number of attempts actually made.
func Do(ctx context.Context, b *Breaker, policy RetryPolicy, fn func(context.Context) error) (int, error) {
	maxRetries := policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = b.Call(func() error { return fn(ctx) })
		if err == nil {
			return attempt + 1, nil
		}
		var unavailable *ServiceUnavailableError
		if errors.As(err, &unavailable) || !IsTransient(err) {
			return attempt + 1, err
		}
		if attempt+1 == maxRetries {
			break
		}
		select {
		case <-time.After(policy.Backoff(attempt)):
		case <-ctx.Done():
			return attempt + 1, ctx.Err()
		}
	}
	return maxRetries, err
}
