package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a single adapter invocation.
type Policy struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	return b
}

// Call runs fn with a per-attempt timeout and retries it only while it
// fails with a retryable Error, at most MaxRetries extra times.
func Call[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	attempt := func() (T, error) {
		attemptCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		defer cancel()

		out, err := fn(attemptCtx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, backoff.Permanent(ctx.Err())
		}
		err = Classify(op, err)
		if !IsRetryable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}

	out, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxRetries)+1),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return out, err
	}
	return out, nil
}
