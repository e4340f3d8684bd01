package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"eigenl2/offchain/internal/apperrors"
)

// Policy describes how on-chain reads and bridge status calls are retried.
// Only errors classified as transient are retried.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64 // randomization factor, 0.5 = +/-50%
}

// DefaultPolicy returns the policy used when nothing is configured
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0 // bounded by attempts and ctx instead

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	return p.DoNotify(ctx, op, nil)
}

// DoNotify is Do with a callback invoked before every wait.
func (p Policy) DoNotify(ctx context.Context, op func(ctx context.Context) error, notify func(err error, wait time.Duration)) error {
	operation := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !apperrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var n backoff.Notify
	if notify != nil {
		n = backoff.Notify(notify)
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), n)
	if err != nil && ctx.Err() != nil && apperrors.KindOf(err) == apperrors.KindUnknown {
		return apperrors.Transient("retry", ctx.Err())
	}
	return err
}
