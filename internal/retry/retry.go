// Package retry runs store operations with bounded exponential backoff.
// Only errors classified as transient are retried.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/record-reconciler/internal/metrics"
	"github.com/JakeFAU/record-reconciler/internal/records"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy returns the policy used when configuration leaves values unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	return p
}

// Do runs op until it succeeds, returns a non-transient error, or the attempt budget is spent.
func Do[T any](ctx context.Context, p Policy, op string, logger *zap.Logger, fn func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !records.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			metrics.ObserveRetry(op)
			logger.Debug("retrying after transient error",
				zap.String("op", op),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op string, logger *zap.Logger, fn func(context.Context) error) error {
	_, err := Do(ctx, p, op, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
