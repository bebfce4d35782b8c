package syncclient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is exponential backoff from Base, capped at Max, with no limit
// on elapsed time.
type RetryPolicy struct {
	Base                time.Duration
	Max                 time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       time.Second,
		Max:        5 * time.Minute,
		Multiplier: 2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
		p.RandomizationFactor = 0
	}
	return p
}

// NewBackOff returns a fresh schedule. Call Reset on it after a success.
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	p = p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Retry runs op until it succeeds, returns a permanent error, or ctx ends.
// Errors classified as ErrServerRejected or ErrAuth are permanent.
func (p RetryPolicy) Retry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isContextError(err) {
			return backoff.Permanent(err)
		}
		if class := Classify(err); class == ErrServerRejected || class == ErrAuth {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(p.NewBackOff(), ctx))
}
