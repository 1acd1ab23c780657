// Package retry wraps sethvargo/go-retry with the bounded exponential policy used
// for every ledger adapter call.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hpungsan/unseal/internal/config"
	"github.com/hpungsan/unseal/internal/errors"
)

// Policy bounds how an adapter call is retried.
type Policy struct {
	MaxAttempts   int
	Base          time.Duration
	Max           time.Duration
	JitterPercent uint64
}

// FromConfig builds the policy described by cfg.
func FromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxAttempts:   cfg.RetryMaxAttempts,
		Base:          cfg.RetryBase(),
		Max:           cfg.RetryMax(),
		JitterPercent: uint64(cfg.RetryJitterPercent),
	}
}

// Backoff returns the go-retry backoff for p. MaxAttempts counts the first call,
// so the backoff allows MaxAttempts-1 retries.
func (p Policy) Backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	backoff := retry.NewExponential(base)
	if p.Max > 0 {
		backoff = retry.WithCappedDuration(p.Max, backoff)
	}
	if p.JitterPercent > 0 {
		backoff = retry.WithJitterPercent(p.JitterPercent, backoff)
	}
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), backoff)
}

// Do calls fn until it succeeds, returns a non-transient error, or the policy is
// exhausted. Transient errors (adapter unavailable or timed out) are retried;
// anything else is returned immediately. The number of calls made is returned
// alongside the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	attempts := 0
	err := retry.Do(ctx, p.Backoff(), func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err != nil && errors.Transient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return attempts, err
}
