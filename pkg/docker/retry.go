package docker

import (
	"context"
	"time"

	back "github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retry-on-error loops around idempotent engine calls.
type RetryPolicy struct {
	Attempts        int           `json:"attempts"`
	InitialInterval time.Duration `json:"-"`
	MaxInterval     time.Duration `json:"-"`
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:        5,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
}

func (p RetryPolicy) backoff(ctx context.Context) back.BackOff {
	if p.Attempts <= 0 {
		p = DefaultRetryPolicy
	}
	bf := back.NewExponentialBackOff()
	bf.InitialInterval = p.InitialInterval
	bf.MaxInterval = p.MaxInterval
	bf.MaxElapsedTime = 0
	return back.WithContext(back.WithMaxRetries(bf, uint64(p.Attempts-1)), ctx)
}

// RetryOnError calls op until it succeeds, returns a Permanent error, or the policy's attempts
// are used up. Only idempotent operations should be retried; creation never is.
func RetryOnError(ctx context.Context, policy RetryPolicy, op func() error) error {
	return back.Retry(op, policy.backoff(ctx))
}

// Permanent marks err so RetryOnError stops immediately and returns it.
func Permanent(err error) error {
	return back.Permanent(err)
}
