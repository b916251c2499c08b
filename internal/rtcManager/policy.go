package rtcManager

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/fieldcall/internal/config"
)

const defaultAttemptTimeout = 20 * time.Second

// RetryPolicy bounds reconnection. Attempt n (starting at 0) waits
// min(BaseDelay * 2^n, MaxDelay); after MaxAttempts consecutive failures
// the session gives up. A restart that has not reconnected within
// AttemptTimeout counts as the next failure.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: defaultAttemptTimeout,
	}
}

func RetryPolicyFromConfig(c config.RetryPolicyConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		BaseDelay:      c.BaseDelay,
		MaxDelay:       c.MaxDelay,
		AttemptTimeout: c.AttemptTimeout,
	}
}

// Delay returns the wait before reconnection attempt n.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// BackOff returns a fresh backoff sequence following Delay. It yields
// MaxAttempts-1 delays and then backoff.Stop: the failure that would need
// one more is the one that gives up.
func (p RetryPolicy) BackOff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = p.BaseDelay
	ebo.MaxInterval = p.MaxDelay
	ebo.Multiplier = 2
	ebo.RandomizationFactor = 0
	ebo.MaxElapsedTime = 0
	ebo.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(ebo, uint64(retries))
}
