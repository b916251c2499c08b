package rtcManager

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"

	"github.com/mikeyg42/fieldcall/internal/config"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{200, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicyBackOffMatchesDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	bo := p.BackOff()

	for i := 0; i < p.MaxAttempts-1; i++ {
		assert.Equal(t, p.Delay(i), bo.NextBackOff(), "attempt %d", i)
	}
	assert.Equal(t, backoff.Stop, bo.NextBackOff())

	bo.Reset()
	assert.Equal(t, time.Second, bo.NextBackOff())
}

func TestRetryPolicyBackOffCapsAtMaxDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 8, BaseDelay: 500 * time.Millisecond, MaxDelay: 3 * time.Second}
	bo := p.BackOff()

	var got []time.Duration
	for d := bo.NextBackOff(); d != backoff.Stop; d = bo.NextBackOff() {
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		3 * time.Second,
		3 * time.Second,
		3 * time.Second,
		3 * time.Second,
	}, got)
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := RetryPolicyFromConfig(config.RetryPolicyConfig{
		MaxAttempts:    3,
		BaseDelay:      2 * time.Second,
		MaxDelay:       10 * time.Second,
		AttemptTimeout: 15 * time.Second,
	})
	assert.Equal(t, RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      2 * time.Second,
		MaxDelay:       10 * time.Second,
		AttemptTimeout: 15 * time.Second,
	}, p)
}
