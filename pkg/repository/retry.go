// pkg/repository/retry.go
package repository

import (
	"context"
	"time"

	"github.com/arc-language/mpkg/pkg/core"
	"github.com/cenk/backoff"
)

// RetryPolicy spaces fetch attempts. The wait after attempt n (from 0) is
// initial_delay × backoff_multiplier^n, capped at max_delay.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// NewRetryPolicy fills unset fields from the defaults
func NewRetryPolicy(cfg core.RetryConfig) RetryPolicy {
	def := core.DefaultConfig().Retry
	p := RetryPolicy(cfg)
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// BackOff returns a fresh jitter-free exponential backoff for one fetch
func (p RetryPolicy) BackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.BackoffMultiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delays lists the waits between MaxAttempts attempts
func (p RetryPolicy) Delays() []time.Duration {
	b := p.BackOff()
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 1; i < p.MaxAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
