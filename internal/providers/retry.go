package providers

import (
	"context"
	"math/rand"
	"time"
)

// Policy controls the transient-fault retry loop shared by adapters.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	Factor    float64
}

// DefaultPolicy is three attempts with exponential backoff from one
// second.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: time.Second, Factor: 2}
}

// Run executes fn until it succeeds, exhausts the attempt budget, or
// fails with a non-retryable error. Backoff between attempts grows by
// Factor with 50-150% jitter; context cancellation interrupts the wait.
func (p Policy) Run(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || attempt >= attempts || !Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}
		delay = time.Duration(float64(delay) * factor)
	}
}

// jitter spreads a delay across 50-150% of its nominal value.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}
