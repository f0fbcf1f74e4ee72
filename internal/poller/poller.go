package poller

import (
	"context"
	"errors"
	"time"

	"github.com/CedrosPay/vouchers/internal/config"
)

// ErrGaveUp is returned when every attempt ran without the check reporting done.
var ErrGaveUp = errors.New("poller: attempts exhausted")

// Policy is a bounded fixed-interval retry schedule.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPolicy polls every 3s, 20 times.
func DefaultPolicy() Policy {
	return Policy{Interval: 3 * time.Second, MaxAttempts: 20}
}

// PolicyFrom reads the checkout polling settings.
func PolicyFrom(cfg config.CheckoutConfig) Policy {
	p := DefaultPolicy()
	if cfg.PollInterval.Duration > 0 {
		p.Interval = cfg.PollInterval.Duration
	}
	if cfg.PollMaxAttempts > 0 {
		p.MaxAttempts = cfg.PollMaxAttempts
	}
	return p
}

// Budget is the longest time a full run of the policy can take.
func (p Policy) Budget() time.Duration {
	if p.MaxAttempts <= 1 {
		return 0
	}
	return time.Duration(p.MaxAttempts-1) * p.Interval
}

// CheckFunc reports whether polling is finished. A non-nil error stops polling.
type CheckFunc func(ctx context.Context, attempt int) (done bool, err error)

// Wait calls check up to MaxAttempts times, Interval apart, and returns the
// number of attempts made. It returns ErrGaveUp when the attempts run out and
// ctx.Err() when ctx ends first.
func Wait(ctx context.Context, p Policy, check CheckFunc) (int, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		done, err := check(ctx, attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}
		if attempt == p.MaxAttempts {
			break
		}
		timer.Reset(p.Interval)
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return p.MaxAttempts, ErrGaveUp
}
