package connection

import (
	"context"
	"time"

	"github.com/opd-ai/drop/crypto"
)

// Backoff drives the reconnect/burst schedule of spec section 4.4 as a
// state machine a task steps through, not a blocking sleep loop (spec
// section 9: "Reconnect/burst schedule as a state machine driven by a
// task, not blocking coroutines"): a burst of Config.ConnectionRetries
// attempts with delay doubling from 1s each attempt, then a pause of
// Config.AutoRetryInterval -- or until Refresh is called -- before the
// next burst begins.
type Backoff struct {
	cfg     Config
	clock   crypto.TimeProvider
	refresh chan struct{}
}

// NewBackoff builds a Backoff using cfg's retry tuning. clock defaults to
// crypto.DefaultTimeProvider{} if nil.
func NewBackoff(cfg Config, clock crypto.TimeProvider) *Backoff {
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}
	return &Backoff{cfg: cfg, clock: clock, refresh: make(chan struct{}, 1)}
}

// Refresh wakes a Connection currently sleeping between bursts, the effect
// network_refresh() has on backoff (spec section 4.6).
func (b *Backoff) Refresh() {
	select {
	case b.refresh <- struct{}{}:
	default:
	}
}

// NextDelay returns the delay before reconnect attempt number attempt
// (0-indexed) within the current burst: 1s, 2s, 4s, ...
func (b *Backoff) NextDelay(attempt int) time.Duration {
	delay := time.Second
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// MaxAttempts returns the number of attempts in one burst.
func (b *Backoff) MaxAttempts() int { return b.cfg.ConnectionRetries }

// WaitBetweenBursts blocks until Config.AutoRetryInterval elapses, Refresh
// is called, or ctx is cancelled, whichever happens first.
func (b *Backoff) WaitBetweenBursts(ctx context.Context) error {
	timer := time.NewTimer(b.cfg.AutoRetryInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-b.refresh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
