package connection

import (
	"sync"

	"github.com/opd-ai/drop/errs"
	"golang.org/x/time/rate"
)

// Admission enforces a per-peer leaky-bucket rate limit on inbound
// messages: "Per-peer admission: leaky bucket, breach -> TooManyRequests"
// (spec section 4.4). Each peer gets its own *rate.Limiter, created lazily
// on first use and dropped on Forget once the peer disconnects.
type Admission struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewAdmission builds an Admission gate with the given per-peer rate and
// burst size.
func NewAdmission(ratePerSecond float64, burst int) *Admission {
	return &Admission{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

func (a *Admission) limiterFor(peerKey string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[peerKey]
	if !ok {
		l = rate.NewLimiter(a.rps, a.burst)
		a.limiters[peerKey] = l
	}
	return l
}

// Allow reports whether a message from peerKey may proceed right now,
// returning an errs.KindTooManyRequests error if the bucket is exhausted.
func (a *Admission) Allow(peerKey string) error {
	if !a.limiterFor(peerKey).Allow() {
		return errs.New(errs.KindTooManyRequests, "peer %s exceeded admission rate", peerKey)
	}
	return nil
}

// Forget drops peerKey's limiter, e.g. once its Connection closes.
func (a *Admission) Forget(peerKey string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.limiters, peerKey)
}
