package gmail

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Operation represents a Gmail API operation with its quota cost.
type Operation int

const (
	OpMessagesGetRaw Operation = iota // 5 units
	OpMessagesList                    // 5 units
	OpMessagesModify                  // 5 units
	OpProfile                         // 1 unit
)

// Cost returns the quota cost for an operation.
func (o Operation) Cost() int {
	switch o {
	case OpMessagesGetRaw, OpMessagesList, OpMessagesModify:
		return 5
	default:
		return 1 // OpProfile, unknown
	}
}

// DefaultCapacity is the burst size in quota units (Gmail's per-user quota).
const DefaultCapacity = 250

// DefaultRefillRate is quota units per second at the default QPS.
const DefaultRefillRate = 250.0

const (
	// defaultQPS is the baseline QPS used to calculate the scale factor.
	defaultQPS = 5.0

	// MinQPS is the lowest accepted QPS.
	MinQPS = 0.1
)

// RateLimiter meters Gmail calls by quota cost. On top of the token bucket
// it supports a throttle window during which no call proceeds, used when
// Gmail answers 429 or a quota 403.
type RateLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time

	mu             sync.Mutex
	throttledUntil time.Time
}

// NewRateLimiter creates a rate limiter for the given QPS.
// QPS above 5 is capped at Gmail's quota and below MinQPS is raised to it.
func NewRateLimiter(qps float64) *RateLimiter {
	if qps < MinQPS {
		qps = MinQPS
	}
	scale := qps / defaultQPS
	if scale > 1.0 {
		scale = 1.0
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(DefaultRefillRate*scale), DefaultCapacity),
		now:     time.Now,
	}
}

// Limit returns the steady-state refill rate in quota units per second.
func (r *RateLimiter) Limit() float64 {
	return float64(r.limiter.Limit())
}

// throttleWait returns how long until the throttle window ends.
func (r *RateLimiter) throttleWait() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.throttledUntil.Sub(r.now())
}

// Acquire blocks until quota for op is available or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context, op Operation) error {
	for {
		wait := r.throttleWait()
		if wait <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return r.limiter.WaitN(ctx, op.Cost())
}

// TryAcquire takes quota for op without blocking.
func (r *RateLimiter) TryAcquire(op Operation) bool {
	if r.throttleWait() > 0 {
		return false
	}
	return r.limiter.AllowN(r.now(), op.Cost())
}

// Throttle blocks all calls for d. An existing longer window is kept.
func (r *RateLimiter) Throttle(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := r.now().Add(d)
	if end.After(r.throttledUntil) {
		r.throttledUntil = end
	}
}

// ThrottledUntil returns the end of the current throttle window.
func (r *RateLimiter) ThrottledUntil() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.throttledUntil
}
