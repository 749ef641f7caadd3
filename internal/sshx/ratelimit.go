package sshx

import (
	"sync"
	"time"

	"github.com/artemis/dockhostd/internal/errs"
	"golang.org/x/time/rate"
)

const (
	perMinuteCap    = 60
	perHourCap      = 600
	maxConcurrency  = 10
)

// hostLimiter tracks the three caps for a single host: a
// golang.org/x/time/rate token bucket for the per-minute cap, a sliding
// count for the per-hour cap, and a semaphore-style counter for
// concurrency.
type hostLimiter struct {
	mu          sync.Mutex
	minuteBucket *rate.Limiter
	hourWindow   []time.Time
	inFlight     int
}

func newHostLimiter() *hostLimiter {
	return &hostLimiter{
		// burst == cap lets a host use its whole minute budget immediately,
		// which is what "≤60/min" means as a hard cap rather than a smooth
		// rate.
		minuteBucket: rate.NewLimiter(rate.Limit(float64(perMinuteCap)/60.0), perMinuteCap),
	}
}

// RateLimiter enforces per-host and implicitly global caps: the global
// bound falls out of summing per-host caps, without needing a separate
// unbounded global bucket.
type RateLimiter struct {
	mu    sync.Mutex
	hosts map[string]*hostLimiter
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hosts: map[string]*hostLimiter{}}
}

func (r *RateLimiter) limiterFor(hostID string) *hostLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.hosts[hostID]
	if !ok {
		l = newHostLimiter()
		r.hosts[hostID] = l
	}
	return l
}

// Acquire reserves a slot for hostID, returning a release func to call when
// the SSH call finishes, or a RateLimited error if any cap is exceeded.
func (r *RateLimiter) Acquire(hostID string) (release func(), err error) {
	l := r.limiterFor(hostID)
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Hour)
	kept := l.hourWindow[:0]
	for _, t := range l.hourWindow {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.hourWindow = kept

	if l.inFlight >= maxConcurrency {
		return nil, errs.New(errs.KindRateLimited, "host %s: %d concurrent SSH sessions already in flight", hostID, l.inFlight)
	}
	if len(l.hourWindow) >= perHourCap {
		return nil, errs.New(errs.KindRateLimited, "host %s: hourly SSH cap of %d exceeded", hostID, perHourCap)
	}
	if !l.minuteBucket.Allow() {
		return nil, errs.New(errs.KindRateLimited, "host %s: per-minute SSH cap of %d exceeded", hostID, perMinuteCap)
	}

	l.hourWindow = append(l.hourWindow, now)
	l.inFlight++

	return func() {
		l.mu.Lock()
		l.inFlight--
		l.mu.Unlock()
	}, nil
}
