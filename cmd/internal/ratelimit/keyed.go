// Package ratelimit throttles events per key (a connection, a user) with one
// token bucket each.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed allows up to events per window for every key, with bursts of up to
// events. Buckets idle for a full window are refilled anyway, so they are
// dropped on the next sweep.
type Keyed struct {
	every  rate.Limit
	burst  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	sweepAt time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// New returns a Keyed limiter. events and window must be positive.
func New(events int, window time.Duration) *Keyed {
	if events <= 0 {
		events = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Keyed{
		every:   rate.Limit(float64(events) / window.Seconds()),
		burst:   events,
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token from key's bucket at now. When the bucket is empty it
// returns false and how long until a token is available; the attempt is not charged.
func (k *Keyed) Allow(key string, now time.Time) (bool, time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.sweep(now)

	b := k.buckets[key]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(k.every, k.burst)}
		k.buckets[key] = b
	}
	b.seen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, k.window
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Forget drops key's bucket.
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	delete(k.buckets, key)
	k.mu.Unlock()
}

// Len reports how many keys currently hold a bucket.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// sweep runs at most once per window. Caller holds k.mu.
func (k *Keyed) sweep(now time.Time) {
	if now.Before(k.sweepAt) {
		return
	}
	for key, b := range k.buckets {
		if now.Sub(b.seen) >= k.window {
			delete(k.buckets, key)
		}
	}
	k.sweepAt = now.Add(k.window)
}
