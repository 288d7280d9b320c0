// Package ratelimit implements per-group token buckets for exchange request admission.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// BucketConfig configures a Bucket.
type BucketConfig struct {
	RatePerSecond float64 // Continuous refill rate
	Capacity      float64 // Burst size; defaults to RatePerSecond
	PerMinute     int     // Rolling per-minute ceiling, 0 disables it

	// Now and Sleep are injectable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Stats is a point-in-time snapshot of a bucket.
type Stats struct {
	Capacity  float64
	Tokens    float64
	Admitted  uint64        // Calls that received a token
	Throttled uint64        // 429 responses reported
	Waited    time.Duration // Total time callers spent suspended
}

// Bucket is a token bucket with an optional rolling per-minute quota.
// Admission is decided under a single mutex so concurrent callers can never
// consume more tokens than are available.
type Bucket struct {
	mu sync.Mutex

	capacity  float64
	tokens    float64
	refill    float64
	perMinute int

	last        time.Time
	windowStart time.Time
	windowCount int

	admitted  uint64
	throttled uint64
	waited    time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBucket creates a full bucket.
func NewBucket(cfg BucketConfig) *Bucket {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = cfg.RatePerSecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	now := cfg.Now()
	return &Bucket{
		capacity:    cfg.Capacity,
		tokens:      cfg.Capacity,
		refill:      cfg.RatePerSecond,
		perMinute:   cfg.PerMinute,
		last:        now,
		windowStart: now,
		now:         cfg.Now,
		sleep:       cfg.Sleep,
	}
}

// Take suspends the caller until a token is available or ctx is done.
func (b *Bucket) Take(ctx context.Context) error {
	for {
		wait := b.tryTake()
		if wait <= 0 {
			return nil
		}
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
		b.mu.Lock()
		b.waited += wait
		b.mu.Unlock()
	}
}

// tryTake consumes a token if one is available, otherwise returns how long to wait.
func (b *Bucket) tryTake() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.refillLocked(now)

	if b.perMinute > 0 {
		if now.Sub(b.windowStart) >= time.Minute {
			b.windowStart = now
			b.windowCount = 0
		}
		if b.windowCount >= b.perMinute {
			return b.windowStart.Add(time.Minute).Sub(now)
		}
	}

	if b.tokens >= 1 {
		b.tokens--
		b.admitted++
		b.windowCount++
		return 0
	}
	wait := time.Duration((1 - b.tokens) / b.refill * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.last = now
	b.tokens += elapsed * b.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Report429 records a backpressure signal from the server.
func (b *Bucket) Report429() {
	b.mu.Lock()
	b.throttled++
	b.mu.Unlock()
}

// Observe aligns the bucket with a server-reported Remaining-Req value.
// When the server says no requests remain this second, the bucket is drained.
func (b *Bucket) Observe(r Remaining) {
	if r.Sec != 0 {
		return
	}
	b.mu.Lock()
	b.refillLocked(b.now())
	b.tokens = 0
	b.mu.Unlock()
}

// Stats returns a snapshot of the bucket.
func (b *Bucket) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return Stats{
		Capacity:  b.capacity,
		Tokens:    b.tokens,
		Admitted:  b.admitted,
		Throttled: b.throttled,
		Waited:    b.waited,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
