package marketdata

import (
	"context"
	"sync"
	"time"
)

// cached holds one value with a freshness deadline. A failed refresh falls
// back to the previous value, however old, so a single REST hiccup does not
// blank out a tick.
type cached[T any] struct {
	mu      sync.Mutex
	value   T
	fetched time.Time
	ok      bool
}

func (c *cached[T]) get(ctx context.Context, now time.Time, ttl time.Duration, fetch func(context.Context) (T, error)) (T, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ok && now.Sub(c.fetched) < ttl {
		return c.value, false, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		if c.ok {
			return c.value, true, err
		}
		var zero T
		return zero, false, err
	}
	c.value, c.fetched, c.ok = v, now, true
	return v, false, nil
}

func (c *cached[T]) invalidate() {
	c.mu.Lock()
	c.ok = false
	c.mu.Unlock()
}
