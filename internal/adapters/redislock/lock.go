// Package redislock keeps a single process trading a market. The lock is a
// Redis key set with SETNX and a TTL; release and refresh only act when the
// stored token still belongs to the caller.
package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"upbitScalper/internal/ports"
)

const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// backend is the subset of Redis the lock needs.
type backend interface {
	SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
	CompareAndExpire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Close() error
}

type redisBackend struct {
	rdb     *redis.Client
	unlock  *redis.Script
	refresh *redis.Script
}

func (b *redisBackend) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return b.rdb.SetNX(ctx, key, token, ttl).Result()
}

func (b *redisBackend) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	n, err := b.unlock.Run(ctx, b.rdb, []string{key}, token).Int64()
	return n == 1, err
}

func (b *redisBackend) CompareAndExpire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := b.refresh.Run(ctx, b.rdb, []string{key}, token, ttl.Milliseconds()).Int64()
	return n == 1, err
}

func (b *redisBackend) Close() error { return b.rdb.Close() }

// Config holds connection parameters for the lock.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Key prefix, defaults to "upbit-scalper:lock:"
	Logger   ports.Logger
}

// Locker hands out instance locks.
type Locker struct {
	backend backend
	prefix  string
	logger  ports.Logger
}

// NewLocker connects to Redis and verifies the connection.
func NewLocker(ctx context.Context, cfg Config) (*Locker, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for redis lock")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w: %w", cfg.Addr, ports.ErrConnectionFailed, err)
	}
	b := &redisBackend{rdb: rdb, unlock: redis.NewScript(unlockLua), refresh: redis.NewScript(refreshLua)}
	return newLocker(b, cfg.Prefix, cfg.Logger), nil
}

func newLocker(b backend, prefix string, logger ports.Logger) *Locker {
	if prefix == "" {
		prefix = "upbit-scalper:lock:"
	}
	return &Locker{backend: b, prefix: prefix, logger: logger}
}

// Close releases the Redis connection.
func (l *Locker) Close() error { return l.backend.Close() }

// Acquire takes the lock for key or returns ports.ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("redis: acquire lock %s: %w: ttl must be positive", key, ports.ErrInvalidRequest)
	}
	token := uuid.New().String()
	full := l.prefix + key

	ok, err := l.backend.SetNX(ctx, full, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w: %w", key, ports.ErrConnectionFailed, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, ports.ErrLockHeld)
	}
	l.logger.Info(ctx, "Instance lock acquired", map[string]interface{}{"key": full, "ttl": ttl.String()})
	return &Lock{locker: l, key: full, token: token, ttl: ttl}, nil
}

// Lock is a held instance lock.
type Lock struct {
	locker *Locker
	key    string
	token  string
	ttl    time.Duration

	mu       sync.Mutex
	released bool
}

// Key returns the full Redis key.
func (k *Lock) Key() string { return k.key }

// Refresh extends the TTL; it fails with ports.ErrLockHeld once ownership is lost.
func (k *Lock) Refresh(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return fmt.Errorf("redis: refresh lock %s: already released", k.key)
	}
	ok, err := k.locker.backend.CompareAndExpire(ctx, k.key, k.token, k.ttl)
	if err != nil {
		return fmt.Errorf("redis: refresh lock %s: %w", k.key, err)
	}
	if !ok {
		return fmt.Errorf("redis: refresh lock %s: %w", k.key, ports.ErrLockHeld)
	}
	return nil
}

// Release deletes the key if this holder still owns it. Safe to call more than once.
func (k *Lock) Release(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return nil
	}
	k.released = true

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	owned, err := k.locker.backend.CompareAndDelete(ctx, k.key, k.token)
	if err != nil {
		return fmt.Errorf("redis: release lock %s: %w", k.key, err)
	}
	if !owned {
		k.locker.logger.Warn(ctx, "Instance lock was no longer owned at release", map[string]interface{}{"key": k.key})
	}
	return nil
}

// KeepAlive refreshes the lock every ttl/3 until ctx is done. It returns the
// refresh error when ownership is lost so the caller can stop trading.
func (k *Lock) KeepAlive(ctx context.Context) error {
	interval := k.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := k.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				k.locker.logger.Error(ctx, err, "Instance lock refresh failed", map[string]interface{}{"key": k.key})
				return err
			}
		}
	}
}
