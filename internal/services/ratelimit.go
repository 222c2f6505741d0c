package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimbusdb/sqlgate/internal/models"
	"github.com/nimbusdb/sqlgate/internal/policy"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded: requests per minute")
	ErrQuotaExceeded     = errors.New("daily quota exceeded")
	ErrTooManyConcurrent = errors.New("too many concurrent requests for this webhook")
)

// Window TTLs. Keys are time-bucketed, so the TTL only has to outlive the
// bucket it counts.
const (
	minuteWindowTTL = 2 * time.Minute
	dayWindowTTL    = 48 * time.Hour
)

// Counter is an atomic check-and-increment backend for windowed counters.
// Incr returns the bucket's value after counting this request.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RateLimiter gates requests per credential. The minute/day gate is a single
// atomic increment; once Allow passes, the result is authoritative and no
// second check runs before execution.
type RateLimiter struct {
	counter Counter
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]int
}

// NewRateLimiter creates a limiter over the given counter backend.
func NewRateLimiter(counter Counter) *RateLimiter {
	return &RateLimiter{
		counter:  counter,
		now:      time.Now,
		inflight: make(map[string]int),
	}
}

// Allow counts one request against the credential's minute and day windows.
// Backend failures deny the request rather than waving it through.
func (l *RateLimiter) Allow(ctx context.Context, webhookID string, profile policy.RateProfile) error {
	now := l.now()

	minuteKey := fmt.Sprintf("sqlgate:rl:%s:%d", webhookID, models.MinuteEpoch(now))
	count, err := l.counter.Incr(ctx, minuteKey, minuteWindowTTL)
	if err != nil {
		return fmt.Errorf("rate limit backend unavailable: %w", err)
	}
	if count > int64(profile.RequestsPerMinute) {
		return ErrRateLimitExceeded
	}

	dayKey := fmt.Sprintf("sqlgate:quota:%s:%s", webhookID, models.DayKey(now))
	count, err = l.counter.Incr(ctx, dayKey, dayWindowTTL)
	if err != nil {
		return fmt.Errorf("rate limit backend unavailable: %w", err)
	}
	if count > int64(profile.DailyQuota) {
		return ErrQuotaExceeded
	}
	return nil
}

// RetryAfter returns the seconds until the current minute window resets.
func (l *RateLimiter) RetryAfter() int {
	now := l.now()
	next := now.Truncate(time.Minute).Add(time.Minute)
	secs := int(next.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Acquire reserves an in-flight execution slot for the credential. The
// returned release func must be called when execution finishes.
func (l *RateLimiter) Acquire(webhookID string, maxConcurrent int) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if maxConcurrent > 0 && l.inflight[webhookID] >= maxConcurrent {
		return nil, ErrTooManyConcurrent
	}
	l.inflight[webhookID]++

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.inflight[webhookID] > 0 {
				l.inflight[webhookID]--
			}
			if l.inflight[webhookID] == 0 {
				delete(l.inflight, webhookID)
			}
		})
	}, nil
}

type localEntry struct {
	count   int64
	expires time.Time
}

// LocalCounter is the default in-process backend: a mutex-guarded map of
// expiring buckets.
type LocalCounter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocalCounter creates an empty local backend.
func NewLocalCounter() *LocalCounter {
	return &LocalCounter{entries: make(map[string]*localEntry)}
}

func (c *LocalCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[key]
	if e == nil || now.After(e.expires) {
		e = &localEntry{expires: now.Add(ttl)}
		c.entries[key] = e
	}
	e.count++
	return e.count, nil
}

// StartSweep evicts expired buckets periodically until ctx is done.
func (c *LocalCounter) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				c.mu.Lock()
				for key, e := range c.entries {
					if now.After(e.expires) {
						delete(c.entries, key)
					}
				}
				c.mu.Unlock()
			}
		}
	}()
}

// RedisCounter backs the limiter with redis fixed-window INCR, for
// deployments running more than one gateway replica.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter connects and verifies the redis backend.
func NewRedisCounter(redisURL string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisCounter{client: client}, nil
}

func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		c.client.Expire(ctx, key, ttl)
	}
	return count, nil
}

// Close closes the redis client.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}
