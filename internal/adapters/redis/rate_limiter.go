package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/openbrainhub/neuroagent/internal/ports"
)

// UnlimitedSentinel marks a subject that is not rate limited. Both Limit and
// Remaining carry it so clients can tell "no quota" apart from "quota of 0".
const UnlimitedSentinel int64 = -1

// Store is the slice of Redis used by the limiter. Keeping it narrow lets
// tests substitute an in-memory fake.
type Store interface {
	// Get returns the counter value; found is false when the key is absent.
	Get(ctx context.Context, key string) (value int64, found bool, err error)
	SetEx(ctx context.Context, key string, value int64, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	PTTL(ctx context.Context, key string) (time.Duration, error)
}

type redisStore struct {
	client goredis.UniversalClient
}

func (s *redisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (s *redisStore) SetEx(ctx context.Context, key string, value int64, ttl time.Duration) error {
	return s.client.SetEx(ctx, key, value, ttl).Err()
}

func (s *redisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *redisStore) PTTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.PTTL(ctx, key).Result()
}

// RateLimiter counts admissions per subject and route in a TTL window. The
// first admission creates the key with the window's expiry; later admissions
// increment it; once the count reaches the limit the remaining TTL is
// reported and the request denied. A nil store disables limiting entirely.
type RateLimiter struct {
	store Store
}

func NewRateLimiter(client goredis.UniversalClient) *RateLimiter {
	var store Store
	if client != nil {
		store = &redisStore{client: client}
	}
	return &RateLimiter{store: store}
}

// NewRateLimiterWithStore is used by tests to inject a fake store.
func NewRateLimiterWithStore(store Store) *RateLimiter {
	return &RateLimiter{store: store}
}

func limiterKey(subject, route string) string {
	return fmt.Sprintf("rate_limit:%s:%s", subject, route)
}

// Check admits or denies one request. When Redis is unreachable the request
// is allowed and the error surfaced for logging; availability wins over
// strict enforcement.
func (rl *RateLimiter) Check(ctx context.Context, subject, route string, limit int64, window time.Duration) (*ports.RateLimitInfo, error) {
	if limit < 0 || rl.store == nil {
		return &ports.RateLimitInfo{
			Limit:     UnlimitedSentinel,
			Remaining: UnlimitedSentinel,
		}, nil
	}
	if window <= 0 {
		window = time.Minute
	}

	key := limiterKey(subject, route)

	count, found, err := rl.store.Get(ctx, key)
	if err != nil {
		return rl.failOpen(limit, window), err
	}

	if !found {
		if err := rl.store.SetEx(ctx, key, 1, window); err != nil {
			return rl.failOpen(limit, window), err
		}
		return &ports.RateLimitInfo{
			Limit:     limit,
			Remaining: limit - 1,
			ResetIn:   window,
		}, nil
	}

	if count >= limit {
		ttl, err := rl.store.PTTL(ctx, key)
		if err != nil {
			return rl.failOpen(limit, window), err
		}
		if ttl < 0 {
			ttl = window
		}
		return &ports.RateLimitInfo{
			Limit:     limit,
			Remaining: 0,
			ResetIn:   ttl,
			Limited:   true,
		}, nil
	}

	count, err = rl.store.Incr(ctx, key)
	if err != nil {
		return rl.failOpen(limit, window), err
	}
	ttl, err := rl.store.PTTL(ctx, key)
	if err != nil || ttl < 0 {
		ttl = window
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &ports.RateLimitInfo{
		Limit:     limit,
		Remaining: remaining,
		ResetIn:   ttl,
	}, nil
}

func (rl *RateLimiter) failOpen(limit int64, window time.Duration) *ports.RateLimitInfo {
	return &ports.RateLimitInfo{
		Limit:     limit,
		Remaining: limit,
		ResetIn:   window,
	}
}
