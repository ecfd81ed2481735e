package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter allows or denies an action for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// NewClient creates a Redis client with short timeouts; the limiter sits on
// the request path.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     10,
	})
}

type slidingWindow struct {
	client redis.Cmdable
	limit  int
	window time.Duration
}

// NewSlidingWindow returns a Redis backed limiter allowing limit events per
// window for each key.
func NewSlidingWindow(client redis.Cmdable, limit int, window time.Duration) Limiter {
	return &slidingWindow{client: client, limit: limit, window: window}
}

// Allow records the event and reports whether it is within the limit. A
// sorted set per key holds event timestamps.
func (l *slidingWindow) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - l.window.Nanoseconds()
	rkey := "custody:ratelimit:" + key

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	// Member must be unique: two submissions can share a nanosecond.
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: uuid.NewString()})
	countCmd := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, l.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline for %q: %w", key, err)
	}
	return countCmd.Val() <= int64(l.limit), nil
}
