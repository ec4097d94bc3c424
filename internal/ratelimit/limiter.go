// Package ratelimit enforces a per-tenant sliding-window request limit over
// Redis. The window is a sorted set of request timestamps; each check trims
// entries older than the window, counts the remainder, and admits or rejects
// in one pipeline round trip.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scanvault/scanvault/internal/model"
)

// Decision is the outcome of one admission check, in header-ready form.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter admits or rejects requests per tenant. A nil Limiter admits
// everything, which is how tests and single-process dev setups run.
type Limiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// New constructs a Limiter over the given Redis client.
func New(client *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{client: client, limit: limit, window: window}
}

// Check records the request and decides admission. On a rejection nothing is
// recorded, so hammering a closed window cannot extend it. Redis errors fail
// open: losing rate limiting is better than losing the service.
func (l *Limiter) Check(ctx context.Context, tenant model.TenantID) (Decision, error) {
	if l == nil || l.client == nil {
		return Decision{Allowed: true, Limit: 0, Remaining: 0, Reset: time.Now().UTC()}, nil
	}
	now := time.Now().UTC()
	windowStart := now.Add(-l.window)
	key := "ratelimit:" + string(tenant)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true, Limit: l.limit, Remaining: 0, Reset: now.Add(l.window)}, nil
	}

	count := int(countCmd.Val())
	reset := now.Add(l.window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		reset = time.Unix(0, int64(oldest[0].Score)).Add(l.window)
	}

	if count >= l.limit {
		return Decision{Allowed: false, Limit: l.limit, Remaining: 0, Reset: reset}, nil
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	add := l.client.TxPipeline()
	add.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	add.Expire(ctx, key, l.window)
	if _, err := add.Exec(ctx); err != nil {
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - count - 1, Reset: reset}, nil
	}

	return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - count - 1, Reset: reset}, nil
}
