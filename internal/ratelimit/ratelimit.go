// Package ratelimit enforces the global, per-minute, and per-day
// inbound/outbound caps from spec.md §4.3, scoped independently by
// tenant, by customer, and by the whole deployment so one abusive
// customer (or a single noisy tenant) cannot exhaust a shared budget.
// Counters live in Redis so every gateway process shares the same
// view, including the tenant outbound pacing bucket that
// internal/manager consults before every provider send.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scope names a rate-limit bucket dimension.
type Scope string

const (
	ScopeGlobalWebhook  Scope = "global_webhook"
	ScopeTenantMinute   Scope = "tenant_minute"
	ScopeTenantDay      Scope = "tenant_day"
	ScopeCustomerMinute Scope = "customer_minute"
	ScopeTenantOutbound Scope = "tenant_outbound"
)

var scopeWindow = map[Scope]time.Duration{
	ScopeGlobalWebhook:  time.Minute,
	ScopeTenantMinute:   time.Minute,
	ScopeTenantDay:      24 * time.Hour,
	ScopeCustomerMinute: time.Minute,
	ScopeTenantOutbound: time.Minute,
}

// GlobalWebhookLimit is the deployment-wide inbound cap (spec.md §4.3):
// 200 callbacks per minute across every tenant.
const GlobalWebhookLimit = 200

// Limiter enforces fixed-window counters backed by Redis INCR+EXPIRE.
type Limiter struct {
	rdb *redis.Client
}

// New returns a Limiter backed by rdb.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// Allow increments the counter for (scope, key) and reports whether
// the count is still within limit for the current window.
func (l *Limiter) Allow(ctx context.Context, scope Scope, key string, limit int) (bool, error) {
	allowed, _, err := l.AllowWithRetryAfter(ctx, scope, key, limit)
	return allowed, err
}

// AllowWithRetryAfter behaves like Allow but also reports how long
// remains in the current window, so a caller that was denied can
// requeue with that delay rather than retrying immediately (spec.md
// §4.7: outbound rate-limit denial is "not counted as an attempt;
// requeue with delay = current window remainder + small jitter").
func (l *Limiter) AllowWithRetryAfter(ctx context.Context, scope Scope, key string, limit int) (allowed bool, retryAfter time.Duration, err error) {
	if limit <= 0 {
		return true, 0, nil
	}
	window, ok := scopeWindow[scope]
	if !ok {
		return false, 0, fmt.Errorf("ratelimit: unknown scope %q", scope)
	}

	now := time.Now().UTC()
	bucketStart := now.Truncate(window)
	redisKey := fmt.Sprintf("rl:%s:%s:%d", scope, key, bucketStart.Unix())

	count, err := l.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		// first writer in this window sets the expiry
		l.rdb.Expire(ctx, redisKey, window)
	}

	retryAfter = bucketStart.Add(window).Sub(now)
	return count <= int64(limit), retryAfter, nil
}
