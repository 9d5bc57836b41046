// Package idempotency guards against duplicate processing of the same
// provider message ID, which WhatsApp may redeliver on retry
// (spec.md §4.2, §8 invariant 1). A short-TTL Redis key is the fast
// path; the durable unique constraint on messages.provider_message_id
// is the second line of defense when two processes race the same key
// within the TTL window.
package idempotency

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultTTL bounds how long a processed message ID is remembered.
// Provider redelivery windows are minutes, not hours, so this is
// generous without growing unbounded.
const defaultTTL = 10 * time.Minute

// Guard deduplicates by provider message ID using a shared Redis
// backend so multiple gateway processes agree on what has already
// been handled.
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

// New returns a Guard using rdb for storage and defaultTTL expiry.
func New(rdb *redis.Client) *Guard {
	return &Guard{rdb: rdb, ttl: defaultTTL}
}

// WithTTL overrides the default key lifetime; mainly useful in tests.
func (g *Guard) WithTTL(ttl time.Duration) *Guard {
	g.ttl = ttl
	return g
}

// TryAcquire atomically claims providerMessageID for this tenant. It
// returns true if this call is the first to claim it (processing
// should proceed) and false if it was already claimed (the caller
// should treat this as a duplicate and skip side effects).
func (g *Guard) TryAcquire(ctx context.Context, tenantID int, providerMessageID string) (bool, error) {
	key := g.key(tenantID, providerMessageID)
	ok, err := g.rdb.SetNX(ctx, key, 1, g.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Exists reports whether providerMessageID has already been claimed,
// without claiming it.
func (g *Guard) Exists(ctx context.Context, tenantID int, providerMessageID string) (bool, error) {
	key := g.key(tenantID, providerMessageID)
	n, err := g.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (g *Guard) key(tenantID int, providerMessageID string) string {
	return "idem:" + strconv.Itoa(tenantID) + ":" + providerMessageID
}
