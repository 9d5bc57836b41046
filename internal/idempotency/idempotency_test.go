package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb).WithTTL(time.Minute), mr
}

func TestTryAcquireFirstWins(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	first, err := g.TryAcquire(ctx, 1, "wamid.abc")
	require.NoError(t, err)
	require.True(t, first)

	second, err := g.TryAcquire(ctx, 1, "wamid.abc")
	require.NoError(t, err)
	require.False(t, second, "replayed provider message id must not be reacquired")
}

func TestTryAcquireIsolatedPerTenant(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	t1, err := g.TryAcquire(ctx, 1, "wamid.shared")
	require.NoError(t, err)
	require.True(t, t1)

	t2, err := g.TryAcquire(ctx, 2, "wamid.shared")
	require.NoError(t, err)
	require.True(t, t2, "same provider id under a different tenant must acquire independently")
}

func TestExistsWithoutClaiming(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	exists, err := g.Exists(ctx, 1, "wamid.never-seen")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = g.TryAcquire(ctx, 1, "wamid.seen")
	require.NoError(t, err)

	exists, err = g.Exists(ctx, 1, "wamid.seen")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestTryAcquireExpires(t *testing.T) {
	g, mr := newTestGuard(t)
	ctx := context.Background()

	_, err := g.TryAcquire(ctx, 1, "wamid.ttl")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	again, err := g.TryAcquire(ctx, 1, "wamid.ttl")
	require.NoError(t, err)
	require.True(t, again, "after TTL expiry the same id may be reacquired")
}
