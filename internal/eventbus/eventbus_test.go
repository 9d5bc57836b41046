package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb)
}

func TestPublishInvalidateDeliversToSubscriber(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan InvalidateEvent, 1)
	go func() {
		_ = b.SubscribeInvalidate(ctx, func(ev InvalidateEvent) {
			received <- ev
		})
	}()

	// give the subscriber goroutine a moment to register
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.PublishInvalidate(ctx, 42, "credentials_rotated"))

	select {
	case ev := <-received:
		require.Equal(t, 42, ev.TenantID)
		require.Equal(t, "credentials_rotated", ev.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invalidate event")
	}
}

func TestTenantChannelNaming(t *testing.T) {
	require.Equal(t, "tenant.7.events", TenantChannel(7))
	require.NotEqual(t, TenantChannel(1), TenantChannel(2))
}
