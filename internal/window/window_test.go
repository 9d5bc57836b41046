package window

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sufrah/wa-gateway/models"
)

func newTestTracker(t *testing.T, fs *fakeCacheStore) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, fs), mr
}

type fakeCacheStore struct {
	nextID  int64
	entries []*models.TemplateCacheEntry
}

func (f *fakeCacheStore) InsertTemplateCacheEntry(e *models.TemplateCacheEntry) (int64, error) {
	f.nextID++
	e.ID = f.nextID
	cp := *e
	f.entries = append(f.entries, &cp)
	return e.ID, nil
}

func (f *fakeCacheStore) LatestLiveTemplateCacheEntry(tenantID int, conversationID int64) (*models.TemplateCacheEntry, error) {
	var best *models.TemplateCacheEntry
	for _, e := range f.entries {
		if e.TenantID != tenantID || e.ConversationID != conversationID {
			continue
		}
		if e.Delivered || !e.ExpiresAt.Valid || !time.Now().Before(e.ExpiresAt.Time) {
			continue
		}
		if best == nil || e.ID > best.ID {
			best = e
		}
	}
	if best == nil {
		return nil, errNotFound
	}
	return best, nil
}

func (f *fakeCacheStore) MarkTemplateCacheDelivered(tenantID int, id int64) error {
	for _, e := range f.entries {
		if e.TenantID == tenantID && e.ID == id {
			e.Delivered = true
			return nil
		}
	}
	return errNotFound
}

var errNotFound = errNotFoundErr{}

type errNotFoundErr struct{}

func (errNotFoundErr) Error() string { return "not found" }

func TestWindowOpenAfterInbound(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeCacheStore{})
	ctx := context.Background()

	open, err := tr.WindowOpen(ctx, 1, 100)
	require.NoError(t, err)
	require.False(t, open)

	require.NoError(t, tr.OpenWindow(ctx, 1, 100))

	open, err = tr.WindowOpen(ctx, 1, 100)
	require.NoError(t, err)
	require.True(t, open)
}

func TestWindowExpiresAfter24h(t *testing.T) {
	tr, mr := newTestTracker(t, &fakeCacheStore{})
	ctx := context.Background()

	require.NoError(t, tr.OpenWindow(ctx, 1, 100))
	mr.FastForward(24*time.Hour + time.Second)

	open, err := tr.WindowOpen(ctx, 1, 100)
	require.NoError(t, err)
	require.False(t, open)
}

func TestPickChannelFollowsWindowState(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeCacheStore{})
	ctx := context.Background()

	channel, err := tr.PickChannel(ctx, 1, 100)
	require.NoError(t, err)
	require.Equal(t, models.ChannelTemplate, channel)

	require.NoError(t, tr.OpenWindow(ctx, 1, 100))
	channel, err = tr.PickChannel(ctx, 1, 100)
	require.NoError(t, err)
	require.Equal(t, models.ChannelFreeform, channel)
}

func TestButtonClickOpensWindowWithoutPriorInbound(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeCacheStore{})
	ctx := context.Background()

	require.NoError(t, tr.OpenWindowFromButtonClick(ctx, 1, 200))

	channel, err := tr.PickChannel(ctx, 1, 200)
	require.NoError(t, err)
	require.Equal(t, models.ChannelFreeform, channel)
}

func TestConsumeCachedReturnsNewestUnconsumedEntry(t *testing.T) {
	fs := &fakeCacheStore{}
	tr, _ := newTestTracker(t, fs)

	require.NoError(t, tr.CacheOnTemplate(1, 100, "order_ready_v1", "Order Ready", "Order #41 ready"))
	require.NoError(t, tr.CacheOnTemplate(1, 100, "order_ready_v1", "Order Ready", "Order #42 ready"))

	entry, err := tr.ConsumeCached(1, 100)
	require.NoError(t, err)
	require.Equal(t, "Order #42 ready", entry.Payload)
	require.True(t, entry.Delivered)
}

func TestConsumeCachedIsNotReconsumed(t *testing.T) {
	fs := &fakeCacheStore{}
	tr, _ := newTestTracker(t, fs)

	require.NoError(t, tr.CacheOnTemplate(1, 100, "order_ready_v1", "Order Ready", "Order #42 ready"))

	_, err := tr.ConsumeCached(1, 100)
	require.NoError(t, err)

	_, err = tr.ConsumeCached(1, 100)
	require.Error(t, err, "a delivered entry must not be returned again")
}

func TestConsumeCachedIgnoresExpiredEntries(t *testing.T) {
	fs := &fakeCacheStore{
		entries: []*models.TemplateCacheEntry{
			{ID: 1, TenantID: 1, ConversationID: 100, Payload: "stale"},
		},
	}
	tr, _ := newTestTracker(t, fs)

	_, err := tr.ConsumeCached(1, 100)
	require.Error(t, err, "an entry with no valid expiry must never be returned")
}
