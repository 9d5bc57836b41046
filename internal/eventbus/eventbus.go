// Package eventbus fans out per-tenant events over Redis Pub/Sub, in
// particular the admin.invalidate broadcast that tells every gateway
// process to drop its cached copy of a tenant row the moment an
// operator edits credentials or flips bot_enabled (spec.md §4.1, §6).
// Delivery is best-effort and ordered per channel: Redis Pub/Sub
// neither stores nor redelivers events, so a subscriber that is
// offline when an event publishes simply never sees it. For
// admin.invalidate this is tolerable because internal/tenant's cache
// also expires on its own TTL.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// InvalidateChannel is the single shared channel carrying tenant cache
// invalidation events. A per-tenant channel isn't needed here because
// the payload itself names the tenant and every process subscribes.
const InvalidateChannel = "admin.invalidate"

// InvalidateEvent is published whenever a tenant's routable state
// changes.
type InvalidateEvent struct {
	TenantID int    `json:"tenant_id"`
	Reason   string `json:"reason"`
}

// Bus wraps a Redis client for tenant-scoped publish and a shared
// admin invalidation channel.
type Bus struct {
	rdb *redis.Client
}

// New returns a Bus backed by rdb.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// TenantChannel returns the per-tenant conversation-event channel
// name, used to fan inbound/outbound events out to dashboards.
func TenantChannel(tenantID int) string {
	return fmt.Sprintf("tenant.%d.events", tenantID)
}

// Publish publishes an arbitrary event payload on channel, JSON
// encoding it first.
func (b *Bus) Publish(ctx context.Context, channel string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, data).Err()
}

// Event types carried on a tenant channel (spec.md §6). Every consumer
// (dashboard, admin tooling) switches on Type to decode Data.
const (
	EventMessageReceived     = "message.received"
	EventConversationUpdated = "conversation.updated"
	EventMessageSent         = "message.sent"
	EventMessageFailed       = "message.failed"
	EventQuotaExceeded       = "quota.exceeded"
)

// Event is the wire envelope every tenant-scoped event publishes in
// (spec.md §6): `{ "type": ..., "tenantId": ..., "data": {...} }`. The
// global bot.status broadcast is deliberately not wrapped in this
// envelope — it has no tenant, and is carried on its own dedicated
// BotStatusChannel instead (see PublishBotStatus).
type Event struct {
	Type     string `json:"type"`
	TenantID int    `json:"tenantId"`
	Data     any    `json:"data"`
}

// PublishEvent wraps data in the mandated {type,tenantId,data} envelope
// and publishes it on tenantID's channel.
func (b *Bus) PublishEvent(ctx context.Context, tenantID int, eventType string, data any) error {
	return b.Publish(ctx, TenantChannel(tenantID), Event{Type: eventType, TenantID: tenantID, Data: data})
}

// PublishInvalidate broadcasts an InvalidateEvent for tenantID on
// InvalidateChannel.
func (b *Bus) PublishInvalidate(ctx context.Context, tenantID int, reason string) error {
	return b.Publish(ctx, InvalidateChannel, InvalidateEvent{TenantID: tenantID, Reason: reason})
}

// BotStatusChannel carries the global automation kill switch flipped
// by `POST /bot/toggle` (spec.md §6): every process subscribes so an
// operator's toggle takes effect cluster-wide without a restart.
const BotStatusChannel = "bot.status"

// BotStatusEvent is published whenever the global automation flag
// changes.
type BotStatusEvent struct {
	Enabled bool `json:"enabled"`
}

// PublishBotStatus broadcasts the new global automation state.
func (b *Bus) PublishBotStatus(ctx context.Context, enabled bool) error {
	return b.Publish(ctx, BotStatusChannel, BotStatusEvent{Enabled: enabled})
}

// SubscribeBotStatus subscribes to BotStatusChannel and invokes fn for
// every decoded event until ctx is canceled.
func (b *Bus) SubscribeBotStatus(ctx context.Context, fn func(BotStatusEvent)) error {
	sub := b.rdb.Subscribe(ctx, BotStatusChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev BotStatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			fn(ev)
		}
	}
}

// SubscribeInvalidate subscribes to InvalidateChannel and invokes fn
// for every decoded event until ctx is canceled. Decode errors are
// skipped rather than fatal, since one malformed event must not stop
// the subscriber from seeing the next one.
func (b *Bus) SubscribeInvalidate(ctx context.Context, fn func(InvalidateEvent)) error {
	sub := b.rdb.Subscribe(ctx, InvalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev InvalidateEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			fn(ev)
		}
	}
}
