// Package automation holds the global bot-automation kill switch that
// `POST /bot/toggle` flips (spec.md §6). It is process-local state
// kept in sync across a fleet by publishing and subscribing to
// internal/eventbus's bot.status channel, the same invalidate-and-
// resync pattern internal/tenant.Registry uses for tenant rows.
package automation

import (
	"context"
	"sync/atomic"

	"github.com/sufrah/wa-gateway/internal/eventbus"
)

// Toggle is a process-wide flag gating whether inbound messages reach
// the conversation state machine at all. It starts enabled.
type Toggle struct {
	enabled atomic.Bool
	bus     *eventbus.Bus
}

// New returns a Toggle starting enabled, optionally wired to bus for
// cluster-wide fan-out. bus may be nil in tests.
func New(bus *eventbus.Bus) *Toggle {
	t := &Toggle{bus: bus}
	t.enabled.Store(true)
	return t
}

// Enabled reports the current automation state.
func (t *Toggle) Enabled() bool {
	return t.enabled.Load()
}

// Set flips the flag locally and, if wired to a bus, broadcasts the
// change so every other process updates too.
func (t *Toggle) Set(ctx context.Context, enabled bool) error {
	t.enabled.Store(enabled)
	if t.bus == nil {
		return nil
	}
	return t.bus.PublishBotStatus(ctx, enabled)
}

// Listen subscribes to bot.status and applies remote flips until ctx
// is canceled. It is a no-op if Toggle was constructed without a bus.
func (t *Toggle) Listen(ctx context.Context) error {
	if t.bus == nil {
		return nil
	}
	return t.bus.SubscribeBotStatus(ctx, func(ev eventbus.BotStatusEvent) {
		t.enabled.Store(ev.Enabled)
	})
}
