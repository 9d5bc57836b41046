// Package window decides whether an outbound message may travel
// freeform or must go out as a pre-approved template, and caches the
// rich payload behind a template send so a customer's button click can
// be resolved back to it (spec.md §4.8). There is no teacher equivalent
// for the 24h-window concept; this is grounded on the session-window
// gating in edsonmartins-linktor's SessionAwareConsumer
// (IsSessionValid/sendTemplateMessage choosing between a freeform push
// and a template fallback) and generalized to a shared Redis-backed
// flag so the decision is consistent across every process handling a
// tenant's traffic.
package window

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	null "gopkg.in/volatiletech/null.v6"

	"github.com/sufrah/wa-gateway/models"
)

// TemplateCacheStore is the slice of internal/store.Store the tracker
// needs for the durable template payload cache. Narrowed to an
// interface so tests can exercise CacheOnTemplate/ConsumeCached
// against a fake with no database.
type TemplateCacheStore interface {
	InsertTemplateCacheEntry(e *models.TemplateCacheEntry) (int64, error)
	LatestLiveTemplateCacheEntry(tenantID int, conversationID int64) (*models.TemplateCacheEntry, error)
	MarkTemplateCacheDelivered(tenantID int, id int64) error
}

// windowTTL is the freeform-eligibility duration after the most recent
// inbound message or button click (spec.md §4.8, strict > at the
// boundary per spec.md's edge cases).
const windowTTL = 24 * time.Hour

// cacheTTL is how long a template's cached payload remains consumable
// by a button click (spec.md §4.8 invariant ii).
const cacheTTL = 48 * time.Hour

// Tracker decides the outbound channel and manages the template
// payload cache for button-click resolution.
type Tracker struct {
	rdb   *redis.Client
	store TemplateCacheStore
}

// New returns a Tracker backed by rdb for window flags and st for the
// durable template payload cache.
func New(rdb *redis.Client, st TemplateCacheStore) *Tracker {
	return &Tracker{rdb: rdb, store: st}
}

func windowKey(tenantID int, conversationID int64) string {
	return "window:" + strconv.Itoa(tenantID) + ":" + strconv.FormatInt(conversationID, 10)
}

// OpenWindow records that tenantID/conversationID now has a fresh 24h
// freeform-eligible window, called on every inbound message.
func (t *Tracker) OpenWindow(ctx context.Context, tenantID int, conversationID int64) error {
	return t.rdb.Set(ctx, windowKey(tenantID, conversationID), "1", windowTTL).Err()
}

// OpenWindowFromButtonClick opens a window the same way OpenWindow
// does. It is a distinct operation because a button click opens a
// window even when the conversation has no prior inbound message at
// all (spec.md §4.8 invariant i) — callers must not gate it on
// WindowOpen first.
func (t *Tracker) OpenWindowFromButtonClick(ctx context.Context, tenantID int, conversationID int64) error {
	return t.OpenWindow(ctx, tenantID, conversationID)
}

// WindowOpen reports whether tenantID/conversationID currently has a
// live freeform window.
func (t *Tracker) WindowOpen(ctx context.Context, tenantID int, conversationID int64) (bool, error) {
	n, err := t.rdb.Exists(ctx, windowKey(tenantID, conversationID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PickChannel returns the outbound channel Send should use. Callers
// handling a button-reply response must bypass this and force
// models.ChannelFreeform instead (spec.md §4.8 — the click itself just
// opened the window).
func (t *Tracker) PickChannel(ctx context.Context, tenantID int, conversationID int64) (string, error) {
	open, err := t.WindowOpen(ctx, tenantID, conversationID)
	if err != nil {
		return "", err
	}
	if open {
		return models.ChannelFreeform, nil
	}
	return models.ChannelTemplate, nil
}

// CacheOnTemplate stores the rich payload a customer would receive by
// clicking the just-sent template's quick-reply button. A newer call
// for the same conversation supersedes older unconsumed entries simply
// by being more recent — LatestLiveTemplateCacheEntry always picks the
// newest one (spec.md §4.8 invariant iii).
func (t *Tracker) CacheOnTemplate(tenantID int, conversationID int64, templateSID, friendlyName, payload string) error {
	entry := &models.TemplateCacheEntry{
		TenantID:       tenantID,
		ConversationID: conversationID,
		TemplateSID:    templateSID,
		FriendlyName:   friendlyName,
		Payload:        payload,
		ExpiresAt:      null.TimeFrom(time.Now().Add(cacheTTL)),
	}
	_, err := t.store.InsertTemplateCacheEntry(entry)
	return err
}

// ConsumeCached returns the most recent live cache entry for
// tenantID/conversationID and marks it delivered, or store.ErrNotFound
// if none qualifies (expired or already delivered).
func (t *Tracker) ConsumeCached(tenantID int, conversationID int64) (*models.TemplateCacheEntry, error) {
	entry, err := t.store.LatestLiveTemplateCacheEntry(tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if err := t.store.MarkTemplateCacheDelivered(tenantID, entry.ID); err != nil {
		return nil, err
	}
	entry.Delivered = true
	return entry, nil
}
