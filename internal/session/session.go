// Package session decides whether an inbound message starts a new
// 24h billable conversation and enforces the tenant's monthly
// conversation quota (spec.md §4.8, §4.11). It implements
// internal/webhook.SessionTracker.
//
// Grounded on the teacher's count-then-compare limit checks in
// core/tenant_core.go (checkSubscriberLimit, checkCampaignLimit):
// the same "read current usage, compare against the tenant's
// configured limit, reject or proceed" shape, generalized here to a
// race-safe increment done inside the same transaction as the check
// (internal/store.TryIncrementMonthlyUsage), since two inbound
// messages for the same tenant can race to open the month's first
// session.
package session

import (
	"context"
	"errors"
	"time"

	null "gopkg.in/volatiletech/null.v6"

	"github.com/sufrah/wa-gateway/internal/store"
	"github.com/sufrah/wa-gateway/models"
)

// sessionWindow is how long a conversation session stays open before
// the next inbound message starts (and bills) a new one. It counts from
// the session's start: inbound messages inside an open session do not
// extend it.
const sessionWindow = 24 * time.Hour

// Store is the slice of internal/store.Store the tracker needs.
type Store interface {
	LatestSession(tenantID int, customerAddress string) (*models.ConversationSession, error)
	CreateSession(sess *models.ConversationSession) (int64, error)
	TryIncrementMonthlyUsage(tenantID int, periodKey string, limit int) (bool, error)
	MonthlyUsageCount(tenantID int, periodKey string) (int, error)
}

// TenantLoader resolves a tenant's configured monthly quota.
type TenantLoader interface {
	Load(id int) (*models.Tenant, error)
}

// Tracker implements webhook.SessionTracker.
type Tracker struct {
	Store   Store
	Tenants TenantLoader

	// Now returns the current time; overridable in tests.
	Now func() time.Time
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Touch implements webhook.SessionTracker. It reports whether this
// inbound message started a new billable session, and whether the
// tenant's monthly conversation quota is exhausted. A quota-exceeded
// inbound message is still accepted and its session still created —
// spec.md §4.11 is explicit that customer messages are never dropped
// for quota reasons; the caller instead suppresses bot automation and
// publishes quota.exceeded for that one message.
func (t *Tracker) Touch(ctx context.Context, tenantID int, customerAddress string) (started bool, quotaExceeded bool, err error) {
	now := t.now()

	existing, err := t.Store.LatestSession(tenantID, customerAddress)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, false, err
	}
	if existing != nil && !existing.IsExpired(null.TimeFrom(now)) {
		return false, false, nil
	}

	tenant, err := t.Tenants.Load(tenantID)
	if err != nil {
		return false, false, err
	}

	periodKey := now.Format("2006-01")
	allowed, err := t.Store.TryIncrementMonthlyUsage(tenantID, periodKey, tenant.EffectiveMonthlyConversations())
	if err != nil {
		return false, false, err
	}

	sess := &models.ConversationSession{
		TenantID:        tenantID,
		CustomerAddress: customerAddress,
		StartedAt:       null.TimeFrom(now),
		ExpiresAt:       null.TimeFrom(now.Add(sessionWindow)),
	}
	if _, err := t.Store.CreateSession(sess); err != nil {
		return false, false, err
	}
	return true, !allowed, nil
}

// QuotaExceeded reports whether tenantID has already exhausted its
// monthly conversation quota for the current period, independent of
// any particular customer's session. The explicit outbound send API
// calls this to reject new sends once the quota is spent (spec.md
// §4.11, §7).
func (t *Tracker) QuotaExceeded(ctx context.Context, tenantID int) (bool, error) {
	tenant, err := t.Tenants.Load(tenantID)
	if err != nil {
		return false, err
	}
	limit := tenant.EffectiveMonthlyConversations()
	if limit <= 0 {
		return false, nil
	}
	count, err := t.Store.MonthlyUsageCount(tenantID, t.now().Format("2006-01"))
	if err != nil {
		return false, err
	}
	return count >= limit, nil
}
