package models

import (
	null "gopkg.in/volatiletech/null.v6"
)

// ConversationSession marks one 24h billable session per
// (tenant, customer), running from StartedAt to ExpiresAt; later
// inbound messages do not extend it. A new inbound message outside the window starts
// a new session and counts against the tenant's monthly quota
// (spec.md §4.8).
type ConversationSession struct {
	ID              int64  `db:"id" json:"id"`
	TenantID        int    `db:"tenant_id" json:"tenant_id"`
	CustomerAddress string `db:"customer_address" json:"customer_address"`

	StartedAt null.Time `db:"started_at" json:"started_at"`
	ExpiresAt null.Time `db:"expires_at" json:"expires_at"`
}

// IsExpired reports whether at falls outside this session's window,
// meaning the next inbound message starts a new session.
func (s *ConversationSession) IsExpired(at null.Time) bool {
	if !s.ExpiresAt.Valid {
		return true
	}
	return !at.Time.Before(s.ExpiresAt.Time)
}

// MonthlyUsage is the per-tenant, per-calendar-month session counter
// consulted before a new ConversationSession is allowed to start.
// PeriodKey is "YYYY-MM" so the unique constraint on
// (tenant_id, period_key) lets concurrent first-session inserts for a
// month seed one row via ON CONFLICT DO NOTHING, then serialize on a
// SELECT ... FOR UPDATE lock of that row.
type MonthlyUsage struct {
	TenantID  int    `db:"tenant_id" json:"tenant_id"`
	PeriodKey string `db:"period_key" json:"period_key"`
	Sessions  int    `db:"sessions" json:"sessions"`
}

// ExceedsQuota reports whether starting one more session this period
// would exceed the tenant's monthly conversation limit. A limit of 0
// means unlimited.
func (u *MonthlyUsage) ExceedsQuota(limit int) bool {
	if limit <= 0 {
		return false
	}
	return u.Sessions >= limit
}
