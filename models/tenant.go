package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx/types"
	null "gopkg.in/volatiletech/null.v6"
)

// Tenant status values. A tenant resolves at most one active row per
// destination address; PENDING/REJECTED/INACTIVE never route traffic.
const (
	TenantStatusPending  = "pending"
	TenantStatusActive   = "active"
	TenantStatusRejected = "rejected"
	TenantStatusInactive = "inactive"
)

// TenantLimits holds the per-tenant rate and quota configuration
// consulted by the rate limiter and the session/quota tracker.
type TenantLimits struct {
	PerMinute            int `json:"per_minute"`
	PerDay               int `json:"per_day"`
	MonthlyConversations int `json:"monthly_conversations"`
}

// Scan implements sql.Scanner for TenantLimits stored as jsonb.
func (l *TenantLimits) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("invalid type %T for TenantLimits", src)
	}
	return json.Unmarshal(b, l)
}

// Value implements driver.Valuer for TenantLimits.
func (l TenantLimits) Value() (driver.Value, error) {
	return json.Marshal(l)
}

// Tenant is a restaurant bound to one sender address and one set of
// provider credentials (spec.md §3).
type Tenant struct {
	ID   int    `db:"id" json:"id"`
	UUID string `db:"uuid" json:"uuid"`

	DisplayName string `db:"display_name" json:"display_name"`

	// CanonicalSender is the tenant's WhatsApp sender address in
	// canonical +E164 form. ResolveByDestination matches on this.
	CanonicalSender string `db:"canonical_sender" json:"canonical_sender"`

	ProviderAccountID string `db:"provider_account_id" json:"provider_account_id"`

	// ProviderAuthSecret is encrypted at rest; never serialized to JSON.
	ProviderAuthSecret string `db:"provider_auth_secret" json:"-"`

	RequireSignature bool `db:"require_signature" json:"require_signature"`

	Active bool   `db:"active" json:"active"`
	Status string `db:"status" json:"status"`

	Limits TenantLimits `db:"limits" json:"limits"`

	Metadata types.JSONText `db:"metadata" json:"metadata,omitempty"`

	CreatedAt null.Time `db:"created_at" json:"created_at"`
	UpdatedAt null.Time `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the tenant may route or send traffic.
func (t *Tenant) IsActive() bool {
	return t.Active && t.Status == TenantStatusActive
}

// EffectivePerMinute returns the tenant's inbound/outbound per-minute
// limit, defaulting to 60 per spec.md §4.3 when unset.
func (t *Tenant) EffectivePerMinute() int {
	if t.Limits.PerMinute <= 0 {
		return 60
	}
	return t.Limits.PerMinute
}

// EffectiveMonthlyConversations returns the monthly session quota,
// with 0 meaning unlimited.
func (t *Tenant) EffectiveMonthlyConversations() int {
	return t.Limits.MonthlyConversations
}

// ensure driver.Valuer/sql.Scanner stay satisfied as the struct evolves.
var (
	_ driver.Valuer = TenantLimits{}
)
