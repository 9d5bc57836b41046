package models

import (
	null "gopkg.in/volatiletech/null.v6"
)

// TemplateCacheEntry remembers an outbound template send so that a
// customer's subsequent button click can be resolved back to the
// template that produced it, even after the 24h freeform window has
// lapsed. Entries live for 48h (spec.md §4.10) and are consumed on
// click by marking them Delivered rather than deleting the row; a
// delivered entry does not resolve a later click.
type TemplateCacheEntry struct {
	ID             int64  `db:"id" json:"id"`
	TenantID       int    `db:"tenant_id" json:"tenant_id"`
	ConversationID int64  `db:"conversation_id" json:"conversation_id"`

	TemplateSID  string `db:"template_sid" json:"template_sid"`
	FriendlyName string `db:"friendly_name" json:"friendly_name"`

	// Payload is the rich text/body the customer receives when their
	// button click resolves back to this entry.
	Payload string `db:"payload" json:"payload"`

	// Delivered is set once ConsumeCached has returned this entry to a
	// button click; it is then terminal and never returned again
	// (spec.md §4.8 invariant iv).
	Delivered bool `db:"delivered" json:"delivered"`

	CreatedAt null.Time `db:"created_at" json:"created_at"`
	ExpiresAt null.Time `db:"expires_at" json:"expires_at"`
}

// IsLive reports whether a button click at `at` may still consume
// this cache entry.
func (e *TemplateCacheEntry) IsLive(at null.Time) bool {
	return e.ExpiresAt.Valid && at.Time.Before(e.ExpiresAt.Time)
}
