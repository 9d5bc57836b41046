package models

import (
	null "gopkg.in/volatiletech/null.v6"
)

// Conversation is unique per (tenant, customer address). It is created
// on first inbound and mutated on every message and on handover; it is
// never deleted while messages reference it (spec.md §3).
type Conversation struct {
	ID       int64 `db:"id" json:"id"`
	TenantID int   `db:"tenant_id" json:"tenant_id"`

	// CustomerAddress is the customer's canonical +E164 number.
	CustomerAddress string `db:"customer_address" json:"customer_address"`

	BotEnabled  bool `db:"bot_enabled" json:"bot_enabled"`
	UnreadCount int  `db:"unread_count" json:"unread_count"`

	LastMessageAt null.Time `db:"last_message_at" json:"last_message_at"`

	// State is the conversation state machine's current state
	// (see internal/statemachine).
	State string `db:"state" json:"state"`

	// FlowData carries accumulated checkout state: order type, staged
	// cart, selected address/branch, pending item, etc. Stored as JSON
	// so the state machine owns its shape without a schema migration
	// per field.
	FlowData []byte `db:"flow_data" json:"flow_data,omitempty"`

	CreatedAt null.Time `db:"created_at" json:"created_at"`
	UpdatedAt null.Time `db:"updated_at" json:"updated_at"`
}

// TouchOnInbound applies the mutation every inbound message makes to a
// conversation: last-message time bumps monotonically, unread count
// increments.
func (c *Conversation) TouchOnInbound(at null.Time) {
	if !c.LastMessageAt.Valid || at.Time.After(c.LastMessageAt.Time) {
		c.LastMessageAt = at
	}
	c.UnreadCount++
}

// TouchOnOutbound applies the mutation every outbound send makes: the
// last-message time bumps, but unread count is untouched (the bot or
// an agent, not the customer, produced it).
func (c *Conversation) TouchOnOutbound(at null.Time) {
	if !c.LastMessageAt.Valid || at.Time.After(c.LastMessageAt.Time) {
		c.LastMessageAt = at
	}
}
