package models

import (
	null "gopkg.in/volatiletech/null.v6"
)

// Message direction.
const (
	DirectionIn  = "IN"
	DirectionOut = "OUT"
)

// Message channel — which 24h-window rule applied when it was sent.
const (
	ChannelFreeform = "freeform"
	ChannelTemplate = "template"
)

// Message kind — the tagged-variant payload this message carries.
// spec.md §9 replaces the source's dynamic duck-typed payloads with
// these explicit, parsed-once-at-the-boundary kinds.
const (
	KindText        = "text"
	KindInteractive = "interactive"
	KindLocation    = "location"
	KindTemplate    = "template"
	KindMedia       = "media"
	KindButton      = "button"
)

// TemplateDescriptor names both the raw provider template SID and a
// human-friendly display name. spec.md §9 flags that the source
// sometimes shows the raw SID as display content; the API is expected
// to always emit FriendlyName, never SID, to the dashboard.
type TemplateDescriptor struct {
	SID          string            `json:"sid"`
	FriendlyName string            `json:"friendly_name"`
	Language     string            `json:"language,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// LocationPayload is the parsed shape of a location-kind message.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// ButtonPayload is the parsed shape of a button-kind (interactive
// quick-reply) message.
type ButtonPayload struct {
	ID   string `json:"id"`
	Text string `json:"text,omitempty"`
}

// Message is a single inbound or outbound WhatsApp message belonging
// to a conversation. ProviderMessageID is globally unique when set;
// at most one row ever exists per provider retry (spec.md §3, §8
// invariant 1).
type Message struct {
	ID             int64  `db:"id" json:"id"`
	ConversationID int64  `db:"conversation_id" json:"conversation_id"`
	TenantID       int    `db:"tenant_id" json:"tenant_id"`
	Direction      string `db:"direction" json:"direction"`

	// ProviderMessageID is nullable for OUT messages before the send
	// completes, and unique once set.
	ProviderMessageID null.String `db:"provider_message_id" json:"provider_message_id,omitempty"`

	Channel string `db:"channel" json:"channel"`
	Kind    string `db:"kind" json:"kind"`

	Body string `db:"body" json:"body,omitempty"`

	MediaAddress null.String `db:"media_address" json:"media_address,omitempty"`

	// TemplateDescriptorJSON / LocationJSON / ButtonJSON hold the
	// kind-specific tagged payload, serialized. Exactly one of these
	// (matching Kind) is populated for interactive/location/button/
	// template messages; both are nil for plain text.
	TemplateDescriptorJSON []byte `db:"template_descriptor" json:"-"`
	LocationJSON           []byte `db:"location" json:"-"`
	ButtonJSON             []byte `db:"button" json:"-"`

	Metadata []byte `db:"metadata" json:"metadata,omitempty"`

	CreatedAt null.Time `db:"created_at" json:"created_at"`
}
