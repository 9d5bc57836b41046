package models

import (
	null "gopkg.in/volatiletech/null.v6"
)

// WebhookLog result outcomes, recorded for every inbound delivery
// attempt regardless of how processing ended (spec.md §4.1, §6).
const (
	WebhookResultAccepted  = "accepted"
	WebhookResultDuplicate = "duplicate"
	WebhookResultRejected  = "rejected"
	WebhookResultError     = "error"
)

// WebhookLog is an append-only audit row written once per inbound
// provider callback, independent of whether it produced a Message. It
// is never updated after insert.
type WebhookLog struct {
	ID       int64 `db:"id" json:"id"`
	TenantID null.Int `db:"tenant_id" json:"tenant_id,omitempty"`

	// TraceID is a request-scoped correlation ID, independent of any
	// provider message ID, so a single callback's audit row can be
	// found by support even when the payload was too malformed to
	// extract a provider_message_id from.
	TraceID string `db:"trace_id" json:"trace_id"`

	ProviderMessageID null.String `db:"provider_message_id" json:"provider_message_id,omitempty"`

	Result       string      `db:"result" json:"result"`
	FailureKind  null.String `db:"failure_kind" json:"failure_kind,omitempty"`
	RemoteAddr   null.String `db:"remote_addr" json:"remote_addr,omitempty"`

	// RawPayload is the verbatim provider body, kept for replay/audit.
	RawPayload []byte `db:"raw_payload" json:"-"`

	ReceivedAt null.Time `db:"received_at" json:"received_at"`
}
