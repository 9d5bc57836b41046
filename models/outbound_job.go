package models

import (
	"strconv"

	null "gopkg.in/volatiletech/null.v6"
)

// OutboundJob statuses. Terminal states are SENT and DEAD_LETTER.
const (
	OutboundStatusQueued     = "QUEUED"
	OutboundStatusSending    = "SENDING"
	OutboundStatusSent       = "SENT"
	OutboundStatusRetrying   = "RETRYING"
	OutboundStatusDeadLetter = "DEAD_LETTER"
)

// OutboundJob is one unit of work handed to the outbound worker pool.
// It is keyed for FIFO ordering by (TenantID, ConversationID) so two
// jobs for the same conversation never race each other, while jobs
// for different conversations of the same tenant may run concurrently
// up to the tenant's concurrency cap (spec.md §4.7).
type OutboundJob struct {
	ID             int64 `db:"id" json:"id"`
	TenantID       int   `db:"tenant_id" json:"tenant_id"`
	ConversationID int64 `db:"conversation_id" json:"conversation_id"`
	MessageID      int64 `db:"message_id" json:"message_id"`

	Status string `db:"status" json:"status"`

	Attempts    int `db:"attempts" json:"attempts"`
	MaxAttempts int `db:"max_attempts" json:"max_attempts"`

	LastError null.String `db:"last_error" json:"last_error,omitempty"`

	NotBefore null.Time `db:"not_before" json:"not_before,omitempty"`

	CreatedAt null.Time `db:"created_at" json:"created_at"`
	UpdatedAt null.Time `db:"updated_at" json:"updated_at"`
}

// FIFOKey is the per-conversation serialization key used by the
// outbound manager to route jobs to a single-flight sub-queue.
func (j *OutboundJob) FIFOKey() string {
	return strconv.Itoa(j.TenantID) + ":" + strconv.FormatInt(j.ConversationID, 10)
}
