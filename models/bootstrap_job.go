package models

import (
	null "gopkg.in/volatiletech/null.v6"
)

// BootstrapJob statuses.
const (
	BootstrapStatusPending = "PENDING"
	BootstrapStatusRunning = "RUNNING"
	BootstrapStatusDone    = "DONE"
	BootstrapStatusFailed  = "FAILED"
)

// BootstrapKind names what the prefetch worker fetches. Only menu and
// branch catalogs are modeled; fetching their contents from the
// upstream ordering system is out of scope (spec.md §1 Non-goals) —
// BootstrapJob only tracks that a fetch was attempted.
const (
	BootstrapKindMenu     = "menu"
	BootstrapKindBranches = "branches"
)

// BootstrapJob is enqueued on the first successful welcome send to a
// (tenant, customer), so the tenant's catalogs are warm before the
// customer starts browsing. Failures are retried up to MaxAttempts and
// never surfaced to the customer (spec.md §4.12).
type BootstrapJob struct {
	ID             int64  `db:"id" json:"id"`
	TenantID       int    `db:"tenant_id" json:"tenant_id"`
	ConversationID int64  `db:"conversation_id" json:"conversation_id"`
	CustomerAddress string `db:"customer_address" json:"customer_address"`
	Kind           string `db:"kind" json:"kind"`

	Status      string `db:"status" json:"status"`
	Attempts    int    `db:"attempts" json:"attempts"`
	MaxAttempts int    `db:"max_attempts" json:"max_attempts"`

	LastError null.String `db:"last_error" json:"last_error,omitempty"`

	CreatedAt null.Time `db:"created_at" json:"created_at"`
	UpdatedAt null.Time `db:"updated_at" json:"updated_at"`
}

// Exhausted reports whether the job has used up its retry budget and
// should move to FAILED without further attempts.
func (j *BootstrapJob) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}
