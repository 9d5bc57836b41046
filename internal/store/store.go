// Package store persists conversations, messages, and orders,
// tenant-scoped and idempotent (spec.md §3, §4.4). It follows the
// teacher's tenant-scoped sqlx wrapper idiom: every method takes an
// explicit tenantID and filters on it rather than relying solely on
// row-level security, since a bug in the RLS policy should not be the
// only thing standing between tenants' data.
package store

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/sufrah/wa-gateway/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps a *sqlx.DB with conversation/message/order operations.
type Store struct {
	db *sqlx.DB
}

// New returns a Store backed by db.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// GetOrCreateConversation returns the conversation for (tenantID,
// customerAddress), creating it in state NEW if none exists yet.
// Concurrent first-contact inbound messages race the unique
// constraint on (tenant_id, customer_address); the loser simply
// re-fetches the winner's row, mirroring the teacher's ON CONFLICT
// DO UPDATE settings upsert.
func (s *Store) GetOrCreateConversation(tenantID int, customerAddress string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.Get(&c, `
		SELECT * FROM conversations WHERE tenant_id = $1 AND customer_address = $2`,
		tenantID, customerAddress)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	err = s.db.Get(&c, `
		INSERT INTO conversations (tenant_id, customer_address, bot_enabled, state, created_at, updated_at)
		VALUES ($1, $2, true, 'NEW', now(), now())
		ON CONFLICT (tenant_id, customer_address) DO UPDATE SET updated_at = conversations.updated_at
		RETURNING *`, tenantID, customerAddress)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversation fetches a conversation by ID, scoped to tenantID.
func (s *Store) GetConversation(tenantID int, id int64) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.Get(&c, `SELECT * FROM conversations WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateConversationState persists the conversation's state-machine
// state and flow data.
func (s *Store) UpdateConversationState(tenantID int, id int64, state string, flowData []byte) error {
	res, err := s.db.Exec(`
		UPDATE conversations SET state = $1, flow_data = $2, updated_at = now()
		WHERE tenant_id = $3 AND id = $4`, state, flowData, tenantID, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// TouchConversation applies an inbound or outbound touch and persists
// the resulting last-message-at / unread-count.
func (s *Store) TouchConversation(tenantID int, c *models.Conversation) error {
	_, err := s.db.Exec(`
		UPDATE conversations
		SET last_message_at = $1, unread_count = $2, updated_at = now()
		WHERE tenant_id = $3 AND id = $4`,
		c.LastMessageAt, c.UnreadCount, tenantID, c.ID)
	return err
}

// SetBotEnabled flips the human-handover toggle for a conversation.
func (s *Store) SetBotEnabled(tenantID int, id int64, enabled bool) error {
	res, err := s.db.Exec(`
		UPDATE conversations SET bot_enabled = $1, updated_at = now()
		WHERE tenant_id = $2 AND id = $3`, enabled, tenantID, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// InsertMessage persists a message. For OUT messages ProviderMessageID
// is typically empty at insert time and populated later via
// SetMessageProviderID once the provider accepts the send. For IN
// messages with a ProviderMessageID already set, a unique-constraint
// violation means another process beat this one to the same provider
// message — the caller should treat that as a duplicate, matching the
// idempotency guard's fast-path semantics as the durable second line
// of defense (spec.md §8 invariant 1).
func (s *Store) InsertMessage(m *models.Message) (int64, error) {
	var id int64
	err := s.db.QueryRow(`
		INSERT INTO messages (
			conversation_id, tenant_id, direction, provider_message_id,
			channel, kind, body, media_address, template_descriptor,
			location, button, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now())
		RETURNING id`,
		m.ConversationID, m.TenantID, m.Direction, m.ProviderMessageID,
		m.Channel, m.Kind, m.Body, m.MediaAddress, m.TemplateDescriptorJSON,
		m.LocationJSON, m.ButtonJSON, m.Metadata,
	).Scan(&id)
	return id, err
}

// SetMessageProviderID records the provider-assigned ID once an
// outbound send completes.
func (s *Store) SetMessageProviderID(tenantID int, messageID int64, providerMessageID string) error {
	res, err := s.db.Exec(`
		UPDATE messages SET provider_message_id = $1
		WHERE tenant_id = $2 AND id = $3`, providerMessageID, tenantID, messageID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// ListMessages returns the most recent messages for a conversation,
// oldest first, limited to limit rows.
func (s *Store) ListMessages(tenantID int, conversationID int64, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.Select(&msgs, `
		SELECT * FROM (
			SELECT * FROM messages
			WHERE tenant_id = $1 AND conversation_id = $2
			ORDER BY created_at DESC LIMIT $3
		) recent ORDER BY created_at ASC`, tenantID, conversationID, limit)
	return msgs, err
}

// CreateOrder creates a DRAFT order for a conversation.
func (s *Store) CreateOrder(o *models.Order) (int64, error) {
	var id int64
	err := s.db.QueryRow(`
		INSERT INTO orders (
			conversation_id, tenant_id, status, order_type, items,
			total_minor, currency, delivery_address, branch_id,
			payment_method, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now(), now())
		RETURNING id`,
		o.ConversationID, o.TenantID, o.Status, o.OrderType, o.Items,
		o.TotalMinor, o.Currency, o.DeliveryAddress, o.BranchID, o.PaymentMethod,
	).Scan(&id)
	return id, err
}

// GetOrder fetches an order scoped to tenantID.
func (s *Store) GetOrder(tenantID int, id int64) (*models.Order, error) {
	var o models.Order
	err := s.db.Get(&o, `SELECT * FROM orders WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &o, err
}

// ErrInvalidTransition is returned when a requested order status
// change violates the monotonic transition invariant.
var ErrInvalidTransition = errors.New("store: invalid order status transition")

// TransitionOrder moves an order to nextStatus, enforcing
// models.CanTransition atomically against the row's current status.
func (s *Store) TransitionOrder(tenantID int, id int64, nextStatus string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cur string
	if err := tx.Get(&cur, `
		SELECT status FROM orders WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	if !models.CanTransition(cur, nextStatus) {
		return ErrInvalidTransition
	}

	if _, err := tx.Exec(`
		UPDATE orders SET status = $1, updated_at = now()
		WHERE tenant_id = $2 AND id = $3`, nextStatus, tenantID, id); err != nil {
		return err
	}

	return tx.Commit()
}

// LogWebhook writes an append-only audit row for an inbound provider
// callback.
func (s *Store) LogWebhook(l *models.WebhookLog) error {
	payload := l.RawPayload
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := s.db.Exec(`
		INSERT INTO webhook_logs (
			tenant_id, trace_id, provider_message_id, result, failure_kind,
			remote_addr, raw_payload, received_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7, now())`,
		l.TenantID, l.TraceID, l.ProviderMessageID, l.Result, l.FailureKind, l.RemoteAddr, payload)
	return err
}

// EnqueueBootstrapJob persists a prefetch job, triggered by the first
// successful welcome send to a (tenant, customer) (spec.md §4.12).
func (s *Store) EnqueueBootstrapJob(j *models.BootstrapJob) (int64, error) {
	var id int64
	err := s.db.QueryRow(`
		INSERT INTO bootstrap_jobs (
			tenant_id, conversation_id, customer_address, kind,
			status, attempts, max_attempts, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,0,3, now(), now())
		RETURNING id`,
		j.TenantID, j.ConversationID, j.CustomerAddress, j.Kind, models.BootstrapStatusPending,
	).Scan(&id)
	return id, err
}

// MarkBootstrapRunning flags a prefetch job as claimed by a worker.
func (s *Store) MarkBootstrapRunning(tenantID int, id int64) error {
	res, err := s.db.Exec(`
		UPDATE bootstrap_jobs SET status = $1, updated_at = now()
		WHERE tenant_id = $2 AND id = $3`,
		models.BootstrapStatusRunning, tenantID, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// MarkBootstrapDone flags a prefetch job as having warmed its catalog
// successfully.
func (s *Store) MarkBootstrapDone(tenantID int, id int64) error {
	res, err := s.db.Exec(`
		UPDATE bootstrap_jobs SET status = $1, updated_at = now()
		WHERE tenant_id = $2 AND id = $3`,
		models.BootstrapStatusDone, tenantID, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// MarkBootstrapRetrying records a failed attempt that still has
// retries left (spec.md §4.12: retried up to MaxAttempts).
func (s *Store) MarkBootstrapRetrying(tenantID int, id int64, lastError string) error {
	res, err := s.db.Exec(`
		UPDATE bootstrap_jobs
		SET status = $1, attempts = attempts + 1, last_error = $2, updated_at = now()
		WHERE tenant_id = $3 AND id = $4`,
		models.BootstrapStatusPending, lastError, tenantID, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// MarkBootstrapFailed records that a prefetch job exhausted its retry
// budget. It is never surfaced to the customer (spec.md §4.12).
func (s *Store) MarkBootstrapFailed(tenantID int, id int64, lastError string) error {
	res, err := s.db.Exec(`
		UPDATE bootstrap_jobs
		SET status = $1, attempts = attempts + 1, last_error = $2, updated_at = now()
		WHERE tenant_id = $3 AND id = $4`,
		models.BootstrapStatusFailed, lastError, tenantID, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// InsertTemplateCacheEntry persists the payload behind a template send
// so a later button click can resolve back to it (spec.md §4.8).
func (s *Store) InsertTemplateCacheEntry(e *models.TemplateCacheEntry) (int64, error) {
	var id int64
	err := s.db.QueryRow(`
		INSERT INTO template_cache_entries (
			tenant_id, conversation_id, template_sid, friendly_name,
			payload, delivered, created_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,false, now(), $6)
		RETURNING id`,
		e.TenantID, e.ConversationID, e.TemplateSID, e.FriendlyName, e.Payload, e.ExpiresAt,
	).Scan(&id)
	return id, err
}

// LatestLiveTemplateCacheEntry returns the most recent non-expired,
// not-yet-delivered cache entry for (tenantID, conversationID), or
// ErrNotFound if none qualifies (spec.md §4.8 invariant iii: newest
// unconsumed entry wins).
func (s *Store) LatestLiveTemplateCacheEntry(tenantID int, conversationID int64) (*models.TemplateCacheEntry, error) {
	var e models.TemplateCacheEntry
	err := s.db.Get(&e, `
		SELECT * FROM template_cache_entries
		WHERE tenant_id = $1 AND conversation_id = $2 AND delivered = false AND expires_at > now()
		ORDER BY created_at DESC LIMIT 1`, tenantID, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkTemplateCacheDelivered marks a cache entry consumed, a terminal
// state that is never re-consumed (spec.md §4.8 invariant iv).
func (s *Store) MarkTemplateCacheDelivered(tenantID int, id int64) error {
	res, err := s.db.Exec(`
		UPDATE template_cache_entries SET delivered = true
		WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// EnqueueOutboundJob persists a queued outbound job for later pickup
// by internal/manager's worker pool.
func (s *Store) EnqueueOutboundJob(j *models.OutboundJob) (int64, error) {
	var id int64
	err := s.db.QueryRow(`
		INSERT INTO outbound_jobs (
			tenant_id, conversation_id, message_id, status, attempts, created_at, updated_at
		) VALUES ($1,$2,$3,$4,0, now(), now())
		RETURNING id`,
		j.TenantID, j.ConversationID, j.MessageID, models.OutboundStatusQueued,
	).Scan(&id)
	return id, err
}

// MarkOutboundSent records a successful provider send and the
// resulting provider message ID, scoped to tenantID.
func (s *Store) MarkOutboundSent(tenantID int, jobID int64, providerMessageID string) error {
	res, err := s.db.Exec(`
		UPDATE outbound_jobs
		SET status = $1, provider_message_id = $2, updated_at = now()
		WHERE tenant_id = $3 AND id = $4`,
		models.OutboundStatusSent, providerMessageID, tenantID, jobID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// MarkOutboundRetrying increments the attempt counter and records the
// last failure reason after a send attempt fails but retries remain.
func (s *Store) MarkOutboundRetrying(tenantID int, jobID int64, lastError string) error {
	res, err := s.db.Exec(`
		UPDATE outbound_jobs
		SET status = $1, attempts = attempts + 1, last_error = $2, updated_at = now()
		WHERE tenant_id = $3 AND id = $4`,
		models.OutboundStatusRetrying, lastError, tenantID, jobID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// MarkOutboundDeadLetter moves a job to DEAD_LETTER once retries are
// exhausted, so it stops being picked up but remains inspectable.
func (s *Store) MarkOutboundDeadLetter(tenantID int, jobID int64, lastError string) error {
	res, err := s.db.Exec(`
		UPDATE outbound_jobs
		SET status = $1, attempts = attempts + 1, last_error = $2, updated_at = now()
		WHERE tenant_id = $3 AND id = $4`,
		models.OutboundStatusDeadLetter, lastError, tenantID, jobID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// LatestSession returns the most recent billable session for a
// (tenant, customer), or ErrNotFound if none has ever started.
func (s *Store) LatestSession(tenantID int, customerAddress string) (*models.ConversationSession, error) {
	var sess models.ConversationSession
	err := s.db.Get(&sess, `
		SELECT * FROM conversation_sessions
		WHERE tenant_id = $1 AND customer_address = $2
		ORDER BY started_at DESC LIMIT 1`, tenantID, customerAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateSession opens a new session row.
func (s *Store) CreateSession(sess *models.ConversationSession) (int64, error) {
	var id int64
	err := s.db.QueryRow(`
		INSERT INTO conversation_sessions (tenant_id, customer_address, started_at, expires_at)
		VALUES ($1,$2,$3,$4)
		RETURNING id`,
		sess.TenantID, sess.CustomerAddress, sess.StartedAt, sess.ExpiresAt,
	).Scan(&id)
	return id, err
}

// TryIncrementMonthlyUsage atomically checks a tenant's monthly session
// quota and, if starting one more session would not exceed it,
// increments the counter in the same transaction. The row-level lock
// makes concurrent first-session-of-the-month inserts for one tenant
// race-safe (spec.md §4.8).
func (s *Store) TryIncrementMonthlyUsage(tenantID int, periodKey string, limit int) (allowed bool, err error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO monthly_usage (tenant_id, period_key, sessions)
		VALUES ($1,$2,0)
		ON CONFLICT (tenant_id, period_key) DO NOTHING`, tenantID, periodKey); err != nil {
		return false, err
	}

	var usage models.MonthlyUsage
	if err := tx.Get(&usage, `
		SELECT * FROM monthly_usage
		WHERE tenant_id = $1 AND period_key = $2 FOR UPDATE`, tenantID, periodKey); err != nil {
		return false, err
	}

	if usage.ExceedsQuota(limit) {
		return false, nil
	}

	if _, err := tx.Exec(`
		UPDATE monthly_usage SET sessions = sessions + 1
		WHERE tenant_id = $1 AND period_key = $2`, tenantID, periodKey); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// MonthlyUsageCount returns the current session count for tenantID in
// periodKey ("YYYY-MM"), or 0 if no row exists yet for that period.
func (s *Store) MonthlyUsageCount(tenantID int, periodKey string) (int, error) {
	var usage models.MonthlyUsage
	err := s.db.Get(&usage, `
		SELECT * FROM monthly_usage
		WHERE tenant_id = $1 AND period_key = $2`, tenantID, periodKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return usage.Sessions, nil
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
