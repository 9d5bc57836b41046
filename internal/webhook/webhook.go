// Package webhook implements the inbound provider callback pipeline
// and the internal outbound send API (spec.md §4.1, §4.7, §4.8).
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	null "gopkg.in/volatiletech/null.v6"

	"github.com/labstack/echo/v4"

	"github.com/sufrah/wa-gateway/internal/eventbus"
	"github.com/sufrah/wa-gateway/internal/idempotency"
	"github.com/sufrah/wa-gateway/internal/identity"
	"github.com/sufrah/wa-gateway/internal/media"
	"github.com/sufrah/wa-gateway/internal/ratelimit"
	"github.com/sufrah/wa-gateway/internal/store"
	"github.com/sufrah/wa-gateway/internal/tenant"
	"github.com/sufrah/wa-gateway/models"
)

// SessionTracker decides whether an inbound message starts a new
// billable session and enforces the tenant's monthly quota
// (implemented by internal/session).
type SessionTracker interface {
	Touch(ctx context.Context, tenantID int, customerAddress string) (started bool, quotaExceeded bool, err error)
	QuotaExceeded(ctx context.Context, tenantID int) (bool, error)
}

// Dispatcher hands a freshly persisted inbound message to the
// conversation state machine (implemented by internal/statemachine).
// It never returns an error to the customer — failures are logged and
// swallowed so a state-machine bug never blocks webhook ingestion.
type Dispatcher interface {
	Handle(ctx context.Context, t *models.Tenant, conv *models.Conversation, msg *models.Message) error
}

// AutomationToggle is the global kill switch `POST /bot/toggle` flips
// (implemented by internal/automation.Toggle). A nil AutomationToggle
// on Handler means automation is always on.
type AutomationToggle interface {
	Enabled() bool
}

// OutboundSender queues an explicit, caller-requested outbound send,
// gated by the messaging window (implemented by internal/outbox.Box's
// Send method).
type OutboundSender interface {
	Send(ctx context.Context, tenantID int, conv *models.Conversation, body string, descriptor *models.TemplateDescriptor) (channel string, jobID int64, err error)
}

// Handler wires the full inbound pipeline: content-type check,
// tenant resolution, signature verification, rate limiting,
// idempotency, persistence, publish, and state-machine dispatch.
type Handler struct {
	Tenants    *tenant.Registry
	Idem       *idempotency.Guard
	Limiter    *ratelimit.Limiter
	Store      *store.Store
	Bus        *eventbus.Bus
	Sessions   SessionTracker
	Dispatch   Dispatcher
	Automation AutomationToggle
	Outbound   OutboundSender
	Log        *log.Logger
	SendToken  string // HMAC secret for the outbound send API's bearer tokens
}

// InboundPath is the single inbound callback route (spec.md §9: the
// legacy `/webhook` alias from the original source is not carried
// forward).
const InboundPath = "/whatsapp/webhook"

// RegisterRoutes attaches the inbound callback and outbound send API
// routes to an echo group.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET(InboundPath, h.handleVerify)
	e.POST(InboundPath, h.handleInbound)

	send := e.Group("/api/send", BearerAuth(h.SendToken))
	send.POST("", h.handleSend)
}

// handleVerify answers the provider's webhook verification handshake:
// it must echo back hub.challenge when hub.verify_token matches the
// resolving tenant's configured token (spec.md §4.1 edge case).
func (h *Handler) handleVerify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")

	if mode != "subscribe" || token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid verification request")
	}

	for _, raw := range []string{c.QueryParam("to"), token} {
		if raw == "" {
			continue
		}
		if t, err := h.Tenants.ResolveByDestination(raw); err == nil {
			if verifyToken(t) == token {
				return c.String(http.StatusOK, challenge)
			}
		}
	}

	return echo.NewHTTPError(http.StatusForbidden, "verify token mismatch")
}

func verifyToken(t *models.Tenant) string {
	var meta struct {
		VerifyToken string `json:"verify_token"`
	}
	if len(t.Metadata) > 0 {
		_ = json.Unmarshal(t.Metadata, &meta)
	}
	return meta.VerifyToken
}

// handleInbound runs the inbound pipeline for one provider callback:
// content-type check, tenant resolution, signature verification, rate
// limiting, dedupe, persist, publish, dispatch. Every rejection before
// the idempotency claim returns the status code the provider's retry
// logic expects instead of a blanket 200. A duplicate gets 200, and so
// does every message that wins the claim, including one whose
// persistence in processOne then fails (spec.md §7, §9).
func (h *Handler) handleInbound(c echo.Context) error {
	ctx := c.Request().Context()
	req := c.Request()

	mediaType, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		h.logWebhook(null.Int{}, "", models.WebhookResultRejected, "unsupported_media_type", c, nil)
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "expected form-encoded body")
	}
	if err := req.ParseForm(); err != nil {
		h.logWebhook(null.Int{}, "", models.WebhookResultRejected, "malformed_form", c, nil)
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "malformed form body")
	}
	form := req.PostForm

	if ok, err := h.Limiter.Allow(ctx, ratelimit.ScopeGlobalWebhook, "global", ratelimit.GlobalWebhookLimit); err != nil || !ok {
		h.logWebhook(null.Int{}, form.Get("MessageSid"), models.WebhookResultRejected, "global_rate_limited", c, form)
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limited")
	}

	im, err := ParseInbound(form)
	if err != nil {
		h.logWebhook(null.Int{}, form.Get("MessageSid"), models.WebhookResultRejected, "malformed_payload", c, form)
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}

	t, err := h.Tenants.ResolveByDestination(im.ToAddress)
	if err != nil {
		h.logWebhook(null.Int{}, im.ProviderMessageID, models.WebhookResultRejected, "tenant_not_found", c, form)
		return echo.NewHTTPError(http.StatusNotFound, "tenant not found")
	}

	if t.RequireSignature {
		sig := req.Header.Get(SignatureHeader)
		if err := VerifySignature(sig, t.ProviderAuthSecret, fullURL(req), form); err != nil {
			h.logWebhook(null.IntFrom(int64(t.ID)), im.ProviderMessageID, models.WebhookResultRejected, "bad_signature", c, form)
			return echo.NewHTTPError(http.StatusForbidden, "signature mismatch")
		}
	}

	if ok, err := h.Limiter.Allow(ctx, ratelimit.ScopeTenantMinute, strconv.Itoa(t.ID), t.EffectivePerMinute()); err != nil || !ok {
		h.logWebhook(null.IntFrom(int64(t.ID)), im.ProviderMessageID, models.WebhookResultRejected, "tenant_rate_limited", c, form)
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limited")
	}

	fromAddr, err := identity.Canonicalize(im.FromAddress)
	if err != nil {
		h.logWebhook(null.IntFrom(int64(t.ID)), im.ProviderMessageID, models.WebhookResultRejected, "bad_address", c, form)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sender address")
	}

	if ok, err := h.Limiter.Allow(ctx, ratelimit.ScopeCustomerMinute, fromAddr, 20); err != nil || !ok {
		h.logWebhook(null.IntFrom(int64(t.ID)), im.ProviderMessageID, models.WebhookResultRejected, "customer_rate_limited", c, form)
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limited")
	}

	if im.ProviderMessageID != "" {
		acquired, err := h.Idem.TryAcquire(ctx, t.ID, im.ProviderMessageID)
		if err != nil {
			h.logWebhook(null.IntFrom(int64(t.ID)), im.ProviderMessageID, models.WebhookResultError, "idempotency_error", c, form)
			return echo.NewHTTPError(http.StatusInternalServerError, "idempotency check failed")
		}
		if !acquired {
			h.logWebhook(null.IntFrom(int64(t.ID)), im.ProviderMessageID, models.WebhookResultDuplicate, "", c, form)
			return c.NoContent(http.StatusOK)
		}
	}

	h.processOne(ctx, c, form, t, fromAddr, im)
	return c.NoContent(http.StatusOK)
}

func fullURL(req *http.Request) string {
	scheme := "https"
	if req.TLS == nil && req.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s%s", scheme, req.Host, req.URL.RequestURI())
}

// processOne persists the inbound message and its conversation-level
// side effects. A tenant that has exhausted its monthly quota still
// gets its message persisted and acknowledged (spec.md §4.11 — never
// drop a customer message for quota reasons) but automation dispatch
// is suppressed and quota.exceeded is published instead of the usual
// message.received/conversation.updated pair being followed by a
// dispatch.
func (h *Handler) processOne(ctx context.Context, c echo.Context, form map[string][]string, t *models.Tenant, fromAddr string, im InboundMessage) {
	quotaExceeded := false
	if h.Sessions != nil {
		_, exceeded, err := h.Sessions.Touch(ctx, t.ID, fromAddr)
		if err != nil {
			h.logWebhook(null.IntFrom(int64(t.ID)), im.ProviderMessageID, models.WebhookResultError, "session_error", c, form)
			return
		}
		quotaExceeded = exceeded
	}

	conv, err := h.Store.GetOrCreateConversation(t.ID, fromAddr)
	if err != nil {
		// PersistenceFailure after idempotency commit: accept, log, and
		// let reconciliation pick it up later (spec.md §7) — the
		// provider must not be asked to retry a message we already
		// deduped.
		h.logWebhook(null.IntFrom(int64(t.ID)), im.ProviderMessageID, models.WebhookResultError, "store_error", c, form)
		return
	}

	now := null.TimeFrom(time.Now())
	conv.TouchOnInbound(now)

	mediaAddr := im.MediaAddress
	if im.Kind == models.KindMedia && mediaAddr != "" {
		mediaAddr = media.Address(t.ID, mediaAddr)
	}

	msg := &models.Message{
		ConversationID:    conv.ID,
		TenantID:          t.ID,
		Direction:         models.DirectionIn,
		ProviderMessageID: null.StringFrom(im.ProviderMessageID),
		Channel:           models.ChannelFreeform,
		Kind:              im.Kind,
		Body:              im.Body,
		MediaAddress:      null.NewString(mediaAddr, mediaAddr != ""),
		LocationJSON:      im.LocationJSON,
		ButtonJSON:        im.ButtonJSON,
		CreatedAt:         now,
	}

	msgID, err := h.Store.InsertMessage(msg)
	if err != nil {
		h.logWebhook(null.IntFrom(int64(t.ID)), im.ProviderMessageID, models.WebhookResultError, "insert_failed", c, form)
		return
	}
	msg.ID = msgID

	if err := h.Store.TouchConversation(t.ID, conv); err != nil && h.Log != nil {
		h.Log.Printf("webhook: touch conversation %d failed: %v", conv.ID, err)
	}

	h.logWebhook(null.IntFrom(int64(t.ID)), im.ProviderMessageID, models.WebhookResultAccepted, "", c, form)

	if h.Bus != nil {
		_ = h.Bus.PublishEvent(ctx, t.ID, eventbus.EventMessageReceived, msg)
		_ = h.Bus.PublishEvent(ctx, t.ID, eventbus.EventConversationUpdated, conv)
	}

	if quotaExceeded {
		if h.Bus != nil {
			_ = h.Bus.PublishEvent(ctx, t.ID, eventbus.EventQuotaExceeded, map[string]any{
				"conversationId": conv.ID,
				"customerAddress": fromAddr,
			})
		}
		return
	}

	if conv.BotEnabled && h.Dispatch != nil && (h.Automation == nil || h.Automation.Enabled()) {
		if err := h.Dispatch.Handle(ctx, t, conv, msg); err != nil && h.Log != nil {
			h.Log.Printf("webhook: dispatch failed for conversation %d: %v", conv.ID, err)
		}
	}
}

func (h *Handler) logWebhook(tenantID null.Int, providerMessageID, result, failureKind string, c echo.Context, form map[string][]string) {
	if h.Store == nil {
		return
	}
	raw, _ := json.Marshal(form)
	l := &models.WebhookLog{
		TenantID:          tenantID,
		TraceID:           uuid.Must(uuid.NewV4()).String(),
		ProviderMessageID: null.NewString(providerMessageID, providerMessageID != ""),
		Result:            result,
		FailureKind:       null.NewString(failureKind, failureKind != ""),
		RemoteAddr:        null.StringFrom(c.RealIP()),
		RawPayload:        raw,
	}
	if err := h.Store.LogWebhook(l); err != nil && h.Log != nil {
		h.Log.Printf("webhook: failed to write audit log: %v", err)
	}
}

// sendRequest is the outbound send API's request body.
type sendRequest struct {
	ConversationID int64                      `json:"conversation_id"`
	Body           string                     `json:"body,omitempty"`
	Template       *models.TemplateDescriptor `json:"template,omitempty"`
}

// sendResult is the outbound send API's response body (spec.md §6).
type sendResult struct {
	Status     string `json:"status"`
	Channel    string `json:"channel,omitempty"`
	ProviderID string `json:"providerId,omitempty"`
	JobID      int64  `json:"jobId,omitempty"`
}

// handleSend implements the explicit Send(tenant,customer,payload)
// operation (spec.md §4.8): it picks the outbound channel via the
// messaging window, queues the message, and returns its queued job
// identity. The caller's bearer token scopes it to one tenant; the
// conversation itself must also belong to that tenant.
func (h *Handler) handleSend(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, ok := AuthorizedTenantID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no tenant scope")
	}

	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ConversationID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation_id is required")
	}

	if h.Sessions != nil {
		exceeded, err := h.Sessions.QuotaExceeded(ctx, tenantID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "quota check failed")
		}
		if exceeded {
			return echo.NewHTTPError(http.StatusTooManyRequests, "monthly conversation quota exceeded")
		}
	}

	conv, err := h.Store.GetConversation(tenantID, req.ConversationID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}

	if h.Outbound == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "send pipeline unavailable")
	}

	channel, jobID, err := h.Outbound.Send(ctx, tenantID, conv, req.Body, req.Template)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusAccepted, sendResult{Status: "queued", Channel: channel, JobID: jobID})
}
