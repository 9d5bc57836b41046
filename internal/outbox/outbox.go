// Package outbox turns a reply — whether produced by the conversation
// state machine or requested through the explicit send API — into a
// persisted OUT message and a queued send job, implementing
// statemachine.Outbox and the webhook package's gated send operation.
// It is the glue between internal/statemachine/internal/webhook (which
// only know they want to say something) and internal/manager (which
// only knows how to drain and retry already-queued jobs) — grounded on
// the teacher's convention of keeping each stage's persistence call
// next to the stage that produces the row, rather than batching writes
// elsewhere.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	null "gopkg.in/volatiletech/null.v6"

	"github.com/sufrah/wa-gateway/models"
)

// Store is the slice of internal/store.Store the outbox needs.
type Store interface {
	InsertMessage(m *models.Message) (int64, error)
	EnqueueOutboundJob(j *models.OutboundJob) (int64, error)
}

// Enqueuer is the slice of internal/manager.Manager the outbox needs.
type Enqueuer interface {
	Enqueue(job *models.OutboundJob)
}

// WindowPicker is the slice of internal/window.Tracker the explicit
// send API gates on: which channel is eligible right now, and — when a
// template goes out — remembering its payload so a later button click
// resolves back to it (spec.md §4.8, §4.10).
type WindowPicker interface {
	PickChannel(ctx context.Context, tenantID int, conversationID int64) (string, error)
	CacheOnTemplate(tenantID int, conversationID int64, templateSID, friendlyName, payload string) error
}

// ErrTemplateRequired is returned by Send when the 24h window is
// closed and the caller supplied no template descriptor to fall back
// to (spec.md §4.8).
var ErrTemplateRequired = errors.New("outbox: window closed, a template descriptor is required")

// maxSendAttempts is the retry budget stamped onto every queued job
// (spec.md §4.7: up to 3 attempts total, i.e. 2 retries).
const maxSendAttempts = 3

// Box implements statemachine.Outbox, and additionally exposes Send
// for the explicit outbound API in internal/webhook.
type Box struct {
	Store   Store
	Manager Enqueuer
	// Window is consulted by Send only. The state machine's own replies
	// go out through SendText/SendTemplate, which are never window-gated
	// — every state-machine prompt is a direct reply to an inbound
	// message that itself just (re)opened the window (spec.md §4.8
	// invariant i).
	Window WindowPicker
}

func (b *Box) send(ctx context.Context, tenantID int, conv *models.Conversation, msg *models.Message) (msgID int64, jobID int64, err error) {
	msg.ConversationID = conv.ID
	msg.TenantID = tenantID
	msg.Direction = models.DirectionOut
	msg.CreatedAt = null.TimeFrom(time.Now())

	msgID, err = b.Store.InsertMessage(msg)
	if err != nil {
		return 0, 0, err
	}
	msg.ID = msgID

	jobID, err = b.Store.EnqueueOutboundJob(&models.OutboundJob{
		TenantID:       tenantID,
		ConversationID: conv.ID,
		MessageID:      msgID,
		MaxAttempts:    maxSendAttempts,
	})
	if err != nil {
		return msgID, 0, err
	}

	b.Manager.Enqueue(&models.OutboundJob{
		ID:             jobID,
		TenantID:       tenantID,
		ConversationID: conv.ID,
		MessageID:      msgID,
		MaxAttempts:    maxSendAttempts,
	})
	return msgID, jobID, nil
}

// SendText queues a freeform reply. The 24h window is expected to
// already be open — every state-machine prompt is a direct reply to
// an inbound message that itself just (re)opened it (spec.md §4.8
// invariant i) — so no PickChannel gate is applied here.
func (b *Box) SendText(ctx context.Context, tenantID int, conv *models.Conversation, body string) error {
	_, _, err := b.send(ctx, tenantID, conv, &models.Message{
		Channel: models.ChannelFreeform,
		Kind:    models.KindText,
		Body:    body,
	})
	return err
}

// SendTemplate queues a pre-approved template send, used when a
// message must go out after the 24h window has closed.
func (b *Box) SendTemplate(ctx context.Context, tenantID int, conv *models.Conversation, descriptor models.TemplateDescriptor) error {
	payload, err := json.Marshal(descriptor)
	if err != nil {
		return err
	}
	_, _, err = b.send(ctx, tenantID, conv, &models.Message{
		Channel:                models.ChannelTemplate,
		Kind:                   models.KindTemplate,
		Body:                   descriptor.FriendlyName,
		TemplateDescriptorJSON: payload,
	})
	return err
}

// Send implements the explicit outbound send API's
// Send(tenant,customer,payload) operation (spec.md §4.8). It asks
// Window which channel is eligible right now: if the window is open
// the free-text body goes out freeform; if it is closed, descriptor
// must be set and a template goes out instead, with its payload cached
// so a customer's button click on it resolves back to body.
func (b *Box) Send(ctx context.Context, tenantID int, conv *models.Conversation, body string, descriptor *models.TemplateDescriptor) (channel string, jobID int64, err error) {
	channel = models.ChannelFreeform
	if b.Window != nil {
		channel, err = b.Window.PickChannel(ctx, tenantID, conv.ID)
		if err != nil {
			return "", 0, err
		}
	}

	msg := &models.Message{Channel: channel}
	switch channel {
	case models.ChannelTemplate:
		if descriptor == nil {
			return "", 0, ErrTemplateRequired
		}
		payload, merr := json.Marshal(*descriptor)
		if merr != nil {
			return "", 0, merr
		}
		msg.Kind = models.KindTemplate
		msg.Body = descriptor.FriendlyName
		msg.TemplateDescriptorJSON = payload
	default:
		msg.Kind = models.KindText
		msg.Body = body
	}

	_, jobID, err = b.send(ctx, tenantID, conv, msg)
	if err != nil {
		return "", 0, err
	}

	if channel == models.ChannelTemplate && b.Window != nil {
		if err := b.Window.CacheOnTemplate(tenantID, conv.ID, descriptor.SID, descriptor.FriendlyName, body); err != nil {
			return channel, jobID, err
		}
	}

	return channel, jobID, nil
}
