package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sufrah/wa-gateway/models"
)

type fakeStore struct {
	nextMsgID int64
	nextJobID int64
	messages  []*models.Message
	jobs      []*models.OutboundJob

	insertErr error
	enqueueErr error
}

func (f *fakeStore) InsertMessage(m *models.Message) (int64, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.nextMsgID++
	m.ID = f.nextMsgID
	f.messages = append(f.messages, m)
	return f.nextMsgID, nil
}

func (f *fakeStore) EnqueueOutboundJob(j *models.OutboundJob) (int64, error) {
	if f.enqueueErr != nil {
		return 0, f.enqueueErr
	}
	f.nextJobID++
	j.ID = f.nextJobID
	f.jobs = append(f.jobs, j)
	return f.nextJobID, nil
}

type fakeEnqueuer struct {
	jobs []*models.OutboundJob
}

func (f *fakeEnqueuer) Enqueue(job *models.OutboundJob) {
	f.jobs = append(f.jobs, job)
}

func TestSendTextPersistsMessageAndQueuesJob(t *testing.T) {
	store := &fakeStore{}
	mgr := &fakeEnqueuer{}
	box := &Box{Store: store, Manager: mgr}

	conv := &models.Conversation{ID: 7, TenantID: 3}
	err := box.SendText(context.Background(), 3, conv, "مرحبا")
	require.NoError(t, err)

	require.Len(t, store.messages, 1)
	require.Equal(t, models.DirectionOut, store.messages[0].Direction)
	require.Equal(t, models.ChannelFreeform, store.messages[0].Channel)
	require.Equal(t, models.KindText, store.messages[0].Kind)
	require.Equal(t, "مرحبا", store.messages[0].Body)

	require.Len(t, store.jobs, 1)
	require.Equal(t, store.messages[0].ID, store.jobs[0].MessageID)
	require.Equal(t, int64(7), store.jobs[0].ConversationID)

	require.Len(t, mgr.jobs, 1)
	require.Equal(t, store.jobs[0].ID, mgr.jobs[0].ID)
}

func TestSendTemplateMarshalsDescriptor(t *testing.T) {
	store := &fakeStore{}
	mgr := &fakeEnqueuer{}
	box := &Box{Store: store, Manager: mgr}

	conv := &models.Conversation{ID: 1, TenantID: 2}
	desc := models.TemplateDescriptor{SID: "HX123", FriendlyName: "order_confirmed", Language: "ar"}
	err := box.SendTemplate(context.Background(), 2, conv, desc)
	require.NoError(t, err)

	require.Len(t, store.messages, 1)
	require.Equal(t, models.ChannelTemplate, store.messages[0].Channel)
	require.Equal(t, models.KindTemplate, store.messages[0].Kind)
	require.Equal(t, "order_confirmed", store.messages[0].Body)
	require.Contains(t, string(store.messages[0].TemplateDescriptorJSON), "HX123")
}

func TestSendTextPropagatesInsertError(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("db down")}
	mgr := &fakeEnqueuer{}
	box := &Box{Store: store, Manager: mgr}

	err := box.SendText(context.Background(), 1, &models.Conversation{ID: 1}, "hi")
	require.Error(t, err)
	require.Empty(t, mgr.jobs)
}

func TestSendTextPropagatesEnqueueError(t *testing.T) {
	store := &fakeStore{enqueueErr: errors.New("db down")}
	mgr := &fakeEnqueuer{}
	box := &Box{Store: store, Manager: mgr}

	err := box.SendText(context.Background(), 1, &models.Conversation{ID: 1}, "hi")
	require.Error(t, err)
	require.Empty(t, mgr.jobs)
}

type fakeWindow struct {
	channel string
	cached  []string // templateSID values CacheOnTemplate was called with
}

func (w *fakeWindow) PickChannel(ctx context.Context, tenantID int, conversationID int64) (string, error) {
	return w.channel, nil
}

func (w *fakeWindow) CacheOnTemplate(tenantID int, conversationID int64, templateSID, friendlyName, payload string) error {
	w.cached = append(w.cached, templateSID)
	return nil
}

func TestSendUsesFreeformWhenWindowOpen(t *testing.T) {
	store := &fakeStore{}
	mgr := &fakeEnqueuer{}
	win := &fakeWindow{channel: models.ChannelFreeform}
	box := &Box{Store: store, Manager: mgr, Window: win}

	channel, jobID, err := box.Send(context.Background(), 1, &models.Conversation{ID: 9, TenantID: 1}, "hello there", nil)
	require.NoError(t, err)
	require.Equal(t, models.ChannelFreeform, channel)
	require.NotZero(t, jobID)
	require.Empty(t, win.cached, "a freeform send must not touch the template cache")

	require.Len(t, store.messages, 1)
	require.Equal(t, models.KindText, store.messages[0].Kind)
	require.Equal(t, "hello there", store.messages[0].Body)
}

func TestSendRequiresTemplateWhenWindowClosed(t *testing.T) {
	store := &fakeStore{}
	mgr := &fakeEnqueuer{}
	win := &fakeWindow{channel: models.ChannelTemplate}
	box := &Box{Store: store, Manager: mgr, Window: win}

	_, _, err := box.Send(context.Background(), 1, &models.Conversation{ID: 9, TenantID: 1}, "hello there", nil)
	require.ErrorIs(t, err, ErrTemplateRequired)
}

func TestSendUsesTemplateAndCachesPayloadWhenWindowClosed(t *testing.T) {
	store := &fakeStore{}
	mgr := &fakeEnqueuer{}
	win := &fakeWindow{channel: models.ChannelTemplate}
	box := &Box{Store: store, Manager: mgr, Window: win}

	desc := &models.TemplateDescriptor{SID: "HX123", FriendlyName: "order_status", Language: "ar"}
	channel, jobID, err := box.Send(context.Background(), 1, &models.Conversation{ID: 9, TenantID: 1}, "your order is ready", desc)
	require.NoError(t, err)
	require.Equal(t, models.ChannelTemplate, channel)
	require.NotZero(t, jobID)

	require.Len(t, store.messages, 1)
	require.Equal(t, models.KindTemplate, store.messages[0].Kind)
	require.Contains(t, string(store.messages[0].TemplateDescriptorJSON), "HX123")

	require.Equal(t, []string{"HX123"}, win.cached)
}
