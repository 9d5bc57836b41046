package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sufrah/wa-gateway/internal/ratelimit"
	"github.com/sufrah/wa-gateway/models"
)

// rejected mimics internal/messenger/whatsapp.ErrProviderRejected for
// classification tests, without importing that package.
type rejected struct{ status int }

func (r *rejected) Error() string   { return "provider rejected" }
func (r *rejected) StatusCode() int { return r.status }

type alwaysRejectSender struct {
	mu     sync.Mutex
	calls  int
	status int
}

func (s *alwaysRejectSender) Send(ctx context.Context, t *models.Tenant, toAddress string, msg *models.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "", &rejected{status: s.status}
}

func (s *alwaysRejectSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakePacer denies a fixed number of times before allowing, without
// ever counting a denial as a send attempt.
type fakePacer struct {
	mu       sync.Mutex
	denyLeft int
}

func (p *fakePacer) AllowWithRetryAfter(ctx context.Context, scope ratelimit.Scope, key string, limit int) (bool, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.denyLeft > 0 {
		p.denyLeft--
		return false, time.Millisecond, nil
	}
	return true, 0, nil
}

type fakeSender struct {
	mu        sync.Mutex
	calls     []int64
	failUntil int // number of calls to fail before succeeding; 0 means always succeed
}

func (f *fakeSender) Send(ctx context.Context, t *models.Tenant, toAddress string, msg *models.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg.ID)
	if len(f.calls) <= f.failUntil {
		return "", errors.New("provider temporarily unavailable")
	}
	return "wamid.fake", nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeTenants struct{}

func (fakeTenants) Load(id int) (*models.Tenant, error) {
	return &models.Tenant{ID: id}, nil
}

type fakeStore struct {
	mu         sync.Mutex
	sent       []int64
	retrying   []int64
	deadLetter []int64
}

func (s *fakeStore) GetConversation(tenantID int, id int64) (*models.Conversation, error) {
	return &models.Conversation{ID: id, TenantID: tenantID, CustomerAddress: "+14155550100"}, nil
}

func (s *fakeStore) SetMessageProviderID(tenantID int, messageID int64, providerMessageID string) error {
	return nil
}

func (s *fakeStore) MarkOutboundSent(tenantID int, jobID int64, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, jobID)
	return nil
}

func (s *fakeStore) MarkOutboundRetrying(tenantID int, jobID int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrying = append(s.retrying, jobID)
	return nil
}

func (s *fakeStore) MarkOutboundDeadLetter(tenantID int, jobID int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetter = append(s.deadLetter, jobID)
	return nil
}

func testConfig() Config {
	return Config{
		GlobalConcurrency: 2,
		TenantConcurrency: 2,
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestEnqueueSendsSuccessfully(t *testing.T) {
	sender := &fakeSender{}
	st := &fakeStore{}
	m := New(testConfig(), sender, st, nil, fakeTenants{}, nil, nil)

	m.Enqueue(&models.OutboundJob{ID: 1, TenantID: 1, ConversationID: 10, MessageID: 100})

	waitFor(t, func() bool { return sender.count() == 1 })
	waitFor(t, func() bool { st.mu.Lock(); defer st.mu.Unlock(); return len(st.sent) == 1 })

	stats := m.TenantStats(1)
	require.EqualValues(t, 1, stats.Sent)
	require.Zero(t, stats.Failed)
}

func TestEnqueueRetriesThenSucceeds(t *testing.T) {
	sender := &fakeSender{failUntil: 1}
	st := &fakeStore{}
	m := New(testConfig(), sender, st, nil, fakeTenants{}, nil, nil)

	m.Enqueue(&models.OutboundJob{ID: 2, TenantID: 1, ConversationID: 11, MessageID: 200})

	waitFor(t, func() bool { return sender.count() >= 2 })
	waitFor(t, func() bool { st.mu.Lock(); defer st.mu.Unlock(); return len(st.sent) == 1 })

	st.mu.Lock()
	defer st.mu.Unlock()
	require.NotEmpty(t, st.retrying)
	require.Empty(t, st.deadLetter)
}

func TestEnqueueExhaustsRetriesToDeadLetter(t *testing.T) {
	sender := &fakeSender{failUntil: 100}
	st := &fakeStore{}
	m := New(testConfig(), sender, st, nil, fakeTenants{}, nil, nil)

	m.Enqueue(&models.OutboundJob{ID: 3, TenantID: 1, ConversationID: 12, MessageID: 300})

	waitFor(t, func() bool { st.mu.Lock(); defer st.mu.Unlock(); return len(st.deadLetter) == 1 })

	require.Len(t, m.DeadLetters(), 1)
	stats := m.TenantStats(1)
	require.EqualValues(t, 1, stats.Failed)
}

func TestTerminalProviderErrorDeadLettersWithoutExhaustingRetries(t *testing.T) {
	sender := &alwaysRejectSender{status: 400}
	st := &fakeStore{}
	m := New(testConfig(), sender, st, nil, fakeTenants{}, nil, nil)

	m.Enqueue(&models.OutboundJob{ID: 4, TenantID: 1, ConversationID: 13, MessageID: 400})

	waitFor(t, func() bool { st.mu.Lock(); defer st.mu.Unlock(); return len(st.deadLetter) == 1 })

	require.Equal(t, 1, sender.count(), "a terminal 4xx must dead-letter on the first attempt, not burn retries")
	st.mu.Lock()
	defer st.mu.Unlock()
	require.Empty(t, st.retrying)
}

func TestTransient429RetriesBeforeDeadLetter(t *testing.T) {
	sender := &alwaysRejectSender{status: 429}
	st := &fakeStore{}
	m := New(testConfig(), sender, st, nil, fakeTenants{}, nil, nil)

	m.Enqueue(&models.OutboundJob{ID: 5, TenantID: 1, ConversationID: 14, MessageID: 500})

	waitFor(t, func() bool { st.mu.Lock(); defer st.mu.Unlock(); return len(st.deadLetter) == 1 })

	require.Greater(t, sender.count(), 1, "429 is retryable per spec.md §4.7, not terminal")
}

func TestRateLimitDenialDoesNotCountAsAttempt(t *testing.T) {
	sender := &fakeSender{}
	st := &fakeStore{}
	pacer := &fakePacer{denyLeft: 3}
	m := New(testConfig(), sender, st, nil, fakeTenants{}, pacer, nil)

	m.Enqueue(&models.OutboundJob{ID: 6, TenantID: 1, ConversationID: 15, MessageID: 600})

	waitFor(t, func() bool { st.mu.Lock(); defer st.mu.Unlock(); return len(st.sent) == 1 })

	require.Equal(t, 1, sender.count(), "pacing denials must not be retried as failed send attempts")
	st.mu.Lock()
	defer st.mu.Unlock()
	require.Empty(t, st.retrying)
}

func TestConversationOrderingIsFIFO(t *testing.T) {
	sender := &fakeSender{}
	st := &fakeStore{}
	m := New(testConfig(), sender, st, nil, fakeTenants{}, nil, nil)

	for i := int64(1); i <= 5; i++ {
		m.Enqueue(&models.OutboundJob{ID: i, TenantID: 1, ConversationID: 20, MessageID: i * 10})
	}

	waitFor(t, func() bool { return sender.count() == 5 })

	sender.mu.Lock()
	defer sender.mu.Unlock()
	for i, id := range sender.calls {
		require.Equal(t, int64(i+1)*10, id, "messages for one conversation must send in enqueue order")
	}
}
