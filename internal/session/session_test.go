package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sufrah/wa-gateway/internal/store"
	"github.com/sufrah/wa-gateway/models"
)

type fakeStore struct {
	sessions map[string]*models.ConversationSession
	usage    map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]*models.ConversationSession{}, usage: map[string]int{}}
}

func sessKey(tenantID int, addr string) string {
	return addr
}

func (s *fakeStore) LatestSession(tenantID int, customerAddress string) (*models.ConversationSession, error) {
	sess, ok := s.sessions[sessKey(tenantID, customerAddress)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (s *fakeStore) CreateSession(sess *models.ConversationSession) (int64, error) {
	s.sessions[sessKey(sess.TenantID, sess.CustomerAddress)] = sess
	return 1, nil
}

func (s *fakeStore) TryIncrementMonthlyUsage(tenantID int, periodKey string, limit int) (bool, error) {
	key := periodKey
	if limit > 0 && s.usage[key] >= limit {
		return false, nil
	}
	s.usage[key]++
	return true, nil
}

func (s *fakeStore) MonthlyUsageCount(tenantID int, periodKey string) (int, error) {
	return s.usage[periodKey], nil
}

type fakeTenants struct {
	limit int
}

func (f *fakeTenants) Load(id int) (*models.Tenant, error) {
	return &models.Tenant{ID: id, Limits: models.TenantLimits{MonthlyConversations: f.limit}}, nil
}

func TestTouchStartsNewSessionWhenNoneExists(t *testing.T) {
	st := newFakeStore()
	tr := &Tracker{Store: st, Tenants: &fakeTenants{limit: 10}}

	started, quotaExceeded, err := tr.Touch(context.Background(), 1, "+100")
	require.NoError(t, err)
	require.True(t, started)
	require.False(t, quotaExceeded)
}

func TestTouchReusesSessionWithinWindow(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := &Tracker{Store: st, Tenants: &fakeTenants{limit: 10}, Now: func() time.Time { return now }}

	started, quotaExceeded, err := tr.Touch(context.Background(), 1, "+100")
	require.NoError(t, err)
	require.True(t, started)
	require.False(t, quotaExceeded)

	tr.Now = func() time.Time { return now.Add(1 * time.Hour) }
	started, quotaExceeded, err = tr.Touch(context.Background(), 1, "+100")
	require.NoError(t, err)
	require.False(t, started)
	require.False(t, quotaExceeded)
}

func TestTouchStartsNewSessionAfterWindowExpires(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := &Tracker{Store: st, Tenants: &fakeTenants{limit: 10}, Now: func() time.Time { return now }}

	_, _, err := tr.Touch(context.Background(), 1, "+100")
	require.NoError(t, err)

	tr.Now = func() time.Time { return now.Add(25 * time.Hour) }
	started, quotaExceeded, err := tr.Touch(context.Background(), 1, "+100")
	require.NoError(t, err)
	require.True(t, started)
	require.False(t, quotaExceeded)
}

// TestTouchStillPersistsSessionWhenQuotaExhausted covers spec.md
// §4.11: a customer's message is never dropped for quota reasons —
// the session is still created, only automation/explicit-send is
// meant to be suppressed downstream.
func TestTouchStillPersistsSessionWhenQuotaExhausted(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := &Tracker{Store: st, Tenants: &fakeTenants{limit: 1}, Now: func() time.Time { return now }}

	started, quotaExceeded, err := tr.Touch(context.Background(), 1, "+100")
	require.NoError(t, err)
	require.True(t, started)
	require.False(t, quotaExceeded)

	started, quotaExceeded, err = tr.Touch(context.Background(), 1, "+200")
	require.NoError(t, err)
	require.True(t, started, "the session row must still be created even past quota")
	require.True(t, quotaExceeded)

	_, ok := st.sessions[sessKey(1, "+200")]
	require.True(t, ok, "a quota-exceeded message must still get a persisted session")
}

func TestTouchUnlimitedWhenQuotaIsZero(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := &Tracker{Store: st, Tenants: &fakeTenants{limit: 0}, Now: func() time.Time { return now }}

	for i := 0; i < 5; i++ {
		_, quotaExceeded, err := tr.Touch(context.Background(), 1, "+addr")
		require.NoError(t, err)
		require.False(t, quotaExceeded)
	}
}

func TestQuotaExceededReflectsCurrentPeriodUsage(t *testing.T) {
	st := newFakeStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := &Tracker{Store: st, Tenants: &fakeTenants{limit: 1}, Now: func() time.Time { return now }}

	exceeded, err := tr.QuotaExceeded(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, exceeded)

	_, _, err = tr.Touch(context.Background(), 1, "+100")
	require.NoError(t, err)

	exceeded, err = tr.QuotaExceeded(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, exceeded)
}
