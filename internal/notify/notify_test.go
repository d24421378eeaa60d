package notify

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portaljobs/internal/domain"
	"portaljobs/internal/store"
)

type sent struct {
	channel  domain.Channel
	to       string
	subject  string
	body     string
	template string
}

// fakeMessenger records deliveries and fails channels listed in fail.
type fakeMessenger struct {
	mu   sync.Mutex
	fail map[domain.Channel]error
	log  []sent
}

func (f *fakeMessenger) record(s sent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, s)
	return f.fail[s.channel]
}

func (f *fakeMessenger) SendSMS(_ context.Context, to, text string) error {
	return f.record(sent{channel: domain.ChannelSMS, to: to, body: text})
}

func (f *fakeMessenger) SendEmail(_ context.Context, to, subject, body string) error {
	return f.record(sent{channel: domain.ChannelEmail, to: to, subject: subject, body: body})
}

func (f *fakeMessenger) SendWhatsApp(_ context.Context, to, text string) error {
	return f.record(sent{channel: domain.ChannelWhatsApp, to: to, body: text})
}

func (f *fakeMessenger) SendWhatsAppTemplate(_ context.Context, to, template string, _ []string) error {
	return f.record(sent{channel: domain.ChannelWhatsApp, to: to, template: template})
}

func (f *fakeMessenger) calls() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.log...)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	return store.New(db)
}

var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func newEngine(s *store.Store, m Messenger, mutate func(*Config)) *Engine {
	cfg := DefaultConfig()
	cfg.DigestHour = -1
	if mutate != nil {
		mutate(&cfg)
	}
	return NewEngine(s, m, cfg, nil).WithClock(fixedNow)
}

// ──────────────────────────────────────────────────────────────────────────────
// Retry engine
// ──────────────────────────────────────────────────────────────────────────────

func TestRetryFailed_SuccessMarksSent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	uid, err := s.CreateUser(ctx, domain.User{Name: "Ada", Phone: "+15550001", Active: true})
	require.NoError(t, err)
	id, err := s.InsertNotificationLog(ctx, domain.NotificationLogEntry{
		UserID: uid, Channel: domain.ChannelSMS, Message: "Your withdrawal completed",
		Status: domain.NotificationFailed, ErrorMessage: "provider timeout", CreatedAt: testNow.Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	m := &fakeMessenger{}
	sum, err := newEngine(s, m, nil).RetryFailed(ctx, 24*time.Hour, 20)
	require.NoError(t, err)
	assert.Equal(t, RetrySummary{Selected: 1, Sent: 1}, sum)

	got, err := s.GetNotificationLog(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.True(t, got.SentAt.Equal(testNow))
	assert.Empty(t, got.ErrorMessage)

	calls := m.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "+15550001", calls[0].to)
	assert.Equal(t, "Your withdrawal completed", calls[0].body)
}

func TestRetryFailed_OutsideWindowNeverSelected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	uid, err := s.CreateUser(ctx, domain.User{Name: "Ada", Phone: "+15550001", Active: true})
	require.NoError(t, err)
	id, err := s.InsertNotificationLog(ctx, domain.NotificationLogEntry{
		UserID: uid, Channel: domain.ChannelSMS, Message: "old", Status: domain.NotificationFailed,
		CreatedAt: testNow.AddDate(0, 0, -30),
	})
	require.NoError(t, err)

	m := &fakeMessenger{}
	sum, err := newEngine(s, m, nil).RetryFailed(ctx, 24*time.Hour, 20)
	require.NoError(t, err)
	assert.Zero(t, sum.Selected)
	assert.Empty(t, m.calls())

	got, err := s.GetNotificationLog(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationFailed, got.Status)
}

func TestRetryFailed_RenewedFailureStaysFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	uid, err := s.CreateUser(ctx, domain.User{Name: "Ada", Email: "ada@example.com", Active: true})
	require.NoError(t, err)
	id, err := s.InsertNotificationLog(ctx, domain.NotificationLogEntry{
		UserID: uid, Channel: domain.ChannelEmail, Subject: "Salary", Message: "m",
		Status: domain.NotificationFailed, ErrorMessage: "first", CreatedAt: testNow.Add(-time.Hour),
	})
	require.NoError(t, err)

	m := &fakeMessenger{fail: map[domain.Channel]error{domain.ChannelEmail: errors.New("smtp 451")}}
	sum, err := newEngine(s, m, nil).RetryFailed(ctx, 24*time.Hour, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	got, err := s.GetNotificationLog(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationFailed, got.Status)
	assert.Equal(t, "smtp 451", got.ErrorMessage)
	assert.False(t, got.Permanent, "transient failures stay retryable")
	assert.Equal(t, "Salary", m.calls()[0].subject)
}

func TestRetryFailed_MissingContactIsPermanentSkip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	uid, err := s.CreateUser(ctx, domain.User{Name: "NoPhone", Email: "x@example.com", Active: true})
	require.NoError(t, err)
	id, err := s.InsertNotificationLog(ctx, domain.NotificationLogEntry{
		UserID: uid, Channel: domain.ChannelWhatsApp, Message: "m", Status: domain.NotificationFailed,
		CreatedAt: testNow.Add(-time.Hour),
	})
	require.NoError(t, err)

	m := &fakeMessenger{}
	e := newEngine(s, m, nil)
	sum, err := e.RetryFailed(ctx, 24*time.Hour, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Empty(t, m.calls())

	got, err := s.GetNotificationLog(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Permanent)
	assert.Contains(t, got.ErrorMessage, "no whatsapp contact")

	sum, err = e.RetryFailed(ctx, 24*time.Hour, 20)
	require.NoError(t, err)
	assert.Zero(t, sum.Selected, "permanent skips are never selected again")
}

func TestRetryFailed_BatchBoundOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	uid, err := s.CreateUser(ctx, domain.User{Name: "Ada", Phone: "+1", Active: true})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.InsertNotificationLog(ctx, domain.NotificationLogEntry{
			UserID: uid, Channel: domain.ChannelSMS, Message: string(rune('a' + i)), Status: domain.NotificationFailed,
			CreatedAt: testNow.Add(-time.Duration(10-i) * time.Hour),
		})
		require.NoError(t, err)
	}

	m := &fakeMessenger{}
	sum, err := newEngine(s, m, nil).RetryFailed(ctx, 24*time.Hour, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Sent)
	calls := m.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].body)
	assert.Equal(t, "b", calls[1].body)
}

func TestRun_PurgesAndDigestOncePerDay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.CreateUser(ctx, domain.User{Name: "Ops", Email: "ops@example.com", Role: domain.RoleAdmin, Active: true})
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, domain.User{Name: "Off", Email: "off@example.com", Role: domain.RoleAdmin, Active: false})
	require.NoError(t, err)

	_, err = s.InsertNotificationLog(ctx, domain.NotificationLogEntry{UserID: "u", Channel: domain.ChannelSMS, Message: "m", Status: domain.NotificationSent, CreatedAt: testNow.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = s.InsertNotificationLog(ctx, domain.NotificationLogEntry{UserID: "u", Channel: domain.ChannelSMS, Message: "m", Status: domain.NotificationSent, CreatedAt: testNow.AddDate(0, 0, -100)})
	require.NoError(t, err)
	_, err = s.InsertSystemNotification(ctx, domain.SystemNotification{UserID: "u", Title: "t", Body: "b", IsRead: true, CreatedAt: testNow.AddDate(0, 0, -40)})
	require.NoError(t, err)

	m := &fakeMessenger{}
	e := newEngine(s, m, func(c *Config) { c.DigestHour = 12 })

	sum, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PurgedLogs)
	assert.Equal(t, 1, sum.PurgedSystem)
	assert.Equal(t, 1, sum.DigestSent)

	calls := m.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ops@example.com", calls[0].to)
	assert.Contains(t, calls[0].body, "Sent: 1")

	sum, err = e.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.DigestSent, "digest goes out once per day")
	assert.Len(t, m.calls(), 1)
}

func TestSendDigest_OutsideHour(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.CreateUser(ctx, domain.User{Name: "Ops", Email: "ops@example.com", Role: domain.RoleAdmin, Active: true})
	require.NoError(t, err)

	m := &fakeMessenger{}
	e := newEngine(s, m, func(c *Config) { c.DigestHour = 8 })
	assert.Zero(t, e.SendDigest(ctx, testNow))
	assert.Empty(t, m.calls())
}

// ──────────────────────────────────────────────────────────────────────────────
// Dispatcher
// ──────────────────────────────────────────────────────────────────────────────

func TestDispatcher_PicksFirstReachableChannelAndLogs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := &fakeMessenger{}
	d := NewDispatcher(m, s, []domain.Channel{domain.ChannelWhatsApp, domain.ChannelEmail}, nil).WithClock(fixedNow)

	u := domain.User{ID: "usr_1", Email: "a@example.com"}
	ch, err := d.Notify(ctx, u, Message{Subject: "Hi", Body: "body"})
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelEmail, ch, "no phone, falls through to email")

	counts, err := s.DeliveryCounts(ctx, testNow.Add(-time.Minute), testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Sent)
}

func TestDispatcher_FailureIsLoggedForRetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := &fakeMessenger{fail: map[domain.Channel]error{domain.ChannelSMS: errors.New("gateway down")}}
	d := NewDispatcher(m, s, nil, nil).WithClock(fixedNow)

	_, err := d.Notify(ctx, domain.User{ID: "usr_1", Phone: "+1"}, Message{Body: "x"})
	require.Error(t, err)

	retryable, err := s.RetryableNotifications(ctx, testNow.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)
	assert.Equal(t, "gateway down", retryable[0].ErrorMessage)
}

func TestDispatcher_NoContact(t *testing.T) {
	d := NewDispatcher(&fakeMessenger{}, newTestStore(t), nil, nil)
	_, err := d.Notify(context.Background(), domain.User{ID: "usr_1"}, Message{Body: "x"})
	assert.ErrorIs(t, err, ErrNoContact)
}

func TestDispatcher_WhatsAppTemplate(t *testing.T) {
	m := &fakeMessenger{}
	d := NewDispatcher(m, newTestStore(t), []domain.Channel{domain.ChannelWhatsApp}, nil)
	_, err := d.Notify(context.Background(), domain.User{ID: "u", Phone: "+1"}, Message{Body: "x", Template: "salary_allocated", Params: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "salary_allocated", m.calls()[0].template)
}

// ──────────────────────────────────────────────────────────────────────────────
// Breaker
// ──────────────────────────────────────────────────────────────────────────────

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	m := &fakeMessenger{fail: map[domain.Channel]error{domain.ChannelSMS: errors.New("503")}}
	b := NewBreaker(m, BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Hour})

	assert.Error(t, b.SendSMS(ctx, "+1", "a"))
	assert.Error(t, b.SendSMS(ctx, "+1", "b"))
	err := b.SendSMS(ctx, "+1", "c")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Len(t, m.calls(), 2, "open circuit does not reach the provider")
}
