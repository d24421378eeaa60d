package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portaljobs/internal/domain"
	"portaljobs/internal/gateway"
	"portaljobs/internal/notify"
	"portaljobs/internal/store"
)

type fakeGateway struct {
	mu       sync.Mutex
	statuses map[string]*gateway.Status
	errs     map[string]error
	calls    int
}

func (g *fakeGateway) TransactionStatus(_ context.Context, ref string) (*gateway.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if err := g.errs[ref]; err != nil {
		return nil, err
	}
	return g.statuses[ref], nil
}

func (g *fakeGateway) set(ref, status, msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[ref] = &gateway.Status{Status: status, Message: msg}
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	to   []string
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, u domain.User, msg notify.Message) (domain.Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	n.to = append(n.to, u.ID)
	return domain.ChannelSMS, n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *store.Store
	gateway  *fakeGateway
	notifier *fakeNotifier
	rec      *Reconciler
	employee string
	user     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "reconcile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	s := store.New(db)

	ctx := context.Background()
	uid, err := s.CreateUser(ctx, domain.User{Name: "Ada", Phone: "+15550001", Active: true})
	require.NoError(t, err)
	eid, err := s.CreateEmployee(ctx, uid, decimal.NewFromInt(1000), true)
	require.NoError(t, err)

	gw := &fakeGateway{statuses: map[string]*gateway.Status{}, errs: map[string]error{}}
	n := &fakeNotifier{}
	r := New(s, gw, n, nil).WithClock(func() time.Time { return testNow })
	return &fixture{store: s, gateway: gw, notifier: n, rec: r, employee: eid, user: uid}
}

func (f *fixture) withdrawal(t *testing.T, ref string, st domain.WithdrawalStatus) string {
	t.Helper()
	id, err := f.store.CreateWithdrawal(context.Background(), domain.WithdrawalRequest{
		EmployeeID: f.employee, NetAmount: decimal.NewFromInt(250), GatewayReference: ref, Status: st,
		CreatedAt: testNow.Add(-time.Hour),
	})
	require.NoError(t, err)
	return id
}

func TestMapStatus(t *testing.T) {
	cases := map[string]domain.WithdrawalStatus{
		"successful": domain.WithdrawalCompleted,
		"SUCCESSFUL": domain.WithdrawalCompleted,
		"Completed":  domain.WithdrawalCompleted,
		"failed":     domain.WithdrawalFailed,
		" pending ":  domain.WithdrawalProcessing,
	}
	for in, want := range cases {
		got, ok := MapStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := MapStatus("reversed")
	assert.False(t, ok)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(domain.WithdrawalPending, domain.WithdrawalProcessing))
	assert.True(t, CanTransition(domain.WithdrawalPending, domain.WithdrawalCompleted))
	assert.True(t, CanTransition(domain.WithdrawalProcessing, domain.WithdrawalFailed))
	assert.False(t, CanTransition(domain.WithdrawalProcessing, domain.WithdrawalPending))
	assert.False(t, CanTransition(domain.WithdrawalCompleted, domain.WithdrawalFailed))
	assert.False(t, CanTransition(domain.WithdrawalFailed, domain.WithdrawalProcessing))
	assert.False(t, CanTransition(domain.WithdrawalPending, domain.WithdrawalPending))
}

func TestReconcile_PendingToCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.withdrawal(t, "ref-1", domain.WithdrawalPending)
	f.gateway.set("ref-1", "successful", "")

	sum, err := f.rec.Reconcile(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, 1, sum.Completed)

	w, err := f.store.GetWithdrawal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalCompleted, w.Status)
	require.NotNil(t, w.ProcessedAt)
	assert.True(t, w.ProcessedAt.Equal(testNow))

	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, f.user, f.notifier.to[0])
	assert.Contains(t, f.notifier.msgs[0].Body, "250.00")
}

func TestReconcile_FailedStoresReason(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	withReason := f.withdrawal(t, "ref-1", domain.WithdrawalProcessing)
	noReason := f.withdrawal(t, "ref-2", domain.WithdrawalPending)
	f.gateway.set("ref-1", "FAILED", "account closed")
	f.gateway.set("ref-2", "failed", "")

	sum, err := f.rec.Reconcile(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Failed)

	w, err := f.store.GetWithdrawal(ctx, withReason)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalFailed, w.Status)
	assert.Equal(t, "account closed", w.FailureReason)
	assert.Nil(t, w.ProcessedAt)

	w, err = f.store.GetWithdrawal(ctx, noReason)
	require.NoError(t, err)
	assert.Equal(t, defaultFailureReason, w.FailureReason)
	assert.Equal(t, 2, f.notifier.count())
}

func TestReconcile_UnchangedStatusIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.withdrawal(t, "ref-1", domain.WithdrawalPending)
	f.gateway.set("ref-1", "pending", "")

	sum, err := f.rec.Reconcile(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated, "pending at gateway moves the request to processing")

	for i := 0; i < 3; i++ {
		sum, err = f.rec.Reconcile(ctx, 50)
		require.NoError(t, err)
		assert.Zero(t, sum.Updated)
	}
	assert.Zero(t, f.notifier.count(), "no notification for non-terminal moves or repeated polls")

	w, err := f.store.GetWithdrawal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalProcessing, w.Status)
}

func TestReconcile_TerminalTransitionNotifiedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.withdrawal(t, "ref-1", domain.WithdrawalProcessing)
	f.gateway.set("ref-1", "completed", "")
	f.notifier.err = errors.New("sms provider down")

	for i := 0; i < 3; i++ {
		_, err := f.rec.Reconcile(ctx, 50)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.notifier.count(), "one attempt per transition, even when it fails")
	assert.Equal(t, 1, f.gateway.calls, "terminal withdrawals are no longer polled")
}

func TestReconcile_PerItemErrorsDoNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.withdrawal(t, "ref-bad", domain.WithdrawalPending)
	good := f.withdrawal(t, "ref-good", domain.WithdrawalPending)
	f.gateway.errs["ref-bad"] = errors.New("gateway timeout")
	f.gateway.set("ref-good", "successful", "")

	sum, err := f.rec.Reconcile(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, 1, sum.Completed)

	w, err := f.store.GetWithdrawal(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalCompleted, w.Status)
}

func TestReconcile_NoUpdateAndUnrecognized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	nilID := f.withdrawal(t, "ref-nil", domain.WithdrawalPending)
	odd := f.withdrawal(t, "ref-odd", domain.WithdrawalPending)
	f.gateway.set("ref-odd", "reversed", "")

	sum, err := f.rec.Reconcile(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Checked)
	assert.Equal(t, 1, sum.Unrecognized)
	assert.Zero(t, sum.Updated)

	for _, id := range []string{nilID, odd} {
		w, err := f.store.GetWithdrawal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.WithdrawalPending, w.Status)
	}
}

func TestReconcile_BatchLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, ref := range []string{"a", "b", "c"} {
		f.withdrawal(t, ref, domain.WithdrawalPending)
	}

	sum, err := f.rec.Reconcile(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Checked)
	assert.Equal(t, 2, f.gateway.calls)
}
