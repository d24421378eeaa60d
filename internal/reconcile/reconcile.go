// Package reconcile brings withdrawal requests in line with the payment
// gateway's view of their transactions.
//
// The state machine is pending → processing → {completed, failed}. The two
// final states are terminal. A poll writes only when the gateway reports a
// different state than the one stored, so re-polling an unchanged
// transaction is a no-op, and each applied transition triggers exactly one
// notification attempt.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"portaljobs/internal/domain"
	"portaljobs/internal/gateway"
	"portaljobs/internal/metrics"
	"portaljobs/internal/notify"
)

// DefaultBatchLimit caps gateway calls per run.
const DefaultBatchLimit = 50

const defaultFailureReason = "Transaction failed at payment gateway"

// statusMap translates gateway vocabulary (lower-cased) to internal states.
var statusMap = map[string]domain.WithdrawalStatus{
	"successful": domain.WithdrawalCompleted,
	"completed":  domain.WithdrawalCompleted,
	"failed":     domain.WithdrawalFailed,
	"pending":    domain.WithdrawalProcessing,
}

// MapStatus maps an external status case-insensitively. ok is false for
// vocabulary the table does not know.
func MapStatus(external string) (domain.WithdrawalStatus, bool) {
	st, ok := statusMap[strings.ToLower(strings.TrimSpace(external))]
	return st, ok
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to domain.WithdrawalStatus) bool {
	if from == to || from.Terminal() {
		return false
	}
	switch from {
	case domain.WithdrawalPending:
		return to == domain.WithdrawalProcessing || to.Terminal()
	case domain.WithdrawalProcessing:
		return to.Terminal()
	}
	return false
}

type Store interface {
	ReconcilableWithdrawals(ctx context.Context, limit int) ([]domain.WithdrawalRequest, error)
	TransitionWithdrawal(ctx context.Context, id string, from, to domain.WithdrawalStatus, failureReason string, processedAt *time.Time, at time.Time) (bool, error)
	UserForEmployee(ctx context.Context, employeeID string) (domain.User, error)
}

// Notifier is the sending flow used for transition notices.
type Notifier interface {
	Notify(ctx context.Context, u domain.User, msg notify.Message) (domain.Channel, error)
}

type Summary struct {
	Checked      int
	Updated      int
	Completed    int
	Failed       int
	Errors       int
	Unrecognized int
	Notified     int
}

func (s Summary) String() string {
	return fmt.Sprintf("checked %d, updated %d (%d completed, %d failed), %d errors, %d unrecognized",
		s.Checked, s.Updated, s.Completed, s.Failed, s.Errors, s.Unrecognized)
}

type Reconciler struct {
	store    Store
	gateway  gateway.Client
	notifier Notifier
	metrics  *metrics.Collector
	now      func() time.Time
}

func New(s Store, gw gateway.Client, n Notifier, mc *metrics.Collector) *Reconciler {
	return &Reconciler{store: s, gateway: gw, notifier: n, metrics: mc, now: time.Now}
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile polls up to batchLimit open withdrawals. Per-item failures are
// counted and skipped; only the selection query can fail the run.
func (r *Reconciler) Reconcile(ctx context.Context, batchLimit int) (Summary, error) {
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	var sum Summary
	items, err := r.store.ReconcilableWithdrawals(ctx, batchLimit)
	if err != nil {
		return sum, fmt.Errorf("select withdrawals: %w", err)
	}

	for _, w := range items {
		sum.Checked++
		r.reconcileOne(ctx, w, &sum)
	}

	log.Info().
		Int("checked", sum.Checked).
		Int("updated", sum.Updated).
		Int("errors", sum.Errors).
		Msg("withdrawal reconciliation finished")
	return sum, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, w domain.WithdrawalRequest, sum *Summary) {
	logger := log.With().Str("withdrawal_id", w.ID).Str("reference", w.GatewayReference).Logger()

	st, err := r.gateway.TransactionStatus(ctx, w.GatewayReference)
	if err != nil {
		logger.Warn().Err(err).Msg("gateway status query failed")
		sum.Errors++
		return
	}
	if st == nil || strings.TrimSpace(st.Status) == "" {
		return
	}

	next, ok := MapStatus(st.Status)
	if !ok {
		logger.Warn().Str("gateway_status", st.Status).Msg("unrecognized gateway status")
		sum.Unrecognized++
		return
	}
	if next == w.Status {
		return
	}
	if !CanTransition(w.Status, next) {
		logger.Warn().Str("from", string(w.Status)).Str("to", string(next)).Msg("refusing invalid withdrawal transition")
		return
	}

	now := r.now()
	var processedAt *time.Time
	reason := ""
	switch next {
	case domain.WithdrawalCompleted:
		processedAt = &now
	case domain.WithdrawalFailed:
		reason = strings.TrimSpace(st.Message)
		if reason == "" {
			reason = defaultFailureReason
		}
	}

	applied, err := r.store.TransitionWithdrawal(ctx, w.ID, w.Status, next, reason, processedAt, now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to update withdrawal status")
		sum.Errors++
		return
	}
	if !applied {
		// Another invocation moved it first; its notification covers this transition.
		logger.Info().Msg("withdrawal changed concurrently, skipping")
		return
	}

	sum.Updated++
	r.metrics.RecordTransition(string(next))
	logger.Info().Str("from", string(w.Status)).Str("to", string(next)).Msg("withdrawal status updated")

	switch next {
	case domain.WithdrawalCompleted:
		sum.Completed++
	case domain.WithdrawalFailed:
		sum.Failed++
	default:
		return
	}
	if r.notifyTransition(ctx, w, next, reason) {
		sum.Notified++
	}
}

// notifyTransition makes the single notification attempt for a terminal
// transition. Failures stay in the notification log for the retry job.
func (r *Reconciler) notifyTransition(ctx context.Context, w domain.WithdrawalRequest, to domain.WithdrawalStatus, reason string) bool {
	logger := log.With().Str("withdrawal_id", w.ID).Logger()

	u, err := r.store.UserForEmployee(ctx, w.EmployeeID)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot resolve withdrawal owner for notification")
		return false
	}

	amount := w.NetAmount.StringFixed(2)
	msg := notify.Message{Subject: "Withdrawal update"}
	if to == domain.WithdrawalCompleted {
		msg.Subject = "Withdrawal completed"
		msg.Body = fmt.Sprintf("Your withdrawal of %s has been completed.", amount)
	} else {
		msg.Subject = "Withdrawal failed"
		msg.Body = fmt.Sprintf("Your withdrawal of %s failed: %s", amount, reason)
	}

	if _, err := r.notifier.Notify(ctx, u, msg); err != nil {
		logger.Warn().Err(err).Msg("withdrawal notification failed")
		return false
	}
	return true
}
