package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"portaljobs/internal/domain"
)

// CreateWithdrawal inserts a request as the portal's withdrawal flow would.
func (s *Store) CreateWithdrawal(ctx context.Context, w domain.WithdrawalRequest) (string, error) {
	id := w.ID
	if id == "" {
		id = "wdr_" + uuid.NewString()
	}
	if w.Status == "" {
		w.Status = domain.WithdrawalPending
	}
	var ref sql.NullString
	if w.GatewayReference != "" {
		ref = sql.NullString{String: w.GatewayReference, Valid: true}
	}
	created := millis(s.stamp(w.CreatedAt))
	_, err := s.db.ExecContext(ctx, `
INSERT INTO withdrawal_requests (id, employee_id, net_amount, gateway_reference, status, failure_reason, processed_at, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`, id, w.EmployeeID, w.NetAmount.String(), ref, string(w.Status), w.FailureReason, nullMillis(w.ProcessedAt), created, created)
	return id, err
}

// ReconcilableWithdrawals returns open requests that carry a gateway
// reference, oldest first.
func (s *Store) ReconcilableWithdrawals(ctx context.Context, limit int) ([]domain.WithdrawalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, employee_id, net_amount, gateway_reference, status, failure_reason, processed_at, created_at
FROM withdrawal_requests
WHERE status IN ('pending','processing') AND gateway_reference IS NOT NULL AND gateway_reference <> ''
ORDER BY created_at ASC, id ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) GetWithdrawal(ctx context.Context, id string) (domain.WithdrawalRequest, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, employee_id, net_amount, gateway_reference, status, failure_reason, processed_at, created_at
FROM withdrawal_requests WHERE id=?`, id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WithdrawalRequest{}, ErrNotFound
	}
	return w, err
}

// TransitionWithdrawal moves a request from one status to another. It is a
// compare-and-set on the stored status and reports false when the row was
// no longer in from.
func (s *Store) TransitionWithdrawal(ctx context.Context, id string, from, to domain.WithdrawalStatus, failureReason string, processedAt *time.Time, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE withdrawal_requests
SET status=?,
    failure_reason=CASE WHEN ?='failed' THEN ? ELSE failure_reason END,
    processed_at=COALESCE(?, processed_at),
    updated_at=?
WHERE id=? AND status=?`,
		string(to), string(to), failureReason, nullMillis(processedAt), millis(s.stamp(at)), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanWithdrawal(sc scanner) (domain.WithdrawalRequest, error) {
	var w domain.WithdrawalRequest
	var ref sql.NullString
	var status string
	var processed sql.NullInt64
	var created int64
	if err := sc.Scan(&w.ID, &w.EmployeeID, &w.NetAmount, &ref, &status, &w.FailureReason, &processed, &created); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	w.GatewayReference = ref.String
	w.Status = domain.WithdrawalStatus(status)
	w.ProcessedAt = timePtr(processed)
	w.CreatedAt = fromMillis(created)
	return w, nil
}
