package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"portaljobs/internal/domain"
)

// EligibleEmployees returns active employees of active users with a positive
// monthly salary, ordered by id so batches are deterministic.
func (s *Store) EligibleEmployees(ctx context.Context, q Querier) ([]domain.Employee, error) {
	rows, err := q.QueryContext(ctx, `
SELECT e.id, e.monthly_salary, e.active, u.id, u.name, u.email, u.phone, u.role, u.active
FROM employees e JOIN users u ON u.id = e.user_id
WHERE e.active=1 AND u.active=1
ORDER BY e.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Employee
	for rows.Next() {
		var e domain.Employee
		var empActive, userActive int
		if err := rows.Scan(&e.ID, &e.MonthlySalary, &empActive, &e.User.ID, &e.User.Name, &e.User.Email, &e.User.Phone, &e.User.Role, &userActive); err != nil {
			return nil, err
		}
		e.Active = empActive == 1
		e.User.Active = userActive == 1
		if !e.MonthlySalary.IsPositive() {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) InsertAllocation(ctx context.Context, q Querier, rec domain.AllocationRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = "alc_" + uuid.NewString()
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO salary_allocations (id, employee_id, period, amount, allocation_type, allocated_by, notes, created_at)
VALUES (?,?,?,?,?,?,?,?)`, id, rec.EmployeeID, rec.Period, rec.Amount.String(), rec.AllocationType, rec.AllocatedBy, rec.Notes, millis(s.stamp(rec.CreatedAt)))
	return id, err
}

func (s *Store) ListAllocations(ctx context.Context, q Querier, period string) ([]domain.AllocationRecord, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id, employee_id, period, amount, allocation_type, allocated_by, notes, created_at
FROM salary_allocations WHERE period=? ORDER BY employee_id, created_at`, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AllocationRecord
	for rows.Next() {
		var r domain.AllocationRecord
		var created int64
		if err := rows.Scan(&r.ID, &r.EmployeeID, &r.Period, &r.Amount, &r.AllocationType, &r.AllocatedBy, &r.Notes, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetBalance(ctx context.Context, q Querier, employeeID string) (domain.BalanceProjection, error) {
	row := q.QueryRowContext(ctx, `
SELECT employee_id, allocated_amount, withdrawn_amount, current_period, status
FROM employee_balances WHERE employee_id=?`, employeeID)
	var b domain.BalanceProjection
	var status string
	err := row.Scan(&b.EmployeeID, &b.AllocatedAmount, &b.WithdrawnAmount, &b.CurrentPeriod, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BalanceProjection{}, ErrNotFound
	}
	if err != nil {
		return domain.BalanceProjection{}, err
	}
	b.Status = domain.BalanceStatus(status)
	return b, nil
}

// SetWithdrawn overwrites the withdrawn total. The withdrawal ledger owns this
// figure; it is exposed for seeding and tests.
func (s *Store) SetWithdrawn(ctx context.Context, employeeID string, withdrawn decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO employee_balances (employee_id, withdrawn_amount, updated_at) VALUES (?,?,?)
ON CONFLICT(employee_id) DO UPDATE SET withdrawn_amount=excluded.withdrawn_amount, updated_at=excluded.updated_at`,
		employeeID, withdrawn.String(), millis(s.now()))
	return err
}

// ApplyAllocation adds amount to the employee's projection for period and
// recomputes its status.
func (s *Store) ApplyAllocation(ctx context.Context, q Querier, employeeID, period string, amount decimal.Decimal, at time.Time) (domain.BalanceProjection, error) {
	b, err := s.GetBalance(ctx, q, employeeID)
	if errors.Is(err, ErrNotFound) {
		b = domain.BalanceProjection{EmployeeID: employeeID}
	} else if err != nil {
		return domain.BalanceProjection{}, err
	}

	b.AllocatedAmount = b.AllocatedAmount.Add(amount)
	b.CurrentPeriod = period
	b.Status = domain.ProjectStatus(b.AllocatedAmount, b.WithdrawnAmount)

	_, err = q.ExecContext(ctx, `
INSERT INTO employee_balances (employee_id, allocated_amount, withdrawn_amount, current_period, status, updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(employee_id) DO UPDATE SET
  allocated_amount=excluded.allocated_amount,
  current_period=excluded.current_period,
  status=excluded.status,
  updated_at=excluded.updated_at`,
		b.EmployeeID, b.AllocatedAmount.String(), b.WithdrawnAmount.String(), b.CurrentPeriod, string(b.Status), millis(s.stamp(at)))
	if err != nil {
		return domain.BalanceProjection{}, err
	}
	return b, nil
}
