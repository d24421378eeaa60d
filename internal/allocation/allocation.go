// Package allocation credits every eligible employee's monthly salary once per period.
package allocation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"portaljobs/internal/domain"
	"portaljobs/internal/metrics"
	"portaljobs/internal/notify"
	"portaljobs/internal/period"
	"portaljobs/internal/store"
)

// WhatsAppTemplate is the provider template used for allocation notices.
const WhatsAppTemplate = "salary_allocated"

type Store interface {
	Begin(ctx context.Context) (*sql.Tx, error)
	EligibleEmployees(ctx context.Context, q store.Querier) ([]domain.Employee, error)
	InsertAllocation(ctx context.Context, q store.Querier, rec domain.AllocationRecord) (string, error)
	ApplyAllocation(ctx context.Context, q store.Querier, employeeID, period string, amount decimal.Decimal, at time.Time) (domain.BalanceProjection, error)
	InsertSystemNotification(ctx context.Context, n domain.SystemNotification) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, u domain.User, msg notify.Message) (domain.Channel, error)
}

type Summary struct {
	Period         string
	Skipped        bool
	SuccessCount   int
	ErrorCount     int
	TotalAllocated decimal.Decimal
}

func (s Summary) String() string {
	if s.Skipped {
		return fmt.Sprintf("skipped: already processed for %s", s.Period)
	}
	return fmt.Sprintf("allocated %s to %d employees for %s (%d notification errors)",
		s.TotalAllocated.StringFixed(2), s.SuccessCount, s.Period, s.ErrorCount)
}

type Processor struct {
	store    Store
	notifier Notifier
	metrics  *metrics.Collector
	now      func() time.Time
}

func New(s Store, n Notifier, mc *metrics.Collector) *Processor {
	return &Processor{store: s, notifier: n, metrics: mc, now: time.Now}
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

type allocated struct {
	employee domain.Employee
	amount   decimal.Decimal
}

// AllocateMonthly credits the period's salary to every eligible employee in
// one transaction. The period guard runs inside that transaction, so a
// second run for the same period is a no-op. Notifications are sent only
// after commit and never affect the ledger.
func (p *Processor) AllocateMonthly(ctx context.Context, per period.Period) (sum Summary, err error) {
	key := per.String()
	sum = Summary{Period: key, TotalAllocated: decimal.Zero}
	logger := log.With().Str("period", key).Logger()

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return sum, fmt.Errorf("begin allocation: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.Error().Err(rbErr).Msg("rollback failed")
			}
		}
	}()

	done, err := period.AlreadyProcessed(ctx, tx, domain.AllocationMonthly, key)
	if err != nil {
		return sum, fmt.Errorf("check period guard: %w", err)
	}
	if done {
		logger.Info().Msg("monthly allocation already processed, skipping")
		sum.Skipped = true
		return sum, nil
	}

	employees, err := p.store.EligibleEmployees(ctx, tx)
	if err != nil {
		return sum, fmt.Errorf("list eligible employees: %w", err)
	}

	now := p.now()
	notes := "Automated monthly allocation for " + key
	credited := make([]allocated, 0, len(employees))
	for _, e := range employees {
		_, err := p.store.InsertAllocation(ctx, tx, domain.AllocationRecord{
			EmployeeID:     e.ID,
			Period:         key,
			Amount:         e.MonthlySalary,
			AllocationType: domain.AllocationMonthly,
			AllocatedBy:    domain.AllocatedBySystem,
			Notes:          notes,
			CreatedAt:      now,
		})
		if err != nil {
			return sum, fmt.Errorf("insert allocation for employee %s: %w", e.ID, err)
		}
		if _, err := p.store.ApplyAllocation(ctx, tx, e.ID, key, e.MonthlySalary, now); err != nil {
			return sum, fmt.Errorf("update balance for employee %s: %w", e.ID, err)
		}
		credited = append(credited, allocated{employee: e, amount: e.MonthlySalary})
		sum.TotalAllocated = sum.TotalAllocated.Add(e.MonthlySalary)
	}

	if err := tx.Commit(); err != nil {
		return sum, fmt.Errorf("commit allocation: %w", err)
	}
	committed = true
	sum.SuccessCount = len(credited)
	p.metrics.RecordAllocations(len(credited))
	logger.Info().Int("employees", len(credited)).Str("total", sum.TotalAllocated.String()).Msg("monthly allocation committed")

	for _, a := range credited {
		if !p.notifyEmployee(ctx, per, a) {
			sum.ErrorCount++
		}
	}
	return sum, nil
}

func (p *Processor) notifyEmployee(ctx context.Context, per period.Period, a allocated) bool {
	logger := log.With().Str("employee_id", a.employee.ID).Logger()
	amount := a.amount.StringFixed(2)
	title := "Salary allocated"
	body := fmt.Sprintf("Your salary of %s for %s has been allocated and is available for withdrawal.", amount, per.Label())

	ok := true
	if _, err := p.store.InsertSystemNotification(ctx, domain.SystemNotification{
		UserID: a.employee.User.ID, Title: title, Body: body, CreatedAt: p.now(),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to write in-app allocation notice")
		ok = false
	}

	_, err := p.notifier.Notify(ctx, a.employee.User, notify.Message{
		Subject:  title,
		Body:     body,
		Template: WhatsAppTemplate,
		Params:   []string{a.employee.User.Name, amount, per.Label()},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("allocation notification failed")
		ok = false
	}
	return ok
}
