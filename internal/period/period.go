// Package period identifies calendar months and guards once-per-period operations.
package period

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"portaljobs/internal/domain"
)

var ErrInvalidPeriod = errors.New("invalid period")

// Period is a calendar month, the idempotency key for monthly allocation.
type Period struct {
	Year  int
	Month time.Month
}

func Of(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// Parse accepts the canonical YYYY-MM form.
func Parse(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("%w %q: %v", ErrInvalidPeriod, s, err)
	}
	return Of(t), nil
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) Label() string {
	return fmt.Sprintf("%s %d", p.Month, p.Year)
}

// Querier is satisfied by *sql.Tx; the guard must run in the transaction that
// performs the guarded writes.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AlreadyProcessed reports whether an automated record of kind exists for key.
func AlreadyProcessed(ctx context.Context, q Querier, kind, key string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
SELECT 1 FROM salary_allocations
WHERE period=? AND allocation_type=? AND allocated_by=?
LIMIT 1`, key, kind, domain.AllocatedBySystem).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
