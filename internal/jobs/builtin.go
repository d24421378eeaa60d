package jobs

import (
	"context"
	"time"

	"portaljobs/internal/allocation"
	"portaljobs/internal/notify"
	"portaljobs/internal/period"
	"portaljobs/internal/reconcile"
)

const (
	WithdrawalReconcile = "withdrawal-reconcile"
	MonthlyAllocation   = "monthly-allocation"
	NotificationRetry   = "notification-retry"
)

type ReconcileJob struct {
	Reconciler *reconcile.Reconciler
	BatchLimit int
}

func (ReconcileJob) Name() string { return WithdrawalReconcile }

func (j ReconcileJob) Run(ctx context.Context) (Result, error) {
	sum, err := j.Reconciler.Reconcile(ctx, j.BatchLimit)
	if err != nil {
		return Result{Processed: sum.Checked}, err
	}
	return Result{Processed: sum.Updated, Message: sum.String()}, nil
}

// AllocationJob allocates the current calendar month as seen in Location.
type AllocationJob struct {
	Processor *allocation.Processor
	Location  *time.Location
	Now       func() time.Time
}

func (AllocationJob) Name() string { return MonthlyAllocation }

func (j AllocationJob) Run(ctx context.Context) (Result, error) {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	loc := j.Location
	if loc == nil {
		loc = time.UTC
	}
	sum, err := j.Processor.AllocateMonthly(ctx, period.Of(now().In(loc)))
	if err != nil {
		return Result{}, err
	}
	return Result{Processed: sum.SuccessCount, Message: sum.String(), Skipped: sum.Skipped}, nil
}

type RetryJob struct {
	Engine *notify.Engine
}

func (RetryJob) Name() string { return NotificationRetry }

func (j RetryJob) Run(ctx context.Context) (Result, error) {
	sum, err := j.Engine.Run(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Processed: sum.Sent, Message: sum.String()}, nil
}

// Func adapts a plain function into a Job.
type Func struct {
	JobName string
	Fn      func(ctx context.Context) (Result, error)
}

func (f Func) Name() string                            { return f.JobName }
func (f Func) Run(ctx context.Context) (Result, error) { return f.Fn(ctx) }
