// Package jobs runs named job bodies under a lock and records one audit row
// per invocation. Every trigger path goes through Runner.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"portaljobs/internal/domain"
	"portaljobs/internal/lock"
	"portaljobs/internal/metrics"
)

var ErrUnknownJob = errors.New("unknown job")

// Result is what a job body reports back to the runner.
type Result struct {
	Processed int
	Message   string
	// Skipped marks a run that found nothing to do because its work was already done.
	Skipped bool
}

type Job interface {
	Name() string
	Run(ctx context.Context) (Result, error)
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusBusy    Status = "busy"
)

// Outcome is the summarized result handed to callers. Message never carries
// internal error text; the full text goes to the audit record and the log.
type Outcome struct {
	Job        string    `json:"job"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Processed  int       `json:"processed_count"`
	Message    string    `json:"message"`
	Skipped    bool      `json:"skipped,omitempty"`
	// Err is the body's error, if any. It is not serialized.
	Err error `json:"-"`
}

type AuditStore interface {
	InsertExecution(ctx context.Context, rec domain.ExecutionRecord) (string, error)
}

type Runner struct {
	locker  lock.Locker
	audit   AuditStore
	metrics *metrics.Collector
	order   []string
	jobs    map[string]Job
	ttls    map[string]time.Duration
	ttl     time.Duration
	now     func() time.Time
}

func NewRunner(locker lock.Locker, audit AuditStore, mc *metrics.Collector) *Runner {
	return &Runner{
		locker:  locker,
		audit:   audit,
		metrics: mc,
		jobs:    map[string]Job{},
		ttls:    map[string]time.Duration{},
		ttl:     lock.DefaultTTL,
		now:     time.Now,
	}
}

func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// WithDefaultTTL sets the lock staleness threshold for jobs registered without one.
func (r *Runner) WithDefaultTTL(ttl time.Duration) *Runner {
	if ttl > 0 {
		r.ttl = ttl
	}
	return r
}

// Register adds j. A positive ttl overrides the default lock TTL for this job.
// Registration order is the order RunAll uses.
func (r *Runner) Register(j Job, ttl time.Duration) *Runner {
	name := j.Name()
	if _, ok := r.jobs[name]; !ok {
		r.order = append(r.order, name)
	}
	r.jobs[name] = j
	if ttl > 0 {
		r.ttls[name] = ttl
	}
	return r
}

// Names lists registered jobs in registration order.
func (r *Runner) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Has reports whether name is registered.
func (r *Runner) Has(name string) bool {
	_, ok := r.jobs[name]
	return ok
}

func (r *Runner) ttlFor(name string) time.Duration {
	if d, ok := r.ttls[name]; ok {
		return d
	}
	return r.ttl
}

// Run performs one guarded invocation of the named job. A busy lock is
// reported as an Outcome, not an error, and writes nothing. The returned
// error is non-nil only when the job is unknown or the lock backend failed.
func (r *Runner) Run(ctx context.Context, name string) (Outcome, error) {
	j, ok := r.jobs[name]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	logger := log.With().Str("job", name).Logger()
	started := r.now()

	h, err := r.locker.Acquire(ctx, name, r.ttlFor(name))
	if errors.Is(err, lock.ErrBusy) {
		logger.Info().Msg("job already running, skipping")
		r.metrics.RecordLockBusy(name)
		r.metrics.RecordJob(name, string(StatusBusy), 0)
		return Outcome{Job: name, Status: StatusBusy, StartedAt: started, FinishedAt: started, Message: "already running"}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	defer func() {
		// Release even when the caller's context is already cancelled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := h.Release(rctx); err != nil {
			logger.Warn().Err(err).Msg("failed to release job lock")
		}
	}()

	logger.Info().Msg("job started")
	res, runErr := r.invoke(ctx, j)
	finished := r.now()

	out := Outcome{
		Job:        name,
		StartedAt:  started,
		FinishedAt: finished,
		Processed:  res.Processed,
		Skipped:    res.Skipped,
	}
	rec := domain.ExecutionRecord{
		JobName:    name,
		StartedAt:  started,
		FinishedAt: finished,
		Processed:  res.Processed,
	}
	if runErr != nil {
		out.Status = StatusError
		out.Message = "job failed"
		out.Err = runErr
		rec.Status = domain.ExecutionError
		rec.Message = runErr.Error()
		logger.Error().Err(runErr).Dur("took", finished.Sub(started)).Msg("job failed")
	} else {
		out.Status = StatusSuccess
		out.Message = res.Message
		rec.Status = domain.ExecutionSuccess
		rec.Message = res.Message
		logger.Info().Int("processed", res.Processed).Dur("took", finished.Sub(started)).Msg(res.Message)
	}
	r.metrics.RecordJob(name, string(out.Status), finished.Sub(started))

	if _, err := r.audit.InsertExecution(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error().Err(err).Msg("failed to write execution record")
	}
	return out, nil
}

func (r *Runner) invoke(ctx context.Context, j Job) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("job", j.Name()).Interface("panic", p).Bytes("stack", debug.Stack()).Msg("job panicked")
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return j.Run(ctx)
}

// RunAll runs every registered job in registration order. A failing or busy
// job does not stop the others; the first non-outcome error is returned after
// all jobs had their turn.
func (r *Runner) RunAll(ctx context.Context) ([]Outcome, error) {
	var firstErr error
	out := make([]Outcome, 0, len(r.order))
	for _, name := range r.order {
		o, err := r.Run(ctx, name)
		if err != nil {
			log.Error().Err(err).Str("job", name).Msg("job could not be started")
			if firstErr == nil {
				firstErr = err
			}
			o = Outcome{Job: name, Status: StatusError, StartedAt: r.now(), Message: "job failed", Err: err}
		}
		out = append(out, o)
	}
	return out, firstErr
}
