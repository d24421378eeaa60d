package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Dispatcher accepts due jobs. worker.Pool implements it.
type Dispatcher interface {
	Submit(ctx context.Context, name string) bool
}

type entry struct {
	job      string
	expr     string
	schedule cron.Schedule
	next     time.Time
	lastRun  time.Time
}

// Entry is a read-only view of one cron entry.
type Entry struct {
	Job     string    `json:"job"`
	Expr    string    `json:"cron_expr"`
	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run,omitempty"`
}

type Service struct {
	pool     Dispatcher
	loc      *time.Location
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry
}

func NewService(pool Dispatcher, checkInterval time.Duration, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &Service{
		pool:     pool,
		loc:      loc,
		interval: checkInterval,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Add schedules job on a standard five-field cron expression evaluated in
// the service's time zone.
func (s *Service) Add(job, expr string) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for %s: %w", expr, job, err)
	}
	e := &entry{job: job, expr: expr, schedule: sched}
	e.next = sched.Next(s.now().In(s.loc))

	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	log.Info().Str("job", job).Str("cron_expr", expr).Time("next_run", e.next).Msg("job scheduled")
	return nil
}

func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Entry{Job: e.job, Expr: e.expr, NextRun: e.next, LastRun: e.lastRun})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Str("tz", s.loc.String()).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.processDue(ctx, s.now())
		}
	}
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// processDue submits every job whose next run is at or before now and
// advances it. Missed runs collapse into one submission.
func (s *Service) processDue(ctx context.Context, now time.Time) int {
	now = now.In(s.loc)
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
			e.lastRun = now
			e.next = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	submitted := 0
	for _, e := range due {
		if s.pool.Submit(ctx, e.job) {
			submitted++
			log.Info().Str("job", e.job).Time("next_run", e.next).Msg("scheduled job dispatched")
		}
	}
	return submitted
}

// ValidateCronExpression reports whether expr is a standard five-field cron
// expression that Add would accept.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
