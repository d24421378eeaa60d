package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"portaljobs/internal/jobs"
)

// Runner is the guarded job entry point.
type Runner interface {
	Run(ctx context.Context, name string) (jobs.Outcome, error)
}

// Pool runs job invocations on a bounded number of goroutines. A job that is
// already queued or running in this process is not submitted twice; the job
// lock covers other processes.
type Pool struct {
	runner      Runner
	sem         chan struct{}
	maxAttempts int

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

func NewPool(runner Runner, size, maxAttempts int) *Pool {
	if size <= 0 {
		size = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Pool{runner: runner, sem: make(chan struct{}, size), maxAttempts: maxAttempts, inflight: map[string]bool{}}
}

// Submit schedules one invocation of name and reports whether it was accepted.
func (p *Pool) Submit(ctx context.Context, name string) bool {
	p.mu.Lock()
	if p.inflight[name] {
		p.mu.Unlock()
		log.Debug().Str("job", name).Msg("job still in flight, not resubmitting")
		return false
	}
	p.inflight[name] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inflight, name)
			p.mu.Unlock()
		}()

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-p.sem }()
		p.run(ctx, name)
	}()
	return true
}

// run retries only infrastructure errors, i.e. a lock backend that could not
// be reached. Job failures are final and already audited by the runner.
func (p *Pool) run(ctx context.Context, name string) {
	for attempt := 1; ; attempt++ {
		out, err := p.runner.Run(ctx, name)
		if err == nil {
			log.Debug().Str("job", name).Str("status", string(out.Status)).Msg("scheduled run finished")
			return
		}
		if attempt >= p.maxAttempts {
			log.Error().Err(err).Str("job", name).Int("attempts", attempt).Msg("scheduled run could not start")
			return
		}
		wait := backoffExp(attempt)
		log.Warn().Err(err).Str("job", name).Dur("retry_in", wait).Msg("scheduled run could not start, retrying")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// InFlight reports whether name is queued or running.
func (p *Pool) InFlight(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[name]
}

// Wait blocks until every submitted invocation has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
