package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPool struct {
	mu     sync.Mutex
	jobs   []string
	reject map[string]bool
}

func (p *recordingPool) Submit(_ context.Context, name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject[name] {
		return false
	}
	p.jobs = append(p.jobs, name)
	return true
}

func (p *recordingPool) submitted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.jobs...)
}

func TestService_DispatchesDueJobs(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 10, 30, 0, time.UTC)
	pool := &recordingPool{}
	s := NewService(pool, time.Minute, time.UTC).WithClock(func() time.Time { return start })

	require.NoError(t, s.Add("withdrawal-reconcile", "*/5 * * * *"))
	require.NoError(t, s.Add("monthly-allocation", "5 0 1 * *"))

	ctx := context.Background()
	assert.Zero(t, s.processDue(ctx, start.Add(time.Minute)))

	assert.Equal(t, 1, s.processDue(ctx, time.Date(2025, 6, 1, 0, 15, 0, 0, time.UTC)))
	assert.Equal(t, []string{"withdrawal-reconcile"}, pool.submitted())

	// Missed reconcile slots collapse into one dispatch.
	assert.Equal(t, 1, s.processDue(ctx, time.Date(2025, 6, 1, 0, 35, 0, 0, time.UTC)))
	assert.Len(t, pool.submitted(), 2)

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "withdrawal-reconcile", entries[0].Job)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 40, 0, 0, time.UTC), entries[0].NextRun)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 5, 0, 0, time.UTC), entries[1].NextRun)
}

func TestService_UsesConfiguredZone(t *testing.T) {
	zone := time.FixedZone("UTC+9", 9*3600)
	// 15:00 UTC on 30 June is 00:00 on 1 July in UTC+9.
	start := time.Date(2025, 6, 30, 14, 0, 0, 0, time.UTC)
	pool := &recordingPool{}
	s := NewService(pool, time.Minute, zone).WithClock(func() time.Time { return start })
	require.NoError(t, s.Add("monthly-allocation", "0 0 1 * *"))

	assert.Zero(t, s.processDue(context.Background(), time.Date(2025, 6, 30, 14, 59, 0, 0, time.UTC)))
	assert.Equal(t, 1, s.processDue(context.Background(), time.Date(2025, 6, 30, 15, 0, 0, 0, time.UTC)))
}

func TestService_RejectedSubmissionStillAdvances(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	pool := &recordingPool{reject: map[string]bool{"busy": true}}
	s := NewService(pool, time.Minute, time.UTC).WithClock(func() time.Time { return start })
	require.NoError(t, s.Add("busy", "* * * * *"))

	assert.Zero(t, s.processDue(context.Background(), start.Add(time.Minute)))
	assert.Equal(t, start.Add(2*time.Minute), s.Entries()[0].NextRun)
}

func TestService_AddRejectsBadExpression(t *testing.T) {
	s := NewService(&recordingPool{}, time.Minute, nil)
	assert.Error(t, s.Add("x", "every day"))
	assert.Empty(t, s.Entries())
}

func TestService_StartStops(t *testing.T) {
	s := NewService(&recordingPool{}, 10*time.Millisecond, nil)
	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	s.Stop()
	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("*/5 * * * *"))
	assert.Error(t, ValidateCronExpression("* * *"))

	s := NewService(&recordingPool{}, time.Minute, time.UTC)
	assert.Error(t, s.Add("bad", "* * *"), "Add rejects what ValidateCronExpression rejects")
}
