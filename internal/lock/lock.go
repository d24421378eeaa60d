// Package lock provides cross-invocation mutual exclusion for jobs. A lock is
// a named token with an acquisition time; a token older than its TTL is
// assumed abandoned by a crashed holder and may be reclaimed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"portaljobs/internal/domain"
)

// DefaultTTL is the staleness threshold after which a held lock is reclaimable.
const DefaultTTL = 30 * time.Second

var (
	// ErrBusy means another live invocation holds the lock. It is an outcome, not a failure.
	ErrBusy = errors.New("lock busy")
	// ErrNotHeld is returned by Release when the lock was already gone or reclaimed.
	ErrNotHeld = errors.New("lock not held")
)

// Locker is the contract the job runner depends on.
type Locker interface {
	Acquire(ctx context.Context, jobName string, ttl time.Duration) (Handle, error)
}

// Handle is an acquired lock. Release must be called on every exit path.
type Handle interface {
	Release(ctx context.Context) error
}

// Store is the persistence primitive behind a Manager.
type Store interface {
	// TryAcquire creates the lock if no lock for the job exists.
	TryAcquire(ctx context.Context, l domain.JobLock) (bool, error)
	Get(ctx context.Context, jobName string) (domain.JobLock, bool, error)
	// Reclaim atomically replaces stale with fresh, failing if the stored lock
	// is no longer exactly stale.
	Reclaim(ctx context.Context, stale, fresh domain.JobLock) (bool, error)
	Release(ctx context.Context, jobName, owner string) error
}

// IsStale reports whether l is older than ttl at now. A lock aged exactly ttl is still valid.
func IsStale(l domain.JobLock, ttl time.Duration, now time.Time) bool {
	return now.Sub(l.AcquiredAt) > ttl
}

type Manager struct {
	store Store
	host  string
	now   func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHost overrides the host part of generated owner ids.
func WithHost(host string) Option {
	return func(m *Manager) { m.host = host }
}

func NewManager(store Store, opts ...Option) *Manager {
	host, _ := os.Hostname()
	m := &Manager{store: store, host: host, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) owner() string {
	return fmt.Sprintf("%s:%d:%s", m.host, os.Getpid(), uuid.NewString())
}

// Acquire takes the named lock or returns ErrBusy when a fresh lock exists.
func (m *Manager) Acquire(ctx context.Context, jobName string, ttl time.Duration) (Handle, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	want := domain.JobLock{JobName: jobName, Owner: m.owner(), AcquiredAt: m.now()}

	ok, err := m.store.TryAcquire(ctx, want)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", jobName, err)
	}
	if ok {
		return m.handle(want), nil
	}

	held, found, err := m.store.Get(ctx, jobName)
	if err != nil {
		return nil, fmt.Errorf("inspect lock %s: %w", jobName, err)
	}
	if !found {
		// Released between our insert and read; one more attempt only.
		ok, err = m.store.TryAcquire(ctx, want)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", jobName, err)
		}
		if !ok {
			return nil, ErrBusy
		}
		return m.handle(want), nil
	}

	if !IsStale(held, ttl, want.AcquiredAt) {
		return nil, ErrBusy
	}

	log.Warn().
		Str("job", jobName).
		Str("stale_owner", held.Owner).
		Dur("age", want.AcquiredAt.Sub(held.AcquiredAt)).
		Msg("reclaiming stale job lock")

	ok, err = m.store.Reclaim(ctx, held, want)
	if err != nil {
		return nil, fmt.Errorf("reclaim lock %s: %w", jobName, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return m.handle(want), nil
}

func (m *Manager) handle(l domain.JobLock) *handle {
	return &handle{store: m.store, lock: l}
}

type handle struct {
	store Store
	lock  domain.JobLock
}

func (h *handle) Release(ctx context.Context) error {
	return h.store.Release(ctx, h.lock.JobName, h.lock.Owner)
}

// Owner is the owner id recorded with the lock.
func (h *handle) Owner() string { return h.lock.Owner }
