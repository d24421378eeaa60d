package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"portaljobs/internal/domain"
	"portaljobs/internal/metrics"
	"portaljobs/internal/store"
)

type RetryStore interface {
	RetryableNotifications(ctx context.Context, since time.Time, limit int) ([]domain.NotificationLogEntry, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id, errMsg string) error
	MarkNotificationPermanent(ctx context.Context, id, errMsg string) error
	PurgeNotificationLogs(ctx context.Context, cutoff time.Time) (int, error)
	PurgeReadSystemNotifications(ctx context.Context, cutoff time.Time) (int, error)
	DeliveryCounts(ctx context.Context, from, to time.Time) (domain.DeliveryCounts, error)
	ClaimDigest(ctx context.Context, day string, at time.Time) (bool, error)
	ActiveAdmins(ctx context.Context) ([]domain.User, error)
}

type Config struct {
	// MaxAge bounds how old a failed entry may be and still be retried.
	MaxAge time.Duration
	// MaxBatch caps retries per run.
	MaxBatch int
	// SystemRetention is how long read in-app notifications are kept.
	SystemRetention time.Duration
	// LogRetention is how long notification log entries are kept.
	LogRetention time.Duration
	// DigestHour is the local hour during which the daily digest goes out. Negative disables it.
	DigestHour int
	Location   *time.Location
}

func DefaultConfig() Config {
	return Config{
		MaxAge:          24 * time.Hour,
		MaxBatch:        20,
		SystemRetention: 30 * 24 * time.Hour,
		LogRetention:    90 * 24 * time.Hour,
		DigestHour:      8,
		Location:        time.UTC,
	}
}

type RetrySummary struct {
	Selected int
	Sent     int
	Failed   int
	Skipped  int
	Errors   int
}

type RunSummary struct {
	RetrySummary
	PurgedSystem int
	PurgedLogs   int
	DigestSent   int
}

func (s RunSummary) String() string {
	return fmt.Sprintf("retried %d: %d sent, %d failed, %d skipped; purged %d notifications, %d logs; digest sent to %d",
		s.Selected, s.Sent, s.Failed, s.Skipped, s.PurgedSystem, s.PurgedLogs, s.DigestSent)
}

// Engine retries failed deliveries and runs the notification housekeeping.
type Engine struct {
	store     RetryStore
	messenger Messenger
	cfg       Config
	metrics   *metrics.Collector
	now       func() time.Time
}

func NewEngine(s RetryStore, m Messenger, cfg Config, mc *metrics.Collector) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Engine{store: s, messenger: m, cfg: cfg, metrics: mc, now: time.Now}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run is the notification-retry job body. Only a failure to select retry
// candidates is returned; housekeeping failures are logged.
func (e *Engine) Run(ctx context.Context) (RunSummary, error) {
	var sum RunSummary
	retry, err := e.RetryFailed(ctx, e.cfg.MaxAge, e.cfg.MaxBatch)
	sum.RetrySummary = retry
	if err != nil {
		return sum, err
	}

	now := e.now()
	if n, err := e.store.PurgeReadSystemNotifications(ctx, now.Add(-e.cfg.SystemRetention)); err != nil {
		log.Error().Err(err).Msg("failed to purge read system notifications")
	} else {
		sum.PurgedSystem = n
	}
	if n, err := e.store.PurgeNotificationLogs(ctx, now.Add(-e.cfg.LogRetention)); err != nil {
		log.Error().Err(err).Msg("failed to purge notification logs")
	} else {
		sum.PurgedLogs = n
	}

	sum.DigestSent = e.SendDigest(ctx, now)
	return sum, nil
}

// RetryFailed re-attempts failed deliveries created within maxAge, oldest
// first, at most maxBatch of them.
func (e *Engine) RetryFailed(ctx context.Context, maxAge time.Duration, maxBatch int) (RetrySummary, error) {
	var sum RetrySummary
	now := e.now()
	entries, err := e.store.RetryableNotifications(ctx, now.Add(-maxAge), maxBatch)
	if err != nil {
		return sum, fmt.Errorf("select failed notifications: %w", err)
	}
	sum.Selected = len(entries)

	for _, entry := range entries {
		logger := log.With().Str("notification_id", entry.ID).Str("channel", string(entry.Channel)).Logger()

		u, err := e.store.GetUser(ctx, entry.UserID)
		if errors.Is(err, store.ErrNotFound) {
			e.skip(ctx, entry, "recipient user no longer exists")
			sum.Skipped++
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to resolve recipient")
			sum.Errors++
			continue
		}
		if !entry.Channel.Valid() {
			e.skip(ctx, entry, fmt.Sprintf("unknown channel %q", entry.Channel))
			sum.Skipped++
			continue
		}
		to := Contact(u, entry.Channel)
		if to == "" {
			e.skip(ctx, entry, fmt.Sprintf("no %s contact on file", entry.Channel))
			sum.Skipped++
			continue
		}

		subject := entry.Subject
		if subject == "" {
			subject = "Notification"
		}
		sendErr := deliver(ctx, e.messenger, entry.Channel, to, Message{Subject: subject, Body: entry.Message})
		e.metrics.RecordDelivery(string(entry.Channel), sendErr == nil)
		if sendErr != nil {
			logger.Warn().Err(sendErr).Msg("notification retry failed")
			if err := e.store.MarkNotificationFailed(ctx, entry.ID, sendErr.Error()); err != nil {
				logger.Error().Err(err).Msg("failed to record retry failure")
			}
			sum.Failed++
			continue
		}
		if err := e.store.MarkNotificationSent(ctx, entry.ID, e.now()); err != nil {
			logger.Error().Err(err).Msg("failed to mark notification sent")
			sum.Errors++
			continue
		}
		sum.Sent++
	}

	log.Info().
		Int("selected", sum.Selected).
		Int("sent", sum.Sent).
		Int("failed", sum.Failed).
		Int("skipped", sum.Skipped).
		Msg("notification retry pass finished")
	return sum, nil
}

func (e *Engine) skip(ctx context.Context, entry domain.NotificationLogEntry, reason string) {
	log.Info().Str("notification_id", entry.ID).Str("reason", reason).Msg("notification permanently skipped")
	if err := e.store.MarkNotificationPermanent(ctx, entry.ID, reason); err != nil {
		log.Error().Err(err).Str("notification_id", entry.ID).Msg("failed to mark notification permanent")
	}
}

// SendDigest emails today's delivery counts to every active admin, once per
// day, during the configured hour. It is fire-and-forget: failures are only
// logged. It returns the number of admins reached.
func (e *Engine) SendDigest(ctx context.Context, now time.Time) int {
	if e.cfg.DigestHour < 0 {
		return 0
	}
	local := now.In(e.cfg.Location)
	if local.Hour() != e.cfg.DigestHour {
		return 0
	}
	day := local.Format("2006-01-02")
	claimed, err := e.store.ClaimDigest(ctx, day, now)
	if err != nil {
		log.Error().Err(err).Str("day", day).Msg("failed to claim daily digest")
		return 0
	}
	if !claimed {
		return 0
	}

	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.cfg.Location)
	counts, err := e.store.DeliveryCounts(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		log.Error().Err(err).Msg("failed to count deliveries for digest")
		return 0
	}
	admins, err := e.store.ActiveAdmins(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list digest recipients")
		return 0
	}

	subject := "Daily notification summary " + day
	body := fmt.Sprintf("Notifications for %s\nSent: %d\nFailed: %d\nPending: %d\n", day, counts.Sent, counts.Failed, counts.Pending)
	reached := 0
	for _, a := range admins {
		if a.Email == "" {
			continue
		}
		if err := e.messenger.SendEmail(ctx, a.Email, subject, body); err != nil {
			log.Warn().Err(err).Str("user_id", a.ID).Msg("digest delivery failed")
			continue
		}
		reached++
	}
	return reached
}
