package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"portaljobs/internal/domain"
	"portaljobs/internal/metrics"
)

type LogStore interface {
	InsertNotificationLog(ctx context.Context, e domain.NotificationLogEntry) (string, error)
}

// Dispatcher is the sending flow: it picks a channel, delivers, and writes
// one log entry per attempt so failures can be retried later.
type Dispatcher struct {
	messenger Messenger
	logs      LogStore
	channels  []domain.Channel
	metrics   *metrics.Collector
	now       func() time.Time
}

// DefaultChannels is the channel preference used when none is configured.
var DefaultChannels = []domain.Channel{domain.ChannelSMS, domain.ChannelEmail}

func NewDispatcher(m Messenger, logs LogStore, channels []domain.Channel, mc *metrics.Collector) *Dispatcher {
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	return &Dispatcher{messenger: m, logs: logs, channels: channels, metrics: mc, now: time.Now}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Channel returns the first preferred channel u can be reached on.
func (d *Dispatcher) Channel(u domain.User) (domain.Channel, string, bool) {
	for _, ch := range d.channels {
		if to := Contact(u, ch); to != "" {
			return ch, to, true
		}
	}
	return "", "", false
}

// Notify makes one delivery attempt to u. A delivery failure is logged as a
// failed entry and returned; the caller decides whether it matters.
func (d *Dispatcher) Notify(ctx context.Context, u domain.User, msg Message) (domain.Channel, error) {
	ch, to, ok := d.Channel(u)
	if !ok {
		return "", fmt.Errorf("notify user %s: %w", u.ID, ErrNoContact)
	}

	entry := domain.NotificationLogEntry{
		UserID:    u.ID,
		Channel:   ch,
		Subject:   msg.Subject,
		Message:   msg.Body,
		CreatedAt: d.now(),
	}
	sendErr := deliver(ctx, d.messenger, ch, to, msg)
	d.metrics.RecordDelivery(string(ch), sendErr == nil)
	if sendErr != nil {
		entry.Status = domain.NotificationFailed
		entry.ErrorMessage = sendErr.Error()
	} else {
		sent := entry.CreatedAt
		entry.Status = domain.NotificationSent
		entry.SentAt = &sent
	}

	if _, err := d.logs.InsertNotificationLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("user_id", u.ID).Str("channel", string(ch)).Msg("failed to write notification log")
	}
	if sendErr != nil {
		return ch, fmt.Errorf("send %s to user %s: %w", ch, u.ID, sendErr)
	}
	return ch, nil
}
