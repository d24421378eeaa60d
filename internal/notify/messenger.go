// Package notify delivers outbound notifications, logs every attempt and
// retries failed deliveries within a bounded window.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"portaljobs/internal/domain"
)

var (
	ErrNoContact      = errors.New("recipient has no contact for channel")
	ErrUnknownChannel = errors.New("unknown notification channel")
)

// Messenger is the messaging provider capability. Any error means the
// delivery failed.
type Messenger interface {
	SendSMS(ctx context.Context, to, text string) error
	SendEmail(ctx context.Context, to, subject, body string) error
	SendWhatsApp(ctx context.Context, to, text string) error
	SendWhatsAppTemplate(ctx context.Context, to, template string, params []string) error
}

// Message is one notification. Template and Params are only used on WhatsApp.
type Message struct {
	Subject  string
	Body     string
	Template string
	Params   []string
}

// Contact returns the address u has for ch, or "" when none is on file.
func Contact(u domain.User, ch domain.Channel) string {
	switch ch {
	case domain.ChannelSMS, domain.ChannelWhatsApp:
		return strings.TrimSpace(u.Phone)
	case domain.ChannelEmail:
		return strings.TrimSpace(u.Email)
	}
	return ""
}

func deliver(ctx context.Context, m Messenger, ch domain.Channel, to string, msg Message) error {
	switch ch {
	case domain.ChannelSMS:
		return m.SendSMS(ctx, to, msg.Body)
	case domain.ChannelEmail:
		return m.SendEmail(ctx, to, msg.Subject, msg.Body)
	case domain.ChannelWhatsApp:
		if msg.Template != "" {
			return m.SendWhatsAppTemplate(ctx, to, msg.Template, msg.Params)
		}
		return m.SendWhatsApp(ctx, to, msg.Body)
	}
	return fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
}

// LogMessenger only logs. It stands in for a provider in dry-run deployments.
type LogMessenger struct{}

func (LogMessenger) SendSMS(_ context.Context, to, text string) error {
	log.Info().Str("channel", "sms").Str("to", to).Str("text", text).Msg("dry-run send")
	return nil
}

func (LogMessenger) SendEmail(_ context.Context, to, subject, body string) error {
	log.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Int("body_len", len(body)).Msg("dry-run send")
	return nil
}

func (LogMessenger) SendWhatsApp(_ context.Context, to, text string) error {
	log.Info().Str("channel", "whatsapp").Str("to", to).Str("text", text).Msg("dry-run send")
	return nil
}

func (LogMessenger) SendWhatsAppTemplate(_ context.Context, to, template string, params []string) error {
	log.Info().Str("channel", "whatsapp").Str("to", to).Str("template", template).Strs("params", params).Msg("dry-run send")
	return nil
}

// BreakerSettings configure Breaker.
type BreakerSettings struct {
	// ConsecutiveFailures opens the circuit. Default 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before probing. Default 1m.
	OpenTimeout time.Duration
}

// Breaker wraps a Messenger in a circuit breaker so a failing provider is not
// hammered by every queued notification in a batch.
type Breaker struct {
	next Messenger
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Messenger, s BreakerSettings) *Breaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = time.Minute
	}
	threshold := s.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "messenger",
		Timeout: s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) run(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (b *Breaker) SendSMS(ctx context.Context, to, text string) error {
	return b.run(func() error { return b.next.SendSMS(ctx, to, text) })
}

func (b *Breaker) SendEmail(ctx context.Context, to, subject, body string) error {
	return b.run(func() error { return b.next.SendEmail(ctx, to, subject, body) })
}

func (b *Breaker) SendWhatsApp(ctx context.Context, to, text string) error {
	return b.run(func() error { return b.next.SendWhatsApp(ctx, to, text) })
}

func (b *Breaker) SendWhatsAppTemplate(ctx context.Context, to, template string, params []string) error {
	return b.run(func() error { return b.next.SendWhatsAppTemplate(ctx, to, template, params) })
}
