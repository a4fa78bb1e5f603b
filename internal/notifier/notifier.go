package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	gomail "gopkg.in/gomail.v2"

	"example.com/storefront/services/dispatch/config"
)

// Notification is one formatted alert derived from an audit event.
type Notification struct {
	EventID      int64
	SubjectID    uint
	SubjectName  string
	SubjectEmail string
	Action       string
	ChangedAt    time.Time
}

// Subject builds the mail subject line.
func (n Notification) Subject() string {
	return fmt.Sprintf("Account change alert: %s for %s", n.Action, n.subjectLabel())
}

// Body builds the plain-text message body.
func (n Notification) Body() string {
	return fmt.Sprintf("Change %q detected for %s (ID %d) at %s.",
		n.Action, n.subjectLabel(), n.SubjectID, n.ChangedAt.Format(time.RFC3339))
}

func (n Notification) subjectLabel() string {
	if n.SubjectEmail != "" {
		return n.SubjectEmail
	}
	return fmt.Sprintf("user %d", n.SubjectID)
}

// Sink delivers notifications to one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// LogSink writes every notification to the service log. Always configured.
type LogSink struct{}

// Name identifies the sink in delivery-failure logs.
func (LogSink) Name() string { return "log" }

// Deliver logs the notification.
func (LogSink) Deliver(_ context.Context, n Notification) error {
	log.Info().
		Int64("event_id", n.EventID).
		Uint("subject_id", n.SubjectID).
		Str("action", n.Action).
		Str("email", n.SubjectEmail).
		Time("changed_at", n.ChangedAt).
		Msg("Audit alert")
	return nil
}

// EmailSink delivers notifications over SMTP.
type EmailSink struct {
	dialer *gomail.Dialer
	from   string
	to     string
}

// NewEmailSink builds the SMTP sink, or nil when no host is configured.
// Missing mail configuration is a valid degraded mode, not an error: alerts
// still reach the log sink.
func NewEmailSink(cfg config.SMTPConfig) *EmailSink {
	if cfg.Host == "" {
		log.Warn().Msg("SMTP host not configured, email alerts disabled")
		return nil
	}
	return &EmailSink{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
		to:     cfg.To,
	}
}

// Name identifies the sink in delivery-failure logs.
func (*EmailSink) Name() string { return "email" }

// Deliver sends the notification as a plain-text mail. The send runs in its
// own goroutine so the context deadline bounds a hung SMTP dial.
func (s *EmailSink) Deliver(ctx context.Context, n Notification) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", s.to)
	m.SetHeader("Subject", n.Subject())
	m.SetBody("text/plain", n.Body())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.dialer.DialAndSend(m)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
