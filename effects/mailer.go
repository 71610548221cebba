package effects

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/subscriptions/subscription"
)

// Email is a customer notification.
type Email struct {
	Kind           subscription.Effect
	SubscriptionID string
	To             string
	Subject        string
	Body           string
}

// NewEmail renders the notification for an email effect.
func NewEmail(req Request) Email {
	c := req.Subscription.Customer
	e := Email{
		Kind:           req.Effect,
		SubscriptionID: req.Subscription.ID,
		To:             c.Email,
	}
	switch req.Effect {
	case subscription.EffectSendWelcomeEmail:
		e.Subject = "Welcome to your subscription"
		e.Body = fmt.Sprintf("Hi %s, your subscription %s has started.", c.FirstName, req.Subscription.ID)
	case subscription.EffectSendTrialCancelledEmail:
		e.Subject = "Your trial was cancelled"
		e.Body = fmt.Sprintf("Hi %s, your subscription %s was cancelled during the trial period. You have not been charged.", c.FirstName, req.Subscription.ID)
	case subscription.EffectSendCancelledEmail:
		e.Subject = "Your subscription was cancelled"
		e.Body = fmt.Sprintf("Hi %s, your subscription %s was cancelled.", c.FirstName, req.Subscription.ID)
	case subscription.EffectSendCompletedEmail:
		e.Subject = "Your subscription has ended"
		e.Body = fmt.Sprintf("Hi %s, your subscription %s has completed. Renew any time to keep going.", c.FirstName, req.Subscription.ID)
	default:
		e.Subject = string(req.Effect)
	}
	return e
}

// Mailer delivers customer notifications.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// LogMailer writes emails to a structured log instead of delivering them.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a LogMailer. A nil logger uses slog.Default().
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, email Email) error {
	m.logger.InfoContext(ctx, "sending email",
		"kind", string(email.Kind),
		"subscription_id", email.SubscriptionID,
		"to", email.To,
		"subject", email.Subject,
	)
	return nil
}

var _ Mailer = (*LogMailer)(nil)
