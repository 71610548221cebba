package effects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"github.com/GoCodeAlone/subscriptions/subscription"
)

// Charge is one billing-period charge.
type Charge struct {
	SubscriptionID string
	Customer       subscription.Customer
	Amount         int64
	Period         int
	IdempotencyKey string
}

// Charger collects a billing-period charge.
type Charger interface {
	Charge(ctx context.Context, charge Charge) error
}

// LogCharger records charges in a structured log instead of collecting them.
type LogCharger struct {
	logger *slog.Logger
}

// NewLogCharger creates a LogCharger. A nil logger uses slog.Default().
func NewLogCharger(logger *slog.Logger) *LogCharger {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogCharger{logger: logger}
}

func (c *LogCharger) Charge(ctx context.Context, charge Charge) error {
	c.logger.InfoContext(ctx, "charging customer for billing period",
		"subscription_id", charge.SubscriptionID,
		"email", charge.Customer.Email,
		"amount", charge.Amount,
		"period", charge.Period,
	)
	return nil
}

// StripeConfig configures the Stripe charger.
type StripeConfig struct {
	APIKey   string `yaml:"api_key" env:"API_KEY"`
	Currency string `yaml:"currency" env:"CURRENCY"`
	// PaymentMethod is confirmed immediately when set (e.g. pm_card_visa in
	// test mode); otherwise the intent is left for the customer to confirm.
	PaymentMethod string `yaml:"payment_method" env:"PAYMENT_METHOD"`
}

// StripeCharger collects charges as Stripe PaymentIntents. The idempotency
// key makes redelivered attempts for the same period collapse into one
// intent.
type StripeCharger struct {
	cfg StripeConfig
}

// NewStripeCharger configures the Stripe client with cfg.APIKey.
func NewStripeCharger(cfg StripeConfig) *StripeCharger {
	if cfg.Currency == "" {
		cfg.Currency = string(stripe.CurrencyUSD)
	}
	stripe.Key = cfg.APIKey
	return &StripeCharger{cfg: cfg}
}

func (c *StripeCharger) Charge(ctx context.Context, charge Charge) error {
	if charge.Amount == 0 {
		// Stripe rejects zero-amount intents; there is nothing to collect.
		return nil
	}

	params := &stripe.PaymentIntentParams{
		Amount:       stripe.Int64(charge.Amount),
		Currency:     stripe.String(c.cfg.Currency),
		ReceiptEmail: stripe.String(charge.Customer.Email),
		Description:  stripe.String(fmt.Sprintf("Subscription %s, billing period %d", charge.SubscriptionID, charge.Period)),
	}
	if c.cfg.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(c.cfg.PaymentMethod)
		params.PaymentMethodTypes = stripe.StringSlice([]string{"card"})
		params.Confirm = stripe.Bool(true)
	}
	params.Context = ctx
	params.SetIdempotencyKey(charge.IdempotencyKey)
	params.AddMetadata("subscription_id", charge.SubscriptionID)
	params.AddMetadata("billing_period", strconv.Itoa(charge.Period))

	pi, err := paymentintent.New(params)
	if err != nil {
		return classifyStripeError(err)
	}
	if pi.Status == stripe.PaymentIntentStatusCanceled {
		return Permanent(fmt.Errorf("billing: payment intent %s was canceled", pi.ID))
	}
	return nil
}

// classifyStripeError marks errors that a retry cannot fix as permanent.
func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("billing: create payment intent: %w", err)
	}
	wrapped := fmt.Errorf("billing: create payment intent: %s (%s): %w", stripeErr.Msg, stripeErr.Code, err)
	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		return Permanent(wrapped)
	case stripeErr.Type == stripe.ErrorTypeIdempotency:
		return Permanent(wrapped)
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests, stripeErr.HTTPStatusCode >= 500:
		return wrapped
	case stripeErr.HTTPStatusCode >= 400:
		return Permanent(wrapped)
	}
	return wrapped
}

var (
	_ Charger = (*LogCharger)(nil)
	_ Charger = (*StripeCharger)(nil)
)
