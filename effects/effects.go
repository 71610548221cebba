// Package effects binds the lifecycle's named effects to implementations and
// runs them with per-attempt timeouts and retries.
package effects

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/subscriptions/subscription"
)

// Request is one effect invocation.
type Request struct {
	InstanceID   string
	Effect       subscription.Effect
	Subscription subscription.Subscription
	// Amount is the charge amount for EffectChargeCustomer.
	Amount int64
	// Period is the billing period the invocation belongs to.
	Period int
	// IdempotencyKey is stable across redeliveries of the same step.
	IdempotencyKey string
}

// NewRequest builds the request for an invoke command.
func NewRequest(sub subscription.Subscription, cmd subscription.Command) Request {
	instanceID := sub.InstanceID()
	return Request{
		InstanceID:     instanceID,
		Effect:         cmd.Effect,
		Subscription:   sub,
		Amount:         cmd.Amount,
		Period:         cmd.Period,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", instanceID, cmd.Effect, cmd.Period),
	}
}

// Func implements one effect. Implementations must be safe to call more than
// once for the same request.
type Func func(ctx context.Context, req Request) error

// Table maps every effect name to its implementation.
type Table map[subscription.Effect]Func

// Validate checks that every lifecycle effect is bound.
func (t Table) Validate() error {
	for _, e := range subscription.Effects() {
		if t[e] == nil {
			return fmt.Errorf("%w: %s", ErrMissingEffect, e)
		}
	}
	return nil
}

// Lookup returns the implementation of e.
func (t Table) Lookup(e subscription.Effect) (Func, error) {
	fn := t[e]
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingEffect, e)
	}
	return fn, nil
}

// NewTable binds the four emails to mailer and the charge to charger.
func NewTable(mailer Mailer, charger Charger) Table {
	email := func(ctx context.Context, req Request) error {
		return mailer.Send(ctx, NewEmail(req))
	}
	return Table{
		subscription.EffectSendWelcomeEmail:        email,
		subscription.EffectSendTrialCancelledEmail: email,
		subscription.EffectSendCancelledEmail:      email,
		subscription.EffectSendCompletedEmail:      email,
		subscription.EffectChargeCustomer: func(ctx context.Context, req Request) error {
			return charger.Charge(ctx, Charge{
				SubscriptionID: req.Subscription.ID,
				Customer:       req.Subscription.Customer,
				Amount:         req.Amount,
				Period:         req.Period,
				IdempotencyKey: req.IdempotencyKey,
			})
		},
	}
}
