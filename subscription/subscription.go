// Package subscription implements the subscription lifecycle as an
// event-sourced state machine.
//
// A Machine is folded from an ordered list of events (Apply) and, at any
// point, reports the single command the runtime has to carry out next
// (Next). The package performs no I/O and never reads the wall clock: timer
// deadlines, effect outcomes and signals all arrive as events, so folding the
// same history always yields the same machine.
package subscription

import (
	"fmt"
	"strings"
	"time"
)

// instanceIDPrefix namespaces persisted histories and lock keys.
const instanceIDPrefix = "subscription-"

// Customer is the billed party.
type Customer struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// Subscription is the immutable input of one instance.
type Subscription struct {
	ID                        string        `json:"id"`
	TrialPeriod               time.Duration `json:"trial_period"`
	BillingPeriod             time.Duration `json:"billing_period"`
	MaxBillingPeriods         int           `json:"max_billing_periods"`
	BillingPeriodChargeAmount int64         `json:"billing_period_charge_amount"`
	Customer                  Customer      `json:"customer"`
}

// Validate checks the fields the lifecycle depends on.
func (s Subscription) Validate() error {
	switch {
	case strings.TrimSpace(s.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidSubscription)
	case s.TrialPeriod < 0:
		return fmt.Errorf("%w: trial period must not be negative", ErrInvalidSubscription)
	case s.BillingPeriod < 0:
		return fmt.Errorf("%w: billing period must not be negative", ErrInvalidSubscription)
	case s.MaxBillingPeriods <= 0:
		return fmt.Errorf("%w: max billing periods must be positive", ErrInvalidSubscription)
	case s.BillingPeriodChargeAmount < 0:
		return fmt.Errorf("%w: charge amount must not be negative", ErrInvalidSubscription)
	}
	return nil
}

// InstanceID returns the id the runtime stores this subscription under.
func (s Subscription) InstanceID() string {
	return InstanceID(s.ID)
}

// InstanceID maps a subscription id to its instance id.
func InstanceID(subscriptionID string) string {
	return instanceIDPrefix + subscriptionID
}
