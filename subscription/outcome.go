package subscription

import "fmt"

// OutcomeKind is one of the three terminal outcomes.
type OutcomeKind string

const (
	OutcomeTrialCancelled OutcomeKind = "trial_cancelled"
	OutcomeCancelled      OutcomeKind = "cancelled"
	OutcomeCompleted      OutcomeKind = "completed"
)

// Outcome is the result of a finished instance.
type Outcome struct {
	Kind           OutcomeKind `json:"kind"`
	SubscriptionID string      `json:"subscription_id"`
	TotalCharged   int64       `json:"total_charged"`
}

// String returns the human readable summary of the outcome.
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeTrialCancelled:
		return fmt.Sprintf("Subscription cancelled during trial period for: %s", o.SubscriptionID)
	case OutcomeCancelled:
		return fmt.Sprintf("Subscription cancelled for: %s, total charged: %d", o.SubscriptionID, o.TotalCharged)
	case OutcomeCompleted:
		return fmt.Sprintf("Subscription completed for: %s, total charged: %d", o.SubscriptionID, o.TotalCharged)
	default:
		return fmt.Sprintf("Subscription %s: unknown outcome %q", o.SubscriptionID, o.Kind)
	}
}
