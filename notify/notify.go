// Package notify publishes lifecycle transitions of subscription instances
// to interested parties.
package notify

import (
	"context"
	"time"

	"github.com/GoCodeAlone/subscriptions/subscription"
)

// Transition is one durably applied history event, as seen by subscribers.
type Transition struct {
	InstanceID     string                 `json:"instance_id"`
	SubscriptionID string                 `json:"subscription_id"`
	Sequence       int64                  `json:"sequence"`
	Event          subscription.EventType `json:"event"`
	Phase          subscription.Phase     `json:"phase"`
	State          subscription.State     `json:"state"`
	Final          bool                   `json:"final"`
	Summary        string                 `json:"summary,omitempty"`
	At             time.Time              `json:"at"`
}

// Publisher delivers transitions. Delivery is best effort: the history is
// already persisted when Publish is called.
type Publisher interface {
	Publish(ctx context.Context, t Transition) error
	Close() error
}

// NopPublisher discards every transition.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Transition) error { return nil }
func (NopPublisher) Close() error                              { return nil }
