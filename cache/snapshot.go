// Package cache keeps the last known query view of every instance so that
// queries do not have to replay histories.
package cache

import (
	"context"
	"time"

	"github.com/GoCodeAlone/subscriptions/subscription"
)

// Snapshot is the query view of an instance after a durable transition.
type Snapshot struct {
	InstanceID     string `json:"instance_id"`
	SubscriptionID string `json:"subscription_id"`
	Phase          string `json:"phase"`
	subscription.State
	Closed  bool                  `json:"closed"`
	Outcome *subscription.Outcome `json:"outcome,omitempty"`
	// Summary is the outcome's human readable form.
	Summary string `json:"summary,omitempty"`
	Failure string `json:"failure,omitempty"`
	// Sequence is the last history sequence folded into the snapshot.
	Sequence  int64     `json:"sequence"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSnapshot captures the query view of m.
func NewSnapshot(instanceID string, m *subscription.Machine, seq int64, at time.Time) Snapshot {
	s := Snapshot{
		InstanceID:     instanceID,
		SubscriptionID: m.Subscription().ID,
		Phase:          string(m.Phase()),
		State:          m.State(),
		Closed:         m.Terminal(),
		Failure:        m.Failure(),
		Sequence:       seq,
		UpdatedAt:      at.UTC(),
	}
	if out, ok := m.Outcome(); ok {
		s.Outcome = &out
		s.Summary = out.String()
	}
	return s
}

// StateCache stores snapshots by instance id.
type StateCache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, instanceID string) (*Snapshot, error)
	// Put stores s unless a snapshot with a higher sequence is already
	// cached.
	Put(ctx context.Context, s Snapshot) error
	Delete(ctx context.Context, instanceID string) error
}
