package subscription

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a history event.
type EventType string

const (
	EventStarted             EventType = "instance.started"
	EventEffectScheduled     EventType = "effect.scheduled"
	EventEffectCompleted     EventType = "effect.completed"
	EventTimerScheduled      EventType = "timer.scheduled"
	EventTimerFired          EventType = "timer.fired"
	EventCancelRequested     EventType = "signal.cancel"
	EventChargeAmountUpdated EventType = "signal.update"
	EventFailed              EventType = "instance.failed"
)

// Event is one entry of an instance history.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StartedPayload carries the subscription an instance runs for.
type StartedPayload struct {
	Subscription Subscription `json:"subscription"`
}

// EffectScheduledPayload records an effect invocation before it runs. A
// charge keeps the amount it was issued with, whatever updates follow.
type EffectScheduledPayload struct {
	Effect Effect `json:"effect"`
	Period int    `json:"period"`
	Amount int64  `json:"amount,omitempty"`
}

// EffectCompletedPayload records a successful effect. Amount is only set
// for charges and is the amount actually charged.
type EffectCompletedPayload struct {
	Effect Effect `json:"effect"`
	Amount int64  `json:"amount,omitempty"`
}

// TimerScheduledPayload records a durable wake-up.
type TimerScheduledPayload struct {
	TimerID string    `json:"timer_id"`
	FireAt  time.Time `json:"fire_at"`
}

// TimerFiredPayload records that a scheduled wake-up was delivered.
type TimerFiredPayload struct {
	TimerID string `json:"timer_id"`
}

// ChargeAmountUpdatedPayload is the update signal.
type ChargeAmountUpdatedPayload struct {
	Amount int64 `json:"billing_period_charge_amount"`
}

// FailedPayload records an effect whose retries were exhausted.
type FailedPayload struct {
	Effect Effect `json:"effect"`
	Error  string `json:"error"`
}

// NewStarted builds the first event of every history.
func NewStarted(sub Subscription) Event {
	return newEvent(EventStarted, StartedPayload{Subscription: sub})
}

// NewEffectScheduled records that an effect is about to be invoked.
func NewEffectScheduled(effect Effect, period int, amount int64) Event {
	return newEvent(EventEffectScheduled, EffectScheduledPayload{Effect: effect, Period: period, Amount: amount})
}

// NewEffectCompleted records a successful effect invocation.
func NewEffectCompleted(effect Effect, amount int64) Event {
	return newEvent(EventEffectCompleted, EffectCompletedPayload{Effect: effect, Amount: amount})
}

// NewTimerScheduled records a durable timer deadline.
func NewTimerScheduled(timerID string, fireAt time.Time) Event {
	return newEvent(EventTimerScheduled, TimerScheduledPayload{TimerID: timerID, FireAt: fireAt.UTC()})
}

// NewTimerFired records the delivery of a timer.
func NewTimerFired(timerID string) Event {
	return newEvent(EventTimerFired, TimerFiredPayload{TimerID: timerID})
}

// NewCancelRequested is the cancel signal.
func NewCancelRequested() Event {
	return Event{Type: EventCancelRequested}
}

// NewChargeAmountUpdated is the update signal.
func NewChargeAmountUpdated(amount int64) Event {
	return newEvent(EventChargeAmountUpdated, ChargeAmountUpdatedPayload{Amount: amount})
}

// NewFailed records an exhausted effect.
func NewFailed(effect Effect, reason string) Event {
	return newEvent(EventFailed, FailedPayload{Effect: effect, Error: reason})
}

func newEvent(t EventType, payload any) Event {
	// The payloads are plain structs of strings, integers and times; encoding
	// them cannot fail.
	data, _ := json.Marshal(payload)
	return Event{Type: t, Data: data}
}

func decode(evt Event, target any) error {
	if len(evt.Data) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedEvent, evt.Type)
	}
	if err := json.Unmarshal(evt.Data, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, evt.Type, err)
	}
	return nil
}
