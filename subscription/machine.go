package subscription

import (
	"fmt"
	"time"
)

// Phase is the suspension point the machine is parked at.
type Phase string

const (
	PhaseNew                   Phase = "new"
	PhaseSendingWelcome        Phase = "sending_welcome"
	PhaseTrial                 Phase = "trial"
	PhaseSendingTrialCancelled Phase = "sending_trial_cancelled"
	PhaseCharging              Phase = "charging"
	PhaseBillingWait           Phase = "billing_wait"
	PhaseSendingCancelled      Phase = "sending_cancelled"
	PhaseSendingCompleted      Phase = "sending_completed"
	PhaseClosed                Phase = "closed"
	PhaseFailed                Phase = "failed"
)

// TrialTimerID names the timer that ends the trial.
const TrialTimerID = "trial"

// State is the durable, queryable state of a subscription.
type State struct {
	Cancelled                 bool  `json:"cancelled"`
	BillingPeriodNumber       int   `json:"billing_period_number"`
	TotalCharged              int64 `json:"total_charged"`
	BillingPeriodChargeAmount int64 `json:"billing_period_charge_amount"`
}

// Timer is a pending durable wake-up.
type Timer struct {
	ID     string    `json:"id"`
	FireAt time.Time `json:"fire_at"`
}

// Invocation is an effect recorded as scheduled but not yet completed.
type Invocation struct {
	Effect Effect `json:"effect"`
	Period int    `json:"period"`
	Amount int64  `json:"amount,omitempty"`
}

// Machine folds history events into subscription state. The zero value is
// not usable; call New or Replay.
type Machine struct {
	sub       Subscription
	state     State
	phase     Phase
	timer     *Timer
	scheduled *Invocation
	outcome   *Outcome
	failure   string
	applied   int
}

// New returns a machine that has not been started. Its queries already
// answer with the initial values.
func New() *Machine {
	return &Machine{
		phase: PhaseNew,
		state: State{BillingPeriodNumber: 1},
	}
}

// Replay folds events, in order, into a fresh machine.
func Replay(events []Event) (*Machine, error) {
	m := New()
	for i, evt := range events {
		if err := m.Apply(evt); err != nil {
			return nil, fmt.Errorf("replay event %d (%s): %w", i+1, evt.Type, err)
		}
	}
	return m, nil
}

// Clone returns an independent copy.
func (m *Machine) Clone() *Machine {
	cp := *m
	if m.timer != nil {
		t := *m.timer
		cp.timer = &t
	}
	if m.scheduled != nil {
		inv := *m.scheduled
		cp.scheduled = &inv
	}
	if m.outcome != nil {
		o := *m.outcome
		cp.outcome = &o
	}
	return &cp
}

func (m *Machine) Subscription() Subscription { return m.sub }
func (m *Machine) State() State               { return m.state }
func (m *Machine) Phase() Phase               { return m.phase }
func (m *Machine) Applied() int               { return m.applied }
func (m *Machine) Failure() string            { return m.failure }
func (m *Machine) Started() bool              { return m.phase != PhaseNew }

// PendingTimer returns the scheduled timer, if any.
func (m *Machine) PendingTimer() (Timer, bool) {
	if m.timer == nil {
		return Timer{}, false
	}
	return *m.timer, true
}

// ScheduledEffect returns the recorded invocation the machine waits on, if
// any.
func (m *Machine) ScheduledEffect() (Invocation, bool) {
	if m.scheduled == nil {
		return Invocation{}, false
	}
	return *m.scheduled, true
}

// Outcome returns the terminal outcome once the instance closed normally.
func (m *Machine) Outcome() (Outcome, bool) {
	if m.outcome == nil {
		return Outcome{}, false
	}
	return *m.outcome, true
}

// Terminal reports whether the machine accepts no more events.
func (m *Machine) Terminal() bool {
	return m.phase == PhaseClosed || m.phase == PhaseFailed
}

// Apply folds one event into the machine. On error the machine is left
// unchanged.
func (m *Machine) Apply(evt Event) error {
	if m.Terminal() {
		return fmt.Errorf("%w: %s received in phase %s", ErrInstanceClosed, evt.Type, m.phase)
	}
	if evt.Type != EventStarted && !m.Started() {
		return fmt.Errorf("%w: %s before %s", ErrUnexpectedEvent, evt.Type, EventStarted)
	}

	next := m.Clone()
	var err error
	switch evt.Type {
	case EventStarted:
		err = next.applyStarted(evt)
	case EventEffectScheduled:
		err = next.applyEffectScheduled(evt)
	case EventEffectCompleted:
		err = next.applyEffectCompleted(evt)
	case EventTimerScheduled:
		err = next.applyTimerScheduled(evt)
	case EventTimerFired:
		err = next.applyTimerFired(evt)
	case EventCancelRequested:
		next.applyCancel()
	case EventChargeAmountUpdated:
		err = next.applyChargeAmountUpdated(evt)
	case EventFailed:
		err = next.applyFailed(evt)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownEvent, evt.Type)
	}
	if err != nil {
		return err
	}
	if err := next.checkInvariants(m); err != nil {
		return err
	}
	next.applied++
	*m = *next
	return nil
}

func (m *Machine) applyStarted(evt Event) error {
	if m.Started() {
		return fmt.Errorf("%w: instance already started", ErrUnexpectedEvent)
	}
	var p StartedPayload
	if err := decode(evt, &p); err != nil {
		return err
	}
	if err := p.Subscription.Validate(); err != nil {
		return err
	}
	m.sub = p.Subscription
	m.state.BillingPeriodChargeAmount = p.Subscription.BillingPeriodChargeAmount
	m.phase = PhaseSendingWelcome
	return nil
}

func (m *Machine) applyEffectScheduled(evt Event) error {
	var p EffectScheduledPayload
	if err := decode(evt, &p); err != nil {
		return err
	}
	if want, ok := m.awaitedEffect(); !ok || want != p.Effect {
		return fmt.Errorf("%w: %s scheduled in phase %s", ErrUnexpectedEvent, p.Effect, m.phase)
	}
	if m.scheduled != nil {
		return fmt.Errorf("%w: %s already scheduled", ErrUnexpectedEvent, m.scheduled.Effect)
	}
	if p.Period != m.state.BillingPeriodNumber {
		return fmt.Errorf("%w: %s scheduled for period %d in period %d", ErrUnexpectedEvent, p.Effect, p.Period, m.state.BillingPeriodNumber)
	}
	if p.Amount < 0 {
		return fmt.Errorf("%w: negative charge %d", ErrInvariantViolation, p.Amount)
	}
	m.scheduled = &Invocation{Effect: p.Effect, Period: p.Period, Amount: p.Amount}
	return nil
}

// applyEffectCompleted accepts a completion with or without a prior
// EventEffectScheduled. When one was recorded, a charge must complete with
// the recorded amount.
func (m *Machine) applyEffectCompleted(evt Event) error {
	var p EffectCompletedPayload
	if err := decode(evt, &p); err != nil {
		return err
	}
	if want, ok := m.awaitedEffect(); !ok || want != p.Effect {
		return fmt.Errorf("%w: %s completed in phase %s", ErrUnexpectedEvent, p.Effect, m.phase)
	}
	if m.scheduled != nil && p.Effect == EffectChargeCustomer && p.Amount != m.scheduled.Amount {
		return fmt.Errorf("%w: charge completed with %d, scheduled with %d", ErrUnexpectedEvent, p.Amount, m.scheduled.Amount)
	}
	m.scheduled = nil

	switch p.Effect {
	case EffectSendWelcomeEmail:
		// The trial race checks the condition before arming the timer, so a
		// cancel that arrived during the welcome email wins immediately.
		if m.state.Cancelled {
			m.phase = PhaseSendingTrialCancelled
		} else {
			m.phase = PhaseTrial
		}
	case EffectChargeCustomer:
		if p.Amount < 0 {
			return fmt.Errorf("%w: negative charge %d", ErrInvariantViolation, p.Amount)
		}
		m.state.TotalCharged += p.Amount
		m.state.BillingPeriodNumber++
		m.phase = PhaseBillingWait
	case EffectSendTrialCancelledEmail:
		m.close(OutcomeTrialCancelled)
	case EffectSendCancelledEmail:
		m.close(OutcomeCancelled)
	case EffectSendCompletedEmail:
		m.close(OutcomeCompleted)
	}
	return nil
}

func (m *Machine) applyTimerScheduled(evt Event) error {
	var p TimerScheduledPayload
	if err := decode(evt, &p); err != nil {
		return err
	}
	if m.timer != nil {
		return fmt.Errorf("%w: timer %s already pending", ErrUnexpectedEvent, m.timer.ID)
	}
	if want, ok := m.awaitedTimer(); !ok || want != p.TimerID {
		return fmt.Errorf("%w: timer %s scheduled in phase %s", ErrUnexpectedEvent, p.TimerID, m.phase)
	}
	m.timer = &Timer{ID: p.TimerID, FireAt: p.FireAt}
	return nil
}

func (m *Machine) applyTimerFired(evt Event) error {
	var p TimerFiredPayload
	if err := decode(evt, &p); err != nil {
		return err
	}
	if m.timer == nil || m.timer.ID != p.TimerID {
		return fmt.Errorf("%w: timer %s fired but not pending", ErrUnexpectedEvent, p.TimerID)
	}
	m.timer = nil
	m.loopTop()
	return nil
}

// applyCancel sets the flag. Only the trial wait races against it; every
// other phase observes the flag at the top of the billing loop.
func (m *Machine) applyCancel() {
	m.state.Cancelled = true
	if m.phase == PhaseTrial {
		m.timer = nil
		m.phase = PhaseSendingTrialCancelled
	}
}

func (m *Machine) applyChargeAmountUpdated(evt Event) error {
	var p ChargeAmountUpdatedPayload
	if err := decode(evt, &p); err != nil {
		return err
	}
	if p.Amount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, p.Amount)
	}
	m.state.BillingPeriodChargeAmount = p.Amount
	return nil
}

func (m *Machine) applyFailed(evt Event) error {
	var p FailedPayload
	if err := decode(evt, &p); err != nil {
		return err
	}
	m.timer = nil
	m.scheduled = nil
	m.phase = PhaseFailed
	m.failure = fmt.Sprintf("%s: %s", p.Effect, p.Error)
	return nil
}

// loopTop is the billing loop checkpoint.
func (m *Machine) loopTop() {
	switch {
	case m.state.BillingPeriodNumber > m.sub.MaxBillingPeriods:
		m.phase = PhaseSendingCompleted
	case m.state.Cancelled:
		m.phase = PhaseSendingCancelled
	default:
		m.phase = PhaseCharging
	}
}

func (m *Machine) close(kind OutcomeKind) {
	m.phase = PhaseClosed
	m.outcome = &Outcome{
		Kind:           kind,
		SubscriptionID: m.sub.ID,
		TotalCharged:   m.state.TotalCharged,
	}
}

// checkInvariants compares the candidate state with the previous one.
func (m *Machine) checkInvariants(prev *Machine) error {
	cur, old := m.state, prev.state
	switch {
	case old.Cancelled && !cur.Cancelled:
		return fmt.Errorf("%w: cancelled flag reset", ErrInvariantViolation)
	case cur.BillingPeriodNumber < old.BillingPeriodNumber:
		return fmt.Errorf("%w: billing period moved from %d to %d", ErrInvariantViolation, old.BillingPeriodNumber, cur.BillingPeriodNumber)
	case cur.TotalCharged < old.TotalCharged:
		return fmt.Errorf("%w: total charged moved from %d to %d", ErrInvariantViolation, old.TotalCharged, cur.TotalCharged)
	case m.sub.MaxBillingPeriods > 0 && cur.BillingPeriodNumber > m.sub.MaxBillingPeriods+1:
		return fmt.Errorf("%w: billing period %d exceeds %d", ErrInvariantViolation, cur.BillingPeriodNumber, m.sub.MaxBillingPeriods+1)
	}
	if cur.BillingPeriodNumber == old.BillingPeriodNumber && cur.TotalCharged != old.TotalCharged {
		return fmt.Errorf("%w: total charged changed without a billing period", ErrInvariantViolation)
	}
	return nil
}

func (m *Machine) awaitedEffect() (Effect, bool) {
	switch m.phase {
	case PhaseSendingWelcome:
		return EffectSendWelcomeEmail, true
	case PhaseSendingTrialCancelled:
		return EffectSendTrialCancelledEmail, true
	case PhaseCharging:
		return EffectChargeCustomer, true
	case PhaseSendingCancelled:
		return EffectSendCancelledEmail, true
	case PhaseSendingCompleted:
		return EffectSendCompletedEmail, true
	}
	return "", false
}

func (m *Machine) awaitedTimer() (string, bool) {
	switch m.phase {
	case PhaseTrial:
		return TrialTimerID, true
	case PhaseBillingWait:
		return billingTimerID(m.state.BillingPeriodNumber - 1), true
	}
	return "", false
}

func billingTimerID(period int) string {
	return fmt.Sprintf("billing-%d", period)
}
