package subscription

import (
	"fmt"
	"time"
)

// CommandKind tells the runtime what a parked machine is waiting for.
type CommandKind int

const (
	// CommandNone is returned by terminal and unstarted machines.
	CommandNone CommandKind = iota
	// CommandInvokeEffect asks for an effect; the machine resumes on
	// EventEffectCompleted or EventFailed. An invocation that is not yet
	// Recorded is first appended as EventEffectScheduled.
	CommandInvokeEffect
	// CommandScheduleTimer asks for a durable timer; the machine resumes on
	// EventTimerScheduled.
	CommandScheduleTimer
	// CommandAwaitTimer parks on a scheduled timer; the machine resumes on
	// EventTimerFired or, during the trial, EventCancelRequested.
	CommandAwaitTimer
)

func (k CommandKind) String() string {
	switch k {
	case CommandNone:
		return "none"
	case CommandInvokeEffect:
		return "invoke_effect"
	case CommandScheduleTimer:
		return "schedule_timer"
	case CommandAwaitTimer:
		return "await_timer"
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// Command is the next step requested by a machine.
type Command struct {
	Kind CommandKind

	// Effect, Amount and Period describe CommandInvokeEffect. Amount is the
	// charge amount in effect when the command was issued.
	Effect Effect
	Amount int64
	Period int
	// Recorded reports that the invocation is already in the history, so
	// Amount and Period are the recorded ones.
	Recorded bool

	// TimerID names the timer of CommandScheduleTimer and CommandAwaitTimer.
	TimerID string
	// After is the duration requested by CommandScheduleTimer.
	After time.Duration
	// FireAt is the recorded deadline of CommandAwaitTimer.
	FireAt time.Time
}

// Same reports whether two commands describe the same step.
func (c Command) Same(o Command) bool {
	return c.Kind == o.Kind && c.Effect == o.Effect && c.TimerID == o.TimerID &&
		c.Period == o.Period && c.Recorded == o.Recorded
}

// Next returns the command the machine is parked on.
func (m *Machine) Next() Command {
	if effect, ok := m.awaitedEffect(); ok {
		if m.scheduled != nil {
			return Command{
				Kind:     CommandInvokeEffect,
				Effect:   m.scheduled.Effect,
				Amount:   m.scheduled.Amount,
				Period:   m.scheduled.Period,
				Recorded: true,
			}
		}
		cmd := Command{
			Kind:   CommandInvokeEffect,
			Effect: effect,
			Period: m.state.BillingPeriodNumber,
		}
		if effect == EffectChargeCustomer {
			cmd.Amount = m.state.BillingPeriodChargeAmount
		}
		return cmd
	}
	if id, ok := m.awaitedTimer(); ok {
		if m.timer != nil {
			return Command{Kind: CommandAwaitTimer, TimerID: m.timer.ID, FireAt: m.timer.FireAt}
		}
		after := m.sub.BillingPeriod
		if m.phase == PhaseTrial {
			after = m.sub.TrialPeriod
		}
		return Command{Kind: CommandScheduleTimer, TimerID: id, After: after}
	}
	return Command{Kind: CommandNone}
}
