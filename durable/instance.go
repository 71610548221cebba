package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/subscriptions/cache"
	"github.com/GoCodeAlone/subscriptions/effects"
	"github.com/GoCodeAlone/subscriptions/notify"
	"github.com/GoCodeAlone/subscriptions/observability/tracing"
	"github.com/GoCodeAlone/subscriptions/scale"
	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/GoCodeAlone/subscriptions/subscription"
)

// instance is a machine driven by this process. mu guards m, seq and
// updated; the driver and signals both commit through it.
type instance struct {
	id      string
	sub     subscription.Subscription
	release func()

	mu      sync.Mutex
	m       *subscription.Machine
	seq     int64
	updated time.Time

	// wake is poked after a signal so a parked driver re-reads its command.
	wake chan struct{}
	done chan struct{}
	err  error
}

func newInstance(id string, sub subscription.Subscription, m *subscription.Machine, seq int64, release func()) *instance {
	return &instance{
		id:      id,
		sub:     sub,
		release: release,
		m:       m,
		seq:     seq,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (i *instance) notify() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

func (i *instance) snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return cache.NewSnapshot(i.id, i.m, i.seq, i.updated)
}

// still reports whether the machine is still parked on cmd. The caller holds
// mu.
func (i *instance) still(cmd subscription.Command) bool {
	return i.m.Next().Same(cmd)
}

// commit folds evt into a copy of the machine, appends it to the history and
// only then swaps the copy in. The caller holds inst.mu.
func (r *Runtime) commit(ctx context.Context, inst *instance, evt subscription.Event) error {
	next := inst.m.Clone()
	if err := next.Apply(evt); err != nil {
		return fmt.Errorf("apply %s to %s: %w", evt.Type, inst.id, err)
	}

	seq := inst.seq + 1
	ctx, span := r.tracer.StartTransition(ctx, inst.id, string(evt.Type), seq)
	defer span.End()

	stored, err := r.store.Append(ctx, store.HistoryEvent{
		InstanceID:  inst.id,
		SequenceNum: seq,
		EventType:   string(evt.Type),
		EventData:   evt.Data,
		Final:       next.Terminal(),
	})
	if err != nil {
		tracing.RecordError(span, err)
		return &appendError{err: fmt.Errorf("append %s to %s: %w", evt.Type, inst.id, err)}
	}
	span.SetAttributes(tracing.AttrPhase.String(string(next.Phase())))

	inst.m = next
	inst.seq = stored.SequenceNum
	inst.updated = stored.CreatedAt
	r.metrics.recordTransition(string(evt.Type))
	r.logger.Debug("transition applied",
		"subscription_id", inst.sub.ID,
		"seq", stored.SequenceNum,
		"event", stored.EventType,
		"phase", string(next.Phase()),
	)
	r.announce(ctx, inst, stored)
	return nil
}

// announce refreshes the snapshot cache and publishes the transition. Both
// are best effort; the history is already durable.
func (r *Runtime) announce(ctx context.Context, inst *instance, stored store.HistoryEvent) {
	snap := cache.NewSnapshot(inst.id, inst.m, stored.SequenceNum, stored.CreatedAt)
	if err := r.cache.Put(ctx, snap); err != nil {
		r.logger.Warn("snapshot cache write failed", "subscription_id", inst.sub.ID, "error", err)
	}
	err := r.publisher.Publish(ctx, notify.Transition{
		InstanceID:     inst.id,
		SubscriptionID: inst.sub.ID,
		Sequence:       stored.SequenceNum,
		Event:          subscription.EventType(stored.EventType),
		Phase:          inst.m.Phase(),
		State:          inst.m.State(),
		Final:          stored.Final,
		Summary:        snap.Summary,
		At:             stored.CreatedAt,
	})
	if err != nil {
		r.logger.Warn("transition publish failed", "subscription_id", inst.sub.ID, "seq", stored.SequenceNum, "error", err)
	}
}

// drive executes commands until the machine is terminal, the runtime shuts
// down or a commit fails for good. A driver that stops on an error leaves the
// instance open for the next recovery sweep.
func (r *Runtime) drive(inst *instance, resumed bool) error {
	ctx, span := r.tracer.StartInstance(r.ctx, inst.id, inst.sub.ID, resumed)
	defer span.End()

	for {
		inst.mu.Lock()
		cmd := inst.m.Next()
		inst.mu.Unlock()

		var err error
		switch cmd.Kind {
		case subscription.CommandNone:
			tracing.SetSuccess(span)
			return nil
		case subscription.CommandInvokeEffect:
			err = r.invoke(ctx, inst, cmd)
		case subscription.CommandScheduleTimer:
			err = r.schedule(ctx, inst, cmd)
		case subscription.CommandAwaitTimer:
			err = r.await(ctx, inst, cmd)
		default:
			err = fmt.Errorf("unknown command %s", cmd.Kind)
		}
		if err != nil {
			if r.ctx.Err() == nil {
				tracing.RecordError(span, err)
			}
			return err
		}
	}
}

// record commits evt while the machine is still parked on cmd, and reports
// whether it did. Failed appends are retried with backoff until one succeeds,
// the machine moves on or ctx ends; signals can commit between attempts.
func (r *Runtime) record(ctx context.Context, inst *instance, cmd subscription.Command, evt subscription.Event) (bool, error) {
	backoff := r.cfg.CommitBackoff
	for attempt := 1; ; attempt++ {
		inst.mu.Lock()
		if !inst.still(cmd) {
			inst.mu.Unlock()
			return false, nil
		}
		err := r.commit(ctx, inst, evt)
		inst.mu.Unlock()
		if err == nil {
			return true, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return false, err
		}

		r.metrics.recordCommitRetry(string(evt.Type))
		r.logger.Warn("history append failed, retrying",
			"subscription_id", inst.sub.ID,
			"event", string(evt.Type),
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		timer := r.clock.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C():
		}
		backoff = min(backoff*2, r.cfg.CommitMaxBackoff)
	}
}

// invoke records an effect invocation, runs it on the worker pool outside
// inst.mu and records its outcome. The recorded amount and period are what
// the effect runs with, also after a restart.
func (r *Runtime) invoke(ctx context.Context, inst *instance, cmd subscription.Command) error {
	if !cmd.Recorded {
		_, err := r.record(ctx, inst, cmd, subscription.NewEffectScheduled(cmd.Effect, cmd.Period, cmd.Amount))
		return err
	}
	req := effects.NewRequest(inst.sub, cmd)

	results, err := r.pool.Submit(ctx, scale.Task{
		ID:  req.IdempotencyKey,
		Key: inst.id,
		Execute: func(ctx context.Context) error {
			return r.invoker.Invoke(ctx, req)
		},
	})
	if err != nil {
		return r.interrupted(ctx, fmt.Errorf("submit %s: %w", cmd.Effect, err))
	}

	var res scale.TaskResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.Err != nil && (ctx.Err() != nil || errors.Is(res.Err, scale.ErrPoolStopped)) {
		return r.interrupted(ctx, res.Err)
	}

	if res.Err != nil {
		ok, err := r.record(ctx, inst, cmd, subscription.NewFailed(cmd.Effect, res.Err.Error()))
		if err != nil || !ok {
			return err
		}
		return fmt.Errorf("%w: %w", ErrInstanceFailed, res.Err)
	}
	_, err = r.record(ctx, inst, cmd, subscription.NewEffectCompleted(cmd.Effect, cmd.Amount))
	return err
}

// schedule records a durable timer. The deadline is the only wall-clock read
// that reaches the history.
func (r *Runtime) schedule(ctx context.Context, inst *instance, cmd subscription.Command) error {
	_, err := r.record(ctx, inst, cmd, subscription.NewTimerScheduled(cmd.TimerID, r.clock.Now().Add(cmd.After)))
	return err
}

// await parks until the recorded deadline or a signal. A deadline already in
// the past, as after a long outage, fires at once.
func (r *Runtime) await(ctx context.Context, inst *instance, cmd subscription.Command) error {
	timer := r.clock.NewTimer(cmd.FireAt.Sub(r.clock.Now()))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-inst.wake:
		return nil
	case <-timer.C():
	}
	_, err := r.record(ctx, inst, cmd, subscription.NewTimerFired(cmd.TimerID))
	return err
}

// interrupted reports shutdown as ErrRuntimeClosed and passes other errors
// through.
func (r *Runtime) interrupted(ctx context.Context, err error) error {
	if r.ctx.Err() != nil || ctx.Err() != nil || errors.Is(err, scale.ErrPoolStopped) {
		return ErrRuntimeClosed
	}
	return err
}

// finish unregisters a driver that returned and wakes its waiters.
func (r *Runtime) finish(inst *instance, err error) {
	if err != nil && r.ctx.Err() != nil && !errors.Is(err, ErrInstanceFailed) {
		err = ErrRuntimeClosed
	}

	inst.mu.Lock()
	m := inst.m
	inst.mu.Unlock()

	switch {
	case err == nil:
		out, _ := m.Outcome()
		r.metrics.recordClosed(string(out.Kind))
		r.logger.Info("instance closed",
			"subscription_id", inst.sub.ID,
			"outcome", string(out.Kind),
			"summary", out.String(),
		)
	case errors.Is(err, ErrInstanceFailed):
		r.metrics.recordClosed("failed")
		r.logger.Error("instance failed", "subscription_id", inst.sub.ID, "error", err)
	case errors.Is(err, ErrRuntimeClosed):
		r.logger.Debug("instance parked for shutdown", "subscription_id", inst.sub.ID, "phase", string(m.Phase()))
	default:
		r.logger.Error("instance driver stopped", "subscription_id", inst.sub.ID, "error", err)
	}

	r.mu.Lock()
	delete(r.live, inst.id)
	r.mu.Unlock()
	inst.release()
	r.metrics.addLive(-1)

	inst.err = err
	close(inst.done)
}
