package durable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/subscriptions/cache"
	"github.com/GoCodeAlone/subscriptions/effects"
	"github.com/GoCodeAlone/subscriptions/notify"
	"github.com/GoCodeAlone/subscriptions/scale"
	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/GoCodeAlone/subscriptions/subscription"
)

const waitTimeout = 5 * time.Second

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// recorder is an Invoker that records every request and optionally runs a
// hook for it.
type recorder struct {
	mu    sync.Mutex
	calls []effects.Request
	hook  func(ctx context.Context, req effects.Request) error
}

func (r *recorder) Invoke(ctx context.Context, req effects.Request) error {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		return hook(ctx, req)
	}
	return nil
}

func (r *recorder) effects() []subscription.Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]subscription.Effect, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Effect
	}
	return out
}

func (r *recorder) charges() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, c := range r.calls {
		if c.Effect == subscription.EffectChargeCustomer {
			out = append(out, c.Amount)
		}
	}
	return out
}

type recordingPublisher struct {
	mu          sync.Mutex
	transitions []notify.Transition
}

func (p *recordingPublisher) Publish(_ context.Context, t notify.Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, t)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) all() []notify.Transition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Transition(nil), p.transitions...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRuntime(t *testing.T, hs store.HistoryStore, inv Invoker, clock *ManualClock, opts ...Option) *Runtime {
	t.Helper()
	base := []Option{WithClock(clock), WithLogger(discardLogger())}
	rt, err := New(hs, inv, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func testSubscription(id string) subscription.Subscription {
	return subscription.Subscription{
		ID:                        id,
		TrialPeriod:               0,
		BillingPeriod:             0,
		MaxBillingPeriods:         2,
		BillingPeriodChargeAmount: 100,
		Customer: subscription.Customer{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Email:     "ada@example.com",
		},
	}
}

// elapse waits for the driver to arm a timer and moves the clock past it.
func elapse(t *testing.T, clock *ManualClock, d time.Duration) {
	t.Helper()
	require.True(t, clock.WaitForTimers(1, waitTimeout), "no timer was armed")
	clock.Advance(d)
}

func eventTypes(events []store.HistoryEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}

func TestRuntime_CompletesAllBillingPeriods(t *testing.T) {
	inv := &recorder{}
	pub := &recordingPublisher{}
	metrics := NewMetrics(DefaultMetricsConfig())
	rt := newTestRuntime(t, store.NewInMemoryHistoryStore(), inv, NewManualClock(epoch),
		WithPublisher(pub), WithMetrics(metrics))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	out, err := rt.Run(ctx, testSubscription("sub-1"))
	require.NoError(t, err)
	require.Equal(t, subscription.OutcomeCompleted, out.Kind)
	require.EqualValues(t, 200, out.TotalCharged)
	require.Equal(t, "Subscription completed for: sub-1, total charged: 200", out.String())

	require.Equal(t, []subscription.Effect{
		subscription.EffectSendWelcomeEmail,
		subscription.EffectChargeCustomer,
		subscription.EffectChargeCustomer,
		subscription.EffectSendCompletedEmail,
	}, inv.effects())
	require.Equal(t, []int64{100, 100}, inv.charges())

	snap, err := rt.Query(ctx, "sub-1")
	require.NoError(t, err)
	require.Equal(t, 3, snap.BillingPeriodNumber)
	require.EqualValues(t, 200, snap.TotalCharged)
	require.True(t, snap.Closed)

	history, err := rt.History(ctx, "sub-1")
	require.NoError(t, err)
	last := history[len(history)-1]
	require.True(t, last.Final)
	for i, e := range history[:len(history)-1] {
		require.Falsef(t, e.Final, "event %d should not be final", i+1)
	}

	transitions := pub.all()
	require.Len(t, transitions, len(history))
	for i, tr := range transitions {
		require.EqualValues(t, i+1, tr.Sequence)
	}
	require.True(t, transitions[len(transitions)-1].Final)
	require.Equal(t, out.String(), transitions[len(transitions)-1].Summary)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.InstancesStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.InstancesClosed.WithLabelValues("completed")))
	// The zero-length trial still records its timer.
	require.Equal(t, 3.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues(string(subscription.EventTimerScheduled))))
	// Every invocation is recorded before it runs.
	require.Equal(t, 4.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues(string(subscription.EventEffectScheduled))))
	require.False(t, rt.Live("sub-1"))
}

func TestRuntime_UpdateAppliesToNextCharge(t *testing.T) {
	inv := &recorder{}
	clock := NewManualClock(epoch)
	rt := newTestRuntime(t, store.NewInMemoryHistoryStore(), inv, clock)
	ctx := context.Background()

	sub := testSubscription("sub-2")
	sub.BillingPeriod = time.Hour
	require.NoError(t, rt.Start(ctx, sub))

	// Period 1 is charged and the driver is parked on the billing timer.
	require.True(t, clock.WaitForTimers(1, waitTimeout))
	require.Equal(t, []int64{100}, inv.charges())

	require.NoError(t, rt.UpdateChargeAmount(ctx, "sub-2", 150))
	snap, err := rt.Query(ctx, "sub-2")
	require.NoError(t, err)
	require.EqualValues(t, 150, snap.BillingPeriodChargeAmount)
	require.EqualValues(t, 100, snap.TotalCharged)

	clock.Advance(time.Hour)
	elapse(t, clock, time.Hour)

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	out, err := rt.Wait(waitCtx, "sub-2")
	require.NoError(t, err)
	require.Equal(t, subscription.OutcomeCompleted, out.Kind)
	require.EqualValues(t, 250, out.TotalCharged)
	require.Equal(t, []int64{100, 150}, inv.charges())
}

func TestRuntime_CancelDuringTrial(t *testing.T) {
	inv := &recorder{}
	clock := NewManualClock(epoch)
	rt := newTestRuntime(t, store.NewInMemoryHistoryStore(), inv, clock)
	ctx := context.Background()

	sub := testSubscription("sub-3")
	sub.TrialPeriod = 24 * time.Hour
	require.NoError(t, rt.Start(ctx, sub))
	require.True(t, clock.WaitForTimers(1, waitTimeout), "trial timer was not armed")

	require.NoError(t, rt.Cancel(ctx, "sub-3"))

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	out, err := rt.Wait(waitCtx, "sub-3")
	require.NoError(t, err)
	require.Equal(t, subscription.OutcomeTrialCancelled, out.Kind)
	require.Equal(t, "Subscription cancelled during trial period for: sub-3", out.String())
	require.Equal(t, []subscription.Effect{
		subscription.EffectSendWelcomeEmail,
		subscription.EffectSendTrialCancelledEmail,
	}, inv.effects())

	// The trial timer never fired.
	history, err := rt.History(ctx, "sub-3")
	require.NoError(t, err)
	require.NotContains(t, eventTypes(history), string(subscription.EventTimerFired))
}

func TestRuntime_CancelBeforeTrialTimerIsArmed(t *testing.T) {
	release := make(chan struct{})
	inv := &recorder{hook: func(ctx context.Context, req effects.Request) error {
		if req.Effect == subscription.EffectSendWelcomeEmail {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}}
	clock := NewManualClock(epoch)
	rt := newTestRuntime(t, store.NewInMemoryHistoryStore(), inv, clock)
	ctx := context.Background()

	sub := testSubscription("sub-4")
	sub.TrialPeriod = time.Hour
	require.NoError(t, rt.Start(ctx, sub))
	require.NoError(t, rt.Cancel(ctx, "sub-4"))
	close(release)

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	out, err := rt.Wait(waitCtx, "sub-4")
	require.NoError(t, err)
	require.Equal(t, subscription.OutcomeTrialCancelled, out.Kind)
	require.Zero(t, clock.Pending())
}

func TestRuntime_CancelDuringBillingWaitIsObservedAtLoopTop(t *testing.T) {
	inv := &recorder{}
	clock := NewManualClock(epoch)
	rt := newTestRuntime(t, store.NewInMemoryHistoryStore(), inv, clock)
	ctx := context.Background()

	sub := testSubscription("sub-5")
	sub.BillingPeriod = time.Hour
	sub.MaxBillingPeriods = 3
	require.NoError(t, rt.Start(ctx, sub))
	require.True(t, clock.WaitForTimers(1, waitTimeout))

	require.NoError(t, rt.Cancel(ctx, "sub-5"))

	// The billing wait does not race against the flag: the instance stays
	// parked until the period ends.
	require.True(t, clock.WaitForTimers(1, waitTimeout))
	snap, err := rt.Query(ctx, "sub-5")
	require.NoError(t, err)
	require.True(t, snap.Cancelled)
	require.Equal(t, string(subscription.PhaseBillingWait), snap.Phase)
	require.True(t, rt.Live("sub-5"))
	require.Equal(t, []subscription.Effect{
		subscription.EffectSendWelcomeEmail,
		subscription.EffectChargeCustomer,
	}, inv.effects())

	clock.Advance(time.Hour)

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	out, err := rt.Wait(waitCtx, "sub-5")
	require.NoError(t, err)
	require.Equal(t, subscription.OutcomeCancelled, out.Kind)
	require.EqualValues(t, 100, out.TotalCharged)
	require.Equal(t, "Subscription cancelled for: sub-5, total charged: 100", out.String())
	require.Equal(t, []subscription.Effect{
		subscription.EffectSendWelcomeEmail,
		subscription.EffectChargeCustomer,
		subscription.EffectSendCancelledEmail,
	}, inv.effects())
}

func TestRuntime_CancelDuringChargeDoesNotAbortIt(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	inv := &recorder{hook: func(ctx context.Context, req effects.Request) error {
		if req.Effect == subscription.EffectChargeCustomer && req.Period == 1 {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}}
	clock := NewManualClock(epoch)
	rt := newTestRuntime(t, store.NewInMemoryHistoryStore(), inv, clock)
	ctx := context.Background()

	sub := testSubscription("sub-6")
	sub.BillingPeriod = time.Hour
	require.NoError(t, rt.Start(ctx, sub))

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("charge was not invoked")
	}
	// Signals and queries stay responsive while the effect is in flight.
	require.NoError(t, rt.Cancel(ctx, "sub-6"))
	snap, err := rt.Query(ctx, "sub-6")
	require.NoError(t, err)
	require.Equal(t, string(subscription.PhaseCharging), snap.Phase)
	close(release)

	elapse(t, clock, time.Hour)

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	out, err := rt.Wait(waitCtx, "sub-6")
	require.NoError(t, err)
	require.Equal(t, subscription.OutcomeCancelled, out.Kind)
	require.EqualValues(t, 100, out.TotalCharged)
}

func TestRuntime_CancelIsIdempotent(t *testing.T) {
	clock := NewManualClock(epoch)
	rt := newTestRuntime(t, store.NewInMemoryHistoryStore(), &recorder{}, clock)
	ctx := context.Background()

	sub := testSubscription("sub-7")
	sub.BillingPeriod = time.Hour
	require.NoError(t, rt.Start(ctx, sub))
	require.True(t, clock.WaitForTimers(1, waitTimeout))

	require.NoError(t, rt.Cancel(ctx, "sub-7"))
	require.NoError(t, rt.Cancel(ctx, "sub-7"))

	history, err := rt.History(ctx, "sub-7")
	require.NoError(t, err)
	var cancels int
	for _, e := range history {
		if e.EventType == string(subscription.EventCancelRequested) {
			cancels++
		}
	}
	require.Equal(t, 1, cancels)
}

func TestRuntime_RecoversAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	sub := testSubscription("sub-8")
	sub.TrialPeriod = time.Hour
	sub.MaxBillingPeriods = 1

	// First process: welcome email sent, then the process stops during the
	// trial.
	hs1, err := store.NewSQLiteHistoryStore(path)
	require.NoError(t, err)
	inv1 := &recorder{}
	clock1 := NewManualClock(epoch)
	rt1, err := New(hs1, inv1, WithClock(clock1), WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, rt1.Start(ctx, sub))
	require.True(t, clock1.WaitForTimers(1, waitTimeout))
	require.NoError(t, rt1.Close())
	require.NoError(t, hs1.Close())
	require.Equal(t, []subscription.Effect{subscription.EffectSendWelcomeEmail}, inv1.effects())

	// Second process, half way through the trial.
	hs2, err := store.NewSQLiteHistoryStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hs2.Close() })
	inv2 := &recorder{}
	clock2 := NewManualClock(epoch.Add(30 * time.Minute))
	rt2 := newTestRuntime(t, hs2, inv2, clock2)

	snap, err := rt2.Query(ctx, "sub-8")
	require.NoError(t, err)
	require.Equal(t, string(subscription.PhaseTrial), snap.Phase)

	n, err := rt2.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, rt2.Live("sub-8"))

	// The trial timer is re-armed for its remaining 30 minutes only.
	require.True(t, clock2.WaitForTimers(1, waitTimeout))
	clock2.Advance(29 * time.Minute)
	require.Empty(t, inv2.effects())
	clock2.Advance(time.Minute)

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	out, err := rt2.Wait(waitCtx, "sub-8")
	require.NoError(t, err)
	require.Equal(t, subscription.OutcomeCompleted, out.Kind)
	require.EqualValues(t, 100, out.TotalCharged)

	// No duplicate welcome email after recovery.
	require.Equal(t, []subscription.Effect{
		subscription.EffectChargeCustomer,
		subscription.EffectSendCompletedEmail,
	}, inv2.effects())

	n, err = rt2.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRuntime_OverdueTimerFiresOnRecovery(t *testing.T) {
	hs := store.NewInMemoryHistoryStore()
	ctx := context.Background()

	sub := testSubscription("sub-9")
	sub.TrialPeriod = time.Hour
	sub.MaxBillingPeriods = 1

	clock1 := NewManualClock(epoch)
	rt1, err := New(hs, &recorder{}, WithClock(clock1), WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, rt1.Start(ctx, sub))
	require.True(t, clock1.WaitForTimers(1, waitTimeout))
	require.NoError(t, rt1.Close())

	// The process was down for longer than the trial.
	rt2 := newTestRuntime(t, hs, &recorder{}, NewManualClock(epoch.Add(48*time.Hour)))
	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	out, err := rt2.Wait(waitCtx, "sub-9")
	require.NoError(t, err)
	require.Equal(t, subscription.OutcomeCompleted, out.Kind)
}

func TestRuntime_SignalResumesInstanceLazily(t *testing.T) {
	hs := store.NewInMemoryHistoryStore()
	ctx := context.Background()

	sub := testSubscription("sub-10")
	sub.TrialPeriod = time.Hour

	clock1 := NewManualClock(epoch)
	rt1, err := New(hs, &recorder{}, WithClock(clock1), WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, rt1.Start(ctx, sub))
	require.True(t, clock1.WaitForTimers(1, waitTimeout))
	require.NoError(t, rt1.Close())

	inv := &recorder{}
	rt2 := newTestRuntime(t, hs, inv, NewManualClock(epoch))
	require.False(t, rt2.Live("sub-10"))
	require.NoError(t, rt2.Cancel(ctx, "sub-10"))

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	out, err := rt2.Wait(waitCtx, "sub-10")
	require.NoError(t, err)
	require.Equal(t, subscription.OutcomeTrialCancelled, out.Kind)
	require.Equal(t, []subscription.Effect{subscription.EffectSendTrialCancelledEmail}, inv.effects())
}

func TestRuntime_DuplicateStart(t *testing.T) {
	clock := NewManualClock(epoch)
	rt := newTestRuntime(t, store.NewInMemoryHistoryStore(), &recorder{}, clock)
	ctx := context.Background()

	sub := testSubscription("sub-11")
	sub.TrialPeriod = time.Hour
	require.NoError(t, rt.Start(ctx, sub))
	require.ErrorIs(t, rt.Start(ctx, sub), ErrDuplicateInstance)

	require.NoError(t, rt.Cancel(ctx, "sub-11"))
	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	_, err := rt.Wait(waitCtx, "sub-11")
	require.NoError(t, err)

	// A closed history still blocks the id.
	require.ErrorIs(t, rt.Start(ctx, sub), ErrDuplicateInstance)
}

func TestRuntime_ConcurrentStartsRunOnce(t *testing.T) {
	inv := &recorder{}
	clock := NewManualClock(epoch)
	rt := newTestRuntime(t, store.NewInMemoryHistoryStore(), inv, clock)
	sub := testSubscription("sub-12")
	sub.TrialPeriod = time.Hour

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- rt.Start(context.Background(), sub)
		}()
	}
	wg.Wait()
	close(errs)

	var started, duplicates int
	for err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrDuplicateInstance):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, started)
	require.Equal(t, n-1, duplicates)

	require.True(t, clock.WaitForTimers(1, waitTimeout))
	require.Equal(t, []subscription.Effect{subscription.EffectSendWelcomeEmail}, inv.effects())
}

func TestRuntime_UnknownInstance(t *testing.T) {
	rt := newTestRuntime(t, store.NewInMemoryHistoryStore(), &recorder{}, NewManualClock(epoch))
	ctx := context.Background()

	require.ErrorIs(t, rt.Cancel(ctx, "missing"), ErrInstanceNotFound)
	require.ErrorIs(t, rt.UpdateChargeAmount(ctx, "missing", 10), ErrInstanceNotFound)
	_, err := rt.Query(ctx, "missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)
	_, err = rt.Wait(ctx, "missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)
	_, err = rt.History(ctx, "missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestRuntime_SignalsToClosedInstance(t *testing.T) {
	ctx := context.Background()
	hs := store.NewInMemoryHistoryStore()
	rt := newTestRuntime(t, hs, &recorder{}, NewManualClock(epoch))

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	_, err := rt.Run(waitCtx, testSubscription("sub-13"))
	require.NoError(t, err)

	require.ErrorIs(t, rt.Cancel(ctx, "sub-13"), ErrInstanceNotFound)
	require.ErrorIs(t, rt.UpdateChargeAmount(ctx, "sub-13", 5), ErrInstanceNotFound)

	// Closed instances remain queryable by default.
	snap, err := rt.Query(ctx, "sub-13")
	require.NoError(t, err)
	require.Equal(t, "Subscription completed for: sub-13, total charged: 200", snap.Summary)

	cfg := DefaultConfig()
	cfg.QueryClosed = false
	strict := newTestRuntime(t, hs, &recorder{}, NewManualClock(epoch), WithConfig(cfg))
	_, err = strict.Query(ctx, "sub-13")
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestRuntime_InvalidInput(t *testing.T) {
	clock := NewManualClock(epoch)
	rt := newTestRuntime(t, store.NewInMemoryHistoryStore(), &recorder{}, clock)
	ctx := context.Background()

	bad := testSubscription("")
	require.ErrorIs(t, rt.Start(ctx, bad), subscription.ErrInvalidSubscription)

	sub := testSubscription("sub-14")
	sub.TrialPeriod = time.Hour
	require.NoError(t, rt.Start(ctx, sub))
	require.ErrorIs(t, rt.UpdateChargeAmount(ctx, "sub-14", -1), subscription.ErrInvalidAmount)
}

type failingCharger struct{ err error }

func (c failingCharger) Charge(context.Context, effects.Charge) error { return c.err }

func TestRuntime_EffectExhaustionFailsInstance(t *testing.T) {
	metrics := NewMetrics(DefaultMetricsConfig())
	table := effects.NewTable(effects.NewLogMailer(discardLogger()), failingCharger{err: errors.New("gateway unavailable")})
	exec, err := effects.NewExecutor(table, effects.RetryConfig{
		MaxAttempts:       3,
		Timeout:           time.Second,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1,
	}, effects.WithLogger(discardLogger()), effects.WithObserver(metrics.ObserveAttempt))
	require.NoError(t, err)

	hs := store.NewInMemoryHistoryStore()
	rt := newTestRuntime(t, hs, exec, NewManualClock(epoch), WithMetrics(metrics))
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	_, err = rt.Run(ctx, testSubscription("sub-15"))
	require.ErrorIs(t, err, ErrInstanceFailed)
	require.ErrorIs(t, err, effects.ErrEffectFailed)

	history, err := rt.History(ctx, "sub-15")
	require.NoError(t, err)
	last := history[len(history)-1]
	require.Equal(t, string(subscription.EventFailed), last.EventType)
	require.True(t, last.Final)

	// The failure is durable: a later Wait answers from history.
	_, err = rt.Wait(ctx, "sub-15")
	require.ErrorIs(t, err, ErrInstanceFailed)
	require.ErrorIs(t, err, effects.ErrEffectFailed)

	snap, err := rt.Query(ctx, "sub-15")
	require.NoError(t, err)
	require.Equal(t, string(subscription.PhaseFailed), snap.Phase)
	require.Contains(t, snap.Failure, "gateway unavailable")

	require.Equal(t, 3.0, testutil.ToFloat64(metrics.EffectAttempts.WithLabelValues(string(subscription.EffectChargeCustomer), "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.InstancesClosed.WithLabelValues("failed")))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.LiveInstances))
}

func TestRuntime_ShutdownLeavesInstanceOpen(t *testing.T) {
	hs := store.NewInMemoryHistoryStore()
	ctx := context.Background()
	clock := NewManualClock(epoch)
	rt, err := New(hs, &recorder{}, WithClock(clock), WithLogger(discardLogger()))
	require.NoError(t, err)

	sub := testSubscription("sub-16")
	sub.BillingPeriod = time.Hour
	require.NoError(t, rt.Start(ctx, sub))
	require.True(t, clock.WaitForTimers(1, waitTimeout))

	done := make(chan error, 1)
	go func() {
		_, err := rt.Wait(ctx, "sub-16")
		done <- err
	}()
	require.NoError(t, rt.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrRuntimeClosed)
	case <-time.After(waitTimeout):
		t.Fatal("Wait did not return after Close")
	}

	open, err := hs.ListInstances(ctx, store.InstanceFilter{Status: store.InstanceOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	history, err := hs.Events(ctx, sub.InstanceID())
	require.NoError(t, err)
	require.NotContains(t, eventTypes(history), string(subscription.EventFailed))

	require.ErrorIs(t, rt.Start(ctx, testSubscription("sub-17")), ErrRuntimeClosed)
}

func TestRuntime_InstanceOwnedElsewhere(t *testing.T) {
	hs := store.NewInMemoryHistoryStore()
	lock := scale.NewInMemoryLock()
	ctx := context.Background()

	clock := NewManualClock(epoch)
	owner := newTestRuntime(t, hs, &recorder{}, clock, WithLock(lock))
	sub := testSubscription("sub-18")
	sub.TrialPeriod = time.Hour
	require.NoError(t, owner.Start(ctx, sub))
	require.True(t, clock.WaitForTimers(1, waitTimeout))

	other := newTestRuntime(t, hs, &recorder{}, NewManualClock(epoch), WithLock(lock))
	n, err := other.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.ErrorIs(t, other.Cancel(ctx, "sub-18"), ErrInstanceBusy)
	require.ErrorIs(t, other.Start(ctx, sub), ErrDuplicateInstance)

	// Queries do not need the lock.
	snap, err := other.Query(ctx, "sub-18")
	require.NoError(t, err)
	require.Equal(t, string(subscription.PhaseTrial), snap.Phase)
}

func TestRuntime_ManyInstances(t *testing.T) {
	inv := &recorder{}
	metrics := NewMetrics(DefaultMetricsConfig())
	rt := newTestRuntime(t, store.NewInMemoryHistoryStore(), inv, NewManualClock(epoch), WithMetrics(metrics))
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := rt.Run(ctx, testSubscription(fmt.Sprintf("bulk-%d", i)))
			if err == nil && out.TotalCharged != 200 {
				err = fmt.Errorf("bulk-%d charged %d", i, out.TotalCharged)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, inv.charges(), 2*n)
	require.Equal(t, float64(n), testutil.ToFloat64(metrics.InstancesClosed.WithLabelValues("completed")))

	closed, err := rt.List(ctx, store.InstanceFilter{Status: store.InstanceClosed})
	require.NoError(t, err)
	require.Len(t, closed, n)
}

func TestRuntime_CachesClosedSnapshots(t *testing.T) {
	hs := store.NewInMemoryHistoryStore()
	states := cache.NewMemoryStateCache(cache.DefaultMemoryConfig())
	rt := newTestRuntime(t, hs, &recorder{}, NewManualClock(epoch), WithCache(states))
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	_, err := rt.Run(ctx, testSubscription("sub-19"))
	require.NoError(t, err)

	cached, err := states.Get(ctx, subscription.InstanceID("sub-19"))
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.True(t, cached.Closed)
	require.EqualValues(t, 200, cached.TotalCharged)

	history, err := hs.Events(ctx, subscription.InstanceID("sub-19"))
	require.NoError(t, err)
	require.Equal(t, history[len(history)-1].SequenceNum, cached.Sequence)
}

func TestRuntime_RecoveredChargeKeepsRecordedAmount(t *testing.T) {
	hs := store.NewInMemoryHistoryStore()
	ctx := context.Background()

	sub := testSubscription("sub-20")
	sub.MaxBillingPeriods = 1

	started := make(chan struct{})
	inv1 := &recorder{hook: func(ctx context.Context, req effects.Request) error {
		if req.Effect == subscription.EffectChargeCustomer {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	rt1, err := New(hs, inv1, WithClock(NewManualClock(epoch)), WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, rt1.Start(ctx, sub))

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("charge was not invoked")
	}
	// The update lands while the charge is in flight, then the process stops.
	require.NoError(t, rt1.UpdateChargeAmount(ctx, "sub-20", 150))
	require.NoError(t, rt1.Close())
	require.Equal(t, []int64{100}, inv1.charges())

	history, err := hs.Events(ctx, sub.InstanceID())
	require.NoError(t, err)
	types := eventTypes(history)
	require.Contains(t, types, string(subscription.EventEffectScheduled))
	require.Equal(t, string(subscription.EventChargeAmountUpdated), types[len(types)-1])

	inv2 := &recorder{}
	rt2 := newTestRuntime(t, hs, inv2, NewManualClock(epoch))
	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	out, err := rt2.Wait(waitCtx, "sub-20")
	require.NoError(t, err)
	require.Equal(t, subscription.OutcomeCompleted, out.Kind)
	require.EqualValues(t, 100, out.TotalCharged)

	// The charge is re-issued as recorded, under the same idempotency key.
	require.Equal(t, []int64{100}, inv2.charges())
	require.Equal(t, inv1.calls[1].IdempotencyKey, inv2.calls[0].IdempotencyKey)
	require.Equal(t, "subscription-sub-20:charge_customer:1", inv2.calls[0].IdempotencyKey)
}

// flakyStore fails the first append of failEvent with err.
type flakyStore struct {
	store.HistoryStore
	failEvent string
	err       error

	mu     sync.Mutex
	failed bool
}

func (s *flakyStore) Append(ctx context.Context, evt store.HistoryEvent) (store.HistoryEvent, error) {
	s.mu.Lock()
	fail := !s.failed && evt.EventType == s.failEvent
	if fail {
		s.failed = true
	}
	s.mu.Unlock()
	if fail {
		return store.HistoryEvent{}, s.err
	}
	return s.HistoryStore.Append(ctx, evt)
}

func TestRuntime_RetriesFailedAppend(t *testing.T) {
	hs := &flakyStore{
		HistoryStore: store.NewInMemoryHistoryStore(),
		failEvent:    string(subscription.EventTimerFired),
		err:          errors.New("database is locked"),
	}
	inv := &recorder{}
	clock := NewManualClock(epoch)
	metrics := NewMetrics(DefaultMetricsConfig())
	rt := newTestRuntime(t, hs, inv, clock, WithMetrics(metrics))
	ctx := context.Background()

	sub := testSubscription("sub-21")
	sub.TrialPeriod = time.Hour
	sub.MaxBillingPeriods = 1
	require.NoError(t, rt.Start(ctx, sub))

	// The trial ends, the append fails and the driver backs off.
	elapse(t, clock, time.Hour)
	require.True(t, clock.WaitForTimers(1, waitTimeout), "no retry backoff was armed")
	require.True(t, rt.Live("sub-21"))
	clock.Advance(DefaultConfig().CommitBackoff)

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	out, err := rt.Wait(waitCtx, "sub-21")
	require.NoError(t, err)
	require.Equal(t, subscription.OutcomeCompleted, out.Kind)
	require.Equal(t, []int64{100}, inv.charges())

	history, err := rt.History(ctx, "sub-21")
	require.NoError(t, err)
	var fired int
	for _, e := range history {
		if e.EventType == string(subscription.EventTimerFired) {
			fired++
		}
	}
	require.Equal(t, 1, fired)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.AppendRetries.WithLabelValues(string(subscription.EventTimerFired))))
}

func TestRuntime_SweepAdoptsStoppedInstance(t *testing.T) {
	hs := &flakyStore{
		HistoryStore: store.NewInMemoryHistoryStore(),
		failEvent:    string(subscription.EventTimerFired),
		err:          store.ErrConflict,
	}
	inv := &recorder{}
	clock := NewManualClock(epoch)
	cfg := DefaultConfig()
	cfg.RecoverInterval = time.Minute
	rt := newTestRuntime(t, hs, inv, clock, WithConfig(cfg))
	ctx := context.Background()

	sub := testSubscription("sub-22")
	sub.TrialPeriod = time.Hour
	sub.MaxBillingPeriods = 1
	require.NoError(t, rt.Start(ctx, sub))

	// A taken sequence is not retried: the driver stops and the instance
	// stays open.
	elapse(t, clock, time.Hour)
	require.Eventually(t, func() bool { return !rt.Live("sub-22") }, waitTimeout, 10*time.Millisecond)
	require.Empty(t, inv.charges())

	sweepCtx, stop := context.WithCancel(ctx)
	swept := make(chan error, 1)
	go func() { swept <- rt.Sweep(sweepCtx) }()
	elapse(t, clock, time.Minute)

	require.Eventually(t, func() bool {
		history, err := rt.History(ctx, "sub-22")
		return err == nil && history[len(history)-1].Final
	}, waitTimeout, 10*time.Millisecond)
	require.Equal(t, []int64{100}, inv.charges())

	stop()
	select {
	case err := <-swept:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Sweep did not return after cancel")
	}
}

func TestRuntime_SweepDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoverInterval = 0
	rt := newTestRuntime(t, store.NewInMemoryHistoryStore(), &recorder{}, NewManualClock(epoch), WithConfig(cfg))
	require.NoError(t, rt.Sweep(context.Background()))
}

func TestRuntime_RecoverPagesPastClosedInstances(t *testing.T) {
	hs := store.NewInMemoryHistoryStore()
	ctx := context.Background()

	clock1 := NewManualClock(epoch)
	rt1, err := New(hs, &recorder{}, WithClock(clock1), WithLogger(discardLogger()))
	require.NoError(t, err)
	const n = 6
	for i := 0; i < n; i++ {
		sub := testSubscription(fmt.Sprintf("page-%d", i))
		sub.TrialPeriod = time.Hour
		sub.MaxBillingPeriods = 1
		require.NoError(t, rt1.Start(ctx, sub))
	}
	require.True(t, clock1.WaitForTimers(n, waitTimeout))
	require.NoError(t, rt1.Close())

	// Every trial is overdue, so resumed instances close while later pages
	// are still being listed.
	inv := &recorder{}
	cfg := DefaultConfig()
	cfg.RecoverPageSize = 2
	rt2 := newTestRuntime(t, hs, inv, NewManualClock(epoch.Add(48*time.Hour)), WithConfig(cfg))
	resumed, err := rt2.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, n, resumed)

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	for i := 0; i < n; i++ {
		out, err := rt2.Wait(waitCtx, fmt.Sprintf("page-%d", i))
		require.NoError(t, err)
		require.Equal(t, subscription.OutcomeCompleted, out.Kind)
	}
	require.Len(t, inv.charges(), n)

	open, err := hs.ListInstances(ctx, store.InstanceFilter{Status: store.InstanceOpen})
	require.NoError(t, err)
	require.Empty(t, open)
}
