// Package durable runs subscription state machines to completion across
// process restarts.
//
// Every transition is appended to a store.HistoryStore before the in-memory
// machine changes, so an instance can always be rebuilt by replaying its
// history. Effects run on a bounded worker pool, timers are recorded with
// their deadline and re-armed on recovery, and a DistributedLock keeps a
// single driver per instance id.
package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/GoCodeAlone/subscriptions/cache"
	"github.com/GoCodeAlone/subscriptions/effects"
	"github.com/GoCodeAlone/subscriptions/notify"
	"github.com/GoCodeAlone/subscriptions/observability/tracing"
	"github.com/GoCodeAlone/subscriptions/scale"
	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/GoCodeAlone/subscriptions/subscription"
)

// Snapshot is the query view of an instance.
type Snapshot = cache.Snapshot

// Invoker runs one effect request, retrying as its policy allows.
// *effects.Executor is the production implementation.
type Invoker interface {
	Invoke(ctx context.Context, req effects.Request) error
}

// Config tunes the runtime.
type Config struct {
	// LockTTL is the lease requested from the instance lock.
	LockTTL time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
	// QueryClosed keeps closed instances visible to Query.
	QueryClosed bool `yaml:"query_closed" env:"QUERY_CLOSED"`
	// RecoverPageSize is the number of open instances listed per page
	// during Recover.
	RecoverPageSize int `yaml:"recover_page_size" env:"RECOVER_PAGE_SIZE"`
	// RecoverInterval is the period of Sweep. Zero disables the sweep.
	RecoverInterval time.Duration `yaml:"recover_interval" env:"RECOVER_INTERVAL"`
	// CommitBackoff is the first delay before a failed history append is
	// retried. It doubles up to CommitMaxBackoff.
	CommitBackoff    time.Duration `yaml:"commit_backoff" env:"COMMIT_BACKOFF"`
	CommitMaxBackoff time.Duration `yaml:"commit_max_backoff" env:"COMMIT_MAX_BACKOFF"`
	// Workers sizes the effect worker pool.
	Workers scale.WorkerPoolConfig `yaml:"workers" envPrefix:"WORKERS_"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:          scale.DefaultLockTTL,
		QueryClosed:      true,
		RecoverPageSize:  100,
		RecoverInterval:  time.Minute,
		CommitBackoff:    200 * time.Millisecond,
		CommitMaxBackoff: 30 * time.Second,
		Workers:          scale.DefaultWorkerPoolConfig(),
	}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(r *Runtime) { r.cfg = cfg }
}

// WithLock sets the instance lock. The default is an in-process lock.
func WithLock(l scale.DistributedLock) Option {
	return func(r *Runtime) { r.lock = l }
}

// WithCache sets the snapshot cache. The default is in memory.
func WithCache(c cache.StateCache) Option {
	return func(r *Runtime) { r.cache = c }
}

// WithPublisher sets the transition publisher.
func WithPublisher(p notify.Publisher) Option {
	return func(r *Runtime) { r.publisher = p }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(r *Runtime) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithTracer sets the instance tracer.
func WithTracer(t *tracing.InstanceTracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// Runtime hosts subscription instances.
type Runtime struct {
	cfg       Config
	store     store.HistoryStore
	invoker   Invoker
	pool      *scale.WorkerPool
	lock      scale.DistributedLock
	cache     cache.StateCache
	publisher notify.Publisher
	clock     Clock
	logger    *slog.Logger
	metrics   *Metrics
	tracer    *tracing.InstanceTracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	live     map[string]*instance
	starting map[string]struct{}
	closed   bool

	resumes singleflight.Group
}

// New creates a runtime and starts its effect worker pool. Call Recover to
// resume instances left open by a previous process, and Close to stop.
func New(hs store.HistoryStore, invoker Invoker, opts ...Option) (*Runtime, error) {
	if hs == nil {
		return nil, errors.New("durable: history store is required")
	}
	if invoker == nil {
		return nil, errors.New("durable: effect invoker is required")
	}

	r := &Runtime{
		cfg:      DefaultConfig(),
		store:    hs,
		invoker:  invoker,
		logger:   slog.Default(),
		live:     make(map[string]*instance),
		starting: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.lock == nil {
		r.lock = scale.NewInMemoryLock()
	}
	if r.cache == nil {
		r.cache = cache.NewMemoryStateCache(cache.DefaultMemoryConfig())
	}
	if r.publisher == nil {
		r.publisher = notify.NopPublisher{}
	}
	if r.clock == nil {
		r.clock = SystemClock{}
	}
	if r.tracer == nil {
		r.tracer = tracing.NewInstanceTracer(nil)
	}
	if r.cfg.LockTTL <= 0 {
		r.cfg.LockTTL = scale.DefaultLockTTL
	}
	if r.cfg.RecoverPageSize <= 0 {
		r.cfg.RecoverPageSize = DefaultConfig().RecoverPageSize
	}
	if r.cfg.CommitBackoff <= 0 {
		r.cfg.CommitBackoff = DefaultConfig().CommitBackoff
	}
	if r.cfg.CommitMaxBackoff < r.cfg.CommitBackoff {
		r.cfg.CommitMaxBackoff = max(r.cfg.CommitBackoff, DefaultConfig().CommitMaxBackoff)
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.pool = scale.NewWorkerPool(r.cfg.Workers)
	if err := r.pool.Start(r.ctx); err != nil {
		r.cancel()
		return nil, fmt.Errorf("start effect pool: %w", err)
	}
	if r.metrics != nil {
		r.metrics.RegisterPool(r.pool)
	}
	return r, nil
}

// Close stops every driver and the worker pool. Open instances stay open in
// the store and are resumed by the next Recover.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return r.pool.Stop()
}

// PoolStats reports the effect worker pool statistics.
func (r *Runtime) PoolStats() scale.WorkerPoolStats {
	return r.pool.Stats()
}

// Start persists the first event of a new instance and begins driving it.
// An id that already has a history, or is being started concurrently, is
// rejected with ErrDuplicateInstance.
func (r *Runtime) Start(ctx context.Context, sub subscription.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	id := sub.InstanceID()
	if err := r.reserve(id); err != nil {
		return err
	}
	defer r.unreserve(id)

	release, ok, err := r.lock.TryAcquire(ctx, id, r.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("lock %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDuplicateInstance, sub.ID)
	}

	inst := newInstance(id, sub, subscription.New(), 0, release)
	inst.mu.Lock()
	err = r.commit(ctx, inst, subscription.NewStarted(sub))
	inst.mu.Unlock()
	if err != nil {
		release()
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: %s", ErrDuplicateInstance, sub.ID)
		}
		return err
	}

	if err := r.adopt(inst, false); err != nil {
		return err
	}
	r.metrics.recordStarted()
	r.logger.Info("instance started", "subscription_id", sub.ID)
	return nil
}

// Run starts sub and waits for its outcome.
func (r *Runtime) Run(ctx context.Context, sub subscription.Subscription) (subscription.Outcome, error) {
	if err := r.Start(ctx, sub); err != nil {
		return subscription.Outcome{}, err
	}
	return r.Wait(ctx, sub.ID)
}

// Cancel delivers the cancel signal. Cancelling twice is a no-op.
func (r *Runtime) Cancel(ctx context.Context, subscriptionID string) error {
	return r.signal(ctx, subscriptionID, "cancel", subscription.NewCancelRequested(), func(m *subscription.Machine) bool {
		return m.State().Cancelled
	})
}

// UpdateChargeAmount delivers the update signal. The new amount applies from
// the next charge that has not been issued yet.
func (r *Runtime) UpdateChargeAmount(ctx context.Context, subscriptionID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: %d", subscription.ErrInvalidAmount, amount)
	}
	return r.signal(ctx, subscriptionID, "update", subscription.NewChargeAmountUpdated(amount), nil)
}

func (r *Runtime) signal(ctx context.Context, subscriptionID, name string, evt subscription.Event, noop func(*subscription.Machine) bool) (err error) {
	id := subscription.InstanceID(subscriptionID)
	ctx, span := r.tracer.StartSignal(ctx, id, name)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
		r.metrics.recordSignal(name, err)
	}()

	inst, _, err := r.resume(ctx, id)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	if inst.m.Terminal() {
		inst.mu.Unlock()
		return fmt.Errorf("%w: %s is closed", ErrInstanceNotFound, subscriptionID)
	}
	if noop != nil && noop(inst.m) {
		inst.mu.Unlock()
		return nil
	}
	err = r.commit(ctx, inst, evt)
	inst.mu.Unlock()
	if err != nil {
		return err
	}
	inst.notify()
	r.logger.Info("signal delivered", "subscription_id", subscriptionID, "signal", name)
	return nil
}

// Query returns the current view of an instance. Live instances answer from
// memory; others from the cache when closed, or by folding their history.
func (r *Runtime) Query(ctx context.Context, subscriptionID string) (Snapshot, error) {
	id := subscription.InstanceID(subscriptionID)
	if inst := r.lookup(id); inst != nil {
		return inst.snapshot(), nil
	}

	cached, err := r.cache.Get(ctx, id)
	if err != nil {
		r.logger.Warn("snapshot cache read failed", "subscription_id", subscriptionID, "error", err)
	} else if cached != nil && cached.Closed {
		return r.visible(*cached)
	}

	events, err := r.store.Events(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load history %s: %w", id, err)
	}
	if len(events) == 0 {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, subscriptionID)
	}
	m, err := replay(events)
	if err != nil {
		return Snapshot{}, err
	}
	last := events[len(events)-1]
	s := cache.NewSnapshot(id, m, last.SequenceNum, last.CreatedAt)
	if err := r.cache.Put(ctx, s); err != nil {
		r.logger.Warn("snapshot cache write failed", "subscription_id", subscriptionID, "error", err)
	}
	return r.visible(s)
}

func (r *Runtime) visible(s Snapshot) (Snapshot, error) {
	if s.Closed && !r.cfg.QueryClosed {
		return Snapshot{}, fmt.Errorf("%w: %s is closed", ErrInstanceNotFound, s.SubscriptionID)
	}
	return s, nil
}

// Wait blocks until the instance is terminal and returns its outcome. An
// open instance that is not live in this process is resumed first. A failed
// instance returns an error wrapping ErrInstanceFailed.
func (r *Runtime) Wait(ctx context.Context, subscriptionID string) (subscription.Outcome, error) {
	id := subscription.InstanceID(subscriptionID)
	inst := r.lookup(id)
	if inst == nil {
		events, err := r.store.Events(ctx, id)
		if err != nil {
			return subscription.Outcome{}, fmt.Errorf("load history %s: %w", id, err)
		}
		if len(events) == 0 {
			return subscription.Outcome{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, subscriptionID)
		}
		m, err := replay(events)
		if err != nil {
			return subscription.Outcome{}, err
		}
		if m.Terminal() {
			return result(m)
		}
		if inst, _, err = r.resume(ctx, id); err != nil {
			return subscription.Outcome{}, err
		}
	}

	select {
	case <-inst.done:
	case <-ctx.Done():
		return subscription.Outcome{}, ctx.Err()
	}
	if inst.err != nil {
		return subscription.Outcome{}, inst.err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return result(inst.m)
}

// History returns the persisted events of an instance.
func (r *Runtime) History(ctx context.Context, subscriptionID string) ([]store.HistoryEvent, error) {
	events, err := r.store.Events(ctx, subscription.InstanceID(subscriptionID))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, subscriptionID)
	}
	return events, nil
}

// List summarizes stored instances.
func (r *Runtime) List(ctx context.Context, filter store.InstanceFilter) ([]store.InstanceSummary, error) {
	return r.store.ListInstances(ctx, filter)
}

// Live reports whether this process is driving the instance.
func (r *Runtime) Live(subscriptionID string) bool {
	return r.lookup(subscription.InstanceID(subscriptionID)) != nil
}

// Recover resumes every open instance of the store that no other process
// owns, and returns how many were resumed. Open instances are paged by id, so
// instances that close while Recover runs do not shift later pages.
func (r *Runtime) Recover(ctx context.Context) (int, error) {
	var resumed int
	after := ""
	for {
		open, err := r.store.ListInstances(ctx, store.InstanceFilter{
			Status:  store.InstanceOpen,
			Order:   store.OrderByID,
			AfterID: after,
			Limit:   r.cfg.RecoverPageSize,
		})
		if err != nil {
			return resumed, fmt.Errorf("list open instances: %w", err)
		}
		for _, sum := range open {
			_, fresh, err := r.resume(ctx, sum.InstanceID)
			switch {
			case err == nil:
				if fresh {
					resumed++
				}
			case errors.Is(err, ErrInstanceBusy):
				r.logger.Info("instance owned elsewhere, skipping", "instance_id", sum.InstanceID)
			case errors.Is(err, ErrInstanceNotFound):
				// Closed since it was listed.
			case errors.Is(err, ErrRuntimeClosed), ctx.Err() != nil:
				return resumed, err
			default:
				r.logger.Error("instance recovery failed", "instance_id", sum.InstanceID, "error", err)
			}
		}
		if len(open) < r.cfg.RecoverPageSize {
			break
		}
		after = open[len(open)-1].InstanceID
	}
	if resumed > 0 {
		r.logger.Info("recovered open instances", "count", resumed)
	}
	return resumed, nil
}

// Sweep calls Recover every RecoverInterval until ctx ends or the runtime
// closes. It adopts open instances whose driver stopped on an error and
// instances whose lock expired with the process that held it.
func (r *Runtime) Sweep(ctx context.Context) error {
	interval := r.cfg.RecoverInterval
	if interval <= 0 {
		return nil
	}
	for {
		timer := r.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-r.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C():
		}
		if _, err := r.Recover(ctx); err != nil {
			if errors.Is(err, ErrRuntimeClosed) || ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("recovery sweep failed", "error", err)
		}
	}
}

// resume returns the live instance for id, rebuilding it from history when
// needed. fresh reports whether this call adopted it.
func (r *Runtime) resume(ctx context.Context, id string) (*instance, bool, error) {
	if inst := r.lookup(id); inst != nil {
		return inst, false, nil
	}
	type adopted struct {
		inst  *instance
		fresh bool
	}
	v, err, _ := r.resumes.Do(id, func() (any, error) {
		if inst := r.lookup(id); inst != nil {
			return adopted{inst: inst}, nil
		}
		if r.isStarting(id) {
			return nil, fmt.Errorf("%w: %s is starting", ErrInstanceBusy, id)
		}

		release, ok, err := r.lock.TryAcquire(ctx, id, r.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", id, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInstanceBusy, id)
		}

		inst, err := r.rebuild(ctx, id, release)
		if err != nil {
			release()
			return nil, err
		}
		if err := r.adopt(inst, true); err != nil {
			return nil, err
		}
		r.metrics.recordRecovered()
		r.logger.Info("instance recovered",
			"subscription_id", inst.sub.ID,
			"seq", inst.seq,
			"phase", string(inst.m.Phase()),
		)
		return adopted{inst: inst, fresh: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	a := v.(adopted)
	return a.inst, a.fresh, nil
}

// rebuild replays the history of id. The caller holds the instance lock.
func (r *Runtime) rebuild(ctx context.Context, id string, release func()) (*instance, error) {
	events, err := r.store.Events(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", id, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	m, err := replay(events)
	if err != nil {
		return nil, err
	}
	if m.Terminal() {
		return nil, fmt.Errorf("%w: %s is closed", ErrInstanceNotFound, id)
	}
	last := events[len(events)-1]
	inst := newInstance(id, m.Subscription(), m, last.SequenceNum, release)
	inst.updated = last.CreatedAt
	return inst, nil
}

func (r *Runtime) lookup(id string) *instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[id]
}

func (r *Runtime) isStarting(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.starting[id]
	return ok
}

func (r *Runtime) reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRuntimeClosed
	}
	if _, ok := r.live[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateInstance, id)
	}
	if _, ok := r.starting[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateInstance, id)
	}
	r.starting[id] = struct{}{}
	return nil
}

func (r *Runtime) unreserve(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.starting, id)
}

// adopt registers inst as live and launches its driver. On failure the
// instance lock is released.
func (r *Runtime) adopt(inst *instance, resumed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		inst.release()
		return ErrRuntimeClosed
	}
	r.live[inst.id] = inst
	r.wg.Add(1)
	r.metrics.addLive(1)
	go func() {
		defer r.wg.Done()
		r.finish(inst, r.drive(inst, resumed))
	}()
	return nil
}

func replay(events []store.HistoryEvent) (*subscription.Machine, error) {
	history := make([]subscription.Event, len(events))
	for i, e := range events {
		history[i] = subscription.Event{Type: subscription.EventType(e.EventType), Data: e.EventData}
	}
	return subscription.Replay(history)
}

// result maps a terminal machine to the value Wait returns.
func result(m *subscription.Machine) (subscription.Outcome, error) {
	if out, ok := m.Outcome(); ok {
		return out, nil
	}
	if m.Phase() == subscription.PhaseFailed {
		return subscription.Outcome{}, fmt.Errorf("%w: %w: %s", ErrInstanceFailed, effects.ErrEffectFailed, m.Failure())
	}
	return subscription.Outcome{}, fmt.Errorf("instance %s is not terminal (phase %s)", m.Subscription().ID, m.Phase())
}
