package effects

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RetryConfig bounds every effect invocation.
type RetryConfig struct {
	// MaxAttempts counts the first attempt.
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// Timeout bounds a single attempt.
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff        time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	JitterFraction    float64       `yaml:"jitter_fraction" env:"JITTER_FRACTION"`
}

// DefaultRetryConfig returns a RetryConfig with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		Timeout:           5 * time.Second,
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	return c
}

// Attempt describes one finished invocation attempt.
type Attempt struct {
	Request  Request
	Number   int
	Duration time.Duration
	Err      error
}

// Observer is notified after every attempt.
type Observer func(Attempt)

// Executor runs effects from a Table with per-attempt timeouts and
// exponential backoff between attempts.
type Executor struct {
	table    Table
	cfg      RetryConfig
	logger   *slog.Logger
	tracer   trace.Tracer
	observer Observer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer used for attempt spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithObserver registers a per-attempt callback, typically for metrics.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// NewExecutor validates table and returns an Executor.
func NewExecutor(table Table, cfg RetryConfig, opts ...ExecutorOption) (*Executor, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		table:  table,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/GoCodeAlone/subscriptions/effects"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective retry configuration.
func (e *Executor) Config() RetryConfig { return e.cfg }

// Invoke runs req until it succeeds, fails permanently, or runs out of
// attempts. Exhaustion returns an error wrapping ErrEffectFailed and the last
// attempt error. Cancellation of ctx returns ctx.Err() and is not a failure.
func (e *Executor) Invoke(ctx context.Context, req Request) error {
	fn, err := e.table.Lookup(req.Effect)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEffectFailed, err)
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(e.backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := e.attempt(ctx, fn, req, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if IsPermanent(err) {
			break
		}
		e.logger.WarnContext(ctx, "effect attempt failed",
			"subscription_id", req.Subscription.ID,
			"effect", string(req.Effect),
			"attempt", attempt,
			"error", err,
		)
	}
	return fmt.Errorf("%w: %s: %w", ErrEffectFailed, req.Effect, lastErr)
}

// attempt runs fn once. The timeout is enforced even when fn ignores its
// context; such a call keeps running in the background until it returns.
func (e *Executor) attempt(ctx context.Context, fn Func, req Request, n int) error {
	ctx, span := e.tracer.Start(ctx, "effect."+string(req.Effect),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("subscription.id", req.Subscription.ID),
			attribute.String("effect.name", string(req.Effect)),
			attribute.Int("effect.attempt", n),
			attribute.Int("billing.period", req.Period),
		),
	)
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- fn(attemptCtx, req)
	}()

	var err error
	select {
	case err = <-done:
		if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %w", ErrEffectTimeout, e.cfg.Timeout, err)
		}
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("%w after %s", ErrEffectTimeout, e.cfg.Timeout)
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if e.observer != nil {
		e.observer(Attempt{Request: req, Number: n, Duration: time.Since(start), Err: err})
	}
	return err
}

// backoff returns the wait before retry number n (1-based).
func (e *Executor) backoff(n int) time.Duration {
	base := float64(e.cfg.InitialBackoff) * math.Pow(e.cfg.BackoffMultiplier, float64(n-1))
	if base > float64(e.cfg.MaxBackoff) {
		base = float64(e.cfg.MaxBackoff)
	}
	if e.cfg.JitterFraction > 0 {
		jitter := base * e.cfg.JitterFraction * (cryptoFloat64()*2 - 1)
		base += jitter
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base)
}

// cryptoFloat64 returns a cryptographically random float64 in [0.0, 1.0).
func cryptoFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	// Use top 53 bits for a uniform float64 in [0, 1)
	return float64(binary.BigEndian.Uint64(b[:])>>(64-53)) / float64(1<<53)
}
