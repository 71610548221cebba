// Command server runs the durable subscription service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/subscriptions/api"
	"github.com/GoCodeAlone/subscriptions/config"
	"github.com/GoCodeAlone/subscriptions/durable"
	"github.com/GoCodeAlone/subscriptions/effects"
	"github.com/GoCodeAlone/subscriptions/observability/tracing"
)

var (
	configFile = flag.String("config", "", "Path to configuration YAML file")
	addr       = flag.String("addr", "", "HTTP listen address (overrides server.addr)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadFromFile(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// run wires every component, recovers open instances and serves HTTP until
// ctx is cancelled. ready, when set, receives the bound listener address.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, ready chan<- string) error {
	d := &deps{}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("closing connections", "error", err)
		}
	}()

	tp, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		// The serving context is already cancelled here.
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	hs, err := d.historyStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	lock, err := d.lock(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	states, err := d.stateCache(ctx, cfg.Cache)
	if err != nil {
		return fmt.Errorf("state cache: %w", err)
	}
	pub, err := d.publisher(cfg.NATS, logger)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}

	metrics := durable.NewMetrics(cfg.Metrics)
	table, err := effectTable(cfg.Effects, logger)
	if err != nil {
		return err
	}
	executor, err := effects.NewExecutor(table, cfg.Effects.Retry,
		effects.WithLogger(logger),
		effects.WithTracer(tp.Tracer()),
		effects.WithObserver(metrics.ObserveAttempt),
	)
	if err != nil {
		return fmt.Errorf("effect executor: %w", err)
	}

	rt, err := durable.New(hs, executor,
		durable.WithConfig(cfg.Runtime),
		durable.WithLock(lock),
		durable.WithCache(states),
		durable.WithPublisher(pub),
		durable.WithLogger(logger),
		durable.WithMetrics(metrics),
		durable.WithTracer(tracing.NewInstanceTracer(tp.Tracer())),
	)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("runtime shutdown", "error", err)
		}
	}()

	n, err := rt.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	logger.Info("runtime ready", "recovered", n, "store", cfg.Store.Driver, "lock", cfg.Lock.Driver)

	router := api.NewRouter(rt, api.Config{
		RateLimit:      cfg.Server.RateLimit,
		Metrics:        metrics.Handler(),
		MetricsPath:    cfg.Metrics.Path,
		TracerProvider: tp.TracerProvider(),
		Logger:         logger,
	})
	defer router.Stop()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "addr", ln.Addr().String())
		if ready != nil {
			ready <- ln.Addr().String()
		}
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return rt.Sweep(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
