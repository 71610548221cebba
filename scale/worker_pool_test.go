package scale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitResult(t *testing.T, ch <-chan TaskResult) TaskResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return TaskResult{}
	}
}

func TestWorkerPoolStartStop(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{
		MinWorkers: 2,
		MaxWorkers: 4,
		QueueSize:  16,
	})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if stats := pool.Stats(); stats.ActiveWorkers < 2 {
		t.Errorf("expected at least 2 active workers, got %d", stats.ActiveWorkers)
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestWorkerPoolDoubleStart(t *testing.T) {
	pool := NewWorkerPool(DefaultWorkerPoolConfig())
	ctx := context.Background()

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	if err := pool.Start(ctx); err == nil {
		t.Error("expected error on double start")
	}
}

func TestWorkerPoolSubmitAndResults(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{
		MinWorkers: 2,
		MaxWorkers: 4,
		QueueSize:  64,
	})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const taskCount = 20
	var completed atomic.Int64
	var results []<-chan TaskResult
	for i := 0; i < taskCount; i++ {
		ch, err := pool.Submit(context.Background(), Task{
			ID:  fmt.Sprintf("task-%d", i),
			Key: "subscription-1",
			Execute: func(ctx context.Context) error {
				completed.Add(1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		results = append(results, ch)
	}

	for i, ch := range results {
		res := waitResult(t, ch)
		if res.Err != nil {
			t.Errorf("task %s failed: %v", res.TaskID, res.Err)
		}
		if res.TaskID != fmt.Sprintf("task-%d", i) || res.Key != "subscription-1" {
			t.Errorf("result %d routed to the wrong task: %+v", i, res)
		}
	}

	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if v := completed.Load(); v != taskCount {
		t.Errorf("expected %d completed, got %d", taskCount, v)
	}
	if stats := pool.Stats(); stats.CompletedOK != taskCount || stats.TotalSubmitted != taskCount {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWorkerPoolSubmitWhenStopped(t *testing.T) {
	pool := NewWorkerPool(DefaultWorkerPoolConfig())

	_, err := pool.Submit(context.Background(), Task{
		ID:      "task-1",
		Execute: func(ctx context.Context) error { return nil },
	})
	if !errors.Is(err, ErrPoolStopped) {
		t.Errorf("expected ErrPoolStopped, got %v", err)
	}
}

func TestWorkerPoolTaskError(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 16})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	ch, err := pool.Submit(context.Background(), Task{
		ID: "fail-task",
		Execute: func(ctx context.Context) error {
			return fmt.Errorf("simulated failure")
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	res := waitResult(t, ch)
	if res.Err == nil {
		t.Error("expected error in result")
	}
	if stats := pool.Stats(); stats.CompletedErr != 1 {
		t.Errorf("expected 1 error, got %d", stats.CompletedErr)
	}
}

func TestWorkerPoolCancelledTaskDoesNotRun(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	ch, err := pool.Submit(ctx, Task{ID: "cancelled", Execute: func(context.Context) error {
		ran.Store(true)
		return nil
	}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	res := waitResult(t, ch)
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.Err)
	}
	if ran.Load() {
		t.Fatal("task with a cancelled context was executed")
	}
}

func TestWorkerPoolStopCancelsRunningTasks(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	started := make(chan struct{})
	running, err := pool.Submit(context.Background(), Task{ID: "long", Execute: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started
	queued, err := pool.Submit(context.Background(), Task{ID: "queued", Execute: func(context.Context) error { return nil }})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if res := waitResult(t, running); !errors.Is(res.Err, context.Canceled) {
		t.Errorf("running task: expected context.Canceled, got %v", res.Err)
	}
	res := waitResult(t, queued)
	if res.Err != nil && !errors.Is(res.Err, ErrPoolStopped) {
		t.Errorf("queued task: expected nil or ErrPoolStopped, got %v", res.Err)
	}
}

func TestWorkerPoolScalesUpUnderLoad(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MinWorkers: 1, MaxWorkers: 4, QueueSize: 16})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	release := make(chan struct{})
	var inFlight atomic.Int32
	var results []<-chan TaskResult
	for i := 0; i < 4; i++ {
		ch, err := pool.Submit(context.Background(), Task{ID: fmt.Sprint(i), Execute: func(context.Context) error {
			inFlight.Add(1)
			<-release
			return nil
		}})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		results = append(results, ch)
	}

	deadline := time.Now().Add(5 * time.Second)
	for inFlight.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := inFlight.Load(); got != 4 {
		t.Fatalf("expected 4 concurrent tasks, got %d", got)
	}
	if stats := pool.Stats(); stats.ActiveWorkers > 4 {
		t.Fatalf("pool exceeded MaxWorkers: %+v", stats)
	}
	close(release)
	for _, ch := range results {
		waitResult(t, ch)
	}
}

func TestWorkerPoolConcurrentSubmit(t *testing.T) {
	pool := NewWorkerPool(WorkerPoolConfig{MinWorkers: 4, MaxWorkers: 16, QueueSize: 256})
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	const goroutines = 10
	const tasksPerGoroutine = 20

	var done atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < tasksPerGoroutine; i++ {
				ch, err := pool.Submit(context.Background(), Task{
					ID:  fmt.Sprintf("g%d-t%d", g, i),
					Key: fmt.Sprintf("subscription-%d", g),
					Execute: func(ctx context.Context) error {
						time.Sleep(time.Millisecond)
						return nil
					},
				})
				if err != nil {
					t.Errorf("Submit failed: %v", err)
					return
				}
				if res := <-ch; res.Err == nil {
					done.Add(1)
				}
			}
		}(g)
	}
	wg.Wait()

	if got := done.Load(); got != goroutines*tasksPerGoroutine {
		t.Fatalf("completed %d/%d", got, goroutines*tasksPerGoroutine)
	}
}

func TestDefaultWorkerPoolConfig(t *testing.T) {
	cfg := DefaultWorkerPoolConfig()
	if cfg.MinWorkers <= 0 || cfg.MaxWorkers < cfg.MinWorkers || cfg.QueueSize <= 0 || cfg.IdleTimeout <= 0 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
