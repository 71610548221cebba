package scale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPoolStopped is returned for tasks submitted to, or still queued in, a
// stopped pool.
var ErrPoolStopped = errors.New("worker pool not running")

// Task represents a unit of work to be executed by the worker pool.
type Task struct {
	ID string
	// Key groups tasks for reporting, e.g. the instance that issued them.
	Key     string
	Execute func(ctx context.Context) error
}

// TaskResult holds the outcome of a task execution.
type TaskResult struct {
	TaskID   string
	Key      string
	Err      error
	Duration time.Duration
}

// WorkerPoolConfig configures the worker pool.
type WorkerPoolConfig struct {
	// MinWorkers is the minimum number of goroutines kept alive.
	MinWorkers int `yaml:"min_workers" env:"MIN"`
	// MaxWorkers is the maximum number of goroutines allowed.
	MaxWorkers int `yaml:"max_workers" env:"MAX"`
	// QueueSize is the capacity of the task queue.
	QueueSize int `yaml:"queue_size" env:"QUEUE"`
	// IdleTimeout is how long an idle worker waits before exiting (above MinWorkers).
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// DefaultWorkerPoolConfig returns sensible defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		MinWorkers:  4,
		MaxWorkers:  64,
		QueueSize:   1024,
		IdleTimeout: 30 * time.Second,
	}
}

type job struct {
	ctx    context.Context
	task   Task
	result chan TaskResult
}

// WorkerPool bounds the number of goroutines executing effects. Each
// submitted task reports on its own result channel.
type WorkerPool struct {
	cfg    WorkerPoolConfig
	jobs   chan job
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context

	activeWorkers atomic.Int64
	busyWorkers   atomic.Int64
	totalTasks    atomic.Int64
	completedOK   atomic.Int64
	completedErr  atomic.Int64

	mu      sync.Mutex
	running bool
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(cfg WorkerPoolConfig) *WorkerPool {
	def := DefaultWorkerPoolConfig()
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = def.MinWorkers
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	return &WorkerPool{
		cfg:  cfg,
		jobs: make(chan job, cfg.QueueSize),
	}
}

// Start launches the minimum number of workers.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("worker pool already running")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnWorker(false)
	}
	return nil
}

// Submit queues task and returns the channel its result is delivered on.
// The task runs with ctx; a task whose ctx is done before a worker picks it
// up reports ctx.Err() without running. Submit blocks while the queue is
// full, scaling up first when below MaxWorkers.
func (p *WorkerPool) Submit(ctx context.Context, task Task) (<-chan TaskResult, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil, ErrPoolStopped
	}
	poolCtx := p.ctx
	p.mu.Unlock()

	p.totalTasks.Add(1)
	j := job{ctx: ctx, task: task, result: make(chan TaskResult, 1)}

	// Try non-blocking send first
	select {
	case p.jobs <- j:
		p.maybeScale()
		return j.result, nil
	default:
	}

	// Queue is full, try scaling up
	p.maybeScale()

	select {
	case p.jobs <- j:
		return j.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-poolCtx.Done():
		return nil, ErrPoolStopped
	}
}

// Stop cancels running tasks and waits for the workers to exit. Queued tasks
// are answered with ErrPoolStopped.
func (p *WorkerPool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	for {
		select {
		case j := <-p.jobs:
			j.result <- TaskResult{TaskID: j.task.ID, Key: j.task.Key, Err: ErrPoolStopped}
		default:
			return nil
		}
	}
}

// Stats returns current pool statistics.
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		ActiveWorkers:  int(p.activeWorkers.Load()),
		BusyWorkers:    int(p.busyWorkers.Load()),
		PendingTasks:   len(p.jobs),
		TotalSubmitted: p.totalTasks.Load(),
		CompletedOK:    p.completedOK.Load(),
		CompletedErr:   p.completedErr.Load(),
	}
}

// WorkerPoolStats holds pool statistics.
type WorkerPoolStats struct {
	ActiveWorkers  int
	BusyWorkers    int
	PendingTasks   int
	TotalSubmitted int64
	CompletedOK    int64
	CompletedErr   int64
}

// maybeScale spawns an additional worker when every worker is busy or the
// queue occupancy is above 75%, as long as the count is below MaxWorkers.
func (p *WorkerPool) maybeScale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	active := int(p.activeWorkers.Load())
	if active >= p.cfg.MaxWorkers {
		return
	}
	saturated := int(p.busyWorkers.Load())+len(p.jobs) > active
	if saturated || len(p.jobs) > p.cfg.QueueSize*3/4 {
		p.spawnWorker(true)
	}
}

// spawnWorker starts a new worker goroutine. If ephemeral is true the worker
// exits after IdleTimeout without work, as long as the count stays above MinWorkers.
func (p *WorkerPool) spawnWorker(ephemeral bool) {
	p.wg.Add(1)
	p.activeWorkers.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.activeWorkers.Add(-1)

		idleTimer := time.NewTimer(p.cfg.IdleTimeout)
		defer idleTimer.Stop()

		for {
			idleTimer.Reset(p.cfg.IdleTimeout)

			select {
			case j := <-p.jobs:
				p.run(j)

			case <-idleTimer.C:
				if ephemeral && int(p.activeWorkers.Load()) > p.cfg.MinWorkers {
					return
				}

			case <-p.ctx.Done():
				return
			}
		}
	}()
}

func (p *WorkerPool) run(j job) {
	p.busyWorkers.Add(1)
	defer p.busyWorkers.Add(-1)
	if len(p.jobs) > 0 {
		p.maybeScale()
	}

	res := TaskResult{TaskID: j.task.ID, Key: j.task.Key}
	if err := j.ctx.Err(); err != nil {
		res.Err = err
	} else {
		ctx, cancel := context.WithCancel(j.ctx)
		stop := context.AfterFunc(p.ctx, cancel)
		start := time.Now()
		res.Err = j.task.Execute(ctx)
		res.Duration = time.Since(start)
		stop()
		cancel()
	}
	if res.Err != nil {
		p.completedErr.Add(1)
	} else {
		p.completedOK.Add(1)
	}
	j.result <- res
}
