// Package workers provides a bounded goroutine pool with per-key exclusion,
// used to evaluate monitored assets in parallel without overlapping work on
// the same asset.
package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Pool manages a pool of worker goroutines
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	// Worker management
	taskQueue chan Task
	wg        sync.WaitGroup

	// Keys with a task queued or running
	keysMu sync.Mutex
	keys   map[string]struct{}

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	// Metrics
	metrics *PoolMetrics
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        `mapstructure:"name"`             // Pool name for logging
	NumWorkers      int           `mapstructure:"num_workers"`      // Number of worker goroutines
	QueueSize       int           `mapstructure:"queue_size"`       // Size of the task queue
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`     // Timeout for individual tasks
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"` // Timeout for graceful shutdown
	PanicRecovery   bool          `mapstructure:"panic_recovery"`   // Enable panic recovery in workers
}

// DefaultPoolConfig returns sensible defaults for I/O bound asset work
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU() * 2,
		QueueSize:       1024,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	}
}

// PoolMetrics tracks pool counters
type PoolMetrics struct {
	TasksSubmitted atomic.Int64
	TasksCompleted atomic.Int64
	TasksFailed    atomic.Int64
	TasksTimeout   atomic.Int64
	TasksRejected  atomic.Int64
	PanicRecovered atomic.Int64

	totalLatencyNs atomic.Int64
	maxLatencyNs   atomic.Int64
	startTime      time.Time
}

func newPoolMetrics() *PoolMetrics {
	return &PoolMetrics{startTime: time.Now()}
}

// RecordLatency records task execution latency
func (m *PoolMetrics) RecordLatency(ns int64) {
	m.totalLatencyNs.Add(ns)
	for {
		cur := m.maxLatencyNs.Load()
		if ns <= cur || m.maxLatencyNs.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// GetStats returns current metrics
func (m *PoolMetrics) GetStats() PoolStats {
	completed := m.TasksCompleted.Load()
	failed := m.TasksFailed.Load()

	stats := PoolStats{
		TasksSubmitted: m.TasksSubmitted.Load(),
		TasksCompleted: completed,
		TasksFailed:    failed,
		TasksTimeout:   m.TasksTimeout.Load(),
		TasksRejected:  m.TasksRejected.Load(),
		PanicRecovered: m.PanicRecovered.Load(),
		MaxLatency:     time.Duration(m.maxLatencyNs.Load()),
		Uptime:         time.Since(m.startTime),
	}
	if finished := completed + failed; finished > 0 {
		stats.AvgLatency = time.Duration(m.totalLatencyNs.Load() / finished)
	}
	return stats
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	TasksTimeout   int64         `json:"tasks_timeout"`
	TasksRejected  int64         `json:"tasks_rejected"`
	PanicRecovered int64         `json:"panic_recovered"`
	AvgLatency     time.Duration `json:"avg_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
	Uptime         time.Duration `json:"uptime"`
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	defaults := DefaultPoolConfig(config.Name)
	if config.NumWorkers <= 0 {
		config.NumWorkers = defaults.NumWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = defaults.TaskTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		keys:      make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   newPoolMetrics(),
	}
}

// Start starts all workers
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return // Already running
	}

	p.logger.Info("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(p.logger.With(zap.Int("worker_id", i)))
	}
}

// run is the worker's main loop
func (p *Pool) run(logger *zap.Logger) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskQueue:
			p.executeTask(logger, task)
		}
	}
}

// executeTask runs one task with timeout and panic recovery. A task that
// outlives its timeout keeps running; its context is cancelled and the
// worker moves on.
func (p *Pool) executeTask(logger *zap.Logger, task Task) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(p.ctx, p.config.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if p.config.PanicRecovery {
			defer func() {
				if r := recover(); r != nil {
					p.metrics.PanicRecovered.Add(1)
					logger.Error("worker recovered from panic", zap.Any("panic", r))
					done <- &PanicError{Recovered: r}
				}
			}()
		}
		done <- task.Execute(ctx)
	}()

	select {
	case err := <-done:
		p.metrics.RecordLatency(time.Since(startTime).Nanoseconds())
		if err != nil {
			p.metrics.TasksFailed.Add(1)
			logger.Debug("task failed", zap.Error(err))
		} else {
			p.metrics.TasksCompleted.Add(1)
		}

	case <-ctx.Done():
		p.metrics.TasksTimeout.Add(1)
		logger.Warn("task timed out", zap.Duration("timeout", p.config.TaskTimeout))
	}
}

// Submit adds a task to the queue without blocking
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		p.metrics.TasksSubmitted.Add(1)
		return nil
	default:
		p.metrics.TasksRejected.Add(1)
		return ErrQueueFull
	}
}

// SubmitFunc submits a function as a task
func (p *Pool) SubmitFunc(fn func(ctx context.Context) error) error {
	return p.Submit(TaskFunc(fn))
}

// SubmitWait submits a task and waits for it to return
func (p *Pool) SubmitWait(task Task) error {
	done := make(chan error, 1)
	wrapper := TaskFunc(func(ctx context.Context) error {
		err := task.Execute(ctx)
		done <- err
		return err
	})

	if err := p.Submit(wrapper); err != nil {
		return err
	}
	return <-done
}

// SubmitKeyed submits fn unless a task with the same key is still queued
// or running, in which case it returns ErrKeyBusy. done, when non-nil, is
// called with fn's result once fn returns, even after a timeout. It is
// never called when SubmitKeyed returns an error.
func (p *Pool) SubmitKeyed(key string, fn func(ctx context.Context) error, done func(error)) error {
	p.keysMu.Lock()
	if _, busy := p.keys[key]; busy {
		p.keysMu.Unlock()
		p.metrics.TasksRejected.Add(1)
		return ErrKeyBusy
	}
	p.keys[key] = struct{}{}
	p.keysMu.Unlock()

	release := func() {
		p.keysMu.Lock()
		delete(p.keys, key)
		p.keysMu.Unlock()
	}

	err := p.Submit(TaskFunc(func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Recovered: r}
			}
			release()
			if done != nil {
				done(err)
			}
			if pe, ok := err.(*PanicError); ok && !p.config.PanicRecovery {
				panic(pe.Recovered)
			}
		}()
		return fn(ctx)
	}))
	if err != nil {
		release()
		return err
	}
	return nil
}

// Busy reports whether key has a task queued or running
func (p *Pool) Busy(key string) bool {
	p.keysMu.Lock()
	defer p.keysMu.Unlock()
	_, ok := p.keys[key]
	return ok
}

// Stop shuts down the pool, waiting up to ShutdownTimeout for workers.
// Queued tasks that have not started are dropped.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil // Already stopped
	}

	p.logger.Info("stopping worker pool", zap.String("name", p.config.Name))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully",
			zap.String("name", p.config.Name),
		)
		return nil

	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// QueueLength returns the current number of queued tasks
func (p *Pool) QueueLength() int {
	return len(p.taskQueue)
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return p.metrics.GetStats()
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrKeyBusy         = &PoolError{Message: "previous task for key still running"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return "panic recovered"
}
