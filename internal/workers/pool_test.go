package workers_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-backend/internal/workers"
)

func newPool(t *testing.T, cfg *workers.PoolConfig) *workers.Pool {
	t.Helper()
	pool := workers.NewPool(zap.NewNop(), cfg)
	pool.Start()
	t.Cleanup(func() { pool.Stop() })
	return pool
}

func TestSubmitRunsTasks(t *testing.T) {
	pool := newPool(t, &workers.PoolConfig{Name: "test", NumWorkers: 4, QueueSize: 100})

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		err := pool.SubmitFunc(func(ctx context.Context) error {
			defer wg.Done()
			count.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	wg.Wait()

	if count.Load() != 50 {
		t.Errorf("Executed count incorrect: expected 50, got %d", count.Load())
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), &workers.PoolConfig{Name: "stopped", NumWorkers: 1, QueueSize: 1})
	pool.Start()
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	err := pool.SubmitFunc(func(ctx context.Context) error { return nil })
	if err != workers.ErrPoolStopped {
		t.Errorf("Error incorrect: expected ErrPoolStopped, got %v", err)
	}
}

func TestSubmitKeyedRejectsBusyKey(t *testing.T) {
	pool := newPool(t, &workers.PoolConfig{Name: "keyed", NumWorkers: 4, QueueSize: 16})

	release := make(chan struct{})
	finished := make(chan error, 1)
	err := pool.SubmitKeyed("BTCUSDT", func(ctx context.Context) error {
		<-release
		return nil
	}, func(err error) { finished <- err })
	if err != nil {
		t.Fatalf("First submit failed: %v", err)
	}

	err = pool.SubmitKeyed("BTCUSDT", func(ctx context.Context) error { return nil }, nil)
	if err != workers.ErrKeyBusy {
		t.Errorf("Error incorrect: expected ErrKeyBusy, got %v", err)
	}

	// Other keys are unaffected
	other := make(chan error, 1)
	if err := pool.SubmitKeyed("ETHUSDT", func(ctx context.Context) error { return nil }, func(err error) { other <- err }); err != nil {
		t.Errorf("Submit for another key failed: %v", err)
	}
	<-other

	close(release)
	if err := <-finished; err != nil {
		t.Errorf("Keyed task error: %v", err)
	}

	if pool.Busy("BTCUSDT") {
		t.Error("Key should be released after the task returns")
	}
	if err := pool.SubmitKeyed("BTCUSDT", func(ctx context.Context) error { return nil }, nil); err != nil {
		t.Errorf("Resubmit after completion failed: %v", err)
	}
}

func TestSubmitKeyedRecoversPanics(t *testing.T) {
	pool := newPool(t, &workers.PoolConfig{Name: "panics", NumWorkers: 1, QueueSize: 4, PanicRecovery: true})

	done := make(chan error, 1)
	err := pool.SubmitKeyed("SOLUSDT", func(ctx context.Context) error {
		panic("bad bar")
	}, func(err error) { done <- err })
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	got := <-done
	var pe *workers.PanicError
	if !errors.As(got, &pe) {
		t.Fatalf("Error incorrect: expected PanicError, got %v", got)
	}
	if pool.Busy("SOLUSDT") {
		t.Error("Key should be released after a panic")
	}
}

func TestTaskTimeoutCancelsContext(t *testing.T) {
	pool := newPool(t, &workers.PoolConfig{Name: "timeout", NumWorkers: 1, QueueSize: 4, TaskTimeout: 20 * time.Millisecond})

	done := make(chan error, 1)
	err := pool.SubmitKeyed("BTCUSDT", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, func(err error) { done <- err })
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Error incorrect: expected deadline exceeded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Task context was not cancelled")
	}
}
