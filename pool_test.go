package gooruntime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Swind/goo-runtime/core"
)

func quietConfig() *core.TaskSchedulerConfig {
	cfg := core.DefaultTaskSchedulerConfig()
	cfg.Logger = core.NewNoOpLogger()
	cfg.ErrorSink = &core.LogErrorSink{Logger: cfg.Logger}
	cfg.RejectedTaskHandler = &core.LogRejectedTaskHandler{Logger: cfg.Logger}
	return cfg
}

type recordingSink struct {
	mu     sync.Mutex
	faults []*core.Fault
}

func (s *recordingSink) ReportFault(ctx context.Context, poolID string, fault *core.Fault) {
	s.mu.Lock()
	s.faults = append(s.faults, fault)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.faults)
}

type recordingOwner struct {
	got chan *core.Fault
}

func (o *recordingOwner) HandleFault(ctx context.Context, fault *core.Fault) {
	o.got <- fault
}

func TestTaskPool_Lifecycle(t *testing.T) {
	pool := NewTaskPoolWithConfig("test-pool", 2, quietConfig())

	if pool.ID() != "test-pool" {
		t.Errorf("expected ID 'test-pool', got %s", pool.ID())
	}
	if pool.WorkerCount() != 2 {
		t.Errorf("expected 2 workers, got %d", pool.WorkerCount())
	}

	pool.Start(context.Background())
	pool.Start(context.Background())
	if !pool.IsRunning() {
		t.Error("pool should be running after Start()")
	}

	pool.Shutdown()
	if pool.IsRunning() {
		t.Error("pool should not be running after Shutdown()")
	}

	// A shut down pool stays down.
	pool.Start(context.Background())
	if pool.IsRunning() {
		t.Error("pool restarted after Shutdown()")
	}
}

func TestTaskPool_TaskExecution(t *testing.T) {
	pool := NewTaskPoolWithConfig("exec-pool", 4, quietConfig())
	pool.Start(context.Background())
	defer pool.Shutdown()

	var counter int32
	taskCount := 10
	handles := make([]*core.TaskHandle, 0, taskCount)

	for i := 0; i < taskCount; i++ {
		h, err := pool.Submit(func(ctx context.Context) error {
			atomic.AddInt32(&counter, 1)
			time.Sleep(10 * time.Millisecond) // Simulate work
			return nil
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		handles = append(handles, h)
	}

	for _, h := range handles {
		if err := h.Wait(context.Background()); err != nil {
			t.Errorf("task failed: %v", err)
		}
		if h.State() != core.TaskCompleted {
			t.Errorf("task state = %s, want completed", h.State())
		}
	}
	if val := atomic.LoadInt32(&counter); val != int32(taskCount) {
		t.Errorf("expected %d executed tasks, got %d", taskCount, val)
	}
}

// TestTaskPool_QueueFull verifies a saturated queue rejects submissions
// Given: A single worker that is busy and a queue with capacity 2
// When: Three more tasks are submitted
// Then: The third fails with ErrQueueFull and is counted as rejected
func TestTaskPool_QueueFull(t *testing.T) {
	// Arrange
	cfg := quietConfig()
	cfg.QueueCapacity = 2
	pool := NewTaskPoolWithConfig("full-pool", 1, cfg)
	pool.Start(context.Background())
	defer pool.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	_, _ = pool.Submit(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	noop := func(ctx context.Context) error { return nil }

	// Act
	_, err1 := pool.Submit(noop)
	_, err2 := pool.Submit(noop)
	_, err3 := pool.Submit(noop)
	close(release)

	// Assert
	if err1 != nil || err2 != nil {
		t.Fatalf("first submissions failed: %v, %v", err1, err2)
	}
	if !errors.Is(err3, core.ErrQueueFull) || !IsQueueFull(err3) {
		t.Errorf("third Submit() = %v, want ErrQueueFull", err3)
	}
	if got := pool.Stats().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}
}

func TestTaskPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewTaskPoolWithConfig("closed-pool", 1, quietConfig())
	pool.Start(context.Background())
	pool.Shutdown()

	if _, err := pool.Submit(func(ctx context.Context) error { return nil }); !errors.Is(err, core.ErrShutdown) {
		t.Errorf("Submit() after Shutdown = %v, want ErrShutdown", err)
	}
	if _, err := pool.Submit(nil); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("Submit(nil) = %v, want ErrConfiguration", err)
	}
}

// TestTaskPool_UnsupervisedPanic verifies a panic is reported and the worker survives
// Given: A single worker pool with a recording error sink
// When: One task panics and another is submitted afterwards
// Then: The sink sees a PanicError and the second task still runs
func TestTaskPool_UnsupervisedPanic(t *testing.T) {
	// Arrange
	cfg := quietConfig()
	sink := &recordingSink{}
	cfg.ErrorSink = sink
	pool := NewTaskPoolWithConfig("panic-pool", 1, cfg)
	pool.Start(context.Background())
	defer pool.Shutdown()

	// Act
	bad, _ := pool.Submit(func(ctx context.Context) error { panic("boom") }, core.WithTaskName("bad"))
	good, _ := pool.Submit(func(ctx context.Context) error { return nil })

	// Assert
	if err := bad.Wait(context.Background()); !core.IsPanic(err) {
		t.Errorf("bad task error = %v, want PanicError", err)
	}
	if err := good.Wait(context.Background()); err != nil {
		t.Errorf("good task error = %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("sink received %d faults, want 1", sink.count())
	}
	if name := sink.faults[0].TaskName; name != "bad" {
		t.Errorf("fault task name = %q, want bad", name)
	}
}

func TestTaskPool_OwnerReceivesFault(t *testing.T) {
	cfg := quietConfig()
	sink := &recordingSink{}
	cfg.ErrorSink = sink
	pool := NewTaskPoolWithConfig("owned-pool", 1, cfg)
	pool.Start(context.Background())
	defer pool.Shutdown()

	owner := &recordingOwner{got: make(chan *core.Fault, 1)}
	cause := errors.New("child failed")
	_, _ = pool.Submit(func(ctx context.Context) error { return cause }, core.WithOwner(owner))

	select {
	case fault := <-owner.got:
		if !errors.Is(fault, cause) {
			t.Errorf("fault = %v, want wrapped cause", fault)
		}
	case <-time.After(time.Second):
		t.Fatal("owner never received the fault")
	}
	if sink.count() != 0 {
		t.Errorf("supervised fault leaked to the error sink")
	}
}

func TestTaskPool_StatsAndHistory(t *testing.T) {
	pool := NewTaskPoolWithConfig("stats-pool", 2, quietConfig())
	pool.Start(context.Background())
	defer pool.Shutdown()

	ok, _ := pool.Submit(func(ctx context.Context) error { return nil }, core.WithTaskName("ok"))
	bad, _ := pool.Submit(func(ctx context.Context) error { return errors.New("no") }, core.WithTaskName("bad"))
	_ = ok.Wait(context.Background())
	_ = bad.Wait(context.Background())

	deadline := time.Now().Add(time.Second)
	for len(pool.RecentTasks(10)) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	st := pool.Stats()
	if st.Completed != 1 || st.Failed != 1 || !st.Running || st.Workers != 2 {
		t.Errorf("Stats() = %+v", st)
	}
	records := pool.RecentTasks(10)
	if len(records) != 2 {
		t.Fatalf("RecentTasks() returned %d records, want 2", len(records))
	}
	failed := 0
	for _, r := range records {
		if r.Failed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("history has %d failed records, want 1", failed)
	}
}

// =============================================================================
// Graceful Shutdown Tests
// =============================================================================

func TestTaskPool_ShutdownGraceful_EmptyQueue(t *testing.T) {
	pool := NewTaskPoolWithConfig("graceful-pool", 2, quietConfig())
	pool.Start(context.Background())

	// No tasks queued, should stop immediately
	if err := pool.ShutdownGraceful(1 * time.Second); err != nil {
		t.Fatalf("ShutdownGraceful failed: %v", err)
	}
	if pool.IsRunning() {
		t.Error("pool should not be running after ShutdownGraceful")
	}
}

func TestTaskPool_ShutdownGraceful_WithQueuedTasks(t *testing.T) {
	pool := NewTaskPoolWithConfig("graceful-queued-pool", 2, quietConfig())
	pool.Start(context.Background())

	var executed int32
	taskCount := 5
	for i := 0; i < taskCount; i++ {
		_, _ = pool.Submit(func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&executed, 1)
			return nil
		})
	}

	if err := pool.ShutdownGraceful(2 * time.Second); err != nil {
		t.Errorf("ShutdownGraceful failed: %v", err)
	}
	if got := atomic.LoadInt32(&executed); got != int32(taskCount) {
		t.Errorf("expected %d executed tasks, got %d", taskCount, got)
	}
}

func TestTaskPool_ShutdownGraceful_Timeout(t *testing.T) {
	pool := NewTaskPoolWithConfig("timeout-pool", 1, quietConfig())
	pool.Start(context.Background())

	started := make(chan struct{})
	_, _ = pool.Submit(func(ctx context.Context) error {
		close(started)
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	})
	queued, _ := pool.Submit(func(ctx context.Context) error { return nil })
	<-started

	start := time.Now()
	err := pool.ShutdownGraceful(50 * time.Millisecond)
	elapsed := time.Since(start)

	if err == nil {
		t.Error("expected timeout error, got nil")
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("ShutdownGraceful took too long: %v", elapsed)
	}
	if err := queued.Wait(context.Background()); !errors.Is(err, core.ErrShutdown) {
		t.Errorf("discarded task error = %v, want ErrShutdown", err)
	}
}

func TestGlobalTaskPool(t *testing.T) {
	ShutdownGlobalTaskPool()
	if _, err := GlobalTaskPool(); !errors.Is(err, ErrGlobalPoolNotInitialized) {
		t.Fatalf("GlobalTaskPool() before init = %v, want ErrGlobalPoolNotInitialized", err)
	}

	first := InitGlobalTaskPool(2)
	defer ShutdownGlobalTaskPool()
	if second := InitGlobalTaskPool(8); second != first {
		t.Error("InitGlobalTaskPool created a second pool")
	}
	pool, err := GlobalTaskPool()
	if err != nil || pool != first {
		t.Fatalf("GlobalTaskPool() = %v, %v", pool, err)
	}
	h, err := pool.Submit(func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Errorf("task failed: %v", err)
	}
}
