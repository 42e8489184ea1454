package gooruntime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Swind/goo-runtime/core"
)

// TaskPool manages a fixed set of worker goroutines
// Responsible for pulling tasks from the bounded queue and executing them
type TaskPool struct {
	id        string
	workers   int
	scheduler *core.TaskScheduler
	history   *core.ExecutionHistory
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	stopped   bool
	runningMu sync.RWMutex
}

var _ core.ThreadPool = (*TaskPool)(nil)

// NewTaskPool creates a new TaskPool with the default scheduler config
func NewTaskPool(id string, workers int) *TaskPool {
	return NewTaskPoolWithConfig(id, workers, core.DefaultTaskSchedulerConfig())
}

// NewTaskPoolWithConfig creates a new TaskPool whose scheduler uses config
func NewTaskPoolWithConfig(id string, workers int, config *core.TaskSchedulerConfig) *TaskPool {
	if workers < 1 {
		workers = 1
	}
	return &TaskPool{
		id:        id,
		workers:   workers,
		scheduler: core.NewTaskSchedulerWithConfig(workers, config),
		history:   core.NewExecutionHistory(core.DefaultTaskHistoryCapacity),
	}
}

// Start starts all worker goroutines
func (p *TaskPool) Start(ctx context.Context) {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()

	if p.running || p.stopped {
		return // Already running, or shut down for good
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i, p.ctx)
	}
}

// Submit enqueues task. It fails with core.ErrQueueFull when the queue is
// saturated and core.ErrShutdown once the pool has been shut down.
func (p *TaskPool) Submit(task core.Task, opts ...core.SubmitOption) (*core.TaskHandle, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: nil task", core.ErrConfiguration)
	}
	item := core.NewTaskItem(task, opts...)
	if err := p.scheduler.Post(p.id, item); err != nil {
		return nil, err
	}
	return item.Handle, nil
}

// Shutdown stops the pool: no new submissions, workers are woken and
// joined, and queued tasks are discarded without running.
func (p *TaskPool) Shutdown() {
	// Always shutdown scheduler to clean up the queue
	// even if pool was never started
	p.scheduler.Shutdown()

	p.runningMu.Lock()
	p.stopped = true
	if !p.running {
		p.runningMu.Unlock()
		return
	}
	p.runningMu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.Join()

	// Anything that slipped in while workers were exiting
	p.scheduler.Shutdown()

	p.runningMu.Lock()
	p.running = false
	p.runningMu.Unlock()
}

// ShutdownGraceful stops the pool after queued tasks complete
// Returns error if timeout is exceeded before tasks complete
func (p *TaskPool) ShutdownGraceful(timeout time.Duration) error {
	p.runningMu.RLock()
	running := p.running
	p.runningMu.RUnlock()
	if !running {
		p.Shutdown()
		return nil
	}

	err := p.scheduler.ShutdownGraceful(timeout)
	p.Shutdown()
	return err
}

// ID returns the ID of the pool
func (p *TaskPool) ID() string {
	return p.id
}

// IsRunning returns whether the pool is running
func (p *TaskPool) IsRunning() bool {
	p.runningMu.RLock()
	defer p.runningMu.RUnlock()
	return p.running
}

// workerLoop is the main loop for each worker
func (p *TaskPool) workerLoop(id int, ctx context.Context) {
	defer p.wg.Done()
	stopCh := ctx.Done()

	for {
		item, ok := p.scheduler.GetWork(stopCh)
		if !ok {
			// Scheduler shut down or context canceled
			return
		}
		p.execute(ctx, id, item)
	}
}

// execute runs one task inside the fault capture scope and routes a failure
// to the task's owner or to the pool's ErrorSink. It never panics.
func (p *TaskPool) execute(ctx context.Context, workerID int, item core.TaskItem) {
	p.scheduler.OnTaskStart()
	item.Handle.MarkRunning()

	startedAt := time.Now()
	err := core.RunTask(ctx, item.Task)
	finishedAt := time.Now()

	p.scheduler.OnTaskEnd(err != nil)
	item.Handle.Finish(err)

	metrics := p.scheduler.GetMetrics()
	metrics.RecordTaskDuration(p.id, finishedAt.Sub(startedAt))

	p.history.Add(core.TaskExecutionRecord{
		TaskID:     item.Handle.ID(),
		Name:       item.Handle.Name(),
		PoolID:     p.id,
		WorkerID:   workerID,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startedAt),
		Failed:     err != nil,
		Panicked:   core.IsPanic(err),
		Supervised: item.Owner != nil,
	})

	if err == nil {
		return
	}
	fault := &core.Fault{
		TaskID:   item.Handle.ID(),
		TaskName: item.Handle.Name(),
		WorkerID: workerID,
		Err:      err,
	}
	metrics.RecordTaskFault(p.id, item.Owner != nil, core.IsPanic(err))

	// Owners are user code too; a panicking handler must not kill the worker.
	defer func() {
		if rec := recover(); rec != nil {
			p.scheduler.GetLogger().Error("fault handler panicked",
				core.F("pool", p.id), core.F("worker", workerID), core.F("panic", fmt.Sprint(rec)))
		}
	}()
	if item.Owner != nil {
		item.Owner.HandleFault(ctx, fault)
		return
	}
	p.scheduler.GetErrorSink().ReportFault(ctx, p.id, fault)
}

// Join waits for all worker goroutines to finish
func (p *TaskPool) Join() {
	p.wg.Wait()
}

// WorkerCount returns the number of workers
func (p *TaskPool) WorkerCount() int {
	return p.workers
}

func (p *TaskPool) QueuedTaskCount() int {
	return p.scheduler.QueuedTaskCount()
}

func (p *TaskPool) ActiveTaskCount() int {
	return p.scheduler.ActiveTaskCount()
}

// GetScheduler exposes the underlying scheduler
func (p *TaskPool) GetScheduler() *core.TaskScheduler {
	return p.scheduler
}

// Stats returns current observability data for this pool.
func (p *TaskPool) Stats() core.PoolStats {
	return core.PoolStats{
		ID:            p.id,
		Workers:       p.workers,
		QueueCapacity: p.scheduler.QueueCapacity(),
		Queued:        p.scheduler.QueuedTaskCount(),
		Active:        p.scheduler.ActiveTaskCount(),
		Completed:     p.scheduler.CompletedCount(),
		Failed:        p.scheduler.FailedCount(),
		Rejected:      p.scheduler.RejectedCount(),
		Running:       p.IsRunning(),
	}
}

// RecentTasks returns completed task execution records in newest-first order.
func (p *TaskPool) RecentTasks(limit int) []core.TaskExecutionRecord {
	return p.history.Recent(limit)
}

// =============================================================================
// Global Task Pool Helper
// =============================================================================

var (
	globalTaskPool *TaskPool
	globalMu       sync.Mutex
)

// ErrGlobalPoolNotInitialized is returned by GlobalTaskPool before InitGlobalTaskPool.
var ErrGlobalPoolNotInitialized = fmt.Errorf("global task pool: %w", core.ErrNotInitialized)

// InitGlobalTaskPool initializes the global pool with the specified number of workers.
// It starts the pool immediately. Calling it again is a no-op.
func InitGlobalTaskPool(workers int) *TaskPool {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalTaskPool != nil {
		return globalTaskPool
	}

	globalTaskPool = NewTaskPool("global-pool", workers)
	globalTaskPool.Start(context.Background())
	return globalTaskPool
}

// GlobalTaskPool returns the global pool instance.
// It is never created implicitly.
func GlobalTaskPool() (*TaskPool, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalTaskPool == nil {
		return nil, ErrGlobalPoolNotInitialized
	}
	return globalTaskPool, nil
}

// ShutdownGlobalTaskPool stops the global pool.
func ShutdownGlobalTaskPool() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalTaskPool != nil {
		globalTaskPool.Shutdown()
		globalTaskPool = nil
	}
}

// IsQueueFull reports whether err is a saturated-queue rejection.
func IsQueueFull(err error) bool {
	return errors.Is(err, core.ErrQueueFull)
}
