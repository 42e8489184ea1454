package core

import (
	"fmt"
	"sync/atomic"
	"time"
)

// TaskScheduler owns the bounded queue that pool workers pull from.
type TaskScheduler struct {
	queue       TaskQueue
	signal      chan struct{}
	workerCount int

	metricQueued    int32 // Waiting in queue
	metricActive    int32 // Executing in Worker
	metricCompleted int64
	metricFailed    int64
	metricRejected  int64

	// Handlers and Metrics
	errorSink           ErrorSink
	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler
	logger              Logger

	// Lifecycle
	shuttingDown int32 // atomic flag
}

func NewTaskScheduler(workerCount int) *TaskScheduler {
	return NewTaskSchedulerWithConfig(workerCount, DefaultTaskSchedulerConfig())
}

func NewTaskSchedulerWithConfig(workerCount int, config *TaskSchedulerConfig) *TaskScheduler {
	if workerCount < 1 {
		workerCount = 1
	}
	capacity := DefaultQueueCapacity
	if config != nil && config.QueueCapacity > 0 {
		capacity = config.QueueCapacity
	}

	s := &TaskScheduler{
		queue:       NewBoundedFIFOQueue(capacity),
		signal:      make(chan struct{}, workerCount*2),
		workerCount: workerCount,
	}

	// Apply config
	if config != nil {
		s.errorSink = config.ErrorSink
		s.metrics = config.Metrics
		s.rejectedTaskHandler = config.RejectedTaskHandler
		s.logger = config.Logger
	}

	// Use defaults if not provided
	if s.logger == nil {
		s.logger = DefaultLogger()
	}
	if s.errorSink == nil {
		s.errorSink = &LogErrorSink{Logger: s.logger}
	}
	if s.metrics == nil {
		s.metrics = &NilMetrics{}
	}
	if s.rejectedTaskHandler == nil {
		s.rejectedTaskHandler = &LogRejectedTaskHandler{Logger: s.logger}
	}

	return s
}

// Post enqueues item and wakes one worker.
func (s *TaskScheduler) Post(poolID string, item TaskItem) error {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		s.reject(poolID, "shutting down")
		return ErrShutdown
	}

	if !s.queue.TryPush(item) {
		s.reject(poolID, "queue full")
		return ErrQueueFull
	}
	depth := atomic.AddInt32(&s.metricQueued, 1) // Metric++
	s.metrics.RecordQueueDepth(poolID, int(depth))

	select {
	case s.signal <- struct{}{}:
	default:
		// Signal channel full, but task is already queued
		// This is not an error, just a optimization hint
	}
	return nil
}

func (s *TaskScheduler) reject(poolID, reason string) {
	atomic.AddInt64(&s.metricRejected, 1)
	s.rejectedTaskHandler.HandleRejectedTask(poolID, reason)
	s.metrics.RecordTaskRejected(poolID, reason)
}

// GetWork (Called by Worker)
func (s *TaskScheduler) GetWork(stopCh <-chan struct{}) (TaskItem, bool) {
	for {
		if atomic.LoadInt32(&s.shuttingDown) == 1 {
			return TaskItem{}, false
		}

		// Try to pop one task
		if item, ok := s.queue.Pop(); ok {
			atomic.AddInt32(&s.metricQueued, -1) // Metric-- (Left Queue)
			return item, true
		}

		select {
		case <-s.signal:
			continue
		case <-stopCh:
			return TaskItem{}, false
		}
	}
}

// Shutdown stops accepting tasks and discards the queued ones without
// running them. Their handles fail with ErrShutdown.
func (s *TaskScheduler) Shutdown() {
	// 1. Mark as shutting down to stop accepting new tasks
	atomic.StoreInt32(&s.shuttingDown, 1)

	// 2. Drain queue to release all task references
	s.drain()
}

func (s *TaskScheduler) drain() {
	for _, item := range s.queue.Drain() {
		atomic.AddInt32(&s.metricQueued, -1)
		if item.Handle != nil {
			item.Handle.Finish(ErrShutdown)
		}
	}
}

// ShutdownGraceful waits for all queued and active tasks to complete
// Returns error if timeout is exceeded before tasks complete
func (s *TaskScheduler) ShutdownGraceful(timeout time.Duration) error {
	// Wait for queues to drain and active tasks to complete
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			// Timeout exceeded, force clear remaining queues
			s.Shutdown()
			return fmt.Errorf("shutdown graceful timeout after %v, forced clearing", timeout)
		case <-ticker.C:
			// Check if all work is done
			if s.QueuedTaskCount() == 0 && s.ActiveTaskCount() == 0 {
				atomic.StoreInt32(&s.shuttingDown, 1)
				return nil
			}
		}
	}
}

// IsShuttingDown reports whether Shutdown has been called.
func (s *TaskScheduler) IsShuttingDown() bool {
	return atomic.LoadInt32(&s.shuttingDown) == 1
}

// Metrics
func (s *TaskScheduler) WorkerCount() int      { return s.workerCount }
func (s *TaskScheduler) QueueCapacity() int    { return s.queue.Cap() }
func (s *TaskScheduler) QueuedTaskCount() int  { return int(atomic.LoadInt32(&s.metricQueued)) }
func (s *TaskScheduler) ActiveTaskCount() int  { return int(atomic.LoadInt32(&s.metricActive)) }
func (s *TaskScheduler) CompletedCount() int64 { return atomic.LoadInt64(&s.metricCompleted) }
func (s *TaskScheduler) FailedCount() int64    { return atomic.LoadInt64(&s.metricFailed) }
func (s *TaskScheduler) RejectedCount() int64  { return atomic.LoadInt64(&s.metricRejected) }

func (s *TaskScheduler) OnTaskStart() {
	atomic.AddInt32(&s.metricActive, 1)
}

// OnTaskEnd records the outcome of one executed task.
func (s *TaskScheduler) OnTaskEnd(failed bool) {
	atomic.AddInt32(&s.metricActive, -1)
	if failed {
		atomic.AddInt64(&s.metricFailed, 1)
	} else {
		atomic.AddInt64(&s.metricCompleted, 1)
	}
}

// GetErrorSink returns the sink for unsupervised faults
func (s *TaskScheduler) GetErrorSink() ErrorSink {
	return s.errorSink
}

// GetMetrics returns the metrics collector for this scheduler
func (s *TaskScheduler) GetMetrics() Metrics {
	return s.metrics
}

// GetLogger returns the scheduler's logger
func (s *TaskScheduler) GetLogger() Logger {
	return s.logger
}
