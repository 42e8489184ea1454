package core

import (
	"context"
	"time"
)

// =============================================================================
// FaultHandler: Receives failures of owned (supervised) tasks
// =============================================================================

// FaultHandler is attached to a task at submission time. When the task
// fails, the worker hands the fault to its owner instead of the ErrorSink.
//
// Implementations should be thread-safe as they may be called concurrently.
type FaultHandler interface {
	HandleFault(ctx context.Context, fault *Fault)
}

// =============================================================================
// ErrorSink: Process-wide destination for unsupervised task failures
// =============================================================================

// ErrorSink receives faults of tasks that have no owner.
// An unsupervised fault is never fatal to the pool.
type ErrorSink interface {
	ReportFault(ctx context.Context, poolID string, fault *Fault)
}

// LogErrorSink reports unsupervised faults through a Logger.
type LogErrorSink struct {
	Logger Logger
}

// ReportFault logs the fault, including the stack when the task panicked.
func (s *LogErrorSink) ReportFault(ctx context.Context, poolID string, fault *Fault) {
	logger := s.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	fields := []Field{
		F("pool", poolID),
		F("worker", fault.WorkerID),
		F("task", fault.TaskName),
		F("task_id", fault.TaskID.String()),
		F("error", fault.Err.Error()),
	}
	if pe, ok := fault.Err.(*PanicError); ok {
		fields = append(fields, F("stack", string(pe.Stack)))
	}
	logger.Error("unsupervised task failed", fields...)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting task execution metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast to avoid impacting task execution performance.
type Metrics interface {
	// RecordTaskDuration records how long a task took to execute.
	RecordTaskDuration(poolID string, duration time.Duration)

	// RecordTaskFault records that a task failed; supervised reports whether
	// an owner received the fault.
	RecordTaskFault(poolID string, supervised bool, panicked bool)

	// RecordQueueDepth records the current queue depth.
	RecordQueueDepth(poolID string, depth int)

	// RecordTaskRejected records that a submission was rejected.
	RecordTaskRejected(poolID string, reason string)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(poolID string, duration time.Duration)  {}
func (m *NilMetrics) RecordTaskFault(poolID string, supervised bool, panicked bool) {}
func (m *NilMetrics) RecordQueueDepth(poolID string, depth int)                 {}
func (m *NilMetrics) RecordTaskRejected(poolID string, reason string)           {}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a submission is rejected by the scheduler.
// This can happen when:
// - The scheduler is shutting down
// - The bounded task queue is full
type RejectedTaskHandler interface {
	HandleRejectedTask(poolID string, reason string)
}

// LogRejectedTaskHandler logs rejected submissions at warn level.
type LogRejectedTaskHandler struct {
	Logger Logger
}

func (h *LogRejectedTaskHandler) HandleRejectedTask(poolID string, reason string) {
	logger := h.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	logger.Warn("task rejected", F("pool", poolID), F("reason", reason))
}

// =============================================================================
// TaskSchedulerConfig: Configuration for TaskScheduler
// =============================================================================

// DefaultQueueCapacity is the number of task slots a pool queue holds.
const DefaultQueueCapacity = 1024

// TaskSchedulerConfig holds configuration options for TaskScheduler.
// All handlers are optional; if not provided, default implementations will be used.
type TaskSchedulerConfig struct {
	// QueueCapacity bounds the FIFO queue. Defaults to DefaultQueueCapacity.
	QueueCapacity int

	// ErrorSink receives unsupervised faults. Defaults to LogErrorSink.
	ErrorSink ErrorSink

	// Metrics is called to record task execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to LogRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler

	// Logger is used by the scheduler and its workers. Defaults to DefaultLogger().
	Logger Logger
}

// DefaultTaskSchedulerConfig returns a config with default handlers.
func DefaultTaskSchedulerConfig() *TaskSchedulerConfig {
	logger := DefaultLogger()
	return &TaskSchedulerConfig{
		QueueCapacity:       DefaultQueueCapacity,
		ErrorSink:           &LogErrorSink{Logger: logger},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &LogRejectedTaskHandler{Logger: logger},
		Logger:              logger,
	}
}
