package core

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Task is the unit of work (Closure).
// A non-nil error, or a panic, marks the task as failed.
type Task func(ctx context.Context) error

// TaskID identifies one submitted task.
type TaskID = uuid.UUID

// GenerateTaskID returns a fresh random task id.
func GenerateTaskID() TaskID {
	return uuid.New()
}

// =============================================================================
// TaskState: Lifecycle of a submitted task
// =============================================================================

type TaskState int32

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// =============================================================================
// TaskHandle: Caller-side view of a submitted task
// =============================================================================

// TaskHandle tracks the result state of one submitted task.
type TaskHandle struct {
	id   TaskID
	name string

	mu    sync.Mutex
	state TaskState
	err   error
	done  chan struct{}
}

func newTaskHandle(name string) *TaskHandle {
	return &TaskHandle{
		id:    GenerateTaskID(),
		name:  name,
		state: TaskPending,
		done:  make(chan struct{}),
	}
}

func (h *TaskHandle) ID() TaskID   { return h.id }
func (h *TaskHandle) Name() string { return h.name }

// State returns the current lifecycle state.
func (h *TaskHandle) State() TaskState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the failure cause once the task has failed, nil otherwise.
func (h *TaskHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed when the task reaches Completed or Failed.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finishes or ctx is done.
func (h *TaskHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkRunning moves a pending task to running.
func (h *TaskHandle) MarkRunning() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == TaskPending {
		h.state = TaskRunning
	}
}

// Finish records the terminal state. Only the first call has an effect.
func (h *TaskHandle) Finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == TaskCompleted || h.state == TaskFailed {
		return
	}
	if err != nil {
		h.state = TaskFailed
		h.err = err
	} else {
		h.state = TaskCompleted
	}
	close(h.done)
}

// =============================================================================
// TaskItem: Queue record
// =============================================================================

// TaskItem is one queued task plus the supervising owner, if any.
type TaskItem struct {
	Task   Task
	Handle *TaskHandle
	Owner  FaultHandler
}

// SubmitOption customises a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	name  string
	owner FaultHandler
}

// WithTaskName sets the display name used in logs, history and metrics.
func WithTaskName(name string) SubmitOption {
	return func(o *submitOptions) { o.name = name }
}

// WithOwner attaches a FaultHandler that receives the task's failure
// instead of the pool-wide ErrorSink.
func WithOwner(owner FaultHandler) SubmitOption {
	return func(o *submitOptions) { o.owner = owner }
}

// NewTaskItem builds a queue record and its handle.
func NewTaskItem(task Task, opts ...SubmitOption) TaskItem {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	name := resolveTaskName(task, o.name)
	return TaskItem{
		Task:   task,
		Handle: newTaskHandle(name),
		Owner:  o.owner,
	}
}

// =============================================================================
// ThreadPool: Task submission interface
// =============================================================================

// ThreadPool is what supervisors and parallel loops need from a pool.
type ThreadPool interface {
	Submit(task Task, opts ...SubmitOption) (*TaskHandle, error)
	WorkerCount() int
}
