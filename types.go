package gooruntime

import "github.com/Swind/goo-runtime/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the gooruntime package for pool work.

// Task is the unit of work (Closure)
type Task = core.Task

// TaskHandle reports the state and outcome of a submitted task
type TaskHandle = core.TaskHandle

// TaskState is the lifecycle state of a task
type TaskState = core.TaskState

// ThreadPool is the submission interface the supervisor and workdist build on
type ThreadPool = core.ThreadPool

// Fault is a captured task failure
type Fault = core.Fault

// PanicError carries a recovered panic value and stack
type PanicError = core.PanicError

// SubmitOption customises a single submission
type SubmitOption = core.SubmitOption

// Task states
const (
	TaskPending   TaskState = core.TaskPending
	TaskRunning   TaskState = core.TaskRunning
	TaskCompleted TaskState = core.TaskCompleted
	TaskFailed    TaskState = core.TaskFailed
)

// Submission options
var (
	WithTaskName = core.WithTaskName
	WithOwner    = core.WithOwner
)
