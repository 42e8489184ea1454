package core

import "time"

// TaskExecutionRecord captures a completed task execution event.
type TaskExecutionRecord struct {
	TaskID     TaskID
	Name       string
	PoolID     string
	WorkerID   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Failed     bool
	Panicked   bool
	Supervised bool
}

// PoolStats represents runtime observability state for a task pool.
type PoolStats struct {
	ID            string
	Workers       int
	QueueCapacity int
	Queued        int
	Active        int
	Completed     int64
	Failed        int64
	Rejected      int64
	Running       bool
}
