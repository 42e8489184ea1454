package core

import (
	"reflect"
	"runtime"
	"strings"
	"sync"
)

const DefaultTaskHistoryCapacity = 100

// ExecutionHistory keeps the most recent task executions of a pool.
// Older records are overwritten once capacity is reached.
type ExecutionHistory struct {
	mu      sync.Mutex
	records []TaskExecutionRecord
	added   uint64
}

func NewExecutionHistory(capacity int) *ExecutionHistory {
	if capacity < 1 {
		capacity = DefaultTaskHistoryCapacity
	}
	return &ExecutionHistory{records: make([]TaskExecutionRecord, capacity)}
}

func (h *ExecutionHistory) Add(record TaskExecutionRecord) {
	h.mu.Lock()
	h.records[h.added%uint64(len(h.records))] = record
	h.added++
	h.mu.Unlock()
}

func (h *ExecutionHistory) size() int {
	return int(min(h.added, uint64(len(h.records))))
}

// at returns the i-th newest record; the caller holds mu.
func (h *ExecutionHistory) at(i int) TaskExecutionRecord {
	return h.records[(h.added-1-uint64(i))%uint64(len(h.records))]
}

// Recent returns up to limit records, newest first. limit <= 0 means all.
func (h *ExecutionHistory) Recent(limit int) []TaskExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.size()
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil
	}
	out := make([]TaskExecutionRecord, n)
	for i := range out {
		out[i] = h.at(i)
	}
	return out
}

func (h *ExecutionHistory) Last() (TaskExecutionRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.added == 0 {
		return TaskExecutionRecord{}, false
	}
	return h.at(0), true
}

// resolveTaskName prefers the explicit name and falls back to the function
// symbol without its import path.
func resolveTaskName(task Task, explicit string) string {
	switch {
	case explicit != "":
		return explicit
	case task == nil:
		return "anonymous"
	}
	fn := runtime.FuncForPC(reflect.ValueOf(task).Pointer())
	if fn == nil || fn.Name() == "" {
		return "anonymous"
	}
	name := fn.Name()
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}
