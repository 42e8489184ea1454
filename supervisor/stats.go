package supervisor

import (
	"fmt"

	"github.com/Swind/goo-runtime/core"
)

// ChildStatus is a snapshot of one child.
type ChildStatus struct {
	ID         int
	Name       string
	State      ChildState
	Failed     bool
	Restarts   uint32
	Generation uint64
	LastError  string
}

// Stats is a snapshot of a supervisor.
type Stats struct {
	Name          string
	Policy        Policy
	RestartCount  uint32
	TotalRestarts uint64
	Escalated     bool
	Started       bool
	Stopped       bool
	Children      []ChildStatus
}

func (c *child) status() ChildStatus {
	return ChildStatus{
		ID:         c.id,
		Name:       c.name,
		State:      c.state,
		Failed:     c.failed,
		Restarts:   c.restarts,
		Generation: c.generation,
		LastError:  errString(c.lastErr),
	}
}

// Stats returns a snapshot of the supervisor and its children.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	children := make([]ChildStatus, len(s.children))
	for i, c := range s.children {
		children[i] = c.status()
	}
	return Stats{
		Name:          s.name,
		Policy:        s.cfg.Policy,
		RestartCount:  s.restartCount,
		TotalRestarts: s.totalRestarts,
		Escalated:     s.escalated,
		Started:       s.started,
		Stopped:       s.stopped,
		Children:      children,
	}
}

// Child returns the status of child id.
func (s *Supervisor) Child(id int) (ChildStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.children) {
		return ChildStatus{}, fmt.Errorf("%w: unknown child %d", core.ErrConfiguration, id)
	}
	return s.children[id].status(), nil
}

// RestartCount returns the restarts counted in the current window.
func (s *Supervisor) RestartCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// Dependencies returns a copy of the dependency matrix.
func (s *Supervisor) Dependencies() [][]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]bool, len(s.deps))
	for i, row := range s.deps {
		out[i] = append([]bool(nil), row...)
	}
	return out
}
