// Package supervisor restarts failed pool tasks according to an actor-style
// restart policy, rate limited by a restart budget.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Swind/goo-runtime/core"
)

// Policy selects which children restart when one fails.
type Policy int

const (
	// OneForOne restarts only the failed child.
	OneForOne Policy = iota
	// OneForAll restarts every child.
	OneForAll
	// RestForOne restarts the failed child and, transitively, its dependents.
	RestForOne
)

func (p Policy) String() string {
	switch p {
	case OneForOne:
		return "one_for_one"
	case OneForAll:
		return "one_for_all"
	case RestForOne:
		return "rest_for_one"
	default:
		return "unknown"
	}
}

// ParsePolicy accepts the names produced by Policy.String, with or without
// underscores.
func ParsePolicy(raw string) (Policy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_") {
	case "one_for_one", "oneforone":
		return OneForOne, nil
	case "one_for_all", "oneforall":
		return OneForAll, nil
	case "rest_for_one", "restforone":
		return RestForOne, nil
	default:
		return 0, fmt.Errorf("%w: unknown restart policy %q", core.ErrConfiguration, raw)
	}
}

// ChildFunc is the body of a supervised child. Returning an error or
// panicking counts as a failure.
type ChildFunc func(ctx context.Context, arg any) error

// ChildState is the lifecycle of one child.
type ChildState int

const (
	ChildRegistered ChildState = iota
	ChildRunning
	ChildCompleted
	ChildFailed
	ChildRestarting
)

func (s ChildState) String() string {
	switch s {
	case ChildRegistered:
		return "registered"
	case ChildRunning:
		return "running"
	case ChildCompleted:
		return "completed"
	case ChildFailed:
		return "failed"
	case ChildRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// SharedState is a value shared by all children. Init runs once at Start and
// Cleanup once at Stop; restarts never touch it.
type SharedState struct {
	Init    func(ctx context.Context) (any, error)
	Cleanup func(value any) error

	mu    sync.RWMutex
	value any
}

// Value returns the initialised shared value.
func (s *SharedState) Value() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Config holds the restart policy parameters.
type Config struct {
	Policy          Policy
	MaxRestarts     uint32
	TimeWindow      time.Duration
	DynamicChildren bool
	State           *SharedState
}

// DefaultConfig allows 3 restarts per minute, one-for-one.
func DefaultConfig() Config {
	return Config{
		Policy:      OneForOne,
		MaxRestarts: 3,
		TimeWindow:  60 * time.Second,
	}
}

// Metrics receives supervision events.
type Metrics interface {
	RecordRestart(supervisor, child string)
	RecordEscalation(supervisor string)
}

type NilMetrics struct{}

func (NilMetrics) RecordRestart(string, string) {}
func (NilMetrics) RecordEscalation(string)      {}

// Clock returns the current time.
type Clock func() time.Time

type Option func(*Supervisor)

func WithLogger(logger core.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithClock replaces time.Now for the restart window.
func WithClock(clock Clock) Option {
	return func(s *Supervisor) { s.clock = clock }
}

func WithMetrics(m Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func WithName(name string) Option {
	return func(s *Supervisor) { s.name = name }
}

type child struct {
	id         int
	name       string
	fn         ChildFunc
	arg        any
	state      ChildState
	failed     bool
	restarts   uint32
	generation uint64
	lastErr    error
	cancel     context.CancelFunc
}

// launch is a prepared submission, executed outside the supervisor lock.
type launch struct {
	c      *child
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	owner  *childOwner
}

// Supervisor owns an ordered list of children that run as pool tasks.
type Supervisor struct {
	name    string
	pool    core.ThreadPool
	cfg     Config
	logger  core.Logger
	metrics Metrics
	clock   Clock

	mu            sync.Mutex
	children      []*child
	deps          [][]bool // deps[i][j]: child i depends on child j
	started       bool
	stopped       bool
	escalated     bool
	restartCount  uint32
	lastRestart   time.Time
	totalRestarts uint64
	ctx           context.Context
	cancel        context.CancelFunc

	cleanupOnce sync.Once
}

// New creates a supervisor that runs its children on pool.
func New(pool core.ThreadPool, cfg Config, opts ...Option) (*Supervisor, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: supervisor needs a pool", core.ErrConfiguration)
	}
	if cfg.Policy < OneForOne || cfg.Policy > RestForOne {
		return nil, fmt.Errorf("%w: unknown restart policy %d", core.ErrConfiguration, cfg.Policy)
	}
	if cfg.TimeWindow <= 0 {
		return nil, fmt.Errorf("%w: restart time window must be positive", core.ErrConfiguration)
	}
	s := &Supervisor{
		name:    "supervisor",
		pool:    pool,
		cfg:     cfg,
		logger:  core.DefaultLogger(),
		metrics: NilMetrics{},
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Supervisor) Name() string   { return s.name }
func (s *Supervisor) Policy() Policy { return s.cfg.Policy }

// Register adds a child and returns its id. After Start it fails with
// core.ErrNotAllowed unless the supervisor allows dynamic children, in which
// case the child starts immediately.
func (s *Supervisor) Register(name string, fn ChildFunc, arg any) (int, error) {
	if fn == nil {
		return 0, fmt.Errorf("%w: nil child function", core.ErrConfiguration)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, core.ErrShutdown
	}
	if s.started && !s.cfg.DynamicChildren {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: supervisor %s already started", core.ErrNotAllowed, s.name)
	}

	id := len(s.children)
	if name == "" {
		name = fmt.Sprintf("child-%d", id)
	}
	c := &child{id: id, name: name, fn: fn, arg: arg}
	s.children = append(s.children, c)
	for i := range s.deps {
		s.deps[i] = append(s.deps[i], false)
	}
	s.deps = append(s.deps, make([]bool, len(s.children)))

	var pending []launch
	if s.started {
		pending = append(pending, s.prepareLocked(c))
	}
	s.mu.Unlock()

	if err := s.submit(pending); err != nil {
		return id, err
	}
	return id, nil
}

// DependsOn records that child id depends on child dependency. Self
// dependencies and cycles fail with core.ErrConfiguration.
func (s *Supervisor) DependsOn(id, dependency int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.children)
	if id < 0 || id >= n || dependency < 0 || dependency >= n {
		return fmt.Errorf("%w: dependency %d -> %d out of range", core.ErrConfiguration, id, dependency)
	}
	if id == dependency {
		return fmt.Errorf("%w: child %d cannot depend on itself", core.ErrConfiguration, id)
	}
	if s.reachableLocked(dependency, id) {
		return fmt.Errorf("%w: dependency %s -> %s forms a cycle",
			core.ErrConfiguration, s.children[id].name, s.children[dependency].name)
	}
	s.deps[id][dependency] = true
	return nil
}

// reachableLocked reports whether from transitively depends on to.
func (s *Supervisor) reachableLocked(from, to int) bool {
	seen := make([]bool, len(s.children))
	var visit func(int) bool
	visit = func(i int) bool {
		if i == to {
			return true
		}
		seen[i] = true
		for j, dep := range s.deps[i] {
			if dep && !seen[j] && visit(j) {
				return true
			}
		}
		return false
	}
	return visit(from)
}

// Start initialises the shared state and submits every child once.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return core.ErrShutdown
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%w: supervisor %s already started", core.ErrNotAllowed, s.name)
	}
	if st := s.cfg.State; st != nil && st.Init != nil {
		v, err := st.Init(ctx)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("supervisor %s: init shared state: %w", s.name, err)
		}
		st.mu.Lock()
		st.value = v
		st.mu.Unlock()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	pending := make([]launch, 0, len(s.children))
	for _, c := range s.children {
		pending = append(pending, s.prepareLocked(c))
	}
	s.mu.Unlock()

	s.logger.Info("supervisor started",
		core.F("supervisor", s.name), core.F("policy", s.cfg.Policy.String()), core.F("children", len(pending)))
	return s.submit(pending)
}

// prepareLocked gives c a fresh run context for its current generation.
func (s *Supervisor) prepareLocked(c *child) launch {
	ctx, cancel := context.WithCancel(s.ctx)
	c.cancel = cancel
	return launch{
		c:      c,
		gen:    c.generation,
		ctx:    ctx,
		cancel: cancel,
		owner:  &childOwner{s: s, id: c.id, gen: c.generation},
	}
}

func (s *Supervisor) submit(pending []launch) error {
	var errs []error
	for _, l := range pending {
		_, err := s.pool.Submit(s.childTask(l),
			core.WithTaskName(s.name+"/"+l.c.name),
			core.WithOwner(l.owner))
		if err == nil {
			continue
		}
		s.logger.Error("supervisor failed to submit child",
			core.F("supervisor", s.name), core.F("child", l.c.name), core.F("error", err.Error()))
		s.mu.Lock()
		if l.c.generation == l.gen {
			l.c.state = ChildFailed
			l.c.failed = true
			l.c.lastErr = err
		}
		s.mu.Unlock()
		errs = append(errs, fmt.Errorf("child %s: %w", l.c.name, err))
	}
	return errors.Join(errs...)
}

func (s *Supervisor) childTask(l launch) core.Task {
	return func(workerCtx context.Context) error {
		// Pool shutdown cancels the child too.
		stop := context.AfterFunc(workerCtx, l.cancel)
		defer stop()

		if !s.markRunning(l.c.id, l.gen) {
			return nil
		}
		err := l.c.fn(l.ctx, l.c.arg)
		if err == nil {
			s.markCompleted(l.c.id, l.gen)
		}
		return err
	}
}

func (s *Supervisor) markRunning(id int, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.children[id]
	if s.stopped || c.generation != gen {
		return false
	}
	c.state = ChildRunning
	return true
}

func (s *Supervisor) markCompleted(id int, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.children[id]
	if c.generation != gen {
		return
	}
	c.state = ChildCompleted
	c.failed = false
	c.lastErr = nil
}

// childOwner routes the faults of one child generation back to the
// supervisor.
type childOwner struct {
	s   *Supervisor
	id  int
	gen uint64
}

func (o *childOwner) HandleFault(ctx context.Context, fault *core.Fault) {
	o.s.handleFault(o.id, o.gen, fault.Err)
}

// HandleFault reports a failure of the current run of child id, as the pool
// does when a supervised task fails.
func (s *Supervisor) HandleFault(id int, err error) error {
	s.mu.Lock()
	if id < 0 || id >= len(s.children) {
		s.mu.Unlock()
		return fmt.Errorf("%w: unknown child %d", core.ErrConfiguration, id)
	}
	gen := s.children[id].generation
	s.mu.Unlock()

	s.handleFault(id, gen, err)
	return nil
}

// handleFault applies the restart window, the budget and the policy.
func (s *Supervisor) handleFault(id int, gen uint64, err error) {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.mu.Unlock()
		return
	}
	c := s.children[id]
	if c.generation != gen {
		s.mu.Unlock()
		s.logger.Debug("ignoring fault from stale child run",
			core.F("supervisor", s.name), core.F("child", c.name))
		return
	}

	c.state = ChildFailed
	c.failed = true
	c.lastErr = err

	if s.escalated {
		s.mu.Unlock()
		s.logger.Warn("child failed while supervisor is escalated",
			core.F("supervisor", s.name), core.F("child", c.name), core.F("error", errString(err)))
		return
	}

	now := s.clock()
	if !s.lastRestart.IsZero() && now.Sub(s.lastRestart) > s.cfg.TimeWindow {
		s.restartCount = 0
	}
	s.restartCount++
	if s.restartCount > s.cfg.MaxRestarts {
		s.escalated = true
		count := s.restartCount
		s.mu.Unlock()

		s.logger.Error("restart budget exceeded",
			core.F("supervisor", s.name),
			core.F("child", c.name),
			core.F("restarts", count),
			core.F("max_restarts", s.cfg.MaxRestarts),
			core.F("window", s.cfg.TimeWindow.String()),
			core.F("error", errString(err)))
		s.metrics.RecordEscalation(s.name)
		return
	}
	s.lastRestart = now

	targets := s.restartTargetsLocked(id)
	pending := make([]launch, 0, len(targets))
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		pending = append(pending, s.restartLocked(s.children[t]))
		names = append(names, s.children[t].name)
	}
	s.mu.Unlock()

	s.logger.Warn("restarting children",
		core.F("supervisor", s.name),
		core.F("failed_child", c.name),
		core.F("policy", s.cfg.Policy.String()),
		core.F("restarting", strings.Join(names, ",")),
		core.F("error", errString(err)))
	for _, name := range names {
		s.metrics.RecordRestart(s.name, name)
	}
	_ = s.submit(pending)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// restartTargetsLocked lists the children to restart for a failure of id.
func (s *Supervisor) restartTargetsLocked(id int) []int {
	switch s.cfg.Policy {
	case OneForAll:
		all := make([]int, len(s.children))
		for i := range all {
			all[i] = i
		}
		return all
	case RestForOne:
		seen := make([]bool, len(s.children))
		var order []int
		var visit func(int)
		visit = func(i int) {
			seen[i] = true
			order = append(order, i)
			for j := range s.children {
				if !seen[j] && s.deps[j][i] {
					visit(j)
				}
			}
		}
		visit(id)
		return order
	default:
		return []int{id}
	}
}

// restartLocked retires the current run of c and prepares the next one.
func (s *Supervisor) restartLocked(c *child) launch {
	if c.cancel != nil {
		c.cancel()
	}
	c.generation++
	c.restarts++
	c.failed = false
	c.state = ChildRestarting
	s.totalRestarts++
	return s.prepareLocked(c)
}

// Err returns core.ErrRestartBudgetExceeded once the supervisor has given up.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.escalated {
		return fmt.Errorf("supervisor %s: %w", s.name, core.ErrRestartBudgetExceeded)
	}
	return nil
}

func (s *Supervisor) IsEscalated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escalated
}

// Reset clears an escalation and the restart window, then relaunches every
// child left failed.
func (s *Supervisor) Reset() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return core.ErrShutdown
	}
	s.escalated = false
	s.restartCount = 0
	s.lastRestart = time.Time{}

	var pending []launch
	if s.started {
		for _, c := range s.children {
			if c.failed {
				pending = append(pending, s.restartLocked(c))
			}
		}
	}
	s.mu.Unlock()

	s.logger.Info("supervisor reset", core.F("supervisor", s.name), core.F("relaunched", len(pending)))
	return s.submit(pending)
}

// Stop cancels every child and runs the shared state cleanup once.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	var err error
	s.cleanupOnce.Do(func() {
		st := s.cfg.State
		if st == nil || st.Cleanup == nil {
			return
		}
		if cerr := st.Cleanup(st.Value()); cerr != nil {
			err = fmt.Errorf("supervisor %s: cleanup shared state: %w", s.name, cerr)
		}
	})
	s.logger.Info("supervisor stopped", core.F("supervisor", s.name))
	return err
}
