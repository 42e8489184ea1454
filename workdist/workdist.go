package workdist

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Swind/goo-runtime/core"
)

// Schedule selects how a Distribution hands indices to workers.
type Schedule int

const (
	// Static pre-partitions the range into one contiguous block per worker.
	Static Schedule = iota
	// Dynamic hands out fixed-size chunks from a shared cursor.
	Dynamic
	// Guided hands out chunks that shrink as the remaining work shrinks.
	Guided
	// Auto supplies guided chunks and steals from busy workers once they run out.
	Auto
)

var scheduleNames = map[Schedule]string{
	Static:  "static",
	Dynamic: "dynamic",
	Guided:  "guided",
	Auto:    "auto",
}

func (s Schedule) String() string {
	if name, ok := scheduleNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Schedule(%d)", int(s))
}

// ParseSchedule maps a configuration string to a Schedule.
func ParseSchedule(raw string) (Schedule, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for s, n := range scheduleNames {
		if n == name {
			return s, nil
		}
	}
	return Static, fmt.Errorf("%w: unknown schedule %q", core.ErrConfiguration, raw)
}

// Config describes the half-open range [Start, End) walked in Step increments.
type Config struct {
	Start    uint64
	End      uint64
	Step     uint64
	Schedule Schedule
	// ChunkSize is the dynamic chunk size and the guided upper bound.
	// Zero picks total/workers for Dynamic and leaves Guided unbounded.
	ChunkSize int
	Workers   int
}

// Validate reports configuration errors as core.ErrConfiguration.
func (c Config) Validate() error {
	switch {
	case c.Step == 0:
		return fmt.Errorf("%w: step must be positive", core.ErrConfiguration)
	case c.Workers < 1:
		return fmt.Errorf("%w: workers must be at least 1, got %d", core.ErrConfiguration, c.Workers)
	case c.ChunkSize < 0:
		return fmt.Errorf("%w: negative chunk size %d", core.ErrConfiguration, c.ChunkSize)
	case c.End < c.Start:
		return fmt.Errorf("%w: end %d before start %d", core.ErrConfiguration, c.End, c.Start)
	}
	if _, ok := scheduleNames[c.Schedule]; !ok {
		return fmt.Errorf("%w: unknown schedule %d", core.ErrConfiguration, int(c.Schedule))
	}
	return nil
}

// TotalItems returns ceil((End-Start)/Step).
func (c Config) TotalItems() uint64 {
	if c.Step == 0 || c.End <= c.Start {
		return 0
	}
	span := c.End - c.Start
	return span/c.Step + boolToUint(span%c.Step != 0)
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// workerState is the range a worker has claimed but not consumed, in item
// space. remaining mirrors end-next so victims can be ranked without locking.
type workerState struct {
	mu        sync.Mutex
	next      uint64
	end       uint64
	remaining atomic.Uint64
}

func (w *workerState) publishLocked() {
	w.remaining.Store(w.end - w.next)
}

// Stats is a snapshot of a Distribution's dispatch counters.
type Stats struct {
	Schedule       Schedule
	Workers        int
	TotalItems     uint64
	Dispatched     uint64
	Chunks         uint64
	StealAttempts  uint64
	StealSuccesses uint64
	StolenItems    uint64
}

// Distribution splits an index range across a fixed set of workers.
// Next is safe for concurrent use as long as each worker id is driven by a
// single goroutine.
type Distribution struct {
	cfg     Config
	total   uint64
	workers []*workerState
	logger  core.Logger

	// supplyMu guards cursor, the first item not yet handed to any worker.
	supplyMu sync.Mutex
	cursor   uint64

	dispatched     atomic.Uint64
	chunks         atomic.Uint64
	stealAttempts  atomic.Uint64
	stealSuccesses atomic.Uint64
	stolenItems    atomic.Uint64

	// onChunk observes every chunk taken from the shared cursor.
	onChunk func(size uint64)
}

// Option configures a Distribution.
type Option func(*Distribution)

// WithLogger sets the logger used for steal diagnostics.
func WithLogger(logger core.Logger) Option {
	return func(d *Distribution) { d.logger = logger }
}

// New validates cfg and prepares per-worker state. Static distributions are
// partitioned up front.
func New(cfg Config, opts ...Option) (*Distribution, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Distribution{
		cfg:     cfg,
		total:   cfg.TotalItems(),
		workers: make([]*workerState, cfg.Workers),
		logger:  core.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := range d.workers {
		d.workers[i] = &workerState{}
	}
	if cfg.Schedule == Static {
		d.partition()
	}
	return d, nil
}

// partition gives each worker a contiguous block; the first total%workers
// blocks carry one extra item.
func (d *Distribution) partition() {
	n := uint64(len(d.workers))
	base, extra := d.total/n, d.total%n
	var lo uint64
	for i, w := range d.workers {
		size := base
		if uint64(i) < extra {
			size++
		}
		w.next, w.end = lo, lo+size
		w.publishLocked()
		lo += size
		if size > 0 {
			d.chunks.Add(1)
		}
	}
	d.cursor = d.total
}

func (d *Distribution) Config() Config     { return d.cfg }
func (d *Distribution) TotalItems() uint64 { return d.total }
func (d *Distribution) Workers() int       { return len(d.workers) }

// Next returns the next index for workerID, or false once the worker has
// nothing left to do. An out-of-range worker id always returns false.
func (d *Distribution) Next(workerID int) (uint64, bool) {
	if workerID < 0 || workerID >= len(d.workers) {
		return 0, false
	}
	w := d.workers[workerID]
	for {
		if item, ok := d.take(w); ok {
			return d.cfg.Start + item*d.cfg.Step, true
		}
		if d.cfg.Schedule != Static && d.refill(w) {
			continue
		}
		if d.cfg.Schedule == Auto && d.steal(workerID) {
			continue
		}
		return 0, false
	}
}

func (d *Distribution) take(w *workerState) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.next >= w.end {
		return 0, false
	}
	item := w.next
	w.next++
	w.publishLocked()
	d.dispatched.Add(1)
	return item, true
}

// refill claims the next chunk from the shared cursor.
func (d *Distribution) refill(w *workerState) bool {
	d.supplyMu.Lock()
	remaining := d.total - d.cursor
	if remaining == 0 {
		d.supplyMu.Unlock()
		return false
	}
	size := d.chunkSize(remaining)
	lo := d.cursor
	d.cursor += size
	d.supplyMu.Unlock()

	w.mu.Lock()
	w.next, w.end = lo, lo+size
	w.publishLocked()
	w.mu.Unlock()

	d.chunks.Add(1)
	if d.onChunk != nil {
		d.onChunk(size)
	}
	return true
}

// chunkSize returns the size of the next shared chunk given remaining items.
func (d *Distribution) chunkSize(remaining uint64) uint64 {
	workers := uint64(len(d.workers))
	var size uint64
	switch d.cfg.Schedule {
	case Dynamic:
		size = uint64(d.cfg.ChunkSize)
		if size == 0 {
			size = max(d.total/workers, 1)
		}
	default:
		size = guidedChunk(remaining, d.total, workers, uint64(d.cfg.ChunkSize))
	}
	return min(size, remaining)
}

// guidedChunk divides the remaining work by a divisor that grows as the
// remaining fraction crosses 75%, 50% and 25%.
func guidedChunk(remaining, total, workers, maxChunk uint64) uint64 {
	if remaining < 4*workers {
		return 1
	}
	var divisor uint64
	switch {
	case remaining*4 > total*3:
		divisor = 2
	case remaining*2 > total:
		divisor = 3
	case remaining*4 > total:
		divisor = 4
	default:
		divisor = 8
	}
	size := max(remaining/(divisor*workers), 1)
	if maxChunk > 0 && size > maxChunk {
		size = maxChunk
	}
	return size
}

// stealAmount is 75% of a victim's unclaimed items above 100, 50% above 10,
// otherwise a single item.
func stealAmount(n uint64) uint64 {
	switch {
	case n > 100:
		return n * 3 / 4
	case n > 10:
		return n / 2
	default:
		return 1
	}
}

// steal moves part of the richest victim's unclaimed suffix to thief. Victims
// are ranked from their published remaining counts and locked with TryLock;
// a busy victim is skipped.
func (d *Distribution) steal(thief int) bool {
	type candidate struct {
		id        int
		remaining uint64
	}
	candidates := make([]candidate, 0, len(d.workers)-1)
	for i, w := range d.workers {
		if i == thief {
			continue
		}
		if r := w.remaining.Load(); r > 0 {
			candidates = append(candidates, candidate{i, r})
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].remaining > candidates[b].remaining
	})

	for _, c := range candidates {
		d.stealAttempts.Add(1)
		victim := d.workers[c.id]
		if !victim.mu.TryLock() {
			continue
		}
		n := victim.end - victim.next
		if n == 0 {
			victim.mu.Unlock()
			continue
		}
		amount := stealAmount(n)
		lo := victim.end - amount
		victim.end = lo
		victim.publishLocked()
		victim.mu.Unlock()

		w := d.workers[thief]
		w.mu.Lock()
		w.next, w.end = lo, lo+amount
		w.publishLocked()
		w.mu.Unlock()

		d.stealSuccesses.Add(1)
		d.stolenItems.Add(amount)
		d.logger.Debug("stole work",
			core.F("thief", thief), core.F("victim", c.id), core.F("items", amount))
		return true
	}
	return false
}

// DetectImbalance lets an idle worker steal from a busy one under any
// schedule. It returns true when workerID received new work.
func (d *Distribution) DetectImbalance(workerID int) bool {
	if workerID < 0 || workerID >= len(d.workers) {
		return false
	}
	if d.workers[workerID].remaining.Load() > 0 {
		return false
	}
	if d.cfg.Schedule != Static {
		d.supplyMu.Lock()
		pending := d.cursor < d.total
		d.supplyMu.Unlock()
		if pending {
			return false
		}
	}
	return d.steal(workerID)
}

// Remaining returns the number of items not yet returned by Next.
func (d *Distribution) Remaining() uint64 {
	return d.total - d.dispatched.Load()
}

func (d *Distribution) Stats() Stats {
	return Stats{
		Schedule:       d.cfg.Schedule,
		Workers:        len(d.workers),
		TotalItems:     d.total,
		Dispatched:     d.dispatched.Load(),
		Chunks:         d.chunks.Load(),
		StealAttempts:  d.stealAttempts.Load(),
		StealSuccesses: d.stealSuccesses.Load(),
		StolenItems:    d.stolenItems.Load(),
	}
}

// AutoStrategy recommends a schedule for the given range and worker count.
func AutoStrategy(start, end, step uint64, workers int) Schedule {
	total := Config{Start: start, End: end, Step: step}.TotalItems()
	w := uint64(max(workers, 1))
	switch {
	case total <= 2*w:
		return Static
	case total < 100:
		return Dynamic
	case total <= 1000:
		if w > 4 {
			return Guided
		}
		return Dynamic
	case total <= 100_000:
		return Guided
	default:
		return Auto
	}
}
