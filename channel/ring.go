package channel

import "sync"

// signal is a broadcast-only condition that can be selected on together with
// a context. wait and broadcast must be called with the owning lock held.
type signal struct {
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) wait() <-chan struct{} {
	return s.ch
}

func (s *signal) broadcast() {
	close(s.ch)
	s.ch = make(chan struct{})
}

type slot struct {
	msg *Message
	// done is closed when the element is received; set for rendezvous sends.
	done chan struct{}
}

// ring is the bounded element queue behind a channel. A Push channel and its
// Pull endpoints share one ring.
type ring struct {
	mu       sync.Mutex
	slots    []slot
	head     int
	count    int
	closed   bool
	closedCh chan struct{}

	notEmpty *signal
	notFull  *signal

	highWater int
	lowWater  int
	paused    bool

	maxDepth int
}

func newRing(capacity, high, low int) *ring {
	return &ring{
		slots:     make([]slot, capacity),
		closedCh:  make(chan struct{}),
		notEmpty:  newSignal(),
		notFull:   newSignal(),
		highWater: high,
		lowWater:  low,
	}
}

func (r *ring) capacity() int { return len(r.slots) }

// hasRoomLocked reports whether a send may proceed now.
func (r *ring) hasRoomLocked() bool {
	return r.count < len(r.slots) && !r.paused
}

func (r *ring) pushLocked(s slot, front bool) {
	n := len(r.slots)
	if front {
		r.head = (r.head - 1 + n) % n
		r.slots[r.head] = s
	} else {
		r.slots[(r.head+r.count)%n] = s
	}
	r.count++
	if r.count > r.maxDepth {
		r.maxDepth = r.count
	}
	if r.highWater > 0 && r.count >= r.highWater {
		r.paused = true
	}
	r.notEmpty.broadcast()
}

func (r *ring) popLocked() slot {
	s := r.slots[r.head]
	r.slots[r.head] = slot{}
	r.head = (r.head + 1) % len(r.slots)
	r.count--
	if r.paused && r.count <= r.lowWater {
		r.paused = false
	}
	if s.done != nil {
		close(s.done)
	}
	r.notFull.broadcast()
	return s
}

// withdrawLocked removes the element whose rendezvous channel is done, if it
// is still queued. Only used with capacity 1, where it can only be the head.
func (r *ring) withdrawLocked(done chan struct{}) bool {
	if r.count == 0 || r.slots[r.head].done != done {
		return false
	}
	r.slots[r.head] = slot{}
	r.head = (r.head + 1) % len(r.slots)
	r.count--
	if r.paused && r.count <= r.lowWater {
		r.paused = false
	}
	r.notFull.broadcast()
	return true
}

func (r *ring) close() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	close(r.closedCh)
	r.notEmpty.broadcast()
	r.notFull.broadcast()
	return true
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
