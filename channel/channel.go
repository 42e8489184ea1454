package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Swind/goo-runtime/core"
	"github.com/Swind/goo-runtime/transport"
)

const (
	// MaxCapacity bounds the number of slots of one channel.
	MaxCapacity = 1 << 24
	// maxChannelBytes bounds capacity × elementSize.
	maxChannelBytes = 1 << 32
)

// Stats is a read-only snapshot of channel activity.
type Stats struct {
	Name             string
	Pattern          Pattern
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	Timeouts         uint64
	MaxQueueDepth    int
	Len              int
	Cap              int
	Closed           bool
}

// Channel is a bounded concurrent queue of messages bound to one pattern.
// Closing is the only cancellation primitive: it wakes every blocked sender
// and receiver. Received elements may still be drained after Close.
type Channel struct {
	name        string
	pattern     Pattern
	flags       Flags
	elementSize int
	timeout     time.Duration
	unbuffered  bool
	logger      core.Logger
	metrics     Metrics
	retry       core.RetryPolicy

	q *ring
	// detached marks a closed Pull endpoint; guarded by q.mu.
	detached bool

	mu          sync.Mutex
	subscribers []*Channel
	receivers   []*Channel
	topics      map[string]struct{}
	peer        *Channel
	endpoint    *transport.Endpoint

	// reqMu keeps one request in flight per Req channel.
	reqMu sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool

	sent     atomic.Uint64
	received atomic.Uint64
	bytesOut atomic.Uint64
	bytesIn  atomic.Uint64
	timeouts atomic.Uint64
}

// New creates a channel. elementSize bounds the payload of one element
// (0 = unbounded). A capacity of 0 creates an unbuffered channel.
func New(pattern Pattern, capacity, elementSize int, opts ...Option) (*Channel, error) {
	s := settings{
		retry: core.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(&s)
	}

	if pattern < Normal || pattern > Broadcast {
		return nil, fmt.Errorf("%w: unknown pattern %d", core.ErrConfiguration, pattern)
	}
	if capacity < 0 || elementSize < 0 {
		return nil, fmt.Errorf("%w: negative capacity or element size", core.ErrConfiguration)
	}
	if capacity > MaxCapacity || uint64(capacity)*uint64(elementSize) > maxChannelBytes {
		return nil, fmt.Errorf("%w: %d slots of %d bytes", core.ErrAllocationFailed, capacity, elementSize)
	}
	if s.flags.Has(Unbuffered) && s.flags.Has(Buffered) {
		return nil, fmt.Errorf("%w: buffered and unbuffered are exclusive", core.ErrConfiguration)
	}
	unbuffered := capacity == 0 || s.flags.Has(Unbuffered)
	if unbuffered {
		capacity = 1
	}
	if s.highWater != 0 || s.lowWater != 0 {
		if s.highWater <= 0 || s.highWater > capacity || s.lowWater < 0 || s.lowWater >= s.highWater {
			return nil, fmt.Errorf("%w: water marks high=%d low=%d capacity=%d",
				core.ErrConfiguration, s.highWater, s.lowWater, capacity)
		}
	}
	if s.name == "" {
		s.name = pattern.String() + "-" + uuid.NewString()[:8]
	}
	if s.logger == nil {
		s.logger = core.DefaultLogger()
	}
	if s.metrics == nil {
		s.metrics = NilMetrics{}
	}

	c := &Channel{
		name:        s.name,
		pattern:     pattern,
		flags:       s.flags,
		elementSize: elementSize,
		timeout:     s.timeout,
		unbuffered:  unbuffered,
		logger:      s.logger,
		metrics:     s.metrics,
		retry:       s.retry,
		q:           newRing(capacity, s.highWater, s.lowWater),
	}
	if pattern == Sub {
		c.topics = make(map[string]struct{})
	}
	return c, nil
}

func (c *Channel) Name() string       { return c.name }
func (c *Channel) Pattern() Pattern   { return c.pattern }
func (c *Channel) Flags() Flags       { return c.flags }
func (c *Channel) Cap() int           { return c.q.capacity() }
func (c *Channel) Len() int           { return c.q.len() }
func (c *Channel) IsUnbuffered() bool { return c.unbuffered }

// IsClosed reports whether Close has been called.
func (c *Channel) IsClosed() bool { return c.closed.Load() }

func (c *Channel) allow(op string, patterns ...Pattern) error {
	for _, p := range patterns {
		if c.pattern == p {
			return nil
		}
	}
	return fmt.Errorf("%w: %s on %s channel", core.ErrNotAllowed, op, c.pattern)
}

// =============================================================================
// Waiting
// =============================================================================

// waiter bounds one blocking operation by ctx and the channel timeout.
type waiter struct {
	c       *Channel
	ctx     context.Context
	timer   *time.Timer
	timeout <-chan time.Time
}

func (c *Channel) newWaiter(ctx context.Context) *waiter {
	w := &waiter{c: c, ctx: ctx}
	if c.timeout > 0 {
		w.timer = time.NewTimer(c.timeout)
		w.timeout = w.timer.C
	}
	return w
}

func (w *waiter) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// block waits for wake or for the operation to be abandoned.
func (w *waiter) block(wake <-chan struct{}) error {
	select {
	case <-wake:
		return nil
	case <-w.ctx.Done():
		return w.c.contextError(w.ctx)
	case <-w.timeout:
		w.c.noteTimeout()
		return core.ErrTimeout
	}
}

func (c *Channel) contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		c.noteTimeout()
		return fmt.Errorf("%w: %w", core.ErrTimeout, err)
	}
	return err
}

func (c *Channel) noteTimeout() {
	c.timeouts.Add(1)
	c.metrics.RecordTimeout(c.name)
}

// =============================================================================
// Queue operations
// =============================================================================

// put enqueues msg, taking ownership of it.
func (c *Channel) put(ctx context.Context, msg *Message, nonblocking bool) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", core.ErrConfiguration)
	}
	if c.elementSize > 0 && msg.Size() > c.elementSize {
		return fmt.Errorf("%w: %d bytes exceeds element size %d", core.ErrMessageTooLarge, msg.Size(), c.elementSize)
	}
	nonblocking = nonblocking || c.flags.Has(NonBlocking) || msg.Flags.Has(FlagDontWait)

	w := c.newWaiter(ctx)
	defer w.stop()

	q := c.q
	q.mu.Lock()
	for {
		if q.closed || c.detached {
			q.mu.Unlock()
			return core.ErrChannelClosed
		}
		if q.hasRoomLocked() {
			break
		}
		if nonblocking {
			q.mu.Unlock()
			return core.ErrWouldBlock
		}
		wake := q.notFull.wait()
		q.mu.Unlock()
		if err := w.block(wake); err != nil {
			return err
		}
		q.mu.Lock()
	}

	s := slot{msg: msg}
	if c.unbuffered && !nonblocking {
		s.done = make(chan struct{})
	}
	q.pushLocked(s, msg.Flags.Has(FlagPriority))
	depth := q.count
	q.mu.Unlock()
	c.metrics.RecordQueueDepth(c.name, depth)

	if s.done == nil {
		return nil
	}
	return c.rendezvous(w, s.done)
}

// rendezvous waits until the element behind done is received. An abandoned
// wait withdraws the element so a timeout leaves the channel unchanged.
func (c *Channel) rendezvous(w *waiter, done chan struct{}) error {
	var timedOut bool
	select {
	case <-done:
		return nil
	case <-c.q.closedCh:
		// Still queued; receivers may drain it.
		return nil
	case <-w.ctx.Done():
	case <-w.timeout:
		timedOut = true
	}

	q := c.q
	q.mu.Lock()
	withdrawn := !q.closed && q.withdrawLocked(done)
	q.mu.Unlock()
	if !withdrawn {
		// Received while we were giving up.
		return nil
	}
	if timedOut {
		c.noteTimeout()
		return core.ErrTimeout
	}
	return c.contextError(w.ctx)
}

// take dequeues the next element. A closed channel keeps returning queued
// elements until it is drained.
func (c *Channel) take(ctx context.Context, nonblocking bool) (*Message, error) {
	nonblocking = nonblocking || c.flags.Has(NonBlocking)

	w := c.newWaiter(ctx)
	defer w.stop()

	q := c.q
	q.mu.Lock()
	for {
		if c.detached {
			q.mu.Unlock()
			return nil, core.ErrChannelClosed
		}
		if q.count > 0 {
			break
		}
		if q.closed {
			q.mu.Unlock()
			return nil, core.ErrChannelClosed
		}
		if nonblocking {
			q.mu.Unlock()
			return nil, core.ErrWouldBlock
		}
		wake := q.notEmpty.wait()
		q.mu.Unlock()
		if err := w.block(wake); err != nil {
			return nil, err
		}
		q.mu.Lock()
	}
	s := q.popLocked()
	depth := q.count
	q.mu.Unlock()
	c.metrics.RecordQueueDepth(c.name, depth)
	return s.msg, nil
}

func (c *Channel) noteSent(msg *Message) {
	n := msg.Size()
	c.sent.Add(1)
	c.bytesOut.Add(uint64(n))
	c.metrics.RecordSend(c.name, n)
}

func (c *Channel) noteReceived(msg *Message) {
	n := msg.Size()
	c.received.Add(1)
	c.bytesIn.Add(uint64(n))
	c.metrics.RecordRecv(c.name, n)
}

// =============================================================================
// Normal pattern
// =============================================================================

// Send copies data into the channel, blocking while it is full.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	return c.SendMessage(ctx, NewMessage(data))
}

// TrySend is Send that fails with core.ErrWouldBlock instead of blocking.
func (c *Channel) TrySend(data []byte) error {
	if err := c.allow("send", Normal, Push); err != nil {
		return err
	}
	msg := NewMessage(data)
	if err := c.put(context.Background(), msg, true); err != nil {
		return err
	}
	c.noteSent(msg)
	return nil
}

// SendMessage enqueues msg and takes ownership of it.
func (c *Channel) SendMessage(ctx context.Context, msg *Message) error {
	if err := c.allow("send", Normal, Push); err != nil {
		return err
	}
	if err := c.put(ctx, msg, false); err != nil {
		return err
	}
	c.noteSent(msg)
	return nil
}

// Recv returns the payload of the next element. For multipart messages use
// RecvMessage.
func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	msg, err := c.RecvMessage(ctx)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// TryRecv is Recv that fails with core.ErrWouldBlock instead of blocking.
func (c *Channel) TryRecv() ([]byte, error) {
	if err := c.allow("recv", Normal, Sub, Pull); err != nil {
		return nil, err
	}
	msg, err := c.take(context.Background(), true)
	if err != nil {
		return nil, err
	}
	c.noteReceived(msg)
	return msg.Data, nil
}

// RecvMessage returns the next element; the caller owns it.
func (c *Channel) RecvMessage(ctx context.Context) (*Message, error) {
	if err := c.allow("recv", Normal, Sub, Pull); err != nil {
		return nil, err
	}
	msg, err := c.take(ctx, false)
	if err != nil {
		return nil, err
	}
	c.noteReceived(msg)
	return msg, nil
}

// deliver enqueues on behalf of another channel (publish, broadcast, reply).
func (c *Channel) deliver(ctx context.Context, msg *Message) error {
	return c.put(ctx, msg, false)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Close closes the channel and any attached transport endpoint. It is
// idempotent. Closing a Pull endpoint detaches only that endpoint; closing
// a Pub or Broadcast channel leaves its members open.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		if c.pattern == Pull {
			c.q.mu.Lock()
			c.detached = true
			c.q.notEmpty.broadcast()
			c.q.notFull.broadcast()
			c.q.mu.Unlock()
		} else {
			c.q.close()
		}

		c.mu.Lock()
		c.subscribers = nil
		c.receivers = nil
		c.peer = nil
		ep := c.endpoint
		c.endpoint = nil
		c.mu.Unlock()

		if ep != nil {
			err = ep.Close()
		}
		c.logger.Debug("channel closed",
			core.F("channel", c.name), core.F("pattern", c.pattern.String()))
	})
	return err
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	c.q.mu.Lock()
	depth, length := c.q.maxDepth, c.q.count
	c.q.mu.Unlock()
	return Stats{
		Name:             c.name,
		Pattern:          c.pattern,
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
		BytesSent:        c.bytesOut.Load(),
		BytesReceived:    c.bytesIn.Load(),
		Timeouts:         c.timeouts.Load(),
		MaxQueueDepth:    depth,
		Len:              length,
		Cap:              c.q.capacity(),
		Closed:           c.IsClosed(),
	}
}
