package channel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/Swind/goo-runtime/core"
)

// =============================================================================
// Publish / Subscribe
// =============================================================================

// AddSubscriber registers sub with a Pub channel. The Pub channel keeps a
// non-owning reference: closing it never closes sub. Adding twice is a no-op.
func (c *Channel) AddSubscriber(sub *Channel) error {
	if err := c.allow("add subscriber", Pub); err != nil {
		return err
	}
	if sub == nil || sub.pattern != Sub {
		return fmt.Errorf("%w: subscriber must be a sub channel", core.ErrConfiguration)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IsClosed() {
		return core.ErrChannelClosed
	}
	if !slices.Contains(c.subscribers, sub) {
		c.subscribers = append(c.subscribers, sub)
	}
	return nil
}

// RemoveSubscriber drops sub from the subscriber list.
func (c *Channel) RemoveSubscriber(sub *Channel) error {
	if err := c.allow("remove subscriber", Pub); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = slices.DeleteFunc(c.subscribers, func(s *Channel) bool { return s == sub })
	return nil
}

// Subscribers returns the number of registered subscribers.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// Subscribe adds topic to a Sub channel. Duplicate subscriptions are no-ops.
func (c *Channel) Subscribe(topic string) error {
	if err := c.allow("subscribe", Sub); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic] = struct{}{}
	return nil
}

func (c *Channel) Unsubscribe(topic string) error {
	if err := c.allow("unsubscribe", Sub); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, topic)
	return nil
}

// IsSubscribed reports whether a Sub channel accepts topic.
func (c *Channel) IsSubscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// Topics returns the subscribed topics in sorted order.
func (c *Channel) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Publish copies data to every subscriber subscribed to exactly topic.
// Delivery blocks like Send. A failing subscriber does not stop delivery to
// the rest; the joined errors are returned.
func (c *Channel) Publish(ctx context.Context, topic string, data []byte) error {
	return c.PublishMessage(ctx, NewTopicMessage(topic, data))
}

// PublishMessage publishes a clone of msg under msg.Topic to each matching
// subscriber.
func (c *Channel) PublishMessage(ctx context.Context, msg *Message) error {
	if err := c.allow("publish", Pub); err != nil {
		return err
	}
	if c.IsClosed() {
		return core.ErrChannelClosed
	}
	msg.Flags |= FlagTopic

	c.mu.Lock()
	subs := slices.Clone(c.subscribers)
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if !sub.IsSubscribed(msg.Topic) {
			continue
		}
		out := msg.Clone()
		if err := sub.deliver(ctx, out); err != nil {
			errs = append(errs, fmt.Errorf("subscriber %s: %w", sub.name, err))
			continue
		}
		c.noteSent(out)
	}
	return errors.Join(errs...)
}

// =============================================================================
// Push / Pull
// =============================================================================

// NewPull creates a Pull endpoint that competes for the elements of push.
// Each element goes to exactly one puller.
func NewPull(push *Channel, opts ...Option) (*Channel, error) {
	if push == nil || push.pattern != Push {
		return nil, fmt.Errorf("%w: pull endpoints attach to a push channel", core.ErrConfiguration)
	}
	if push.IsClosed() {
		return nil, core.ErrChannelClosed
	}
	s := settings{
		flags:   push.flags,
		timeout: push.timeout,
		logger:  push.logger,
		metrics: push.metrics,
		retry:   push.retry,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.name == "" {
		s.name = Pull.String() + "-" + uuid.NewString()[:8]
	}
	return &Channel{
		name:        s.name,
		pattern:     Pull,
		flags:       s.flags,
		elementSize: push.elementSize,
		timeout:     s.timeout,
		unbuffered:  push.unbuffered,
		logger:      s.logger,
		metrics:     s.metrics,
		retry:       s.retry,
		q:           push.q,
	}, nil
}

// Push enqueues data for any one of the attached pullers.
func (c *Channel) Push(ctx context.Context, data []byte) error {
	if err := c.allow("push", Push); err != nil {
		return err
	}
	msg := NewMessage(data)
	if err := c.put(ctx, msg, false); err != nil {
		return err
	}
	c.noteSent(msg)
	return nil
}

// Pull takes the next pushed element.
func (c *Channel) Pull(ctx context.Context) ([]byte, error) {
	if err := c.allow("pull", Pull); err != nil {
		return nil, err
	}
	msg, err := c.take(ctx, false)
	if err != nil {
		return nil, err
	}
	c.noteReceived(msg)
	return msg.Data, nil
}

// =============================================================================
// Request / Reply
// =============================================================================

// Pair connects a Req channel to the Rep channel that serves it.
func Pair(req, rep *Channel) error {
	if req == nil || rep == nil || req.pattern != Req || rep.pattern != Rep {
		return fmt.Errorf("%w: pair needs a req and a rep channel", core.ErrConfiguration)
	}
	req.mu.Lock()
	req.peer = rep
	req.mu.Unlock()
	rep.mu.Lock()
	rep.peer = req
	rep.mu.Unlock()
	return nil
}

func (c *Channel) pairedPeer() (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		return nil, fmt.Errorf("%w: %s channel is not paired", core.ErrNotAllowed, c.pattern)
	}
	return c.peer, nil
}

// Request sends data to the paired Rep channel and waits for the correlated
// reply. Only one request is in flight per channel; concurrent callers wait
// their turn. Replies to earlier, abandoned requests are discarded.
func (c *Channel) Request(ctx context.Context, data []byte) ([]byte, error) {
	if err := c.allow("request", Req); err != nil {
		return nil, err
	}
	rep, err := c.pairedPeer()
	if err != nil {
		return nil, err
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	msg := NewMessage(data)
	msg.Flags |= FlagRequest
	msg.CorrelationID = uuid.New()
	msg.replyTo = c
	id := msg.CorrelationID
	size := msg.Size()

	if err := rep.deliver(ctx, msg); err != nil {
		return nil, err
	}
	c.sent.Add(1)
	c.bytesOut.Add(uint64(size))
	c.metrics.RecordSend(c.name, size)

	for {
		reply, err := c.take(ctx, false)
		if err != nil {
			return nil, err
		}
		if reply.CorrelationID != id {
			c.logger.Debug("discarding stale reply",
				core.F("channel", c.name), core.F("correlation_id", reply.CorrelationID.String()))
			reply.Destroy()
			continue
		}
		c.noteReceived(reply)
		return reply.Data, nil
	}
}

// RecvRequest returns the next request delivered to a Rep channel.
func (c *Channel) RecvRequest(ctx context.Context) (*Message, error) {
	if err := c.allow("receive request", Rep); err != nil {
		return nil, err
	}
	msg, err := c.take(ctx, false)
	if err != nil {
		return nil, err
	}
	c.noteReceived(msg)
	return msg, nil
}

// Reply answers req, which must have come from RecvRequest.
func (c *Channel) Reply(ctx context.Context, req *Message, data []byte) error {
	if err := c.allow("reply", Rep); err != nil {
		return err
	}
	if req == nil || !req.IsRequest() || req.replyTo == nil {
		return fmt.Errorf("%w: reply needs a received request", core.ErrNotAllowed)
	}
	msg := NewMessage(data)
	msg.Flags |= FlagReply
	msg.CorrelationID = req.CorrelationID
	if err := req.replyTo.deliver(ctx, msg); err != nil {
		return err
	}
	c.noteSent(msg)
	return nil
}

// Serve answers requests with handler until ctx is done or the channel is
// closed. A closed channel ends Serve without error.
func (c *Channel) Serve(ctx context.Context, handler func(ctx context.Context, req []byte) []byte) error {
	for {
		req, err := c.RecvRequest(ctx)
		if err != nil {
			if errors.Is(err, core.ErrChannelClosed) {
				return nil
			}
			return err
		}
		if err := c.Reply(ctx, req, handler(ctx, req.Data)); err != nil {
			c.logger.Warn("reply failed", core.F("channel", c.name), core.F("error", err.Error()))
		}
	}
}

// =============================================================================
// Broadcast
// =============================================================================

// AddReceiver registers r with a Broadcast channel. The reference is
// non-owning. Adding twice is a no-op.
func (c *Channel) AddReceiver(r *Channel) error {
	if err := c.allow("add receiver", Broadcast); err != nil {
		return err
	}
	if r == nil || r == c {
		return fmt.Errorf("%w: invalid broadcast receiver", core.ErrConfiguration)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IsClosed() {
		return core.ErrChannelClosed
	}
	if !slices.Contains(c.receivers, r) {
		c.receivers = append(c.receivers, r)
	}
	return nil
}

func (c *Channel) RemoveReceiver(r *Channel) error {
	if err := c.allow("remove receiver", Broadcast); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers = slices.DeleteFunc(c.receivers, func(x *Channel) bool { return x == r })
	return nil
}

// Receivers returns the number of registered receivers.
func (c *Channel) Receivers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.receivers)
}

// Broadcast delivers a copy of data to every receiver. A failing receiver
// does not stop delivery to the rest; the result is nil only if every
// delivery succeeded.
func (c *Channel) Broadcast(ctx context.Context, data []byte) error {
	if err := c.allow("broadcast", Broadcast); err != nil {
		return err
	}
	if c.IsClosed() {
		return core.ErrChannelClosed
	}
	c.mu.Lock()
	receivers := slices.Clone(c.receivers)
	c.mu.Unlock()

	var errs []error
	for _, r := range receivers {
		msg := NewMessage(data)
		if err := r.deliver(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("receiver %s: %w", r.name, err))
			continue
		}
		c.noteSent(msg)
	}
	return errors.Join(errs...)
}
