package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Swind/goo-runtime/core"
	"github.com/Swind/goo-runtime/transport"
)

// ErrNoEndpoint is returned by transport operations on a channel that was
// never bound or connected.
var ErrNoEndpoint = fmt.Errorf("channel transport: %w", core.ErrNotInitialized)

func (c *Channel) transportOptions() transport.Options {
	opts := transport.DefaultOptions()
	opts.Reliable = c.flags.Has(Reliable)
	opts.Retry = c.retry
	opts.Logger = c.logger
	return opts
}

func (c *Channel) attach(ep *transport.Endpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IsClosed() {
		_ = ep.Close()
		return core.ErrChannelClosed
	}
	if c.endpoint != nil {
		_ = ep.Close()
		return fmt.Errorf("%w: channel %s already has an endpoint", core.ErrNotAllowed, c.name)
	}
	c.endpoint = ep
	return nil
}

// Bind listens on address/port and attaches the endpoint to the channel.
func (c *Channel) Bind(ctx context.Context, proto transport.Protocol, address string, port uint16) error {
	if c.IsClosed() {
		return core.ErrChannelClosed
	}
	ep, err := transport.Listen(ctx, proto, address, port, c.transportOptions())
	if err != nil {
		return err
	}
	if err := c.attach(ep); err != nil {
		return err
	}
	c.logger.Info("channel bound",
		core.F("channel", c.name), core.F("protocol", proto.String()), core.F("addr", ep.Addr()))
	return nil
}

// Connect dials address/port and attaches the endpoint to the channel.
// Reliable channels retry the dial.
func (c *Channel) Connect(ctx context.Context, proto transport.Protocol, address string, port uint16) error {
	if c.IsClosed() {
		return core.ErrChannelClosed
	}
	ep, err := transport.Dial(ctx, proto, address, port, c.transportOptions())
	if err != nil {
		return err
	}
	if err := c.attach(ep); err != nil {
		return err
	}
	c.logger.Info("channel connected",
		core.F("channel", c.name), core.F("protocol", proto.String()), core.F("addr", ep.Addr()))
	return nil
}

// Endpoint returns the attached endpoint, or nil.
func (c *Channel) Endpoint() *transport.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

func (c *Channel) currentEndpoint() (*transport.Endpoint, error) {
	if c.IsClosed() {
		return nil, core.ErrChannelClosed
	}
	ep := c.Endpoint()
	if ep == nil {
		return nil, ErrNoEndpoint
	}
	return ep, nil
}

// TransportSend writes data to every peer of the attached endpoint.
// Reliable channels retry until a peer accepts the write.
func (c *Channel) TransportSend(ctx context.Context, data []byte) error {
	if c.elementSize > 0 && len(data) > c.elementSize {
		return fmt.Errorf("%w: %d bytes exceeds element size %d", core.ErrMessageTooLarge, len(data), c.elementSize)
	}
	return c.transportSend(ctx, data)
}

func (c *Channel) transportSend(ctx context.Context, data []byte) error {
	ep, err := c.currentEndpoint()
	if err != nil {
		return err
	}
	policy := core.NoRetry()
	if c.flags.Has(Reliable) {
		policy = c.retry
	}
	err = policy.Do(ctx, func(ctx context.Context) error {
		return ep.Send(ctx, data)
	})
	if err != nil {
		return err
	}
	c.sent.Add(1)
	c.bytesOut.Add(uint64(len(data)))
	c.metrics.RecordSend(c.name, len(data))
	return nil
}

// TransportRecv returns the next payload received by the attached endpoint.
func (c *Channel) TransportRecv(ctx context.Context) ([]byte, error) {
	ep, err := c.currentEndpoint()
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	data, err := ep.Recv(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.noteTimeout()
			return nil, fmt.Errorf("%w: %w", core.ErrTimeout, err)
		}
		return nil, err
	}
	c.received.Add(1)
	c.bytesIn.Add(uint64(len(data)))
	c.metrics.RecordRecv(c.name, len(data))
	return data, nil
}

// TransportSendMessage sends msg, including its flags, topic and parts.
func (c *Channel) TransportSendMessage(ctx context.Context, msg *Message) error {
	if c.elementSize > 0 && msg.Size() > c.elementSize {
		return fmt.Errorf("%w: %d bytes exceeds element size %d", core.ErrMessageTooLarge, msg.Size(), c.elementSize)
	}
	env := &transport.Envelope{
		Flags: uint32(msg.Flags),
		Topic: msg.Topic,
		Parts: msg.Parts(),
	}
	if msg.CorrelationID != uuid.Nil {
		env.Correlation = msg.CorrelationID[:]
	}
	raw, err := transport.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	return c.transportSend(ctx, raw)
}

// TransportRecvMessage receives a message sent with TransportSendMessage.
func (c *Channel) TransportRecvMessage(ctx context.Context) (*Message, error) {
	raw, err := c.TransportRecv(ctx)
	if err != nil {
		return nil, err
	}
	env, err := transport.UnmarshalEnvelope(raw)
	if err != nil {
		return nil, err
	}
	msg := NewMultipart(env.Parts...)
	msg.Flags = MessageFlags(env.Flags)&^FlagMorePart | msg.Flags&FlagMorePart
	msg.Topic = env.Topic
	if len(env.Correlation) > 0 {
		id, err := uuid.FromBytes(env.Correlation)
		if err != nil {
			return nil, fmt.Errorf("channel transport: bad correlation id: %w", err)
		}
		msg.CorrelationID = id
	}
	return msg, nil
}
