package channel

import (
	"github.com/google/uuid"
)

// Message is an owned byte payload. Multipart messages form a chain through
// Next and travel through a channel as a single element.
type Message struct {
	Data          []byte
	Flags         MessageFlags
	Topic         string
	Next          *Message
	CorrelationID uuid.UUID

	// replyTo is the Req channel waiting for the answer to this request.
	replyTo *Channel
}

// NewMessage copies data into a new message.
func NewMessage(data []byte) *Message {
	return &Message{Data: cloneBytes(data)}
}

// NewTopicMessage copies data into a new message tagged with topic.
func NewTopicMessage(topic string, data []byte) *Message {
	return &Message{Data: cloneBytes(data), Topic: topic, Flags: FlagTopic}
}

// NewMultipart builds a chain of parts. Every part except the last carries
// FlagMorePart. With no parts it returns a single empty message.
func NewMultipart(parts ...[]byte) *Message {
	if len(parts) == 0 {
		return &Message{}
	}
	head := NewMessage(parts[0])
	tail := head
	for _, p := range parts[1:] {
		tail.Flags |= FlagMorePart
		tail.Next = NewMessage(p)
		tail = tail.Next
	}
	return head
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// HasMore reports whether another part follows this one.
func (m *Message) HasMore() bool {
	return m.Flags.Has(FlagMorePart) && m.Next != nil
}

// Parts returns the payload of every part in order.
func (m *Message) Parts() [][]byte {
	var parts [][]byte
	for p := m; p != nil; p = p.Next {
		parts = append(parts, p.Data)
	}
	return parts
}

// PartCount returns the length of the chain.
func (m *Message) PartCount() int {
	n := 0
	for p := m; p != nil; p = p.Next {
		n++
	}
	return n
}

// Size returns the total payload bytes across the chain.
func (m *Message) Size() int {
	n := 0
	for p := m; p != nil; p = p.Next {
		n += len(p.Data)
	}
	return n
}

// Clone deep-copies the whole chain.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Data = cloneBytes(m.Data)
	out.Next = m.Next.Clone()
	return &out
}

// ReplyTo returns the channel a request's reply must be delivered to.
func (m *Message) ReplyTo() *Channel {
	return m.replyTo
}

// IsRequest reports whether m is a correlated request.
func (m *Message) IsRequest() bool {
	return m.Flags.Has(FlagRequest)
}

// Destroy releases the payloads of the whole chain.
func (m *Message) Destroy() {
	for p := m; p != nil; {
		next := p.Next
		p.Data = nil
		p.Next = nil
		p.replyTo = nil
		p = next
	}
}
