package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/Swind/goo-runtime/core"
)

// Pattern fixes which operations a channel accepts.
type Pattern int

const (
	Normal Pattern = iota
	Pub
	Sub
	Push
	Pull
	Req
	Rep
	Broadcast
)

var patternNames = [...]string{
	Normal:    "normal",
	Pub:       "pub",
	Sub:       "sub",
	Push:      "push",
	Pull:      "pull",
	Req:       "req",
	Rep:       "rep",
	Broadcast: "broadcast",
}

func (p Pattern) String() string {
	if p < 0 || int(p) >= len(patternNames) {
		return "unknown"
	}
	return patternNames[p]
}

// ParsePattern accepts the names produced by Pattern.String.
func ParsePattern(raw string) (Pattern, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for i, n := range patternNames {
		if n == name {
			return Pattern(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown channel pattern %q", core.ErrConfiguration, raw)
}

// Flags is the channel options bitset.
type Flags uint32

const (
	Default     Flags = 0
	NonBlocking Flags = 1 << iota
	Buffered
	Unbuffered
	Reliable
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// MessageFlags is the per-message flags bitset.
type MessageFlags uint32

const (
	FlagNone     MessageFlags = 0
	FlagDontWait MessageFlags = 1 << iota
	FlagMorePart
	FlagTopic
	FlagRequest
	FlagReply
	FlagPriority
)

func (f MessageFlags) Has(flag MessageFlags) bool { return f&flag != 0 }

// Metrics receives channel activity. The prometheus exporter implements it.
type Metrics interface {
	RecordSend(channel string, bytes int)
	RecordRecv(channel string, bytes int)
	RecordTimeout(channel string)
	RecordQueueDepth(channel string, depth int)
}

// NilMetrics discards everything.
type NilMetrics struct{}

func (NilMetrics) RecordSend(string, int)       {}
func (NilMetrics) RecordRecv(string, int)       {}
func (NilMetrics) RecordTimeout(string)         {}
func (NilMetrics) RecordQueueDepth(string, int) {}

type settings struct {
	name      string
	flags     Flags
	timeout   time.Duration
	highWater int
	lowWater  int
	logger    core.Logger
	metrics   Metrics
	retry     core.RetryPolicy
}

// Option configures a channel at construction.
type Option func(*settings)

// WithOptions sets the options bitset.
func WithOptions(flags Flags) Option {
	return func(s *settings) { s.flags |= flags }
}

// WithTimeout bounds every blocking wait. Zero means wait forever.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithWaterMarks enables flow control: once the queue holds high elements,
// senders block until receivers bring it down to low.
func WithWaterMarks(high, low int) Option {
	return func(s *settings) {
		s.highWater = high
		s.lowWater = low
	}
}

func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

func WithLogger(logger core.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

func WithMetrics(m Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithRetryPolicy sets the policy used by Reliable transport operations.
func WithRetryPolicy(p core.RetryPolicy) Option {
	return func(s *settings) { s.retry = p }
}
