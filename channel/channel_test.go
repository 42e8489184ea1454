package channel_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Swind/goo-runtime/channel"
	"github.com/Swind/goo-runtime/core"
)

func quiet() channel.Option {
	return channel.WithLogger(core.NewNoOpLogger())
}

func mustNew(t *testing.T, p channel.Pattern, capacity int, opts ...channel.Option) *channel.Channel {
	t.Helper()
	ch, err := channel.New(p, capacity, 0, append([]channel.Option{quiet()}, opts...)...)
	if err != nil {
		t.Fatalf("New(%s) error = %v", p, err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestChannel_SendRecvFIFO verifies per-channel FIFO order
// Given: A buffered normal channel
// When: Three payloads are sent and then received
// Then: They come back in send order
func TestChannel_SendRecvFIFO(t *testing.T) {
	// Arrange
	ctx := withTimeout(t)
	ch := mustNew(t, channel.Normal, 4)

	// Act
	for _, s := range []string{"a", "b", "c"} {
		if err := ch.Send(ctx, []byte(s)); err != nil {
			t.Fatalf("Send(%q) error = %v", s, err)
		}
	}

	// Assert
	for _, want := range []string{"a", "b", "c"} {
		got, err := ch.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		if string(got) != want {
			t.Errorf("Recv() = %q, want %q", got, want)
		}
	}
}

func TestChannel_SendCopiesPayload(t *testing.T) {
	ctx := withTimeout(t)
	ch := mustNew(t, channel.Normal, 1)

	buf := []byte("original")
	if err := ch.Send(ctx, buf); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	copy(buf, "mutated!")

	got, _ := ch.Recv(ctx)
	if string(got) != "original" {
		t.Errorf("Recv() = %q, want %q", got, "original")
	}
}

func TestChannel_TryVariants(t *testing.T) {
	ch := mustNew(t, channel.Normal, 1)

	if _, err := ch.TryRecv(); !errors.Is(err, core.ErrWouldBlock) {
		t.Errorf("TryRecv() on empty = %v, want ErrWouldBlock", err)
	}
	if err := ch.TrySend([]byte("x")); err != nil {
		t.Fatalf("TrySend() error = %v", err)
	}
	if err := ch.TrySend([]byte("y")); !errors.Is(err, core.ErrWouldBlock) {
		t.Errorf("TrySend() on full = %v, want ErrWouldBlock", err)
	}
	if got, err := ch.TryRecv(); err != nil || string(got) != "x" {
		t.Errorf("TryRecv() = %q, %v, want x, nil", got, err)
	}
}

func TestChannel_NonBlockingOption(t *testing.T) {
	ctx := withTimeout(t)
	ch := mustNew(t, channel.Normal, 1, channel.WithOptions(channel.NonBlocking))

	if _, err := ch.Recv(ctx); !errors.Is(err, core.ErrWouldBlock) {
		t.Errorf("Recv() = %v, want ErrWouldBlock", err)
	}
}

func TestChannel_DontWaitMessage(t *testing.T) {
	ctx := withTimeout(t)
	ch := mustNew(t, channel.Normal, 1)
	_ = ch.Send(ctx, []byte("fill"))

	msg := channel.NewMessage([]byte("x"))
	msg.Flags |= channel.FlagDontWait
	if err := ch.SendMessage(ctx, msg); !errors.Is(err, core.ErrWouldBlock) {
		t.Errorf("SendMessage(DontWait) = %v, want ErrWouldBlock", err)
	}
}

// TestChannel_CloseDrainsThenFails verifies the closed-but-non-empty rule
// Given: A channel holding two elements
// When: It is closed
// Then: Send fails at once, Recv drains both elements and then fails
func TestChannel_CloseDrainsThenFails(t *testing.T) {
	// Arrange
	ctx := withTimeout(t)
	ch := mustNew(t, channel.Normal, 4)
	_ = ch.Send(ctx, []byte("1"))
	_ = ch.Send(ctx, []byte("2"))

	// Act
	ch.Close()
	ch.Close()

	// Assert
	if err := ch.Send(ctx, []byte("3")); !errors.Is(err, core.ErrChannelClosed) {
		t.Errorf("Send() after close = %v, want ErrChannelClosed", err)
	}
	for _, want := range []string{"1", "2"} {
		got, err := ch.Recv(ctx)
		if err != nil || string(got) != want {
			t.Errorf("Recv() = %q, %v, want %q", got, err, want)
		}
	}
	if _, err := ch.Recv(ctx); !errors.Is(err, core.ErrChannelClosed) {
		t.Errorf("Recv() on drained = %v, want ErrChannelClosed", err)
	}
	if !ch.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
}

func TestChannel_CloseWakesBlockedReceivers(t *testing.T) {
	ch := mustNew(t, channel.Normal, 1)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := ch.Recv(context.Background())
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	ch.Close()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, core.ErrChannelClosed) {
				t.Errorf("Recv() = %v, want ErrChannelClosed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("blocked receiver was not woken by Close")
		}
	}
}

// TestChannel_TimeoutLeavesStateUnchanged verifies timed waits
// Given: A full channel with a 20ms timeout
// When: A send waits for room
// Then: It fails with ErrTimeout, the queued element is untouched and the timeout is counted
func TestChannel_TimeoutLeavesStateUnchanged(t *testing.T) {
	// Arrange
	ch := mustNew(t, channel.Normal, 1, channel.WithTimeout(20*time.Millisecond))
	_ = ch.Send(context.Background(), []byte("kept"))

	// Act
	err := ch.Send(context.Background(), []byte("dropped"))

	// Assert
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("Send() = %v, want ErrTimeout", err)
	}
	if ch.Len() != 1 {
		t.Errorf("Len() = %d, want 1", ch.Len())
	}
	got, _ := ch.Recv(context.Background())
	if string(got) != "kept" {
		t.Errorf("Recv() = %q, want kept", got)
	}
	if _, err := ch.Recv(context.Background()); !errors.Is(err, core.ErrTimeout) {
		t.Errorf("Recv() on empty = %v, want ErrTimeout", err)
	}
	if ch.Stats().Timeouts != 2 {
		t.Errorf("Stats().Timeouts = %d, want 2", ch.Stats().Timeouts)
	}
}

func TestChannel_ContextDeadlineIsTimeout(t *testing.T) {
	ch := mustNew(t, channel.Normal, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ch.Recv(ctx)
	if !errors.Is(err, core.ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Recv() = %v, want ErrTimeout wrapping DeadlineExceeded", err)
	}
}

// TestChannel_CapacityInvariant verifies 0 <= Len <= Cap under contention
// Given: A channel of capacity 3 with 8 senders and 8 receivers
// When: 800 elements pass through while an observer samples Len
// Then: Len never leaves [0, Cap] and every element is received once
func TestChannel_CapacityInvariant(t *testing.T) {
	// Arrange
	ctx := withTimeout(t)
	ch := mustNew(t, channel.Normal, 3)
	const senders, perSender = 8, 100

	var violations atomic.Int32
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				if n := ch.Len(); n < 0 || n > ch.Cap() {
					violations.Add(1)
				}
			}
		}
	}()

	// Act
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if err := ch.Send(ctx, []byte{1}); err != nil {
					t.Errorf("Send() error = %v", err)
					return
				}
			}
		}()
	}
	var received atomic.Int32
	var rwg sync.WaitGroup
	for r := 0; r < senders; r++ {
		rwg.Add(1)
		go func() {
			defer rwg.Done()
			for {
				if _, err := ch.Recv(ctx); err != nil {
					return
				}
				received.Add(1)
			}
		}()
	}
	wg.Wait()
	ch.Close()
	rwg.Wait()
	close(stop)

	// Assert
	if violations.Load() != 0 {
		t.Errorf("observed %d capacity violations", violations.Load())
	}
	if received.Load() != senders*perSender {
		t.Errorf("received = %d, want %d", received.Load(), senders*perSender)
	}
	if depth := ch.Stats().MaxQueueDepth; depth > 3 {
		t.Errorf("MaxQueueDepth = %d, want <= 3", depth)
	}
}

func TestChannel_UnbufferedRendezvous(t *testing.T) {
	ctx := withTimeout(t)
	ch := mustNew(t, channel.Normal, 0)
	if !ch.IsUnbuffered() || ch.Cap() != 1 {
		t.Fatalf("capacity 0 channel: unbuffered=%v cap=%d", ch.IsUnbuffered(), ch.Cap())
	}

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- ch.Send(ctx, []byte("hand-off"))
	}()

	select {
	case <-sendDone:
		t.Fatal("Send returned before the element was received")
	case <-time.After(30 * time.Millisecond):
	}

	got, err := ch.Recv(ctx)
	if err != nil || string(got) != "hand-off" {
		t.Fatalf("Recv() = %q, %v", got, err)
	}
	if err := <-sendDone; err != nil {
		t.Errorf("Send() error = %v", err)
	}
}

func TestChannel_UnbufferedTimeoutWithdraws(t *testing.T) {
	ch := mustNew(t, channel.Normal, 0, channel.WithTimeout(20*time.Millisecond))

	if err := ch.Send(context.Background(), []byte("nobody")); !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("Send() = %v, want ErrTimeout", err)
	}
	if ch.Len() != 0 {
		t.Errorf("Len() = %d after abandoned rendezvous, want 0", ch.Len())
	}
}

func TestChannel_PriorityJumpsQueue(t *testing.T) {
	ctx := withTimeout(t)
	ch := mustNew(t, channel.Normal, 4)
	_ = ch.Send(ctx, []byte("normal"))

	urgent := channel.NewMessage([]byte("urgent"))
	urgent.Flags |= channel.FlagPriority
	_ = ch.SendMessage(ctx, urgent)

	got, _ := ch.Recv(ctx)
	if string(got) != "urgent" {
		t.Errorf("first Recv() = %q, want urgent", got)
	}
}

// TestChannel_WaterMarks verifies flow control hysteresis
// Given: Capacity 4 with high water 3 and low water 1
// When: Three elements are queued
// Then: Sends block until receives bring the depth down to 1
func TestChannel_WaterMarks(t *testing.T) {
	// Arrange
	ctx := withTimeout(t)
	ch := mustNew(t, channel.Normal, 4, channel.WithWaterMarks(3, 1))
	for i := 0; i < 3; i++ {
		_ = ch.Send(ctx, []byte{byte(i)})
	}

	// Act & Assert
	if err := ch.TrySend([]byte{9}); !errors.Is(err, core.ErrWouldBlock) {
		t.Fatalf("TrySend() at high water = %v, want ErrWouldBlock", err)
	}
	_, _ = ch.Recv(ctx)
	if err := ch.TrySend([]byte{9}); !errors.Is(err, core.ErrWouldBlock) {
		t.Fatalf("TrySend() above low water = %v, want ErrWouldBlock", err)
	}
	_, _ = ch.Recv(ctx)
	if err := ch.TrySend([]byte{9}); err != nil {
		t.Fatalf("TrySend() at low water = %v, want nil", err)
	}
}

func TestChannel_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		elemSize int
		opts     []channel.Option
		want     error
	}{
		{"negative capacity", -1, 0, nil, core.ErrConfiguration},
		{"oversized", channel.MaxCapacity, 1024, nil, core.ErrAllocationFailed},
		{"bad water marks", 4, 0, []channel.Option{channel.WithWaterMarks(5, 1)}, core.ErrConfiguration},
		{"exclusive flags", 4, 0, []channel.Option{channel.WithOptions(channel.Buffered | channel.Unbuffered)}, core.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := channel.New(channel.Normal, tt.capacity, tt.elemSize, tt.opts...)
			if !errors.Is(err, tt.want) {
				t.Errorf("New() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestChannel_ElementSizeLimit(t *testing.T) {
	ch, err := channel.New(channel.Normal, 2, 4, quiet())
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	if err := ch.Send(context.Background(), []byte("too long")); !errors.Is(err, core.ErrMessageTooLarge) {
		t.Errorf("Send() = %v, want ErrMessageTooLarge", err)
	}
}

func TestChannel_PatternRestrictions(t *testing.T) {
	ctx := withTimeout(t)
	pub := mustNew(t, channel.Pub, 1)
	sub := mustNew(t, channel.Sub, 1)

	if err := pub.Send(ctx, []byte("x")); !errors.Is(err, core.ErrNotAllowed) {
		t.Errorf("Pub.Send() = %v, want ErrNotAllowed", err)
	}
	if err := sub.Subscribe("t"); err != nil {
		t.Errorf("Sub.Subscribe() = %v", err)
	}
	if err := pub.Subscribe("t"); !errors.Is(err, core.ErrNotAllowed) {
		t.Errorf("Pub.Subscribe() = %v, want ErrNotAllowed", err)
	}
	if _, err := pub.Request(ctx, nil); !errors.Is(err, core.ErrNotAllowed) {
		t.Errorf("Pub.Request() = %v, want ErrNotAllowed", err)
	}
}

func TestChannel_StatsCountTraffic(t *testing.T) {
	ctx := withTimeout(t)
	ch := mustNew(t, channel.Normal, 4, channel.WithName("stats"))
	_ = ch.Send(ctx, []byte("abc"))
	_ = ch.Send(ctx, []byte("de"))
	_, _ = ch.Recv(ctx)

	s := ch.Stats()
	if s.Name != "stats" || s.MessagesSent != 2 || s.BytesSent != 5 || s.MessagesReceived != 1 || s.BytesReceived != 3 {
		t.Errorf("Stats() = %+v", s)
	}
	if s.MaxQueueDepth != 2 || s.Len != 1 {
		t.Errorf("MaxQueueDepth = %d, Len = %d, want 2, 1", s.MaxQueueDepth, s.Len)
	}
}

func TestParsePattern(t *testing.T) {
	for _, p := range []channel.Pattern{channel.Normal, channel.Pub, channel.Sub, channel.Push,
		channel.Pull, channel.Req, channel.Rep, channel.Broadcast} {
		got, err := channel.ParsePattern(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePattern(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := channel.ParsePattern("mesh"); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("ParsePattern(mesh) error = %v", err)
	}
}
