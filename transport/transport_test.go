package transport

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/goo-runtime/core"
)

func quietOptions() Options {
	opts := DefaultOptions()
	opts.Logger = core.NewNoOpLogger()
	return opts
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, 7, []byte("hello"), DefaultLimits()))

	h, payload, err := ReadFrame(&buf, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, FrameMagic, h.Magic)
	assert.Equal(t, uint16(7), h.Flags)
	assert.Equal(t, []byte("hello"), payload)
}

func TestReadFrameRejectsBadInput(t *testing.T) {
	t.Run("bad magic", func(t *testing.T) {
		raw := EncodeHeader(Header{Magic: 1, Version: FrameVersion})
		_, _, err := ReadFrame(bytes.NewReader(raw), DefaultLimits())
		assert.ErrorIs(t, err, ErrBadMagic)
	})
	t.Run("short header", func(t *testing.T) {
		_, _, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
		assert.ErrorIs(t, err, ErrShortHeader)
	})
	t.Run("oversized payload", func(t *testing.T) {
		raw := EncodeHeader(Header{Magic: FrameMagic, Version: FrameVersion, PayloadLen: 1 << 20})
		_, _, err := ReadFrame(bytes.NewReader(raw), Limits{MaxPayloadBytes: 16})
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := &Envelope{Flags: 3, Topic: "news", Parts: [][]byte{[]byte("a"), []byte("b")}}
	raw, err := MarshalEnvelope(in)
	require.NoError(t, err)

	out, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, in.Topic, out.Topic)
	assert.Equal(t, in.Parts, out.Parts)
}

func TestParseProtocol(t *testing.T) {
	for _, p := range []Protocol{InProcess, InterProcessSocket, TCP, UDP} {
		got, err := ParseProtocol(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseProtocol("carrier-pigeon")
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func exchange(t *testing.T, server, client *Endpoint) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, []byte("ping")))
	got, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	require.NoError(t, server.Send(ctx, []byte("pong")))
	got, err = client.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)
}

// TestInProcessEndpoints verifies a bidirectional exchange over in-process pipes
// Given: a listening in-process endpoint and a dialed client
// When: each side sends one message
// Then: the other side receives it unchanged
func TestInProcessEndpoints(t *testing.T) {
	ctx := context.Background()
	server, err := Listen(ctx, InProcess, "inproc-test", 1, quietOptions())
	require.NoError(t, err)
	defer server.Close()

	client, err := Dial(ctx, InProcess, "inproc-test", 1, quietOptions())
	require.NoError(t, err)
	defer client.Close()

	exchange(t, server, client)
	assert.Equal(t, 1, server.PeerCount())
}

func TestInProcessAddressInUse(t *testing.T) {
	ctx := context.Background()
	first, err := Listen(ctx, InProcess, "dup", 9, quietOptions())
	require.NoError(t, err)
	defer first.Close()

	_, err = Listen(ctx, InProcess, "dup", 9, quietOptions())
	assert.ErrorIs(t, err, ErrAddressInUse)
}

func TestTCPEndpoints(t *testing.T) {
	ctx := context.Background()
	server, err := Listen(ctx, TCP, "127.0.0.1", 0, quietOptions())
	require.NoError(t, err)
	defer server.Close()

	client, err := Dial(ctx, TCP, "127.0.0.1", server.Port(), quietOptions())
	require.NoError(t, err)
	defer client.Close()

	// The server learns about the peer asynchronously.
	require.Eventually(t, func() bool { return server.PeerCount() == 1 }, time.Second, 5*time.Millisecond)
	exchange(t, server, client)
}

func TestUnixSocketEndpoints(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "goo.sock")
	server, err := Listen(ctx, InterProcessSocket, path, 0, quietOptions())
	require.NoError(t, err)
	defer server.Close()

	client, err := Dial(ctx, InterProcessSocket, path, 0, quietOptions())
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return server.PeerCount() == 1 }, time.Second, 5*time.Millisecond)
	exchange(t, server, client)
}

func TestUDPEndpoints(t *testing.T) {
	ctx := context.Background()
	server, err := Listen(ctx, UDP, "127.0.0.1", 0, quietOptions())
	require.NoError(t, err)
	defer server.Close()

	client, err := Dial(ctx, UDP, "127.0.0.1", server.Port(), quietOptions())
	require.NoError(t, err)
	defer client.Close()

	// UDP servers only know peers that have written to them.
	exchange(t, server, client)
}

func TestSendWithoutPeers(t *testing.T) {
	server, err := Listen(context.Background(), InProcess, "lonely", 1, quietOptions())
	require.NoError(t, err)
	defer server.Close()

	assert.ErrorIs(t, server.Send(context.Background(), []byte("x")), ErrNoPeers)
}

func TestDialReliableRetriesUntilListener(t *testing.T) {
	opts := quietOptions()
	opts.Reliable = true
	opts.Retry = core.RetryPolicy{MaxRetries: 20, InitialDelay: 5 * time.Millisecond, BackoffRatio: 1}

	go func() {
		time.Sleep(20 * time.Millisecond)
		server, err := Listen(context.Background(), InProcess, "late", 2, quietOptions())
		if err == nil {
			t.Cleanup(func() { server.Close() })
		}
	}()

	client, err := Dial(context.Background(), InProcess, "late", 2, opts)
	require.NoError(t, err)
	defer client.Close()
}

func TestDialUnreliableFailsFast(t *testing.T) {
	_, err := Dial(context.Background(), InProcess, "missing", 3, quietOptions())
	assert.ErrorIs(t, err, ErrNoSuchAddress)
}

func TestRecvAfterClose(t *testing.T) {
	server, err := Listen(context.Background(), InProcess, "closing", 1, quietOptions())
	require.NoError(t, err)
	require.NoError(t, server.Close())
	require.NoError(t, server.Close())

	_, err = server.Recv(context.Background())
	assert.ErrorIs(t, err, core.ErrChannelClosed)
	assert.ErrorIs(t, server.Send(context.Background(), []byte("x")), core.ErrChannelClosed)
}

func TestRecvHonoursContext(t *testing.T) {
	server, err := Listen(context.Background(), InProcess, "waiting", 1, quietOptions())
	require.NoError(t, err)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = server.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
