package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Swind/goo-runtime/core"
)

// Protocol selects the byte-stream carrier of an Endpoint.
type Protocol int

const (
	InProcess Protocol = iota
	InterProcessSocket
	TCP
	UDP
)

func (p Protocol) String() string {
	switch p {
	case InProcess:
		return "inproc"
	case InterProcessSocket:
		return "ipc"
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ParseProtocol accepts the names produced by Protocol.String.
func ParseProtocol(raw string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "inproc", "in-process", "inprocess":
		return InProcess, nil
	case "ipc", "unix":
		return InterProcessSocket, nil
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	default:
		return 0, fmt.Errorf("%w: unknown transport protocol %q", core.ErrConfiguration, raw)
	}
}

var (
	ErrNoPeers       = errors.New("transport: no connected peers")
	ErrAddressInUse  = errors.New("transport: address already bound")
	ErrNoSuchAddress = errors.New("transport: nothing bound at address")
)

const (
	defaultInboxSize = 64
	maxDatagramSize  = 64 * 1024
)

// Options tunes an endpoint.
type Options struct {
	// Reliable makes Dial retry with Retry until the peer is reachable.
	Reliable bool
	Retry    core.RetryPolicy
	Limits   Limits
	Logger   core.Logger
}

// DefaultOptions returns non-reliable options with default frame limits.
func DefaultOptions() Options {
	return Options{
		Retry:  core.DefaultRetryPolicy(),
		Limits: DefaultLimits(),
	}
}

func (o Options) normalized() Options {
	if o.Limits.MaxPayloadBytes == 0 {
		o.Limits = DefaultLimits()
	}
	if o.Logger == nil {
		o.Logger = core.DefaultLogger()
	}
	return o
}

// Endpoint moves opaque byte messages over one protocol. A listening
// endpoint accepts any number of peers; Send writes to all of them and Recv
// yields the next message from any of them.
type Endpoint struct {
	protocol  Protocol
	address   string
	port      uint16
	listening bool
	opts      Options

	mu       sync.Mutex
	peers    map[*peer]struct{}
	listener net.Listener

	// UDP
	packetConn net.PacketConn
	udpPeers   map[string]net.Addr

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type peer struct {
	conn net.Conn
	wmu  sync.Mutex
}

func newEndpoint(proto Protocol, address string, port uint16, listening bool, opts Options) *Endpoint {
	return &Endpoint{
		protocol:  proto,
		address:   address,
		port:      port,
		listening: listening,
		opts:      opts.normalized(),
		peers:     make(map[*peer]struct{}),
		udpPeers:  make(map[string]net.Addr),
		inbox:     make(chan []byte, defaultInboxSize),
		closed:    make(chan struct{}),
	}
}

// Listen binds an endpoint at address/port.
func Listen(ctx context.Context, proto Protocol, address string, port uint16, opts Options) (*Endpoint, error) {
	e := newEndpoint(proto, address, port, true, opts)

	switch proto {
	case InProcess:
		if err := inprocRegistry.bind(inprocKey(address, port), e); err != nil {
			return nil, err
		}
		return e, nil
	case InterProcessSocket, TCP:
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, networkFor(proto), dialAddress(proto, address, port))
		if err != nil {
			return nil, fmt.Errorf("transport: listen %s: %w", proto, err)
		}
		e.listener = ln
		e.wg.Add(1)
		go e.acceptLoop()
		return e, nil
	case UDP:
		var lc net.ListenConfig
		pc, err := lc.ListenPacket(ctx, "udp", dialAddress(proto, address, port))
		if err != nil {
			return nil, fmt.Errorf("transport: listen udp: %w", err)
		}
		e.packetConn = pc
		e.wg.Add(1)
		go e.packetLoop()
		return e, nil
	default:
		return nil, fmt.Errorf("%w: unsupported protocol %d", core.ErrConfiguration, proto)
	}
}

// Dial connects an endpoint to a listening peer. With Options.Reliable the
// attempt is retried according to Options.Retry.
func Dial(ctx context.Context, proto Protocol, address string, port uint16, opts Options) (*Endpoint, error) {
	e := newEndpoint(proto, address, port, false, opts)

	policy := core.NoRetry()
	if e.opts.Reliable {
		policy = e.opts.Retry
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		return e.dialOnce(ctx)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Endpoint) dialOnce(ctx context.Context) error {
	switch e.protocol {
	case InProcess:
		server, ok := inprocRegistry.lookup(inprocKey(e.address, e.port))
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoSuchAddress, inprocKey(e.address, e.port))
		}
		local, remote := net.Pipe()
		if err := server.addPeer(remote); err != nil {
			_ = local.Close()
			return err
		}
		return e.addPeer(local)
	case InterProcessSocket, TCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, networkFor(e.protocol), dialAddress(e.protocol, e.address, e.port))
		if err != nil {
			e.opts.Logger.Debug("transport dial failed",
				core.F("protocol", e.protocol.String()), core.F("error", err.Error()))
			return fmt.Errorf("transport: dial %s: %w", e.protocol, err)
		}
		return e.addPeer(conn)
	case UDP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "udp", dialAddress(e.protocol, e.address, e.port))
		if err != nil {
			return fmt.Errorf("transport: dial udp: %w", err)
		}
		p := &peer{conn: conn}
		e.mu.Lock()
		e.peers[p] = struct{}{}
		e.mu.Unlock()
		e.wg.Add(1)
		go e.datagramLoop(p)
		return nil
	default:
		return fmt.Errorf("%w: unsupported protocol %d", core.ErrConfiguration, e.protocol)
	}
}

func networkFor(proto Protocol) string {
	if proto == InterProcessSocket {
		return "unix"
	}
	return "tcp"
}

func dialAddress(proto Protocol, address string, port uint16) string {
	if proto == InterProcessSocket {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(int(port)))
}

// Addr returns the bound address, resolving an ephemeral port if one was requested.
func (e *Endpoint) Addr() string {
	switch {
	case e.listener != nil:
		return e.listener.Addr().String()
	case e.packetConn != nil:
		return e.packetConn.LocalAddr().String()
	default:
		return dialAddress(e.protocol, e.address, e.port)
	}
}

// Port returns the bound port, resolving an ephemeral port if one was requested.
func (e *Endpoint) Port() uint16 {
	var addr net.Addr
	switch {
	case e.listener != nil:
		addr = e.listener.Addr()
	case e.packetConn != nil:
		addr = e.packetConn.LocalAddr()
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return uint16(a.Port)
	case *net.UDPAddr:
		return uint16(a.Port)
	}
	return e.port
}

func (e *Endpoint) Protocol() Protocol { return e.protocol }
func (e *Endpoint) IsListening() bool  { return e.listening }

// PeerCount returns the number of connected peers.
func (e *Endpoint) PeerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.packetConn != nil {
		return len(e.udpPeers)
	}
	return len(e.peers)
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func (e *Endpoint) addPeer(conn net.Conn) error {
	p := &peer{conn: conn}
	e.mu.Lock()
	if e.isClosed() {
		e.mu.Unlock()
		_ = conn.Close()
		return core.ErrChannelClosed
	}
	e.peers[p] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	go e.readLoop(p)
	return nil
}

func (e *Endpoint) removePeer(p *peer) {
	e.mu.Lock()
	delete(e.peers, p)
	e.mu.Unlock()
	_ = p.conn.Close()
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if !e.isClosed() {
				e.opts.Logger.Warn("transport accept failed",
					core.F("addr", e.Addr()), core.F("error", err.Error()))
			}
			return
		}
		if err := e.addPeer(conn); err != nil {
			return
		}
	}
}

func (e *Endpoint) readLoop(p *peer) {
	defer e.wg.Done()
	defer e.removePeer(p)
	for {
		_, payload, err := ReadFrame(p.conn, e.opts.Limits)
		if err != nil {
			if !e.isClosed() && !errors.Is(err, net.ErrClosed) {
				e.opts.Logger.Debug("transport peer disconnected",
					core.F("protocol", e.protocol.String()), core.F("error", err.Error()))
			}
			return
		}
		if !e.deliver(payload) {
			return
		}
	}
}

func (e *Endpoint) packetLoop() {
	defer e.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := e.packetConn.ReadFrom(buf)
		if err != nil {
			return
		}
		e.mu.Lock()
		e.udpPeers[from.String()] = from
		e.mu.Unlock()
		if !e.deliver(append([]byte(nil), buf[:n]...)) {
			return
		}
	}
}

func (e *Endpoint) datagramLoop(p *peer) {
	defer e.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			return
		}
		if !e.deliver(append([]byte(nil), buf[:n]...)) {
			return
		}
	}
}

func (e *Endpoint) deliver(payload []byte) bool {
	select {
	case e.inbox <- payload:
		return true
	case <-e.closed:
		return false
	}
}

// Send writes data to every connected peer. All peers are attempted; the
// joined write errors are returned.
func (e *Endpoint) Send(ctx context.Context, data []byte) error {
	if e.isClosed() {
		return core.ErrChannelClosed
	}
	if uint64(len(data)) > e.opts.Limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	if e.packetConn != nil {
		return e.sendDatagrams(data)
	}

	e.mu.Lock()
	targets := make([]*peer, 0, len(e.peers))
	for p := range e.peers {
		targets = append(targets, p)
	}
	e.mu.Unlock()
	if len(targets) == 0 {
		return ErrNoPeers
	}

	deadline, hasDeadline := ctx.Deadline()
	var errs []error
	for _, p := range targets {
		if err := e.writeTo(p, data, deadline, hasDeadline); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Endpoint) writeTo(p *peer, data []byte, deadline time.Time, hasDeadline bool) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	if hasDeadline {
		_ = p.conn.SetWriteDeadline(deadline)
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	if e.protocol == UDP {
		_, err := p.conn.Write(data)
		return err
	}
	return WriteFrame(p.conn, 0, data, e.opts.Limits)
}

func (e *Endpoint) sendDatagrams(data []byte) error {
	if len(data) > maxDatagramSize {
		return ErrPayloadTooLarge
	}
	e.mu.Lock()
	targets := make([]net.Addr, 0, len(e.udpPeers))
	for _, addr := range e.udpPeers {
		targets = append(targets, addr)
	}
	e.mu.Unlock()
	if len(targets) == 0 {
		return ErrNoPeers
	}
	var errs []error
	for _, addr := range targets {
		if _, err := e.packetConn.WriteTo(data, addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recv returns the next message from any peer.
func (e *Endpoint) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-e.inbox:
		return data, nil
	default:
	}
	select {
	case data := <-e.inbox:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closed:
		return nil, core.ErrChannelClosed
	}
}

// Close shuts the endpoint and every peer connection. It is idempotent.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		close(e.closed)
		peers := make([]*peer, 0, len(e.peers))
		for p := range e.peers {
			peers = append(peers, p)
		}
		e.mu.Unlock()

		if e.protocol == InProcess && e.listening {
			inprocRegistry.unbind(inprocKey(e.address, e.port), e)
		}
		if e.listener != nil {
			err = e.listener.Close()
		}
		if e.packetConn != nil {
			err = errors.Join(err, e.packetConn.Close())
		}
		for _, p := range peers {
			_ = p.conn.Close()
		}
		e.wg.Wait()
	})
	return err
}
