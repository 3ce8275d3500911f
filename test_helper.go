package microtcp

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testConfig returns tuning with short timeouts so loss-handling tests run
// in milliseconds instead of seconds.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 5
	return cfg
}

// timeoutError satisfies net.Error for expired pipe read deadlines.
type timeoutError struct{}

func (*timeoutError) Error() string   { return "read timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

type pipeAddr string

func (pipeAddr) Network() string  { return "pipe" }
func (a pipeAddr) String() string { return string(a) }

// packetPipe is an in-process datagram channel: unreliable delivery is
// simulated with an outbound drop hook, everything else behaves like a
// connected pair of UDP sockets with preserved message boundaries.
type packetPipe struct {
	name pipeAddr
	peer *packetPipe
	recv chan []byte

	mu           sync.Mutex
	readDeadline time.Time
	dropFn       func(pkt []byte) bool

	closed    chan struct{}
	closeOnce sync.Once
}

// newPacketPipePair returns the two halves of a bidirectional datagram
// pipe.
func newPacketPipePair() (*packetPipe, *packetPipe) {
	a := &packetPipe{name: "pipe:a", recv: make(chan []byte, 256), closed: make(chan struct{})}
	b := &packetPipe{name: "pipe:b", recv: make(chan []byte, 256), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// setDrop installs an outbound filter; packets for which fn returns true
// are silently discarded.
func (p *packetPipe) setDrop(fn func(pkt []byte) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropFn = fn
}

func (p *packetPipe) ReadFrom(b []byte) (int, net.Addr, error) {
	p.mu.Lock()
	deadline := p.readDeadline
	p.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, &timeoutError{}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case pkt := <-p.recv:
		return copy(b, pkt), p.peer.name, nil
	case <-timeout:
		return 0, nil, &timeoutError{}
	case <-p.closed:
		return 0, nil, net.ErrClosed
	}
}

func (p *packetPipe) WriteTo(b []byte, _ net.Addr) (int, error) {
	p.mu.Lock()
	drop := p.dropFn
	p.mu.Unlock()

	pkt := append([]byte(nil), b...)
	if drop != nil && drop(pkt) {
		// Simulated network loss: the datagram vanishes.
		return len(b), nil
	}
	select {
	case p.peer.recv <- pkt:
	case <-p.peer.closed:
	default:
		// Full queue behaves like a congested path: drop.
	}
	return len(b), nil
}

func (p *packetPipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *packetPipe) LocalAddr() net.Addr { return p.name }

func (p *packetPipe) SetDeadline(t time.Time) error {
	return p.SetReadDeadline(t)
}

func (p *packetPipe) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readDeadline = t
	return nil
}

func (p *packetPipe) SetWriteDeadline(time.Time) error { return nil }

// pipePair returns two sockets wired to each other through a packet pipe,
// not yet connected.
func pipePair(t *testing.T, cfg Config) (client, server *Socket, cp, sp *packetPipe) {
	t.Helper()
	cp, sp = newPacketPipePair()
	client = newSocketPacketConn(cp, cfg)
	server = newSocketPacketConn(sp, cfg)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server, cp, sp
}

// establishedPipePair completes the handshake over a packet pipe and
// returns both established sockets. Each socket must be driven from a
// single goroutine afterwards.
func establishedPipePair(t *testing.T, cfg Config) (client, server *Socket, cp, sp *packetPipe) {
	t.Helper()
	client, server, cp, sp = pipePair(t, cfg)
	require.NoError(t, server.Listen())

	accepted := make(chan error, 1)
	go func() {
		_, err := server.Accept()
		accepted <- err
	}()
	require.NoError(t, client.connect(sp.name))
	require.NoError(t, <-accepted)
	require.Equal(t, StateEstablished, client.State())
	require.Equal(t, StateEstablished, server.State())
	return client, server, cp, sp
}

// establishedUDPPair completes the handshake over real loopback UDP.
func establishedUDPPair(t *testing.T, cfg Config) (client, server *Socket) {
	t.Helper()
	var err error
	server, err = NewSocket(cfg)
	require.NoError(t, err)
	require.NoError(t, server.Bind("127.0.0.1:0"))
	require.NoError(t, server.Listen())

	client, err = NewSocket(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	accepted := make(chan error, 1)
	go func() {
		_, err := server.Accept()
		accepted <- err
	}()
	require.NoError(t, client.Connect(server.LocalAddr().String()))
	require.NoError(t, <-accepted)
	return client, server
}
