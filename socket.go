// Package microtcp implements a reliable, ordered, congestion-controlled
// byte-stream protocol on top of an unreliable datagram channel (a UDP
// socket), the way TCP is built from first principles: a three-way
// handshake, sliding-window transfer with selective acknowledgment,
// timeout-driven retransmission, slow start / congestion avoidance, and a
// four-way teardown.
//
// The API is socket-style and fully blocking. One goroutine drives one
// Socket; there are no internal goroutines or timers. Timeouts are realized
// as bounded waits on the datagram channel, re-evaluating retransmission
// state on every wake-up, which keeps the state machine single-threaded and
// deterministic.
package microtcp

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// errPollTimeout is the internal signal that a bounded wait on the datagram
// channel elapsed without a valid packet. Never surfaced to callers.
var errPollTimeout = errors.New("poll timeout")

// maxDatagram is the scratch size for incoming datagrams; comfortably above
// header plus any sane MSS.
const maxDatagram = 65535

// Socket is one endpoint of a microTCP connection. It exclusively owns its
// underlying datagram channel and all protocol state; callers must not
// invoke operations on one Socket from two goroutines concurrently.
type Socket struct {
	conn net.PacketConn
	peer net.Addr
	cfg  Config

	// lastFrom is the source address of the most recent datagram, needed
	// by Accept to learn the peer before the socket is connected.
	lastFrom net.Addr

	state      State
	initWindow uint16 // window negotiated at the handshake
	peerWindow uint32 // window currently advertised by the peer

	cc *congestionController
	rb *receiveBuffer
	rq *retransmitQueue

	seq uint32 // next sequence number this endpoint will send
	ack uint32 // next byte expected from the peer

	peerFinSeen bool

	packetsSent     uint64
	packetsReceived uint64
	packetsLost     uint64
	bytesSent       uint64
	bytesReceived   uint64
	bytesLost       uint64
	txStats         intervalStats
	rxStats         intervalStats

	readBuf []byte
}

// NewSocket constructs a socket in the UNKNOWN state with the given tuning.
// The underlying UDP channel is created by Bind, or implicitly on an
// ephemeral port by Connect. Zero-valued Config fields take their defaults.
func NewSocket(cfg Config) (*Socket, error) {
	cfg = cfg.withDefaults()
	if cfg.MSS+HeaderSize > maxDatagram {
		return nil, errors.Wrapf(ErrInvalidArgument, "MSS %d too large", cfg.MSS)
	}
	if cfg.RecvBufferLen > math.MaxUint16 {
		// The advertised window is a 16-bit wire field; a larger buffer
		// would silently truncate.
		return nil, errors.Wrapf(ErrInvalidArgument,
			"receive buffer %d exceeds the 16-bit window field", cfg.RecvBufferLen)
	}
	s := &Socket{
		cfg:     cfg,
		state:   StateUnknown,
		cc:      newCongestionController(cfg),
		rq:      newRetransmitQueue(),
		readBuf: make([]byte, maxDatagram),
	}
	return s, nil
}

// newSocketPacketConn wraps an existing datagram channel, the injection
// seam used by tests to run the protocol over an in-process lossy channel.
func newSocketPacketConn(pc net.PacketConn, cfg Config) *Socket {
	s, _ := NewSocket(cfg)
	s.conn = pc
	return s
}

// Bind creates the underlying UDP channel on the given local address.
func (s *Socket) Bind(addr string) error {
	if s.state == StateInvalid {
		return errors.Wrap(ErrInvalidState, "socket is invalid")
	}
	if s.conn != nil {
		return errors.Wrap(ErrInvalidState, "socket already bound")
	}
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		s.state = StateInvalid
		return errors.Wrapf(err, "bind %s", addr)
	}
	s.conn = pc
	log.Debug().Str("addr", pc.LocalAddr().String()).Msg("socket bound")
	return nil
}

// Listen marks a bound socket passive: UNKNOWN -> LISTEN. Accept then
// blocks for an incoming handshake.
func (s *Socket) Listen() error {
	if s.state != StateUnknown {
		return errors.Wrapf(ErrInvalidState, "cannot listen in state %s", s.state)
	}
	if s.conn == nil {
		return errors.Wrap(ErrInvalidState, "socket is not bound")
	}
	s.setState(StateListen)
	return nil
}

// State returns the socket's current lifecycle state.
func (s *Socket) State() State {
	return s.state
}

// LocalAddr returns the local address of the datagram channel, or nil if
// the socket is not bound yet.
func (s *Socket) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// RemoteAddr returns the connected peer's address, or nil before the
// handshake.
func (s *Socket) RemoteAddr() net.Addr {
	return s.peer
}

// Stats returns a snapshot of the socket's counters and timing statistics.
func (s *Socket) Stats() Stats {
	return Stats{
		PacketsSent:     s.packetsSent,
		PacketsReceived: s.packetsReceived,
		PacketsLost:     s.packetsLost,
		BytesSent:       s.bytesSent,
		BytesReceived:   s.bytesReceived,
		BytesLost:       s.bytesLost,
		TxInterval:      s.txStats.snapshot(),
		RxInterval:      s.rxStats.snapshot(),
		LastSent:        s.txStats.last,
		LastReceived:    s.rxStats.last,
	}
}

// Close releases the datagram channel and any buffered data. It is the one
// operation permitted in every state, including INVALID. Closing an
// endpoint that did not go through Shutdown is abortive: the socket becomes
// INVALID and every later operation returns an error.
func (s *Socket) Close() error {
	if s.rb != nil {
		s.rb.release()
	}
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if s.state != StateClosed {
		s.setState(StateInvalid)
	}
	return errors.Wrap(err, "close datagram channel")
}

func (s *Socket) setState(next State) {
	if s.state == next {
		return
	}
	log.Info().
		Str("from", s.state.String()).
		Str("to", next.String()).
		Msg("state transition")
	s.state = next
}

// advertisedWindow is the receive window to stamp on outgoing packets.
func (s *Socket) advertisedWindow() uint16 {
	if s.rb == nil {
		return uint16(s.cfg.RecvBufferLen)
	}
	return s.rb.window()
}

// transmit marshals and sends one segment to the peer, updating transmit
// statistics and counters.
func (s *Socket) transmit(seg *Segment) error {
	if _, err := s.conn.WriteTo(seg.Marshal(), s.peer); err != nil {
		return errors.Wrap(err, "datagram send")
	}
	s.txStats.observe(time.Now())
	s.packetsSent++
	s.bytesSent += uint64(len(seg.Payload))
	log.Trace().
		Uint32("seq", seg.Seq).
		Uint32("ack", seg.Ack).
		Str("flags", seg.Control.String()).
		Int("len", len(seg.Payload)).
		Msg("sent segment")
	return nil
}

// sendAck emits an acknowledgment carrying the cumulative ack, the current
// advertised window and, when an out-of-order block is held, its SACK range.
func (s *Socket) sendAck() error {
	seg := &Segment{Header: Header{
		Seq:     s.seq,
		Ack:     s.ack,
		Control: FlagACK,
		Window:  s.advertisedWindow(),
	}}
	if s.rb != nil {
		if l, r, ok := s.rb.sack(); ok {
			seg.LeftSACK, seg.RightSACK = l, r
		}
	}
	return s.transmit(seg)
}

// poll performs one bounded wait on the datagram channel. Datagrams from
// strangers and packets failing validation are dropped silently (loss at
// the protocol level, recovered by the peer's retransmission timer); the
// wait continues until a valid segment arrives or the timeout elapses.
func (s *Socket) poll(timeout time.Duration) (*Segment, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.Wrap(err, "set read deadline")
	}
	for {
		n, addr, err := s.conn.ReadFrom(s.readBuf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, errPollTimeout
			}
			return nil, errors.Wrap(err, "datagram receive")
		}
		s.lastFrom = addr
		if s.peer != nil && addr.String() != s.peer.String() {
			log.Debug().Str("from", addr.String()).Msg("dropping datagram from unknown peer")
			continue
		}
		seg, err := Unmarshal(s.readBuf[:n])
		if err != nil {
			log.Debug().Err(err).Msg("dropping invalid packet")
			continue
		}
		s.rxStats.observe(time.Now())
		s.packetsReceived++
		s.bytesReceived += uint64(len(seg.Payload))
		log.Trace().
			Uint32("seq", seg.Seq).
			Uint32("ack", seg.Ack).
			Str("flags", seg.Control.String()).
			Int("len", len(seg.Payload)).
			Msg("received segment")
		return seg, nil
	}
}

// handleSegment processes one validated incoming segment after the
// connection is established: ack bookkeeping, congestion notification,
// payload reassembly, SACK, and FIN handling. It is shared by Send, Recv
// and Shutdown so that either direction keeps making progress no matter
// which call the application is blocked in.
func (s *Socket) handleSegment(seg *Segment) error {
	if seg.Control.Rst() {
		s.setState(StateInvalid)
		return errors.Wrap(ErrConnectionAborted, "RST from peer")
	}
	if seg.Control.Syn() {
		if seg.Control.Ack() {
			// A retransmitted SYN-ACK means our handshake-completing ACK
			// was lost; repeat it so the peer's accept can finish.
			return s.sendAck()
		}
		// A bare SYN after establishment is a stray.
		return nil
	}
	if seg.Control.Ack() {
		if seqGreaterThan(seg.Ack, s.seq) {
			s.setState(StateInvalid)
			return errors.Wrapf(ErrProtocolViolation,
				"peer acknowledged %d, nothing sent past %d", seg.Ack, s.seq)
		}
		s.peerWindow = uint32(seg.Window)
		if retired := s.rq.ackCumulative(seg.Ack); retired > 0 {
			s.cc.onAck(retired)
		}
		if seg.LeftSACK != seg.RightSACK {
			s.rq.markSACK(seg.LeftSACK, seg.RightSACK)
		}
	}
	if len(seg.Payload) > 0 {
		if s.rb.store(seg.Seq, seg.Payload) {
			s.ack = s.rb.nextSeq
		}
		// Acknowledge every data segment, accepted or not; a repeated ack
		// number is the implicit loss signal to the sender.
		if err := s.sendAck(); err != nil {
			return err
		}
	}
	if seg.Control.Fin() {
		return s.handleFin(seg)
	}
	return nil
}

// handleFin processes the peer's end-of-stream signal. The FIN consumes one
// sequence number and is acknowledged immediately; buffered data stays
// readable until the application drains it.
func (s *Socket) handleFin(seg *Segment) error {
	if seg.Seq != s.ack {
		// Out-of-order FIN (data still missing) or a retransmitted one;
		// re-acknowledge our current position either way.
		return s.sendAck()
	}
	s.ack++
	s.peerFinSeen = true
	if s.state == StateEstablished {
		s.setState(StateClosingByPeer)
	}
	return s.sendAck()
}

// handleAckTimeout is invoked whenever a bounded wait elapses while
// segments are unacknowledged: the oldest one is retransmitted, the
// congestion controller is told about the loss, and the retry budget is
// enforced. With nothing in flight a bare ack is sent instead, probing a
// peer that may be sitting on a zero window.
func (s *Socket) handleAckTimeout() error {
	seg := s.rq.oldest()
	if seg == nil {
		return s.sendAck()
	}
	if seg.retries >= s.cfg.MaxRetries {
		s.setState(StateInvalid)
		return errors.Wrapf(ErrRetransmissionExhausted,
			"segment %d retried %d times", seg.seq, seg.retries)
	}
	s.cc.onTimeout()
	s.packetsLost++
	s.bytesLost += uint64(len(seg.payload))
	retrans := &Segment{
		Header: Header{
			Seq:     seg.seq,
			Ack:     s.ack,
			Control: seg.control,
			Window:  s.advertisedWindow(),
		},
		Payload: seg.payload,
	}
	if err := s.transmit(retrans); err != nil {
		return err
	}
	seg.retries++
	seg.sentAt = time.Now()
	log.Debug().
		Uint32("seq", seg.seq).
		Int("retries", seg.retries).
		Msg("retransmitted segment")
	return nil
}

// randomISS draws a random initial sequence number.
func randomISS() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errors.Wrap(err, "generate initial sequence number")
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
