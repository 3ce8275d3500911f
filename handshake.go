package microtcp

import (
	"net"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Connect performs the active-open three-way handshake with the peer at
// addr ("host:port"): send SYN, await SYN-ACK, send ACK. Each await is
// bounded by the ack timeout; on expiry the SYN is retransmitted up to the
// retry budget, after which the socket becomes INVALID.
//
// A socket that was not bound first sends from an ephemeral local port.
func (s *Socket) Connect(addr string) error {
	if s.state != StateUnknown {
		return errors.Wrapf(ErrInvalidState, "cannot connect in state %s", s.state)
	}
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		s.setState(StateInvalid)
		return errors.Wrapf(err, "resolve %s", addr)
	}
	if s.conn == nil {
		if err := s.Bind(":0"); err != nil {
			return err
		}
	}
	return s.connect(peer)
}

// connect runs the active open against an already-resolved peer address.
func (s *Socket) connect(peer net.Addr) error {
	if s.state != StateUnknown {
		return errors.Wrapf(ErrInvalidState, "cannot connect in state %s", s.state)
	}
	s.peer = peer

	iss, err := randomISS()
	if err != nil {
		s.setState(StateInvalid)
		return err
	}
	syn := &Segment{Header: Header{
		Seq:     iss,
		Control: FlagSYN,
		Window:  uint16(s.cfg.RecvBufferLen),
	}}
	log.Debug().
		Uint32("iss", iss).
		Str("peer", peer.String()).
		Msg("initiating handshake")

	synAck, err := s.exchange(syn, func(seg *Segment) bool {
		return seg.Control == FlagSYN|FlagACK && seg.Ack == iss+1
	})
	if err != nil {
		return err
	}

	s.seq = iss + 1
	s.ack = synAck.Seq + 1
	s.peerWindow = uint32(synAck.Window)
	s.initWindow = synAck.Window
	s.rb = newReceiveBuffer(s.cfg.RecvBufferLen, s.ack)

	ackSeg := &Segment{Header: Header{
		Seq:     s.seq,
		Ack:     s.ack,
		Control: FlagACK,
		Window:  s.advertisedWindow(),
	}}
	if err := s.transmit(ackSeg); err != nil {
		s.setState(StateInvalid)
		return err
	}
	s.setState(StateEstablished)
	log.Info().
		Uint32("seq", s.seq).
		Uint32("ack", s.ack).
		Uint16("peerWindow", s.initWindow).
		Msg("connection established")
	return nil
}

// Accept blocks on a listening socket until a peer completes the
// handshake, then transitions this socket to ESTABLISHED and returns the
// peer's address.
//
// Note that, unlike conventional accept, this mutates the listening socket
// in place rather than returning a new connected descriptor: one listener
// serves exactly one connection. (A factory-style accept would leave the
// listener free for further connections; this engine keeps the original
// in-place contract.)
func (s *Socket) Accept() (net.Addr, error) {
	if s.state != StateListen {
		return nil, errors.Wrapf(ErrInvalidState, "cannot accept in state %s", s.state)
	}

	// Wait indefinitely for a valid SYN. Checksum failures were already
	// dropped in poll; a non-SYN packet here is a stray and is ignored.
	var syn *Segment
	for syn == nil {
		seg, err := s.poll(s.cfg.AckTimeout)
		if errors.Is(err, errPollTimeout) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if seg.Control == FlagSYN {
			syn = seg
		}
	}
	s.peer = s.lastFrom

	iss, err := randomISS()
	if err != nil {
		s.setState(StateInvalid)
		return nil, err
	}
	s.ack = syn.Seq + 1
	s.peerWindow = uint32(syn.Window)
	s.initWindow = syn.Window
	s.rb = newReceiveBuffer(s.cfg.RecvBufferLen, s.ack)

	synAck := &Segment{Header: Header{
		Seq:     iss,
		Ack:     s.ack,
		Control: FlagSYN | FlagACK,
		Window:  uint16(s.cfg.RecvBufferLen),
	}}
	log.Debug().
		Uint32("iss", iss).
		Uint32("ack", s.ack).
		Str("peer", s.peer.String()).
		Msg("SYN received, answering SYN-ACK")

	ack, err := s.exchange(synAck, func(seg *Segment) bool {
		return seg.Control.Ack() && !seg.Control.Syn() && seg.Ack == iss+1
	})
	if err != nil {
		return nil, err
	}

	s.seq = iss + 1
	s.setState(StateEstablished)
	log.Info().
		Uint32("seq", s.seq).
		Uint32("ack", s.ack).
		Uint16("peerWindow", s.initWindow).
		Msg("connection accepted")

	// The handshake ack may already piggyback data (or a FIN from an
	// impatient peer); run it through the normal path.
	if len(ack.Payload) > 0 || ack.Control.Fin() {
		if err := s.handleSegment(ack); err != nil {
			return nil, err
		}
	}
	return s.peer, nil
}

// exchange transmits a handshake or teardown step and waits for a reply
// matching want, retransmitting the step on every ack timeout up to the
// retry budget. Packets with unexpected flags are discarded; RST aborts.
func (s *Socket) exchange(step *Segment, want func(*Segment) bool) (*Segment, error) {
	if err := s.transmit(step); err != nil {
		s.setState(StateInvalid)
		return nil, err
	}
	retries := 0
	for {
		seg, err := s.poll(s.cfg.AckTimeout)
		if errors.Is(err, errPollTimeout) {
			if retries >= s.cfg.MaxRetries {
				s.setState(StateInvalid)
				return nil, errors.Wrapf(ErrHandshakeTimeout,
					"no valid reply after %d retries", retries)
			}
			retries++
			s.packetsLost++
			if err := s.transmit(step); err != nil {
				s.setState(StateInvalid)
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if seg.Control.Rst() {
			s.setState(StateInvalid)
			return nil, errors.Wrap(ErrConnectionAborted, "RST during handshake")
		}
		if want(seg) {
			return seg, nil
		}
		log.Debug().
			Str("flags", seg.Control.String()).
			Msg("discarding packet inconsistent with awaited handshake step")
	}
}

// Shutdown initiates (or completes, if the peer went first) the four-way
// teardown and blocks until the socket reaches CLOSED or a retry budget
// expires. After a clean shutdown both directions are closed and Send/Recv
// return ErrNotConnected.
func (s *Socket) Shutdown() error {
	switch s.state {
	case StateEstablished:
		return s.closeByHost()
	case StateClosingByPeer:
		return s.closeByPeer()
	default:
		return errors.Wrapf(ErrInvalidState, "cannot shutdown in state %s", s.state)
	}
}

// closeByHost runs the initiator's half of the close: send FIN, await its
// ack, await the peer's FIN, ack it. The FIN rides the retransmission queue
// so the shared timeout path supervises it like any data segment.
func (s *Socket) closeByHost() error {
	fin := &Segment{Header: Header{
		Seq:     s.seq,
		Ack:     s.ack,
		Control: FlagFIN | FlagACK,
		Window:  s.advertisedWindow(),
	}}
	s.rq.push(&sentSegment{
		seq:     s.seq,
		end:     s.seq + 1, // FIN consumes one sequence number
		control: FlagFIN | FlagACK,
	})
	if err := s.transmit(fin); err != nil {
		s.setState(StateInvalid)
		return err
	}
	s.seq++
	s.setState(StateClosingByHost)

	waits := 0
	for {
		if s.rq.empty() && s.peerFinSeen {
			s.finish()
			return nil
		}
		seg, err := s.poll(s.cfg.AckTimeout)
		if errors.Is(err, errPollTimeout) {
			if !s.rq.empty() {
				// Our FIN is unacknowledged; retransmit it.
				if err := s.handleAckTimeout(); err != nil {
					return err
				}
				continue
			}
			// FIN acked, waiting for the peer's FIN.
			waits++
			if waits > s.cfg.MaxRetries {
				s.setState(StateInvalid)
				return errors.Wrap(ErrHandshakeTimeout, "peer never sent FIN")
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := s.handleSegment(seg); err != nil {
			return err
		}
	}
}

// closeByPeer runs the responder's half: the peer's FIN was already seen
// and acknowledged, so send our FIN and await the final ack.
func (s *Socket) closeByPeer() error {
	fin := &Segment{Header: Header{
		Seq:     s.seq,
		Ack:     s.ack,
		Control: FlagFIN | FlagACK,
		Window:  s.advertisedWindow(),
	}}
	finSeq := s.seq
	s.seq++
	if _, err := s.exchange(fin, func(seg *Segment) bool {
		return seg.Control.Ack() && seg.Ack == finSeq+1
	}); err != nil {
		return err
	}
	s.finish()
	return nil
}

// finish completes the teardown: release the receive buffer and enter the
// terminal state. The datagram channel itself is released by Close.
func (s *Socket) finish() {
	if s.rb != nil {
		s.rb.release()
	}
	s.setState(StateClosed)
	log.Info().
		Uint64("packetsSent", s.packetsSent).
		Uint64("packetsReceived", s.packetsReceived).
		Uint64("packetsLost", s.packetsLost).
		Msg("connection closed")
}
