package microtcp

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Send transmits p to the peer as a sequence of segments no larger than the
// MSS, admitting at most min(cwnd, peer window) bytes into the network at a
// time. It blocks until every byte has been acknowledged (directly or via
// SACK plus cumulative ack) or a terminal error occurs. On success the
// return value equals len(p).
//
// Only legal in the ESTABLISHED state. Incoming data segments arriving
// while Send is blocked are reassembled and acknowledged as usual, so a
// peer transmitting concurrently is never stalled.
func (s *Socket) Send(p []byte) (int, error) {
	if s.state != StateEstablished {
		return 0, errors.Wrapf(ErrNotConnected, "state %s", s.state)
	}
	if len(p) == 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "empty buffer")
	}

	queued := 0
	for {
		queued += s.admit(p[queued:])
		if queued == len(p) && s.rq.empty() {
			return queued, nil
		}

		seg, err := s.poll(s.cfg.AckTimeout)
		if errors.Is(err, errPollTimeout) {
			if err := s.handleAckTimeout(); err != nil {
				return queued, err
			}
			continue
		}
		if err != nil {
			return queued, err
		}
		if err := s.handleSegment(seg); err != nil {
			return queued, err
		}
		if s.state != StateEstablished && s.state != StateClosingByPeer {
			return queued, errors.Wrapf(ErrNotConnected, "state %s", s.state)
		}
	}
}

// admit transmits as many new segments from p as the effective window
// allows and returns the number of payload bytes handed to the network.
func (s *Socket) admit(p []byte) int {
	sent := 0
	for sent < len(p) {
		budget := s.cc.limit(s.peerWindow)
		inFlight := s.rq.inFlight()
		if inFlight >= budget {
			break
		}
		n := len(p) - sent
		if n > s.cfg.MSS {
			n = s.cfg.MSS
		}
		if avail := int(budget - inFlight); n > avail {
			n = avail
		}
		if n == 0 {
			break
		}
		payload := p[sent : sent+n]
		seg := &Segment{
			Header: Header{
				Seq:     s.seq,
				Ack:     s.ack,
				Control: FlagACK,
				Window:  s.advertisedWindow(),
			},
			Payload: payload,
		}
		if err := s.transmit(seg); err != nil {
			// The datagram channel failed outright; the segment stays
			// queued and the timeout path will retry it.
			log.Warn().Err(err).Uint32("seq", s.seq).Msg("segment transmission failed")
		}
		s.rq.push(&sentSegment{
			seq:     s.seq,
			end:     s.seq + uint32(n),
			control: FlagACK,
			payload: payload,
			sentAt:  s.txStats.last,
		})
		s.seq += uint32(n)
		sent += n
	}
	return sent
}

// Recv copies up to len(p) bytes of in-order received data into p,
// blocking until at least one byte is available. While blocked it keeps
// acknowledging incoming segments and supervising this side's own
// unacknowledged transmissions.
//
// After the peer's FIN, buffered data remains readable; once drained, Recv
// returns io.EOF. In any state other than ESTABLISHED or CLOSING_BY_PEER
// it returns ErrNotConnected.
func (s *Socket) Recv(p []byte) (int, error) {
	switch s.state {
	case StateEstablished, StateClosingByPeer:
	default:
		return 0, errors.Wrapf(ErrNotConnected, "state %s", s.state)
	}
	if len(p) == 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "empty buffer")
	}

	for {
		if n := s.rb.read(p); n > 0 {
			return n, nil
		}
		switch s.state {
		case StateClosingByPeer:
			return 0, io.EOF
		case StateEstablished:
		default:
			return 0, errors.Wrapf(ErrNotConnected, "state %s", s.state)
		}

		seg, err := s.poll(s.cfg.AckTimeout)
		if errors.Is(err, errPollTimeout) {
			if !s.rq.empty() {
				if err := s.handleAckTimeout(); err != nil {
					return 0, err
				}
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		if err := s.handleSegment(seg); err != nil {
			return 0, err
		}
	}
}
