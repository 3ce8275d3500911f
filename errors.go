package microtcp

import "github.com/pkg/errors"

// Errors surfaced by the public socket operations. Wrapped errors can be
// tested with errors.Is.
var (
	// ErrNotConnected is returned when Send or Recv is called on a socket
	// that is not in the ESTABLISHED state.
	ErrNotConnected = errors.New("microtcp: not connected")

	// ErrInvalidState is returned when an operation is attempted in a state
	// that forbids it (e.g. Accept on a socket that is not listening).
	ErrInvalidState = errors.New("microtcp: invalid state for operation")

	// ErrInvalidArgument is returned for malformed call parameters.
	ErrInvalidArgument = errors.New("microtcp: invalid argument")

	// ErrConnectionAborted is returned when the peer sends RST. The socket
	// becomes INVALID.
	ErrConnectionAborted = errors.New("microtcp: connection aborted by peer")

	// ErrHandshakeTimeout is returned when a handshake or teardown step
	// exhausts its retry budget. The socket becomes INVALID.
	ErrHandshakeTimeout = errors.New("microtcp: handshake timed out")

	// ErrRetransmissionExhausted is returned when a data segment exceeds its
	// retransmission budget. The socket becomes INVALID.
	ErrRetransmissionExhausted = errors.New("microtcp: retransmission budget exhausted")

	// ErrProtocolViolation is returned when the peer acknowledges data that
	// was never sent or otherwise breaks the protocol. The socket becomes
	// INVALID.
	ErrProtocolViolation = errors.New("microtcp: protocol violation")
)

// Decode errors. These never escape to the caller of Send/Recv; a packet
// failing validation is dropped and recovered by retransmission.
var (
	// ErrTruncatedPacket reports a datagram shorter than the fixed header.
	ErrTruncatedPacket = errors.New("microtcp: truncated packet")

	// ErrChecksumMismatch reports a CRC-32 verification failure.
	ErrChecksumMismatch = errors.New("microtcp: checksum mismatch")
)
