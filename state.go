package microtcp

// State is the lifecycle state of a Socket.
type State int

const (
	// StateUnknown is the state of a freshly constructed socket, before
	// any handshake.
	StateUnknown State = iota
	// StateListen marks a passively opened socket waiting for a SYN.
	StateListen
	// StateEstablished allows data transfer in both directions.
	StateEstablished
	// StateClosingByPeer is entered when the peer's FIN arrives while the
	// connection is still open; buffered data remains readable.
	StateClosingByPeer
	// StateClosingByHost is entered when the local side initiates teardown.
	StateClosingByHost
	// StateClosed is terminal; the receive buffer is released.
	StateClosed
	// StateInvalid marks a socket that failed construction or validation,
	// received RST, or exhausted a retry budget. Every operation except
	// Close returns an error.
	StateInvalid
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateListen:
		return "LISTEN"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosingByPeer:
		return "CLOSING_BY_PEER"
	case StateClosingByHost:
		return "CLOSING_BY_HOST"
	case StateClosed:
		return "CLOSED"
	case StateInvalid:
		return "INVALID"
	default:
		return "UNDEFINED"
	}
}
