package microtcp

import "time"

// Protocol defaults. These mirror the classic tuning for this protocol:
// a 1400-byte MSS, an 8 KiB receive buffer advertised in full as the window,
// an initial congestion window of three segments, and a fixed 200ms ACK
// timeout driving every retransmission decision.
const (
	// DefaultMSS is the largest payload a single segment may carry.
	DefaultMSS = 1400

	// DefaultRecvBufferLen is the receive buffer capacity in bytes. The
	// advertised window never exceeds it.
	DefaultRecvBufferLen = 8192

	// DefaultInitialCwnd is the initial congestion window (3 segments).
	DefaultInitialCwnd = 3 * DefaultMSS

	// DefaultAckTimeout is the fixed wait before the oldest unacknowledged
	// segment is retransmitted.
	DefaultAckTimeout = 200 * time.Millisecond

	// DefaultMaxRetries bounds retransmissions of a single segment or
	// handshake step before the operation fails.
	DefaultMaxRetries = 12
)

// Config carries the tuning values for one socket. Sockets with different
// tuning can coexist; nothing here is process-wide state. The zero value of
// any field falls back to its default at construction.
type Config struct {
	// MSS is the maximum segment payload size in bytes.
	MSS int

	// RecvBufferLen is the receive buffer capacity, which is also the
	// window size advertised at the handshake.
	RecvBufferLen int

	// InitialCwnd is the congestion window at start and after a timeout.
	InitialCwnd int

	// InitialSsthresh is the slow-start threshold at construction.
	// Defaults to RecvBufferLen.
	InitialSsthresh int

	// AckTimeout is the fixed per-packet acknowledgment timeout.
	AckTimeout time.Duration

	// MaxRetries bounds retransmissions before an operation fails.
	MaxRetries int
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		MSS:             DefaultMSS,
		RecvBufferLen:   DefaultRecvBufferLen,
		InitialCwnd:     DefaultInitialCwnd,
		InitialSsthresh: DefaultRecvBufferLen,
		AckTimeout:      DefaultAckTimeout,
		MaxRetries:      DefaultMaxRetries,
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MSS <= 0 {
		c.MSS = d.MSS
	}
	if c.RecvBufferLen <= 0 {
		c.RecvBufferLen = d.RecvBufferLen
	}
	if c.InitialCwnd <= 0 {
		c.InitialCwnd = 3 * c.MSS
	}
	if c.InitialSsthresh <= 0 {
		c.InitialSsthresh = c.RecvBufferLen
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	return c
}
