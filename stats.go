package microtcp

import "time"

// intervalStats accumulates min/max/mean of the wall-clock interval between
// consecutive packets in one direction. The first observation only sets the
// reference timestamp; statistics start with the second packet.
type intervalStats struct {
	min     time.Duration
	max     time.Duration
	mean    time.Duration
	samples uint64
	last    time.Time
}

// observe records a packet at the given instant.
func (s *intervalStats) observe(now time.Time) {
	if !s.last.IsZero() {
		d := now.Sub(s.last)
		s.samples++
		if s.samples == 1 || d < s.min {
			s.min = d
		}
		if d > s.max {
			s.max = d
		}
		// Running mean, avoids keeping the full series.
		s.mean += (d - s.mean) / time.Duration(s.samples)
	}
	s.last = now
}

func (s *intervalStats) snapshot() IntervalStats {
	return IntervalStats{Min: s.min, Max: s.max, Mean: s.mean, Samples: s.samples}
}

// IntervalStats is a read-only snapshot of inter-packet interval statistics
// for one direction.
type IntervalStats struct {
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	Samples uint64
}

// Stats is a snapshot of a socket's traffic counters and timing statistics.
// Counters are monotonic over the socket's lifetime; lost counts include
// every retransmitted segment.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	BytesSent       uint64
	BytesReceived   uint64
	BytesLost       uint64

	TxInterval IntervalStats
	RxInterval IntervalStats

	LastSent     time.Time
	LastReceived time.Time
}
