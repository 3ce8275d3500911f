package microtcp

import (
	"time"
)

// sentSegment records one transmitted, not-yet-acknowledged segment.
// end is seq plus the sequence space the segment consumes (payload length,
// or one for a FIN).
type sentSegment struct {
	seq     uint32
	end     uint32
	control ControlFlags
	payload []byte
	sentAt  time.Time
	retries int

	// sacked marks the segment as covered by a peer SACK range: it is
	// skipped on retransmission but stays queued until the cumulative ack
	// passes it.
	sacked bool
}

// retransmitQueue tracks unacknowledged sent segments in sequence order.
// The caller owns timeout detection; the queue only answers which segment
// is due and retires what the peer has acknowledged.
type retransmitQueue struct {
	segments []*sentSegment
}

func newRetransmitQueue() *retransmitQueue {
	return &retransmitQueue{}
}

func (q *retransmitQueue) push(seg *sentSegment) {
	q.segments = append(q.segments, seg)
}

func (q *retransmitQueue) empty() bool {
	return len(q.segments) == 0
}

// inFlight is the sequence space currently unacknowledged and not covered
// by a SACK.
func (q *retransmitQueue) inFlight() uint32 {
	var n uint32
	for _, seg := range q.segments {
		if !seg.sacked {
			n += seg.end - seg.seq
		}
	}
	return n
}

// ackCumulative retires every segment fully covered by the cumulative ack
// and returns the amount of data newly acknowledged. The sequence number a
// FIN consumes is retired but not counted; the congestion window reacts to
// acknowledged payload only.
func (q *retransmitQueue) ackCumulative(ack uint32) uint32 {
	var retired uint32
	i := 0
	for ; i < len(q.segments); i++ {
		seg := q.segments[i]
		if seqGreaterThan(seg.end, ack) {
			break
		}
		if !seg.control.Fin() {
			retired += seg.end - seg.seq
		}
	}
	if i > 0 {
		q.segments = q.segments[i:]
	}
	return retired
}

// markSACK marks segments fully inside [left, right) as delivered so they
// are not retransmitted.
func (q *retransmitQueue) markSACK(left, right uint32) {
	for _, seg := range q.segments {
		if seqLessThanOrEqual(left, seg.seq) && seqLessThanOrEqual(seg.end, right) {
			seg.sacked = true
		}
	}
}

// oldest returns the first segment still awaiting acknowledgment, or nil.
func (q *retransmitQueue) oldest() *sentSegment {
	for _, seg := range q.segments {
		if !seg.sacked {
			return seg
		}
	}
	return nil
}
