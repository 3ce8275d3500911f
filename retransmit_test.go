package microtcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueWith(t *testing.T, spans ...[2]uint32) *retransmitQueue {
	t.Helper()
	q := newRetransmitQueue()
	for _, s := range spans {
		require.True(t, s[1] > s[0])
		q.push(&sentSegment{seq: s[0], end: s[1], control: FlagACK})
	}
	return q
}

// TestQueueCumulativeAck verifies segments fully covered by the cumulative
// ack are retired and the newly acknowledged span is reported.
func TestQueueCumulativeAck(t *testing.T) {
	q := queueWith(t, [2]uint32{0, 1400}, [2]uint32{1400, 2800}, [2]uint32{2800, 3000})

	assert.Equal(t, uint32(2800), q.ackCumulative(2800))
	assert.False(t, q.empty())
	assert.Equal(t, uint32(200), q.inFlight())

	// A duplicate ack retires nothing further.
	assert.Equal(t, uint32(0), q.ackCumulative(2800))

	assert.Equal(t, uint32(200), q.ackCumulative(3000))
	assert.True(t, q.empty())
}

// TestQueuePartialAckKeepsSegment verifies an ack in the middle of a
// segment does not retire it.
func TestQueuePartialAckKeepsSegment(t *testing.T) {
	q := queueWith(t, [2]uint32{0, 1400})
	assert.Equal(t, uint32(0), q.ackCumulative(700))
	assert.Equal(t, uint32(1400), q.inFlight())
}

// TestQueueSACK verifies a SACK range marks covered segments so they are
// skipped for retransmission and excluded from flight accounting, while
// still awaiting the cumulative ack.
func TestQueueSACK(t *testing.T) {
	q := queueWith(t, [2]uint32{0, 1400}, [2]uint32{1400, 2800}, [2]uint32{2800, 4200})

	q.markSACK(1400, 2800)
	assert.Equal(t, uint32(2800), q.inFlight(), "sacked span leaves flight")

	oldest := q.oldest()
	require.NotNil(t, oldest)
	assert.Equal(t, uint32(0), oldest.seq, "oldest unsacked segment is due first")

	// Cumulative ack past the sacked block retires everything at once.
	assert.Equal(t, uint32(2800), q.ackCumulative(2800))
	oldest = q.oldest()
	require.NotNil(t, oldest)
	assert.Equal(t, uint32(2800), oldest.seq)
}

// TestQueueSACKPartialRangeIgnored verifies a range covering only part of
// a segment does not mark it.
func TestQueueSACKPartialRangeIgnored(t *testing.T) {
	q := queueWith(t, [2]uint32{0, 1400})
	q.markSACK(0, 700)
	assert.Equal(t, uint32(1400), q.inFlight())
	require.NotNil(t, q.oldest())
}

// TestQueueFinRetiresWithoutCredit verifies acknowledging a FIN removes it
// from the queue but reports no acknowledged data, so the congestion window
// never grows on teardown traffic.
func TestQueueFinRetiresWithoutCredit(t *testing.T) {
	q := newRetransmitQueue()
	q.push(&sentSegment{seq: 0, end: 1400, control: FlagACK, payload: make([]byte, 1400)})
	q.push(&sentSegment{seq: 1400, end: 1401, control: FlagFIN | FlagACK})

	assert.Equal(t, uint32(1400), q.ackCumulative(1401))
	assert.True(t, q.empty())
}

// TestQueueOldestSkipsSacked verifies oldest() returns nil when every
// queued segment is covered by SACK.
func TestQueueOldestSkipsSacked(t *testing.T) {
	q := queueWith(t, [2]uint32{0, 1400})
	q.markSACK(0, 1400)
	assert.Nil(t, q.oldest())
	assert.False(t, q.empty(), "sacked segments wait for the cumulative ack")
}
