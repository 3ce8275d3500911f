package microtcp

import (
	"github.com/rs/zerolog/log"
	"github.com/smallnest/ringbuffer"
)

// receiveBuffer is the bounded reassembly buffer for one connection.
// In-order bytes ready for the application live in a fixed-capacity ring
// buffer; at most one out-of-order block is held aside, its edges forming
// the SACK range reported to the peer. Occupancy never exceeds capacity:
// a segment that does not fit is rejected and the caller drops it without
// acknowledging it as new.
type receiveBuffer struct {
	ring     *ringbuffer.RingBuffer
	capacity int

	// nextSeq is the sequence number of the next in-order byte expected,
	// i.e. the cumulative ack this endpoint advertises.
	nextSeq uint32

	// ooo holds the single buffered out-of-order block, starting at
	// sequence oooLeft. Empty when reception is contiguous.
	ooo     []byte
	oooLeft uint32
}

// newReceiveBuffer creates a buffer of the given capacity expecting its
// first byte at initialSeq.
func newReceiveBuffer(capacity int, initialSeq uint32) *receiveBuffer {
	return &receiveBuffer{
		ring:     ringbuffer.New(capacity),
		capacity: capacity,
		nextSeq:  initialSeq,
	}
}

// fillLevel is the number of buffered bytes, in-order plus out-of-order.
func (b *receiveBuffer) fillLevel() int {
	return b.ring.Length() + len(b.ooo)
}

// window is the receive window to advertise: capacity minus fill level.
func (b *receiveBuffer) window() uint16 {
	w := b.capacity - b.fillLevel()
	if w < 0 {
		w = 0
	}
	return uint16(w)
}

// sack returns the edges of the buffered out-of-order block, if any.
// The right edge is exclusive.
func (b *receiveBuffer) sack() (left, right uint32, ok bool) {
	if len(b.ooo) == 0 {
		return 0, 0, false
	}
	return b.oooLeft, b.oooLeft + uint32(len(b.ooo)), true
}

// store places a received segment into the buffer. It returns true when the
// segment contributed bytes not seen before (in order or out of order);
// duplicates and segments that would overflow capacity return false.
func (b *receiveBuffer) store(seq uint32, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	end := seq + uint32(len(data))
	if seqLessThanOrEqual(end, b.nextSeq) {
		// Entirely old data, already delivered or buffered.
		return false
	}
	if seqLessThan(seq, b.nextSeq) {
		// Partial overlap with delivered data; keep the new tail.
		data = data[b.nextSeq-seq:]
		seq = b.nextSeq
	}
	if seq == b.nextSeq {
		return b.storeInOrder(data)
	}
	return b.storeOutOfOrder(seq, data)
}

// storeInOrder appends contiguous data and merges the out-of-order block if
// the gap has been closed.
func (b *receiveBuffer) storeInOrder(data []byte) bool {
	if len(data) > b.ring.Free() {
		log.Debug().
			Int("len", len(data)).
			Int("free", b.ring.Free()).
			Msg("receive buffer full, dropping segment")
		return false
	}
	b.ring.Write(data)
	b.nextSeq += uint32(len(data))
	b.mergeOutOfOrder()
	return true
}

// mergeOutOfOrder moves the held block into the ring once reception has
// caught up with its left edge, clearing the SACK range.
func (b *receiveBuffer) mergeOutOfOrder() {
	if len(b.ooo) == 0 || seqGreaterThan(b.oooLeft, b.nextSeq) {
		return
	}
	block := b.ooo
	if seqLessThan(b.oooLeft, b.nextSeq) {
		skip := b.nextSeq - b.oooLeft
		if skip >= uint32(len(block)) {
			block = nil
		} else {
			block = block[skip:]
		}
	}
	if len(block) > 0 {
		b.ring.Write(block)
		b.nextSeq += uint32(len(block))
	}
	b.ooo = nil
	log.Debug().Uint32("nextSeq", b.nextSeq).Msg("out-of-order block merged, sack cleared")
}

// storeOutOfOrder buffers a block beyond the contiguous edge. Only a single
// block is tracked; data that neither starts a block nor extends the held
// one is dropped (the cumulative ack will recover it).
func (b *receiveBuffer) storeOutOfOrder(seq uint32, data []byte) bool {
	// The block logically occupies buffer space at its offset from nextSeq,
	// so the gap counts against capacity.
	span := int(seq + uint32(len(data)) - b.nextSeq)
	if span > b.capacity-b.ring.Length() {
		log.Debug().
			Uint32("seq", seq).
			Int("span", span).
			Msg("out-of-order segment beyond window, dropping")
		return false
	}
	end := seq + uint32(len(data))
	switch {
	case len(b.ooo) == 0:
		b.ooo = append([]byte(nil), data...)
		b.oooLeft = seq
	case seq == b.oooLeft+uint32(len(b.ooo)):
		b.ooo = append(b.ooo, data...)
	case end == b.oooLeft:
		b.ooo = append(append([]byte(nil), data...), b.ooo...)
		b.oooLeft = seq
	default:
		// Does not touch the held block; a second disjoint block is not
		// tracked.
		return false
	}
	log.Debug().
		Uint32("left", b.oooLeft).
		Uint32("right", b.oooLeft+uint32(len(b.ooo))).
		Msg("buffered out-of-order block")
	return true
}

// read moves up to len(p) in-order bytes to p, compacting the buffer.
func (b *receiveBuffer) read(p []byte) int {
	n, _ := b.ring.Read(p)
	return n
}

// release drops all buffered data. Called when the connection closes.
func (b *receiveBuffer) release() {
	b.ring.Reset()
	b.ooo = nil
}
