package microtcp

import (
	"encoding/binary"
	"hash/crc32"
	"strings"

	"github.com/pkg/errors"
)

// Control bits carried in the 16-bit control field of the wire header.
const (
	// FlagACK indicates the ack number field is valid.
	FlagACK ControlFlags = 0x1000
	// FlagRST aborts the connection.
	FlagRST ControlFlags = 0x2000
	// FlagSYN synchronizes sequence numbers during connection setup.
	FlagSYN ControlFlags = 0x4000
	// FlagFIN signals end of stream during teardown.
	FlagFIN ControlFlags = 0x8000
)

// HeaderSize is the fixed size of the wire header in bytes.
const HeaderSize = 40

// ControlFlags is the control field bitmask. Only the combinations listed in
// validControl are legal on the wire; anything else is a protocol violation.
type ControlFlags uint16

func (f ControlFlags) Ack() bool { return f&FlagACK != 0 }
func (f ControlFlags) Rst() bool { return f&FlagRST != 0 }
func (f ControlFlags) Syn() bool { return f&FlagSYN != 0 }
func (f ControlFlags) Fin() bool { return f&FlagFIN != 0 }

// String returns a human-readable representation like "SYN|ACK".
func (f ControlFlags) String() string {
	var flags []string
	if f.Syn() {
		flags = append(flags, "SYN")
	}
	if f.Ack() {
		flags = append(flags, "ACK")
	}
	if f.Fin() {
		flags = append(flags, "FIN")
	}
	if f.Rst() {
		flags = append(flags, "RST")
	}
	if len(flags) == 0 {
		return "NONE"
	}
	return strings.Join(flags, "|")
}

// valid reports whether the flag combination is one of the defined set:
// SYN, ACK, FIN, RST and their pairings with ACK.
func (f ControlFlags) valid() bool {
	switch f {
	case FlagSYN, FlagACK, FlagFIN, FlagRST,
		FlagSYN | FlagACK, FlagFIN | FlagACK, FlagRST | FlagACK:
		return true
	}
	return false
}

// Header is the fixed on-the-wire control structure. All multi-byte fields
// are transmitted in network byte order. The three future-use words are
// always zero on send and ignored on receive.
type Header struct {
	Seq       uint32       // sequence number of the first payload byte
	Ack       uint32       // next byte expected from the peer (valid with FlagACK)
	Control   ControlFlags // control bits
	Window    uint16       // sender's current receive window in bytes
	DataLen   uint32       // payload length, excluding the header
	Checksum  uint32       // CRC-32 over the packet with this field zeroed
	LeftSACK  uint32       // left edge of a buffered out-of-order block
	RightSACK uint32       // right edge of a buffered out-of-order block
}

// Segment is a header together with its payload, the unit handed to and
// received from the datagram channel.
type Segment struct {
	Header
	Payload []byte
}

// Marshal serializes the segment to header-then-payload wire form.
// DataLen and Checksum are stamped here; the checksum is always computed
// last, over the complete packet with the checksum field treated as zero.
func (s *Segment) Marshal() []byte {
	s.DataLen = uint32(len(s.Payload))
	buf := make([]byte, HeaderSize+len(s.Payload))
	binary.BigEndian.PutUint32(buf[0:4], s.Seq)
	binary.BigEndian.PutUint32(buf[4:8], s.Ack)
	binary.BigEndian.PutUint16(buf[8:10], uint16(s.Control))
	binary.BigEndian.PutUint16(buf[10:12], s.Window)
	binary.BigEndian.PutUint32(buf[12:16], s.DataLen)
	// future-use words at 16..28 stay zero
	binary.BigEndian.PutUint32(buf[32:36], s.LeftSACK)
	binary.BigEndian.PutUint32(buf[36:40], s.RightSACK)
	copy(buf[HeaderSize:], s.Payload)
	s.Header.Checksum = crc32.ChecksumIEEE(buf)
	binary.BigEndian.PutUint32(buf[28:32], s.Header.Checksum)
	return buf
}

// Unmarshal parses and validates a received datagram. It returns
// ErrTruncatedPacket if the datagram is shorter than the fixed header,
// ErrChecksumMismatch if CRC verification fails, and ErrProtocolViolation
// for an undefined flag combination or a data length that disagrees with
// the datagram size. No side effects on failure.
func Unmarshal(data []byte) (*Segment, error) {
	if len(data) < HeaderSize {
		return nil, errors.Wrapf(ErrTruncatedPacket, "got %d bytes, need %d", len(data), HeaderSize)
	}
	sum := binary.BigEndian.Uint32(data[28:32])
	if verifyChecksum(data) != sum {
		return nil, ErrChecksumMismatch
	}
	seg := &Segment{
		Header: Header{
			Seq:       binary.BigEndian.Uint32(data[0:4]),
			Ack:       binary.BigEndian.Uint32(data[4:8]),
			Control:   ControlFlags(binary.BigEndian.Uint16(data[8:10])),
			Window:    binary.BigEndian.Uint16(data[10:12]),
			DataLen:   binary.BigEndian.Uint32(data[12:16]),
			Checksum:  sum,
			LeftSACK:  binary.BigEndian.Uint32(data[32:36]),
			RightSACK: binary.BigEndian.Uint32(data[36:40]),
		},
	}
	if !seg.Control.valid() {
		return nil, errors.Wrapf(ErrProtocolViolation, "undefined control bits %#04x", uint16(seg.Control))
	}
	if int(seg.DataLen) != len(data)-HeaderSize {
		return nil, errors.Wrapf(ErrProtocolViolation, "data length %d does not match datagram payload %d",
			seg.DataLen, len(data)-HeaderSize)
	}
	if seg.DataLen > 0 {
		seg.Payload = make([]byte, seg.DataLen)
		copy(seg.Payload, data[HeaderSize:])
	}
	return seg, nil
}

// verifyChecksum recomputes the CRC-32 of a wire packet with the checksum
// field zeroed, without modifying the input.
func verifyChecksum(data []byte) uint32 {
	var zero [4]byte
	crc := crc32.NewIEEE()
	crc.Write(data[:28])
	crc.Write(zero[:])
	crc.Write(data[32:])
	return crc.Sum32()
}

// seqLessThan compares two sequence numbers with wrap-around handling:
// a < b iff (a - b) interpreted as signed is negative.
func seqLessThan(a, b uint32) bool {
	return int32(a-b) < 0
}

// seqLessThanOrEqual reports a <= b in sequence space.
func seqLessThanOrEqual(a, b uint32) bool {
	return a == b || seqLessThan(a, b)
}

// seqGreaterThan reports a > b in sequence space.
func seqGreaterThan(a, b uint32) bool {
	return int32(a-b) > 0
}
