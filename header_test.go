package microtcp

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSegmentMarshal verifies the fixed wire layout: field offsets, network
// byte order, zeroed future-use words, and the stamped checksum.
func TestSegmentMarshal(t *testing.T) {
	tests := []struct {
		name    string
		segment *Segment
		wantLen int
		check   func(*testing.T, []byte)
	}{
		{
			name: "control packet without payload",
			segment: &Segment{Header: Header{
				Seq:     100,
				Ack:     0,
				Control: FlagSYN,
				Window:  8192,
			}},
			wantLen: HeaderSize,
			check: func(t *testing.T, data []byte) {
				assert.Equal(t, uint32(100), binary.BigEndian.Uint32(data[0:4]), "Seq")
				assert.Equal(t, uint16(FlagSYN), binary.BigEndian.Uint16(data[8:10]), "Control")
				assert.Equal(t, uint16(8192), binary.BigEndian.Uint16(data[10:12]), "Window")
				assert.Equal(t, uint32(0), binary.BigEndian.Uint32(data[12:16]), "DataLen")
			},
		},
		{
			name: "data segment",
			segment: &Segment{
				Header: Header{
					Seq:     1000,
					Ack:     555,
					Control: FlagACK,
					Window:  4096,
				},
				Payload: []byte("hello"),
			},
			wantLen: HeaderSize + 5,
			check: func(t *testing.T, data []byte) {
				assert.Equal(t, uint32(555), binary.BigEndian.Uint32(data[4:8]), "Ack")
				assert.Equal(t, uint32(5), binary.BigEndian.Uint32(data[12:16]), "DataLen")
				assert.Equal(t, []byte("hello"), data[HeaderSize:], "Payload")
			},
		},
		{
			name: "future-use words stay zero",
			segment: &Segment{Header: Header{
				Seq:     1,
				Control: FlagACK,
			}},
			wantLen: HeaderSize,
			check: func(t *testing.T, data []byte) {
				for off := 16; off < 28; off += 4 {
					assert.Equal(t, uint32(0), binary.BigEndian.Uint32(data[off:off+4]), "future use word")
				}
			},
		},
		{
			name: "sack edges",
			segment: &Segment{Header: Header{
				Seq:       7,
				Ack:       3,
				Control:   FlagACK,
				LeftSACK:  2000,
				RightSACK: 2400,
			}},
			wantLen: HeaderSize,
			check: func(t *testing.T, data []byte) {
				assert.Equal(t, uint32(2000), binary.BigEndian.Uint32(data[32:36]), "LeftSACK")
				assert.Equal(t, uint32(2400), binary.BigEndian.Uint32(data[36:40]), "RightSACK")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.segment.Marshal()
			require.Len(t, data, tt.wantLen)
			assert.Equal(t, tt.segment.Checksum, binary.BigEndian.Uint32(data[28:32]), "stamped checksum")
			tt.check(t, data)
		})
	}
}

// TestSegmentRoundTrip verifies decode(encode(h)) == h for valid headers.
func TestSegmentRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		segment *Segment
	}{
		{"SYN", &Segment{Header: Header{Seq: 42, Control: FlagSYN, Window: 8192}}},
		{"SYN-ACK", &Segment{Header: Header{Seq: 9, Ack: 43, Control: FlagSYN | FlagACK, Window: 4096}}},
		{"data with sack", &Segment{
			Header:  Header{Seq: 1400, Ack: 77, Control: FlagACK, Window: 1000, LeftSACK: 2800, RightSACK: 4200},
			Payload: []byte("the quick brown fox"),
		}},
		{"FIN-ACK", &Segment{Header: Header{Seq: 5000, Ack: 6000, Control: FlagFIN | FlagACK}}},
		{"RST", &Segment{Header: Header{Control: FlagRST}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unmarshal(tt.segment.Marshal())
			require.NoError(t, err)
			assert.Equal(t, tt.segment.Header, got.Header)
			assert.Equal(t, tt.segment.Payload, got.Payload)
		})
	}
}

// TestSegmentCorruptionDetected flips every bit of a transmitted packet,
// one at a time, and requires each corruption to be caught. Flips outside
// the checksum field break the CRC; flips inside it break the comparison.
func TestSegmentCorruptionDetected(t *testing.T) {
	seg := &Segment{
		Header:  Header{Seq: 1234, Ack: 567, Control: FlagACK, Window: 2048},
		Payload: []byte("payload under test"),
	}
	wire := seg.Marshal()

	for i := 0; i < len(wire)*8; i++ {
		corrupted := append([]byte(nil), wire...)
		corrupted[i/8] ^= 1 << (i % 8)
		_, err := Unmarshal(corrupted)
		require.Error(t, err, "bit flip at offset %d went undetected", i)
		require.True(t, errors.Is(err, ErrChecksumMismatch), "bit flip at offset %d: got %v", i, err)
	}
}

// TestUnmarshalTruncated verifies short datagrams fail with
// ErrTruncatedPacket before anything else is inspected.
func TestUnmarshalTruncated(t *testing.T) {
	seg := &Segment{Header: Header{Control: FlagACK}}
	wire := seg.Marshal()
	for _, n := range []int{0, 1, HeaderSize / 2, HeaderSize - 1} {
		_, err := Unmarshal(wire[:n])
		require.True(t, errors.Is(err, ErrTruncatedPacket), "length %d: got %v", n, err)
	}
}

// TestUnmarshalRejectsUndefinedFlags verifies that flag combinations
// outside the defined set are a protocol violation even with a valid
// checksum.
func TestUnmarshalRejectsUndefinedFlags(t *testing.T) {
	tests := []struct {
		name    string
		control ControlFlags
		wantErr error
	}{
		{"no flags", 0, ErrProtocolViolation},
		{"SYN|FIN", FlagSYN | FlagFIN, ErrProtocolViolation},
		{"SYN|RST", FlagSYN | FlagRST, ErrProtocolViolation},
		{"low bits set", ControlFlags(0x0001), ErrProtocolViolation},
		{"plain ACK is fine", FlagACK, nil},
		{"RST|ACK is fine", FlagRST | FlagACK, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := &Segment{Header: Header{Seq: 1, Control: tt.control}}
			_, err := Unmarshal(seg.Marshal())
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
		})
	}
}

// TestUnmarshalDataLenMismatch verifies a header whose data length
// disagrees with the datagram size is rejected.
func TestUnmarshalDataLenMismatch(t *testing.T) {
	seg := &Segment{Header: Header{Control: FlagACK}, Payload: []byte("abcdef")}
	wire := seg.Marshal()
	// Rewrite DataLen and restamp the checksum so only the length lies.
	binary.BigEndian.PutUint32(wire[12:16], 3)
	binary.BigEndian.PutUint32(wire[28:32], 0)
	binary.BigEndian.PutUint32(wire[28:32], verifyChecksum(wire))

	_, err := Unmarshal(wire)
	require.True(t, errors.Is(err, ErrProtocolViolation), "got %v", err)
}

// TestControlFlagsString covers the human-readable flag rendering used in
// logs.
func TestControlFlagsString(t *testing.T) {
	assert.Equal(t, "SYN|ACK", (FlagSYN | FlagACK).String())
	assert.Equal(t, "FIN|ACK", (FlagFIN | FlagACK).String())
	assert.Equal(t, "RST", FlagRST.String())
	assert.Equal(t, "NONE", ControlFlags(0).String())
}

// TestSequenceComparison exercises wrap-around-safe sequence arithmetic.
func TestSequenceComparison(t *testing.T) {
	assert.True(t, seqLessThan(0xFFFFFFFE, 0x00000001))
	assert.True(t, seqGreaterThan(0x00000001, 0xFFFFFFFE))
	assert.True(t, seqLessThanOrEqual(5, 5))
	assert.False(t, seqLessThan(10, 5))
}
