package packet

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Layout describes the mission-defined width (in bytes) of each header field. Every datagram is
// laid out as header, payload, then an optional 4 byte CRC-32C trailer over header and payload.
type Layout struct {
	ByteOrder binary.ByteOrder

	IdentifierSize int
	LengthSize     int
	SequenceSize   int
	SecondsSize    int
	SubsecondsSize int

	Checksum bool
}

const ChecksumSize = 4

// DefaultLayout is a 12 byte big-endian header: identifier(2) length(2) sequence(2)
// seconds(4) subseconds(2).
var DefaultLayout = Layout{
	ByteOrder:      binary.BigEndian,
	IdentifierSize: 2,
	LengthSize:     2,
	SequenceSize:   2,
	SecondsSize:    4,
	SubsecondsSize: 2,
	Checksum:       true,
}

func validWidth(n int) bool {
	return n == 1 || n == 2 || n == 4
}

func (l Layout) Validate() error {
	if l.ByteOrder == nil {
		return fmt.Errorf("packet layout needs a byte order")
	}
	widths := map[string]int{
		"identifier": l.IdentifierSize,
		"length":     l.LengthSize,
		"sequence":   l.SequenceSize,
		"seconds":    l.SecondsSize,
		"subseconds": l.SubsecondsSize,
	}
	for name, w := range widths {
		if !validWidth(w) {
			return fmt.Errorf("packet layout: %s width must be 1, 2 or 4 bytes, got %d", name, w)
		}
	}
	return nil
}

// HeaderSize returns the fixed header size in bytes.
func (l Layout) HeaderSize() int {
	return l.IdentifierSize + l.LengthSize + l.SequenceSize + l.SecondsSize + l.SubsecondsSize
}

// TrailerSize returns the number of bytes following the payload.
func (l Layout) TrailerSize() int {
	if l.Checksum {
		return ChecksumSize
	}
	return 0
}

// MinimumSize is the size of a datagram with an empty payload.
func (l Layout) MinimumSize() int {
	return l.HeaderSize() + l.TrailerSize()
}

// MaxLength is the largest value the length field can declare.
func (l Layout) MaxLength() int {
	return int(maxForWidth(l.LengthSize))
}

func maxForWidth(width int) uint64 {
	return (uint64(1) << (uint(width) * 8)) - 1
}

func (l Layout) get(buf []byte, width int) uint32 {
	switch width {
	case 1:
		return uint32(buf[0])
	case 2:
		return uint32(l.ByteOrder.Uint16(buf))
	}
	return l.ByteOrder.Uint32(buf)
}

func (l Layout) put(out []byte, width int, v uint32) []byte {
	switch width {
	case 1:
		return append(out, uint8(v))
	case 2:
		return l.ByteOrder.(binary.AppendByteOrder).AppendUint16(out, uint16(v))
	}
	return l.ByteOrder.(binary.AppendByteOrder).AppendUint32(out, v)
}

// Timestamp splits t into the seconds and subseconds header fields. Subseconds are a binary
// fraction of a second scaled to the subseconds field width.
func (l Layout) Timestamp(t time.Time) (seconds uint32, subseconds uint32) {
	seconds = uint32(uint64(t.Unix()) & maxForWidth(l.SecondsSize))
	scale := maxForWidth(l.SubsecondsSize) + 1
	subseconds = uint32(uint64(t.Nanosecond()) * scale / uint64(time.Second))
	return seconds, subseconds
}
