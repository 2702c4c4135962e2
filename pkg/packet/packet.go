// Package packet parses and builds the fixed-size binary header shared by every command and
// telemetry datagram, and delegates payload bytes to the message catalog.
package packet

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/groundsys/cmdtlm-router/pkg/catalog"
	"github.com/groundsys/cmdtlm-router/pkg/errors"
)

type Header struct {
	Identifier catalog.Identifier
	Length     uint32
	Sequence   uint32
	Seconds    uint32
	Subseconds uint32
}

// HeaderFields are the caller-supplied header values; identifier and length are filled by Encode.
type HeaderFields struct {
	Sequence   uint32
	Seconds    uint32
	Subseconds uint32
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type Codec struct {
	layout  Layout
	catalog catalog.Catalog
}

func NewCodec(layout Layout, cat catalog.Catalog) (*Codec, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if cat == nil {
		return nil, fmt.Errorf("packet codec needs a message catalog")
	}
	return &Codec{layout: layout, catalog: cat}, nil
}

func (c *Codec) Layout() Layout {
	return c.layout
}

func (c *Codec) Catalog() catalog.Catalog {
	return c.catalog
}

// ParseHeader decodes the header of a complete datagram. It fails with *errors.MalformedHeader
// if the buffer cannot hold a header and trailer, or the declared length is not len(buf).
func (c *Codec) ParseHeader(buf []byte) (Header, error) {
	l := c.layout
	if len(buf) < l.MinimumSize() {
		return Header{}, &errors.MalformedHeader{
			MsgSize:     len(buf),
			MinimumSize: l.MinimumSize(),
		}
	}

	var h Header
	readPtr := 0
	h.Identifier = catalog.Identifier(l.get(buf[readPtr:], l.IdentifierSize))
	readPtr += l.IdentifierSize
	h.Length = l.get(buf[readPtr:], l.LengthSize)
	readPtr += l.LengthSize
	h.Sequence = l.get(buf[readPtr:], l.SequenceSize)
	readPtr += l.SequenceSize
	h.Seconds = l.get(buf[readPtr:], l.SecondsSize)
	readPtr += l.SecondsSize
	h.Subseconds = l.get(buf[readPtr:], l.SubsecondsSize)

	if int(h.Length) != len(buf) {
		return Header{}, &errors.MalformedHeader{
			MsgSize:        len(buf),
			MinimumSize:    l.MinimumSize(),
			DeclaredLength: int(h.Length),
		}
	}

	return h, nil
}

// DecodeHeader is ParseHeader without the error detail.
func (c *Codec) DecodeHeader(buf []byte) (Header, bool) {
	h, err := c.ParseHeader(buf)
	return h, err == nil
}

// Payload returns the payload bytes of a datagram whose header already parsed.
func (c *Codec) Payload(datagram []byte) []byte {
	return datagram[c.layout.HeaderSize() : len(datagram)-c.layout.TrailerSize()]
}

// DecodePayload resolves the codec for id and decodes the payload section of datagram.
func (c *Codec) DecodePayload(id catalog.Identifier, datagram []byte) (catalog.Fields, error) {
	topic, codec, err := c.catalog.ResolveIdentifier(id)
	if err != nil {
		return nil, err
	}
	if len(datagram) < c.layout.MinimumSize() {
		return nil, &errors.PayloadDecodeError{
			Topic: topic,
			Err:   &errors.MalformedHeader{MsgSize: len(datagram), MinimumSize: c.layout.MinimumSize()},
		}
	}

	fields, err := codec.Decode(c.Payload(datagram))
	if err != nil {
		return nil, &errors.PayloadDecodeError{Topic: topic, Err: err}
	}
	return fields, nil
}

// Encode serializes the header, delegates the payload to the catalog codec for id, and appends
// the CRC-32C trailer.
func (c *Codec) Encode(id catalog.Identifier, hdr HeaderFields, fields catalog.Fields) ([]byte, error) {
	_, codec, err := c.catalog.ResolveIdentifier(id)
	if err != nil {
		return nil, err
	}
	payload, err := codec.Encode(fields)
	if err != nil {
		return nil, err
	}
	return c.Frame(id, hdr, payload)
}

// Frame wraps an already encoded payload in a header and trailer.
func (c *Codec) Frame(id catalog.Identifier, hdr HeaderFields, payload []byte) ([]byte, error) {
	l := c.layout
	total := l.HeaderSize() + len(payload) + l.TrailerSize()
	if total > l.MaxLength() {
		return nil, &errors.InvalidField{
			MessageName: "Header",
			FieldName:   "Length",
			Reason:      fmt.Sprintf("datagram of %d bytes exceeds the %d byte length field", total, l.LengthSize),
		}
	}
	if uint64(id) > maxForWidth(l.IdentifierSize) {
		return nil, &errors.InvalidField{
			MessageName: "Header",
			FieldName:   "Identifier",
			Reason:      fmt.Sprintf("0x%X does not fit in %d bytes", id, l.IdentifierSize),
		}
	}

	out := make([]byte, 0, total)
	out = l.put(out, l.IdentifierSize, uint32(id))
	out = l.put(out, l.LengthSize, uint32(total))
	out = l.put(out, l.SequenceSize, uint32(uint64(hdr.Sequence)&maxForWidth(l.SequenceSize)))
	out = l.put(out, l.SecondsSize, uint32(uint64(hdr.Seconds)&maxForWidth(l.SecondsSize)))
	out = l.put(out, l.SubsecondsSize, uint32(uint64(hdr.Subseconds)&maxForWidth(l.SubsecondsSize)))
	out = append(out, payload...)

	if l.Checksum {
		out = l.ByteOrder.(binary.AppendByteOrder).AppendUint32(out, crc32.Checksum(out, castagnoli))
	}
	return out, nil
}

// Checksum computes the CRC-32C of everything but the trailer.
func (c *Codec) Checksum(datagram []byte) uint32 {
	end := len(datagram) - c.layout.TrailerSize()
	if end < 0 {
		end = 0
	}
	return crc32.Checksum(datagram[:end], castagnoli)
}

// VerifyChecksum reports whether the trailer matches. The receive path does not call it;
// consumers that want integrity checking can.
func (c *Codec) VerifyChecksum(datagram []byte) bool {
	if !c.layout.Checksum {
		return true
	}
	if len(datagram) < c.layout.MinimumSize() {
		return false
	}
	trailer := datagram[len(datagram)-ChecksumSize:]
	return c.layout.ByteOrder.Uint32(trailer) == c.Checksum(datagram)
}
