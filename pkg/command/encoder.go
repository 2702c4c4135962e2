package command

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/groundsys/cmdtlm-router/pkg/catalog"
	"github.com/groundsys/cmdtlm-router/pkg/packet"
)

// Request is a symbolic command built by a caller.
type Request struct {
	Target  string
	Command string
	Fields  catalog.Fields
}

// Datagram is an encoded command and where it is going.
type Datagram struct {
	Destination net.Addr
	Identifier  catalog.Identifier
	Bytes       []byte
}

// Sequence counts wrap at 14 bits, leaving the top two bits of a 16 bit field clear.
const sequenceMask = 0x3FFF

// Encoder resolves requests through the catalog and frames them with a per-identifier sequence
// count and the current time.
type Encoder struct {
	codec *packet.Codec
	now   func() time.Time

	mut_sequences sync.Mutex
	sequences     map[catalog.Identifier]*atomic.Uint32
}

func CreateEncoder(codec *packet.Codec, now func() time.Time) *Encoder {
	if now == nil {
		now = time.Now
	}
	return &Encoder{
		codec:     codec,
		now:       now,
		sequences: make(map[catalog.Identifier]*atomic.Uint32),
	}
}

func (e *Encoder) nextSequence(id catalog.Identifier) uint32 {
	e.mut_sequences.Lock()
	counter, has := e.sequences[id]
	if !has {
		counter = &atomic.Uint32{}
		e.sequences[id] = counter
	}
	e.mut_sequences.Unlock()

	return (counter.Add(1) - 1) & sequenceMask
}

// Build encodes req. Errors are *errors.UnknownCommand, *errors.InvalidField, or whatever the
// catalog codec reports; nothing is sent.
func (e *Encoder) Build(req Request) (*Datagram, error) {
	id, codec, err := e.codec.Catalog().ResolveCommand(req.Target, req.Command)
	if err != nil {
		return nil, err
	}

	payload, err := codec.Encode(req.Fields)
	if err != nil {
		return nil, err
	}

	seconds, subseconds := e.codec.Layout().Timestamp(e.now())
	raw, err := e.codec.Frame(id, packet.HeaderFields{
		Sequence:   e.nextSequence(id),
		Seconds:    seconds,
		Subseconds: subseconds,
	}, payload)
	if err != nil {
		return nil, err
	}

	return &Datagram{Identifier: id, Bytes: raw}, nil
}
