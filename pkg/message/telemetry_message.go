package message

import (
	"sync"
	"time"

	"github.com/groundsys/cmdtlm-router/pkg/catalog"
	"github.com/groundsys/cmdtlm-router/pkg/packet"
)

// TelemetryMessage is created once per received datagram and handed to every observer of its
// topic. The raw bytes are owned by the message and must not be modified by observers.
type TelemetryMessage struct {
	Topic    string
	Header   packet.Header
	RecvTime time.Time

	raw   []byte
	codec *packet.Codec

	decodeOnce sync.Once
	payload    catalog.Fields
	decodeErr  error
}

// NewTelemetryMessage copies datagram so the caller may reuse its receive buffer.
func NewTelemetryMessage(topic string, header packet.Header, datagram []byte, codec *packet.Codec) *TelemetryMessage {
	raw := make([]byte, len(datagram))
	copy(raw, datagram)

	return &TelemetryMessage{
		Topic:    topic,
		Header:   header,
		RecvTime: time.Now(),
		raw:      raw,
		codec:    codec,
	}
}

func (m *TelemetryMessage) Raw() []byte {
	return m.raw
}

// Payload decodes the payload on first access. A decode failure is returned on every call and
// is also available from DecodeErr.
func (m *TelemetryMessage) Payload() (catalog.Fields, error) {
	m.decodeOnce.Do(func() {
		m.payload, m.decodeErr = m.codec.DecodePayload(m.Header.Identifier, m.raw)
	})
	return m.payload, m.decodeErr
}

// DecodeErr returns the payload decode failure marker, decoding first if needed.
func (m *TelemetryMessage) DecodeErr() error {
	_, err := m.Payload()
	return err
}

// Field is a shortcut for a single decoded payload value.
func (m *TelemetryMessage) Field(name string) (any, bool) {
	fields, err := m.Payload()
	if err != nil {
		return nil, false
	}
	v, has := fields[name]
	return v, has
}
