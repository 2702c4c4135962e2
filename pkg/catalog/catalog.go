// Package catalog is the seam between the router and the mission's message database. The router
// resolves identifiers and symbolic commands through Catalog and never interprets payload bytes
// itself; payloads are handed to the Codec of the resolved entry.
package catalog

// Identifier is the numeric message key decoded from a packet header.
type Identifier uint32

// Fields holds decoded payload values keyed by field name.
//
// Decoded values are normalized: unsigned integers as uint64, signed integers as int64,
// floating point as float64, strings and enumeration labels as string, arrays as []any.
type Fields map[string]any

type Codec interface {
	Decode(payload []byte) (Fields, error)
	Encode(fields Fields) ([]byte, error)
}

type Catalog interface {
	// ResolveIdentifier returns the topic and payload codec for a header identifier, or an
	// *errors.UnknownIdentifier.
	ResolveIdentifier(id Identifier) (topic string, codec Codec, err error)

	// ResolveCommand returns the identifier and payload codec for a symbolic command, or an
	// *errors.UnknownCommand.
	ResolveCommand(target string, command string) (id Identifier, codec Codec, err error)
}
