package errors

import "fmt"

// MalformedHeader is returned when a datagram is too short to hold a header and checksum, or
// when the declared length does not match the number of bytes received.
type MalformedHeader struct {
	MsgSize        int
	MinimumSize    int
	DeclaredLength int
}

func (e *MalformedHeader) Error() string {
	if e.DeclaredLength > 0 {
		return fmt.Sprintf("Malformed packet header: declared length %d, received %d bytes", e.DeclaredLength, e.MsgSize)
	}
	return fmt.Sprintf("Malformed packet header: provided %d bytes, needed at least %d", e.MsgSize, e.MinimumSize)
}

type UnknownIdentifier struct {
	Identifier uint64
}

func (e *UnknownIdentifier) Error() string {
	return fmt.Sprintf("No catalog entry for identifier 0x%04X", e.Identifier)
}

type PayloadDecodeError struct {
	Topic string
	Err   error
}

func (e *PayloadDecodeError) Error() string {
	return fmt.Sprintf("Failed to decode payload for topic %s: %v", e.Topic, e.Err)
}

func (e *PayloadDecodeError) Unwrap() error {
	return e.Err
}

type UnknownCommand struct {
	Target  string
	Command string
}

func (e *UnknownCommand) Error() string {
	return fmt.Sprintf("No catalog entry for command %s on target %s", e.Command, e.Target)
}

// InvalidField covers a missing required field, a value of the wrong type, an out of range
// value, and an enumeration label outside the declared set.
type InvalidField struct {
	MessageName string
	FieldName   string
	Reason      string
}

func (e *InvalidField) Error() string {
	return fmt.Sprintf("Invalid field %s in message %s: %s", e.FieldName, e.MessageName, e.Reason)
}

type EndpointIOError struct {
	Endpoint string
	Port     int
	Err      error
}

func (e *EndpointIOError) Error() string {
	return fmt.Sprintf("I/O failure on endpoint %s (port=%d): %v", e.Endpoint, e.Port, e.Err)
}

func (e *EndpointIOError) Unwrap() error {
	return e.Err
}

type ObserverFailure struct {
	Topic    string
	Observer string
	Err      error
}

func (e *ObserverFailure) Error() string {
	return fmt.Sprintf("Observer %s failed on topic %s: %v", e.Observer, e.Topic, e.Err)
}

func (e *ObserverFailure) Unwrap() error {
	return e.Err
}

type UnknownEndpoint struct {
	Handle string
}

func (e *UnknownEndpoint) Error() string {
	return fmt.Sprintf("No endpoint registered with handle %s", e.Handle)
}

type RouterNotRunning struct {
	Operation string
}

func (e *RouterNotRunning) Error() string {
	return fmt.Sprintf("Router is not running, cannot %s", e.Operation)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}
