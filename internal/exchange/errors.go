package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent marks a payload that could not be decoded into an event
	ErrMalformedEvent = errors.New("malformed event")

	// ErrProtocolAnomaly marks a well-formed event that violates the feed protocol
	ErrProtocolAnomaly = errors.New("protocol anomaly")

	// ErrUnresolvableReference marks an order event for an order never received
	ErrUnresolvableReference = errors.New("unresolvable order reference")

	// ErrTransportFailure marks a dropped or failed connection
	ErrTransportFailure = errors.New("transport failure")

	// ErrReconnectExhausted is terminal: the reconnect budget is spent
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// MalformedEventError describes which field of which message failed to decode
type MalformedEventError struct {
	Type  string
	Field string
	Err   error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s event: field %q: %v", e.Type, e.Field, e.Err)
	}
	return fmt.Sprintf("malformed %s event: field %q", e.Type, e.Field)
}

func (e *MalformedEventError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedEvent, e.Err}
	}
	return []error{ErrMalformedEvent}
}
