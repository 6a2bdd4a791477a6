package sbus

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below unwrap to these so callers can use
// errors.Is without caring about the detail struct.
var (
	ErrCRC             = errors.New("sbus: crc mismatch")
	ErrFormat          = errors.New("sbus: malformed frame")
	ErrTimeout         = errors.New("sbus: request timed out")
	ErrTransport       = errors.New("sbus: transport failure")
	ErrInvalidArgument = errors.New("sbus: invalid argument")
	ErrBusy            = errors.New("sbus: request already pending")
	ErrClosed          = errors.New("sbus: session closed")
)

// CRCError reports an integrity failure on a received frame. The frame is
// discarded; the payload is never applied.
type CRCError struct {
	Want uint16
	Got  uint16
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("sbus: crc mismatch: computed %04X, frame carries %04X", e.Want, e.Got)
}

func (e *CRCError) Unwrap() error { return ErrCRC }

// FormatError reports a frame whose structure is inconsistent with the
// protocol (bad length, unknown attribute, broken escape sequence).
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "sbus: malformed frame: " + e.Reason
}

func (e *FormatError) Unwrap() error { return ErrFormat }

// TransportError wraps an I/O or connection failure from the channel layer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sbus: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) match any TransportError.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// DeviceInfoError aggregates a failed device identification read. A partial
// snapshot is never returned.
type DeviceInfoError struct {
	Register uint16
	Err      error
}

func (e *DeviceInfoError) Error() string {
	return fmt.Sprintf("sbus: device identification failed reading R%d: %v", e.Register, e.Err)
}

func (e *DeviceInfoError) Unwrap() error { return e.Err }
