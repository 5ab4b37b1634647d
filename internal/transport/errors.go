package transport

import (
	"errors"
	"fmt"
)

// ErrSessionTimeout is returned when a delivery exceeded its session deadline
// and had to be forcibly terminated.
var ErrSessionTimeout = errors.New("transport session deadline exceeded")

// ErrDeviceClosed is reported when the device side of the link went away
// while a line was awaited.
var ErrDeviceClosed = errors.New("device connection closed")

// TransportError is a connection-level fault: the port could not be opened,
// written or read.
type TransportError struct {
	Op   string // "lock", "open", "handshake", "write" or "read".
	Port string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
