package gpsd

import (
	"errors"
	"fmt"
)

var (
	ErrConnection       = errors.New("gpsd: connection failed")
	ErrConnectionClosed = errors.New("gpsd: connection closed")
	ErrNotConnected     = errors.New("gpsd: not connected")
	ErrAlreadyConnected = errors.New("gpsd: already connected")
	ErrMalformedObject  = errors.New("gpsd: malformed object")
	ErrLineTooLong      = errors.New("gpsd: line too long")
	ErrCommandTimeout   = errors.New("gpsd: command timed out")
	ErrCommandRejected  = errors.New("gpsd: command rejected")
)

// ConnectionError reports a transport that could not be established.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("gpsd: connect %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// DecodeError reports one line that could not be turned into an object.
// The session keeps reading after one of these.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("gpsd: decode %q: %v", truncate(e.Line, 96), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// CommandRejectedError carries the daemon's ERROR reply to a command.
type CommandRejectedError struct {
	Command string
	Message string
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("gpsd: command %q rejected: %s", e.Command, e.Message)
}

func (e *CommandRejectedError) Unwrap() error { return ErrCommandRejected }

// ListenerPanicError wraps a value recovered from a listener callback.
type ListenerPanicError struct {
	Handle Handle
	Value  any
}

func (e *ListenerPanicError) Error() string {
	return fmt.Sprintf("gpsd: listener %d panicked: %v", e.Handle, e.Value)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedObject, fmt.Sprintf(format, args...))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
