package modbus

import (
	"errors"
	"fmt"

	gridx "github.com/grid-x/modbus"
)

// ErrLinkClosed is the cause of the TransportError returned by calls on a link that has been released by every user.
var ErrLinkClosed = errors.New("link closed")

// TransportError is returned when a call on a link fails: the link could not be opened, the call timed out, the
// response was malformed or the device replied with an exception to a read.
type TransportError struct {
	LinkID LinkID
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.LinkID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// WriteRejectedError is returned when the device replies to a write with a Modbus exception.
type WriteRejectedError struct {
	LinkID        LinkID
	Address       uint16
	FunctionCode  byte
	ExceptionCode byte
	Err           error
}

func (e *WriteRejectedError) Error() string {
	return fmt.Sprintf("write register %d on %s rejected: %v", e.Address, e.LinkID, e.Err)
}

func (e *WriteRejectedError) Unwrap() error {
	return e.Err
}

// NewExceptionError returns the error a Conn reports when the device answers with a Modbus exception.
func NewExceptionError(functionCode, exceptionCode byte) error {
	return &gridx.Error{FunctionCode: functionCode, ExceptionCode: exceptionCode}
}

// IsExceptionResponse returns true if the error was caused by the device answering with a Modbus exception, in which
// case the link itself is healthy.
func IsExceptionResponse(err error) bool {
	_, ok := asException(err)
	return ok
}

func asException(err error) (*gridx.Error, bool) {
	var exception *gridx.Error
	if errors.As(err, &exception) {
		return exception, true
	}
	return nil, false
}
