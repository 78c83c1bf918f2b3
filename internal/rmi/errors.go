package rmi

import (
	"errors"
	"fmt"

	"github.com/danmuck/buildrmi/internal/exc"
	"github.com/danmuck/buildrmi/internal/protocol/schema"
)

var (
	ErrConnectionClosed     = errors.New("rmi: connection closed")
	ErrInvalidConfiguration = errors.New("rmi: invalid configuration")
	ErrRegistryFrozen       = errors.New("rmi: registry is frozen")
	ErrDuplicateName        = errors.New("rmi: duplicate registered name")
	ErrUnknownMethod        = errors.New("rmi: unknown method")
	ErrUnknownVariable      = errors.New("rmi: unknown context variable")
)

// TransferFailure reports that a value could not be written under its
// write handler. It is raised locally before any bytes are sent.
type TransferFailure struct {
	Type   string
	Reason string
	trace  []exc.Frame
}

func newTransferFailure(typeName, format string, args ...any) *TransferFailure {
	return &TransferFailure{Type: typeName, Reason: fmt.Sprintf(format, args...), trace: exc.Callers(1)}
}

func (e *TransferFailure) Error() string {
	return fmt.Sprintf("rmi: cannot transfer %s: %s", e.Type, e.Reason)
}

func (e *TransferFailure) StackTrace() []exc.Frame { return e.trace }

// ProtocolFailure is any failure at or below call correlation: I/O errors,
// a closed connection, a type the peer cannot resolve, or a call the peer
// could not dispatch. Only I/O failures and Close end the connection.
type ProtocolFailure struct {
	Message string
	Code    uint32
	Err     error
	trace   []exc.Frame
}

func newProtocolFailure(msg string, cause error) *ProtocolFailure {
	return &ProtocolFailure{Message: msg, Err: cause, trace: exc.Callers(1)}
}

func (e *ProtocolFailure) Error() string {
	if e.Err != nil {
		return "rmi: " + e.Message + ": " + e.Err.Error()
	}
	return "rmi: " + e.Message
}

func (e *ProtocolFailure) Unwrap() error { return e.Err }

func (e *ProtocolFailure) StackTrace() []exc.Frame { return e.trace }

// IsInaccessibleType reports whether the failure came from an unresolvable type name.
func (e *ProtocolFailure) IsInaccessibleType() bool {
	return e.Code == schema.CodeInaccessibleType
}

// closedFailure is the failure every call outstanding on a closed connection observes.
func closedFailure() *ProtocolFailure {
	return newProtocolFailure("connection closed", ErrConnectionClosed)
}

// CallForbiddenError is returned for methods whose policy forbids remote calls.
type CallForbiddenError struct {
	Interface string
	Method    string
	trace     []exc.Frame
}

func (e *CallForbiddenError) Error() string {
	return fmt.Sprintf("rmi: call forbidden: %s.%s", e.Interface, e.Method)
}

func (e *CallForbiddenError) StackTrace() []exc.Frame { return e.trace }

// panicError carries a recovered panic from an inbound call back to the caller.
type panicError struct {
	value any
	trace []exc.Frame
}

func (e *panicError) Error() string {
	return fmt.Sprintf("rmi: remote method panicked: %v", e.value)
}

func (e *panicError) StackTrace() []exc.Frame { return e.trace }
