package core

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrDuplicateIdentity  = errors.New("duplicate session identity")
	ErrConnectionRejected = errors.New("connection rejected")
	ErrUnknownCommand     = errors.New("unknown command")
	ErrHandlerFailure     = errors.New("handler failure")
	ErrTransportFault     = errors.New("transport fault")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrSessionNotActive   = errors.New("session is not active")
	ErrSessionClosed      = errors.New("session is closed")
	ErrServerNotSetup     = errors.New("server is not set up")
	ErrServerRunning      = errors.New("server is already running")
	ErrDispatcherFrozen   = errors.New("dispatcher is frozen")
	ErrFilterChainFrozen  = errors.New("connection filter chain is frozen")
)

// RejectedError reports which filter turned a connection away. Err is set
// when the filter failed instead of answering; failures count as rejections.
type RejectedError struct {
	Filter string
	Addr   net.Addr
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection from %s rejected by filter %s: %v", e.Addr, e.Filter, e.Err)
	}
	return fmt.Sprintf("connection from %s rejected by filter %s", e.Addr, e.Filter)
}

func (e *RejectedError) Unwrap() error { return e.Err }

func (e *RejectedError) Is(target error) bool { return target == ErrConnectionRejected }

// UnknownCommandError is returned by Dispatcher.Execute when no handler is
// registered for the request key.
type UnknownCommandError struct {
	SessionID string
	Key       string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q on session %s", e.Key, e.SessionID)
}

func (e *UnknownCommandError) Is(target error) bool { return target == ErrUnknownCommand }

// HandlerError wraps a failure raised by application handling logic,
// including recovered panics.
type HandlerError struct {
	SessionID string
	Key       string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q failed on session %s: %v", e.Key, e.SessionID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func (e *HandlerError) Is(target error) bool { return target == ErrHandlerFailure }

// TransportError is an unrecoverable channel failure of one session.
type TransportError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed on session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransportFault }
