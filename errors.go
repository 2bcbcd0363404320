package rpcconn

import (
	"errors"
	"fmt"
)

// RetCode is the single error taxonomy used across the connection core.
// The zero value, Ok, never appears on a constructed Fault.
type RetCode int

const (
	Ok RetCode = iota
	ProtocolViolation
	InvalidChannelState
	InvalidCredentials
	ChannelClosed
	ChannelClosedByOtherSide
	ConnectionShutdown
	ConnectionAbortedByPeer
	ConnectionTimeout
	LoginTimeout
	LogoutTimeout
	SecurityError
	SerializationError
	DeserializationError
	UnexpectedMessage
	OperationCanceled
	RequestFault
	RequestCrash
	MessageHandlerCrash
	EventHandlerCrash
	InitHandlerCrash
	StreamCompleted
	HostNotFound
	HostUnreachable
	ConnectionRefused
	OtherConnectionError
	OtherError
	UnknownError
)

var retCodeNames = map[RetCode]string{
	Ok:                       "Ok",
	ProtocolViolation:        "ProtocolViolation",
	InvalidChannelState:      "InvalidChannelState",
	InvalidCredentials:       "InvalidCredentials",
	ChannelClosed:            "ChannelClosed",
	ChannelClosedByOtherSide: "ChannelClosedByOtherSide",
	ConnectionShutdown:       "ConnectionShutdown",
	ConnectionAbortedByPeer:  "ConnectionAbortedByPeer",
	ConnectionTimeout:        "ConnectionTimeout",
	LoginTimeout:             "LoginTimeout",
	LogoutTimeout:            "LogoutTimeout",
	SecurityError:            "SecurityError",
	SerializationError:       "SerializationError",
	DeserializationError:     "DeserializationError",
	UnexpectedMessage:        "UnexpectedMessage",
	OperationCanceled:        "OperationCanceled",
	RequestFault:             "RequestFault",
	RequestCrash:             "RequestCrash",
	MessageHandlerCrash:      "MessageHandlerCrash",
	EventHandlerCrash:        "EventHandlerCrash",
	InitHandlerCrash:         "InitHandlerCrash",
	StreamCompleted:          "StreamCompleted",
	HostNotFound:             "HostNotFound",
	HostUnreachable:          "HostUnreachable",
	ConnectionRefused:        "ConnectionRefused",
	OtherConnectionError:     "OtherConnectionError",
	OtherError:               "OtherError",
	UnknownError:             "UnknownError",
}

func (c RetCode) String() string {
	if s, ok := retCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("RetCode(%d)", int(c))
}

// Fault is the concrete error type carried by RetCode-tagged failures.
// It satisfies the standard error interface and unwraps to the
// underlying cause, if any, so callers can still errors.Is/As through
// to transport-level errors.
type Fault struct {
	Code    RetCode
	Message string
	Payload any
	cause   error
}

func (f *Fault) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
	if f.cause != nil {
		return fmt.Sprintf("%s: %s", f.Code, f.cause)
	}
	return f.Code.String()
}

func (f *Fault) Unwrap() error { return f.cause }

// NewFault builds a Fault from a code and an optional wrapped cause.
func NewFault(code RetCode, cause error) *Fault {
	f := &Fault{Code: code, cause: cause}
	if cause != nil {
		f.Message = cause.Error()
	}
	return f
}

// NewFaultf builds a Fault with a formatted message and no wrapped cause.
func NewFaultf(code RetCode, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the RetCode from err if it is (or wraps) a *Fault.
// A nil err yields Ok; any other error yields UnknownError.
func CodeOf(err error) RetCode {
	if err == nil {
		return Ok
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return UnknownError
}

// IsFault reports whether err carries the given RetCode.
func IsFault(err error, code RetCode) bool {
	return CodeOf(err) == code
}
