package relay

import (
	"fmt"
)

// ErrorType classifies relay errors. Each type has a stable wire code.
type ErrorType int

const (
	ErrorTypeInvalidArguments ErrorType = iota
	ErrorTypeInitializationFailed
	ErrorTypeNotInitialized
	ErrorTypeMissingRequestID
	ErrorTypeDuplicateRequestID
	ErrorTypeSendFailed
	ErrorTypeWorker
	ErrorTypeTimeout
	ErrorTypeWorkerTerminated
	ErrorTypeDisposed
	ErrorTypeCanceled
)

// Code returns the error code reported to callers
func (t ErrorType) Code() string {
	switch t {
	case ErrorTypeInvalidArguments:
		return "INVALID_ARGUMENTS"
	case ErrorTypeInitializationFailed:
		return "INITIALIZATION_FAILED"
	case ErrorTypeNotInitialized:
		return "NOT_INITIALIZED"
	case ErrorTypeMissingRequestID:
		return "MISSING_REQUEST_ID"
	case ErrorTypeDuplicateRequestID:
		return "DUPLICATE_REQUEST_ID"
	case ErrorTypeSendFailed:
		return "SEND_FAILED"
	case ErrorTypeWorker:
		return "MCP_ERROR"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeWorkerTerminated:
		return "WORKER_TERMINATED"
	case ErrorTypeDisposed:
		return "DISPOSED"
	case ErrorTypeCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

func (t ErrorType) String() string {
	return t.Code()
}

// Error is returned by every relay operation. Details carries the worker's
// error object for MCP_ERROR.
type Error struct {
	Type    ErrorType
	Message string
	Details any
	Err     error
}

// Sentinels for errors.Is; they match any *Error of the same type
var (
	ErrInvalidArguments     = &Error{Type: ErrorTypeInvalidArguments}
	ErrInitializationFailed = &Error{Type: ErrorTypeInitializationFailed}
	ErrNotInitialized       = &Error{Type: ErrorTypeNotInitialized}
	ErrMissingRequestID     = &Error{Type: ErrorTypeMissingRequestID}
	ErrDuplicateRequestID   = &Error{Type: ErrorTypeDuplicateRequestID}
	ErrSendFailed           = &Error{Type: ErrorTypeSendFailed}
	ErrWorker               = &Error{Type: ErrorTypeWorker}
	ErrTimeout              = &Error{Type: ErrorTypeTimeout}
	ErrWorkerTerminated     = &Error{Type: ErrorTypeWorkerTerminated}
	ErrDisposed             = &Error{Type: ErrorTypeDisposed}
	ErrCanceled             = &Error{Type: ErrorTypeCanceled}
)

func newError(t ErrorType, message string, err error) *Error {
	return &Error{Type: t, Message: message, Err: err}
}

// Code returns the error code reported to callers
func (e *Error) Code() string {
	return e.Type.Code()
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Type.Code()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type.Code(), msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type.Code(), msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error of the same type
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == e.Type
}
