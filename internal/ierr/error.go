package ierr

import (
	"encoding/json"
	"errors"
)

type ErrorCode string

const (
	ErrorCodeInvalidArgument      ErrorCode = "InvalidArgument"
	ErrorCodeNotFound             ErrorCode = "NotFound"
	ErrorCodeFailedPrecondition   ErrorCode = "FailedPrecondition"
	ErrorCodePermissionDenied     ErrorCode = "PermissionDenied"
	ErrorCodeUnauthenticated      ErrorCode = "Unauthenticated"
	ErrorCodeInternal             ErrorCode = "Internal"
	ErrorCodeMalformedChannel     ErrorCode = "MalformedChannel"
	ErrorCodeStoreUnavailable     ErrorCode = "StoreUnavailable"
	ErrorCodeTransportUnavailable ErrorCode = "TransportUnavailable"
)

type Error struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	cause error
}

func New(code ErrorCode, cause error) Error {
	return Error{
		Code:    code,
		Message: cause.Error(),
		cause:   cause,
	}
}

func (e Error) Error() string {
	return string(e.Code) + ": " + e.cause.Error()
}

func (e Error) Unwrap() error {
	return e.cause
}

// HasCode reports whether err, or any error it wraps, is an Error with the given code.
func HasCode(err error, code ErrorCode) bool {
	var coded Error
	if errors.As(err, &coded) {
		return coded.Code == code
	}

	return false
}

func IsStoreUnavailable(err error) bool {
	return HasCode(err, ErrorCodeStoreUnavailable)
}

func IsTransportUnavailable(err error) bool {
	return HasCode(err, ErrorCodeTransportUnavailable)
}
