package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type AppError struct {
	Code    Code   `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func AlreadyExists(msg string) error {
	return New(CodeAlreadyExists, msg)
}

func Unauthorized(msg string) error {
	return New(CodeUnauthenticated, msg)
}

func Internal(msg string) error {
	return New(CodeInternal, msg)
}

// PermissionDenied carries a machine-readable reason alongside the message.
func PermissionDenied(reason, msg string) error {
	return &AppError{Code: CodePermissionDenied, Reason: reason, Message: msg}
}

// TransientIO marks a failure the read path may retry or fall back on.
func TransientIO(msg string, cause error) error {
	return &AppError{Code: CodeTransientIO, Message: msg, Cause: cause}
}

// CallFailed marks a terminal failure of one call attempt.
func CallFailed(code Code, reason, msg string) error {
	return &AppError{Code: code, Reason: reason, Message: msg}
}

// As unwraps err into an *AppError if it is one.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// ReasonOf returns the permission/call reason attached to err, if any.
func ReasonOf(err error) string {
	if ae, ok := As(err); ok {
		return ae.Reason
	}
	return ""
}

// HTTPStatus maps an error's code to the response status for handlers.
func HTTPStatus(err error) int {
	ae, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ae.Code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
