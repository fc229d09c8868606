package usecase

import (
	"errors"
	"fmt"
	"net/http"

	"chat-session/internal/integrations/chatapi"
)

type ErrorCode string

const (
	ErrorInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrorNotFound       ErrorCode = "NOT_FOUND"
	ErrorRemoteRejected ErrorCode = "REMOTE_REJECTED"
	ErrorConflict       ErrorCode = "CONFLICT"
	ErrorRateLimited    ErrorCode = "RATE_LIMITED"
	ErrorUpstream       ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal       ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// NewError builds an Error for callers outside this package.
func NewError(code ErrorCode, reason string, err error) *Error {
	return newError(code, reason, err)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// RemoteFailure classifies an error returned by the conversation service.
// reason is prefixed to the classification, e.g. "delete_message".
func RemoteFailure(reason string, err error) *Error {
	var usecaseErr *Error
	if errors.As(err, &usecaseErr) {
		return usecaseErr
	}
	var remoteErr *chatapi.RemoteError
	if errors.As(err, &remoteErr) {
		return newError(ErrorRemoteRejected, reason+"_rejected", err)
	}
	if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
		return newError(ErrorRateLimited, reason+"_rate_limited", err)
	}
	return newError(ErrorUpstream, reason+"_error", err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
