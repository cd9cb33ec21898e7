package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

// Error is returned for failures detected before the stream starts.
// Reason is a stable snake_case tag; Detail is safe to show to clients.
type Error struct {
	Code   ErrorCode
	Reason string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s): %s", e.Code, e.Reason, e.Detail)
	}
	return fmt.Sprintf("usecase: %s (%s): %s: %v", e.Code, e.Reason, e.Detail, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason, detail string, err error) *Error {
	return &Error{Code: code, Reason: reason, Detail: detail, Err: err}
}
