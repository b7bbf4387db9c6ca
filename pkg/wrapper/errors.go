package wrapper

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for errors.Is checks. Every *Error unwraps to exactly one.
var (
	// ErrNotReady means the worker is not reachable or not ready yet.
	ErrNotReady = errors.New("worker not ready")
	// ErrNoJob means the operation needs an active job and there is none.
	ErrNoJob = errors.New("no active job")
	// ErrJobConflict means a job is already active.
	ErrJobConflict = errors.New("job already active")
	// ErrRequestFailed is a transport-level failure talking to the worker.
	ErrRequestFailed = errors.New("worker request failed")
	// ErrParse means the worker sent a body that is not valid JSON.
	ErrParse = errors.New("malformed worker response")
	// ErrWorker is any other error reported by the worker.
	ErrWorker = errors.New("worker error")
)

// ErrorCode is the closed set of failure kinds.
type ErrorCode string

const (
	CodeNotReady      ErrorCode = "NOT_READY"
	CodeNoJob         ErrorCode = "NO_JOB"
	CodeJobConflict   ErrorCode = "JOB_CONFLICT"
	CodeRequestFailed ErrorCode = "REQUEST_FAILED"
	CodeParse         ErrorCode = "PARSE_ERROR"
	CodeUnknown       ErrorCode = "UNKNOWN"
)

// Error is a failed worker operation.
type Error struct {
	Op   string
	Code ErrorCode
	// RawCode is the worker's own error code when Code is CodeUnknown.
	RawCode string
	// Status is the HTTP status, inferred as 500 when the worker reported an
	// error on a success status.
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Code)
	if e.RawCode != "" && e.Code == CodeUnknown {
		msg = fmt.Sprintf("%s: %s", e.Op, e.RawCode)
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the sentinel for Code and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := []error{e.Code.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (c ErrorCode) sentinel() error {
	switch c {
	case CodeNotReady:
		return ErrNotReady
	case CodeNoJob:
		return ErrNoJob
	case CodeJobConflict:
		return ErrJobConflict
	case CodeRequestFailed:
		return ErrRequestFailed
	case CodeParse:
		return ErrParse
	default:
		return ErrWorker
	}
}

// CodeOf returns the ErrorCode carried by err, or "" if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// decodeError maps a worker error body to a typed failure.
func decodeError(op string, status int, code, message string) *Error {
	e := &Error{Op: op, Status: status, Message: message}

	switch {
	case code == string(CodeNotReady), code == "" && status == http.StatusServiceUnavailable:
		e.Code = CodeNotReady
	case code == string(CodeNoJob):
		e.Code = CodeNoJob
	case code == string(CodeJobConflict), code == "" && status == http.StatusConflict:
		e.Code = CodeJobConflict
	case status == http.StatusServiceUnavailable:
		e.Code = CodeNotReady
		e.RawCode = code
	case status == http.StatusConflict:
		e.Code = CodeJobConflict
		e.RawCode = code
	default:
		e.Code = CodeUnknown
		e.RawCode = code
		if e.RawCode == "" {
			e.RawCode = http.StatusText(status)
		}
	}

	if e.Status < 400 {
		e.Status = http.StatusInternalServerError
	}
	return e
}

func notReady(op string, cause error) *Error {
	return &Error{Op: op, Code: CodeNotReady, Status: http.StatusServiceUnavailable, Err: cause}
}
