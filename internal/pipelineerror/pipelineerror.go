package pipelineerror

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrValidation     ErrorCode = "VALIDATION_ERROR"
	ErrInfrastructure ErrorCode = "INFRASTRUCTURE_ERROR"
	ErrConcurrency    ErrorCode = "CONCURRENCY_ERROR"
	ErrAction         ErrorCode = "ACTION_ERROR"
	ErrSideChannel    ErrorCode = "SIDE_CHANNEL_ERROR"
	ErrCorruptRecord  ErrorCode = "CORRUPT_RECORD"
)

// PipelineError is the single error type crossing pipeline boundaries. The
// code decides how callers react: infrastructure and corrupt-record errors
// fail closed, concurrency errors must not be retried blindly, side-channel
// errors are discarded at the call site.
type PipelineError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	Cause   error       `json:"-"`
}

func (e PipelineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e PipelineError) Unwrap() error {
	return e.Cause
}

func New(code ErrorCode, message string, details interface{}) PipelineError {
	return PipelineError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Wrap attaches a code and message to an underlying cause, preserving the
// chain for errors.Is/As.
func Wrap(code ErrorCode, message string, cause error) PipelineError {
	return PipelineError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ConcurrencyDetails identify the contended key and the status that was
// observed when the claim lost the race.
type ConcurrencyDetails struct {
	Key    string `json:"key"`
	Status string `json:"status"`
}

// NewConcurrency builds the distinguished error raised when a second
// contender finds a pending record, or loses the set-if-absent claim.
func NewConcurrency(key, status string) PipelineError {
	return PipelineError{
		Code:    ErrConcurrency,
		Message: fmt.Sprintf("execution already in flight for key %s", key),
		Details: ConcurrencyDetails{Key: key, Status: status},
	}
}

// Is reports whether err is a PipelineError carrying the given code.
func Is(err error, code ErrorCode) bool {
	var pe PipelineError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// Code extracts the error code, or an empty string for foreign errors.
func Code(err error) ErrorCode {
	var pe PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
