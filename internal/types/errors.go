package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an execution failure
type ErrorCode string

const (
	CodeCompileError     ErrorCode = "COMPILE_ERROR"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeMemoryLimit      ErrorCode = "MEMORY_LIMIT"
	CodeTimeout          ErrorCode = "TIME_OUT"
	CodeHostCallLimit    ErrorCode = "HOST_CALL_LIMIT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeCancelled        ErrorCode = "CANCELLED"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeExecutionError   ErrorCode = "EXECUTION_ERROR"
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
)

// Location is a position inside handler source (1-based)
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Error is the structured error carried by a Result
type Error struct {
	Code     ErrorCode      `json:"code"`
	Message  string         `json:"message"`
	Stack    string         `json:"stack,omitempty"`
	Location *Location      `json:"location,omitempty"`
	Snippet  string         `json:"snippet,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

func (e *Error) Error() string {
	if e.Location != nil {
		return fmt.Sprintf("%s: %s (line %d, column %d)", e.Code, e.Message, e.Location.Line, e.Location.Column)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// With attaches a context entry and returns the error
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewError builds an error with the given code
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CompileError reports invalid handler source
func CompileError(message string, loc *Location) *Error {
	return &Error{Code: CodeCompileError, Message: message, Location: loc}
}

// PermissionDenied names the missing capability
func PermissionDenied(required string) *Error {
	return NewError(CodePermissionDenied, "missing capability %s", required).With("required", required)
}

// MemoryLimit reports both the used and the allowed byte counts
func MemoryLimit(used, allowed uint64) *Error {
	return NewError(CodeMemoryLimit, "memory limit exceeded: used %d bytes, allowed %d bytes", used, allowed).
		With("used", used).
		With("allowed", allowed)
}

// Timeout reports an exceeded execution deadline
func Timeout(limitMS int64) *Error {
	return NewError(CodeTimeout, "execution timed out after %dms", limitMS).With("timeoutMs", limitMS)
}

// HostCallLimit reports an exhausted host budget
func HostCallLimit(budget string, limit int) *Error {
	return NewError(CodeHostCallLimit, "%s limit of %d exceeded", budget, limit).
		With("budget", budget).
		With("limit", limit)
}

// NotFound reports a missing extension, method or suspension
func NotFound(format string, args ...any) *Error {
	return NewError(CodeNotFound, format, args...)
}

// Cancelled reports shutdown or suspension expiry
func Cancelled(reason string) *Error {
	return NewError(CodeCancelled, "%s", reason)
}

// Internal reports an unexpected runtime fault
func Internal(format string, args ...any) *Error {
	return NewError(CodeInternal, format, args...)
}

// InvalidArgument reports a malformed request
func InvalidArgument(format string, args ...any) *Error {
	return NewError(CodeInvalidArgument, format, args...)
}

// AsError converts any error into a structured one. Unknown errors map to INTERNAL.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("%v", err)
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
