// Package errors provides the coded error type used across the render service.
// Errors carry a category code, the failing operation, optional fields and
// the call stack at creation so handlers can map them to HTTP responses and
// logs.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// Code categorizes an error.
type Code string

const (
	CodeInternal         Code = "INTERNAL_ERROR"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeBusy             Code = "BUSY"
	CodeTimeout          Code = "TIMEOUT"
	CodePayloadTooLarge  Code = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMedia Code = "UNSUPPORTED_MEDIA_TYPE"
)

var statusByCode = map[Code]int{
	CodeValidation:       http.StatusBadRequest,
	CodeNotFound:         http.StatusNotFound,
	CodeConflict:         http.StatusConflict,
	CodeAlreadyExists:    http.StatusConflict,
	CodePayloadTooLarge:  http.StatusRequestEntityTooLarge,
	CodeUnsupportedMedia: http.StatusUnsupportedMediaType,
	CodeBusy:             http.StatusTooManyRequests,
	CodeTimeout:          http.StatusGatewayTimeout,
}

// Error is a coded error with context.
type Error struct {
	Code Code
	// Message is safe to show to API clients.
	Message string
	// Op names the failing operation, e.g. "media.segment".
	Op     string
	Err    error
	Fields map[string]any
	// Stack holds the program counters of the creating call stack.
	Stack []uintptr
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Code != "" {
		fmt.Fprintf(&b, "[%s] ", e.Code)
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithField attaches a context field and returns e.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// HTTPStatus maps the code to a response status. Unknown codes are 500.
func (e *Error) HTTPStatus() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// StackTrace formats Stack one frame per line, skipping runtime frames.
func (e *Error) StackTrace() string {
	if len(e.Stack) == 0 {
		return ""
	}
	var b strings.Builder
	frames := runtime.CallersFrames(e.Stack)
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
		}
		if !more {
			break
		}
	}
	return b.String()
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Stack: callers()}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Stack: callers()}
}

// Wrap adds op and message to err. The code and fields of a wrapped *Error
// are kept; anything else becomes CodeInternal.
func Wrap(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}
	wrapped := &Error{Code: CodeInternal, Message: message, Op: op, Err: err, Stack: callers()}
	var e *Error
	if errors.As(err, &e) {
		wrapped.Code = e.Code
		wrapped.Fields = e.Fields
	}
	return wrapped
}

// WrapWithCode wraps err under an explicit code.
func WrapWithCode(err error, code Code, op string, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Op: op, Err: err, Stack: callers()}
}

// NotFound reports a missing resource, e.g. NotFound("job", id).
func NotFound(resource string, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithField("resource", resource).
		WithField("id", id)
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// GetCode returns the code of the first *Error in err's chain, or
// CodeInternal.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func GetHTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

func IsNotFound(err error) bool { return IsCode(err, CodeNotFound) }

func IsBusy(err error) bool { return IsCode(err, CodeBusy) }

// As is errors.As, so callers need not import both packages.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// callers records the stack above the constructor that called it.
func callers() []uintptr {
	var pcs [16]uintptr
	n := runtime.Callers(3, pcs[:])
	return pcs[:n:n]
}
