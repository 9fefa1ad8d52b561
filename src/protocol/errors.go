package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/schema"
)

// Code is the machine-checkable error code carried in an error envelope.
type Code int

const (
	CodeBadRequest       Code = -32600
	CodeUnknownMethod    Code = -32601
	CodeValidationFailed Code = -32602
	CodeInternalError    Code = -32603
	CodeToolNotFound     Code = -32001
	CodeExecutionFailed  Code = -32002
)

// Class returns the abstract error class name for c.
func (c Code) Class() string {
	switch c {
	case CodeBadRequest:
		return "BadRequest"
	case CodeUnknownMethod:
		return "UnknownMethod"
	case CodeValidationFailed:
		return "ValidationFailed"
	case CodeToolNotFound:
		return "ToolNotFound"
	case CodeExecutionFailed:
		return "ExecutionFailed"
	default:
		return "InternalError"
	}
}

// Error is both the wire error object and a Go error value.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code.Class(), e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// With returns a copy of e with key set in Data.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Data = make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		cp.Data[k] = v
	}
	cp.Data[key] = value
	return &cp
}

// Is matches another *Error by code, so errors.Is(err, &Error{Code: CodeToolNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// BadRequest reports a malformed envelope.
func BadRequest(format string, args ...any) *Error {
	return &Error{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// UnknownMethod reports a method the dispatcher does not route.
func UnknownMethod(method string) *Error {
	return &Error{
		Code:    CodeUnknownMethod,
		Message: "Unknown method: " + method,
		Data:    map[string]any{"method": method},
	}
}

// InvalidParams reports a schema-independent parameter problem (missing tool name, ...).
func InvalidParams(field, message string) *Error {
	return &Error{
		Code:    CodeValidationFailed,
		Message: message,
		Data:    map[string]any{"field": field},
	}
}

// Validation converts a schema failure into a ValidationFailed error.
func Validation(err *schema.ValidationError) *Error {
	return &Error{
		Code:    CodeValidationFailed,
		Message: err.Error(),
		Data:    map[string]any{"field": err.Field, "reason": string(err.Reason)},
		cause:   err,
	}
}

// ToolNotFound reports a tool name no registered provider owns.
func ToolNotFound(name string) *Error {
	return NotFound("tool", name)
}

// NotFound reports an unregistered tool, resource or prompt.
func NotFound(kind, name string) *Error {
	return &Error{
		Code:    CodeToolNotFound,
		Message: fmt.Sprintf("Unknown %s: %s", kind, name),
		Data:    map[string]any{kind: name},
	}
}

// Execution wraps a provider's own operational failure.
func Execution(server string, err error) *Error {
	msg := "execution failed"
	if err != nil {
		msg = err.Error()
	}
	return &Error{
		Code:    CodeExecutionFailed,
		Message: msg,
		Data:    map[string]any{"server": server},
		cause:   err,
	}
}

// Internal wraps an unexpected fault; the original message is preserved in data.error.
func Internal(server string, detail any) *Error {
	e := &Error{
		Code:    CodeInternalError,
		Message: "Internal server error",
		Data:    map[string]any{"error": fmt.Sprint(detail)},
	}
	if err, ok := detail.(error); ok {
		e.cause = err
	}
	if server != "" {
		e.Data["server"] = server
	}
	return e
}

// From maps any error onto the taxonomy. Typed errors keep their class; context
// expiry is an execution failure; everything else is internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		return Validation(ve)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{
			Code:    CodeExecutionFailed,
			Message: err.Error(),
			Data:    map[string]any{"reason": err.Error()},
			cause:   err,
		}
	}
	return Internal("", err)
}
