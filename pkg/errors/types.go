package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Request errors
	ErrCodeValidation   ErrorCode = "VALIDATION"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"

	// Lifecycle errors
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeDispatch          ErrorCode = "DISPATCH"

	// Configuration errors
	ErrCodeConfiguration ErrorCode = "CONFIGURATION"

	// Storage errors
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	// Generic errors
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// GenericUserMessage is the only text an unclassified failure ever shows a requester.
const GenericUserMessage = "An error occurred. Please try again or contact support."

// Error represents a structured agentremote error
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	Stack       []Frame
	Retryable   bool
	UserMessage string
	Remediation []string
}

// Frame represents a stack frame
type Frame struct {
	Function string
	File     string
	Line     int
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Context:   make(map[string]any),
		Stack:     captureStack(2), // Skip New and caller
		Retryable: false,
	}
}

// Wrap wraps an existing error with agentremote error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
		Stack:      captureStack(2),
		Retryable:  false,
	}
}

// Validation reports malformed, oversized or unsafe input. The message is
// shown to the requester verbatim, so it must never carry internal detail.
func Validation(message string) *Error {
	e := New(ErrCodeValidation, message)
	e.Stack = captureStack(2)
	e.UserMessage = message
	return e
}

// Conflict reports an operation that collides with existing state.
func Conflict(message string) *Error {
	e := New(ErrCodeConflict, message)
	e.Stack = captureStack(2)
	e.UserMessage = message
	return e
}

// Unauthorized reports a principal that may not act on this instance.
func Unauthorized(principal string) *Error {
	e := New(ErrCodeUnauthorized, "principal is not authorized")
	e.Stack = captureStack(2)
	return e.WithContext("principal", principal)
}

// Dispatch reports a failure to hand a task to its backend.
func Dispatch(backend string, cause error) *Error {
	if cause == nil {
		cause = stderrors.New("unknown dispatch failure")
	}
	e := Wrap(cause, ErrCodeDispatch, "dispatch to "+backend+" failed")
	e.Stack = captureStack(2)
	return e.WithContext("backend", backend).
		WithUserMessage(fmt.Sprintf("Failed to hand the task to the %s backend.", backend))
}

// Configuration reports missing or invalid startup settings.
func Configuration(problems ...string) *Error {
	msg := "invalid configuration"
	if len(problems) > 0 {
		msg = "invalid configuration: " + strings.Join(problems, "; ")
	}
	e := New(ErrCodeConfiguration, msg)
	e.Stack = captureStack(2)
	return e.WithRemediation(problems...)
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithUserMessage sets the human-friendly message returned to users.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// WithRemediation appends actionable remediation tips for the error.
func (e *Error) WithRemediation(tips ...string) *Error {
	if len(tips) == 0 {
		return e
	}
	e.Remediation = append([]string{}, tips...)
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, e.Context[k]))
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// StackTrace returns a formatted stack trace
func (e *Error) StackTrace() string {
	var sb strings.Builder

	sb.WriteString("Stack trace:\n")
	for i, frame := range e.Stack {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, frame.String()))
		sb.WriteString(fmt.Sprintf("     %s:%d\n", frame.File, frame.Line))
	}

	return sb.String()
}

// String formats a stack frame
func (f Frame) String() string {
	return f.Function
}

// captureStack captures the current call stack
func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr

	n := runtime.Callers(skip+1, pcs[:])
	frames := make([]Frame, 0, n)

	for i := 0; i < n; i++ {
		pc := pcs[i]
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		file, line := fn.FileLine(pc)

		frames = append(frames, Frame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}

// As finds the first structured error in err's chain.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	return e.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	e, ok := As(err)
	if !ok {
		return ErrCodeInternal
	}

	return e.Code
}

// ContextValue returns a context value recorded on the first structured error.
func ContextValue(err error, key string) (any, bool) {
	e, ok := As(err)
	if !ok || e.Context == nil {
		return nil, false
	}
	v, ok := e.Context[key]
	return v, ok
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	return e.Retryable
}

// UserMessage reduces err to text that is safe to show a requester.
// Validation and conflict messages pass through; anything carrying an
// explicit user message uses it; everything else collapses to one
// generic sentence.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	e, ok := As(err)
	if !ok {
		return GenericUserMessage
	}
	if e.UserMessage != "" {
		return e.UserMessage
	}
	switch e.Code {
	case ErrCodeValidation, ErrCodeConflict:
		return e.Message
	}
	return GenericUserMessage
}
