package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeNotFound, "task xyz not found")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}

	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
	}

	if err.Message != "task xyz not found" {
		t.Errorf("Message = %v, want 'task xyz not found'", err.Message)
	}

	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}

	if len(err.Stack) == 0 {
		t.Error("Stack should be captured")
	}

	if err.Retryable {
		t.Error("Retryable should default to false")
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("original error")
	err := Wrap(underlying, ErrCodeStorageRead, "failed to read task")

	if err == nil {
		t.Fatal("Wrap should return non-nil error")
	}

	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}

	if !strings.Contains(err.Error(), "original error") {
		t.Error("Error string should include underlying error")
	}
}

func TestWrap_Nil(t *testing.T) {
	if err := Wrap(nil, ErrCodeInternal, "test"); err != nil {
		t.Error("Wrap of nil should return nil")
	}
}

func TestWithContext_SortedInString(t *testing.T) {
	err := New(ErrCodeDispatch, "submit failed").
		WithContext("backend", "cloud").
		WithContext("attempt", 1)

	got := err.Error()
	if !strings.Contains(got, "{attempt: 1, backend: cloud}") {
		t.Errorf("Error() = %q, want sorted context", got)
	}
}

func TestIsCode_Chain(t *testing.T) {
	inner := Validation("description is empty")
	wrapped := fmt.Errorf("create task: %w", inner)

	if !IsCode(wrapped, ErrCodeValidation) {
		t.Error("IsCode should see through fmt.Errorf wrapping")
	}
	if IsCode(wrapped, ErrCodeConflict) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, ErrCodeValidation) {
		t.Error("IsCode should return false for nil error")
	}
	if IsCode(errors.New("plain"), ErrCodeInternal) {
		t.Error("IsCode should return false for plain errors")
	}
}

func TestGetCode(t *testing.T) {
	if GetCode(Conflict("busy")) != ErrCodeConflict {
		t.Error("GetCode should return the structured code")
	}
	if GetCode(nil) != "" {
		t.Error("GetCode should return empty string for nil")
	}
	if GetCode(errors.New("standard")) != ErrCodeInternal {
		t.Error("GetCode should return ErrCodeInternal for plain errors")
	}
}

func TestDispatch(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Dispatch("cloud", cause)

	if err.Code != ErrCodeDispatch {
		t.Fatalf("Code = %v, want %v", err.Code, ErrCodeDispatch)
	}
	if !errors.Is(err, cause) {
		t.Error("Dispatch error should unwrap to its cause")
	}
	backend, ok := ContextValue(err, "backend")
	if !ok || backend != "cloud" {
		t.Errorf("backend context = %v, %v", backend, ok)
	}
	if strings.Contains(UserMessage(err), "connection refused") {
		t.Error("user message must not leak the transport error")
	}
	if !strings.Contains(UserMessage(err), "cloud") {
		t.Error("user message should name the backend")
	}
}

func TestDispatch_NilCause(t *testing.T) {
	err := Dispatch("local", nil)
	if err.Underlying == nil {
		t.Error("Dispatch should always carry a cause")
	}
}

func TestConfiguration(t *testing.T) {
	err := Configuration("telegram.bot_token is required", "artifacts.status_file is required")

	if err.Code != ErrCodeConfiguration {
		t.Fatalf("Code = %v", err.Code)
	}
	if len(err.Remediation) != 2 {
		t.Errorf("Remediation = %v, want 2 entries", err.Remediation)
	}
	if !strings.Contains(err.Error(), "artifacts.status_file") {
		t.Error("Error string should list every problem")
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation passes through", Validation("Description too long (max 500 chars)"), "Description too long (max 500 chars)"},
		{"conflict passes through", Conflict("An approval is already pending"), "An approval is already pending"},
		{"plain error collapses", errors.New("open /etc/secret: permission denied"), GenericUserMessage},
		{"internal collapses", Wrap(errors.New("disk full"), ErrCodeStorageWrite, "write task"), GenericUserMessage},
		{"explicit user message", New(ErrCodeInternal, "x").WithUserMessage("Try again later."), "Try again later."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); got != tt.want {
				t.Errorf("UserMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStackTrace(t *testing.T) {
	err := New(ErrCodeInternal, "test error")

	trace := err.StackTrace()
	if !strings.Contains(trace, "Stack trace:") {
		t.Error("StackTrace should contain header")
	}
	if len(err.Stack) == 0 {
		t.Error("Stack should have frames")
	}
}

func TestCaptureStack(t *testing.T) {
	frames := captureStack(0)

	if len(frames) == 0 {
		t.Fatal("captureStack should return at least one frame")
	}

	found := false
	for _, frame := range frames {
		if strings.Contains(frame.Function, "Test") || strings.Contains(frame.Function, "errors") {
			found = true
			break
		}
	}
	if !found {
		t.Error("Stack should contain test or errors package frames")
	}
}

func TestChaining(t *testing.T) {
	err := New(ErrCodeDispatch, "trigger failed").
		WithContext("backend", "cloud").
		WithContext("status_code", 500).
		WithRetryable(true)

	if len(err.Context) != 2 {
		t.Error("Chaining should add all context")
	}
	if !IsRetryable(err) {
		t.Error("Chaining should set retryable")
	}
	if IsRetryable(errors.New("standard")) {
		t.Error("IsRetryable should return false for plain errors")
	}
}
