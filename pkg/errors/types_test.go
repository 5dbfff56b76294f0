package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeWorkerCrash, "worker crashed unexpectedly")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}

	if err.Code != ErrCodeWorkerCrash {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeWorkerCrash)
	}

	if err.Message != "worker crashed unexpectedly" {
		t.Errorf("Message = %v, want 'worker crashed unexpectedly'", err.Message)
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
	err := Wrap(underlying, ErrCodeSpawnFailure, "failed to spawn worker")

	if err == nil {
		t.Fatal("Wrap should return non-nil error")
	}

	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}

	if err.Code != ErrCodeSpawnFailure {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeSpawnFailure)
	}

	if !strings.Contains(err.Error(), "original error") {
		t.Error("Error string should include underlying error")
	}
}

func TestWrap_Nil(t *testing.T) {
	err := Wrap(nil, ErrCodeInternal, "test")

	if err != nil {
		t.Error("Wrap of nil should return nil")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeExecutionTimeout, "task timed out")
	err.WithContext("item_id", "task-1")
	err.WithContext("timeout_ms", 30000)

	if err.Context["item_id"] != "task-1" {
		t.Error("Context should contain 'item_id' key")
	}

	if err.Context["timeout_ms"] != 30000 {
		t.Error("Context should contain 'timeout_ms' key")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "item_id") || !strings.Contains(errStr, "task-1") {
		t.Error("Error string should include context")
	}
}

func TestWithRetryable(t *testing.T) {
	err := New(ErrCodeExecutionTimeout, "request timed out")
	err.WithRetryable(true)

	if !err.Retryable {
		t.Error("WithRetryable should set Retryable to true")
	}

	if !err.IsRetryable() {
		t.Error("IsRetryable should return true")
	}
}

func TestError_String(t *testing.T) {
	err := New(ErrCodeConfigError, "invalid config value")
	errStr := err.Error()

	if !strings.Contains(errStr, string(ErrCodeConfigError)) {
		t.Error("Error string should contain error code")
	}

	if !strings.Contains(errStr, "invalid config value") {
		t.Error("Error string should contain message")
	}
}

func TestError_WithUnderlying(t *testing.T) {
	underlying := errors.New("process exited")
	err := Wrap(underlying, ErrCodeWorkerCrash, "worker died")

	errStr := err.Error()

	if !strings.Contains(errStr, "process exited") {
		t.Error("Error string should include underlying error")
	}

	if !strings.Contains(errStr, "WORKER_CRASH") {
		t.Error("Error string should include error code")
	}
}

func TestUnwrap(t *testing.T) {
	underlying := errors.New("underlying")
	err := Wrap(underlying, ErrCodeInternal, "wrapped")

	unwrapped := err.Unwrap()

	if unwrapped != underlying {
		t.Error("Unwrap should return underlying error")
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodeRateLimited, "acquisition denied")

	if !IsCode(err, ErrCodeRateLimited) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeQuotaExceeded) {
		t.Error("IsCode should return false for non-matching code")
	}

	if IsCode(nil, ErrCodeRateLimited) {
		t.Error("IsCode should return false for nil error")
	}

	stdErr := errors.New("standard error")
	if IsCode(stdErr, ErrCodeInternal) {
		t.Error("IsCode should return false for non-engine errors")
	}
}

func TestGetCode(t *testing.T) {
	err := New(ErrCodeQuotaExceeded, "daily budget exhausted")

	code := GetCode(err)
	if code != ErrCodeQuotaExceeded {
		t.Errorf("GetCode = %v, want %v", code, ErrCodeQuotaExceeded)
	}

	if GetCode(nil) != "" {
		t.Error("GetCode should return empty string for nil")
	}

	stdErr := errors.New("standard")
	if GetCode(stdErr) != ErrCodeInternal {
		t.Error("GetCode should return ErrCodeInternal for non-engine errors")
	}
}

func TestIsRetryable_Function(t *testing.T) {
	retryable := New(ErrCodeExecutionTimeout, "timed out").WithRetryable(true)
	notRetryable := New(ErrCodeConfigError, "bad config")

	if !IsRetryable(retryable) {
		t.Error("IsRetryable should return true for retryable error")
	}

	if IsRetryable(notRetryable) {
		t.Error("IsRetryable should return false for non-retryable error")
	}

	if IsRetryable(nil) {
		t.Error("IsRetryable should return false for nil")
	}

	stdErr := errors.New("standard")
	if IsRetryable(stdErr) {
		t.Error("IsRetryable should return false for non-engine errors")
	}
}

func TestStackTrace(t *testing.T) {
	err := New(ErrCodeInternal, "test error")

	trace := err.StackTrace()

	if trace == "" {
		t.Error("StackTrace should return non-empty string")
	}

	if !strings.Contains(trace, "Stack trace:") {
		t.Error("StackTrace should contain header")
	}

	if len(err.Stack) == 0 {
		t.Error("Stack should have frames")
	}
}

func TestFrame_String(t *testing.T) {
	frame := Frame{
		Function: "github.com/ccswarm/engine/pkg/errors.TestFunc",
		File:     "/path/to/file.go",
		Line:     42,
	}

	str := frame.String()

	if str != frame.Function {
		t.Errorf("Frame.String() = %v, want %v", str, frame.Function)
	}
}

func TestCaptureStack(t *testing.T) {
	frames := captureStack(0)

	if len(frames) == 0 {
		t.Error("captureStack should return at least one frame")
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

func TestMultipleContext(t *testing.T) {
	err := New(ErrCodeDependencyFailure, "parent exhausted retries")
	err.WithContext("item_id", "story-123")
	err.WithContext("attempt", 2)
	err.WithContext("reason", "timeout")

	if len(err.Context) != 3 {
		t.Errorf("Context should have 3 entries, got %d", len(err.Context))
	}

	errStr := err.Error()
	for _, key := range []string{"item_id", "attempt", "reason"} {
		if !strings.Contains(errStr, key) {
			t.Errorf("Error string should contain context key %q", key)
		}
	}
}

func TestChaining(t *testing.T) {
	err := New(ErrCodeRateLimited, "acquisition denied").
		WithContext("service", "claude-api").
		WithContext("wait_hint_ms", 1500).
		WithRetryable(true)

	if err.Code != ErrCodeRateLimited {
		t.Error("Chaining should preserve code")
	}

	if len(err.Context) != 2 {
		t.Error("Chaining should add all context")
	}

	if !err.Retryable {
		t.Error("Chaining should set retryable")
	}
}

func TestErrorCodes_Defined(t *testing.T) {
	codes := []ErrorCode{
		ErrCodeSpawnFailure,
		ErrCodeWorkerCrash,
		ErrCodeExecutionTimeout,
		ErrCodeRateLimited,
		ErrCodeQuotaExceeded,
		ErrCodeDependencyFailure,
		ErrCodeConfigError,
		ErrCodeInvalidService,
		ErrCodeInternal,
		ErrCodeInvalidInput,
		ErrCodeNotImplemented,
	}

	for _, code := range codes {
		if code == "" {
			t.Error("Error code should not be empty")
		}
	}
}
