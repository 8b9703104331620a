package errors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
)

func TestAppError(t *testing.T) {
	cause := errors.New("underlying error")
	appErr := NewAppError(ErrorTypeArchive, "compression failed", cause)

	if appErr.Type != ErrorTypeArchive {
		t.Errorf("Expected type %v, got %v", ErrorTypeArchive, appErr.Type)
	}

	if appErr.Message != "compression failed" {
		t.Errorf("Expected message 'compression failed', got %v", appErr.Message)
	}

	if appErr.Cause != cause {
		t.Errorf("Expected cause %v, got %v", cause, appErr.Cause)
	}

	expectedError := "archive: compression failed (caused by: underlying error)"
	if appErr.Error() != expectedError {
		t.Errorf("Expected error string %v, got %v", expectedError, appErr.Error())
	}
}

func TestAppErrorWithContext(t *testing.T) {
	appErr := NewValidationError("input missing", nil)
	appErr.WithContext("path", "missing.txt").WithContext("index", 2)

	if appErr.Context["path"] != "missing.txt" {
		t.Errorf("Expected context path=missing.txt, got %v", appErr.Context["path"])
	}

	if appErr.Context["index"] != 2 {
		t.Errorf("Expected context index=2, got %v", appErr.Context["index"])
	}
}

func TestConstructorsSetType(t *testing.T) {
	tests := []struct {
		err  *AppError
		want ErrorType
	}{
		{NewUsageError("bad action"), ErrorTypeUsage},
		{NewValidationError("x", nil), ErrorTypeValidation},
		{NewArchiveError("x", nil), ErrorTypeArchive},
		{NewExtractError("x", nil), ErrorTypeExtract},
		{NewEncryptError("x", nil), ErrorTypeEncrypt},
		{NewDecryptError("x", nil), ErrorTypeDecrypt},
		{NewStorageError("x", nil), ErrorTypeStorage},
		{NewInterruptionError(os.Interrupt), ErrorTypeInterruption},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			if tt.err.Type != tt.want {
				t.Errorf("Expected type %v, got %v", tt.want, tt.err.Type)
			}
		})
	}
}

func TestErrorClassifier_ClassifyContextError(t *testing.T) {
	classifier := NewErrorClassifier()

	if got := classifier.ClassifyError(context.Canceled); got.Type != ErrorTypeInterruption {
		t.Errorf("Expected interruption for context.Canceled, got %v", got.Type)
	}

	wrapped := fmt.Errorf("waiting: %w", context.DeadlineExceeded)
	if got := classifier.ClassifyError(wrapped); got.Type != ErrorTypeInterruption {
		t.Errorf("Expected interruption for deadline, got %v", got.Type)
	}
}

func TestErrorClassifier_ClassifyFileSystemError(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		name         string
		err          error
		expectedType ErrorType
	}{
		{
			name:         "file not found",
			err:          &os.PathError{Op: "open", Path: "missing.txt", Err: syscall.ENOENT},
			expectedType: ErrorTypeValidation,
		},
		{
			name:         "permission denied",
			err:          &os.PathError{Op: "open", Path: "/root/secret", Err: syscall.EACCES},
			expectedType: ErrorTypePermission,
		},
		{
			name:         "disk full",
			err:          &os.PathError{Op: "write", Path: "out", Err: syscall.ENOSPC},
			expectedType: ErrorTypeValidation,
		},
		{
			name:         "plain error",
			err:          errors.New("boom"),
			expectedType: ErrorTypeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := classifier.ClassifyError(tt.err)
			if appErr.Type != tt.expectedType {
				t.Errorf("Expected type %v, got %v", tt.expectedType, appErr.Type)
			}
		})
	}

	if classifier.ClassifyError(nil) != nil {
		t.Error("Expected nil for nil error")
	}
}

func TestGetErrorType(t *testing.T) {
	wrapped := fmt.Errorf("path 1: %w", NewDecryptError("bad passphrase", nil))

	if got := GetErrorType(wrapped); got != ErrorTypeDecrypt {
		t.Errorf("Expected decrypt, got %v", got)
	}
	if got := GetErrorType(errors.New("plain")); got != ErrorTypeUnknown {
		t.Errorf("Expected unknown, got %v", got)
	}
	if !IsType(wrapped, ErrorTypeDecrypt) {
		t.Error("Expected IsType to match decrypt")
	}
	if IsType(nil, ErrorTypeUnknown) {
		t.Error("Expected IsType(nil) to be false")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"validation", NewValidationError("missing", nil), 1},
		{"sigint", NewInterruptionError(syscall.SIGINT), 130},
		{"sigterm", fmt.Errorf("run: %w", NewInterruptionError(syscall.SIGTERM)), 143},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: "",
		},
		{
			name:     "app error with user message",
			err:      NewEncryptError("cipher init", nil).WithUserMessage("Could not encrypt archive"),
			expected: "Could not encrypt archive",
		},
		{
			name:     "app error without user message",
			err:      NewValidationError("input path missing.txt does not exist", nil),
			expected: "input path missing.txt does not exist",
		},
		{
			name:     "regular error",
			err:      errors.New("regular error"),
			expected: "regular error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatUserError(tt.err); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

