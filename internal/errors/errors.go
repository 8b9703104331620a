package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeUsage represents bad or missing command-line arguments
	ErrorTypeUsage ErrorType = "usage"
	// ErrorTypeValidation represents missing inputs or bad destinations
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeArchive represents failures while building an archive
	ErrorTypeArchive ErrorType = "archive"
	// ErrorTypeExtract represents failures while expanding an archive
	ErrorTypeExtract ErrorType = "extract"
	// ErrorTypeEncrypt represents failures while encrypting an archive
	ErrorTypeEncrypt ErrorType = "encrypt"
	// ErrorTypeDecrypt represents failures while decrypting an artifact
	ErrorTypeDecrypt ErrorType = "decrypt"
	// ErrorTypeStorage represents remote artifact store failures
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypePermission represents permission/access errors
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeInterruption represents an interrupt or termination signal
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithUserMessage sets the message shown to the user instead of Message
func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Common error constructors

func NewUsageError(message string) *AppError {
	return NewAppError(ErrorTypeUsage, message, nil)
}

func NewValidationError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeValidation, message, cause)
}

func NewArchiveError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeArchive, message, cause)
}

func NewExtractError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeExtract, message, cause)
}

func NewEncryptError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeEncrypt, message, cause)
}

func NewDecryptError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeDecrypt, message, cause)
}

func NewStorageError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeStorage, message, cause)
}

// InterruptedError carries the signal number so the process can exit with 128+n.
type InterruptedError struct {
	Signal os.Signal
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("interrupted by %s", e.Signal)
}

// NewInterruptionError wraps a received signal as an AppError
func NewInterruptionError(sig os.Signal) *AppError {
	return NewAppError(ErrorTypeInterruption, "run interrupted", &InterruptedError{Signal: sig}).
		WithUserMessage(fmt.Sprintf("Interrupted by %s, temporary files removed", sig))
}

// ErrorClassifier provides methods to classify and handle different types of errors
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	// Check if it's already an AppError
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if ctxErr := ec.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}

	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	if netErr := ec.classifyNetworkError(err); netErr != nil {
		return netErr
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifyNetworkError maps transport failures from the storage SDKs
func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewStorageError("Network operation timed out", err)
		}
		return NewStorageError("Network error while talking to storage", err)
	}
	return nil
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption, "Operation was canceled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewAppError(ErrorTypeInterruption, "Operation timed out", err)
	}
	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch {
		case errors.Is(pathErr.Err, syscall.ENOENT):
			return NewValidationError(
				fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
		case errors.Is(pathErr.Err, syscall.EACCES), errors.Is(pathErr.Err, syscall.EPERM):
			return NewAppError(ErrorTypePermission,
				fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
		case errors.Is(pathErr.Err, syscall.ENOSPC):
			return NewValidationError("No space left on device", err)
		}
	}
	return nil
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// IsType reports whether err is an AppError of the given type
func IsType(err error, errorType ErrorType) bool {
	return err != nil && GetErrorType(err) == errorType
}

// ExitCode maps an error to the process exit status.
// Interruptions exit with 128 + signal number like a shell would.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var intErr *InterruptedError
	if errors.As(err, &intErr) {
		if sig, ok := intErr.Signal.(syscall.Signal); ok {
			return 128 + int(sig)
		}
		return 1
	}
	return 1
}

// FormatUserError formats an error for display to users
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.GetUserMessage()
	}

	return err.Error()
}

// FieldError is a single configuration field that failed validation
type FieldError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *FieldError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors collects field errors
type ValidationErrors []FieldError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add appends a field error
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, FieldError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// Merge appends err: its fields when it is ValidationErrors, otherwise one
// error under field
func (e *ValidationErrors) Merge(field string, err error) {
	if err == nil {
		return
	}
	if errs, ok := err.(ValidationErrors); ok {
		*e = append(*e, errs...)
		return
	}
	e.Add(field, err.Error(), nil)
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Err returns e as an error, or nil when empty
func (e ValidationErrors) Err() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}
