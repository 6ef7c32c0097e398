package errors

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorType categorizes errors for handling policy decisions.
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeProtocol    ErrorType = "protocol"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeApplication ErrorType = "application"
	ErrorTypeInternal    ErrorType = "internal"
)

// ErrorSeverity indicates how urgently an error needs attention.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError is the structured error type used throughout the client core.
type AppError struct {
	Type        ErrorType     `json:"type"`
	Code        string        `json:"code"`
	Message     string        `json:"message"`
	Details     string        `json:"details,omitempty"`
	Severity    ErrorSeverity `json:"severity"`
	Timestamp   time.Time     `json:"timestamp"`
	UserMessage string        `json:"user_message,omitempty"`
	Cause       error         `json:"-"`
	StackTrace  string        `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Type, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// Unwrap implements the Unwrap interface for error wrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError with stack trace capture
func New(errorType ErrorType, code string, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Severity:   SeverityMedium,
		Timestamp:  time.Now(),
		StackTrace: captureStackTrace(),
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, errorType ErrorType, code string, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Severity:   SeverityMedium,
		Timestamp:  time.Now(),
		Cause:      err,
		StackTrace: captureStackTrace(),
	}
}

// WithSeverity sets the severity level of an error
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	return e
}

// WithDetails adds additional details to an error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithUserMessage sets a user-friendly message
func (e *AppError) WithUserMessage(message string) *AppError {
	e.UserMessage = message
	return e
}

func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// AsAppError extracts an *AppError from an error chain, if present.
func AsAppError(err error) (*AppError, bool) {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = unwrapper.Unwrap()
	}
	return nil, false
}

// connectivityVocabulary matches the message shapes transports produce when
// the network, not the request, is at fault.
var connectivityVocabulary = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"no route to host",
	"network is unreachable",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"timed out",
	"offline",
	"no such host",
	"no connected relays",
	"not connected",
	"eof",
}

// IsConnectivity reports whether an error is connectivity-classified: a
// failure the retry-when-offline loop can reasonably expect to heal on its
// own once the network returns.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if appErr, ok := AsAppError(err); ok {
		if appErr.Type == ErrorTypeNetwork || appErr.Type == ErrorTypeTimeout {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range connectivityVocabulary {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
