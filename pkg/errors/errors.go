package errors

import (
	"errors"
	"fmt"
)

// Domain error types for business logic

var (
	// ErrInvalidInput indicates invalid input parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal indicates an internal server error
	ErrInternal = errors.New("internal error")

	// ErrUnavailable indicates a service is unavailable
	ErrUnavailable = errors.New("service unavailable")
)

// Session-specific errors

var (
	// ErrContextMissing indicates initialization was attempted without context or credentials
	ErrContextMissing = errors.New("connection context or credentials missing")

	// ErrMissingOwnerToken indicates a streaming client was requested without owner credentials
	ErrMissingOwnerToken = errors.New("owner token missing")

	// ErrInvalidState indicates an operation is not valid in the current session state
	ErrInvalidState = errors.New("invalid session state")

	// ErrSessionClosed indicates the session has already been closed
	ErrSessionClosed = errors.New("session closed")

	// ErrCleanupTimeout indicates graceful teardown exceeded its deadline
	ErrCleanupTimeout = errors.New("cleanup timeout")
)

// Streaming-specific errors

var (
	// ErrStreamNotReady indicates audio was pushed before stream setup completed
	ErrStreamNotReady = errors.New("stream not ready")

	// ErrStreamNotFound indicates the stream id is not registered
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamClosed indicates the stream has been closed
	ErrStreamClosed = errors.New("stream closed")
)

// Credential and gateway errors

var (
	// ErrCredentialRefresh indicates a credential exchange or refresh failed
	ErrCredentialRefresh = errors.New("credential refresh failed")

	// ErrTokenExpired is returned when a presented token is expired
	ErrTokenExpired = errors.New("token expired")

	// ErrGatewayUnavailable indicates the tool gateway could not be reached
	ErrGatewayUnavailable = errors.New("tool gateway unavailable")

	// ErrToolExecution indicates a remote tool invocation failed
	ErrToolExecution = errors.New("tool execution failed")

	// ErrToolNotFound indicates no discovered tool matches a meta-tool
	ErrToolNotFound = errors.New("no matching tool discovered")
)

// DomainError wraps an error with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf maps an error to the stable machine-readable code carried on
// structured error events. A DomainError's own code wins; otherwise the code
// is derived from the sentinel in the chain.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}

	var domain *DomainError
	if As(err, &domain) {
		return domain.Code
	}

	switch {
	case Is(err, ErrContextMissing):
		return "context_missing"
	case Is(err, ErrMissingOwnerToken):
		return "missing_owner_token"
	case Is(err, ErrInvalidState):
		return "invalid_state"
	case Is(err, ErrSessionClosed):
		return "session_closed"
	case Is(err, ErrCleanupTimeout):
		return "cleanup_timeout"
	case Is(err, ErrStreamNotReady):
		return "stream_not_ready"
	case Is(err, ErrStreamNotFound):
		return "stream_not_found"
	case Is(err, ErrStreamClosed):
		return "stream_closed"
	case Is(err, ErrCredentialRefresh):
		return "credential_refresh_failed"
	case Is(err, ErrTokenExpired):
		return "token_expired"
	case Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"
	case Is(err, ErrToolExecution):
		return "tool_execution_failed"
	case Is(err, ErrToolNotFound):
		return "tool_not_found"
	case Is(err, ErrInvalidInput):
		return "invalid_input"
	case Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

// Helper functions

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
