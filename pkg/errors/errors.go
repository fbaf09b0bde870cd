package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// ErrorType classifies a failure so transports can map it consistently.
type ErrorType string

const (
	// Sync errors
	ErrorTypeUnauthenticated ErrorType = "UNAUTHENTICATED"
	ErrorTypeStaleVersion    ErrorType = "STALE_VERSION"
	ErrorTypeTransport       ErrorType = "TRANSPORT_FAILURE"
	ErrorTypeReconciliation  ErrorType = "RECONCILIATION_FAILURE"

	// Request errors
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeRateLimit  ErrorType = "RATE_LIMIT"

	// Service errors
	ErrorTypeInternal    ErrorType = "INTERNAL"
	ErrorTypeUnavailable ErrorType = "UNAVAILABLE"
	ErrorTypeDatabase    ErrorType = "DATABASE"
)

// Detail keys carried by STALE_VERSION errors.
const (
	DetailEntityID      = "entityId"
	DetailClientVersion = "clientVersion"
	DetailServerVersion = "serverVersion"
)

// AppError is the error value shared by every layer of the service.
type AppError struct {
	Type       ErrorType      `json:"type"`
	Message    string         `json:"message"`
	Code       string         `json:"code,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
	StackTrace string         `json:"-"`
	HTTPStatus int            `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCode sets a machine readable code.
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithDetail adds a single detail entry.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error.
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

func captureStackTrace() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return b.String()
}

func newError(t ErrorType, status int, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		HTTPStatus: status,
		StackTrace: captureStackTrace(),
	}
}

// NewUnauthenticatedError is returned when a credential is missing or rejected.
func NewUnauthenticatedError(message string) *AppError {
	if message == "" {
		message = "authentication required"
	}
	return newError(ErrorTypeUnauthenticated, http.StatusUnauthorized, message)
}

// NewStaleVersionError reports that clientVersion no longer matches the stored
// version of entityID. The current server version travels in Details so
// callers can refetch or present the conflict.
func NewStaleVersionError(entityID string, clientVersion, serverVersion int64) *AppError {
	e := newError(ErrorTypeStaleVersion, http.StatusConflict,
		fmt.Sprintf("entity %s was modified: client version %d, server version %d", entityID, clientVersion, serverVersion))
	e.Details = map[string]any{
		DetailEntityID:      entityID,
		DetailClientVersion: clientVersion,
		DetailServerVersion: serverVersion,
	}
	return e
}

// NewTransportError wraps a failed send to a single connection.
func NewTransportError(connectionID string, err error) *AppError {
	return newError(ErrorTypeTransport, http.StatusBadGateway,
		fmt.Sprintf("send to connection %s failed", connectionID)).WithCause(err)
}

// NewReconciliationError wraps a failed snapshot refetch.
func NewReconciliationError(roomID string, err error) *AppError {
	return newError(ErrorTypeReconciliation, http.StatusBadGateway,
		fmt.Sprintf("reconciliation of room %s failed", roomID)).WithCause(err)
}

func NewValidationError(message string) *AppError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, message)
}

func NewNotFoundError(resource string) *AppError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", resource))
}

// NewRateLimitError is used for the per-user connection cap.
func NewRateLimitError(limit int, what string) *AppError {
	return newError(ErrorTypeRateLimit, http.StatusTooManyRequests,
		fmt.Sprintf("limit exceeded: at most %d %s", limit, what))
}

func NewInternalError(message string) *AppError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, message)
}

func NewUnavailableError(service string) *AppError {
	return newError(ErrorTypeUnavailable, http.StatusServiceUnavailable,
		fmt.Sprintf("service '%s' is unavailable", service))
}

func NewDatabaseError(operation string, err error) *AppError {
	return newError(ErrorTypeDatabase, http.StatusInternalServerError,
		fmt.Sprintf("database operation '%s' failed", operation)).WithCause(err)
}

// GetAppError extracts the first AppError in the chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsType reports whether err carries an AppError of type t.
func IsType(err error, t ErrorType) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Type == t
}

func IsUnauthenticated(err error) bool { return IsType(err, ErrorTypeUnauthenticated) }
func IsStaleVersion(err error) bool    { return IsType(err, ErrorTypeStaleVersion) }
func IsTransport(err error) bool       { return IsType(err, ErrorTypeTransport) }
func IsReconciliation(err error) bool  { return IsType(err, ErrorTypeReconciliation) }
func IsValidation(err error) bool      { return IsType(err, ErrorTypeValidation) }
func IsNotFound(err error) bool        { return IsType(err, ErrorTypeNotFound) }
func IsUnavailable(err error) bool     { return IsType(err, ErrorTypeUnavailable) }

// ServerVersion returns the server version carried by a STALE_VERSION error.
// JSON decoding turns the detail into a float64, so both forms are accepted.
func ServerVersion(err error) (int64, bool) {
	appErr := GetAppError(err)
	if appErr == nil || appErr.Type != ErrorTypeStaleVersion {
		return 0, false
	}
	switch v := appErr.Details[DetailServerVersion].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// Wrap adds context to err. Non AppErrors become INTERNAL.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return NewInternalError(message).WithCause(err)
}

func Wrapf(err error, format string, args ...any) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}
