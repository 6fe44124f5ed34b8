package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Authorization errors
	ErrCodeForbidden ErrorCode = "FORBIDDEN"

	// Not found errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"

	// Call engine errors
	ErrCodeCredentialFetch ErrorCode = "CREDENTIAL_FETCH_FAILED"
	ErrCodeInvalidCall     ErrorCode = "INVALID_CALL"
	ErrCodeDeviceInUse     ErrorCode = "DEVICE_IN_USE"
	ErrCodeSystemBlocked   ErrorCode = "SYSTEM_PERMISSION_BLOCKED"
	ErrCodeBrowserDenied   ErrorCode = "BROWSER_PERMISSION_DENIED"
	ErrCodePermission      ErrorCode = "PERMISSION_UNKNOWN"
	ErrCodeReleaseFailure  ErrorCode = "RELEASE_FAILURE"
	ErrCodeClientBusy      ErrorCode = "CLIENT_BUSY"
	ErrCodeInvalidState    ErrorCode = "INVALID_STATE"

	// Conflict errors
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

func ForbiddenError(message string) *AppError {
	return NewWithStatus(ErrCodeForbidden, message, http.StatusForbidden)
}

func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

// Call engine errors

// CredentialFetchError is surfaced when the token broker cannot issue credentials.
// The user may retry manually; nothing retries automatically.
func CredentialFetchError(err error) *AppError {
	return WrapWithStatus(ErrCodeCredentialFetch, "Could not get call credentials. Please try again.", http.StatusBadGateway, err)
}

// InvalidCallError is surfaced for join failures that are not device or permission problems
func InvalidCallError(err error) *AppError {
	return WrapWithStatus(ErrCodeInvalidCall, "This consultation call could not be joined.", http.StatusUnprocessableEntity, err)
}

// PermissionError carries a classified device/permission failure and its guidance
func PermissionError(code ErrorCode, guidance string, err error) *AppError {
	return WrapWithStatus(code, guidance, http.StatusConflict, err)
}

// ReleaseFailure is logged only; it never reaches the user
func ReleaseFailure(err error) *AppError {
	return WrapWithStatus(ErrCodeReleaseFailure, "Device release failed", http.StatusInternalServerError, err)
}

func ClientBusyError() *AppError {
	return NewWithStatus(ErrCodeClientBusy, "Another call view holds the active connection", http.StatusConflict)
}

func InvalidStateError(state string) *AppError {
	return NewWithStatus(ErrCodeInvalidState, fmt.Sprintf("Action not allowed in state %s", state), http.StatusConflict)
}

func ConflictError(message string) *AppError {
	return NewWithStatus(ErrCodeConflict, message, http.StatusConflict)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return WrapWithStatus(ErrCodeDatabase, "Database error", http.StatusInternalServerError, err)
}

func ServiceUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable)
}

// IsAppError checks if an error is or wraps an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}

// HasCode reports whether err is an AppError with the given code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Code == code
}
