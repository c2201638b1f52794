package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error kinds
var (
	ErrNotFound             = errors.New("resource not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrInvalidState         = errors.New("invalid state")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrPrescriptionRequired = errors.New("prescription required")
	ErrLimitExceeded        = errors.New("limit exceeded")
	ErrConflict             = errors.New("resource conflict")
	ErrInternal             = errors.New("internal server error")
	ErrValidation           = errors.New("validation error")
	ErrTokenExpired         = errors.New("token expired")
	ErrTokenInvalid         = errors.New("invalid token")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	StatusCode int               `json:"status_code"`
	Details    map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	return e.Message
}

// Unwrap returns the wrapped error kind
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code string, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// WithDetail adds a single detail entry
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors

func NotFound(resource string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func Forbidden(message string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

// BadRequest is kept for malformed transport input (bad JSON, missing params).
func BadRequest(message string) *AppError {
	return InvalidInput(message)
}

func InvalidInput(message string) *AppError {
	return &AppError{
		Err:        ErrInvalidInput,
		Code:       "INVALID_INPUT",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func InvalidQuantity(message string) *AppError {
	return &AppError{
		Err:        ErrInvalidQuantity,
		Code:       "INVALID_QUANTITY",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func InvalidState(message string) *AppError {
	return &AppError{
		Err:        ErrInvalidState,
		Code:       "INVALID_STATE",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func InsufficientStock(message string) *AppError {
	return &AppError{
		Err:        ErrInsufficientStock,
		Code:       "INSUFFICIENT_STOCK",
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
	}
}

func PrescriptionRequired(productName string) *AppError {
	return &AppError{
		Err:        ErrPrescriptionRequired,
		Code:       "PRESCRIPTION_REQUIRED",
		Message:    fmt.Sprintf("%s requires a prescription", productName),
		StatusCode: http.StatusUnprocessableEntity,
	}
}

func LimitExceeded(message string) *AppError {
	return &AppError{
		Err:        ErrLimitExceeded,
		Code:       "LIMIT_EXCEEDED",
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Code:       "CONFLICT",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func Internal(message string) *AppError {
	return &AppError{
		Err:        ErrInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

func Validation(details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Code:       "VALIDATION_ERROR",
		Message:    "validation failed",
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

func TokenExpired() *AppError {
	return &AppError{
		Err:        ErrTokenExpired,
		Code:       "TOKEN_EXPIRED",
		Message:    "token has expired",
		StatusCode: http.StatusUnauthorized,
	}
}

func TokenInvalid() *AppError {
	return &AppError{
		Err:        ErrTokenInvalid,
		Code:       "TOKEN_INVALID",
		Message:    "invalid token",
		StatusCode: http.StatusUnauthorized,
	}
}

// Is checks if the error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target any) bool {
	return errors.As(err, target)
}
