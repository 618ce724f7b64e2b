package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeValidation         ErrorCode = "VALIDATION_FAILED"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeGone               ErrorCode = "ENTITY_CLOSED"
	ErrCodeEmptyData          ErrorCode = "EMPTY_DATA"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	appErr := NewAppError(code, message, httpStatus)
	appErr.Cause = err
	return appErr
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// FromDomain maps a sync-core error onto an AppError. Errors that already
// carry an AppError are returned as is; anything unrecognised is internal.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	var (
		ve *domain.ValidationError
		se *domain.SerializationError
		ee *domain.EmptyDataError
	)
	switch {
	case stderrors.As(err, &ve):
		return WrapError(err, ErrCodeValidation, ve.Error(), http.StatusUnprocessableEntity).
			WithContext("kind", string(ve.Kind)).
			WithContext("attr", ve.Attr)
	case stderrors.As(err, &se):
		return WrapError(err, ErrCodeInvalidInput, se.Error(), http.StatusBadRequest).
			WithContext("attr", se.Attr)
	case stderrors.As(err, &ee):
		return WrapError(err, ErrCodeEmptyData, ee.Error(), http.StatusConflict).
			WithContext("entity_id", string(ee.EntityID))
	case stderrors.Is(err, domain.ErrEntityNotFound):
		return WrapError(err, ErrCodeNotFound, "entity not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrEntityClosed):
		return WrapError(err, ErrCodeGone, "entity closed", http.StatusGone)
	case stderrors.Is(err, domain.ErrUnknownKind),
		stderrors.Is(err, domain.ErrUnknownAttr),
		stderrors.Is(err, domain.ErrUnknownCommand):
		return WrapError(err, ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrTypeRedeclared):
		return WrapError(err, ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrTransportDown),
		stderrors.Is(err, domain.ErrTransportClosed):
		return WrapError(err, ErrCodeServiceUnavailable, "front-end unavailable", http.StatusServiceUnavailable)
	}
	return WrapError(err, ErrCodeInternal, "internal server error", http.StatusInternalServerError)
}

func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}
