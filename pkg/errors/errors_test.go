package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	assert.Same(t, originalErr, err.Cause)
	assert.Contains(t, err.Error(), "original error")
	assert.ErrorIs(t, err, originalErr)
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	err.WithContext("field", "value").WithContext("count", 42)

	assert.Equal(t, "value", err.Context["field"])
	assert.Equal(t, 42, err.Context["count"])
}

func TestConstructors(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, NewInvalidInputError("x").HTTPStatus)
	nf := NewNotFoundError("entity")
	assert.Equal(t, ErrCodeNotFound, nf.Code)
	assert.Equal(t, "entity not found", nf.Message)
	assert.Equal(t, http.StatusTooManyRequests, NewRateLimitError().HTTPStatus)
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)
	assert.Same(t, appErr, GetAppError(appErr))
	assert.Same(t, appErr, GetAppError(fmt.Errorf("handler: %w", appErr)))
	assert.Nil(t, GetAppError(errors.New("regular error")))
	assert.Nil(t, GetAppError(nil))
	assert.True(t, IsAppError(appErr))
	assert.False(t, IsAppError(errors.New("regular error")))
}

func TestFromDomain(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   ErrorCode
		status int
	}{
		{"validation", &domain.ValidationError{Kind: domain.KindVideoRecorder, Attr: "filename", Reason: "path separator"}, ErrCodeValidation, http.StatusUnprocessableEntity},
		{"serialization", &domain.SerializationError{Attr: "data", Reason: "not bytes"}, ErrCodeInvalidInput, http.StatusBadRequest},
		{"empty data", &domain.EmptyDataError{EntityID: "e1", Attr: "recording"}, ErrCodeEmptyData, http.StatusConflict},
		{"not found", fmt.Errorf("lookup e9: %w", domain.ErrEntityNotFound), ErrCodeNotFound, http.StatusNotFound},
		{"closed", domain.ErrEntityClosed, ErrCodeGone, http.StatusGone},
		{"unknown kind", domain.ErrUnknownKind, ErrCodeInvalidInput, http.StatusBadRequest},
		{"redeclared", domain.ErrTypeRedeclared, ErrCodeConflict, http.StatusConflict},
		{"transport down", fmt.Errorf("send: %w", domain.ErrTransportDown), ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			appErr := FromDomain(tc.err)
			require.NotNil(t, appErr)
			assert.Equal(t, tc.code, appErr.Code)
			assert.Equal(t, tc.status, appErr.HTTPStatus)
			assert.ErrorIs(t, appErr, tc.err)
		})
	}

	assert.Nil(t, FromDomain(nil))
	existing := NewForbiddenError("nope")
	assert.Same(t, existing, FromDomain(existing))
}
