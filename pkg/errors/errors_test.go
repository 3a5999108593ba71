package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelMatchingSurvivesCopies(t *testing.T) {
	err := ErrNotFound.WithDetail("message", "post not found").WithCause(fmt.Errorf("no rows"))

	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(fmt.Errorf("lookup: %w", err)))
	assert.False(t, IsValidation(err))
	assert.Equal(t, "NOT_FOUND: post not found (caused by: no rows)", err.Error())
}

func TestFatalAndRetryableCodes(t *testing.T) {
	tests := []struct {
		name  string
		err   *Error
		fatal bool
	}{
		{"validation", ErrValidation, true},
		{"not found", ErrNotFound, true},
		{"unauthorized", ErrUnauthorized, true},
		{"forbidden", ErrForbidden, true},
		{"transport", ErrTransport, false},
		{"broker", ErrBrokerUnavailable, false},
		{"internal", ErrInternal, false},
		{"forced retryable", ErrValidation.AsRetryable(), false},
		{"forced fatal", ErrTransport.AsFatal(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
			assert.Equal(t, !tt.fatal, tt.err.IsRetryable())
		})
	}
}

func TestIsFatalOnPlainErrors(t *testing.T) {
	assert.False(t, IsFatal(stderrors.New("boom")))
	assert.False(t, IsFatal(nil))
}

func TestIsTransport(t *testing.T) {
	assert.True(t, IsTransport(ErrTransport.WithCause(stderrors.New("dial tcp"))))
	assert.True(t, IsTransport(ErrBrokerUnavailable))
	assert.False(t, IsTransport(ErrInternal))
}

func TestToErrorResponse(t *testing.T) {
	resp := ToErrorResponse(ErrUnauthorized.WithMessage("authentication required"))
	assert.Equal(t, map[string]interface{}{
		"error":      "authentication required",
		"error_code": "UNAUTHORIZED",
	}, resp)

	resp = ToErrorResponse(stderrors.New("raw"))
	assert.Equal(t, "INTERNAL_ERROR", resp["error_code"])
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(stderrors.New("raw")))
	assert.Equal(t, http.StatusServiceUnavailable, ToHTTPStatus(ErrTransport))

	resp = ToErrorResponse(ErrValidation.WithDetail("field", "content"))
	assert.Equal(t, map[string]interface{}{"field": "content"}, resp["details"])
}

func TestRecoverPanic(t *testing.T) {
	require.NoError(t, RecoverPanic(nil))

	err := RecoverPanic("nil map write")
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "panic: nil map write")

	var appErr *Error
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, true, appErr.Details["panic"])
	assert.NotEmpty(t, appErr.Details["stack_trace"])
}
