package hub

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapErrorCarriesCodeAndCause(t *testing.T) {
	err := WrapError(ErrServerUnreachable, "dial failed")
	assert.Equal(t, ErrorCodeServerUnreachable, GetErrorCode(err))
	assert.True(t, errors.Is(err, ErrServerUnreachable))
	assert.Contains(t, err.Error(), "dial failed")
}

func TestRetryableClassification(t *testing.T) {
	retryable := []error{ErrConnectionTimeout, ErrConnectionLost, ErrServerUnreachable, ErrTokenExpired}
	for _, sentinel := range retryable {
		err := WrapError(sentinel, "x")
		assert.True(t, err.IsRetryable(), sentinel.Error())
		assert.False(t, err.IsFatal(), sentinel.Error())
	}

	fatal := []error{ErrTokenInvalid, ErrTokenRevoked, ErrOptimizerInvariant}
	for _, sentinel := range fatal {
		err := WrapError(sentinel, "x")
		assert.True(t, err.IsFatal(), sentinel.Error())
		assert.False(t, err.IsRetryable(), sentinel.Error())
	}
}

func TestGetErrorCodeUnwrapsNestedErrors(t *testing.T) {
	inner := WrapError(ErrAuthenticationBlocked, "blocked")
	outer := WrapError(inner, "handshake failed")
	assert.Equal(t, ErrorCodeAuthenticationBlocked, GetErrorCode(outer))

	assert.Equal(t, ErrorCodeUnknown, GetErrorCode(errors.New("anonymous")))
}

func TestErrorContext(t *testing.T) {
	err := NewError(ErrorCodeConnectionLost, "dropped", nil).
		WithContext("server_id", "s1")
	require.NotNil(t, err.Context)
	assert.Equal(t, "s1", err.Context["server_id"])
}
