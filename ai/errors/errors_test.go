package errors

import (
	stderrors "errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{InputValidationFailed, http.StatusBadRequest},
		{AuthInvalidToken, http.StatusUnauthorized},
		{AuthForbidden, http.StatusForbidden},
		{SkillNotFound, http.StatusNotFound},
		{MemoryConflict, http.StatusConflict},
		{InputTooLarge, http.StatusRequestEntityTooLarge},
		{AuthRateLimited, http.StatusTooManyRequests},
		{BackpressureQueueFull, http.StatusTooManyRequests},
		{SkillExecutionFailed, http.StatusInternalServerError},
		{SystemInternal, http.StatusInternalServerError},
		{ProviderInvalidResponse, http.StatusBadGateway},
		{ProviderUnavailable, http.StatusServiceUnavailable},
		{ProviderQuotaExceeded, http.StatusServiceUnavailable},
		{ProviderTimeout, http.StatusGatewayTimeout},
		{IntentNoDecision, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.code))
		})
	}
}

func TestRetryableDefaults(t *testing.T) {
	assert.True(t, New(AuthRateLimited, "x").IsRetryable())
	assert.True(t, New(ProviderUnavailable, "x").IsRetryable())
	assert.True(t, New(ProviderTimeout, "x").IsRetryable())
	assert.True(t, New(BackpressureQueueFull, "x").IsRetryable())
	assert.False(t, New(AuthInvalidToken, "x").IsRetryable())
	assert.False(t, New(InputValidationFailed, "x").IsRetryable())
	assert.False(t, New(SkillNotFound, "x").IsRetryable())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("boom")
	err := Wrap(cause, ProviderUnavailable, "upstream died")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "PROVIDER_UNAVAILABLE")
	assert.Contains(t, err.Error(), "boom")
}

func TestFromCoercion(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, From(nil))
	})

	t.Run("AIError passes through", func(t *testing.T) {
		orig := New(MemoryConflict, "clash")
		assert.Same(t, orig, From(orig))
	})

	t.Run("plain error becomes SYSTEM_INTERNAL", func(t *testing.T) {
		coerced := From(stderrors.New("plain"))
		require.NotNil(t, coerced)
		assert.Equal(t, SystemInternal, coerced.Code)
		assert.False(t, coerced.Retryable)
	})
}

func TestFriendlyMessageNeverExposesDetail(t *testing.T) {
	err := Newf(ProviderUnavailable, "POST /v1/chat 502 body=%q", "<html>bad gateway</html>")
	msg := err.FriendlyMessage()
	assert.NotContains(t, msg, "502")
	assert.NotContains(t, msg, "html")
	assert.NotEmpty(t, msg)

	custom := err.WithUserMessage("Try once more in a minute.")
	assert.Equal(t, "Try once more in a minute.", custom.FriendlyMessage())
	// Original untouched.
	assert.NotEqual(t, custom.FriendlyMessage(), err.FriendlyMessage())
}

func TestWithRetryAfterClones(t *testing.T) {
	base := New(AuthRateLimited, "slow down")
	hinted := base.WithRetryAfter(30 * time.Second)

	assert.Equal(t, 30*time.Second, hinted.RetryAfter)
	assert.Zero(t, base.RetryAfter)
	assert.Equal(t, base.Code, hinted.Code)
}

func TestLowConfidenceUserMessage(t *testing.T) {
	msg := UserMessageFor(IntentLowConfidence)
	assert.Contains(t, msg, "not sure")
}
