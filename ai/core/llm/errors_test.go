package llm

import (
	"context"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/pkg/errors"
)

func TestMapErrorStatusCodes(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		expect aierrors.Code
	}{
		{"unauthorized", 401, aierrors.AuthInvalidToken},
		{"forbidden", 403, aierrors.AuthInvalidToken},
		{"payment required", 402, aierrors.ProviderQuotaExceeded},
		{"rate limited", 429, aierrors.AuthRateLimited},
		{"server error", 500, aierrors.ProviderUnavailable},
		{"bad gateway", 502, aierrors.ProviderUnavailable},
		{"other 4xx", 422, aierrors.ProviderInvalidResponse},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := &openai.APIError{HTTPStatusCode: tc.status, Message: "boom"}
			mapped := mapError(err)
			assert.Equal(t, tc.expect, mapped.Code)
		})
	}
}

func TestMapErrorContext(t *testing.T) {
	assert.Equal(t, aierrors.ProviderTimeout, mapError(context.DeadlineExceeded).Code)
	assert.Equal(t, aierrors.OperationCancelled, mapError(context.Canceled).Code)
}

func TestMapErrorQuotaText(t *testing.T) {
	mapped := mapError(errors.New("request rejected: monthly quota exceeded"))
	assert.Equal(t, aierrors.ProviderQuotaExceeded, mapped.Code)

	mapped = mapError(errors.New("Insufficient Balance for this API key"))
	assert.Equal(t, aierrors.ProviderQuotaExceeded, mapped.Code)
}

func TestMapErrorPassthrough(t *testing.T) {
	original := aierrors.New(aierrors.IntentNoDecision, "no decision")
	assert.Same(t, original, mapError(original))
}

func TestMapErrorUnknown(t *testing.T) {
	mapped := mapError(errors.New("connection reset by peer"))
	assert.Equal(t, aierrors.ProviderUnavailable, mapped.Code)
	assert.True(t, mapped.IsRetryable())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(aierrors.New(aierrors.ProviderUnavailable, "x")))
	assert.True(t, isRetryable(aierrors.New(aierrors.ProviderTimeout, "x")))
	assert.False(t, isRetryable(aierrors.New(aierrors.AuthRateLimited, "x")))
	assert.False(t, isRetryable(aierrors.New(aierrors.AuthInvalidToken, "x")))
	assert.False(t, isRetryable(aierrors.New(aierrors.ProviderInvalidResponse, "x")))
}
