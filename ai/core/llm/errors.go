package llm

import (
	"context"
	"errors"
	"net"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
)

// mapError converts a transport-level failure into the taxonomy: 401/403 are
// credential faults, 402 and quota text are quota exhaustion, 429 is rate
// limiting, 5xx and network faults are transient, deadline hits are timeouts.
func mapError(err error) *aierrors.AIError {
	if err == nil {
		return nil
	}

	var aiErr *aierrors.AIError
	if errors.As(err, &aiErr) {
		return aiErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return aierrors.Wrap(err, aierrors.ProviderTimeout, "provider attempt timed out")
	}
	if errors.Is(err, context.Canceled) {
		return aierrors.Wrap(err, aierrors.OperationCancelled, "provider call cancelled")
	}

	if status, ok := statusCode(err); ok {
		return mapStatus(status, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return aierrors.Wrap(err, aierrors.ProviderTimeout, "network timeout")
		}
		return aierrors.Wrap(err, aierrors.ProviderUnavailable, "network failure")
	}

	if isQuotaMessage(err.Error()) {
		return aierrors.Wrap(err, aierrors.ProviderQuotaExceeded, "provider quota exhausted")
	}

	return aierrors.Wrap(err, aierrors.ProviderUnavailable, "provider request failed")
}

// statusCode extracts the HTTP status from SDK error types.
func statusCode(err error) (int, bool) {
	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) {
		return openaiErr.HTTPStatusCode, true
	}
	var openaiReqErr *openai.RequestError
	if errors.As(err, &openaiReqErr) {
		return openaiReqErr.HTTPStatusCode, true
	}
	var anthErr *anthropicsdk.Error
	if errors.As(err, &anthErr) {
		return anthErr.StatusCode, true
	}
	return 0, false
}

func mapStatus(status int, err error) *aierrors.AIError {
	switch {
	case status == 401 || status == 403:
		return aierrors.Wrap(err, aierrors.AuthInvalidToken, "provider rejected credentials")
	case status == 402:
		return aierrors.Wrap(err, aierrors.ProviderQuotaExceeded, "provider quota exhausted")
	case status == 429:
		return aierrors.Wrap(err, aierrors.AuthRateLimited, "provider rate limited")
	case status >= 500:
		return aierrors.Wrapf(err, aierrors.ProviderUnavailable, "provider returned %d", status)
	case isQuotaMessage(err.Error()):
		return aierrors.Wrap(err, aierrors.ProviderQuotaExceeded, "provider quota exhausted")
	default:
		return aierrors.Wrapf(err, aierrors.ProviderInvalidResponse, "provider returned %d", status)
	}
}

func isQuotaMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "quota") || strings.Contains(lower, "insufficient balance")
}
