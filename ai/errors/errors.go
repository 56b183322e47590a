// Package errors defines the error taxonomy shared by every module boundary.
// Each error carries a machine-readable code, a developer message, a
// pre-authored user-facing message, and a retryable flag; the gateway maps
// codes to HTTP statuses and never leaks technical detail to end users.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// Code classifies an error for machine handling.
type Code string

const (
	// Configuration (boot-time, fatal).
	ConfigInvalid Code = "CONFIG_INVALID"

	// Input validation (caller's fault).
	InputValidationFailed Code = "INPUT_VALIDATION_FAILED"
	InputTooLarge         Code = "INPUT_TOO_LARGE"

	// Authentication / authorization.
	AuthInvalidToken Code = "AUTH_INVALID_TOKEN"
	AuthForbidden    Code = "AUTH_FORBIDDEN"
	AuthRateLimited  Code = "AUTH_RATE_LIMITED"

	// Back-pressure.
	BackpressureQueueFull Code = "BACKPRESSURE_QUEUE_FULL"

	// Provider layer.
	ProviderUnavailable     Code = "PROVIDER_UNAVAILABLE"
	ProviderTimeout         Code = "PROVIDER_TIMEOUT"
	ProviderQuotaExceeded   Code = "PROVIDER_QUOTA_EXCEEDED"
	ProviderInvalidResponse Code = "PROVIDER_INVALID_RESPONSE"

	// Memory engine.
	MemoryConflict   Code = "MEMORY_CONFLICT"
	MemoryCorruption Code = "MEMORY_CORRUPTION"

	// Intent router.
	IntentNoDecision    Code = "INTENT_NO_DECISION"
	IntentLowConfidence Code = "INTENT_LOW_CONFIDENCE"

	// Skills.
	SkillNotFound        Code = "SKILL_NOT_FOUND"
	SkillExecutionFailed Code = "SKILL_EXECUTION_FAILED"

	// Lifecycle.
	OperationCancelled Code = "OPERATION_CANCELLED"

	// Catch-all for internal invariant violations.
	SystemInternal Code = "SYSTEM_INTERNAL"
)

// AIError is the concrete error type crossing module boundaries.
type AIError struct {
	Code        Code
	Message     string        // developer message, never shown to users
	UserMessage string        // overrides the pre-authored message when set
	Retryable   bool
	RetryAfter  time.Duration // optional hint, surfaced as retryAfterMs
	Err         error
}

func (e *AIError) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *AIError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the operation may be retried.
func (e *AIError) IsRetryable() bool {
	return e.Retryable
}

// WithRetryAfter returns a copy carrying a retry hint.
func (e *AIError) WithRetryAfter(d time.Duration) *AIError {
	clone := *e
	clone.RetryAfter = d
	return &clone
}

// WithUserMessage returns a copy with an explicit user-facing message.
func (e *AIError) WithUserMessage(msg string) *AIError {
	clone := *e
	clone.UserMessage = msg
	return &clone
}

// New creates an AIError with the code's default retryability.
func New(code Code, message string) *AIError {
	return &AIError{Code: code, Message: message, Retryable: retryableByDefault(code)}
}

// Newf creates an AIError with a formatted developer message.
func Newf(code Code, format string, args ...any) *AIError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new AIError.
func Wrap(err error, code Code, message string) *AIError {
	e := New(code, message)
	e.Err = err
	return e
}

// Wrapf attaches a cause with a formatted developer message.
func Wrapf(err error, code Code, format string, args ...any) *AIError {
	e := Newf(code, format, args...)
	e.Err = err
	return e
}

// From coerces any error into an *AIError. Unknown errors become
// SYSTEM_INTERNAL so the envelope layer always has a code to map.
func From(err error) *AIError {
	if err == nil {
		return nil
	}
	if aiErr, ok := err.(*AIError); ok { //nolint:errorlint // From is the boundary coercion
		return aiErr
	}
	return Wrap(err, SystemInternal, "unexpected error")
}

// retryableByDefault encodes the taxonomy: rate/quota and transient provider
// failures may be retried, everything else must not be.
func retryableByDefault(code Code) bool {
	switch code {
	case AuthRateLimited, ProviderUnavailable, ProviderTimeout,
		ProviderQuotaExceeded, BackpressureQueueFull:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error code to the external HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case InputValidationFailed:
		return http.StatusBadRequest
	case AuthInvalidToken:
		return http.StatusUnauthorized
	case AuthForbidden:
		return http.StatusForbidden
	case SkillNotFound:
		return http.StatusNotFound
	case MemoryConflict:
		return http.StatusConflict
	case InputTooLarge:
		return http.StatusRequestEntityTooLarge
	case AuthRateLimited, BackpressureQueueFull:
		return http.StatusTooManyRequests
	case ProviderInvalidResponse:
		return http.StatusBadGateway
	case ProviderUnavailable, ProviderQuotaExceeded, OperationCancelled:
		return http.StatusServiceUnavailable
	case ProviderTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// userMessages holds the pre-authored short messages shown to end users.
var userMessages = map[Code]string{
	ConfigInvalid:           "The assistant is misconfigured. Please contact the operator.",
	InputValidationFailed:   "That request was malformed. Please check the fields and try again.",
	InputTooLarge:           "That message is too large for me to process.",
	AuthInvalidToken:        "I couldn't verify your credentials.",
	AuthForbidden:           "You're not allowed to do that.",
	AuthRateLimited:         "You're sending requests a bit too fast. Please wait a moment.",
	BackpressureQueueFull:   "I'm handling a lot of messages right now. Please try again shortly.",
	ProviderUnavailable:     "My language model is temporarily unavailable. Please try again.",
	ProviderTimeout:         "That took longer than expected. Please try again.",
	ProviderQuotaExceeded:   "I've hit my usage limit for now. Please try again later.",
	ProviderInvalidResponse: "I received an unusable answer from my language model.",
	MemoryConflict:          "I noticed conflicting information and couldn't reconcile it.",
	MemoryCorruption:        "Something is wrong with my stored memories.",
	IntentNoDecision:        "I'm not sure what you mean; let me reply conversationally instead.",
	IntentLowConfidence:     "I'm not sure what you mean; let me reply conversationally instead.",
	SkillNotFound:           "I don't have a skill for that.",
	SkillExecutionFailed:    "That skill ran into a problem.",
	OperationCancelled:      "That request was cancelled.",
	SystemInternal:          "Something went wrong on my side. Please try again.",
}

// UserMessage returns the message safe to show an end user. The explicit
// per-error message wins over the pre-authored one.
func (e *AIError) FriendlyMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return UserMessageFor(e.Code)
}

// UserMessageFor returns the pre-authored user message for a code.
func UserMessageFor(code Code) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return userMessages[SystemInternal]
}
