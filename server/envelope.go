package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
)

// envelope is the uniform response shape of every JSON endpoint.
type envelope struct {
	OK       bool           `json:"ok"`
	Output   any            `json:"output,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    *errorBody     `json:"error,omitempty"`
}

type errorBody struct {
	Code         string            `json:"code"`
	Message      string            `json:"message"`
	Retryable    bool              `json:"retryable"`
	RetryAfterMS int64             `json:"retryAfterMs,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
}

func respondOK(c echo.Context, output any, metadata map[string]any) error {
	return c.JSON(http.StatusOK, envelope{OK: true, Output: output, Metadata: metadata})
}

// respondError maps any error onto the envelope. Technical detail stays in
// the logs; the body carries the pre-authored user message only.
func respondError(c echo.Context, err error) error {
	aiErr := aierrors.From(err)
	body := &errorBody{
		Code:      string(aiErr.Code),
		Message:   aiErr.FriendlyMessage(),
		Retryable: aiErr.IsRetryable(),
	}
	if aiErr.RetryAfter > 0 {
		body.RetryAfterMS = aiErr.RetryAfter.Milliseconds()
		c.Response().Header().Set("Retry-After", retryAfterSeconds(aiErr))
	}
	return c.JSON(aierrors.HTTPStatus(aiErr.Code), envelope{OK: false, Error: body})
}

// respondFieldErrors reports a validation failure with per-field detail.
func respondFieldErrors(c echo.Context, fields map[string]string) error {
	return c.JSON(http.StatusBadRequest, envelope{OK: false, Error: &errorBody{
		Code:    string(aierrors.InputValidationFailed),
		Message: aierrors.UserMessageFor(aierrors.InputValidationFailed),
		Fields:  fields,
	}})
}

func retryAfterSeconds(aiErr *aierrors.AIError) string {
	secs := int64(aiErr.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
