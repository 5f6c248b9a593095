package httputil

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	gwerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

// ErrorResponse is the OpenAI-compatible error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message  string `json:"message"`
	Type     string `json:"type"`
	Code     string `json:"code,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// AsGatewayError maps any error onto a GatewayError. Unknown errors become internal
// errors with a generic message so internals never reach the client.
func AsGatewayError(err error) *gwerrors.GatewayError {
	var gwErr *gwerrors.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	var exhausted *gwerrors.ExhaustedRetriesError
	if errors.As(err, &exhausted) {
		return exhausted.GatewayError()
	}
	internal := gwerrors.NewInternalError("internal server error")
	internal.Cause = err
	return internal
}

// WriteError renders err as a JSON envelope. Rate-limit errors carry Retry-After and
// X-RateLimit-Type.
func WriteError(w http.ResponseWriter, err error) {
	gwErr := AsGatewayError(err)

	h := w.Header()
	h.Set("Content-Type", "application/json")
	if gwErr.Kind == gwerrors.KindRateLimit {
		secs := int(math.Ceil(gwErr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.Itoa(secs))
		if gwErr.LimitType != "" {
			h.Set("X-RateLimit-Type", string(gwErr.LimitType))
		}
	}

	body, _ := json.Marshal(ErrorResponse{Error: ErrorDetail{
		Message:  gwErr.Message,
		Type:     gwErr.Type,
		Code:     string(gwErr.Kind),
		Provider: gwErr.Provider,
	}})
	w.WriteHeader(gwErr.HTTPStatusCode())
	_, _ = w.Write(body)
}
