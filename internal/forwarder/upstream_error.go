package forwarder

import (
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/blueberrycongee/relaymux/internal/provider"
	gwerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

// maxTextErrorBody bounds how much of a non-JSON error body is kept.
const maxTextErrorBody = 500

// ExtractUpstreamError builds the failure record for a non-2xx upstream response. JSON
// bodies are kept verbatim; text bodies are truncated. The message comes from
// error.message (with error.type), message, or a string error field, falling back to
// "<status>: <status text>".
func ExtractUpstreamError(p *provider.Provider, status int, body []byte) *gwerrors.UpstreamError {
	ue := &gwerrors.UpstreamError{StatusCode: status}
	if p != nil {
		ue.ProviderID = p.ID
		ue.ProviderName = p.Name
	}

	if len(body) > 0 && gjson.ValidBytes(body) {
		ue.Body = string(body)
		ue.Message = jsonErrorMessage(gjson.ParseBytes(body))
	} else {
		ue.Body = truncateText(body, maxTextErrorBody)
	}

	if ue.Message == "" {
		ue.Message = strconv.Itoa(status) + ": " + http.StatusText(status)
	}
	return ue
}

func jsonErrorMessage(r gjson.Result) string {
	errField := r.Get("error")
	if errField.IsObject() {
		if msg := strings.TrimSpace(errField.Get("message").String()); msg != "" {
			if typ := strings.TrimSpace(errField.Get("type").String()); typ != "" {
				return msg + " (" + typ + ")"
			}
			return msg
		}
	}
	if msg := r.Get("message"); msg.Type == gjson.String && strings.TrimSpace(msg.String()) != "" {
		return strings.TrimSpace(msg.String())
	}
	if errField.Type == gjson.String && strings.TrimSpace(errField.String()) != "" {
		return strings.TrimSpace(errField.String())
	}
	return ""
}

// truncateText cuts b to at most limit bytes on a rune boundary.
func truncateText(b []byte, limit int) string {
	if len(b) <= limit {
		return strings.ToValidUTF8(string(b), "")
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return strings.ToValidUTF8(string(b[:cut]), "") + "..."
}

// transportError wraps a failed round trip.
func transportError(p *provider.Provider, err error) *gwerrors.UpstreamError {
	return &gwerrors.UpstreamError{
		ProviderID:   p.ID,
		ProviderName: p.Name,
		Message:      err.Error(),
		Transport:    err,
	}
}
