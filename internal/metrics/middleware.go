package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RecordRequest records metrics for a completed proxied request.
func RecordRequest(format, provider string, statusCode int, latency time.Duration) {
	if provider == "" {
		provider = "none"
	}
	ProxyRequests.WithLabelValues(format, provider, strconv.Itoa(statusCode)).Inc()
	ProxyLatency.WithLabelValues(format, provider).Observe(latency.Seconds())
}

// RecordTokens records token usage by type; zero counts are skipped.
func RecordTokens(provider, model string, input, output, cacheCreation, cacheRead int64) {
	model = SanitizeModelLabel(model)
	for typ, n := range map[string]int64{
		"input":          input,
		"output":         output,
		"cache_creation": cacheCreation,
		"cache_read":     cacheRead,
	} {
		if n > 0 {
			Tokens.WithLabelValues(provider, model, typ).Add(float64(n))
		}
	}
}

// RecordSpend records billed cost.
func RecordSpend(provider, model string, cost float64) {
	if cost > 0 {
		Spend.WithLabelValues(provider, SanitizeModelLabel(model)).Add(cost)
	}
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher interface for streaming support.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware returns an HTTP middleware that records per-route latency.
func Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		HTTPRequestLatency.WithLabelValues(route, strconv.Itoa(recorder.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

const maxModelLabelLen = 64

// SanitizeModelLabel bounds model names used as label values.
func SanitizeModelLabel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(min(len(model), maxModelLabelLen))
	for _, r := range model {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' || r == '/' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxModelLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}
