// Package api provides the gateway's non-proxy HTTP endpoints: health checks and
// conversation monitoring.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/relaymux/internal/affinity"
	"github.com/blueberrycongee/relaymux/internal/auth"
	"github.com/blueberrycongee/relaymux/internal/httputil"
	gwerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

const (
	defaultSessionLimit = 100
	maxSessionLimit     = 1000
	readinessTimeout    = 2 * time.Second
)

// ReadinessCheck reports whether one dependency can serve traffic.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// SessionLister is the affinity view the monitoring endpoints read.
type SessionLister interface {
	List(ctx context.Context, limit int) ([]affinity.Summary, error)
	Get(ctx context.Context, id string) (*affinity.Record, error)
}

// Handler serves health, session and token endpoints.
type Handler struct {
	auth     auth.Resolver
	sessions SessionLister
	tokens   *auth.TokenCodec
	checks   []ReadinessCheck
	logger   *slog.Logger
}

// NewHandler creates a Handler. tokens may be nil, which disables token issuing.
// checks run on every readiness request.
func NewHandler(resolver auth.Resolver, sessions SessionLister, tokens *auth.TokenCodec, logger *slog.Logger, checks ...ReadinessCheck) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		auth:     resolver,
		sessions: sessions,
		tokens:   tokens,
		checks:   checks,
		logger:   logger,
	}
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready. It fails with 503 when any check fails.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			h.logger.Warn("readiness check failed", "check", c.Name, "error", err)
			results[c.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[c.Name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "unavailable"
	}
	h.writeJSON(w, status, map[string]any{"status": overall, "checks": results})
}

type sessionList struct {
	Object string             `json:"object"`
	Data   []affinity.Summary `json:"data"`
}

// ListSessions handles GET /v1/sessions. Callers only see their own conversations.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	res, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	limit := defaultSessionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteError(w, gwerrors.NewClientRequestError("limit must be a positive integer"))
			return
		}
		limit = min(n, maxSessionLimit)
	}

	all, err := h.sessions.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err)
		httputil.WriteError(w, gwerrors.NewInternalError("failed to list sessions"))
		return
	}

	own := make([]affinity.Summary, 0, len(all))
	for _, s := range all {
		if s.Meta.UserID == res.User.ID {
			own = append(own, s)
		}
	}
	h.writeJSON(w, http.StatusOK, sessionList{Object: "list", Data: own})
}

// GetSession handles GET /v1/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	res, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	rec, err := h.sessions.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, affinity.ErrNotFound) || (err == nil && rec.Meta.UserID != res.User.ID) {
		h.writeNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("failed to load session", "error", err)
		httputil.WriteError(w, gwerrors.NewInternalError("failed to load session"))
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

type tokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken handles POST /v1/auth/token. It exchanges a raw API key for a
// short-lived session-login token bound to the same key.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if !h.tokens.Enabled() {
		h.writeJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: httputil.ErrorDetail{
			Message: "session tokens are not enabled",
			Type:    gwerrors.TypeInvalidRequest,
			Code:    "not_found",
		}})
		return
	}

	res, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if auth.IsSessionToken(res.RawAPIKey) {
		httputil.WriteError(w, gwerrors.NewClientRequestError("a raw api key is required to issue a token"))
		return
	}

	expires := time.Now().Add(h.tokens.TTL()).UTC().Truncate(time.Second)
	token, err := h.tokens.Issue(res.Key)
	if err != nil {
		h.logger.Error("failed to issue session token", "error", err, "key_id", res.Key.ID)
		httputil.WriteError(w, gwerrors.NewInternalError("failed to issue token"))
		return
	}
	h.writeJSON(w, http.StatusOK, tokenResponse{Token: token, TokenType: "Bearer", ExpiresAt: expires})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Result, bool) {
	res, err := h.auth.Resolve(r.Context(), r)
	if err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	return res, true
}

func (h *Handler) writeNotFound(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: httputil.ErrorDetail{
		Message: "session not found",
		Type:    gwerrors.TypeInvalidRequest,
		Code:    "not_found",
	}})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
