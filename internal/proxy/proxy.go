// Package proxy runs one inbound request through the gateway: authentication and
// guards, conversation affinity, provider selection with a concurrency reservation,
// forwarding with failover, and response dispatch.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/blueberrycongee/relaymux/internal/affinity"
	"github.com/blueberrycongee/relaymux/internal/auth"
	"github.com/blueberrycongee/relaymux/internal/dispatch"
	"github.com/blueberrycongee/relaymux/internal/forwarder"
	"github.com/blueberrycongee/relaymux/internal/guard"
	"github.com/blueberrycongee/relaymux/internal/httputil"
	"github.com/blueberrycongee/relaymux/internal/metrics"
	"github.com/blueberrycongee/relaymux/internal/observability"
	"github.com/blueberrycongee/relaymux/internal/provider"
	"github.com/blueberrycongee/relaymux/internal/ratelimit"
	"github.com/blueberrycongee/relaymux/internal/selector"
	"github.com/blueberrycongee/relaymux/internal/session"
	"github.com/blueberrycongee/relaymux/internal/transform"
	gwerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

// DefaultMaxRequestBytes caps inbound request bodies.
const DefaultMaxRequestBytes int64 = 32 << 20

// Config wires the collaborators of a Handler. Guard defaults to guard.AllowAll.
type Config struct {
	Auth       auth.Resolver
	Guard      guard.Checker
	Limiter    *ratelimit.Limiter
	Affinity   *affinity.Manager
	Providers  provider.Store
	Selector   *selector.Selector
	Forwarder  *forwarder.Forwarder
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger

	MaxRequestBytes int64
}

// Handler proxies requests of one client format.
type Handler struct {
	auth       auth.Resolver
	guard      guard.Checker
	limiter    *ratelimit.Limiter
	affinity   *affinity.Manager
	providers  provider.Store
	selector   *selector.Selector
	forwarder  *forwarder.Forwarder
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	maxBody    int64
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.Guard == nil {
		cfg.Guard = guard.AllowAll{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	return &Handler{
		auth:       cfg.Auth,
		guard:      cfg.Guard,
		limiter:    cfg.Limiter,
		affinity:   cfg.Affinity,
		providers:  cfg.Providers,
		selector:   cfg.Selector,
		forwarder:  cfg.Forwarder,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		maxBody:    cfg.MaxRequestBytes,
	}
}

// Native returns the handler for native-format requests.
func (h *Handler) Native() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, session.FormatNative)
	})
}

// OpenAI returns the handler for chat completion requests.
func (h *Handler) OpenAI() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, session.FormatOpenAI)
	})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, format session.Format) {
	ctx, requestID := observability.GetOrCreateRequestID(r.Context())
	r = r.WithContext(ctx)
	logger := h.logger.With("request_id", requestID, "format", string(format))

	body, err := httputil.ReadLimitedBody(r.Body, h.maxBody)
	if err != nil {
		msg := "failed to read request body"
		if errors.Is(err, httputil.ErrResponseBodyTooLarge) {
			msg = "request body too large"
		}
		h.finish(w, nil, format, "", gwerrors.NewClientRequestError(msg))
		return
	}

	sess := session.New(r, body, format)
	sess.RequestID = requestID

	res, err := h.auth.Resolve(ctx, r)
	if err != nil {
		logger.Info("request rejected by authentication", "error", err)
		h.finish(w, nil, format, "", httputil.AsGatewayError(err))
		return
	}
	sess.SetAuth(res)
	logger = logger.With("user_id", res.User.ID, "key_id", res.Key.ID)

	if gwErr := h.precheck(ctx, sess, logger); gwErr != nil {
		h.fail(ctx, w, sess, gwErr)
		return
	}

	convID := h.affinity.GetOrCreate(ctx, res.Key.ID, sess.Messages(), affinity.ExtractClientID(sess.Body()))
	sess.SetConversationID(convID)
	logger = logger.With("conversation_id", convID)

	keyRes, kd := h.limiter.ReserveKey(ctx, res.Key.ID, convID, res.Key.LimitConcurrentSessions)
	if !kd.Allowed {
		h.fail(ctx, w, sess, gwerrors.NewRateLimitError(gwerrors.LimitTypeKey, ratelimit.ConcurrencyRetryAfter, kd.Reason))
		return
	}
	defer keyRes.Release()

	h.affinity.Start(ctx, convID, affinity.Meta{
		UserID:  res.User.ID,
		KeyID:   res.Key.ID,
		Model:   sess.OriginalModel(),
		APIType: string(format),
	})

	reservation, gwErr := h.selectProvider(ctx, sess, logger)
	if gwErr != nil {
		h.fail(ctx, w, sess, gwErr)
		return
	}

	result, err := h.forwarder.Send(ctx, sess, reservation)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("client went away before the upstream answered", "error", err)
		} else {
			logger.Warn("request failed", "error", err, "attempts", len(sess.Chain()))
		}
		h.fail(ctx, w, sess, httputil.AsGatewayError(err))
		return
	}

	h.affinity.BindProvider(ctx, convID, result.Provider.ID)
	out := h.dispatcher.Dispatch(ctx, w, sess, result)
	metrics.RecordRequest(string(format), result.Provider.Name, out.StatusCode, sess.Elapsed())
	logger.Debug("request completed",
		"provider", result.Provider.Name, "status", out.StatusCode, "stream", out.Stream,
		"attempts", result.Attempts, "duration", sess.Elapsed())
}

// precheck runs the checks that need only the authenticated caller: the content
// guard, body validation, the user's request rate and the key's spend ceilings.
func (h *Handler) precheck(ctx context.Context, sess *session.Session, logger *slog.Logger) *gwerrors.GatewayError {
	verdict, err := h.guard.Check(ctx, sess)
	switch {
	case err != nil:
		logger.Warn("content guard failed, allowing request", "error", err)
	case verdict.Blocked:
		logger.Info("request blocked by content guard", "match", verdict.Match)
		return gwerrors.NewBlockedError("request contains blocked content")
	}

	if sess.Format == session.FormatOpenAI {
		if err := transform.ValidateChatRequest(sess.Body()); err != nil {
			gwErr := gwerrors.NewClientRequestError(err.Error())
			gwErr.Cause = err
			return gwErr
		}
	}

	res := sess.Auth()
	if !h.limiter.AllowRPM(res.User.ID, res.User.RPM) {
		return gwerrors.NewRateLimitError(gwerrors.LimitTypeKey, ratelimit.RPMRetryAfter(res.User.RPM),
			"request rate limit exceeded")
	}

	d := h.limiter.CheckCostLimits(ctx, ratelimit.EntityKey, res.Key.ID, ratelimit.Ceilings{
		Limit5h:      res.Key.Limit5hUSD,
		LimitWeekly:  res.Key.LimitWeeklyUSD,
		LimitMonthly: res.Key.LimitMonthlyUSD,
	})
	if !d.Allowed {
		return gwerrors.NewRateLimitError(gwerrors.LimitTypeKey, d.RetryAfter, d.Reason)
	}
	return nil
}

// selectProvider reuses the conversation's bound provider when the request continues
// an earlier exchange and the binding is still valid, and otherwise runs a fresh
// selection. The chosen provider is set on sess together with its chain entry.
func (h *Handler) selectProvider(ctx context.Context, sess *session.Session, logger *slog.Logger) (*ratelimit.Reservation, *gwerrors.GatewayError) {
	var excluded []int64

	if sess.MessageCount() > 1 {
		p, res, rejected := h.reuse(ctx, sess, logger)
		if p != nil {
			sess.SetProvider(p)
			return res, nil
		}
		if rejected > 0 {
			excluded = append(excluded, rejected)
		}
	}

	p, dc, res, excluded, err := h.forwarder.Pick(ctx, sess, excluded)
	if errors.Is(err, forwarder.ErrNoProvider) {
		logger.Warn("no provider available", "excluded", excluded)
		if len(excluded) > 0 {
			// Every exclusion here is a refused concurrency reservation.
			return nil, gwerrors.NewRateLimitError(gwerrors.LimitTypeProvider, ratelimit.ConcurrencyRetryAfter,
				concurrencyRefusal(sess))
		}
		return nil, gwerrors.NewNoProviderError("no available provider for this request")
	}
	if err != nil {
		logger.Error("provider selection failed", "error", err)
		gwErr := gwerrors.NewInternalError("provider selection failed")
		gwErr.Cause = err
		return nil, gwErr
	}

	sess.AddProviderToChain(p, session.ChainMeta{
		Reason:          session.ReasonInitialSelection,
		SelectionMethod: dc.Method,
		CircuitState:    h.selector.CircuitState(p),
		Decision:        dc,
	})
	sess.SetProvider(p)
	return res, nil
}

// reuse validates and reserves the bound provider. rejected is the bound provider id
// when its reservation was refused, so fresh selection skips it.
func (h *Handler) reuse(ctx context.Context, sess *session.Session, logger *slog.Logger) (p *provider.Provider, res *ratelimit.Reservation, rejected int64) {
	convID := sess.ConversationID()
	boundID := h.affinity.GetBoundProvider(ctx, convID)
	if boundID <= 0 {
		metrics.AffinityLookups.WithLabelValues("unbound").Inc()
		return nil, nil, 0
	}

	pool, err := h.providers.List(ctx)
	if err != nil {
		logger.Warn("provider list failed during session reuse", "error", err)
		metrics.AffinityLookups.WithLabelValues("rejected").Inc()
		return nil, nil, 0
	}
	bound, why := h.selector.Reuse(ctx, pool, boundID, selector.Request{
		Type:           sess.Format.ProviderType(),
		Group:          sess.UserGroup(),
		ConversationID: convID,
	})
	if bound == nil {
		logger.Info("bound provider not reusable, selecting again", "provider_id", boundID, "reason", why)
		metrics.AffinityLookups.WithLabelValues("rejected").Inc()
		return nil, nil, 0
	}

	res, d := h.limiter.ReserveProvider(ctx, bound, convID)
	if !d.Allowed {
		sess.AddProviderToChain(bound, session.ChainMeta{
			Reason:          session.ReasonConcurrentLimitFailed,
			SelectionMethod: session.MethodSessionReuse,
			CircuitState:    h.selector.CircuitState(bound),
			Error:           &session.ChainError{ProviderID: bound.ID, ProviderName: bound.Name, Message: d.Reason},
		})
		metrics.AffinityLookups.WithLabelValues("rejected").Inc()
		return nil, nil, bound.ID
	}

	sess.AddProviderToChain(bound, session.ChainMeta{
		Reason:          session.ReasonSessionReuse,
		SelectionMethod: session.MethodSessionReuse,
		CircuitState:    h.selector.CircuitState(bound),
	})
	metrics.AffinityLookups.WithLabelValues("reused").Inc()
	return bound, res, 0
}

// concurrencyRefusal is the reason of the latest refused provider reservation.
func concurrencyRefusal(sess *session.Session) string {
	chain := sess.Chain()
	for i := len(chain) - 1; i >= 0; i-- {
		e := chain[i]
		if e.Reason == session.ReasonConcurrentLimitFailed && e.Error != nil && e.Error.Message != "" {
			return e.Error.Message
		}
	}
	return "provider concurrency limit reached"
}

// fail records an authenticated request that ends without an upstream response.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, sess *session.Session, gwErr *gwerrors.GatewayError) {
	h.dispatcher.RecordFailure(ctx, sess, gwErr)
	name := ""
	if p := sess.Provider(); p != nil {
		name = p.Name
	}
	h.finish(w, sess, sess.Format, name, gwErr)
}

func (h *Handler) finish(w http.ResponseWriter, sess *session.Session, format session.Format, providerName string, gwErr *gwerrors.GatewayError) {
	httputil.WriteError(w, gwErr)
	elapsed := time.Duration(0)
	if sess != nil {
		elapsed = sess.Elapsed()
	}
	metrics.RecordRequest(string(format), providerName, gwErr.HTTPStatusCode(), elapsed)
}
