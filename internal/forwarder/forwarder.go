// Package forwarder sends a request upstream and fails over to alternative providers.
//
// The retry loop is an explicit state machine. Each forwarding attempt updates the
// provider's circuit breaker; failed providers join the request's exclusion list so the
// selector never offers them again.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/relaymux/internal/metrics"
	"github.com/blueberrycongee/relaymux/internal/provider"
	"github.com/blueberrycongee/relaymux/internal/ratelimit"
	"github.com/blueberrycongee/relaymux/internal/selector"
	"github.com/blueberrycongee/relaymux/internal/session"
	"github.com/blueberrycongee/relaymux/internal/transform"
	gwerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

const (
	// MaxRetryAttempts is the number of attempts allowed after the first one.
	MaxRetryAttempts = 3

	// ResponsesPath is the Response API path OpenAI-format requests are sent to.
	ResponsesPath = "/v1/responses"

	maxErrorBody = 1 << 20
	tracerName   = "github.com/blueberrycongee/relaymux/internal/forwarder"
)

// ErrNoProvider is returned by Pick when no provider can be selected.
var ErrNoProvider = errors.New("no available provider")

// State is a step of the retry loop.
type State int

const (
	StateSelecting State = iota
	StateForwarding
	StateSucceeded
	StateRetrying
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StateForwarding:
		return "forwarding"
	case StateSucceeded:
		return "succeeded"
	case StateRetrying:
		return "retrying"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Selector picks providers.
type Selector interface {
	Select(ctx context.Context, pool []*provider.Provider, req selector.Request) (*provider.Provider, *session.DecisionContext)
	CircuitState(p *provider.Provider) string
}

// Breakers receives per-attempt outcomes. Release hands back an admitted attempt
// that ended without an outcome.
type Breakers interface {
	Allow(providerID int64) bool
	RecordSuccess(providerID int64)
	RecordFailure(providerID int64, err error)
	Release(providerID int64)
}

// Reserver admits a conversation onto a provider's concurrency budget.
type Reserver interface {
	ReserveProvider(ctx context.Context, p *provider.Provider, conversationID string) (*ratelimit.Reservation, ratelimit.SessionDecision)
}

// Result is a successful upstream response. The caller owns Response.Body and
// Reservation, and calls Finish once the body has been consumed.
//
// Once response headers arrive the upstream request no longer follows the client's
// context, so a disconnecting client does not cut the body short for accounting.
type Result struct {
	Response    *http.Response
	Provider    *provider.Provider
	Reservation *ratelimit.Reservation
	Attempts    int
	// Translate is set when the response must be converted to the client's format.
	Translate bool

	cancel context.CancelFunc
}

// Finish releases the upstream request. It is safe on a nil Result and to call twice.
func (r *Result) Finish() {
	if r != nil && r.cancel != nil {
		r.cancel()
	}
}

// Config configures a Forwarder.
type Config struct {
	Providers provider.Store
	Selector  Selector
	Breakers  Breakers
	Reserver  Reserver
	Client    *http.Client
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

// Forwarder runs the forwarding loop.
type Forwarder struct {
	providers provider.Store
	selector  Selector
	breakers  Breakers
	reserver  Reserver
	client    *http.Client
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New creates a Forwarder. Client defaults to a client without an overall timeout so
// long streams are not cut; upstream hangs surface through the transport's timeouts.
func New(cfg Config) *Forwarder {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Forwarder{
		providers: cfg.Providers,
		selector:  cfg.Selector,
		breakers:  cfg.Breakers,
		reserver:  cfg.Reserver,
		client:    cfg.Client,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
	}
}

// Pick selects a provider outside excluded and reserves a concurrency slot on it. A
// provider refusing the reservation gets a concurrent_limit_failed chain entry and is
// excluded before reselecting. It returns the grown exclusion list.
func (f *Forwarder) Pick(ctx context.Context, sess *session.Session, excluded []int64) (*provider.Provider, *session.DecisionContext, *ratelimit.Reservation, []int64, error) {
	for {
		pool, err := f.providers.List(ctx)
		if err != nil {
			return nil, nil, nil, excluded, fmt.Errorf("list providers: %w", err)
		}

		p, dc := f.selector.Select(ctx, pool, selector.Request{
			Type:           sess.Format.ProviderType(),
			Group:          sess.UserGroup(),
			Excluded:       excluded,
			ConversationID: sess.ConversationID(),
		})
		if p == nil {
			return nil, dc, nil, excluded, ErrNoProvider
		}

		if f.reserver == nil {
			return p, dc, nil, excluded, nil
		}
		res, d := f.reserver.ReserveProvider(ctx, p, sess.ConversationID())
		if d.Allowed {
			return p, dc, res, excluded, nil
		}

		sess.AddProviderToChain(p, session.ChainMeta{
			Reason:          session.ReasonConcurrentLimitFailed,
			SelectionMethod: dc.Method,
			CircuitState:    f.selector.CircuitState(p),
			Error:           &session.ChainError{ProviderID: p.ID, ProviderName: p.Name, Message: d.Reason},
			Decision:        dc,
		})
		f.logger.Info("provider concurrency reservation refused, reselecting",
			"provider_id", p.ID, "provider", p.Name, "reason", d.Reason, "request_id", sess.RequestID)
		excluded = append(excluded, p.ID)
	}
}

// Send forwards sess to its selected provider, failing over on any non-2xx response or
// transport error. 4xx responses are retried too: a rejected upstream key says nothing
// about the request itself. reservation belongs to the selected provider; on failover
// it is released and replaced by the alternative's.
func (f *Forwarder) Send(ctx context.Context, sess *session.Session, reservation *ratelimit.Reservation) (*Result, error) {
	current := sess.Provider()
	if current == nil {
		reservation.Release()
		return nil, gwerrors.NewNoProviderError("no provider selected")
	}

	body, translate, err := f.outboundBody(sess, current)
	if err != nil {
		reservation.Release()
		return nil, err
	}

	var (
		state    = StateForwarding
		attempt  = 1
		excluded []int64
		last     *gwerrors.UpstreamError
		resp     *http.Response
		cancel   context.CancelFunc
		// setAside is set when the previous provider was skipped without failing.
		setAside bool
	)

	for {
		switch state {
		case StateForwarding:
			if !f.breakerAllows(current) {
				// Another request holds the half-open trial; not a provider failure.
				sess.AddProviderToChain(current, session.ChainMeta{
					Reason:       session.ReasonCircuitTrialBusy,
					CircuitState: f.selector.CircuitState(current),
					Error: &session.ChainError{
						ProviderID:   current.ID,
						ProviderName: current.Name,
						Message:      "half-open trial already in flight",
					},
				})
				f.logger.Info("provider trial busy, reselecting",
					"provider_id", current.ID, "provider", current.Name, "request_id", sess.RequestID)
				excluded = append(excluded, current.ID)
				reservation.Release()
				reservation = nil
				setAside = true
				state = StateSelecting
				continue
			}

			var uerr *gwerrors.UpstreamError
			resp, cancel, uerr, err = f.attempt(ctx, sess, current, body, attempt)
			if err != nil {
				// Request context ended: neither the provider's fault nor retryable.
				f.releaseBreaker(current)
				reservation.Release()
				return nil, err
			}
			if uerr == nil {
				f.recordSuccess(current)
				state = StateSucceeded
				continue
			}

			f.recordFailure(current, uerr)
			last = uerr
			excluded = append(excluded, current.ID)
			reservation.Release()
			reservation = nil
			state = StateRetrying

		case StateRetrying:
			if attempt > MaxRetryAttempts {
				state = StateExhausted
				continue
			}
			metrics.Retries.WithLabelValues(current.Name).Inc()
			state = StateSelecting

		case StateSelecting:
			next, dc, res, grown, perr := f.Pick(ctx, sess, excluded)
			excluded = grown
			if perr != nil {
				if !errors.Is(perr, ErrNoProvider) {
					f.logger.Warn("alternative selection failed", "error", perr, "request_id", sess.RequestID)
				}
				state = StateExhausted
				continue
			}

			meta := session.ChainMeta{
				Reason:          session.ReasonInitialSelection,
				SelectionMethod: dc.Method,
				CircuitState:    f.selector.CircuitState(next),
				Decision:        dc,
			}
			switch {
			case last != nil:
				attempt++
				meta.Reason = session.ReasonRetryAttempt
				meta.AttemptNumber = attempt
				meta.Error = chainError(last)
			case setAside:
				meta.Reason = session.ReasonReselected
			}
			setAside = false
			current = next
			reservation = res
			sess.SetProvider(next)
			sess.AddProviderToChain(next, meta)
			if body, translate, err = f.outboundBody(sess, next); err != nil {
				reservation.Release()
				return nil, err
			}
			state = StateForwarding

		case StateSucceeded:
			return &Result{
				Response:    resp,
				Provider:    current,
				Reservation: reservation,
				Attempts:    attempt,
				Translate:   translate,
				cancel:      cancel,
			}, nil

		case StateExhausted:
			metrics.ExhaustedRetries.Inc()
			if last != nil {
				if failed, ok := f.lookup(ctx, last.ProviderID); ok {
					sess.AddProviderToChain(failed, session.ChainMeta{
						Reason:        session.ReasonRetryFailed,
						CircuitState:  f.selector.CircuitState(failed),
						AttemptNumber: attempt,
						Error:         chainError(last),
					})
				}
			}
			f.logger.Warn("upstream attempts exhausted",
				"attempts", attempt, "excluded", excluded, "request_id", sess.RequestID)
			return nil, &gwerrors.ExhaustedRetriesError{Attempts: attempt, Last: last}
		}
	}
}

func (f *Forwarder) lookup(ctx context.Context, id int64) (*provider.Provider, bool) {
	p, err := f.providers.Get(ctx, id)
	if err != nil {
		return nil, false
	}
	return p, true
}

func (f *Forwarder) breakerAllows(p *provider.Provider) bool {
	return f.breakers == nil || f.breakers.Allow(p.ID)
}

func (f *Forwarder) releaseBreaker(p *provider.Provider) {
	if f.breakers != nil {
		f.breakers.Release(p.ID)
	}
}

func (f *Forwarder) recordSuccess(p *provider.Provider) {
	if f.breakers != nil {
		f.breakers.RecordSuccess(p.ID)
	}
}

func (f *Forwarder) recordFailure(p *provider.Provider, err error) {
	if f.breakers != nil {
		f.breakers.RecordFailure(p.ID, err)
	}
}

func chainError(ue *gwerrors.UpstreamError) *session.ChainError {
	if ue == nil {
		return nil
	}
	return &session.ChainError{
		ProviderID:   ue.ProviderID,
		ProviderName: ue.ProviderName,
		StatusCode:   ue.StatusCode,
		Message:      ue.Message,
	}
}

// attempt performs one HTTP call. It returns an UpstreamError for provider failures and
// a plain error only when the request context is done.
//
// The upstream request follows ctx until response headers arrive. A successful
// response is then detached from ctx and the returned cancel func ends it.
func (f *Forwarder) attempt(ctx context.Context, sess *session.Session, p *provider.Provider, body []byte, attempt int) (*http.Response, context.CancelFunc, *gwerrors.UpstreamError, error) {
	spanCtx, span := f.tracer.Start(ctx, "upstream.attempt", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int64("relaymux.provider.id", p.ID),
			attribute.String("relaymux.provider.name", p.Name),
			attribute.Int("relaymux.attempt", attempt),
			attribute.String("relaymux.request_id", sess.RequestID),
		))
	defer span.End()

	upCtx, cancel := context.WithCancel(context.WithoutCancel(spanCtx))
	stop := context.AfterFunc(ctx, cancel)
	abandon := func() {
		stop()
		cancel()
	}

	req, err := f.buildRequest(upCtx, sess, p, body)
	if err != nil {
		abandon()
		ue := transportError(p, err)
		span.SetStatus(codes.Error, ue.Message)
		metrics.UpstreamAttempts.WithLabelValues(p.Name, "transport_error").Inc()
		return nil, nil, ue, nil
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	metrics.UpstreamLatency.WithLabelValues(p.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		abandon()
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "request cancelled")
			return nil, nil, nil, ctx.Err()
		}
		ue := transportError(p, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, ue.Message)
		metrics.UpstreamAttempts.WithLabelValues(p.Name, "transport_error").Inc()
		f.logger.Warn("upstream transport error",
			"provider", p.Name, "provider_id", p.ID, "attempt", attempt, "error", err, "request_id", sess.RequestID)
		return nil, nil, ue, nil
	}

	// A false stop means the client left while headers were in flight.
	if !stop() {
		_ = resp.Body.Close()
		cancel()
		span.SetStatus(codes.Error, "request cancelled")
		return nil, nil, nil, ctx.Err()
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.UpstreamAttempts.WithLabelValues(p.Name, "success").Inc()
		return resp, cancel, nil, nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	cancel()
	ue := ExtractUpstreamError(p, resp.StatusCode, data)
	span.SetStatus(codes.Error, ue.Message)
	metrics.UpstreamAttempts.WithLabelValues(p.Name, "http_error").Inc()
	f.logger.Warn("upstream returned error status",
		"provider", p.Name, "provider_id", p.ID, "attempt", attempt,
		"status", resp.StatusCode, "message", ue.Message, "request_id", sess.RequestID)
	return nil, nil, ue, nil
}

// outboundBody prepares the body for p: a Response API body for OpenAI-format clients
// on Response API providers, else the client body, with the provider's model redirect
// applied. The original model stays on the session for pricing.
func (f *Forwarder) outboundBody(sess *session.Session, p *provider.Provider) ([]byte, bool, error) {
	body := sess.RawBody()
	translate := sess.Format == session.FormatOpenAI && p.Type == provider.TypeOpenAIResponse

	if translate {
		converted, err := transform.MarshalResponsesRequest(sess.Body())
		if err != nil {
			gwErr := gwerrors.NewClientRequestError(err.Error())
			gwErr.Cause = err
			return nil, false, gwErr
		}
		body = converted
	}

	sess.SetRedirectedModel("")
	if !sess.IsJSON() {
		return body, translate, nil
	}
	if target, ok := p.RedirectModel(sess.OriginalModel()); ok {
		patched, err := sjson.SetBytes(body, "model", target)
		if err != nil {
			f.logger.Warn("model redirect failed", "provider", p.Name, "model", sess.OriginalModel(), "error", err)
			return body, translate, nil
		}
		sess.SetRedirectedModel(target)
		f.logger.Debug("model redirected", "provider", p.Name, "from", sess.OriginalModel(), "to", target)
		body = patched
	}
	return body, translate, nil
}

// hopByHopHeaders are connection-scoped and never forwarded.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// strippedHeaders are replaced or recomputed for the upstream.
var strippedHeaders = []string{
	"Host", "Authorization", "X-Api-Key", "Content-Length", "Accept-Encoding",
	"X-Forwarded-For", "X-Real-Ip", "Cookie",
}

func (f *Forwarder) buildRequest(ctx context.Context, sess *session.Session, p *provider.Provider, body []byte) (*http.Request, error) {
	target := upstreamURL(p, sess)
	req, err := http.NewRequestWithContext(ctx, sess.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	h := sess.Headers.Clone()
	if h == nil {
		h = make(http.Header)
	}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	for _, name := range strippedHeaders {
		h.Del(name)
	}

	h.Set("Authorization", "Bearer "+p.APIKey)
	h.Set("X-Api-Key", p.APIKey)
	if sess.IsJSON() && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	req.Header = h
	req.ContentLength = int64(len(body))
	return req, nil
}

// upstreamURL joins the provider base URL with the request path. OpenAI-format
// requests on Response API providers go to ResponsesPath.
func upstreamURL(p *provider.Provider, sess *session.Session) string {
	base := strings.TrimRight(p.BaseURL, "/")
	path := sess.Path()
	query := ""
	if sess.URL != nil {
		query = sess.URL.RawQuery
	}

	if sess.Format == session.FormatOpenAI && p.Type == provider.TypeOpenAIResponse {
		path = ResponsesPath
	}
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1/") {
		base = strings.TrimSuffix(base, "/v1")
	}

	target := base + path
	if query != "" {
		target += "?" + query
	}
	return target
}
