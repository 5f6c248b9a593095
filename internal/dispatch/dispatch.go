// Package dispatch writes a successful upstream response to the client and settles the
// request's accounting: usage, cost, spend counters, affinity usage and the audit log.
//
// Buffered responses are read once. Streams are teed so the client branch and the
// accounting branch progress independently; accounting keeps draining after a client
// disconnect and runs on a context detached from the request.
package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/relaymux/internal/affinity"
	"github.com/blueberrycongee/relaymux/internal/audit"
	"github.com/blueberrycongee/relaymux/internal/forwarder"
	"github.com/blueberrycongee/relaymux/internal/httputil"
	"github.com/blueberrycongee/relaymux/internal/metrics"
	"github.com/blueberrycongee/relaymux/internal/pricing"
	"github.com/blueberrycongee/relaymux/internal/provider"
	"github.com/blueberrycongee/relaymux/internal/session"
	"github.com/blueberrycongee/relaymux/internal/streaming"
	"github.com/blueberrycongee/relaymux/internal/transform"
	gwerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

const (
	// DefaultAccountingTimeout bounds the bookkeeping done after a response.
	DefaultAccountingTimeout = 10 * time.Second

	maxBufferedBody = 64 << 20
	copyBufferSize  = 32 << 10
)

// CostRecorder feeds billed cost into spend windows.
type CostRecorder interface {
	RecordCost(ctx context.Context, keyID, providerID int64, cost float64)
}

// UsageRecorder accumulates per-conversation usage.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, id string, usage affinity.Usage, status affinity.Status)
}

// Config configures a Dispatcher. Every collaborator is optional.
type Config struct {
	Prices            pricing.Lookup
	Audit             audit.Writer
	Affinity          UsageRecorder
	Costs             CostRecorder
	Logger            *slog.Logger
	AccountingTimeout time.Duration
}

// Dispatcher delivers responses and settles accounting.
type Dispatcher struct {
	prices   pricing.Lookup
	audit    audit.Writer
	affinity UsageRecorder
	costs    CostRecorder
	logger   *slog.Logger
	timeout  time.Duration

	wg sync.WaitGroup
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AccountingTimeout <= 0 {
		cfg.AccountingTimeout = DefaultAccountingTimeout
	}
	return &Dispatcher{
		prices:   cfg.Prices,
		audit:    cfg.Audit,
		affinity: cfg.Affinity,
		costs:    cfg.Costs,
		logger:   cfg.Logger,
		timeout:  cfg.AccountingTimeout,
	}
}

// Wait blocks until every in-flight stream accounting branch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Outcome summarizes what was delivered, for request metrics.
type Outcome struct {
	StatusCode int
	Stream     bool
}

// Dispatch writes result to w. It owns result.Response.Body and result.Reservation.
// The returned Outcome reports the status actually sent to the client.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, sess *session.Session, result *forwarder.Result) Outcome {
	if IsEventStream(result.Response.Header.Get("Content-Type")) {
		return d.dispatchStream(ctx, w, sess, result)
	}
	return d.dispatchBuffered(ctx, w, sess, result)
}

// IsEventStream reports whether a Content-Type names an SSE stream.
func IsEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.TrimSpace(strings.ToLower(contentType)), "text/event-stream")
	}
	return mt == "text/event-stream"
}

func (d *Dispatcher) dispatchBuffered(ctx context.Context, w http.ResponseWriter, sess *session.Session, result *forwarder.Result) Outcome {
	resp := result.Response
	body, err := httputil.ReadLimitedBody(resp.Body, maxBufferedBody)
	_ = resp.Body.Close()
	if err != nil {
		d.logger.Warn("upstream body read failed", "provider", result.Provider.Name, "error", err, "request_id", sess.RequestID)
		gwErr := upstreamAbortError(result.Provider, err)
		httputil.WriteError(w, gwErr)
		d.settle(ctx, sess, result, settlement{status: gwErr.StatusCode, err: err.Error()})
		return Outcome{StatusCode: gwErr.StatusCode}
	}

	usage, _ := ParseUsage(body)

	out := body
	if result.Translate {
		converted, cerr := transform.ResponsesToChatCompletion(body)
		if cerr != nil {
			d.logger.Warn("response translation failed", "provider", result.Provider.Name, "error", cerr, "request_id", sess.RequestID)
			gwErr := &gwerrors.GatewayError{
				Kind:       gwerrors.KindUpstream,
				StatusCode: http.StatusBadGateway,
				Type:       gwerrors.TypeUpstream,
				Message:    "upstream returned an unreadable response",
				Provider:   result.Provider.Name,
				Cause:      cerr,
			}
			httputil.WriteError(w, gwErr)
			d.settle(ctx, sess, result, settlement{status: gwErr.StatusCode, usage: usage, err: cerr.Error()})
			return Outcome{StatusCode: gwErr.StatusCode}
		}
		out = converted
	}

	copyHeaders(w.Header(), resp.Header)
	if result.Translate {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(resp.StatusCode)
	if _, werr := w.Write(out); werr != nil {
		d.logger.Debug("client write failed", "error", werr, "request_id", sess.RequestID)
	}

	d.settle(ctx, sess, result, settlement{status: resp.StatusCode, usage: usage})
	return Outcome{StatusCode: resp.StatusCode}
}

func (d *Dispatcher) dispatchStream(ctx context.Context, w http.ResponseWriter, sess *session.Session, result *forwarder.Result) Outcome {
	resp := result.Response
	clientBranch, accountingBranch := streaming.Tee(resp.Body)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.accountStream(ctx, sess, result, accountingBranch)
	}()

	defer clientBranch.Close()

	sw, err := streaming.NewWriter(w)
	if err != nil {
		d.logger.Error("streaming unsupported by response writer", "error", err, "request_id", sess.RequestID)
		httputil.WriteError(w, gwerrors.NewInternalError("streaming not supported"))
		return Outcome{StatusCode: http.StatusInternalServerError, Stream: true}
	}
	copyHeaders(w.Header(), resp.Header)
	sw.Start(resp.StatusCode)

	if result.Translate {
		d.transcodeToClient(sw, sess, clientBranch)
	} else {
		d.copyToClient(sw, sess, clientBranch)
	}
	return Outcome{StatusCode: resp.StatusCode, Stream: true}
}

// copyToClient relays native stream bytes unchanged.
func (d *Dispatcher) copyToClient(sw *streaming.Writer, sess *session.Session, src io.Reader) {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := sw.WriteRaw(buf[:n]); werr != nil {
				d.logger.Info("client disconnected during stream", "error", werr, "request_id", sess.RequestID)
				return
			}
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			d.logger.Warn("upstream stream aborted", "error", err, "request_id", sess.RequestID)
			_ = sw.WriteEvent("error", nativeStreamError(err.Error()))
			return
		}
	}
}

// transcodeToClient converts Response API events into chat completion chunks.
func (d *Dispatcher) transcodeToClient(sw *streaming.Writer, sess *session.Session, src io.Reader) {
	reader := streaming.NewReader(src)
	tc := transform.NewStreamTranscoder()

	write := func(payloads [][]byte) bool {
		for _, p := range payloads {
			if err := sw.WriteData(p); err != nil {
				d.logger.Info("client disconnected during stream", "error", err, "request_id", sess.RequestID)
				return false
			}
		}
		return true
	}

	for {
		ev, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.logger.Warn("upstream stream aborted", "error", err, "request_id", sess.RequestID)
			}
			if tc.Finished() {
				return
			}
			if !write(tc.Finish()) {
				return
			}
			msg := "upstream stream ended before completion"
			if err != nil && !errors.Is(err, io.EOF) {
				msg = err.Error()
			}
			write([][]byte{transform.ErrorPayload(msg, gwerrors.TypeUpstream, nil), transform.DonePayload})
			return
		}
		if ev.Done() {
			if !tc.Finished() {
				if write(tc.Finish()) {
					write([][]byte{transform.DonePayload})
				}
			}
			return
		}
		if !write(tc.Transcode(ev.Name, ev.Data)) {
			return
		}
		if tc.Finished() {
			return
		}
	}
}

// accountStream drains the accounting branch to the end, then settles.
func (d *Dispatcher) accountStream(ctx context.Context, sess *session.Session, result *forwarder.Result, src io.ReadCloser) {
	defer src.Close()

	var acc streamAccumulator
	reader := streaming.NewReader(src)
	var readErr error
	for {
		ev, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		acc.observe(ev)
	}

	s := settlement{status: result.Response.StatusCode, usage: acc.usage}
	switch {
	case readErr != nil:
		s.err = readErr.Error()
	case acc.failed:
		s.err = acc.failure
	case result.Translate && !acc.terminal:
		s.err = "upstream stream ended before completion"
	}
	d.settle(ctx, sess, result, s)
}

type settlement struct {
	status int
	usage  pricing.Usage
	err    string
}

// settle runs cost, spend, affinity and audit bookkeeping and releases the
// reservation and the upstream request. Failures are logged and swallowed.
func (d *Dispatcher) settle(ctx context.Context, sess *session.Session, result *forwarder.Result, s settlement) {
	defer result.Reservation.Release()
	defer result.Finish()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	p := result.Provider
	cost := d.Cost(ctx, sess, p, s.usage)

	metrics.RecordTokens(p.Name, sess.OriginalModel(), int64(s.usage.InputTokens), int64(s.usage.OutputTokens),
		int64(s.usage.CacheCreationTokens), int64(s.usage.CacheReadTokens))
	if cost > 0 {
		metrics.RecordSpend(p.Name, sess.OriginalModel(), cost)
		if d.costs != nil {
			d.costs.RecordCost(ctx, sess.KeyID(), p.ID, cost)
		}
	}

	status := affinity.StatusCompleted
	if s.err != "" || s.status >= http.StatusBadRequest {
		status = affinity.StatusError
	}
	if d.affinity != nil && sess.ConversationID() != "" {
		d.affinity.RecordUsage(ctx, sess.ConversationID(), affinity.Usage{
			InputTokens:         int64(s.usage.InputTokens),
			OutputTokens:        int64(s.usage.OutputTokens),
			CacheCreationTokens: int64(s.usage.CacheCreationTokens),
			CacheReadTokens:     int64(s.usage.CacheReadTokens),
			CostUSD:             cost,
		}, status)
	}

	rec := audit.FromSession(sess)
	rec.StatusCode = s.status
	rec.Usage = s.usage
	rec.CostUSD = cost
	rec.Error = s.err
	if status == affinity.StatusError {
		rec.Status = audit.StatusError
	}
	d.writeAudit(ctx, rec)
}

// RecordFailure logs a request that never reached a successful upstream response.
func (d *Dispatcher) RecordFailure(ctx context.Context, sess *session.Session, gwErr *gwerrors.GatewayError) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	if d.affinity != nil && sess.ConversationID() != "" && sess.Provider() != nil {
		d.affinity.RecordUsage(ctx, sess.ConversationID(), affinity.Usage{}, affinity.StatusError)
	}

	rec := audit.FromSession(sess)
	rec.StatusCode = gwErr.HTTPStatusCode()
	rec.Status = audit.StatusError
	rec.Error = gwErr.Message
	d.writeAudit(ctx, rec)
}

func (d *Dispatcher) writeAudit(ctx context.Context, rec *audit.Record) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Write(ctx, rec); err != nil {
		metrics.AccountingErrors.WithLabelValues("audit").Inc()
		d.logger.Error("audit write failed", "error", err, "request_id", rec.RequestID)
	}
}

// Cost prices usage by the original model, falling back to the redirected model, and
// applies the provider's cost multiplier. Each miss is logged on its own so missing
// price entries can be told apart. A total miss costs zero.
func (d *Dispatcher) Cost(ctx context.Context, sess *session.Session, p *provider.Provider, usage pricing.Usage) float64 {
	if d.prices == nil || usage.Empty() {
		return 0
	}

	original := sess.OriginalModel()
	price, ok := d.lookupPrice(ctx, original, "original", sess.RequestID)
	if !ok {
		redirected := sess.RedirectedModel()
		if redirected == "" || redirected == original {
			d.logger.Warn("no price for model, cost recorded as zero",
				"model", original, "provider", p.Name, "request_id", sess.RequestID)
			return 0
		}
		price, ok = d.lookupPrice(ctx, redirected, "redirected", sess.RequestID)
		if !ok {
			d.logger.Warn("no price for original or redirected model, cost recorded as zero",
				"model", original, "redirected_model", redirected, "provider", p.Name, "request_id", sess.RequestID)
			return 0
		}
	}
	return price.Cost(usage) * p.EffectiveMultiplier()
}

func (d *Dispatcher) lookupPrice(ctx context.Context, model, stage, requestID string) (pricing.ModelPricing, bool) {
	if model == "" {
		metrics.PriceLookupMisses.WithLabelValues(stage).Inc()
		return pricing.ModelPricing{}, false
	}
	price, ok, err := d.prices.Lookup(ctx, model)
	if err != nil {
		metrics.AccountingErrors.WithLabelValues("price_lookup").Inc()
		d.logger.Error("price lookup failed", "model", model, "stage", stage, "error", err, "request_id", requestID)
		return pricing.ModelPricing{}, false
	}
	if !ok {
		metrics.PriceLookupMisses.WithLabelValues(stage).Inc()
		d.logger.Info("price lookup miss", "model", model, "stage", stage, "request_id", requestID)
	}
	return price, ok
}

// nativeStreamError is the error event sent to native stream clients.
func nativeStreamError(message string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    gwerrors.TypeUpstream,
			"message": message,
		},
	})
	return data
}

func upstreamAbortError(p *provider.Provider, err error) *gwerrors.GatewayError {
	return &gwerrors.GatewayError{
		Kind:       gwerrors.KindUpstream,
		StatusCode: http.StatusBadGateway,
		Type:       gwerrors.TypeUpstream,
		Message:    "upstream response was interrupted",
		Provider:   p.Name,
		Cause:      err,
	}
}

// skippedResponseHeaders are connection-scoped or recomputed by the gateway.
var skippedResponseHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Trailer":           true,
	"Content-Length":    true,
	"Content-Encoding":  true,
	"X-Request-Id":      true,
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if skippedResponseHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		dst.Del(k)
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
