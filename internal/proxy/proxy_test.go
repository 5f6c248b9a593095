package proxy

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/blueberrycongee/relaymux/internal/affinity"
	"github.com/blueberrycongee/relaymux/internal/audit"
	"github.com/blueberrycongee/relaymux/internal/auth"
	"github.com/blueberrycongee/relaymux/internal/dispatch"
	"github.com/blueberrycongee/relaymux/internal/forwarder"
	"github.com/blueberrycongee/relaymux/internal/guard"
	"github.com/blueberrycongee/relaymux/internal/observability"
	"github.com/blueberrycongee/relaymux/internal/pricing"
	"github.com/blueberrycongee/relaymux/internal/provider"
	"github.com/blueberrycongee/relaymux/internal/ratelimit"
	"github.com/blueberrycongee/relaymux/internal/resilience"
	"github.com/blueberrycongee/relaymux/internal/selector"
	"github.com/blueberrycongee/relaymux/internal/session"
	gwerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

const apiKey = "rk-test-key"

type fakeUpstream struct {
	srv   *httptest.Server
	calls atomic.Int32
	path  atomic.Value
}

func newUpstream(t *testing.T, status int, body string) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		u.calls.Add(1)
		u.path.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

type gateway struct {
	handler    http.Handler
	audit      *audit.MemoryWriter
	registry   *provider.Registry
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher
	users      *auth.MemoryStore
}

type gatewayOpts struct {
	guard guard.Checker
	user  *auth.User
	key   *auth.Key
}

func newGateway(t *testing.T, opts gatewayOpts, providers ...*provider.Provider) *gateway {
	t.Helper()

	registry, err := provider.NewRegistry(providers...)
	require.NoError(t, err)

	user := opts.user
	if user == nil {
		user = &auth.User{ID: 1, Name: "alice", Enabled: true}
	}
	key := opts.key
	if key == nil {
		key = &auth.Key{ID: 10, UserID: 1, Name: "default", Enabled: true}
	}
	key.KeyHash = auth.HashKey(apiKey)
	users := auth.NewMemoryStore()
	require.NoError(t, users.Replace([]*auth.User{user}, []*auth.Key{key}))

	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 1
	breakers := resilience.NewRegistry(cfg, nil, nil)
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{})
	manager := affinity.NewManager(affinity.NewMemoryStore(0), affinity.Config{})
	sel := selector.New(breakers, limiter, selector.WithRand(rand.New(rand.NewSource(3))))
	log := audit.NewMemoryWriter(0)

	fwd := forwarder.New(forwarder.Config{
		Providers: registry,
		Selector:  sel,
		Breakers:  breakers,
		Reserver:  limiter,
	})
	disp := dispatch.New(dispatch.Config{
		Prices:   pricing.NewCalculator([]pricing.ModelPricing{{Model: "claude-test", InputCostPer1K: 1, OutputCostPer1K: 1}}),
		Audit:    log,
		Affinity: manager,
		Costs:    limiter,
	})

	h := New(Config{
		Auth:       auth.NewStoreResolver(users, nil, nil),
		Guard:      opts.guard,
		Limiter:    limiter,
		Affinity:   manager,
		Providers:  registry,
		Selector:   sel,
		Forwarder:  fwd,
		Dispatcher: disp,
	})

	mux := http.NewServeMux()
	mux.Handle("POST /v1/chat/completions", h.OpenAI())
	mux.Handle("/", h.Native())

	return &gateway{
		handler:    observability.RequestIDMiddleware(mux),
		audit:      log,
		registry:   registry,
		limiter:    limiter,
		dispatcher: disp,
		users:      users,
	}
}

func (g *gateway) do(t *testing.T, requestID, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+apiKey)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(observability.RequestIDHeader, requestID)
	w := httptest.NewRecorder()
	g.handler.ServeHTTP(w, r)
	g.dispatcher.Wait()
	return w
}

func (g *gateway) record(t *testing.T, requestID string) *audit.Record {
	t.Helper()
	rec, ok := g.audit.FindByRequestID(requestID)
	require.True(t, ok, "no audit record for %s", requestID)
	return rec
}

func native(id int64, name string, u *fakeUpstream, priority, weight int) *provider.Provider {
	return &provider.Provider{
		ID:       id,
		Name:     name,
		Enabled:  true,
		Type:     provider.TypeNative,
		BaseURL:  u.srv.URL,
		APIKey:   "sk-" + name,
		Priority: priority,
		Weight:   weight,
	}
}

func reasons(chain []session.ChainEntry) []session.Reason {
	out := make([]session.Reason, len(chain))
	for i, e := range chain {
		out[i] = e.Reason
	}
	return out
}

const okBody = `{"id":"msg_1","type":"message","content":[{"type":"text","text":"from-%s"}],"usage":{"input_tokens":100,"output_tokens":100}}`

func okFrom(name string) string {
	return strings.Replace(okBody, "%s", name, 1)
}

const oneTurn = `{"model":"claude-test","max_tokens":16,"messages":[{"role":"user","content":"hello"}]}`

func TestScenarioA_SingleHealthyProvider(t *testing.T) {
	up := newUpstream(t, http.StatusOK, okFrom("a"))
	g := newGateway(t, gatewayOpts{}, native(1, "a", up, 0, 1))

	w := g.do(t, "req-a", "/v1/messages", oneTurn)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from-a", gjson.Get(w.Body.String(), "content.0.text").String())
	assert.Equal(t, "req-a", w.Header().Get(observability.RequestIDHeader))
	assert.Equal(t, "/v1/messages", up.path.Load())

	rec := g.record(t, "req-a")
	require.Len(t, rec.Chain, 1)
	assert.Equal(t, session.ReasonInitialSelection, rec.Chain[0].Reason)
	assert.Equal(t, session.MethodWeightedRandom, rec.Chain[0].SelectionMethod)
	assert.Equal(t, audit.StatusSuccess, rec.Status)
	assert.InDelta(t, 0.2, rec.CostUSD, 1e-9)
	assert.NotEmpty(t, rec.ConversationID)
}

func TestScenarioB_FailoverToSecondProvider(t *testing.T) {
	bad := newUpstream(t, http.StatusInternalServerError, `{"error":{"type":"server_error","message":"boom"}}`)
	good := newUpstream(t, http.StatusOK, okFrom("second"))
	// Weight 0 on the healthy provider makes the failing one the first draw.
	g := newGateway(t, gatewayOpts{}, native(1, "first", bad, 0, 1), native(2, "second", good, 0, 0))

	w := g.do(t, "req-b", "/v1/messages", oneTurn)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from-second", gjson.Get(w.Body.String(), "content.0.text").String())
	assert.EqualValues(t, 1, bad.calls.Load())
	assert.EqualValues(t, 1, good.calls.Load())

	rec := g.record(t, "req-b")
	assert.Equal(t, []session.Reason{session.ReasonInitialSelection, session.ReasonRetryAttempt}, reasons(rec.Chain))
	assert.Equal(t, int64(1), rec.Chain[0].ProviderID)
	assert.Equal(t, int64(2), rec.Chain[1].ProviderID)
	require.NotNil(t, rec.Chain[1].Error)
	assert.Equal(t, http.StatusInternalServerError, rec.Chain[1].Error.StatusCode)
	assert.Equal(t, int64(2), rec.ProviderID)
}

func TestScenarioC_SpentProviderIsExcluded(t *testing.T) {
	capped := newUpstream(t, http.StatusOK, okFrom("capped"))
	backup := newUpstream(t, http.StatusOK, okFrom("backup"))
	limit := 10.0
	p1 := native(1, "capped", capped, 0, 1)
	p1.Limit5hUSD = &limit
	g := newGateway(t, gatewayOpts{}, p1, native(2, "backup", backup, 1, 1))
	g.limiter.RecordCost(context.Background(), 0, 1, 10)

	w := g.do(t, "req-c", "/v1/messages", oneTurn)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from-backup", gjson.Get(w.Body.String(), "content.0.text").String())
	assert.Zero(t, capped.calls.Load())

	rec := g.record(t, "req-c")
	require.Len(t, rec.Chain, 1)
	entry := rec.Chain[0]
	assert.Equal(t, int64(2), entry.ProviderID)
	require.NotNil(t, entry.Decision)
	assert.False(t, entry.Decision.FailOpen)
	require.Len(t, entry.Decision.Filtered, 1)
	assert.Equal(t, int64(1), entry.Decision.Filtered[0].ProviderID)
	assert.True(t, strings.HasPrefix(entry.Decision.Filtered[0].Reason, selector.FilterLimit))
}

func TestScenarioC_FailOpenWhenNothingElseExists(t *testing.T) {
	capped := newUpstream(t, http.StatusOK, okFrom("capped"))
	limit := 10.0
	p1 := native(1, "capped", capped, 0, 1)
	p1.Limit5hUSD = &limit
	g := newGateway(t, gatewayOpts{}, p1)
	g.limiter.RecordCost(context.Background(), 0, 1, 10)

	w := g.do(t, "req-c2", "/v1/messages", oneTurn)

	require.Equal(t, http.StatusOK, w.Code)
	rec := g.record(t, "req-c2")
	require.Len(t, rec.Chain, 1)
	assert.Equal(t, session.MethodFailOpen, rec.Chain[0].SelectionMethod)
	assert.True(t, rec.Chain[0].Decision.FailOpen)
}

func TestSessionReuse(t *testing.T) {
	first := newUpstream(t, http.StatusOK, okFrom("first"))
	second := newUpstream(t, http.StatusOK, okFrom("second"))
	g := newGateway(t, gatewayOpts{}, native(1, "first", first, 0, 1), native(2, "second", second, 0, 0))

	turn1 := `{"model":"claude-test","metadata":{"session_id":"conv-42"},"messages":[{"role":"user","content":"hi"}]}`
	turn2 := `{"model":"claude-test","metadata":{"session_id":"conv-42"},"messages":[
		{"role":"user","content":"hi"},{"role":"assistant","content":"hello"},{"role":"user","content":"more"}]}`

	require.Equal(t, http.StatusOK, g.do(t, "turn-1", "/v1/messages", turn1).Code)
	require.Equal(t, http.StatusOK, g.do(t, "turn-2", "/v1/messages", turn2).Code)

	rec := g.record(t, "turn-2")
	assert.Equal(t, "conv-42", rec.ConversationID)
	require.Len(t, rec.Chain, 1)
	assert.Equal(t, session.ReasonSessionReuse, rec.Chain[0].Reason)
	assert.Equal(t, int64(1), rec.Chain[0].ProviderID)
	assert.EqualValues(t, 2, first.calls.Load())
}

func TestSessionReuse_DisabledBindingReselects(t *testing.T) {
	first := newUpstream(t, http.StatusOK, okFrom("first"))
	second := newUpstream(t, http.StatusOK, okFrom("second"))
	p1 := native(1, "first", first, 0, 1)
	p2 := native(2, "second", second, 0, 0)
	g := newGateway(t, gatewayOpts{}, p1, p2)

	turn1 := `{"model":"claude-test","metadata":{"session_id":"conv-7"},"messages":[{"role":"user","content":"hi"}]}`
	turn2 := `{"model":"claude-test","metadata":{"session_id":"conv-7"},"messages":[
		{"role":"user","content":"hi"},{"role":"assistant","content":"hello"},{"role":"user","content":"more"}]}`
	require.Equal(t, http.StatusOK, g.do(t, "turn-1", "/v1/messages", turn1).Code)

	disabled := *p1
	disabled.Enabled = false
	require.NoError(t, g.registry.Replace([]*provider.Provider{&disabled, p2}))

	require.Equal(t, http.StatusOK, g.do(t, "turn-2", "/v1/messages", turn2).Code)
	rec := g.record(t, "turn-2")
	require.Len(t, rec.Chain, 1)
	assert.Equal(t, session.ReasonInitialSelection, rec.Chain[0].Reason)
	assert.Equal(t, int64(2), rec.Chain[0].ProviderID)
}

func TestOpenAIFormatIsTranslated(t *testing.T) {
	up := newUpstream(t, http.StatusOK, `{"id":"resp_xyz","created_at":1700000000,"model":"gpt-test","status":"completed",
"output":[{"type":"message","content":[{"type":"output_text","text":"translated"}]}],"usage":{"input_tokens":3,"output_tokens":2}}`)
	nativeUp := newUpstream(t, http.StatusOK, okFrom("native"))
	p := native(1, "responses", up, 0, 1)
	p.Type = provider.TypeOpenAIResponse
	g := newGateway(t, gatewayOpts{}, p, native(2, "native", nativeUp, 0, 1))

	w := g.do(t, "req-oa", "/v1/chat/completions", `{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "chatcmpl-xyz", gjson.Get(w.Body.String(), "id").String())
	assert.Equal(t, "translated", gjson.Get(w.Body.String(), "choices.0.message.content").String())
	assert.Equal(t, "/v1/responses", up.path.Load())
	assert.Zero(t, nativeUp.calls.Load())
}

func TestRejections(t *testing.T) {
	up := newUpstream(t, http.StatusOK, okFrom("a"))
	words, err := guard.NewWordFilter([]string{"forbidden"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		opts      gatewayOpts
		path      string
		body      string
		auth      string
		status    int
		errType   string
		limitType string
	}{
		{
			name:    "missing key",
			path:    "/v1/messages",
			body:    oneTurn,
			auth:    "-",
			status:  http.StatusUnauthorized,
			errType: gwerrors.TypeAuthentication,
		},
		{
			name:    "wrong key",
			path:    "/v1/messages",
			body:    oneTurn,
			auth:    "Bearer nope",
			status:  http.StatusUnauthorized,
			errType: gwerrors.TypeAuthentication,
		},
		{
			name:    "blocked word",
			opts:    gatewayOpts{guard: words},
			path:    "/v1/messages",
			body:    `{"model":"claude-test","messages":[{"role":"user","content":"something forbidden"}]}`,
			status:  http.StatusBadRequest,
			errType: gwerrors.TypeContentPolicy,
		},
		{
			name:    "invalid chat request",
			path:    "/v1/chat/completions",
			body:    `{"model":"gpt-test"}`,
			status:  http.StatusBadRequest,
			errType: gwerrors.TypeInvalidRequest,
		},
		{
			name:    "no provider for format",
			path:    "/v1/chat/completions",
			body:    `{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`,
			status:  http.StatusServiceUnavailable,
			errType: gwerrors.TypeServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(t, tt.opts, native(1, "a", up, 0, 1))
			r := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			switch tt.auth {
			case "":
				r.Header.Set("Authorization", "Bearer "+apiKey)
			case "-":
			default:
				r.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			g.handler.ServeHTTP(w, r)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.errType, gjson.Get(w.Body.String(), "error.type").String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}

func TestKeyLimits(t *testing.T) {
	up := newUpstream(t, http.StatusOK, okFrom("a"))

	t.Run("rpm", func(t *testing.T) {
		g := newGateway(t, gatewayOpts{user: &auth.User{ID: 1, Enabled: true, RPM: 1}}, native(1, "a", up, 0, 1))
		require.Equal(t, http.StatusOK, g.do(t, "rpm-1", "/v1/messages", oneTurn).Code)

		w := g.do(t, "rpm-2", "/v1/messages", oneTurn)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "60", w.Header().Get("Retry-After"))
		assert.Equal(t, string(gwerrors.LimitTypeKey), w.Header().Get("X-RateLimit-Type"))
		assert.Equal(t, audit.StatusError, g.record(t, "rpm-2").Status)
	})

	t.Run("spend ceiling", func(t *testing.T) {
		limit := 1.0
		g := newGateway(t, gatewayOpts{key: &auth.Key{ID: 10, UserID: 1, Enabled: true, Limit5hUSD: &limit}}, native(1, "a", up, 0, 1))
		g.limiter.RecordCost(context.Background(), 10, 0, 1)

		w := g.do(t, "cost-1", "/v1/messages", oneTurn)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
		assert.Equal(t, "rate_limit", gjson.Get(w.Body.String(), "error.code").String())
	})

	t.Run("concurrent sessions", func(t *testing.T) {
		g := newGateway(t, gatewayOpts{key: &auth.Key{ID: 10, UserID: 1, Enabled: true, LimitConcurrentSessions: 1}}, native(1, "a", up, 0, 1))
		res, d := g.limiter.ReserveKey(context.Background(), 10, "someone-else", 1)
		require.True(t, d.Allowed)
		defer res.Release()

		w := g.do(t, "conc-1", "/v1/messages", oneTurn)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "30", w.Header().Get("Retry-After"))

		res.Release()
		assert.Equal(t, http.StatusOK, g.do(t, "conc-2", "/v1/messages", oneTurn).Code)
	})
}

func TestExhaustedRetriesAreAudited(t *testing.T) {
	bad := newUpstream(t, http.StatusBadGateway, `{"error":{"message":"down"}}`)
	g := newGateway(t, gatewayOpts{}, native(1, "only", bad, 0, 1))

	w := g.do(t, "req-x", "/v1/messages", oneTurn)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "only", gjson.Get(w.Body.String(), "error.provider").String())

	rec := g.record(t, "req-x")
	assert.Equal(t, audit.StatusError, rec.Status)
	assert.Equal(t, []session.Reason{session.ReasonInitialSelection, session.ReasonRetryFailed}, reasons(rec.Chain))
}

func TestProviderConcurrencyExhaustionIsRateLimited(t *testing.T) {
	up := newUpstream(t, http.StatusOK, okFrom("a"))
	p := native(1, "a", up, 0, 1)
	p.MaxConcurrentSessions = 1
	g := newGateway(t, gatewayOpts{}, p)

	res, d := g.limiter.ReserveProvider(context.Background(), p, "conv-elsewhere")
	require.True(t, d.Allowed)
	defer res.Release()

	w := g.do(t, "req-busy", "/v1/messages", oneTurn)

	assert.Equal(t, http.StatusTooManyRequests, w.Code, w.Body.String())
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, "provider", w.Header().Get("X-RateLimit-Type"))
	assert.Contains(t, gjson.Get(w.Body.String(), "error.message").String(), "concurrent session limit")
	assert.Zero(t, up.calls.Load())

	rec := g.record(t, "req-busy")
	assert.Equal(t, http.StatusTooManyRequests, rec.StatusCode)
	assert.Equal(t, []session.Reason{session.ReasonConcurrentLimitFailed}, reasons(rec.Chain))
}

// leavingClient disconnects on its first body write.
type leavingClient struct {
	header http.Header
	once   sync.Once
	leave  func()
}

func (c *leavingClient) Header() http.Header { return c.header }
func (c *leavingClient) WriteHeader(int)     {}
func (c *leavingClient) Flush()              {}

func (c *leavingClient) Write([]byte) (int, error) {
	c.once.Do(c.leave)
	return 0, errors.New("client went away")
}

func TestStreamAccountingSurvivesClientDisconnect(t *testing.T) {
	resume := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "event: message_start\n"+
			`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":100,"output_tokens":1}}}`+"\n\n")
		w.(http.Flusher).Flush()

		select {
		case <-resume:
		case <-time.After(5 * time.Second):
			return
		}
		_, _ = io.WriteString(w, "event: message_delta\n"+
			`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":900}}`+"\n\n"+
			"event: message_stop\n"+`data: {"type":"message_stop"}`+"\n\n")
	}))
	t.Cleanup(srv.Close)

	g := newGateway(t, gatewayOpts{}, &provider.Provider{
		ID: 1, Name: "a", Enabled: true, Type: provider.TypeNative, BaseURL: srv.URL, APIKey: "sk-a", Weight: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	body := `{"model":"claude-test","max_tokens":16,"stream":true,"messages":[{"role":"user","content":"hello"}]}`
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body)).WithContext(ctx)
	r.Header.Set("Authorization", "Bearer "+apiKey)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(observability.RequestIDHeader, "req-gone")

	client := &leavingClient{header: make(http.Header), leave: func() {
		cancel()
		close(resume)
	}}
	g.handler.ServeHTTP(client, r)
	g.dispatcher.Wait()

	rec := g.record(t, "req-gone")
	assert.Equal(t, audit.StatusSuccess, rec.Status)
	assert.Empty(t, rec.Error)
	assert.Equal(t, 100, rec.Usage.InputTokens)
	assert.Equal(t, 900, rec.Usage.OutputTokens)
	assert.InDelta(t, 1.0, rec.CostUSD, 1e-9)
}
