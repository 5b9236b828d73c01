package api

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerintel/internal/auth"
	"towerintel/internal/breaker"
	"towerintel/internal/bus"
	"towerintel/internal/cache"
	"towerintel/internal/config"
	"towerintel/internal/hub"
	"towerintel/internal/intel"
	"towerintel/internal/model"
	"towerintel/internal/ratelimit"
	"towerintel/internal/store"
)

type harness struct {
	srv   *httptest.Server
	cfg   *config.Config
	store *store.Memory
	bus   *bus.Memory
	hub   *hub.Manager
	auth  *auth.Verifier
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.WS.HeartbeatInterval = time.Second
	cfg.WS.SendTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	st := store.NewMemory()
	store.SeedDemo(st, time.Now())

	rules := make([]ratelimit.Rule, 0, len(cfg.RateLimit.Rules))
	for _, r := range cfg.RateLimit.Rules {
		rules = append(rules, ratelimit.Rule{Pattern: r.Pattern, Limit: r.Limit, Window: r.Window})
	}
	lim, err := ratelimit.New(ratelimit.NewMemoryCounter(), rules, ratelimit.Options{Prefix: cfg.RateLimit.Prefix})
	require.NoError(t, err)

	verifier, err := auth.NewVerifier("test-secret", cfg.Auth.Audience, time.Hour)
	require.NoError(t, err)

	mb := bus.NewMemory()
	c := cache.NewFailOpen(cache.NewMemory(), time.Second, breaker.DefaultSettings())
	svc := intel.New(st, c, lim, bus.NewPublisher(mb, time.Second), intel.Options{TTL: cfg.Cache.TTL, Floors: bus.Floors(cfg.Bridge.Channels)})
	h := hub.NewManager(cfg.Bridge.Channels, hub.Options{
		SendTimeout:  cfg.WS.SendTimeout,
		MaxPerRemote: cfg.WS.MaxConnectionsPerIP,
	})

	s := NewServer(Deps{
		Config: cfg,
		Intel:  svc,
		Hub:    h,
		Auth:   verifier,
		Ready:  []Check{{Name: "database", Probe: st.Ping}},
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return &harness{srv: srv, cfg: cfg, store: st, bus: mb, hub: h, auth: verifier}
}

func (h *harness) token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := h.auth.Issue(subject, role)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func TestHealthAndIndex(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	health := decode[model.Health](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.NotEmpty(t, health.Timestamp)

	resp = h.do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	idx := decode[map[string]any](t, resp)
	assert.Equal(t, "Frontier Tower Event Intelligence", idx["service"])
	assert.Contains(t, idx, "endpoints")
}

func TestRequestIDEchoed(t *testing.T) {
	h := newHarness(t, nil)
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}

func TestReadyReportsChecks(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/api/health/ready", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ready := decode[model.Readiness](t, resp)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, "ok", ready.Checks["database"])

	h.store.Fail(store.ErrUnavailable)
	resp = h.do(t, http.MethodGet, "/api/health/ready", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	ready = decode[model.Readiness](t, resp)
	assert.Equal(t, "not_ready", ready.Status)
	assert.Equal(t, "unavailable", ready.Checks["database"])
}

func TestAPIRequiresBearer(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/api/analytics/live", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	p := decode[Problem](t, resp)
	assert.Equal(t, "missing bearer token", p.Detail)

	resp = h.do(t, http.MethodGet, "/api/analytics/live", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other, err := auth.NewVerifier("other-secret", h.cfg.Auth.Audience, time.Hour)
	require.NoError(t, err)
	forged, err := other.Issue("mallory", "admin")
	require.NoError(t, err)
	resp = h.do(t, http.MethodGet, "/api/analytics/live", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIKeyAuthentication(t *testing.T) {
	h := newHarness(t, nil)
	key, err := h.auth.IssueAPIKey("kiosk-3", "Lobby kiosk", nil)
	require.NoError(t, err)

	call := func(header string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/analytics/live", nil)
		require.NoError(t, err)
		req.Header.Set(auth.APIKeyHeader, header)
		resp, err := h.srv.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := call(key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "239", resp.Header.Get("X-RateLimit-Remaining"))

	// an access token is not a valid api key
	resp = call(h.token(t, "u1", "user"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid authentication credentials", decode[Problem](t, resp).Detail)
}

func TestFloorPulseEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.token(t, "u1", "user")

	resp := h.do(t, http.MethodGet, "/api/floors/9/pulse", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, "180", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "179", resp.Header.Get("X-RateLimit-Remaining"))
	rooms := decode[[]model.RoomPulse](t, resp)
	assert.Len(t, rooms, 6)

	resp = h.do(t, http.MethodGet, "/api/floors/9/pulse", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, "178", resp.Header.Get("X-RateLimit-Remaining"))

	for _, floor := range []string{"3", "abc"} {
		resp = h.do(t, http.MethodGet, "/api/floors/"+floor+"/pulse", tok, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, floor)
	}
}

func TestFloorPulseRateLimited(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RateLimit.Rules[0].Limit = 2
	})
	tok := h.token(t, "u1", "user")

	for i := 0; i < 2; i++ {
		resp := h.do(t, http.MethodGet, "/api/floors/4/pulse", tok, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := h.do(t, http.MethodGet, "/api/floors/4/pulse", tok, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	p := decode[Problem](t, resp)
	assert.Equal(t, "Rate limit exceeded", p.Title)

	// a different caller has its own budget
	resp = h.do(t, http.MethodGet, "/api/floors/4/pulse", h.token(t, "u2", "user"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFloorsFollowConfiguredChannels(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Bridge.Channels = []string{"tower-ai-feed", "floor-pulse-9", "floor-pulse-21"}
	})
	tok := h.token(t, "u1", "user")

	resp := h.do(t, http.MethodGet, "/api/floors/2/pulse", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = h.do(t, http.MethodGet, "/api/floors/21/pulse", tok, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	c, _, err := h.dial(t, "/ws/floor-pulse/2?token="+tok)
	require.NoError(t, err)
	assert.Equal(t, websocket.CloseUnsupportedData, closeCode(t, c))
	c, _, err = h.dial(t, "/ws/floor-pulse/21?token="+tok)
	require.NoError(t, err)
	assert.Equal(t, "Connected to Floor 21 Pulse Feed", readFrame(t, c)["message"])
}

func TestNetworkDaysValidation(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.token(t, "u1", "user")

	for _, q := range []string{"0", "366", "abc"} {
		resp := h.do(t, http.MethodGet, "/api/community/network?days="+q, tok, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, q)
	}

	resp := h.do(t, http.MethodGet, "/api/community/network", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	g := decode[model.NetworkGraph](t, resp)
	assert.NotEmpty(t, g.Nodes)
	assert.LessOrEqual(t, len(g.Nodes), 100)
	assert.LessOrEqual(t, len(g.Edges), 200)
}

func TestLiveAnalyticsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, http.MethodGet, "/api/analytics/live", h.token(t, "u1", "user"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "240", resp.Header.Get("X-RateLimit-Limit"))
	la := decode[model.LiveAnalytics](t, resp)
	assert.LessOrEqual(t, len(la.TrendingTopics), 5)
	assert.NotEmpty(t, la.FloorActivity)
}

func TestStoreFailureIsProblem(t *testing.T) {
	h := newHarness(t, nil)
	h.store.Fail(store.ErrUnavailable)
	resp := h.do(t, http.MethodGet, "/api/analytics/live", h.token(t, "u1", "user"), nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	p := decode[Problem](t, resp)
	assert.Equal(t, "Store query failed", p.Title)
}

func TestRevenueEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/api/revenue/optimization", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/revenue/optimization", h.token(t, "u1", "user"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ro := decode[model.RevenueOptimization](t, resp)
	assert.NotEmpty(t, ro.Opportunities)
	assert.LessOrEqual(t, len(ro.Opportunities), 10)

	off := newHarness(t, func(c *config.Config) { c.Features.RevenueOptimization = false })
	resp = off.do(t, http.MethodGet, "/api/revenue/optimization", off.token(t, "boss", "admin"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDebugEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(t, http.MethodGet, "/api/debug", h.token(t, "u1", "user"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/debug", h.token(t, "boss", "admin"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	build, ok := body["build"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "frontier-tower-intelligence", build["service"])
	cfg, ok := body["config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "<redacted>", cfg["auth"].(map[string]any)["jwt_secret"])
	assert.Contains(t, body, "connections")
}

func TestBotQueryEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.token(t, "u1", "user")

	resp := h.do(t, http.MethodPost, "/api/bot/query", tok, []byte(`{"chatId":"c1","message":"hello"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "15", resp.Header.Get("X-RateLimit-Limit"))
	br := decode[model.BotResponse](t, resp)
	assert.Contains(t, br.Message, "Frontier Tower is buzzing")
	assert.Len(t, br.Suggestions, 3)

	resp = h.do(t, http.MethodPost, "/api/bot/query", tok, []byte(`{"chatId":"c1","message":""}`))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	p := decode[Problem](t, resp)
	assert.Contains(t, p.Detail, "message")

	resp = h.do(t, http.MethodPost, "/api/bot/query", tok, []byte(`{"chatId":`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/bot/query", tok, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	off := newHarness(t, func(c *config.Config) { c.Features.BotQuery = false })
	resp = off.do(t, http.MethodPost, "/api/bot/query", off.token(t, "u1", "user"), []byte(`{"chatId":"c1","message":"hi"}`))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnknownRouteIsProblem(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/api/health/ready", "", nil)
	resp := h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	off := newHarness(t, func(c *config.Config) { c.Metrics.Enabled = false })
	resp = off.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSExposesRateLimitHeaders(t *testing.T) {
	h := newHarness(t, nil)
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.Contains(resp.Header.Get("Access-Control-Expose-Headers"), "X-Ratelimit-Limit") ||
		strings.Contains(resp.Header.Get("Access-Control-Expose-Headers"), "X-RateLimit-Limit"))
}
