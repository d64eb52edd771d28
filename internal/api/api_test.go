package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"strategy-core/internal/events"
	"strategy-core/internal/fsm"
	"strategy-core/internal/monitor"
	"strategy-core/internal/order"
	"strategy-core/internal/persistence"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/cache"
	"strategy-core/pkg/exchange"
)

const testSecret = "test-secret"

type fakeStrategies struct {
	mu     sync.Mutex
	states map[string]fsm.State
	resets int
}

func (f *fakeStrategies) status(id string) strategy.Status {
	return strategy.Status{ID: id, Symbol: "BTCUSDT", Machine: fsm.Info{Name: id, Current: f.states[id]}}
}

func (f *fakeStrategies) List() []strategy.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []strategy.Status{f.status("btc-ma")}
}

func (f *fakeStrategies) Status(id string) (strategy.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; !ok {
		return strategy.Status{}, fmt.Errorf("%w: %q", strategy.ErrUnknownStrategy, id)
	}
	return f.status(id), nil
}

func (f *fakeStrategies) Force(id string, s fsm.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; !ok {
		return strategy.ErrUnknownStrategy
	}
	f.states[id] = s
	return nil
}

func (f *fakeStrategies) Reset(_ context.Context, id string, s ...fsm.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; !ok {
		return strategy.ErrUnknownStrategy
	}
	f.resets++
	if len(s) > 0 {
		f.states[id] = s[0]
	}
	return nil
}

type testEnv struct {
	srv        *Server
	strategies *fakeStrategies
	orders     *order.Repository
	cache      *cache.MarketData[int]
	health     *monitor.Health
	bus        *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	policy, err := cache.NewTTLPolicy(nil)
	require.NoError(t, err)

	env := &testEnv{
		strategies: &fakeStrategies{states: map[string]fsm.State{"btc-ma": fsm.Idle}},
		orders:     order.NewRepository(persistence.NewMemoryStore()),
		cache:      cache.NewMarketData[int](policy),
		health:     monitor.NewHealth(zap.NewNop()),
		bus:        events.NewBus(),
	}
	env.srv = NewServer(Deps{
		Strategies: env.strategies,
		Orders:     env.orders,
		Cache:      env.cache,
		Health:     env.health,
		Metrics:    monitor.NewSystemMetrics(),
		Bus:        env.bus,
	}, Auth{
		JWTSecret:            testSecret,
		OperatorUser:         "admin",
		OperatorPasswordHash: string(hash),
	}, SystemMeta{NodeID: "node-1", DryRun: true, Venue: "paper"}, zap.NewNop())
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{"username": "admin", "password": "hunter2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token, _ := decode(t, w)["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	env.health.Report("store", errors.New("connection refused"))
	w = env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])
}

func TestIssueToken(t *testing.T) {
	env := newTestEnv(t)
	env.login(t)

	w := env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", decode(t, w)["code"])

	w = env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{"username": "root", "password": "hunter2"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$2a$"), hash)
	assert.NoError(t, checkPassword(hash, "hunter2"))
	assert.Error(t, checkPassword(hash, "hunter3"))
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/strategies/btc-ma/force", "", map[string]string{"state": "cooldown"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "MISSING_TOKEN", decode(t, w)["code"])

	expired, err := generateToken("admin", testSecret, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	w = env.do(t, http.MethodPost, "/api/strategies/btc-ma/force", expired, map[string]string{"state": "cooldown"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", decode(t, w)["code"])

	forged, err := generateToken("admin", "other-secret", time.Now().Add(time.Hour))
	require.NoError(t, err)
	w = env.do(t, http.MethodDelete, "/api/cache/BTCUSDT", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, fsm.Idle, env.strategies.states["btc-ma"])
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(Deps{Strategies: &fakeStrategies{states: map[string]fsm.State{}}}, Auth{}, SystemMeta{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(`{"username":"a","password":"b"}`))
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/strategies/x/reset", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w = httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStrategyEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	w := env.do(t, http.MethodGet, "/api/strategies", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list, _ := decode(t, w)["strategies"].([]any)
	assert.Len(t, list, 1)

	w = env.do(t, http.MethodGet, "/api/strategies/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/strategies/btc-ma/force", token, map[string]string{"state": "in_position"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, fsm.InPosition, env.strategies.states["btc-ma"])

	w = env.do(t, http.MethodPost, "/api/strategies/btc-ma/force", token, map[string]string{"state": "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_STATE", decode(t, w)["code"])

	w = env.do(t, http.MethodPost, "/api/strategies/nope/force", token, map[string]string{"state": "idle"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/strategies/btc-ma/reset", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, fsm.InPosition, env.strategies.states["btc-ma"], "reset without state keeps current")

	w = env.do(t, http.MethodPost, "/api/strategies/btc-ma/reset", token, map[string]string{"state": "idle"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, fsm.Idle, env.strategies.states["btc-ma"])
	assert.Equal(t, 2, env.strategies.resets)
}

func TestGetOrder(t *testing.T) {
	env := newTestEnv(t)
	rec := order.Record{
		OrderID:      "o-1",
		Symbol:       "BTCUSDT",
		Amount:       decimal.RequireFromString("0.01"),
		FilledAmount: decimal.RequireFromString("0.01"),
		FilledPrice:  decimal.NewFromInt(50000),
		Status:       exchange.StatusClosed,
	}
	require.NoError(t, env.orders.Save(context.Background(), rec))

	w := env.do(t, http.MethodGet, "/api/orders/o-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "filled", body["outcome"])

	w = env.do(t, http.MethodGet, "/api/orders/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCacheEndpoints(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	ctx := context.Background()
	env.cache.Put(ctx, "BTCUSDT", "1m", 1)
	env.cache.Put(ctx, "BTCUSDT", "1h", 2)
	env.cache.Put(ctx, "ETHUSDT", "1m", 3)

	w := env.do(t, http.MethodGet, "/api/cache/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	stats, _ := body["stats"].(map[string]any)
	assert.EqualValues(t, 3, stats["entries"])
	ttl, _ := body["ttl"].([]any)
	require.NotEmpty(t, ttl)
	first, _ := ttl[0].(map[string]any)
	assert.Equal(t, "1m", first["timeframe"])

	w = env.do(t, http.MethodDelete, "/api/cache/btcusdt", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["removed"])
	assert.Equal(t, 1, env.cache.Len())
}

func TestMetricsAndStatus(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "system")

	w = env.do(t, http.MethodGet, "/api/system/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	meta, _ := body["meta"].(map[string]any)
	assert.Equal(t, "node-1", meta["node_id"])
	assert.Equal(t, true, body["healthy"])
	states, _ := body["strategies"].(map[string]any)
	assert.Equal(t, "idle", states["btc-ma"])
}

func TestRateLimiter(t *testing.T) {
	l := newIPLimiter(1, 2)
	lim := l.get("10.0.0.1")
	assert.True(t, lim.Allow())
	assert.True(t, lim.Allow())
	assert.False(t, lim.Allow())
	assert.Same(t, lim, l.get("10.0.0.1"))

	assert.Equal(t, 0, l.sweep(time.Hour))
	assert.Equal(t, 1, l.sweep(-time.Second))
	assert.NotSame(t, lim, l.get("10.0.0.1"))
}

func TestWebsocketStreamsEvents(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router)
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// The handler subscribes after the upgrade; keep publishing until one lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				env.bus.Publish(events.EventStateTransition, events.Transition{StrategyID: "btc-ma", From: "idle", To: "waiting_entry"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Topic   string            `json:"topic"`
		Payload events.Transition `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(events.EventStateTransition), msg.Topic)
	assert.Equal(t, "btc-ma", msg.Payload.StrategyID)
}
