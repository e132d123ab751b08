package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuleshov01/new-max-bot/internal/bot"
	"github.com/kuleshov01/new-max-bot/internal/messaging"
	"github.com/kuleshov01/new-max-bot/internal/metrics"
	"github.com/kuleshov01/new-max-bot/internal/models"
	"github.com/kuleshov01/new-max-bot/internal/store"
	"github.com/kuleshov01/new-max-bot/internal/supervisor"
	"github.com/kuleshov01/new-max-bot/internal/testutil"
)

// fakeController records lifecycle calls and keeps an in-memory status.
type fakeController struct {
	mu       sync.Mutex
	running  map[int64]bool
	calls    []string
	startErr error
}

func newFakeController() *fakeController {
	return &fakeController{running: make(map[int64]bool)}
}

func (c *fakeController) Start(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "start")
	if c.startErr != nil {
		return c.startErr
	}
	c.running[id] = true
	return nil
}

func (c *fakeController) Stop(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "stop")
	c.running[id] = false
	return nil
}

func (c *fakeController) Restart(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "restart")
	c.running[id] = true
	return nil
}

func (c *fakeController) Status(ctx context.Context, id int64) (models.BotStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[id] {
		return models.BotStatusRunning, nil
	}
	return models.BotStatusStopped, nil
}

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, *fakeController) {
	t.Helper()
	st := store.NewInMemoryStore()
	ctrl := newFakeController()
	return NewServer(st, ctrl), st, ctrl
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.CreateHTTPRequest(t, method, path, body)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func seedBot(t *testing.T, st store.Store, withFlow bool) models.Bot {
	t.Helper()
	b, err := st.CreateBot(context.Background(), models.Bot{Name: "shop", Token: "secret-token"})
	require.NoError(t, err)
	if withFlow {
		require.NoError(t, st.SaveFlow(context.Background(), b.ID, testutil.MenuFlow()))
	}
	return b
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := do(t, s, http.MethodGet, "/healthz", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestCreateAndListBotsHideTokens(t *testing.T) {
	s, st, _ := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/api/bots", map[string]interface{}{
		"name":  "shop",
		"token": "secret-token",
		"flow":  testutil.MenuFlow(),
	})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create")
	assert.NotContains(t, rr.Body.String(), "secret-token")

	rr = do(t, s, http.MethodGet, "/api/bots", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list")
	assert.NotContains(t, rr.Body.String(), "secret-token")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	require.Len(t, resp["result"], 1)

	f, err := st.GetFlow(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, f.Nodes, 2)
}

func TestCreateBotValidation(t *testing.T) {
	s, st, _ := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/api/bots", map[string]string{"token": "t"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing name")

	rr = do(t, s, http.MethodPost, "/api/bots", map[string]interface{}{
		"name": "x", "token": "t", "flow": map[string]interface{}{"nodes": []interface{}{}},
	})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty flow")

	req := httptest.NewRequest(http.MethodPost, "/api/bots", strings.NewReader("{"))
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad json")

	bots, err := st.ListBots(context.Background())
	require.NoError(t, err)
	assert.Empty(t, bots, "rejected requests create nothing")
}

func TestGetUpdateDeleteBot(t *testing.T) {
	s, st, ctrl := newTestServer(t)
	b := seedBot(t, st, true)
	ctrl.running[b.ID] = true

	rr := do(t, s, http.MethodGet, "/api/bots/1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	assert.Equal(t, "running", resp["result"].(map[string]interface{})["status"])

	rr = do(t, s, http.MethodPut, "/api/bots/1", map[string]string{"name": "renamed"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "update")
	got, err := st.GetBot(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "secret-token", got.Token)

	rr = do(t, s, http.MethodDelete, "/api/bots/1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete")
	assert.Equal(t, []string{"stop"}, ctrl.calls, "a bot is stopped before it is deleted")
	_, err = st.GetBot(context.Background(), b.ID)
	require.ErrorIs(t, err, models.ErrBotNotFound)

	rr = do(t, s, http.MethodGet, "/api/bots/1", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "get deleted")
	testutil.AssertJSONResponse(t, rr, "error")

	rr = do(t, s, http.MethodGet, "/api/bots/abc", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad id")
}

func TestLifecycleEndpoints(t *testing.T) {
	s, st, ctrl := newTestServer(t)
	seedBot(t, st, true)

	for _, tc := range []struct {
		action string
		want   string
	}{
		{"start", "running"},
		{"stop", "stopped"},
		{"restart", "running"},
	} {
		rr := do(t, s, http.MethodPost, "/api/bots/1/"+tc.action, nil)
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, tc.action)
		resp := testutil.AssertJSONResponse(t, rr, "ok")
		assert.Equal(t, tc.want, resp["result"].(map[string]interface{})["status"], tc.action)
	}
	assert.Equal(t, []string{"start", "stop", "restart"}, ctrl.calls)

	rr := do(t, s, http.MethodGet, "/api/bots/1/status", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "status")

	ctrl.startErr = supervisor.ErrLeaseHeld
	rr = do(t, s, http.MethodPost, "/api/bots/1/start", nil)
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "lease held")

	ctrl.startErr = models.ErrEmptyFlow
	rr = do(t, s, http.MethodPost, "/api/bots/1/start", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "no flow")

	ctrl.startErr = errors.New("disk on fire")
	rr = do(t, s, http.MethodPost, "/api/bots/1/start", nil)
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "internal")
	assert.NotContains(t, rr.Body.String(), "disk on fire")
}

func TestFlowEndpoints(t *testing.T) {
	s, st, _ := newTestServer(t)
	seedBot(t, st, false)

	rr := do(t, s, http.MethodGet, "/api/bots/1/flow", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "no flow yet")

	rr = do(t, s, http.MethodPost, "/api/bots/1/flow", map[string]interface{}{
		"nodes": []map[string]interface{}{{"id": "a", "type": "message", "text": "x"}},
	})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "no start node")

	raw := `{"nodes":[{"id":"s","type":"menu","text":"Hi","isStart":true,"x":1.5,"y":2,
		"buttons":[{"id":"b","text":"B"}]}],"connections":[{"from":"s","to":"ghost","buttonId":"b"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/bots/1/flow", strings.NewReader(raw))
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "save")
	assert.Contains(t, rr.Body.String(), `connection target \"ghost\" does not exist`)

	rr = do(t, s, http.MethodGet, "/api/bots/1/flow", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get flow")
	var resp struct {
		Result models.Flow `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1.5, resp.Result.Nodes[0].X)
	assert.Equal(t, "b", resp.Result.Connections[0].ButtonID)

	rr = do(t, s, http.MethodPost, "/api/bots/9/flow", testutil.MenuFlow())
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown bot")
}

func TestLogEndpoints(t *testing.T) {
	s, st, _ := newTestServer(t)
	b := seedBot(t, st, false)
	ctx := context.Background()
	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, st.AddLog(ctx, b.ID, models.LogLevelInfo, m))
	}

	rr := do(t, s, http.MethodGet, "/api/bots/1/logs?limit=2", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "logs")
	var resp struct {
		Result []models.LogEntry `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Result, 2)
	assert.Equal(t, "c", resp.Result[0].Message)

	rr = do(t, s, http.MethodGet, "/api/bots/1/logs?limit=zero", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad limit")

	rr = do(t, s, http.MethodGet, "/api/bots/7/logs", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown bot logs")

	rr = do(t, s, http.MethodDelete, "/api/bots/1/logs", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "clear")
	logs, err := st.GetLogs(ctx, b.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := metrics.New(reg)
	require.NoError(t, err)
	c.SetWorkersRunning(3)

	s := NewServer(store.NewInMemoryStore(), newFakeController(),
		WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	rr := do(t, s, http.MethodGet, "/metrics", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	assert.Contains(t, rr.Body.String(), "maxbot_workers_running 3")
}

func TestEndToEndWithSupervisor(t *testing.T) {
	st := store.NewInMemoryStore()
	p := testutil.NewFakePlatform()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := supervisor.DefaultConfig()
	cfg.Worker = bot.Config{IdleDelay: time.Millisecond, ErrorDelay: time.Millisecond, MaxErrorDelay: time.Millisecond}
	sup := supervisor.New(ctx, st, func(models.Bot) (messaging.Platform, error) { return p, nil }, supervisor.WithConfig(cfg))
	defer sup.Shutdown(time.Second)
	s := NewServer(st, sup)

	rr := do(t, s, http.MethodPost, "/api/bots", map[string]interface{}{"name": "e2e", "token": "t", "flow": testutil.MenuFlow()})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create")

	rr = do(t, s, http.MethodPost, "/api/bots/1/start", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "start")

	p.Push(testutil.BotStarted(77))
	require.Eventually(t, func() bool { return len(p.Sent()) == 1 }, 2*time.Second, 5*time.Millisecond)

	rr = do(t, s, http.MethodPost, "/api/bots/1/stop", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "stop")
	b, err := st.GetBot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.BotStatusStopped, b.Status)
}
