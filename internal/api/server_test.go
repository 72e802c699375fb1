package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradeswarm/internal/agents"
	"github.com/quantfold/tradeswarm/internal/config"
	"github.com/quantfold/tradeswarm/internal/execution"
)

type fakeController struct {
	running    bool
	startErr   error
	decisions  []DecisionRecord
	trades     []agents.TradeOutcome
	states     []agents.AgentState
	setActive  map[string]bool
	knownAgent string
	injected   []ExternalDecision
	injectErr  error
}

func (f *fakeController) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeController) Stop(ctx context.Context) error {
	f.running = false
	return nil
}

func (f *fakeController) Running() bool { return f.running }

func (f *fakeController) Dashboard() Dashboard {
	return Dashboard{Running: f.running, ExecutionStats: f.ExecutionStats()}
}

func (f *fakeController) RecentDecisions(limit int) []DecisionRecord {
	if limit < len(f.decisions) {
		return f.decisions[:limit]
	}
	return f.decisions
}

func (f *fakeController) TradeHistory(limit int) []agents.TradeOutcome {
	if limit < len(f.trades) {
		return f.trades[:limit]
	}
	return f.trades
}

func (f *fakeController) AgentStates() []agents.AgentState { return f.states }

func (f *fakeController) SetAgentActive(id string, active bool) bool {
	if id != f.knownAgent {
		return false
	}
	if f.setActive == nil {
		f.setActive = make(map[string]bool)
	}
	f.setActive[id] = active
	return true
}

func (f *fakeController) InjectDecision(_ context.Context, dec ExternalDecision) error {
	if f.injectErr != nil {
		return f.injectErr
	}
	f.injected = append(f.injected, dec)
	return nil
}

func (f *fakeController) ExecutionStats() map[execution.Algo]execution.AlgoStats {
	return map[execution.Algo]execution.AlgoStats{
		execution.AlgoTWAP: {Executions: 3, Successes: 2, AvgSlippagePct: 0.001},
	}
}

func newTestServer(t *testing.T, ctrl *fakeController, cfg config.APIConfig) *Server {
	t.Helper()
	if ctrl == nil {
		ctrl = &fakeController{}
	}
	return NewServer(cfg, ctrl)
}

func do(t *testing.T, s *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeController{running: true}, config.APIConfig{})

	w := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["running"])
}

func TestDashboardEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeController{running: true}, config.APIConfig{})

	w := do(t, s, http.MethodGet, "/dashboard", "")
	require.Equal(t, http.StatusOK, w.Code)

	var dash Dashboard
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dash))
	assert.True(t, dash.Running)
	assert.Equal(t, 3, dash.ExecutionStats[execution.AlgoTWAP].Executions)
}

func TestDecisionsEndpointHonorsLimit(t *testing.T) {
	ctrl := &fakeController{
		decisions: []DecisionRecord{
			{Symbol: "BTCUSDT", Signal: agents.SignalBuy, Confidence: 0.8, Timestamp: time.Now()},
			{Symbol: "ETHUSDT", Signal: agents.SignalSell, Confidence: 0.7, Timestamp: time.Now()},
		},
	}
	s := newTestServer(t, ctrl, config.APIConfig{})

	w := do(t, s, http.MethodGet, "/inference/decisions?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Decisions []DecisionRecord `json:"decisions"`
		Count     int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "BTCUSDT", body.Decisions[0].Symbol)
}

func TestStartRequiresToken(t *testing.T) {
	s := newTestServer(t, &fakeController{}, config.APIConfig{AdminToken: "secret"})

	w := do(t, s, http.MethodPost, "/start", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodPost, "/start", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStartStopWithToken(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(t, ctrl, config.APIConfig{AdminToken: "secret"})

	w := do(t, s, http.MethodPost, "/start", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ctrl.running)

	w = do(t, s, http.MethodPost, "/start", "secret")
	assert.Equal(t, http.StatusConflict, w.Code, "double start rejected")

	w = do(t, s, http.MethodPost, "/stop", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, ctrl.running)

	w = do(t, s, http.MethodPost, "/stop", "secret")
	assert.Equal(t, http.StatusConflict, w.Code, "stop when idle rejected")
}

func TestAdminDisabledWithoutConfiguredToken(t *testing.T) {
	s := newTestServer(t, &fakeController{}, config.APIConfig{})

	w := do(t, s, http.MethodPost, "/start", "anything")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestTradeHistoryEndpoint(t *testing.T) {
	ctrl := &fakeController{
		trades: []agents.TradeOutcome{
			{AgentID: "agent-01", Symbol: "BTCUSDT", PnL: 42.0},
		},
	}
	s := newTestServer(t, ctrl, config.APIConfig{})

	w := do(t, s, http.MethodGet, "/api/trades/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agent-01")
}

func TestAgentPerformanceEndpoint(t *testing.T) {
	ctrl := &fakeController{
		states: []agents.AgentState{
			{ID: "agent-01", TotalTrades: 10, Wins: 6, TotalPnL: 120.5, Active: true},
		},
	}
	s := newTestServer(t, ctrl, config.APIConfig{})

	w := do(t, s, http.MethodGet, "/api/agents/performance", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Agents []struct {
			AgentID string  `json:"agent_id"`
			WinRate float64 `json:"win_rate"`
		} `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Agents, 1)
	assert.Equal(t, "agent-01", body.Agents[0].AgentID)
	assert.InDelta(t, 0.6, body.Agents[0].WinRate, 1e-9)
}

func TestAgentEnableDisable(t *testing.T) {
	ctrl := &fakeController{knownAgent: "agent-02"}
	s := newTestServer(t, ctrl, config.APIConfig{AdminToken: "secret"})

	w := do(t, s, http.MethodPost, "/api/agents/agent-02/disable", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, ctrl.setActive["agent-02"])

	w = do(t, s, http.MethodPost, "/api/agents/agent-02/enable", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ctrl.setActive["agent-02"])

	w = do(t, s, http.MethodPost, "/api/agents/ghost/enable", "secret")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPost, "/api/agents/agent-02/enable", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestExecutionStatsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeController{}, config.APIConfig{})

	w := do(t, s, http.MethodGet, "/api/execution/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "TWAP")
}

func TestInjectDecision(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(t, ctrl, config.APIConfig{AdminToken: "secret"})

	body := strings.NewReader(`{"symbol":"BTCUSDT","side":"BUY","notional":500,"reasoning":"external model"}`)
	req := httptest.NewRequest(http.MethodPost, "/inference/decisions", body)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, ctrl.injected, 1)
	assert.Equal(t, "BTCUSDT", ctrl.injected[0].Symbol)
	assert.InDelta(t, 500, ctrl.injected[0].Notional, 1e-9)
}

func TestInjectDecisionValidation(t *testing.T) {
	s := newTestServer(t, &fakeController{}, config.APIConfig{AdminToken: "secret"})

	body := strings.NewReader(`{"symbol":"BTCUSDT","side":"SIDEWAYS"}`)
	req := httptest.NewRequest(http.MethodPost, "/inference/decisions", body)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimitExceeded(t *testing.T) {
	s := newTestServer(t, &fakeController{}, config.APIConfig{RateLimitRPM: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := do(t, s, http.MethodGet, "/healthz", "")
		codes = append(codes, w.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])
}
