package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Cyvadra/signal-trader/internal/events"
	"github.com/Cyvadra/signal-trader/internal/models"
	"github.com/Cyvadra/signal-trader/internal/services"
	"github.com/Cyvadra/signal-trader/internal/signal"
	"github.com/Cyvadra/signal-trader/internal/supervisor"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMonitor struct {
	mock.Mock
}

func (m *mockMonitor) Start(ctx context.Context, accountID string) (supervisor.StartResult, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(supervisor.StartResult), args.Error(1)
}

func (m *mockMonitor) Stop(ctx context.Context, accountID string) (supervisor.StopResult, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(supervisor.StopResult), args.Error(1)
}

func (m *mockMonitor) AutoResume(ctx context.Context) (*supervisor.ResumeReport, error) {
	args := m.Called(ctx)
	report, _ := args.Get(0).(*supervisor.ResumeReport)
	return report, args.Error(1)
}

func (m *mockMonitor) Status() supervisor.Status {
	return m.Called().Get(0).(supervisor.Status)
}

func (m *mockMonitor) IsActive(accountID string) bool {
	return m.Called(accountID).Bool(0)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	args := m.Called(ctx, id)
	account, _ := args.Get(0).(*models.Account)
	return account, args.Error(1)
}

func (m *mockStore) ListTrades(ctx context.Context, filter services.TradeFilter) ([]models.TradeRecord, error) {
	args := m.Called(ctx, filter)
	trades, _ := args.Get(0).([]models.TradeRecord)
	return trades, args.Error(1)
}

func (m *mockStore) UpdateTradeStatus(ctx context.Context, id string, status models.TradeStatus, note string) error {
	return m.Called(ctx, id, status, note).Error(0)
}

func newTestRouter(monitor Monitor, store TradeStore, hub *events.Hub) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(monitor, store, signal.NewParser(signal.Options{}), hub, nil)
	r := gin.New()
	api := r.Group("/api/v1")
	api.GET("/monitoring", h.GetStatus)
	api.POST("/monitoring/resume", h.Resume)
	api.GET("/accounts/:id/monitoring", h.GetAccountStatus)
	api.POST("/accounts/:id/monitoring/start", h.StartMonitoring)
	api.POST("/accounts/:id/monitoring/stop", h.StopMonitoring)
	api.GET("/accounts/:id/trades", h.GetTrades)
	api.PATCH("/trades/:trade_id", h.UpdateTrade)
	api.POST("/signals/parse", h.ParseSignal)
	api.GET("/events", h.StreamEvents)
	r.GET("/health", h.Health)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestStartAndStopMonitoring(t *testing.T) {
	monitor := &mockMonitor{}
	monitor.On("Start", mock.Anything, "a").Return(supervisor.Started, nil).Once()
	monitor.On("Start", mock.Anything, "a").Return(supervisor.AlreadyActive, nil).Once()
	monitor.On("Stop", mock.Anything, "a").Return(supervisor.Stopped, nil)
	r := newTestRouter(monitor, &mockStore{}, nil)

	w := do(r, http.MethodPost, "/api/v1/accounts/a/monitoring/start", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "started", decode(t, w)["result"])

	w = do(r, http.MethodPost, "/api/v1/accounts/a/monitoring/start", "")
	assert.Equal(t, "already_active", decode(t, w)["result"])

	w = do(r, http.MethodPost, "/api/v1/accounts/a/monitoring/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stopped", decode(t, w)["result"])
	monitor.AssertExpectations(t)
}

func TestStartMonitoringErrors(t *testing.T) {
	monitor := &mockMonitor{}
	monitor.On("Start", mock.Anything, "unassigned").
		Return(supervisor.StartResult(""), fmt.Errorf("%w: account unassigned: unassigned", supervisor.ErrConfiguration))
	monitor.On("Start", mock.Anything, "ghost").
		Return(supervisor.StartResult(""), fmt.Errorf("load account ghost: %w", services.ErrAccountNotFound))
	r := newTestRouter(monitor, &mockStore{}, nil)

	w := do(r, http.MethodPost, "/api/v1/accounts/unassigned/monitoring/start", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, decode(t, w)["details"], "unassigned")

	w = do(r, http.MethodPost, "/api/v1/accounts/ghost/monitoring/start", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAccountStatusAndResume(t *testing.T) {
	monitor := &mockMonitor{}
	monitor.On("IsActive", "a").Return(true)
	monitor.On("AutoResume", mock.Anything).Return(&supervisor.ResumeReport{
		Started: []string{"a"},
		Skipped: []supervisor.SkippedAccount{{AccountID: "b", Reason: supervisor.ReasonUnassigned}},
	}, nil)
	monitor.On("Status").Return(supervisor.Status{Accounts: []supervisor.AccountStatus{{AccountID: "a", Active: true}}})
	store := &mockStore{}
	store.On("GetAccount", mock.Anything, "a").Return(&models.Account{ID: "a"}, nil)
	r := newTestRouter(monitor, store, nil)

	w := do(r, http.MethodGet, "/api/v1/accounts/a/monitoring", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["active"])

	w = do(r, http.MethodPost, "/api/v1/monitoring/resume", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var report supervisor.ResumeReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, []string{"a"}, report.Started)
	assert.Equal(t, supervisor.ReasonUnassigned, report.Skipped[0].Reason)

	w = do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["active_accounts"])
}

type brokerChecks map[string]error

func (b brokerChecks) TestConnections(context.Context) map[string]error { return b }

func TestHealthReportsBrokers(t *testing.T) {
	monitor := &mockMonitor{}
	monitor.On("Status").Return(supervisor.Status{})
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		checks brokerChecks
		status string
	}{
		{name: "all connected", checks: brokerChecks{}, status: "ok"},
		{name: "one failing", checks: brokerChecks{"a": errors.New("network error")}, status: "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(monitor, nil, nil, nil, nil)
			h.SetBrokers(tt.checks)
			r := gin.New()
			r.GET("/health", h.Health)

			w := do(r, http.MethodGet, "/health", "")
			assert.Equal(t, http.StatusOK, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.status, body["status"])
			errs, ok := body["broker_errors"].(map[string]interface{})
			require.True(t, ok)
			assert.Len(t, errs, len(tt.checks))
		})
	}
}

func TestGetTrades(t *testing.T) {
	store := &mockStore{}
	store.On("ListTrades", mock.Anything, services.TradeFilter{
		AccountID: "a",
		Symbol:    "BTCUSDT",
		Status:    models.TradeStatusOpen,
		Limit:     10,
	}).Return([]models.TradeRecord{{ID: "t1", AccountID: "a", Symbol: "BTCUSDT", Status: models.TradeStatusOpen}}, nil)
	r := newTestRouter(&mockMonitor{}, store, nil)

	w := do(r, http.MethodGet, "/api/v1/accounts/a/trades?symbol=btcusdt&status=open&limit=10", "")
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["count"])

	w = do(r, http.MethodGet, "/api/v1/accounts/a/trades?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	store.AssertExpectations(t)
}

func TestUpdateTrade(t *testing.T) {
	store := &mockStore{}
	store.On("UpdateTradeStatus", mock.Anything, "t1", models.TradeStatusClosed, "tp hit").Return(nil)
	store.On("UpdateTradeStatus", mock.Anything, "t2", models.TradeStatusClosed, "").
		Return(fmt.Errorf("%w: t2", services.ErrTradeNotFound))
	r := newTestRouter(&mockMonitor{}, store, nil)

	w := do(r, http.MethodPatch, "/api/v1/trades/t1", `{"status":"closed","note":"tp hit"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPatch, "/api/v1/trades/t2", `{"status":"closed"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPatch, "/api/v1/trades/t1", `{"status":"pending"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseSignal(t *testing.T) {
	r := newTestRouter(&mockMonitor{}, &mockStore{}, nil)

	w := do(r, http.MethodPost, "/api/v1/signals/parse",
		`{"text":"LONG BTCUSDT Entry: 45000 TP: 46000 SL: 44000 Leverage: 10x"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["accepted"])
	sig := body["signal"].(map[string]interface{})
	assert.Equal(t, "BTCUSDT", sig["symbol"])
	assert.Equal(t, float64(45000), sig["entry"])

	w = do(r, http.MethodPost, "/api/v1/signals/parse", `{"text":"market looks calm today"}`)
	body = decode(t, w)
	assert.Equal(t, false, body["accepted"])
	assert.Equal(t, "no_direction", body["rejection"].(map[string]interface{})["reason"])

	w = do(r, http.MethodPost, "/api/v1/signals/parse", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/private", Auth("s3cret"), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(subjectKey))
	})

	w := do(r, http.MethodGet, "/private", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := IssueToken("s3cret", "admin", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin", w.Body.String())

	w = do(r, http.MethodGet, "/private?token="+token, "")
	assert.Equal(t, http.StatusOK, w.Code)

	other, err := IssueToken("different", "admin", time.Hour)
	require.NoError(t, err)
	w = do(r, http.MethodGet, "/private?token="+other, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := IssueToken("s3cret", "admin", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken("s3cret", expired)
	assert.Error(t, err)

	_, err = IssueToken("", "admin", time.Hour)
	assert.Error(t, err)
}

func TestStreamEvents(t *testing.T) {
	hub := events.NewHub(8)
	srv := httptest.NewServer(newTestRouter(&mockMonitor{}, &mockStore{}, hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?account_id=a"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(events.Event{Type: events.TypeTradeExecuted, AccountID: "b", Symbol: "ETHUSDT"})
	hub.Publish(events.Event{Type: events.TypeTradeBlocked, AccountID: "a", Symbol: "BTCUSDT"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.TypeTradeBlocked, ev.Type)
	assert.Equal(t, "BTCUSDT", ev.Symbol)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStreamEventsDisabled(t *testing.T) {
	r := newTestRouter(&mockMonitor{}, &mockStore{}, nil)
	w := do(r, http.MethodGet, "/api/v1/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
