package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Cyvadra/signal-trader/internal/events"
	"github.com/Cyvadra/signal-trader/internal/models"
	"github.com/Cyvadra/signal-trader/internal/services"
	"github.com/Cyvadra/signal-trader/internal/signal"
	"github.com/Cyvadra/signal-trader/internal/supervisor"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 500
	brokerCheckWait   = 5 * time.Second
)

// Monitor controls per-account monitoring. *supervisor.Supervisor implements it.
type Monitor interface {
	Start(ctx context.Context, accountID string) (supervisor.StartResult, error)
	Stop(ctx context.Context, accountID string) (supervisor.StopResult, error)
	AutoResume(ctx context.Context) (*supervisor.ResumeReport, error)
	Status() supervisor.Status
	IsActive(accountID string) bool
}

// TradeStore reads accounts and trade history. *services.Store implements it.
type TradeStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListTrades(ctx context.Context, filter services.TradeFilter) ([]models.TradeRecord, error)
	UpdateTradeStatus(ctx context.Context, id string, status models.TradeStatus, note string) error
}

// BrokerChecker pings the exchange connections in use. *broker.Manager implements it.
type BrokerChecker interface {
	TestConnections(ctx context.Context) map[string]error
}

// Handler serves the monitoring API.
type Handler struct {
	monitor Monitor
	store   TradeStore
	parser  *signal.Parser
	hub     *events.Hub
	brokers BrokerChecker
	logger  *zap.Logger
}

// SetBrokers enables exchange connection checks in Health
func (h *Handler) SetBrokers(brokers BrokerChecker) {
	h.brokers = brokers
}

// NewHandler creates a new handler
func NewHandler(monitor Monitor, store TradeStore, parser *signal.Parser, hub *events.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		monitor: monitor,
		store:   store,
		parser:  parser,
		hub:     hub,
		logger:  logger,
	}
}

// StartMonitoring starts monitoring for an account
func (h *Handler) StartMonitoring(c *gin.Context) {
	id := c.Param("id")
	res, err := h.monitor.Start(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to start monitoring", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "result": res})
}

// StopMonitoring stops monitoring for an account
func (h *Handler) StopMonitoring(c *gin.Context) {
	id := c.Param("id")
	res, err := h.monitor.Stop(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to stop monitoring", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "result": res})
}

// GetAccountStatus reports whether an account is monitoring
func (h *Handler) GetAccountStatus(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.store.GetAccount(c.Request.Context(), id); err != nil {
		h.fail(c, "failed to load account", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "active": h.monitor.IsActive(id)})
}

// GetStatus returns active accounts and poller states
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.Status())
}

// Resume starts every resumable account and returns the report
func (h *Handler) Resume(c *gin.Context) {
	report, err := h.monitor.AutoResume(c.Request.Context())
	if err != nil {
		h.fail(c, "failed to resume monitoring", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetTrades lists an account's trade history, newest first
func (h *Handler) GetTrades(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultTradeLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > maxTradeLimit {
		limit = maxTradeLimit
	}

	filter := services.TradeFilter{
		AccountID: c.Param("id"),
		Symbol:    strings.ToUpper(c.Query("symbol")),
		Status:    models.TradeStatus(c.Query("status")),
		Limit:     limit,
	}
	trades, err := h.store.ListTrades(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, "failed to list trades", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": filter.AccountID,
		"trades":     trades,
		"count":      len(trades),
	})
}

// UpdateTradeRequest changes the status of a trade record.
type UpdateTradeRequest struct {
	Status models.TradeStatus `json:"status" binding:"required,oneof=open open_warning closed failed"`
	Note   string             `json:"note"`
}

// UpdateTrade sets the status of a trade, e.g. closed after the position is flat
func (h *Handler) UpdateTrade(c *gin.Context) {
	var req UpdateTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	id := c.Param("trade_id")
	if err := h.store.UpdateTradeStatus(c.Request.Context(), id, req.Status, req.Note); err != nil {
		h.fail(c, "failed to update trade", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
}

// ParseRequest is the body of the parse preview endpoint.
type ParseRequest struct {
	Text string `json:"text" binding:"required"`
}

// ParseSignal previews what the parser makes of a message without trading
func (h *Handler) ParseSignal(c *gin.Context) {
	var req ParseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	res := h.parser.Parse(req.Text)
	body := gin.H{
		"accepted":  res.Accepted(),
		"threshold": h.parser.Threshold(),
	}
	if res.Accepted() {
		body["signal"] = res.Signal
	} else {
		body["rejection"] = res.Rejection
	}
	c.JSON(http.StatusOK, body)
}

// Health reports liveness and the number of running pollers
func (h *Handler) Health(c *gin.Context) {
	st := h.monitor.Status()
	resp := gin.H{
		"status":          "ok",
		"service":         "signal-trader",
		"active_accounts": len(st.Accounts),
		"pollers":         len(st.Pollers),
	}

	if h.brokers != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), brokerCheckWait)
		defer cancel()
		failed := make(map[string]string)
		for accountID, err := range h.brokers.TestConnections(ctx) {
			failed[accountID] = err.Error()
		}
		resp["broker_errors"] = failed
		if len(failed) > 0 {
			resp["status"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) fail(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, supervisor.ErrConfiguration):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrAccountNotFound), errors.Is(err, services.ErrTradeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg, "details": err.Error()})
}
