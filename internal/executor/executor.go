// Package executor turns accepted signals into exchange orders and trade records.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Cyvadra/signal-trader/broker"
	"github.com/Cyvadra/signal-trader/internal/cooldown"
	"github.com/Cyvadra/signal-trader/internal/events"
	"github.com/Cyvadra/signal-trader/internal/models"
	"github.com/Cyvadra/signal-trader/internal/signal"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// persistTimeout bounds the final record write, which runs even if the caller is cancelled.
const persistTimeout = 10 * time.Second

// Gateway is the exchange side the executor needs. *broker.Gateway implements it.
type Gateway interface {
	Balance(ctx context.Context, account broker.Account, asset string) (float64, error)
	MarkPrice(ctx context.Context, account broker.Account, symbol string) (float64, error)
	SymbolRules(ctx context.Context, account broker.Account, symbol string) (*broker.SymbolRules, error)
	PlaceMarketOrder(ctx context.Context, account broker.Account, symbol string, direction broker.PositionSide, size float64, leverage int) (*broker.OrderResult, error)
	PlaceConditionalOrder(ctx context.Context, account broker.Account, symbol string, kind broker.ConditionalKind, params broker.ConditionalParams) (*broker.OrderResult, error)
}

// TradeStore persists the final state of a trade record.
type TradeStore interface {
	SaveTrade(ctx context.Context, record *models.TradeRecord) error
}

// Notifier tells the account owner what happened.
type Notifier interface {
	Notify(ctx context.Context, account *models.Account, ev events.Event)
}

// Status is the outcome of one Execute call.
type Status string

const (
	StatusExecuted            Status = "executed"
	StatusExecutedWithWarning Status = "executed_with_warning"
	StatusBlocked             Status = "blocked"
	StatusFailed              Status = "failed"
	StatusSkipped             Status = "skipped"
)

// Origin identifies the message a signal came from.
type Origin struct {
	ChannelID string
	MessageID int64
}

// Result reports what Execute did for one account.
type Result struct {
	Status    Status              `json:"status"`
	AccountID string              `json:"account_id"`
	Symbol    string              `json:"symbol"`
	Trade     *models.TradeRecord `json:"trade,omitempty"`
	Remaining time.Duration       `json:"remaining,omitempty"`
	Warnings  []string            `json:"warnings,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}

// Executor opens positions for accounts.
type Executor struct {
	gateway  Gateway
	guard    *cooldown.Guard
	store    TradeStore
	settings broker.Settings
	hub      *events.Hub
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewExecutor creates an executor. settings bounds protective order retries.
func NewExecutor(gateway Gateway, guard *cooldown.Guard, store TradeStore, settings broker.Settings, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		gateway:  gateway,
		guard:    guard,
		store:    store,
		settings: settings.WithDefaults(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetHub sets the hub results are published to
func (e *Executor) SetHub(hub *events.Hub) {
	e.hub = hub
}

// SetNotifier sets the owner notifier
func (e *Executor) SetNotifier(notifier Notifier) {
	e.notifier = notifier
}

// Execute opens a position for account following sig.
func (e *Executor) Execute(ctx context.Context, sig *signal.TradeSignal, account *models.Account) *Result {
	return e.ExecuteFrom(ctx, sig, account, Origin{})
}

// ExecuteFrom is Execute for a signal read from a channel message.
func (e *Executor) ExecuteFrom(ctx context.Context, sig *signal.TradeSignal, account *models.Account, origin Origin) *Result {
	log := e.logger.With(
		zap.String("account", account.ID),
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(sig.Direction)),
	)

	record := &models.TradeRecord{
		ID:         uuid.NewString(),
		AccountID:  account.ID,
		Symbol:     sig.Symbol,
		Direction:  string(sig.Direction),
		EntryTime:  e.now(),
		Status:     models.TradeStatusPending,
		ChannelID:  origin.ChannelID,
		MessageID:  origin.MessageID,
		Confidence: sig.Confidence,
	}

	verdict, err := e.guard.Reserve(ctx, record)
	if err != nil {
		log.Error("cooldown check failed", zap.Error(err))
		res := &Result{Status: StatusFailed, AccountID: account.ID, Symbol: sig.Symbol, Reason: err.Error()}
		e.report(ctx, account, res)
		return res
	}
	if !verdict.Allowed {
		log.Info("trade blocked by cooldown",
			zap.Duration("remaining", verdict.Remaining), zap.Time("last_entry", verdict.LastEntry))
		res := &Result{
			Status:    StatusBlocked,
			AccountID: account.ID,
			Symbol:    sig.Symbol,
			Remaining: verdict.Remaining,
			Reason:    verdict.Err().Error(),
		}
		e.report(ctx, account, res)
		return res
	}

	res := e.open(ctx, sig, account, record, log)
	if err := e.persist(ctx, record); err != nil {
		log.Error("failed to persist trade record", zap.String("trade", record.ID), zap.Error(err))
	}
	e.report(ctx, account, res)
	return res
}

func (e *Executor) open(ctx context.Context, sig *signal.TradeSignal, account *models.Account, record *models.TradeRecord, log *zap.Logger) *Result {
	bacct := BrokerAccount(account)
	dir := positionSide(sig.Direction)
	quote := account.QuoteAsset
	if quote == "" {
		quote = models.DefaultQuoteAsset
	}

	fail := func(stage string, err error) *Result {
		reason := fmt.Sprintf("%s: %s", stage, broker.RejectionReason(err))
		log.Error("trade failed", zap.String("stage", stage), zap.Error(err))
		record.Status = models.TradeStatusFailed
		record.FailureReason = reason
		return &Result{Status: StatusFailed, AccountID: account.ID, Symbol: sig.Symbol, Trade: record, Reason: reason}
	}

	balance, err := e.gateway.Balance(ctx, bacct, quote)
	if err != nil {
		return fail("balance", err)
	}

	price, err := e.gateway.MarkPrice(ctx, bacct, sig.Symbol)
	if err != nil || price <= 0 {
		if sig.Entry <= 0 {
			if err == nil {
				err = fmt.Errorf("mark price %v", price)
			}
			return fail("mark price", err)
		}
		log.Warn("mark price unavailable, sizing from signal entry", zap.Float64("entry", sig.Entry), zap.Error(err))
		price = sig.Entry
	}

	rules, err := e.gateway.SymbolRules(ctx, bacct, sig.Symbol)
	if err != nil {
		return fail("symbol rules", err)
	}

	sz, err := size(balance, price, sig, account, rules)
	record.Leverage = sz.Leverage
	if errors.Is(err, ErrBelowMinimum) {
		log.Info("trade skipped", zap.Float64("balance", balance), zap.Error(err))
		record.Status = models.TradeStatusFailed
		record.FailureReason = err.Error()
		return &Result{Status: StatusSkipped, AccountID: account.ID, Symbol: sig.Symbol, Trade: record, Reason: err.Error()}
	}
	if err != nil {
		return fail("sizing", err)
	}

	order, err := e.gateway.PlaceMarketOrder(ctx, bacct, sig.Symbol, dir, sz.Quantity, sz.Leverage)
	if err != nil {
		return fail("entry order", err)
	}

	entry := order.Price
	if entry <= 0 {
		entry = price
	}
	quantity := order.Quantity
	if quantity <= 0 {
		quantity = sz.Quantity
	}
	record.EntryPrice = entry
	record.Quantity = quantity
	record.OrderIDs = []string{order.OrderID}

	plan := planProtection(entry, quantity, sig, account, rules)
	record.StopLoss = plan.StopLoss
	record.TakeProfits = plan.takeProfitPrices()
	ids, warnings := e.protect(ctx, bacct, sig.Symbol, dir, plan)
	record.OrderIDs = append(record.OrderIDs, ids...)

	res := &Result{AccountID: account.ID, Symbol: sig.Symbol, Trade: record, Warnings: warnings}
	if len(warnings) > 0 {
		record.Status = models.TradeStatusOpenWarning
		record.Warning = strings.Join(warnings, "; ")
		res.Status = StatusExecutedWithWarning
		res.Reason = record.Warning
	} else {
		record.Status = models.TradeStatusOpen
		res.Status = StatusExecuted
	}

	log.Info("trade opened",
		zap.String("trade", record.ID),
		zap.Float64("entry", entry),
		zap.Float64("quantity", quantity),
		zap.Int("leverage", sz.Leverage),
		zap.Int("protective_orders", len(ids)),
		zap.Int("warnings", len(warnings)))
	return res
}

func (e *Executor) persist(ctx context.Context, record *models.TradeRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return e.store.SaveTrade(ctx, record)
}

func (e *Executor) report(ctx context.Context, account *models.Account, res *Result) {
	ev := events.Event{
		Type:      eventType(res.Status),
		AccountID: res.AccountID,
		Symbol:    res.Symbol,
		Message:   res.Reason,
		Time:      e.now(),
	}
	if res.Trade != nil {
		ev.Data = res.Trade
	}
	if e.hub != nil {
		e.hub.Publish(ev)
	}
	if e.notifier != nil {
		e.notifier.Notify(context.WithoutCancel(ctx), account, ev)
	}
}

func eventType(status Status) string {
	switch status {
	case StatusExecuted:
		return events.TypeTradeExecuted
	case StatusExecutedWithWarning:
		return events.TypeTradeWarning
	case StatusBlocked:
		return events.TypeTradeBlocked
	case StatusSkipped:
		return events.TypeTradeSkipped
	default:
		return events.TypeTradeFailed
	}
}

// BrokerAccount converts an account into the identity the broker layer works with.
func BrokerAccount(account *models.Account) broker.Account {
	mode := broker.PositionMode(account.PositionMode)
	if mode == "" {
		mode = broker.PositionModeHedge
	}
	return broker.Account{
		ID:       account.ID,
		Exchange: account.Exchange,
		Credentials: broker.Credentials{
			APIKey:    account.APIKey,
			SecretKey: account.SecretKey,
			Testnet:   account.Testnet,
		},
		PositionMode: mode,
	}
}

func positionSide(dir signal.Direction) broker.PositionSide {
	if dir == signal.Short {
		return broker.PositionSideShort
	}
	return broker.PositionSideLong
}
