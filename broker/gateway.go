package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Gateway is the exchange side of trade execution: it resolves the account's broker,
// applies per-call timeouts and builds orders that respect the account's position mode.
type Gateway struct {
	manager *Manager
	timeout time.Duration
	logger  *zap.Logger

	rulesMu sync.RWMutex
	rules   map[string]*SymbolRules

	modesMu sync.Mutex
	modes   map[string]PositionMode
}

// NewGateway creates a gateway over manager. timeout bounds every exchange call.
func NewGateway(manager *Manager, timeout time.Duration, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Gateway{
		manager: manager,
		timeout: timeout,
		logger:  logger,
		rules:   make(map[string]*SymbolRules),
		modes:   make(map[string]PositionMode),
	}
}

func (g *Gateway) broker(ctx context.Context, account Account) (Broker, error) {
	return g.manager.Acquire(ctx, account)
}

// Balance returns the available balance of asset.
func (g *Gateway) Balance(ctx context.Context, account Account, asset string) (float64, error) {
	b, err := g.broker(ctx, account)
	if err != nil {
		return 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	balance, err := b.GetBalance(callCtx, asset)
	if err != nil {
		return 0, err
	}
	raw := balance.AvailableBalance
	if raw == "" {
		raw = balance.WalletBalance
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s balance %q: %w", asset, raw, err)
	}
	return value, nil
}

// MarkPrice returns the current mark price of symbol.
func (g *Gateway) MarkPrice(ctx context.Context, account Account, symbol string) (float64, error) {
	b, err := g.broker(ctx, account)
	if err != nil {
		return 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return b.GetMarkPrice(callCtx, symbol)
}

// SymbolRules returns lot and price filters for symbol, cached per exchange.
func (g *Gateway) SymbolRules(ctx context.Context, account Account, symbol string) (*SymbolRules, error) {
	key := account.Exchange + ":" + symbol
	g.rulesMu.RLock()
	cached, ok := g.rules[key]
	g.rulesMu.RUnlock()
	if ok {
		return cached, nil
	}

	b, err := g.broker(ctx, account)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	info, err := b.GetSymbolInfo(callCtx, symbol)
	if err != nil {
		return nil, err
	}
	rules := ParseSymbolRules(info)

	g.rulesMu.Lock()
	g.rules[key] = rules
	g.rulesMu.Unlock()
	return rules, nil
}

// ParseSymbolRules converts the string filters of info.
func ParseSymbolRules(info *SymbolInfo) *SymbolRules {
	rules := &SymbolRules{Symbol: info.Symbol}
	rules.MinQty, _ = strconv.ParseFloat(info.MinQty, 64)
	rules.StepSize, _ = strconv.ParseFloat(info.StepSize, 64)
	rules.TickSize, _ = strconv.ParseFloat(info.TickSize, 64)
	return rules
}

// PositionMode resolves the account's position mode, asking the exchange for "auto".
func (g *Gateway) PositionMode(ctx context.Context, account Account) (PositionMode, error) {
	switch account.PositionMode {
	case PositionModeHedge, PositionModeOneWay:
		return account.PositionMode, nil
	}

	g.modesMu.Lock()
	mode, ok := g.modes[account.ID]
	g.modesMu.Unlock()
	if ok {
		return mode, nil
	}

	b, err := g.broker(ctx, account)
	if err != nil {
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	dual, err := b.GetPositionMode(callCtx)
	if err != nil {
		return "", fmt.Errorf("failed to detect position mode: %w", err)
	}
	mode = PositionModeOneWay
	if dual {
		mode = PositionModeHedge
	}

	g.modesMu.Lock()
	g.modes[account.ID] = mode
	g.modesMu.Unlock()
	return mode, nil
}

// PlaceMarketOrder sets leverage and opens a position of size in direction.
// A leverage failure is logged and the order still goes out with the exchange's current leverage.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, account Account, symbol string, direction PositionSide, size float64, leverage int) (*OrderResult, error) {
	b, err := g.broker(ctx, account)
	if err != nil {
		return nil, err
	}
	mode, err := g.PositionMode(ctx, account)
	if err != nil {
		return nil, err
	}
	rules, err := g.SymbolRules(ctx, account, symbol)
	if err != nil {
		return nil, err
	}

	if leverage > 0 {
		levCtx, cancel := context.WithTimeout(ctx, g.timeout)
		err := b.SetLeverage(levCtx, &LeverageRequest{Symbol: symbol, Leverage: leverage})
		cancel()
		if err != nil {
			g.logger.Warn("failed to set leverage",
				zap.String("account", account.ID), zap.String("symbol", symbol),
				zap.Int("leverage", leverage), zap.Error(err))
		}
	}

	req := &OrderRequest{
		Symbol:       symbol,
		Side:         EntrySide(direction),
		Type:         OrderTypeMarket,
		Quantity:     FormatQuantity(size, Precision(rules.StepSize)),
		PositionSide: PositionSideFor(direction, mode),
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	order, err := b.PlaceOrder(callCtx, req)
	if err != nil {
		return nil, err
	}
	return orderResult(order, size), nil
}

// PlaceConditionalOrder submits a stop, take-profit or trailing-stop order protecting a position.
func (g *Gateway) PlaceConditionalOrder(ctx context.Context, account Account, symbol string, kind ConditionalKind, params ConditionalParams) (*OrderResult, error) {
	b, err := g.broker(ctx, account)
	if err != nil {
		return nil, err
	}
	mode, err := g.PositionMode(ctx, account)
	if err != nil {
		return nil, err
	}
	rules, err := g.SymbolRules(ctx, account, symbol)
	if err != nil {
		return nil, err
	}

	req, err := BuildConditionalOrder(symbol, kind, params, mode, rules)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	order, err := b.PlaceConditionalOrder(callCtx, req)
	if err != nil {
		return nil, err
	}
	return orderResult(order, params.Quantity), nil
}

// BuildConditionalOrder turns account-level parameters into an exchange request.
// In hedge mode the position side names the protected leg and reduce-only is never set;
// in one-way mode the position side is BOTH and the order is reduce-only.
func BuildConditionalOrder(symbol string, kind ConditionalKind, params ConditionalParams, mode PositionMode, rules *SymbolRules) (*ConditionalOrderRequest, error) {
	if params.Direction != PositionSideLong && params.Direction != PositionSideShort {
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidOrderSide, params.Direction)
	}
	if rules == nil {
		rules = &SymbolRules{Symbol: symbol}
	}
	qtyDecimals := Precision(rules.StepSize)
	priceDecimals := Precision(rules.TickSize)
	if rules.TickSize <= 0 {
		priceDecimals = 8
	}

	req := &ConditionalOrderRequest{
		Symbol:       symbol,
		Kind:         kind,
		Side:         ClosingSide(params.Direction),
		Quantity:     FormatQuantity(params.Quantity, qtyDecimals),
		PositionSide: PositionSideFor(params.Direction, mode),
		ReduceOnly:   mode != PositionModeHedge,
	}

	switch kind {
	case KindStop, KindTakeProfit:
		req.StopPrice = FormatPrice(RoundToTick(params.StopPrice, rules.TickSize), priceDecimals)
	case KindTrailingStop:
		if params.ActivationPrice > 0 {
			req.ActivationPrice = FormatPrice(RoundToTick(params.ActivationPrice, rules.TickSize), priceDecimals)
		}
		req.CallbackRate = strconv.FormatFloat(params.CallbackPercent, 'f', 1, 64)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidOrderType, kind)
	}

	if err := ValidateConditionalOrder(req); err != nil {
		return nil, err
	}
	return req, nil
}

func orderResult(order *Order, requested float64) *OrderResult {
	result := &OrderResult{OrderID: order.ID, Quantity: requested}
	if p, err := strconv.ParseFloat(order.AvgPrice, 64); err == nil && p > 0 {
		result.Price = p
	} else if p, err := strconv.ParseFloat(order.Price, 64); err == nil && p > 0 {
		result.Price = p
	}
	if q, err := strconv.ParseFloat(order.ExecutedQuantity, 64); err == nil && q > 0 {
		result.Quantity = q
	}
	return result
}
