package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Cyvadra/signal-trader/broker"
	"github.com/adshao/go-binance/v2/futures"
)

const testnetBaseURL = "https://testnet.binancefuture.com"

// Client represents a Binance USDⓈ-M futures broker client
type Client struct {
	name        string
	client      *futures.Client
	credentials *broker.Credentials
	connected   atomic.Bool
}

// NewClient creates a new Binance futures client
func NewClient() broker.Broker {
	return &Client{
		name: "binance",
	}
}

// Name returns the broker name
func (c *Client) Name() string {
	return c.name
}

// Initialize sets up the client with credentials
func (c *Client) Initialize(ctx context.Context, credentials *broker.Credentials) error {
	if credentials == nil {
		return broker.ErrInvalidCredentials
	}

	if credentials.APIKey == "" || credentials.SecretKey == "" {
		return broker.NewBrokerError(c.name, broker.CodeInvalidAuth, "API key and secret key are required", broker.ErrInvalidCredentials)
	}

	c.credentials = credentials
	c.client = futures.NewClient(credentials.APIKey, credentials.SecretKey)
	if credentials.Testnet {
		// set per client; the package-level testnet switch would affect every account
		c.client.BaseURL = testnetBaseURL
	}

	if err := c.TestConnection(ctx); err != nil {
		return fmt.Errorf("failed to initialize Binance client: %w", err)
	}

	c.connected.Store(true)
	return nil
}

// TestConnection tests the connection to Binance
func (c *Client) TestConnection(ctx context.Context) error {
	if c.client == nil {
		return broker.ErrNotConnected
	}

	if _, err := c.client.NewServerTimeService().Do(ctx); err != nil {
		return c.wrapError(err, "server time")
	}

	return nil
}

// GetBalance retrieves balance for a specific asset
func (c *Client) GetBalance(ctx context.Context, asset string) (*broker.Balance, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	balances, err := c.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, c.wrapError(err, "get balance")
	}

	for _, b := range balances {
		if strings.EqualFold(b.Asset, asset) {
			return &broker.Balance{
				Asset:            b.Asset,
				WalletBalance:    b.Balance,
				AvailableBalance: b.AvailableBalance,
			}, nil
		}
	}

	return nil, broker.NewBrokerError(c.name, "ASSET_NOT_FOUND", fmt.Sprintf("Asset %s not found", asset), broker.ErrInsufficientBalance)
}

// SetLeverage sets leverage for a symbol
func (c *Client) SetLeverage(ctx context.Context, req *broker.LeverageRequest) error {
	if !c.IsConnected() {
		return broker.ErrNotConnected
	}

	if !broker.IsValidLeverage(req.Leverage) {
		return broker.ErrInvalidLeverage
	}

	_, err := c.client.NewChangeLeverageService().
		Symbol(req.Symbol).
		Leverage(req.Leverage).
		Do(ctx)

	if err != nil {
		return c.wrapError(err, "set leverage")
	}

	return nil
}

// GetPositionMode reports whether the account trades in hedge (dual side) mode
func (c *Client) GetPositionMode(ctx context.Context) (bool, error) {
	if !c.IsConnected() {
		return false, broker.ErrNotConnected
	}

	result, err := c.client.NewGetPositionModeService().Do(ctx)
	if err != nil {
		return false, c.wrapError(err, "get position mode")
	}

	return result.DualSidePosition, nil
}

// PlaceOrder places a new order
func (c *Client) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.Order, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	if err := broker.ValidateOrderRequest(req); err != nil {
		return nil, err
	}

	service := c.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(convertToBinanceSide(req.Side)).
		Type(convertToBinanceOrderType(req.Type)).
		Quantity(req.Quantity).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	if req.PositionSide != "" {
		service = service.PositionSide(convertToBinancePositionSide(req.PositionSide))
	}

	if req.Type == broker.OrderTypeLimit && req.Price != "" {
		service = service.Price(req.Price)
	}

	if req.TimeInForce != "" {
		service = service.TimeInForce(futures.TimeInForceType(req.TimeInForce))
	} else if req.Type == broker.OrderTypeLimit {
		service = service.TimeInForce(futures.TimeInForceTypeGTC)
	}

	if req.ReduceOnly {
		service = service.ReduceOnly(true)
	}

	order, err := service.Do(ctx)
	if err != nil {
		return nil, c.wrapError(err, "place order")
	}

	return convertBinanceOrder(order), nil
}

// GetSymbolInfo retrieves symbol information
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (*broker.SymbolInfo, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	exchangeInfo, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.wrapError(err, "exchange info")
	}

	for i := range exchangeInfo.Symbols {
		if exchangeInfo.Symbols[i].Symbol == symbol {
			return convertBinanceSymbolInfo(&exchangeInfo.Symbols[i]), nil
		}
	}

	return nil, broker.ErrInvalidSymbol
}

// GetMarkPrice retrieves the current mark price for a symbol
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	if !c.IsConnected() {
		return 0, broker.ErrNotConnected
	}

	indexes, err := c.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.wrapError(err, "mark price")
	}
	if len(indexes) == 0 {
		return 0, broker.NewBrokerError(c.name, "NO_PRICE", "no mark price for "+symbol, broker.ErrInvalidSymbol)
	}

	price, err := strconv.ParseFloat(indexes[0].MarkPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse mark price %q: %w", indexes[0].MarkPrice, err)
	}
	return price, nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close closes the client connection
func (c *Client) Close() error {
	c.connected.Store(false)
	return nil
}

// Helper functions

func convertPositionSideFromString(side string) broker.PositionSide {
	switch strings.ToUpper(side) {
	case "LONG":
		return broker.PositionSideLong
	case "SHORT":
		return broker.PositionSideShort
	default:
		return broker.PositionSideBoth
	}
}

func convertToBinancePositionSide(side broker.PositionSide) futures.PositionSideType {
	switch side {
	case broker.PositionSideLong:
		return futures.PositionSideTypeLong
	case broker.PositionSideShort:
		return futures.PositionSideTypeShort
	default:
		return futures.PositionSideTypeBoth
	}
}

func convertToBinanceSide(side broker.OrderSide) futures.SideType {
	if side == broker.OrderSideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func convertToBinanceOrderType(orderType broker.OrderType) futures.OrderType {
	switch orderType {
	case broker.OrderTypeLimit:
		return futures.OrderTypeLimit
	case broker.OrderTypeStopMarket:
		return futures.OrderTypeStopMarket
	case broker.OrderTypeTakeProfitMarket:
		return futures.OrderTypeTakeProfitMarket
	case broker.OrderTypeTrailingStopMarket:
		return futures.OrderTypeTrailingStopMarket
	default:
		return futures.OrderTypeMarket
	}
}

func convertBinanceOrder(order *futures.CreateOrderResponse) *broker.Order {
	return &broker.Order{
		ID:               strconv.FormatInt(order.OrderID, 10),
		ClientOrderID:    order.ClientOrderID,
		Symbol:           order.Symbol,
		Side:             convertFromBinanceSide(order.Side),
		Type:             broker.OrderType(order.Type),
		Quantity:         order.OrigQuantity,
		Price:            order.Price,
		AvgPrice:         order.AvgPrice,
		StopPrice:        order.StopPrice,
		ExecutedQuantity: order.ExecutedQuantity,
		Status:           convertBinanceOrderStatus(order.Status),
		PositionSide:     convertPositionSideFromString(string(order.PositionSide)),
		ReduceOnly:       order.ReduceOnly,
		CreatedAt:        time.UnixMilli(order.UpdateTime),
	}
}

func convertFromBinanceSide(side futures.SideType) broker.OrderSide {
	if side == futures.SideTypeSell {
		return broker.OrderSideSell
	}
	return broker.OrderSideBuy
}

func convertBinanceOrderStatus(status futures.OrderStatusType) broker.OrderStatus {
	switch status {
	case futures.OrderStatusTypePartiallyFilled:
		return broker.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return broker.OrderStatusFilled
	case futures.OrderStatusTypeCanceled:
		return broker.OrderStatusCanceled
	case futures.OrderStatusTypeRejected:
		return broker.OrderStatusRejected
	case futures.OrderStatusTypeExpired:
		return broker.OrderStatusExpired
	default:
		return broker.OrderStatusNew
	}
}

func convertBinanceSymbolInfo(s *futures.Symbol) *broker.SymbolInfo {
	symbolInfo := &broker.SymbolInfo{
		Symbol:     s.Symbol,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
		Status:     string(s.Status),
	}

	for _, filter := range s.Filters {
		switch filter["filterType"] {
		case "LOT_SIZE":
			if minQty, ok := filter["minQty"].(string); ok {
				symbolInfo.MinQty = minQty
			}
			if maxQty, ok := filter["maxQty"].(string); ok {
				symbolInfo.MaxQty = maxQty
			}
			if stepSize, ok := filter["stepSize"].(string); ok {
				symbolInfo.StepSize = stepSize
			}
		case "PRICE_FILTER":
			if tickSize, ok := filter["tickSize"].(string); ok {
				symbolInfo.TickSize = tickSize
			}
		}
	}

	return symbolInfo
}

// Register the Binance broker
func init() {
	broker.Register("binance", NewClient)
}
