package broker

import (
	"time"
)

// OrderSide represents the side of an order
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order
type OrderType string

const (
	OrderTypeMarket             OrderType = "MARKET"
	OrderTypeLimit              OrderType = "LIMIT"
	OrderTypeStopMarket         OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket   OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStopMarket OrderType = "TRAILING_STOP_MARKET"
)

// PositionSide represents the side of a position for futures trading
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	PositionSideBoth  PositionSide = "BOTH"
)

// PositionMode is the account-wide futures position mode.
type PositionMode string

const (
	// PositionModeHedge allows simultaneous long and short positions on one symbol.
	// Exchanges reject the reduce-only flag in this mode.
	PositionModeHedge  PositionMode = "hedge"
	PositionModeOneWay PositionMode = "one-way"
	// PositionModeAuto asks the exchange on first use.
	PositionModeAuto PositionMode = "auto"
)

// ConditionalKind identifies a protective order.
type ConditionalKind string

const (
	KindStop         ConditionalKind = "stop"
	KindTakeProfit   ConditionalKind = "take_profit"
	KindTrailingStop ConditionalKind = "trailing_stop"
)

// OrderType returns the exchange order type used for the kind.
func (k ConditionalKind) OrderType() OrderType {
	switch k {
	case KindStop:
		return OrderTypeStopMarket
	case KindTakeProfit:
		return OrderTypeTakeProfitMarket
	case KindTrailingStop:
		return OrderTypeTrailingStopMarket
	default:
		return ""
	}
}

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Credentials represents the API credentials for a broker
type Credentials struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Testnet   bool   `json:"testnet" yaml:"testnet"`
}

// Account identifies whose keys an order is placed with.
type Account struct {
	ID           string
	Exchange     string
	Credentials  Credentials
	PositionMode PositionMode
}

// OrderRequest represents a request to place an order
type OrderRequest struct {
	Symbol       string       `json:"symbol"`
	Side         OrderSide    `json:"side"`
	Type         OrderType    `json:"type"`
	Quantity     string       `json:"quantity"`
	Price        string       `json:"price,omitempty"`         // Required for limit orders
	PositionSide PositionSide `json:"position_side,omitempty"` // For futures trading
	TimeInForce  string       `json:"time_in_force,omitempty"` // GTC, IOC, FOK
	ReduceOnly   bool         `json:"reduce_only,omitempty"`
}

// ConditionalOrderRequest is a trigger order protecting an open position.
type ConditionalOrderRequest struct {
	Symbol       string          `json:"symbol"`
	Kind         ConditionalKind `json:"kind"`
	Side         OrderSide       `json:"side"`
	Quantity     string          `json:"quantity"`
	StopPrice    string          `json:"stop_price,omitempty"`
	PositionSide PositionSide    `json:"position_side"`
	ReduceOnly   bool            `json:"reduce_only,omitempty"`

	// trailing stop only
	ActivationPrice string `json:"activation_price,omitempty"`
	CallbackRate    string `json:"callback_rate,omitempty"`
}

// ConditionalParams describes a protective order in account terms; Gateway turns it
// into a ConditionalOrderRequest for the account's position mode.
type ConditionalParams struct {
	Direction       PositionSide // direction of the position being protected
	Quantity        float64
	StopPrice       float64
	ActivationPrice float64
	CallbackPercent float64
}

// Order represents an order response
type Order struct {
	ID               string       `json:"id"`
	ClientOrderID    string       `json:"client_order_id"`
	Symbol           string       `json:"symbol"`
	Side             OrderSide    `json:"side"`
	Type             OrderType    `json:"type"`
	Quantity         string       `json:"quantity"`
	Price            string       `json:"price"`
	AvgPrice         string       `json:"avg_price"`
	StopPrice        string       `json:"stop_price,omitempty"`
	ExecutedQuantity string       `json:"executed_quantity"`
	Status           OrderStatus  `json:"status"`
	PositionSide     PositionSide `json:"position_side"`
	ReduceOnly       bool         `json:"reduce_only"`
	CreatedAt        time.Time    `json:"created_at"`
}

// OrderResult is what the gateway reports back for a placed order.
type OrderResult struct {
	OrderID  string  `json:"order_id"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Balance represents account balance
type Balance struct {
	Asset            string `json:"asset"`
	WalletBalance    string `json:"wallet_balance"`
	AvailableBalance string `json:"available_balance"`
}

// SymbolInfo represents trading symbol information
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
	Status     string `json:"status"`
	MinQty     string `json:"min_qty"`
	MaxQty     string `json:"max_qty"`
	StepSize   string `json:"step_size"`
	TickSize   string `json:"tick_size"`
}

// SymbolRules is SymbolInfo with the filters parsed.
type SymbolRules struct {
	Symbol   string
	MinQty   float64
	StepSize float64
	TickSize float64
}

// LeverageRequest represents a request to change leverage
type LeverageRequest struct {
	Symbol   string `json:"symbol"`
	Leverage int    `json:"leverage"`
}
