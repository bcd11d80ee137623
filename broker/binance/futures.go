package binance

import (
	"context"

	"github.com/Cyvadra/signal-trader/broker"
	"github.com/adshao/go-binance/v2/futures"
)

// PlaceConditionalOrder places a stop-market, take-profit-market or trailing-stop-market order.
// Triggers follow the mark price. reduceOnly is only sent for BOTH position side:
// Binance rejects it on hedge-mode LONG/SHORT legs.
func (c *Client) PlaceConditionalOrder(ctx context.Context, req *broker.ConditionalOrderRequest) (*broker.Order, error) {
	if !c.IsConnected() {
		return nil, broker.ErrNotConnected
	}

	if err := broker.ValidateConditionalOrder(req); err != nil {
		return nil, err
	}

	service := c.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(convertToBinanceSide(req.Side)).
		Type(convertToBinanceOrderType(req.Kind.OrderType())).
		Quantity(req.Quantity).
		PositionSide(convertToBinancePositionSide(req.PositionSide)).
		WorkingType(futures.WorkingTypeMarkPrice)

	switch req.Kind {
	case broker.KindTrailingStop:
		service = service.CallbackRate(req.CallbackRate)
		if req.ActivationPrice != "" {
			service = service.ActivationPrice(req.ActivationPrice)
		}
	default:
		service = service.StopPrice(req.StopPrice)
	}

	if sendReduceOnly(req) {
		service = service.ReduceOnly(true)
	}

	order, err := service.Do(ctx)
	if err != nil {
		return nil, c.wrapError(err, "place "+string(req.Kind)+" order")
	}

	return convertBinanceOrder(order), nil
}

func sendReduceOnly(req *broker.ConditionalOrderRequest) bool {
	return req.ReduceOnly && req.PositionSide == broker.PositionSideBoth
}
