package executor

import (
	"context"
	"fmt"

	"github.com/Cyvadra/signal-trader/broker"
	"github.com/Cyvadra/signal-trader/internal/models"
	"github.com/Cyvadra/signal-trader/internal/signal"
	"go.uber.org/zap"
)

const (
	// a stop on the wrong side of entry is moved this far from entry
	wrongSideStopPercent = 5.0

	minCallbackPercent = 0.1
	maxCallbackPercent = 5.0
)

type takeProfitLeg struct {
	Price    float64
	Quantity float64
}

type trailingLeg struct {
	Activation float64
	Callback   float64
	Quantity   float64
}

// protection is the set of protective orders placed after an entry.
type protection struct {
	Quantity    float64
	StopLoss    float64 // zero: no stop
	TakeProfits []takeProfitLeg
	Trailing    *trailingLeg
}

func (p protection) takeProfitPrices() []float64 {
	if len(p.TakeProfits) == 0 {
		return nil
	}
	out := make([]float64, len(p.TakeProfits))
	for i, leg := range p.TakeProfits {
		out[i] = leg.Price
	}
	return out
}

func offset(entry, percent float64, dir signal.Direction, towardProfit bool) float64 {
	up := (dir == signal.Long) == towardProfit
	if up {
		return entry * (1 + percent/100)
	}
	return entry * (1 - percent/100)
}

// planProtection lays out stop, take-profit ladder and trailing stop for a filled entry.
func planProtection(entry, quantity float64, sig *signal.TradeSignal, account *models.Account, rules *broker.SymbolRules) protection {
	p := protection{Quantity: quantity}
	if account.CreateSLTP {
		if !(account.UseSignalSettings && sig.NoStopLoss) {
			p.StopLoss = broker.RoundToTick(stopLossPrice(entry, sig, account), rules.TickSize)
		}
		p.TakeProfits = takeProfitLadder(entry, quantity, sig, account, rules)
	}
	p.Trailing = trailingStop(entry, quantity, sig.Direction, account.Trailing)
	return p
}

// stopLossPrice is the account's offset from entry, or the signal's stop when the
// account follows signal settings. A stop on the wrong side of entry is clamped.
func stopLossPrice(entry float64, sig *signal.TradeSignal, account *models.Account) float64 {
	pct := account.StopLossPercent
	if pct <= 0 {
		pct = models.DefaultStopLossPercent
	}
	sl := offset(entry, pct, sig.Direction, false)
	if account.UseSignalSettings && sig.StopLoss > 0 {
		sl = sig.StopLoss
	}
	return clampStopLoss(entry, sl, sig.Direction)
}

func clampStopLoss(entry, sl float64, dir signal.Direction) float64 {
	if dir == signal.Long && sl >= entry || dir == signal.Short && sl <= entry {
		return offset(entry, wrongSideStopPercent, dir, false)
	}
	return sl
}

// takeProfitLadder takes prices from the signal (when followed and on the profitable side
// of entry) or from the account's ladder offsets. Each leg closes its allocation
// percent of what is still open; the last leg closes the remainder.
func takeProfitLadder(entry, quantity float64, sig *signal.TradeSignal, account *models.Account, rules *broker.SymbolRules) []takeProfitLeg {
	type level struct{ price, allocation float64 }
	var levels []level

	if account.UseSignalSettings {
		var usable []float64
		for _, tp := range sig.TakeProfits {
			if sig.Direction == signal.Long && tp > entry || sig.Direction == signal.Short && tp < entry {
				usable = append(usable, tp)
			}
		}
		for i, tp := range usable {
			levels = append(levels, level{price: tp, allocation: 100 / float64(len(usable)-i)})
		}
	}
	if len(levels) == 0 {
		ladder := account.TakeProfitLevels
		if len(ladder) == 0 {
			ladder = models.DefaultTakeProfitLevels()
		}
		for _, l := range ladder {
			levels = append(levels, level{price: offset(entry, l.Percent, sig.Direction, true), allocation: l.Allocation})
		}
	}

	var legs []takeProfitLeg
	remaining := quantity
	for i, l := range levels {
		var qty float64
		if i == len(levels)-1 {
			qty = broker.FloorToStep(remaining, rules.StepSize)
		} else {
			qty = broker.FloorToStep(remaining*l.allocation/100, rules.StepSize)
		}
		if qty <= 0 || qty < rules.MinQty {
			continue
		}
		remaining = broker.FloorToStep(remaining-qty, rules.StepSize)
		legs = append(legs, takeProfitLeg{
			Price:    broker.RoundToTick(l.price, rules.TickSize),
			Quantity: qty,
		})
		if remaining <= 0 {
			break
		}
	}
	return legs
}

func trailingStop(entry, quantity float64, dir signal.Direction, cfg models.TrailingConfig) *trailingLeg {
	if !cfg.Enabled || quantity <= 0 {
		return nil
	}
	callback := cfg.CallbackPercent
	if callback < minCallbackPercent {
		callback = minCallbackPercent
	}
	if callback > maxCallbackPercent {
		callback = maxCallbackPercent
	}
	leg := &trailingLeg{Callback: callback, Quantity: quantity}
	if cfg.ActivationPercent > 0 {
		leg.Activation = offset(entry, cfg.ActivationPercent, dir, true)
	}
	return leg
}

// protect places every order of p. Failures become warnings; the position stays open.
func (e *Executor) protect(ctx context.Context, account broker.Account, symbol string, dir broker.PositionSide, p protection) (orderIDs, warnings []string) {
	place := func(label string, kind broker.ConditionalKind, params broker.ConditionalParams) {
		params.Direction = dir
		order, err := e.placeConditional(ctx, account, symbol, kind, params)
		if err != nil {
			e.logger.Warn("protective order failed",
				zap.String("account", account.ID), zap.String("symbol", symbol),
				zap.String("order", label), zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("%s: %s", label, broker.RejectionReason(err)))
			return
		}
		orderIDs = append(orderIDs, order.OrderID)
	}

	if p.StopLoss > 0 {
		place("stop loss", broker.KindStop, broker.ConditionalParams{
			Quantity:  p.Quantity,
			StopPrice: p.StopLoss,
		})
	}
	for i, leg := range p.TakeProfits {
		place(fmt.Sprintf("take profit %d", i+1), broker.KindTakeProfit, broker.ConditionalParams{
			Quantity:  leg.Quantity,
			StopPrice: leg.Price,
		})
	}
	if p.Trailing != nil {
		place("trailing stop", broker.KindTrailingStop, broker.ConditionalParams{
			Quantity:        p.Trailing.Quantity,
			ActivationPrice: p.Trailing.Activation,
			CallbackPercent: p.Trailing.Callback,
		})
	}
	return orderIDs, warnings
}

// placeConditional retries transient failures with exponential backoff.
func (e *Executor) placeConditional(ctx context.Context, account broker.Account, symbol string, kind broker.ConditionalKind, params broker.ConditionalParams) (*broker.OrderResult, error) {
	var order *broker.OrderResult
	attempt := 0
	err := broker.RetryWithBackoff(ctx, e.settings.RetryAttempts, e.settings.RetryDelay, func() error {
		attempt++
		if attempt > 1 {
			e.logger.Debug("retrying protective order",
				zap.String("account", account.ID), zap.String("kind", string(kind)), zap.Int("attempt", attempt))
		}
		var err error
		order, err = e.gateway.PlaceConditionalOrder(ctx, account, symbol, kind, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}
