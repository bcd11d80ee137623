package executor

import (
	"errors"
	"fmt"
	"math"

	"github.com/Cyvadra/signal-trader/broker"
	"github.com/Cyvadra/signal-trader/internal/models"
	"github.com/Cyvadra/signal-trader/internal/signal"
)

// ErrBelowMinimum marks a signal that sizes to less than the exchange minimum.
var ErrBelowMinimum = errors.New("quantity below exchange minimum")

// sizing is the position an account takes on a signal.
type sizing struct {
	Amount   float64 // margin in quote asset
	Leverage int
	Quantity float64
}

// effectiveLeverage is the signal's leverage when the account follows signal settings,
// otherwise the account's.
func effectiveLeverage(sig *signal.TradeSignal, account *models.Account) int {
	if account.UseSignalSettings && sig.Leverage > 0 {
		return sig.Leverage
	}
	if account.Leverage > 0 {
		return account.Leverage
	}
	return models.DefaultLeverage
}

// marginAmount is the part of balance committed to one trade. A signal risk
// percentage is honoured when the account follows signal settings, capped at the
// account's own risk percentage.
func marginAmount(balance float64, sig *signal.TradeSignal, account *models.Account) float64 {
	if balance <= 0 {
		return 0
	}
	if account.BalanceMode == models.BalanceModeFixed {
		return math.Min(account.FixedAmount, balance)
	}

	pct := account.BalancePercentage
	if pct <= 0 {
		pct = account.RiskPercentage
	}
	if account.UseSignalSettings && sig.RiskPercent > 0 {
		pct = sig.RiskPercent
		if account.RiskPercentage > 0 {
			pct = math.Min(pct, account.RiskPercentage)
		}
	}
	return balance * pct / 100
}

// size computes quantity = amount x leverage / price floored to the symbol step.
func size(balance, price float64, sig *signal.TradeSignal, account *models.Account, rules *broker.SymbolRules) (sizing, error) {
	s := sizing{
		Amount:   marginAmount(balance, sig, account),
		Leverage: effectiveLeverage(sig, account),
	}
	if price <= 0 {
		return s, fmt.Errorf("no price for %s", sig.Symbol)
	}
	raw := s.Amount * float64(s.Leverage) / price
	s.Quantity = broker.FloorToStep(raw, rules.StepSize)
	if s.Quantity <= 0 || s.Quantity < rules.MinQty {
		return s, fmt.Errorf("%w: %.8g < %.8g (margin %.2f, leverage %d)", ErrBelowMinimum, s.Quantity, rules.MinQty, s.Amount, s.Leverage)
	}
	return s, nil
}
