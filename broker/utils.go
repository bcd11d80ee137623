package broker

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseQuantity parses a quantity string to float64
func ParseQuantity(quantity string) (float64, error) {
	if quantity == "" {
		return 0, ErrInvalidQuantity
	}

	qty, err := strconv.ParseFloat(quantity, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidQuantity, quantity)
	}

	if qty <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", ErrInvalidQuantity)
	}

	return qty, nil
}

// ParsePrice parses a price string to float64
func ParsePrice(price string) (float64, error) {
	if price == "" {
		return 0, ErrInvalidPrice
	}

	p, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	if p <= 0 {
		return 0, fmt.Errorf("%w: price must be positive", ErrInvalidPrice)
	}

	return p, nil
}

// FormatQuantity formats a quantity for API requests
func FormatQuantity(quantity float64, precision int) string {
	return strconv.FormatFloat(quantity, 'f', precision, 64)
}

// FormatPrice formats a price for API requests
func FormatPrice(price float64, precision int) string {
	return strconv.FormatFloat(price, 'f', precision, 64)
}

// Precision returns the number of decimals implied by a step or tick size,
// e.g. 0.001 -> 3, 1 -> 0.
func Precision(step float64) int {
	if step <= 0 || step >= 1 {
		return 0
	}
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(strings.TrimRight(s[i+1:], "0"))
	}
	return 0
}

// FloorToStep rounds value down to a multiple of step.
func FloorToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	// the epsilon keeps 0.3/0.1 from flooring to 2
	n := math.Floor(value/step + 1e-9)
	return roundTo(n*step, Precision(step))
}

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return roundTo(math.Round(price/tick)*tick, Precision(tick))
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// ValidateOrderRequest validates an order request
func ValidateOrderRequest(req *OrderRequest) error {
	if req == nil {
		return fmt.Errorf("order request is nil")
	}

	if req.Symbol == "" {
		return ErrInvalidSymbol
	}

	if req.Side != OrderSideBuy && req.Side != OrderSideSell {
		return ErrInvalidOrderSide
	}

	if req.Type != OrderTypeMarket && req.Type != OrderTypeLimit {
		return ErrInvalidOrderType
	}

	if _, err := ParseQuantity(req.Quantity); err != nil {
		return err
	}

	if req.Type == OrderTypeLimit {
		if req.Price == "" {
			return fmt.Errorf("%w: price required for limit orders", ErrInvalidPrice)
		}
		if _, err := ParsePrice(req.Price); err != nil {
			return err
		}
	}

	if req.ReduceOnly && req.PositionSide != "" && req.PositionSide != PositionSideBoth {
		return ErrReduceOnlyInHedge
	}

	return nil
}

// ValidateConditionalOrder validates a protective order request
func ValidateConditionalOrder(req *ConditionalOrderRequest) error {
	if req == nil {
		return fmt.Errorf("conditional order request is nil")
	}

	if req.Symbol == "" {
		return ErrInvalidSymbol
	}

	if req.Side != OrderSideBuy && req.Side != OrderSideSell {
		return ErrInvalidOrderSide
	}

	if req.Kind.OrderType() == "" {
		return ErrInvalidOrderType
	}

	if _, err := ParseQuantity(req.Quantity); err != nil {
		return err
	}

	if req.Kind == KindTrailingStop {
		if _, err := ParsePrice(req.CallbackRate); err != nil {
			return fmt.Errorf("callback rate: %w", err)
		}
	} else if _, err := ParsePrice(req.StopPrice); err != nil {
		return err
	}

	// LONG/SHORT position sides only exist in hedge mode
	if req.ReduceOnly && req.PositionSide != PositionSideBoth {
		return ErrReduceOnlyInHedge
	}

	return nil
}

// EntrySide returns the order side that opens a position in direction.
func EntrySide(direction PositionSide) OrderSide {
	if direction == PositionSideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ClosingSide returns the order side that reduces a position in direction.
func ClosingSide(direction PositionSide) OrderSide {
	return GetOppositeOrderSide(EntrySide(direction))
}

// PositionSideFor returns the position side field to send for direction in mode.
func PositionSideFor(direction PositionSide, mode PositionMode) PositionSide {
	if mode == PositionModeHedge {
		return direction
	}
	return PositionSideBoth
}

// RetryWithBackoff executes a function with exponential backoff
func RetryWithBackoff(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Backoff(attempt, baseDelay, time.Minute)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		// Don't retry if it's not a retryable error
		if !IsRetryableError(err) {
			break
		}
	}

	return lastErr
}

// Backoff returns the delay before retry number attempt (1-based): base, 2*base, 4*base ... capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		return 0
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := base * time.Duration(1<<uint(shift))
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

// IsValidLeverage checks if leverage value is valid
func IsValidLeverage(leverage int) bool {
	return leverage >= 1 && leverage <= 125
}

// NormalizeSymbol normalizes symbol format (removes common variations)
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(symbol)
	symbol = strings.ReplaceAll(symbol, "-", "")
	symbol = strings.ReplaceAll(symbol, "_", "")
	symbol = strings.ReplaceAll(symbol, "/", "")
	return symbol
}

// GetOppositeOrderSide returns the opposite order side
func GetOppositeOrderSide(side OrderSide) OrderSide {
	if side == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}
