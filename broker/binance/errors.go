package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/Cyvadra/signal-trader/broker"
	"github.com/adshao/go-binance/v2/common"
)

// wrapError translates go-binance errors into broker errors so callers can tell
// transient failures from exchange rejections.
func (c *Client) wrapError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		code, sentinel := classifyAPIError(apiErr.Code)
		return broker.NewBrokerError(c.name, code,
			fmt.Sprintf("%s failed: %s (code %d)", operation, apiErr.Message, apiErr.Code),
			fmt.Errorf("%w: %w", sentinel, err))
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return broker.NewBrokerError(c.name, broker.CodeTimeout, operation+" timed out", fmt.Errorf("%w: %w", broker.ErrTimeout, err))
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s canceled: %w", operation, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return broker.NewBrokerError(c.name, broker.CodeTimeout, operation+" timed out", fmt.Errorf("%w: %w", broker.ErrTimeout, err))
		}
		return broker.NewBrokerError(c.name, broker.CodeNetwork, operation+" failed", fmt.Errorf("%w: %w", broker.ErrNetworkError, err))
	}

	msg := err.Error()
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "EOF") {
		return broker.NewBrokerError(c.name, broker.CodeNetwork, operation+" failed", fmt.Errorf("%w: %w", broker.ErrNetworkError, err))
	}

	return broker.NewBrokerError(c.name, "UNKNOWN", operation+" failed", err)
}

func classifyAPIError(code int64) (string, error) {
	switch code {
	case -1003, -1015: // too many requests / too many orders
		return broker.CodeRateLimit, broker.ErrRateLimitExceeded
	case -1000, -1001, -1006, -1016: // unknown / disconnected / unexpected response / service shutting down
		return broker.CodeServer, broker.ErrNetworkError
	case -1007, -1021: // backend timeout / timestamp outside recvWindow
		return broker.CodeTimeout, broker.ErrTimeout
	case -1022, -2014, -2015:
		return broker.CodeInvalidAuth, broker.ErrInvalidCredentials
	case -2018, -2019, -2027, -2028:
		return broker.CodeRejected, broker.ErrInsufficientBalance
	case -1121:
		return broker.CodeRejected, broker.ErrInvalidSymbol
	case -4028:
		return broker.CodeRejected, broker.ErrInvalidLeverage
	default:
		return broker.CodeRejected, broker.ErrOrderRejected
	}
}
