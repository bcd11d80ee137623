package services

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Cyvadra/signal-trader/internal/events"
	"github.com/Cyvadra/signal-trader/internal/models"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const telegramAPIURL = "https://api.telegram.org"

// Notifier forwards trade events to the account owner's Telegram chat and,
// when enabled, to the account's webhook.
type Notifier struct {
	client   *resty.Client
	botToken string
	apiURL   string
	logger   *zap.Logger
}

// NewNotifier creates a notifier. An empty botToken disables Telegram notices.
func NewNotifier(botToken string, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		client:   resty.New().SetTimeout(timeout),
		botToken: botToken,
		apiURL:   telegramAPIURL,
		logger:   logger,
	}
}

// SetAPIURL points Telegram calls at another host
func (n *Notifier) SetAPIURL(url string) {
	n.apiURL = strings.TrimRight(url, "/")
}

// WebhookPayload is the JSON body posted to an account webhook.
type WebhookPayload struct {
	Event     string      `json:"event"`
	AccountID string      `json:"account_id"`
	Symbol    string      `json:"symbol,omitempty"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Notify delivers ev for account. Delivery errors are logged, never returned:
// a broken webhook must not affect trading.
func (n *Notifier) Notify(ctx context.Context, account *models.Account, ev events.Event) {
	if account == nil {
		return
	}

	if chatID := ownerChatID(account); chatID != 0 && n.botToken != "" && notifiesOwner(ev.Type) {
		if err := n.SendTelegram(ctx, chatID, FormatEvent(account, ev)); err != nil {
			n.logger.Warn("failed to notify owner",
				zap.String("account", account.ID), zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}

	if account.WebhookNotify && account.WebhookURL != "" {
		payload := WebhookPayload{
			Event:     ev.Type,
			AccountID: account.ID,
			Symbol:    ev.Symbol,
			Message:   ev.Message,
			Data:      ev.Data,
			Timestamp: ev.Time,
		}
		if err := n.SendWebhook(ctx, account.WebhookURL, payload); err != nil {
			n.logger.Warn("failed to deliver webhook",
				zap.String("account", account.ID), zap.String("event", ev.Type), zap.Error(err))
		}
	}
}

// SendTelegram sends text to chatID through the Bot API
func (n *Notifier) SendTelegram(ctx context.Context, chatID int64, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.apiURL, n.botToken)
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(url)

	if err != nil {
		return fmt.Errorf("telegram API request failed: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode(), resp.String())
	}

	return nil
}

// SendWebhook posts payload as JSON to url
func (n *Notifier) SendWebhook(ctx context.Context, url string, payload interface{}) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(url)

	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode(), resp.String())
	}

	return nil
}

func ownerChatID(account *models.Account) int64 {
	if account.NotifyChatID != 0 {
		return account.NotifyChatID
	}
	if account.OwnerID != nil {
		return *account.OwnerID
	}
	return 0
}

func notifiesOwner(eventType string) bool {
	switch eventType {
	case events.TypeTradeExecuted, events.TypeTradeWarning, events.TypeTradeFailed, events.TypeTradeBlocked:
		return true
	}
	return false
}

// FormatEvent renders ev as a Telegram HTML message
func FormatEvent(account *models.Account, ev events.Event) string {
	var sb strings.Builder
	switch ev.Type {
	case events.TypeTradeExecuted:
		sb.WriteString("✅ <b>Trade opened</b>\n\n")
	case events.TypeTradeWarning:
		sb.WriteString("⚠️ <b>Trade opened with warnings</b>\n\n")
	case events.TypeTradeFailed:
		sb.WriteString("❌ <b>Trade failed</b>\n\n")
	case events.TypeTradeBlocked:
		sb.WriteString("⏳ <b>Trade blocked by cooldown</b>\n\n")
	default:
		sb.WriteString("ℹ️ <b>" + html.EscapeString(ev.Type) + "</b>\n\n")
	}

	name := account.Name
	if name == "" {
		name = account.ID
	}
	sb.WriteString(fmt.Sprintf("👤 <b>Account:</b> %s\n", html.EscapeString(name)))
	if ev.Symbol != "" {
		sb.WriteString(fmt.Sprintf("💱 <b>Symbol:</b> %s\n", html.EscapeString(ev.Symbol)))
	}
	if trade, ok := ev.Data.(*models.TradeRecord); ok && trade != nil {
		sb.WriteString(fmt.Sprintf("⚡ <b>Direction:</b> %s\n", strings.ToUpper(trade.Direction)))
		if trade.EntryPrice > 0 {
			sb.WriteString(fmt.Sprintf("💰 <b>Entry:</b> %s\n", strconv.FormatFloat(trade.EntryPrice, 'f', -1, 64)))
			sb.WriteString(fmt.Sprintf("📈 <b>Quantity:</b> %s\n", strconv.FormatFloat(trade.Quantity, 'f', -1, 64)))
			sb.WriteString(fmt.Sprintf("🔧 <b>Leverage:</b> %dx\n", trade.Leverage))
		}
		if trade.StopLoss > 0 {
			sb.WriteString(fmt.Sprintf("🛑 <b>Stop:</b> %s\n", strconv.FormatFloat(trade.StopLoss, 'f', -1, 64)))
		}
		for i, tp := range trade.TakeProfits {
			sb.WriteString(fmt.Sprintf("🎯 <b>TP%d:</b> %s\n", i+1, strconv.FormatFloat(tp, 'f', -1, 64)))
		}
	}
	if ev.Message != "" {
		sb.WriteString(fmt.Sprintf("💬 %s\n", html.EscapeString(ev.Message)))
	}
	t := ev.Time
	if t.IsZero() {
		t = time.Now().UTC()
	}
	sb.WriteString(fmt.Sprintf("⏰ <b>Time:</b> %s", t.Format("2006-01-02 15:04:05")))
	return sb.String()
}
