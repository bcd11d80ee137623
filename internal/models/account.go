package models

import (
	"time"

	"gorm.io/gorm"
)

// BalanceMode selects how the entry amount is sized.
type BalanceMode string

const (
	BalanceModePercentage BalanceMode = "percentage"
	BalanceModeFixed      BalanceMode = "fixed"
)

const (
	DefaultQuoteAsset      = "USDT"
	DefaultStopLossPercent = 2.0
	DefaultLeverage        = 10
	DefaultRiskPercentage  = 2.0
)

// TakeProfitLevel is one rung of the take-profit ladder.
// Percent is the offset from entry, Allocation the share of the remaining position it closes.
type TakeProfitLevel struct {
	Percent    float64 `json:"percent" yaml:"percent"`
	Allocation float64 `json:"allocation" yaml:"allocation"`
}

// TrailingConfig configures the trailing stop placed after entry.
type TrailingConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	ActivationPercent float64 `json:"activation_percent" yaml:"activation_percent"`
	CallbackPercent   float64 `json:"callback_percent" yaml:"callback_percent"`
}

// DefaultTakeProfitLevels returns the ladder used when an account configures none.
func DefaultTakeProfitLevels() []TakeProfitLevel {
	return []TakeProfitLevel{
		{Percent: 1, Allocation: 50},
		{Percent: 2.5, Allocation: 50},
		{Percent: 5, Allocation: 100},
	}
}

// Account is a trading account: exchange keys, risk settings and the channels it follows.
type Account struct {
	ID      string `json:"id" gorm:"primaryKey;size:64"`
	Name    string `json:"name"`
	OwnerID *int64 `json:"owner_id" gorm:"index"` // nil means unassigned

	Exchange     string `json:"exchange" gorm:"size:32"`
	APIKey       string `json:"-"`
	SecretKey    string `json:"-"`
	Testnet      bool   `json:"testnet"`
	PositionMode string `json:"position_mode" gorm:"size:16"` // hedge, one-way, auto

	SourceKind        string            `json:"source_kind" gorm:"size:32"`
	SourceCredentials map[string]string `json:"-" gorm:"serializer:json"`
	Channels          []string          `json:"channels" gorm:"serializer:json"`

	Leverage          int         `json:"leverage"`
	RiskPercentage    float64     `json:"risk_percentage"`
	BalanceMode       BalanceMode `json:"balance_mode" gorm:"size:16"`
	BalancePercentage float64     `json:"balance_percentage"`
	FixedAmount       float64     `json:"fixed_amount"`
	QuoteAsset        string      `json:"quote_asset" gorm:"size:16"`

	TakeProfitLevels []TakeProfitLevel `json:"take_profit_levels" gorm:"serializer:json"`
	StopLossPercent  float64           `json:"stop_loss_percent"`
	Trailing         TrailingConfig    `json:"trailing" gorm:"embedded;embeddedPrefix:trailing_"`

	UseSignalSettings bool   `json:"use_signal_settings"`
	CreateSLTP        bool   `json:"create_sl_tp"`
	WebhookNotify     bool   `json:"webhook_notify"`
	WebhookURL        string `json:"webhook_url"`
	NotifyChatID      int64  `json:"notify_chat_id"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// ApplyDefaults fills unset risk and ladder fields.
func (a *Account) ApplyDefaults() {
	if a.Exchange == "" {
		a.Exchange = "binance"
	}
	if a.PositionMode == "" {
		a.PositionMode = "hedge"
	}
	if a.QuoteAsset == "" {
		a.QuoteAsset = DefaultQuoteAsset
	}
	if a.Leverage <= 0 {
		a.Leverage = DefaultLeverage
	}
	if a.RiskPercentage <= 0 {
		a.RiskPercentage = DefaultRiskPercentage
	}
	if a.BalanceMode == "" {
		a.BalanceMode = BalanceModePercentage
	}
	if a.BalanceMode == BalanceModePercentage && a.BalancePercentage <= 0 {
		a.BalancePercentage = a.RiskPercentage
	}
	if len(a.TakeProfitLevels) == 0 {
		a.TakeProfitLevels = DefaultTakeProfitLevels()
	}
	if a.StopLossPercent <= 0 {
		a.StopLossPercent = DefaultStopLossPercent
	}
}

// Assigned reports whether the account has an owner.
func (a *Account) Assigned() bool {
	return a.OwnerID != nil
}

// HasCredentials reports whether exchange keys are present.
func (a *Account) HasCredentials() bool {
	return a.APIKey != "" && a.SecretKey != ""
}

// MonitorsChannel reports whether channelID is among the account's channels.
func (a *Account) MonitorsChannel(channelID string) bool {
	for _, c := range a.Channels {
		if c == channelID {
			return true
		}
	}
	return false
}
