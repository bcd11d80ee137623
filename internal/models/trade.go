package models

import (
	"time"
)

// TradeStatus is the lifecycle state of a trade record.
type TradeStatus string

const (
	TradeStatusPending     TradeStatus = "pending"
	TradeStatusOpen        TradeStatus = "open"
	TradeStatusOpenWarning TradeStatus = "open_warning"
	TradeStatusClosed      TradeStatus = "closed"
	TradeStatusFailed      TradeStatus = "failed"
)

// TradeRecord is one executed (or attempted) position entry.
type TradeRecord struct {
	ID            string      `json:"id" gorm:"primaryKey;size:36"`
	AccountID     string      `json:"account_id" gorm:"size:64;not null;index:idx_trade_account_symbol_entry,priority:1"`
	Symbol        string      `json:"symbol" gorm:"size:32;not null;index:idx_trade_account_symbol_entry,priority:2"`
	Direction     string      `json:"direction" gorm:"size:8"` // long, short
	EntryTime     time.Time   `json:"entry_time" gorm:"not null;index:idx_trade_account_symbol_entry,priority:3"`
	EntryPrice    float64     `json:"entry_price"`
	Quantity      float64     `json:"quantity"`
	Leverage      int         `json:"leverage"`
	StopLoss      float64     `json:"stop_loss"`
	TakeProfits   []float64   `json:"take_profits" gorm:"serializer:json"`
	OrderIDs      []string    `json:"order_ids" gorm:"serializer:json"`
	ChannelID     string      `json:"channel_id" gorm:"size:128"`
	MessageID     int64       `json:"message_id"`
	Confidence    float64     `json:"confidence"`
	PnL           float64     `json:"pnl"`
	Status        TradeStatus `json:"status" gorm:"size:16;index"`
	Warning       string      `json:"warning,omitempty" gorm:"type:text"`
	FailureReason string      `json:"failure_reason,omitempty" gorm:"type:text"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Blocks reports whether the record counts against the cooldown.
func (t *TradeRecord) Blocks() bool {
	return t.Status != TradeStatusFailed
}
