package models

import "time"

// ChannelCursor is the last message id processed on a channel of a connection.
type ChannelCursor struct {
	ConnectionKey string    `json:"connection_key" gorm:"primaryKey;size:191"`
	ChannelID     string    `json:"channel_id" gorm:"primaryKey;size:128"`
	LastMessageID int64     `json:"last_message_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}
