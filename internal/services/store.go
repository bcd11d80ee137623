package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Cyvadra/signal-trader/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAccountNotFound is returned when no account has the requested id.
var ErrAccountNotFound = errors.New("account not found")

// ErrTradeNotFound is returned when no trade record has the requested id.
var ErrTradeNotFound = errors.New("trade record not found")

// Store persists accounts, trade records and channel cursors.
type Store struct {
	db *gorm.DB
}

// NewStore creates a store over db
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// TradeFilter narrows ListTrades.
type TradeFilter struct {
	AccountID string
	Symbol    string
	Status    models.TradeStatus
	Limit     int
}

// ListAccounts returns every account ordered by id
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	if err := s.db.WithContext(ctx).Order("id").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// GetAccount returns the account with id
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var account models.Account
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account %s: %w", id, err)
	}
	return &account, nil
}

// UpsertAccount creates the account or overwrites all of its columns
func (s *Store) UpsertAccount(ctx context.Context, account *models.Account) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(account).Error
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", account.ID, err)
	}
	return nil
}

// GetLatestTrade returns the most recent non-failed trade of (accountID, symbol),
// or nil when there is none.
func (s *Store) GetLatestTrade(ctx context.Context, accountID, symbol string) (*models.TradeRecord, error) {
	var record models.TradeRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND symbol = ? AND status <> ?", accountID, symbol, models.TradeStatusFailed).
		Order("entry_time DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest trade: %w", err)
	}
	return &record, nil
}

// AppendTrade inserts a new trade record
func (s *Store) AppendTrade(ctx context.Context, record *models.TradeRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to append trade record: %w", err)
	}
	return nil
}

// SaveTrade writes every field of an existing trade record
func (s *Store) SaveTrade(ctx context.Context, record *models.TradeRecord) error {
	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		return fmt.Errorf("failed to save trade record %s: %w", record.ID, err)
	}
	return nil
}

// UpdateTradeStatus sets the status of a trade record. note lands in the failure
// reason for failed records and in the warning otherwise.
func (s *Store) UpdateTradeStatus(ctx context.Context, id string, status models.TradeStatus, note string) error {
	updates := map[string]interface{}{"status": status}
	if note != "" {
		if status == models.TradeStatusFailed {
			updates["failure_reason"] = note
		} else {
			updates["warning"] = note
		}
	}

	result := s.db.WithContext(ctx).Model(&models.TradeRecord{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update trade %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	return nil
}

// ListTrades returns trade records newest first
func (s *Store) ListTrades(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error) {
	query := s.db.WithContext(ctx).Order("entry_time DESC")
	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var records []models.TradeRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return records, nil
}

// GetCursor returns the last processed message id of a channel. ok is false
// when the channel has never been seen on this connection.
func (s *Store) GetCursor(ctx context.Context, connectionKey, channelID string) (lastID int64, ok bool, err error) {
	var cursor models.ChannelCursor
	err = s.db.WithContext(ctx).
		Where("connection_key = ? AND channel_id = ?", connectionKey, channelID).
		First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query cursor: %w", err)
	}
	return cursor.LastMessageID, true, nil
}

// SaveCursor records lastID for a channel. The stored value never moves backwards.
func (s *Store) SaveCursor(ctx context.Context, connectionKey, channelID string, lastID int64) error {
	cursor := models.ChannelCursor{
		ConnectionKey: connectionKey,
		ChannelID:     channelID,
		LastMessageID: lastID,
		UpdatedAt:     time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "connection_key"}, {Name: "channel_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"last_message_id": gorm.Expr("CASE WHEN last_message_id < ? THEN ? ELSE last_message_id END", lastID, lastID),
				"updated_at":      cursor.UpdatedAt,
			}),
		}).
		Create(&cursor).Error
	if err != nil {
		return fmt.Errorf("failed to save cursor %s/%s: %w", connectionKey, channelID, err)
	}
	return nil
}
