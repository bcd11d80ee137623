package services

import (
	"context"
	"fmt"

	"github.com/Cyvadra/signal-trader/internal/config"
	"go.uber.org/zap"
)

// SyncAccounts writes every account of cfg into the store. Accounts only present
// in the database are left alone.
func SyncAccounts(ctx context.Context, store *Store, cfg *config.AccountConfig, logger *zap.Logger) (int, error) {
	if cfg == nil {
		return 0, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	synced := 0
	for i := range cfg.Accounts {
		entry := &cfg.Accounts[i]
		account := entry.ToModel()
		if err := store.UpsertAccount(ctx, account); err != nil {
			return synced, fmt.Errorf("failed to sync account %s: %w", entry.ID, err)
		}
		synced++

		fields := []zap.Field{
			zap.String("account", account.ID),
			zap.Int("channels", len(account.Channels)),
			zap.String("source", account.SourceKind),
		}
		if !account.Assigned() {
			logger.Warn("account has no owner; it will not be monitored", fields...)
			continue
		}
		logger.Info("account synced", fields...)
	}
	return synced, nil
}
