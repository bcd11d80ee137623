package cooldown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Cyvadra/signal-trader/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu      sync.Mutex
	records []*models.TradeRecord
	err     error
}

func (m *memoryStore) GetLatestTrade(_ context.Context, accountID, symbol string) (*models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var latest *models.TradeRecord
	for _, r := range m.records {
		if r.AccountID != accountID || r.Symbol != symbol || !r.Blocks() {
			continue
		}
		if latest == nil || r.EntryTime.After(latest.EntryTime) {
			latest = r
		}
	}
	return latest, nil
}

func (m *memoryStore) AppendTrade(_ context.Context, record *models.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestMayTradeWithoutHistory(t *testing.T) {
	guard := NewGuard(&memoryStore{}, 0)
	assert.Equal(t, DefaultWindow, guard.Window())

	v, err := guard.MayTrade(context.Background(), "alice", "BTCUSDT", time.Now())
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.NoError(t, v.Err())
}

func TestSecondTradeWithinWindowIsBlocked(t *testing.T) {
	store := &memoryStore{}
	guard := NewGuard(store, 24*time.Hour)
	ctx := context.Background()
	first := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	v, err := guard.Reserve(ctx, &models.TradeRecord{ID: "t1", AccountID: "alice", Symbol: "BTCUSDT", EntryTime: first})
	require.NoError(t, err)
	require.True(t, v.Allowed)

	v, err = guard.Reserve(ctx, &models.TradeRecord{ID: "t2", AccountID: "alice", Symbol: "BTCUSDT", EntryTime: first.Add(10 * time.Hour)})
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, 14*time.Hour, v.Remaining)
	assert.Equal(t, first, v.LastEntry)
	assert.True(t, errors.Is(v.Err(), ErrCooldownBlocked))
	assert.Contains(t, v.Err().Error(), "14h0m0s")
	assert.Equal(t, 1, store.count())

	// other symbols and accounts are independent
	v, err = guard.MayTrade(ctx, "alice", "ETHUSDT", first.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	v, err = guard.MayTrade(ctx, "bob", "BTCUSDT", first.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	v, err = guard.MayTrade(ctx, "alice", "BTCUSDT", first.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestFailedTradesDoNotBlock(t *testing.T) {
	now := time.Now().UTC()
	store := &memoryStore{records: []*models.TradeRecord{
		{ID: "t1", AccountID: "alice", Symbol: "BTCUSDT", EntryTime: now.Add(-time.Hour), Status: models.TradeStatusFailed},
	}}
	guard := NewGuard(store, 24*time.Hour)

	v, err := guard.MayTrade(context.Background(), "alice", "BTCUSDT", now)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestReserveRecordsPending(t *testing.T) {
	store := &memoryStore{}
	guard := NewGuard(store, time.Hour)

	record := &models.TradeRecord{ID: "t1", AccountID: "alice", Symbol: "BTCUSDT"}
	v, err := guard.Reserve(context.Background(), record)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, models.TradeStatusPending, record.Status)
	assert.False(t, record.EntryTime.IsZero())
}

func TestReserveIsExclusivePerKey(t *testing.T) {
	store := &memoryStore{}
	guard := NewGuard(store, 24*time.Hour)
	now := time.Now().UTC()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := guard.Reserve(context.Background(), &models.TradeRecord{
				ID: fmt.Sprintf("t%d", i), AccountID: "alice", Symbol: "BTCUSDT", EntryTime: now,
			})
			assert.NoError(t, err)
			if v.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, allowed)
	assert.Equal(t, 1, store.count())
	assert.Zero(t, guard.locks.size())
}

func TestStoreErrorsSurface(t *testing.T) {
	guard := NewGuard(&memoryStore{err: errors.New("db down")}, time.Hour)

	_, err := guard.Reserve(context.Background(), &models.TradeRecord{ID: "t1", AccountID: "alice", Symbol: "BTCUSDT"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.False(t, errors.Is(err, ErrCooldownBlocked))
}
