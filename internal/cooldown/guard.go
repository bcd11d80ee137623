// Package cooldown keeps an account from opening the same symbol twice within a window.
package cooldown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Cyvadra/signal-trader/internal/models"
)

// DefaultWindow is the cooldown used when none is configured.
const DefaultWindow = 24 * time.Hour

// ErrCooldownBlocked is returned through Verdict.Err for a refused trade.
var ErrCooldownBlocked = errors.New("cooldown active")

// TradeStore is the slice of the persistence gateway the guard needs.
type TradeStore interface {
	GetLatestTrade(ctx context.Context, accountID, symbol string) (*models.TradeRecord, error)
	AppendTrade(ctx context.Context, record *models.TradeRecord) error
}

// Verdict is the outcome of a cooldown check.
type Verdict struct {
	Allowed   bool          `json:"allowed"`
	Remaining time.Duration `json:"remaining"`
	LastEntry time.Time     `json:"last_entry,omitempty"`
}

// Err returns nil for an allowed trade and a wrapped ErrCooldownBlocked otherwise.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s remaining", ErrCooldownBlocked, v.Remaining.Round(time.Minute))
}

// Guard answers "may this account trade this symbol now" from the trade history.
// It never caches: every check reads the latest record.
type Guard struct {
	store  TradeStore
	window time.Duration
	locks  *keyedMutex
}

// NewGuard creates a guard. A non-positive window selects DefaultWindow.
func NewGuard(store TradeStore, window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{
		store:  store,
		window: window,
		locks:  newKeyedMutex(),
	}
}

// Window returns the configured cooldown.
func (g *Guard) Window() time.Duration {
	return g.window
}

// MayTrade checks the latest non-failed trade of (accountID, symbol) against now.
func (g *Guard) MayTrade(ctx context.Context, accountID, symbol string, now time.Time) (Verdict, error) {
	last, err := g.store.GetLatestTrade(ctx, accountID, symbol)
	if err != nil {
		return Verdict{}, fmt.Errorf("cooldown lookup for %s/%s: %w", accountID, symbol, err)
	}
	return g.verdict(last, now), nil
}

func (g *Guard) verdict(last *models.TradeRecord, now time.Time) Verdict {
	if last == nil || !last.Blocks() {
		return Verdict{Allowed: true}
	}
	elapsed := now.Sub(last.EntryTime)
	if elapsed >= g.window {
		return Verdict{Allowed: true, LastEntry: last.EntryTime}
	}
	return Verdict{
		Allowed:   false,
		Remaining: g.window - elapsed,
		LastEntry: last.EntryTime,
	}
}

// Reserve checks the cooldown for record's account and symbol at record.EntryTime and,
// when allowed, appends record as pending. Check and write happen under one
// per-(account, symbol) lock so concurrent signals cannot both pass.
func (g *Guard) Reserve(ctx context.Context, record *models.TradeRecord) (Verdict, error) {
	unlock := g.locks.Lock(record.AccountID + "\x00" + record.Symbol)
	defer unlock()

	if record.EntryTime.IsZero() {
		record.EntryTime = time.Now().UTC()
	}
	verdict, err := g.MayTrade(ctx, record.AccountID, record.Symbol, record.EntryTime)
	if err != nil || !verdict.Allowed {
		return verdict, err
	}

	if record.Status == "" {
		record.Status = models.TradeStatusPending
	}
	if err := g.store.AppendTrade(ctx, record); err != nil {
		return Verdict{}, fmt.Errorf("failed to reserve %s/%s: %w", record.AccountID, record.Symbol, err)
	}
	return verdict, nil
}
