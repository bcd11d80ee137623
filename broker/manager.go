package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager keeps one initialized broker per trading account.
type Manager struct {
	brokers     map[string]Broker
	mutex       sync.RWMutex
	logger      *zap.Logger
	initTimeout time.Duration
}

// NewManager creates a new broker manager
func NewManager(logger *zap.Logger, initTimeout time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if initTimeout <= 0 {
		initTimeout = 30 * time.Second
	}
	return &Manager{
		brokers:     make(map[string]Broker),
		logger:      logger,
		initTimeout: initTimeout,
	}
}

// RemoveBroker removes and closes the broker of an account
func (m *Manager) RemoveBroker(accountID string) error {
	m.mutex.Lock()
	broker, exists := m.brokers[accountID]
	delete(m.brokers, accountID)
	m.mutex.Unlock()

	if !exists {
		return fmt.Errorf("account %s: %w", accountID, ErrBrokerNotFound)
	}

	m.logger.Debug("broker released", zap.String("account", accountID))
	if err := broker.Close(); err != nil {
		m.logger.Warn("error closing broker", zap.String("account", accountID), zap.Error(err))
	}
	return nil
}

// GetBroker retrieves the broker of an account
func (m *Manager) GetBroker(accountID string) (Broker, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	broker, exists := m.brokers[accountID]
	if !exists {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrBrokerNotFound)
	}

	return broker, nil
}

// Acquire returns the account's broker, creating and initializing it on first use.
// Initialization runs without the lock held; if two callers race, the loser's
// instance is closed.
func (m *Manager) Acquire(ctx context.Context, account Account) (Broker, error) {
	if existing, err := m.GetBroker(account.ID); err == nil && existing.IsConnected() {
		return existing, nil
	}

	name := account.Exchange
	if name == "" {
		name = "binance"
	}
	broker, err := Create(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker %s (registered: %s): %w",
			name, strings.Join(GetRegisteredBrokers(), ", "), err)
	}

	initCtx, cancel := context.WithTimeout(ctx, m.initTimeout)
	defer cancel()
	creds := account.Credentials
	if err := broker.Initialize(initCtx, &creds); err != nil {
		return nil, fmt.Errorf("failed to initialize broker %s for account %s: %w", name, account.ID, err)
	}

	m.mutex.Lock()
	if current, ok := m.brokers[account.ID]; ok && current.IsConnected() {
		m.mutex.Unlock()
		broker.Close()
		return current, nil
	}
	m.brokers[account.ID] = broker
	m.mutex.Unlock()

	m.logger.Info("broker connected", zap.String("account", account.ID), zap.String("broker", name))
	return broker, nil
}

// TestConnections tests all broker connections
func (m *Manager) TestConnections(ctx context.Context) map[string]error {
	m.mutex.RLock()
	snapshot := make(map[string]Broker, len(m.brokers))
	for id, broker := range m.brokers {
		snapshot[id] = broker
	}
	m.mutex.RUnlock()

	results := make(map[string]error)
	for id, broker := range snapshot {
		if err := broker.TestConnection(ctx); err != nil {
			results[id] = err
			m.logger.Warn("connection test failed", zap.String("account", id), zap.Error(err))
		}
	}

	return results
}

// CloseAll closes every broker
func (m *Manager) CloseAll() {
	m.mutex.Lock()
	brokers := m.brokers
	m.brokers = make(map[string]Broker)
	m.mutex.Unlock()

	for id, broker := range brokers {
		if err := broker.Close(); err != nil {
			m.logger.Warn("error closing broker", zap.String("account", id), zap.Error(err))
		}
	}
}
