package broker

import (
	"context"
	"sort"
)

// Broker represents a futures exchange connection bound to one set of API keys.
// The executor only ever talks to a Broker through Gateway.
type Broker interface {
	// Name returns the name of the broker
	Name() string

	// Initialize sets up the broker with credentials
	Initialize(ctx context.Context, credentials *Credentials) error

	// Test connection to the broker
	TestConnection(ctx context.Context) error

	// Account related methods
	GetBalance(ctx context.Context, asset string) (*Balance, error)
	SetLeverage(ctx context.Context, req *LeverageRequest) error
	GetPositionMode(ctx context.Context) (bool, error)

	// Order related methods
	PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	PlaceConditionalOrder(ctx context.Context, req *ConditionalOrderRequest) (*Order, error)

	// Market data methods
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)

	// Utility methods
	IsConnected() bool
	Close() error
}

// BrokerFactory is a factory function type for creating brokers
type BrokerFactory func() Broker

// Registry holds all registered broker factories
var Registry = make(map[string]BrokerFactory)

// Register registers a broker factory
func Register(name string, factory BrokerFactory) {
	Registry[name] = factory
}

// Create creates a new broker instance by name
func Create(name string) (Broker, error) {
	factory, exists := Registry[name]
	if !exists {
		return nil, ErrBrokerNotFound
	}
	return factory(), nil
}

// GetRegisteredBrokers returns the sorted names of all registered brokers
func GetRegisteredBrokers() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
