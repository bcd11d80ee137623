package broker

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockBroker is a mock implementation of the broker interface
type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockBroker) Initialize(ctx context.Context, credentials *Credentials) error {
	args := m.Called(ctx, credentials)
	return args.Error(0)
}

func (m *MockBroker) TestConnection(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockBroker) GetBalance(ctx context.Context, asset string) (*Balance, error) {
	args := m.Called(ctx, asset)
	if b, ok := args.Get(0).(*Balance); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBroker) SetLeverage(ctx context.Context, req *LeverageRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockBroker) GetPositionMode(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockBroker) PlaceOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	args := m.Called(ctx, req)
	if o, ok := args.Get(0).(*Order); ok {
		return o, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBroker) PlaceConditionalOrder(ctx context.Context, req *ConditionalOrderRequest) (*Order, error) {
	args := m.Called(ctx, req)
	if o, ok := args.Get(0).(*Order); ok {
		return o, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBroker) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	args := m.Called(ctx, symbol)
	if s, ok := args.Get(0).(*SymbolInfo); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBroker) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockBroker) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockBroker) Close() error {
	args := m.Called()
	return args.Error(0)
}
