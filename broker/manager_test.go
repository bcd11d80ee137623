package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func registerMock(t *testing.T, name string) *MockBroker {
	t.Helper()
	m := &MockBroker{}
	m.On("Initialize", mock.Anything, mock.Anything).Return(nil)
	m.On("Name").Return(name).Maybe()
	Register(name, func() Broker { return m })
	t.Cleanup(func() { delete(Registry, name) })
	return m
}

func TestManagerAcquireAndRemove(t *testing.T) {
	m := registerMock(t, "manager-test")
	m.On("IsConnected").Return(true)
	m.On("Close").Return(nil).Once()

	manager := NewManager(zap.NewNop(), time.Second)
	account := Account{ID: "acc-1", Exchange: "manager-test"}

	first, err := manager.Acquire(context.Background(), account)
	require.NoError(t, err)
	second, err := manager.Acquire(context.Background(), account)
	require.NoError(t, err)
	assert.Same(t, first, second)
	m.AssertNumberOfCalls(t, "Initialize", 1)

	got, err := manager.GetBroker("acc-1")
	require.NoError(t, err)
	assert.Same(t, first, got)

	require.NoError(t, manager.RemoveBroker("acc-1"))
	m.AssertCalled(t, "Close")

	_, err = manager.GetBroker("acc-1")
	assert.True(t, errors.Is(err, ErrBrokerNotFound))
	assert.True(t, errors.Is(manager.RemoveBroker("acc-1"), ErrBrokerNotFound))
}

func TestManagerAcquireUnknownExchange(t *testing.T) {
	registerMock(t, "manager-known")
	manager := NewManager(zap.NewNop(), time.Second)

	_, err := manager.Acquire(context.Background(), Account{ID: "acc-1", Exchange: "nowhere"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBrokerNotFound))
	assert.Contains(t, err.Error(), "manager-known")
}

func TestGetRegisteredBrokersSorted(t *testing.T) {
	registerMock(t, "zz-test")
	registerMock(t, "aa-test")

	names := GetRegisteredBrokers()
	assert.Contains(t, names, "aa-test")
	assert.Contains(t, names, "zz-test")
	assert.IsIncreasing(t, names)
}

func TestManagerTestConnections(t *testing.T) {
	healthy := registerMock(t, "manager-healthy")
	healthy.On("IsConnected").Return(true)
	healthy.On("TestConnection", mock.Anything).Return(nil)

	broken := registerMock(t, "manager-broken")
	broken.On("IsConnected").Return(true)
	broken.On("TestConnection", mock.Anything).Return(ErrNetworkError)

	manager := NewManager(zap.NewNop(), time.Second)
	_, err := manager.Acquire(context.Background(), Account{ID: "good", Exchange: "manager-healthy"})
	require.NoError(t, err)
	_, err = manager.Acquire(context.Background(), Account{ID: "bad", Exchange: "manager-broken"})
	require.NoError(t, err)

	results := manager.TestConnections(context.Background())
	require.Len(t, results, 1)
	assert.True(t, errors.Is(results["bad"], ErrNetworkError))
}
