package data

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockConnector is a mock implementation of the Connector interface
type MockConnector struct {
	mock.Mock
	id string
}

var _ Connector = (*MockConnector)(nil)

func NewMockConnector(id string) *MockConnector {
	return &MockConnector{id: id}
}

func (m *MockConnector) Id() string {
	return m.id
}

func (m *MockConnector) Get(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *MockConnector) Set(ctx context.Context, key, value string, ttl *time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

func (m *MockConnector) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockConnector) Lock(ctx context.Context, key string, ttl time.Duration) (DistributedLock, error) {
	args := m.Called(ctx, key, ttl)
	var a0 DistributedLock
	a0, _ = args.Get(0).(DistributedLock)
	return a0, args.Error(1)
}

// MockLock is a mock implementation of the DistributedLock interface
type MockLock struct {
	mock.Mock
}

func (m *MockLock) Unlock(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
