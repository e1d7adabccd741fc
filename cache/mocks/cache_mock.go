package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Publish(ctx context.Context, channel string, message []byte) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func (m *MockCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	args := m.Called(ctx, channel, handler)
	return args.Error(0)
}

func (m *MockCache) SetServerKey(ctx context.Context, host string, publicKeyPEM string) error {
	args := m.Called(ctx, host, publicKeyPEM)
	return args.Error(0)
}

func (m *MockCache) GetServerKey(ctx context.Context, host string) (string, error) {
	args := m.Called(ctx, host)
	return args.String(0), args.Error(1)
}

func (m *MockCache) InvalidateServerKey(ctx context.Context, host string) error {
	args := m.Called(ctx, host)
	return args.Error(0)
}
