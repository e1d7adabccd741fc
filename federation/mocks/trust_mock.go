package mocks

import (
	"context"
	"crypto/rsa"

	"github.com/stretchr/testify/mock"
)

type MockTrustPolicy struct {
	mock.Mock
}

func (m *MockTrustPolicy) ServerKey(ctx context.Context, host string) (*rsa.PublicKey, error) {
	args := m.Called(ctx, host)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*rsa.PublicKey), args.Error(1)
}
