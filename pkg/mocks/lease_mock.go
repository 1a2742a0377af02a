package mocks

import (
	"context"
	"time"

	"github.com/dukex/operion-engine/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockLeaseStore is a mock implementation of persistence.LeaseStore.
type MockLeaseStore struct {
	mock.Mock
}

func (m *MockLeaseStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (models.Lease, bool, error) {
	args := m.Called(ctx, key, owner, ttl)

	return args.Get(0).(models.Lease), args.Bool(1), args.Error(2)
}

func (m *MockLeaseStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) (models.Lease, error) {
	args := m.Called(ctx, key, owner, ttl)

	return args.Get(0).(models.Lease), args.Error(1)
}

func (m *MockLeaseStore) Release(ctx context.Context, key, owner string) error {
	args := m.Called(ctx, key, owner)

	return args.Error(0)
}

func (m *MockLeaseStore) Leases(ctx context.Context, prefix string) ([]models.Lease, error) {
	args := m.Called(ctx, prefix)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]models.Lease), args.Error(1)
}

func (m *MockLeaseStore) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
