// Package mocks provides testify mocks for the ports.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"realtime-sync/application/ports"
	"realtime-sync/domain/entity"
	"realtime-sync/domain/events"
	"realtime-sync/pkg/auth"
)

// MockEntityStore is a mock implementation of ports.EntityStore.
type MockEntityStore struct {
	mock.Mock
}

func (m *MockEntityStore) Create(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	args := m.Called(ctx, e)
	return args.Get(0).(entity.Entity), args.Error(1)
}

func (m *MockEntityStore) Get(ctx context.Context, id string) (entity.Entity, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(entity.Entity), args.Error(1)
}

func (m *MockEntityStore) ListByRoom(ctx context.Context, roomID string) ([]entity.Entity, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]entity.Entity), args.Error(1)
}

func (m *MockEntityStore) UpdateIfVersion(ctx context.Context, id string, expected int64, changes entity.Changes, actorID string) (entity.Entity, error) {
	args := m.Called(ctx, id, expected, changes, actorID)
	return args.Get(0).(entity.Entity), args.Error(1)
}

func (m *MockEntityStore) DeleteIfVersion(ctx context.Context, id string, expected int64) (entity.Entity, error) {
	args := m.Called(ctx, id, expected)
	return args.Get(0).(entity.Entity), args.Error(1)
}

// MockBroadcaster is a mock implementation of ports.Broadcaster.
type MockBroadcaster struct {
	mock.Mock
}

func (m *MockBroadcaster) Broadcast(ctx context.Context, roomID string, env events.Envelope) ports.BroadcastResult {
	args := m.Called(ctx, roomID, env)
	return args.Get(0).(ports.BroadcastResult)
}

// MockVerifier is a mock implementation of auth.Verifier.
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, credential string) (auth.Identity, error) {
	args := m.Called(ctx, credential)
	return args.Get(0).(auth.Identity), args.Error(1)
}

var (
	_ ports.EntityStore = (*MockEntityStore)(nil)
	_ ports.Broadcaster = (*MockBroadcaster)(nil)
	_ auth.Verifier     = (*MockVerifier)(nil)
)
