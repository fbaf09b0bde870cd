// Package persistence holds the EntityStore adapters and the decorators
// shared by all of them.
package persistence

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"realtime-sync/application/ports"
	"realtime-sync/domain/entity"
	"realtime-sync/pkg/observability"
)

// WithTracing wraps store so every call produces a span named after the
// driver and the operation.
func WithTracing(store ports.EntityStore, driver string) ports.EntityStore {
	return &tracedStore{inner: store, driver: driver}
}

type tracedStore struct {
	inner  ports.EntityStore
	driver string
}

func (s *tracedStore) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs, attribute.String("db.system", s.driver))
	ctx, span := observability.StartSpan(ctx, "store."+op, attrs...)
	return ctx, func(err error) { observability.EndSpan(span, err) }
}

func (s *tracedStore) Create(ctx context.Context, e entity.Entity) (out entity.Entity, err error) {
	ctx, end := s.start(ctx, "Create", attribute.String("entity.id", e.ID), attribute.String("room.id", e.RoomID))
	defer func() { end(err) }()
	return s.inner.Create(ctx, e)
}

func (s *tracedStore) Get(ctx context.Context, id string) (out entity.Entity, err error) {
	ctx, end := s.start(ctx, "Get", attribute.String("entity.id", id))
	defer func() { end(err) }()
	return s.inner.Get(ctx, id)
}

func (s *tracedStore) ListByRoom(ctx context.Context, roomID string) (out []entity.Entity, err error) {
	ctx, end := s.start(ctx, "ListByRoom", attribute.String("room.id", roomID))
	defer func() { end(err) }()
	return s.inner.ListByRoom(ctx, roomID)
}

func (s *tracedStore) UpdateIfVersion(ctx context.Context, id string, expected int64, changes entity.Changes, actorID string) (out entity.Entity, err error) {
	ctx, end := s.start(ctx, "UpdateIfVersion", attribute.String("entity.id", id), attribute.Int64("entity.expected_version", expected))
	defer func() { end(err) }()
	return s.inner.UpdateIfVersion(ctx, id, expected, changes, actorID)
}

func (s *tracedStore) DeleteIfVersion(ctx context.Context, id string, expected int64) (out entity.Entity, err error) {
	ctx, end := s.start(ctx, "DeleteIfVersion", attribute.String("entity.id", id), attribute.Int64("entity.expected_version", expected))
	defer func() { end(err) }()
	return s.inner.DeleteIfVersion(ctx, id, expected)
}
