// Package memory is an EntityStore kept in process memory. It backs local
// development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"realtime-sync/application/ports"
	"realtime-sync/domain/entity"
	apperrors "realtime-sync/pkg/errors"
)

var _ ports.EntityStore = (*Store)(nil)

type Store struct {
	mu       sync.RWMutex
	entities map[string]entity.Entity
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		entities: make(map[string]entity.Entity),
		now:      time.Now,
	}
}

func (s *Store) Create(_ context.Context, e entity.Entity) (entity.Entity, error) {
	if e.ID == "" || e.RoomID == "" || e.Kind == "" {
		return entity.Entity{}, apperrors.NewValidationError("id, roomId and kind are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[e.ID]; exists {
		return entity.Entity{}, apperrors.NewValidationError("entity " + e.ID + " already exists")
	}
	now := s.now()
	e = e.Clone()
	e.Version = entity.InitialVersion
	e.CreatedAt, e.UpdatedAt = now, now
	if e.UpdatedBy == "" {
		e.UpdatedBy = e.CreatedBy
	}
	s.entities[e.ID] = e
	return e.Clone(), nil
}

func (s *Store) Get(_ context.Context, id string) (entity.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return entity.Entity{}, apperrors.NewNotFoundError("entity " + id)
	}
	return e.Clone(), nil
}

func (s *Store) ListByRoom(_ context.Context, roomID string) ([]entity.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []entity.Entity
	for _, e := range s.entities {
		if e.RoomID == roomID {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *Store) UpdateIfVersion(_ context.Context, id string, expected int64, changes entity.Changes, actorID string) (entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return entity.Entity{}, apperrors.NewNotFoundError("entity " + id)
	}
	if e.Version != expected {
		return entity.Entity{}, apperrors.NewStaleVersionError(id, expected, e.Version)
	}
	e = e.Clone()
	e.Apply(changes, actorID, s.now())
	e.Version++
	s.entities[id] = e
	return e.Clone(), nil
}

func (s *Store) DeleteIfVersion(_ context.Context, id string, expected int64) (entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return entity.Entity{}, apperrors.NewNotFoundError("entity " + id)
	}
	if expected > 0 && e.Version != expected {
		return entity.Entity{}, apperrors.NewStaleVersionError(id, expected, e.Version)
	}
	delete(s.entities, id)
	return e, nil
}
