// Package ports declares the collaborators the sync service depends on.
package ports

import (
	"context"

	"realtime-sync/domain/entity"
	"realtime-sync/domain/events"
	"realtime-sync/pkg/auth"
)

// EntityStore is durable storage for work items and comments. Every
// implementation compares versions at commit time: a write whose expected
// version no longer matches is rejected with a STALE_VERSION error carrying
// the stored version, and nothing is written.
type EntityStore interface {
	// Create stores e at version 1. ID, RoomID and Kind must be set.
	Create(ctx context.Context, e entity.Entity) (entity.Entity, error)
	Get(ctx context.Context, id string) (entity.Entity, error)
	// ListByRoom returns every entity of the room in no particular order.
	ListByRoom(ctx context.Context, roomID string) ([]entity.Entity, error)
	// UpdateIfVersion applies changes when the stored version equals expected
	// and returns the entity at expected+1.
	UpdateIfVersion(ctx context.Context, id string, expected int64, changes entity.Changes, actorID string) (entity.Entity, error)
	// DeleteIfVersion removes the entity and returns its last state. An
	// expected version of 0 deletes unconditionally.
	DeleteIfVersion(ctx context.Context, id string, expected int64) (entity.Entity, error)
}

// IdentityVerifier resolves bearer credentials.
type IdentityVerifier = auth.Verifier

// BroadcastResult counts the per-connection outcome of one fan-out.
type BroadcastResult struct {
	Recipients int
	Delivered  int
	Dropped    int
	Failed     int
}

// Broadcaster fans an envelope out to every connection joined to a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID string, env events.Envelope) BroadcastResult
}
