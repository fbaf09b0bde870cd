package websocket

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"realtime-sync/application/ports"
	"realtime-sync/domain/events"
	"realtime-sync/pkg/observability"
)

// Broadcaster fans committed mutations out to the connections of a room.
type Broadcaster struct {
	hub    *Hub
	logger *zap.Logger
}

var _ ports.Broadcaster = (*Broadcaster)(nil)

// NewBroadcaster creates a new event broadcaster
func NewBroadcaster(hub *Hub, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		hub:    hub,
		logger: logger.With(zap.String("component", "broadcaster")),
	}
}

// Broadcast delivers env to every connection joined to roomID, the
// originating one included. Per-connection failures are counted, never
// returned.
func (b *Broadcaster) Broadcast(ctx context.Context, roomID string, env events.Envelope) ports.BroadcastResult {
	_, span := observability.StartSpan(ctx, "broadcaster.broadcast",
		attribute.String("room.id", roomID),
		attribute.String("event.kind", string(env.Kind)),
		attribute.String("entity.id", env.EntityID),
	)
	defer span.End()

	env.RoomID = roomID
	result := b.hub.BroadcastToRoom(roomID, env)

	span.SetAttributes(
		attribute.Int("broadcast.recipients", result.Recipients),
		attribute.Int("broadcast.delivered", result.Delivered),
		attribute.Int("broadcast.failed", result.Failed),
	)
	b.logger.Debug("Event broadcast",
		zap.String("roomID", roomID),
		zap.String("kind", string(env.Kind)),
		zap.String("entityID", env.EntityID),
		zap.Int64("version", env.Version),
		zap.Int("recipients", result.Recipients),
		zap.Int("delivered", result.Delivered),
		zap.Int("dropped", result.Dropped),
		zap.Int("failed", result.Failed),
	)
	return result
}
