// Package mutations is the reference CRUD surface for work items and
// comments. Every write goes through the version controller and, once
// committed, is announced to the room through the broadcaster.
package mutations

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realtime-sync/application/ports"
	"realtime-sync/domain/entity"
	"realtime-sync/domain/events"
	"realtime-sync/domain/versioning"
	apperrors "realtime-sync/pkg/errors"
)

// Service executes mutations and broadcasts their committed result.
type Service struct {
	controller  *versioning.Controller
	store       ports.EntityStore
	broadcaster ports.Broadcaster
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

func NewService(
	controller *versioning.Controller,
	store ports.EntityStore,
	broadcaster ports.Broadcaster,
	logger *zap.Logger,
) *Service {
	return &Service{
		controller:  controller,
		store:       store,
		broadcaster: broadcaster,
		logger:      logger.With(zap.String("component", "mutation_service")),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
}

func (s *Service) CreateWorkItem(ctx context.Context, cmd CreateWorkItemCommand) (entity.Entity, error) {
	if err := cmd.Validate(); err != nil {
		return entity.Entity{}, err
	}
	accepted, err := s.controller.Create(ctx, entity.Entity{
		ID:        s.newID(),
		Kind:      entity.KindWorkItem,
		RoomID:    cmd.RoomID,
		Status:    cmd.Status,
		Payload:   cmd.Payload,
		CreatedBy: cmd.ActorID,
		UpdatedBy: cmd.ActorID,
	})
	if err != nil {
		return entity.Entity{}, err
	}
	s.publish(ctx, events.KindEntityCreated, accepted.Entity, cmd.ActorID)
	return accepted.Entity, nil
}

// UpdateWorkItem applies a whole-entity update. A status-only change is
// announced as entity-status-changed.
func (s *Service) UpdateWorkItem(ctx context.Context, cmd UpdateWorkItemCommand) (entity.Entity, error) {
	if err := cmd.Validate(); err != nil {
		return entity.Entity{}, err
	}
	if _, err := s.lookup(ctx, cmd.ItemID, cmd.RoomID, entity.KindWorkItem, ""); err != nil {
		return entity.Entity{}, err
	}

	accepted, err := s.controller.PrepareUpdate(ctx, versioning.UpdateRequest{
		EntityID:      cmd.ItemID,
		ClientVersion: cmd.Version,
		Changes:       entity.Changes{Status: cmd.Status, Payload: cmd.Payload},
		ActorID:       cmd.ActorID,
	})
	if err != nil {
		return entity.Entity{}, err
	}

	kind := events.KindEntityUpdated
	if cmd.Status != nil && len(cmd.Payload) == 0 {
		kind = events.KindEntityStatusChanged
	}
	s.publish(ctx, kind, accepted.Entity, cmd.ActorID)
	return accepted.Entity, nil
}

func (s *Service) ChangeStatus(ctx context.Context, cmd ChangeStatusCommand) (entity.Entity, error) {
	if err := cmd.Validate(); err != nil {
		return entity.Entity{}, err
	}
	status := cmd.Status
	return s.UpdateWorkItem(ctx, UpdateWorkItemCommand{
		ActorID: cmd.ActorID,
		RoomID:  cmd.RoomID,
		ItemID:  cmd.ItemID,
		Version: cmd.Version,
		Status:  &status,
	})
}

// DeleteWorkItem removes the item, then its comments. Comment cleanup is best
// effort: a failure is logged and the item deletion still stands.
func (s *Service) DeleteWorkItem(ctx context.Context, cmd DeleteWorkItemCommand) (entity.Entity, error) {
	if err := cmd.Validate(); err != nil {
		return entity.Entity{}, err
	}
	if _, err := s.lookup(ctx, cmd.ItemID, cmd.RoomID, entity.KindWorkItem, ""); err != nil {
		return entity.Entity{}, err
	}

	accepted, err := s.controller.PrepareDelete(ctx, cmd.ItemID, cmd.Version)
	if err != nil {
		return entity.Entity{}, err
	}
	s.publish(ctx, events.KindEntityDeleted, accepted.Entity, cmd.ActorID)
	s.deleteComments(ctx, cmd.RoomID, cmd.ItemID, cmd.ActorID)

	s.logger.Info("Work item deleted",
		zap.String("itemID", cmd.ItemID),
		zap.String("roomID", cmd.RoomID),
		zap.String("userID", cmd.ActorID),
	)
	return accepted.Entity, nil
}

func (s *Service) deleteComments(ctx context.Context, roomID, itemID, actorID string) {
	all, err := s.store.ListByRoom(ctx, roomID)
	if err != nil {
		s.logger.Warn("Failed to list comments for cleanup", zap.String("itemID", itemID), zap.Error(err))
		return
	}
	for _, e := range all {
		if e.Kind != entity.KindComment || e.ParentID != itemID {
			continue
		}
		accepted, err := s.deleteOrphan(ctx, e)
		if err != nil {
			if !apperrors.IsNotFound(err) {
				s.logger.Warn("Failed to delete comment", zap.String("commentID", e.ID), zap.Error(err))
			}
			continue
		}
		s.publish(ctx, events.KindCommentDeleted, accepted.Entity, actorID)
	}
}

// deleteOrphan removes a comment whose item is gone. The delete is made at
// the listed version; a comment edited since is retried once at the version
// the store reports.
func (s *Service) deleteOrphan(ctx context.Context, c entity.Entity) (versioning.Accepted, error) {
	accepted, err := s.controller.PrepareDelete(ctx, c.ID, c.Version)
	server, stale := apperrors.ServerVersion(err)
	if !stale {
		return accepted, err
	}
	return s.controller.PrepareDelete(ctx, c.ID, server)
}

func (s *Service) CreateComment(ctx context.Context, cmd CreateCommentCommand) (entity.Entity, error) {
	if err := cmd.Validate(); err != nil {
		return entity.Entity{}, err
	}
	if _, err := s.lookup(ctx, cmd.ItemID, cmd.RoomID, entity.KindWorkItem, ""); err != nil {
		return entity.Entity{}, err
	}

	accepted, err := s.controller.Create(ctx, entity.Entity{
		ID:        s.newID(),
		Kind:      entity.KindComment,
		RoomID:    cmd.RoomID,
		ParentID:  cmd.ItemID,
		Payload:   cmd.Payload,
		CreatedBy: cmd.ActorID,
		UpdatedBy: cmd.ActorID,
	})
	if err != nil {
		return entity.Entity{}, err
	}
	s.publish(ctx, events.KindCommentCreated, accepted.Entity, cmd.ActorID)
	return accepted.Entity, nil
}

func (s *Service) UpdateComment(ctx context.Context, cmd UpdateCommentCommand) (entity.Entity, error) {
	if err := cmd.Validate(); err != nil {
		return entity.Entity{}, err
	}
	if _, err := s.lookup(ctx, cmd.CommentID, cmd.RoomID, entity.KindComment, cmd.ItemID); err != nil {
		return entity.Entity{}, err
	}

	accepted, err := s.controller.PrepareUpdate(ctx, versioning.UpdateRequest{
		EntityID:      cmd.CommentID,
		ClientVersion: cmd.Version,
		Changes:       entity.Changes{Payload: cmd.Payload},
		ActorID:       cmd.ActorID,
	})
	if err != nil {
		return entity.Entity{}, err
	}
	s.publish(ctx, events.KindCommentUpdated, accepted.Entity, cmd.ActorID)
	return accepted.Entity, nil
}

func (s *Service) DeleteComment(ctx context.Context, cmd DeleteCommentCommand) (entity.Entity, error) {
	if err := cmd.Validate(); err != nil {
		return entity.Entity{}, err
	}
	if _, err := s.lookup(ctx, cmd.CommentID, cmd.RoomID, entity.KindComment, cmd.ItemID); err != nil {
		return entity.Entity{}, err
	}

	accepted, err := s.controller.PrepareDelete(ctx, cmd.CommentID, cmd.Version)
	if err != nil {
		return entity.Entity{}, err
	}
	s.publish(ctx, events.KindCommentDeleted, accepted.Entity, cmd.ActorID)
	return accepted.Entity, nil
}

// Snapshot returns the full state of a room. Reconnecting clients replace
// their local copy with it.
func (s *Service) Snapshot(ctx context.Context, roomID string) (entity.Snapshot, error) {
	if roomID == "" {
		return entity.Snapshot{}, apperrors.NewValidationError("room id is required")
	}
	all, err := s.store.ListByRoom(ctx, roomID)
	if err != nil {
		return entity.Snapshot{}, err
	}
	return entity.NewSnapshot(roomID, all, s.now()), nil
}

// PublishCommitted broadcasts a mutation committed by an external CRUD layer.
// The acting user and room are taken from the caller, never from the
// envelope.
func (s *Service) PublishCommitted(ctx context.Context, actorID, roomID string, env events.Envelope) (ports.BroadcastResult, error) {
	if err := requireIDs(actorID, roomID); err != nil {
		return ports.BroadcastResult{}, err
	}
	if !env.Kind.IsMutation() {
		return ports.BroadcastResult{}, apperrors.NewValidationError("kind " + string(env.Kind) + " is not a mutation")
	}
	if env.EntityID == "" {
		return ports.BroadcastResult{}, apperrors.NewValidationError("entity id is required")
	}
	if env.Version < 0 {
		return ports.BroadcastResult{}, apperrors.NewValidationError("version must not be negative")
	}

	env.ActingUserID = actorID
	env.RoomID = roomID
	if env.Timestamp == 0 {
		env.Timestamp = s.now().UnixMilli()
	}
	return s.broadcaster.Broadcast(ctx, roomID, env), nil
}

// lookup loads id and checks that it belongs to roomID, has the expected kind
// and, for comments, hangs off parentID. Any mismatch reads as not found.
func (s *Service) lookup(ctx context.Context, id, roomID string, kind entity.Kind, parentID string) (entity.Entity, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return entity.Entity{}, err
	}
	if e.RoomID != roomID || e.Kind != kind || (parentID != "" && e.ParentID != parentID) {
		return entity.Entity{}, apperrors.NewNotFoundError(string(kind) + " " + id)
	}
	return e, nil
}

func (s *Service) publish(ctx context.Context, kind events.Kind, e entity.Entity, actorID string) {
	env, err := events.ForMutation(kind, e, actorID)
	if err != nil {
		s.logger.Error("Failed to build mutation event", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	res := s.broadcaster.Broadcast(ctx, e.RoomID, env)
	s.logger.Debug("Mutation published",
		zap.String("kind", string(kind)),
		zap.String("entityID", e.ID),
		zap.Int64("version", e.Version),
		zap.Int("recipients", res.Recipients),
	)
}
